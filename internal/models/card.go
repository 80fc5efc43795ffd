package models

import "time"

// Card status values mirrored from the issuing network.
const (
	CardStatusActive = "active"
	CardStatusFrozen = "frozen"
	CardStatusClosed = "closed"
)

// VirtualCard references a card issued on the external network. The core
// stores only the reference plus its own spend counters; PANs and keys never
// land here. At most one active card per agent.
type VirtualCard struct {
	ID                      string     `json:"id" db:"id"`
	AgentID                 string     `json:"agent_id" db:"agent_id"`
	NetworkCardID           string     `json:"network_card_id" db:"network_card_id"`
	Last4                   string     `json:"last4" db:"last4"`
	ExpiryMonth             int        `json:"expiry_month" db:"expiry_month"`
	ExpiryYear              int        `json:"expiry_year" db:"expiry_year"`
	SpendingLimitMinorUnits int64      `json:"spending_limit_minor_units" db:"spending_limit"`
	CurrentSpendMinorUnits  int64      `json:"current_spend_minor_units" db:"current_spend"`
	Status                  string     `json:"status" db:"status"`
	Active                  bool       `json:"active" db:"active"`
	CreatedAt               time.Time  `json:"created_at" db:"created_at"`
	FrozenAt                *time.Time `json:"frozen_at,omitempty" db:"frozen_at"`
}

// RemainingLimit is the card spending headroom.
func (c *VirtualCard) RemainingLimit() int64 {
	return c.SpendingLimitMinorUnits - c.CurrentSpendMinorUnits
}
