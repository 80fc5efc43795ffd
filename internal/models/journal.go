package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// EntryStatus is the lifecycle state of a journal entry. Status only moves
// forward: pending -> committed -> settled.
type EntryStatus string

const (
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusCommitted EntryStatus = "committed"
	EntryStatusSettled   EntryStatus = "settled"
)

// CanTransition reports whether an entry may move from one status to another.
func CanTransition(from, to EntryStatus) bool {
	switch from {
	case EntryStatusPending:
		return to == EntryStatusCommitted
	case EntryStatusCommitted:
		return to == EntryStatusSettled
	}
	return false
}

// JournalEntry is one side of a balanced transaction group. Positive amounts
// are debits, negative amounts are credits. Entries are never updated once
// committed; corrections are reversing entries in a new group.
type JournalEntry struct {
	ID                 string        `json:"id" db:"id"`
	TransactionGroupID string        `json:"transaction_group_id" db:"transaction_group_id"`
	AccountID          string        `json:"account_id" db:"account_id"`
	AmountMinorUnits   int64         `json:"amount_minor_units" db:"amount"`
	Status             EntryStatus   `json:"status" db:"status"`
	Description        string        `json:"description" db:"description"`
	Metadata           EntryMetadata `json:"metadata" db:"metadata"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	CreatedBy          string        `json:"created_by" db:"created_by"`
}

// EntryMetadata carries the well-known optional fields plus an open map for
// forward-compatible extension. Stored as JSONB.
type EntryMetadata struct {
	IdempotencyKey        string         `json:"idempotency_key,omitempty"`
	ExternalTransactionID string         `json:"external_transaction_id,omitempty"`
	AuthorizationID       string         `json:"authorization_id,omitempty"`
	AgentID               string         `json:"agent_id,omitempty"`
	ClientID              string         `json:"client_id,omitempty"`
	Extra                 map[string]any `json:"extra,omitempty"`
}

// Value implements driver.Valuer for EntryMetadata.
func (m EntryMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner for EntryMetadata.
func (m *EntryMetadata) Scan(value any) error {
	if value == nil {
		*m = EntryMetadata{}
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, m)
}

// EntryInput is one line of a multi-entry transaction request. Exactly one of
// Debit or Credit must be set.
type EntryInput struct {
	AccountID string `json:"account_id" validate:"required"`
	Debit     int64  `json:"debit" validate:"gte=0"`
	Credit    int64  `json:"credit" validate:"gte=0"`
}
