package models

import "time"

// MerchantInfo is the merchant slice of a settlement event.
type MerchantInfo struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// SettlementRecord is the finalized, markup-adjusted version of an approved
// spend. Exactly one record exists per external transaction id; BilledAt is
// set when the record is rolled into a client invoice.
type SettlementRecord struct {
	ID                    string     `json:"id" db:"id"`
	ExternalTransactionID string     `json:"external_transaction_id" db:"external_transaction_id"`
	CardID                string     `json:"card_id" db:"card_id"`
	AgentID               string     `json:"agent_id" db:"agent_id"`
	AmountMinorUnits      int64      `json:"amount_minor_units" db:"amount"`
	MarkupFeeMinorUnits   int64      `json:"markup_fee_minor_units" db:"markup_fee"`
	TotalRebillMinorUnits int64      `json:"total_rebill_minor_units" db:"total_rebill"`
	MerchantName          string     `json:"merchant_name" db:"merchant_name"`
	MerchantCategory      string     `json:"merchant_category" db:"merchant_category"`
	SpendGroupID          string     `json:"spend_group_id" db:"spend_group_id"`
	MarkupGroupID         string     `json:"markup_group_id" db:"markup_group_id"`
	BilledAt              *time.Time `json:"billed_at,omitempty" db:"billed_at"`
	BillingPeriod         string     `json:"billing_period,omitempty" db:"billing_period"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
}

// SettlementEvent is the at-least-once message consumed from the settlement
// queue. Amount crosses the wire as an integer minor-unit string.
type SettlementEvent struct {
	ExternalTransactionID string       `json:"external_transaction_id" validate:"required"`
	CardID                string       `json:"card_id" validate:"required"`
	Amount                string       `json:"amount" validate:"required"`
	Merchant              MerchantInfo `json:"merchant"`
}
