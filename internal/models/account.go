package models

import "time"

// AccountType classifies a ledger account in the chart of accounts.
type AccountType string

const (
	AccountTypeAsset     AccountType = "asset"
	AccountTypeLiability AccountType = "liability"
	AccountTypeEquity    AccountType = "equity"
	AccountTypeRevenue   AccountType = "revenue"
	AccountTypeExpense   AccountType = "expense"
)

// OwnerScope marks whether an account belongs to the platform or a tenant.
type OwnerScope string

const (
	OwnerScopeSystem OwnerScope = "system"
	OwnerScopeTenant OwnerScope = "tenant"
)

// Well-known system account codes seeded at startup.
const (
	AccountCodeClientReceivable = "1200"
	AccountCodeCardWallet       = "2100"
	AccountCodeEquity           = "3000"
	AccountCodeMarkupRevenue    = "4000"
	AccountCodeAgentSpend       = "5000"
)

// Account is one entry in the chart of accounts. Accounts are never deleted,
// only deactivated, so historical journal entries always resolve.
type Account struct {
	ID                 string      `json:"id" db:"id"`
	Code               string      `json:"code" db:"code"`
	Type               AccountType `json:"type" db:"type"`
	NormalBalanceDebit bool        `json:"normal_balance_debit" db:"normal_balance_debit"`
	OwnerScope         OwnerScope  `json:"owner_scope" db:"owner_scope"`
	Active             bool        `json:"active" db:"active"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at" db:"updated_at"`
}

// DebitNormal reports the normal balance side implied by an account type.
// Asset and expense accounts are debit-normal; the rest are credit-normal.
func DebitNormal(t AccountType) bool {
	return t == AccountTypeAsset || t == AccountTypeExpense
}

// ValidAccountType reports whether t is one of the five account types.
func ValidAccountType(t AccountType) bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
		return true
	}
	return false
}
