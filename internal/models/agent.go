package models

import (
	"time"

	"github.com/lib/pq"
)

// AgentStatus is the circuit-breaker state of an agent.
// green = normal, yellow = alert but still approving, red = blocked.
type AgentStatus string

const (
	AgentStatusGreen  AgentStatus = "green"
	AgentStatusYellow AgentStatus = "yellow"
	AgentStatusRed    AgentStatus = "red"
)

// Agent is an autonomous spender with a monthly budget and velocity limits.
// Counter fields are mutated only under a row lock by the authorization
// engine and by the scheduled reset job.
type Agent struct {
	ID                        string         `json:"id" db:"id"`
	OrganizationID            string         `json:"organization_id" db:"organization_id"`
	ClientID                  string         `json:"client_id,omitempty" db:"client_id"`
	Name                      string         `json:"name" db:"name"`
	MonthlyBudgetMinorUnits   int64          `json:"monthly_budget_minor_units" db:"monthly_budget"`
	CurrentSpendMinorUnits    int64          `json:"current_spend_minor_units" db:"current_spend"`
	ResetDate                 time.Time      `json:"reset_date" db:"reset_date"`
	SoftLimitPerMinute        int64          `json:"soft_limit_per_minute" db:"soft_limit_per_minute"`
	HardLimitPerMinute        int64          `json:"hard_limit_per_minute" db:"hard_limit_per_minute"`
	SoftLimitPerDay           int64          `json:"soft_limit_per_day" db:"soft_limit_per_day"`
	HardLimitPerDay           int64          `json:"hard_limit_per_day" db:"hard_limit_per_day"`
	AllowedMerchantCategories pq.StringArray `json:"allowed_merchant_categories,omitempty" db:"allowed_merchant_categories"`
	BlockedMerchantCategories pq.StringArray `json:"blocked_merchant_categories,omitempty" db:"blocked_merchant_categories"`
	Status                    AgentStatus    `json:"status" db:"status"`
	StatusChangedAt           time.Time      `json:"status_changed_at" db:"status_changed_at"`
	CurrentVelocityPerMinute  int64          `json:"current_velocity_per_minute" db:"current_velocity_per_minute"`
	TodaySpend                int64          `json:"today_spend" db:"today_spend"`
	TodayDate                 time.Time      `json:"today_date" db:"today_date"`
	Active                    bool           `json:"active" db:"active"`
	CreatedAt                 time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt                 time.Time      `json:"updated_at" db:"updated_at"`
}

// RemainingBudget is the monthly budget headroom.
func (a *Agent) RemainingBudget() int64 {
	return a.MonthlyBudgetMinorUnits - a.CurrentSpendMinorUnits
}

// AgentVelocityStats is the live counter snapshot exposed to collaborators.
type AgentVelocityStats struct {
	AgentID                  string      `json:"agent_id"`
	Status                   AgentStatus `json:"status"`
	StatusChangedAt          time.Time   `json:"status_changed_at"`
	CurrentVelocityPerMinute string      `json:"current_velocity_per_minute"`
	TodaySpend               string      `json:"today_spend"`
	TodayDate                string      `json:"today_date"`
	CurrentSpend             string      `json:"current_spend"`
	MonthlyBudget            string      `json:"monthly_budget"`
	RemainingBudget          string      `json:"remaining_budget"`
}

// Organization holds the slice of the tenant directory the core reads:
// rebill markup and liveness. The directory itself is an external system.
type Organization struct {
	ID                string `json:"id" db:"id"`
	Name              string `json:"name" db:"name"`
	MarkupBasisPoints int64  `json:"markup_basis_points" db:"markup_basis_points"`
	Active            bool   `json:"active" db:"active"`
}
