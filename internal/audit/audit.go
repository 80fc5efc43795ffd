// Package audit emits the immutable audit trail: every decision, settlement
// and invariant violation lands here as a structured event.
package audit

import (
	"time"

	"go.uber.org/zap"
)

type Event struct {
	Timestamp       time.Time `json:"timestamp"`
	EventType       string    `json:"event_type"`
	AuthorizationID string    `json:"authorization_id,omitempty"`
	TransactionID   string    `json:"transaction_id,omitempty"`
	AgentID         string    `json:"agent_id,omitempty"`
	AccountID       string    `json:"account_id,omitempty"`
	Amount          int64     `json:"amount,omitempty"`
	Status          string    `json:"status"`
	Details         any       `json:"details,omitempty"`
}

type Logger struct {
	logger *zap.Logger
}

func NewLogger(logger *zap.Logger) *Logger {
	return &Logger{logger: logger.Named("audit")}
}

// LogDecision records an authorization outcome with its reason code.
func (a *Logger) LogDecision(authorizationID, agentID, cardID string, amount int64, decision, reason string) {
	a.log(Event{
		Timestamp:       time.Now(),
		EventType:       "AUTHORIZATION",
		AuthorizationID: authorizationID,
		AgentID:         agentID,
		Amount:          amount,
		Status:          decision,
		Details:         map[string]string{"card_id": cardID, "reason": reason},
	})
}

// LogStatusChange records a circuit-breaker transition with before/after state.
func (a *Logger) LogStatusChange(agentID, before, after string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "STATUS_CHANGE",
		AgentID:   agentID,
		Status:    after,
		Details:   map[string]string{"before": before, "after": after},
	})
}

// LogSettlement records a settlement write.
func (a *Logger) LogSettlement(externalTransactionID, agentID string, amount, markup int64, status string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "SETTLEMENT",
		TransactionID: externalTransactionID,
		AgentID:       agentID,
		Amount:        amount,
		Status:        status,
		Details:       map[string]int64{"markup_fee": markup},
	})
}

// LogTransfer records a committed ledger movement.
func (a *Logger) LogTransfer(groupID, debitAccount, creditAccount string, amount int64, status string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "TRANSFER",
		TransactionID: groupID,
		Amount:        amount,
		Status:        status,
		Details: map[string]string{
			"debit_account":  debitAccount,
			"credit_account": creditAccount,
		},
	})
}

// LogInvariantViolation records a rejected write: unbalanced group,
// immutable-entry mutation, backward status transition.
func (a *Logger) LogInvariantViolation(transactionID string, err error) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "INVARIANT_VIOLATION",
		TransactionID: transactionID,
		Status:        "REJECTED",
		Details:       map[string]string{"error": err.Error()},
	})
}

// LogError records an internal failure attributable to an operation.
func (a *Logger) LogError(transactionID, accountID string, err error) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		TransactionID: transactionID,
		AccountID:     accountID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	a.logger.Info(event.EventType,
		zap.Time("timestamp", event.Timestamp),
		zap.String("authorization_id", event.AuthorizationID),
		zap.String("transaction_id", event.TransactionID),
		zap.String("agent_id", event.AgentID),
		zap.String("account_id", event.AccountID),
		zap.Int64("amount", event.Amount),
		zap.String("status", event.Status),
		zap.Any("details", event.Details),
	)
}
