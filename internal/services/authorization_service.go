package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentpay/backend/internal/audit"
	"github.com/agentpay/backend/internal/models"
	"github.com/agentpay/backend/internal/money"
	"github.com/agentpay/backend/internal/observability"
)

// Decision outcomes.
const (
	DecisionApproved = "approved"
	DecisionDeclined = "declined"
)

// Decline reason codes. Policy declines are outcomes, not errors.
const (
	ReasonAgentInactive     = "agent_inactive"
	ReasonAgentFrozen       = "agent_frozen"
	ReasonCardInvalid       = "card_invalid"
	ReasonMerchantBlocked   = "merchant_blocked"
	ReasonBudgetExceeded    = "budget_exceeded"
	ReasonCardLimitExceeded = "card_limit_exceeded"
	ReasonVelocityHardLimit = "velocity_hard_limit"
	ReasonInternalError     = "internal_error"
)

// authorizeTimeout bounds the whole decision path. A request that cannot
// finish in time declines rather than leaving state half-updated.
const authorizeTimeout = 2 * time.Second

// AuthorizationService is the synchronous spend gate. Every check and every
// counter update for one decision runs inside a single database transaction
// holding the agent's row lock, so the budget check and the budget increment
// are one atomic unit.
type AuthorizationService struct {
	db        *sql.DB
	agents    *AgentService
	validator *ValidationHelper
	audit     *audit.Logger
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// AuthorizeRequest is one spend attempt. Amount is an integer minor-unit
// string; AuthorizationID is the external network's id and is the
// idempotency key for the decision.
type AuthorizeRequest struct {
	AuthorizationID  string `json:"authorization_id" validate:"required"`
	AgentID          string `json:"agent_id" validate:"required"`
	CardID           string `json:"card_id" validate:"required"`
	Amount           string `json:"amount" validate:"required,minorunits"`
	MerchantCategory string `json:"merchant_category"`
}

// AuthorizationDecision is the recorded outcome of a spend attempt.
type AuthorizationDecision struct {
	AuthorizationID string             `json:"authorization_id"`
	Decision        string             `json:"decision"`
	Reason          string             `json:"reason,omitempty"`
	AgentStatus     models.AgentStatus `json:"agent_status,omitempty"`
}

func NewAuthorizationService(db *sql.DB, agents *AgentService, auditLogger *audit.Logger, metrics *observability.Metrics, logger *zap.Logger) *AuthorizationService {
	return &AuthorizationService{
		db:        db,
		agents:    agents,
		validator: NewValidationHelper(),
		audit:     auditLogger,
		metrics:   metrics,
		logger:    logger,
	}
}

// Authorize decides one spend attempt. Checks short-circuit in order: agent,
// card, merchant policy, monthly budget, card limit, velocity. A soft
// velocity trip approves with an alert; a hard trip declines and persists
// the red status. Replays of a seen authorization id return the stored
// decision without side effects. Any internal failure declines (fail
// closed).
func (s *AuthorizationService) Authorize(ctx context.Context, req *AuthorizeRequest) (*AuthorizationDecision, error) {
	start := time.Now()

	amount, err := money.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if prior, ok, err := s.findPriorDecision(ctx, req.AuthorizationID); err != nil {
		return s.failClosed(req, amount, start, err), nil
	} else if ok {
		return prior, nil
	}

	decision, err := s.decide(ctx, req, amount)
	if errors.Is(err, ErrDuplicateAuthorization) {
		// A concurrent delivery of the same id committed first. Our
		// transaction rolled back without touching any counter; the stored
		// decision stands.
		prior, ok, priorErr := s.findPriorDecision(ctx, req.AuthorizationID)
		if priorErr == nil && ok {
			return prior, nil
		}
		return s.failClosed(req, amount, start, err), nil
	}
	if err != nil {
		return s.failClosed(req, amount, start, err), nil
	}

	s.audit.LogDecision(req.AuthorizationID, req.AgentID, req.CardID, amount, decision.Decision, decision.Reason)
	s.metrics.RecordDecision(decision.Decision, decision.Reason, time.Since(start))
	return decision, nil
}

// decide runs the check sequence and, on approve or a persisted trip,
// commits the counter updates and the log row as one transaction.
func (s *AuthorizationService) decide(ctx context.Context, req *AuthorizeRequest, amount int64) (*AuthorizationDecision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now()

	agent, err := s.agents.lockAgentTx(ctx, tx, req.AgentID)
	if errors.Is(err, ErrAgentNotFound) {
		return s.declineTx(ctx, tx, req, amount, ReasonAgentInactive, "")
	}
	if err != nil {
		return nil, err
	}
	if !agent.Active {
		return s.declineTx(ctx, tx, req, amount, ReasonAgentInactive, agent.Status)
	}
	if agent.Status == models.AgentStatusRed {
		return s.declineTx(ctx, tx, req, amount, ReasonAgentFrozen, agent.Status)
	}

	card, err := s.lockCardTx(ctx, tx, req.CardID, req.AgentID)
	if errors.Is(err, ErrCardNotFound) {
		return s.declineTx(ctx, tx, req, amount, ReasonCardInvalid, agent.Status)
	}
	if err != nil {
		return nil, err
	}
	if !card.Active || card.Status != models.CardStatusActive {
		return s.declineTx(ctx, tx, req, amount, ReasonCardInvalid, agent.Status)
	}

	if !merchantAllowed(agent, req.MerchantCategory) {
		return s.declineTx(ctx, tx, req, amount, ReasonMerchantBlocked, agent.Status)
	}

	if agent.RemainingBudget() < amount {
		return s.declineTx(ctx, tx, req, amount, ReasonBudgetExceeded, agent.Status)
	}

	if card.RemainingLimit() < amount {
		return s.declineTx(ctx, tx, req, amount, ReasonCardLimitExceeded, agent.Status)
	}

	projected, trip := projectSpend(*agent, amount, now)
	if projected.Status == models.AgentStatusRed {
		// The hard trip itself is durable: the agent stays red for the next
		// attempt even though this spend never happened.
		if err := s.agents.tripStatusTx(ctx, tx, agent, models.AgentStatusRed, now); err != nil {
			return nil, err
		}
		return s.declineTx(ctx, tx, req, amount, ReasonVelocityHardLimit, models.AgentStatusRed)
	}

	if err := s.agents.applySpendTx(ctx, tx, agent, projected); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE virtual_cards SET current_spend = current_spend + $1 WHERE id = $2`,
		amount, card.ID); err != nil {
		return nil, err
	}

	if err := s.insertLogTx(ctx, tx, req, amount, DecisionApproved, ""); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if projected.Status == models.AgentStatusYellow && trip != tripNone {
		s.metrics.IncrVelocityAlert()
		s.logger.Warn("soft velocity limit exceeded",
			zap.String("agent_id", agent.ID),
			zap.String("rule", trip),
			zap.Int64("amount", amount))
	}

	return &AuthorizationDecision{
		AuthorizationID: req.AuthorizationID,
		Decision:        DecisionApproved,
		AgentStatus:     projected.Status,
	}, nil
}

// declineTx records the decline in the log and commits whatever status
// persistence the caller staged. Declines never touch spend counters.
func (s *AuthorizationService) declineTx(ctx context.Context, tx *sql.Tx, req *AuthorizeRequest, amount int64, reason string, status models.AgentStatus) (*AuthorizationDecision, error) {
	if err := s.insertLogTx(ctx, tx, req, amount, DecisionDeclined, reason); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &AuthorizationDecision{
		AuthorizationID: req.AuthorizationID,
		Decision:        DecisionDeclined,
		Reason:          reason,
		AgentStatus:     status,
	}, nil
}

// failClosed is the terminal path for internal errors: decline, record the
// outcome in the audit trail only. The log row is skipped on purpose so a
// retry with the same authorization id gets a fresh decision once the
// underlying failure clears.
func (s *AuthorizationService) failClosed(req *AuthorizeRequest, amount int64, start time.Time, cause error) *AuthorizationDecision {
	s.logger.Error("authorization failed closed",
		zap.String("authorization_id", req.AuthorizationID),
		zap.String("agent_id", req.AgentID),
		zap.Error(cause))
	s.audit.LogDecision(req.AuthorizationID, req.AgentID, req.CardID, amount, DecisionDeclined, ReasonInternalError)
	s.metrics.RecordDecision(DecisionDeclined, ReasonInternalError, time.Since(start))
	return &AuthorizationDecision{
		AuthorizationID: req.AuthorizationID,
		Decision:        DecisionDeclined,
		Reason:          ReasonInternalError,
	}
}

func (s *AuthorizationService) findPriorDecision(ctx context.Context, authorizationID string) (*AuthorizationDecision, bool, error) {
	var decision, reason string
	err := s.db.QueryRowContext(ctx, `
		SELECT decision, reason FROM authorization_log WHERE authorization_id = $1`, authorizationID).
		Scan(&decision, &reason)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	s.logger.Debug("idempotent replay of authorization",
		zap.String("authorization_id", authorizationID),
		zap.String("decision", decision))
	return &AuthorizationDecision{
		AuthorizationID: authorizationID,
		Decision:        decision,
		Reason:          reason,
	}, true, nil
}

// insertLogTx writes the decision row. The unique authorization_id makes
// the log the arbiter between concurrent deliveries: a conflict means
// another transaction already decided this id, and the caller must abort
// rather than commit a second set of counter updates.
func (s *AuthorizationService) insertLogTx(ctx context.Context, tx *sql.Tx, req *AuthorizeRequest, amount int64, decision, reason string) error {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO authorization_log (id, authorization_id, agent_id, card_id, amount, merchant_category, decision, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (authorization_id) DO NOTHING`,
		uuid.New().String(), req.AuthorizationID, req.AgentID, req.CardID, amount,
		req.MerchantCategory, decision, reason, time.Now())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDuplicateAuthorization
	}
	return nil
}

func (s *AuthorizationService) lockCardTx(ctx context.Context, tx *sql.Tx, cardID, agentID string) (*models.VirtualCard, error) {
	var c models.VirtualCard
	err := tx.QueryRowContext(ctx, `
		SELECT id, agent_id, spending_limit, current_spend, status, active
		FROM virtual_cards WHERE id = $1 AND agent_id = $2 FOR UPDATE`, cardID, agentID).
		Scan(&c.ID, &c.AgentID, &c.SpendingLimitMinorUnits, &c.CurrentSpendMinorUnits, &c.Status, &c.Active)
	if err == sql.ErrNoRows {
		return nil, ErrCardNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AuthorizeSpend handles spend authorization requests
// @Summary Authorize a spend attempt
// @Description Approve or decline a spend attempt against budget and velocity policy
// @Tags authorizations
// @Accept json
// @Produce json
// @Param authorization body AuthorizeRequest true "Spend attempt"
// @Success 200 {object} AuthorizationDecision
// @Failure 400 {object} ErrorResponse
// @Router /authorizations [post]
func (s *AuthorizationService) AuthorizeSpend(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req AuthorizeRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), authorizeTimeout)
	defer cancel()

	decision, err := s.Authorize(ctx, &req)
	if err != nil {
		// Only validation errors surface here; everything else fails closed
		// inside Authorize.
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decision)
}
