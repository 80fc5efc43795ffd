package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentpay/backend/internal/issuing"
	"github.com/agentpay/backend/internal/models"
	"github.com/agentpay/backend/internal/money"
	"github.com/agentpay/backend/internal/observability"
)

// CardService manages virtual card references. The network call happens
// before the local write and never under a row lock, so a slow issuer cannot
// stall authorizations.
type CardService struct {
	db        *sql.DB
	issuer    *issuing.Client
	validator *ValidationHelper
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// IssueCardRequest provisions a card for an agent. SpendingLimit is an
// integer minor-unit string.
type IssueCardRequest struct {
	AgentID       string `json:"agent_id" validate:"required"`
	SpendingLimit string `json:"spending_limit" validate:"required,minorunits"`
}

func NewCardService(db *sql.DB, issuer *issuing.Client, metrics *observability.Metrics, logger *zap.Logger) *CardService {
	return &CardService{
		db:        db,
		issuer:    issuer,
		validator: NewValidationHelper(),
		metrics:   metrics,
		logger:    logger,
	}
}

// Issue provisions a card on the network and stores its reference. At most
// one active card per agent.
func (s *CardService) Issue(ctx context.Context, agentID string, spendingLimit int64) (*models.VirtualCard, error) {
	if spendingLimit <= 0 {
		return nil, ErrInvalidAmount
	}

	var agentActive bool
	err := s.db.QueryRowContext(ctx, `SELECT active FROM agents WHERE id = $1`, agentID).Scan(&agentActive)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	if !agentActive {
		return nil, ErrAgentNotFound
	}

	var existing int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM virtual_cards WHERE agent_id = $1 AND active = true`, agentID).Scan(&existing)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrCardAlreadyActive
	}

	networkCard, err := s.issuer.CreateCard(ctx, agentID, spendingLimit)
	if err != nil {
		s.metrics.IncrIssuerError()
		return nil, err
	}

	card := &models.VirtualCard{
		ID:                      uuid.New().String(),
		AgentID:                 agentID,
		NetworkCardID:           networkCard.ID,
		Last4:                   networkCard.Last4,
		ExpiryMonth:             networkCard.ExpiryMonth,
		ExpiryYear:              networkCard.ExpiryYear,
		SpendingLimitMinorUnits: spendingLimit,
		Status:                  models.CardStatusActive,
		Active:                  true,
		CreatedAt:               time.Now(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO virtual_cards (id, agent_id, network_card_id, last4, expiry_month, expiry_year,
		       spending_limit, current_spend, status, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, true, $9)`,
		card.ID, card.AgentID, card.NetworkCardID, card.Last4, card.ExpiryMonth, card.ExpiryYear,
		card.SpendingLimitMinorUnits, card.Status, card.CreatedAt)
	if err != nil {
		// The network card now dangles; freezing it keeps it unusable until
		// reconciliation picks it up.
		if freezeErr := s.issuer.FreezeCard(ctx, networkCard.ID); freezeErr != nil {
			s.logger.Error("orphaned network card could not be frozen",
				zap.String("network_card_id", networkCard.ID),
				zap.Error(freezeErr))
		}
		return nil, err
	}
	return card, nil
}

// Freeze suspends a card on the network first, then locally. Frozen cards
// decline every authorization.
func (s *CardService) Freeze(ctx context.Context, cardID string) error {
	networkCardID, status, err := s.cardRef(ctx, cardID)
	if err != nil {
		return err
	}
	if status == models.CardStatusFrozen {
		return nil
	}
	if status != models.CardStatusActive {
		return ErrCardNotFound
	}

	if err := s.issuer.FreezeCard(ctx, networkCardID); err != nil {
		s.metrics.IncrIssuerError()
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE virtual_cards SET status = $1, frozen_at = $2 WHERE id = $3`,
		models.CardStatusFrozen, time.Now(), cardID)
	return err
}

// Unfreeze reinstates a frozen card.
func (s *CardService) Unfreeze(ctx context.Context, cardID string) error {
	networkCardID, status, err := s.cardRef(ctx, cardID)
	if err != nil {
		return err
	}
	if status == models.CardStatusActive {
		return nil
	}
	if status != models.CardStatusFrozen {
		return ErrCardNotFound
	}

	if err := s.issuer.UnfreezeCard(ctx, networkCardID); err != nil {
		s.metrics.IncrIssuerError()
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE virtual_cards SET status = $1, frozen_at = NULL WHERE id = $2`,
		models.CardStatusActive, cardID)
	return err
}

func (s *CardService) cardRef(ctx context.Context, cardID string) (networkCardID, status string, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT network_card_id, status FROM virtual_cards WHERE id = $1 AND active = true`, cardID).
		Scan(&networkCardID, &status)
	if err == sql.ErrNoRows {
		return "", "", ErrCardNotFound
	}
	if err != nil {
		return "", "", err
	}
	return networkCardID, status, nil
}

// IssueCard handles card provisioning
// @Summary Issue a virtual card
// @Description Provision a card on the issuing network for an agent
// @Tags cards
// @Accept json
// @Produce json
// @Param card body IssueCardRequest true "Card data"
// @Success 201 {object} models.VirtualCard
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /cards [post]
func (s *CardService) IssueCard(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req IssueCardRequest
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

	limit, err := money.ParseAmount(req.SpendingLimit)
	if err != nil {
		SendErrorResponse(w, "Invalid spending limit", http.StatusBadRequest, nil)
		return
	}

	card, err := s.Issue(r.Context(), req.AgentID, limit)
	if err != nil {
		switch {
		case errors.Is(err, ErrAgentNotFound):
			SendErrorResponse(w, "Agent not found", http.StatusNotFound, nil)
		case errors.Is(err, ErrCardAlreadyActive):
			SendErrorResponse(w, "Agent already has an active card", http.StatusConflict, nil)
		default:
			s.logger.Error("card issuance failed", zap.String("agent_id", req.AgentID), zap.Error(err))
			SendErrorResponse(w, "Failed to issue card", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(card)
}

// FreezeCard handles card suspension
// @Summary Freeze a card
// @Description Suspend a card on the network and locally
// @Tags cards
// @Produce json
// @Param cardId path string true "Card ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /cards/{cardId}/freeze [put]
func (s *CardService) FreezeCard(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardId")

	if err := s.Freeze(r.Context(), cardID); err != nil {
		if errors.Is(err, ErrCardNotFound) {
			SendErrorResponse(w, "Card not found", http.StatusNotFound, nil)
		} else {
			s.logger.Error("card freeze failed", zap.String("card_id", cardID), zap.Error(err))
			SendErrorResponse(w, "Failed to freeze card", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": cardID, "status": models.CardStatusFrozen})
}

// UnfreezeCard handles card reinstatement
// @Summary Unfreeze a card
// @Description Reinstate a frozen card on the network and locally
// @Tags cards
// @Produce json
// @Param cardId path string true "Card ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /cards/{cardId}/unfreeze [put]
func (s *CardService) UnfreezeCard(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardId")

	if err := s.Unfreeze(r.Context(), cardID); err != nil {
		if errors.Is(err, ErrCardNotFound) {
			SendErrorResponse(w, "Card not found", http.StatusNotFound, nil)
		} else {
			s.logger.Error("card unfreeze failed", zap.String("card_id", cardID), zap.Error(err))
			SendErrorResponse(w, "Failed to unfreeze card", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": cardID, "status": models.CardStatusActive})
}
