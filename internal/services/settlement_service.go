package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/agentpay/backend/internal/audit"
	"github.com/agentpay/backend/internal/models"
	"github.com/agentpay/backend/internal/money"
	"github.com/agentpay/backend/internal/observability"
)

// settlementQueueKey is the Redis list the issuing network webhook relay
// pushes settlement events onto.
const settlementQueueKey = "settlement_events"

// SettlementService turns approved, network-confirmed charges into balanced,
// markup-adjusted ledger records. Each settlement writes two independently
// balanced transaction groups in one database transaction: the spend itself
// and the markup rebill.
type SettlementService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *LedgerService
	accounts  *AccountsService
	validator *ValidationHelper
	audit     *audit.Logger
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// SettleRequest is one settlement event delivered over HTTP. Amount is an
// integer minor-unit string.
type SettleRequest struct {
	ExternalTransactionID string `json:"external_transaction_id" validate:"required"`
	CardID                string `json:"card_id" validate:"required"`
	Amount                string `json:"amount" validate:"required,minorunits"`
	MerchantName          string `json:"merchant_name"`
	MerchantCategory      string `json:"merchant_category"`
}

// MarkBilledRequest rolls settlements into a client invoice period.
type MarkBilledRequest struct {
	SettlementIDs []string `json:"settlement_ids" validate:"required,min=1"`
	Period        string   `json:"period" validate:"required"`
}

func NewSettlementService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService, accounts *AccountsService, auditLogger *audit.Logger, metrics *observability.Metrics, logger *zap.Logger) *SettlementService {
	return &SettlementService{
		db:        db,
		redis:     redisClient,
		ledger:    ledger,
		accounts:  accounts,
		validator: NewValidationHelper(),
		audit:     auditLogger,
		metrics:   metrics,
		logger:    logger,
	}
}

// Settle records one confirmed charge. Idempotent on the external
// transaction id: redelivery returns the existing record without side
// effects. All writes are one database transaction, so a failure anywhere
// (unresolved card, missing account, unbalanced group) leaves nothing
// behind.
func (s *SettlementService) Settle(ctx context.Context, externalTransactionID, cardID string, amount int64, merchant models.MerchantInfo) (*models.SettlementRecord, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if existing, ok, err := s.findByExternalID(ctx, externalTransactionID); err != nil {
		return nil, err
	} else if ok {
		s.metrics.IncrSettlement("replayed")
		return existing, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	agentID, orgID, err := s.resolveCardTx(ctx, tx, cardID)
	if err != nil {
		return nil, err
	}

	var markupBPS int64
	err = tx.QueryRowContext(ctx, `
		SELECT markup_basis_points FROM organizations WHERE id = $1 AND active = true`, orgID).
		Scan(&markupBPS)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: organization %s", ErrUnresolvedReference, orgID)
	}
	if err != nil {
		return nil, err
	}

	markupFee, err := money.ApplyBasisPoints(amount, markupBPS)
	if err != nil {
		return nil, err
	}
	totalRebill := amount + markupFee

	spendAccount, err := s.settlementAccountTx(ctx, tx, models.AccountCodeAgentSpend)
	if err != nil {
		return nil, err
	}
	walletAccount, err := s.settlementAccountTx(ctx, tx, models.AccountCodeCardWallet)
	if err != nil {
		return nil, err
	}

	meta := models.EntryMetadata{
		ExternalTransactionID: externalTransactionID,
		AgentID:               agentID,
	}

	spendGroupID, err := s.ledger.RecordTransactionTx(ctx, tx, spendAccount.ID, walletAccount.ID, amount,
		"settlement: "+merchant.Name, meta)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.CommitTx(ctx, tx, spendGroupID); err != nil {
		return nil, err
	}

	// Markup rebill is a separate, independently balanced group so the
	// revenue leg can be reversed without touching the spend record.
	var markupGroupID string
	if markupFee > 0 {
		receivable, err := s.settlementAccountTx(ctx, tx, models.AccountCodeClientReceivable)
		if err != nil {
			return nil, err
		}
		revenue, err := s.settlementAccountTx(ctx, tx, models.AccountCodeMarkupRevenue)
		if err != nil {
			return nil, err
		}
		markupGroupID, err = s.ledger.RecordTransactionTx(ctx, tx, receivable.ID, revenue.ID, markupFee,
			"markup rebill: "+merchant.Name, meta)
		if err != nil {
			return nil, err
		}
		if err := s.ledger.CommitTx(ctx, tx, markupGroupID); err != nil {
			return nil, err
		}
	}

	record := &models.SettlementRecord{
		ID:                    uuid.New().String(),
		ExternalTransactionID: externalTransactionID,
		CardID:                cardID,
		AgentID:               agentID,
		AmountMinorUnits:      amount,
		MarkupFeeMinorUnits:   markupFee,
		TotalRebillMinorUnits: totalRebill,
		MerchantName:          merchant.Name,
		MerchantCategory:      merchant.Category,
		SpendGroupID:          spendGroupID,
		MarkupGroupID:         markupGroupID,
		CreatedAt:             time.Now(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO settlement_records (id, external_transaction_id, card_id, agent_id, amount, markup_fee, total_rebill,
		       merchant_name, merchant_category, spend_group_id, markup_group_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12)`,
		record.ID, record.ExternalTransactionID, record.CardID, record.AgentID,
		record.AmountMinorUnits, record.MarkupFeeMinorUnits, record.TotalRebillMinorUnits,
		record.MerchantName, record.MerchantCategory, record.SpendGroupID, record.MarkupGroupID, record.CreatedAt)
	if isUniqueViolation(err) {
		// A concurrent delivery of the same external id committed first; its
		// record and ledger groups stand, ours roll back.
		tx.Rollback()
		existing, ok, lookErr := s.findByExternalID(ctx, externalTransactionID)
		if lookErr == nil && ok {
			s.metrics.IncrSettlement("replayed")
			return existing, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogSettlement(externalTransactionID, agentID, amount, markupFee, "RECORDED")
	s.metrics.IncrSettlement("recorded")
	return record, nil
}

// GetUnbilledSettlements lists settlements created before the cutoff that no
// invoice has picked up yet.
func (s *SettlementService) GetUnbilledSettlements(ctx context.Context, before time.Time) ([]models.SettlementRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_transaction_id, card_id, agent_id, amount, markup_fee, total_rebill,
		       merchant_name, merchant_category, spend_group_id, COALESCE(markup_group_id, ''), created_at
		FROM settlement_records
		WHERE billed_at IS NULL AND created_at < $1
		ORDER BY created_at`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.SettlementRecord
	for rows.Next() {
		var r models.SettlementRecord
		if err := rows.Scan(&r.ID, &r.ExternalTransactionID, &r.CardID, &r.AgentID,
			&r.AmountMinorUnits, &r.MarkupFeeMinorUnits, &r.TotalRebillMinorUnits,
			&r.MerchantName, &r.MerchantCategory, &r.SpendGroupID, &r.MarkupGroupID, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// MarkBilled stamps the settlements with the invoice period and advances
// their ledger groups to settled. Already-billed ids are skipped, so the
// aggregation job can safely re-run after an interruption.
func (s *SettlementService) MarkBilled(ctx context.Context, ids []string, period string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, spend_group_id, COALESCE(markup_group_id, '') FROM settlement_records
		WHERE id = ANY($1) AND billed_at IS NULL FOR UPDATE`, pq.Array(ids))
	if err != nil {
		return 0, err
	}
	type target struct {
		id          string
		spendGroup  string
		markupGroup string
	}
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.id, &t.spendGroup, &t.markupGroup); err != nil {
			rows.Close()
			return 0, err
		}
		targets = append(targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now()
	for _, t := range targets {
		if _, err := tx.ExecContext(ctx, `
			UPDATE settlement_records SET billed_at = $1, billing_period = $2 WHERE id = $3`,
			now, period, t.id); err != nil {
			return 0, err
		}
		if err := s.ledger.MarkSettledTx(ctx, tx, t.spendGroup); err != nil {
			return 0, err
		}
		if t.markupGroup != "" {
			if err := s.ledger.MarkSettledTx(ctx, tx, t.markupGroup); err != nil {
				return 0, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int64(len(targets)), nil
}

// RunSettlementWorker consumes the Redis settlement queue until the context
// is cancelled. Delivery is at-least-once; Settle's idempotency absorbs the
// duplicates.
func (s *SettlementService) RunSettlementWorker(ctx context.Context) {
	if s.redis == nil {
		s.logger.Warn("settlement queue disabled, webhook delivery only")
		return
	}
	s.logger.Info("settlement worker started", zap.String("queue", settlementQueueKey))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := s.redis.BLPop(ctx, 5*time.Second, settlementQueueKey).Result()
		if err == redis.Nil || errors.Is(err, context.Canceled) {
			continue
		}
		if err != nil {
			s.logger.Error("settlement queue read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		if depth, err := s.redis.LLen(ctx, settlementQueueKey).Result(); err == nil {
			s.metrics.SetQueueDepth(depth)
		}

		s.processEvent(ctx, []byte(result[1]))
	}
}

func (s *SettlementService) processEvent(ctx context.Context, payload []byte) {
	var event models.SettlementEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Error("malformed settlement event dropped", zap.Error(err))
		s.metrics.IncrSettlement("malformed")
		return
	}
	if err := s.validator.ValidateStruct(&event); err != nil {
		s.logger.Error("invalid settlement event dropped",
			zap.String("external_transaction_id", event.ExternalTransactionID),
			zap.Error(err))
		s.metrics.IncrSettlement("malformed")
		return
	}

	amount, err := money.ParseAmount(event.Amount)
	if err != nil {
		s.logger.Error("settlement event with bad amount dropped",
			zap.String("external_transaction_id", event.ExternalTransactionID),
			zap.Error(err))
		s.metrics.IncrSettlement("malformed")
		return
	}

	if _, err := s.Settle(ctx, event.ExternalTransactionID, event.CardID, amount, event.Merchant); err != nil {
		s.logger.Error("settlement event failed",
			zap.String("external_transaction_id", event.ExternalTransactionID),
			zap.Error(err))
		s.metrics.IncrSettlement("failed")
		// Push back for redelivery; idempotency makes the retry safe.
		if pushErr := s.redis.RPush(ctx, settlementQueueKey, payload).Err(); pushErr != nil {
			s.logger.Error("settlement event requeue failed", zap.Error(pushErr))
		}
	}
}

func (s *SettlementService) findByExternalID(ctx context.Context, externalTransactionID string) (*models.SettlementRecord, bool, error) {
	var r models.SettlementRecord
	var billedAt sql.NullTime
	var period sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, external_transaction_id, card_id, agent_id, amount, markup_fee, total_rebill,
		       merchant_name, merchant_category, spend_group_id, COALESCE(markup_group_id, ''), billed_at, billing_period, created_at
		FROM settlement_records WHERE external_transaction_id = $1`, externalTransactionID).
		Scan(&r.ID, &r.ExternalTransactionID, &r.CardID, &r.AgentID,
			&r.AmountMinorUnits, &r.MarkupFeeMinorUnits, &r.TotalRebillMinorUnits,
			&r.MerchantName, &r.MerchantCategory, &r.SpendGroupID, &r.MarkupGroupID, &billedAt, &period, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if billedAt.Valid {
		r.BilledAt = &billedAt.Time
	}
	r.BillingPeriod = period.String
	s.logger.Debug("idempotent replay of settlement",
		zap.String("external_transaction_id", externalTransactionID),
		zap.String("settlement_id", r.ID))
	return &r, true, nil
}

func (s *SettlementService) resolveCardTx(ctx context.Context, tx *sql.Tx, cardID string) (agentID, orgID string, err error) {
	err = tx.QueryRowContext(ctx, `
		SELECT c.agent_id, a.organization_id FROM virtual_cards c
		JOIN agents a ON a.id = c.agent_id
		WHERE c.id = $1`, cardID).Scan(&agentID, &orgID)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("%w: card %s", ErrUnresolvedReference, cardID)
	}
	if err != nil {
		return "", "", err
	}
	return agentID, orgID, nil
}

// settlementAccountTx wraps the chart lookup so a missing system account
// surfaces as an unresolved reference, not a generic storage error.
func (s *SettlementService) settlementAccountTx(ctx context.Context, tx *sql.Tx, code string) (*models.Account, error) {
	account, err := s.accounts.GetByCode(ctx, tx, code)
	if errors.Is(err, ErrUnknownAccount) {
		return nil, fmt.Errorf("%w: account code %s", ErrUnresolvedReference, code)
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// SettleTransaction handles settlement webhooks
// @Summary Settle a confirmed charge
// @Description Record a network-confirmed charge as balanced ledger transactions with markup
// @Tags settlements
// @Accept json
// @Produce json
// @Param settlement body SettleRequest true "Settlement event"
// @Success 200 {object} models.SettlementRecord
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /settlements [post]
func (s *SettlementService) SettleTransaction(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req SettleRequest
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

	amount, err := money.ParseAmount(req.Amount)
	if err != nil {
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	record, err := s.Settle(r.Context(), req.ExternalTransactionID, req.CardID, amount,
		models.MerchantInfo{Name: req.MerchantName, Category: req.MerchantCategory})
	if err != nil {
		if errors.Is(err, ErrUnresolvedReference) {
			SendErrorResponse(w, "Unresolved reference", http.StatusUnprocessableEntity, nil)
			return
		}
		s.logger.Error("settlement failed",
			zap.String("external_transaction_id", req.ExternalTransactionID),
			zap.Error(err))
		SendErrorResponse(w, "Failed to settle transaction", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}

// UnbilledSettlements lists settlements awaiting invoicing
// @Summary List unbilled settlements
// @Description Settlements created before the cutoff with no billing period
// @Tags settlements
// @Produce json
// @Param before query string false "RFC3339 cutoff, defaults to now"
// @Success 200 {array} models.SettlementRecord
// @Failure 400 {object} ErrorResponse
// @Router /settlements/unbilled [get]
func (s *SettlementService) UnbilledSettlements(w http.ResponseWriter, r *http.Request) {
	before := time.Now()
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			SendErrorResponse(w, "Invalid before timestamp", http.StatusBadRequest, nil)
			return
		}
		before = parsed
	}

	records, err := s.GetUnbilledSettlements(r.Context(), before)
	if err != nil {
		s.logger.Error("unbilled settlements query failed", zap.Error(err))
		SendErrorResponse(w, "Failed to fetch unbilled settlements", http.StatusInternalServerError, nil)
		return
	}
	if records == nil {
		records = []models.SettlementRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// MarkSettlementsBilled stamps settlements with an invoice period
// @Summary Mark settlements billed
// @Description Attach a billing period and advance the ledger groups to settled
// @Tags settlements
// @Accept json
// @Produce json
// @Param billing body MarkBilledRequest true "Settlement ids and period"
// @Success 200 {object} map[string]int64
// @Failure 400 {object} ErrorResponse
// @Router /settlements/mark-billed [post]
func (s *SettlementService) MarkSettlementsBilled(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req MarkBilledRequest
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

	count, err := s.MarkBilled(r.Context(), req.SettlementIDs, req.Period)
	if err != nil {
		s.logger.Error("mark billed failed", zap.Error(err))
		SendErrorResponse(w, "Failed to mark settlements billed", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"billed": count})
}
