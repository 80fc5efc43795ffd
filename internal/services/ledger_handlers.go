package services

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agentpay/backend/internal/models"
	"github.com/agentpay/backend/internal/money"
)

// RecordTransactionRequest is a two-entry transfer. Amount is an integer
// minor-unit string.
type RecordTransactionRequest struct {
	DebitAccountID  string `json:"debit_account_id" validate:"required"`
	CreditAccountID string `json:"credit_account_id" validate:"required"`
	Amount          string `json:"amount" validate:"required,minorunits"`
	Description     string `json:"description" validate:"max=255"`
	IdempotencyKey  string `json:"idempotency_key"`
}

// EntryLineRequest is one line of a multi-entry group. Exactly one of debit
// or credit must be set.
type EntryLineRequest struct {
	AccountID string `json:"account_id" validate:"required"`
	Debit     string `json:"debit" validate:"omitempty,minorunits"`
	Credit    string `json:"credit" validate:"omitempty,minorunits"`
}

// MultiEntryRequest is an n-entry balanced group.
type MultiEntryRequest struct {
	Entries        []EntryLineRequest `json:"entries" validate:"required,min=2,dive"`
	Description    string             `json:"description" validate:"max=255"`
	IdempotencyKey string             `json:"idempotency_key"`
}

// TransactionGroupResponse returns the group id of a staged write.
type TransactionGroupResponse struct {
	TransactionGroupID string `json:"transaction_group_id"`
}

// ledgerValidator is shared by the handlers below; LedgerService itself
// stays free of HTTP concerns beyond these methods.
var ledgerValidator = NewValidationHelper()

// RecordTransactionHandler stages a two-entry transfer
// @Summary Record a ledger transaction
// @Description Stage a balanced debit/credit pair as a pending transaction group
// @Tags ledger
// @Accept json
// @Produce json
// @Param transaction body RecordTransactionRequest true "Transfer data"
// @Success 201 {object} TransactionGroupResponse
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /ledger/transactions [post]
func (s *LedgerService) RecordTransactionHandler(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req RecordTransactionRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ledgerValidator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	amount, err := money.ParseAmount(req.Amount)
	if err != nil {
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	groupID, err := s.RecordTransaction(r.Context(), req.DebitAccountID, req.CreditAccountID, amount,
		req.Description, models.EntryMetadata{IdempotencyKey: req.IdempotencyKey})
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(TransactionGroupResponse{TransactionGroupID: groupID})
}

// RecordMultiEntryHandler stages an n-entry balanced group
// @Summary Record a multi-entry ledger transaction
// @Description Stage a balanced group of two or more entries
// @Tags ledger
// @Accept json
// @Produce json
// @Param transaction body MultiEntryRequest true "Entries"
// @Success 201 {object} TransactionGroupResponse
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /ledger/transactions/multi [post]
func (s *LedgerService) RecordMultiEntryHandler(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req MultiEntryRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ledgerValidator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	entries := make([]models.EntryInput, 0, len(req.Entries))
	for _, line := range req.Entries {
		var e models.EntryInput
		e.AccountID = line.AccountID
		if line.Debit != "" {
			amount, err := money.ParseAmount(line.Debit)
			if err != nil {
				SendErrorResponse(w, "Invalid debit amount", http.StatusBadRequest, nil)
				return
			}
			e.Debit = amount
		}
		if line.Credit != "" {
			amount, err := money.ParseAmount(line.Credit)
			if err != nil {
				SendErrorResponse(w, "Invalid credit amount", http.StatusBadRequest, nil)
				return
			}
			e.Credit = amount
		}
		entries = append(entries, e)
	}

	groupID, err := s.RecordMultiEntryTransaction(r.Context(), entries, req.Description,
		models.EntryMetadata{IdempotencyKey: req.IdempotencyKey})
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(TransactionGroupResponse{TransactionGroupID: groupID})
}

// CommitGroupHandler commits a pending group
// @Summary Commit a transaction group
// @Description Flip all pending entries of a group to committed
// @Tags ledger
// @Produce json
// @Param groupId path string true "Transaction group ID"
// @Success 200 {object} map[string]string
// @Failure 422 {object} ErrorResponse
// @Router /ledger/transactions/{groupId}/commit [post]
func (s *LedgerService) CommitGroupHandler(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupId")

	if err := s.Commit(r.Context(), groupID); err != nil {
		s.writeLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"transaction_group_id": groupID, "status": "committed"})
}

// GetGroupHandler returns the entries of one group
// @Summary Get a transaction group
// @Description List the journal entries of a transaction group
// @Tags ledger
// @Produce json
// @Param groupId path string true "Transaction group ID"
// @Success 200 {array} models.JournalEntry
// @Failure 404 {object} ErrorResponse
// @Router /ledger/transactions/{groupId} [get]
func (s *LedgerService) GetGroupHandler(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupId")

	entries, err := s.GetGroup(r.Context(), groupID)
	if err != nil {
		s.logger.Error("group fetch failed", zap.String("transaction_group_id", groupID), zap.Error(err))
		SendErrorResponse(w, "Failed to fetch transaction group", http.StatusInternalServerError, nil)
		return
	}
	if len(entries) == 0 {
		SendErrorResponse(w, "Transaction group not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// writeLedgerError maps the error taxonomy onto status codes: validation
// errors 400, invariant violations 422, everything else 500.
func (s *LedgerService) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrSameAccount),
		errors.Is(err, ErrUnknownAccount):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, ErrUnbalanced),
		errors.Is(err, ErrTooFewEntries),
		errors.Is(err, ErrMixedEntry),
		errors.Is(err, ErrNothingPending),
		errors.Is(err, ErrImmutableEntry),
		errors.Is(err, ErrInvalidStatusTransition):
		SendErrorResponse(w, err.Error(), http.StatusUnprocessableEntity, nil)
	default:
		s.logger.Error("ledger write failed", zap.Error(err))
		SendErrorResponse(w, "Ledger write failed", http.StatusInternalServerError, nil)
	}
}
