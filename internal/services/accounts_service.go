package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentpay/backend/internal/models"
	"github.com/agentpay/backend/internal/money"
)

// AccountsService owns the chart of accounts: a small fixed set of system
// accounts plus tenant-scoped extensions. Accounts are deactivated, never
// deleted.
type AccountsService struct {
	db        *sql.DB
	validator *ValidationHelper
	logger    *zap.Logger
}

// CreateAccountRequest registers a new account in the chart.
type CreateAccountRequest struct {
	Code       string `json:"code" validate:"required,max=10"`
	Type       string `json:"type" validate:"required,oneof=asset liability equity revenue expense"`
	OwnerScope string `json:"owner_scope" validate:"required,oneof=system tenant"`
}

func NewAccountsService(db *sql.DB, logger *zap.Logger) *AccountsService {
	return &AccountsService{
		db:        db,
		validator: NewValidationHelper(),
		logger:    logger,
	}
}

// SeedSystemAccounts makes sure the accounts settlement depends on exist.
// Safe to run on every startup.
func (as *AccountsService) SeedSystemAccounts(ctx context.Context) error {
	seeds := []struct {
		code string
		typ  models.AccountType
	}{
		{models.AccountCodeClientReceivable, models.AccountTypeAsset},
		{models.AccountCodeCardWallet, models.AccountTypeLiability},
		{models.AccountCodeEquity, models.AccountTypeEquity},
		{models.AccountCodeMarkupRevenue, models.AccountTypeRevenue},
		{models.AccountCodeAgentSpend, models.AccountTypeExpense},
	}

	for _, seed := range seeds {
		_, err := as.db.ExecContext(ctx, `
			INSERT INTO accounts (id, code, type, normal_balance_debit, owner_scope, active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'system', true, $5, $5)
			ON CONFLICT (code) DO NOTHING`,
			uuid.New().String(), seed.code, seed.typ, models.DebitNormal(seed.typ), time.Now())
		if err != nil {
			return fmt.Errorf("seed account %s: %w", seed.code, err)
		}
	}
	as.logger.Info("system accounts seeded", zap.Int("count", len(seeds)))
	return nil
}

// Create registers an account after checking the normal-balance invariant:
// asset/expense are debit-normal, liability/equity/revenue credit-normal.
func (as *AccountsService) Create(ctx context.Context, code string, accountType models.AccountType, scope models.OwnerScope) (*models.Account, error) {
	if !models.ValidAccountType(accountType) {
		return nil, ErrNormalBalanceMismatch
	}

	account := &models.Account{
		ID:                 uuid.New().String(),
		Code:               code,
		Type:               accountType,
		NormalBalanceDebit: models.DebitNormal(accountType),
		OwnerScope:         scope,
		Active:             true,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}

	_, err := as.db.ExecContext(ctx, `
		INSERT INTO accounts (id, code, type, normal_balance_debit, owner_scope, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, true, $6, $6)`,
		account.ID, account.Code, account.Type, account.NormalBalanceDebit, account.OwnerScope, account.CreatedAt)
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Deactivate retires an account. Its journal entries stay untouched.
func (as *AccountsService) Deactivate(ctx context.Context, accountID string) error {
	result, err := as.db.ExecContext(ctx, `
		UPDATE accounts SET active = false, updated_at = $1 WHERE id = $2 AND active = true`,
		time.Now(), accountID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrUnknownAccount
	}
	return nil
}

// GetByCode resolves an account within the caller's transaction.
func (as *AccountsService) GetByCode(ctx context.Context, tx *sql.Tx, code string) (*models.Account, error) {
	var a models.Account
	err := tx.QueryRowContext(ctx, `
		SELECT id, code, type, normal_balance_debit, owner_scope, active FROM accounts WHERE code = $1`, code).
		Scan(&a.ID, &a.Code, &a.Type, &a.NormalBalanceDebit, &a.OwnerScope, &a.Active)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: code %s", ErrUnknownAccount, code)
	}
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, fmt.Errorf("%w: code %s", ErrUnknownAccount, code)
	}
	return &a, nil
}

// CreateAccount handles chart-of-accounts registration
// @Summary Create a ledger account
// @Description Register a new account in the chart of accounts
// @Tags ledger
// @Accept json
// @Produce json
// @Param account body CreateAccountRequest true "Account data"
// @Success 201 {object} models.Account
// @Failure 400 {object} ErrorResponse
// @Router /accounts [post]
func (as *AccountsService) CreateAccount(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req CreateAccountRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := as.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	account, err := as.Create(r.Context(), req.Code, models.AccountType(req.Type), models.OwnerScope(req.OwnerScope))
	if err != nil {
		as.logger.Error("account creation failed", zap.String("code", req.Code), zap.Error(err))
		SendErrorResponse(w, "Failed to create account", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(account)
}

// DeactivateAccount handles account retirement
// @Summary Deactivate a ledger account
// @Description Deactivate an account; its entries remain
// @Tags ledger
// @Produce json
// @Param accountId path string true "Account ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{accountId}/deactivate [put]
func (as *AccountsService) DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")

	if err := as.Deactivate(r.Context(), accountID); err != nil {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": accountID, "status": "deactivated"})
}

// GetBalanceResponse carries a balance across the boundary as a minor-unit
// string.
type GetBalanceResponse struct {
	AccountID string `json:"account_id"`
	AsOf      string `json:"as_of"`
	Balance   string `json:"balance"`
}

// AccountBalance serves point-in-time balances.
// @Summary Get account balance
// @Description Sum of committed and settled entries up to the asOf timestamp
// @Tags ledger
// @Produce json
// @Param accountId path string true "Account ID"
// @Param asOf query string false "RFC3339 timestamp, defaults to now"
// @Success 200 {object} GetBalanceResponse
// @Failure 400 {object} ErrorResponse
// @Router /ledger/accounts/{accountId}/balance [get]
func (as *AccountsService) AccountBalance(ledger *LedgerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "accountId")

		asOf := time.Now()
		if raw := r.URL.Query().Get("asOf"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				SendErrorResponse(w, "Invalid asOf timestamp", http.StatusBadRequest, nil)
				return
			}
			asOf = parsed
		}

		balance, err := ledger.GetAccountBalance(r.Context(), accountID, asOf)
		if err != nil {
			as.logger.Error("balance query failed", zap.String("account_id", accountID), zap.Error(err))
			SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(GetBalanceResponse{
			AccountID: accountID,
			AsOf:      asOf.Format(time.RFC3339),
			Balance:   money.FormatAmount(balance),
		})
	}
}
