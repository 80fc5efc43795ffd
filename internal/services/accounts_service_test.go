package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/agentpay/backend/internal/audit"
	"github.com/agentpay/backend/internal/models"
	"github.com/agentpay/backend/internal/observability"
)

func newAccountsFixture(t *testing.T) (*AccountsService, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	service := NewAccountsService(db, zap.NewNop())
	return service, mock, func() { db.Close() }
}

func TestAccountsService_SeedSystemAccounts(t *testing.T) {
	service, mock, cleanup := newAccountsFixture(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		mock.ExpectExec("INSERT INTO accounts").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	assert.NoError(t, service.SeedSystemAccounts(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountsService_Create(t *testing.T) {
	service, mock, cleanup := newAccountsFixture(t)
	defer cleanup()

	t.Run("derives the normal balance from the type", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO accounts").
			WillReturnResult(sqlmock.NewResult(0, 1))

		account, err := service.Create(context.Background(), "6000", models.AccountTypeExpense, models.OwnerScopeTenant)
		assert.NoError(t, err)
		assert.True(t, account.NormalBalanceDebit)

		mock.ExpectExec("INSERT INTO accounts").
			WillReturnResult(sqlmock.NewResult(0, 1))

		account, err = service.Create(context.Background(), "2200", models.AccountTypeLiability, models.OwnerScopeTenant)
		assert.NoError(t, err)
		assert.False(t, account.NormalBalanceDebit)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects an unknown account type", func(t *testing.T) {
		_, err := service.Create(context.Background(), "9999", models.AccountType("derivative"), models.OwnerScopeTenant)
		assert.ErrorIs(t, err, ErrNormalBalanceMismatch)
	})
}

func TestAccountsService_Deactivate(t *testing.T) {
	service, mock, cleanup := newAccountsFixture(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE accounts SET active = false`).
		WithArgs(sqlmock.AnyArg(), "acc-gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, service.Deactivate(context.Background(), "acc-gone"), ErrUnknownAccount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountsService_AccountBalanceHandler(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	accounts := NewAccountsService(db, zap.NewNop())
	ledger := NewLedgerService(db, audit.NewLogger(zap.NewNop()), observability.NewMetrics(), zap.NewNop())

	r := chi.NewRouter()
	r.Get("/ledger/accounts/{accountId}/balance", accounts.AccountBalance(ledger))

	t.Run("returns the balance as a minor-unit string", func(t *testing.T) {
		mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\) FROM journal_entries`).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(4_215_00)))

		req := httptest.NewRequest("GET", "/ledger/accounts/acc-1/balance", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp GetBalanceResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "421500", resp.Balance)
		assert.Equal(t, "acc-1", resp.AccountID)
	})

	t.Run("rejects a bad asOf timestamp", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/ledger/accounts/acc-1/balance?asOf=yesterday", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAccountsService_CreateAccountHandler(t *testing.T) {
	service, mock, cleanup := newAccountsFixture(t)
	defer cleanup()

	r := chi.NewRouter()
	r.Post("/accounts", service.CreateAccount)

	t.Run("rejects an invalid type", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{
			"code": "6000", "type": "derivative", "owner_scope": "tenant",
		})
		req := httptest.NewRequest("POST", "/accounts", bytes.NewBuffer(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("creates an account", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO accounts").
			WillReturnResult(sqlmock.NewResult(0, 1))

		body, _ := json.Marshal(map[string]string{
			"code": "6000", "type": "expense", "owner_scope": "tenant",
		})
		req := httptest.NewRequest("POST", "/accounts", bytes.NewBuffer(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
