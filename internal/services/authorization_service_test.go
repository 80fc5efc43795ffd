package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/agentpay/backend/internal/audit"
	"github.com/agentpay/backend/internal/models"
	"github.com/agentpay/backend/internal/observability"
)

var agentColumns = []string{
	"id", "organization_id", "client_id", "name", "monthly_budget", "current_spend", "reset_date",
	"soft_limit_per_minute", "hard_limit_per_minute", "soft_limit_per_day", "hard_limit_per_day",
	"allowed_merchant_categories", "blocked_merchant_categories",
	"status", "status_changed_at", "current_velocity_per_minute", "today_spend", "today_date", "active",
}

type agentFixture struct {
	budget       int64
	currentSpend int64
	softPerMin   int64
	hardPerMin   int64
	blocked      string
	status       string
	active       bool
}

func agentRow(f agentFixture) *sqlmock.Rows {
	now := time.Now()
	blocked := "{}"
	if f.blocked != "" {
		blocked = "{" + f.blocked + "}"
	}
	return sqlmock.NewRows(agentColumns).AddRow(
		"agent-1", "org-1", nil, "crawler", f.budget, f.currentSpend, now.AddDate(0, 1, 0),
		f.softPerMin, f.hardPerMin, int64(0), int64(0),
		"{}", blocked,
		f.status, now, int64(0), int64(0), now, f.active)
}

func cardRow(limit, spend int64, status string, active bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "agent_id", "spending_limit", "current_spend", "status", "active"}).
		AddRow("card-1", "agent-1", limit, spend, status, active)
}

func newAuthFixture(t *testing.T) (*AuthorizationService, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	logger := zap.NewNop()
	auditLogger := audit.NewLogger(logger)
	agents := NewAgentService(db, nil, auditLogger, logger)
	service := NewAuthorizationService(db, agents, auditLogger, observability.NewMetrics(), logger)
	return service, mock, func() { db.Close() }
}

func expectNoPriorDecision(mock sqlmock.Sqlmock, authorizationID string) {
	mock.ExpectQuery("SELECT decision, reason FROM authorization_log").
		WithArgs(authorizationID).
		WillReturnRows(sqlmock.NewRows([]string{"decision", "reason"}))
}

func expectDeclineLog(mock sqlmock.Sqlmock) {
	mock.ExpectExec("INSERT INTO authorization_log").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func request(amount string) *AuthorizeRequest {
	return &AuthorizeRequest{
		AuthorizationID:  "auth-1",
		AgentID:          "agent-1",
		CardID:           "card-1",
		Amount:           amount,
		MerchantCategory: "software",
	}
}

func TestAuthorize_ReplayReturnsStoredDecision(t *testing.T) {
	service, mock, cleanup := newAuthFixture(t)
	defer cleanup()

	mock.ExpectQuery("SELECT decision, reason FROM authorization_log").
		WithArgs("auth-1").
		WillReturnRows(sqlmock.NewRows([]string{"decision", "reason"}).AddRow("approved", ""))

	decision, err := service.Authorize(context.Background(), request("5000"))
	assert.NoError(t, err)
	assert.Equal(t, DecisionApproved, decision.Decision)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorize_RejectsMalformedAmount(t *testing.T) {
	service, _, cleanup := newAuthFixture(t)
	defer cleanup()

	_, err := service.Authorize(context.Background(), request("10.50"))
	assert.Error(t, err)

	_, err = service.Authorize(context.Background(), request("0"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestAuthorize_DeclinesUnknownAgent(t *testing.T) {
	service, mock, cleanup := newAuthFixture(t)
	defer cleanup()

	expectNoPriorDecision(mock, "auth-1")
	mock.ExpectBegin()
	mock.ExpectQuery("FROM agents WHERE id = \\$1 FOR UPDATE").
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows(agentColumns))
	expectDeclineLog(mock)

	decision, err := service.Authorize(context.Background(), request("5000"))
	assert.NoError(t, err)
	assert.Equal(t, DecisionDeclined, decision.Decision)
	assert.Equal(t, ReasonAgentInactive, decision.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorize_DeclinesFrozenAgent(t *testing.T) {
	service, mock, cleanup := newAuthFixture(t)
	defer cleanup()

	expectNoPriorDecision(mock, "auth-1")
	mock.ExpectBegin()
	mock.ExpectQuery("FROM agents WHERE id = \\$1 FOR UPDATE").
		WithArgs("agent-1").
		WillReturnRows(agentRow(agentFixture{budget: 1000_00, status: "red", active: true}))
	expectDeclineLog(mock)

	decision, err := service.Authorize(context.Background(), request("5000"))
	assert.NoError(t, err)
	assert.Equal(t, DecisionDeclined, decision.Decision)
	assert.Equal(t, ReasonAgentFrozen, decision.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorize_DeclinesInvalidCard(t *testing.T) {
	service, mock, cleanup := newAuthFixture(t)
	defer cleanup()

	expectNoPriorDecision(mock, "auth-1")
	mock.ExpectBegin()
	mock.ExpectQuery("FROM agents WHERE id = \\$1 FOR UPDATE").
		WithArgs("agent-1").
		WillReturnRows(agentRow(agentFixture{budget: 1000_00, status: "green", active: true}))
	mock.ExpectQuery("FROM virtual_cards WHERE id = \\$1 AND agent_id = \\$2 FOR UPDATE").
		WithArgs("card-1", "agent-1").
		WillReturnRows(cardRow(500_00, 0, "frozen", true))
	expectDeclineLog(mock)

	decision, err := service.Authorize(context.Background(), request("5000"))
	assert.NoError(t, err)
	assert.Equal(t, ReasonCardInvalid, decision.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorize_DeclinesBlockedMerchant(t *testing.T) {
	service, mock, cleanup := newAuthFixture(t)
	defer cleanup()

	expectNoPriorDecision(mock, "auth-1")
	mock.ExpectBegin()
	mock.ExpectQuery("FROM agents WHERE id = \\$1 FOR UPDATE").
		WithArgs("agent-1").
		WillReturnRows(agentRow(agentFixture{budget: 1000_00, blocked: "software", status: "green", active: true}))
	mock.ExpectQuery("FROM virtual_cards WHERE id = \\$1 AND agent_id = \\$2 FOR UPDATE").
		WithArgs("card-1", "agent-1").
		WillReturnRows(cardRow(500_00, 0, "active", true))
	expectDeclineLog(mock)

	decision, err := service.Authorize(context.Background(), request("5000"))
	assert.NoError(t, err)
	assert.Equal(t, ReasonMerchantBlocked, decision.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorize_DeclinesBudgetExceeded(t *testing.T) {
	service, mock, cleanup := newAuthFixture(t)
	defer cleanup()

	expectNoPriorDecision(mock, "auth-1")
	mock.ExpectBegin()
	mock.ExpectQuery("FROM agents WHERE id = \\$1 FOR UPDATE").
		WithArgs("agent-1").
		WillReturnRows(agentRow(agentFixture{budget: 100_00, currentSpend: 90_00, status: "green", active: true}))
	mock.ExpectQuery("FROM virtual_cards WHERE id = \\$1 AND agent_id = \\$2 FOR UPDATE").
		WithArgs("card-1", "agent-1").
		WillReturnRows(cardRow(500_00, 0, "active", true))
	expectDeclineLog(mock)

	decision, err := service.Authorize(context.Background(), request("2000"))
	assert.NoError(t, err)
	assert.Equal(t, DecisionDeclined, decision.Decision)
	assert.Equal(t, ReasonBudgetExceeded, decision.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorize_DeclinesCardLimitExceeded(t *testing.T) {
	service, mock, cleanup := newAuthFixture(t)
	defer cleanup()

	expectNoPriorDecision(mock, "auth-1")
	mock.ExpectBegin()
	mock.ExpectQuery("FROM agents WHERE id = \\$1 FOR UPDATE").
		WithArgs("agent-1").
		WillReturnRows(agentRow(agentFixture{budget: 1000_00, status: "green", active: true}))
	mock.ExpectQuery("FROM virtual_cards WHERE id = \\$1 AND agent_id = \\$2 FOR UPDATE").
		WithArgs("card-1", "agent-1").
		WillReturnRows(cardRow(30_00, 20_00, "active", true))
	expectDeclineLog(mock)

	decision, err := service.Authorize(context.Background(), request("2000"))
	assert.NoError(t, err)
	assert.Equal(t, ReasonCardLimitExceeded, decision.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorize_HardVelocityTripDeclinesAndPersistsRed(t *testing.T) {
	service, mock, cleanup := newAuthFixture(t)
	defer cleanup()

	expectNoPriorDecision(mock, "auth-1")
	mock.ExpectBegin()
	mock.ExpectQuery("FROM agents WHERE id = \\$1 FOR UPDATE").
		WithArgs("agent-1").
		WillReturnRows(agentRow(agentFixture{budget: 10_000_00, hardPerMin: 100_00, status: "green", active: true}))
	mock.ExpectQuery("FROM virtual_cards WHERE id = \\$1 AND agent_id = \\$2 FOR UPDATE").
		WithArgs("card-1", "agent-1").
		WillReturnRows(cardRow(10_000_00, 0, "active", true))
	mock.ExpectExec(`UPDATE agents SET status = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectDeclineLog(mock)

	decision, err := service.Authorize(context.Background(), request("15000"))
	assert.NoError(t, err)
	assert.Equal(t, DecisionDeclined, decision.Decision)
	assert.Equal(t, ReasonVelocityHardLimit, decision.Reason)
	assert.Equal(t, models.AgentStatusRed, decision.AgentStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorize_SoftVelocityTripApproves(t *testing.T) {
	service, mock, cleanup := newAuthFixture(t)
	defer cleanup()

	expectNoPriorDecision(mock, "auth-1")
	mock.ExpectBegin()
	mock.ExpectQuery("FROM agents WHERE id = \\$1 FOR UPDATE").
		WithArgs("agent-1").
		WillReturnRows(agentRow(agentFixture{budget: 10_000_00, softPerMin: 50_00, hardPerMin: 100_00, status: "green", active: true}))
	mock.ExpectQuery("FROM virtual_cards WHERE id = \\$1 AND agent_id = \\$2 FOR UPDATE").
		WithArgs("card-1", "agent-1").
		WillReturnRows(cardRow(10_000_00, 0, "active", true))
	mock.ExpectExec(`UPDATE agents SET current_spend = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE virtual_cards SET current_spend = current_spend \+ \$1`).
		WithArgs(int64(80_00), "card-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO authorization_log").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	decision, err := service.Authorize(context.Background(), request("8000"))
	assert.NoError(t, err)
	assert.Equal(t, DecisionApproved, decision.Decision)
	assert.Equal(t, models.AgentStatusYellow, decision.AgentStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorize_ApprovesAndIncrementsCounters(t *testing.T) {
	service, mock, cleanup := newAuthFixture(t)
	defer cleanup()

	expectNoPriorDecision(mock, "auth-1")
	mock.ExpectBegin()
	mock.ExpectQuery("FROM agents WHERE id = \\$1 FOR UPDATE").
		WithArgs("agent-1").
		WillReturnRows(agentRow(agentFixture{budget: 1000_00, status: "green", active: true}))
	mock.ExpectQuery("FROM virtual_cards WHERE id = \\$1 AND agent_id = \\$2 FOR UPDATE").
		WithArgs("card-1", "agent-1").
		WillReturnRows(cardRow(500_00, 0, "active", true))
	mock.ExpectExec(`UPDATE agents SET current_spend = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE virtual_cards SET current_spend = current_spend \+ \$1`).
		WithArgs(int64(50_00), "card-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO authorization_log").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	decision, err := service.Authorize(context.Background(), request("5000"))
	assert.NoError(t, err)
	assert.Equal(t, DecisionApproved, decision.Decision)
	assert.Equal(t, models.AgentStatusGreen, decision.AgentStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorize_DuplicateDeliveryCommitsNothing(t *testing.T) {
	service, mock, cleanup := newAuthFixture(t)
	defer cleanup()

	// Second delivery of an id whose first delivery commits after this one
	// passed the replay lookup. The log insert conflicts, the transaction
	// rolls back, and the first delivery's decision is returned.
	expectNoPriorDecision(mock, "auth-1")
	mock.ExpectBegin()
	mock.ExpectQuery("FROM agents WHERE id = \\$1 FOR UPDATE").
		WithArgs("agent-1").
		WillReturnRows(agentRow(agentFixture{budget: 1000_00, status: "green", active: true}))
	mock.ExpectQuery("FROM virtual_cards WHERE id = \\$1 AND agent_id = \\$2 FOR UPDATE").
		WithArgs("card-1", "agent-1").
		WillReturnRows(cardRow(500_00, 0, "active", true))
	mock.ExpectExec(`UPDATE agents SET current_spend = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE virtual_cards SET current_spend = current_spend \+ \$1`).
		WithArgs(int64(50_00), "card-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO authorization_log").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT decision, reason FROM authorization_log").
		WithArgs("auth-1").
		WillReturnRows(sqlmock.NewRows([]string{"decision", "reason"}).AddRow("approved", ""))

	decision, err := service.Authorize(context.Background(), request("5000"))
	assert.NoError(t, err)
	assert.Equal(t, DecisionApproved, decision.Decision)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorize_SerializedConcurrentSpendStopsAtBudget(t *testing.T) {
	now := time.Now()
	agent := models.Agent{
		MonthlyBudgetMinorUnits: 100_00,
		Status:                  models.AgentStatusGreen,
		TodayDate:               now,
		Active:                  true,
	}
	const amount = int64(10_00)

	// One decision at a time, the way the agent row lock serializes
	// concurrent authorizations against the same agent.
	var mu sync.Mutex
	approved := 0
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			if agent.RemainingBudget() < amount {
				return
			}
			projected, _ := projectSpend(agent, amount, time.Now())
			if projected.Status == models.AgentStatusRed {
				return
			}
			agent = projected
			approved++
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, approved)
	assert.Equal(t, int64(100_00), agent.CurrentSpendMinorUnits)
	assert.Equal(t, int64(0), agent.RemainingBudget())
}

func TestAuthorize_FailsClosedOnStorageError(t *testing.T) {
	service, mock, cleanup := newAuthFixture(t)
	defer cleanup()

	expectNoPriorDecision(mock, "auth-1")
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	decision, err := service.Authorize(context.Background(), request("5000"))
	assert.NoError(t, err)
	assert.Equal(t, DecisionDeclined, decision.Decision)
	assert.Equal(t, ReasonInternalError, decision.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}
