package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/agentpay/backend/internal/audit"
	"github.com/agentpay/backend/internal/models"
	"github.com/agentpay/backend/internal/money"
)

func TestEvaluateStatus(t *testing.T) {
	agent := &models.Agent{
		SoftLimitPerMinute: 50_00,
		HardLimitPerMinute: 100_00,
		SoftLimitPerDay:    200_00,
		HardLimitPerDay:    500_00,
	}

	tests := []struct {
		name       string
		velocity   int64
		todaySpend int64
		status     models.AgentStatus
		trip       string
	}{
		{"all under limits", 10_00, 50_00, models.AgentStatusGreen, tripNone},
		{"exactly at hard per-minute stays green", 100_00, 0, models.AgentStatusGreen, tripNone},
		{"hard per-minute exceeded", 150_00, 0, models.AgentStatusRed, tripHardPerMinute},
		{"hard per-day exceeded", 10_00, 600_00, models.AgentStatusRed, tripHardPerDay},
		{"soft per-minute exceeded", 80_00, 0, models.AgentStatusYellow, tripSoftPerMinute},
		{"soft per-day exceeded", 10_00, 250_00, models.AgentStatusYellow, tripSoftPerDay},
		{"hard per-minute beats soft per-day", 150_00, 250_00, models.AgentStatusRed, tripHardPerMinute},
		{"hard per-day beats soft per-minute", 80_00, 600_00, models.AgentStatusRed, tripHardPerDay},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, trip := evaluateStatus(agent, tc.velocity, tc.todaySpend)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.trip, trip)
		})
	}
}

func TestEvaluateStatus_UnsetLimitsNeverTrip(t *testing.T) {
	agent := &models.Agent{}
	status, trip := evaluateStatus(agent, 1_000_000_00, 1_000_000_00)
	assert.Equal(t, models.AgentStatusGreen, status)
	assert.Equal(t, tripNone, trip)
}

func TestProjectSpend(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	t.Run("velocity is the single most recent amount", func(t *testing.T) {
		agent := models.Agent{
			TodayDate:                now,
			TodaySpend:               30_00,
			CurrentVelocityPerMinute: 99_00,
			Status:                   models.AgentStatusGreen,
		}
		after, trip := projectSpend(agent, 20_00, now)
		assert.Equal(t, int64(20_00), after.CurrentVelocityPerMinute)
		assert.Equal(t, int64(50_00), after.TodaySpend)
		assert.Equal(t, int64(20_00), after.CurrentSpendMinorUnits)
		assert.Equal(t, tripNone, trip)
	})

	t.Run("rolls the day over before accumulating", func(t *testing.T) {
		agent := models.Agent{
			TodayDate:  now.AddDate(0, 0, -1),
			TodaySpend: 400_00,
			Status:     models.AgentStatusGreen,
		}
		after, _ := projectSpend(agent, 10_00, now)
		assert.Equal(t, int64(10_00), after.TodaySpend)
		assert.True(t, sameDay(after.TodayDate, now))
	})

	t.Run("hard trip goes red", func(t *testing.T) {
		agent := models.Agent{
			TodayDate:          now,
			HardLimitPerMinute: 100_00,
			Status:             models.AgentStatusGreen,
		}
		after, trip := projectSpend(agent, 150_00, now)
		assert.Equal(t, models.AgentStatusRed, after.Status)
		assert.Equal(t, tripHardPerMinute, trip)
		assert.Equal(t, now, after.StatusChangedAt)
	})

	t.Run("soft trip goes yellow", func(t *testing.T) {
		agent := models.Agent{
			TodayDate:          now,
			SoftLimitPerMinute: 50_00,
			HardLimitPerMinute: 100_00,
			Status:             models.AgentStatusGreen,
		}
		after, trip := projectSpend(agent, 80_00, now)
		assert.Equal(t, models.AgentStatusYellow, after.Status)
		assert.Equal(t, tripSoftPerMinute, trip)
	})

	t.Run("statusChangedAt untouched when status holds", func(t *testing.T) {
		changed := now.Add(-2 * time.Hour)
		agent := models.Agent{
			TodayDate:       now,
			Status:          models.AgentStatusGreen,
			StatusChangedAt: changed,
		}
		after, _ := projectSpend(agent, 5_00, now)
		assert.Equal(t, models.AgentStatusGreen, after.Status)
		assert.Equal(t, changed, after.StatusChangedAt)
	})
}

func TestMerchantAllowed(t *testing.T) {
	t.Run("blocked list wins over allow list", func(t *testing.T) {
		agent := &models.Agent{
			AllowedMerchantCategories: []string{"software"},
			BlockedMerchantCategories: []string{"software"},
		}
		assert.False(t, merchantAllowed(agent, "software"))
	})

	t.Run("allow list is a membership test", func(t *testing.T) {
		agent := &models.Agent{AllowedMerchantCategories: []string{"software", "cloud"}}
		assert.True(t, merchantAllowed(agent, "cloud"))
		assert.False(t, merchantAllowed(agent, "gambling"))
	})

	t.Run("no lists means default allow", func(t *testing.T) {
		agent := &models.Agent{}
		assert.True(t, merchantAllowed(agent, "anything"))
	})
}

func TestAgentService_VelocityStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()
	service := NewAgentService(db, redisClient, audit.NewLogger(zap.NewNop()), zap.NewNop())

	statusChanged := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	today := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)

	expected := &models.AgentVelocityStats{
		AgentID:                  "agent-1",
		Status:                   models.AgentStatusGreen,
		StatusChangedAt:          statusChanged,
		CurrentVelocityPerMinute: money.FormatAmount(20_00),
		TodaySpend:               money.FormatAmount(50_00),
		TodayDate:                "2026-08-25",
		CurrentSpend:             money.FormatAmount(300_00),
		MonthlyBudget:            money.FormatAmount(1000_00),
		RemainingBudget:          money.FormatAmount(700_00),
	}
	cached, err := json.Marshal(expected)
	assert.NoError(t, err)

	redisMock.ExpectGet("velocity_stats:agent-1").RedisNil()
	mock.ExpectQuery("FROM agents WHERE id = \\$1").
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "status", "status_changed_at", "current_velocity_per_minute",
			"today_spend", "today_date", "current_spend", "monthly_budget",
		}).AddRow("agent-1", "green", statusChanged, int64(20_00), int64(50_00), today, int64(300_00), int64(1000_00)))
	redisMock.ExpectSet("velocity_stats:agent-1", cached, velocityStatsCacheTTL).SetVal("OK")

	stats, err := service.VelocityStats(context.Background(), "agent-1")
	assert.NoError(t, err)
	assert.Equal(t, expected, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestAgentService_VelocityStats_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAgentService(db, nil, audit.NewLogger(zap.NewNop()), zap.NewNop())

	mock.ExpectQuery("FROM agents WHERE id = \\$1").
		WithArgs("agent-missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = service.VelocityStats(context.Background(), "agent-missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestAgentService_ResetOverdueBudgets(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAgentService(db, nil, audit.NewLogger(zap.NewNop()), zap.NewNop())

	mock.ExpectExec(`UPDATE agents SET current_spend = 0`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`UPDATE agents SET today_spend = 0`).
		WillReturnResult(sqlmock.NewResult(0, 7))

	count, err := service.ResetOverdueBudgets(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(10), count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAgentService_Deactivate(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAgentService(db, nil, audit.NewLogger(zap.NewNop()), zap.NewNop())

	t.Run("deactivates an active agent", func(t *testing.T) {
		mock.ExpectExec(`UPDATE agents SET active = false`).
			WithArgs(sqlmock.AnyArg(), "agent-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, service.Deactivate(context.Background(), "agent-1"))
	})

	t.Run("already inactive agents are not found", func(t *testing.T) {
		mock.ExpectExec(`UPDATE agents SET active = false`).
			WithArgs(sqlmock.AnyArg(), "agent-gone").
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, service.Deactivate(context.Background(), "agent-gone"), ErrAgentNotFound)
	})
}

func TestAgentService_CreateAgentHandler(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAgentService(db, nil, audit.NewLogger(zap.NewNop()), zap.NewNop())

	r := chi.NewRouter()
	r.Post("/agents", service.CreateAgent)

	t.Run("rejects a malformed body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/agents", bytes.NewBufferString("not json"))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects a fractional budget string", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{
			"organization_id": "org-1",
			"name":            "crawler",
			"monthly_budget":  "100.50",
		})
		req := httptest.NewRequest("POST", "/agents", bytes.NewBuffer(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("creates an agent", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO agents").
			WillReturnResult(sqlmock.NewResult(0, 1))

		body, _ := json.Marshal(map[string]string{
			"organization_id":       "org-1",
			"name":                  "crawler",
			"monthly_budget":        "100000",
			"hard_limit_per_minute": "10000",
		})
		req := httptest.NewRequest("POST", "/agents", bytes.NewBuffer(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)

		var agent models.Agent
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &agent))
		assert.Equal(t, int64(100000), agent.MonthlyBudgetMinorUnits)
		assert.Equal(t, models.AgentStatusGreen, agent.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
