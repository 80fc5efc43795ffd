package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/agentpay/backend/internal/audit"
	"github.com/agentpay/backend/internal/models"
	"github.com/agentpay/backend/internal/money"
)

// Velocity trip rules, in evaluation precedence.
const (
	tripHardPerMinute = "hard_per_minute"
	tripHardPerDay    = "hard_per_day"
	tripSoftPerMinute = "soft_per_minute"
	tripSoftPerDay    = "soft_per_day"
	tripNone          = ""
)

const velocityStatsCacheTTL = 10 * time.Second

// AgentService owns the per-agent live counters and the circuit-breaker
// status machine. All counter mutations happen under the agent's row lock,
// inside the caller's database transaction.
type AgentService struct {
	db        *sql.DB
	redis     *redis.Client
	validator *ValidationHelper
	audit     *audit.Logger
	logger    *zap.Logger
}

// CreateAgentRequest registers an agent with its budget and velocity policy.
// Money fields are integer minor-unit strings.
type CreateAgentRequest struct {
	OrganizationID     string   `json:"organization_id" validate:"required"`
	ClientID           string   `json:"client_id"`
	Name               string   `json:"name" validate:"required,max=100"`
	MonthlyBudget      string   `json:"monthly_budget" validate:"required,minorunits"`
	SoftLimitPerMinute string   `json:"soft_limit_per_minute" validate:"omitempty,minorunits"`
	HardLimitPerMinute string   `json:"hard_limit_per_minute" validate:"omitempty,minorunits"`
	SoftLimitPerDay    string   `json:"soft_limit_per_day" validate:"omitempty,minorunits"`
	HardLimitPerDay    string   `json:"hard_limit_per_day" validate:"omitempty,minorunits"`
	AllowedCategories  []string `json:"allowed_merchant_categories"`
	BlockedCategories  []string `json:"blocked_merchant_categories"`
}

func NewAgentService(db *sql.DB, redisClient *redis.Client, auditLogger *audit.Logger, logger *zap.Logger) *AgentService {
	return &AgentService{
		db:        db,
		redis:     redisClient,
		validator: NewValidationHelper(),
		audit:     auditLogger,
		logger:    logger,
	}
}

// sameDay compares calendar days in UTC.
func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// evaluateStatus recomputes the circuit-breaker status for the given counter
// values. Precedence: hard per-minute, hard per-day, soft per-minute, soft
// per-day, green. A limit of zero is unset. "Exceeded" is strict: spend
// exactly at a limit does not trip it.
func evaluateStatus(a *models.Agent, velocity, todaySpend int64) (models.AgentStatus, string) {
	switch {
	case a.HardLimitPerMinute > 0 && velocity > a.HardLimitPerMinute:
		return models.AgentStatusRed, tripHardPerMinute
	case a.HardLimitPerDay > 0 && todaySpend > a.HardLimitPerDay:
		return models.AgentStatusRed, tripHardPerDay
	case a.SoftLimitPerMinute > 0 && velocity > a.SoftLimitPerMinute:
		return models.AgentStatusYellow, tripSoftPerMinute
	case a.SoftLimitPerDay > 0 && todaySpend > a.SoftLimitPerDay:
		return models.AgentStatusYellow, tripSoftPerDay
	}
	return models.AgentStatusGreen, tripNone
}

// projectSpend returns the counter state and status the agent would have
// after an authorized spend of amount at now. Velocity is the amount of the
// single most recent transaction, recomputed per event, not a sliding-window
// rate. The lazy daily rollover happens here.
func projectSpend(a models.Agent, amount int64, now time.Time) (models.Agent, string) {
	if !sameDay(a.TodayDate, now) {
		a.TodaySpend = 0
		a.TodayDate = now
	}
	a.TodaySpend += amount
	a.CurrentVelocityPerMinute = amount
	a.CurrentSpendMinorUnits += amount

	status, trip := evaluateStatus(&a, a.CurrentVelocityPerMinute, a.TodaySpend)
	if status != a.Status {
		a.Status = status
		a.StatusChangedAt = now
	}
	return a, trip
}

// merchantAllowed applies the category policy: the block list wins, then an
// allow list (if configured) must contain the category, otherwise allow.
func merchantAllowed(a *models.Agent, category string) bool {
	for _, blocked := range a.BlockedMerchantCategories {
		if blocked == category {
			return false
		}
	}
	if len(a.AllowedMerchantCategories) > 0 {
		for _, allowed := range a.AllowedMerchantCategories {
			if allowed == category {
				return true
			}
		}
		return false
	}
	return true
}

// lockAgentTx takes the agent's exclusive row lock for the duration of the
// caller's transaction. The budget check and the budget increment are one
// atomic unit behind this lock.
func (s *AgentService) lockAgentTx(ctx context.Context, tx *sql.Tx, agentID string) (*models.Agent, error) {
	var a models.Agent
	var clientID sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT id, organization_id, client_id, name, monthly_budget, current_spend, reset_date,
		       soft_limit_per_minute, hard_limit_per_minute, soft_limit_per_day, hard_limit_per_day,
		       allowed_merchant_categories, blocked_merchant_categories,
		       status, status_changed_at, current_velocity_per_minute, today_spend, today_date, active
		FROM agents WHERE id = $1 FOR UPDATE`, agentID).Scan(
		&a.ID, &a.OrganizationID, &clientID, &a.Name, &a.MonthlyBudgetMinorUnits, &a.CurrentSpendMinorUnits, &a.ResetDate,
		&a.SoftLimitPerMinute, &a.HardLimitPerMinute, &a.SoftLimitPerDay, &a.HardLimitPerDay,
		&a.AllowedMerchantCategories, &a.BlockedMerchantCategories,
		&a.Status, &a.StatusChangedAt, &a.CurrentVelocityPerMinute, &a.TodaySpend, &a.TodayDate, &a.Active)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	a.ClientID = clientID.String
	return &a, nil
}

// applySpendTx persists the post-spend counters computed by projectSpend.
func (s *AgentService) applySpendTx(ctx context.Context, tx *sql.Tx, before *models.Agent, after models.Agent) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE agents SET current_spend = $1, today_spend = $2, today_date = $3,
		       current_velocity_per_minute = $4, status = $5, status_changed_at = $6, updated_at = $7
		WHERE id = $8`,
		after.CurrentSpendMinorUnits, after.TodaySpend, after.TodayDate,
		after.CurrentVelocityPerMinute, after.Status, after.StatusChangedAt, time.Now(), after.ID)
	if err != nil {
		return err
	}
	if before.Status != after.Status {
		s.audit.LogStatusChange(after.ID, string(before.Status), string(after.Status))
	}
	return nil
}

// tripStatusTx persists a status transition without touching spend counters,
// used when a hard velocity trip declines the authorization.
func (s *AgentService) tripStatusTx(ctx context.Context, tx *sql.Tx, agent *models.Agent, status models.AgentStatus, now time.Time) error {
	if agent.Status == status {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE agents SET status = $1, status_changed_at = $2, updated_at = $2 WHERE id = $3`,
		status, now, agent.ID)
	if err != nil {
		return err
	}
	s.audit.LogStatusChange(agent.ID, string(agent.Status), string(status))
	return nil
}

// Create registers a new agent.
func (s *AgentService) Create(ctx context.Context, req *CreateAgentRequest) (*models.Agent, error) {
	budget, err := money.ParseAmount(req.MonthlyBudget)
	if err != nil {
		return nil, err
	}
	if budget <= 0 {
		return nil, ErrInvalidAmount
	}

	parseLimit := func(raw string) (int64, error) {
		if raw == "" {
			return 0, nil
		}
		return money.ParseAmount(raw)
	}
	softMin, err := parseLimit(req.SoftLimitPerMinute)
	if err != nil {
		return nil, err
	}
	hardMin, err := parseLimit(req.HardLimitPerMinute)
	if err != nil {
		return nil, err
	}
	softDay, err := parseLimit(req.SoftLimitPerDay)
	if err != nil {
		return nil, err
	}
	hardDay, err := parseLimit(req.HardLimitPerDay)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	agent := &models.Agent{
		ID:                        uuid.New().String(),
		OrganizationID:            req.OrganizationID,
		ClientID:                  req.ClientID,
		Name:                      req.Name,
		MonthlyBudgetMinorUnits:   budget,
		ResetDate:                 now.AddDate(0, 1, 0),
		SoftLimitPerMinute:        softMin,
		HardLimitPerMinute:        hardMin,
		SoftLimitPerDay:           softDay,
		HardLimitPerDay:           hardDay,
		AllowedMerchantCategories: req.AllowedCategories,
		BlockedMerchantCategories: req.BlockedCategories,
		Status:                    models.AgentStatusGreen,
		StatusChangedAt:           now,
		TodayDate:                 now,
		Active:                    true,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, organization_id, client_id, name, monthly_budget, current_spend, reset_date,
		       soft_limit_per_minute, hard_limit_per_minute, soft_limit_per_day, hard_limit_per_day,
		       allowed_merchant_categories, blocked_merchant_categories,
		       status, status_changed_at, current_velocity_per_minute, today_spend, today_date, active, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, 0, $6, $7, $8, $9, $10, $11, $12, $13, $14, 0, 0, $15, true, $16, $16)`,
		agent.ID, agent.OrganizationID, agent.ClientID, agent.Name, agent.MonthlyBudgetMinorUnits, agent.ResetDate,
		agent.SoftLimitPerMinute, agent.HardLimitPerMinute, agent.SoftLimitPerDay, agent.HardLimitPerDay,
		pq.Array(agent.AllowedMerchantCategories), pq.Array(agent.BlockedMerchantCategories),
		agent.Status, agent.StatusChangedAt, agent.TodayDate, now)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// Deactivate retires an agent. Ledger history keeps referencing it, so the
// row is never deleted.
func (s *AgentService) Deactivate(ctx context.Context, agentID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET active = false, updated_at = $1 WHERE id = $2 AND active = true`,
		time.Now(), agentID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// VelocityStats returns the live counter snapshot, cached briefly in Redis
// to keep dashboard polling off the agents table.
func (s *AgentService) VelocityStats(ctx context.Context, agentID string) (*models.AgentVelocityStats, error) {
	cacheKey := "velocity_stats:" + agentID
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, cacheKey).Result(); err == nil {
			var stats models.AgentVelocityStats
			if err := json.Unmarshal([]byte(cached), &stats); err == nil {
				return &stats, nil
			}
		}
	}

	var a models.Agent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, status_changed_at, current_velocity_per_minute, today_spend, today_date, current_spend, monthly_budget
		FROM agents WHERE id = $1`, agentID).Scan(
		&a.ID, &a.Status, &a.StatusChangedAt, &a.CurrentVelocityPerMinute, &a.TodaySpend, &a.TodayDate,
		&a.CurrentSpendMinorUnits, &a.MonthlyBudgetMinorUnits)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}

	stats := &models.AgentVelocityStats{
		AgentID:                  a.ID,
		Status:                   a.Status,
		StatusChangedAt:          a.StatusChangedAt,
		CurrentVelocityPerMinute: money.FormatAmount(a.CurrentVelocityPerMinute),
		TodaySpend:               money.FormatAmount(a.TodaySpend),
		TodayDate:                a.TodayDate.UTC().Format("2006-01-02"),
		CurrentSpend:             money.FormatAmount(a.CurrentSpendMinorUnits),
		MonthlyBudget:            money.FormatAmount(a.MonthlyBudgetMinorUnits),
		RemainingBudget:          money.FormatAmount(a.RemainingBudget()),
	}

	if s.redis != nil {
		if data, err := json.Marshal(stats); err == nil {
			s.redis.Set(ctx, cacheKey, data, velocityStatsCacheTTL)
		}
	}
	return stats, nil
}

// ResetOverdueBudgets rolls monthly budgets whose reset date has passed and
// zeroes stale daily counters. Both statements are idempotent, so the job is
// safe to re-run if interrupted mid-batch.
func (s *AgentService) ResetOverdueBudgets(ctx context.Context) (int64, error) {
	monthly, err := s.db.ExecContext(ctx, `
		UPDATE agents SET current_spend = 0, reset_date = reset_date + INTERVAL '1 month', updated_at = NOW()
		WHERE active = true AND reset_date <= NOW()`)
	if err != nil {
		return 0, err
	}
	monthlyRows, err := monthly.RowsAffected()
	if err != nil {
		return 0, err
	}

	daily, err := s.db.ExecContext(ctx, `
		UPDATE agents SET today_spend = 0, today_date = NOW(), current_velocity_per_minute = 0, updated_at = NOW()
		WHERE active = true AND today_date::date < NOW()::date`)
	if err != nil {
		return monthlyRows, err
	}
	dailyRows, err := daily.RowsAffected()
	if err != nil {
		return monthlyRows, err
	}

	if monthlyRows > 0 || dailyRows > 0 {
		s.logger.Info("budget counters reset",
			zap.Int64("monthly", monthlyRows),
			zap.Int64("daily", dailyRows))
	}
	return monthlyRows + dailyRows, nil
}

// RunScheduledResets runs ResetOverdueBudgets on a ticker until the context
// is cancelled.
func (s *AgentService) RunScheduledResets(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ResetOverdueBudgets(ctx); err != nil {
				s.logger.Error("scheduled budget reset failed", zap.Error(err))
			}
		}
	}
}

// CreateAgent handles agent registration
// @Summary Register an agent
// @Description Create an agent with its budget and velocity policy
// @Tags agents
// @Accept json
// @Produce json
// @Param agent body CreateAgentRequest true "Agent data"
// @Success 201 {object} models.Agent
// @Failure 400 {object} ErrorResponse
// @Router /agents [post]
func (s *AgentService) CreateAgent(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req CreateAgentRequest
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

	agent, err := s.Create(r.Context(), &req)
	if err != nil {
		s.logger.Error("agent creation failed", zap.String("name", req.Name), zap.Error(err))
		SendErrorResponse(w, "Failed to create agent", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(agent)
}

// DeactivateAgent handles agent retirement
// @Summary Deactivate an agent
// @Description Retire an agent; ledger history remains
// @Tags agents
// @Produce json
// @Param agentId path string true "Agent ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /agents/{agentId}/deactivate [put]
func (s *AgentService) DeactivateAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")

	if err := s.Deactivate(r.Context(), agentID); err != nil {
		if err == ErrAgentNotFound {
			SendErrorResponse(w, "Agent not found", http.StatusNotFound, nil)
		} else {
			s.logger.Error("agent deactivation failed", zap.String("agent_id", agentID), zap.Error(err))
			SendErrorResponse(w, "Failed to deactivate agent", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": agentID, "status": "deactivated"})
}

// GetVelocityStats serves the live counter snapshot
// @Summary Get agent velocity stats
// @Description Live budget and velocity counters for one agent
// @Tags agents
// @Produce json
// @Param agentId path string true "Agent ID"
// @Success 200 {object} models.AgentVelocityStats
// @Failure 404 {object} ErrorResponse
// @Router /agents/{agentId}/velocity [get]
func (s *AgentService) GetVelocityStats(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")

	stats, err := s.VelocityStats(r.Context(), agentID)
	if err != nil {
		if err == ErrAgentNotFound {
			SendErrorResponse(w, "Agent not found", http.StatusNotFound, nil)
		} else {
			s.logger.Error("velocity stats failed", zap.String("agent_id", agentID), zap.Error(err))
			SendErrorResponse(w, "Failed to fetch velocity stats", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// ResetOverdue triggers the scheduled reset on demand
// @Summary Reset overdue budgets
// @Description Roll over monthly and daily counters that are past due
// @Tags agents
// @Produce json
// @Success 200 {object} map[string]int64
// @Router /agents/reset-overdue [post]
func (s *AgentService) ResetOverdue(w http.ResponseWriter, r *http.Request) {
	count, err := s.ResetOverdueBudgets(r.Context())
	if err != nil {
		s.logger.Error("budget reset failed", zap.Error(err))
		SendErrorResponse(w, "Failed to reset budgets", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"reset": count})
}
