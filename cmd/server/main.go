package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	"github.com/agentpay/backend/docs"
	"github.com/agentpay/backend/internal/audit"
	"github.com/agentpay/backend/internal/database"
	"github.com/agentpay/backend/internal/issuing"
	mW "github.com/agentpay/backend/internal/middleware"
	"github.com/agentpay/backend/internal/observability"
	"github.com/agentpay/backend/internal/services"
)

// @title AgentPay Core API
// @version 1.0
// @description Spend authorization and double-entry ledger for autonomous agents
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("issuing.base_url", "ISSUING_BASE_URL")
	viper.BindEnv("issuing.api_key", "ISSUING_API_KEY")
	viper.BindEnv("billing.bic", "BILLING_BIC")
	viper.BindEnv("billing.currency", "BILLING_CURRENCY")
	viper.BindEnv("log.level", "LOG_LEVEL")

	viper.SetDefault("issuing.base_url", "https://issuing.example.com")
	viper.SetDefault("billing.bic", "AGENTPAY")
	viper.SetDefault("billing.currency", "USD")
	viper.SetDefault("log.level", "info")

	logger := observability.NewLogger(viper.GetString("log.level"))
	defer logger.Sync()

	docs.SwaggerInfo.Title = "AgentPay Core API"
	docs.SwaggerInfo.Description = "Spend authorization and double-entry ledger for autonomous agents"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	db, err := database.InitDB(logger)
	if err != nil {
		logger.Fatal("database init failed", zap.Error(err))
	}
	defer db.Close()

	redisClient := database.InitRedis(logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	metrics := observability.NewMetrics()
	auditLogger := audit.NewLogger(logger)
	issuer := issuing.NewClient(
		viper.GetString("issuing.base_url"),
		viper.GetString("issuing.api_key"),
		logger)

	ledgerService := services.NewLedgerService(db, auditLogger, metrics, logger)
	accountsService := services.NewAccountsService(db, logger)
	agentService := services.NewAgentService(db, redisClient, auditLogger, logger)
	authorizationService := services.NewAuthorizationService(db, agentService, auditLogger, metrics, logger)
	settlementService := services.NewSettlementService(db, redisClient, ledgerService, accountsService, auditLogger, metrics, logger)
	cardService := services.NewCardService(db, issuer, metrics, logger)
	billingService := services.NewBillingService(db,
		viper.GetString("billing.bic"),
		viper.GetString("billing.currency"),
		logger)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	if err := accountsService.SeedSystemAccounts(startupCtx); err != nil {
		cancelStartup()
		logger.Fatal("system account seeding failed", zap.Error(err))
	}
	cancelStartup()

	// Background workers share one cancellation scope with the server.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	go settlementService.RunSettlementWorker(workerCtx)
	go agentService.RunScheduledResets(workerCtx, time.Hour)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(observability.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Post("/authorizations", authorizationService.AuthorizeSpend)

			r.Post("/settlements", settlementService.SettleTransaction)
			r.Get("/settlements/unbilled", settlementService.UnbilledSettlements)
			r.Post("/settlements/mark-billed", settlementService.MarkSettlementsBilled)

			r.Post("/ledger/transactions", ledgerService.RecordTransactionHandler)
			r.Post("/ledger/transactions/multi", ledgerService.RecordMultiEntryHandler)
			r.Get("/ledger/transactions/{groupId}", ledgerService.GetGroupHandler)
			r.Post("/ledger/transactions/{groupId}/commit", ledgerService.CommitGroupHandler)
			r.Get("/ledger/accounts/{accountId}/balance", accountsService.AccountBalance(ledgerService))

			r.Post("/accounts", accountsService.CreateAccount)
			r.Put("/accounts/{accountId}/deactivate", accountsService.DeactivateAccount)

			r.Post("/agents", agentService.CreateAgent)
			r.Get("/agents/{agentId}/velocity", agentService.GetVelocityStats)
			r.Post("/agents/reset-overdue", agentService.ResetOverdue)
			r.Put("/agents/{agentId}/deactivate", agentService.DeactivateAgent)

			r.Post("/cards", cardService.IssueCard)
			r.Put("/cards/{cardId}/freeze", cardService.FreezeCard)
			r.Put("/cards/{cardId}/unfreeze", cardService.UnfreezeCard)

			r.Get("/billing/export", billingService.ExportBilling)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down")
	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
