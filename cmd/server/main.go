package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/nextrade-api/internal/approval"
	"github.com/ksred/nextrade-api/internal/auth"
	"github.com/ksred/nextrade-api/internal/checkpoint"
	"github.com/ksred/nextrade-api/internal/config"
	"github.com/ksred/nextrade-api/internal/database"
	"github.com/ksred/nextrade-api/internal/events"
	"github.com/ksred/nextrade-api/internal/execution"
	"github.com/ksred/nextrade-api/internal/guardrails"
	"github.com/ksred/nextrade-api/internal/ledger"
	"github.com/ksred/nextrade-api/internal/loopguard"
	"github.com/ksred/nextrade-api/internal/resilience"
	"github.com/ksred/nextrade-api/internal/tools"
	"github.com/ksred/nextrade-api/internal/workflow"
	"github.com/ksred/nextrade-api/pkg/middleware"
)

// setupLogging switches to pretty console output outside production and
// enables debug level when configured.
func setupLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	store, closeStore, err := newCheckpointStore(ctx, cfg, db)
	if err != nil {
		zlog.Fatal().Err(err).Str("backend", cfg.Checkpoint.Backend).Msg("Failed to initialize checkpoint store")
	}
	defer closeStore()

	publisher, closePublisher := newPublisher(cfg)
	defer closePublisher()

	ledgerService := ledger.NewService(db, ledger.WithPublisher(publisher))
	memo := execution.NewOrderMemo(checkpoint.NewMemoryStore())
	executor := execution.NewExecutor(ledgerService, memo, store)

	registry := tools.NewRegistry()
	if err := tools.RegisterLedger(registry, ledgerService); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to register ledger tools")
	}
	if err := tools.RegisterTrading(registry, executor, memo, time.Now); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to register trading tools")
	}
	for _, name := range cfg.Approval.RiskyTools {
		if err := registry.Tag(name, tools.CapRequiresApproval); err != nil {
			zlog.Fatal().Err(err).Str("tool", name).Msg("Failed to mark tool as requiring approval")
		}
	}

	gate := approval.NewGate(registry, store, approval.WithTimeout(cfg.Approval.Timeout))
	go approval.NewExpirer(gate, cfg.Approval.SweepInterval).Start(ctx)

	guard := loopguard.New(loopguard.Config{
		MaxIterations:  cfg.LoopGuard.MaxIterations,
		PatternWindow:  cfg.LoopGuard.PatternWindow,
		SequenceLength: cfg.LoopGuard.SequenceLength,
		StuckThreshold: cfg.LoopGuard.StuckThreshold,
		HistoryLimit:   cfg.LoopGuard.HistoryLimit,
	})

	model := workflow.NewResilientModel(
		workflow.RuleModel{},
		resilience.RetryConfig{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Multiplier:  cfg.Retry.Multiplier,
			Jitter:      cfg.Retry.Jitter,
		},
		resilience.NewCircuitBreaker("model", cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout),
	)
	safety := guardrails.New(guardrails.WithMaxInputLength(cfg.Guardrails.MaxInputLength))
	runner := workflow.NewRunner(model, registry, gate, guard, store,
		workflow.WithMaxSteps(cfg.Workflow.MaxSteps),
		workflow.WithGuardrails(safety),
	)

	authService := auth.NewService(cfg.Auth.JWTSecret)
	authService.RegisterAPICredentials(cfg.Auth.APIKey, cfg.Auth.APISecret, "")

	rateLimiter := middleware.NewRateLimiter()
	go rateLimiter.Cleanup(ctx)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	setupRoutes(router, authService, rateLimiter,
		auth.NewGinHandlers(authService),
		workflow.NewGinHandlers(runner),
		ledger.NewGinHandlers(ledgerService),
	)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("port", cfg.HTTP.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

func newCheckpointStore(ctx context.Context, cfg *config.Config, db *gorm.DB) (checkpoint.Store, func(), error) {
	switch cfg.Checkpoint.Backend {
	case config.BackendRedis:
		client, err := checkpoint.ConnectRedis(ctx, cfg.Checkpoint.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return checkpoint.NewRedisStore(client, cfg.Checkpoint.TTL), func() { client.Close() }, nil
	case config.BackendMemory:
		zlog.Warn().Msg("Using in-memory checkpoints; pending approvals will not survive a restart")
		return checkpoint.NewMemoryStore(), func() {}, nil
	default:
		return checkpoint.NewGormStore(db), func() {}, nil
	}
}

func newPublisher(cfg *config.Config) (events.Publisher, func()) {
	if len(cfg.Kafka.Brokers) == 0 {
		return events.Nop{}, func() {}
	}
	p, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		zlog.Fatal().Err(err).Strs("brokers", cfg.Kafka.Brokers).Msg("Failed to create fill publisher")
	}
	return p, func() {
		if err := p.Close(); err != nil {
			zlog.Error().Err(err).Msg("Failed to close fill publisher")
		}
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		zlog.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// setupRoutes registers the public auth endpoint and the JWT protected
// chat, approval and ledger endpoints.
func setupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	rateLimiter *middleware.RateLimiter,
	authHandlers *auth.GinHandlers,
	workflowHandlers *workflow.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		authGroup.Use(rateLimiter.Middleware())
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(authService), rateLimiter.Middleware())
		{
			protected.POST("/chat", middleware.RequirePermission(auth.PermissionChat), workflowHandlers.ChatHandler())
			protected.POST("/approve", middleware.RequirePermission(auth.PermissionTrade), workflowHandlers.ApproveHandler())
			protected.GET("/threads/:thread_id", workflowHandlers.GetThreadHandler())
			protected.GET("/threads/:thread_id/approval", workflowHandlers.GetApprovalHandler())

			protected.GET("/portfolio", ledgerHandlers.GetPortfolioHandler())
			protected.GET("/orders", ledgerHandlers.ListOrdersHandler())
			protected.GET("/orders/:order_id", ledgerHandlers.GetOrderHandler())
			protected.GET("/trades", ledgerHandlers.ListTradesHandler())
			protected.GET("/stats", ledgerHandlers.StatsHandler())
		}
	}
}
