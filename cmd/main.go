package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/duynhne/pkg/logger/zerolog"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/matr1xp/ubereats-mcp-server/config"
	database "github.com/matr1xp/ubereats-mcp-server/internal/core"
	"github.com/matr1xp/ubereats-mcp-server/internal/core/domain"
	"github.com/matr1xp/ubereats-mcp-server/internal/core/repository"
	"github.com/matr1xp/ubereats-mcp-server/internal/gateway"
	logicv1 "github.com/matr1xp/ubereats-mcp-server/internal/logic/v1"
	v1 "github.com/matr1xp/ubereats-mcp-server/internal/web/v1"
	"github.com/matr1xp/ubereats-mcp-server/middleware"
)

func main() {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic("Configuration validation failed: " + err.Error())
	}

	// Initialize Zerolog with LOG_LEVEL from config
	zerolog.Setup(cfg.Logging.Level)

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("env", cfg.Service.Env).
		Str("port", cfg.Service.Port).
		Msg("Service starting")

	// Initialize OpenTelemetry tracing
	var tp interface{ Shutdown(context.Context) error }
	if cfg.Tracing.Enabled {
		provider, err := middleware.InitTracing(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing")
		} else {
			tp = provider
			log.Info().
				Str("endpoint", cfg.Tracing.Endpoint).
				Float64("sample_rate", cfg.Tracing.SampleRate).
				Msg("Tracing initialized")
		}
	} else {
		log.Info().Msg("Tracing disabled (TRACING_ENABLED=false)")
	}

	// Initialize Pyroscope profiling
	if cfg.Profiling.Enabled {
		if err := middleware.InitProfiling(cfg); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize profiling")
		} else {
			log.Info().
				Str("endpoint", cfg.Profiling.Endpoint).
				Msg("Profiling initialized")
			defer middleware.StopProfiling()
		}
	} else {
		log.Info().Msg("Profiling disabled (PROFILING_ENABLED=false)")
	}

	// Order ledger (pgx). An empty DATABASE_URL disables it.
	var pool *pgxpool.Pool
	var orders domain.OrderRepository
	var err error
	if cfg.Database.URL != "" {
		pool, err = database.Connect(context.Background(), cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		orders = repository.NewOrderRepository(pool)
		log.Info().Msg("Database connection pool established")
	} else {
		log.Info().Msg("Order ledger disabled (DATABASE_URL empty)")
	}

	// Session store
	var store domain.SessionStore
	switch cfg.Session.Store {
	case "postgres":
		store = repository.NewSessionStore(pool)
		log.Info().Msg("Session store: postgres")
	default:
		redisClient, err := database.ConnectRedis(context.Background(), cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		store = repository.NewRedisSessionStore(redisClient, cfg.Redis.KeyPrefix)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Session store: redis")
	}

	sessions := logicv1.NewSessionManager(
		store,
		logicv1.NewTokenSigner(cfg.Session.TokenSecret, cfg.GetSessionLifetimeDuration()),
		logicv1.SessionConfig{
			Lifetime:      cfg.GetSessionLifetimeDuration(),
			MaxSessions:   cfg.Session.MaxSessions,
			SweepInterval: cfg.GetSweepIntervalDuration(),
		},
	)
	sessions.StartSweeper()

	workflow := gateway.NewClient(gateway.Config{
		BaseURL:            cfg.Workflow.BaseURL,
		APIKey:             cfg.Workflow.APIKey,
		DefaultTimeout:     cfg.GetWorkflowTimeoutDuration(),
		ManualLoginTimeout: cfg.GetManualLoginTimeoutDuration(),
		StatusPollTimeout:  cfg.GetStatusPollTimeoutDuration(),
		FailureThreshold:   cfg.Workflow.FailureThreshold,
		Cooldown:           cfg.GetCircuitCooldownDuration(),
	})

	handler := v1.NewHandler(logicv1.NewOrderingService(sessions, workflow, orders), workflow)

	r := gin.New()
	r.Use(gin.Recovery())

	var isShuttingDown atomic.Bool

	// Tracing middleware
	r.Use(middleware.TracingMiddleware())

	// Logging middleware
	r.Use(middleware.LoggingMiddleware())

	// Prometheus middleware
	r.Use(middleware.PrometheusMiddleware())

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness check
	// Returns 503 once shutdown has started, to drain traffic before HTTP shutdown.
	r.GET("/ready", func(c *gin.Context) {
		if isShuttingDown.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "shutting_down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Metrics endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1
	handler.RegisterRoutes(r.Group("/api/v1"))

	srv := &http.Server{
		Addr:              ":" + cfg.Service.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Service.Port).Msg("Starting ordering session service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	// Fail readiness first and wait for propagation.
	isShuttingDown.Store(true)
	drainDelay := cfg.GetReadinessDrainDelayDuration()
	if drainDelay > 0 {
		log.Info().Dur("delay", drainDelay).Msg("Readiness drain delay started")
		time.Sleep(drainDelay)
		log.Info().Dur("delay", drainDelay).Msg("Readiness drain delay completed")
	}

	shutdownTimeout := cfg.GetShutdownTimeoutDuration()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	log.Info().Dur("timeout", shutdownTimeout).Msg("Shutting down server...")

	// 1. Shutdown HTTP server
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		log.Info().Msg("HTTP server shutdown complete")
	}

	// 2. Stop the sweeper and close the session store
	if err := sessions.Close(); err != nil {
		log.Error().Err(err).Msg("Session store close error")
	} else {
		log.Info().Msg("Session store closed")
	}

	// 3. Close database connections
	if pool != nil {
		pool.Close()
		log.Info().Msg("Database pool closed")
	}

	// 4. Shutdown tracer
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Tracer shutdown error")
		} else {
			log.Info().Msg("Tracer shutdown complete")
		}
	}

	log.Info().Msg("Graceful shutdown complete")
}
