// Package main provides the visit API service entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clinicops/visitauth/internal/api/handlers"
	"github.com/clinicops/visitauth/internal/api/middleware"
	"github.com/clinicops/visitauth/internal/authority"
	"github.com/clinicops/visitauth/internal/config"
	"github.com/clinicops/visitauth/internal/domain/errs"
	"github.com/clinicops/visitauth/internal/domain/verification"
	"github.com/clinicops/visitauth/internal/domain/visit"
	"github.com/clinicops/visitauth/internal/infrastructure/postgres"
	"github.com/clinicops/visitauth/internal/observability/metrics"
	"github.com/clinicops/visitauth/internal/observability/tracing"
	"github.com/clinicops/visitauth/internal/workflow"
	"github.com/clinicops/visitauth/pkg/circuitbreaker"
	"github.com/clinicops/visitauth/pkg/idempotency"
)

const serviceName = "visit-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.OTLPEndpoint = cfg.Tracing.OTLPEndpoint
	traceCfg.Environment = cfg.Tracing.Environment
	traceCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}
	logger.Info("connected to database")

	// Insurance authority: token cache, breaker, rate-limited client
	fetcher := authority.NewHTTPFetcher(nil, cfg.Facility.TokenURL(), cfg.Facility.ClientID, cfg.Facility.ClientSecret)
	tokens := authority.NewTokenCache(fetcher, cfg.Facility.TokenMargin, cfg.Facility.RequestTimeout, logger, m)

	breakerCfg := circuitbreaker.DefaultConfig("insurance-authority")
	breakerCfg.IsFailure = authority.IsTransportFailure
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		m.SetBreakerState(name, string(to))
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker init failed", zap.Error(err))
	}

	authorityClient := authority.NewClient(authority.ClientConfig{
		BaseURL:      cfg.Facility.BaseURL,
		VerifyPath:   cfg.Facility.VerifyPath,
		FacilityCode: cfg.Facility.Code,
		Timeout:      cfg.Facility.RequestTimeout,
		RateLimit:    cfg.Facility.RateLimit,
		Burst:        cfg.Facility.RateBurst,
	}, tokens, nil, breaker, logger)

	// Initialize repositories and the workflow engine
	visits := visit.NewRepository(pool, logger)
	verifications := verification.NewRepository(pool, logger)
	engine := workflow.NewEngine(visits, verifications, authorityClient, postgres.NewOutboxSink(pool), logger, m)

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.IsTerminal = func(err error) bool {
		return errors.Is(err, errs.ErrValidation) ||
			errors.Is(err, errs.ErrNotFound) ||
			errors.Is(err, errs.ErrInvalidTransition)
	}
	inbox := idempotency.NewInbox(pool, inboxCfg, logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	visitHandler := handlers.NewVisitHandler(engine, inbox, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	if cfg.Server.RateLimit > 0 {
		r.Use(httprate.LimitByIP(cfg.Server.RateLimit, time.Minute))
	}

	// Health and metrics (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.Server.APIKeys))
		r.Mount("/visits", visitHandler.Routes())
	})

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
		// authority calls take up to 10s; leave room for the rest of the request
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting visit API",
		zap.String("port", cfg.Server.Port),
		zap.String("facility", cfg.Facility.Code))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build(zap.Fields(zap.String("service", serviceName)))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":%q,"version":"1.0.0"}`, serviceName)
}
