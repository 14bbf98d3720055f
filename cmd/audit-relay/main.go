// Package main provides the audit relay entry point. It drains the audit
// outbox written by the visit API into the visit.audit topic.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clinicops/visitauth/internal/config"
	"github.com/clinicops/visitauth/internal/infrastructure/postgres"
	"github.com/clinicops/visitauth/internal/infrastructure/redpanda"
	"github.com/clinicops/visitauth/internal/observability/metrics"
	"github.com/clinicops/visitauth/internal/observability/tracing"
)

const (
	serviceName = "audit-relay"
	// metricsAddr serves /metrics and /ready for the relay
	metricsAddr = ":9102"

	statsInterval = 30 * time.Second
	// processed rows are already in the topic; keep a week for replays
	processedRetention = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.LoadRelay()
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
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}
	logger.Info("connected to database")

	// Make sure the audit topics exist before relaying into them
	admin, err := redpanda.NewAdmin(cfg.Broker.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Broker.Brokers

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Broker.Brokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.BatchSize = cfg.Outbox.BatchSize
	outboxCfg.PollInterval = cfg.Outbox.PollInterval
	outboxCfg.MaxRetries = cfg.Outbox.MaxRetries
	outboxCfg.DeadLetterTopic = redpanda.TopicAuditDeadLetter
	outbox := postgres.NewOutbox(pool, &producerAdapter{producer: producer, metrics: m}, outboxCfg, logger)

	outbox.Start()

	statsCtx, stopStats := context.WithCancel(ctx)
	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		reportStats(statsCtx, outbox, m, logger)
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
		if err := redpanda.HealthCheck(r.Context(), cfg.Broker.Brokers); err != nil {
			http.Error(w, "broker not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	server := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopStats()
	<-statsDone
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
}

// reportStats publishes the outbox backlog and prunes relayed rows
func reportStats(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := outbox.GetStats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			m.SetOutboxPending(stats.Pending)
			if stats.Failed > 0 {
				logger.Warn("audit records awaiting dead letter",
					zap.Int64("failed", stats.Failed))
			}

			if n, err := outbox.CleanupProcessed(ctx, processedRetention); err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("pruned relayed audit records", zap.Int64("rows", n))
			}
		}
	}
}

// producerAdapter adapts the Redpanda producer to the OutboxPublisher interface
type producerAdapter struct {
	producer *redpanda.Producer
	metrics  *metrics.Metrics
}

func (a *producerAdapter) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := a.producer.ProduceMessage(ctx, topic, key, value); err != nil {
		return err
	}
	a.metrics.AuditProduced()
	return nil
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
