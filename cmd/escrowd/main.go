package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"escrowflow/audit"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/engine"
	"escrowflow/jobs"
	"escrowflow/ledger"
	"escrowflow/metrics"
	"escrowflow/policy"
	"escrowflow/rules"
	"escrowflow/timer"
)

// evidenceAutoPass accepts every raised issue. Evidence storage lives in an
// external collaborator; the engine only consumes its verdict.
type evidenceAutoPass struct{}

func (evidenceAutoPass) ValidateForIssue(context.Context, string, dispute.ReasonCode, bool) (bool, error) {
	return true, nil
}

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("bootstrap logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	audits := audit.NewStore()
	ledgers := ledger.NewStore(audits)
	policies := policy.NewStore()
	timers := timer.NewRegistry()

	disputes := dispute.NewService(pool, policies, audits, timers, evidenceAutoPass{}, logger)
	eng := engine.NewService(pool, engine.NewPgStore(policies, ledgers, audits, timers, disputes, logger), logger)

	runner := jobs.NewRunner(eng, jobs.NewPgStore(pool, timers), jobs.Intervals{
		AutoApprove:     cfg.AutoApproveInterval,
		HoldbackRelease: cfg.HoldbackReleaseInterval,
		DisputeTTL:      cfg.DisputeTTLInterval,
	}, logger)

	logger.Info("escrow engine ready",
		zap.String("rules", rules.Version),
		zap.String("metrics_addr", cfg.MetricsAddr))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return runner.Run(ctx)
	})
	group.Go(func() error {
		return serveMetrics(ctx, cfg.MetricsAddr, reg, logger)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("escrow engine stopped", zap.Error(err))
	}
	logger.Info("escrow engine shut down")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
		return ctx.Err()
	case err := <-errc:
		return err
	}
}
