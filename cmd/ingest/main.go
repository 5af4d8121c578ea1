package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/p-n-ai/pai-ingest/internal/curriculum"
	"github.com/p-n-ai/pai-ingest/internal/ingest"
	"github.com/p-n-ai/pai-ingest/internal/platform/cache"
	"github.com/p-n-ai/pai-ingest/internal/platform/config"
	"github.com/p-n-ai/pai-ingest/internal/platform/database"
	"github.com/p-n-ai/pai-ingest/internal/platform/retry"
	"github.com/p-n-ai/pai-ingest/internal/report"
	"github.com/p-n-ai/pai-ingest/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	// Stop scheduling new subtopics on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ingestion aborted", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Ingest.Migrate {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("schema applied")
	}

	st, err := store.NewPostgresStore(db.Pool)
	if err != nil {
		return err
	}

	opts, closeCache, err := pipelineOptions(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()
	opts = append(opts,
		ingest.WithEvents(ingest.NewPostgresEventLogger(db.Pool)),
		ingest.WithPreflight(db),
	)

	corpus := curriculum.NewCorpus(cfg.Ingest.ContentRoot, logger)
	summary, err := ingest.New(corpus, st, opts...).Run(ctx)
	if summary != nil {
		summary.Log(logger)
		if cfg.Ingest.ReportPath != "" {
			if rerr := report.Write(cfg.Ingest.ReportPath, summary); rerr != nil {
				logger.Error("failed to write report", "path", cfg.Ingest.ReportPath, "error", rerr)
			} else {
				logger.Info("report written", "path", cfg.Ingest.ReportPath)
			}
		}
	}
	return err
}

var (
	_ ingest.IDCache = (*cache.Cache)(nil)
	_ ingest.Claimer = (*cache.Cache)(nil)

	_ ingest.HealthChecker = (*database.DB)(nil)
	_ ingest.HealthChecker = (*cache.Cache)(nil)
)

// pipelineOptions translates configuration into pipeline options. The returned
// func closes the cache connection, if one was opened.
func pipelineOptions(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]ingest.Option, func(), error) {
	flows := make([]ingest.Flow, 0, len(cfg.Ingest.Flows))
	for _, name := range cfg.Ingest.Flows {
		f, err := ingest.FlowByName(name)
		if err != nil {
			return nil, nil, err
		}
		flows = append(flows, f)
	}

	policy := retry.Fixed(cfg.Ingest.MaxAttempts, cfg.Ingest.RetryDelay)
	policy.Logger = logger

	opts := []ingest.Option{
		ingest.WithLogger(logger),
		ingest.WithFlows(flows...),
		ingest.WithWorkers(cfg.Ingest.Workers),
		ingest.WithBatchSize(cfg.Ingest.BatchSize),
		ingest.WithWritePolicy(policy),
		ingest.WithHierarchyPolicy(policy),
	}

	if !cfg.HasCache() {
		return opts, func() {}, nil
	}
	c, err := cache.New(ctx, cfg.Cache.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to cache: %w", err)
	}
	logger.Info("cache enabled", "claim_ttl", cfg.Ingest.ClaimTTL)
	opts = append(opts,
		ingest.WithIDCache(c),
		ingest.WithClaimer(c, cfg.Ingest.ClaimTTL),
		ingest.WithPreflight(c),
	)
	return opts, func() { c.Close() }, nil
}

// newLogger builds the process logger from configuration. Values are
// validated by config.Validate; unknown ones fall back to info/json.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
