package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/contextstore"
	"github.com/engramdev/engram/internal/llm"
	"github.com/engramdev/engram/internal/pipeline"
	"github.com/engramdev/engram/internal/primer"
	"github.com/engramdev/engram/internal/retrieval"
	"github.com/engramdev/engram/internal/rpc"
	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/storage/postgres"
	"github.com/engramdev/engram/internal/telemetry"
	"github.com/engramdev/engram/internal/ttl"
	"github.com/engramdev/engram/internal/worker"
)

// storeCommandTimeout bounds every statement server-side.
const storeCommandTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory store server",
	Long: `Starts the full system: PostgreSQL store (schema applied idempotently),
LLM gateway, ingestion worker, TTL daemon, and the production and admin tool
servers. Configuration comes from the environment; DATABASE_URL and
OPENAI_API_KEY are required.

Exits 0 on SIGINT/SIGTERM after draining, non-zero only on startup failure.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(rootCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verboseFlag {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // stderr sync failure is unactionable

	if err := telemetry.Init(ctx, "engram", version); err != nil {
		logger.Warn("telemetry disabled", zap.Error(err))
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutCtx)
	}()

	store, err := postgres.Open(ctx, postgres.Options{
		URL:              cfg.DatabaseURL,
		MinConns:         int32(cfg.PGPoolMin),
		MaxConns:         int32(cfg.PGPoolMax),
		EmbedDim:         cfg.EmbedDim,
		CommandTimeoutMS: int(storeCommandTimeout / time.Millisecond),
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()
	db := telemetry.WrapStorage(store)

	gateway, err := llm.New(llm.Options{
		APIKey:            cfg.OpenAIAPIKey,
		EmbeddingModel:    cfg.EmbeddingModel,
		ExtractModel:      cfg.ExtractModel,
		ConflictModel:     cfg.ConflictModel,
		ExtractReasoning:  cfg.ExtractReasoning,
		ConflictReasoning: cfg.ConflictReasoning,
		EmbedDim:          cfg.EmbedDim,
		Timeout:           cfg.OpenAITimeout,
		MaxAttempts:       cfg.OpenAIMaxRetries,
		MaxConcurrent:     cfg.MaxConcurrentAPICalls,
		MinSectionLength:  cfg.MinSectionLength,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("llm gateway: %w", err)
	}

	synthesizer := primer.New(db, gateway, logger)
	searcher := retrieval.NewSearcher(db, gateway, cfg.DefaultSearchLimit, logger)
	contexts := contextstore.New(db, contextstore.Options{
		DefaultTTLHours: cfg.ContextDefaultTTLHours,
		MaxKeyLength:    cfg.ContextMaxKeyLength,
		MaxValueLength:  cfg.ContextMaxValueLength,
	}, logger)
	ingest := pipeline.New(db, gateway, synthesizer, pipeline.Options{
		DupThreshold:       cfg.DupThreshold,
		ConflictThreshold:  cfg.ConflictThreshold,
		RelatesToThreshold: cfg.RelatesToThreshold,
		MaxTaxonomyPaths:   cfg.MaxTaxonomyPaths,
	}, logger)
	jobs := worker.New(db, ingest, worker.Options{}, logger)
	aging := ttl.New(db, synthesizer, ttl.Options{
		StagingRetentionDays: cfg.StagingRetentionDays,
	}, logger)

	// A fresh database has no primer yet; synthesize one before serving so
	// initialize_context never comes up empty.
	if _, err := db.ActivePrimer(ctx); errors.Is(err, storage.ErrNotFound) {
		logger.Info("no active primer, synthesizing initial one")
		if err := synthesizer.Refresh(ctx, true); err != nil {
			logger.Warn("initial primer synthesis failed", zap.Error(err))
		}
	} else if err != nil {
		return fmt.Errorf("primer probe: %w", err)
	}

	production := rpc.NewHTTPServer(
		rpc.NewServer(db, gateway, searcher, contexts, synthesizer, rpc.Options{
			Version:          version,
			MaxMemorizeChars: cfg.MaxMemorizeTextLength,
			EmbedDim:         cfg.EmbedDim,
		}, logger.Named("production")),
		fmt.Sprintf(":%d", cfg.ProductionPort), cfg.APIKey, logger.Named("production"))

	admin := rpc.NewHTTPServer(
		rpc.NewServer(db, gateway, searcher, contexts, synthesizer, rpc.Options{
			Admin:            true,
			Version:          version,
			MaxMemorizeChars: cfg.MaxMemorizeTextLength,
			EmbedDim:         cfg.EmbedDim,
		}, logger.Named("admin")),
		fmt.Sprintf(":%d", cfg.AdminPort), cfg.APIKey, logger.Named("admin"))

	logger.Info("engram starting",
		zap.String("version", version),
		zap.Int("production_port", cfg.ProductionPort),
		zap.Int("admin_port", cfg.AdminPort),
		zap.Int("embed_dim", cfg.EmbedDim))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return production.Start(gctx) })
	g.Go(func() error { return admin.Start(gctx) })
	g.Go(func() error { return jobs.Run(gctx) })
	g.Go(func() error { return aging.Run(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("engram stopped")
	return nil
}
