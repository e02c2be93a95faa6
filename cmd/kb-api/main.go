package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kbforge/kbforge/cmd/kb-api/handlers"
	"github.com/kbforge/kbforge/internal/cache"
	"github.com/kbforge/kbforge/internal/catalog"
	"github.com/kbforge/kbforge/internal/config"
	"github.com/kbforge/kbforge/internal/draft"
	"github.com/kbforge/kbforge/internal/observability"
	"github.com/kbforge/kbforge/internal/orchestrator"
	"github.com/kbforge/kbforge/internal/source"
	"github.com/kbforge/kbforge/internal/storage"
	"github.com/kbforge/kbforge/internal/vector"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("database", cfg.Database.Driver).
		Str("vector", cfg.Vector.Adapter).
		Str("kv", cfg.Redis.Driver).
		Msg("starting kbforge API")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("open catalog database")
	}
	defer db.Close()
	repos := storage.NewRepositories(db)

	var kv cache.Client
	if cfg.Redis.Driver == "redis" {
		kv, err = cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("connect redis")
		}
	} else {
		kv = cache.NewMemoryClient(0)
	}
	defer kv.Close()

	vectors, err := vector.NewProvider(cfg.Vector.Adapter, vector.QdrantConfig{
		Host:   cfg.Vector.Qdrant.Host,
		Port:   cfg.Vector.Qdrant.Port,
		APIKey: cfg.Vector.Qdrant.APIKey,
		UseTLS: cfg.Vector.Qdrant.UseTLS,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("configure vector backend")
	}

	// Credential resolution and cloud providers are external collaborators;
	// the registry ships with none wired and rejects cloud sources until a
	// deployment registers its providers.
	sources := source.Defaults(nil)

	draftStore := draft.NewStore(kv)
	catalogSvc := catalog.NewService(repos, vectors, logger)

	orch := orchestrator.New(repos, vectors, kv, sources, draftStore, orchestrator.Config{
		Workers:           cfg.Pipeline.Workers,
		SourceConcurrency: cfg.Pipeline.SourceConcurrency,
		EmbedBatchSize:    cfg.Pipeline.EmbedBatchSize,
		IngestTimeout:     cfg.Pipeline.IngestTimeout,
		ParseTimeout:      cfg.Pipeline.ParseTimeout,
		EmbedTimeout:      cfg.Pipeline.EmbedTimeout,
		IndexTimeout:      cfg.Pipeline.IndexTimeout,
		StageLogLimit:     cfg.Pipeline.StageLogLimit,
		ReconcileInterval: cfg.Pipeline.ReconcileInterval,
		MaxConcurrentRuns: cfg.Quotas.MaxConcurrentRuns,
		MaxChunksPerKB:    cfg.Quotas.MaxChunksPerKB,
		MaxTotalVectors:   cfg.Quotas.MaxTotalVectors,
	}, logger)
	catalogSvc.SetScheduler(orch)

	draftSvc := draft.NewService(draftStore, kv, sources, orch, draft.Config{
		DefaultTTL:    cfg.Draft.DefaultTTL,
		MaxTTL:        cfg.Draft.MaxTTL,
		PreviewPages:  cfg.Draft.PreviewPages,
		PreviewChunks: cfg.Draft.PreviewChunks,
	}, logger)

	if err := orch.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start orchestrator")
	}
	defer orch.Stop()

	sweeper := draft.NewSweeper(draftStore, cfg.Draft.SweepInterval, logger)
	go sweeper.Run(ctx)

	router := NewRouter(logger, cfg.Server.ReadTimeout,
		handlers.NewDraftHandler(logger, draftSvc),
		handlers.NewRunHandler(logger, orch),
		handlers.NewKBHandler(logger, catalogSvc, sources),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		logger.Error().Err(err).Msg("server error")
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		_ = srv.Close()
	}
	logger.Info().Msg("server stopped")
}
