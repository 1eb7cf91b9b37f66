// Command api runs the memory store HTTP service.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"engram-backend/internal/community"
	"engram-backend/internal/config"
	"engram-backend/internal/dedup"
	"engram-backend/internal/embedding"
	"engram-backend/internal/entity"
	"engram-backend/internal/graph"
	"engram-backend/internal/handlers"
	"engram-backend/internal/llm"
	"engram-backend/internal/memory"
	"engram-backend/internal/search"
	"engram-backend/internal/tasks"
	"engram-backend/pkg/observability"
)

const serviceName = "engram-backend"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	var metrics *observability.Collector
	if cfg.EnableMetrics {
		metrics = observability.NewCollector("engram")
	}

	var tracing *observability.TracerProvider
	if cfg.EnableTracing {
		tracing, err = observability.InitTracing(serviceName, cfg.Environment, cfg.TracingOTLP)
		if err != nil {
			logger.Fatal("Failed to initialize tracing", zap.Error(err))
		}
	}

	driver, err := graph.Connect(ctx, cfg.Graph.URI, cfg.Graph.Username, cfg.Graph.Password)
	if err != nil {
		logger.Fatal("Failed to connect to graph store", zap.Error(err))
	}
	defer driver.Close(ctx)

	store := graph.NewAdapter(driver, cfg.Graph.Database, logger, metrics)
	if err := store.Bootstrap(ctx, cfg.Embedding.Dimension); err != nil {
		logger.Fatal("Schema bootstrap failed", zap.Error(err))
	}
	if err := store.EnsureVectorIndexes(ctx, cfg.Embedding.Dimension); err != nil {
		logger.Warn("Vector index repair failed, continuing", zap.Error(err))
	}

	watcher, err := config.NewWatcher(cfg, logger)
	if err != nil {
		logger.Warn("Config overrides watcher unavailable", zap.Error(err))
	}

	spawner := tasks.NewSpawner(cfg.MaxBackgroundTasks, logger)
	provider := llm.NewClient(cfg.LLM, logger, metrics)
	embedder := embedding.New(cfg.Embedding, logger, metrics)

	hybrid := search.NewHybrid(store, embedder, logger)
	traversal := search.NewTraversal(store, provider, logger)
	deduper := dedup.NewEngine(cfg, hybrid, provider, logger, metrics)

	resolver := entity.NewResolver(store, embedder, provider, spawner, logger)
	extractor := entity.NewExtractor(store, resolver, provider, logger, metrics)
	entityService := entity.NewService(store, resolver, logger)

	categorizer := memory.NewCategorizer(store, provider, logger)
	memoryService := memory.NewService(cfg, store, embedder, deduper, extractor, categorizer, spawner, logger, metrics)

	builder := community.NewBuilder(store, provider, logger)

	router := handlers.NewRouter(handlers.Dependencies{
		Memory:    handlers.NewMemoryHandler(memoryService, logger),
		Search:    handlers.NewSearchHandler(hybrid, traversal, logger),
		Entity:    handlers.NewEntityHandler(entityService, logger),
		Community: handlers.NewCommunityHandler(builder, store, logger),
		Health:    handlers.NewHealthHandler(store, logger),
		Logger:    logger,
		Metrics:   metrics,
	})

	server := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("address", cfg.ServerAddress),
			zap.String("environment", cfg.Environment),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	// Let in-flight extraction and categorization finish before the driver
	// goes away.
	if err := spawner.Drain(shutdownCtx); err != nil {
		logger.Warn("Background tasks did not drain in time", zap.Error(err))
	}
	if watcher != nil {
		watcher.Stop()
	}
	if tracing != nil {
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}
	logger.Info("Shutdown complete")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsDevelopment() {
		return zap.NewDevelopment()
	}
	zapCfg := zap.NewProductionConfig()
	if level, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zapCfg.Level = level
	}
	return zapCfg.Build()
}
