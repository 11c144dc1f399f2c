// The retrieval service answers queries against the knowledge base. It
// owns the in-process vector index (bootstrapped from snapshot or store,
// kept current by the index-update consumer), the query cache, and the
// live filter automaton, and serves the query and dictionary-admin APIs.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kbpipeline/retrieval-platform/internal/admin"
	"github.com/kbpipeline/retrieval-platform/internal/filter"
	"github.com/kbpipeline/retrieval-platform/internal/provider"
	"github.com/kbpipeline/retrieval-platform/internal/retrieval"
	"github.com/kbpipeline/retrieval-platform/internal/store"
	"github.com/kbpipeline/retrieval-platform/internal/vecindex"
	"github.com/kbpipeline/retrieval-platform/pkg/config"
	"github.com/kbpipeline/retrieval-platform/pkg/health"
	"github.com/kbpipeline/retrieval-platform/pkg/kafka"
	"github.com/kbpipeline/retrieval-platform/pkg/logger"
	"github.com/kbpipeline/retrieval-platform/pkg/metrics"
	"github.com/kbpipeline/retrieval-platform/pkg/middleware"
	"github.com/kbpipeline/retrieval-platform/pkg/postgres"
	pkgredis "github.com/kbpipeline/retrieval-platform/pkg/redis"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.WithComponent("retrieval-main")

	m := metrics.New()

	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	docs := store.NewDocumentStore(pg)
	chunks := store.NewChunkStore(pg)
	dict := store.NewDictionaryStore(pg)

	// Redis is optional: without it the query cache runs in-process only.
	var redisClient *pkgredis.Client
	if cfg.Cache.RedisEnabled {
		redisClient, err = pkgredis.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("redis unavailable, continuing with in-process cache only", "error", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	index := vecindex.New(vecindex.Params{
		Dimension:      cfg.Index.Dimension,
		M:              cfg.Index.M,
		EfConstruction: cfg.Index.EfConstruction,
		EfSearch:       cfg.Index.EfSearch,
	})
	if err := retrieval.Bootstrap(ctx, index, chunks, cfg.Index.DataDir); err != nil {
		log.Error("failed to bootstrap index", "error", err)
		os.Exit(1)
	}
	m.IndexEntries.Set(float64(index.Len()))

	f := filter.New()
	entries, err := dict.List(ctx)
	if err != nil {
		log.Error("failed to load dictionary", "error", err)
		os.Exit(1)
	}
	if err := f.Rebuild(entries); err != nil {
		log.Error("failed to build filter automaton", "error", err)
		os.Exit(1)
	}
	m.FilterGeneration.Set(float64(f.Generation()))
	m.DictionaryEntries.Set(float64(f.EntryCount()))

	providers := provider.NewClients(cfg.Providers)
	cache := retrieval.NewCache(cfg.Cache.Capacity, redisClient)
	orchestrator := retrieval.NewOrchestrator(
		index, chunks,
		providers.Embedder, providers.Generator,
		f, cache,
		cfg.Retrieval, cfg.Cache.TTL, m,
	)

	applier := retrieval.NewApplier(index, chunks, docs, m)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.IndexUpdate, applier.Handler())
	go func() {
		if err := consumer.Start(ctx); err != nil {
			log.Error("index consumer stopped with error", "error", err)
			stop()
		}
	}()

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := pg.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	if redisClient != nil {
		checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
			if err := redisClient.Ping(ctx); err != nil {
				// Degraded, not down: the L1 cache still works.
				return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
	}

	mux := http.NewServeMux()
	retrieval.NewHandler(orchestrator).Register(mux)
	admin.NewHandler(dict, f, m).Register(mux)
	mux.HandleFunc("GET /healthz", checker.LiveHandler())
	mux.HandleFunc("GET /readyz", checker.ReadyHandler())

	chain := middleware.RequestID(
		middleware.Metrics(m)(
			middleware.Timeout(cfg.Retrieval.RequestBudget)(mux),
		),
	)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var metricsShutdown func(context.Context) error
	if cfg.Metrics.Enabled {
		metricsShutdown = metrics.StartServer(cfg.Metrics.Port)
	}

	go func() {
		log.Info("retrieval service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}
	if metricsShutdown != nil {
		if err := metricsShutdown(shutdownCtx); err != nil {
			log.Error("metrics server shutdown failed", "error", err)
		}
	}

	// Snapshot last so the file reflects every applied index event.
	if err := index.Snapshot(retrieval.SnapshotPath(cfg.Index.DataDir)); err != nil {
		log.Error("failed to write index snapshot", "error", err)
	} else {
		log.Info("index snapshot written",
			"entries", index.Len(),
			"kb_version", index.Version(),
		)
	}
	log.Info("retrieval service stopped")
}
