// The gateway accepts document lifecycle requests (upload, status,
// re-ingest, delete), records them in PostgreSQL, and publishes the Kafka
// events that drive the ingest workers and the index owner.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kbpipeline/retrieval-platform/internal/gateway"
	"github.com/kbpipeline/retrieval-platform/internal/ingest"
	"github.com/kbpipeline/retrieval-platform/internal/store"
	"github.com/kbpipeline/retrieval-platform/pkg/config"
	"github.com/kbpipeline/retrieval-platform/pkg/health"
	"github.com/kbpipeline/retrieval-platform/pkg/kafka"
	"github.com/kbpipeline/retrieval-platform/pkg/logger"
	"github.com/kbpipeline/retrieval-platform/pkg/metrics"
	"github.com/kbpipeline/retrieval-platform/pkg/middleware"
	"github.com/kbpipeline/retrieval-platform/pkg/postgres"
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
	log := logger.WithComponent("gateway-main")

	m := metrics.New()

	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	ingestOut := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DocumentIngest)
	defer ingestOut.Close()
	indexOut := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexUpdate)
	defer indexOut.Close()

	docs := store.NewDocumentStore(pg)
	publisher := ingest.NewPublisher(docs, ingestOut, indexOut)
	handler := gateway.NewHandler(publisher, docs, cfg.Gateway)

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := pg.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.HandleFunc("GET /healthz", checker.LiveHandler())
	mux.HandleFunc("GET /readyz", checker.ReadyHandler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:      middleware.RequestID(middleware.Metrics(m)(mux)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var metricsShutdown func(context.Context) error
	if cfg.Metrics.Enabled {
		metricsShutdown = metrics.StartServer(cfg.Metrics.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("gateway listening", "addr", server.Addr)
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
	log.Info("gateway stopped")
}
