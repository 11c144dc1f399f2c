// The ingest worker consumes document-ingest events and runs each document
// through the pipeline: fetch parsed text, chunk, embed, persist, hand off
// to the index owner. A bounded worker pool caps concurrency; a full queue
// pushes back on Kafka instead of buffering without limit.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kbpipeline/retrieval-platform/internal/ingest"
	"github.com/kbpipeline/retrieval-platform/internal/provider"
	"github.com/kbpipeline/retrieval-platform/internal/store"
	"github.com/kbpipeline/retrieval-platform/pkg/config"
	"github.com/kbpipeline/retrieval-platform/pkg/kafka"
	"github.com/kbpipeline/retrieval-platform/pkg/logger"
	"github.com/kbpipeline/retrieval-platform/pkg/metrics"
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
	log := logger.WithComponent("ingestworker-main")

	m := metrics.New()

	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	providers := provider.NewClients(cfg.Providers)
	indexOut := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexUpdate)
	defer indexOut.Close()

	docs := store.NewDocumentStore(pg)
	chunks := store.NewChunkStore(pg)
	pipeline := ingest.NewPipeline(
		docs, chunks,
		providers.ParsedText, providers.Embedder,
		indexOut, cfg.Ingest, m,
	)
	pool := ingest.NewPool(pipeline, cfg.Ingest.Workers, cfg.Ingest.QueueDepth, m)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.DocumentIngest, pool.Handler())

	var metricsShutdown func(context.Context) error
	if cfg.Metrics.Enabled {
		metricsShutdown = metrics.StartServer(cfg.Metrics.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	go func() {
		if err := consumer.Start(ctx); err != nil {
			log.Error("consumer stopped with error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	pool.Wait()

	if metricsShutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := metricsShutdown(shutdownCtx); err != nil {
			log.Error("metrics server shutdown failed", "error", err)
		}
	}
	log.Info("ingest worker stopped")
}
