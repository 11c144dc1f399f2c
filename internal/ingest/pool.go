package ingest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kbpipeline/retrieval-platform/pkg/apperrors"
	"github.com/kbpipeline/retrieval-platform/pkg/kafka"
	"github.com/kbpipeline/retrieval-platform/pkg/metrics"
)

// Pool processes ingestion jobs with a fixed number of workers and a
// bounded queue. A full queue rejects the job with ErrQueueFull instead of
// buffering without limit; the Kafka handler propagates that so the
// message stays uncommitted and is redelivered once capacity frees up.
type Pool struct {
	pipeline *Pipeline
	jobs     chan DocumentIngestEvent
	workers  int
	metrics  *metrics.Metrics
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewPool creates a Pool with the given worker count and queue depth.
func NewPool(pipeline *Pipeline, workers, queueDepth int, m *metrics.Metrics) *Pool {
	return &Pool{
		pipeline: pipeline,
		jobs:     make(chan DocumentIngestEvent, queueDepth),
		workers:  workers,
		metrics:  m,
		logger:   slog.Default().With("component", "ingest-pool"),
	}
}

// Start launches the workers. They drain the queue until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("ingest pool started",
		"workers", p.workers,
		"queue_depth", cap(p.jobs),
	)
}

// TrySubmit enqueues a job without blocking. Returns ErrQueueFull when the
// queue is at capacity.
func (p *Pool) TrySubmit(ev DocumentIngestEvent) error {
	select {
	case p.jobs <- ev:
		p.metrics.IngestQueueDepth.Set(float64(len(p.jobs)))
		return nil
	default:
		return apperrors.Newf(apperrors.ErrQueueFull, 503,
			"ingest queue at capacity (%d)", cap(p.jobs))
	}
}

// Handler adapts the pool to the Kafka consume loop.
func (p *Pool) Handler() kafka.MessageHandler {
	return func(ctx context.Context, key, value []byte) error {
		ev, err := kafka.DecodeJSON[DocumentIngestEvent](value)
		if err != nil {
			// Malformed message; commit it, redelivery cannot help.
			p.logger.Error("dropping undecodable ingest event",
				"key", string(key),
				"error", err,
			)
			return nil
		}
		return p.TrySubmit(ev)
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.jobs:
			p.metrics.IngestQueueDepth.Set(float64(len(p.jobs)))
			if err := p.pipeline.Process(ctx, ev); err != nil {
				p.logger.Error("ingestion job failed",
					"worker", id,
					"document_id", ev.DocumentID,
					"error", err,
				)
			}
		}
	}
}
