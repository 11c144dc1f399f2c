package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kbpipeline/retrieval-platform/internal/chunker"
	"github.com/kbpipeline/retrieval-platform/internal/provider"
	"github.com/kbpipeline/retrieval-platform/internal/store"
	"github.com/kbpipeline/retrieval-platform/pkg/config"
	"github.com/kbpipeline/retrieval-platform/pkg/kafka"
	"github.com/kbpipeline/retrieval-platform/pkg/logger"
	"github.com/kbpipeline/retrieval-platform/pkg/metrics"
	"github.com/kbpipeline/retrieval-platform/pkg/resilience"
)

// DocumentTracker is the slice of the document store the pipeline needs to
// drive the state machine.
type DocumentTracker interface {
	SetStatus(ctx context.Context, id string, status store.Status) error
	SetFailed(ctx context.Context, id, reason string) error
}

// ChunkWriter persists a document's chunk set.
type ChunkWriter interface {
	ReplaceForDocument(ctx context.Context, documentID string, chunks []store.StoredChunk) error
}

// EventSink publishes events to a Kafka topic.
type EventSink interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Pipeline runs one document through every ingestion stage. A stage
// failure marks the document failed with a diagnostic reason and stops;
// it never leaves the document in an intermediate state.
type Pipeline struct {
	docs       DocumentTracker
	chunks     ChunkWriter
	parsedText provider.ParsedTextSource
	embedder   provider.Embedder
	indexOut   EventSink
	cfg        config.IngestConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewPipeline wires a Pipeline. indexOut publishes to the index-update
// topic consumed by the retrieval service.
func NewPipeline(
	docs DocumentTracker,
	chunks ChunkWriter,
	parsedText provider.ParsedTextSource,
	embedder provider.Embedder,
	indexOut EventSink,
	cfg config.IngestConfig,
	m *metrics.Metrics,
) *Pipeline {
	return &Pipeline{
		docs:       docs,
		chunks:     chunks,
		parsedText: parsedText,
		embedder:   embedder,
		indexOut:   indexOut,
		cfg:        cfg,
		metrics:    m,
		logger:     slog.Default().With("component", "ingest-pipeline"),
	}
}

// Process ingests one document end to end. Errors are terminal for the
// document (it is marked failed) but not for the consumer: Process returns
// nil so the triggering message is committed; redelivery would hit the
// same failure. Only infrastructure errors that merit redelivery are
// returned.
func (p *Pipeline) Process(ctx context.Context, ev DocumentIngestEvent) error {
	log := logger.FromContext(ctx).With(
		"component", "ingest-pipeline",
		"document_id", ev.DocumentID,
	)
	start := time.Now()

	text, err := p.runParsing(ctx, ev.DocumentID)
	if err != nil {
		return p.fail(ctx, log, ev.DocumentID, "parsing", err)
	}

	chs, err := p.runChunking(ctx, ev.DocumentID, text)
	if err != nil {
		return p.fail(ctx, log, ev.DocumentID, "chunking", err)
	}

	stored, err := p.runEmbedding(ctx, ev.DocumentID, chs)
	if err != nil {
		return p.fail(ctx, log, ev.DocumentID, "embedding", err)
	}

	if err := p.runIndexHandoff(ctx, ev.DocumentID, stored); err != nil {
		return p.fail(ctx, log, ev.DocumentID, "indexing", err)
	}

	log.Info("document handed off to index",
		"chunks", len(stored),
		"duration", time.Since(start),
	)
	return nil
}

func (p *Pipeline) runParsing(ctx context.Context, documentID string) (string, error) {
	defer p.stageTimer("parsing")()
	if err := p.docs.SetStatus(ctx, documentID, store.StatusParsing); err != nil {
		return "", err
	}
	return p.parsedText.FetchParsedText(ctx, documentID)
}

func (p *Pipeline) runChunking(ctx context.Context, documentID, text string) ([]chunker.Chunk, error) {
	defer p.stageTimer("chunking")()
	if err := p.docs.SetStatus(ctx, documentID, store.StatusChunking); err != nil {
		return nil, err
	}
	return chunker.Split(documentID, text, p.cfg.MaxTokensPerChunk), nil
}

// runEmbedding embeds every chunk, retrying transient failures with
// backoff. Exhausting the attempt ceiling on any chunk fails the whole
// document; a partially embedded document is never persisted.
func (p *Pipeline) runEmbedding(ctx context.Context, documentID string, chs []chunker.Chunk) ([]store.StoredChunk, error) {
	defer p.stageTimer("embedding")()
	if err := p.docs.SetStatus(ctx, documentID, store.StatusEmbedding); err != nil {
		return nil, err
	}

	retryCfg := resilience.RetryConfig{
		MaxAttempts:  p.cfg.EmbedMaxAttempts,
		InitialDelay: p.cfg.EmbedBackoff,
		MaxDelay:     p.cfg.EmbedMaxBackoff,
	}
	stored := make([]store.StoredChunk, 0, len(chs))
	for _, c := range chs {
		var (
			vec      []float32
			attempts int
		)
		err := resilience.Retry(ctx, "embed-chunk", retryCfg, func() error {
			attempts++
			var embedErr error
			vec, embedErr = p.embedder.Embed(ctx, c.Text)
			return embedErr
		})
		if attempts > 1 {
			p.metrics.EmbedRetriesTotal.Add(float64(attempts - 1))
		}
		if err != nil {
			return nil, fmt.Errorf("embedding chunk %d: %w", c.Seq, err)
		}
		stored = append(stored, store.FromChunk(c, uuid.NewString(), vec))
	}
	return stored, nil
}

// runIndexHandoff persists the chunk set, marks the document indexing, and
// publishes the apply event. The retrieval service applies the entries and
// flips the document to indexed.
func (p *Pipeline) runIndexHandoff(ctx context.Context, documentID string, stored []store.StoredChunk) error {
	defer p.stageTimer("indexing")()
	if err := p.chunks.ReplaceForDocument(ctx, documentID, stored); err != nil {
		return err
	}
	if err := p.docs.SetStatus(ctx, documentID, store.StatusIndexing); err != nil {
		return err
	}
	return p.indexOut.Publish(ctx, kafka.Event{
		Key:   documentID,
		Value: IndexUpdateEvent{DocumentID: documentID, Op: OpApply},
	})
}

func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, documentID, stage string, err error) error {
	log.Error("ingestion stage failed",
		"stage", stage,
		"error", err,
	)
	reason := fmt.Sprintf("%s: %v", stage, err)
	if dbErr := p.docs.SetFailed(ctx, documentID, reason); dbErr != nil {
		// Could not even record the failure; leave the message uncommitted.
		log.Error("failed to mark document failed", "error", dbErr)
		return dbErr
	}
	p.metrics.DocsIngestedTotal.WithLabelValues("failed").Inc()
	return nil
}

func (p *Pipeline) stageTimer(stage string) func() {
	start := time.Now()
	return func() {
		p.metrics.IngestStageSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}
