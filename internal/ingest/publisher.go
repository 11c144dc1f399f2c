package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kbpipeline/retrieval-platform/internal/store"
	"github.com/kbpipeline/retrieval-platform/pkg/apperrors"
	"github.com/kbpipeline/retrieval-platform/pkg/kafka"
	"github.com/kbpipeline/retrieval-platform/pkg/logger"
)

// DocumentLifecycle is the slice of the document store the publisher needs.
type DocumentLifecycle interface {
	Create(ctx context.Context, doc *store.Document) error
	Get(ctx context.Context, id string) (*store.Document, error)
	SetStatus(ctx context.Context, id string, status store.Status) error
	Delete(ctx context.Context, id string) error
}

// Publisher is the gateway-side entry point to the pipeline: it records
// document lifecycle changes in the store and emits the Kafka events that
// drive the ingest workers and the index owner.
type Publisher struct {
	docs      DocumentLifecycle
	ingestOut EventSink
	indexOut  EventSink
}

// NewPublisher wires a Publisher. ingestOut publishes to the
// document-ingest topic, indexOut to index-update.
func NewPublisher(docs DocumentLifecycle, ingestOut, indexOut EventSink) *Publisher {
	return &Publisher{
		docs:      docs,
		ingestOut: ingestOut,
		indexOut:  indexOut,
	}
}

// Submit registers a new document in pending state and triggers its
// ingestion.
func (p *Publisher) Submit(ctx context.Context, title, uploaderID string) (*store.Document, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, 400, "document title is required")
	}
	doc := &store.Document{
		ID:         uuid.NewString(),
		Title:      title,
		UploaderID: uploaderID,
		Status:     store.StatusPending,
	}
	if err := p.docs.Create(ctx, doc); err != nil {
		return nil, err
	}
	if err := p.publishIngest(ctx, doc); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("document submitted",
		"document_id", doc.ID,
		"title", doc.Title,
	)
	return doc, nil
}

// Reingest evicts the document's current index entries, resets it to
// pending, and triggers a fresh pipeline run. Eviction comes first: if the
// rerun fails, queries must not keep serving the stale chunk set of a
// document now marked failed.
func (p *Publisher) Reingest(ctx context.Context, documentID string) (*store.Document, error) {
	doc, err := p.docs.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := p.publishRemove(ctx, documentID); err != nil {
		return nil, err
	}
	if err := p.docs.SetStatus(ctx, documentID, store.StatusPending); err != nil {
		return nil, err
	}
	doc.Status = store.StatusPending
	if err := p.publishIngest(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Delete removes a document and its chunks from the store and instructs
// the index owner to evict its entries. Results for the document stop
// appearing once the removal event is applied.
func (p *Publisher) Delete(ctx context.Context, documentID string) error {
	if err := p.docs.Delete(ctx, documentID); err != nil {
		return err
	}
	if err := p.publishRemove(ctx, documentID); err != nil {
		return err
	}
	logger.FromContext(ctx).Info("document deleted", "document_id", documentID)
	return nil
}

func (p *Publisher) publishRemove(ctx context.Context, documentID string) error {
	err := p.indexOut.Publish(ctx, kafka.Event{
		Key:   documentID,
		Value: IndexUpdateEvent{DocumentID: documentID, Op: OpRemove},
	})
	if err != nil {
		return fmt.Errorf("publishing index removal for %s: %w", documentID, err)
	}
	return nil
}

func (p *Publisher) publishIngest(ctx context.Context, doc *store.Document) error {
	err := p.ingestOut.Publish(ctx, kafka.Event{
		Key:   doc.ID,
		Value: DocumentIngestEvent{DocumentID: doc.ID, Title: doc.Title},
	})
	if err != nil {
		return fmt.Errorf("publishing ingest event for %s: %w", doc.ID, err)
	}
	return nil
}
