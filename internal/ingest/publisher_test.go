package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kbpipeline/retrieval-platform/internal/store"
	"github.com/kbpipeline/retrieval-platform/pkg/apperrors"
)

type fakeLifecycle struct {
	mu   sync.Mutex
	docs map[string]*store.Document
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{docs: make(map[string]*store.Document)}
}

func (f *fakeLifecycle) Create(_ context.Context, doc *store.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *doc
	f.docs[doc.ID] = &cp
	return nil
}

func (f *fakeLifecycle) Get(_ context.Context, id string) (*store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrDocumentNotFound, 404, "document %s", id)
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeLifecycle) SetStatus(_ context.Context, id string, status store.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return apperrors.Newf(apperrors.ErrDocumentNotFound, 404, "document %s", id)
	}
	doc.Status = status
	return nil
}

func (f *fakeLifecycle) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
	return nil
}

func TestSubmitRequiresTitle(t *testing.T) {
	p := NewPublisher(newFakeLifecycle(), &fakeSink{}, &fakeSink{})
	_, err := p.Submit(context.Background(), "   ", "uploader-1")
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestSubmitCreatesPendingAndPublishes(t *testing.T) {
	docs := newFakeLifecycle()
	ingestSink := &fakeSink{}
	indexSink := &fakeSink{}
	p := NewPublisher(docs, ingestSink, indexSink)

	doc, err := p.Submit(context.Background(), "field manual", "uploader-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if doc.Status != store.StatusPending {
		t.Errorf("status = %s, want pending", doc.Status)
	}
	if len(ingestSink.events) != 1 {
		t.Fatalf("published %d ingest events, want 1", len(ingestSink.events))
	}
	ev, ok := ingestSink.events[0].Value.(DocumentIngestEvent)
	if !ok || ev.DocumentID != doc.ID {
		t.Errorf("ingest event = %+v", ingestSink.events[0].Value)
	}
	if len(indexSink.events) != 0 {
		t.Errorf("submit published %d index events, want 0", len(indexSink.events))
	}
}

func TestReingestEvictsStaleEntriesFirst(t *testing.T) {
	docs := newFakeLifecycle()
	docs.docs["doc-1"] = &store.Document{ID: "doc-1", Title: "field manual", Status: store.StatusFailed}
	// One sink for both topics so cross-topic ordering is observable.
	sink := &fakeSink{}
	p := NewPublisher(docs, sink, sink)

	doc, err := p.Reingest(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Reingest: %v", err)
	}
	if doc.Status != store.StatusPending {
		t.Errorf("status = %s, want pending", doc.Status)
	}
	if len(sink.events) != 2 {
		t.Fatalf("published %d events, want removal then ingest", len(sink.events))
	}
	rm, ok := sink.events[0].Value.(IndexUpdateEvent)
	if !ok || rm.Op != OpRemove || rm.DocumentID != "doc-1" {
		t.Errorf("first event = %+v, want index removal", sink.events[0].Value)
	}
	ing, ok := sink.events[1].Value.(DocumentIngestEvent)
	if !ok || ing.DocumentID != "doc-1" {
		t.Errorf("second event = %+v, want ingest trigger", sink.events[1].Value)
	}
}

func TestReingestUnknownDocument(t *testing.T) {
	sink := &fakeSink{}
	p := NewPublisher(newFakeLifecycle(), sink, sink)

	_, err := p.Reingest(context.Background(), "nope")
	if !errors.Is(err, apperrors.ErrDocumentNotFound) {
		t.Fatalf("err = %v, want ErrDocumentNotFound", err)
	}
	if len(sink.events) != 0 {
		t.Errorf("published %d events for unknown document, want 0", len(sink.events))
	}
}

func TestDeletePublishesRemoval(t *testing.T) {
	docs := newFakeLifecycle()
	docs.docs["doc-1"] = &store.Document{ID: "doc-1", Title: "field manual", Status: store.StatusIndexed}
	indexSink := &fakeSink{}
	p := NewPublisher(docs, &fakeSink{}, indexSink)

	if err := p.Delete(context.Background(), "doc-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := docs.Get(context.Background(), "doc-1"); !errors.Is(err, apperrors.ErrDocumentNotFound) {
		t.Error("document row survived delete")
	}
	if len(indexSink.events) != 1 {
		t.Fatalf("published %d index events, want 1", len(indexSink.events))
	}
	ev, ok := indexSink.events[0].Value.(IndexUpdateEvent)
	if !ok || ev.Op != OpRemove {
		t.Errorf("index event = %+v, want removal", indexSink.events[0].Value)
	}
}
