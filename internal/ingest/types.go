// Package ingest runs documents through the ingestion pipeline: fetch
// parsed text, chunk, embed, persist, and hand off to the vector index via
// Kafka. Stages run strictly in order per document; documents are
// processed concurrently by a bounded worker pool.
package ingest

// DocumentIngestEvent triggers ingestion of one document. Published by the
// gateway on upload and re-ingestion; keyed by document id so events for
// the same document stay ordered.
type DocumentIngestEvent struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
}

// Index update operations.
const (
	OpApply  = "apply"
	OpRemove = "remove"
)

// IndexUpdateEvent instructs the retrieval service to reconcile the vector
// index for one document. OpApply replaces the document's entries with the
// chunk set currently persisted; OpRemove evicts them.
type IndexUpdateEvent struct {
	DocumentID string `json:"document_id"`
	Op         string `json:"op"`
}
