package ports

import (
	"context"
	"time"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
)

// EmbeddingBackend is one configured remote embedding API.
type EmbeddingBackend interface {
	EmbedBatch(ctx context.Context, texts []string, modelOverride string) ([][]float32, error)
	ModelName() string
}

// Embedder converts text batches into unit-normalized vectors, handling
// batching and transient-error retry internally.
type Embedder interface {
	Embed(ctx context.Context, texts []string, modelOverride string) ([][]float32, error)
}

// VectorIndex owns chunk vectors and their metadata.
type VectorIndex interface {
	Build(ctx context.Context, chunks []domain.Chunk) error
	Upsert(ctx context.Context, byDocument map[string][]domain.Chunk) error
	Delete(ctx context.Context, documents []string) (int, error)
	Search(ctx context.Context, query string, topK int) ([]domain.ScoredChunk, error)
	Stats(ctx context.Context) (int, error)
}

// Reranker reorders a candidate set for better precision.
type Reranker interface {
	Rerank(ctx context.Context, query string, hits []domain.ScoredChunk, topK int) ([]domain.ScoredChunk, error)
}

// ChatBackend produces completions from one prompt. GenerateStream yields
// deltas in arrival order; backends without a streaming primitive emit the
// whole answer as a single delta.
type ChatBackend interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	GenerateStream(ctx context.Context, prompt string, maxTokens int, yield func(delta string) error) error
}

// Extractor decodes raw bytes into plain text. Unsupported or malformed
// content yields empty text, never an error.
type Extractor interface {
	Extract(data []byte, ext string) string
}

// Chunker splits text into overlapping windows.
type Chunker interface {
	Split(text string) []string
}

// ContentProvider owns raw document bytes and their registry metadata.
type ContentProvider interface {
	Save(ctx context.Context, name string, content []byte, uploadedBy string) (domain.StoredDocument, error)
	Get(ctx context.Context, name string, includeContent bool) (domain.StoredDocument, error)
	List(ctx context.Context) ([]domain.StoredDocument, error)
	Delete(ctx context.Context, name string) error
	UpdateVectorRefs(ctx context.Context, name string, refs []string) error
}

// StatusSink records job status and ingest events. All methods are
// best-effort: failures are logged by the implementation, never returned.
type StatusSink interface {
	SetStatus(ctx context.Context, document string, status domain.IngestStatus, extra map[string]any)
	RecordEvent(ctx context.Context, event map[string]any)
	Status(ctx context.Context, document string) (map[string]any, bool)
	Statuses(ctx context.Context) map[string]map[string]any
	RecentEvents(ctx context.Context, limit int) []map[string]any
}

// LockHandle releases an acquired distributed lock. Release is idempotent.
type LockHandle interface {
	Release(ctx context.Context)
}

// LockProvider is a TTL-bounded mutual-exclusion primitive keyed by name.
// Acquire returns ok=false when the lock cannot be taken within wait.
type LockProvider interface {
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (LockHandle, bool)
}

// EventPublisher fans ingest jobs out to external consumers, best-effort.
type EventPublisher interface {
	PublishIngestJob(ctx context.Context, job domain.IngestJob) error
}

// ResponseCache memoizes full query responses.
type ResponseCache interface {
	Get(key string) (domain.QueryResponse, bool)
	Add(key string, resp domain.QueryResponse)
}

// MetricsCollector receives query and ingestion observations.
type MetricsCollector interface {
	RecordQuery(latency time.Duration, cached bool)
	RecordQueryError()
	RecordStream(latency time.Duration)
	IngestStarted()
	IngestFinished(status domain.IngestStatus, duration time.Duration)
}
