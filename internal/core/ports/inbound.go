package ports

import (
	"context"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
)

// QueryService answers user questions from the indexed corpus. Handle
// reports whether the response came from cache.
type QueryService interface {
	Handle(ctx context.Context, req domain.QueryRequest) (domain.QueryResponse, bool, error)
	HandleStream(ctx context.Context, req domain.QueryRequest, emit func(domain.StreamEvent) error) error
}

// DocumentIngestor accepts uploads and drives asynchronous vectorization.
type DocumentIngestor interface {
	Upload(ctx context.Context, files []domain.UploadFile, uploadedBy string) domain.UploadReport
	Reindex(ctx context.Context, name string) (domain.IngestJob, error)
	Remove(ctx context.Context, name string) error
	Vectorize(ctx context.Context, jobs []domain.IngestJob)
}
