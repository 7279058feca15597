package usecase

import (
	"context"
	"log/slog"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
	"github.com/wenhao-zhang/campus-rag/internal/core/ports"
)

// Retriever runs vector search plus optional reranking, then applies the
// relevance gate.
type Retriever struct {
	index        ports.VectorIndex
	reranker     ports.Reranker
	logger       *slog.Logger
	topK         int
	rerankTopN   int
	minRelevance float64
}

func NewRetriever(index ports.VectorIndex, reranker ports.Reranker, logger *slog.Logger, topK, rerankTopN int, minRelevance float64) *Retriever {
	return &Retriever{
		index:        index,
		reranker:     reranker,
		logger:       logger,
		topK:         topK,
		rerankTopN:   rerankTopN,
		minRelevance: minRelevance,
	}
}

// Retrieve returns the topK best chunks for the query. With a reranker
// configured the search over-fetches so the reranker has candidates to
// reorder; a reranker failure degrades to the raw retrieval order.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]domain.ScoredChunk, error) {
	k := topK
	if k <= 0 {
		k = r.topK
	}
	fetch := k
	if r.reranker != nil && r.rerankTopN > fetch {
		fetch = r.rerankTopN
	}

	hits, err := r.index.Search(ctx, query, fetch)
	if err != nil {
		return nil, err
	}
	if r.reranker != nil && len(hits) > 0 {
		reranked, err := r.reranker.Rerank(ctx, query, hits, k)
		if err != nil {
			r.logger.Warn("reranker failed, keeping retrieval order", "error", err)
		} else {
			return reranked, nil
		}
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// ApplyRelevanceGate drops hits below the configured threshold (clamped to
// [0,1]; zero disables the gate) and reports the best raw score.
func (r *Retriever) ApplyRelevanceGate(hits []domain.ScoredChunk) ([]domain.ScoredChunk, float64) {
	threshold := r.minRelevance
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}

	best := 0.0
	for _, hit := range hits {
		if hit.Score > best {
			best = hit.Score
		}
	}
	if threshold <= 0 {
		return hits, best
	}
	filtered := make([]domain.ScoredChunk, 0, len(hits))
	for _, hit := range hits {
		if hit.Score >= threshold {
			filtered = append(filtered, hit)
		}
	}
	return filtered, best
}
