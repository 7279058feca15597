package rerank

import (
	"context"
	"fmt"
	"sort"

	"github.com/wenhao-zhang/campus-rag/internal/core/ports"
)

// embeddingStrategy is the terminal fallback: it scores candidates by dot
// product against the query embedding. Vectors come back unit-normalized, so
// the dot product is the cosine similarity.
type embeddingStrategy struct {
	embedder ports.Embedder
}

func (s *embeddingStrategy) name() string { return "embedding" }

// Two times topK keeps the embedding bill bounded while leaving room to
// reorder past the recall head.
func (s *embeddingStrategy) candidateLimit(topK int) int { return topK * 2 }

func (s *embeddingStrategy) rerank(ctx context.Context, query string, docs []string, topN int) ([]scoredEntry, error) {
	texts := make([]string, 0, len(docs)+1)
	texts = append(texts, query)
	texts = append(texts, docs...)

	vectors, err := s.embedder.Embed(ctx, texts, "")
	if err != nil {
		return nil, fmt.Errorf("embed rerank candidates: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embed rerank candidates: got %d vectors for %d texts", len(vectors), len(texts))
	}

	queryVec := vectors[0]
	entries := make([]scoredEntry, 0, len(docs))
	for i := range docs {
		entries = append(entries, scoredEntry{
			Index:    i,
			Score:    dot(queryVec, vectors[i+1]),
			HasScore: true,
		})
	}
	sort.SliceStable(entries, func(a, b int) bool { return entries[a].Score > entries[b].Score })
	if topN > 0 && len(entries) > topN {
		entries = entries[:topN]
	}
	return entries, nil
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
