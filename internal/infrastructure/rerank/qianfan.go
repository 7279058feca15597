package rerank

import (
	"context"
	"fmt"

	"github.com/wenhao-zhang/campus-rag/internal/infrastructure/llm/qianfan"
)

// qianfanStrategy reranks through the Qianfan native API.
type qianfanStrategy struct {
	client *qianfan.Client
	model  string
	limit  int
}

func (s *qianfanStrategy) name() string { return "qianfan" }

func (s *qianfanStrategy) candidateLimit(topK int) int {
	if s.limit > topK {
		return s.limit
	}
	return topK
}

func (s *qianfanStrategy) rerank(ctx context.Context, query string, docs []string, topN int) ([]scoredEntry, error) {
	items, err := s.client.Rerank(ctx, s.model, query, docs, topN)
	if err != nil {
		return nil, fmt.Errorf("qianfan rerank: %w", err)
	}
	return parseEntries(items, docs), nil
}
