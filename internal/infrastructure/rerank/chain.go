package rerank

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
	"github.com/wenhao-zhang/campus-rag/internal/core/ports"
	"github.com/wenhao-zhang/campus-rag/internal/infrastructure/llm/qianfan"
)

// Config selects which rerank strategy gets mounted.
type Config struct {
	Model      string
	APIKey     string
	BaseURL    string
	UseQianfan bool
	// CandidateLimit bounds how many recall candidates a remote strategy
	// sends; the effective bound is max(topK, CandidateLimit).
	CandidateLimit int
}

type strategy interface {
	name() string
	// candidateLimit bounds how many leading recall candidates this
	// strategy receives for one topK request.
	candidateLimit(topK int) int
	rerank(ctx context.Context, query string, docs []string, topN int) ([]scoredEntry, error)
}

// Chain mounts exactly one rerank strategy, chosen at construction from the
// configured model and credentials. A runtime failure of that strategy is
// returned to the caller, which keeps the recall order instead.
type Chain struct {
	strategy strategy
	logger   *slog.Logger
}

func NewChain(cfg Config, embedder ports.Embedder, qianfanClient *qianfan.Client, logger *slog.Logger) *Chain {
	model := strings.ToLower(cfg.Model)
	baseURL := strings.ToLower(cfg.BaseURL)

	var selected strategy
	switch {
	case cfg.APIKey != "" && cfg.BaseURL != "" &&
		(strings.Contains(baseURL, "qianfan") || strings.Contains(baseURL, "baidubce") || strings.Contains(model, "reranker")):
		selected = newRemoteStrategy(cfg.Model, cfg.APIKey, cfg.BaseURL, cfg.CandidateLimit)
	case qianfanClient != nil &&
		(cfg.UseQianfan || containsAny(model, "qwen", "ernie", "bce", "qianfan")):
		selected = &qianfanStrategy{client: qianfanClient, model: cfg.Model, limit: cfg.CandidateLimit}
	default:
		selected = &embeddingStrategy{embedder: embedder}
	}
	logger.Info("reranker selected", "strategy", selected.name(), "model", cfg.Model)
	return &Chain{strategy: selected, logger: logger}
}

// Rerank reorders the leading recall candidates and returns the best topK.
// Entries the strategy never mentioned pad the tail in their recall order, so
// a response with no usable entries degrades to the recall head.
func (c *Chain) Rerank(ctx context.Context, query string, hits []domain.ScoredChunk, topK int) ([]domain.ScoredChunk, error) {
	if len(hits) == 0 || topK <= 0 {
		return []domain.ScoredChunk{}, nil
	}
	candidates := hits
	if limit := c.strategy.candidateLimit(topK); limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	docs := make([]string, len(candidates))
	for i, hit := range candidates {
		docs[i] = hit.Chunk.Text
	}

	entries, err := c.strategy.rerank(ctx, query, docs, topK)
	if err != nil {
		return nil, fmt.Errorf("%s rerank: %w", c.strategy.name(), err)
	}
	return applyEntries(candidates, entries, topK), nil
}

// applyEntries builds the final ordering: ranked entries first (duplicates
// dropped), then unused candidates in their retrieval order, cut at topK.
func applyEntries(candidates []domain.ScoredChunk, entries []scoredEntry, topK int) []domain.ScoredChunk {
	seen := make(map[int]bool, len(entries))
	out := make([]domain.ScoredChunk, 0, topK)
	for _, entry := range entries {
		if entry.Index < 0 || entry.Index >= len(candidates) || seen[entry.Index] {
			continue
		}
		seen[entry.Index] = true
		hit := candidates[entry.Index]
		if entry.HasScore {
			hit.Score = entry.Score
		}
		out = append(out, hit)
		if len(out) == topK {
			return out
		}
	}
	for i, candidate := range candidates {
		if seen[i] {
			continue
		}
		out = append(out, candidate)
		if len(out) == topK {
			break
		}
	}
	return out
}

func containsAny(s string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
