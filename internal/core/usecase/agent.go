package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
	"github.com/wenhao-zhang/campus-rag/internal/core/ports"
)

// Agent is the query façade: cache lookup, retrieval with the relevance
// gate, then batch or streaming generation.
type Agent struct {
	retriever *Retriever
	generator *Generator
	cache     ports.ResponseCache
	metrics   ports.MetricsCollector
	logger    *slog.Logger
}

func NewAgent(retriever *Retriever, generator *Generator, cache ports.ResponseCache, metrics ports.MetricsCollector, logger *slog.Logger) *Agent {
	return &Agent{
		retriever: retriever,
		generator: generator,
		cache:     cache,
		metrics:   metrics,
		logger:    logger,
	}
}

func cacheKey(req domain.QueryRequest) string {
	raw := fmt.Sprintf("%s|%d|%d", req.Query, req.TopK, req.MaxTokens)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (a *Agent) Handle(ctx context.Context, req domain.QueryRequest) (domain.QueryResponse, bool, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return domain.QueryResponse{}, false, domain.WrapError(domain.ErrInvalidInput, "agent.handle", errors.New("empty query"))
	}

	key := cacheKey(req)
	if a.cache != nil {
		if cached, ok := a.cache.Get(key); ok {
			a.metrics.RecordQuery(0, true)
			return cached, true, nil
		}
	}

	start := time.Now()
	a.logger.Info("retrieve start", "top_k", req.TopK)
	hits, err := a.retriever.Retrieve(ctx, query, req.TopK)
	if err != nil {
		a.metrics.RecordQueryError()
		return domain.QueryResponse{}, false, err
	}
	a.logger.Info("retrieve done", "hits", len(hits))

	filtered, best := a.retriever.ApplyRelevanceGate(hits)
	if len(filtered) == 0 {
		a.logger.Info("low relevance fallback", "best_score", best, "query", query)
		resp := domain.QueryResponse{
			Answer:    fallbackText(query),
			Sources:   []domain.SourceAttribution{},
			LatencyMS: 0,
		}
		a.store(key, resp)
		a.metrics.RecordQuery(time.Since(start), false)
		return resp, false, nil
	}

	answer, err := a.generator.Answer(ctx, query, filtered, req.MaxTokens)
	if err != nil {
		a.metrics.RecordQueryError()
		return domain.QueryResponse{}, false, err
	}

	resp := domain.QueryResponse{
		Answer:    answer,
		Sources:   attributions(filtered),
		LatencyMS: float64(time.Since(start)) / float64(time.Millisecond),
	}
	a.store(key, resp)
	a.metrics.RecordQuery(time.Since(start), false)
	return resp, false, nil
}

// HandleStream emits one metadata event followed by answer deltas.
func (a *Agent) HandleStream(ctx context.Context, req domain.QueryRequest, emit func(domain.StreamEvent) error) error {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return domain.WrapError(domain.ErrInvalidInput, "agent.handle_stream", errors.New("empty query"))
	}

	start := time.Now()
	hits, err := a.retriever.Retrieve(ctx, query, req.TopK)
	if err != nil {
		a.metrics.RecordQueryError()
		return err
	}

	filtered, best := a.retriever.ApplyRelevanceGate(hits)
	if len(filtered) == 0 {
		meta := domain.StreamMeta{Sources: []domain.SourceAttribution{}, BestScore: best, LowRelevance: true}
		if err := emit(domain.MetaEvent(meta)); err != nil {
			return err
		}
		if err := emit(domain.DeltaEvent(fallbackText(query))); err != nil {
			return err
		}
		a.metrics.RecordStream(time.Since(start))
		return nil
	}

	meta := domain.StreamMeta{Sources: attributions(filtered), BestScore: best}
	if err := emit(domain.MetaEvent(meta)); err != nil {
		return err
	}
	err = a.generator.AnswerStream(ctx, query, filtered, req.MaxTokens, func(delta string) error {
		return emit(domain.DeltaEvent(delta))
	})
	if err != nil {
		a.metrics.RecordQueryError()
		return err
	}
	a.metrics.RecordStream(time.Since(start))
	return nil
}

func (a *Agent) store(key string, resp domain.QueryResponse) {
	if a.cache != nil {
		a.cache.Add(key, resp)
	}
}

func attributions(hits []domain.ScoredChunk) []domain.SourceAttribution {
	out := make([]domain.SourceAttribution, 0, len(hits))
	for _, hit := range hits {
		out = append(out, domain.SourceAttribution{
			Source:  hit.Chunk.Source,
			Snippet: domain.Snippet(hit.Chunk.Text),
			Score:   hit.Score,
		})
	}
	return out
}
