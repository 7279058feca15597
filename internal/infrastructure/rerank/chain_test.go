package rerank

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
	"github.com/wenhao-zhang/campus-rag/internal/infrastructure/llm/qianfan"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func scored(texts ...string) []domain.ScoredChunk {
	out := make([]domain.ScoredChunk, 0, len(texts))
	for i, text := range texts {
		out = append(out, domain.ScoredChunk{
			Chunk: domain.Chunk{ID: text, Text: text, Source: "doc.txt"},
			Score: 1.0 - float64(i)*0.1,
		})
	}
	return out
}

func TestParseEntriesIndexKeys(t *testing.T) {
	docs := []string{"a", "b", "c"}
	items := []map[string]any{
		{"index": float64(2), "relevance_score": 0.9},
		{"position": float64(0), "score": 0.5},
		{"doc_index": "1", "similarity": "0.7"},
	}
	entries := parseEntries(items, docs)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Index != 2 || entries[1].Index != 0 || entries[2].Index != 1 {
		t.Fatalf("unexpected indices: %+v", entries)
	}
	if !entries[2].HasScore || entries[2].Score != 0.7 {
		t.Fatalf("string score not parsed: %+v", entries[2])
	}
}

func TestParseEntriesTextMatchFallback(t *testing.T) {
	docs := []string{"first text", "second text"}
	items := []map[string]any{
		{"document": map[string]any{"text": "second text"}, "rerank_score": 0.8},
		{"text": "first text"},
	}
	entries := parseEntries(items, docs)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Index != 1 || entries[1].Index != 0 {
		t.Fatalf("text match failed: %+v", entries)
	}
	if entries[1].HasScore {
		t.Fatalf("entry without score keys must not carry a score")
	}
}

func TestParseEntriesDropsUnresolvable(t *testing.T) {
	entries := parseEntries([]map[string]any{
		{"index": float64(9), "score": 0.9},
		{"note": "no index at all"},
	}, []string{"only"})
	if len(entries) != 0 {
		t.Fatalf("expected out-of-range and unmatched entries dropped, got %+v", entries)
	}
}

func TestApplyEntriesDedupeAndPad(t *testing.T) {
	candidates := scored("a", "b", "c", "d")
	entries := []scoredEntry{
		{Index: 2, Score: 0.9, HasScore: true},
		{Index: 2, Score: 0.8, HasScore: true},
		{Index: 0, Score: 0.6, HasScore: true},
	}
	out := applyEntries(candidates, entries, 3)
	if len(out) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out))
	}
	if out[0].Chunk.ID != "c" || out[1].Chunk.ID != "a" {
		t.Fatalf("ranked order wrong: %v %v", out[0].Chunk.ID, out[1].Chunk.ID)
	}
	if out[0].Score != 0.9 {
		t.Fatalf("expected rerank score applied, got %f", out[0].Score)
	}
	// padding keeps original retrieval order
	if out[2].Chunk.ID != "b" {
		t.Fatalf("expected pad with first unused candidate, got %s", out[2].Chunk.ID)
	}
}

func TestApplyEntriesKeepsOriginalScoreWithoutOne(t *testing.T) {
	candidates := scored("a", "b")
	out := applyEntries(candidates, []scoredEntry{{Index: 1}}, 2)
	if out[0].Score != candidates[1].Score {
		t.Fatalf("expected original score kept, got %f", out[0].Score)
	}
}

type strategyFake struct {
	entries []scoredEntry
	err     error
	calls   int
	docs    int
	limit   int
}

func (f *strategyFake) name() string { return "fake" }
func (f *strategyFake) candidateLimit(topK int) int {
	if f.limit > 0 {
		return f.limit
	}
	return topK * 2
}
func (f *strategyFake) rerank(_ context.Context, _ string, docs []string, _ int) ([]scoredEntry, error) {
	f.calls++
	f.docs = len(docs)
	return f.entries, f.err
}

func TestNewChainSelectsRemoteStrategy(t *testing.T) {
	chain := NewChain(Config{
		Model:          "bce-reranker-base_v1",
		APIKey:         "key",
		BaseURL:        "https://qianfan.baidubce.com/v2",
		CandidateLimit: 8,
	}, nil, nil, testLogger())

	remote, ok := chain.strategy.(*remoteStrategy)
	if !ok {
		t.Fatalf("expected remote strategy, got %T", chain.strategy)
	}
	if remote.limit != 8 {
		t.Fatalf("candidate limit not threaded through: %d", remote.limit)
	}
}

func TestNewChainSelectsQianfanStrategy(t *testing.T) {
	client, err := qianfan.New("https://qianfan.baidubce.com/v2", "ak", "sk", "ERNIE-Speed-128K", "Embedding-V1")
	if err != nil {
		t.Fatalf("qianfan client: %v", err)
	}
	chain := NewChain(Config{Model: "ernie-rerank", UseQianfan: true}, nil, client, testLogger())
	if _, ok := chain.strategy.(*qianfanStrategy); !ok {
		t.Fatalf("expected qianfan strategy, got %T", chain.strategy)
	}
}

func TestNewChainFallsBackToEmbeddingStrategy(t *testing.T) {
	chain := NewChain(Config{Model: "some-model"}, &embedderFake{}, nil, testLogger())
	if _, ok := chain.strategy.(*embeddingStrategy); !ok {
		t.Fatalf("expected embedding strategy, got %T", chain.strategy)
	}
}

func TestRerankPropagatesStrategyError(t *testing.T) {
	chain := &Chain{strategy: &strategyFake{err: errors.New("endpoint down")}, logger: testLogger()}
	_, err := chain.Rerank(context.Background(), "q", scored("first", "second", "third", "fourth"), 2)
	if err == nil {
		t.Fatalf("strategy failure must surface so the caller keeps the recall order")
	}
}

func TestRerankZeroEntriesKeepsRecallOrder(t *testing.T) {
	fake := &strategyFake{entries: []scoredEntry{}}
	chain := &Chain{strategy: fake, logger: testLogger()}

	out, err := chain.Rerank(context.Background(), "q", scored("first", "second", "third"), 2)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if len(out) != 2 || out[0].Chunk.ID != "first" || out[1].Chunk.ID != "second" {
		t.Fatalf("zero entries must pad from the recall head: %+v", out)
	}
	if out[0].Score != 1.0 {
		t.Fatalf("recall score must survive padding, got %f", out[0].Score)
	}
}

func TestRerankAppliesStrategyCandidateLimit(t *testing.T) {
	fake := &strategyFake{limit: 4, entries: []scoredEntry{{Index: 0, Score: 1, HasScore: true}}}
	chain := &Chain{strategy: fake, logger: testLogger()}

	if _, err := chain.Rerank(context.Background(), "q", scored("a", "b", "c", "d", "e", "f"), 2); err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if fake.docs != 4 {
		t.Fatalf("expected strategy limit applied, got %d candidates", fake.docs)
	}
}

func TestCandidateLimits(t *testing.T) {
	remote := newRemoteStrategy("m", "key", "https://example.com", 8)
	if got := remote.candidateLimit(2); got != 8 {
		t.Fatalf("remote limit with small topK = %d, want 8", got)
	}
	if got := remote.candidateLimit(10); got != 10 {
		t.Fatalf("remote limit with large topK = %d, want 10", got)
	}

	qf := &qianfanStrategy{limit: 8}
	if got := qf.candidateLimit(3); got != 8 {
		t.Fatalf("qianfan limit = %d, want 8", got)
	}

	emb := &embeddingStrategy{}
	if got := emb.candidateLimit(3); got != 6 {
		t.Fatalf("embedding limit = %d, want 6", got)
	}
}

func TestRerankEmptyInput(t *testing.T) {
	chain := &Chain{strategy: &strategyFake{}, logger: testLogger()}
	out, err := chain.Rerank(context.Background(), "q", nil, 3)
	if err != nil || len(out) != 0 {
		t.Fatalf("expected empty result, got %v / %v", out, err)
	}
}
