package embedding

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
	"github.com/wenhao-zhang/campus-rag/internal/core/ports"
	"github.com/wenhao-zhang/campus-rag/internal/infrastructure/resilience"
)

const normEpsilon = 1e-12

type Options struct {
	BatchSize      int
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Provider wraps exactly one embedding backend with batching, rate-limit
// retry, and L2 normalization. The backend is a hard dependency: no backend,
// no provider.
type Provider struct {
	backend  ports.EmbeddingBackend
	executor *resilience.Executor
	batch    int
}

func New(backend ports.EmbeddingBackend, opts Options) (*Provider, error) {
	if backend == nil {
		return nil, domain.WrapError(domain.ErrNoBackend, "init embedding provider",
			errors.New("no embedding backend configured"))
	}
	batch := opts.BatchSize
	if batch < 1 {
		batch = 1
	}
	executor := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    opts.MaxRetries,
		RetryInitialBackoff: opts.RetryBaseDelay,
		RetryMaxBackoff:     opts.RetryMaxDelay,
		RetryMultiplier:     2.0,
	})
	return &Provider{
		backend:  backend,
		executor: executor,
		batch:    batch,
	}, nil
}

// Embed returns one unit-normalized vector per input text. An empty input
// yields an empty matrix. Any batch failing after retries aborts the whole
// call; no partial results are returned.
func (p *Provider) Embed(ctx context.Context, texts []string, modelOverride string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.batch {
		end := start + p.batch
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		var vectors [][]float32
		err := p.executor.Execute(ctx, "embedding.embed", func(ctx context.Context) error {
			var callErr error
			vectors, callErr = p.backend.EmbedBatch(ctx, batch, modelOverride)
			return callErr
		}, resilience.ClassifyRateLimit)
		if err != nil {
			return nil, err
		}

		for _, vec := range vectors {
			out = append(out, normalize(vec))
		}
	}
	return out, nil
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum) + normEpsilon
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
