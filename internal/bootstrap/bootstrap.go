package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenhao-zhang/campus-rag/internal/config"
	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
	"github.com/wenhao-zhang/campus-rag/internal/core/ports"
	"github.com/wenhao-zhang/campus-rag/internal/core/usecase"
	"github.com/wenhao-zhang/campus-rag/internal/infrastructure/cache"
	"github.com/wenhao-zhang/campus-rag/internal/infrastructure/chunking"
	redisco "github.com/wenhao-zhang/campus-rag/internal/infrastructure/coordination/redis"
	"github.com/wenhao-zhang/campus-rag/internal/infrastructure/embedding"
	"github.com/wenhao-zhang/campus-rag/internal/infrastructure/extract"
	"github.com/wenhao-zhang/campus-rag/internal/infrastructure/llm/openaicompat"
	"github.com/wenhao-zhang/campus-rag/internal/infrastructure/llm/qianfan"
	natsqueue "github.com/wenhao-zhang/campus-rag/internal/infrastructure/queue/nats"
	registrypg "github.com/wenhao-zhang/campus-rag/internal/infrastructure/registry/postgres"
	"github.com/wenhao-zhang/campus-rag/internal/infrastructure/rerank"
	"github.com/wenhao-zhang/campus-rag/internal/infrastructure/storage/localfs"
	vectorpg "github.com/wenhao-zhang/campus-rag/internal/infrastructure/vector/pgvector"
	"github.com/wenhao-zhang/campus-rag/internal/observability/logging"
	"github.com/wenhao-zhang/campus-rag/internal/observability/metrics"
)

// App wires every component of the service. Both cmd/api and cmd/worker
// build the same graph; the worker simply never mounts the HTTP surface.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.Collector

	Query          ports.QueryService
	Ingestor       ports.DocumentIngestor
	Registry       ports.ContentProvider
	Status         ports.StatusSink
	Index          ports.VectorIndex
	Queue          *natsqueue.Queue
	EmbeddingModel string

	pool    *pgxpool.Pool
	closeFn func()
}

func New(ctx context.Context, service string, cfg config.Config) (*App, error) {
	logger := logging.NewJSONLogger(service, cfg.LogLevel)
	slog.SetDefault(logger)
	collector := metrics.NewCollector(service)

	pool, err := vectorpg.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("init pgvector pool: %w", err)
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		pool.Close()
		_ = db.Close()
		return nil, fmt.Errorf("init document storage: %w", err)
	}
	registry := registrypg.New(db, storage)
	if err := registry.EnsureSchema(ctx); err != nil {
		pool.Close()
		_ = db.Close()
		return nil, fmt.Errorf("ensure registry schema: %w", err)
	}

	openaiClient, qianfanClient := buildBackends(cfg, logger)
	chatBackend, embedBackend, err := selectBackends(cfg, openaiClient, qianfanClient)
	if err != nil {
		pool.Close()
		_ = db.Close()
		return nil, err
	}

	embedder, err := embedding.New(embedBackend, embedding.Options{
		BatchSize:      cfg.EmbeddingBatchSize,
		MaxRetries:     cfg.EmbeddingMaxRetries,
		RetryBaseDelay: secondsToDuration(cfg.EmbeddingRetryBaseDelay),
		RetryMaxDelay:  secondsToDuration(cfg.EmbeddingRetryMaxDelay),
	})
	if err != nil {
		pool.Close()
		_ = db.Close()
		return nil, fmt.Errorf("init embedding provider: %w", err)
	}

	index := vectorpg.NewIndex(pool, cfg.ChunkTable, embedder)

	var reranker ports.Reranker
	if cfg.RerankerModel != "" {
		reranker = rerank.NewChain(rerank.Config{
			Model:          cfg.RerankerModel,
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			UseQianfan:     cfg.UseQianfan,
			CandidateLimit: cfg.RerankTopN,
		}, embedder, qianfanClient, logger)
	}

	retriever := usecase.NewRetriever(index, reranker, logger, cfg.TopK, cfg.RerankTopN, cfg.MinRelevance)
	generator := usecase.NewGenerator(chatBackend, cfg.MaxContextChars, cfg.GenerationMaxTokens)

	var responseCache ports.ResponseCache
	if cfg.CacheEnabled {
		lru, err := cache.NewResponseCache(cfg.CacheSize)
		if err != nil {
			pool.Close()
			_ = db.Close()
			return nil, fmt.Errorf("init response cache: %w", err)
		}
		responseCache = lru
	}

	agent := usecase.NewAgent(retriever, generator, responseCache, collector, logger)

	var (
		locks      ports.LockProvider
		statusSink ports.StatusSink
		closeRedis func()
	)
	if cfg.RedisURL != "" {
		coordinator, err := redisco.NewFromURL(cfg.RedisURL, cfg.RedisPrefix, logger)
		if err != nil {
			pool.Close()
			_ = db.Close()
			return nil, fmt.Errorf("init redis coordinator: %w", err)
		}
		if err := coordinator.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, coordination degraded", "error", err)
		}
		locks = coordinator
		statusSink = coordinator
		closeRedis = func() { _ = coordinator.Close() }
	}

	var (
		queue     *natsqueue.Queue
		publisher ports.EventPublisher
	)
	if cfg.NATSURL != "" {
		queue, err = natsqueue.New(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			logger.Warn("nats unavailable, ingestion runs in-process", "error", err)
		} else {
			publisher = queue
		}
	}

	loader := usecase.NewLoader(
		extract.NewExtractor(),
		chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap, cfg.ChunkOverlapRatio),
	)
	ingestor := usecase.NewCoordinator(usecase.CoordinatorDeps{
		Registry:  registry,
		Index:     index,
		Loader:    loader,
		Locks:     locks,
		Status:    statusSink,
		Publisher: publisher,
		Metrics:   collector,
		Logger:    logger,
	}, extract.SupportedExts, cfg.MaxUploadMB, cfg.IngestWorkers)

	return &App{
		Config:         cfg,
		Logger:         logger,
		Metrics:        collector,
		Query:          agent,
		Ingestor:       ingestor,
		Registry:       registry,
		Status:         statusSink,
		Index:          index,
		Queue:          queue,
		EmbeddingModel: embedBackend.ModelName(),
		pool:           pool,
		closeFn: func() {
			if queue != nil {
				queue.Close()
			}
			if closeRedis != nil {
				closeRedis()
			}
			pool.Close()
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func buildBackends(cfg config.Config, logger *slog.Logger) (*openaicompat.Client, *qianfan.Client) {
	var openaiClient *openaicompat.Client
	if cfg.OpenAIAPIKey != "" {
		client, err := openaicompat.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.OpenAIEmbeddingModel)
		if err != nil {
			logger.Warn("openai-compatible backend unavailable", "error", err)
		} else {
			openaiClient = client
		}
	}

	var qianfanClient *qianfan.Client
	if cfg.QianfanAccessKey != "" && cfg.QianfanSecretKey != "" {
		client, err := qianfan.New(cfg.QianfanBaseURL, cfg.QianfanAccessKey, cfg.QianfanSecretKey, cfg.QianfanChatModel, cfg.QianfanEmbeddingModel)
		if err != nil {
			logger.Warn("qianfan backend unavailable", "error", err)
		} else {
			qianfanClient = client
		}
	}
	return openaiClient, qianfanClient
}

// selectBackends picks the chat and embedding backends following the
// configuration precedence: Qianfan chat when enabled, OpenAI-compatible
// embeddings unless disabled.
func selectBackends(cfg config.Config, openaiClient *openaicompat.Client, qianfanClient *qianfan.Client) (ports.ChatBackend, ports.EmbeddingBackend, error) {
	var chat ports.ChatBackend
	switch {
	case cfg.UseQianfan && qianfanClient != nil:
		chat = qianfanClient
	case openaiClient != nil:
		chat = openaiClient
	case qianfanClient != nil:
		chat = qianfanClient
	}

	var embed ports.EmbeddingBackend
	switch {
	case cfg.UseOpenAIEmbeddings && openaiClient != nil:
		embed = openaiClient
	case qianfanClient != nil:
		embed = qianfanClient
	case openaiClient != nil:
		embed = openaiClient
	}

	if chat == nil || embed == nil {
		return nil, nil, domain.WrapError(domain.ErrNoBackend, "bootstrap",
			errors.New("no chat or embedding backend configured"))
	}
	return chat, embed, nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
