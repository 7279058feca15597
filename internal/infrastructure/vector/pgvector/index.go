package pgvector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
	"github.com/wenhao-zhang/campus-rag/internal/core/ports"
)

const undefinedTableCode = "42P01"

// NewPool opens a pgx pool with pgvector types registered on every
// connection.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return pool, nil
}

// Index stores chunk vectors in a pgvector table. The schema dimensionality
// is derived lazily from the first embedding batch; a per-document replace
// runs delete-then-insert inside one transaction so a concurrent search
// never observes a half-replaced document.
type Index struct {
	pool     *pgxpool.Pool
	table    string
	embedder ports.Embedder

	ensureMu    sync.Mutex
	ensuredDims int
}

func NewIndex(pool *pgxpool.Pool, table string, embedder ports.Embedder) *Index {
	return &Index{
		pool:     pool,
		table:    table,
		embedder: embedder,
	}
}

// Build fully replaces the index content. Zero chunks clears the table.
func (ix *Index) Build(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return ix.clear(ctx)
	}

	vectors, err := ix.embedChunks(ctx, chunks)
	if err != nil {
		return err
	}
	if err := ix.ensureSchema(ctx, len(vectors[0])); err != nil {
		return err
	}

	return ix.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", ix.table)); err != nil {
			return fmt.Errorf("truncate %s: %w", ix.table, err)
		}
		return ix.insert(ctx, tx, chunks, vectors)
	})
}

// Upsert replaces the chunk sets of the named documents. Documents mapping
// to empty chunk lists are skipped; deleting those is the caller's
// responsibility.
func (ix *Index) Upsert(ctx context.Context, byDocument map[string][]domain.Chunk) error {
	var targets []string
	var ordered []domain.Chunk
	for name, chunks := range byDocument {
		if name == "" || len(chunks) == 0 {
			continue
		}
		targets = append(targets, name)
		ordered = append(ordered, chunks...)
	}
	if len(ordered) == 0 {
		return nil
	}

	vectors, err := ix.embedChunks(ctx, ordered)
	if err != nil {
		return err
	}
	if err := ix.ensureSchema(ctx, len(vectors[0])); err != nil {
		return err
	}

	return ix.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE document_id = ANY($1)", ix.table), targets); err != nil {
			return fmt.Errorf("delete replaced documents: %w", err)
		}
		return ix.insert(ctx, tx, ordered, vectors)
	})
}

// Delete removes all rows for the named documents and reports how many rows
// went away. A missing table counts as zero, not an error.
func (ix *Index) Delete(ctx context.Context, documents []string) (int, error) {
	targets := make([]string, 0, len(documents))
	for _, name := range documents {
		if name != "" {
			targets = append(targets, name)
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	tag, err := ix.pool.Exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE document_id = ANY($1)", ix.table), targets)
	if err != nil {
		if isUndefinedTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("delete documents: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Search returns the topK nearest chunks by cosine distance, converted to a
// similarity score of 1-distance. An index that was never written returns an
// empty result.
func (ix *Index) Search(ctx context.Context, query string, topK int) ([]domain.ScoredChunk, error) {
	vectors, err := ix.embedder.Embed(ctx, []string{query}, "")
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embed query: empty embedding result")
	}
	queryVec := pgv.NewVector(vectors[0])

	rows, err := ix.pool.Query(ctx, fmt.Sprintf(`
		SELECT chunk_id, document_id, source, source_type, metadata, content,
		       (embedding <=> $1)::float8 AS distance
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2
	`, ix.table), queryVec, topK)
	if err != nil {
		if isUndefinedTable(err) {
			return []domain.ScoredChunk{}, nil
		}
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []domain.ScoredChunk
	for rows.Next() {
		var (
			chunkID, documentID, source, sourceType, content string
			metadataRaw                                      []byte
			distance                                         float64
		)
		if err := rows.Scan(&chunkID, &documentID, &source, &sourceType, &metadataRaw, &content, &distance); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		metadata := map[string]string{}
		if len(metadataRaw) > 0 {
			_ = json.Unmarshal(metadataRaw, &metadata)
		}
		hits = append(hits, domain.ScoredChunk{
			Chunk: domain.Chunk{
				ID:         chunkID,
				Text:       content,
				Source:     source,
				SourceType: sourceType,
				Metadata:   metadata,
			},
			Score: 1.0 - distance,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search rows: %w", err)
	}
	return hits, nil
}

// Stats reports the stored vector count; a missing table counts as zero.
func (ix *Index) Stats(ctx context.Context) (int, error) {
	var count int
	err := ix.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", ix.table)).Scan(&count)
	if err != nil {
		if isUndefinedTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return count, nil
}

func (ix *Index) embedChunks(ctx context.Context, chunks []domain.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	vectors, err := ix.embedder.Embed(ctx, texts, "")
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embed chunks: vectors/chunks mismatch %d/%d", len(vectors), len(chunks))
	}
	return vectors, nil
}

func (ix *Index) insert(ctx context.Context, tx pgx.Tx, chunks []domain.Chunk, vectors [][]float32) error {
	batch := &pgx.Batch{}
	stmt := fmt.Sprintf(`
		INSERT INTO %s (chunk_id, document_id, source, source_type, metadata, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chunk_id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			source = EXCLUDED.source,
			source_type = EXCLUDED.source_type,
			metadata = EXCLUDED.metadata,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding
	`, ix.table)
	for i, chunk := range chunks {
		metadata, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		batch.Queue(stmt, chunk.ID, chunk.Source, chunk.Source, chunk.SourceType, metadata, chunk.Text, pgv.NewVector(vectors[i]))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	return nil
}

func (ix *Index) clear(ctx context.Context) error {
	_, err := ix.pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", ix.table))
	if err != nil && !isUndefinedTable(err) {
		return fmt.Errorf("clear %s: %w", ix.table, err)
	}
	return nil
}

func (ix *Index) ensureSchema(ctx context.Context, dims int) error {
	ix.ensureMu.Lock()
	defer ix.ensureMu.Unlock()
	if ix.ensuredDims == dims {
		return nil
	}

	if _, err := ix.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("ensure vector extension: %w", err)
	}
	_, err := ix.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			chunk_id TEXT PRIMARY KEY,
			document_id TEXT,
			source TEXT,
			source_type TEXT,
			metadata JSONB,
			content TEXT,
			embedding vector(%d)
		)
	`, ix.table, dims))
	if err != nil {
		return fmt.Errorf("ensure chunk table: %w", err)
	}
	ix.ensuredDims = dims
	return nil
}

func (ix *Index) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := ix.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTableCode
}
