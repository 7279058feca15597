package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
	"github.com/wenhao-zhang/campus-rag/internal/infrastructure/storage/localfs"
)

// Registry is the document catalogue: metadata rows in Postgres, raw bytes
// on local disk. Rows and files are keyed by the sanitized document name.
type Registry struct {
	db    *sql.DB
	files *localfs.Storage
}

func New(db *sql.DB, files *localfs.Storage) *Registry {
	return &Registry{db: db, files: files}
}

func (r *Registry) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			name TEXT PRIMARY KEY,
			ext TEXT NOT NULL,
			size BIGINT NOT NULL,
			hash TEXT NOT NULL,
			uploaded_by TEXT NOT NULL DEFAULT '',
			vector_refs JSONB NOT NULL DEFAULT '[]',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure documents table: %w", err)
	}
	return nil
}

// Save stores the document bytes and upserts its metadata row. The content
// hash identifies duplicates across differently named uploads.
func (r *Registry) Save(ctx context.Context, name string, content []byte, uploadedBy string) (domain.StoredDocument, error) {
	doc := domain.StoredDocument{
		Name:       name,
		Ext:        strings.ToLower(filepath.Ext(name)),
		Size:       int64(len(content)),
		Hash:       HashContent(content),
		UploadedBy: uploadedBy,
		UpdatedAt:  time.Now().UTC(),
	}

	if err := r.files.Save(name, content); err != nil {
		return domain.StoredDocument{}, fmt.Errorf("save document content: %w", err)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO documents (name, ext, size, hash, uploaded_by, vector_refs, updated_at)
		VALUES ($1, $2, $3, $4, $5, '[]', $6)
		ON CONFLICT (name) DO UPDATE SET
			ext = EXCLUDED.ext,
			size = EXCLUDED.size,
			hash = EXCLUDED.hash,
			uploaded_by = EXCLUDED.uploaded_by,
			updated_at = EXCLUDED.updated_at
	`, doc.Name, doc.Ext, doc.Size, doc.Hash, doc.UploadedBy, doc.UpdatedAt)
	if err != nil {
		return domain.StoredDocument{}, fmt.Errorf("upsert document row: %w", err)
	}
	return doc, nil
}

func (r *Registry) Get(ctx context.Context, name string, includeContent bool) (domain.StoredDocument, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, ext, size, hash, uploaded_by, vector_refs, updated_at
		FROM documents WHERE name = $1
	`, name)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StoredDocument{}, domain.WrapError(domain.ErrDocumentNotFound, "registry.get", err)
		}
		return domain.StoredDocument{}, fmt.Errorf("query document row: %w", err)
	}

	if includeContent {
		content, err := r.files.Read(name)
		if err != nil {
			return domain.StoredDocument{}, domain.WrapError(domain.ErrDocumentNotFound, "registry.get", err)
		}
		doc.Content = content
	}
	return doc, nil
}

func (r *Registry) List(ctx context.Context) ([]domain.StoredDocument, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, ext, size, hash, uploaded_by, vector_refs, updated_at
		FROM documents ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list document rows: %w", err)
	}
	defer rows.Close()

	var docs []domain.StoredDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list document rows: %w", err)
	}
	return docs, nil
}

func (r *Registry) Delete(ctx context.Context, name string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete document row: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document row: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, "registry.delete", sql.ErrNoRows)
	}
	return r.files.Remove(name)
}

func (r *Registry) UpdateVectorRefs(ctx context.Context, name string, refs []string) error {
	if refs == nil {
		refs = []string{}
	}
	encoded, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("marshal vector refs: %w", err)
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE documents SET vector_refs = $2, updated_at = $3 WHERE name = $1
	`, name, encoded, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update vector refs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update vector refs: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, "registry.update_vector_refs", sql.ErrNoRows)
	}
	return nil
}

// HashContent is the dedupe identity for uploaded bytes.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (domain.StoredDocument, error) {
	var (
		doc     domain.StoredDocument
		refsRaw []byte
	)
	if err := row.Scan(&doc.Name, &doc.Ext, &doc.Size, &doc.Hash, &doc.UploadedBy, &refsRaw, &doc.UpdatedAt); err != nil {
		return domain.StoredDocument{}, err
	}
	if len(refsRaw) > 0 {
		_ = json.Unmarshal(refsRaw, &doc.VectorRefs)
	}
	return doc, nil
}
