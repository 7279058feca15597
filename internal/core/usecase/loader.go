package usecase

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
	"github.com/wenhao-zhang/campus-rag/internal/core/ports"
)

// Loader turns a stored document into index-ready chunks. Chunk IDs are
// stable per document ({stem}-{ordinal}) so a re-vectorization replaces the
// previous rows instead of accumulating.
type Loader struct {
	extractor ports.Extractor
	chunker   ports.Chunker
}

func NewLoader(extractor ports.Extractor, chunker ports.Chunker) *Loader {
	return &Loader{extractor: extractor, chunker: chunker}
}

func (l *Loader) Load(doc domain.StoredDocument) []domain.Chunk {
	text := l.extractor.Extract(doc.Content, doc.Ext)
	pieces := l.chunker.Split(text)
	if len(pieces) == 0 {
		return nil
	}

	stem := strings.TrimSuffix(doc.Name, filepath.Ext(doc.Name))
	sourceType := strings.TrimPrefix(strings.ToLower(doc.Ext), ".")
	chunks := make([]domain.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		chunks = append(chunks, domain.Chunk{
			ID:         fmt.Sprintf("%s-%d", stem, i),
			Text:       piece,
			Source:     doc.Name,
			SourceType: sourceType,
		})
	}
	return chunks
}
