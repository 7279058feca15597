package extract

import (
	"log/slog"
	"strings"
)

// SupportedExts is the ingestion allow-list.
var SupportedExts = map[string]bool{
	".txt":  true,
	".md":   true,
	".pdf":  true,
	".docx": true,
	".xlsx": true,
}

// Extractor decodes raw document bytes into plain text. Extraction never
// fails: unsupported or malformed content yields empty text so that
// ingestion can report zero chunks instead of crashing the batch.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Extract(data []byte, ext string) string {
	switch strings.ToLower(ext) {
	case ".txt", ".md":
		return string(data)
	case ".pdf":
		text, err := pdfText(data)
		if err != nil {
			slog.Warn("pdf extraction failed", "error", err)
			return ""
		}
		return text
	case ".docx":
		text, err := docxText(data)
		if err != nil {
			slog.Warn("docx extraction failed", "error", err)
			return ""
		}
		return text
	case ".xlsx":
		text, err := xlsxText(data)
		if err != nil {
			slog.Warn("xlsx extraction failed", "error", err)
			return ""
		}
		return text
	default:
		return ""
	}
}
