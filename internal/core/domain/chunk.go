package domain

// Chunk is a bounded text window extracted from one source document. It is
// the atomic unit stored in the vector index.
type Chunk struct {
	ID         string            `json:"id"`
	Text       string            `json:"text"`
	Source     string            `json:"source"`
	SourceType string            `json:"source_type"`
	URL        string            `json:"url,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ScoredChunk pairs a chunk with a similarity score for one query. It is
// never persisted.
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

type SourceAttribution struct {
	Source  string  `json:"source"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

type QueryRequest struct {
	Query     string `json:"query"`
	TopK      int    `json:"top_k,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Streaming bool   `json:"streaming,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type QueryResponse struct {
	Answer    string              `json:"answer"`
	Sources   []SourceAttribution `json:"sources"`
	LatencyMS float64             `json:"latency_ms"`
}

// SnippetLimit bounds the snippet length in source attributions.
const SnippetLimit = 160

// Snippet truncates chunk text for source attributions.
func Snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= SnippetLimit {
		return text
	}
	return string(runes[:SnippetLimit])
}
