package rerank

import (
	"encoding/json"
	"strconv"
	"strings"
)

// scoredEntry is one candidate reference extracted from a rerank response.
type scoredEntry struct {
	Index    int
	Score    float64
	HasScore bool
}

var indexKeys = []string{"index", "position", "document_index", "doc_index", "order"}

var scoreKeys = []string{"relevance_score", "score", "similarity", "rerank_score", "probability"}

// parseEntries normalizes the wildly varying rerank response shapes into
// candidate indices with optional scores. Entries that name no resolvable
// candidate are dropped.
func parseEntries(items []map[string]any, docs []string) []scoredEntry {
	entries := make([]scoredEntry, 0, len(items))
	for _, item := range items {
		index := -1
		for _, key := range indexKeys {
			if value, ok := item[key]; ok {
				if parsed, ok := toInt(value); ok {
					index = parsed
					break
				}
			}
		}
		if index < 0 {
			index = matchByText(item, docs)
		}
		if index < 0 || index >= len(docs) {
			continue
		}

		entry := scoredEntry{Index: index}
		for _, key := range scoreKeys {
			if value, ok := item[key]; ok {
				if parsed, ok := toFloat(value); ok {
					entry.Score = parsed
					entry.HasScore = true
					break
				}
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

// matchByText resolves an entry with no index field by comparing its text
// payload to the candidate documents.
func matchByText(item map[string]any, docs []string) int {
	text := ""
	if value, ok := item["document"]; ok {
		switch doc := value.(type) {
		case string:
			text = doc
		case map[string]any:
			if inner, ok := doc["text"].(string); ok {
				text = inner
			}
		}
	}
	if text == "" {
		if inner, ok := item["text"].(string); ok {
			text = inner
		}
	}
	if text == "" {
		return -1
	}
	text = strings.TrimSpace(text)
	for i, doc := range docs {
		if strings.TrimSpace(doc) == text {
			return i
		}
	}
	return -1
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return int(parsed), true
		}
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		if parsed, err := v.Float64(); err == nil {
			return parsed, true
		}
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
