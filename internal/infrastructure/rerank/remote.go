package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var resultListKeys = []string{"results", "data", "result"}

// remoteStrategy calls an OpenAI-compatible /rerank endpoint.
type remoteStrategy struct {
	model   string
	apiKey  string
	baseURL string
	limit   int
	client  *http.Client
}

func newRemoteStrategy(model, apiKey, baseURL string, limit int) *remoteStrategy {
	return &remoteStrategy{
		model:   model,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		limit:   limit,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *remoteStrategy) name() string { return "remote" }

func (s *remoteStrategy) candidateLimit(topK int) int {
	if s.limit > topK {
		return s.limit
	}
	return topK
}

func (s *remoteStrategy) rerank(ctx context.Context, query string, docs []string, topN int) ([]scoredEntry, error) {
	payload := map[string]any{
		"model":     s.model,
		"query":     query,
		"documents": docs,
		"top_n":     topN,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read rerank response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("rerank endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	// A response with no usable entries is not an error: the caller pads
	// the result from the recall order.
	return parseEntries(extractItemList(parsed), docs), nil
}

// extractItemList finds the entry list in a rerank response body, probing
// the common envelope keys.
func extractItemList(parsed map[string]any) []map[string]any {
	for _, key := range resultListKeys {
		value, ok := parsed[key]
		if !ok {
			continue
		}
		if items := toItemList(value); len(items) > 0 {
			return items
		}
	}
	return nil
}

func toItemList(value any) []map[string]any {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	items := make([]map[string]any, 0, len(list))
	for _, element := range list {
		if item, ok := element.(map[string]any); ok {
			items = append(items, item)
		}
	}
	return items
}
