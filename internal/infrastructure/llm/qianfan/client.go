package qianfan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
)

// Client talks to Baidu Qianfan's OpenAI-compatible v2 surface. Chat and
// embeddings go through the go-openai client with ak:sk bearer auth; only the
// rerank endpoint is hand-rolled, since no client library models it.
type Client struct {
	api            *openai.Client
	baseURL        string
	token          string
	chatModel      string
	embeddingModel string
	httpClient     *http.Client
}

func New(baseURL, accessKey, secretKey, chatModel, embeddingModel string) (*Client, error) {
	if accessKey == "" || secretKey == "" {
		return nil, domain.WrapError(domain.ErrNoBackend, "init qianfan client", errors.New("access/secret key not configured"))
	}
	token := accessKey + ":" + secretKey
	httpClient := &http.Client{Timeout: 120 * time.Second}

	cfg := openai.DefaultConfig(token)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	cfg.HTTPClient = httpClient

	return &Client{
		api:            openai.NewClientWithConfig(cfg),
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		chatModel:      chatModel,
		embeddingModel: embeddingModel,
		httpClient:     httpClient,
	}, nil
}

func (c *Client) ModelName() string {
	return c.embeddingModel
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string, modelOverride string) ([][]float32, error) {
	model := c.embeddingModel
	if modelOverride != "" {
		model = modelOverride
	}
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, fmt.Errorf("qianfan embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("qianfan embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(resp.Data))
	for i, item := range resp.Data {
		out[i] = item.Embedding
	}
	return out, nil
}

func (c *Client) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.chatModel,
		Temperature: 0.2,
		MaxTokens:   maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("qianfan chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("qianfan chat completion: empty choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *Client) GenerateStream(ctx context.Context, prompt string, maxTokens int, yield func(delta string) error) error {
	stream, err := c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       c.chatModel,
		Temperature: 0.2,
		MaxTokens:   maxTokens,
		Stream:      true,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return fmt.Errorf("qianfan chat stream: %w", err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("qianfan chat stream recv: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := yield(delta); err != nil {
			return err
		}
	}
}

// Rerank calls Qianfan's native rerank endpoint and returns the raw entry
// list; interpretation of index/score fields is the caller's concern.
func (c *Client) Rerank(ctx context.Context, model, query string, documents []string, topN int) ([]map[string]any, error) {
	request := map[string]any{
		"model":     model,
		"query":     query,
		"documents": documents,
		"top_n":     topN,
	}
	var response map[string]any
	if err := c.postJSON(ctx, "/rerank", request, &response); err != nil {
		return nil, err
	}
	if code, ok := response["error_code"].(float64); ok && code != 0 {
		msg, _ := response["error_msg"].(string)
		return nil, fmt.Errorf("qianfan rerank error %.0f: %s", code, msg)
	}
	return extractEntryList(response), nil
}

func extractEntryList(body map[string]any) []map[string]any {
	for _, key := range []string{"result", "results", "data"} {
		switch val := body[key].(type) {
		case []any:
			return toEntryList(val)
		case map[string]any:
			for _, inner := range []string{"documents", "items", "data"} {
				if list, ok := val[inner].([]any); ok {
					return toEntryList(list)
				}
			}
		}
	}
	for _, key := range []string{"documents", "items"} {
		if list, ok := body[key].([]any); ok {
			return toEntryList(list)
		}
	}
	return nil
}

func toEntryList(raw []any) []map[string]any {
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if entry, ok := item.(map[string]any); ok {
			out = append(out, entry)
		}
	}
	return out
}

func (c *Client) postJSON(ctx context.Context, path string, request any, response any) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal qianfan request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create qianfan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qianfan request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if msg := strings.TrimSpace(string(raw)); msg != "" {
			return fmt.Errorf("qianfan status %s: %s", resp.Status, msg)
		}
		return fmt.Errorf("qianfan status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return fmt.Errorf("decode qianfan response: %w", err)
	}
	return nil
}
