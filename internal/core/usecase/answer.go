package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
	"github.com/wenhao-zhang/campus-rag/internal/core/ports"
)

// Generator renders the retrieved context into a prompt and calls the chat
// backend.
type Generator struct {
	chat            ports.ChatBackend
	maxContextChars int
	maxTokens       int
}

func NewGenerator(chat ports.ChatBackend, maxContextChars, maxTokens int) *Generator {
	return &Generator{
		chat:            chat,
		maxContextChars: maxContextChars,
		maxTokens:       maxTokens,
	}
}

func (g *Generator) Answer(ctx context.Context, query string, hits []domain.ScoredChunk, maxTokens int) (string, error) {
	prompt := buildAnswerPrompt(query, buildContext(hits, g.maxContextChars))
	return g.chat.Generate(ctx, prompt, g.tokens(maxTokens))
}

func (g *Generator) AnswerStream(ctx context.Context, query string, hits []domain.ScoredChunk, maxTokens int, yield func(delta string) error) error {
	prompt := buildAnswerPrompt(query, buildContext(hits, g.maxContextChars))
	return g.chat.GenerateStream(ctx, prompt, g.tokens(maxTokens), yield)
}

func (g *Generator) tokens(maxTokens int) int {
	if maxTokens > 0 {
		return maxTokens
	}
	return g.maxTokens
}

// buildContext packs ranked chunks into the prompt budget. The budget counts
// runes; the first chunk that does not fit ends the context, it is never
// truncated.
func buildContext(hits []domain.ScoredChunk, maxChars int) string {
	var parts []string
	used := 0
	for _, hit := range hits {
		line := fmt.Sprintf("[来源:%s] %s\n", hit.Chunk.Source, hit.Chunk.Text)
		length := len([]rune(line))
		if used+length > maxChars {
			break
		}
		parts = append(parts, line)
		used += length
	}
	return strings.Join(parts, "\n")
}
