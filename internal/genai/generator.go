// Package genai talks to the remote text-generation service.
package genai

import (
	"context"
	"iter"

	"github.com/astroweb/astro-server/internal/domain"
)

// Generator produces one streamed completion for a system prompt and an
// ordered transcript. The returned sequence is finite, delivers chunks in
// arrival order, and is not restartable.
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, transcript []domain.TranscriptEntry) iter.Seq2[string, error]
}
