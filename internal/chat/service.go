package chat

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/astroweb/astro-server/internal/domain"
	"github.com/astroweb/astro-server/internal/genai"
	"github.com/astroweb/astro-server/internal/persona"
)

// Service runs one consultation exchange against the generation backend:
// persona resolution plus a single streamed completion.
type Service struct {
	generator genai.Generator
	logger    *slog.Logger
}

// NewService creates a chat service over a generator.
func NewService(generator genai.Generator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{generator: generator, logger: logger}
}

// Stream produces the assistant reply chunks for a transcript on a topic.
// Unknown topics silently resolve to the love persona. All failures carry
// ErrGenerationFailed.
func (s *Service) Stream(ctx context.Context, topic domain.Topic, transcript []domain.TranscriptEntry) iter.Seq2[string, error] {
	p := persona.ResolveTopic(topic)
	return func(yield func(string, error) bool) {
		for chunk, err := range s.generator.Generate(ctx, p.SystemPrompt, transcript) {
			if err != nil {
				yield("", fmt.Errorf("%w: %v", ErrGenerationFailed, err))
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}
