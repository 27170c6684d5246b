package genai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/astroweb/astro-server/internal/config"
	"github.com/astroweb/astro-server/internal/domain"
	"github.com/sashabaranov/go-openai"
)

// OpenAIGenerator streams completions from an OpenAI-compatible endpoint.
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	logger      *slog.Logger
}

// NewOpenAIGenerator creates a generator from generation config. A non-empty
// BaseURL points the client at any OpenAI-compatible service.
func NewOpenAIGenerator(cfg config.GenerationConfig, logger *slog.Logger) *OpenAIGenerator {
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIGenerator{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.RequestTimeout,
		logger:      logger,
	}
}

// Generate runs one streaming completion. Chunks are yielded in arrival
// order; the hard request timeout covers the whole stream, and a timeout
// surfaces as an error like any other upstream failure.
func (g *OpenAIGenerator) Generate(ctx context.Context, systemPrompt string, transcript []domain.TranscriptEntry) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		messages := make([]openai.ChatCompletionMessage, 0, len(transcript)+1)
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
		for _, entry := range transcript {
			role := openai.ChatMessageRoleUser
			if entry.Role == domain.RoleAssistant {
				role = openai.ChatMessageRoleAssistant
			}
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    role,
				Content: entry.Content,
			})
		}

		stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:       g.model,
			Messages:    messages,
			Temperature: g.temperature,
			MaxTokens:   g.maxTokens,
			Stream:      true,
		})
		if err != nil {
			yield("", fmt.Errorf("create completion stream: %w", err))
			return
		}
		defer func() {
			if closeErr := stream.Close(); closeErr != nil {
				g.logger.Warn("failed to close completion stream", "error", closeErr)
			}
		}()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("completion stream: %w", err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			chunk := resp.Choices[0].Delta.Content
			if chunk == "" {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}
