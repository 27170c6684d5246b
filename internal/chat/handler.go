package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/astroweb/astro-server/internal/config"
	"github.com/astroweb/astro-server/internal/domain"
	"github.com/astroweb/astro-server/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// maxRequestBodySize caps transcript payloads (1MB).
const maxRequestBodySize = 1 << 20

// exchangeMessage is one transcript entry on the wire. Older clients send
// isUser instead of role; role wins when both are present.
type exchangeMessage struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
	IsUser  *bool       `json:"isUser,omitempty"`
}

func (m exchangeMessage) role() domain.Role {
	if m.Role == domain.RoleUser || m.Role == domain.RoleAssistant {
		return m.Role
	}
	if m.IsUser != nil && *m.IsUser {
		return domain.RoleUser
	}
	return domain.RoleAssistant
}

// exchangeRequest is the POST /api/chat body.
type exchangeRequest struct {
	Messages []exchangeMessage `json:"messages"`
	Type     string            `json:"type"`
}

// Handler serves the consultation exchange endpoint.
type Handler struct {
	service     *Service
	rateLimiter *RateLimiter
}

// NewHandler creates the exchange handler.
func NewHandler(service *Service, rateCfg config.RateLimitConfig) *Handler {
	return &Handler{
		service:     service,
		rateLimiter: NewRateLimiter(rateCfg.RequestsPerWindow, rateCfg.WindowDuration),
	}
}

// RegisterRoutes registers chat routes (behind the identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.HandleExchange)
}

// HandleExchange handles POST /api/chat requests. Success is a chunked text
// body assembled by the caller into one assistant message; failures before
// the first chunk are a JSON {"error": ...} with a non-200 status.
func (h *Handler) HandleExchange(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}

	transcript := make([]domain.TranscriptEntry, 0, len(req.Messages))
	for _, m := range req.Messages {
		transcript = append(transcript, domain.TranscriptEntry{
			Role:    m.role(),
			Content: m.Content,
		})
	}
	topic := domain.ParseTopic(req.Type)
	reqID := chiMiddleware.GetReqID(r.Context())

	slog.Info("Consultation exchange request",
		"user_id", userID,
		"topic", topic,
		"transcript_len", len(transcript),
		"request_id", reqID,
	)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	started := time.Now()
	wroteChunk := false
	for chunk, err := range h.service.Stream(r.Context(), topic, transcript) {
		if err != nil {
			if !wroteChunk {
				slog.Error("Exchange failed before first chunk", "error", err, "user_id", userID, "request_id", reqID)
				writeError(w, http.StatusBadGateway, "failed to generate response")
				return
			}
			// Headers are gone; abort the body so the client sees a
			// truncated stream instead of a silently short message.
			slog.Error("Exchange failed mid-stream", "error", err, "user_id", userID, "request_id", reqID)
			panic(http.ErrAbortHandler)
		}

		if !wroteChunk {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			wroteChunk = true
		}
		if _, err := w.Write([]byte(chunk)); err != nil {
			slog.Warn("failed to write exchange chunk", "error", err, "user_id", userID)
			return
		}
		flusher.Flush()
	}

	if !wroteChunk {
		// A completion with no content is not a delivered exchange.
		slog.Warn("Exchange produced no chunks", "user_id", userID, "request_id", reqID)
		writeError(w, http.StatusBadGateway, "empty response from generator")
		return
	}

	slog.Info("Consultation exchange delivered",
		"user_id", userID,
		"topic", topic,
		"duration", time.Since(started),
		"request_id", reqID,
	)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		slog.Warn("failed to encode error response", "error", err)
	}
}
