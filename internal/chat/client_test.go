package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/astroweb/astro-server/internal/config"
	"github.com/astroweb/astro-server/internal/domain"
	"github.com/astroweb/astro-server/internal/identity"
)

func collectStream(seq iter.Seq2[string, error]) ([]string, error) {
	var chunks []string
	for chunk, err := range seq {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func TestClientStreamsChunksInOrder(t *testing.T) {
	t.Parallel()
	var gotReq exchangeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"first ", "second ", "third"} {
			_, _ = w.Write([]byte(chunk))
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	chunks, err := collectStream(client.Stream(context.Background(), domain.TopicFinance, []domain.TranscriptEntry{
		{Role: domain.RoleUser, Content: "Should I save?"},
	}))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	// Chunk boundaries depend on network buffering; the ordered
	// concatenation is the contract.
	var joined string
	for _, c := range chunks {
		joined += c
	}
	if joined != "first second third" {
		t.Errorf("Unexpected assembled reply: %q", joined)
	}
	if gotReq.Type != "finance" {
		t.Errorf("Expected topic finance on the wire, got %q", gotReq.Type)
	}
	want := []exchangeMessage{{Role: domain.RoleUser, Content: "Should I save?"}}
	if !reflect.DeepEqual(gotReq.Messages, want) {
		t.Errorf("Unexpected transcript on the wire: %+v", gotReq.Messages)
	}
}

func TestClientGenerationFailedOnErrorStatus(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "failed to generate response"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	chunks, err := collectStream(client.Stream(context.Background(), domain.TopicLove, []domain.TranscriptEntry{
		{Role: domain.RoleUser, Content: "hello"},
	}))
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("Expected ErrGenerationFailed, got %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("Expected no chunks on failure, got %v", chunks)
	}
}

func TestClientGenerationFailedOnUnreachableServer(t *testing.T) {
	t.Parallel()
	client := NewClient("http://127.0.0.1:1", &http.Client{Timeout: time.Second})
	_, err := collectStream(client.Stream(context.Background(), domain.TopicLove, []domain.TranscriptEntry{
		{Role: domain.RoleUser, Content: "hello"},
	}))
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("Expected ErrGenerationFailed, got %v", err)
	}
}

// failingGenerator streams a few chunks then fails mid-stream.
type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, string, []domain.TranscriptEntry) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !yield("partial ", nil) {
			return
		}
		yield("", fmt.Errorf("upstream dropped the stream"))
	}
}

// TestClientSeesMidStreamAbort runs the real handler end to end: a
// mid-stream generator failure aborts the chunked body, and the client turns
// the truncated read into ErrGenerationFailed so the partial reply gets
// discarded.
func TestClientSeesMidStreamAbort(t *testing.T) {
	t.Parallel()
	h := NewHandler(NewService(failingGenerator{}, nil), config.RateLimitConfig{
		RequestsPerWindow: 100,
		WindowDuration:    time.Minute,
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleExchange(w, r.WithContext(identity.WithUserID(r.Context(), "u1")))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	_, err := collectStream(client.Stream(context.Background(), domain.TopicLove, []domain.TranscriptEntry{
		{Role: domain.RoleUser, Content: "hello"},
	}))
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("Expected ErrGenerationFailed after a mid-stream abort, got %v", err)
	}
}
