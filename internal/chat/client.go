package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/astroweb/astro-server/internal/domain"
)

// DefaultExchangeTimeout is the wall-clock limit for one whole exchange.
const DefaultExchangeTimeout = 30 * time.Second

// Client consumes the exchange endpoint: one POST per exchange, the chunked
// response body yielded as text chunks in arrival order. A Client performs
// no retries and keeps no state between exchanges.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an exchange client for the given server base URL. A nil
// httpClient gets a default with the standard exchange timeout; pass a
// client with a cookie jar to carry the identity cookie.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultExchangeTimeout}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// Stream performs one exchange: the full transcript plus the topic go up,
// the assistant reply comes back as a finite chunk sequence. Any transport
// or status failure carries ErrGenerationFailed; when that happens no
// chunks beyond those already yielded arrive, and the caller must discard
// the partial content.
func (c *Client) Stream(ctx context.Context, topic domain.Topic, transcript []domain.TranscriptEntry) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		payload, err := json.Marshal(exchangeRequest{
			Messages: toExchangeMessages(transcript),
			Type:     string(topic),
		})
		if err != nil {
			yield("", fmt.Errorf("%w: encode request: %v", ErrGenerationFailed, err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
		if err != nil {
			yield("", fmt.Errorf("%w: build request: %v", ErrGenerationFailed, err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			yield("", fmt.Errorf("%w: %v", ErrGenerationFailed, err))
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			yield("", fmt.Errorf("%w: %s", ErrGenerationFailed, upstreamError(resp)))
			return
		}

		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				if !yield(string(buf[:n]), nil) {
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				// Includes truncated chunked bodies from a mid-stream
				// server abort.
				yield("", fmt.Errorf("%w: read stream: %v", ErrGenerationFailed, err))
				return
			}
		}
	}
}

func toExchangeMessages(transcript []domain.TranscriptEntry) []exchangeMessage {
	msgs := make([]exchangeMessage, 0, len(transcript))
	for _, entry := range transcript {
		msgs = append(msgs, exchangeMessage{Role: entry.Role, Content: entry.Content})
	}
	return msgs
}

// upstreamError extracts the {"error": ...} body of a failed exchange,
// falling back to the HTTP status.
func upstreamError(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		return fmt.Sprintf("status %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}
