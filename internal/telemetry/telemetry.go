// Package telemetry writes consultation lifecycle events as NDJSON for
// offline reconciliation. The writer is asynchronous: reporting never blocks
// a request, and a full queue drops events rather than stalling chat.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types recorded by the core flows.
const (
	EventExchangeDelivered     = "exchange_delivered"
	EventExchangeFailed        = "exchange_failed"
	EventLedgerRaceDiscrepancy = "ledger_race_discrepancy"
	EventPurchaseSettled       = "purchase_settled"
)

// Event is one NDJSON line.
type Event struct {
	Timestamp string         `json:"ts"`
	UserID    string         `json:"user_id,omitempty"`
	Topic     string         `json:"topic,omitempty"`
	EventType string         `json:"event_type"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Reporter is the sink the orchestrator and purchase flows report into.
type Reporter interface {
	Report(Event)
	Close() error
}

// Config controls the NDJSON logger.
type Config struct {
	Enabled   bool
	Path      string
	QueueSize int
}

// Logger is an asynchronous NDJSON Reporter backed by a single file.
type Logger struct {
	queue   chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger
	dropped int
	mu      sync.Mutex
}

// NewLogger creates a Reporter. With Enabled=false it returns a no-op sink.
func NewLogger(cfg Config, logger *slog.Logger) (Reporter, error) {
	if !cfg.Enabled {
		return noopReporter{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create telemetry directory: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open telemetry file: %w", err)
	}

	l := &Logger{
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}

	l.wg.Add(1)
	go l.writeLoop(f)

	return l, nil
}

// Report enqueues an event. Never blocks; a full queue drops the event.
func (l *Logger) Report(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case l.queue <- event:
	default:
		l.mu.Lock()
		l.dropped++
		dropped := l.dropped
		l.mu.Unlock()
		l.logger.Warn("telemetry queue full, dropping event",
			"event_type", event.EventType, "dropped_total", dropped)
	}
}

// Close flushes queued events and closes the file.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return nil
}

func (l *Logger) writeLoop(f *os.File) {
	defer l.wg.Done()
	defer func() {
		if err := f.Close(); err != nil {
			l.logger.Warn("failed to close telemetry file", "error", err)
		}
	}()

	enc := json.NewEncoder(f)
	for {
		select {
		case event := <-l.queue:
			if err := enc.Encode(event); err != nil {
				l.logger.Warn("failed to write telemetry event", "error", err)
			}
		case <-l.done:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case event := <-l.queue:
					if err := enc.Encode(event); err != nil {
						l.logger.Warn("failed to write telemetry event", "error", err)
					}
				default:
					return
				}
			}
		}
	}
}

type noopReporter struct{}

func (noopReporter) Report(Event) {}
func (noopReporter) Close() error { return nil }

// Noop returns a Reporter that discards everything.
func Noop() Reporter { return noopReporter{} }
