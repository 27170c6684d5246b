package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/astroweb/astro-server/internal/domain"
	"github.com/astroweb/astro-server/internal/ledger"
	"github.com/astroweb/astro-server/internal/telemetry"
)

// State is the orchestrator's exchange phase.
type State int

const (
	// StateIdle accepts new submissions.
	StateIdle State = iota
	// StateAwaitingStream rejects submissions until the in-flight exchange
	// finishes, successfully or not.
	StateAwaitingStream
)

// Submission outcomes that leave the transcript and balance untouched.
var (
	ErrEmptyMessage     = errors.New("empty message")
	ErrConversationBusy = errors.New("consultation already in progress")
)

// Streamer produces an ordered reply chunk sequence for a transcript.
// chat.Service and chat.Client both satisfy it.
type Streamer interface {
	Stream(ctx context.Context, topic domain.Topic, transcript []domain.TranscriptEntry) iter.Seq2[string, error]
}

// CreditLedger is the slice of the ledger the orchestrator needs: a balance
// precheck before streaming and the post-delivery debit.
type CreditLedger interface {
	Balance(ctx context.Context, userID string) (int, error)
	TryDebit(ctx context.Context, userID string) (int, error)
}

// Result describes a completed exchange.
type Result struct {
	// Reply is the assembled assistant message appended to the transcript.
	Reply domain.Message
	// Balance is the credit balance after the exchange.
	Balance int
	// Charged is false when the post-delivery debit failed even though the
	// reply was delivered (the balance raced to zero mid-exchange).
	Charged bool
}

// Orchestrator runs one consultation: it owns the conversation transcript
// and admits at most one exchange at a time. A submission appends the user
// turn optimistically, streams the reply, and charges one credit only after
// the full reply has been assembled. A failed stream keeps the user turn,
// appends nothing, and charges nothing.
type Orchestrator struct {
	userID    string
	streamer  Streamer
	ledger    CreditLedger
	telemetry telemetry.Reporter
	logger    *slog.Logger

	mu    sync.Mutex
	conv  *Conversation
	state State
}

// NewOrchestrator creates an orchestrator for one user and topic. reporter
// may be telemetry.Noop().
func NewOrchestrator(userID string, topic domain.Topic, streamer Streamer, ledger CreditLedger, reporter telemetry.Reporter, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		userID:    userID,
		streamer:  streamer,
		ledger:    ledger,
		telemetry: reporter,
		logger:    logger,
		conv:      NewConversation(topic),
		state:     StateIdle,
	}
}

// State returns the current exchange phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Conversation returns a snapshot of the transcript.
func (o *Orchestrator) Conversation() []domain.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conv.Messages()
}

// Submit runs one exchange for the given user text. It is a guarded no-op
// when the text is blank, when an exchange is already in flight, or when the
// balance is zero (ledger.ErrInsufficientCredit; the caller should offer the
// purchase flow). On any rejected or failed submission the balance is
// unchanged and nothing but the optimistic user turn is appended.
func (o *Orchestrator) Submit(ctx context.Context, text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	topic, transcript, err := o.admit(ctx, text)
	if err != nil {
		return nil, err
	}

	content, streamErr := o.collect(ctx, topic, transcript)
	if streamErr != nil {
		o.finishFailed(topic, streamErr)
		return nil, streamErr
	}

	return o.finishDelivered(ctx, topic, content), nil
}

// admit holds the lock just long enough to check the state and balance and
// append the optimistic user turn. The transcript snapshot it returns is
// what gets streamed, so turns submitted later cannot leak into this
// exchange.
func (o *Orchestrator) admit(ctx context.Context, text string) (domain.Topic, []domain.TranscriptEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateIdle {
		return "", nil, ErrConversationBusy
	}

	balance, err := o.ledger.Balance(ctx, o.userID)
	if err != nil {
		return "", nil, fmt.Errorf("balance check: %w", err)
	}
	if balance <= 0 {
		return "", nil, ledger.ErrInsufficientCredit
	}

	o.conv.append(domain.RoleUser, text)
	o.state = StateAwaitingStream
	return o.conv.Topic(), o.conv.Transcript(), nil
}

// collect drains the chunk sequence into a single reply. An error mid-stream
// or an entirely empty reply discards everything received so far.
func (o *Orchestrator) collect(ctx context.Context, topic domain.Topic, transcript []domain.TranscriptEntry) (string, error) {
	var reply strings.Builder
	for chunk, err := range o.streamer.Stream(ctx, topic, transcript) {
		if err != nil {
			return "", err
		}
		reply.WriteString(chunk)
	}
	if reply.Len() == 0 {
		return "", fmt.Errorf("empty reply from stream")
	}
	return reply.String(), nil
}

func (o *Orchestrator) finishFailed(topic domain.Topic, streamErr error) {
	o.mu.Lock()
	o.state = StateIdle
	o.mu.Unlock()

	o.logger.Error("Exchange failed", "user_id", o.userID, "topic", topic, "error", streamErr)
	o.telemetry.Report(telemetry.Event{
		UserID:    o.userID,
		Topic:     string(topic),
		EventType: telemetry.EventExchangeFailed,
		Meta:      map[string]any{"error": streamErr.Error()},
	})
}

// finishDelivered appends the assistant turn and charges one credit. The
// reply has already been shown to the user at this point, so a failed debit
// does not roll it back: the discrepancy is reported and the exchange goes
// uncharged.
func (o *Orchestrator) finishDelivered(ctx context.Context, topic domain.Topic, content string) *Result {
	o.mu.Lock()
	reply := o.conv.append(domain.RoleAssistant, content)
	o.state = StateIdle
	o.mu.Unlock()

	balance, err := o.ledger.TryDebit(ctx, o.userID)
	charged := err == nil
	if err != nil {
		o.logger.Warn("Delivered reply could not be charged", "user_id", o.userID, "topic", topic, "error", err)
		o.telemetry.Report(telemetry.Event{
				UserID:    o.userID,
			Topic:     string(topic),
			EventType: telemetry.EventLedgerRaceDiscrepancy,
			Meta:      map[string]any{"error": err.Error()},
		})
		if b, berr := o.ledger.Balance(ctx, o.userID); berr == nil {
			balance = b
		}
	} else {
		o.telemetry.Report(telemetry.Event{
				UserID:    o.userID,
			Topic:     string(topic),
			EventType: telemetry.EventExchangeDelivered,
			Meta:      map[string]any{"reply_chars": len(content)},
		})
	}

	return &Result{Reply: reply, Balance: balance, Charged: charged}
}
