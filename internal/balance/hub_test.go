package balance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/astroweb/astro-server/internal/domain"
	"github.com/astroweb/astro-server/internal/identity"
	"github.com/astroweb/astro-server/internal/ledger"
)

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	conn := &websocket.Conn{}

	r.Register("user123", "conn-1", conn)

	if active := r.GetActive("user123", "conn-1"); active != conn {
		t.Errorf("Expected connection %v, got %v", conn, active)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	conn := &websocket.Conn{}

	r.Register("user123", "conn-1", conn)
	r.Unregister("user123", "conn-1", conn)

	if active := r.GetActive("user123", "conn-1"); active != nil {
		t.Errorf("Expected nil connection, got %v", active)
	}
}

func TestRegistry_UnregisterStale(t *testing.T) {
	r := NewRegistry()
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}

	r.Register("user123", "conn-1", conn1)

	// A second tab stays active when the first one unregisters.
	r.Register("user123", "conn-2", conn2)

	r.Unregister("user123", "conn-1", conn1)

	if active := r.GetActive("user123", "conn-2"); active != conn2 {
		t.Errorf("Expected connection %v, got %v", conn2, active)
	}
	if count := r.Count("user123"); count != 1 {
		t.Errorf("Expected 1 connection, got %d", count)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	userID := "concurrentUser"

	go func() {
		for i := 0; i < 1000; i++ {
			r.Register(userID, "conn-"+strconv.Itoa(i), &websocket.Conn{})
		}
	}()

	go func() {
		for i := 0; i < 1000; i++ {
			r.GetActive(userID, "conn-"+strconv.Itoa(i))
		}
	}()

	time.Sleep(100 * time.Millisecond)
}

// ledgerBackend is an in-memory ledger backend for socket tests.
type ledgerBackend struct {
	balance int
}

func (b *ledgerBackend) GetUser(context.Context, string) (*domain.User, error) {
	return &domain.User{UserID: "u1", ChatsLeft: b.balance}, nil
}

func (b *ledgerBackend) DebitConsultation(context.Context, string) (int, error) {
	b.balance--
	return b.balance, nil
}

func (b *ledgerBackend) CreditConsultations(_ context.Context, _ string, n int) (int, error) {
	b.balance += n
	return b.balance, nil
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) balanceFrame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	var frame balanceFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("Failed to decode frame %q: %v", data, err)
	}
	return frame
}

func TestWebSocketPushesBalanceUpdates(t *testing.T) {
	t.Parallel()
	creditLedger := ledger.New(&ledgerBackend{balance: 3})
	h := NewWebSocketHandler(creditLedger, NewRegistry(), "*", true)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(identity.WithUserID(r.Context(), "u1")))
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	if frame := readFrame(t, ctx, conn); frame.Type != "balance" || frame.ChatsLeft != 3 {
		t.Fatalf("Unexpected initial frame: %+v", frame)
	}

	if _, err := creditLedger.Credit(ctx, "u1", 5); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if frame := readFrame(t, ctx, conn); frame.Type != "balance" || frame.ChatsLeft != 8 {
		t.Fatalf("Unexpected pushed frame: %+v", frame)
	}

	if _, err := creditLedger.TryDebit(ctx, "u1"); err != nil {
		t.Fatalf("TryDebit failed: %v", err)
	}
	if frame := readFrame(t, ctx, conn); frame.ChatsLeft != 7 {
		t.Fatalf("Unexpected debit frame: %+v", frame)
	}
}
