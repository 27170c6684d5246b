package balance

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/astroweb/astro-server/internal/identity"
)

// LedgerSource is the slice of the ledger the socket needs: a snapshot read
// for the initial frame and a subscription for everything after.
type LedgerSource interface {
	Balance(ctx context.Context, userID string) (int, error)
	Subscribe(userID string) (<-chan int, func())
}

// WebSocketHandler upgrades GET /ws/balance and pushes one frame per balance
// change: {"type":"balance","chats_left":N}. Frames are snapshots, not
// deltas; a client that misses intermediate values still converges on the
// latest balance.
type WebSocketHandler struct {
	ledger        LedgerSource
	registry      *Registry
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new balance socket handler.
func NewWebSocketHandler(ledger LedgerSource, registry *Registry, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		ledger:        ledger,
		registry:      registry,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// balanceFrame is the wire form of one balance push.
type balanceFrame struct {
	Type      string `json:"type"`
	ChatsLeft int    `json:"chats_left"`
}

// wsMessage is the client-to-server message envelope (ping only for now).
type wsMessage struct {
	Type string `json:"type"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	slog.Info("Balance socket connection request", "user_id", userID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	connID := uuid.NewString()
	h.registry.Register(userID, connID, ws)
	defer h.registry.Unregister(userID, connID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before the snapshot read so a credit landing in between
	// is not lost.
	updates, unsubscribe := h.ledger.Subscribe(userID)
	defer unsubscribe()

	balance, err := h.ledger.Balance(ctx, userID)
	if err != nil {
		slog.Error("Failed to read balance for socket", "error", err, "user_id", userID)
		return
	}
	if err := h.writeJSON(ctx, ws, balanceFrame{Type: "balance", ChatsLeft: balance}); err != nil {
		slog.Debug("Failed to send initial balance", "error", err, "user_id", userID)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Read loop: pings and client-initiated close.
	go func() {
		defer wg.Done()
		defer cancel()
		h.readLoop(ctx, ws, userID)
	}()

	// Push loop: ledger updates -> WebSocket.
	go func() {
		defer wg.Done()
		defer cancel()
		h.pushLoop(ctx, ws, updates, userID)
	}()

	wg.Wait()
	slog.Info("Balance socket closed", "user_id", userID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("Balance socket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, userID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("Balance socket closed by client", "user_id", userID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := h.writeJSON(ctx, ws, wsMessage{Type: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err, "user_id", userID)
				return
			}
		}
	}
}

func (h *WebSocketHandler) pushLoop(ctx context.Context, ws *websocket.Conn, updates <-chan int, userID string) {
	for {
		select {
		case balance := <-updates:
			if err := h.writeJSON(ctx, ws, balanceFrame{Type: "balance", ChatsLeft: balance}); err != nil {
				slog.Debug("Failed to push balance update", "error", err, "user_id", userID)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
