package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/astroweb/astro-server/internal/domain"
	"github.com/astroweb/astro-server/internal/identity"
	"github.com/astroweb/astro-server/internal/store"
	"github.com/astroweb/astro-server/internal/telemetry"
)

// capturePublisher records published balances.
type capturePublisher struct {
	mu        sync.Mutex
	published []int
}

func (c *capturePublisher) Publish(_ string, balance int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, balance)
}

func (c *capturePublisher) last() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.published) == 0 {
		return 0, false
	}
	return c.published[len(c.published)-1], true
}

func newTestService(t *testing.T, settleDelay time.Duration) (*Service, store.Repository, *capturePublisher) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	publisher := &capturePublisher{}
	return NewService(repo, publisher, telemetry.Noop(), settleDelay, nil), repo, publisher
}

func jsonBody(s string) *strings.Reader {
	return strings.NewReader(s)
}

func seedUser(t *testing.T, repo store.Repository, userID string, chatsLeft int) {
	t.Helper()
	now := time.Now()
	err := repo.UpsertUser(context.Background(), &domain.User{
		UserID:     userID,
		Username:   "seeker",
		ChatsLeft:  chatsLeft,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("Failed to seed user: %v", err)
	}
}

func TestCreateRejectsUnknownPlan(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, time.Hour)

	if _, err := svc.Create(context.Background(), "u1", "mega-deal"); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("Expected ErrUnknownPlan, got %v", err)
	}
}

func TestCreateRecordsPendingPurchase(t *testing.T) {
	t.Parallel()
	svc, repo, _ := newTestService(t, time.Hour)
	seedUser(t, repo, "u1", 0)

	p, err := svc.Create(context.Background(), "u1", "bundle-5")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if p.Status != domain.PurchasePending {
		t.Errorf("Expected pending status, got %q", p.Status)
	}
	if p.Credits != 5 {
		t.Errorf("Expected 5 credits, got %d", p.Credits)
	}

	// Nothing is credited until settlement.
	user, err := repo.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.ChatsLeft != 0 {
		t.Errorf("Expected balance to stay 0 before settlement, got %d", user.ChatsLeft)
	}
}

func TestSettleDueCreditsAndPublishes(t *testing.T) {
	t.Parallel()
	svc, repo, publisher := newTestService(t, 0)
	seedUser(t, repo, "u1", 2)

	p, err := svc.Create(context.Background(), "u1", "single")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	svc.settleDue(context.Background())

	user, err := repo.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.ChatsLeft != 3 {
		t.Errorf("Expected balance 3 after settlement, got %d", user.ChatsLeft)
	}
	if balance, ok := publisher.last(); !ok || balance != 3 {
		t.Errorf("Expected published balance 3, got %d (published=%v)", balance, ok)
	}

	// A second sweep finds nothing to settle.
	svc.settleDue(context.Background())
	user, _ = repo.GetUser(context.Background(), "u1")
	if user.ChatsLeft != 3 {
		t.Errorf("Expected settlement to be idempotent, got balance %d", user.ChatsLeft)
	}

	due, err := repo.GetDuePurchases(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("GetDuePurchases failed: %v", err)
	}
	for _, d := range due {
		if d.PurchaseID == p.PurchaseID {
			t.Error("Expected the settled purchase to leave the due set")
		}
	}
}

func TestSettleDueHonorsPaymentDelay(t *testing.T) {
	t.Parallel()
	svc, repo, _ := newTestService(t, time.Hour)
	seedUser(t, repo, "u1", 0)

	if _, err := svc.Create(context.Background(), "u1", "single"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	svc.settleDue(context.Background())

	user, err := repo.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.ChatsLeft != 0 {
		t.Errorf("Expected no credit before the delay elapses, got %d", user.ChatsLeft)
	}
}

func TestSettlementWorkerEndToEnd(t *testing.T) {
	t.Parallel()
	svc, repo, publisher := newTestService(t, 50*time.Millisecond)
	seedUser(t, repo, "u1", 0)

	if _, err := svc.Create(context.Background(), "u1", "bundle-10"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.StartSettlementWorker(ctx, 20*time.Millisecond)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if balance, ok := publisher.last(); ok && balance == 10 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Settlement worker never credited the purchase")
}

func TestCreatePurchaseHandler(t *testing.T) {
	t.Parallel()
	svc, repo, _ := newTestService(t, time.Hour)
	seedUser(t, repo, "u1", 0)
	h := NewHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/purchase", jsonBody(`{"plan_id": "single"}`))
	req = req.WithContext(identity.WithUserID(req.Context(), "u1"))
	rec := httptest.NewRecorder()
	h.CreatePurchase(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var p domain.Purchase
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if p.Status != domain.PurchasePending || p.Credits != 1 {
		t.Errorf("Unexpected purchase: %+v", p)
	}
}

func TestCreatePurchaseHandlerUnknownPlan(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, time.Hour)
	h := NewHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/purchase", jsonBody(`{"plan_id": "mega"}`))
	req = req.WithContext(identity.WithUserID(req.Context(), "u1"))
	rec := httptest.NewRecorder()
	h.CreatePurchase(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestListPlansHandler(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, time.Hour)
	h := NewHandler(svc)

	rec := httptest.NewRecorder()
	h.ListPlans(rec, httptest.NewRequest(http.MethodGet, "/api/plans", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body struct {
		Plans []domain.Plan `json:"plans"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(body.Plans) != 3 {
		t.Fatalf("Expected 3 plans, got %d", len(body.Plans))
	}
	if body.Plans[0].ID != "single" || body.Plans[0].Credits != 1 {
		t.Errorf("Unexpected first plan: %+v", body.Plans[0])
	}
}
