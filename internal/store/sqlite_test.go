package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/astroweb/astro-server/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "astro.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func seedUser(t *testing.T, repo Repository, userID string, chatsLeft int) {
	t.Helper()
	now := time.Now()
	err := repo.UpsertUser(context.Background(), &domain.User{
		UserID:     userID,
		Username:   "seeker-" + userID,
		ChatsLeft:  chatsLeft,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
}

func TestDebitConsultation(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	seedUser(t, repo, "u1", 2)

	balance, err := repo.DebitConsultation(context.Background(), "u1")
	if err != nil {
		t.Fatalf("DebitConsultation failed: %v", err)
	}
	if balance != 1 {
		t.Errorf("Expected balance 1, got %d", balance)
	}

	if _, err := repo.DebitConsultation(context.Background(), "u1"); err != nil {
		t.Fatalf("second debit failed: %v", err)
	}

	_, err = repo.DebitConsultation(context.Background(), "u1")
	if !errors.Is(err, ErrInsufficientCredit) {
		t.Errorf("Expected ErrInsufficientCredit, got %v", err)
	}

	user, err := repo.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.ChatsLeft != 0 {
		t.Errorf("Expected balance 0 after failed debit, got %d", user.ChatsLeft)
	}
}

func TestDebitConsultationUnknownUser(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)

	_, err := repo.DebitConsultation(context.Background(), "ghost")
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

// Successful debits never exceed the starting balance, and the balance never
// goes negative, no matter how many debits race.
func TestDebitConsultationConcurrent(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)

	const initial = 5
	const attempts = 25
	seedUser(t, repo, "racer", initial)

	var successes atomic.Int64
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			_, err := repo.DebitConsultation(context.Background(), "racer")
			if err == nil {
				successes.Add(1)
			} else if !errors.Is(err, ErrInsufficientCredit) {
				t.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != initial {
		t.Errorf("Expected exactly %d successful debits, got %d", initial, got)
	}

	user, err := repo.GetUser(context.Background(), "racer")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.ChatsLeft != 0 {
		t.Errorf("Expected balance 0, got %d", user.ChatsLeft)
	}
}

func TestCreditConsultations(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	seedUser(t, repo, "u2", 0)

	balance, err := repo.CreditConsultations(context.Background(), "u2", 5)
	if err != nil {
		t.Fatalf("CreditConsultations failed: %v", err)
	}
	if balance != 5 {
		t.Errorf("Expected balance 5, got %d", balance)
	}

	if _, err := repo.CreditConsultations(context.Background(), "u2", 0); err == nil {
		t.Error("Expected error for credit count < 1")
	}

	if _, err := repo.CreditConsultations(context.Background(), "ghost", 1); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestUpsertUserPreservesBalance(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	seedUser(t, repo, "u3", 3)

	if _, err := repo.DebitConsultation(context.Background(), "u3"); err != nil {
		t.Fatalf("DebitConsultation failed: %v", err)
	}

	// Re-upsert as the identity middleware does on every visit; the balance
	// must not reset to the seed value.
	seedUser(t, repo, "u3", 3)

	user, err := repo.GetUser(context.Background(), "u3")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.ChatsLeft != 2 {
		t.Errorf("Expected balance 2 after re-upsert, got %d", user.ChatsLeft)
	}
}

func TestSettlePurchase(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	seedUser(t, repo, "buyer", 0)

	p := &domain.Purchase{
		PurchaseID: "p1",
		UserID:     "buyer",
		PlanID:     "bundle-5",
		Credits:    5,
		Status:     domain.PurchasePending,
		CreatedAt:  time.Now().Add(-time.Minute),
	}
	if err := repo.CreatePurchase(context.Background(), p); err != nil {
		t.Fatalf("CreatePurchase failed: %v", err)
	}

	due, err := repo.GetDuePurchases(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("GetDuePurchases failed: %v", err)
	}
	if len(due) != 1 || due[0].PurchaseID != "p1" {
		t.Fatalf("Expected purchase p1 due, got %v", due)
	}

	settled, balance, err := repo.SettlePurchase(context.Background(), "p1")
	if err != nil {
		t.Fatalf("SettlePurchase failed: %v", err)
	}
	if settled.Status != domain.PurchaseSettled || settled.SettledAt == nil {
		t.Errorf("Expected settled purchase, got %+v", settled)
	}
	if balance != 5 {
		t.Errorf("Expected balance 5 after settlement, got %d", balance)
	}

	// Second settle attempt must be a no-op.
	if _, _, err := repo.SettlePurchase(context.Background(), "p1"); !errors.Is(err, ErrPurchaseNotPending) {
		t.Errorf("Expected ErrPurchaseNotPending, got %v", err)
	}

	user, err := repo.GetUser(context.Background(), "buyer")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.ChatsLeft != 5 {
		t.Errorf("Expected balance 5, got %d", user.ChatsLeft)
	}
}
