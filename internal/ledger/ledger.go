// Package ledger owns the per-user consultation credit balance. All debits
// and credits flow through it so every balance change can be published to
// subscribers (the reactive-balance surfaces).
package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/astroweb/astro-server/internal/domain"
	"github.com/astroweb/astro-server/internal/store"
)

// ErrInsufficientCredit is returned by TryDebit when the balance is zero.
// The balance is left unchanged and the caller should route the user to the
// purchase flow.
var ErrInsufficientCredit = store.ErrInsufficientCredit

// Backend is the storage contract behind the ledger: balance reads plus an
// atomic conditional decrement and an unconditional increment, per user.
// store.Repository satisfies it; tests supply fakes.
type Backend interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	DebitConsultation(ctx context.Context, userID string) (int, error)
	CreditConsultations(ctx context.Context, userID string, n int) (int, error)
}

// Ledger exposes atomic balance operations plus a subscription mechanism for
// balance updates made anywhere in the process.
type Ledger struct {
	backend Backend

	mu      sync.RWMutex
	subs    map[string]map[int64]chan int
	nextSub int64
}

// New creates a ledger over the given storage backend.
func New(backend Backend) *Ledger {
	return &Ledger{
		backend: backend,
		subs:    make(map[string]map[int64]chan int),
	}
}

// Balance reads the user's current balance without changing it.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	user, err := l.backend.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, store.ErrUserNotFound
	}
	return user.ChatsLeft, nil
}

// TryDebit atomically decrements the user's balance by one. It fails with
// ErrInsufficientCredit when the balance is zero, leaving it unchanged.
// Successful debits are published to the user's subscribers.
func (l *Ledger) TryDebit(ctx context.Context, userID string) (int, error) {
	balance, err := l.backend.DebitConsultation(ctx, userID)
	if err != nil {
		return 0, err
	}
	l.Publish(userID, balance)
	return balance, nil
}

// Credit increments the user's balance by n (n >= 1) and publishes the new
// balance.
func (l *Ledger) Credit(ctx context.Context, userID string, n int) (int, error) {
	balance, err := l.backend.CreditConsultations(ctx, userID, n)
	if err != nil {
		return 0, err
	}
	l.Publish(userID, balance)
	return balance, nil
}

// Subscribe registers for balance updates for a user. The returned cancel
// func must be called to release the subscription. Publishes never block: a
// subscriber that falls behind loses intermediate values, latest wins.
func (l *Ledger) Subscribe(userID string) (<-chan int, func()) {
	ch := make(chan int, 1)

	l.mu.Lock()
	l.nextSub++
	id := l.nextSub
	if _, ok := l.subs[userID]; !ok {
		l.subs[userID] = make(map[int64]chan int)
	}
	l.subs[userID][id] = ch
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if chans, ok := l.subs[userID]; ok {
			delete(chans, id)
			if len(chans) == 0 {
				delete(l.subs, userID)
			}
		}
		l.mu.Unlock()
	}
	return ch, cancel
}

// Publish pushes a balance value to all subscribers of a user. Exposed so
// balance changes applied outside TryDebit/Credit (purchase settlement runs
// its credit inside a store transaction) still reach subscribers.
func (l *Ledger) Publish(userID string, balance int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ch := range l.subs[userID] {
		// Drain a stale value so the latest balance always lands.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- balance:
		default:
		}
	}
}

// IsInsufficientCredit reports whether err is the zero-balance debit failure.
func IsInsufficientCredit(err error) bool {
	return errors.Is(err, ErrInsufficientCredit)
}
