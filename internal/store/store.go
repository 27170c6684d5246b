// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/astroweb/astro-server/internal/domain"
)

var (
	// ErrUserNotFound is returned when an operation references an unknown user.
	ErrUserNotFound = errors.New("user not found")
	// ErrInsufficientCredit is returned when a debit would drive the balance
	// below zero. The balance is left unchanged.
	ErrInsufficientCredit = errors.New("insufficient consultation credit")
	// ErrPurchaseNotPending is returned when settling a purchase that is
	// missing or already settled.
	ErrPurchaseNotPending = errors.New("purchase is not pending")
)

// Repository defines the interface for persisting users and purchases.
type Repository interface {
	// GetUser retrieves a user by ID. Returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record. ChatsLeft is only written
	// on insert; existing balances are never overwritten by an upsert.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// DebitConsultation atomically decrements chats_left by one, guarded by
	// chats_left > 0, and returns the new balance. Fails with
	// ErrInsufficientCredit (balance unchanged) when the guard does not hold.
	DebitConsultation(ctx context.Context, userID string) (int, error)

	// CreditConsultations increments chats_left by n (n >= 1) and returns
	// the new balance.
	CreditConsultations(ctx context.Context, userID string, n int) (int, error)

	// CreatePurchase records a pending purchase.
	CreatePurchase(ctx context.Context, p *domain.Purchase) error

	// GetDuePurchases retrieves pending purchases created before cutoff.
	GetDuePurchases(ctx context.Context, cutoff time.Time) ([]*domain.Purchase, error)

	// SettlePurchase marks a pending purchase settled and credits its user
	// in a single transaction, returning the settled purchase and the user's
	// new balance.
	SettlePurchase(ctx context.Context, purchaseID string) (*domain.Purchase, int, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
