package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/astroweb/astro-server/internal/domain"
	"github.com/astroweb/astro-server/internal/store"
	"github.com/astroweb/astro-server/internal/telemetry"
)

// ErrUnknownPlan is returned when a purchase names a plan outside the catalog.
var ErrUnknownPlan = errors.New("unknown plan")

// BalancePublisher pushes settled balances to ledger subscribers. Settlement
// credits run inside the store transaction, so the ledger only needs to
// publish the result.
type BalancePublisher interface {
	Publish(userID string, balance int)
}

// Store is the slice of the repository the purchase flow needs.
type Store interface {
	CreatePurchase(ctx context.Context, p *domain.Purchase) error
	GetDuePurchases(ctx context.Context, cutoff time.Time) ([]*domain.Purchase, error)
	SettlePurchase(ctx context.Context, purchaseID string) (*domain.Purchase, int, error)
}

// Service creates pending purchases and settles them after the payment
// delay. Until a real payment provider exists, every purchase settles
// unconditionally once the delay has passed.
type Service struct {
	repo        Store
	publisher   BalancePublisher
	telemetry   telemetry.Reporter
	settleDelay time.Duration
	logger      *slog.Logger
}

// NewService creates the purchase service. reporter may be telemetry.Noop().
func NewService(repo Store, publisher BalancePublisher, reporter telemetry.Reporter, settleDelay time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		publisher:   publisher,
		telemetry:   reporter,
		settleDelay: settleDelay,
		logger:      logger,
	}
}

// Plans returns the purchasable plan catalog.
func (s *Service) Plans() []domain.Plan {
	return Catalog
}

// Create records a pending purchase for the user. Credits are granted later
// by the settlement worker, never here.
func (s *Service) Create(ctx context.Context, userID, planID string) (*domain.Purchase, error) {
	plan, ok := LookupPlan(planID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}

	p := &domain.Purchase{
		PurchaseID: uuid.NewString(),
		UserID:     userID,
		PlanID:     plan.ID,
		Credits:    plan.Credits,
		Status:     domain.PurchasePending,
		CreatedAt:  time.Now(),
	}
	if err := s.repo.CreatePurchase(ctx, p); err != nil {
		return nil, fmt.Errorf("create purchase: %w", err)
	}

	s.logger.Info("Purchase created",
		"purchase_id", p.PurchaseID,
		"user_id", userID,
		"plan_id", plan.ID,
		"credits", plan.Credits)
	return p, nil
}

// StartSettlementWorker runs a background goroutine that periodically sweeps
// for purchases past the payment delay and settles them. It stops when ctx
// is canceled.
func (s *Service) StartSettlementWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("Settlement worker started", "interval", interval, "settle_delay", s.settleDelay)

		for {
			select {
			case <-ticker.C:
				s.settleDue(ctx)
			case <-ctx.Done():
				s.logger.Info("Settlement worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// settleDue settles every pending purchase whose payment delay has elapsed.
// Settlement is idempotent in the store, so a purchase raced by a concurrent
// sweep is skipped rather than double-credited.
func (s *Service) settleDue(ctx context.Context) {
	due, err := s.repo.GetDuePurchases(ctx, time.Now().Add(-s.settleDelay))
	if err != nil {
		s.logger.Error("Settlement worker failed to list due purchases", "error", err)
		return
	}

	for _, p := range due {
		settled, balance, err := s.repo.SettlePurchase(ctx, p.PurchaseID)
		if err != nil {
			if errors.Is(err, store.ErrPurchaseNotPending) {
				continue
			}
			s.logger.Error("Settlement worker failed to settle purchase",
				"error", err,
				"purchase_id", p.PurchaseID,
				"user_id", p.UserID)
			continue
		}

		s.publisher.Publish(settled.UserID, balance)
		s.telemetry.Report(telemetry.Event{
			UserID:    settled.UserID,
			EventType: telemetry.EventPurchaseSettled,
			Meta: map[string]any{
				"purchase_id": settled.PurchaseID,
				"plan_id":     settled.PlanID,
				"credits":     settled.Credits,
				"balance":     balance,
			},
		})
		s.logger.Info("Purchase settled",
			"purchase_id", settled.PurchaseID,
			"user_id", settled.UserID,
			"credits", settled.Credits,
			"balance", balance)
	}
}
