package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/astroweb/astro-server/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		chats_left INTEGER NOT NULL DEFAULT 0 CHECK (chats_left >= 0),
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS purchases (
		purchase_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(user_id),
		plan_id TEXT NOT NULL,
		credits INTEGER NOT NULL CHECK (credits >= 1),
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		settled_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_purchases_pending ON purchases(created_at) WHERE status = 'pending';
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, chats_left, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(
		&user.UserID, &user.Username, &user.ChatsLeft,
		&lastSeen, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record. The credit balance is written
// only on first insert; upserting an existing user never touches chats_left,
// which belongs to the ledger.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, chats_left, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username, user.ChatsLeft,
		user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// DebitConsultation performs the atomic check-then-decrement. The guard
// lives in the UPDATE itself so concurrent debits can never drive the
// balance negative, regardless of how many screens race.
func (s *SQLiteStore) DebitConsultation(ctx context.Context, userID string) (int, error) {
	query := `
		UPDATE users SET chats_left = chats_left - 1, updated_at = ?
		WHERE user_id = ? AND chats_left > 0`

	result, err := s.db.ExecContext(ctx, query, time.Now().Unix(), userID)
	if err != nil {
		return 0, fmt.Errorf("debit consultation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		user, getErr := s.GetUser(ctx, userID)
		if getErr != nil {
			return 0, getErr
		}
		if user == nil {
			return 0, ErrUserNotFound
		}
		return 0, ErrInsufficientCredit
	}

	return s.balance(ctx, userID)
}

// CreditConsultations increments chats_left by n and returns the new balance.
func (s *SQLiteStore) CreditConsultations(ctx context.Context, userID string, n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("credit count must be >= 1, got %d", n)
	}

	query := `UPDATE users SET chats_left = chats_left + ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, n, time.Now().Unix(), userID)
	if err != nil {
		return 0, fmt.Errorf("credit consultations: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return 0, ErrUserNotFound
	}

	return s.balance(ctx, userID)
}

func (s *SQLiteStore) balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := s.db.QueryRowContext(ctx, `SELECT chats_left FROM users WHERE user_id = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// CreatePurchase records a pending purchase.
func (s *SQLiteStore) CreatePurchase(ctx context.Context, p *domain.Purchase) error {
	query := `
		INSERT INTO purchases (purchase_id, user_id, plan_id, credits, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		p.PurchaseID, p.UserID, p.PlanID, p.Credits, string(p.Status), p.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create purchase: %w", err)
	}
	return nil
}

// GetDuePurchases retrieves pending purchases created before cutoff.
func (s *SQLiteStore) GetDuePurchases(ctx context.Context, cutoff time.Time) ([]*domain.Purchase, error) {
	query := `
		SELECT purchase_id, user_id, plan_id, credits, status, created_at, settled_at
		FROM purchases WHERE status = 'pending' AND created_at <= ?`

	rows, err := s.db.QueryContext(ctx, query, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("query due purchases: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close due purchases rows", "error", closeErr)
		}
	}()

	var purchases []*domain.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due purchases: %w", err)
	}

	return purchases, nil
}

// SettlePurchase marks a pending purchase settled and credits its user
// atomically. The status guard in the UPDATE makes settlement idempotent
// under concurrent sweeps: only one settles, the rest see ErrPurchaseNotPending.
func (s *SQLiteStore) SettlePurchase(ctx context.Context, purchaseID string) (*domain.Purchase, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin settle tx: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
			slog.Warn("failed to rollback settle tx", "error", rollbackErr)
		}
	}()

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`UPDATE purchases SET status = 'settled', settled_at = ? WHERE purchase_id = ? AND status = 'pending'`,
		now.Unix(), purchaseID,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("settle purchase: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, 0, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, 0, ErrPurchaseNotPending
	}

	row := tx.QueryRowContext(ctx,
		`SELECT purchase_id, user_id, plan_id, credits, status, created_at, settled_at
		 FROM purchases WHERE purchase_id = ?`, purchaseID)
	p, err := scanPurchase(row)
	if err != nil {
		return nil, 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET chats_left = chats_left + ?, updated_at = ? WHERE user_id = ?`,
		p.Credits, now.Unix(), p.UserID,
	); err != nil {
		return nil, 0, fmt.Errorf("credit settled purchase: %w", err)
	}

	var balance int
	if err := tx.QueryRowContext(ctx,
		`SELECT chats_left FROM users WHERE user_id = ?`, p.UserID,
	).Scan(&balance); err != nil {
		return nil, 0, fmt.Errorf("read settled balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit settle tx: %w", err)
	}

	return p, balance, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (*domain.Purchase, error) {
	var p domain.Purchase
	var status string
	var createdAt int64
	var settledAt sql.NullInt64

	err := row.Scan(&p.PurchaseID, &p.UserID, &p.PlanID, &p.Credits, &status, &createdAt, &settledAt)
	if err == sql.ErrNoRows {
		return nil, ErrPurchaseNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("scan purchase row: %w", err)
	}

	p.Status = domain.PurchaseStatus(status)
	p.CreatedAt = time.Unix(createdAt, 0)
	if settledAt.Valid {
		ts := time.Unix(settledAt.Int64, 0)
		p.SettledAt = &ts
	}

	return &p, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
