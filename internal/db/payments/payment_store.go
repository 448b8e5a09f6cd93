package paymentsdb

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrPaymentNotFound signals no completed payment exists for the id.
var ErrPaymentNotFound = errors.New("payment not found")

// Payment is a finalized (completed) saga outcome.
type Payment struct {
	PaymentID   string
	UserID      string
	TripID      string
	Seats       int64
	Amount      int64
	Status      string
	CompletedAt time.Time
}

// Store persists completed payments in Postgres.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store backed by Postgres.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewStoreWithSchema initializes the schema then returns the store.
func NewStoreWithSchema(ctx context.Context, db *sql.DB) (*Store, error) {
	store := NewStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the payments table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			payment_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			trip_id TEXT NOT NULL,
			seats BIGINT NOT NULL,
			amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// RecordCompleted inserts the completed payment exactly once. A redelivered
// finalization is a no-op; the returned bool reports whether this call
// inserted the row.
func (s *Store) RecordCompleted(ctx context.Context, p Payment) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (payment_id, user_id, trip_id, seats, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (payment_id) DO NOTHING`,
		p.PaymentID, p.UserID, p.TripID, p.Seats, p.Amount, p.Status,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Get returns the completed payment for the id.
func (s *Store) Get(ctx context.Context, paymentID string) (Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payment_id, user_id, trip_id, seats, amount, status, completed_at
		FROM payments
		WHERE payment_id = $1`,
		paymentID,
	)

	var p Payment
	switch err := row.Scan(&p.PaymentID, &p.UserID, &p.TripID, &p.Seats, &p.Amount, &p.Status, &p.CompletedAt); {
	case err == nil:
		return p, nil
	case errors.Is(err, sql.ErrNoRows):
		return Payment{}, ErrPaymentNotFound
	default:
		return Payment{}, err
	}
}
