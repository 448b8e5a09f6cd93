package accountsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrUserNotFound signals the account does not exist.
var ErrUserNotFound = errors.New("user not found")

// ErrInsufficientFunds signals a debit would overdraw the available balance.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Account is a passenger's stored balance.
type Account struct {
	UserID   string
	FullName string
	Email    string
	Balance  int64
}

// Store persists account balances in Postgres.
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

// InitSchema creates the accounts tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			user_id TEXT PRIMARY KEY,
			full_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			balance BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS account_captures (
			payment_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// Get returns the account for the user id.
func (s *Store) Get(ctx context.Context, userID string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, full_name, email, balance
		FROM accounts
		WHERE user_id = $1`,
		userID,
	)

	var acc Account
	switch err := row.Scan(&acc.UserID, &acc.FullName, &acc.Email, &acc.Balance); {
	case err == nil:
		return acc, nil
	case errors.Is(err, sql.ErrNoRows):
		return Account{}, ErrUserNotFound
	default:
		return Account{}, err
	}
}

// Deduct debits the balance as a single atomic conditional update. The debit
// is rejected unless balance covers both the amount and reservedHolds, so the
// synchronous path cannot spend funds that an outstanding saga hold still
// claims. Nothing is applied on rejection.
func (s *Store) Deduct(ctx context.Context, userID string, amount, reservedHolds int64) error {
	if amount <= 0 {
		return fmt.Errorf("deduct amount must be positive, got %d", amount)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2 + $3`,
		userID, amount, reservedHolds,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	// Distinguish a missing account from an overdraw.
	if _, err := s.Get(ctx, userID); err != nil {
		return err
	}
	return ErrInsufficientFunds
}

// Capture debits the balance for a payment at most once. The ledger row and
// the conditional update commit together, so a replayed payment id reports
// applied=false without touching the balance.
func (s *Store) Capture(ctx context.Context, userID, paymentID string, amount, reservedHolds int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("capture amount must be positive, got %d", amount)
	}
	if paymentID == "" {
		return false, fmt.Errorf("capture payment id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO account_captures (payment_id, user_id, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (payment_id) DO NOTHING`,
		paymentID, userID, amount,
	)
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		return false, tx.Commit()
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2 + $3`,
		userID, amount, reservedHolds,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		_ = tx.Rollback()
		if _, err := s.Get(ctx, userID); err != nil {
			return false, err
		}
		return false, ErrInsufficientFunds
	}
	return true, tx.Commit()
}

// TopUp credits the balance.
func (s *Store) TopUp(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("top-up amount must be positive, got %d", amount)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE user_id = $1`,
		userID, amount,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}
