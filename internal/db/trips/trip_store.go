package tripsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTripNotFound signals the trip does not exist.
var ErrTripNotFound = errors.New("trip not found")

// ErrNotEnoughSeats signals a confirmation would exceed the trip's capacity.
var ErrNotEnoughSeats = errors.New("not enough seats")

// Trip is a scheduled departure with a fixed seat capacity.
type Trip struct {
	TripID      string
	FromStation string
	ToStation   string
	DepartureAt time.Time
	FarePerSeat int64
	Capacity    int64
	Confirmed   int64
}

// Remaining returns the seats not yet permanently consumed. Active locks are
// tracked by the hold store, not here.
func (t Trip) Remaining() int64 { return t.Capacity - t.Confirmed }

// Store persists trips and their committed seat usage in Postgres.
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

// InitSchema creates the trips tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS trips (
			trip_id TEXT PRIMARY KEY,
			from_station TEXT NOT NULL,
			to_station TEXT NOT NULL,
			departure_at TIMESTAMPTZ NOT NULL,
			fare_per_seat BIGINT NOT NULL,
			capacity BIGINT NOT NULL,
			seats_confirmed BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'Scheduled'
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS seat_confirmations (
			payment_id TEXT PRIMARY KEY,
			trip_id TEXT NOT NULL,
			seats BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// Get returns the trip for the id.
func (s *Store) Get(ctx context.Context, tripID string) (Trip, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trip_id, from_station, to_station, departure_at, fare_per_seat, capacity, seats_confirmed
		FROM trips
		WHERE trip_id = $1`,
		tripID,
	)

	var t Trip
	switch err := row.Scan(&t.TripID, &t.FromStation, &t.ToStation, &t.DepartureAt, &t.FarePerSeat, &t.Capacity, &t.Confirmed); {
	case err == nil:
		return t, nil
	case errors.Is(err, sql.ErrNoRows):
		return Trip{}, ErrTripNotFound
	default:
		return Trip{}, err
	}
}

// Search lists scheduled trips, optionally filtered by stations.
func (s *Store) Search(ctx context.Context, fromStation, toStation string) ([]Trip, error) {
	query := `
		SELECT trip_id, from_station, to_station, departure_at, fare_per_seat, capacity, seats_confirmed
		FROM trips
		WHERE status = 'Scheduled'`
	args := []any{}
	if fromStation != "" {
		args = append(args, fromStation)
		query += fmt.Sprintf(" AND from_station = $%d", len(args))
	}
	if toStation != "" {
		args = append(args, toStation)
		query += fmt.Sprintf(" AND to_station = $%d", len(args))
	}
	query += " ORDER BY departure_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trips []Trip
	for rows.Next() {
		var t Trip
		if err := rows.Scan(&t.TripID, &t.FromStation, &t.ToStation, &t.DepartureAt, &t.FarePerSeat, &t.Capacity, &t.Confirmed); err != nil {
			return nil, err
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// ConfirmSeats converts locked seats into permanent usage at most once per
// payment. The confirmation ledger row and the seat counter commit together,
// so a replayed payment id reports applied=false without moving the counter.
// Rejected when the confirmation would exceed capacity.
func (s *Store) ConfirmSeats(ctx context.Context, tripID, paymentID string, seats int64) (bool, error) {
	if seats <= 0 {
		return false, fmt.Errorf("seat count must be positive, got %d", seats)
	}
	if paymentID == "" {
		return false, fmt.Errorf("confirm payment id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO seat_confirmations (payment_id, trip_id, seats)
		VALUES ($1, $2, $3)
		ON CONFLICT (payment_id) DO NOTHING`,
		paymentID, tripID, seats,
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
		UPDATE trips
		SET seats_confirmed = seats_confirmed + $2
		WHERE trip_id = $1 AND capacity - seats_confirmed >= $2`,
		tripID, seats,
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
		if _, err := s.Get(ctx, tripID); err != nil {
			return false, err
		}
		return false, ErrNotEnoughSeats
	}
	return true, tx.Commit()
}
