package journeysdb

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrJourneyNotFound signals no ticket exists for the code.
var ErrJourneyNotFound = errors.New("journey not found")

// Ticket lifecycle states.
const (
	StatusPaid       = "PAID"
	StatusInTransit  = "IN_TRANSIT"
	StatusCompleted  = "COMPLETED"
	StatusCancelled  = "CANCELLED"
	StatusExpired    = "EXPIRED"
	StatusPenaltyDue = "PENALTY_DUE"
	StatusClosed     = "CLOSED"
	StatusRefunded   = "REFUNDED"
)

// Journey is one gate-to-gate ticket.
type Journey struct {
	JourneyID       string
	UserID          string
	Code            string
	Status          string
	CheckInStation  string
	Destination     string
	CheckOutStation string
	FareAmount      int64
	PenaltyAmount   int64
	RemainingUses   int64
	CreatedAt       time.Time
	CheckInAt       sql.NullTime
	CheckOutAt      sql.NullTime
}

// Store persists journeys in Postgres.
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

// InitSchema creates the journeys table if it does not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS journeys (
			journey_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			journey_code TEXT UNIQUE NOT NULL,
			status TEXT NOT NULL,
			check_in_station TEXT NOT NULL,
			destination_station TEXT NOT NULL DEFAULT '',
			check_out_station TEXT,
			fare_amount BIGINT NOT NULL,
			penalty_amount BIGINT NOT NULL DEFAULT 0,
			remaining_uses BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			check_in_at TIMESTAMPTZ,
			check_out_at TIMESTAMPTZ
		)
	`)
	return err
}

// Insert stores a freshly purchased ticket.
func (s *Store) Insert(ctx context.Context, j Journey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journeys (journey_id, user_id, journey_code, status, check_in_station, destination_station, fare_amount, remaining_uses)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		j.JourneyID, j.UserID, j.Code, j.Status, j.CheckInStation, j.Destination, j.FareAmount, j.RemainingUses,
	)
	return err
}

// GetByCode returns the journey for the ticket code.
func (s *Store) GetByCode(ctx context.Context, code string) (Journey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT journey_id, user_id, journey_code, status, check_in_station,
		       destination_station, COALESCE(check_out_station, ''), fare_amount, penalty_amount, remaining_uses,
		       created_at, check_in_at, check_out_at
		FROM journeys
		WHERE journey_code = $1`,
		code,
	)
	return scanJourney(row)
}

// Transition moves the journey from one status to another, applying the
// status-specific timestamp columns. It is guarded on the current status so a
// ticket transitions at most once per gate event; the returned bool reports
// whether this call applied the change.
func (s *Store) Transition(ctx context.Context, journeyID, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE journeys
		SET status = $3,
		    check_in_at = CASE WHEN $3 = 'IN_TRANSIT' THEN NOW() ELSE check_in_at END,
		    remaining_uses = CASE WHEN $3 = 'IN_TRANSIT' THEN remaining_uses - 1 ELSE remaining_uses END,
		    check_out_at = CASE WHEN $3 IN ('COMPLETED', 'CLOSED', 'REFUNDED') THEN NOW() ELSE check_out_at END
		WHERE journey_id = $1 AND status = $2`,
		journeyID, from, to,
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

// SetCheckOut records the exit station and penalty alongside a transition's
// final state.
func (s *Store) SetCheckOut(ctx context.Context, journeyID, station string, penalty int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE journeys
		SET check_out_station = $2, penalty_amount = $3
		WHERE journey_id = $1`,
		journeyID, station, penalty,
	)
	return err
}

// HasPenaltyDue reports whether the user has an unsettled penalty. Riders
// with dues are refused at the gate until they pay.
func (s *Store) HasPenaltyDue(ctx context.Context, userID string) (bool, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM journeys WHERE user_id = $1 AND status = 'PENALTY_DUE'`,
		userID,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// History lists the user's journeys, newest first.
func (s *Store) History(ctx context.Context, userID string) ([]Journey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT journey_id, user_id, journey_code, status, check_in_station,
		       destination_station, COALESCE(check_out_station, ''), fare_amount, penalty_amount, remaining_uses,
		       created_at, check_in_at, check_out_at
		FROM journeys
		WHERE user_id = $1
		ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var journeys []Journey
	for rows.Next() {
		j, err := scanJourney(rows)
		if err != nil {
			return nil, err
		}
		journeys = append(journeys, j)
	}
	return journeys, rows.Err()
}

// ListStaleInTransit returns tickets stuck IN_TRANSIT past the cutoff,
// feeding the missed-checkout cron.
func (s *Store) ListStaleInTransit(ctx context.Context, cutoff time.Time) ([]Journey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT journey_id, user_id, journey_code, status, check_in_station,
		       destination_station, COALESCE(check_out_station, ''), fare_amount, penalty_amount, remaining_uses,
		       created_at, check_in_at, check_out_at
		FROM journeys
		WHERE status = 'IN_TRANSIT' AND check_in_at < $1`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var journeys []Journey
	for rows.Next() {
		j, err := scanJourney(rows)
		if err != nil {
			return nil, err
		}
		journeys = append(journeys, j)
	}
	return journeys, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJourney(row rowScanner) (Journey, error) {
	var j Journey
	err := row.Scan(
		&j.JourneyID, &j.UserID, &j.Code, &j.Status, &j.CheckInStation,
		&j.Destination, &j.CheckOutStation, &j.FareAmount, &j.PenaltyAmount, &j.RemainingUses,
		&j.CreatedAt, &j.CheckInAt, &j.CheckOutAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Journey{}, ErrJourneyNotFound
	}
	if err != nil {
		return Journey{}, err
	}
	return j, nil
}
