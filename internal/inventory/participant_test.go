package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"faregate/internal/bus"
	tripsdb "faregate/internal/db/trips"
	"faregate/internal/event"
	"faregate/internal/holdstore"
)

type fixture struct {
	participant *Participant
	bus         *bus.LocalBus
	locks       *holdstore.Store
	mock        sqlmock.Sqlmock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lb := bus.NewLocalBus()
	locks := holdstore.NewStore(client, "seats", holdstore.WithLogf(t.Logf))
	p := NewParticipant(tripsdb.NewStore(db), locks, lb, WithLogf(t.Logf))

	return &fixture{participant: p, bus: lb, locks: locks, mock: mock}
}

func tripRows(capacity, confirmed int64) *sqlmock.Rows {
	departs := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{"trip_id", "from_station", "to_station", "departure_at", "fare_per_seat", "capacity", "seats_confirmed"}).
		AddRow("trip-1", "central", "airport", departs, int64(1500), capacity, confirmed)
}

func initiated(paymentID string, seats int64) event.Envelope {
	return event.Envelope{
		Kind:          event.PaymentInitiated,
		CorrelationID: paymentID,
		Payload: event.Payload{
			PaymentID: paymentID,
			UserID:    "user-1",
			TripID:    "trip-1",
			Seats:     seats,
			Amount:    seats * 1500,
		},
	}
}

func TestLock_PublishesSeatsLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT trip_id").WithArgs("trip-1").WillReturnRows(tripRows(40, 0))
	f.mock.ExpectClose()

	if err := f.participant.Handle(ctx, initiated("pay-1", 2)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	locked := f.bus.PublishedOf(event.SeatsLocked)
	if len(locked) != 1 || locked[0].Payload.Seats != 2 {
		t.Fatalf("unexpected seats_locked: %+v", locked)
	}

	total, err := f.locks.TotalHeld(ctx, "trip-1")
	if err != nil || total != 2 {
		t.Fatalf("total locked = %d, err = %v", total, err)
	}
}

func TestLock_NotEnoughSeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two seats remain unconfirmed but three are requested.
	f.mock.ExpectQuery("SELECT trip_id").WithArgs("trip-1").WillReturnRows(tripRows(40, 38))
	f.mock.ExpectClose()

	if err := f.participant.Handle(ctx, initiated("pay-1", 3)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	failed := f.bus.PublishedOf(event.SeatsLockFailed)
	if len(failed) != 1 || failed[0].Payload.ReasonCode != ReasonNotEnoughSeats {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestLock_CountsConcurrentLocksAgainstRemaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT trip_id").WithArgs("trip-1").WillReturnRows(tripRows(40, 37))
	f.mock.ExpectQuery("SELECT trip_id").WithArgs("trip-1").WillReturnRows(tripRows(40, 37))
	f.mock.ExpectClose()

	if err := f.participant.Handle(ctx, initiated("pay-1", 2)); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if err := f.participant.Handle(ctx, initiated("pay-2", 2)); err != nil {
		t.Fatalf("second lock: %v", err)
	}

	// Three seats remain; the second two-seat lock must fail.
	failed := f.bus.PublishedOf(event.SeatsLockFailed)
	if len(failed) != 1 || failed[0].Payload.PaymentID != "pay-2" {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestLock_TripNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT trip_id").WithArgs("trip-1").
		WillReturnRows(sqlmock.NewRows([]string{"trip_id", "from_station", "to_station", "departure_at", "fare_per_seat", "capacity", "seats_confirmed"}))
	f.mock.ExpectClose()

	if err := f.participant.Handle(ctx, initiated("pay-1", 1)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	failed := f.bus.PublishedOf(event.SeatsLockFailed)
	if len(failed) != 1 || failed[0].Payload.ReasonCode != ReasonTripNotFound {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestConfirm_CommitsSeats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT trip_id").WithArgs("trip-1").WillReturnRows(tripRows(40, 0))
	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO seat_confirmations").
		WithArgs("pay-1", "trip-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE trips").
		WithArgs("trip-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.mock.ExpectClose()

	if err := f.participant.Handle(ctx, initiated("pay-1", 2)); err != nil {
		t.Fatalf("lock: %v", err)
	}

	auth := initiated("pay-1", 2)
	auth.Kind = event.PaymentAuthorized
	if err := f.participant.Handle(ctx, auth); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := f.participant.Handle(ctx, auth); err != nil {
		t.Fatalf("redelivered confirm: %v", err)
	}

	// Exactly one ConfirmSeats call and one event despite the redelivery.
	if got := f.bus.PublishedOf(event.SeatsConfirmed); len(got) != 1 {
		t.Fatalf("got %d seats_confirmed events, want 1", len(got))
	}

	total, err := f.locks.TotalHeld(ctx, "trip-1")
	if err != nil || total != 0 {
		t.Fatalf("total locked after confirm = %d, err = %v", total, err)
	}
}

func TestConfirm_TransientFailureLeavesLockForRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT trip_id").WithArgs("trip-1").WillReturnRows(tripRows(40, 0))

	// First delivery fails mid-commit. The lock must survive so the broker's
	// redelivery can finish the confirmation.
	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO seat_confirmations").
		WithArgs("pay-1", "trip-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE trips").
		WithArgs("trip-1", int64(2)).
		WillReturnError(errors.New("connection reset"))
	f.mock.ExpectRollback()

	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO seat_confirmations").
		WithArgs("pay-1", "trip-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE trips").
		WithArgs("trip-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.mock.ExpectClose()

	if err := f.participant.Handle(ctx, initiated("pay-1", 2)); err != nil {
		t.Fatalf("lock: %v", err)
	}

	auth := initiated("pay-1", 2)
	auth.Kind = event.PaymentAuthorized
	if err := f.participant.Handle(ctx, auth); err == nil {
		t.Fatal("expected transient confirm failure")
	}

	total, err := f.locks.TotalHeld(ctx, "trip-1")
	if err != nil || total != 2 {
		t.Fatalf("lock lost after failed confirm: total = %d, err = %v", total, err)
	}

	if err := f.participant.Handle(ctx, auth); err != nil {
		t.Fatalf("redelivered confirm: %v", err)
	}
	if got := f.bus.PublishedOf(event.SeatsConfirmed); len(got) != 1 {
		t.Fatalf("got %d seats_confirmed events, want 1", len(got))
	}
	total, err = f.locks.TotalHeld(ctx, "trip-1")
	if err != nil || total != 0 {
		t.Fatalf("total locked after confirm = %d, err = %v", total, err)
	}
}

func TestUnlock_DropsLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT trip_id").WithArgs("trip-1").WillReturnRows(tripRows(40, 0))
	f.mock.ExpectClose()

	if err := f.participant.Handle(ctx, initiated("pay-1", 2)); err != nil {
		t.Fatalf("lock: %v", err)
	}

	rel := initiated("pay-1", 2)
	rel.Kind = event.PaymentUnauthorized
	if err := f.participant.Handle(ctx, rel); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := f.participant.Handle(ctx, rel); err != nil {
		t.Fatalf("redelivered unlock: %v", err)
	}

	if got := f.bus.PublishedOf(event.SeatsUnlocked); len(got) != 1 {
		t.Fatalf("got %d seats_unlocked events, want 1", len(got))
	}

	total, err := f.locks.TotalHeld(ctx, "trip-1")
	if err != nil || total != 0 {
		t.Fatalf("total locked after unlock = %d, err = %v", total, err)
	}
}

func TestOnLockExpired_PublishesUnlock(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectClose()

	f.participant.OnLockExpired(context.Background(), "trip-1", "pay-1", 2)

	got := f.bus.PublishedOf(event.SeatsUnlocked)
	if len(got) != 1 || got[0].Payload.Seats != 2 {
		t.Fatalf("unexpected seats_unlocked: %+v", got)
	}
}
