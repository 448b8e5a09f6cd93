package tripsdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

func tripColumns() []string {
	return []string{"trip_id", "from_station", "to_station", "departure_at", "fare_per_seat", "capacity", "seats_confirmed"}
}

func TestTripStore_Get(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	departs := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	rows := sqlmock.NewRows(tripColumns()).
		AddRow("trip-1", "central", "airport", departs, int64(1500), int64(40), int64(12))
	mock.ExpectQuery("SELECT trip_id, from_station").
		WithArgs("trip-1").
		WillReturnRows(rows)
	mock.ExpectClose()

	trip, err := NewStore(db).Get(context.Background(), "trip-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if trip.Remaining() != 28 {
		t.Fatalf("remaining = %d, want 28", trip.Remaining())
	}
}

func TestTripStore_Get_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT trip_id, from_station").
		WithArgs("trip-404").
		WillReturnRows(sqlmock.NewRows(tripColumns()))
	mock.ExpectClose()

	_, err := NewStore(db).Get(context.Background(), "trip-404")
	if !errors.Is(err, ErrTripNotFound) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTripStore_Search_Filters(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	departs := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	rows := sqlmock.NewRows(tripColumns()).
		AddRow("trip-1", "central", "airport", departs, int64(1500), int64(40), int64(0)).
		AddRow("trip-2", "central", "airport", departs.Add(time.Hour), int64(1500), int64(40), int64(3))
	mock.ExpectQuery("SELECT trip_id, from_station").
		WithArgs("central", "airport").
		WillReturnRows(rows)
	mock.ExpectClose()

	trips, err := NewStore(db).Search(context.Background(), "central", "airport")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(trips) != 2 {
		t.Fatalf("got %d trips, want 2", len(trips))
	}
	if trips[1].TripID != "trip-2" {
		t.Fatalf("unexpected ordering: %+v", trips)
	}
}

func TestTripStore_ConfirmSeats(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO seat_confirmations").
		WithArgs("pay-1", "trip-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE trips").
		WithArgs("trip-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	applied, err := NewStore(db).ConfirmSeats(context.Background(), "trip-1", "pay-1", 2)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !applied {
		t.Fatal("expected confirmation to apply")
	}
}

func TestTripStore_ConfirmSeats_ReplayIsNoop(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO seat_confirmations").
		WithArgs("pay-1", "trip-1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectClose()

	applied, err := NewStore(db).ConfirmSeats(context.Background(), "trip-1", "pay-1", 2)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if applied {
		t.Fatal("replayed payment must not confirm seats again")
	}
}

func TestTripStore_ConfirmSeats_OverCapacity(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	departs := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO seat_confirmations").
		WithArgs("pay-1", "trip-1", int64(50)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE trips").
		WithArgs("trip-1", int64(50)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT trip_id, from_station").
		WithArgs("trip-1").
		WillReturnRows(sqlmock.NewRows(tripColumns()).
			AddRow("trip-1", "central", "airport", departs, int64(1500), int64(40), int64(0)))
	mock.ExpectClose()

	_, err := NewStore(db).ConfirmSeats(context.Background(), "trip-1", "pay-1", 50)
	if !errors.Is(err, ErrNotEnoughSeats) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTripStore_ConfirmSeats_TripMissing(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO seat_confirmations").
		WithArgs("pay-1", "trip-404", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE trips").
		WithArgs("trip-404", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT trip_id, from_station").
		WithArgs("trip-404").
		WillReturnRows(sqlmock.NewRows(tripColumns()))
	mock.ExpectClose()

	_, err := NewStore(db).ConfirmSeats(context.Background(), "trip-404", "pay-1", 1)
	if !errors.Is(err, ErrTripNotFound) {
		t.Fatalf("unexpected error: %v", err)
	}
}
