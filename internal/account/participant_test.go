package account

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"faregate/internal/bus"
	accountsdb "faregate/internal/db/accounts"
	"faregate/internal/event"
	"faregate/internal/holdstore"
)

type fixture struct {
	participant *Participant
	bus         *bus.LocalBus
	holds       *holdstore.Store
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
	holds := holdstore.NewStore(client, "balance", holdstore.WithLogf(t.Logf))
	p := NewParticipant(accountsdb.NewStore(db), holds, lb, WithLogf(t.Logf))

	return &fixture{participant: p, bus: lb, holds: holds, mock: mock}
}

func accountRows(balance int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"user_id", "full_name", "email", "balance"}).
		AddRow("user-1", "Dana Kim", "dana@example.com", balance)
}

func initiated(paymentID string, amount int64) event.Envelope {
	return event.Envelope{
		Kind:          event.PaymentInitiated,
		CorrelationID: paymentID,
		Payload: event.Payload{
			PaymentID: paymentID,
			UserID:    "user-1",
			TripID:    "trip-1",
			Seats:     2,
			Amount:    amount,
		},
	}
}

func TestHold_PublishesBalanceHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT user_id").WithArgs("user-1").WillReturnRows(accountRows(10000))
	f.mock.ExpectClose()

	if err := f.participant.Handle(ctx, initiated("pay-1", 3000)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	held := f.bus.PublishedOf(event.BalanceHeld)
	if len(held) != 1 {
		t.Fatalf("got %d balance_held events, want 1", len(held))
	}
	if held[0].Payload.PaymentID != "pay-1" {
		t.Fatalf("unexpected payload: %+v", held[0].Payload)
	}

	total, err := f.holds.TotalHeld(ctx, "user-1")
	if err != nil || total != 3000 {
		t.Fatalf("total held = %d, err = %v", total, err)
	}
}

func TestHold_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT user_id").WithArgs("user-1").WillReturnRows(accountRows(1000))
	f.mock.ExpectClose()

	if err := f.participant.Handle(ctx, initiated("pay-1", 3000)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	failed := f.bus.PublishedOf(event.BalanceHoldFailed)
	if len(failed) != 1 {
		t.Fatalf("got %d hold_failed events, want 1", len(failed))
	}
	if failed[0].Payload.ReasonCode != ReasonInsufficientFunds {
		t.Fatalf("reason = %q", failed[0].Payload.ReasonCode)
	}
	if len(f.bus.PublishedOf(event.BalanceHeld)) != 0 {
		t.Fatal("no balance_held expected")
	}
}

func TestHold_CountsConcurrentHoldsAgainstBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT user_id").WithArgs("user-1").WillReturnRows(accountRows(5000))
	f.mock.ExpectQuery("SELECT user_id").WithArgs("user-1").WillReturnRows(accountRows(5000))
	f.mock.ExpectClose()

	if err := f.participant.Handle(ctx, initiated("pay-1", 3000)); err != nil {
		t.Fatalf("first hold: %v", err)
	}
	if err := f.participant.Handle(ctx, initiated("pay-2", 3000)); err != nil {
		t.Fatalf("second hold: %v", err)
	}

	// The second payment must fail: 3000 held + 3000 requested > 5000.
	failed := f.bus.PublishedOf(event.BalanceHoldFailed)
	if len(failed) != 1 || failed[0].Payload.PaymentID != "pay-2" {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestHold_UserNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT user_id").WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "full_name", "email", "balance"}))
	f.mock.ExpectClose()

	if err := f.participant.Handle(ctx, initiated("pay-1", 3000)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	failed := f.bus.PublishedOf(event.BalanceHoldFailed)
	if len(failed) != 1 || failed[0].Payload.ReasonCode != ReasonUserNotFound {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestCapture_DeductsAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT user_id").WithArgs("user-1").WillReturnRows(accountRows(10000))
	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO account_captures").
		WithArgs("pay-1", "user-1", int64(3000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE accounts").
		WithArgs("user-1", int64(3000), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.mock.ExpectClose()

	if err := f.participant.Handle(ctx, initiated("pay-1", 3000)); err != nil {
		t.Fatalf("hold: %v", err)
	}

	auth := initiated("pay-1", 3000)
	auth.Kind = event.PaymentAuthorized
	if err := f.participant.Handle(ctx, auth); err != nil {
		t.Fatalf("capture: %v", err)
	}

	if got := f.bus.PublishedOf(event.BalanceUpdated); len(got) != 1 {
		t.Fatalf("got %d balance_updated events, want 1", len(got))
	}

	total, err := f.holds.TotalHeld(ctx, "user-1")
	if err != nil || total != 0 {
		t.Fatalf("total held after capture = %d, err = %v", total, err)
	}
}

func TestCapture_RedeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT user_id").WithArgs("user-1").WillReturnRows(accountRows(10000))
	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO account_captures").
		WithArgs("pay-1", "user-1", int64(3000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE accounts").
		WithArgs("user-1", int64(3000), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.mock.ExpectClose()

	if err := f.participant.Handle(ctx, initiated("pay-1", 3000)); err != nil {
		t.Fatalf("hold: %v", err)
	}

	auth := initiated("pay-1", 3000)
	auth.Kind = event.PaymentAuthorized
	if err := f.participant.Handle(ctx, auth); err != nil {
		t.Fatalf("first capture: %v", err)
	}
	if err := f.participant.Handle(ctx, auth); err != nil {
		t.Fatalf("redelivered capture: %v", err)
	}

	// Exactly one deduction and one balance_updated despite the redelivery.
	if got := f.bus.PublishedOf(event.BalanceUpdated); len(got) != 1 {
		t.Fatalf("got %d balance_updated events, want 1", len(got))
	}
}

func TestCapture_TransientFailureLeavesHoldForRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT user_id").WithArgs("user-1").WillReturnRows(accountRows(10000))

	// First delivery fails mid-debit. The hold must survive so the broker's
	// redelivery can finish the capture.
	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO account_captures").
		WithArgs("pay-1", "user-1", int64(3000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE accounts").
		WithArgs("user-1", int64(3000), int64(0)).
		WillReturnError(errors.New("connection reset"))
	f.mock.ExpectRollback()

	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO account_captures").
		WithArgs("pay-1", "user-1", int64(3000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE accounts").
		WithArgs("user-1", int64(3000), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.mock.ExpectClose()

	if err := f.participant.Handle(ctx, initiated("pay-1", 3000)); err != nil {
		t.Fatalf("hold: %v", err)
	}

	auth := initiated("pay-1", 3000)
	auth.Kind = event.PaymentAuthorized
	if err := f.participant.Handle(ctx, auth); err == nil {
		t.Fatal("expected transient capture failure")
	}

	total, err := f.holds.TotalHeld(ctx, "user-1")
	if err != nil || total != 3000 {
		t.Fatalf("hold lost after failed capture: total = %d, err = %v", total, err)
	}

	if err := f.participant.Handle(ctx, auth); err != nil {
		t.Fatalf("redelivered capture: %v", err)
	}
	if got := f.bus.PublishedOf(event.BalanceUpdated); len(got) != 1 {
		t.Fatalf("got %d balance_updated events, want 1", len(got))
	}
	total, err = f.holds.TotalHeld(ctx, "user-1")
	if err != nil || total != 0 {
		t.Fatalf("total held after capture = %d, err = %v", total, err)
	}
}

func TestRelease_DropsHoldWithoutDeduction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectQuery("SELECT user_id").WithArgs("user-1").WillReturnRows(accountRows(10000))
	f.mock.ExpectClose()

	if err := f.participant.Handle(ctx, initiated("pay-1", 3000)); err != nil {
		t.Fatalf("hold: %v", err)
	}

	rel := initiated("pay-1", 3000)
	rel.Kind = event.PaymentUnauthorized
	if err := f.participant.Handle(ctx, rel); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := f.participant.Handle(ctx, rel); err != nil {
		t.Fatalf("redelivered release: %v", err)
	}

	if got := f.bus.PublishedOf(event.BalanceReleased); len(got) != 1 {
		t.Fatalf("got %d balance_released events, want 1", len(got))
	}

	total, err := f.holds.TotalHeld(ctx, "user-1")
	if err != nil || total != 0 {
		t.Fatalf("total held after release = %d, err = %v", total, err)
	}
}

func TestRelease_WithoutHoldIsSilent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mock.ExpectClose()

	rel := initiated("pay-unknown", 3000)
	rel.Kind = event.PaymentUnauthorized
	if err := f.participant.Handle(ctx, rel); err != nil {
		t.Fatalf("release: %v", err)
	}

	if got := f.bus.Published(); len(got) != 0 {
		t.Fatalf("expected no events, got %+v", got)
	}
}

func TestOnHoldExpired_PublishesRelease(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectClose()

	f.participant.OnHoldExpired(context.Background(), "user-1", "pay-1", 3000)

	got := f.bus.PublishedOf(event.BalanceReleased)
	if len(got) != 1 {
		t.Fatalf("got %d balance_released events, want 1", len(got))
	}
	if got[0].Payload.PaymentID != "pay-1" || got[0].Payload.Amount != 3000 {
		t.Fatalf("unexpected payload: %+v", got[0].Payload)
	}
}

func TestHoldTTLOptionApplies(t *testing.T) {
	p := NewParticipant(nil, nil, bus.NewLocalBus(), WithHoldTTL(time.Minute))
	if p.holdTTL != time.Minute {
		t.Fatalf("holdTTL = %v", p.holdTTL)
	}
}
