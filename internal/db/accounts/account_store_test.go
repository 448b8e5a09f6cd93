package accountsdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"

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

func TestAccountStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS accounts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS account_captures").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if _, err := NewStoreWithSchema(context.Background(), db); err != nil {
		t.Fatalf("schema: %v", err)
	}
}

func TestAccountStore_Get(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	rows := sqlmock.NewRows([]string{"user_id", "full_name", "email", "balance"}).
		AddRow("user-1", "Dana Kim", "dana@example.com", int64(12000))
	mock.ExpectQuery("SELECT user_id, full_name, email, balance").
		WithArgs("user-1").
		WillReturnRows(rows)
	mock.ExpectClose()

	acc, err := NewStore(db).Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acc.Balance != 12000 || acc.Email != "dana@example.com" {
		t.Fatalf("unexpected account: %+v", acc)
	}
}

func TestAccountStore_Get_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT user_id, full_name, email, balance").
		WithArgs("user-404").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "full_name", "email", "balance"}))
	mock.ExpectClose()

	_, err := NewStore(db).Get(context.Background(), "user-404")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAccountStore_Deduct_RespectsReservedHolds(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE accounts").
		WithArgs("user-1", int64(500), int64(300)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	if err := NewStore(db).Deduct(context.Background(), "user-1", 500, 300); err != nil {
		t.Fatalf("deduct: %v", err)
	}
}

func TestAccountStore_Deduct_Insufficient(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE accounts").
		WithArgs("user-1", int64(5000), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"user_id", "full_name", "email", "balance"}).
		AddRow("user-1", "", "", int64(100))
	mock.ExpectQuery("SELECT user_id, full_name, email, balance").
		WithArgs("user-1").
		WillReturnRows(rows)
	mock.ExpectClose()

	err := NewStore(db).Deduct(context.Background(), "user-1", 5000, 0)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAccountStore_Deduct_UserMissing(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE accounts").
		WithArgs("user-404", int64(100), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT user_id, full_name, email, balance").
		WithArgs("user-404").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "full_name", "email", "balance"}))
	mock.ExpectClose()

	err := NewStore(db).Deduct(context.Background(), "user-404", 100, 0)
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAccountStore_Deduct_RejectsNonPositive(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	mock.ExpectClose()

	if err := NewStore(db).Deduct(context.Background(), "user-1", 0, 0); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestAccountStore_Capture(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO account_captures").
		WithArgs("pay-1", "user-1", int64(3000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE accounts").
		WithArgs("user-1", int64(3000), int64(500)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	applied, err := NewStore(db).Capture(context.Background(), "user-1", "pay-1", 3000, 500)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if !applied {
		t.Fatal("expected capture to apply")
	}
}

func TestAccountStore_Capture_ReplayIsNoop(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO account_captures").
		WithArgs("pay-1", "user-1", int64(3000)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectClose()

	applied, err := NewStore(db).Capture(context.Background(), "user-1", "pay-1", 3000, 0)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if applied {
		t.Fatal("replayed payment must not debit again")
	}
}

func TestAccountStore_Capture_Insufficient(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO account_captures").
		WithArgs("pay-1", "user-1", int64(5000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE accounts").
		WithArgs("user-1", int64(5000), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	rows := sqlmock.NewRows([]string{"user_id", "full_name", "email", "balance"}).
		AddRow("user-1", "", "", int64(100))
	mock.ExpectQuery("SELECT user_id, full_name, email, balance").
		WithArgs("user-1").
		WillReturnRows(rows)
	mock.ExpectClose()

	_, err := NewStore(db).Capture(context.Background(), "user-1", "pay-1", 5000, 0)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAccountStore_TopUp(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE accounts").
		WithArgs("user-1", int64(2500)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	if err := NewStore(db).TopUp(context.Background(), "user-1", 2500); err != nil {
		t.Fatalf("topup: %v", err)
	}
}

func TestAccountStore_TopUp_UserMissing(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE accounts").
		WithArgs("user-404", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	err := NewStore(db).TopUp(context.Background(), "user-404", 100)
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("unexpected error: %v", err)
	}
}
