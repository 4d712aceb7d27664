package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"tessera.dev/internal/iam"
)

func TestPGStoreInsertOneStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	user, session := uuid.New(), uuid.New()
	exp := time.Now().Add(time.Hour)
	a := row(iam.KindUserAccess, user, session, exp)
	r := row(iam.KindRefresh, user, session, exp)

	mock.ExpectExec(`insert into iam.token\(token__id, type, revocation_id, expired_at, user__id, session_id\) values \(\$1,\$2,\$3,\$4,\$5,\$6\), \(\$7,\$8,\$9,\$10,\$11,\$12\)`).
		WithArgs(a.TokenID.String(), "user_access", a.RevocationID, sqlmock.AnyArg(), user.String(), session.String(),
			r.TokenID.String(), "refresh", r.RevocationID, sqlmock.AnyArg(), user.String(), session.String()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := NewPGStore(db).Insert(context.Background(), a, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreInsertDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("insert into iam.token").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "token_revocation_id_key"})

	err = NewPGStore(db).Insert(context.Background(), row(iam.KindRefresh, uuid.New(), uuid.New(), time.Now()))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestPGStoreInsertRejectsWorkflowTokens(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	err = NewPGStore(db).Insert(context.Background(), row(iam.KindPasswordReset, uuid.New(), uuid.New(), time.Now()))
	if !errors.Is(err, ErrNotRevocable) {
		t.Fatalf("expected ErrNotRevocable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no statement expected: %v", err)
	}
}

func TestPGStoreLive(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	tokenID, user, session := uuid.New(), uuid.New(), uuid.New()
	rid := []byte("revocation-id")
	exp := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	cols := []string{"token__id", "type", "revocation_id", "expired_at", "user__id", "session_id"}

	mock.ExpectQuery(`select token__id, type, revocation_id, expired_at, user__id, session_id\s+from iam.token\s+where revocation_id=\$1 and \(expired_at is null or expired_at > statement_timestamp\(\)\)`).
		WithArgs(rid).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(tokenID.String(), "user_access", rid, exp, user.String(), session.String()))

	store := NewPGStore(db)
	got, err := store.Live(context.Background(), rid)
	if err != nil {
		t.Fatalf("Live: %v", err)
	}
	if got.TokenID != tokenID || got.Type != iam.KindUserAccess || got.UserID != user || got.SessionID != session {
		t.Fatalf("unexpected row: %+v", got)
	}
	if !got.ExpiredAt.Equal(exp) {
		t.Fatalf("expected expiry %v, got %v", exp, got.ExpiredAt)
	}

	mock.ExpectQuery("select token__id").WithArgs(rid).WillReturnRows(sqlmock.NewRows(cols))
	if _, err := store.Live(context.Background(), rid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	boom := errors.New("connection reset")
	mock.ExpectQuery("select token__id").WithArgs(rid).WillReturnError(boom)
	if _, err := store.Live(context.Background(), rid); !errors.Is(err, boom) || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected lookup failure to be passed through, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreRevoke(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	tokenID, user, session := uuid.New(), uuid.New(), uuid.New()
	mock.ExpectExec(`update iam.token set expired_at=statement_timestamp\(\)\s+where token__id=\$1 and type=\$2`).
		WithArgs(tokenID.String(), "refresh").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update iam.token set expired_at=statement_timestamp\(\)\s+where token__id=\$1 and type=\$2`).
		WithArgs(tokenID.String(), "refresh").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`where user__id=\$1 and session_id=\$2 and type in \('user_access', 'refresh'\)`).
		WithArgs(user.String(), session.String()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`where user__id=\$1 and \(expired_at is null`).
		WithArgs(user.String()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	store := NewPGStore(db)
	ctx := context.Background()
	if n, err := store.RevokeToken(ctx, tokenID, iam.KindRefresh); err != nil || n != 1 {
		t.Fatalf("RevokeToken: n=%d err=%v", n, err)
	}
	if n, err := store.RevokeToken(ctx, tokenID, iam.KindRefresh); err != nil || n != 0 {
		t.Fatalf("repeated RevokeToken: n=%d err=%v", n, err)
	}
	if n, err := store.RevokeSession(ctx, user, session); err != nil || n != 2 {
		t.Fatalf("RevokeSession: n=%d err=%v", n, err)
	}
	if n, err := store.RevokeUser(ctx, user); err != nil || n != 3 {
		t.Fatalf("RevokeUser: n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreInsideTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("update iam.token").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into iam.token").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	store := NewPGStore(tx)
	r := row(iam.KindRefresh, uuid.New(), uuid.New(), time.Now().Add(time.Hour))
	if _, err := store.RevokeToken(ctx, uuid.New(), iam.KindRefresh); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if err := store.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
