package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"tessera.dev/internal/iam"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ Store = (*PGStore)(nil)

// PGStore implements Store on the iam.token table. Database time
// (statement_timestamp) decides liveness.
type PGStore struct {
	q Querier
}

func NewPGStore(q Querier) *PGStore {
	return &PGStore{q: q}
}

const uniqueViolation = "23505"

func (s *PGStore) Insert(ctx context.Context, rows ...Row) error {
	if len(rows) == 0 {
		return nil
	}
	var (
		sb   strings.Builder
		args = make([]any, 0, len(rows)*6)
	)
	sb.WriteString(`insert into iam.token(token__id, type, revocation_id, expired_at, user__id, session_id) values `)
	for i, r := range rows {
		if err := r.validate(); err != nil {
			return err
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		n := len(args)
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5, n+6)
		args = append(args, r.TokenID, string(r.Type), r.RevocationID, nullTime(r.ExpiredAt), r.UserID, r.SessionID)
	}
	if _, err := s.q.ExecContext(ctx, sb.String(), args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		}
		return err
	}
	return nil
}

func (s *PGStore) Live(ctx context.Context, revocationID []byte) (Row, error) {
	row := s.q.QueryRowContext(ctx,
		`select token__id, type, revocation_id, expired_at, user__id, session_id
		from iam.token
		where revocation_id=$1 and (expired_at is null or expired_at > statement_timestamp())
		limit 1`, revocationID)
	var (
		r       Row
		typ     string
		expired sql.NullTime
	)
	if err := row.Scan(&r.TokenID, &typ, &r.RevocationID, &expired, &r.UserID, &r.SessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Row{}, ErrNotFound
		}
		return Row{}, err
	}
	r.Type = iam.Kind(typ)
	if expired.Valid {
		r.ExpiredAt = expired.Time
	}
	return r, nil
}

func (s *PGStore) RevokeToken(ctx context.Context, tokenID uuid.UUID, kind iam.Kind) (int64, error) {
	return s.exec(ctx,
		`update iam.token set expired_at=statement_timestamp()
		where token__id=$1 and type=$2 and (expired_at is null or expired_at > statement_timestamp())`,
		tokenID, string(kind))
}

func (s *PGStore) RevokeSession(ctx context.Context, userID, sessionID uuid.UUID) (int64, error) {
	return s.exec(ctx,
		`update iam.token set expired_at=statement_timestamp()
		where user__id=$1 and session_id=$2 and type in ('user_access', 'refresh')
		and (expired_at is null or expired_at > statement_timestamp())`,
		userID, sessionID)
}

func (s *PGStore) RevokeUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.exec(ctx,
		`update iam.token set expired_at=statement_timestamp()
		where user__id=$1 and (expired_at is null or expired_at > statement_timestamp())`,
		userID)
}

func (s *PGStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
