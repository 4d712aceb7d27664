package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"tessera.dev/internal/iam"
	"tessera.dev/internal/ledger"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
	// q is db outside a transaction and the open *sql.Tx inside one.
	q  ledger.Querier
	tx *sql.Tx
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, q: db}
}

func (s *PGStore) Users(ctx context.Context) UserStore { return &userStore{q: s.q} }
func (s *PGStore) Tokens(ctx context.Context) ledger.Store { return ledger.NewPGStore(s.q) }

func (s *PGStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&PGStore{db: s.db, q: tx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// User store ---------------------------------------------------------------
type userStore struct{ q ledger.Querier }

const userColumns = `user__id, email, password, first_name, last_name, role, email_verified_at, last_login, created_at`

func (s *userStore) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Role == "" {
		u.Role = iam.RoleUser
	}
	err := s.q.QueryRowContext(ctx,
		`insert into iam.user(user__id, email, password, first_name, last_name, role)
		values($1,$2,$3,$4,$5,$6) returning created_at`,
		u.ID, u.Email, u.PasswordHash, u.FirstName, u.LastName, string(u.Role),
	).Scan(&u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, u.Email)
		}
		return err
	}
	return nil
}

func (s *userStore) Find(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.q.QueryRowContext(ctx,
		`select `+userColumns+` from iam.user where user__id=$1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.q.QueryRowContext(ctx,
		`select `+userColumns+` from iam.user where email=$1`, email))
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u        User
		role     string
		verified sql.NullTime
		login    sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &role, &verified, &login, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Role = iam.Role(role)
	if verified.Valid {
		u.EmailVerifiedAt = &verified.Time
	}
	if login.Valid {
		u.LastLogin = &login.Time
	}
	return &u, nil
}

func (s *userStore) TouchLastLogin(ctx context.Context, id uuid.UUID) error {
	return s.execOne(ctx, `update iam.user set last_login=statement_timestamp() where user__id=$1`, id)
}

func (s *userStore) MarkEmailVerified(ctx context.Context, id uuid.UUID) (bool, error) {
	var got uuid.UUID
	err := s.q.QueryRowContext(ctx,
		`update iam.user set email_verified_at=statement_timestamp()
		where user__id=$1 and email_verified_at is null
		returning user__id`, id).Scan(&got)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *userStore) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return s.execOne(ctx, `update iam.user set password=$1 where user__id=$2`, passwordHash, id)
}

func (s *userStore) UpdateName(ctx context.Context, id uuid.UUID, firstName, lastName string) error {
	return s.execOne(ctx, `update iam.user set first_name=$1, last_name=$2 where user__id=$3`, firstName, lastName, id)
}

func (s *userStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.execOne(ctx, `delete from iam.user where user__id=$1`, id)
}

func (s *userStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
