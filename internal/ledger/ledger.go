// Package ledger records issued access and refresh tokens so they can be
// revoked before their natural expiry.
//
// A row is live while its expired_at is null or in the future. Rows are
// written once on issuance and mutated at most once, from live to expired.
// Workflow tokens are never stored here.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"tessera.dev/internal/iam"
)

// Row is one issued revocable token.
type Row struct {
	TokenID      uuid.UUID
	Type         iam.Kind
	RevocationID []byte
	// ExpiredAt is the zero time for a token without expiry.
	ExpiredAt time.Time
	UserID    uuid.UUID
	SessionID uuid.UUID
}

// FromRootToken builds the ledger row of a freshly issued token.
func FromRootToken(kind iam.Kind, tokenID, userID, sessionID uuid.UUID, rt iam.RootToken) Row {
	return Row{
		TokenID:      tokenID,
		Type:         kind,
		RevocationID: rt.RevocationID,
		ExpiredAt:    rt.ExpiredAt,
		UserID:       userID,
		SessionID:    sessionID,
	}
}

func (r Row) validate() error {
	if !r.Type.Revocable() {
		return ErrNotRevocable
	}
	if r.TokenID == uuid.Nil || len(r.RevocationID) == 0 {
		return ErrInvalidRow
	}
	return nil
}

// Store persists ledger rows.
type Store interface {
	// Insert writes all rows at once.
	Insert(ctx context.Context, rows ...Row) error
	// Live returns the row with the revocation id if it has not expired.
	Live(ctx context.Context, revocationID []byte) (Row, error)
	// RevokeToken expires the live row of a token. It reports how many rows
	// changed; revoking an expired row changes none.
	RevokeToken(ctx context.Context, tokenID uuid.UUID, kind iam.Kind) (int64, error)
	// RevokeSession expires every live access and refresh row of a session.
	RevokeSession(ctx context.Context, userID, sessionID uuid.UUID) (int64, error)
	// RevokeUser expires every live row of a user.
	RevokeUser(ctx context.Context, userID uuid.UUID) (int64, error)
}

var (
	ErrNotFound     = errors.New("ledger: token not found")
	ErrDuplicate    = errors.New("ledger: duplicate token")
	ErrNotRevocable = errors.New("ledger: token type is not revocable")
	ErrInvalidRow   = errors.New("ledger: invalid row")
)
