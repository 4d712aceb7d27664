// Package iam issues and authorizes the typed capability tokens of the
// service: user access, refresh, email verification and password reset.
package iam

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tessera.dev/internal/captoken"
	dl "tessera.dev/internal/datalog"
	"tessera.dev/internal/obs"
)

// ErrSigning reports a failure of the signing primitive.
var ErrSigning = errors.New("iam: token signing failed")

// RootToken is a freshly issued token together with what callers persist.
type RootToken struct {
	Token        *captoken.Token
	Serialized   string
	RevocationID []byte
	ExpiredAt    time.Time
}

type settings struct {
	now    func() time.Time
	limits dl.Limits
}

// Option configures an Issuer or Authorizer.
type Option func(*settings)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *settings) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLimits sets the evaluation limits applied to every token kind.
func WithLimits(l dl.Limits) Option {
	return func(s *settings) {
		s.limits = l
	}
}

func newSettings(opts []Option) settings {
	s := settings{now: time.Now, limits: dl.DefaultLimits}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Issuer mints tokens with the process-wide root key.
type Issuer struct {
	key ed25519.PrivateKey
	settings
}

// NewIssuer constructs an Issuer. The key is copied and never mutated.
func NewIssuer(key ed25519.PrivateKey, opts ...Option) (*Issuer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, captoken.ErrInvalidKey
	}
	return &Issuer{
		key:      append(ed25519.PrivateKey(nil), key...),
		settings: newSettings(opts),
	}, nil
}

// PublicKey returns the key tokens are verified against.
func (i *Issuer) PublicKey() ed25519.PublicKey {
	return i.key.Public().(ed25519.PublicKey)
}

// AccessIdentity is what an access token asserts about its bearer.
type AccessIdentity struct {
	TokenID   uuid.UUID
	SessionID uuid.UUID
	UserID    uuid.UUID
	Email     string
	FirstName string
	LastName  string
	Role      Role
}

// UserAccess issues a short-lived access token.
func (i *Issuer) UserAccess(id AccessIdentity) (RootToken, error) {
	role := id.Role
	if role == "" {
		role = RoleUser
	}
	return i.issue(KindUserAccess, []dl.Fact{
		dl.NewFact("token_id", uuidTerm(id.TokenID)),
		dl.NewFact("session_id", uuidTerm(id.SessionID)),
		dl.NewFact("user_id", uuidTerm(id.UserID)),
		dl.NewFact("email", dl.String(id.Email)),
		dl.NewFact("first_name", dl.String(id.FirstName)),
		dl.NewFact("last_name", dl.String(id.LastName)),
		dl.NewFact("role", dl.String(string(role))),
	})
}

// Refresh issues a refresh token bound to a session.
func (i *Issuer) Refresh(tokenID, sessionID, userID uuid.UUID) (RootToken, error) {
	return i.issue(KindRefresh, []dl.Fact{
		dl.NewFact("token_id", uuidTerm(tokenID)),
		dl.NewFact("session_id", uuidTerm(sessionID)),
		dl.NewFact("user_id", uuidTerm(userID)),
	})
}

// EmailVerification issues the token mailed to confirm an address.
func (i *Issuer) EmailVerification(userID uuid.UUID) (RootToken, error) {
	return i.issue(KindEmailVerification, []dl.Fact{
		dl.NewFact("user_id", uuidTerm(userID)),
	})
}

// PasswordReset issues the token mailed to reset a password.
func (i *Issuer) PasswordReset(userID uuid.UUID) (RootToken, error) {
	return i.issue(KindPasswordReset, []dl.Fact{
		dl.NewFact("user_id", uuidTerm(userID)),
	})
}

// sessionCheck is embedded in revocable tokens so they carry their own
// time bound independent of the authorizer policy.
var sessionCheck = dl.Check{Queries: []dl.Rule{dl.Query(
	[]dl.Predicate{
		dl.Pred("time", dl.Var("time")),
		dl.Pred("expired_at", dl.Var("exp")),
	},
	dl.Compare(dl.Var("time"), dl.OpLess, dl.Var("exp")),
)}}

func (i *Issuer) issue(kind Kind, identity []dl.Fact) (RootToken, error) {
	createdAt := i.now().UTC().Truncate(time.Second)
	expiredAt := createdAt.Add(kind.Lifetime())

	block := captoken.Block{
		Facts: append([]dl.Fact{
			dl.NewFact("type", dl.String(string(kind))),
			dl.NewFact("version", dl.Integer(kind.Version())),
			dl.NewFact("created_at", dl.Date(createdAt)),
			dl.NewFact("expired_at", dl.Date(expiredAt)),
		}, identity...),
	}
	if kind.Revocable() {
		block.Checks = []dl.Check{sessionCheck}
	}

	tok, err := captoken.New(i.key, block)
	if err != nil {
		return RootToken{}, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	serialized, err := tok.Serialize()
	if err != nil {
		return RootToken{}, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	obs.TokenIssued(kind.String())
	return RootToken{
		Token:        tok,
		Serialized:   serialized,
		RevocationID: tok.RevocationIDs()[0],
		ExpiredAt:    expiredAt,
	}, nil
}

func uuidTerm(id uuid.UUID) dl.Term { return dl.Bytes(id[:]) }
