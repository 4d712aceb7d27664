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

var (
	// ErrRejected covers every policy outcome: wrong type or version,
	// failed checks, missing identity facts.
	ErrRejected = errors.New("iam: token rejected")
	// ErrExpired is reported together with ErrRejected when the expiry
	// deny policy fired.
	ErrExpired = errors.New("iam: token expired")
	// ErrEvaluation reports that the evaluator aborted on its limits.
	ErrEvaluation = errors.New("iam: evaluation aborted")
)

// UserAccessClaims are the identity facts of an authorized access token.
type UserAccessClaims struct {
	TokenID   uuid.UUID
	SessionID uuid.UUID
	UserID    uuid.UUID
	Email     string
	FirstName string
	LastName  string
	ExpiredAt time.Time
}

// RefreshClaims are the identity facts of an authorized refresh token.
type RefreshClaims struct {
	TokenID   uuid.UUID
	SessionID uuid.UUID
	UserID    uuid.UUID
}

// WorkflowClaims are the identity facts of an email verification or
// password reset token.
type WorkflowClaims struct {
	UserID uuid.UUID
}

// Authorizer verifies tokens against the root public key and evaluates
// the policy of the expected kind. It holds no mutable state and is safe
// for concurrent use.
type Authorizer struct {
	root ed25519.PublicKey
	settings
}

// NewAuthorizer constructs an Authorizer for tokens signed by root.
func NewAuthorizer(root ed25519.PublicKey, opts ...Option) (*Authorizer, error) {
	if len(root) != ed25519.PublicKeySize {
		return nil, captoken.ErrInvalidKey
	}
	return &Authorizer{
		root:     append(ed25519.PublicKey(nil), root...),
		settings: newSettings(opts),
	}, nil
}

// Parse verifies the signature chain of a serialized token.
func (a *Authorizer) Parse(serialized string) (*captoken.Token, error) {
	return captoken.Parse(serialized, a.root)
}

// UserAccess authorizes an access token for action.
func (a *Authorizer) UserAccess(tok *captoken.Token, action Action) (UserAccessClaims, error) {
	terms, err := a.authorize(tok, policyFor(KindUserAccess).withAction(action),
		"token_id", "session_id", "user_id", "email", "first_name", "last_name", "expired_at")
	if err != nil {
		return UserAccessClaims{}, err
	}
	var c UserAccessClaims
	if err := uuidsFrom(terms[:3], &c.TokenID, &c.SessionID, &c.UserID); err != nil {
		return UserAccessClaims{}, err
	}
	for i, dst := range []*string{&c.Email, &c.FirstName, &c.LastName} {
		if terms[3+i].Kind != dl.KindString {
			return UserAccessClaims{}, fmt.Errorf("%w: malformed identity", ErrRejected)
		}
		*dst = terms[3+i].Str
	}
	if terms[6].Kind != dl.KindDate {
		return UserAccessClaims{}, fmt.Errorf("%w: malformed expiry", ErrRejected)
	}
	c.ExpiredAt = terms[6].Time()
	return c, nil
}

// Refresh authorizes a refresh token.
func (a *Authorizer) Refresh(tok *captoken.Token) (RefreshClaims, error) {
	terms, err := a.authorize(tok, policyFor(KindRefresh), "token_id", "session_id", "user_id")
	if err != nil {
		return RefreshClaims{}, err
	}
	var c RefreshClaims
	if err := uuidsFrom(terms, &c.TokenID, &c.SessionID, &c.UserID); err != nil {
		return RefreshClaims{}, err
	}
	return c, nil
}

// EmailVerification authorizes an email verification token.
func (a *Authorizer) EmailVerification(tok *captoken.Token) (WorkflowClaims, error) {
	return a.workflow(tok, policyFor(KindEmailVerification))
}

// ExpiredEmailVerification reads the user of an email verification token
// whether or not it has expired. Used to send a fresh link.
func (a *Authorizer) ExpiredEmailVerification(tok *captoken.Token) (uuid.UUID, error) {
	c, err := a.workflow(tok, policyFor(KindEmailVerification).withoutExpiry())
	return c.UserID, err
}

// PasswordReset authorizes a password reset token.
func (a *Authorizer) PasswordReset(tok *captoken.Token) (WorkflowClaims, error) {
	return a.workflow(tok, policyFor(KindPasswordReset))
}

func (a *Authorizer) workflow(tok *captoken.Token, p policy) (WorkflowClaims, error) {
	terms, err := a.authorize(tok, p, "user_id")
	if err != nil {
		return WorkflowClaims{}, err
	}
	var c WorkflowClaims
	if err := uuidsFrom(terms, &c.UserID); err != nil {
		return WorkflowClaims{}, err
	}
	return c, nil
}

// authorize evaluates p over tok and returns exactly one binding for each
// named fact, in order.
func (a *Authorizer) authorize(tok *captoken.Token, p policy, names ...string) ([]dl.Term, error) {
	start := time.Now()
	terms, err := a.evaluate(tok, p, names)
	outcome := "authorized"
	switch {
	case errors.Is(err, ErrEvaluation):
		outcome = "aborted"
	case errors.Is(err, ErrExpired):
		outcome = "expired"
	case err != nil:
		outcome = "rejected"
	}
	obs.TokenVerified(p.kind.String(), outcome, time.Since(start))
	return terms, err
}

func (a *Authorizer) evaluate(tok *captoken.Token, p policy, names []string) ([]dl.Term, error) {
	if tok == nil {
		return nil, fmt.Errorf("%w: no token", ErrRejected)
	}
	w := dl.NewAuthorizer(dl.WithLimits(a.limits))
	if err := loadToken(w, tok); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if err := p.load(w, a.now()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEvaluation, err)
	}

	log := obs.Module("iam")
	if err := w.Authorize(); err != nil {
		log.Trace().Str("type", p.kind.String()).Str("world", w.String()).Err(err).Msg("token not authorized")
		return nil, classify(err)
	}

	terms := make([]dl.Term, len(names))
	for i, name := range names {
		facts, err := w.Query(dl.Rule{
			Head: dl.Pred("data", dl.Var("v")),
			Body: []dl.Predicate{dl.Pred(name, dl.Var("v"))},
		})
		if err != nil {
			return nil, classify(err)
		}
		if len(facts) != 1 {
			return nil, fmt.Errorf("%w: expected one %s, found %d", ErrRejected, name, len(facts))
		}
		terms[i] = facts[0].Terms[0]
	}
	return terms, nil
}

// loadToken adds authority facts, rules and checks, and the checks of any
// later block. Facts and rules of later blocks are ignored: only the root
// signer may assert.
func loadToken(w *dl.Authorizer, tok *captoken.Token) error {
	for i, b := range tok.Blocks() {
		if i == 0 {
			for _, f := range b.Facts {
				if err := w.AddFact(f); err != nil {
					return err
				}
			}
			for _, r := range b.Rules {
				if err := w.AddRule(r); err != nil {
					return err
				}
			}
		}
		for _, c := range b.Checks {
			if err := w.AddCheck(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func classify(err error) error {
	switch {
	case dl.IsLimit(err):
		return fmt.Errorf("%w: %w", ErrEvaluation, err)
	case errors.Is(err, dl.ErrDenied):
		return fmt.Errorf("%w: %w: %w", ErrRejected, ErrExpired, err)
	default:
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
}

func uuidsFrom(terms []dl.Term, dst ...*uuid.UUID) error {
	for i, t := range terms {
		if t.Kind != dl.KindBytes {
			return fmt.Errorf("%w: malformed identifier", ErrRejected)
		}
		id, err := uuid.FromBytes(t.Bytes)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
		*dst[i] = id
	}
	return nil
}
