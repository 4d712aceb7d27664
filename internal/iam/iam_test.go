package iam

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"tessera.dev/internal/captoken"
	dl "tessera.dev/internal/datalog"
)

var t0 = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func newIssuer(t *testing.T) *Issuer {
	t.Helper()
	key, err := captoken.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	iss, err := NewIssuer(key, WithClock(fixedClock(t0)))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return iss
}

func authorizerAt(t *testing.T, pub ed25519.PublicKey, at time.Time) *Authorizer {
	t.Helper()
	a, err := NewAuthorizer(pub, WithClock(fixedClock(at)))
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}
	return a
}

// reparse round-trips the token through its serialized form.
func reparse(t *testing.T, a *Authorizer, rt RootToken) *captoken.Token {
	t.Helper()
	tok, err := a.Parse(rt.Serialized)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return tok
}

func testIdentity() AccessIdentity {
	return AccessIdentity{
		TokenID:   uuid.New(),
		SessionID: uuid.New(),
		UserID:    uuid.New(),
		Email:     "ada@example.com",
		FirstName: "Ada",
		LastName:  "Lovelace",
	}
}

func TestUserAccessLifetime(t *testing.T) {
	iss := newIssuer(t)
	id := testIdentity()
	rt, err := iss.UserAccess(id)
	if err != nil {
		t.Fatalf("UserAccess: %v", err)
	}
	if want := t0.Add(5 * time.Minute); !rt.ExpiredAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, rt.ExpiredAt)
	}

	a := authorizerAt(t, iss.PublicKey(), t0.Add(time.Second))
	claims, err := a.UserAccess(reparse(t, a, rt), ActionLogout)
	if err != nil {
		t.Fatalf("authorize at T0+1s: %v", err)
	}
	if claims.UserID != id.UserID || claims.SessionID != id.SessionID || claims.TokenID != id.TokenID {
		t.Fatalf("unexpected identifiers: %+v", claims)
	}
	if claims.Email != id.Email || claims.FirstName != id.FirstName || claims.LastName != id.LastName {
		t.Fatalf("unexpected identity: %+v", claims)
	}
	if !claims.ExpiredAt.Equal(rt.ExpiredAt) {
		t.Fatalf("expected claims expiry %v, got %v", rt.ExpiredAt, claims.ExpiredAt)
	}

	for _, offset := range []time.Duration{300 * time.Second, 301 * time.Second, time.Hour} {
		late := authorizerAt(t, iss.PublicKey(), t0.Add(offset))
		_, err := late.UserAccess(reparse(t, late, rt), ActionLogout)
		if !errors.Is(err, ErrRejected) || !errors.Is(err, ErrExpired) {
			t.Fatalf("expected expiry rejection at T0+%v, got %v", offset, err)
		}
	}
}

func TestEveryKindExpiresAfterLifetime(t *testing.T) {
	iss := newIssuer(t)
	user := uuid.New()
	issue := map[Kind]func() (RootToken, error){
		KindUserAccess:        func() (RootToken, error) { return iss.UserAccess(testIdentity()) },
		KindRefresh:           func() (RootToken, error) { return iss.Refresh(uuid.New(), uuid.New(), user) },
		KindEmailVerification: func() (RootToken, error) { return iss.EmailVerification(user) },
		KindPasswordReset:     func() (RootToken, error) { return iss.PasswordReset(user) },
	}
	verify := func(a *Authorizer, k Kind, tok *captoken.Token) error {
		switch k {
		case KindUserAccess:
			_, err := a.UserAccess(tok, ActionChangeName)
			return err
		case KindRefresh:
			_, err := a.Refresh(tok)
			return err
		case KindEmailVerification:
			_, err := a.EmailVerification(tok)
			return err
		default:
			_, err := a.PasswordReset(tok)
			return err
		}
	}
	for _, k := range Kinds {
		rt, err := issue[k]()
		if err != nil {
			t.Fatalf("%s: issue: %v", k, err)
		}
		fresh := authorizerAt(t, iss.PublicKey(), t0)
		if err := verify(fresh, k, reparse(t, fresh, rt)); err != nil {
			t.Fatalf("%s: expected fresh token to verify, got %v", k, err)
		}
		late := authorizerAt(t, iss.PublicKey(), t0.Add(k.Lifetime()))
		if err := verify(late, k, reparse(t, late, rt)); !errors.Is(err, ErrExpired) {
			t.Fatalf("%s: expected expiry at lifetime, got %v", k, err)
		}
	}
}

func TestWrongKindRejected(t *testing.T) {
	iss := newIssuer(t)
	rt, err := iss.Refresh(uuid.New(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	a := authorizerAt(t, iss.PublicKey(), t0.Add(time.Second))
	tok := reparse(t, a, rt)

	if _, err := a.UserAccess(tok, ActionLogout); !errors.Is(err, ErrRejected) || errors.Is(err, ErrExpired) {
		t.Fatalf("expected plain rejection for refresh as access, got %v", err)
	}
	if _, err := a.PasswordReset(tok); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection for refresh as password reset, got %v", err)
	}
	if _, err := a.Refresh(tok); err != nil {
		t.Fatalf("expected refresh to verify as refresh, got %v", err)
	}
}

func TestUnsupportedVersionRejected(t *testing.T) {
	key, _ := captoken.GenerateKey()
	tok, err := captoken.New(key, captoken.Block{Facts: []dl.Fact{
		dl.NewFact("type", dl.String(string(KindPasswordReset))),
		dl.NewFact("version", dl.Integer(2)),
		dl.NewFact("expired_at", dl.Date(t0.Add(time.Hour))),
		dl.NewFact("user_id", uuidTerm(uuid.New())),
	}})
	if err != nil {
		t.Fatalf("captoken.New: %v", err)
	}
	a := authorizerAt(t, key.Public().(ed25519.PublicKey), t0)
	if _, err := a.PasswordReset(tok); !errors.Is(err, ErrRejected) || !errors.Is(err, dl.ErrCheckFailed) {
		t.Fatalf("expected failed version check, got %v", err)
	}
}

func TestAccessTokenWithoutRoleRejected(t *testing.T) {
	key, _ := captoken.GenerateKey()
	id := testIdentity()
	tok, err := captoken.New(key, captoken.Block{Facts: []dl.Fact{
		dl.NewFact("type", dl.String(string(KindUserAccess))),
		dl.NewFact("version", dl.Integer(1)),
		dl.NewFact("expired_at", dl.Date(t0.Add(time.Minute))),
		dl.NewFact("token_id", uuidTerm(id.TokenID)),
		dl.NewFact("session_id", uuidTerm(id.SessionID)),
		dl.NewFact("user_id", uuidTerm(id.UserID)),
		dl.NewFact("email", dl.String(id.Email)),
		dl.NewFact("first_name", dl.String(id.FirstName)),
		dl.NewFact("last_name", dl.String(id.LastName)),
		dl.NewFact("role", dl.String("auditor")),
	}})
	if err != nil {
		t.Fatalf("captoken.New: %v", err)
	}
	a := authorizerAt(t, key.Public().(ed25519.PublicKey), t0)
	if _, err := a.UserAccess(tok, ActionDeleteUser); !errors.Is(err, dl.ErrCheckFailed) {
		t.Fatalf("expected role check to fail, got %v", err)
	}
}

func TestAmbiguousClaimRejected(t *testing.T) {
	key, _ := captoken.GenerateKey()
	tok, err := captoken.New(key, captoken.Block{Facts: []dl.Fact{
		dl.NewFact("type", dl.String(string(KindEmailVerification))),
		dl.NewFact("version", dl.Integer(1)),
		dl.NewFact("expired_at", dl.Date(t0.Add(time.Minute))),
		dl.NewFact("user_id", uuidTerm(uuid.New())),
		dl.NewFact("user_id", uuidTerm(uuid.New())),
	}})
	if err != nil {
		t.Fatalf("captoken.New: %v", err)
	}
	a := authorizerAt(t, key.Public().(ed25519.PublicKey), t0)
	if _, err := a.EmailVerification(tok); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected two user_id bindings to be rejected, got %v", err)
	}
}

func TestExpiredEmailVerificationReadable(t *testing.T) {
	iss := newIssuer(t)
	user := uuid.New()
	rt, err := iss.EmailVerification(user)
	if err != nil {
		t.Fatalf("EmailVerification: %v", err)
	}
	a := authorizerAt(t, iss.PublicKey(), t0.Add(24*time.Hour))
	tok := reparse(t, a, rt)
	if _, err := a.EmailVerification(tok); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired verification token, got %v", err)
	}
	got, err := a.ExpiredEmailVerification(tok)
	if err != nil {
		t.Fatalf("ExpiredEmailVerification: %v", err)
	}
	if got != user {
		t.Fatalf("expected user %s, got %s", user, got)
	}
}

func TestEvaluationLimitIsNotARejection(t *testing.T) {
	key, _ := captoken.GenerateKey()
	iss, _ := NewIssuer(key, WithClock(fixedClock(t0)))
	rt, err := iss.UserAccess(testIdentity())
	if err != nil {
		t.Fatalf("UserAccess: %v", err)
	}
	a, _ := NewAuthorizer(iss.PublicKey(), WithClock(fixedClock(t0)), WithLimits(dl.Limits{MaxFacts: 4}))
	_, err = a.UserAccess(reparse(t, a, rt), ActionLogout)
	if !errors.Is(err, ErrEvaluation) || errors.Is(err, ErrRejected) {
		t.Fatalf("expected evaluation fault, got %v", err)
	}
}

func TestWrongRootRejectedAtParse(t *testing.T) {
	iss := newIssuer(t)
	rt, _ := iss.PasswordReset(uuid.New())
	other, _ := captoken.GenerateKey()
	a := authorizerAt(t, other.Public().(ed25519.PublicKey), t0)
	if _, err := a.Parse(rt.Serialized); !errors.Is(err, captoken.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestRevocationIDMatchesToken(t *testing.T) {
	iss := newIssuer(t)
	rt, err := iss.Refresh(uuid.New(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	a := authorizerAt(t, iss.PublicKey(), t0)
	tok := reparse(t, a, rt)
	if got := tok.RevocationIDs()[0]; string(got) != string(rt.RevocationID) {
		t.Fatalf("revocation id changed across serialization")
	}
}

func TestNewIssuerRejectsShortKey(t *testing.T) {
	if _, err := NewIssuer(ed25519.PrivateKey(make([]byte, 10))); !errors.Is(err, captoken.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := NewAuthorizer(ed25519.PublicKey(make([]byte, 10))); !errors.Is(err, captoken.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestUnknownActionAllowsNoRole(t *testing.T) {
	iss := newIssuer(t)
	rt, _ := iss.UserAccess(testIdentity())
	a := authorizerAt(t, iss.PublicKey(), t0)
	if _, err := a.UserAccess(reparse(t, a, rt), Action("billing:refund")); !errors.Is(err, dl.ErrCheckFailed) {
		t.Fatalf("expected unknown action to fail the role check, got %v", err)
	}
}
