package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"tessera.dev/internal/ledger"
)

func TestExtractBearer(t *testing.T) {
	cases := []struct {
		header string
		want   string
		err    error
	}{
		{"", "", ErrNoAuthorizationHeader},
		{"Basic dXNlcjpwYXNz", "", ErrInvalidAuthorizationHeader},
		{"Bearer", "", ErrInvalidAuthorizationHeader},
		{"Bearer    ", "", ErrInvalidAuthorizationHeader},
		{"Bearer\xff\xfeabc", "", ErrInvalidAuthorizationHeader},
		{"Bearer abc", "abc", nil},
		{"bearer abc", "abc", nil},
		{"BEARER abc ", "abc", nil},
	}
	for _, tc := range cases {
		got, err := extractBearer(tc.header)
		if !errors.Is(err, tc.err) {
			t.Fatalf("%q: expected error %v, got %v", tc.header, tc.err, err)
		}
		if got != tc.want {
			t.Fatalf("%q: expected %q, got %q", tc.header, tc.want, got)
		}
	}
}

func TestAuthenticateRejectsForeignToken(t *testing.T) {
	issuing := newEnv(t)
	issuing.verifiedUser(t, "ada@example.com")
	sess := issuing.login(t, "ada@example.com")

	other := newEnv(t)
	if _, err := other.gate.Authenticate(context.Background(), "Bearer "+sess.Access.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := other.gate.Authenticate(context.Background(), "Bearer "+strings.Repeat("A", 40)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestAuthenticateRejectsWorkflowTokens(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.svc.Register(ctx, NewUser{
		Email: "ada@example.com", Password: testPassword, FirstName: "Ada", LastName: "Lovelace",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// Workflow tokens are never stored in the ledger.
	if _, err := e.gate.Authenticate(ctx, "Bearer "+e.mailer.lastLink(t)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

type brokenLedger struct{ ledger.Store }

func (brokenLedger) Live(ctx context.Context, revocationID []byte) (ledger.Row, error) {
	return ledger.Row{}, errors.New("connection reset")
}

type brokenStore struct{ *MemoryStore }

func (s brokenStore) Tokens(ctx context.Context) ledger.Store {
	return brokenLedger{s.MemoryStore.Tokens(ctx)}
}

func TestAuthenticateLookupFailure(t *testing.T) {
	e := newEnv(t)
	e.verifiedUser(t, "ada@example.com")
	sess := e.login(t, "ada@example.com")

	gate := NewGatekeeper(e.svc.Authorizer(), brokenStore{e.store})
	if _, err := gate.Authenticate(context.Background(), "Bearer "+sess.Access.Token); !errors.Is(err, ErrTokenLookup) {
		t.Fatalf("expected ErrTokenLookup, got %v", err)
	}
}

func TestTokenContext(t *testing.T) {
	e := newEnv(t)
	e.verifiedUser(t, "ada@example.com")
	tok := e.bearer(t, e.login(t, "ada@example.com").Access)

	if _, ok := TokenFromContext(context.Background()); ok {
		t.Fatalf("expected empty context")
	}
	ctx := ContextWithToken(context.Background(), tok)
	got, ok := TokenFromContext(ctx)
	if !ok || got != tok {
		t.Fatalf("expected token from context")
	}
	if ContextWithToken(ctx, nil) != ctx {
		t.Fatalf("nil token must leave context unchanged")
	}
}
