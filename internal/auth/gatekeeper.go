package auth

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"tessera.dev/internal/captoken"
	"tessera.dev/internal/iam"
	"tessera.dev/internal/ledger"
	"tessera.dev/internal/obs"
)

const bearerPrefix = "bearer "

// Gatekeeper turns an Authorization header into a verified token. It
// checks the signature chain and that the token is still live in the
// ledger; the operation behind it decides what the token allows.
type Gatekeeper struct {
	authorizer *iam.Authorizer
	store      Store
	log        zerolog.Logger
}

// GatekeeperOption configures a Gatekeeper.
type GatekeeperOption func(*Gatekeeper)

// WithGatekeeperLogger overrides the gatekeeper logger.
func WithGatekeeperLogger(l zerolog.Logger) GatekeeperOption {
	return func(g *Gatekeeper) { g.log = l }
}

func NewGatekeeper(authorizer *iam.Authorizer, store Store, opts ...GatekeeperOption) *Gatekeeper {
	g := &Gatekeeper{
		authorizer: authorizer,
		store:      store,
		log:        obs.Module("gatekeeper"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authenticate validates the raw Authorization header value.
func (g *Gatekeeper) Authenticate(ctx context.Context, header string) (*captoken.Token, error) {
	raw, err := extractBearer(header)
	if err != nil {
		return nil, err
	}
	tok, err := g.authorizer.Parse(raw)
	if err != nil {
		g.log.Debug().Err(err).Msg("bearer token did not parse")
		return nil, ErrInvalidToken
	}

	if _, err := g.store.Tokens(ctx).Live(ctx, tok.RevocationIDs()[0]); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		g.log.Error().Err(err).Msg("token lookup failed")
		return nil, ErrTokenLookup
	}
	return tok, nil
}

func extractBearer(header string) (string, error) {
	if header == "" {
		return "", ErrNoAuthorizationHeader
	}
	if !utf8.ValidString(header) {
		return "", ErrInvalidAuthorizationHeader
	}
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrInvalidAuthorizationHeader
	}
	raw := strings.TrimSpace(header[len(bearerPrefix):])
	if raw == "" {
		return "", ErrInvalidAuthorizationHeader
	}
	return raw, nil
}
