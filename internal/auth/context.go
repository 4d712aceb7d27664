package auth

import (
	"context"

	"tessera.dev/internal/captoken"
)

type tokenContextKey struct{}

// ContextWithToken stores the verified bearer token inside the context.
func ContextWithToken(ctx context.Context, tok *captoken.Token) context.Context {
	if tok == nil {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, tok)
}

// TokenFromContext returns the bearer token if the gatekeeper attached one.
func TokenFromContext(ctx context.Context) (*captoken.Token, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(tokenContextKey{}).(*captoken.Token)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
