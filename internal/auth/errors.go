package auth

import "errors"

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
)

// Session failures. Callers see only these, never the check that failed.
var (
	ErrLoginFailed      = errors.New("auth: login failed")
	ErrEmailNotVerified = errors.New("auth: email not verified")
	ErrRefreshFailed    = errors.New("auth: refresh failed")
	ErrForbidden        = errors.New("auth: forbidden")
	ErrLinkExpired      = errors.New("auth: link expired or invalid")
	ErrPasswordTooShort = errors.New("auth: password too short")
)

// Gatekeeper failures.
var (
	ErrNoAuthorizationHeader      = errors.New("auth: no authorization header")
	ErrInvalidAuthorizationHeader = errors.New("auth: invalid authorization header")
	ErrInvalidToken               = errors.New("auth: invalid token")
	ErrTokenLookup                = errors.New("auth: token lookup failed")
)
