package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"tessera.dev/internal/auth"
	"tessera.dev/internal/obs"
)

const problemMediaType = "application/problem+json"

// problem is an RFC 7807 error document.
type problem struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	RequestID string `json:"request_id,omitempty"`
}

type problemKind struct {
	id     string
	status int
	title  string
	detail string
}

var (
	problemInternal = problemKind{"internal-server-error", http.StatusInternalServerError,
		"Internal server error", "Something went wrong, please retry later."}
	problemNotFound = problemKind{"not-found", http.StatusNotFound,
		"Item not found", "Could not find the requested resource."}
	problemValidation = problemKind{"validation", http.StatusBadRequest,
		"Provided input is malformed", "The request body could not be validated."}
)

var problemKinds = []struct {
	err  error
	kind problemKind
}{
	{auth.ErrLoginFailed, problemKind{"auth-failed-login", http.StatusForbidden,
		"Authentication failed", "The provided credentials are invalid."}},
	{auth.ErrRefreshFailed, problemKind{"auth-failed-refresh", http.StatusUnauthorized,
		"Refreshing access token failed", "The provided refresh token is probably invalid or expired."}},
	{auth.ErrInvalidToken, problemKind{"auth-invalid-token", http.StatusForbidden,
		"Invalid token", "The provided token is not valid, was not issued with the current key, was revoked or is expired."}},
	{auth.ErrTokenLookup, problemKind{"auth-token-lookup-error", http.StatusInternalServerError,
		"Could not check whether the provided token was revoked", "This is likely caused by database unavailability."}},
	{auth.ErrInvalidAuthorizationHeader, problemKind{"auth-invalid-authorization-header", http.StatusBadRequest,
		"`Authorization` header is invalid", "`Authorization` header must be a valid UTF-8 string of the form `Bearer {token}`."}},
	{auth.ErrNoAuthorizationHeader, problemKind{"auth-no-authorization-header", http.StatusUnauthorized,
		"No `Authorization` header was found in the HTTP request", "`Authorization` header must be provided and must contain a bearer token."}},
	{auth.ErrLinkExpired, problemKind{"auth-email-expired", http.StatusUnauthorized,
		"Could not verify your link", "The link you followed might be expired. Please retry the whole process."}},
	{auth.ErrEmailNotVerified, problemKind{"email-not-verified", http.StatusForbidden,
		"Email not verified", "You must verify your email address before you can log in."}},
	{auth.ErrPasswordTooShort, problemKind{"password-too-short", http.StatusUnprocessableEntity,
		"Password is too short", ""}},
	{auth.ErrForbidden, problemKind{"forbidden", http.StatusForbidden,
		"Insufficient rights", "You don't have the rights to access or edit this resource."}},
	{auth.ErrNotFound, problemNotFound},
	{auth.ErrAlreadyExists, problemKind{"conflict", http.StatusConflict,
		"Conflict", "A resource with the same unique value already exists."}},
	{auth.ErrInvalidInput, problemValidation},
}

func problemFor(err error) problemKind {
	for _, pk := range problemKinds {
		if errors.Is(err, pk.err) {
			return pk.kind
		}
	}
	return problemInternal
}

// writeProblem maps err onto a problem document. Errors without a mapping
// are logged and reported as internal errors.
func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	kind := problemFor(err)
	detail := kind.detail
	switch {
	case errors.Is(err, auth.ErrPasswordTooShort):
		// carries the configured minimum
		detail = strings.TrimPrefix(err.Error(), auth.ErrPasswordTooShort.Error()+": ")
		detail = "Password must be " + detail + " long."
	case kind == problemInternal:
		log := obs.Module("httpapi")
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).Msg("request failed")
	}
	respondProblem(w, r, kind, detail)
}

func respondProblem(w http.ResponseWriter, r *http.Request, kind problemKind, detail string) {
	if detail == "" {
		detail = kind.detail
	}
	p := problem{
		Type:      "https://tessera.dev/errors/" + kind.id,
		ID:        kind.id,
		Title:     kind.title,
		Status:    kind.status,
		Detail:    detail,
		RequestID: RequestIDFromContext(r.Context()),
	}
	w.Header().Set("Content-Type", problemMediaType)
	w.WriteHeader(kind.status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeError reports transport level failures (bad JSON, wrong method,
// throttling) with a plain message.
func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
