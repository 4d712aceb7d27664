// Package httpapi exposes the session and account operations over HTTP and
// guards gRPC services with the same gatekeeper.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"tessera.dev/internal/auth"
	"tessera.dev/internal/obs"
)

const maxBodyBytes = 1 << 20

// ReadyProbe checks that dependencies are reachable.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	gate       *auth.Gatekeeper
	readyProbe readinessChecker
	version    string
	appURL     string
	limiter    *RateLimiter
}

// Option configures the API.
type Option func(*API)

// WithRateLimit sets the per-IP budget of the public auth routes.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) { a.limiter = NewRateLimiter(burst, perSecond) }
}

// WithAppOrigin allows CORS requests from the web application.
func WithAppOrigin(u string) Option {
	return func(a *API) { a.appURL = u }
}

func New(svc *auth.Service, rp readinessChecker, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		gate:       svc.Gatekeeper(),
		readyProbe: rp,
		version:    version,
		limiter:    NewRateLimiter(10, 1),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.public("POST /api/v1/auth/login", a.handleLogin)
	a.public("POST /api/v1/auth/register", a.handleRegister)
	a.public("POST /api/v1/auth/verify-email", a.handleVerifyEmail)
	a.public("POST /api/v1/auth/resend-verification-email", a.handleResendVerification)
	a.public("POST /api/v1/auth/begin-reset-password", a.handleBeginResetPassword)
	a.public("POST /api/v1/auth/reset-password", a.handleResetPassword)

	a.gated("POST /api/v1/auth/refresh", a.handleRefresh)
	a.gated("POST /api/v1/auth/logout", a.handleLogout)
	a.gated("POST /api/v1/auth/password", a.handleChangePassword)
	a.gated("POST /api/v1/user/profile/name", a.handleChangeName)
	a.gated("DELETE /api/v1/user", a.handleDeleteUser)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		respondProblem(w, r, problemNotFound, "")
	})
	return a
}

// Limiter exposes the auth route limiter so its eviction loop can be run.
func (a *API) Limiter() *RateLimiter { return a.limiter }

func (a *API) public(pattern string, h http.HandlerFunc) {
	registerPattern(pattern)
	a.mux.Handle(pattern, a.limiter.Wrap(h))
}

func (a *API) gated(pattern string, h http.HandlerFunc) {
	registerPattern(pattern)
	a.mux.Handle(pattern, a.requireToken(h))
}

func registerPattern(pattern string) {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == ' ' {
			obs.RegisterPath(pattern[i+1:])
			return
		}
	}
	obs.RegisterPath(pattern)
}

// Handler returns the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = obs.Instrument(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = CORS(h, a.appURL)
	h = SecurityHeaders(h)
	h = Recover(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": obs.ServiceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
