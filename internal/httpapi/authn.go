package httpapi

import (
	"net/http"

	"tessera.dev/internal/auth"
)

const authHeader = "Authorization"

// requireToken runs the gatekeeper before next. The handler receives the
// verified token through the request context.
func (a *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, err := a.gate.Authenticate(r.Context(), r.Header.Get(authHeader))
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithToken(r.Context(), tok)))
	})
}
