package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tessera.dev/internal/ids"
	"tessera.dev/internal/obs"
)

func TestRateLimitExceeded(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(RateLimit(base, 1, 1))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	var body map[string]any
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body["error"] == nil || body["error"] == "" {
		t.Fatalf("expected error message in body")
	}
	if body["request_id"] == nil || body["request_id"] == "" {
		t.Fatalf("expected request_id in body")
	}

	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("expected a separate budget per client, got %d", rr3.Code)
	}
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	l := NewRateLimiter(1, 1)
	if ok, _ := l.allow("10.0.0.1"); !ok {
		t.Fatalf("first call must pass")
	}
	l.evict(l.buckets["10.0.0.1"].seen.Add(l.ttl * 2))
	if len(l.buckets) != 0 {
		t.Fatalf("expected idle bucket to be evicted")
	}
	if ok, _ := l.allow("10.0.0.1"); !ok {
		t.Fatalf("evicted client starts with a fresh bucket")
	}
}

func TestLoggingJSONEmitsStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	obs.Configure(obs.LogConfig{Output: &buf, Level: "debug"})
	defer obs.Configure(obs.LogConfig{})

	handler := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/logging", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatalf("expected log output")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("decode log entry %q: %v", line, err)
	}
	for _, key := range []string{"request_id", "method", "path", "status", "bytes", "duration_ms", "service"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in %v", key, entry)
		}
	}
	if entry["message"] != "request_complete" {
		t.Fatalf("unexpected message %v", entry["message"])
	}
	if entry["level"] != "warn" {
		t.Fatalf("expected 4xx to log at warn, got %v", entry["level"])
	}
	if entry["status"].(float64) != http.StatusTeapot {
		t.Fatalf("unexpected status %v", entry["status"])
	}
	if entry["request_id"] != rr.Header().Get(requestIDHeader) {
		t.Fatalf("log and response request ids differ")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	incoming := ids.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, incoming)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != incoming || rr.Header().Get(requestIDHeader) != incoming {
		t.Fatalf("expected incoming id %s to be kept, got %s", incoming, seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "<script>")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen == "<script>" || !ids.Valid(seen) {
		t.Fatalf("expected malformed id to be replaced, got %q", seen)
	}
	if rr.Header().Get(requestIDHeader) != seen {
		t.Fatalf("response header must carry the assigned id")
	}
}

func TestRecoverReportsProblem(t *testing.T) {
	obs.Configure(obs.LogConfig{Output: &bytes.Buffer{}})
	defer obs.Configure(obs.LogConfig{})

	handler := RequestID(Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != problemMediaType {
		t.Fatalf("expected problem document, got %q", ct)
	}
	if strings.Contains(rr.Body.String(), "kaboom") {
		t.Fatalf("panic value must not leak: %s", rr.Body.String())
	}
}

func TestSecurityHeadersAndCORS(t *testing.T) {
	var called bool
	handler := SecurityHeaders(CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}), "https://app.example.com/"))

	cases := []struct {
		name       string
		method     string
		origin     string
		wantOrigin string
		wantCalled bool
	}{
		{"app origin", http.MethodGet, "https://app.example.com", "https://app.example.com", true},
		{"local origin", http.MethodGet, "http://localhost:3000", "http://localhost:3000", true},
		{"foreign origin", http.MethodGet, "https://evil.example.com", "", true},
		{"preflight", http.MethodOptions, "https://app.example.com", "https://app.example.com", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called = false
			req := httptest.NewRequest(tc.method, "/api/v1/auth/login", nil)
			req.Header.Set("Origin", tc.origin)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Fatalf("expected allow origin %q, got %q", tc.wantOrigin, got)
			}
			if called != tc.wantCalled {
				t.Fatalf("expected handler called=%v", tc.wantCalled)
			}
			if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Fatalf("expected security headers")
			}
		})
	}
}
