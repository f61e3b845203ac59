package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatvault/internal/logging"

	"github.com/gorilla/mux"
)

func TestPerIPRateLimit(t *testing.T) {
	limiter := NewIPRateLimiter(1, 2)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remoteAddr string) int {
		req := httptest.NewRequest(http.MethodPost, "/slack/events", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("10.0.0.1:1234"); code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, code)
		}
	}
	if code := send("10.0.0.1:5678"); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 once the burst is spent, got %d", code)
	}
	if code := send("10.0.0.2:1234"); code != http.StatusOK {
		t.Errorf("Other clients must not be limited, got %d", code)
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1)
	limiter.Allow("10.0.0.1")
	limiter.Allow("10.0.0.2")

	if evicted := limiter.evict(time.Now().Add(time.Minute)); evicted != 2 {
		t.Errorf("Expected 2 evictions, got %d", evicted)
	}
	if evicted := limiter.evict(time.Now()); evicted != 0 {
		t.Errorf("Expected nothing left to evict, got %d", evicted)
	}
}

func TestGetClientIP(t *testing.T) {
	testCases := []struct {
		name     string
		headers  map[string]string
		remote   string
		expected string
	}{
		{"remote addr", nil, "192.0.2.1:443", "192.0.2.1"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "10.0.0.1:80", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.1:80", "198.51.100.7"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, got)
			}
		})
	}
}

func TestLoggingMiddlewareAddsRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(logging.NewLogger(&buf, "INFO", "text"))
	t.Cleanup(func() { slog.SetDefault(previous) })

	router := mux.NewRouter()
	router.Use(LoggingMiddleware, MetricsMiddleware)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		logging.LoggerFromContext(r.Context()).Info("inside handler")
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	requestID := rec.Header().Get("X-Request-ID")
	if requestID == "" {
		t.Fatal("Expected X-Request-ID header")
	}
	out := buf.String()
	if strings.Count(out, "request_id="+requestID) != 2 {
		t.Errorf("Expected both log lines to carry the request id, got:\n%s", out)
	}
	if !strings.Contains(out, "status_code=418") {
		t.Errorf("Expected status code in access log, got:\n%s", out)
	}
}
