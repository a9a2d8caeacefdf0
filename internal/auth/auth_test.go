package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testService() *Service {
	return NewService("test-api-key", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func protected(t *testing.T, s *Service, limiter *RateLimiter) http.HandlerFunc {
	t.Helper()
	return s.Middleware(limiter)(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func request(authHeader string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/videos", nil)
	r.RemoteAddr = "203.0.113.9:51234"
	if authHeader != "" {
		r.Header.Set("Authorization", authHeader)
	}
	return r
}

func TestMiddleware_APIKey(t *testing.T) {
	handler := protected(t, testService(), nil)

	w := httptest.NewRecorder()
	handler(w, request("Bearer test-api-key"))
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %v, want 204 with valid API key", w.Code)
	}
}

func TestMiddleware_JWT(t *testing.T) {
	s := testService()
	token, err := s.GenerateToken("api-client")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	handler := protected(t, s, nil)
	w := httptest.NewRecorder()
	handler(w, request("Bearer "+token))
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %v, want 204 with valid JWT", w.Code)
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	s := testService()
	other := NewService("other-key", slog.New(slog.NewTextHandler(io.Discard, nil)))
	foreignToken, err := other.GenerateToken("api-client")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"wrong key", "Bearer nope"},
		{"foreign token", "Bearer " + foreignToken},
	}

	handler := protected(t, s, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler(w, request(tt.header))
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %v, want 401", w.Code)
			}
		})
	}
}

func TestMiddleware_RateLimit(t *testing.T) {
	s := testService()
	limiter := NewRateLimiter()
	handler := protected(t, s, limiter)

	for i := 0; i < MaxFailedAttempts; i++ {
		w := httptest.NewRecorder()
		handler(w, request("Bearer wrong"))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %v, want 401", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler(w, request("Bearer test-api-key"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %v, want 429 once locked out", w.Code)
	}
}

func TestRateLimiter_ResetClearsLockout(t *testing.T) {
	limiter := NewRateLimiter()
	for i := 0; i < MaxFailedAttempts; i++ {
		limiter.RecordFailure("203.0.113.9")
	}
	if !limiter.IsLimited("203.0.113.9") {
		t.Fatal("expected lockout")
	}

	limiter.Reset("203.0.113.9")
	if limiter.IsLimited("203.0.113.9") {
		t.Error("lockout survived Reset")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr", nil, "10.1.2.3:4567", "10.1.2.3"},
		{"x-forwarded-for", map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.1"}, "10.1.2.3:4567", "198.51.100.7"},
		{"x-real-ip", map[string]string{"X-Real-IP": "198.51.100.8"}, "10.1.2.3:4567", "198.51.100.8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %v, want %v", got, tt.want)
			}
		})
	}
}
