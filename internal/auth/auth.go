// Package auth guards the API surface. Clients authenticate with the static
// API key directly, or trade it at the login endpoint for a short-lived JWT.
package auth

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vellum-media/vellum-stream/internal/metrics"
)

const (
	// TokenTTL bounds the lifetime of issued JWTs.
	TokenTTL = 24 * time.Hour

	issuer = "vellum-stream"
)

// Claims is the JWT claim set issued at login.
type Claims struct {
	jwt.RegisteredClaims
}

// Service issues and verifies credentials. The API key doubles as the JWT
// signing secret, so rotating the key invalidates outstanding tokens.
type Service struct {
	apiKey []byte
	log    *slog.Logger
}

// NewService creates an auth Service.
func NewService(apiKey string, log *slog.Logger) *Service {
	return &Service{
		apiKey: []byte(apiKey),
		log:    log,
	}
}

// GenerateToken mints a JWT valid for TokenTTL.
func (s *Service) GenerateToken(subject string) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.apiKey)
}

// VerifyAPIKey reports whether the presented key matches, in constant time.
func (s *Service) VerifyAPIKey(candidate string) bool {
	return subtle.ConstantTimeCompare(s.apiKey, []byte(candidate)) == 1
}

func (s *Service) verifyToken(tokenString string) bool {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.apiKey, nil
	}, jwt.WithIssuer(issuer))
	return err == nil && token.Valid
}

// Middleware authenticates requests with a bearer credential: either the raw
// API key or a JWT from the login endpoint. Failed attempts count against
// the per-IP limiter.
func (s *Service) Middleware(limiter *RateLimiter) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if limiter != nil && limiter.IsLimited(ip) {
				metrics.AuthFailures.WithLabelValues("rate_limited").Inc()
				http.Error(w, "Too many failed attempts", http.StatusTooManyRequests)
				return
			}

			credential, ok := bearerToken(r)
			if !ok {
				metrics.AuthFailures.WithLabelValues("missing").Inc()
				http.Error(w, "Authorization required", http.StatusUnauthorized)
				return
			}

			if !s.VerifyAPIKey(credential) && !s.verifyToken(credential) {
				metrics.AuthFailures.WithLabelValues("invalid").Inc()
				if limiter != nil {
					limiter.RecordFailure(ip)
				}
				s.log.Warn("Rejected credential", "ip", ip, "path", r.URL.Path)
				http.Error(w, "Invalid or expired credential", http.StatusUnauthorized)
				return
			}

			if limiter != nil {
				limiter.Reset(ip)
			}
			next.ServeHTTP(w, r)
		}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// ClientIP extracts the client address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
