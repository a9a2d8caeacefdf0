// Package api provides the HTTP surface of the pipeline.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vellum-media/vellum-stream/internal/auth"
	"github.com/vellum-media/vellum-stream/internal/config"
	"github.com/vellum-media/vellum-stream/internal/health"
	"github.com/vellum-media/vellum-stream/internal/ingress"
)

// Server configuration constants. WriteTimeout is generous because the
// direct upload path streams whole files.
const (
	ReadTimeout       = 30 * time.Second
	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 300 * time.Second
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20
)

// Server is the API HTTP server.
type Server struct {
	httpServer *http.Server
	cfg        *config.Config
	log        *slog.Logger
}

// ServerConfig holds dependencies for the server.
type ServerConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	Handlers      *Handlers
	AuthService   *auth.Service
	RateLimiter   *auth.RateLimiter
	TusServer     *ingress.TusServer
	HealthChecker *health.Checker
}

// NewServer wires the routes and builds the http.Server.
func NewServer(cfg *ServerConfig) *Server {
	h := cfg.Handlers
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /healthz", cfg.HealthChecker.Handler())
	mux.HandleFunc("GET /healthz/deep", cfg.HealthChecker.DeepHandler())
	mux.HandleFunc("POST /api/v1/auth/login", h.LoginHandler)

	// The resumable endpoint is gated by session preconditions, not bearer
	// auth: tus clients cannot attach arbitrary headers on every request.
	mux.Handle("/api/v1/tus/files/", cfg.TusServer.Handler())

	// Protected endpoints
	authMW := cfg.AuthService.Middleware(cfg.RateLimiter)
	mux.HandleFunc("POST /api/v1/video/create", authMW(h.CreateVideoHandler))
	mux.HandleFunc("POST /api/v1/video/{id}/upload", authMW(h.DirectUploadHandler))
	mux.HandleFunc("GET /api/v1/video/{id}/status", authMW(h.VideoStatusHandler))
	mux.HandleFunc("GET /api/v1/video/{id}/callback-status", authMW(h.CallbackStatusHandler))
	mux.HandleFunc("GET /api/v1/videos", authMW(h.ListVideosHandler))

	// Metrics endpoint (internal only)
	mux.Handle("GET /metrics", internalOnlyMiddleware(promhttp.Handler()))

	handler := CORSMiddleware(cfg.Config.CORS.AllowedOrigins)(metricsMiddleware(mux))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Config.Server.Port,
		Handler:           handler,
		ReadTimeout:       ReadTimeout,
		ReadHeaderTimeout: ReadHeaderTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
		MaxHeaderBytes:    MaxHeaderBytes,
	}

	return &Server{
		httpServer: httpServer,
		cfg:        cfg.Config,
		log:        cfg.Logger,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "port", s.cfg.Server.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Private networks for the internal-only middleware.
var privateNetworks = []net.IPNet{
	{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
	{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
	{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
	{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
}

// internalOnlyMiddleware restricts access to internal networks.
func internalOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Deny if X-Forwarded-For is present (came through a load balancer)
		if r.Header.Get("X-Forwarded-For") != "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if isInternalRequest(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

func isInternalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback()
}
