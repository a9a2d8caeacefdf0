// vellum-stream runs the whole pipeline in one process: the HTTP ingress
// surface and the queue-consuming transcode worker. The record store is an
// embedded database with an exclusive file lock, so ingress and processing
// must share a process; the queue still decouples them and makes accepted
// jobs survive restarts.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vellum-media/vellum-stream/internal/api"
	"github.com/vellum-media/vellum-stream/internal/auth"
	"github.com/vellum-media/vellum-stream/internal/cleanup"
	"github.com/vellum-media/vellum-stream/internal/config"
	"github.com/vellum-media/vellum-stream/internal/health"
	"github.com/vellum-media/vellum-stream/internal/ingress"
	"github.com/vellum-media/vellum-stream/internal/logger"
	"github.com/vellum-media/vellum-stream/internal/observability"
	"github.com/vellum-media/vellum-stream/internal/probe"
	"github.com/vellum-media/vellum-stream/internal/publisher"
	"github.com/vellum-media/vellum-stream/internal/queue"
	"github.com/vellum-media/vellum-stream/internal/session"
	"github.com/vellum-media/vellum-stream/internal/store"
	"github.com/vellum-media/vellum-stream/internal/transcoder"
	"github.com/vellum-media/vellum-stream/internal/validate"
	"github.com/vellum-media/vellum-stream/internal/webhook"
	"github.com/vellum-media/vellum-stream/internal/worker"
)

const (
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
	StartupTimeout        = 2 * time.Minute
)

func main() {
	log := logger.New()
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadService()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracer, err := observability.InitTracer(context.Background(), "vellum-stream", cfg)
	if err != nil {
		log.Error("Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.DB.Path), 0o755); err != nil {
		log.Error("Failed to create data directory", "error", err)
		os.Exit(1)
	}
	recordStore, err := store.Open(cfg.DB.Path)
	if err != nil {
		log.Error("Failed to open record store", "path", cfg.DB.Path, "error", err)
		os.Exit(1)
	}
	defer recordStore.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), StartupTimeout)
	defer cancelStartup()

	s3Client, err := publisher.NewS3Client(startupCtx, cfg.S3)
	if err != nil {
		log.Error("Failed to create S3 client", "error", err)
		os.Exit(1)
	}
	pub := publisher.New(s3Client, cfg.S3.Bucket, log)

	// Two broker clients so the publish path never contends with the
	// consumer-owned channel.
	jobPublisher, err := queue.Connect(startupCtx, cfg.AMQPURL(), log)
	if err != nil {
		log.Error("Failed to connect to message queue", "error", err)
		os.Exit(1)
	}
	defer jobPublisher.Close()

	jobConsumer, err := queue.Connect(startupCtx, cfg.AMQPURL(), log)
	if err != nil {
		log.Error("Failed to connect to message queue", "error", err)
		os.Exit(1)
	}
	defer jobConsumer.Close()

	policy := validate.NewPolicy(cfg.Upload.AllowedTypes, cfg.Upload.MaxFileSize)
	sessions := session.New(recordStore, policy, cfg, log)
	finisher := ingress.NewFinisher(recordStore, jobPublisher, log)

	tusServer, err := ingress.NewTusServer(cfg.Upload.Path, recordStore, policy, finisher, log)
	if err != nil {
		log.Error("Failed to create tus server", "error", err)
		os.Exit(1)
	}

	authService := auth.NewService(cfg.Server.APIKey, log)
	rateLimiter := auth.NewRateLimiter()
	healthChecker := health.NewChecker("vellum-stream", s3Client, cfg.S3.Bucket, jobConsumer, recordStore, log)

	handlers := api.NewHandlers(&api.HandlersConfig{
		Sessions:    sessions,
		Records:     recordStore,
		Finisher:    finisher,
		Policy:      policy,
		AuthService: authService,
		RateLimiter: rateLimiter,
		UploadDir:   cfg.Upload.Path,
		Logger:      log,
	})

	server := api.NewServer(&api.ServerConfig{
		Config:        cfg,
		Logger:        log,
		Handlers:      handlers,
		AuthService:   authService,
		RateLimiter:   rateLimiter,
		TusServer:     tusServer,
		HealthChecker: healthChecker,
	})

	prober := probe.New(log)
	pipeline := transcoder.New(recordStore, prober, pub, cfg, log)
	dispatcher := webhook.New(recordStore, log)
	cleaner := cleanup.New(log)
	jobWorker := worker.New(recordStore, jobConsumer, pipeline, dispatcher, cleaner, log)
	sweeper := webhook.NewSweeper(recordStore, dispatcher, webhook.DefaultSweepInterval, log)

	metricsServer := startMetricsServer(cfg.Observability.MetricsPort, log)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	go tusServer.Listen(runCtx)
	go sweeper.Run(runCtx)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := jobWorker.Run(runCtx); err != nil {
			log.Error("Worker stopped with error", "error", err)
		}
	}()

	go func() {
		if err := server.Start(); err != nil {
			log.Error("Server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	// Stop awaiting new deliveries. The in-flight job is detached from this
	// context and always drives to a terminal state, so wait it out rather
	// than kill FFmpeg mid-render.
	cancelRun()
	<-workerDone

	// Fresh window: the in-flight job may have outlived shutdownCtx.
	metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), TracerShutdownTimeout)
	defer cancelMetrics()
	if err := metricsServer.Shutdown(metricsCtx); err != nil {
		log.Error("Failed to shutdown metrics server", "error", err)
	}

	log.Info("Shutdown complete")
}

// startMetricsServer exposes the metrics and liveness plane on its own port so
// it can be firewalled separately from the public API.
func startMetricsServer(port int, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"healthy"}`)); err != nil {
			log.Error("Failed to write health response", "error", err)
		}
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Starting metrics server", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server error", "error", err)
		}
	}()

	return srv
}
