// Package health reports liveness and dependency readiness over HTTP.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	cacheTTL       = 10 * time.Second
	checkTimeout   = 5 * time.Second
	deepCheckLimit = 10 * time.Second
)

// Status is the health check response.
type Status struct {
	Status    string                    `json:"status"`
	Service   string                    `json:"service"`
	Timestamp string                    `json:"timestamp"`
	Checks    map[string]ComponentCheck `json:"checks,omitempty"`
}

// ComponentCheck is the health of a single dependency.
type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BucketHeader is the slice of the S3 API the checker needs.
type BucketHeader interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Pinger reports whether a dependency connection is alive.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to the Pinger interface.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Checker serves the shallow and deep health endpoints. Shallow checks are
// cached; deep checks probe the object store, the queue and the record store
// and are rate limited to one per deepCheckLimit.
type Checker struct {
	service  string
	s3Client BucketHeader
	bucket   string
	queue    Pinger
	store    Pinger
	log      *slog.Logger

	mu            sync.RWMutex
	lastCheck     time.Time
	lastStatus    *Status
	lastDeepCheck time.Time
}

// NewChecker creates a Checker. Nil dependencies are skipped in deep checks.
func NewChecker(service string, s3Client BucketHeader, bucket string, queue, store Pinger, log *slog.Logger) *Checker {
	return &Checker{
		service:  service,
		s3Client: s3Client,
		bucket:   bucket,
		queue:    queue,
		store:    store,
		log:      log,
	}
}

// Check runs the health checks. Shallow results may come from cache.
func (c *Checker) Check(ctx context.Context, deep bool) *Status {
	if !deep {
		c.mu.RLock()
		if c.lastStatus != nil && time.Since(c.lastCheck) < cacheTTL {
			status := c.lastStatus
			c.mu.RUnlock()
			return status
		}
		c.mu.RUnlock()
	}

	status := &Status{
		Status:    "healthy",
		Service:   c.service,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    make(map[string]ComponentCheck),
	}

	if deep {
		if c.s3Client != nil && c.bucket != "" {
			status.merge("s3", c.checkS3(ctx))
		}
		if c.queue != nil {
			status.merge("queue", c.checkPinger(ctx, c.queue))
		}
		if c.store != nil {
			status.merge("store", c.checkPinger(ctx, c.store))
		}
	}

	c.mu.Lock()
	c.lastCheck = time.Now()
	c.lastStatus = status
	c.mu.Unlock()

	return status
}

func (s *Status) merge(name string, check ComponentCheck) {
	s.Checks[name] = check
	if check.Status != "healthy" {
		s.Status = "degraded"
	}
}

func (c *Checker) checkS3(ctx context.Context) ComponentCheck {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	_, err := c.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	return componentCheck(time.Since(start), err)
}

func (c *Checker) checkPinger(ctx context.Context, p Pinger) ComponentCheck {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	return componentCheck(time.Since(start), p.Ping(ctx))
}

func componentCheck(latency time.Duration, err error) ComponentCheck {
	check := ComponentCheck{Status: "healthy", Latency: latency.String()}
	if err != nil {
		check.Status = "unhealthy"
		check.Error = err.Error()
	}
	return check
}

func (c *Checker) canDeepCheck() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastDeepCheck) >= deepCheckLimit
}

func (c *Checker) recordDeepCheck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastDeepCheck = time.Now()
}

// Handler serves the shallow health endpoint.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.writeResponse(w, c.Check(r.Context(), false))
	}
}

// DeepHandler serves the deep health endpoint, falling back to the cached
// shallow result when probed too frequently.
func (c *Checker) DeepHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.canDeepCheck() {
			status := c.Check(r.Context(), false)
			status.Checks["rate_limited"] = ComponentCheck{
				Status: "info",
				Error:  "deep health check rate limited, returning cached result",
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "10")
			w.WriteHeader(http.StatusTooManyRequests)
			c.encode(w, status)
			return
		}

		c.recordDeepCheck()
		c.writeResponse(w, c.Check(r.Context(), true))
	}
}

func (c *Checker) writeResponse(w http.ResponseWriter, status *Status) {
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	c.encode(w, status)
}

func (c *Checker) encode(w http.ResponseWriter, status *Status) {
	if err := json.NewEncoder(w).Encode(status); err != nil && c.log != nil {
		c.log.Error("Failed to encode health check response", "error", err)
	}
}
