package auth

import (
	"sync"
	"time"
)

const (
	// MaxFailedAttempts per IP inside the window before lockout.
	MaxFailedAttempts = 5
	// FailureWindow is how long failed attempts are held against an IP.
	FailureWindow = 15 * time.Minute
)

type failureRecord struct {
	count     int
	firstSeen time.Time
}

// RateLimiter locks out IPs that keep presenting bad credentials. Expired
// entries are pruned lazily on access; there is no background goroutine.
type RateLimiter struct {
	mu       sync.Mutex
	failures map[string]*failureRecord
	max      int
	window   time.Duration
}

// NewRateLimiter creates a RateLimiter with the default policy.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		failures: make(map[string]*failureRecord),
		max:      MaxFailedAttempts,
		window:   FailureWindow,
	}
}

// IsLimited reports whether the IP is currently locked out.
func (rl *RateLimiter) IsLimited(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.failures[ip]
	if !ok {
		return false
	}
	if time.Since(rec.firstSeen) > rl.window {
		delete(rl.failures, ip)
		return false
	}
	return rec.count >= rl.max
}

// RecordFailure counts one failed attempt against the IP.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.failures[ip]
	if !ok || time.Since(rec.firstSeen) > rl.window {
		rl.failures[ip] = &failureRecord{count: 1, firstSeen: time.Now()}
		return
	}
	rec.count++
}

// Reset clears the IP's failure history after a successful authentication.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
}
