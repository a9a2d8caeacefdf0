package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/vellum-media/vellum-stream/pkg/models"
)

// DefaultSweepInterval paces webhook redelivery.
const DefaultSweepInterval = time.Minute

// PendingLister returns records whose callback is still owed.
type PendingLister interface {
	ListPendingCallbacks(ctx context.Context) ([]models.VideoRecord, error)
}

// Sweeper periodically redrives pending callbacks whose inline attempt did
// not land. Each sweep makes at most one attempt per record; the dispatcher's
// bookkeeping bounds the total.
type Sweeper struct {
	store      PendingLister
	dispatcher *Dispatcher
	interval   time.Duration
	log        *slog.Logger
}

// NewSweeper creates a Sweeper. A non-positive interval falls back to
// DefaultSweepInterval.
func NewSweeper(store PendingLister, dispatcher *Dispatcher, interval time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:      store,
		dispatcher: dispatcher,
		interval:   interval,
		log:        log,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	pending, err := s.store.ListPendingCallbacks(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to list pending callbacks", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	s.log.InfoContext(ctx, "Redriving pending callbacks", "count", len(pending))
	for i := range pending {
		if ctx.Err() != nil {
			return
		}
		s.dispatcher.Notify(ctx, &pending[i])
	}
}
