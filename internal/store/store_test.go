package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vellum-media/vellum-stream/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "videos.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRecord(id string) *models.VideoRecord {
	return &models.VideoRecord{
		ID:             id,
		Filename:       "clip.mp4",
		Status:         models.StatusUploading,
		Packager:       "ffmpeg",
		CallbackStatus: models.CallbackPending,
		UploadType:     models.UploadResumable,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, newRecord("a")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rec, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Status != models.StatusUploading {
		t.Errorf("Status = %v, want uploading", rec.Status)
	}

	if err := s.Create(ctx, newRecord("a")); !errors.Is(err, models.ErrRecordExists) {
		t.Errorf("Create() duplicate error = %v, want ErrRecordExists", err)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, models.ErrRecordNotFound) {
		t.Errorf("Get() missing error = %v, want ErrRecordNotFound", err)
	}
}

func TestTryAcquireForProcessing(t *testing.T) {
	tests := []struct {
		name         string
		status       models.VideoStatus
		progress     int
		wantAcquired bool
	}{
		{"uploading", models.StatusUploading, 0, true},
		{"failed", models.StatusFailed, 50, true},
		{"processing at ceiling", models.StatusProcessing, 10, true},
		{"processing early", models.StatusProcessing, 5, true},
		{"processing past ceiling", models.StatusProcessing, 11, false},
		{"processing mid-run", models.StatusProcessing, 50, false},
		{"completed", models.StatusCompleted, 100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			ctx := context.Background()

			rec := newRecord("x")
			rec.Status = tt.status
			rec.Progress = tt.progress
			if err := s.Create(ctx, rec); err != nil {
				t.Fatalf("Create() error = %v", err)
			}

			acquired, current, err := s.TryAcquireForProcessing(ctx, "x")
			if err != nil {
				t.Fatalf("TryAcquireForProcessing() error = %v", err)
			}
			if acquired != tt.wantAcquired {
				t.Fatalf("acquired = %v, want %v", acquired, tt.wantAcquired)
			}
			if acquired {
				if current.Status != models.StatusProcessing || current.Progress != AcquireProgressCeiling {
					t.Errorf("after acquire: status=%v progress=%v, want processing/%d",
						current.Status, current.Progress, AcquireProgressCeiling)
				}
			} else if current.Status != tt.status {
				t.Errorf("record mutated on failed acquire: status = %v", current.Status)
			}
		})
	}
}

func TestTryAcquire_SecondDeliverySkipped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, newRecord("dup")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	acquired, _, err := s.TryAcquireForProcessing(ctx, "dup")
	if err != nil || !acquired {
		t.Fatalf("first acquire = (%v, %v), want acquired", acquired, err)
	}

	// Simulate the first worker making real progress before a duplicate
	// delivery of the same message arrives.
	if _, err := s.Update(ctx, "dup", func(r *models.VideoRecord) { r.Progress = 50 }); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	acquired, current, err := s.TryAcquireForProcessing(ctx, "dup")
	if err != nil {
		t.Fatalf("second acquire error = %v", err)
	}
	if acquired {
		t.Error("second delivery acquired a mid-run record")
	}
	if current.Progress != 50 {
		t.Errorf("progress = %v, want untouched 50", current.Progress)
	}
}

func TestUpdate_CompletedSetsCompletedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, newRecord("c")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rec, err := s.Update(ctx, "c", func(r *models.VideoRecord) {
		r.Status = models.StatusCompleted
		r.StreamURL = "https://bucket.endpoint/c/index.m3u8"
		r.Progress = 100
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if rec.CompletedAt == nil {
		t.Fatal("CompletedAt not stamped on completion")
	}
}

func TestUpdate_TerminalStateIsMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, newRecord("m")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.Update(ctx, "m", func(r *models.VideoRecord) {
		r.Status = models.StatusCompleted
		r.StreamURL = "https://bucket.endpoint/m/index.m3u8"
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	rec, err := s.Update(ctx, "m", func(r *models.VideoRecord) {
		r.Status = models.StatusFailed
		r.StreamURL = "https://evil/other.m3u8"
		r.CallbackRetryCount = 2
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if rec.Status != models.StatusCompleted {
		t.Errorf("Status = %v, completed must be terminal", rec.Status)
	}
	if rec.StreamURL != "https://bucket.endpoint/m/index.m3u8" {
		t.Errorf("StreamURL changed after completion: %v", rec.StreamURL)
	}
	if rec.CallbackRetryCount != 2 {
		t.Errorf("callback fields must still update, got retryCount=%v", rec.CallbackRetryCount)
	}
}

func TestListPendingCallbacks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	mk := func(id string, age time.Duration, mutate func(*models.VideoRecord)) {
		rec := newRecord(id)
		rec.CreatedAt = base.Add(-age)
		mutate(rec)
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	mk("newer", time.Minute, func(r *models.VideoRecord) {
		r.Status = models.StatusCompleted
		r.CallbackURL = "https://cb.test/hook"
	})
	mk("older", time.Hour, func(r *models.VideoRecord) {
		r.Status = models.StatusCompleted
		r.CallbackURL = "https://cb.test/hook"
		r.CallbackRetryCount = 2
	})
	mk("no-url", time.Hour, func(r *models.VideoRecord) {
		r.Status = models.StatusCompleted
	})
	mk("exhausted", time.Hour, func(r *models.VideoRecord) {
		r.Status = models.StatusCompleted
		r.CallbackURL = "https://cb.test/hook"
		r.CallbackRetryCount = models.MaxCallbackAttempts
	})
	mk("delivered", time.Hour, func(r *models.VideoRecord) {
		r.Status = models.StatusCompleted
		r.CallbackURL = "https://cb.test/hook"
		r.CallbackStatus = models.CallbackCompleted
	})
	mk("not-done", time.Hour, func(r *models.VideoRecord) {
		r.CallbackURL = "https://cb.test/hook"
	})

	pending, err := s.ListPendingCallbacks(ctx)
	if err != nil {
		t.Fatalf("ListPendingCallbacks() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %v, want 2", len(pending))
	}
	if pending[0].ID != "older" || pending[1].ID != "newer" {
		t.Errorf("order = [%s %s], want oldest first", pending[0].ID, pending[1].ID)
	}
}

func TestListAll_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"first", "second", "third"} {
		rec := newRecord(id)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	all, err := s.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %v, want 3", len(all))
	}
	if all[0].ID != "third" {
		t.Errorf("all[0].ID = %v, want third (newest first)", all[0].ID)
	}
}
