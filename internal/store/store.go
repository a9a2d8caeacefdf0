// Package store persists video records in an embedded bbolt database.
//
// The database has a single writer, so every mutation below runs as one
// serialized read-modify-write transaction. TryAcquireForProcessing relies on
// that: the status predicate and the transition commit atomically, which is
// what makes early queue acknowledgment safe.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vellum-media/vellum-stream/pkg/models"
)

var bucketVideos = []byte("videos")

// AcquireProgressCeiling is the progress value at or below which a
// mid-processing record may be re-acquired. A worker that died before
// meaningful progress is safely re-driven by the next delivery; one that died
// later is surfaced via status and needs an explicit retry.
const AcquireProgressCeiling = 10

// Store is the durable home of VideoRecords.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the record database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVideos)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create videos bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is readable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketVideos) == nil {
			return fmt.Errorf("videos bucket missing")
		}
		return nil
	})
}

// Create inserts a new record. It fails with ErrRecordExists if the id is
// already present.
func (s *Store) Create(ctx context.Context, rec *models.VideoRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVideos)
		if b.Get([]byte(rec.ID)) != nil {
			return fmt.Errorf("%w: %s", models.ErrRecordExists, rec.ID)
		}
		return putRecord(b, rec)
	})
}

// Get returns the record for id, or ErrRecordNotFound.
func (s *Store) Get(ctx context.Context, id string) (*models.VideoRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *models.VideoRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx.Bucket(bucketVideos), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update applies patch to the record under the store's write transaction and
// returns the updated record.
//
// Two invariants are enforced here rather than trusted to callers: a
// transition into completed stamps CompletedAt, and a record that is already
// completed keeps its status, stream URL and completion time no matter what
// the patch did (callback bookkeeping still updates normally).
func (s *Store) Update(ctx context.Context, id string, patch func(*models.VideoRecord)) (*models.VideoRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var updated *models.VideoRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVideos)
		rec, err := getRecord(b, id)
		if err != nil {
			return err
		}

		prev := *rec
		patch(rec)

		if prev.Status == models.StatusCompleted {
			rec.Status = prev.Status
			rec.StreamURL = prev.StreamURL
			rec.CompletedAt = prev.CompletedAt
		} else if rec.Status == models.StatusCompleted && rec.CompletedAt == nil {
			now := time.Now().UTC()
			rec.CompletedAt = &now
		}

		updated = rec
		return putRecord(b, rec)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// TryAcquireForProcessing attempts, in one atomic transaction, the transition
//
//	status in {uploading, failed}
//	or (status = processing and progress <= 10)
//	=> status := processing, progress := 10
//
// It returns whether the transition was taken, along with the current record.
func (s *Store) TryAcquireForProcessing(ctx context.Context, id string) (bool, *models.VideoRecord, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}

	var (
		acquired bool
		current  *models.VideoRecord
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVideos)
		rec, err := getRecord(b, id)
		if err != nil {
			return err
		}

		eligible := rec.Status == models.StatusUploading ||
			rec.Status == models.StatusFailed ||
			(rec.Status == models.StatusProcessing && rec.Progress <= AcquireProgressCeiling)

		if eligible {
			rec.Status = models.StatusProcessing
			rec.Progress = AcquireProgressCeiling
			if err := putRecord(b, rec); err != nil {
				return err
			}
			acquired = true
		}

		current = rec
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return acquired, current, nil
}

// ListAll returns every record, newest first.
func (s *Store) ListAll(ctx context.Context) ([]models.VideoRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []models.VideoRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVideos).ForEach(func(_, v []byte) error {
			var rec models.VideoRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// ListPendingCallbacks returns completed records whose webhook is still owed
// and under the retry budget, oldest first.
func (s *Store) ListPendingCallbacks(ctx context.Context) ([]models.VideoRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []models.VideoRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVideos).ForEach(func(_, v []byte) error {
			var rec models.VideoRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			if rec.CallbackURL != "" &&
				rec.CallbackStatus == models.CallbackPending &&
				rec.CallbackRetryCount < models.MaxCallbackAttempts &&
				rec.Status == models.StatusCompleted {
				records = append(records, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func getRecord(b *bolt.Bucket, id string) (*models.VideoRecord, error) {
	raw := b.Get([]byte(id))
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrRecordNotFound, id)
	}
	var rec models.VideoRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s: %w", id, err)
	}
	return &rec, nil
}

func putRecord(b *bolt.Bucket, rec *models.VideoRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.ID, err)
	}
	return b.Put([]byte(rec.ID), raw)
}
