// Package ingress accepts upload bytes and hands finished uploads to the
// processing queue. Two paths exist: the resumable tus endpoint served by
// tusd, and the one-shot multipart path handled by the API layer. Both end in
// Finisher.Finish.
package ingress

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vellum-media/vellum-stream/internal/metrics"
	"github.com/vellum-media/vellum-stream/internal/queue"
	"github.com/vellum-media/vellum-stream/pkg/models"
)

// JobPublisher enqueues transcode jobs.
type JobPublisher interface {
	Publish(ctx context.Context, queueName string, msg any) error
}

// RecordStore is the slice of the record store the ingress paths need.
type RecordStore interface {
	Get(ctx context.Context, id string) (*models.VideoRecord, error)
	Update(ctx context.Context, id string, patch func(*models.VideoRecord)) (*models.VideoRecord, error)
}

// Finisher moves a finished upload into the processing pipeline.
type Finisher struct {
	store RecordStore
	queue JobPublisher
	log   *slog.Logger
}

// NewFinisher creates a Finisher.
func NewFinisher(store RecordStore, queue JobPublisher, log *slog.Logger) *Finisher {
	return &Finisher{
		store: store,
		queue: queue,
		log:   log,
	}
}

// Finish records that the bytes for rec have fully arrived at filePath and
// publishes the transcode job. Progress drops back to 0: the upload phase is
// over and the progress scale now belongs to processing.
func (f *Finisher) Finish(ctx context.Context, rec *models.VideoRecord, filePath string) error {
	if _, err := f.store.Update(ctx, rec.ID, func(r *models.VideoRecord) {
		r.Progress = 0
	}); err != nil {
		return fmt.Errorf("failed to update record on upload finish: %w", err)
	}

	job := &models.TranscodeJob{
		UploadID:    rec.ID,
		FilePath:    filePath,
		Filename:    rec.Filename,
		Packager:    rec.Packager,
		CallbackURL: rec.CallbackURL,
		S3Path:      rec.S3Path,
		UploadToS3:  rec.UploadToS3,
	}
	if err := f.queue.Publish(ctx, queue.VideoProcessing, job); err != nil {
		return fmt.Errorf("failed to enqueue transcode job: %w", err)
	}

	f.log.InfoContext(ctx, "Upload finished, job enqueued",
		"uploadId", rec.ID,
		"filename", rec.Filename,
		"filePath", filePath,
	)
	metrics.UploadsFinished.WithLabelValues(string(rec.UploadType)).Inc()
	return nil
}
