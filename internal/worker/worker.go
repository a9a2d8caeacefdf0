// Package worker consumes transcode jobs and drives them to a terminal
// state. Exactly-once execution rests on the record store's atomic acquire:
// the queue may deliver a job any number of times, but only one delivery
// wins the record.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vellum-media/vellum-stream/internal/cleanup"
	"github.com/vellum-media/vellum-stream/internal/metrics"
	"github.com/vellum-media/vellum-stream/internal/queue"
	"github.com/vellum-media/vellum-stream/internal/transcoder"
	"github.com/vellum-media/vellum-stream/internal/webhook"
	"github.com/vellum-media/vellum-stream/pkg/models"
)

var tracer = otel.Tracer("vellum-worker")

// RecordStore is the slice of the record store the worker needs.
type RecordStore interface {
	TryAcquireForProcessing(ctx context.Context, id string) (bool, *models.VideoRecord, error)
	Get(ctx context.Context, id string) (*models.VideoRecord, error)
	Update(ctx context.Context, id string, patch func(*models.VideoRecord)) (*models.VideoRecord, error)
}

// JobConsumer delivers queue messages.
type JobConsumer interface {
	Consume(ctx context.Context, queueName string, handler func(context.Context, amqp.Delivery)) error
}

// Pipeline renders and publishes a job's artifacts.
type Pipeline interface {
	TranscodeAndUpload(ctx context.Context, job *models.TranscodeJob) (*transcoder.Result, error)
	WorkDir(uploadID string) string
}

// Worker runs the processing side of the pipeline.
type Worker struct {
	store      RecordStore
	consumer   JobConsumer
	pipeline   Pipeline
	dispatcher *webhook.Dispatcher
	cleaner    *cleanup.Cleaner
	log        *slog.Logger
}

// New creates a Worker.
func New(store RecordStore, consumer JobConsumer, pipeline Pipeline, dispatcher *webhook.Dispatcher, cleaner *cleanup.Cleaner, log *slog.Logger) *Worker {
	return &Worker{
		store:      store,
		consumer:   consumer,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		cleaner:    cleaner,
		log:        log,
	}
}

// Run consumes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.InfoContext(ctx, "Worker consuming", "queue", queue.VideoProcessing)
	return w.consumer.Consume(ctx, queue.VideoProcessing, w.handleDelivery)
}

// handleDelivery parses one queue delivery and races for the record. The
// message is acknowledged as soon as the race is decided either way; from
// then on the record, not the queue, carries the job's fate.
func (w *Worker) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var job models.TranscodeJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		w.log.ErrorContext(ctx, "Discarding unparseable job", "error", fmt.Errorf("%w: %v", models.ErrJobParseFailed, err))
		w.ack(ctx, d)
		return
	}
	if err := job.Validate(); err != nil {
		w.log.ErrorContext(ctx, "Discarding invalid job", "uploadId", job.UploadID, "error", err)
		w.ack(ctx, d)
		return
	}

	acquired, rec, err := w.store.TryAcquireForProcessing(ctx, job.UploadID)
	if err != nil {
		// Store trouble is not a verdict on the job: requeue so a later
		// delivery can retry once the store recovers.
		w.log.ErrorContext(ctx, "Failed to acquire record, requeueing", "uploadId", job.UploadID, "error", err)
		w.nack(ctx, d)
		return
	}
	if !acquired {
		metrics.JobsSkipped.Inc()
		w.log.InfoContext(ctx, "Skipping delivery, record already owned or done",
			"uploadId", job.UploadID,
			"status", rec.Status,
			"progress", rec.Progress,
		)
		w.ack(ctx, d)
		return
	}

	w.ack(ctx, d)
	// The acquired job runs detached from the consumer's context: shutdown
	// stops the delivery of new work while the in-flight job drives to a
	// terminal state.
	w.process(context.WithoutCancel(ctx), &job)
}

func (w *Worker) ack(ctx context.Context, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		w.log.ErrorContext(ctx, "Failed to ack delivery", "error", err)
	}
}

func (w *Worker) nack(ctx context.Context, d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		w.log.ErrorContext(ctx, "Failed to nack delivery", "error", err)
	}
}

// process drives an acquired job to a terminal state and always runs
// notification and cleanup afterwards.
func (w *Worker) process(ctx context.Context, job *models.TranscodeJob) {
	ctx, span := tracer.Start(ctx, "process-job")
	defer span.End()
	span.SetAttributes(
		attribute.String("upload.id", job.UploadID),
		attribute.String("upload.filename", job.Filename),
	)

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	start := time.Now()
	w.log.InfoContext(ctx, "Processing job", "uploadId", job.UploadID, "filename", job.Filename)

	res, err := w.pipeline.TranscodeAndUpload(ctx, job)
	if err != nil {
		w.fail(ctx, job, err)
	} else {
		w.complete(ctx, job, res)
		w.log.InfoContext(ctx, "Job completed",
			"uploadId", job.UploadID,
			"strategy", res.Strategy,
			"duration", time.Since(start).Round(time.Millisecond).String(),
		)
	}

	rec, gerr := w.store.Get(ctx, job.UploadID)
	if gerr != nil {
		w.log.ErrorContext(ctx, "Cannot notify, record unreadable", "uploadId", job.UploadID, "error", gerr)
	} else {
		w.dispatcher.Notify(ctx, rec)
	}

	w.cleaner.Run(ctx, job.FilePath, w.pipeline.WorkDir(job.UploadID))
}

func (w *Worker) complete(ctx context.Context, job *models.TranscodeJob, res *transcoder.Result) {
	if _, err := w.store.Update(ctx, job.UploadID, func(r *models.VideoRecord) {
		r.Status = models.StatusCompleted
		r.Progress = 100
		r.StreamURL = res.StreamURL
		r.ThumbnailURL = res.ThumbnailURL
		r.MP4URL = res.MP4URL
		r.Error = ""
	}); err != nil {
		w.log.ErrorContext(ctx, "Failed to mark record completed", "uploadId", job.UploadID, "error", err)
		return
	}
	metrics.RecordSuccess()
}

func (w *Worker) fail(ctx context.Context, job *models.TranscodeJob, jobErr error) {
	w.log.ErrorContext(ctx, "Job failed", "uploadId", job.UploadID, "error", jobErr)
	if _, err := w.store.Update(ctx, job.UploadID, func(r *models.VideoRecord) {
		r.Status = models.StatusFailed
		r.Error = jobErr.Error()
	}); err != nil {
		w.log.ErrorContext(ctx, "Failed to mark record failed", "uploadId", job.UploadID, "error", err)
		return
	}
	metrics.RecordFailure()
}
