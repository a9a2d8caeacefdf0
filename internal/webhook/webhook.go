// Package webhook delivers job outcome notifications with at-least-once
// semantics and a bounded retry budget persisted on the video record.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vellum-media/vellum-stream/internal/metrics"
	"github.com/vellum-media/vellum-stream/pkg/models"
)

const requestTimeout = 15 * time.Second

// Payload is the callback body. Status is "completed" or "failed"; the URL
// fields are set only on success and Error only on failure.
type Payload struct {
	VideoID      string `json:"videoId"`
	Filename     string `json:"filename"`
	Status       string `json:"status"`
	StreamURL    string `json:"streamUrl,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	MP4URL       string `json:"mp4Url,omitempty"`
	Error        string `json:"error,omitempty"`
}

// RecordUpdater is the slice of the record store the dispatcher needs.
type RecordUpdater interface {
	Update(ctx context.Context, id string, patch func(*models.VideoRecord)) (*models.VideoRecord, error)
}

// Dispatcher posts callbacks and keeps the per-record retry bookkeeping.
type Dispatcher struct {
	store  RecordUpdater
	client *http.Client
	log    *slog.Logger
}

// New creates a Dispatcher.
func New(store RecordUpdater, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: requestTimeout},
		log:    log,
	}
}

// Notify makes one delivery attempt for the record and persists the outcome.
// Only HTTP 200 counts as delivered; any other response or a transport error
// consumes one attempt from the budget. Records without a callback URL or
// already past their terminal callback state are left alone.
func (d *Dispatcher) Notify(ctx context.Context, rec *models.VideoRecord) {
	if rec.CallbackURL == "" || rec.CallbackStatus != models.CallbackPending {
		return
	}
	if rec.CallbackRetryCount >= models.MaxCallbackAttempts {
		return
	}

	err := d.post(ctx, rec.CallbackURL, buildPayload(rec))
	now := time.Now().UTC()

	if err == nil {
		metrics.WebhookAttempts.WithLabelValues("success").Inc()
		if _, uerr := d.store.Update(ctx, rec.ID, func(r *models.VideoRecord) {
			r.CallbackStatus = models.CallbackCompleted
			r.CallbackLastAttempt = &now
		}); uerr != nil {
			d.log.ErrorContext(ctx, "Failed to record callback success", "uploadId", rec.ID, "error", uerr)
		}
		d.log.InfoContext(ctx, "Callback delivered", "uploadId", rec.ID, "url", rec.CallbackURL)
		return
	}

	metrics.WebhookAttempts.WithLabelValues("failure").Inc()
	d.log.WarnContext(ctx, "Callback attempt failed",
		"uploadId", rec.ID,
		"url", rec.CallbackURL,
		"attempt", rec.CallbackRetryCount+1,
		"error", err,
	)
	if _, uerr := d.store.Update(ctx, rec.ID, func(r *models.VideoRecord) {
		r.CallbackRetryCount++
		r.CallbackLastAttempt = &now
		if r.CallbackRetryCount >= models.MaxCallbackAttempts {
			r.CallbackStatus = models.CallbackFailed
		}
	}); uerr != nil {
		d.log.ErrorContext(ctx, "Failed to record callback failure", "uploadId", rec.ID, "error", uerr)
	}
}

func (d *Dispatcher) post(ctx context.Context, url string, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrWebhookFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrWebhookFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrWebhookFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", models.ErrWebhookFailed, resp.StatusCode)
	}
	return nil
}

// buildPayload derives the callback body from the record's terminal state.
func buildPayload(rec *models.VideoRecord) *Payload {
	if rec.Status == models.StatusFailed {
		return &Payload{
			VideoID:  rec.ID,
			Filename: rec.Filename,
			Status:   string(models.StatusFailed),
			Error:    rec.Error,
		}
	}
	return &Payload{
		VideoID:      rec.ID,
		Filename:     rec.Filename,
		Status:       string(models.StatusCompleted),
		StreamURL:    rec.StreamURL,
		ThumbnailURL: rec.ThumbnailURL,
		MP4URL:       rec.MP4URL,
	}
}
