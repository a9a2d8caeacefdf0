// Package transcoder turns an uploaded source file into a published HLS
// rendition. It owns the work directory, the FFmpeg invocations and the
// progress updates between acquisition and completion.
package transcoder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vellum-media/vellum-stream/internal/config"
	"github.com/vellum-media/vellum-stream/internal/metrics"
	"github.com/vellum-media/vellum-stream/internal/probe"
	"github.com/vellum-media/vellum-stream/internal/publisher"
	"github.com/vellum-media/vellum-stream/pkg/models"
)

var tracer = otel.Tracer("vellum-transcoder")

// Progress milestones. Publishing interleaves between the post-transcode
// value and 95; the worker claims 100 on completion.
const (
	progressRetry              = 25
	progressTranscoded         = 60
	progressThumbnailed        = 75
	progressPrePublish         = 85
	progressPrePublishReencode = 80
	progressPublishCap         = 95
)

// RecordStore is the slice of the record store the transcoder mutates.
type RecordStore interface {
	Get(ctx context.Context, id string) (*models.VideoRecord, error)
	Update(ctx context.Context, id string, patch func(*models.VideoRecord)) (*models.VideoRecord, error)
}

// Prober selects a transcode strategy for a source file.
type Prober interface {
	Probe(ctx context.Context, path string) *probe.Result
}

// TreePublisher uploads artifacts to the object store.
type TreePublisher interface {
	PublishTree(ctx context.Context, localDir, keyPrefix string, progress func(done, total int)) (int, error)
	PublishFile(ctx context.Context, localPath, key string) error
}

// Result carries the URLs of the published artifacts.
type Result struct {
	StreamURL    string
	ThumbnailURL string
	MP4URL       string
	Strategy     models.TranscodeStrategy
}

// Transcoder drives source media through FFmpeg and out to the object store.
type Transcoder struct {
	store    RecordStore
	prober   Prober
	pub      TreePublisher
	endpoint string
	bucket   string
	workRoot string
	log      *slog.Logger
	run      runFunc
}

// New creates a Transcoder. Work directories are created under
// <cwd>/controllers/videos.
func New(store RecordStore, prober Prober, pub TreePublisher, cfg *config.Config, log *slog.Logger) *Transcoder {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return &Transcoder{
		store:    store,
		prober:   prober,
		pub:      pub,
		endpoint: cfg.S3.Endpoint,
		bucket:   cfg.S3.Bucket,
		workRoot: filepath.Join(cwd, "controllers", "videos"),
		log:      log,
		run:      newFFmpegRunner(log),
	}
}

// WorkDir returns the work directory for an upload. Cleanup removes it after
// the job reaches a terminal state.
func (t *Transcoder) WorkDir(uploadID string) string {
	return filepath.Join(t.workRoot, uploadID)
}

// TranscodeAndUpload renders HLS artifacts from the job's source file and
// publishes them. It is safe to call for a record that already completed; it
// then returns the recorded URLs without doing any work.
func (t *Transcoder) TranscodeAndUpload(ctx context.Context, job *models.TranscodeJob) (*Result, error) {
	ctx, span := tracer.Start(ctx, "transcode-and-upload")
	defer span.End()
	span.SetAttributes(attribute.String("upload.id", job.UploadID))

	rec, err := t.store.Get(ctx, job.UploadID)
	if err != nil {
		return nil, err
	}
	if rec.Status == models.StatusCompleted {
		t.log.InfoContext(ctx, "Record already completed, skipping transcode", "uploadId", job.UploadID)
		return &Result{
			StreamURL:    rec.StreamURL,
			ThumbnailURL: rec.ThumbnailURL,
			MP4URL:       rec.MP4URL,
		}, nil
	}
	if rec.Status == models.StatusFailed {
		if _, err := t.store.Update(ctx, job.UploadID, func(r *models.VideoRecord) {
			r.Status = models.StatusProcessing
			r.Progress = progressRetry
			r.Error = ""
		}); err != nil {
			return nil, err
		}
	}

	workDir := t.WorkDir(job.UploadID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	probed := t.prober.Probe(ctx, job.FilePath)
	span.SetAttributes(
		attribute.String("probe.video_codec", probed.VideoCodec),
		attribute.String("probe.audio_codec", probed.AudioCodec),
		attribute.String("probe.strategy", string(probed.Strategy)),
	)

	strategy, err := t.renderHLS(ctx, job.FilePath, workDir, probed.Strategy)
	if err != nil {
		return nil, err
	}
	if err := t.setProgress(ctx, job.UploadID, progressTranscoded); err != nil {
		return nil, err
	}

	hasThumbnail := t.renderThumbnail(ctx, job.FilePath, workDir)
	if err := t.setProgress(ctx, job.UploadID, progressThumbnailed); err != nil {
		return nil, err
	}

	hasMP4 := false
	if job.UploadToS3 {
		hasMP4 = t.renderMP4(ctx, job.FilePath, workDir, probed.Container)
	}

	// Another actor may have finished the record while FFmpeg ran.
	rec, err = t.store.Get(ctx, job.UploadID)
	if err != nil {
		return nil, err
	}
	if rec.Status == models.StatusCompleted {
		t.log.InfoContext(ctx, "Record completed elsewhere, skipping publish", "uploadId", job.UploadID)
		return &Result{
			StreamURL:    rec.StreamURL,
			ThumbnailURL: rec.ThumbnailURL,
			MP4URL:       rec.MP4URL,
		}, nil
	}

	base := progressPrePublish
	if strategy == models.StrategyReencode {
		base = progressPrePublishReencode
	}
	if err := t.setProgress(ctx, job.UploadID, base); err != nil {
		return nil, err
	}

	prefix := publisher.KeyPrefix(job.S3Path, job.UploadID)
	if _, err := t.pub.PublishTree(ctx, workDir, prefix, t.publishProgress(ctx, job.UploadID, base)); err != nil {
		return nil, err
	}

	if err := t.publishMetadata(ctx, job, workDir, prefix, strategy, probed, hasThumbnail); err != nil {
		return nil, err
	}

	res := &Result{
		StreamURL: publisher.StreamURL(t.endpoint, t.bucket, prefix),
		Strategy:  strategy,
	}
	if hasThumbnail {
		res.ThumbnailURL = publisher.ObjectURL(t.endpoint, t.bucket, prefix+"/thumbnail.jpg")
	}
	if hasMP4 {
		res.MP4URL = publisher.ObjectURL(t.endpoint, t.bucket, prefix+"/video.mp4")
	}
	return res, nil
}

// renderHLS runs the segmenter under the chosen strategy and verifies the
// playlist came out. A failed copy or selective pass falls back once to a
// full re-encode; it returns the strategy that actually produced the output.
func (t *Transcoder) renderHLS(ctx context.Context, sourcePath, workDir string, strategy models.TranscodeStrategy) (models.TranscodeStrategy, error) {
	if err := t.runHLSPass(ctx, sourcePath, workDir, strategy); err != nil {
		if strategy == models.StrategyReencode {
			return strategy, err
		}
		t.log.WarnContext(ctx, "Transcode failed, falling back to full re-encode",
			"strategy", strategy,
			"error", err,
		)
		strategy = models.StrategyReencode
		if err := t.runHLSPass(ctx, sourcePath, workDir, strategy); err != nil {
			return strategy, err
		}
	}
	return strategy, nil
}

func (t *Transcoder) runHLSPass(ctx context.Context, sourcePath, workDir string, strategy models.TranscodeStrategy) error {
	start := time.Now()
	if err := t.run(ctx, hlsArgs(sourcePath, workDir, strategy)...); err != nil {
		return fmt.Errorf("%w: %v", models.ErrTranscodeFailed, err)
	}
	metrics.TranscodeDuration.WithLabelValues(string(strategy)).Observe(time.Since(start).Seconds())

	playlist := filepath.Join(workDir, PlaylistName)
	if _, err := os.Stat(playlist); err != nil {
		return fmt.Errorf("%w: %s", models.ErrMissingPlaylist, playlist)
	}
	return nil
}

// renderThumbnail extracts the poster frame. Sources shorter than the offset
// have no frame to give; that is logged and the job continues without one.
func (t *Transcoder) renderThumbnail(ctx context.Context, sourcePath, workDir string) bool {
	out := filepath.Join(workDir, "thumbnail.jpg")
	if err := t.run(ctx, thumbnailArgs(sourcePath, out)...); err != nil {
		t.log.WarnContext(ctx, "Thumbnail extraction failed", "error", err)
		return false
	}
	if _, err := os.Stat(out); err != nil {
		return false
	}
	return true
}

// renderMP4 makes sure a progressive video.mp4 sits in the work directory.
// An MP4 source is reused as-is; everything else is re-encoded with
// faststart. Failures never fail the job.
func (t *Transcoder) renderMP4(ctx context.Context, sourcePath, workDir, container string) bool {
	out := filepath.Join(workDir, "video.mp4")

	if probe.IsMP4Container(container) {
		if err := copyFile(sourcePath, out); err != nil {
			t.log.WarnContext(ctx, "Failed to stage source MP4", "error", err)
			return false
		}
		return true
	}

	if err := t.run(ctx, mp4Args(sourcePath, out)...); err != nil {
		t.log.WarnContext(ctx, "MP4 render failed", "error", err)
		return false
	}
	return true
}

// publishProgress maps publisher batch callbacks onto the base..95 progress
// band. Small trees skip the interleave entirely.
func (t *Transcoder) publishProgress(ctx context.Context, uploadID string, base int) func(done, total int) {
	return func(done, total int) {
		if total <= 10 {
			return
		}
		p := base + (progressPublishCap-base)*done/total
		if p > progressPublishCap {
			p = progressPublishCap
		}
		if err := t.setProgress(ctx, uploadID, p); err != nil {
			t.log.WarnContext(ctx, "Failed to record publish progress", "uploadId", uploadID, "error", err)
		}
	}
}

func (t *Transcoder) publishMetadata(ctx context.Context, job *models.TranscodeJob, workDir, prefix string, strategy models.TranscodeStrategy, probed *probe.Result, hasThumbnail bool) error {
	meta := models.ArtifactMetadata{
		Name:                job.Filename,
		Packager:            job.Packager,
		CreatedAt:           time.Now().UTC(),
		Source:              filepath.Base(job.FilePath),
		HasThumbnail:        hasThumbnail,
		TranscodingStrategy: strategy,
		SourceCodecs:        probed.SourceCodecs(),
		HLSCompatible:       probed.HLSCompatible(),
	}

	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metaPath := filepath.Join(workDir, "metadata.json")
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return t.pub.PublishFile(ctx, metaPath, prefix+"/metadata.json")
}

func (t *Transcoder) setProgress(ctx context.Context, uploadID string, progress int) error {
	_, err := t.store.Update(ctx, uploadID, func(r *models.VideoRecord) {
		r.Progress = progress
	})
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
