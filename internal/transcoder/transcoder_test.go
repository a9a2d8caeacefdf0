package transcoder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/vellum-media/vellum-stream/internal/probe"
	"github.com/vellum-media/vellum-stream/pkg/models"
)

type memStore struct {
	recs     map[string]*models.VideoRecord
	progress []int
}

func (m *memStore) Get(_ context.Context, id string) (*models.VideoRecord, error) {
	rec, ok := m.recs[id]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	clone := *rec
	return &clone, nil
}

func (m *memStore) Update(_ context.Context, id string, patch func(*models.VideoRecord)) (*models.VideoRecord, error) {
	rec, ok := m.recs[id]
	if !ok {
		return nil, models.ErrRecordNotFound
	}
	patch(rec)
	m.progress = append(m.progress, rec.Progress)
	clone := *rec
	return &clone, nil
}

type fixedProber struct {
	result *probe.Result
}

func (p *fixedProber) Probe(context.Context, string) *probe.Result { return p.result }

type memPublisher struct {
	treeDir    string
	treePrefix string
	fileKeys   []string
	totalFiles int
}

func (p *memPublisher) PublishTree(_ context.Context, localDir, keyPrefix string, progress func(done, total int)) (int, error) {
	p.treeDir = localDir
	p.treePrefix = keyPrefix
	if progress != nil && p.totalFiles > 0 {
		for done := 5; done <= p.totalFiles; done += 5 {
			progress(done, p.totalFiles)
		}
		if p.totalFiles%5 != 0 {
			progress(p.totalFiles, p.totalFiles)
		}
	}
	return p.totalFiles, nil
}

func (p *memPublisher) PublishFile(_ context.Context, _, key string) error {
	p.fileKeys = append(p.fileKeys, key)
	return nil
}

// fakeRunner pretends to be ffmpeg: it records argv and creates the output
// file named by the last argument. failHLSFor simulates a strategy whose
// pass-through render fails.
type fakeRunner struct {
	calls      [][]string
	failHLSFor models.TranscodeStrategy
}

func (f *fakeRunner) run(_ context.Context, args ...string) error {
	f.calls = append(f.calls, args)
	if f.failHLSFor != "" && slices.Equal(args, hlsArgs(args[2], filepath.Dir(args[len(args)-1]), f.failHLSFor)) {
		return models.ErrFFmpegFailed
	}
	out := args[len(args)-1]
	return os.WriteFile(out, []byte("out"), 0o644)
}

type fixture struct {
	tr    *Transcoder
	store *memStore
	pub   *memPublisher
	run   *fakeRunner
	job   *models.TranscodeJob
}

func newFixture(t *testing.T, strategy models.TranscodeStrategy, container string) *fixture {
	t.Helper()

	source := filepath.Join(t.TempDir(), "source.mp4")
	if err := os.WriteFile(source, []byte("source-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := &memStore{recs: map[string]*models.VideoRecord{
		"vid-1": {ID: "vid-1", Filename: "clip.mp4", Status: models.StatusProcessing, Progress: 10},
	}}
	pub := &memPublisher{}
	run := &fakeRunner{}

	tr := &Transcoder{
		store: store,
		prober: &fixedProber{result: &probe.Result{
			VideoCodec:   "h264",
			VideoProfile: "high",
			AudioCodec:   "aac",
			Container:    container,
			Strategy:     strategy,
		}},
		pub:      pub,
		endpoint: "s3.example.com",
		bucket:   "media",
		workRoot: t.TempDir(),
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		run:      run.run,
	}

	return &fixture{
		tr:    tr,
		store: store,
		pub:   pub,
		run:   run,
		job: &models.TranscodeJob{
			UploadID: "vid-1",
			FilePath: source,
			Filename: "clip.mp4",
			Packager: "ffmpeg",
		},
	}
}

func TestHLSArgs(t *testing.T) {
	tests := []struct {
		strategy models.TranscodeStrategy
		want     []string
	}{
		{models.StrategyCopy, []string{"-c", "copy"}},
		{models.StrategySelective, []string{"-c:v", "copy", "-c:a", "aac", "-b:a", "128k"}},
		{models.StrategyReencode, []string{"-c:v", "libx264", "-preset", "medium", "-crf", "23", "-c:a", "aac", "-b:a", "128k"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			got := hlsArgs("/in.mp4", "/work", tt.strategy)

			wantHead := []string{"-y", "-i", "/in.mp4"}
			wantTail := []string{"-start_number", "0", "-hls_time", "3", "-hls_list_size", "0", "-f", "hls", "/work/index.m3u8"}
			want := slices.Concat(wantHead, tt.want, wantTail)
			if !slices.Equal(got, want) {
				t.Errorf("hlsArgs() = %v, want %v", got, want)
			}
		})
	}
}

func TestMP4Args(t *testing.T) {
	got := mp4Args("/in.webm", "/work/video.mp4")
	if !slices.Contains(got, "+faststart") {
		t.Errorf("mp4Args() = %v, missing +faststart", got)
	}
	if got[len(got)-1] != "/work/video.mp4" {
		t.Errorf("output = %v", got[len(got)-1])
	}
}

func TestThumbnailArgs(t *testing.T) {
	got := thumbnailArgs("/in.mp4", "/work/thumbnail.jpg")
	want := []string{"-y", "-ss", "00:00:01.000", "-i", "/in.mp4", "-vframes", "1", "/work/thumbnail.jpg"}
	if !slices.Equal(got, want) {
		t.Errorf("thumbnailArgs() = %v, want %v", got, want)
	}
}

func TestTranscodeAndUpload_Copy(t *testing.T) {
	f := newFixture(t, models.StrategyCopy, "mov,mp4,m4a,3gp,3g2,mj2")

	res, err := f.tr.TranscodeAndUpload(context.Background(), f.job)
	if err != nil {
		t.Fatalf("TranscodeAndUpload() error = %v", err)
	}

	if res.Strategy != models.StrategyCopy {
		t.Errorf("Strategy = %v, want copy", res.Strategy)
	}
	if want := "https://media.s3.example.com/vid-1/index.m3u8"; res.StreamURL != want {
		t.Errorf("StreamURL = %v, want %v", res.StreamURL, want)
	}
	if want := "https://media.s3.example.com/vid-1/thumbnail.jpg"; res.ThumbnailURL != want {
		t.Errorf("ThumbnailURL = %v, want %v", res.ThumbnailURL, want)
	}
	if res.MP4URL != "" {
		t.Errorf("MP4URL = %v, want empty without uploadToS3", res.MP4URL)
	}

	if f.pub.treePrefix != "vid-1" {
		t.Errorf("publish prefix = %v, want vid-1", f.pub.treePrefix)
	}
	if want := []int{60, 75, 85}; !slices.Equal(f.store.progress, want) {
		t.Errorf("progress updates = %v, want %v", f.store.progress, want)
	}
	if want := []string{"vid-1/metadata.json"}; !slices.Equal(f.pub.fileKeys, want) {
		t.Errorf("published files = %v, want %v", f.pub.fileKeys, want)
	}
}

func TestTranscodeAndUpload_CustomPrefix(t *testing.T) {
	f := newFixture(t, models.StrategyCopy, "")
	f.job.S3Path = "v2/media"

	res, err := f.tr.TranscodeAndUpload(context.Background(), f.job)
	if err != nil {
		t.Fatal(err)
	}
	if f.pub.treePrefix != "v2/media/vid-1" {
		t.Errorf("publish prefix = %v", f.pub.treePrefix)
	}
	if want := "https://media.s3.example.com/v2/media/vid-1/index.m3u8"; res.StreamURL != want {
		t.Errorf("StreamURL = %v, want %v", res.StreamURL, want)
	}
}

func TestTranscodeAndUpload_FallbackToReencode(t *testing.T) {
	f := newFixture(t, models.StrategyCopy, "")
	f.run.failHLSFor = models.StrategyCopy

	res, err := f.tr.TranscodeAndUpload(context.Background(), f.job)
	if err != nil {
		t.Fatalf("TranscodeAndUpload() error = %v", err)
	}
	if res.Strategy != models.StrategyReencode {
		t.Errorf("Strategy = %v, want reencode after fallback", res.Strategy)
	}
	// Re-encoded jobs start publishing from 80, not 85.
	if want := []int{60, 75, 80}; !slices.Equal(f.store.progress, want) {
		t.Errorf("progress updates = %v, want %v", f.store.progress, want)
	}
}

func TestTranscodeAndUpload_ReencodeFailureFailsJob(t *testing.T) {
	f := newFixture(t, models.StrategyReencode, "")
	f.run.failHLSFor = models.StrategyReencode

	_, err := f.tr.TranscodeAndUpload(context.Background(), f.job)
	if !errors.Is(err, models.ErrTranscodeFailed) {
		t.Errorf("error = %v, want ErrTranscodeFailed", err)
	}
	if f.pub.treeDir != "" {
		t.Error("nothing should be published after a failed transcode")
	}
}

func TestTranscodeAndUpload_CompletedShortCircuits(t *testing.T) {
	f := newFixture(t, models.StrategyCopy, "")
	f.store.recs["vid-1"].Status = models.StatusCompleted
	f.store.recs["vid-1"].StreamURL = "https://media.s3.example.com/vid-1/index.m3u8"

	res, err := f.tr.TranscodeAndUpload(context.Background(), f.job)
	if err != nil {
		t.Fatal(err)
	}
	if res.StreamURL != "https://media.s3.example.com/vid-1/index.m3u8" {
		t.Errorf("StreamURL = %v", res.StreamURL)
	}
	if len(f.run.calls) != 0 {
		t.Errorf("ffmpeg ran %d times for a completed record", len(f.run.calls))
	}
}

func TestTranscodeAndUpload_FailedRecordRetries(t *testing.T) {
	f := newFixture(t, models.StrategyCopy, "")
	f.store.recs["vid-1"].Status = models.StatusFailed
	f.store.recs["vid-1"].Error = "previous failure"

	_, err := f.tr.TranscodeAndUpload(context.Background(), f.job)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.store.progress) == 0 || f.store.progress[0] != 25 {
		t.Errorf("progress updates = %v, want first 25", f.store.progress)
	}
	if f.store.recs["vid-1"].Error != "" {
		t.Errorf("Error = %q, want cleared", f.store.recs["vid-1"].Error)
	}
}

func TestTranscodeAndUpload_MP4FromMP4Source(t *testing.T) {
	f := newFixture(t, models.StrategyCopy, "mov,mp4,m4a,3gp,3g2,mj2")
	f.job.UploadToS3 = true

	res, err := f.tr.TranscodeAndUpload(context.Background(), f.job)
	if err != nil {
		t.Fatal(err)
	}
	if want := "https://media.s3.example.com/vid-1/video.mp4"; res.MP4URL != want {
		t.Errorf("MP4URL = %v, want %v", res.MP4URL, want)
	}

	// The source container is already MP4, so the file is staged, not rendered.
	staged, err := os.ReadFile(filepath.Join(f.tr.WorkDir("vid-1"), "video.mp4"))
	if err != nil {
		t.Fatal(err)
	}
	if string(staged) != "source-bytes" {
		t.Errorf("video.mp4 = %q, want source copy", staged)
	}
	for _, call := range f.run.calls {
		if slices.Contains(call, "+faststart") {
			t.Error("MP4 source should not be re-encoded")
		}
	}
}

func TestTranscodeAndUpload_MP4FromOtherContainer(t *testing.T) {
	f := newFixture(t, models.StrategyReencode, "matroska,webm")
	f.job.UploadToS3 = true

	res, err := f.tr.TranscodeAndUpload(context.Background(), f.job)
	if err != nil {
		t.Fatal(err)
	}
	if res.MP4URL == "" {
		t.Error("MP4URL empty, want render")
	}

	rendered := false
	for _, call := range f.run.calls {
		if slices.Contains(call, "+faststart") {
			rendered = true
		}
	}
	if !rendered {
		t.Error("no faststart render for non-MP4 source")
	}
}

func TestTranscodeAndUpload_MetadataContents(t *testing.T) {
	f := newFixture(t, models.StrategyCopy, "mov,mp4,m4a,3gp,3g2,mj2")

	if _, err := f.tr.TranscodeAndUpload(context.Background(), f.job); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(f.tr.WorkDir("vid-1"), "metadata.json"))
	if err != nil {
		t.Fatal(err)
	}
	var meta models.ArtifactMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatal(err)
	}

	if meta.Name != "clip.mp4" || meta.Packager != "ffmpeg" {
		t.Errorf("meta = %+v", meta)
	}
	if meta.TranscodingStrategy != models.StrategyCopy {
		t.Errorf("TranscodingStrategy = %v", meta.TranscodingStrategy)
	}
	if !meta.HLSCompatible || !meta.HasThumbnail {
		t.Errorf("HLSCompatible = %v, HasThumbnail = %v", meta.HLSCompatible, meta.HasThumbnail)
	}
	if meta.SourceCodecs.Video != "h264" || meta.SourceCodecs.Audio != "aac" {
		t.Errorf("SourceCodecs = %+v", meta.SourceCodecs)
	}
	if !strings.HasSuffix(meta.Source, "source.mp4") {
		t.Errorf("Source = %v", meta.Source)
	}
}

func TestTranscodeAndUpload_PublishProgressInterleave(t *testing.T) {
	f := newFixture(t, models.StrategyCopy, "")
	f.pub.totalFiles = 20

	if _, err := f.tr.TranscodeAndUpload(context.Background(), f.job); err != nil {
		t.Fatal(err)
	}

	// 60, 75, 85 then interpolation toward 95 at each batch of 5.
	want := []int{60, 75, 85, 87, 90, 92, 95}
	if !slices.Equal(f.store.progress, want) {
		t.Errorf("progress updates = %v, want %v", f.store.progress, want)
	}
}
