// Package probe inspects source media with ffprobe and selects the cheapest
// transcode strategy that still yields HLS-compatible output.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/vansante/go-ffprobe.v2"

	"github.com/vellum-media/vellum-stream/pkg/models"
)

const (
	probeTimeout    = 60 * time.Second
	probeMaxRetries = 2
)

// h264 profiles that HLS clients decode without re-encoding.
var compatibleProfiles = map[string]bool{
	"baseline":             true,
	"main":                 true,
	"high":                 true,
	"constrained baseline": true,
}

// Result describes the probed input and the strategy chosen for it.
type Result struct {
	VideoCodec   string
	VideoProfile string
	AudioCodec   string
	Container    string
	Strategy     models.TranscodeStrategy
}

// HLSCompatible reports whether the source streams can be served as HLS
// untouched: h264 video in a compatible profile with aac audio.
func (r *Result) HLSCompatible() bool {
	return r.VideoCodec == "h264" && compatibleProfiles[r.VideoProfile] && r.AudioCodec == "aac"
}

// SourceCodecs converts the result into the shape recorded in metadata.json.
func (r *Result) SourceCodecs() models.SourceCodecs {
	return models.SourceCodecs{
		Video:   r.VideoCodec,
		Audio:   r.AudioCodec,
		Profile: r.VideoProfile,
	}
}

// Prober probes local media files.
type Prober struct {
	log *slog.Logger
}

// New creates a Prober.
func New(log *slog.Logger) *Prober {
	return &Prober{log: log}
}

// Probe runs ffprobe against path and maps the output onto a Result. A probe
// failure is not fatal: the file may still be decodable, so the result falls
// back to a full re-encode with unknown codecs.
func (p *Prober) Probe(ctx context.Context, path string) *Result {
	data, err := p.runProbe(ctx, path)
	if err != nil {
		p.log.WarnContext(ctx, "Probe failed, defaulting to full re-encode",
			"path", path,
			"error", err,
		)
		return &Result{
			VideoCodec: "unknown",
			AudioCodec: "unknown",
			Strategy:   models.StrategyReencode,
		}
	}
	return parseProbeData(data)
}

func (p *Prober) runProbe(ctx context.Context, path string) (*ffprobe.ProbeData, error) {
	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		var err error
		data, err = ffprobe.ProbeURL(probeCtx, path, "-loglevel", "error")
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, probeMaxRetries), ctx)); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrProbeFailed, err)
	}
	return data, nil
}

// parseProbeData inspects the first video and audio streams and picks the
// strategy:
//
//	copy       both streams pass through untouched
//	selective  video passes through, audio is transcoded to AAC
//	reencode   video needs libx264
func parseProbeData(data *ffprobe.ProbeData) *Result {
	r := &Result{
		VideoCodec: "unknown",
		AudioCodec: "none",
		Strategy:   models.StrategyReencode,
	}
	if data.Format != nil {
		r.Container = data.Format.FormatName
	}

	video := data.FirstVideoStream()
	if video != nil {
		r.VideoCodec = strings.ToLower(video.CodecName)
		r.VideoProfile = strings.ToLower(video.Profile)
	}
	audio := data.FirstAudioStream()
	if audio != nil {
		r.AudioCodec = strings.ToLower(audio.CodecName)
	}

	if r.VideoCodec != "h264" || !compatibleProfiles[r.VideoProfile] {
		return r
	}
	if audio == nil || r.AudioCodec == "aac" {
		r.Strategy = models.StrategyCopy
		return r
	}
	r.Strategy = models.StrategySelective
	return r
}

// IsMP4Container reports whether ffprobe identified the source as an MP4
// family container. ffprobe reports these as a comma-separated alias list.
func IsMP4Container(container string) bool {
	for _, name := range strings.Split(container, ",") {
		if strings.TrimSpace(name) == "mp4" {
			return true
		}
	}
	return false
}
