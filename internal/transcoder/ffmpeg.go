package transcoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vellum-media/vellum-stream/pkg/models"
)

const (
	// HLSSegmentDuration is the duration of each HLS segment in seconds.
	HLSSegmentDuration = 3

	// ThumbnailOffset is where in the video the poster frame is taken.
	ThumbnailOffset = "00:00:01.000"

	// PlaylistName is the HLS index the player fetches first.
	PlaylistName = "index.m3u8"
)

// runFunc executes an ffmpeg invocation. Swappable in tests.
type runFunc func(ctx context.Context, args ...string) error

// hlsArgs builds the ffmpeg arguments for the HLS render under the given
// strategy. Every strategy shares the same segmenter tail.
func hlsArgs(sourcePath, workDir string, strategy models.TranscodeStrategy) []string {
	args := []string{"-y", "-i", sourcePath}

	switch strategy {
	case models.StrategyCopy:
		args = append(args, "-c", "copy")
	case models.StrategySelective:
		args = append(args, "-c:v", "copy", "-c:a", "aac", "-b:a", "128k")
	default:
		args = append(args,
			"-c:v", "libx264", "-preset", "medium", "-crf", "23",
			"-c:a", "aac", "-b:a", "128k",
		)
	}

	return append(args,
		"-start_number", "0",
		"-hls_time", fmt.Sprintf("%d", HLSSegmentDuration),
		"-hls_list_size", "0",
		"-f", "hls",
		filepath.Join(workDir, PlaylistName),
	)
}

// thumbnailArgs builds the ffmpeg arguments for the poster frame.
func thumbnailArgs(sourcePath, outPath string) []string {
	return []string{
		"-y",
		"-ss", ThumbnailOffset,
		"-i", sourcePath,
		"-vframes", "1",
		outPath,
	}
}

// mp4Args builds the ffmpeg arguments for the progressive MP4 render used
// when the source container is not already MP4.
func mp4Args(sourcePath, outPath string) []string {
	return []string{
		"-y", "-i", sourcePath,
		"-c:v", "libx264", "-preset", "medium", "-crf", "23",
		"-c:a", "aac", "-b:a", "128k",
		"-movflags", "+faststart",
		outPath,
	}
}

// newFFmpegRunner returns a runFunc that executes ffmpeg synchronously,
// draining and logging its output as it runs.
func newFFmpegRunner(log *slog.Logger) runFunc {
	return func(ctx context.Context, args ...string) error {
		cmd := exec.CommandContext(ctx, "ffmpeg", args...)

		stderrPipe, err := cmd.StderrPipe()
		if err != nil {
			return fmt.Errorf("failed to get stderr pipe: %w", err)
		}
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("failed to get stdout pipe: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start ffmpeg: %w", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			monitorOutput(ctx, log, stderrPipe)
		}()
		go func() {
			defer wg.Done()
			_, _ = io.Copy(io.Discard, stdoutPipe)
		}()

		cmdErr := cmd.Wait()
		wg.Wait()

		if cmdErr != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: context canceled", models.ErrFFmpegFailed)
			}
			return fmt.Errorf("%w: %v", models.ErrFFmpegFailed, cmdErr)
		}
		return nil
	}
}

// monitorOutput reads and logs FFmpeg output.
func monitorOutput(ctx context.Context, log *slog.Logger, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
			line := scanner.Text()
			if strings.Contains(line, "frame=") || strings.Contains(line, "time=") {
				log.Debug("FFmpeg progress", "output", line)
			} else if strings.Contains(line, "error") || strings.Contains(line, "Error") {
				log.Warn("FFmpeg warning", "output", line)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("FFmpeg output scanner error", "error", err)
	}
}
