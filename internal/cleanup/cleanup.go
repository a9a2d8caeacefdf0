// Package cleanup removes the on-disk leftovers of a finished job. Every
// removal is best-effort: a job in a terminal state stays terminal no matter
// what happens here.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

// Cleaner removes job artifacts from local disk.
type Cleaner struct {
	log *slog.Logger
}

// New creates a Cleaner.
func New(log *slog.Logger) *Cleaner {
	return &Cleaner{log: log}
}

// Run removes the uploaded source, the resumable store's sidecar metadata
// and the transcoder work directory, in parallel. Missing paths are normal
// (direct uploads have no sidecar, retries may have cleaned already) and are
// logged at info; real removal errors are logged and swallowed.
func (c *Cleaner) Run(ctx context.Context, sourcePath, workDir string) {
	targets := []struct {
		path      string
		recursive bool
	}{
		{sourcePath, false},
		{sourcePath + ".info", false},
		{workDir, true},
	}

	var wg sync.WaitGroup
	for _, target := range targets {
		if target.path == "" {
			continue
		}
		wg.Add(1)
		go func(path string, recursive bool) {
			defer wg.Done()
			c.remove(ctx, path, recursive)
		}(target.path, target.recursive)
	}
	wg.Wait()
}

func (c *Cleaner) remove(ctx context.Context, path string, recursive bool) {
	var err error
	if recursive {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}

	switch {
	case err == nil:
		c.log.DebugContext(ctx, "Removed job artifact", "path", path)
	case os.IsNotExist(err):
		c.log.InfoContext(ctx, "Job artifact already gone", "path", path)
	default:
		c.log.WarnContext(ctx, "Failed to remove job artifact", "path", path, "error", err)
	}
}
