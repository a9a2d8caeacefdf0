package cleanup

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRun_RemovesEverything(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "vid-1")
	workDir := filepath.Join(dir, "work", "vid-1")

	if err := os.WriteFile(source, []byte("src"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(source+".info", []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(workDir, "segs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workDir, "segs", "seg_000.ts"), []byte("ts"), 0o644); err != nil {
		t.Fatal(err)
	}

	New(discardLogger()).Run(context.Background(), source, workDir)

	for _, path := range []string{source, source + ".info", workDir} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("%s still exists (err = %v)", path, err)
		}
	}
}

func TestRun_MissingPathsAreFine(t *testing.T) {
	dir := t.TempDir()
	// Nothing exists; Run must not panic or error.
	New(discardLogger()).Run(context.Background(), filepath.Join(dir, "gone"), filepath.Join(dir, "nowhere"))
}

func TestRun_EmptyPathsSkipped(t *testing.T) {
	New(discardLogger()).Run(context.Background(), "", "")
}
