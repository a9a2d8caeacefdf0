package validate

import (
	"strings"
	"testing"

	"github.com/vellum-media/vellum-stream/pkg/models"
)

func testPolicy() *Policy {
	return NewPolicy([]string{"video/mp4", "video/quicktime", "video/webm"}, 100<<20)
}

func TestCheck_Filename(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name     string
		filename string
		wantOK   bool
	}{
		{"valid mp4", "a.mp4", true},
		{"valid mov", "holiday.mov", true},
		{"valid webm", "clip.webm", true},
		{"uppercase extension", "CLIP.MP4", true},
		{"empty", "", false},
		{"whitespace", "   ", false},
		{"no extension", "video", false},
		{"disallowed type", "doc.pdf", false},
		{"allowed list excludes mkv", "movie.mkv", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := p.Check(tt.filename, 1024, models.UploadResumable)
			if (len(errs) == 0) != tt.wantOK {
				t.Errorf("Check(%q) errors = %v, wantOK %v", tt.filename, errs, tt.wantOK)
			}
		})
	}
}

func TestCheck_SizeCeilings(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name       string
		size       int64
		uploadType models.UploadType
		wantOK     bool
	}{
		{"resumable at ceiling", 100 << 20, models.UploadResumable, true},
		{"resumable one over", 100<<20 + 1, models.UploadResumable, false},
		{"direct at ceiling", DirectMaxSize, models.UploadDirect, true},
		{"direct one over", DirectMaxSize + 1, models.UploadDirect, false},
		{"direct above resumable cap is fine", 150 << 20, models.UploadDirect, true},
		{"zero", 0, models.UploadResumable, false},
		{"negative", -1, models.UploadDirect, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := p.Check("a.mp4", tt.size, tt.uploadType)
			if (len(errs) == 0) != tt.wantOK {
				t.Errorf("Check(size=%d, %s) errors = %v, wantOK %v", tt.size, tt.uploadType, errs, tt.wantOK)
			}
		})
	}
}

func TestCheck_DirectOversizeMessage(t *testing.T) {
	p := testPolicy()
	errs := p.Check("b.mp4", 262144000, models.UploadDirect)
	if len(errs) == 0 {
		t.Fatal("expected oversize rejection")
	}
	if !strings.Contains(Join(errs), "200MB") {
		t.Errorf("message %q should name the 200MB cap", Join(errs))
	}
}

func TestCheck_Symmetry(t *testing.T) {
	// A (filename, filesize) pair admitted at session creation must be
	// admitted again at ingress.
	p := testPolicy()
	filename, size := "a.mp4", int64(10485760)

	first := p.Check(filename, size, models.UploadResumable)
	second := p.Check(filename, size, models.UploadResumable)
	if len(first) != 0 || len(second) != 0 {
		t.Errorf("symmetric checks disagree: %v vs %v", first, second)
	}
}

func TestMimeForFilename_Normalization(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"a.mp4", "video/mp4"},
		{"a.m4v", "video/mp4"},
		{"a.mov", "video/quicktime"},
		{"a.mkv", "video/x-matroska"},
		{"a.avi", "video/x-msvideo"},
	}

	for _, tt := range tests {
		got, ok := MimeForFilename(tt.filename)
		if !ok || got != tt.want {
			t.Errorf("MimeForFilename(%q) = (%q, %v), want %q", tt.filename, got, ok, tt.want)
		}
	}
}

func TestNewPolicy_NormalizesAllowList(t *testing.T) {
	// application/mp4 in the configured allow-list admits video/mp4 files.
	p := NewPolicy([]string{"application/mp4"}, 100<<20)
	if errs := p.Check("a.mp4", 1024, models.UploadResumable); len(errs) != 0 {
		t.Errorf("Check() errors = %v, want synonym-normalized admission", errs)
	}
}

func TestJoin(t *testing.T) {
	line := Join([]FieldError{
		{Field: "filename", Message: "filename is required"},
		{Field: "filesize", Message: "filesize must be a positive integer"},
	})
	want := "filename: filename is required; filesize: filesize must be a positive integer"
	if line != want {
		t.Errorf("Join() = %q, want %q", line, want)
	}
}
