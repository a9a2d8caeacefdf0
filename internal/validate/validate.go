// Package validate enforces the upload admission policy: filename, derived
// MIME type and size ceilings. The same checks run at session creation and
// again when bytes arrive, so a client cannot talk its way past the policy by
// forging the first request.
package validate

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/vellum-media/vellum-stream/pkg/models"
)

// DirectMaxSize is the hard byte cap for the one-shot multipart path.
const DirectMaxSize = 200 << 20 // 200 MiB

// extensionTypes resolves video suffixes that the platform mime table often
// misses. Checked before mime.TypeByExtension.
var extensionTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
	".ts":   "video/MP2T",
}

// mimeSynonyms normalizes equivalent MIME spellings before the allow-list
// check.
var mimeSynonyms = map[string]string{
	"application/mp4":   "video/mp4",
	"application/x-m4v": "video/mp4",
	"video/x-mp4":       "video/mp4",
	"video/msvideo":     "video/x-msvideo",
	"video/avi":         "video/x-msvideo",
	"video/mkv":         "video/x-matroska",
}

// FieldError is a single rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Policy is the configured admission policy.
type Policy struct {
	maxResumableSize int64
	allowedTypes     map[string]bool
}

// NewPolicy builds a Policy from the configured allow-list and resumable size
// ceiling.
func NewPolicy(allowedTypes []string, maxResumableSize int64) *Policy {
	set := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		set[normalizeMime(t)] = true
	}
	return &Policy{
		maxResumableSize: maxResumableSize,
		allowedTypes:     set,
	}
}

// MaxSizeFor returns the byte ceiling for the given ingress path.
func (p *Policy) MaxSizeFor(uploadType models.UploadType) int64 {
	if uploadType == models.UploadDirect {
		return DirectMaxSize
	}
	return p.maxResumableSize
}

// Check validates filename and filesize against the policy for the given
// ingress path. It returns the ordered list of field errors; an empty list
// means the input is admitted.
func (p *Policy) Check(filename string, filesize int64, uploadType models.UploadType) []FieldError {
	var errs []FieldError

	if strings.TrimSpace(filename) == "" {
		errs = append(errs, FieldError{Field: "filename", Message: "filename is required"})
	} else {
		mimeType, ok := MimeForFilename(filename)
		if !ok {
			errs = append(errs, FieldError{
				Field:   "filename",
				Message: fmt.Sprintf("cannot determine file type of %q", filename),
			})
		} else if !p.allowedTypes[mimeType] {
			errs = append(errs, FieldError{
				Field:   "filename",
				Message: fmt.Sprintf("file type %s is not allowed", mimeType),
			})
		}
	}

	switch {
	case filesize <= 0:
		errs = append(errs, FieldError{Field: "filesize", Message: "filesize must be a positive integer"})
	case uploadType == models.UploadDirect && filesize > DirectMaxSize:
		errs = append(errs, FieldError{
			Field:   "filesize",
			Message: "filesize exceeds the 200MB limit for direct uploads",
		})
	case uploadType != models.UploadDirect && filesize > p.maxResumableSize:
		errs = append(errs, FieldError{
			Field:   "filesize",
			Message: fmt.Sprintf("filesize exceeds the maximum of %dMB", p.maxResumableSize>>20),
		})
	}

	return errs
}

// MimeForFilename derives the normalized MIME type from the filename suffix.
func MimeForFilename(filename string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return "", false
	}
	if t, ok := extensionTypes[ext]; ok {
		return normalizeMime(t), true
	}
	t := mime.TypeByExtension(ext)
	if t == "" {
		return "", false
	}
	// Strip parameters such as "; charset=".
	if idx := strings.Index(t, ";"); idx != -1 {
		t = t[:idx]
	}
	return normalizeMime(strings.TrimSpace(t)), true
}

func normalizeMime(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if canonical, ok := mimeSynonyms[t]; ok {
		return canonical
	}
	return t
}

// Join flattens field errors into the single human-readable line the API
// surfaces.
func Join(errs []FieldError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return strings.Join(parts, "; ")
}
