// Package session creates upload sessions: it mints the upload ID, inserts
// the video record and computes the URLs the artifacts will eventually live
// under.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/vellum-media/vellum-stream/internal/config"
	"github.com/vellum-media/vellum-stream/internal/metrics"
	"github.com/vellum-media/vellum-stream/internal/publisher"
	"github.com/vellum-media/vellum-stream/internal/validate"
	"github.com/vellum-media/vellum-stream/pkg/models"
)

// SessionTTL is advisory; the core never actively expires sessions.
const SessionTTL = 3600

// DefaultPackager is the only packager shipped today.
const DefaultPackager = "ffmpeg"

var s3PathPattern = regexp.MustCompile(`^[A-Za-z0-9/_-]+$`)

// RecordCreator is the slice of the record store the session manager needs.
type RecordCreator interface {
	Create(ctx context.Context, rec *models.VideoRecord) error
}

// CreateRequest carries the client's session parameters.
type CreateRequest struct {
	Filename    string `json:"filename"`
	Filesize    int64  `json:"filesize"`
	Type        string `json:"type,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
	S3Path      string `json:"s3Path,omitempty"`
	UploadToS3  bool   `json:"uploadToS3,omitempty"`
}

// Response is returned to the client on session creation.
type Response struct {
	UploadID  string `json:"uploadId"`
	UploadURL string `json:"uploadUrl"`
	VideoURL  string `json:"videoUrl"`
	ExpiresIn int    `json:"expiresIn"`
	MP4URL    string `json:"mp4Url,omitempty"`
}

// Manager creates sessions.
type Manager struct {
	store  RecordCreator
	policy *validate.Policy
	cfg    *config.Config
	log    *slog.Logger
}

// New creates a session Manager.
func New(store RecordCreator, policy *validate.Policy, cfg *config.Config, log *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		policy: policy,
		cfg:    cfg,
		log:    log,
	}
}

// Create validates the request, inserts the record in status uploading and
// returns the upload and future artifact URLs. Validation failures wrap
// models.ErrValidation.
func (m *Manager) Create(ctx context.Context, req *CreateRequest) (*Response, error) {
	uploadType, err := parseUploadType(req.Type)
	if err != nil {
		return nil, err
	}

	if errs := m.policy.Check(req.Filename, req.Filesize, uploadType); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrValidation, validate.Join(errs))
	}

	s3Path := publisher.TrimS3Path(req.S3Path)
	if s3Path != "" && !s3PathPattern.MatchString(s3Path) {
		return nil, fmt.Errorf("%w: s3Path may only contain letters, digits, '/', '_' and '-'", models.ErrValidation)
	}

	id := uuid.New().String()
	rec := &models.VideoRecord{
		ID:             id,
		Filename:       req.Filename,
		Status:         models.StatusUploading,
		Progress:       0,
		CreatedAt:      time.Now().UTC(),
		Packager:       DefaultPackager,
		CallbackURL:    req.CallbackURL,
		CallbackStatus: models.CallbackPending,
		S3Path:         s3Path,
		UploadToS3:     req.UploadToS3,
		UploadType:     uploadType,
	}

	if err := m.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create video record: %w", err)
	}

	prefix := publisher.KeyPrefix(s3Path, id)
	resp := &Response{
		UploadID:  id,
		UploadURL: m.uploadURL(id, uploadType),
		VideoURL:  publisher.StreamURL(m.cfg.S3.Endpoint, m.cfg.S3.Bucket, prefix),
		ExpiresIn: SessionTTL,
	}
	if req.UploadToS3 {
		resp.MP4URL = publisher.ObjectURL(m.cfg.S3.Endpoint, m.cfg.S3.Bucket, prefix+"/video.mp4")
	}

	metrics.SessionsCreated.Inc()
	m.log.InfoContext(ctx, "Upload session created",
		"uploadId", id,
		"filename", req.Filename,
		"uploadType", uploadType,
		"uploadToS3", req.UploadToS3,
	)
	return resp, nil
}

func (m *Manager) uploadURL(id string, uploadType models.UploadType) string {
	if uploadType == models.UploadDirect {
		return fmt.Sprintf("%s/api/v1/video/%s/upload", m.cfg.Server.VellumHost, id)
	}
	return fmt.Sprintf("%s/api/v1/tus/files/%s", m.cfg.Server.VellumHost, id)
}

// parseUploadType maps the client's type field onto an ingress path. "tus" is
// the historical spelling of the resumable path and stays accepted.
func parseUploadType(t string) (models.UploadType, error) {
	switch t {
	case "", "tus", "resumable":
		return models.UploadResumable, nil
	case "direct":
		return models.UploadDirect, nil
	default:
		return "", fmt.Errorf("%w: type must be one of tus, resumable, direct", models.ErrValidation)
	}
}
