package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vellum-media/vellum-stream/internal/auth"
	"github.com/vellum-media/vellum-stream/internal/session"
	"github.com/vellum-media/vellum-stream/internal/validate"
	"github.com/vellum-media/vellum-stream/pkg/models"
)

var tracer = otel.Tracer("vellum-api")

// MaxRequestBodySize bounds JSON request bodies.
const MaxRequestBodySize = 1 << 20

// Envelope is the uniform JSON response shape.
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// RecordReader is the read-only slice of the record store the API serves.
type RecordReader interface {
	Get(ctx context.Context, id string) (*models.VideoRecord, error)
	ListAll(ctx context.Context) ([]models.VideoRecord, error)
}

// SessionCreator opens upload sessions.
type SessionCreator interface {
	Create(ctx context.Context, req *session.CreateRequest) (*session.Response, error)
}

// UploadFinisher hands a fully received upload to the pipeline.
type UploadFinisher interface {
	Finish(ctx context.Context, rec *models.VideoRecord, filePath string) error
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	sessions    SessionCreator
	records     RecordReader
	finisher    UploadFinisher
	policy      *validate.Policy
	authService *auth.Service
	limiter     *auth.RateLimiter
	uploadDir   string
	log         *slog.Logger
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Sessions    SessionCreator
	Records     RecordReader
	Finisher    UploadFinisher
	Policy      *validate.Policy
	AuthService *auth.Service
	RateLimiter *auth.RateLimiter
	UploadDir   string
	Logger      *slog.Logger
}

// NewHandlers creates a Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	return &Handlers{
		sessions:    cfg.Sessions,
		records:     cfg.Records,
		finisher:    cfg.Finisher,
		policy:      cfg.Policy,
		authService: cfg.AuthService,
		limiter:     cfg.RateLimiter,
		uploadDir:   cfg.UploadDir,
		log:         cfg.Logger,
	}
}

func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

func (h *Handlers) writeSuccess(ctx context.Context, w http.ResponseWriter, status int, message string, data any) {
	h.writeJSON(ctx, w, status, Envelope{Status: "success", Message: message, Data: data})
}

func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, Envelope{Status: "error", Message: message})
}

// CreateVideoHandler opens an upload session.
func (h *Handlers) CreateVideoHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "create-video")
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req session.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.writeError(ctx, w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.sessions.Create(ctx, &req)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			h.writeError(ctx, w, http.StatusBadRequest, err.Error())
			return
		}
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to create upload session", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "failed to create upload session")
		return
	}

	span.SetAttributes(attribute.String("upload.id", resp.UploadID))
	h.writeSuccess(ctx, w, http.StatusOK, "upload session created", resp)
}

// DirectUploadResponse is returned after a one-shot upload is accepted.
type DirectUploadResponse struct {
	UploadID string `json:"uploadId"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
}

// DirectUploadHandler receives the whole file in one multipart request. The
// session must exist and still be in uploading; the received size is
// re-validated against the same policy the session was created under.
func (h *Handlers) DirectUploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "direct-upload")
	defer span.End()

	uploadID := r.PathValue("id")
	span.SetAttributes(attribute.String("upload.id", uploadID))

	rec, err := h.records.Get(ctx, uploadID)
	if err != nil {
		h.writeError(ctx, w, http.StatusNotFound, "unknown upload session")
		return
	}
	if rec.Status != models.StatusUploading {
		h.writeError(ctx, w, http.StatusConflict, "upload session is no longer accepting bytes")
		return
	}

	// The multipart framing adds a little overhead on top of the file cap.
	r.Body = http.MaxBytesReader(w, r.Body, validate.DirectMaxSize+(1<<20))

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(ctx, w, http.StatusRequestEntityTooLarge,
				"filesize exceeds the 200MB limit for direct uploads")
			return
		}
		h.writeError(ctx, w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	if errs := h.policy.Check(rec.Filename, header.Size, models.UploadDirect); len(errs) > 0 {
		h.writeError(ctx, w, http.StatusBadRequest, validate.Join(errs))
		return
	}

	// The stored name is the uploadId so every later stage can find the file
	// without consulting the record.
	destPath := filepath.Join(h.uploadDir, uploadID)
	if err := h.saveUpload(file, destPath); err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to store direct upload", "uploadId", uploadID, "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	if err := h.finisher.Finish(ctx, rec, destPath); err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to enqueue direct upload", "uploadId", uploadID, "error", err)
		if rmErr := os.Remove(destPath); rmErr != nil {
			h.log.WarnContext(ctx, "Failed to remove orphaned upload", "path", destPath, "error", rmErr)
		}
		h.writeError(ctx, w, http.StatusInternalServerError, "failed to queue upload for processing")
		return
	}

	h.writeSuccess(ctx, w, http.StatusOK, "upload accepted", DirectUploadResponse{
		UploadID: uploadID,
		Filename: rec.Filename,
		Status:   "processing",
	})
}

func (h *Handlers) saveUpload(src io.Reader, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}

	dest, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create upload file: %w", err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, src); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("failed to write upload file: %w", err)
	}
	return dest.Close()
}

// VideoStatusHandler returns the full record for an upload.
func (h *Handlers) VideoStatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rec, err := h.records.Get(ctx, r.PathValue("id"))
	if err != nil {
		h.writeError(ctx, w, http.StatusNotFound, "unknown video")
		return
	}
	h.writeSuccess(ctx, w, http.StatusOK, "", rec)
}

// CallbackStatusResponse is the webhook delivery state for a video.
type CallbackStatusResponse struct {
	CallbackURL         string                `json:"callbackUrl,omitempty"`
	CallbackStatus      models.CallbackStatus `json:"callbackStatus"`
	CallbackRetryCount  int                   `json:"callbackRetryCount"`
	CallbackLastAttempt any                   `json:"callbackLastAttempt"`
}

// CallbackStatusHandler returns the webhook bookkeeping for an upload.
func (h *Handlers) CallbackStatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rec, err := h.records.Get(ctx, r.PathValue("id"))
	if err != nil {
		h.writeError(ctx, w, http.StatusNotFound, "unknown video")
		return
	}
	h.writeSuccess(ctx, w, http.StatusOK, "", CallbackStatusResponse{
		CallbackURL:         rec.CallbackURL,
		CallbackStatus:      rec.CallbackStatus,
		CallbackRetryCount:  rec.CallbackRetryCount,
		CallbackLastAttempt: rec.CallbackLastAttempt,
	})
}

// ListVideosHandler returns every record, newest first.
func (h *Handlers) ListVideosHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	records, err := h.records.ListAll(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to list videos", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "failed to list videos")
		return
	}
	if records == nil {
		records = []models.VideoRecord{}
	}
	h.writeSuccess(ctx, w, http.StatusOK, "", records)
}

// LoginRequest carries the API key to exchange for a JWT.
type LoginRequest struct {
	APIKey string `json:"apiKey"`
}

// LoginHandler exchanges the API key for a short-lived JWT.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := auth.ClientIP(r)

	if h.limiter != nil && h.limiter.IsLimited(clientIP) {
		h.writeError(ctx, w, http.StatusTooManyRequests, "too many failed attempts")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !h.authService.VerifyAPIKey(req.APIKey) {
		if h.limiter != nil {
			h.limiter.RecordFailure(clientIP)
		}
		h.log.WarnContext(ctx, "Failed login attempt", "ip", clientIP)
		h.writeError(ctx, w, http.StatusUnauthorized, "invalid API key")
		return
	}

	token, err := h.authService.GenerateToken("api-client")
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to generate token", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	if h.limiter != nil {
		h.limiter.Reset(clientIP)
	}
	h.writeSuccess(ctx, w, http.StatusOK, "authenticated", map[string]string{"token": token})
}
