package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/tus/tusd/v2/pkg/filelocker"
	"github.com/tus/tusd/v2/pkg/filestore"
	tusd "github.com/tus/tusd/v2/pkg/handler"
	xslog "golang.org/x/exp/slog"

	"github.com/vellum-media/vellum-stream/internal/validate"
	"github.com/vellum-media/vellum-stream/pkg/models"
)

// TusBasePath is where the resumable endpoint is mounted. Session upload
// URLs are derived from it, so the two must stay in sync.
const TusBasePath = "/api/v1/tus/files/"

// TusServer wires tusd against the local upload directory. Uploads are only
// accepted for sessions that already exist, and the tus upload ID is forced
// to the session's uploadId so the on-disk name, the record key and the job
// key are all the same string.
type TusServer struct {
	handler  *tusd.Handler
	store    RecordStore
	policy   *validate.Policy
	finisher *Finisher
	log      *slog.Logger
}

// NewTusServer creates the tusd handler backed by uploadDir.
func NewTusServer(uploadDir string, store RecordStore, policy *validate.Policy, finisher *Finisher, log *slog.Logger) (*TusServer, error) {
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	s := &TusServer{
		store:    store,
		policy:   policy,
		finisher: finisher,
		log:      log,
	}

	fileStore := filestore.New(uploadDir)
	locker := filelocker.New(uploadDir)
	composer := tusd.NewStoreComposer()
	fileStore.UseIn(composer)
	locker.UseIn(composer)

	handler, err := tusd.NewHandler(tusd.Config{
		BasePath:                TusBasePath,
		StoreComposer:           composer,
		NotifyCompleteUploads:   true,
		DisableDownload:         true,
		Logger:                  xslog.New(expSlogBridge{h: log.Handler()}),
		PreUploadCreateCallback: s.preCreate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tus handler: %w", err)
	}
	s.handler = handler
	return s, nil
}

// Handler returns the http.Handler to mount at TusBasePath.
func (s *TusServer) Handler() http.Handler {
	return http.StripPrefix(TusBasePath, s.handler)
}

// Listen drains completed uploads into the Finisher until ctx is cancelled.
func (s *TusServer) Listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.handler.CompleteUploads:
			s.complete(ctx, event)
		}
	}
}

// expSlogBridge adapts a stdlib log/slog handler to the golang.org/x/exp/slog
// Handler interface tusd's Config.Logger requires, so tusd logs through the
// same handler as the rest of the service.
type expSlogBridge struct {
	h slog.Handler
}

func (b expSlogBridge) Enabled(ctx context.Context, level xslog.Level) bool {
	return b.h.Enabled(ctx, slog.Level(level))
}

func (b expSlogBridge) Handle(ctx context.Context, r xslog.Record) error {
	nr := slog.NewRecord(r.Time, slog.Level(r.Level), r.Message, r.PC)
	r.Attrs(func(a xslog.Attr) bool {
		nr.AddAttrs(convertExpAttr(a))
		return true
	})
	return b.h.Handle(ctx, nr)
}

func (b expSlogBridge) WithAttrs(attrs []xslog.Attr) xslog.Handler {
	conv := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		conv[i] = convertExpAttr(a)
	}
	return expSlogBridge{h: b.h.WithAttrs(conv)}
}

func (b expSlogBridge) WithGroup(name string) xslog.Handler {
	return expSlogBridge{h: b.h.WithGroup(name)}
}

func convertExpAttr(a xslog.Attr) slog.Attr {
	v := a.Value.Resolve()
	if v.Kind() == xslog.KindGroup {
		group := v.Group()
		args := make([]any, 0, len(group))
		for _, g := range group {
			args = append(args, convertExpAttr(g))
		}
		return slog.Group(a.Key, args...)
	}
	return slog.Any(a.Key, v.Any())
}

// preCreate gates upload creation on an existing session. The client must
// send the session's uploadId in the tus metadata; the upload is rejected
// unless the record exists, is still in uploading, and the announced size
// passes the same validation the session went through.
func (s *TusServer) preCreate(hook tusd.HookEvent) (tusd.HTTPResponse, tusd.FileInfoChanges, error) {
	ctx := hook.Context

	uploadID := hook.Upload.MetaData["uploadId"]
	if uploadID == "" {
		return tusd.HTTPResponse{}, tusd.FileInfoChanges{},
			tusd.NewError("ERR_MISSING_SESSION", "uploadId metadata is required", http.StatusBadRequest)
	}

	rec, err := s.store.Get(ctx, uploadID)
	if err != nil {
		return tusd.HTTPResponse{}, tusd.FileInfoChanges{},
			tusd.NewError("ERR_UNKNOWN_SESSION", "no upload session for this uploadId", http.StatusNotFound)
	}
	if rec.Status != models.StatusUploading {
		return tusd.HTTPResponse{}, tusd.FileInfoChanges{},
			tusd.NewError("ERR_SESSION_CONSUMED", "upload session is no longer accepting bytes", http.StatusConflict)
	}

	if errs := s.policy.Check(rec.Filename, hook.Upload.Size, models.UploadResumable); len(errs) > 0 {
		return tusd.HTTPResponse{}, tusd.FileInfoChanges{},
			tusd.NewError("ERR_VALIDATION", validate.Join(errs), http.StatusBadRequest)
	}

	return tusd.HTTPResponse{}, tusd.FileInfoChanges{ID: uploadID}, nil
}

func (s *TusServer) complete(ctx context.Context, event tusd.HookEvent) {
	uploadID := event.Upload.ID
	filePath := event.Upload.Storage["Path"]
	if filePath == "" {
		// filestore always sets Path; anything else is a misconfiguration.
		s.log.ErrorContext(ctx, "Completed upload has no storage path", "uploadId", uploadID)
		return
	}
	filePath = filepath.Clean(filePath)

	rec, err := s.store.Get(ctx, uploadID)
	if err != nil {
		s.log.ErrorContext(ctx, "Completed upload has no record", "uploadId", uploadID, "error", err)
		return
	}

	if err := s.finisher.Finish(ctx, rec, filePath); err != nil {
		s.log.ErrorContext(ctx, "Failed to finish resumable upload", "uploadId", uploadID, "error", err)
	}
}
