package uploads

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/recordflow/internal/observability"
	"github.com/pitabwire/recordflow/model"
)

// allowedExtensions lists the accepted file extensions, lower case.
var allowedExtensions = map[string]bool{
	"pdf": true, "docx": true, "txt": true,
	"jpg": true, "jpeg": true, "png": true,
	"mp3": true, "wav": true, "mp4": true,
}

// Upload outcomes recorded in metrics.
const (
	statusOK       = "ok"
	statusRejected = "rejected"
	statusError    = "error"
)

// Service stores uploads and their metadata.
type Service struct {
	blobs   BlobStore
	media   MediaStore
	baseURL string
	logger  *zap.Logger
	metrics *observability.Metrics
	newKey  func(filename string) string
}

// NewService creates an upload service. baseURL prefixes public object URLs;
// see PublicBaseURL. metrics may be nil.
func NewService(blobs BlobStore, media MediaStore, baseURL string, logger *zap.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		blobs:   blobs,
		media:   media,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		metrics: metrics,
		newKey:  objectKey,
	}
}

// Upload validates the filename, stores the body and records its metadata.
// size is the body length in bytes.
func (s *Service) Upload(
	ctx context.Context,
	rctx *model.RequestContext,
	filename string,
	contentType string,
	body io.Reader,
	size int64,
) (media model.MediaFile, err error) {
	ctx, span := observability.StartSpan(ctx, "uploads.Upload")
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := model.RequireCaller(rctx); err != nil {
		return model.MediaFile{}, err
	}
	if strings.TrimSpace(filename) == "" || body == nil {
		s.metrics.RecordUpload(statusRejected, 0)
		return model.MediaFile{}, model.NewBadRequestError("no file provided")
	}
	name := SanitizeFilename(filename)
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if name == "" || !allowedExtensions[ext] {
		s.metrics.RecordUpload(statusRejected, 0)
		return model.MediaFile{}, model.NewBadRequestError("file type not allowed")
	}
	if contentType == "" {
		contentType = mime.TypeByExtension("." + ext)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := s.newKey(name)
	logger := observability.RequestLogger(ctx, s.logger).With(zap.String("object_key", key))
	if err := s.blobs.Put(ctx, key, contentType, body, size); err != nil {
		s.metrics.RecordUpload(statusError, 0)
		logger.Error("blob upload failed", zap.Error(err))
		return model.MediaFile{}, fmt.Errorf("store upload: %w", err)
	}

	media, err = s.media.Create(ctx, model.MediaFile{
		Filename:    name,
		ContentType: contentType,
		URL:         s.baseURL + "/" + key,
		ObjectKey:   key,
		Size:        size,
		UploadedBy:  rctx.UserID,
	})
	if err != nil {
		s.metrics.RecordUpload(statusError, 0)
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			logger.Error("failed to remove unrecorded upload", zap.Error(delErr))
		}
		return model.MediaFile{}, err
	}

	s.metrics.RecordUpload(statusOK, size)
	logger.Info("file uploaded",
		zap.Int64("media_id", media.ID),
		zap.String("filename", name),
		zap.Int64("size", size),
	)
	return media, nil
}

// Delete removes an upload's object and record. Allowed for the uploader and
// administrators. The object is removed before the record.
func (s *Service) Delete(ctx context.Context, rctx *model.RequestContext, id int64) (err error) {
	ctx, span := observability.StartSpan(ctx, "uploads.Delete")
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := model.RequireCaller(rctx); err != nil {
		return err
	}
	media, err := s.media.Get(ctx, id)
	if err != nil {
		return err
	}
	if media.UploadedBy != rctx.UserID && !rctx.IsAdmin() {
		return model.NewForbiddenError(fmt.Sprintf("media file %d belongs to another user", id))
	}
	if err := s.blobs.Delete(ctx, media.ObjectKey); err != nil {
		return fmt.Errorf("remove upload: %w", err)
	}
	if err := s.media.Delete(ctx, id); err != nil {
		return err
	}
	observability.RequestLogger(ctx, s.logger).Info("file deleted",
		zap.Int64("media_id", id),
		zap.String("object_key", media.ObjectKey),
	)
	return nil
}

// objectKey prefixes a sanitized filename with a random hex identifier.
func objectKey(filename string) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + "_" + filename
}

// SanitizeFilename reduces a client-supplied filename to a safe base name of
// ASCII letters, digits, '.', '-' and '_'. Directory components are dropped,
// runs of whitespace become a single '_' and leading or trailing dots and
// underscores are trimmed. The result may be empty.
func SanitizeFilename(filename string) string {
	filename = strings.ReplaceAll(filename, "\\", "/")
	if i := strings.LastIndex(filename, "/"); i >= 0 {
		filename = filename[i+1:]
	}

	var b strings.Builder
	for _, part := range strings.Fields(filename) {
		if b.Len() > 0 {
			b.WriteByte('_')
		}
		for _, r := range part {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				b.WriteRune(r)
			case r == '.', r == '-', r == '_':
				b.WriteRune(r)
			}
		}
	}
	return strings.Trim(b.String(), "._")
}
