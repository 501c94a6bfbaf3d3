package uploads

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/recordflow/internal/observability"
	"github.com/pitabwire/recordflow/model"
)

func caller(id int64, roles ...string) *model.RequestContext {
	return &model.RequestContext{UserID: id, Roles: roles}
}

type testEnv struct {
	svc     *Service
	blobs   *MemoryBlobStore
	media   *MemoryMediaStore
	metrics *observability.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		blobs:   NewMemoryBlobStore(),
		media:   NewMemoryMediaStore(),
		metrics: observability.InitMetrics(prometheus.NewRegistry()),
	}
	env.svc = NewService(env.blobs, env.media, "http://minio:9000/docs/", zap.NewNop(), env.metrics)
	env.svc.newKey = func(filename string) string { return "0123abcd_" + filename }
	return env
}

func upload(env *testEnv, rctx *model.RequestContext, filename, body string) (model.MediaFile, error) {
	return env.svc.Upload(context.Background(), rctx, filename, "", strings.NewReader(body), int64(len(body)))
}

func TestUpload_storesObjectAndRecord(t *testing.T) {
	env := newTestEnv(t)

	media, err := upload(env, caller(5), "Quarterly Report.PDF", "%PDF-1.7")
	require.NoError(t, err)

	assert.Equal(t, "Quarterly_Report.PDF", media.Filename)
	assert.Equal(t, "0123abcd_Quarterly_Report.PDF", media.ObjectKey)
	assert.Equal(t, "http://minio:9000/docs/0123abcd_Quarterly_Report.PDF", media.URL)
	assert.Equal(t, "application/pdf", media.ContentType)
	assert.Equal(t, int64(8), media.Size)
	assert.Equal(t, int64(5), media.UploadedBy)

	data, contentType, err := env.blobs.Object(media.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(data))
	assert.Equal(t, "application/pdf", contentType)
	assert.Len(t, env.media.List(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.UploadsTotal.WithLabelValues("ok")))
}

func TestUpload_keepsClientContentType(t *testing.T) {
	env := newTestEnv(t)

	media, err := env.svc.Upload(context.Background(), caller(5), "notes.txt", "text/markdown",
		strings.NewReader("# hi"), 4)
	require.NoError(t, err)
	assert.Equal(t, "text/markdown", media.ContentType)
}

func TestUpload_rejections(t *testing.T) {
	tests := []struct {
		name     string
		rctx     *model.RequestContext
		filename string
		wantCode string
	}{
		{"anonymous", nil, "a.pdf", model.ErrUnauthorized},
		{"no filename", caller(5), "  ", model.ErrBadRequest},
		{"disallowed extension", caller(5), "run.exe", model.ErrBadRequest},
		{"no extension", caller(5), "README", model.ErrBadRequest},
		{"extension hidden by path", caller(5), "x.pdf/../evil.sh", model.ErrBadRequest},
		{"nothing left after sanitizing", caller(5), "../..", model.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := upload(env, tt.rctx, tt.filename, "data")
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, model.ErrorCode(err))
			assert.Empty(t, env.media.List())
		})
	}
}

// failingMediaStore refuses every write.
type failingMediaStore struct {
	MediaStore
}

func (failingMediaStore) Create(context.Context, model.MediaFile) (model.MediaFile, error) {
	return model.MediaFile{}, errors.New("database unavailable")
}

func TestUpload_recordFailureRemovesObject(t *testing.T) {
	blobs := NewMemoryBlobStore()
	svc := NewService(blobs, failingMediaStore{}, "http://x/b", zap.NewNop(), nil)
	svc.newKey = func(filename string) string { return "k_" + filename }

	_, err := svc.Upload(context.Background(), caller(5), "a.png", "", strings.NewReader("png"), 3)
	require.Error(t, err)

	_, _, err = blobs.Object("k_a.png")
	assert.Error(t, err, "object must be removed when its record cannot be stored")
}

// failingBlobStore fails every write.
type failingBlobStore struct {
	*MemoryBlobStore
}

func (failingBlobStore) Put(context.Context, string, string, io.Reader, int64) error {
	return errors.New("bucket unavailable")
}

func TestUpload_blobFailure(t *testing.T) {
	media := NewMemoryMediaStore()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	svc := NewService(failingBlobStore{NewMemoryBlobStore()}, media, "http://x/b", zap.NewNop(), metrics)

	_, err := svc.Upload(context.Background(), caller(5), "a.png", "", strings.NewReader("png"), 3)
	require.Error(t, err)
	assert.Empty(t, model.ErrorCode(err), "infrastructure failures are not client errors")
	assert.Empty(t, media.List())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.UploadsTotal.WithLabelValues("error")))
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := upload(env, caller(5), "a.txt", "a")
	require.NoError(t, err)
	env.svc.newKey = func(filename string) string { return "second_" + filename }
	second, err := upload(env, caller(5), "b.txt", "b")
	require.NoError(t, err)

	err = env.svc.Delete(ctx, caller(6), first.ID)
	assert.Equal(t, model.ErrForbidden, model.ErrorCode(err))

	require.NoError(t, env.svc.Delete(ctx, caller(5), first.ID))
	_, _, err = env.blobs.Object(first.ObjectKey)
	assert.Error(t, err)

	require.NoError(t, env.svc.Delete(ctx, caller(9, model.RoleSuperAdministrator), second.ID))
	assert.Empty(t, env.media.List())

	err = env.svc.Delete(ctx, caller(5), first.ID)
	assert.Equal(t, model.ErrNotFound, model.ErrorCode(err))
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"report.pdf", "report.pdf"},
		{"My Report  v2.docx", "My_Report_v2.docx"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\scan.png`, "scan.png"},
		{"résumé.pdf", "rsum.pdf"},
		{"..hidden.txt", "hidden.txt"},
		{"a;rm -rf.txt", "arm_-rf.txt"},
		{"...", ""},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
