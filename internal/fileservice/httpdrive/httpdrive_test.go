package httpdrive

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svg2pptx-batch/internal/fileservice"
)

func TestCreateFolderSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/folders", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"folder_id":"f1","folder_url":"https://drive/f1"}`))
	}))
	defer srv.Close()

	svc := New(srv.URL, "tok")
	got, err := svc.CreateFolder(t.Context(), "batch-1", "")
	require.NoError(t, err)
	assert.Equal(t, "f1", got.FolderID)
	assert.Equal(t, "https://drive/f1", got.FolderURL)
}

func TestClassifyHTTPErrorAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	svc := New(srv.URL, "")
	_, err := svc.CreateFolder(t.Context(), "x", "")
	require.Error(t, err)
	assert.Equal(t, fileservice.ClassAuth, fileservice.Classify(err).Class)
}

func TestClassifyHTTPErrorNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	svc := New(srv.URL, "")
	_, err := svc.RequestPreview(t.Context(), "missing")
	require.Error(t, err)
	assert.Equal(t, fileservice.ClassNotFound, fileservice.Classify(err).Class)
}

func TestClassifyHTTPErrorTransientOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc := New(srv.URL, "")
	_, err := svc.UploadFile(t.Context(), "/tmp/a.pptx", "f1", "a.pptx")
	require.Error(t, err)
	assert.Equal(t, fileservice.ClassTransient, fileservice.Classify(err).Class)
}

func TestClassifyRateLimitWithoutQuotaHeaderIsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	svc := New(srv.URL, "")
	_, err := svc.CreateFolder(t.Context(), "x", "")
	require.Error(t, err)
	assert.Equal(t, fileservice.ClassRateLimited, fileservice.Classify(err).Class)
}

func TestClassifyRateLimitWithQuotaHeaderIsQuotaExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Quota-Reason", "daily_limit")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	svc := New(srv.URL, "")
	_, err := svc.CreateFolder(t.Context(), "x", "")
	require.Error(t, err)
	ce := fileservice.Classify(err)
	assert.Equal(t, fileservice.ClassQuotaExceeded, ce.Class)
	assert.Equal(t, fileservice.QuotaDailyLimit, ce.QuotaReason)
}

func TestClassifyRateLimitUnknownQuotaReasonFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Quota-Reason", "something_new")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	svc := New(srv.URL, "")
	_, err := svc.CreateFolder(t.Context(), "x", "")
	require.Error(t, err)
	assert.Equal(t, fileservice.QuotaUnknown, fileservice.Classify(err).QuotaReason)
}

func TestTestConnectionOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ping", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := New(srv.URL, "")
	status, err := svc.TestConnection(t.Context())
	require.NoError(t, err)
	assert.Equal(t, fileservice.ConnOK, status)
}

func TestTestConnectionAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	svc := New(srv.URL, "")
	status, err := svc.TestConnection(t.Context())
	require.Error(t, err)
	assert.Equal(t, fileservice.ConnAuthError, status)
}
