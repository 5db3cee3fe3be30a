package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svg2pptx-batch/internal/converter"
	"svg2pptx-batch/internal/coordinator"
	"svg2pptx-batch/internal/downloader"
	"svg2pptx-batch/internal/fileservice"
	"svg2pptx-batch/internal/model"
	"svg2pptx-batch/internal/store"
)

type fakeRunnerSvc struct{}

func (fakeRunnerSvc) CreateFolder(ctx context.Context, name, parentID string) (*fileservice.FolderResult, error) {
	return &fileservice.FolderResult{FolderID: "f1"}, nil
}
func (fakeRunnerSvc) UploadFile(ctx context.Context, localPath, folderID, remoteName string) (*fileservice.UploadResult, error) {
	return &fileservice.UploadResult{FileID: remoteName}, nil
}
func (fakeRunnerSvc) RequestPreview(ctx context.Context, fileID string) (*fileservice.PreviewResult, error) {
	return &fileservice.PreviewResult{}, nil
}
func (fakeRunnerSvc) TestConnection(ctx context.Context) (fileservice.ConnectionStatus, error) {
	return fileservice.ConnOK, nil
}

func newTestCoordinator(t *testing.T, jobID string) *coordinator.Coordinator {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.PutJob(&model.Job{JobID: jobID, Status: model.JobCreated}))
	dl := downloader.New(0, t.TempDir())
	return coordinator.New(st, dl, &converter.Fake{}, fakeRunnerSvc{}, coordinator.DefaultConfig())
}

func TestSubmitExecutesAndReturnsOutcome(t *testing.T) {
	coord := newTestCoordinator(t, "job-1")

	r := New(coord, 2, 8)
	defer r.Close()

	out, err := r.Submit(t.Context(), Invocation{JobID: "job-1"})
	require.NoError(t, err)

	select {
	case outcome := <-out:
		assert.Equal(t, "job-1", outcome.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not deliver an outcome in time")
	}

	submitted, _, _ := r.Stats()
	assert.Equal(t, int64(1), submitted)
}

func TestSubmitRejectsAfterClose(t *testing.T) {
	coord := newTestCoordinator(t, "job-x")
	r := New(coord, 1, 1)
	r.Close()

	_, err := r.Submit(t.Context(), Invocation{JobID: "job-x"})
	assert.Error(t, err)
}

func TestImmediateRunsSynchronously(t *testing.T) {
	coord := newTestCoordinator(t, "job-2")

	im := NewImmediate(coord)
	out, err := im.Submit(t.Context(), Invocation{JobID: "job-2"})
	require.NoError(t, err)

	outcome, ok := <-out
	require.True(t, ok)
	assert.Equal(t, "job-2", outcome.JobID)

	_, ok = <-out
	assert.False(t, ok, "Immediate must deliver exactly one Outcome then close")
}
