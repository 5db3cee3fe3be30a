package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svg2pptx-batch/internal/fileservice"
	"svg2pptx-batch/internal/model"
	"svg2pptx-batch/internal/ratelimiter"
	"svg2pptx-batch/internal/store"
)

func classified(class fileservice.ErrorClass, reason fileservice.QuotaReason) error {
	return &fileservice.ClassifiedError{Err: errors.New("boom"), Class: class, QuotaReason: reason}
}

func TestCallRetriesTransientUntilSuccess(t *testing.T) {
	g := ratelimiter.New(100, 10)
	e := New(g, 5, time.Millisecond)

	attempts := 0
	err := e.Call(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return classified(fileservice.ClassTransient, "")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestCallDoesNotRetryAuth(t *testing.T) {
	g := ratelimiter.New(100, 10)
	e := New(g, 5, time.Millisecond)

	attempts := 0
	err := e.Call(context.Background(), func(ctx context.Context) error {
		attempts++
		return classified(fileservice.ClassAuth, "")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts, "auth errors must not be retried")
}

func TestCallDoesNotRetryQuotaExceededAndRecordsGovernor(t *testing.T) {
	g := ratelimiter.New(100, 10)
	e := New(g, 5, time.Millisecond)

	attempts := 0
	err := e.Call(context.Background(), func(ctx context.Context) error {
		attempts++
		return classified(fileservice.ClassQuotaExceeded, fileservice.QuotaRateLimit)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts, "quota_exceeded must stop the Engine's retry loop, not burn attempts")
	assert.True(t, g.State().QuotaExceeded, "a quota_exceeded classification must be recorded on the Governor")
}

func TestCallExhaustsMaxAttempts(t *testing.T) {
	g := ratelimiter.New(100, 10)
	e := New(g, 2, time.Millisecond)

	attempts := 0
	err := e.Call(context.Background(), func(ctx context.Context) error {
		attempts++
		return classified(fileservice.ClassTransient, "")
	})

	assert.Error(t, err)
	assert.Equal(t, 2, attempts)
}

type fakeSvc struct {
	fileservice.Service
	connStatus fileservice.ConnectionStatus
	connErr    error
}

func (f *fakeSvc) TestConnection(ctx context.Context) (fileservice.ConnectionStatus, error) {
	return f.connStatus, f.connErr
}

func TestRecoverRequiresFailedStatus(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.PutJob(&model.Job{JobID: "job-1", Status: model.JobProcessing}))

	_, err := Recover(context.Background(), st, &fakeSvc{connStatus: fileservice.ConnOK}, "job-1", nil)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestRecoverAbortsOnFailedConnectionTest(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.PutJob(&model.Job{JobID: "job-1", Status: model.JobFailed}))

	_, err := Recover(context.Background(), st, &fakeSvc{connStatus: fileservice.ConnServiceError}, "job-1", nil)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestRecoverSetsProcessingOnlyWhenEveryFileRecovers(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.PutJob(&model.Job{JobID: "job-1", Status: model.JobFailed}))
	require.NoError(t, st.PutFileMeta(&model.FileMeta{
		JobID: "job-1", OriginalFilename: "a.svg", UploadStatus: model.UploadFailed, UploadError: "network blip",
	}))

	_, err := Recover(context.Background(), st, &fakeSvc{connStatus: fileservice.ConnOK}, "job-1",
		func(ctx context.Context, file *model.FileMeta) error { return nil })
	require.NoError(t, err)

	job, err := st.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobProcessing, job.Status, "recovering every file must clear the failed status")

	file, err := st.GetFileMeta("job-1", "a.svg")
	require.NoError(t, err)
	assert.Equal(t, model.UploadCompleted, file.UploadStatus)
	assert.Empty(t, file.UploadError)
}

func TestRecoverLeavesJobFailedWhenAFileStillFails(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.PutJob(&model.Job{JobID: "job-2", Status: model.JobFailed}))
	require.NoError(t, st.PutFileMeta(&model.FileMeta{
		JobID: "job-2", OriginalFilename: "a.svg", UploadStatus: model.UploadFailed, UploadError: "network blip",
	}))
	require.NoError(t, st.PutFileMeta(&model.FileMeta{
		JobID: "job-2", OriginalFilename: "b.svg", UploadStatus: model.UploadFailed, UploadError: "boom",
	}))

	report, err := Recover(context.Background(), st, &fakeSvc{connStatus: fileservice.ConnOK}, "job-2",
		func(ctx context.Context, file *model.FileMeta) error {
			if file.OriginalFilename == "b.svg" {
				return errors.New("still unreachable")
			}
			return nil
		})
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)

	job, err := st.GetJob("job-2")
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status, "a single surviving failure must leave the job failed")

	recoveredFile, err := st.GetFileMeta("job-2", "a.svg")
	require.NoError(t, err)
	assert.Equal(t, model.UploadCompleted, recoveredFile.UploadStatus)

	stillFailing, err := st.GetFileMeta("job-2", "b.svg")
	require.NoError(t, err)
	assert.Equal(t, model.UploadFailed, stillFailing.UploadStatus)
	assert.Equal(t, "still unreachable", stillFailing.UploadError)
}

func TestRecoveryDelayTable(t *testing.T) {
	cases := []struct {
		name       string
		priorError string
		k          int
		want       time.Duration
	}{
		{"quota doubles from base*2", "daily quota exceeded", 0, recoveryBase * 2},
		{"network is linear", "network unreachable", 2, recoveryBase * 3},
		{"timeout is linear", "request timeout", 1, recoveryBase * 2},
		{"default is exponential", "server exploded", 2, recoveryBase * 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, recoveryDelay(tc.priorError, tc.k))
		})
	}
}
