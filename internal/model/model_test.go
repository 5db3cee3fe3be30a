package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobClone(t *testing.T) {
	j := &Job{
		JobID:    "job-1",
		Status:   JobProcessing,
		Metadata: map[string]any{"k": "v"},
	}
	cp := j.Clone()

	cp.Metadata["k"] = "changed"
	assert.Equal(t, "v", j.Metadata["k"], "Clone must not alias the original Metadata map")

	cp.Status = JobCompleted
	assert.Equal(t, JobProcessing, j.Status, "Clone must not alias the original struct")
}

func TestJobCloneNil(t *testing.T) {
	var j *Job
	assert.Nil(t, j.Clone())
}

func TestRateLimiterStateRoundTrip(t *testing.T) {
	j := &Job{JobID: "job-1"}
	want := RateLimiterState{
		MaxRequestsPerMinute: 100,
		MaxConcurrentUploads: 10,
		RequestTimestamps:    []time.Time{time.Now().UTC()},
	}
	SetRateLimiterState(j, want)

	got, err := GetRateLimiterState(j)
	require.NoError(t, err)
	assert.Equal(t, want.MaxRequestsPerMinute, got.MaxRequestsPerMinute)
	assert.Equal(t, want.MaxConcurrentUploads, got.MaxConcurrentUploads)
	assert.Len(t, got.RequestTimestamps, 1)
}

func TestGetRateLimiterStateZeroValue(t *testing.T) {
	j := &Job{JobID: "job-1"}
	got, err := GetRateLimiterState(j)
	require.NoError(t, err)
	assert.Zero(t, got.MaxRequestsPerMinute)
}

func TestTraceRoundTrip(t *testing.T) {
	j := &Job{JobID: "job-1"}
	want := Trace{
		Stages: []StageTiming{{Stage: "download", Duration: 2 * time.Second}},
		Total:  2 * time.Second,
	}
	SetTrace(j, want)

	got, err := GetTrace(j)
	require.NoError(t, err)
	assert.Equal(t, want.Total, got.Total)
	require.Len(t, got.Stages, 1)
	assert.Equal(t, "download", got.Stages[0].Stage)
}

// decodeInto is exercised indirectly above through both code paths: a raw
// value that is already the target type (set via SetTrace/SetRateLimiterState
// in-process) and one that round-tripped through JSON (as it would after a
// Store reload). This covers both branches of the type assertion.
func TestDecodeIntoAlreadyTypedValue(t *testing.T) {
	j := &Job{JobID: "job-1", Metadata: map[string]any{
		MetadataKeyTrace: Trace{Total: 5 * time.Second},
	}}
	got, err := GetTrace(j)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, got.Total)
}

func TestDecodeIntoJSONMap(t *testing.T) {
	j := &Job{JobID: "job-1", Metadata: map[string]any{
		MetadataKeyTrace: map[string]any{"total": float64(3000000000)},
	}}
	got, err := GetTrace(j)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, got.Total)
}
