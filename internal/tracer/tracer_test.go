package tracer

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportAttachesCategorySuggestions(t *testing.T) {
	r := New("job-1")
	rec := r.Report(SeverityHigh, CategoryUpload, "upload", "upload_file", "connection reset", errors.New("dial tcp: reset"))

	want := &ErrorRecord{
		ErrorID:             "job-1-err-1",
		Message:             "connection reset",
		Severity:            SeverityHigh,
		Category:            CategoryUpload,
		Stage:               "upload",
		Operation:           "upload_file",
		RecoverySuggestions: suggestionsMatrix[CategoryUpload],
	}
	diff := cmp.Diff(want, rec, cmpopts.IgnoreFields(ErrorRecord{}, "OccurredAt", "ExceptionType", "StackTrace"))
	if diff != "" {
		t.Errorf("ErrorRecord shape mismatch (-want +got):\n%s", diff)
	}
	assert.NotEmpty(t, rec.ExceptionType)
}

func TestReportDetectsRepeatedMessage(t *testing.T) {
	r := New("job-1")
	r.Report(SeverityLow, CategoryNetwork, "download", "fetch", "timeout", nil)
	rec := r.Report(SeverityLow, CategoryNetwork, "download", "fetch", "timeout", nil)

	assert.Equal(t, 2, rec.RepeatedCount)
}

func TestReportDetectsCascade(t *testing.T) {
	r := New("job-1")
	r.Report(SeverityLow, CategoryUpload, "upload", "op", "e1", nil)
	r.Report(SeverityLow, CategoryUpload, "upload", "op", "e2", nil)
	third := r.Report(SeverityLow, CategoryUpload, "upload", "op", "e3", nil)

	assert.True(t, third.Cascade, "a third error within one second must flag cascade")
}

func TestReportNoCascadeWhenSpreadOut(t *testing.T) {
	r := New("job-1")
	rec := r.Report(SeverityLow, CategoryUpload, "upload", "op", "solo", nil)
	assert.False(t, rec.Cascade)
}

func TestStartEndStageAccumulatesTrace(t *testing.T) {
	r := New("job-1")
	r.StartStage("download")
	time.Sleep(time.Millisecond)
	r.EndStage("download")

	tr := r.Trace()
	require.Len(t, tr.Stages, 1)
	assert.Equal(t, "download", tr.Stages[0].Stage)
	assert.Greater(t, tr.Total, time.Duration(0))
}

func TestEndStageWithoutStartIsNoop(t *testing.T) {
	r := New("job-1")
	r.EndStage("never-started")
	assert.Empty(t, r.Trace().Stages)
}

func TestTraceOrdersStagesByStart(t *testing.T) {
	r := New("job-1")
	r.StartStage("b")
	r.EndStage("b")
	r.StartStage("a")
	r.EndStage("a")

	tr := r.Trace()
	require.Len(t, tr.Stages, 2)
	assert.True(t, tr.Stages[0].StartedAt.Before(tr.Stages[1].StartedAt) || tr.Stages[0].StartedAt.Equal(tr.Stages[1].StartedAt))
}

func TestTraceCarriesLastErrorRecordID(t *testing.T) {
	r := New("job-1")
	r.Report(SeverityLow, CategoryUpload, "upload", "op", "e1", nil)
	rec := r.Report(SeverityLow, CategoryUpload, "upload", "op", "e2", nil)

	assert.Equal(t, rec.ErrorID, r.Trace().ErrorRecordID)
}

func TestRecordsReturnsSnapshot(t *testing.T) {
	r := New("job-1")
	r.Report(SeverityLow, CategoryUpload, "upload", "op", "e1", nil)
	snap := r.Records()
	require.Len(t, snap, 1)

	r.Report(SeverityLow, CategoryUpload, "upload", "op", "e2", nil)
	assert.Len(t, snap, 1, "Records must return a copy, not a live view")
}

func TestCategoryFromErrorClass(t *testing.T) {
	cases := map[string]Category{
		"auth":           CategoryAuth,
		"quota_exceeded": CategoryQuota,
		"rate_limited":   CategoryQuota,
		"transient":      CategoryNetwork,
		"not_found":      CategoryValidation,
		"anything_else":  CategoryUpload,
	}
	for class, want := range cases {
		assert.Equal(t, want, CategoryFromErrorClass(class), "class %q", class)
	}
}
