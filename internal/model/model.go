// Package model defines the durable record types shared by the batch core:
// Job, FolderMeta, FileMeta, and the two typed views into Job.Metadata
// (RateLimiterState, Trace).
package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the closed set of lifecycle states a Job may occupy.
type JobStatus string

const (
	JobCreated               JobStatus = "created"
	JobProcessing            JobStatus = "processing"
	JobUploading             JobStatus = "uploading"
	JobCompleted             JobStatus = "completed"
	JobCompletedUploadFailed JobStatus = "completed_upload_failed"
	JobFailed                JobStatus = "failed"
	JobArchived              JobStatus = "archived"
)

// DriveUploadStatus is the closed set of Drive-upload sub-states for a Job.
type DriveUploadStatus string

const (
	DriveNotRequested DriveUploadStatus = "not_requested"
	DrivePending      DriveUploadStatus = "pending"
	DriveInProgress   DriveUploadStatus = "in_progress"
	DriveCompleted    DriveUploadStatus = "completed"
	DriveFailed       DriveUploadStatus = "failed"
	DriveQuotaWait    DriveUploadStatus = "quota_wait"
)

// UploadStatus is the closed set of per-file upload states.
type UploadStatus string

const (
	UploadPending    UploadStatus = "pending"
	UploadInProgress UploadStatus = "in_progress"
	UploadCompleted  UploadStatus = "completed"
	UploadFailed     UploadStatus = "failed"
)

// Job is the top-level unit of work, one per batch of SVG inputs.
type Job struct {
	JobID                   string            `json:"job_id"`
	Status                  JobStatus         `json:"status"`
	TotalFiles              int               `json:"total_files"`
	DriveIntegrationEnabled bool              `json:"drive_integration_enabled"`
	DriveUploadStatus       DriveUploadStatus `json:"drive_upload_status"`
	FolderPattern           string            `json:"folder_pattern,omitempty"`
	CreatedAt               time.Time         `json:"created_at"`
	UpdatedAt               time.Time         `json:"updated_at"`
	Metadata                map[string]any    `json:"metadata,omitempty"`
}

// Clone returns a deep-enough copy for safe handoff across goroutines; the
// Metadata map is copied one level deep since callers only ever replace
// whole sub-trees (RateLimiterState, Trace), never mutate nested fields.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	if j.Metadata != nil {
		cp.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// FolderMeta records the Drive folder created for a Job's batch output.
// At most one exists per Job.
type FolderMeta struct {
	JobID     string    `json:"job_id"`
	FolderID  string    `json:"folder_id"`
	FolderURL string    `json:"folder_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileMeta records one uploaded file belonging to a Job.
type FileMeta struct {
	JobID             string       `json:"job_id"`
	OriginalFilename  string       `json:"original_filename"`
	FileID            string       `json:"file_id,omitempty"`
	FileURL           string       `json:"file_url,omitempty"`
	PreviewURL        string       `json:"preview_url,omitempty"`
	UploadStatus      UploadStatus `json:"upload_status"`
	UploadError       string       `json:"upload_error,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// QuotaErrorReason is the closed set of reasons a FileService reports a
// quota_exceeded error, driving the backoff table in spec §4.D.
type QuotaErrorReason string

const (
	QuotaDailyLimit     QuotaErrorReason = "daily_limit"
	QuotaRateLimit      QuotaErrorReason = "rate_limit"
	QuotaUserRateLimit  QuotaErrorReason = "user_rate_limit"
	QuotaUnknown        QuotaErrorReason = "unknown_quota"
)

// ActiveOperation is one in-flight remote call tracked by the Rate Governor.
type ActiveOperation struct {
	OperationID string    `json:"operation_id"`
	StartedAt   time.Time `json:"started_at"`
}

// RateLimiterState is the typed view of Job.Metadata["rate_limiter"].
type RateLimiterState struct {
	MaxRequestsPerMinute int               `json:"max_requests_per_minute"`
	MaxConcurrentUploads int               `json:"max_concurrent_uploads"`
	RequestTimestamps    []time.Time       `json:"request_timestamps"`
	ActiveOperations     []ActiveOperation `json:"active_operations"`
	QuotaExceeded        bool              `json:"quota_exceeded"`
	QuotaResetTime       *time.Time        `json:"quota_reset_time,omitempty"`
	QuotaErrorReason     QuotaErrorReason  `json:"quota_error_reason,omitempty"`
}

// MetadataKeyRateLimiter is the key under which RateLimiterState lives in
// Job.Metadata.
const MetadataKeyRateLimiter = "rate_limiter"

// MetadataKeyTrace is the key under which Trace lives in Job.Metadata.
const MetadataKeyTrace = "trace"

// StageTiming records the start/end of one named pipeline stage.
type StageTiming struct {
	Stage     string        `json:"stage"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`
}

// Trace is the typed view of Job.Metadata["trace"]: stage timings and
// recorded decisions, attached to a Job for operator inspection (spec §4.H).
type Trace struct {
	Stages        []StageTiming  `json:"stages"`
	Total         time.Duration  `json:"total"`
	DebugTrace    map[string]any `json:"debug_trace,omitempty"`
	ErrorRecordID string         `json:"error_record_id,omitempty"`
}

// GetRateLimiterState decodes the RateLimiterState embedded in j.Metadata,
// returning a zero-valued state if none is set.
func GetRateLimiterState(j *Job) (RateLimiterState, error) {
	var state RateLimiterState
	if j.Metadata == nil {
		return state, nil
	}
	raw, ok := j.Metadata[MetadataKeyRateLimiter]
	if !ok {
		return state, nil
	}
	return decodeInto[RateLimiterState](raw)
}

// SetRateLimiterState stores state into j.Metadata, initializing the map if
// necessary.
func SetRateLimiterState(j *Job, state RateLimiterState) {
	if j.Metadata == nil {
		j.Metadata = make(map[string]any)
	}
	j.Metadata[MetadataKeyRateLimiter] = state
}

// GetTrace decodes the Trace embedded in j.Metadata, returning a zero-valued
// trace if none is set.
func GetTrace(j *Job) (Trace, error) {
	var tr Trace
	if j.Metadata == nil {
		return tr, nil
	}
	raw, ok := j.Metadata[MetadataKeyTrace]
	if !ok {
		return tr, nil
	}
	return decodeInto[Trace](raw)
}

// SetTrace stores tr into j.Metadata, initializing the map if necessary.
func SetTrace(j *Job, tr Trace) {
	if j.Metadata == nil {
		j.Metadata = make(map[string]any)
	}
	j.Metadata[MetadataKeyTrace] = tr
}

// decodeInto round-trips raw (which may already be the target type, e.g.
// when the store never serialized through JSON, or a map[string]any when it
// did) into T via JSON marshal/unmarshal.
func decodeInto[T any](raw any) (T, error) {
	var zero T
	if typed, ok := raw.(T); ok {
		return typed, nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(buf, &out); err != nil {
		return zero, err
	}
	return out, nil
}
