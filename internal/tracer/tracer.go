// Package tracer implements the Error Reporter / Tracer (spec §4.H):
// categorized error records, stage-timing aggregation, and a default
// recovery-suggestion matrix keyed by category.
//
// Adapted from anilist/error_handler.go's ErrorHandler/FriendlyError in the
// teacher repo (category classification producing a suggestions list) and
// monitoring/metrics.go's Monitor (timing aggregation), generalized from
// AniList-search-specific categories to the closed taxonomy of spec §4.H
// and §7, and from free-text Portuguese messages to the operator-facing
// fields the spec names.
package tracer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"svg2pptx-batch/internal/model"
	"svg2pptx-batch/internal/progress"
)

// Severity is the closed set of error severities.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Category is the closed set of error categories.
type Category string

const (
	CategoryParsing       Category = "parsing"
	CategoryAnalysis      Category = "analysis"
	CategoryMapping       Category = "mapping"
	CategoryEmbedding     Category = "embedding"
	CategoryPackaging     Category = "packaging"
	CategoryConfiguration Category = "configuration"
	CategoryResource      Category = "resource"
	CategoryValidation    Category = "validation"
	CategoryUpload        Category = "upload"
	CategoryQuota         Category = "quota"
	CategoryAuth          Category = "auth"
	CategoryNetwork       Category = "network"
	CategoryUnknown       Category = "unknown"
)

// suggestionsMatrix is the default recovery-suggestion list per category,
// the Go-idiomatic generalization of the teacher's per-error-type
// Suggestions slices.
var suggestionsMatrix = map[Category][]string{
	CategoryParsing:       {"verify the input is well-formed", "re-check the source file"},
	CategoryAnalysis:      {"inspect the offending input", "retry with debug tracing enabled"},
	CategoryMapping:       {"check element mapping configuration"},
	CategoryEmbedding:     {"verify embedded asset size and format"},
	CategoryPackaging:     {"check available disk space", "retry the packaging stage"},
	CategoryConfiguration: {"review job options for invalid values"},
	CategoryResource:      {"check available memory or disk", "reduce batch size"},
	CategoryValidation:    {"check input URLs and options against the job contract"},
	CategoryUpload:        {"retry the upload", "verify the target folder still exists"},
	CategoryQuota:         {"wait for reset", "reduce concurrency"},
	CategoryAuth:          {"re-authenticate", "verify credentials"},
	CategoryNetwork:       {"check connectivity", "retry after a short delay"},
	CategoryUnknown:       {"inspect the stack trace", "report to an operator"},
}

// ErrorRecord is one structured error entry.
type ErrorRecord struct {
	ErrorID             string
	Message             string
	Severity            Severity
	Category            Category
	Stage               string
	Operation           string
	InputSummary        string
	ExceptionType        string
	StackTrace          string
	RecoverySuggestions []string
	DebugInfo           map[string]any
	RelatedErrors       []string
	OccurredAt          time.Time
	RepeatedCount       int  // > 0 when this message has been seen before
	Cascade             bool // true when ≥3 errors occurred within 1 second
}

// Reporter accumulates ErrorRecords and StageTimings for one job session.
type Reporter struct {
	mu       sync.Mutex
	jobID    string
	records  []*ErrorRecord
	messages map[string]int // message -> count, for repeated_error detection
	stages   []model.StageTiming
	active   map[string]time.Time // stage -> started_at, for in-flight StartStage calls
	seq      int
	sink     *progress.Sink
}

// New creates a Reporter for one job.
func New(jobID string) *Reporter {
	return &Reporter{
		jobID:    jobID,
		messages: make(map[string]int),
		active:   make(map[string]time.Time),
	}
}

// AttachSink wires an operator progress.Sink; stage start and end events
// publish to it from here on (Report does not publish). Not required — a
// Reporter works standalone for tests and offline recovery runs.
func (r *Reporter) AttachSink(sink *progress.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// StartStage records the start of a named pipeline stage.
func (r *Reporter) StartStage(stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[stage] = time.Now().UTC()
	r.publishLocked(progress.Event{JobID: r.jobID, Stage: stage, Status: "started", OccurredAt: time.Now().UTC()})
}

// EndStage records the end of a named pipeline stage started with
// StartStage; a no-op if the stage was never started.
func (r *Reporter) EndStage(stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start, ok := r.active[stage]
	if !ok {
		return
	}
	end := time.Now().UTC()
	r.stages = append(r.stages, model.StageTiming{
		Stage:     stage,
		StartedAt: start,
		EndedAt:   end,
		Duration:  end.Sub(start),
	})
	delete(r.active, stage)
	r.publishLocked(progress.Event{JobID: r.jobID, Stage: stage, Status: "completed", OccurredAt: end})
}

func (r *Reporter) publishLocked(event progress.Event) {
	if r.sink != nil {
		r.sink.Publish(event)
	}
}

// Report records a categorized error, deriving its recovery suggestions
// from the category, and detecting repeated messages and cascades.
func (r *Reporter) Report(severity Severity, category Category, stage, operation, message string, err error) *ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	now := time.Now().UTC()

	rec := &ErrorRecord{
		ErrorID:             fmt.Sprintf("%s-err-%d", r.jobID, r.seq),
		Message:             message,
		Severity:            severity,
		Category:            category,
		Stage:               stage,
		Operation:           operation,
		RecoverySuggestions: append([]string(nil), suggestionsMatrix[category]...),
		OccurredAt:          now,
	}
	if err != nil {
		rec.ExceptionType = fmt.Sprintf("%T", err)
		rec.StackTrace = err.Error()
	}

	r.messages[message]++
	if r.messages[message] > 1 {
		rec.RepeatedCount = r.messages[message]
	}

	rec.Cascade = r.detectCascadeLocked(now)

	r.records = append(r.records, rec)
	return rec
}

// detectCascadeLocked flags ≥3 errors within 1 second (spec §4.H), counting
// the record currently being added.
func (r *Reporter) detectCascadeLocked(now time.Time) bool {
	count := 1
	for i := len(r.records) - 1; i >= 0; i-- {
		if now.Sub(r.records[i].OccurredAt) > time.Second {
			break
		}
		count++
	}
	return count >= 3
}

// Trace aggregates all recorded stage timings into the model.Trace shape
// attached to Job.Metadata per spec §4.H: every completed stage, whatever
// its name, is listed in start order and its duration summed into Total.
func (r *Reporter) Trace() model.Trace {
	r.mu.Lock()
	defer r.mu.Unlock()

	var total time.Duration
	stages := append([]model.StageTiming(nil), r.stages...)
	sort.Slice(stages, func(i, j int) bool { return stages[i].StartedAt.Before(stages[j].StartedAt) })
	for _, s := range stages {
		total += s.Duration
	}

	tr := model.Trace{Stages: stages, Total: total}
	if len(r.records) > 0 {
		tr.ErrorRecordID = r.records[len(r.records)-1].ErrorID
	}
	return tr
}

// Records returns a snapshot of all ErrorRecords reported so far.
func (r *Reporter) Records() []*ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ErrorRecord(nil), r.records...)
}

// CategoryFromErrorClass maps a fileservice-level ErrorClass string onto
// the Tracer's closed Category taxonomy, letting upload-path callers report
// without re-deriving the mapping.
func CategoryFromErrorClass(class string) Category {
	switch strings.ToLower(class) {
	case "auth":
		return CategoryAuth
	case "quota_exceeded":
		return CategoryQuota
	case "rate_limited":
		return CategoryQuota
	case "transient":
		return CategoryNetwork
	case "not_found":
		return CategoryValidation
	default:
		return CategoryUpload
	}
}
