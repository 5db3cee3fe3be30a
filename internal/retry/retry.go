// Package retry implements the Retry Engine (spec §4.E): per-call,
// error-class-aware retry policy built on github.com/buildkite/roko, plus
// job-level recovery orchestration.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/buildkite/roko"

	"svg2pptx-batch/internal/fileservice"
	"svg2pptx-batch/internal/model"
	"svg2pptx-batch/internal/ratelimiter"
	"svg2pptx-batch/internal/store"
)

// Engine wraps remote calls with the error-class-aware retry policy of
// spec §4.E, handing quota_exceeded responses off to a ratelimiter.Governor
// instead of counting them as a roko attempt.
type Engine struct {
	governor    *ratelimiter.Governor
	maxAttempts int
	baseDelay   time.Duration
}

// New creates an Engine retrying up to maxAttempts times with baseDelay as
// the starting interval for transient failures, reporting quota responses
// to governor.
func New(governor *ratelimiter.Governor, maxAttempts int, baseDelay time.Duration) *Engine {
	return &Engine{governor: governor, maxAttempts: maxAttempts, baseDelay: baseDelay}
}

// Call runs fn, retrying per the error-class table:
//   - transient: exponential backoff, retried up to maxAttempts.
//   - rate_limited: linear backoff, retried up to maxAttempts.
//   - quota_exceeded: handed to the Rate Governor's backoff; not retried here.
//   - auth, not_found, permanent_other: surfaced immediately, no retry.
func (e *Engine) Call(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	err := roko.NewRetrier(
		roko.WithMaxAttempts(e.maxAttempts),
		roko.WithStrategy(roko.Exponential(e.baseDelay, 0)),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		callErr := fn(ctx)
		if callErr == nil {
			if e.governor != nil {
				e.governor.RecordSuccess()
			}
			return nil
		}

		lastErr = callErr
		ce := fileservice.Classify(callErr)

		switch ce.Class {
		case fileservice.ClassTransient:
			r.SetNextInterval(exponentialDelay(e.baseDelay, r.AttemptCount()))
			return callErr
		case fileservice.ClassRateLimited:
			r.SetNextInterval(linearDelay(e.baseDelay, r.AttemptCount()))
			return callErr
		case fileservice.ClassQuotaExceeded:
			if e.governor != nil {
				e.governor.RecordQuotaExceeded(toModelQuotaReason(ce.QuotaReason))
			}
			r.Break()
			return callErr
		default: // auth, not_found, permanent_other
			r.Break()
			return callErr
		}
	})

	if err != nil {
		return lastErr
	}
	return nil
}

func exponentialDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func linearDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt)
}

func toModelQuotaReason(r fileservice.QuotaReason) model.QuotaErrorReason {
	switch r {
	case fileservice.QuotaDailyLimit:
		return model.QuotaDailyLimit
	case fileservice.QuotaRateLimit:
		return model.QuotaRateLimit
	case fileservice.QuotaUserRateLimit:
		return model.QuotaUserRateLimit
	default:
		return model.QuotaUnknown
	}
}

// FileOutcome records the result of one file's recovery attempt.
type FileOutcome struct {
	OriginalFilename string
	Recovered        bool
	Error            string
}

// RecoveryReport summarizes a job-level recovery run.
type RecoveryReport struct {
	JobID    string
	Outcomes []FileOutcome
}

// ErrPreconditionFailed is returned by Recover when the job is not in the
// failed state, or the connection precondition check fails.
var ErrPreconditionFailed = errors.New("retry: recovery precondition failed")

// Recover implements the job-level recovery algorithm of spec §4.E:
//  1. Require job.status = failed; else reject.
//  2. Run test_connection; abort recovery if it fails.
//  3. Re-attempt FileService calls for every FileMeta left in a non-terminal
//     or failed state, classifying the delay from the prior error text:
//     mentions "quota" -> base·2^(k+1); mentions "network"/"timeout" ->
//     base·k (linear); else base·2^k (exponential).
func Recover(ctx context.Context, st store.Store, svc fileservice.Service, jobID string, retryUpload func(ctx context.Context, file *model.FileMeta) error) (*RecoveryReport, error) {
	job, err := st.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobFailed {
		return nil, ErrPreconditionFailed
	}

	if status, connErr := svc.TestConnection(ctx); connErr != nil || status != fileservice.ConnOK {
		return nil, ErrPreconditionFailed
	}

	files, err := st.ListFileMeta(jobID)
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{JobID: jobID}
	allRecovered := true
	for _, file := range files {
		if file.UploadStatus == model.UploadCompleted {
			continue
		}

		delay := recoveryDelay(file.UploadError, 0)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return report, ctx.Err()
		}

		outcome := FileOutcome{OriginalFilename: file.OriginalFilename}
		if retryErr := retryUpload(ctx, file); retryErr != nil {
			outcome.Recovered = false
			outcome.Error = retryErr.Error()
			allRecovered = false
			file.UploadStatus = model.UploadFailed
			file.UploadError = retryErr.Error()
		} else {
			outcome.Recovered = true
			file.UploadStatus = model.UploadCompleted
			file.UploadError = ""
		}
		if err := st.PutFileMeta(file); err != nil {
			return report, err
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	// Only a fully successful recovery clears the failed state; a single
	// surviving failure leaves the job failed with its per-file errors
	// updated above, per spec §4.E.
	if allRecovered {
		job.Status = model.JobProcessing
	}
	if err := st.PutJob(job); err != nil {
		return report, err
	}

	return report, nil
}

// recoveryDelay picks the base delay for a single recovery attempt from the
// prior error's text, per spec §4.E's recovery backoff rules. base is a
// package-level constant rather than a parameter since recovery always
// starts from the same floor regardless of the per-call Engine's baseDelay.
const recoveryBase = 5 * time.Second

func recoveryDelay(priorError string, k int) time.Duration {
	lower := strings.ToLower(priorError)
	switch {
	case strings.Contains(lower, "quota"):
		return recoveryBase * time.Duration(1<<uint(k+1))
	case strings.Contains(lower, "network") || strings.Contains(lower, "timeout"):
		return recoveryBase * time.Duration(k+1)
	default:
		return recoveryBase * time.Duration(1<<uint(k))
	}
}
