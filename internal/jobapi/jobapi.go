// Package jobapi exposes the job ingress surface of spec §6: enqueue and
// progress, the only two entry points external callers use. Everything else
// (Coordinator, Runner, Store) is an internal collaborator behind this.
package jobapi

import (
	"context"
	"errors"
	"fmt"

	"svg2pptx-batch/internal/coordinator"
	"svg2pptx-batch/internal/model"
	"svg2pptx-batch/internal/runner"
	"svg2pptx-batch/internal/store"
)

// ErrJobNotFound mirrors coordinator.ErrJobNotFound for callers that only
// import jobapi.
var ErrJobNotFound = errors.New("jobapi: job_not_found")

// ErrValidation covers bad enqueue input: spec §7's validation_error.
var ErrValidation = errors.New("jobapi: validation_error")

// API is the job ingress capability of spec §6.
type API struct {
	store store.Store
	exec  runner.Executor
}

// New creates an API backed by st (for Progress and existence checks) and
// exec (for Enqueue).
func New(st store.Store, exec runner.Executor) *API {
	return &API{store: st, exec: exec}
}

// EnqueueOptions carries the caller-supplied options for one enqueue call.
type EnqueueOptions struct {
	ConversionQuality string
}

// Enqueue validates that job_id refers to an existing Job, then submits a
// Coordinator invocation for it via the Runner. It does not create the Job:
// Job creation is the caller's responsibility before calling Enqueue (spec
// §3: job_id is "supplied by the caller").
func (a *API) Enqueue(ctx context.Context, jobID string, filePathsOrURLs []string, opts EnqueueOptions) (<-chan runner.Outcome, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: job_id is required", ErrValidation)
	}
	if len(filePathsOrURLs) == 0 {
		return nil, fmt.Errorf("%w: at least one file path or URL is required", ErrValidation)
	}

	if _, err := a.store.GetJob(jobID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	inv := runner.Invocation{
		JobID: jobID,
		Options: coordinator.RunOptions{
			URLs:              filePathsOrURLs,
			ConversionQuality: opts.ConversionQuality,
		},
	}
	out, err := a.exec.Submit(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("jobapi: enqueue %s: %w", jobID, err)
	}
	return out, nil
}

// Progress is the { total, completed, failed, pending, percent } view of
// spec §6, computed from FileMeta counts.
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Pending   int     `json:"pending"`
	Percent   float64 `json:"percent"`
}

// Progress computes the current progress snapshot for jobID from its
// FileMeta rows. A Job with zero FileMeta rows yet (not started, or still in
// the download/convert stages before any upload attempt) reports total=0,
// percent=0.
func (a *API) Progress(jobID string) (*Progress, error) {
	if _, err := a.store.GetJob(jobID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	files, err := a.store.ListFileMeta(jobID)
	if err != nil {
		return nil, err
	}

	p := &Progress{Total: len(files)}
	for _, f := range files {
		switch f.UploadStatus {
		case model.UploadCompleted:
			p.Completed++
		case model.UploadFailed:
			p.Failed++
		default: // pending, in_progress
			p.Pending++
		}
	}
	if p.Total > 0 {
		p.Percent = float64(p.Completed+p.Failed) / float64(p.Total) * 100
	}
	return p, nil
}
