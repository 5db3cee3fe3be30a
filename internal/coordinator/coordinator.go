// Package coordinator implements the Workflow Coordinator (spec §4.G): the
// per-job state machine sequencing download, convert, upload, and
// finalization, with cooperative cancellation between stages.
//
// Adapted from collection/massive_processor.go's
// CollectionProcessor.processCollectionAsync in the teacher repo (sequential
// stage execution with a panic-recovering outer wrapper and a single
// completeJob exit point) and the stage order of
// original_source/core/batch/coordinator.py's coordinate_batch_workflow_clean_slate.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"svg2pptx-batch/internal/converter"
	"svg2pptx-batch/internal/downloader"
	"svg2pptx-batch/internal/fileservice"
	"svg2pptx-batch/internal/model"
	"svg2pptx-batch/internal/ratelimiter"
	"svg2pptx-batch/internal/retry"
	"svg2pptx-batch/internal/store"
	"svg2pptx-batch/internal/tracer"
	"svg2pptx-batch/internal/uploader"
)

// ErrJobNotFound mirrors the job_not_found entry in spec §7's taxonomy.
var ErrJobNotFound = errors.New("coordinator: job_not_found")

// ErrCancelled is surfaced when a job invocation is cancelled mid-run.
var ErrCancelled = errors.New("coordinator: cancelled")

// Config holds the environment/configuration defaults of spec §6.
type Config struct {
	MaxRequestsPerMinute int
	MaxConcurrentUploads int
	DownloadTimeout      time.Duration
	MaxDownloadSizeBytes int64
	UploadTimeout        time.Duration
	FolderPatternDefault string
	PreviewOnUpload      bool
	RetryMaxAttempts     int
	RetryBaseDelay       time.Duration
	DownloadRatePerSec   float64
	DownloadBaseDir      string
}

// DefaultConfig returns the recognized option defaults from spec §6.
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerMinute: 100,
		MaxConcurrentUploads: 10,
		DownloadTimeout:      30 * time.Second,
		MaxDownloadSizeBytes: 10 << 20,
		UploadTimeout:        120 * time.Second,
		FolderPatternDefault: "SVG2PPTX-Batches/{date}/batch-{job_id}/",
		PreviewOnUpload:      true,
		RetryMaxAttempts:     5,
		RetryBaseDelay:       time.Second,
	}
}

// RunOptions parameterizes one job invocation.
type RunOptions struct {
	URLs             []string
	ConversionQuality string
}

// Result is the full outcome of one Coordinator invocation.
type Result struct {
	JobID      string
	Success    bool
	Conversion *converter.Result
	Upload     *uploader.Result
	QuotaWait  bool // true when the upload stage stopped on a provider quota, not a terminal failure
	Err        error
}

// Coordinator is the Workflow Coordinator capability of spec §4.G.
type Coordinator struct {
	store      store.Store
	downloader *downloader.Downloader
	conv       converter.Converter
	svc        fileservice.Service
	cfg        Config
}

// New creates a Coordinator wiring the State Store, Downloader, Converter,
// and FileService together under cfg's defaults.
func New(st store.Store, dl *downloader.Downloader, conv converter.Converter, svc fileservice.Service, cfg Config) *Coordinator {
	return &Coordinator{store: st, downloader: dl, conv: conv, svc: svc, cfg: cfg}
}

// Run executes one job invocation end to end per the algorithm in spec
// §4.G. It checks ctx between every stage and inside the Uploader's remote
// calls; on cancellation it performs bounded cleanup (Governor slots are
// released by the Uploader's own defers) and leaves the Job `failed` with
// reason "cancelled".
func (c *Coordinator) Run(ctx context.Context, jobID string, opts RunOptions) (*Result, error) {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	rep := tracer.New(jobID)
	result := &Result{JobID: jobID}

	govState, err := model.GetRateLimiterState(job)
	if err != nil {
		return nil, err
	}
	if govState.MaxRequestsPerMinute == 0 {
		govState.MaxRequestsPerMinute = c.cfg.MaxRequestsPerMinute
	}
	if govState.MaxConcurrentUploads == 0 {
		govState.MaxConcurrentUploads = c.cfg.MaxConcurrentUploads
	}
	governor := ratelimiter.FromState(govState)
	engine := retry.New(governor, c.cfg.RetryMaxAttempts, c.cfg.RetryBaseDelay)

	job.Status = model.JobProcessing
	model.SetRateLimiterState(job, governor.State())
	if err := c.store.PutJob(job); err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		return c.failJob(job, rep, "cancelled", ErrCancelled)
	}

	rep.StartStage("download")
	dlReport, err := c.downloader.FetchAll(ctx, opts.URLs, downloader.Options{
		Timeout:      c.cfg.DownloadTimeout,
		MaxSizeBytes: c.cfg.MaxDownloadSizeBytes,
		JobID:        jobID,
	})
	rep.EndStage("download")
	if err != nil {
		return c.failJob(job, rep, "download_error", err)
	}
	if !dlReport.Success {
		rep.Report(tracer.SeverityHigh, tracer.CategoryValidation, "download", "fetch_all", "no inputs downloaded successfully", nil)
		return c.failJob(job, rep, "download_error", fmt.Errorf("no inputs downloaded successfully"))
	}

	if ctx.Err() != nil {
		return c.failJob(job, rep, "cancelled", ErrCancelled)
	}

	rep.StartStage("convert")
	outputPath := fmt.Sprintf("%s/%s.pptx", dlReport.TempDir, jobID)
	convResult, err := c.conv.Convert(ctx, dlReport.FilePaths, outputPath, converter.Options{
		EnableDebugTrace: true, // forced for batch jobs regardless of caller preference
		Quality:          opts.ConversionQuality,
		GeneratePreviews: c.cfg.PreviewOnUpload,
	})
	rep.EndStage("convert")
	if err != nil || convResult == nil || !convResult.Success {
		rep.Report(tracer.SeverityCritical, tracer.CategoryPackaging, "convert", "convert", errString(err), err)
		return c.failJob(job, rep, "conversion_error", err)
	}
	result.Conversion = convResult

	if !job.DriveIntegrationEnabled {
		job.Status = model.JobCompleted
		c.attachTrace(job, rep, convResult)
		if err := c.store.PutJob(job); err != nil {
			return nil, err
		}
		result.Success = true
		return result, nil
	}

	if ctx.Err() != nil {
		return c.failJob(job, rep, "cancelled", ErrCancelled)
	}

	job.Status = model.JobUploading
	job.DriveUploadStatus = model.DriveInProgress
	model.SetRateLimiterState(job, governor.State())
	if err := c.store.PutJob(job); err != nil {
		return nil, err
	}

	up := uploader.New(c.svc, c.store, engine, governor, c.cfg.PreviewOnUpload)

	rep.StartStage("upload")
	folder, err := up.EnsureFolder(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return c.failJob(job, rep, "cancelled", ErrCancelled)
		}
		rep.Report(tracer.SeverityHigh, tracer.CategoryUpload, "upload", "ensure_folder", err.Error(), err)
		job.Status = model.JobCompletedUploadFailed
		job.DriveUploadStatus = model.DriveFailed
		result.Err = err
		c.attachTrace(job, rep, convResult)
		c.store.PutJob(job)
		return result, nil
	}

	uploadResult, err := up.UploadAll(ctx, job, folder, dlReport.FilePaths)
	rep.EndStage("upload")
	if err != nil {
		rep.Report(tracer.SeverityHigh, tracer.CategoryUpload, "upload", "upload_all", err.Error(), err)
	}
	result.Upload = uploadResult

	if ctx.Err() != nil {
		return c.failJob(job, rep, "cancelled", ErrCancelled)
	}

	switch {
	case governor.State().QuotaExceeded:
		// Upload hit the provider's quota; the job stays uploading so a
		// later Recover call picks it back up once the quota resets,
		// rather than being marked failed outright.
		job.Status = model.JobUploading
		job.DriveUploadStatus = model.DriveQuotaWait
		result.Success = true
		result.QuotaWait = true
	case uploadResult != nil && uploadResult.SucceededN > 0:
		job.Status = model.JobCompleted
		job.DriveUploadStatus = model.DriveCompleted
		result.Success = true
	default:
		job.Status = model.JobCompletedUploadFailed
		job.DriveUploadStatus = model.DriveFailed
		result.Success = true // conversion succeeded; upload stage failed to make progress
	}

	model.SetRateLimiterState(job, governor.State())
	c.attachTrace(job, rep, convResult)
	if err := c.store.PutJob(job); err != nil {
		return nil, err
	}

	return result, nil
}

func (c *Coordinator) failJob(job *model.Job, rep *tracer.Reporter, errorType string, cause error) (*Result, error) {
	job.Status = model.JobFailed
	c.attachTrace(job, rep, nil)
	if err := c.store.PutJob(job); err != nil {
		return nil, err
	}
	return &Result{JobID: job.JobID, Success: false, Err: fmt.Errorf("%s: %w", errorType, cause)}, nil
}

func (c *Coordinator) attachTrace(job *model.Job, rep *tracer.Reporter, convResult *converter.Result) {
	tr := rep.Trace()
	if convResult != nil {
		tr.DebugTrace = convResult.DebugTrace
	}
	model.SetTrace(job, tr)
}

func errString(err error) string {
	if err == nil {
		return "conversion did not report success"
	}
	return err.Error()
}
