// Package uploader implements the Uploader (spec §4.F): folder-hierarchy
// creation and bounded-parallel upload of converted outputs, writing
// per-file FileMeta transitions through the Store as it goes.
//
// Adapted from internal/upload/batch.go's BatchUploader in the teacher
// repo: the worker-pool-over-a-job-queue shape is kept (sized here from the
// Rate Governor's live concurrency budget instead of a fixed maxWorkers),
// the WebSocket progress broadcast is replaced by FileMeta/Store writes,
// and the hand-rolled retry loop is replaced by the shared Retry Engine.
package uploader

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"svg2pptx-batch/internal/fileservice"
	"svg2pptx-batch/internal/model"
	"svg2pptx-batch/internal/ratelimiter"
	"svg2pptx-batch/internal/retry"
	"svg2pptx-batch/internal/store"
)

// MaxSummaryErrors bounds the number of per-file errors surfaced in a
// Result, per spec §4.F "bounded to first 5 errors in summary".
const MaxSummaryErrors = 5

// FileOutcome is the per-file result of one UploadAll call.
type FileOutcome struct {
	OriginalFilename string
	Uploaded         bool
	FileID           string
	FileURL          string
	PreviewURL       string
	Err              error
}

// Result aggregates one UploadAll call. Success iff at least one file
// uploaded (spec §4.F item 5); sibling failures never cancel the batch.
type Result struct {
	Outcomes      []FileOutcome
	SucceededN    int
	FailedN       int
	SummaryErrors []string
}

// Uploader is the Uploader capability of spec §4.F.
type Uploader struct {
	svc             fileservice.Service
	store           store.Store
	engine          *retry.Engine
	governor        *ratelimiter.Governor
	requestPreviews bool
}

// New creates an Uploader. requestPreviews controls whether step 4.d
// (preview requests) runs after each successful upload.
func New(svc fileservice.Service, st store.Store, engine *retry.Engine, governor *ratelimiter.Governor, requestPreviews bool) *Uploader {
	return &Uploader{svc: svc, store: st, engine: engine, governor: governor, requestPreviews: requestPreviews}
}

// EnsureFolder creates the job's output folder hierarchy if none exists yet,
// resolving folder_pattern tokens at call time (not at job creation), per
// the Open Question decision recorded in DESIGN.md. Each '/'-separated
// segment is created inside the previous one, serially and retry-wrapped
// through the Engine; the last segment's folder is persisted as FolderMeta.
func (u *Uploader) EnsureFolder(ctx context.Context, job *model.Job) (*model.FolderMeta, error) {
	if existing, err := u.store.GetFolderMeta(job.JobID); err == nil {
		return existing, nil
	}

	name := resolveFolderPattern(job.FolderPattern, job.JobID)

	var result *fileservice.FolderResult
	parentID := ""
	for _, segment := range strings.Split(strings.Trim(name, "/"), "/") {
		callErr := u.engine.Call(ctx, func(ctx context.Context) error {
			r, err := u.svc.CreateFolder(ctx, segment, parentID)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
		if callErr != nil {
			return nil, fmt.Errorf("uploader: create folder: %w", callErr)
		}
		parentID = result.FolderID
	}

	meta := &model.FolderMeta{
		JobID:     job.JobID,
		FolderID:  result.FolderID,
		FolderURL: result.FolderURL,
	}
	if err := u.store.PutFolderMeta(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// resolveFolderPattern expands {date} and {job_id} tokens in pattern. An
// empty pattern falls back to the bare job id.
func resolveFolderPattern(pattern, jobID string) string {
	if pattern == "" {
		return jobID
	}
	name := strings.ReplaceAll(pattern, "{job_id}", jobID)
	name = strings.ReplaceAll(name, "{date}", time.Now().UTC().Format("2006-01-02"))
	return name
}

// UploadAll uploads every file in filePaths into folder, with a worker pool
// sized from the Rate Governor's current concurrency budget. Re-running
// UploadAll on a job whose FileMetas are all already completed performs
// zero FileService calls.
func (u *Uploader) UploadAll(ctx context.Context, job *model.Job, folder *model.FolderMeta, filePaths []string) (*Result, error) {
	poolSize := u.governor.State().MaxConcurrentUploads
	if poolSize < 1 {
		poolSize = 1
	}

	outcomes := make([]FileOutcome, len(filePaths))
	sem := make(chan struct{}, poolSize)
	var wg sync.WaitGroup

	for i, localPath := range filePaths {
		wg.Add(1)
		go func(index int, path string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[index] = u.uploadOne(ctx, job, folder, path, index)
		}(i, localPath)
	}
	wg.Wait()

	result := &Result{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Uploaded {
			result.SucceededN++
			continue
		}
		result.FailedN++
		if o.Err != nil && len(result.SummaryErrors) < MaxSummaryErrors {
			result.SummaryErrors = append(result.SummaryErrors, fmt.Sprintf("%s: %v", o.OriginalFilename, o.Err))
		}
	}
	return result, nil
}

func (u *Uploader) uploadOne(ctx context.Context, job *model.Job, folder *model.FolderMeta, localPath string, index int) FileOutcome {
	originalFilename := filepath.Base(localPath)
	outcome := FileOutcome{OriginalFilename: originalFilename}

	if existing, err := u.store.GetFileMeta(job.JobID, originalFilename); err == nil && existing.UploadStatus == model.UploadCompleted {
		outcome.Uploaded = true
		outcome.FileID = existing.FileID
		outcome.FileURL = existing.FileURL
		outcome.PreviewURL = existing.PreviewURL
		return outcome
	}

	now := time.Now().UTC()
	meta := &model.FileMeta{
		JobID:            job.JobID,
		OriginalFilename: originalFilename,
		UploadStatus:     model.UploadInProgress,
		UpdatedAt:        now,
	}
	if err := u.store.PutFileMeta(meta); err != nil {
		outcome.Err = err
		return outcome
	}

	opID := job.JobID + ":" + strconv.Itoa(index)
	if err := u.governor.Admit(ctx, ratelimiter.KindUpload, opID); err != nil {
		meta.UploadStatus = model.UploadFailed
		meta.UploadError = err.Error()
		u.store.PutFileMeta(meta)
		outcome.Err = err
		return outcome
	}
	defer u.governor.Release(opID)

	var uploadResult *fileservice.UploadResult
	callErr := u.engine.Call(ctx, func(ctx context.Context) error {
		r, err := u.svc.UploadFile(ctx, localPath, folder.FolderID, originalFilename)
		if err != nil {
			return err
		}
		uploadResult = r
		return nil
	})

	if callErr != nil {
		meta.UploadStatus = model.UploadFailed
		meta.UploadError = callErr.Error()
		u.store.PutFileMeta(meta)
		outcome.Err = callErr
		return outcome
	}

	meta.UploadStatus = model.UploadCompleted
	meta.FileID = uploadResult.FileID
	meta.FileURL = uploadResult.FileURL
	u.store.PutFileMeta(meta)

	outcome.Uploaded = true
	outcome.FileID = uploadResult.FileID
	outcome.FileURL = uploadResult.FileURL

	if u.requestPreviews {
		var preview *fileservice.PreviewResult
		previewErr := u.engine.Call(ctx, func(ctx context.Context) error {
			p, err := u.svc.RequestPreview(ctx, uploadResult.FileID)
			if err != nil {
				return err
			}
			preview = p
			return nil
		})
		if previewErr == nil {
			meta.PreviewURL = preview.PreviewURL
			u.store.PutFileMeta(meta)
			outcome.PreviewURL = preview.PreviewURL
		}
		// Preview failure is non-fatal for file status, per spec §4.F.4.d.
	}

	return outcome
}
