// Package fileservice defines the FileService Adapter capability (spec
// §4.C): the narrow interface through which the core talks to the cloud
// file service, and the closed error classification that the Retry Engine
// and Rate Governor key their policies on.
package fileservice

import (
	"context"
	"errors"
)

// ErrorClass is the closed set of §4.C error classifications.
type ErrorClass string

const (
	ClassTransient      ErrorClass = "transient"
	ClassRateLimited     ErrorClass = "rate_limited"
	ClassQuotaExceeded   ErrorClass = "quota_exceeded"
	ClassAuth            ErrorClass = "auth"
	ClassNotFound        ErrorClass = "not_found"
	ClassPermanentOther  ErrorClass = "permanent_other"
)

// QuotaReason mirrors model.QuotaErrorReason without importing internal/model,
// keeping this package's public surface dependency-light (it is the
// outermost, most commonly mocked boundary).
type QuotaReason string

const (
	QuotaDailyLimit    QuotaReason = "daily_limit"
	QuotaRateLimit     QuotaReason = "rate_limit"
	QuotaUserRateLimit QuotaReason = "user_rate_limit"
	QuotaUnknown       QuotaReason = "unknown_quota"
)

// ClassifiedError wraps an underlying error with its closed classification,
// the way anilist/retry_handler.go's RetryableError wrapped errors with an
// ErrorType in the teacher repo.
type ClassifiedError struct {
	Err          error
	Class        ErrorClass
	QuotaReason  QuotaReason // only meaningful when Class == ClassQuotaExceeded
}

func (c *ClassifiedError) Error() string {
	if c.Err == nil {
		return string(c.Class)
	}
	return c.Err.Error()
}

func (c *ClassifiedError) Unwrap() error { return c.Err }

// Classify extracts a *ClassifiedError from err, defaulting to
// ClassPermanentOther when err carries no classification (a defensive
// fallback for adapters that return plain errors).
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return &ClassifiedError{Err: err, Class: ClassPermanentOther}
}

// FolderResult is returned by CreateFolder.
type FolderResult struct {
	FolderID  string
	FolderURL string
}

// UploadResult is returned by UploadFile.
type UploadResult struct {
	FileID      string
	FileURL     string
	DownloadURL string
}

// PreviewResult is returned by RequestPreview.
type PreviewResult struct {
	PreviewURL   string
	ThumbnailURL string
}

// ConnectionStatus is the closed result of TestConnection.
type ConnectionStatus string

const (
	ConnOK           ConnectionStatus = "ok"
	ConnAuthError    ConnectionStatus = "auth_error"
	ConnServiceError ConnectionStatus = "service_error"
)

// Service is the FileService Adapter capability of spec §4.C. Every method
// returns a *ClassifiedError (or an error satisfying errors.As into one) on
// failure so that callers — the Retry Engine in particular — can key policy
// off the closed classification without re-deriving it.
type Service interface {
	CreateFolder(ctx context.Context, name string, parentID string) (*FolderResult, error)
	UploadFile(ctx context.Context, localPath, folderID, remoteName string) (*UploadResult, error)
	RequestPreview(ctx context.Context, fileID string) (*PreviewResult, error)
	TestConnection(ctx context.Context) (ConnectionStatus, error)
}
