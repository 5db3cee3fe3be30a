// Package catbox is a fileservice.Service backend for catbox.moe, used in
// development and in tests where a real Drive credential is unavailable.
// Catbox has no folder or preview concept, so CreateFolder is a synthetic
// no-op and RequestPreview always reports permanent_other.
//
// Adapted from uploaders/catbox.go's CatboxUploader in the teacher repo: the
// circuit breaker and connection pool are kept, generalized to the
// fileservice.Service shape and wired for context cancellation; the
// hand-rolled exponential backoff loop is dropped in favor of the shared
// Retry Engine, which already owns that policy for every backend.
package catbox

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/wabarc/go-catbox"

	"svg2pptx-batch/internal/fileservice"
)

// CircuitState is the closed set of circuit breaker states.
type CircuitState int32

const (
	Closed CircuitState = iota
	Open
	HalfOpen
)

// CircuitBreaker trips after maxFailures consecutive failures and resets
// itself after timeout, the same policy as the teacher's CircuitBreaker.
type CircuitBreaker struct {
	maxFailures  int32
	timeout      time.Duration
	failureCount int32
	lastFailTime time.Time
	state        CircuitState
	mu           sync.Mutex
}

func NewCircuitBreaker(maxFailures int32, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{maxFailures: maxFailures, timeout: timeout, state: Closed}
}

// Allow reports whether a call may proceed, flipping Open->HalfOpen once the
// timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if time.Since(cb.lastFailTime) > cb.timeout {
			cb.state = HalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.state = Closed
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailTime = time.Now()
	if cb.failureCount >= cb.maxFailures {
		cb.state = Open
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Service is a catbox-backed fileservice.Service.
type Service struct {
	client         *catbox.Catbox
	circuitBreaker *CircuitBreaker

	mu              sync.Mutex
	totalRequests   int64
	successRequests int64
	failedRequests  int64
}

// New creates a catbox Service with a connection-pooled HTTP client and a
// circuit breaker tripping after 10 consecutive failures and letting a call
// through again once 60 seconds have passed since the last failure,
// matching the teacher's defaults.
func New() *Service {
	httpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   50,
			IdleConnTimeout:       120 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			MaxConnsPerHost:       100,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
	return &Service{
		client:         catbox.New(httpClient),
		circuitBreaker: NewCircuitBreaker(10, 60*time.Second),
	}
}

// CreateFolder has no catbox analog; it returns a synthetic folder id scoped
// to the caller-supplied name so the uploader's folder-hierarchy bookkeeping
// has something stable to key on.
func (s *Service) CreateFolder(ctx context.Context, name, parentID string) (*fileservice.FolderResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return &fileservice.FolderResult{
		FolderID:  "catbox:" + name,
		FolderURL: "",
	}, nil
}

func (s *Service) UploadFile(ctx context.Context, localPath, folderID, remoteName string) (*fileservice.UploadResult, error) {
	if !s.circuitBreaker.Allow() {
		return nil, &fileservice.ClassifiedError{
			Err:   fmt.Errorf("catbox: circuit breaker open"),
			Class: fileservice.ClassTransient,
		}
	}

	s.mu.Lock()
	s.totalRequests++
	s.mu.Unlock()

	done := make(chan struct{})
	var url string
	var err error
	go func() {
		url, err = s.client.Upload(localPath)
		close(done)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}

	if err != nil {
		s.circuitBreaker.RecordFailure()
		s.mu.Lock()
		s.failedRequests++
		s.mu.Unlock()
		return nil, classifyUploadErr(err)
	}

	s.circuitBreaker.RecordSuccess()
	s.mu.Lock()
	s.successRequests++
	s.mu.Unlock()

	return &fileservice.UploadResult{
		FileID:      remoteName,
		FileURL:     url,
		DownloadURL: url,
	}, nil
}

// RequestPreview always fails: catbox serves raw files with no derived
// preview or thumbnail rendering.
func (s *Service) RequestPreview(ctx context.Context, fileID string) (*fileservice.PreviewResult, error) {
	return nil, &fileservice.ClassifiedError{
		Err:   fmt.Errorf("catbox: preview generation is not supported"),
		Class: fileservice.ClassPermanentOther,
	}
}

func (s *Service) TestConnection(ctx context.Context) (fileservice.ConnectionStatus, error) {
	if s.circuitBreaker.State() == Open {
		return fileservice.ConnServiceError, fmt.Errorf("catbox: circuit breaker open")
	}
	return fileservice.ConnOK, nil
}

// classifyUploadErr has no HTTP status to inspect (go-catbox swallows it),
// so every upload failure is treated as transient: catbox has no documented
// quota or auth concept, and failures observed in practice are network
// hiccups or moderation rejections that a retry resolves or a human must.
func classifyUploadErr(err error) error {
	return &fileservice.ClassifiedError{Err: err, Class: fileservice.ClassTransient}
}

// Metrics returns a point-in-time snapshot for operator dashboards.
func (s *Service) Metrics() (total, success, failed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalRequests, s.successRequests, s.failedRequests
}
