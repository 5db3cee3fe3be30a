// Package httpdrive is the production FileService implementation: a thin
// REST client against a Drive-like cloud file service, classifying HTTP
// responses into fileservice's closed error set.
//
// Adapted from internal/github/github.go's GitHubService in the teacher
// repo: a small struct wrapping an *http.Client and a base URL, one method
// per remote operation, JSON request/response bodies.
package httpdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"svg2pptx-batch/internal/fileservice"
)

const defaultUserAgent = "svg2pptx-batch-core/1.0"

// Service is an httpdrive-backed fileservice.Service.
type Service struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	logger     *log.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient overrides the default client (useful for tests).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates an httpdrive Service talking to baseURL with apiToken as a
// bearer credential.
func New(baseURL, apiToken string, opts ...Option) *Service {
	s := &Service{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type createFolderRequest struct {
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

type createFolderResponse struct {
	FolderID  string `json:"folder_id"`
	FolderURL string `json:"folder_url"`
}

func (s *Service) CreateFolder(ctx context.Context, name, parentID string) (*fileservice.FolderResult, error) {
	reqBody, err := json.Marshal(createFolderRequest{Name: name, ParentID: parentID})
	if err != nil {
		return nil, &fileservice.ClassifiedError{Err: err, Class: fileservice.ClassPermanentOther}
	}

	var out createFolderResponse
	if err := s.doJSON(ctx, http.MethodPost, "/folders", reqBody, &out); err != nil {
		return nil, err
	}
	return &fileservice.FolderResult{FolderID: out.FolderID, FolderURL: out.FolderURL}, nil
}

type uploadFileResponse struct {
	FileID      string `json:"file_id"`
	FileURL     string `json:"file_url"`
	DownloadURL string `json:"download_url,omitempty"`
}

func (s *Service) UploadFile(ctx context.Context, localPath, folderID, remoteName string) (*fileservice.UploadResult, error) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(map[string]string{
		"local_path":  localPath,
		"folder_id":   folderID,
		"remote_name": remoteName,
	}); err != nil {
		return nil, &fileservice.ClassifiedError{Err: err, Class: fileservice.ClassPermanentOther}
	}

	var out uploadFileResponse
	if err := s.doJSON(ctx, http.MethodPost, "/files", body.Bytes(), &out); err != nil {
		return nil, err
	}
	return &fileservice.UploadResult{
		FileID:      out.FileID,
		FileURL:     out.FileURL,
		DownloadURL: out.DownloadURL,
	}, nil
}

type requestPreviewResponse struct {
	PreviewURL   string `json:"preview_url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

func (s *Service) RequestPreview(ctx context.Context, fileID string) (*fileservice.PreviewResult, error) {
	var out requestPreviewResponse
	path := fmt.Sprintf("/files/%s/preview", fileID)
	if err := s.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &fileservice.PreviewResult{PreviewURL: out.PreviewURL, ThumbnailURL: out.ThumbnailURL}, nil
}

func (s *Service) TestConnection(ctx context.Context) (fileservice.ConnectionStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/ping", nil)
	if err != nil {
		return fileservice.ConnServiceError, err
	}
	s.applyHeaders(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fileservice.ConnServiceError, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return fileservice.ConnOK, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fileservice.ConnAuthError, fmt.Errorf("auth failed: status %d", resp.StatusCode)
	default:
		return fileservice.ConnServiceError, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

// doJSON issues an HTTP request with a JSON body (if non-nil) and decodes a
// JSON response into out, classifying any failure per spec §4.C.
func (s *Service) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return &fileservice.ClassifiedError{Err: err, Class: fileservice.ClassPermanentOther}
	}
	req.Header.Set("Content-Type", "application/json")
	s.applyHeaders(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &fileservice.ClassifiedError{Err: err, Class: fileservice.ClassTransient}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &fileservice.ClassifiedError{Err: err, Class: fileservice.ClassPermanentOther}
		}
		return nil
	}

	return s.classifyHTTPError(resp)
}

func (s *Service) classifyHTTPError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	errMsg := fmt.Errorf("httpdrive: status %d: %s", resp.StatusCode, string(bodyBytes))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &fileservice.ClassifiedError{Err: errMsg, Class: fileservice.ClassAuth}
	case http.StatusNotFound:
		return &fileservice.ClassifiedError{Err: errMsg, Class: fileservice.ClassNotFound}
	case http.StatusTooManyRequests:
		return s.classifyRateLimit(resp, errMsg)
	case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &fileservice.ClassifiedError{Err: errMsg, Class: fileservice.ClassTransient}
	default:
		if resp.StatusCode >= 500 {
			return &fileservice.ClassifiedError{Err: errMsg, Class: fileservice.ClassTransient}
		}
		return &fileservice.ClassifiedError{Err: errMsg, Class: fileservice.ClassPermanentOther}
	}
}

// classifyRateLimit distinguishes a plain rate_limited 429 from a
// quota_exceeded one using the X-Quota-Reason header a Drive-like service
// would set; falls back to rate_limited when absent.
func (s *Service) classifyRateLimit(resp *http.Response, errMsg error) error {
	reason := resp.Header.Get("X-Quota-Reason")
	if reason == "" {
		return &fileservice.ClassifiedError{Err: errMsg, Class: fileservice.ClassRateLimited}
	}

	quotaReason := fileservice.QuotaReason(reason)
	switch quotaReason {
	case fileservice.QuotaDailyLimit, fileservice.QuotaRateLimit, fileservice.QuotaUserRateLimit:
	default:
		quotaReason = fileservice.QuotaUnknown
	}
	return &fileservice.ClassifiedError{
		Err:         errMsg,
		Class:       fileservice.ClassQuotaExceeded,
		QuotaReason: quotaReason,
	}
}

func (s *Service) applyHeaders(req *http.Request) {
	req.Header.Set("User-Agent", defaultUserAgent)
	if s.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiToken)
	}
}
