// Package downloader implements the Downloader (spec §4.B): fetching a list
// of SVG URLs into a per-job temp directory, validating content, bounding
// size, and reporting per-URL errors without failing the whole batch.
//
// Grounded on buildkite-agent's agent/download.go Download type: a struct
// wrapping *http.Client, humanize-formatted size logging, and a dedicated
// User-Agent header. Each URL is fetched once; there is no retry here.
// Sequential fetch loop and filename derivation have no teacher analog and
// are built fresh from spec §4.B.
package downloader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"
)

const (
	userAgent        = "svg2pptx-batch-core/1.0"
	sniffWindowBytes = 1024
	maxFilenameLen   = 50
)

var filenameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// ErrorReason is the closed set of per-URL download failure reasons.
type ErrorReason string

const (
	ReasonHTTPError ErrorReason = "http_error"
	ReasonSizeLimit ErrorReason = "size_limit"
	ReasonNotSVG    ErrorReason = "not_svg"
)

// URLError records why one URL in the batch failed to download.
type URLError struct {
	URL    string
	Reason ErrorReason
	Detail string
}

func (e *URLError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.URL, e.Detail, e.Reason)
}

// Report is the outcome of one FetchAll call.
type Report struct {
	Success   bool
	FilePaths []string
	Errors    []*URLError
	TempDir   string
}

// Options configures a FetchAll call.
type Options struct {
	Timeout      time.Duration
	MaxSizeBytes int64
	JobID        string
}

// Downloader fetches SVG inputs under a shared rate limit, grounded on the
// teacher's Download type but generalized to a batch of URLs sharing one
// temp directory.
type Downloader struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *log.Logger
	baseDir    string
}

// New creates a Downloader pacing outbound requests at ratePerSecond
// (0 disables pacing) and rooting temp directories under baseDir (the OS
// temp dir if empty).
func New(ratePerSecond float64, baseDir string) *Downloader {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &Downloader{
		httpClient: &http.Client{},
		limiter:    limiter,
		logger:     log.Default(),
		baseDir:    baseDir,
	}
}

// FetchAll downloads every URL in order into a fresh per-job temp directory.
// success is true iff at least one URL downloaded successfully; otherwise
// the temp directory is removed before returning.
func (d *Downloader) FetchAll(ctx context.Context, urls []string, opts Options) (*Report, error) {
	tempDir, err := os.MkdirTemp(d.baseDir, tempDirPrefix(opts.JobID))
	if err != nil {
		return nil, fmt.Errorf("downloader: create temp dir: %w", err)
	}

	report := &Report{TempDir: tempDir}

	for i, url := range urls {
		select {
		case <-ctx.Done():
			os.RemoveAll(tempDir)
			return nil, ctx.Err()
		default:
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				os.RemoveAll(tempDir)
				return nil, ctx.Err()
			}
		}

		path, urlErr := d.fetchOne(ctx, url, i, tempDir, opts)
		if urlErr != nil {
			report.Errors = append(report.Errors, urlErr)
			continue
		}
		report.FilePaths = append(report.FilePaths, path)
	}

	report.Success = len(report.FilePaths) > 0
	if !report.Success {
		os.RemoveAll(tempDir)
		report.TempDir = ""
	}
	return report, nil
}

func tempDirPrefix(jobID string) string {
	if jobID == "" {
		return "svg2pptx-batch-"
	}
	return fmt.Sprintf("svg2pptx-batch-%s-", jobID)
}

func (d *Downloader) fetchOne(ctx context.Context, url string, index int, tempDir string, opts Options) (string, *URLError) {
	reqCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", &URLError{URL: url, Reason: ReasonHTTPError, Detail: err.Error()}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", &URLError{URL: url, Reason: ReasonHTTPError, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &URLError{URL: url, Reason: ReasonHTTPError, Detail: resp.Status}
	}

	maxSize := opts.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = 10 << 20 // 10 MiB default ceiling
	}

	limited := io.LimitReader(resp.Body, maxSize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return "", &URLError{URL: url, Reason: ReasonHTTPError, Detail: err.Error()}
	}
	if int64(len(body)) > maxSize {
		return "", &URLError{URL: url, Reason: ReasonSizeLimit, Detail: fmt.Sprintf("exceeds %s", humanize.IBytes(uint64(maxSize)))}
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "xml") && !strings.Contains(strings.ToLower(contentType), "svg") {
		d.logger.Printf("downloader: %s: unexpected content-type %q, proceeding", url, contentType)
	}

	sniff := body
	if len(sniff) > sniffWindowBytes {
		sniff = sniff[:sniffWindowBytes]
	}
	if !bytes.Contains(bytes.ToLower(sniff), []byte("<svg")) {
		return "", &URLError{URL: url, Reason: ReasonNotSVG, Detail: "missing <svg marker in first kilobyte"}
	}

	filename := deriveFilename(url, index)
	destPath := filepath.Join(tempDir, filename)
	if err := os.WriteFile(destPath, body, 0o644); err != nil {
		return "", &URLError{URL: url, Reason: ReasonHTTPError, Detail: err.Error()}
	}

	d.logger.Printf("downloader: fetched %s -> %s (%s)", url, filename, humanize.IBytes(uint64(len(body))))
	return destPath, nil
}

// deriveFilename derives a deterministic, filesystem-safe name from the
// URL's path stem per spec §4.B: NFC-normalize, strip to [A-Za-z0-9_-],
// truncate to 50 chars, suffix with index, extension .svg. An empty stem
// falls back to file_{index}.
func deriveFilename(rawURL string, index int) string {
	stem := path.Base(rawURL)
	if ext := path.Ext(stem); ext != "" {
		stem = strings.TrimSuffix(stem, ext)
	}
	stem = norm.NFC.String(stem)
	stem = filenameSanitizer.ReplaceAllString(stem, "")
	if len(stem) > maxFilenameLen {
		stem = stem[:maxFilenameLen]
	}
	if stem == "" {
		stem = fmt.Sprintf("file_%d", index)
	}
	return fmt.Sprintf("%s_%d.svg", stem, index)
}
