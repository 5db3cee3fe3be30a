// Package converter defines the Converter external collaborator contract
// (spec §6): the SVG→PPTX engine lives outside the core; only its call
// shape is specified here.
package converter

import "context"

// Options carries conversion parameters. EnableDebugTrace is always forced
// true by the Coordinator for batch jobs regardless of caller preference.
type Options struct {
	EnableDebugTrace bool
	Quality          string
	GeneratePreviews bool
}

// Result is returned by a successful Convert call.
type Result struct {
	Success        bool
	OutputPath     string
	PageCount      int
	OutputSizeByte int64
	DebugTrace     map[string]any
}

// Error carries the category + message a failed Convert call must report.
type Error struct {
	Message  string
	Category string
}

func (e *Error) Error() string { return e.Message }

// Converter is the interface the core calls; the real SVG→PPTX engine is
// out of scope (spec §1) and implements this elsewhere.
type Converter interface {
	Convert(ctx context.Context, inputPaths []string, outputPath string, opts Options) (*Result, error)
}

// Fake is a deterministic in-process Converter used by Coordinator tests.
// It never touches a filesystem encoder: it reports success for every call
// unless configured to fail.
type Fake struct {
	FailWith   *Error
	PageCount  int
	OutputSize int64
}

func (f *Fake) Convert(ctx context.Context, inputPaths []string, outputPath string, opts Options) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if f.FailWith != nil {
		return nil, f.FailWith
	}

	pageCount := f.PageCount
	if pageCount == 0 {
		pageCount = len(inputPaths)
	}

	return &Result{
		Success:        true,
		OutputPath:     outputPath,
		PageCount:      pageCount,
		OutputSizeByte: f.OutputSize,
		DebugTrace: map[string]any{
			"fake":        true,
			"input_count": len(inputPaths),
		},
	}, nil
}
