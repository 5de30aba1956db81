// Package ocr runs an external OCR engine against a single PDF.
//
// Engines write into a private temporary directory; the caller moves the
// result to its final location. A Result that is never published must be
// released with Cleanup.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/jackzampolin/autoocr/internal/fault"
)

// Engine names accepted in configuration.
const (
	EngineExec   = "exec"
	EngineDocker = "docker"
)

// tempPrefix marks engine scratch directories. The leading dot keeps them
// out of casual directory listings.
const tempPrefix = ".autoocr-"

// DefaultArgs are passed to ocrmypdf ahead of the input and output paths.
var DefaultArgs = []string{"--deskew", "--rotate-pages", "--force-ocr", "--quiet"}

// Engine turns a readable PDF into a searchable one.
type Engine interface {
	Name() string
	Run(ctx context.Context, src string) (*Result, error)
}

// Checker is implemented by engines that can verify their prerequisites
// before the first run.
type Checker interface {
	Check(ctx context.Context) error
}

// Result is a successfully produced searchable PDF in a temp directory.
type Result struct {
	Path     string
	Duration time.Duration
	Size     int64
	Pages    int

	dir string
}

// Cleanup removes the result's temp directory. It is safe to call after
// the file has been moved away.
func (r *Result) Cleanup() error {
	if r == nil || r.dir == "" {
		return nil
	}
	return os.RemoveAll(r.dir)
}

// ErrTimeout is wrapped by EngineError when a run exceeds its time limit.
var ErrTimeout = errors.New("ocr timed out")

// EngineError reports that the engine rejected or failed on a file. It is
// permanent for that file and is not retried.
type EngineError struct {
	Engine   string
	Source   string
	ExitCode int
	Output   string
	Err      error
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s failed on %s", e.Engine, filepath.Base(e.Source))
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Err }

// IsEngineError reports whether err is a permanent engine failure.
func IsEngineError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}

// exitFileAccess is ocrmypdf's status for "could not read input or write output".
const exitFileAccess = 5

// classifyExit turns an ocrmypdf exit status into an error. File access
// failures are storage problems and are retried; everything else is the
// engine refusing the document.
func classifyExit(engine, src string, code int, output string) error {
	ee := &EngineError{Engine: engine, Source: src, ExitCode: code, Output: output}
	if code == exitFileAccess {
		return fault.Transient("ocr", src, ee)
	}
	return ee
}

// newScratch creates a private temp directory under workDir. workDir should
// sit on the same filesystem as the output directory so the final move is a
// rename.
func newScratch(workDir string) (string, error) {
	if workDir == "" {
		workDir = os.TempDir()
	}
	dir, err := os.MkdirTemp(workDir, tempPrefix+"*")
	if err != nil {
		return "", fault.IO("mkdtemp", workDir, err)
	}
	return dir, nil
}

// verify checks that path is a parseable PDF with at least one page.
func verify(engine, src, path string) (int64, int, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, &EngineError{Engine: engine, Source: src, Err: errors.New("engine produced no output")}
		}
		return 0, 0, fault.IO("stat", path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fault.IO("open", path, err)
	}
	defer f.Close()

	pages, err := api.PageCount(f, nil)
	if err != nil {
		return 0, 0, &EngineError{Engine: engine, Source: src, Err: fmt.Errorf("invalid output pdf: %w", err)}
	}
	if pages == 0 {
		return 0, 0, &EngineError{Engine: engine, Source: src, Err: errors.New("output pdf has no pages")}
	}
	return info.Size(), pages, nil
}
