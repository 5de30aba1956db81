package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultBinary is the OCR command looked up on PATH.
const DefaultBinary = "ocrmypdf"

// DefaultTimeout bounds a single OCR run.
const DefaultTimeout = 30 * time.Minute

// ExecConfig configures an ExecEngine.
type ExecConfig struct {
	// Binary is the OCR executable (default: ocrmypdf).
	Binary string
	// Args precede the input and output paths (default: DefaultArgs).
	Args []string
	// WorkDir is where scratch directories are created. It should be on the
	// same filesystem as the output directory.
	WorkDir string
	// Timeout bounds one run (default: 30m).
	Timeout time.Duration
	// KillDelay is how long the process gets after an interrupt before it
	// is killed (default: 10s).
	KillDelay time.Duration
	Logger    *slog.Logger
}

// ExecEngine runs a local OCR binary as a subprocess:
//
//	<binary> <args...> <input.pdf> <scratch>/<input.pdf>
type ExecEngine struct {
	cfg ExecConfig
}

// NewExecEngine returns an engine that shells out to cfg.Binary.
func NewExecEngine(cfg ExecConfig) *ExecEngine {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.Args == nil {
		cfg.Args = DefaultArgs
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.KillDelay <= 0 {
		cfg.KillDelay = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ExecEngine{cfg: cfg}
}

// Name identifies the engine in logs.
func (e *ExecEngine) Name() string {
	return filepath.Base(e.cfg.Binary)
}

// Check verifies the binary can be found.
func (e *ExecEngine) Check(ctx context.Context) error {
	if _, err := exec.LookPath(e.cfg.Binary); err != nil {
		return fmt.Errorf("ocr binary %q not found: %w", e.cfg.Binary, err)
	}
	return nil
}

// Run OCRs src into a fresh scratch directory.
func (e *ExecEngine) Run(ctx context.Context, src string) (*Result, error) {
	dir, err := newScratch(e.cfg.WorkDir)
	if err != nil {
		return nil, err
	}
	res := &Result{dir: dir, Path: filepath.Join(dir, filepath.Base(src))}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	args := append(append([]string{}, e.cfg.Args...), src, res.Path)
	cmd := exec.CommandContext(runCtx, e.cfg.Binary, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = e.cfg.KillDelay

	e.cfg.Logger.Debug("running ocr", "engine", e.Name(), "file", filepath.Base(src))
	start := time.Now()
	output, err := cmd.CombinedOutput()
	res.Duration = time.Since(start)

	if err != nil {
		res.Cleanup()
		return nil, e.runError(ctx, runCtx, src, output, err)
	}

	size, pages, err := verify(e.Name(), src, res.Path)
	if err != nil {
		res.Cleanup()
		return nil, err
	}
	res.Size = size
	res.Pages = pages
	return res, nil
}

func (e *ExecEngine) runError(ctx, runCtx context.Context, src string, output []byte, err error) error {
	out := strings.TrimSpace(string(output))
	switch {
	case ctx.Err() != nil:
		// Shutdown, not a verdict on the document.
		return ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return &EngineError{Engine: e.Name(), Source: src, Output: out, Err: fmt.Errorf("%w after %s", ErrTimeout, e.cfg.Timeout)}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return classifyExit(e.Name(), src, exitErr.ExitCode(), out)
	}
	return &EngineError{Engine: e.Name(), Source: src, Output: out, Err: err}
}
