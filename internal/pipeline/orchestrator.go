// Package pipeline drives scan, dedup and OCR cycles over an input
// directory.
//
// A cycle lists and fingerprints every PDF in the input directory, decides
// for each whether it needs OCR, runs the engine on at most Limit of them,
// publishes each result into the output directory with an atomic rename,
// and records its content hash in the ledger. The ledger's uniqueness
// constraint is the authority on what has been processed; the pre-check in
// decide only saves engine time.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/afero"

	"github.com/jackzampolin/autoocr/internal/fault"
	"github.com/jackzampolin/autoocr/internal/ledger"
	"github.com/jackzampolin/autoocr/internal/ocr"
	"github.com/jackzampolin/autoocr/internal/scanner"
)

// OutputPrefix is prepended to the source name to form the output name.
const OutputPrefix = "ocr_"

// Defaults applied by the CLI.
const (
	DefaultInterval        = 60 * time.Second
	DefaultLimit           = 5
	DefaultRetries         = 3
	DefaultRetryDelay      = 5 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultWatchSettle     = 2 * time.Second
)

var errNotDir = errors.New("not a directory")

// Ledger is the subset of the ledger the orchestrator needs.
type Ledger interface {
	Contains(ctx context.Context, hash string) (bool, error)
	Insert(ctx context.Context, rec ledger.Record) (ledger.Record, error)
}

// Settings are the knobs that may change between cycles.
type Settings struct {
	// Interval is the pause between daemon cycles.
	Interval time.Duration
	// Limit caps process decisions executed per cycle. Zero or less means
	// no cap.
	Limit int
	// Retries is the number of extra attempts after a transient fault.
	Retries    int
	RetryDelay time.Duration
}

// Config configures an Orchestrator.
type Config struct {
	InputDir  string
	OutputDir string
	DryRun    bool
	Overwrite bool

	Settings

	// ShutdownTimeout is how long an in-flight OCR run may continue after
	// the run context is cancelled.
	ShutdownTimeout time.Duration
	// Watch wakes the daemon early on input directory changes.
	Watch bool
	// WatchSettle is how long the input directory must be quiet after a
	// change before a cycle starts.
	WatchSettle time.Duration

	Logger *slog.Logger
}

// Orchestrator runs cycles. It is safe to call UpdateSettings while Run is
// active; cycles themselves never overlap.
type Orchestrator struct {
	cfg     Config
	fs      afero.Fs
	scanner *scanner.Scanner
	ledger  Ledger
	engine  ocr.Engine
	logger  *slog.Logger

	mu       sync.Mutex
	settings Settings
	cycle    sync.Mutex
}

// New creates an Orchestrator. A nil fs means the OS filesystem.
func New(cfg Config, fs afero.Fs, l Ledger, engine ocr.Engine) (*Orchestrator, error) {
	if cfg.InputDir == "" {
		return nil, errors.New("input directory is required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	if l == nil {
		return nil, errors.New("ledger is required")
	}
	if engine == nil {
		return nil, errors.New("ocr engine is required")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.WatchSettle <= 0 {
		cfg.WatchSettle = DefaultWatchSettle
	}

	return &Orchestrator{
		cfg:      cfg,
		fs:       fs,
		scanner:  scanner.New(fs, cfg.InputDir),
		ledger:   l,
		engine:   engine,
		logger:   cfg.Logger,
		settings: normalize(cfg.Settings),
	}, nil
}

func normalize(s Settings) Settings {
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	if s.Retries < 0 {
		s.Retries = 0
	}
	if s.RetryDelay < 0 {
		s.RetryDelay = 0
	}
	return s
}

// Settings returns the settings the next cycle will use.
func (o *Orchestrator) Settings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// UpdateSettings replaces the settings used by subsequent cycles.
func (o *Orchestrator) UpdateSettings(s Settings) {
	s = normalize(s)
	o.mu.Lock()
	old := o.settings
	o.settings = s
	o.mu.Unlock()

	if old != s {
		o.logger.Info("settings updated",
			"interval", s.Interval,
			"limit", s.Limit,
			"retries", s.Retries,
			"retry_delay", s.RetryDelay)
	}
}

// Prepare validates the directories before the first cycle. The input
// directory must exist. The output directory is created unless this is a
// dry run.
func (o *Orchestrator) Prepare() error {
	if err := o.checkDir(o.cfg.InputDir); err != nil {
		return err
	}
	if o.cfg.DryRun {
		return nil
	}
	if err := o.fs.MkdirAll(o.cfg.OutputDir, 0o755); err != nil {
		return fault.Directory("mkdir", o.cfg.OutputDir, err)
	}
	return o.checkDir(o.cfg.OutputDir)
}

func (o *Orchestrator) checkDir(dir string) error {
	info, err := o.fs.Stat(dir)
	if err != nil {
		return fault.Directory("stat", dir, err)
	}
	if !info.IsDir() {
		return fault.Directory("stat", dir, errNotDir)
	}
	return nil
}

// OutputPath returns where the searchable copy of name is published.
func (o *Orchestrator) OutputPath(name string) string {
	return filepath.Join(o.cfg.OutputDir, OutputPrefix+name)
}

// RunCycle performs one scan, decide and process pass. Per-file failures
// are reported in the Report and never abort the cycle. The returned error
// is a directory fault, a ledger fault, or the context's error.
func (o *Orchestrator) RunCycle(ctx context.Context) (*Report, error) {
	o.cycle.Lock()
	defer o.cycle.Unlock()

	s := o.Settings()
	rep := &Report{
		InputDir:  o.cfg.InputDir,
		OutputDir: o.cfg.OutputDir,
		DryRun:    o.cfg.DryRun,
		Limit:     s.Limit,
		Started:   time.Now(),
	}
	defer func() { rep.Finished = time.Now() }()

	if !o.cfg.DryRun {
		if err := o.checkDir(o.cfg.OutputDir); err != nil {
			return rep, err
		}
	}

	work, err := o.decideAll(ctx, s, rep)
	if err != nil {
		return rep, err
	}

	scanned := len(rep.Outcomes) + len(work)
	if scanned == 0 {
		o.logger.Info("no pdf files found", "dir", o.cfg.InputDir)
		return rep, nil
	}
	if len(work) == 0 {
		o.logger.Info("no new files to process", "scanned", scanned)
		return rep, nil
	}

	take := len(work)
	if s.Limit > 0 && take > s.Limit {
		take = s.Limit
	}
	o.logger.Info("found new files",
		"new", len(work),
		"processing", take,
		"limit", s.Limit,
		"dry_run", o.cfg.DryRun)

	for i, c := range work {
		if i >= take {
			o.logger.Debug("deferred to next cycle", "file", c.Name)
			rep.add(outcomeFor(c, DecisionProcess, StateDeferred))
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if o.cfg.DryRun {
			o.logger.Info("would process", "file", c.Name, "output", o.OutputPath(c.Name))
			rep.add(outcomeFor(c, DecisionProcess, StateWouldProcess))
			continue
		}
		out, err := o.process(ctx, s, c)
		rep.add(out)
		if err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// decideAll scans the input directory and classifies every candidate.
// Skips and per-file failures are added to rep; process decisions are
// returned in listing order. Within a cycle only the first of several
// byte-identical files is selected.
func (o *Orchestrator) decideAll(ctx context.Context, s Settings, rep *Report) ([]scanner.Candidate, error) {
	var work []scanner.Candidate
	selected := make(map[string]string)

	for c, err := range o.scanner.Scan(ctx) {
		if err != nil {
			if fault.IsDirectory(err) {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var out Outcome
			c, out, err = o.rehash(ctx, s, c, err)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				rep.add(out)
				continue
			}
		}

		if first, ok := selected[c.Hash]; ok {
			o.logger.Info("skipping duplicate content", "file", c.Name, "same_as", first, "hash", short(c.Hash))
			rep.add(outcomeFor(c, DecisionSkipLedger, StateSkippedLedger))
			continue
		}

		d, err := o.decide(ctx, c)
		if err != nil {
			if ledgerFault(err) || ctx.Err() != nil {
				return nil, err
			}
			out := outcomeFor(c, "", "")
			out.fail(failureState(err), err)
			o.logger.Error("failed to classify file", "file", c.Name, "error", err)
			rep.add(out)
			continue
		}

		switch d {
		case DecisionSkipLedger:
			o.logger.Debug("already processed", "file", c.Name, "hash", short(c.Hash))
			rep.add(outcomeFor(c, d, StateSkippedLedger))
		case DecisionSkipOutputExists:
			o.logger.Info("output exists, skipping", "file", c.Name, "output", o.OutputPath(c.Name))
			rep.add(outcomeFor(c, d, StateSkippedOutputExists))
		default:
			selected[c.Hash] = c.Name
			work = append(work, c)
		}
	}
	return work, ctx.Err()
}

// decide classifies a hashed candidate.
func (o *Orchestrator) decide(ctx context.Context, c scanner.Candidate) (Decision, error) {
	seen, err := o.ledger.Contains(ctx, c.Hash)
	if err != nil {
		return "", err
	}
	if seen {
		return DecisionSkipLedger, nil
	}

	if !o.cfg.Overwrite {
		exists, err := o.outputExists(c.Name)
		if err != nil {
			return "", err
		}
		if exists {
			return DecisionSkipOutputExists, nil
		}
	}
	return DecisionProcess, nil
}

func (o *Orchestrator) outputExists(name string) (bool, error) {
	path := o.OutputPath(name)
	_, err := o.fs.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, afero.ErrFileNotFound):
		return false, nil
	default:
		return false, fault.IO("stat", path, err)
	}
}

// rehash retries a fingerprint that failed during the scan.
func (o *Orchestrator) rehash(ctx context.Context, s Settings, c scanner.Candidate, scanErr error) (scanner.Candidate, Outcome, error) {
	attempts := 1
	err := scanErr
	if fault.IsTransient(err) && s.Retries > 0 {
		o.logger.Warn("transient read failure, retrying",
			"file", c.Name, "attempt", attempts, "error", err)
		if werr := Wait(ctx, s.RetryDelay, nil); werr != nil {
			return c, Outcome{}, werr
		}
		err = retry.Do(func() error {
			attempts++
			hash, size, err := o.scanner.Hash(ctx, c.Path)
			if err != nil {
				return err
			}
			c.Hash, c.Size = hash, size
			return nil
		}, o.retryOptions(ctx, uint(s.Retries), s.RetryDelay, c.Name)...)
	}
	if err == nil {
		return c, Outcome{}, nil
	}

	out := outcomeFor(c, "", "")
	out.Attempts = attempts
	out.fail(failureState(err), err)
	o.logger.Error("failed to read file", "file", c.Name, "attempts", attempts, "error", err)
	return c, out, err
}

// process runs OCR on a candidate, publishes the result and records it.
// Only a context error is returned; everything else is in the Outcome.
func (o *Orchestrator) process(ctx context.Context, s Settings, c scanner.Candidate) (Outcome, error) {
	out := outcomeFor(c, DecisionProcess, "")
	dest := o.OutputPath(c.Name)
	o.logger.Info("processing", "file", c.Name, "hash", short(c.Hash), "size", c.Size)

	stepCtx, cancel := graceContext(ctx, o.cfg.ShutdownTimeout)
	defer cancel()

	var pub published
	err := retry.Do(func() error {
		out.Attempts++
		var err error
		pub, err = o.publish(stepCtx, c, dest)
		return err
	}, o.retryOptions(ctx, uint(s.Retries)+1, s.RetryDelay, c.Name)...)

	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			o.logger.Warn("processing abandoned on shutdown", "file", c.Name)
			out.fail(StateFailedFinal, ctx.Err())
			return out, ctx.Err()
		}
		out.fail(failureState(err), err)
		o.logger.Error("processing failed",
			"file", c.Name,
			"attempts", out.Attempts,
			"state", out.State,
			"error", err)
		return out, nil
	}

	out.Output = dest
	out.OutputSize = pub.size
	out.Duration = pub.duration

	// The output is already public, so the commit runs to completion even
	// during shutdown.
	commitCtx := context.WithoutCancel(ctx)
	rec, err := o.ledger.Insert(commitCtx, ledger.Record{
		Filename:   c.Name,
		InputDir:   o.cfg.InputDir,
		OutputDir:  o.cfg.OutputDir,
		FileHash:   c.Hash,
		InputSize:  c.Size,
		OutputSize: pub.size,
		Duration:   pub.duration.Seconds(),
	})
	switch {
	case errors.Is(err, ledger.ErrDuplicateHash):
		o.logger.Warn("hash recorded concurrently, keeping existing record",
			"file", c.Name, "hash", short(c.Hash))
		out.State = StateRecorded
		out.Duplicate = true
	case err != nil:
		o.logger.Error("output written but not recorded; manual reconciliation required",
			"file", c.Name,
			"output", dest,
			"hash", c.Hash,
			"inconsistent", true,
			"error", err)
		out.fail(StateInconsistent, err)
	default:
		o.logger.Info("processed",
			"file", c.Name,
			"output", dest,
			"id", rec.ID,
			"duration", pub.duration.Round(time.Millisecond),
			"input_size", c.Size,
			"output_size", pub.size)
		out.State = StateRecorded
	}
	return out, nil
}

type published struct {
	size     int64
	duration time.Duration
}

// publish runs the engine and moves its result to dest. The scratch
// directory is always removed.
func (o *Orchestrator) publish(ctx context.Context, c scanner.Candidate, dest string) (published, error) {
	res, err := o.engine.Run(ctx, c.Path)
	if err != nil {
		return published{}, err
	}
	defer res.Cleanup()

	if err := o.fs.Rename(res.Path, dest); err != nil {
		return published{}, fault.IO("rename", dest, err)
	}

	size := res.Size
	if info, err := o.fs.Stat(dest); err == nil {
		size = info.Size()
	}
	return published{size: size, duration: res.Duration}, nil
}

// retryOptions builds the fixed-delay policy used for transient faults.
// attempts must be at least one; retry-go treats zero as unlimited.
func (o *Orchestrator) retryOptions(ctx context.Context, attempts uint, delay time.Duration, name string) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(fault.IsTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			o.logger.Warn("transient failure, retrying",
				"file", name,
				"attempt", n+1,
				"of", attempts,
				"delay", delay,
				"error", err)
		}),
	}
}

// failureState maps a per-file error to its terminal state.
func failureState(err error) State {
	if fault.IsTransient(err) {
		return StateFailedFinal
	}
	return StateFailedPermanent
}

func ledgerFault(err error) bool {
	return errors.Is(err, ledger.ErrLedger)
}

func outcomeFor(c scanner.Candidate, d Decision, s State) Outcome {
	return Outcome{Name: c.Name, Hash: c.Hash, Size: c.Size, Decision: d, State: s}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
