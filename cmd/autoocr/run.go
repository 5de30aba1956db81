package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/autoocr/internal/config"
	"github.com/jackzampolin/autoocr/internal/home"
	"github.com/jackzampolin/autoocr/internal/ledger"
	"github.com/jackzampolin/autoocr/internal/ocr"
	"github.com/jackzampolin/autoocr/internal/output"
	"github.com/jackzampolin/autoocr/internal/pipeline"
)

var runReport bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "OCR new PDFs from the input directory",
	Long: `Scan the input directory and OCR every PDF whose content has not been
processed before. The searchable copy of name.pdf is written to the output
directory as ocr_name.pdf and its content hash recorded in the ledger.

Without --daemon a single cycle runs and the command exits. With --daemon
cycles repeat every --interval seconds until interrupted; an OCR run in
progress gets --shutdown-timeout to finish.

The ledger is a SQLite file by default. A postgres:// or mysql:// URL
shares one ledger between several machines.

Examples:
  autoocr run --input-dir ~/Scans --output-dir ~/Scans/ocr
  autoocr run --input-dir in --output-dir out --dry-run --report
  autoocr run --input-dir in --output-dir out --daemon --watch
  autoocr run --input-dir in --output-dir out --engine docker`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, h, logger, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		cfg := mgr.Get()
		if cfg.InputDir == "" || cfg.OutputDir == "" {
			return errors.New("--input-dir and --output-dir are required")
		}

		// A dry run must leave the ledger exactly as it found it.
		led, err := ledger.Open(ctx, ledger.Config{DSN: cfg.Ledger, ReadOnly: cfg.DryRun, Logger: logger})
		if err != nil {
			return err
		}
		defer led.Close()

		engine, closeEngine, err := newEngine(cfg, logger)
		if err != nil {
			return err
		}
		defer closeEngine()

		// A dry run never invokes the engine, so a missing binary is fine.
		if !cfg.DryRun {
			if c, ok := engine.(ocr.Checker); ok {
				if err := c.Check(ctx); err != nil {
					return err
				}
			}
		}

		orch, err := pipeline.New(pipeline.Config{
			InputDir:        cfg.InputDir,
			OutputDir:       cfg.OutputDir,
			DryRun:          cfg.DryRun,
			Overwrite:       cfg.Overwrite,
			Settings:        settingsFrom(cfg),
			ShutdownTimeout: cfg.ShutdownTimeout,
			Watch:           cfg.Watch,
			WatchSettle:     cfg.WatchSettle,
			Logger:          logger,
		}, nil, led, engine)
		if err != nil {
			return err
		}
		if err := orch.Prepare(); err != nil {
			return err
		}

		logger.Info("starting",
			"input", cfg.InputDir,
			"output", cfg.OutputDir,
			"ledger", led.Backend(),
			"engine", engine.Name(),
			"dry_run", cfg.DryRun,
			"overwrite", cfg.Overwrite)

		if cfg.Daemon {
			return runDaemon(ctx, mgr, h, orch, cfg.InputDir, logger)
		}

		rep, err := orch.RunCycle(ctx)
		if runReport && rep != nil {
			if perr := output.Print(rep); perr != nil {
				return perr
			}
		}
		if err != nil && ctx.Err() == nil {
			return err
		}
		logger.Info("run complete",
			"recorded", rep.Count(pipeline.StateRecorded),
			"would_process", rep.Count(pipeline.StateWouldProcess),
			"deferred", rep.Count(pipeline.StateDeferred),
			"failed", rep.Failed(),
			"elapsed", rep.Finished.Sub(rep.Started).Round(time.Millisecond))
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.String("input-dir", "", "directory to scan for PDFs")
	f.String("output-dir", "", "directory for searchable copies")
	f.String("ledger", ledger.DefaultPath, "SQLite path or postgres:// / mysql:// URL")
	f.Bool("dry-run", false, "report decisions without running OCR or writing anything")
	f.Bool("overwrite", false, "replace existing outputs for files not yet in the ledger")
	f.Bool("daemon", false, "keep running, one cycle every --interval")
	f.Int("interval", int(pipeline.DefaultInterval/time.Second), "seconds between daemon cycles")
	f.Int("limit", pipeline.DefaultLimit, "files to process per cycle (0 = unlimited)")
	f.Int("retries", pipeline.DefaultRetries, "extra attempts after a transient fault")
	f.Int("retry-delay", int(pipeline.DefaultRetryDelay/time.Second), "seconds between attempts")
	f.Bool("watch", false, "in daemon mode, start a cycle as soon as new PDFs settle")
	f.String("engine", "exec", "OCR engine: exec (local ocrmypdf) or docker")
	f.Duration("ocr-timeout", ocr.DefaultTimeout, "maximum duration of one OCR run")
	f.Duration("shutdown-timeout", pipeline.DefaultShutdownTimeout, "how long an in-flight OCR run may finish after a stop signal")
	f.BoolVar(&runReport, "report", false, "print the cycle report (one-off runs only)")
}

func runDaemon(ctx context.Context, mgr *config.Manager, h *home.Dir, orch *pipeline.Orchestrator, inputDir string, logger *slog.Logger) error {
	if err := h.EnsureExists(); err != nil {
		return err
	}
	release, err := home.AcquirePidFile(h.PidPath(inputDir))
	if err != nil {
		return err
	}
	defer release()

	mgr.OnChange(func(c *config.Config) {
		orch.UpdateSettings(settingsFrom(c))
	})
	mgr.WatchConfig()

	return orch.Run(ctx)
}

func settingsFrom(cfg *config.Config) pipeline.Settings {
	return pipeline.Settings{
		Interval:   cfg.IntervalDuration(),
		Limit:      cfg.Limit,
		Retries:    cfg.Retries,
		RetryDelay: cfg.RetryDelayDuration(),
	}
}

// newEngine builds the configured OCR engine. Scratch output defaults to
// the output directory so publishing is a rename.
func newEngine(cfg *config.Config, logger *slog.Logger) (ocr.Engine, func(), error) {
	workDir := cfg.OCR.WorkDir
	if workDir == "" {
		workDir = cfg.OutputDir
	}

	switch cfg.OCR.Engine {
	case "exec":
		e := ocr.NewExecEngine(ocr.ExecConfig{
			Binary:  cfg.OCR.Binary,
			Args:    cfg.OCR.Args,
			WorkDir: workDir,
			Timeout: cfg.OCR.Timeout,
			Logger:  logger,
		})
		return e, func() {}, nil
	case "docker":
		e, err := ocr.NewDockerEngine(ocr.DockerConfig{
			Image:   cfg.OCR.Image,
			Args:    cfg.OCR.Args,
			WorkDir: workDir,
			Timeout: cfg.OCR.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return e, func() { _ = e.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown ocr engine %q", cfg.OCR.Engine)
	}
}
