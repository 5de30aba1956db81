package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/autoocr/internal/fault"
	"github.com/jackzampolin/autoocr/internal/scanner"
)

// Run repeats cycles until ctx is cancelled, pausing Settings().Interval
// between them. A directory fault skips the cycle; a ledger fault stops the
// loop and is returned. Cancellation is a clean stop and returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)

	g, gctx := errgroup.WithContext(ctx)
	if o.cfg.Watch {
		g.Go(func() error {
			o.watch(gctx, wake)
			return nil
		})
	}
	g.Go(func() error {
		return o.loop(gctx, wake)
	})

	err := g.Wait()
	if ctx.Err() != nil && (err == nil || errors.Is(err, ctx.Err())) {
		o.logger.Info("daemon stopped")
		return nil
	}
	return err
}

func (o *Orchestrator) loop(ctx context.Context, wake <-chan struct{}) error {
	o.logger.Info("daemon started",
		"input", o.cfg.InputDir,
		"output", o.cfg.OutputDir,
		"interval", o.Settings().Interval,
		"watch", o.cfg.Watch)

	for {
		rep, err := o.RunCycle(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case fault.IsDirectory(err):
			o.logger.Error("cycle skipped", "error", err)
		case err != nil:
			return err
		default:
			o.logSummary(rep)
		}

		interval := o.Settings().Interval
		o.logger.Debug("sleeping", "interval", interval)
		if err := Wait(ctx, interval, wake); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) logSummary(rep *Report) {
	if rep == nil || len(rep.Outcomes) == 0 {
		return
	}
	attrs := []any{"elapsed", rep.Finished.Sub(rep.Started).Round(time.Millisecond)}
	summary := rep.Summary()
	for _, state := range States {
		if n := summary[state]; n > 0 {
			attrs = append(attrs, string(state), n)
		}
	}
	o.logger.Info("cycle complete", attrs...)
}

// watch signals wake when PDFs in the input directory change and then stay
// quiet for WatchSettle. If the watcher cannot be set up the daemon falls
// back to polling alone.
func (o *Orchestrator) watch(ctx context.Context, wake chan<- struct{}) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		o.logger.Warn("file watcher unavailable, polling only", "error", err)
		return
	}
	defer w.Close()

	if err := w.Add(o.cfg.InputDir); err != nil {
		o.logger.Warn("cannot watch input directory, polling only", "dir", o.cfg.InputDir, "error", err)
		return
	}

	settle := time.NewTimer(o.cfg.WatchSettle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !scanner.IsPDF(filepath.Base(ev.Name)) {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			o.logger.Debug("input changed", "file", filepath.Base(ev.Name), "op", ev.Op.String())
			settle.Reset(o.cfg.WatchSettle)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			o.logger.Warn("file watcher error", "error", err)
		case <-settle.C:
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

// Wait blocks for d, returning early with nil when wake fires or with the
// context's error when ctx is done. A nil wake never fires.
func Wait(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	case <-wake:
		return nil
	}
}

// graceContext returns a context that outlives parent by grace. Work that
// must not be cut off the instant a shutdown begins runs under it.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}
