package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jackzampolin/autoocr/internal/fault"
	"github.com/jackzampolin/autoocr/internal/ledger"
	"github.com/jackzampolin/autoocr/internal/testutil"
)

// resetFlags returns every flag in the tree to its default, since the
// command tree is package state shared by all tests.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// execute runs the CLI as main does. A non-nil error means exit status 1.
func execute(t *testing.T, args ...string) error {
	t.Helper()
	resetFlags(rootCmd)
	rootCmd.SetArgs(append([]string{"--home", t.TempDir(), "--log-level", "error"}, args...))
	return rootCmd.ExecuteContext(context.Background())
}

type runDirs struct {
	in, out, ledger string
}

func newRunDirs(t *testing.T) runDirs {
	t.Helper()
	root := t.TempDir()
	d := runDirs{
		in:     filepath.Join(root, "in"),
		out:    filepath.Join(root, "out"),
		ledger: filepath.Join(root, "processed_files.db"),
	}
	if err := os.Mkdir(d.in, 0o755); err != nil {
		t.Fatal(err)
	}
	testutil.WriteFile(t, d.in, "a.pdf", testutil.MinimalPDF("a"))
	return d
}

func (d runDirs) args(extra ...string) []string {
	return append([]string{"run", "--input-dir", d.in, "--output-dir", d.out, "--ledger", d.ledger}, extra...)
}

// fakeOCR points the exec engine at a script that copies its input to its
// output.
func fakeOCR(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	script := "#!/bin/sh\nfor a; do in=\"$out\"; out=\"$a\"; done\ncp \"$in\" \"$out\"\n"
	path := filepath.Join(t.TempDir(), "ocrmypdf")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUTOOCR_OCR_BINARY", path)
}

func ledgerCount(t *testing.T, path string) int {
	t.Helper()
	l, err := ledger.Open(context.Background(), ledger.Config{DSN: path, ReadOnly: true})
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	defer l.Close()
	n, err := l.Count(context.Background())
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	return n
}

func TestRun_OneOff(t *testing.T) {
	fakeOCR(t)
	d := newRunDirs(t)

	if err := execute(t, d.args()...); err != nil {
		t.Fatalf("run error = %v, want exit 0", err)
	}
	if names := testutil.ListDir(t, d.out); len(names) != 1 || names[0] != "ocr_a.pdf" {
		t.Errorf("output dir = %v, want [ocr_a.pdf]", names)
	}
	if n := ledgerCount(t, d.ledger); n != 1 {
		t.Errorf("ledger count = %d, want 1", n)
	}

	// A second run finds nothing new and still exits cleanly.
	if err := execute(t, d.args()...); err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if n := ledgerCount(t, d.ledger); n != 1 {
		t.Errorf("ledger count after rerun = %d, want 1", n)
	}
}

func TestRun_DryRunLeavesNoState(t *testing.T) {
	d := newRunDirs(t)

	if err := execute(t, d.args("--dry-run", "--report")...); err != nil {
		t.Fatalf("dry run error = %v", err)
	}
	if _, err := os.Stat(d.ledger); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("dry run created the ledger, stat err = %v", err)
	}
	if _, err := os.Stat(d.out); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("dry run created the output dir, stat err = %v", err)
	}
}

func TestRun_StartupFaults(t *testing.T) {
	t.Run("missing input dir", func(t *testing.T) {
		d := newRunDirs(t)
		d.in = filepath.Join(d.in, "missing")
		err := execute(t, d.args("--dry-run")...)
		if !fault.IsDirectory(err) {
			t.Errorf("run error = %v, want directory fault", err)
		}
	})

	t.Run("unusable ledger", func(t *testing.T) {
		d := newRunDirs(t)
		d.ledger = t.TempDir()
		err := execute(t, d.args()...)
		if !errors.Is(err, ledger.ErrLedger) {
			t.Errorf("run error = %v, want ledger fault", err)
		}
	})

	t.Run("directories required", func(t *testing.T) {
		if err := execute(t, "run"); err == nil {
			t.Error("run without directories succeeded")
		}
	})
}

func TestLedgerCommands_ReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed_files.db")

	for _, args := range [][]string{
		{"ledger", "stats", "--ledger", path},
		{"ledger", "list", "--ledger", path},
		// list's --limit is a page size, not the per-cycle limit, so a
		// value the cycle limit would reject is fine here.
		{"ledger", "list", "--limit", "-1", "--ledger", path},
	} {
		if err := execute(t, args...); err != nil {
			t.Errorf("%v error = %v", args, err)
		}
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ledger commands created the ledger, stat err = %v", err)
	}
}
