package testutil

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// Filesystem operations that FaultFs can fail.
const (
	OpOpen   = "open"
	OpStat   = "stat"
	OpRename = "rename"
)

// FaultFs wraps an afero.Fs and fails selected operations on selected file
// names, to simulate a flaky network mount. Faults are keyed by operation and
// base name; for Rename the destination name is used.
type FaultFs struct {
	afero.Fs

	mu     sync.Mutex
	faults map[string]*injected
	calls  map[string]int
}

type injected struct {
	remaining int // negative means fail forever
	err       error
}

// NewFaultFs wraps base.
func NewFaultFs(base afero.Fs) *FaultFs {
	return &FaultFs{
		Fs:     base,
		faults: make(map[string]*injected),
		calls:  make(map[string]int),
	}
}

// Inject makes the next times calls of op on name fail with err. A negative
// times fails every call.
func (f *FaultFs) Inject(op, name string, times int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[key(op, name)] = &injected{remaining: times, err: err}
}

// Calls returns how many times op was invoked on name.
func (f *FaultFs) Calls(op, name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key(op, name)]
}

func key(op, name string) string {
	return op + ":" + filepath.Base(name)
}

func (f *FaultFs) check(op, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(op, name)
	f.calls[k]++
	inj, ok := f.faults[k]
	if !ok || inj.remaining == 0 {
		return nil
	}
	if inj.remaining > 0 {
		inj.remaining--
	}
	return inj.err
}

func (f *FaultFs) Open(name string) (afero.File, error) {
	if err := f.check(OpOpen, name); err != nil {
		return nil, &os.PathError{Op: OpOpen, Path: name, Err: err}
	}
	return f.Fs.Open(name)
}

func (f *FaultFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if err := f.check(OpOpen, name); err != nil {
		return nil, &os.PathError{Op: OpOpen, Path: name, Err: err}
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func (f *FaultFs) Stat(name string) (os.FileInfo, error) {
	if err := f.check(OpStat, name); err != nil {
		return nil, &os.PathError{Op: OpStat, Path: name, Err: err}
	}
	return f.Fs.Stat(name)
}

func (f *FaultFs) Rename(oldname, newname string) error {
	if err := f.check(OpRename, newname); err != nil {
		return &os.LinkError{Op: OpRename, Old: oldname, New: newname, Err: err}
	}
	return f.Fs.Rename(oldname, newname)
}
