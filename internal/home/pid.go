package home

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned by AcquirePidFile when a live process
// already holds the pid file.
var ErrAlreadyRunning = errors.New("daemon already running")

// WritePidFile writes the current process ID to the given path.
func WritePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemovePidFile removes the PID file at the given path.
func RemovePidFile(path string) {
	_ = os.Remove(path)
}

// ReadPidFile reads the process ID from the given PID file.
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file contents: %w", err)
	}
	return pid, nil
}

// IsProcessAlive checks whether a process with the given PID is running.
func IsProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without sending a real signal.
	return proc.Signal(syscall.Signal(0)) == nil
}

// AcquirePidFile writes our pid to path unless another live process holds
// it. A stale file left by a crashed daemon is replaced. The returned
// function removes the file.
func AcquirePidFile(path string) (func(), error) {
	if pid, err := ReadPidFile(path); err == nil && pid != os.Getpid() && IsProcessAlive(pid) {
		return nil, fmt.Errorf("%w: pid %d (%s)", ErrAlreadyRunning, pid, path)
	}
	if err := WritePidFile(path); err != nil {
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}
	return func() { RemovePidFile(path) }, nil
}
