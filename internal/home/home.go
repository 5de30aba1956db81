// Package home resolves the autoocr home directory (~/.autoocr), which
// holds the default config file and daemon pid files.
package home

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the autoocr home directory.
	DefaultDirName = ".autoocr"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// RunDirName is the subdirectory for pid files.
	RunDirName = "run"
)

// Dir represents the autoocr home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.autoocr).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// RunPath returns the directory holding pid files.
func (d *Dir) RunPath() string {
	return filepath.Join(d.path, RunDirName)
}

// PidPath returns the pid file for a daemon watching inputDir. Each input
// directory gets its own file so daemons on different directories don't
// block each other.
func (d *Dir) PidPath(inputDir string) string {
	if abs, err := filepath.Abs(inputDir); err == nil {
		inputDir = abs
	}
	sum := sha256.Sum256([]byte(inputDir))
	return filepath.Join(d.RunPath(), "autoocr-"+hex.EncodeToString(sum[:])[:8]+".pid")
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	// Creating the run directory also creates the parent.
	if err := os.MkdirAll(d.RunPath(), 0o755); err != nil {
		return fmt.Errorf("failed to create home directory: %w", err)
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
