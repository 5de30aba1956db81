// Package scanner finds PDF candidates in a directory and fingerprints
// their content.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"iter"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/jackzampolin/autoocr/internal/fault"
)

var errNotDir = errors.New("not a directory")

// Candidate is a PDF discovered by a scan. It is not persisted.
type Candidate struct {
	Path string `json:"path" yaml:"path"`
	Name string `json:"name" yaml:"name"`
	Hash string `json:"hash" yaml:"hash"`
	Size int64  `json:"size" yaml:"size"`
}

// Scanner lists PDFs in a single directory. It holds no state between
// scans, so re-scanning an unchanged directory yields the same candidates.
type Scanner struct {
	fs  afero.Fs
	dir string
}

// New returns a Scanner for dir on fs. A nil fs means the OS filesystem.
func New(fs afero.Fs, dir string) *Scanner {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Scanner{fs: fs, dir: dir}
}

// Dir returns the directory being scanned.
func (s *Scanner) Dir() string {
	return s.dir
}

// IsPDF reports whether name has a .pdf extension, ignoring case.
func IsPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

// List returns the PDF entries of the directory in name order, without
// reading their content. A missing or unreadable directory is a
// directory fault.
func (s *Scanner) List() ([]Candidate, error) {
	info, err := s.fs.Stat(s.dir)
	if err != nil {
		return nil, fault.Directory("stat", s.dir, err)
	}
	if !info.IsDir() {
		return nil, fault.Directory("stat", s.dir, errNotDir)
	}

	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fault.Directory("readdir", s.dir, err)
	}

	var out []Candidate
	for _, e := range entries {
		if e.IsDir() || !IsPDF(e.Name()) {
			continue
		}
		out = append(out, Candidate{
			Path: filepath.Join(s.dir, e.Name()),
			Name: e.Name(),
			Size: e.Size(),
		})
	}
	return out, nil
}

// Scan lists the directory and hashes each PDF lazily as the sequence is
// consumed. A directory fault is yielded once with a zero Candidate and ends
// the sequence. A per-file hashing failure is yielded alongside the
// candidate (Path and Name set) and scanning continues with the next file.
func (s *Scanner) Scan(ctx context.Context) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		entries, err := s.List()
		if err != nil {
			yield(Candidate{}, err)
			return
		}

		for _, c := range entries {
			if err := ctx.Err(); err != nil {
				yield(Candidate{}, err)
				return
			}
			hash, size, err := s.Hash(ctx, c.Path)
			if err == nil {
				c.Hash = hash
				c.Size = size
			}
			if !yield(c, err) {
				return
			}
		}
	}
}

// Hash streams the file at path through SHA-256 and returns the hex digest
// and the number of bytes read. Read failures are classified with
// fault.IO so flaky-mount errors can be retried.
func (s *Scanner) Hash(ctx context.Context, path string) (string, int64, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return "", 0, fault.IO("open", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, &ctxReader{ctx: ctx, r: f})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", 0, ctxErr
		}
		return "", 0, fault.IO("read", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// ctxReader stops a long hash when the context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
