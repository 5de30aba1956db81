// Package ledger persists the content hashes of files that have been OCR'd.
//
// The ledger is append-only: rows are inserted once per successfully
// processed file and never updated. The unique index on file_hash is the
// single authority on whether a content fingerprint has been processed;
// callers may pre-check with Contains to avoid wasted work, but only Insert
// decides.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

// DefaultPath is the ledger location used when none is configured,
// relative to the working directory.
const DefaultPath = "processed_files.db"

var (
	// ErrDuplicateHash is returned by Insert when a record with the same
	// file hash already exists.
	ErrDuplicateHash = errors.New("file hash already recorded")

	// ErrLedger marks failures of the backing store itself.
	ErrLedger = errors.New("ledger unavailable")

	// ErrNotFound is returned by Get when no record matches.
	ErrNotFound = errors.New("record not found")

	// ErrReadOnly is returned by Insert on a ledger opened read-only.
	ErrReadOnly = errors.New("ledger is read-only")
)

// Record is one successfully processed file.
type Record struct {
	ID          string    `json:"id" yaml:"id"`
	Filename    string    `json:"filename" yaml:"filename"`
	InputDir    string    `json:"input_dir" yaml:"input_dir"`
	OutputDir   string    `json:"output_dir" yaml:"output_dir"`
	FileHash    string    `json:"file_hash" yaml:"file_hash"`
	InputSize   int64     `json:"input_size" yaml:"input_size"`
	OutputSize  int64     `json:"output_size" yaml:"output_size"`
	Duration    float64   `json:"duration" yaml:"duration"` // OCR wall-clock seconds
	ProcessedAt time.Time `json:"processed_at" yaml:"processed_at"`
}

// Config configures a ledger connection.
type Config struct {
	// DSN is a file path (SQLite) or a postgres:// or mysql:// URL.
	DSN string
	// ReadOnly opens the store without creating or migrating anything.
	// A store that does not exist yet reads as an empty ledger.
	ReadOnly bool
	Logger   *slog.Logger
}

// Ledger is the persistent record store.
type Ledger struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger

	readOnly bool
	// empty is set for a read-only ledger whose store has no records table.
	// db is nil when the SQLite file does not exist.
	empty bool
	// columns is the schema of a read-only ledger, which may predate the
	// current one. Nil otherwise.
	columns columnSet

	newID func() (string, error)
	now   func() time.Time
}

// Open connects to the store described by cfg and initializes its schema,
// unless cfg.ReadOnly is set. The returned Ledger must be closed by the
// caller.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.DSN == "" {
		cfg.DSN = DefaultPath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d, dsn, err := resolveDSN(cfg.DSN, cfg.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedger, err)
	}

	l := &Ledger{
		dialect:  d,
		logger:   cfg.Logger,
		readOnly: cfg.ReadOnly,
		newID:    newRecordID,
		now:      func() time.Time { return time.Now().UTC() },
	}

	if cfg.ReadOnly && d.name == sqliteDialect.name {
		if _, err := os.Stat(sqlitePath(cfg.DSN)); errors.Is(err, os.ErrNotExist) {
			l.empty = true
			l.logger.Debug("ledger does not exist yet, reading as empty", "path", sqlitePath(cfg.DSN))
			return l, nil
		}
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrLedger, d.name, err)
	}
	if d.name == sqliteDialect.name {
		// One writer keeps SQLite away from SQLITE_BUSY under WAL.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrLedger, d.name, err)
	}
	l.db = db

	if cfg.ReadOnly {
		cols, err := l.existingColumns(ctx)
		if err != nil {
			db.Close()
			return nil, err
		}
		l.columns = cols
		l.empty = len(cols) == 0
	} else if err := l.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	l.logger.Debug("ledger opened", "backend", d.name, "read_only", cfg.ReadOnly)
	return l, nil
}

// newRecordID returns a UUIDv7, which sorts by creation time.
func newRecordID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Backend returns the name of the storage backend in use.
func (l *Ledger) Backend() string {
	return l.dialect.name
}

// Contains reports whether a record with the given hash exists.
func (l *Ledger) Contains(ctx context.Context, hash string) (bool, error) {
	if l.empty {
		return false, nil
	}
	var one int
	err := l.db.QueryRowContext(ctx,
		l.dialect.rebind(`SELECT 1 FROM processed_files WHERE file_hash = ? LIMIT 1`),
		hash,
	).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("%w: lookup %s: %w", ErrLedger, hash, err)
	}
	return true, nil
}

// Insert appends rec, assigning its ID and ProcessedAt. It returns
// ErrDuplicateHash if the hash is already present.
func (l *Ledger) Insert(ctx context.Context, rec Record) (Record, error) {
	if rec.FileHash == "" {
		return Record{}, errors.New("record has no file hash")
	}
	if l.readOnly {
		return Record{}, ErrReadOnly
	}

	id, err := l.newID()
	if err != nil {
		return Record{}, fmt.Errorf("%w: generate id: %w", ErrLedger, err)
	}
	rec.ID = id
	rec.ProcessedAt = l.now()

	const q = `INSERT INTO processed_files
(id, filename, input_dir, output_dir, file_hash, input_size, output_size, duration, processed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = l.db.ExecContext(ctx, l.dialect.rebind(q),
		rec.ID, rec.Filename, rec.InputDir, rec.OutputDir, rec.FileHash,
		rec.InputSize, rec.OutputSize, rec.Duration, rec.ProcessedAt,
	)
	if err != nil {
		if l.dialect.isUnique(err) {
			return Record{}, fmt.Errorf("%w: %s", ErrDuplicateHash, rec.FileHash)
		}
		return Record{}, fmt.Errorf("%w: insert %s: %w", ErrLedger, rec.Filename, err)
	}
	return rec, nil
}

// Get returns the record for hash, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, hash string) (Record, error) {
	if l.empty {
		return Record{}, ErrNotFound
	}
	row := l.db.QueryRowContext(ctx,
		l.dialect.rebind(`SELECT `+l.columns.selectList()+` FROM processed_files WHERE file_hash = ?`),
		hash,
	)
	rec, err := scanRecord(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Record{}, ErrNotFound
	case err != nil:
		return Record{}, fmt.Errorf("%w: get %s: %w", ErrLedger, hash, err)
	}
	return rec, nil
}

// ListOptions bounds a List query.
type ListOptions struct {
	Limit  int // 0 means no limit
	Offset int
}

// List returns records newest first.
func (l *Ledger) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	if l.empty {
		return nil, nil
	}
	q := `SELECT ` + l.columns.selectList() + ` FROM processed_files ORDER BY processed_at DESC, id DESC`
	var args []any
	if opts.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := l.db.QueryContext(ctx, l.dialect.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrLedger, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: list: %w", ErrLedger, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrLedger, err)
	}
	return records, nil
}

// Count returns the number of records.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	if l.empty {
		return 0, nil
	}
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %w", ErrLedger, err)
	}
	return n, nil
}

// Stats summarizes the ledger.
type Stats struct {
	Backend     string  `json:"backend" yaml:"backend"`
	Records     int     `json:"records" yaml:"records"`
	InputBytes  int64   `json:"input_bytes" yaml:"input_bytes"`
	OutputBytes int64   `json:"output_bytes" yaml:"output_bytes"`
	OCRSeconds  float64 `json:"ocr_seconds" yaml:"ocr_seconds"`
}

// Stats aggregates record counts, byte totals and OCR time.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	s := Stats{Backend: l.dialect.name}
	if l.empty {
		return s, nil
	}

	q := fmt.Sprintf(`SELECT COUNT(*), COALESCE(SUM(%s), 0), COALESCE(SUM(%s), 0), COALESCE(SUM(%s), 0)
FROM processed_files`, l.columns.expr("input_size"), l.columns.expr("output_size"), l.columns.expr("duration"))
	if err := l.db.QueryRowContext(ctx, q).Scan(&s.Records, &s.InputBytes, &s.OutputBytes, &s.OCRSeconds); err != nil {
		return Stats{}, fmt.Errorf("%w: stats: %w", ErrLedger, err)
	}
	return s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec        Record
		inputSize  sql.NullInt64
		outputSize sql.NullInt64
		duration   sql.NullFloat64
		processed  sql.NullTime
	)
	if err := row.Scan(
		&rec.ID, &rec.Filename, &rec.InputDir, &rec.OutputDir, &rec.FileHash,
		&inputSize, &outputSize, &duration, &processed,
	); err != nil {
		return Record{}, err
	}
	rec.ProcessedAt = processed.Time
	rec.InputSize = inputSize.Int64
	rec.OutputSize = outputSize.Int64
	rec.Duration = duration.Float64
	return rec, nil
}
