package ledger

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), Config{DSN: filepath.Join(t.TempDir(), "ledger.db")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func testRecord(name, hash string) Record {
	return Record{
		Filename:   name,
		InputDir:   "/in",
		OutputDir:  "/out",
		FileHash:   hash,
		InputSize:  1024,
		OutputSize: 2048,
		Duration:   1.5,
	}
}

func TestOpen_Idempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := Open(ctx, Config{DSN: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := l.Insert(ctx, testRecord("a.pdf", "hash-a")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := l.Init(ctx); err != nil {
		t.Fatalf("second Init() error = %v", err)
	}
	l.Close()

	// Reopening runs Init again against the existing store.
	l, err = Open(ctx, Config{DSN: "sqlite://" + path})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer l.Close()

	n, err := l.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
	if l.Backend() != "sqlite" {
		t.Errorf("Backend() = %q, want sqlite", l.Backend())
	}
}

func TestOpen_UnusableStore(t *testing.T) {
	// A directory cannot be opened as a database file.
	_, err := Open(context.Background(), Config{DSN: t.TempDir()})
	if err == nil {
		t.Fatal("expected error opening a directory as ledger")
	}
	if !errors.Is(err, ErrLedger) {
		t.Errorf("expected ErrLedger, got %v", err)
	}
}

func TestLedger_InsertAndContains(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	ok, err := l.Contains(ctx, "hash-a")
	if err != nil {
		t.Fatalf("Contains() error = %v", err)
	}
	if ok {
		t.Fatal("Contains() = true on empty ledger")
	}

	rec, err := l.Insert(ctx, testRecord("a.pdf", "hash-a"))
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	id, err := uuid.Parse(rec.ID)
	if err != nil {
		t.Fatalf("record ID %q is not a UUID: %v", rec.ID, err)
	}
	if id.Version() != 7 {
		t.Errorf("record ID version = %d, want 7", id.Version())
	}
	if rec.ProcessedAt.IsZero() {
		t.Error("ProcessedAt not set")
	}

	ok, err = l.Contains(ctx, "hash-a")
	if err != nil {
		t.Fatalf("Contains() error = %v", err)
	}
	if !ok {
		t.Error("Contains() = false after Insert")
	}

	got, err := l.Get(ctx, "hash-a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != rec.ID || got.Filename != "a.pdf" || got.InputSize != 1024 || got.OutputSize != 2048 {
		t.Errorf("Get() = %+v, want fields of %+v", got, rec)
	}
	if got.Duration != 1.5 {
		t.Errorf("Duration = %v, want 1.5", got.Duration)
	}
}

func TestLedger_GetMissing(t *testing.T) {
	l := openTestLedger(t)
	if _, err := l.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestLedger_DuplicateHash(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if _, err := l.Insert(ctx, testRecord("a.pdf", "hash-x")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	// Same content under a different name is still a duplicate.
	_, err := l.Insert(ctx, testRecord("b.pdf", "hash-x"))
	if !errors.Is(err, ErrDuplicateHash) {
		t.Fatalf("Insert() error = %v, want ErrDuplicateHash", err)
	}
	if errors.Is(err, ErrLedger) {
		t.Errorf("duplicate should not be reported as a store failure: %v", err)
	}

	n, _ := l.Count(ctx)
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestLedger_InsertRequiresHash(t *testing.T) {
	l := openTestLedger(t)
	if _, err := l.Insert(context.Background(), testRecord("a.pdf", "")); err == nil {
		t.Error("expected error for empty hash")
	}
}

// TestLedger_ConcurrentCommitSameHash exercises two logically concurrent
// commits of the same content: exactly one row must survive.
func TestLedger_ConcurrentCommitSameHash(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	const writers = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		duplicates int
		others     []error
	)

	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := l.Insert(ctx, testRecord("copy.pdf", "hash-race"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrDuplicateHash):
				duplicates++
			default:
				others = append(others, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if len(others) > 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if successes != 1 {
		t.Errorf("successes = %d, want 1", successes)
	}
	if duplicates != writers-1 {
		t.Errorf("duplicates = %d, want %d", duplicates, writers-1)
	}
	n, _ := l.Count(ctx)
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestLedger_ListAndStats(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	for _, h := range []string{"h1", "h2", "h3"} {
		if _, err := l.Insert(ctx, testRecord(h+".pdf", h)); err != nil {
			t.Fatalf("Insert(%s) error = %v", h, err)
		}
	}

	all, err := l.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List() len = %d, want 3", len(all))
	}
	if all[0].FileHash != "h3" || all[2].FileHash != "h1" {
		t.Errorf("List() order = %s,%s,%s, want newest first", all[0].FileHash, all[1].FileHash, all[2].FileHash)
	}
	if !all[0].ProcessedAt.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("ProcessedAt = %v, want %v", all[0].ProcessedAt, base.Add(3*time.Minute))
	}

	page, err := l.List(ctx, ListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List(limit) error = %v", err)
	}
	if len(page) != 1 || page[0].FileHash != "h2" {
		t.Errorf("List(limit=1, offset=1) = %+v, want h2", page)
	}

	s, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if s.Records != 3 || s.InputBytes != 3072 || s.OutputBytes != 6144 || s.OCRSeconds != 4.5 {
		t.Errorf("Stats() = %+v", s)
	}
}

// TestOpen_MigratesLegacySchema opens a ledger written before the directory
// and size columns existed.
func TestOpen_MigratesLegacySchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.Exec(`CREATE TABLE processed_files (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		file_hash TEXT NOT NULL UNIQUE,
		processed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO processed_files (id, filename, file_hash) VALUES ('old-1', 'old.pdf', 'legacy-hash')`); err != nil {
		t.Fatal(err)
	}
	db.Close()

	l, err := Open(ctx, Config{DSN: path})
	if err != nil {
		t.Fatalf("Open() on legacy ledger error = %v", err)
	}
	defer l.Close()

	ok, err := l.Contains(ctx, "legacy-hash")
	if err != nil || !ok {
		t.Fatalf("Contains(legacy-hash) = %v, %v; want true", ok, err)
	}

	rec, err := l.Get(ctx, "legacy-hash")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.InputDir != "" || rec.InputSize != 0 {
		t.Errorf("migrated defaults = %+v", rec)
	}

	if _, err := l.Insert(ctx, testRecord("new.pdf", "new-hash")); err != nil {
		t.Fatalf("Insert() after migration error = %v", err)
	}
	if _, err := l.Insert(ctx, testRecord("dup.pdf", "legacy-hash")); !errors.Is(err, ErrDuplicateHash) {
		t.Errorf("Insert(legacy-hash) error = %v, want ErrDuplicateHash", err)
	}
}

func createLegacyLedger(t *testing.T, path, ddl string, rows ...string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(ddl); err != nil {
		t.Fatal(err)
	}
	for _, q := range rows {
		if _, err := db.Exec(q); err != nil {
			t.Fatal(err)
		}
	}
}

func columnTypes(t *testing.T, path string) map[string]string {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	rows, err := db.Query(`SELECT name, type FROM pragma_table_info('processed_files')`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	cols := make(map[string]string)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			t.Fatal(err)
		}
		cols[name] = typ
	}
	return cols
}

// TestOpen_RebuildsNonTextIDs opens a ledger whose id column is an integer
// primary key and whose directory and size columns are missing.
func TestOpen_RebuildsNonTextIDs(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")
	createLegacyLedger(t, path, `CREATE TABLE processed_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL,
		file_hash TEXT NOT NULL UNIQUE,
		processed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
		`INSERT INTO processed_files (filename, file_hash, processed_at) VALUES ('first.pdf', 'hash-1', '2024-03-01 10:00:00')`,
		`INSERT INTO processed_files (filename, file_hash, processed_at) VALUES ('second.pdf', 'hash-2', '2024-03-02 10:00:00')`,
	)

	l, err := Open(ctx, Config{DSN: path})
	if err != nil {
		t.Fatalf("Open() on integer-id ledger error = %v", err)
	}
	defer l.Close()

	if got := columnTypes(t, path)["id"]; !strings.EqualFold(got, "TEXT") {
		t.Errorf("id column type = %q, want TEXT", got)
	}

	var ids []string
	for _, h := range []string{"hash-1", "hash-2"} {
		rec, err := l.Get(ctx, h)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", h, err)
		}
		id, err := uuid.Parse(rec.ID)
		if err != nil || id.Version() != 7 {
			t.Errorf("Get(%s).ID = %q, want a UUIDv7", h, rec.ID)
		}
		if rec.ProcessedAt.IsZero() {
			t.Errorf("Get(%s).ProcessedAt lost in rebuild", h)
		}
		ids = append(ids, rec.ID)
	}
	if ids[0] >= ids[1] {
		t.Errorf("rebuilt ids %v do not keep the original order", ids)
	}

	if _, err := l.Insert(ctx, testRecord("new.pdf", "hash-3")); err != nil {
		t.Fatalf("Insert() after rebuild error = %v", err)
	}
	if _, err := l.Insert(ctx, testRecord("copy.pdf", "hash-1")); !errors.Is(err, ErrDuplicateHash) {
		t.Errorf("Insert(hash-1) error = %v, want ErrDuplicateHash", err)
	}
	if n, _ := l.Count(ctx); n != 3 {
		t.Errorf("Count() = %d, want 3", n)
	}
	l.Close()

	// A second open finds TEXT ids and leaves the table alone.
	l2, err := Open(ctx, Config{DSN: path})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer l2.Close()
	rec, err := l2.Get(ctx, "hash-1")
	if err != nil || rec.ID != ids[0] {
		t.Errorf("Get(hash-1) after reopen = %q, %v; want id %q", rec.ID, err, ids[0])
	}
}

func TestOpen_ReadOnly(t *testing.T) {
	ctx := context.Background()

	t.Run("missing store reads as empty", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "processed_files.db")
		l, err := Open(ctx, Config{DSN: path, ReadOnly: true})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer l.Close()

		if ok, err := l.Contains(ctx, "hash-a"); ok || err != nil {
			t.Errorf("Contains() = %v, %v; want false, nil", ok, err)
		}
		if n, err := l.Count(ctx); n != 0 || err != nil {
			t.Errorf("Count() = %d, %v; want 0, nil", n, err)
		}
		if recs, err := l.List(ctx, ListOptions{}); len(recs) != 0 || err != nil {
			t.Errorf("List() = %v, %v; want empty", recs, err)
		}
		if _, err := l.Get(ctx, "hash-a"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
		if s, err := l.Stats(ctx); err != nil || s.Records != 0 || s.Backend != "sqlite" {
			t.Errorf("Stats() = %+v, %v", s, err)
		}
		if _, err := l.Insert(ctx, testRecord("a.pdf", "hash-a")); !errors.Is(err, ErrReadOnly) {
			t.Errorf("Insert() error = %v, want ErrReadOnly", err)
		}
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("read-only open created the store: %v", err)
		}
	})

	t.Run("store without table reads as empty", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.db")
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		l, err := Open(ctx, Config{DSN: path, ReadOnly: true})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer l.Close()
		if ok, err := l.Contains(ctx, "hash-a"); ok || err != nil {
			t.Errorf("Contains() = %v, %v; want false, nil", ok, err)
		}
		if len(columnTypes(t, path)) != 0 {
			t.Error("read-only open created the table")
		}
	})

	t.Run("legacy schema is read but not migrated", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "legacy.db")
		createLegacyLedger(t, path, `CREATE TABLE processed_files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filename TEXT NOT NULL,
			file_hash TEXT NOT NULL UNIQUE,
			processed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`, `INSERT INTO processed_files (filename, file_hash) VALUES ('old.pdf', 'legacy-hash')`)
		before := columnTypes(t, path)

		l, err := Open(ctx, Config{DSN: path, ReadOnly: true})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer l.Close()

		if ok, err := l.Contains(ctx, "legacy-hash"); !ok || err != nil {
			t.Errorf("Contains(legacy-hash) = %v, %v; want true", ok, err)
		}
		rec, err := l.Get(ctx, "legacy-hash")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if rec.Filename != "old.pdf" || rec.InputDir != "" || rec.InputSize != 0 {
			t.Errorf("Get() = %+v", rec)
		}
		if recs, err := l.List(ctx, ListOptions{}); len(recs) != 1 || err != nil {
			t.Errorf("List() = %v, %v; want one record", recs, err)
		}
		if s, err := l.Stats(ctx); err != nil || s.Records != 1 {
			t.Errorf("Stats() = %+v, %v", s, err)
		}
		if _, err := l.Insert(ctx, testRecord("a.pdf", "hash-a")); !errors.Is(err, ErrReadOnly) {
			t.Errorf("Insert() error = %v, want ErrReadOnly", err)
		}

		after := columnTypes(t, path)
		if len(after) != len(before) || after["id"] != before["id"] {
			t.Errorf("schema changed: before %v, after %v", before, after)
		}
	})
}

func TestOpen_PathWithURICharacters(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "scans?2024#1 %20")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "ledger.db")

	l, err := Open(ctx, Config{DSN: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := l.Insert(ctx, testRecord("a.pdf", "hash-a")); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	l.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("ledger not created at %s: %v", path, err)
	}

	ro, err := Open(ctx, Config{DSN: path, ReadOnly: true})
	if err != nil {
		t.Fatalf("read-only Open() error = %v", err)
	}
	defer ro.Close()
	if n, err := ro.Count(ctx); n != 1 || err != nil {
		t.Errorf("Count() = %d, %v; want 1", n, err)
	}
}
