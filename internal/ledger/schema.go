package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Init creates the record table and its unique hash index if they are
// absent, and brings ledgers written by older releases up to date. It is
// safe to call repeatedly.
func (l *Ledger) Init(ctx context.Context) error {
	existing, err := l.existingColumns(ctx)
	if err != nil {
		return err
	}
	if l.dialect.textIDs && len(existing) > 0 && !strings.EqualFold(existing["id"], "TEXT") {
		if err := l.rebuild(ctx, existing); err != nil {
			return err
		}
	}

	if _, err := l.db.ExecContext(ctx, l.dialect.createTable); err != nil {
		return fmt.Errorf("%w: create table: %w", ErrLedger, err)
	}

	if err := l.addMissingColumns(ctx); err != nil {
		return err
	}

	if l.dialect.createIndex != "" {
		if _, err := l.db.ExecContext(ctx, l.dialect.createIndex); err != nil {
			return fmt.Errorf("%w: create hash index: %w", ErrLedger, err)
		}
	}
	return nil
}

// existingColumns maps each column of the record table to its declared
// type. The map is empty when the table does not exist.
func (l *Ledger) existingColumns(ctx context.Context) (map[string]string, error) {
	rows, err := l.db.QueryContext(ctx, l.dialect.listColumns)
	if err != nil {
		return nil, fmt.Errorf("%w: list columns: %w", ErrLedger, err)
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, fmt.Errorf("%w: list columns: %w", ErrLedger, err)
		}
		cols[strings.ToLower(name)] = typ
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list columns: %w", ErrLedger, err)
	}
	return cols, nil
}

func (l *Ledger) addMissingColumns(ctx context.Context) error {
	existing, err := l.existingColumns(ctx)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(l.dialect.columnDDL))
	for name := range l.dialect.columnDDL {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, ok := existing[name]; ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", tableName, name, l.dialect.columnDDL[name])
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: add column %s: %w", ErrLedger, name, err)
		}
		l.logger.Info("ledger column added", "column", name)
	}
	return nil
}

// legacyRow is a record read from a table being rebuilt. processed_at is
// copied through untouched.
type legacyRow struct {
	filename, inputDir, outputDir, hash sql.NullString
	inputSize, outputSize               sql.NullInt64
	duration                            sql.NullFloat64
	processedAt                         any
}

// rebuild recreates a table whose id column is not TEXT (or is missing),
// giving every row a fresh time-sortable id. Rows keep their listing order.
// The copy runs in a single transaction, so a failure leaves the old table
// as it was.
func (l *Ledger) rebuild(ctx context.Context, existing map[string]string) error {
	if _, ok := existing["file_hash"]; !ok {
		return fmt.Errorf("%w: rebuild: legacy table has no file_hash column", ErrLedger)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: rebuild: %w", ErrLedger, err)
	}
	defer tx.Rollback()

	cols := columnSet(existing)
	q := fmt.Sprintf(`SELECT %s, %s, %s, %s, %s, %s, %s, %s FROM %s ORDER BY rowid`,
		cols.expr("filename"), cols.expr("input_dir"), cols.expr("output_dir"), cols.expr("file_hash"),
		cols.expr("input_size"), cols.expr("output_size"), cols.expr("duration"), cols.expr("processed_at"),
		tableName)
	rows, err := tx.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("%w: rebuild: read: %w", ErrLedger, err)
	}
	var snapshot []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.filename, &r.inputDir, &r.outputDir, &r.hash,
			&r.inputSize, &r.outputSize, &r.duration, &r.processedAt); err != nil {
			rows.Close()
			return fmt.Errorf("%w: rebuild: read: %w", ErrLedger, err)
		}
		snapshot = append(snapshot, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: rebuild: read: %w", ErrLedger, err)
	}

	if _, err := tx.ExecContext(ctx, `DROP TABLE `+tableName); err != nil {
		return fmt.Errorf("%w: rebuild: drop: %w", ErrLedger, err)
	}
	if _, err := tx.ExecContext(ctx, l.dialect.createTable); err != nil {
		return fmt.Errorf("%w: rebuild: create table: %w", ErrLedger, err)
	}

	const insert = `INSERT INTO processed_files
(id, filename, input_dir, output_dir, file_hash, input_size, output_size, duration, processed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))`
	for _, r := range snapshot {
		id, err := l.newID()
		if err != nil {
			return fmt.Errorf("%w: rebuild: generate id: %w", ErrLedger, err)
		}
		if _, err := tx.ExecContext(ctx, l.dialect.rebind(insert),
			id, r.filename.String, r.inputDir.String, r.outputDir.String, r.hash.String,
			r.inputSize, r.outputSize, r.duration, r.processedAt,
		); err != nil {
			return fmt.Errorf("%w: rebuild: copy %s: %w", ErrLedger, r.filename.String, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: rebuild: commit: %w", ErrLedger, err)
	}
	l.logger.Info("ledger table rebuilt with text ids", "records", len(snapshot), "old_id_type", existing["id"])
	return nil
}

// columnSet describes the columns a table actually has. A nil set means
// the current schema.
type columnSet map[string]string

// legacyDefaults stand in for columns an older table lacks.
var legacyDefaults = map[string]string{
	"input_dir":    "''",
	"output_dir":   "''",
	"input_size":   "NULL",
	"output_size":  "NULL",
	"duration":     "NULL",
	"processed_at": "NULL",
}

// expr returns name if the column exists, otherwise its default value.
func (c columnSet) expr(name string) string {
	if c == nil {
		return name
	}
	if _, ok := c[name]; ok {
		return name
	}
	if def, ok := legacyDefaults[name]; ok {
		return def
	}
	return name
}

// selectList is the record column list with missing columns filled in.
func (c columnSet) selectList() string {
	names := []string{"id", "filename", "input_dir", "output_dir", "file_hash", "input_size", "output_size", "duration", "processed_at"}
	for i, name := range names {
		if e := c.expr(name); e != name {
			names[i] = e + " AS " + name
		}
	}
	return strings.Join(names, ", ")
}
