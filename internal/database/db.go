package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Database wraps the SQLite connection holding the live and history tables
type Database struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path
func Open(path string) (*Database, error) {
	return OpenWithTimeout(path, 5*time.Second)
}

// OpenWithTimeout opens the database with the given busy timeout. Transactions
// begin in immediate mode so the write lock is held for the whole operation,
// serializing writers across processes sharing the file.
func OpenWithTimeout(path string, busyTimeout time.Duration) (*Database, error) {
	busy := busyTimeout.Milliseconds()
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_txlock=immediate", path, busy)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(busy)*time.Millisecond)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d := &Database{db: db}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

// init creates the database schema
func (d *Database) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS process (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		created_by TEXT,
		published INTEGER NOT NULL DEFAULT 1,
		record_id TEXT,
		my_ai_tool TEXT NOT NULL,
		rolledback_by TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_process_tool_record ON process(my_ai_tool, record_id);

	CREATE TABLE IF NOT EXISTS item (
		code TEXT NOT NULL,
		my_ai_tool TEXT NOT NULL,
		record_id TEXT,
		published INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		page_code TEXT,
		name TEXT,
		item_type TEXT,
		bbox TEXT,
		data TEXT,
		PRIMARY KEY (my_ai_tool, code)
	);

	CREATE TABLE IF NOT EXISTS item_history (
		process_id TEXT NOT NULL,
		code TEXT NOT NULL,
		my_ai_tool TEXT NOT NULL,
		record_id TEXT,
		published INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		page_code TEXT,
		name TEXT,
		item_type TEXT,
		bbox TEXT,
		data TEXT,
		PRIMARY KEY (process_id, my_ai_tool, code)
	);

	CREATE TABLE IF NOT EXISTS page (
		code TEXT NOT NULL,
		my_ai_tool TEXT NOT NULL,
		record_id TEXT,
		published INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		name TEXT,
		url TEXT,
		screenshot TEXT,
		data TEXT,
		PRIMARY KEY (my_ai_tool, code)
	);

	CREATE TABLE IF NOT EXISTS page_history (
		process_id TEXT NOT NULL,
		code TEXT NOT NULL,
		my_ai_tool TEXT NOT NULL,
		record_id TEXT,
		published INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		name TEXT,
		url TEXT,
		screenshot TEXT,
		data TEXT,
		PRIMARY KEY (process_id, my_ai_tool, code)
	);

	CREATE TABLE IF NOT EXISTS step (
		code TEXT NOT NULL,
		my_ai_tool TEXT NOT NULL,
		record_id TEXT,
		published INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		step_index INTEGER,
		action TEXT,
		item_code TEXT,
		page_code TEXT,
		data TEXT,
		PRIMARY KEY (my_ai_tool, code)
	);

	CREATE TABLE IF NOT EXISTS step_history (
		process_id TEXT NOT NULL,
		code TEXT NOT NULL,
		my_ai_tool TEXT NOT NULL,
		record_id TEXT,
		published INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		step_index INTEGER,
		action TEXT,
		item_code TEXT,
		page_code TEXT,
		data TEXT,
		PRIMARY KEY (process_id, my_ai_tool, code)
	);

	CREATE TABLE IF NOT EXISTS parent (
		code TEXT NOT NULL,
		my_ai_tool TEXT NOT NULL,
		record_id TEXT,
		published INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		parent_code TEXT,
		child_code TEXT,
		data TEXT,
		PRIMARY KEY (my_ai_tool, code)
	);

	CREATE TABLE IF NOT EXISTS parent_history (
		process_id TEXT NOT NULL,
		code TEXT NOT NULL,
		my_ai_tool TEXT NOT NULL,
		record_id TEXT,
		published INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		parent_code TEXT,
		child_code TEXT,
		data TEXT,
		PRIMARY KEY (process_id, my_ai_tool, code)
	);

	CREATE INDEX IF NOT EXISTS idx_item_published ON item(my_ai_tool, published, record_id);
	CREATE INDEX IF NOT EXISTS idx_page_published ON page(my_ai_tool, published, record_id);
	CREATE INDEX IF NOT EXISTS idx_step_published ON step(my_ai_tool, published, record_id);
	CREATE INDEX IF NOT EXISTS idx_parent_published ON parent(my_ai_tool, published, record_id);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// withTx runs fn inside a single transaction, rolling back on any error
func (d *Database) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// lineageFilter matches rows of the given lineage. Rows with a NULL record_id
// only match when no lineage is known.
const lineageFilter = `(record_id = ? OR (? = '' AND record_id IS NULL))`

// SnapshotShadow upserts the process row and copies every published row of
// the tool/lineage into the history tables, tagged with the checkpoint id.
// Everything runs in one transaction.
func (d *Database) SnapshotShadow(ctx context.Context, snap ShadowSnapshot) error {
	now := time.Now().UnixMilli()

	return d.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO process
			(code, name, description, created_by, published, record_id, my_ai_tool, rolledback_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?, NULL, ?, ?)
			ON CONFLICT(code) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				created_by = excluded.created_by,
				record_id = excluded.record_id,
				my_ai_tool = excluded.my_ai_tool,
				updated_at = excluded.updated_at`,
			snap.CheckpointID, snap.Name, nullableString(snap.Description), nullableEmpty(snap.CreatedBy),
			nullableEmpty(snap.RecordID), snap.ToolID, now, now)
		if err != nil {
			return fmt.Errorf("upsert process: %w", err)
		}

		for _, e := range Entities {
			cols := join(append(append([]string{}, baseColumns...), e.Columns...), ", ")
			query := fmt.Sprintf(`
				INSERT OR REPLACE INTO %s (process_id, %s)
				SELECT ?, %s FROM %s
				WHERE published = 1 AND my_ai_tool = ? AND %s`,
				e.HistoryTable, cols, cols, e.Table, lineageFilter)
			if _, err := tx.ExecContext(ctx, query, snap.CheckpointID, snap.ToolID, snap.RecordID, snap.RecordID); err != nil {
				return fmt.Errorf("mirror %s: %w", e.Name, err)
			}
		}
		return nil
	})
}

// RestoreShadow unpublishes the current rows of the tool/lineage and
// republishes the history rows of the checkpoint. Rows are upserted by natural
// key, so running it twice leaves the live tables as running it once.
func (d *Database) RestoreShadow(ctx context.Context, checkpointID, toolID, recordID, actorID string) error {
	now := time.Now().UnixMilli()

	return d.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range Entities {
			query := fmt.Sprintf(`UPDATE %s SET published = 0, updated_at = ?
				WHERE published = 1 AND my_ai_tool = ? AND %s`, e.Table, lineageFilter)
			if _, err := tx.ExecContext(ctx, query, now, toolID, recordID, recordID); err != nil {
				return fmt.Errorf("unpublish %s: %w", e.Name, err)
			}
		}

		for _, e := range Entities {
			payload := join(e.Columns, ", ")
			query := fmt.Sprintf(`
				INSERT OR REPLACE INTO %s (code, my_ai_tool, record_id, published, created_at, updated_at, %s)
				SELECT code, my_ai_tool, record_id, 1, created_at, updated_at, %s FROM %s
				WHERE process_id = ? AND my_ai_tool = ?`,
				e.Table, payload, payload, e.HistoryTable)
			if _, err := tx.ExecContext(ctx, query, checkpointID, toolID); err != nil {
				return fmt.Errorf("republish %s: %w", e.Name, err)
			}
		}

		if actorID != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE process SET rolledback_by = ?, updated_at = ? WHERE code = ?`,
				actorID, now, checkpointID); err != nil {
				return fmt.Errorf("stamp rollback actor: %w", err)
			}
		}
		return nil
	})
}

// ListProcesses returns the process rows of a tool/lineage pair, newest first
func (d *Database) ListProcesses(ctx context.Context, toolID, recordID string) ([]*Process, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT code, name, description, created_by, published, record_id, my_ai_tool, rolledback_by, created_at, updated_at
		FROM process WHERE my_ai_tool = ? AND record_id = ? ORDER BY created_at DESC`, toolID, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var processes []*Process
	for rows.Next() {
		p := &Process{}
		err := rows.Scan(&p.Code, &p.Name, &p.Description, &p.CreatedBy, &p.Published, &p.RecordID,
			&p.ToolID, &p.RolledbackBy, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, err
		}
		processes = append(processes, p)
	}
	return processes, rows.Err()
}

// GetProcess retrieves a process row by checkpoint id
func (d *Database) GetProcess(ctx context.Context, code string) (*Process, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT code, name, description, created_by, published, record_id, my_ai_tool, rolledback_by, created_at, updated_at
		FROM process WHERE code = ?`, code)

	p := &Process{}
	err := row.Scan(&p.Code, &p.Name, &p.Description, &p.CreatedBy, &p.Published, &p.RecordID,
		&p.ToolID, &p.RolledbackBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpsertLiveRow inserts or replaces a live row by natural key
func (d *Database) UpsertLiveRow(ctx context.Context, e Entity, row LiveRow) error {
	now := time.Now().UnixMilli()
	if row.CreatedAt == 0 {
		row.CreatedAt = now
	}
	if row.UpdatedAt == 0 {
		row.UpdatedAt = now
	}

	cols := append(append([]string{}, baseColumns...), e.Columns...)
	args := []interface{}{row.Code, row.ToolID, nullableString(row.RecordID), row.Published, row.CreatedAt, row.UpdatedAt}
	for _, c := range e.Columns {
		args = append(args, row.Fields[c])
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)", e.Table, join(cols, ", "), placeholders)
	_, err := d.db.ExecContext(ctx, query, args...)
	return err
}

// LiveRows returns every live row of a tool ordered by code
func (d *Database) LiveRows(ctx context.Context, e Entity, toolID string) ([]*LiveRow, error) {
	cols := append(append([]string{}, baseColumns...), e.Columns...)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE my_ai_tool = ? ORDER BY code", join(cols, ", "), e.Table)

	rows, err := d.db.QueryContext(ctx, query, toolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*LiveRow
	for rows.Next() {
		row := &LiveRow{Fields: make(map[string]interface{}, len(e.Columns))}
		var recordID sql.NullString
		payload := make([]interface{}, len(e.Columns))
		dest := []interface{}{&row.Code, &row.ToolID, &recordID, &row.Published, &row.CreatedAt, &row.UpdatedAt}
		for i := range payload {
			dest = append(dest, &payload[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if recordID.Valid {
			v := recordID.String
			row.RecordID = &v
		}
		for i, c := range e.Columns {
			row.Fields[c] = payload[i]
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// CountHistory returns how many history rows an entity holds for a checkpoint
func (d *Database) CountHistory(ctx context.Context, e Entity, checkpointID string) (int, error) {
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE process_id = ?", e.HistoryTable)
	err := d.db.QueryRowContext(ctx, query, checkpointID).Scan(&n)
	return n, err
}

// ListTables returns all user tables in the database
func (d *Database) ListTables() ([]string, error) {
	rows, err := d.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func join(strs []string, sep string) string {
	return strings.Join(strs, sep)
}
