// dlb is an incremental build runtime.
// Copyright (C) 2026  dlb contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package rundb persists evidence of past redos: which tool instances
// ran under which fingerprint, and what filesystem inputs each observed.
// It is the only component that talks SQL; every other component goes
// through the typed operations below.
package rundb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dlb/internal/logging"
)

// SchemaVersion names the current run-database schema. A schema change
// is a new file name, never a migration.
const SchemaVersion = 1

// FileName returns the run-database file name for the current schema,
// e.g. "runs-1.sqlite".
func FileName() string {
	return fmt.Sprintf("runs-%d.sqlite", SchemaVersion)
}

// DatabaseError wraps a run-database failure with a recovery hint.
type DatabaseError struct {
	Op   string
	Err  error
	Hint string
}

func (e *DatabaseError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("rundb: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("rundb: %s: %v (%s)", e.Op, e.Err, e.Hint)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DatabaseError{Op: op, Err: err, Hint: "if recovery is needed, remove the .dlbroot/lock directory and retry"}
}

// DB is a handle to one run-database file.
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

// Open opens or creates the run-database at path and ensures its schema
// exists.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = logging.Default()
	}
	conn, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, dbErr("open", err)
	}
	// SQLite serializes writers; a single connection keeps this package's
	// transactions from racing each other inside one process.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, dbErr("open", err)
	}

	db := &DB{conn: conn, logger: logger}
	if err := db.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate(ctx context.Context) error {
	db.logger.Debug("rundb: running migrations")
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tool_instance(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tool_id BLOB NOT NULL,
			fingerprint BLOB NOT NULL,
			last_redo_returned INTEGER NOT NULL DEFAULT 0,
			last_redo_at INTEGER,
			UNIQUE(tool_id, fingerprint)
		)`,
		`CREATE TABLE IF NOT EXISTS fsobject_input(
			tool_instance_id INTEGER NOT NULL REFERENCES tool_instance(id) ON DELETE CASCADE,
			encoded_path TEXT NOT NULL,
			is_explicit INTEGER NOT NULL,
			memo BLOB,
			PRIMARY KEY(tool_instance_id, encoded_path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fsobject_input_path ON fsobject_input(encoded_path)`,
	}
	for _, stmt := range stmts {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return dbErr("migrate", err)
		}
	}
	return nil
}

// ToolInstanceRow is the prior evidence recorded for one (tool, fingerprint) pair.
type ToolInstanceRow struct {
	ID               int64
	LastRedoReturned bool
	LastRedoAt       *time.Time
}

// GetToolInstance looks up prior evidence by (toolID, fingerprint),
// returning (nil, nil) if no row exists yet.
func (db *DB) GetToolInstance(ctx context.Context, toolID, fingerprint []byte) (*ToolInstanceRow, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, last_redo_returned, last_redo_at FROM tool_instance WHERE tool_id = ? AND fingerprint = ?`,
		toolID, fingerprint)
	var r ToolInstanceRow
	var returned int64
	var lastRedoAt sql.NullInt64
	if err := row.Scan(&r.ID, &returned, &lastRedoAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr("get_tool_instance", err)
	}
	r.LastRedoReturned = returned != 0
	if lastRedoAt.Valid {
		t := time.Unix(0, lastRedoAt.Int64)
		r.LastRedoAt = &t
	}
	return &r, nil
}

// RegisterToolInstance idempotently inserts (toolID, fingerprint) and
// returns its row id.
func (db *DB) RegisterToolInstance(ctx context.Context, toolID, fingerprint []byte) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO tool_instance(tool_id, fingerprint) VALUES (?, ?)
		 ON CONFLICT(tool_id, fingerprint) DO UPDATE SET tool_id = tool_id`,
		toolID, fingerprint)
	if err != nil {
		return 0, dbErr("register_tool_instance", err)
	}
	if id, err := res.LastInsertId(); err == nil && id != 0 {
		return id, nil
	}
	row, err := db.GetToolInstance(ctx, toolID, fingerprint)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, dbErr("register_tool_instance", errors.New("row vanished after insert"))
	}
	return row.ID, nil
}

// SetLastRedo records the outcome of a completed redo for toolInstanceID.
func (db *DB) SetLastRedo(ctx context.Context, toolInstanceID int64, returned bool, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE tool_instance SET last_redo_returned = ?, last_redo_at = ? WHERE id = ?`,
		boolToInt(returned), at.UnixNano(), toolInstanceID)
	return dbErr("set_last_redo", err)
}

// FSObjectInput is one recorded input row.
type FSObjectInput struct {
	IsExplicit bool
	Memo       []byte // nil means "unknown"
}

// GetFSObjectInputs returns every recorded input of toolInstanceID. If
// explicitOnly is non-nil, only rows matching that is_explicit value are
// returned.
func (db *DB) GetFSObjectInputs(ctx context.Context, toolInstanceID int64, explicitOnly *bool) (map[string]FSObjectInput, error) {
	query := `SELECT encoded_path, is_explicit, memo FROM fsobject_input WHERE tool_instance_id = ?`
	args := []any{toolInstanceID}
	if explicitOnly != nil {
		query += ` AND is_explicit = ?`
		args = append(args, boolToInt(*explicitOnly))
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("get_fsobject_inputs", err)
	}
	defer rows.Close()

	result := make(map[string]FSObjectInput)
	for rows.Next() {
		var path string
		var explicit int64
		var memo []byte
		if err := rows.Scan(&path, &explicit, &memo); err != nil {
			return nil, dbErr("get_fsobject_inputs", err)
		}
		result[path] = FSObjectInput{IsExplicit: explicit != 0, Memo: memo}
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("get_fsobject_inputs", err)
	}
	return result, nil
}

// ReplaceFSObjectInputs atomically replaces the full set of input rows
// for toolInstanceID.
func (db *DB) ReplaceFSObjectInputs(ctx context.Context, toolInstanceID int64, inputs map[string]FSObjectInput) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return dbErr("replace_fsobject_inputs", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fsobject_input WHERE tool_instance_id = ?`, toolInstanceID); err != nil {
		return dbErr("replace_fsobject_inputs", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fsobject_input(tool_instance_id, encoded_path, is_explicit, memo) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return dbErr("replace_fsobject_inputs", err)
	}
	defer stmt.Close()

	for path, in := range inputs {
		if _, err := stmt.ExecContext(ctx, toolInstanceID, path, boolToInt(in.IsExplicit), in.Memo); err != nil {
			return dbErr("replace_fsobject_inputs", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return dbErr("replace_fsobject_inputs", err)
	}
	return nil
}

// DeclareFSObjectInputAsModified invalidates the memo of every input row
// (across every tool instance) whose encoded path equals encodedPath or
// has it as a prefix, implementing subtree invalidation.
func (db *DB) DeclareFSObjectInputAsModified(ctx context.Context, encodedPath string) error {
	likePattern := strings.ReplaceAll(encodedPath, `\`, `\\`)
	likePattern = strings.ReplaceAll(likePattern, "%", `\%`)
	likePattern = strings.ReplaceAll(likePattern, "_", `\_`)
	_, err := db.conn.ExecContext(ctx,
		`UPDATE fsobject_input SET memo = NULL WHERE encoded_path = ? OR encoded_path LIKE ? || '%' ESCAPE '\'`,
		encodedPath, likePattern)
	return dbErr("declare_fsobject_input_as_modified", err)
}

// ToolInstanceSummary is one tool_instance row together with the
// aggregate shape of its recorded inputs, for dumping a run-database
// without reconstructing any tool class.
type ToolInstanceSummary struct {
	ID               int64
	ToolID           []byte
	Fingerprint      []byte
	LastRedoReturned bool
	LastRedoAt       *time.Time
	InputCount       int
	UnknownMemoCount int
}

// ListToolInstances returns every tool_instance row with its input
// counts, ordered by id.
func (db *DB) ListToolInstances(ctx context.Context) ([]ToolInstanceSummary, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT t.id, t.tool_id, t.fingerprint, t.last_redo_returned, t.last_redo_at,
			COUNT(f.encoded_path) AS input_count,
			SUM(CASE WHEN f.memo IS NULL THEN 1 ELSE 0 END) AS unknown_count
		FROM tool_instance t
		LEFT JOIN fsobject_input f ON f.tool_instance_id = t.id
		GROUP BY t.id
		ORDER BY t.id`)
	if err != nil {
		return nil, dbErr("list_tool_instances", err)
	}
	defer rows.Close()

	var summaries []ToolInstanceSummary
	for rows.Next() {
		var s ToolInstanceSummary
		var returned int64
		var lastRedoAt sql.NullInt64
		var unknownCount sql.NullInt64
		if err := rows.Scan(&s.ID, &s.ToolID, &s.Fingerprint, &returned, &lastRedoAt, &s.InputCount, &unknownCount); err != nil {
			return nil, dbErr("list_tool_instances", err)
		}
		s.LastRedoReturned = returned != 0
		if lastRedoAt.Valid {
			t := time.Unix(0, lastRedoAt.Int64)
			s.LastRedoAt = &t
		}
		s.UnknownMemoCount = int(unknownCount.Int64)
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list_tool_instances", err)
	}
	return summaries, nil
}

// Cleanup drops tool_instance rows with no remaining input rows.
func (db *DB) Cleanup(ctx context.Context) error {
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM tool_instance WHERE NOT EXISTS (
			SELECT 1 FROM fsobject_input WHERE fsobject_input.tool_instance_id = tool_instance.id
		)`)
	if err != nil {
		return dbErr("cleanup", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		db.logger.Debug("rundb: cleanup removed orphaned tool instances", "count", n)
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
