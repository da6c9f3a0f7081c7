package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/openweavr/weavr/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/weavr.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	if !strings.HasPrefix(dbPath, "file:") && !strings.Contains(dbPath, "://") {
		dbPath = "file:" + dbPath
	}
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return upgradeSchema(ctx, s.db)
}

// --- Workflows ---

// SaveWorkflow inserts or replaces a workflow source. Pause state and the
// last run survive a redeploy.
func (s *LibSQLStore) SaveWorkflow(ctx context.Context, name, source string) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow name is empty")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (name, source, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET source=excluded.source, updated_at=excluded.updated_at`,
		name, source, now, now,
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, name string) (*WorkflowRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, source, paused, last_run_at, last_status, created_at, updated_at FROM workflows WHERE name = ?`, name,
	)
	rec, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", name)
	}
	return rec, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	query := "SELECT name, source, paused, last_run_at, last_status, created_at, updated_at FROM workflows"
	var args []any
	if filter.Paused != nil {
		query += " WHERE paused = ?"
		args = append(args, boolInt(*filter.Paused))
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", name)
}

func (s *LibSQLStore) SetPaused(ctx context.Context, name string, paused bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET paused = ?, updated_at = ? WHERE name = ?`,
		boolInt(paused), time.Now().UTC(), name,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", name)
}

func (s *LibSQLStore) RecordLastRun(ctx context.Context, name string, at time.Time, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET last_run_at = ?, last_status = ? WHERE name = ?`,
		at.UTC(), nullStr(status), name,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", name)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(r rowScanner) (*WorkflowRecord, error) {
	rec := &WorkflowRecord{}
	var (
		paused     int
		lastRun    sql.NullTime
		lastStatus sql.NullString
	)
	if err := r.Scan(&rec.Name, &rec.Source, &paused, &lastRun, &lastStatus, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Paused = paused != 0
	if lastRun.Valid {
		t := lastRun.Time
		rec.LastRunAt = &t
	}
	rec.LastStatus = lastStatus.String
	return rec, nil
}

// --- Run log ---

func (s *LibSQLStore) AppendRun(ctx context.Context, e *RunEntry) error {
	if e == nil || e.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run entry requires a run id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_log (run_id, workflow, status, error, started_at, completed_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO NOTHING`,
		e.RunID, e.Workflow, e.Status, nullStr(e.Error), e.StartedAt.UTC(), timeOrNow(e.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunEntry, error) {
	var where []string
	var args []any
	if filter.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := "SELECT run_id, workflow, status, error, started_at, completed_at FROM run_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY completed_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RunEntry
	for rows.Next() {
		e := &RunEntry{}
		var errMsg sql.NullString
		if err := rows.Scan(&e.RunID, &e.Workflow, &e.Status, &errMsg, &e.StartedAt, &e.CompletedAt); err != nil {
			return nil, err
		}
		e.Error = errMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
