package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store persists execution history.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the history database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		job TEXT NOT NULL,
		trigger_kind TEXT NOT NULL DEFAULT 'schedule',
		scheduled_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		status TEXT NOT NULL,
		result TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_executions_job ON executions(job);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	CREATE INDEX IF NOT EXISTS idx_executions_scheduled_at ON executions(scheduled_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// CreateExecution records a new execution.
func (s *Store) CreateExecution(e *Execution) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.Trigger == "" {
		e.Trigger = TriggerSchedule
	}

	_, err := s.db.Exec(`
		INSERT INTO executions (id, job, trigger_kind, scheduled_at, started_at, completed_at, status, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Job, e.Trigger, formatTime(e.ScheduledAt),
		formatTimePtr(e.StartedAt), formatTimePtr(e.CompletedAt), e.Status, e.Result)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// UpdateExecution updates an execution record.
func (s *Store) UpdateExecution(e *Execution) error {
	_, err := s.db.Exec(`
		UPDATE executions SET started_at = ?, completed_at = ?, status = ?, result = ?
		WHERE id = ?
	`, formatTimePtr(e.StartedAt), formatTimePtr(e.CompletedAt), e.Status, e.Result, e.ID)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(id string) (*Execution, error) {
	row := s.db.QueryRow(`
		SELECT id, job, trigger_kind, scheduled_at, started_at, completed_at, status, result
		FROM executions WHERE id = ?
	`, id)

	return scanExecution(row)
}

// ListExecutions returns the most recent executions, newest first. An
// empty job lists every job.
func (s *Store) ListExecutions(job string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, job, trigger_kind, scheduled_at, started_at, completed_at, status, result FROM executions`
	args := []any{}
	if job != "" {
		query += ` WHERE job = ?`
		args = append(args, job)
	}
	query += ` ORDER BY scheduled_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}

	return execs, rows.Err()
}

// MarkAbandoned closes out executions a previous process left running.
// They are never replayed. Returns the number of rows changed.
func (s *Store) MarkAbandoned(at time.Time) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE executions SET status = ?, completed_at = ?, result = ?
		WHERE status = ?
	`, StatusAbandoned, formatTime(at), "process exited before completion", StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("mark abandoned: %w", err)
	}
	return res.RowsAffected()
}

// CountSince returns the number of executions per status whose
// scheduled instant is at or after since.
func (s *Store) CountSince(since time.Time) (map[ExecutionStatus]int, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM executions
		WHERE scheduled_at >= ?
		GROUP BY status
	`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	defer rows.Close()

	counts := make(map[ExecutionStatus]int)
	for rows.Next() {
		var status ExecutionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*Execution, error) {
	var e Execution
	var scheduledAt string
	var startedAt, completedAt, result sql.NullString

	err := row.Scan(&e.ID, &e.Job, &e.Trigger, &scheduledAt, &startedAt, &completedAt, &e.Status, &result)
	if err != nil {
		return nil, err
	}

	e.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		e.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		e.CompletedAt = &t
	}
	if result.Valid {
		e.Result = result.String
	}

	return &e, nil
}

// timeFormat is fixed-width UTC so lexical order matches time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
