package task

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	owner        TEXT NOT NULL,
	goal         TEXT NOT NULL,
	status       TEXT NOT NULL,
	result       TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	started_at   DATETIME,
	completed_at DATETIME
);
CREATE TABLE IF NOT EXISTS steps (
	task_id     TEXT NOT NULL,
	idx         INTEGER NOT NULL,
	thought     TEXT NOT NULL DEFAULT '',
	tool_name   TEXT NOT NULL DEFAULT '',
	args        TEXT NOT NULL DEFAULT '{}',
	verdict     TEXT NOT NULL DEFAULT '',
	observation TEXT NOT NULL DEFAULT '',
	error_class TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL,
	PRIMARY KEY (task_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner, created_at);
`

// SQLiteStore persists tasks and steps in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create persists a new task and sets its ID, CreatedAt, and UpdatedAt.
func (s *SQLiteStore) Create(t *Task) (string, error) {
	t.ID = uuid.NewString()
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO tasks
			(id, owner, goal, status, result, error, created_at, updated_at, started_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Owner, t.Goal, string(t.Status),
		t.Result, t.Error,
		t.CreatedAt, t.UpdatedAt,
		nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// Get retrieves a task and its steps by ID.
func (s *SQLiteStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT * FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if t.Steps, err = s.stepsFor(id); err != nil {
		return nil, err
	}
	return t, nil
}

// Update saves changes to an existing task, updating UpdatedAt automatically.
func (s *SQLiteStore) Update(t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE tasks SET
			owner=?, goal=?, status=?, result=?, error=?,
			updated_at=?, started_at=?, completed_at=?
		WHERE id=?`,
		t.Owner, t.Goal, string(t.Status), t.Result, t.Error,
		t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s not found", t.ID)
	}
	return nil
}

// AppendStep persists one step of a task's history.
func (s *SQLiteStore) AppendStep(taskID string, step Step) error {
	args, _ := json.Marshal(step.Args)
	_, err := s.db.Exec(`
		INSERT INTO steps
			(task_id, idx, thought, tool_name, args, verdict, observation, error_class, started_at, finished_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		taskID, step.Index, step.Thought, step.ToolName, string(args),
		step.Verdict, step.Observation, string(step.ErrorClass),
		step.StartedAt, step.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// LatestByOwner returns the owner's most recently created task with steps.
func (s *SQLiteStore) LatestByOwner(owner string) (*Task, error) {
	row := s.db.QueryRow(
		`SELECT * FROM tasks WHERE owner = ? ORDER BY created_at DESC, id DESC LIMIT 1`, owner)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no tasks for %s", owner)
	}
	if err != nil {
		return nil, err
	}
	if t.Steps, err = s.stepsFor(t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

// RecentSteps returns the newest steps across an owner's tasks, newest first.
func (s *SQLiteStore) RecentSteps(owner string, limit int) ([]Step, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT st.task_id, st.idx, st.thought, st.tool_name, st.args,
		       st.verdict, st.observation, st.error_class, st.started_at, st.finished_at
		FROM steps st JOIN tasks t ON t.id = st.task_id
		WHERE t.owner = ?
		ORDER BY st.started_at DESC, st.idx DESC LIMIT ?`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("recent steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var taskID, argsJSON, errClass string
		if err := rows.Scan(&taskID, &st.Index, &st.Thought, &st.ToolName, &argsJSON,
			&st.Verdict, &st.Observation, &errClass, &st.StartedAt, &st.FinishedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(argsJSON), &st.Args)
		st.ErrorClass = ErrorClass(errClass)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// PruneOwner deletes the owner's oldest tasks beyond the newest keep,
// along with their steps. Keep <= 0 keeps everything.
func (s *SQLiteStore) PruneOwner(owner string, keep int) error {
	if keep <= 0 {
		return nil
	}
	rows, err := s.db.Query(`
		SELECT id FROM tasks WHERE owner = ?
		ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?`, owner, keep)
	if err != nil {
		return fmt.Errorf("prune query: %w", err)
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range stale {
		if _, err := s.db.Exec(`DELETE FROM steps WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("prune steps %s: %w", id, err)
		}
		if _, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("prune task %s: %w", id, err)
		}
	}
	return nil
}

func (s *SQLiteStore) stepsFor(taskID string) ([]Step, error) {
	rows, err := s.db.Query(`
		SELECT idx, thought, tool_name, args, verdict, observation, error_class, started_at, finished_at
		FROM steps WHERE task_id = ? ORDER BY idx ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var argsJSON, errClass string
		if err := rows.Scan(&st.Index, &st.Thought, &st.ToolName, &argsJSON,
			&st.Verdict, &st.Observation, &errClass, &st.StartedAt, &st.FinishedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(argsJSON), &st.Args)
		st.ErrorClass = ErrorClass(errClass)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status string
	var startedAt, completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.Owner, &t.Goal, &status,
		&t.Result, &t.Error,
		&t.CreatedAt, &t.UpdatedAt,
		&startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
