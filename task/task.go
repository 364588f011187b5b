// Package task defines the task model and persistence for planning runs.
// A Task is one user goal; its Steps are the append-only record of what the
// planning loop reasoned, proposed, was allowed to do and observed.
package task

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending              Status = "pending"
	StatusPlanning             Status = "planning"
	StatusExecuting            Status = "executing"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusStopped              Status = "stopped"
)

// Terminal reports whether a task in this status will never run again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// ErrorClass classifies a step failure. Recoverable classes are recorded as
// observations and the loop continues; terminal classes end the task.
type ErrorClass string

const (
	ErrorNone            ErrorClass = ""
	ErrorPolicyViolation ErrorClass = "policy_violation"
	ErrorToolResolution  ErrorClass = "tool_resolution"
	ErrorPlannerParse    ErrorClass = "planner_parse"
	ErrorToolExecution   ErrorClass = "tool_execution"
	ErrorIterationLimit  ErrorClass = "iteration_limit"
	ErrorUserCancelled   ErrorClass = "user_cancelled"
	ErrorOracleFailure   ErrorClass = "oracle_failure"
)

// Step records one iteration of a task's planning loop.
type Step struct {
	Index       int            `json:"index"`
	Thought     string         `json:"thought,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	Verdict     string         `json:"verdict,omitempty"`
	Observation string         `json:"observation,omitempty"`
	ErrorClass  ErrorClass     `json:"error_class,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}

// Task is one user goal driven by the planning loop.
type Task struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"` // user that started the task
	Goal        string     `json:"goal"`
	Status      Status     `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Steps       []Step     `json:"steps,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Store persists and retrieves tasks and their step history.
type Store interface {
	// Create persists a new task and returns its assigned ID.
	Create(t *Task) (string, error)

	// Get retrieves a task, including its steps, by ID.
	Get(id string) (*Task, error)

	// Update saves changes to an existing task's top-level fields.
	Update(t *Task) error

	// AppendStep adds one step to a task's history. Steps are append-only.
	AppendStep(taskID string, step Step) error

	// LatestByOwner returns the owner's most recently created task.
	LatestByOwner(owner string) (*Task, error)

	// RecentSteps returns the newest steps across an owner's tasks,
	// newest first.
	RecentSteps(owner string, limit int) ([]Step, error)

	// PruneOwner deletes the owner's old finished tasks, keeping the
	// most recent keep tasks.
	PruneOwner(owner string, keep int) error
}
