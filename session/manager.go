// Package session manages task lifecycles: starting planning loops,
// enforcing the one-active-task-per-owner rule, relaying confirmations and
// answering status queries from the command surface.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/marionette-agent/marionette/comms"
	"github.com/marionette-agent/marionette/guardrail"
	"github.com/marionette-agent/marionette/planner"
	"github.com/marionette-agent/marionette/provider"
	"github.com/marionette-agent/marionette/task"
	"github.com/marionette-agent/marionette/tool"
)

var (
	// ErrTaskActive is returned by Start while the owner already has a
	// running task.
	ErrTaskActive = errors.New("a task is already running; stop it first")

	// ErrNoActiveTask is returned when an operation needs a running task.
	ErrNoActiveTask = errors.New("no active task")

	// ErrNotAwaitingConfirmation is returned by ResolveConfirmation when
	// the active task has no pending confirmation gate.
	ErrNotAwaitingConfirmation = errors.New("task is not awaiting confirmation")
)

// retainedTasksPerOwner bounds how much finished task history survives in
// the store per owner.
const retainedTasksPerOwner = 50

// Options configure a Manager.
type Options struct {
	Oracle   provider.Provider
	Registry *tool.Registry
	Guard    *guardrail.Engine
	Redactor *guardrail.Redactor
	Store    task.Store
	Bus      comms.Bus
	Logger   *slog.Logger
	Loop     planner.Config
}

// Manager owns all running planning loops, at most one per owner.
type Manager struct {
	opts Options

	mu     sync.Mutex
	active map[string]*run
	wg     sync.WaitGroup
}

type run struct {
	taskID string
	loop   *planner.Loop
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{opts: opts, active: make(map[string]*run)}
}

// Start creates a task for the goal and launches its planning loop. The
// loop binds the current registry snapshot for its whole run. Start fails
// with ErrTaskActive while the owner's previous task is still running.
func (m *Manager) Start(ctx context.Context, owner, goal string) (*task.Task, error) {
	if goal == "" {
		return nil, fmt.Errorf("goal is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.active[owner]; busy {
		return nil, ErrTaskActive
	}

	t := &task.Task{Owner: owner, Goal: goal, Status: task.StatusPending}
	if _, err := m.opts.Store.Create(t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	loop := planner.New(m.opts.Loop, planner.Deps{
		Oracle:   m.opts.Oracle,
		Tools:    m.opts.Registry.Snapshot(),
		Guard:    m.opts.Guard,
		Redactor: m.opts.Redactor,
		Store:    m.opts.Store,
		Logger:   m.opts.Logger,
		OnEvent:  m.relayEvent,
	})

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{taskID: t.ID, loop: loop, cancel: cancel, done: make(chan struct{})}
	m.active[owner] = r

	m.publish(&comms.Notice{
		Type:    comms.TypeTaskStarted,
		Owner:   owner,
		TaskID:  t.ID,
		Subject: "task started",
		Content: goal,
	})
	m.opts.Logger.Info("task started", "task", t.ID, "owner", owner)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		loop.Run(runCtx, t)
		close(r.done)

		m.mu.Lock()
		if m.active[owner] == r {
			delete(m.active, owner)
		}
		m.mu.Unlock()

		if err := m.opts.Store.PruneOwner(owner, retainedTasksPerOwner); err != nil {
			m.opts.Logger.Warn("prune task history", "owner", owner, "error", err)
		}
	}()

	return t, nil
}

// Stop cancels the owner's running task and waits for its loop to record a
// terminal status.
func (m *Manager) Stop(owner string) error {
	m.mu.Lock()
	r, ok := m.active[owner]
	m.mu.Unlock()
	if !ok {
		return ErrNoActiveTask
	}
	r.cancel()
	<-r.done
	return nil
}

// Status returns the owner's current task: the running one if any,
// otherwise the most recent from the store.
func (m *Manager) Status(owner string) (*task.Task, error) {
	m.mu.Lock()
	r, running := m.active[owner]
	m.mu.Unlock()

	if running {
		return m.opts.Store.Get(r.taskID)
	}
	return m.opts.Store.LatestByOwner(owner)
}

// LastResult returns the result (or error) of the owner's most recent
// finished task.
func (m *Manager) LastResult(owner string) (string, error) {
	t, err := m.Status(owner)
	if err != nil {
		return "", err
	}
	if !t.Status.Terminal() {
		return "", fmt.Errorf("task %s is still %s", t.ID, t.Status)
	}
	if t.Error != "" {
		return "", fmt.Errorf("task %s %s: %s", t.ID, t.Status, t.Error)
	}
	return t.Result, nil
}

// ResolveConfirmation answers the active task's pending confirmation gate.
func (m *Manager) ResolveConfirmation(owner string, res planner.ConfirmResult) error {
	m.mu.Lock()
	r, ok := m.active[owner]
	m.mu.Unlock()
	if !ok {
		return ErrNoActiveTask
	}

	t, err := m.opts.Store.Get(r.taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusAwaitingConfirmation {
		return ErrNotAwaitingConfirmation
	}
	if !r.loop.ResolveConfirmation(res) {
		return ErrNotAwaitingConfirmation
	}
	return nil
}

// RecentLogs returns the newest steps across the owner's tasks.
func (m *Manager) RecentLogs(owner string, limit int) ([]task.Step, error) {
	return m.opts.Store.RecentSteps(owner, limit)
}

// Active reports whether the owner has a running task.
func (m *Manager) Active(owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[owner]
	return ok
}

// Shutdown cancels every running task and waits for the loops to finish.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, r := range m.active {
		r.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) relayEvent(ev planner.Event) {
	switch ev.Kind {
	case planner.EventConfirmation:
		m.publish(&comms.Notice{
			Type:    comms.TypeConfirmation,
			Owner:   ev.Owner,
			TaskID:  ev.TaskID,
			Subject: "confirmation required",
			Content: ev.Prompt,
		})
	case planner.EventStep:
		n := &comms.Notice{
			Type:    comms.TypeTaskStep,
			Owner:   ev.Owner,
			TaskID:  ev.TaskID,
			Subject: "step",
		}
		if ev.Step != nil {
			n.Content = ev.Step.Observation
			n.Metadata = map[string]string{
				"tool":        ev.Step.ToolName,
				"verdict":     ev.Step.Verdict,
				"error_class": string(ev.Step.ErrorClass),
			}
		}
		m.publish(n)
	case planner.EventFinished:
		m.publish(&comms.Notice{
			Type:     comms.TypeTaskFinished,
			Owner:    ev.Owner,
			TaskID:   ev.TaskID,
			Subject:  "task finished",
			Content:  string(ev.Status),
			Metadata: map[string]string{"status": string(ev.Status)},
		})
	}
}

func (m *Manager) publish(n *comms.Notice) {
	if m.opts.Bus == nil {
		return
	}
	if err := m.opts.Bus.Publish(context.Background(), n); err != nil {
		m.opts.Logger.Warn("publish notice", "type", n.Type, "error", err)
	}
}
