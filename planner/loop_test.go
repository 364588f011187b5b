package planner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marionette-agent/marionette/config"
	"github.com/marionette-agent/marionette/guardrail"
	"github.com/marionette-agent/marionette/provider"
	"github.com/marionette-agent/marionette/provider/mock"
	"github.com/marionette-agent/marionette/task"
	"github.com/marionette-agent/marionette/tool"
)

type echoTool struct {
	mu    sync.Mutex
	name  string
	cap   tool.Capability
	calls int
	err   error
}

func (t *echoTool) Name() string                { return t.name }
func (t *echoTool) Description() string         { return "echo" }
func (t *echoTool) Capability() tool.Capability { return t.cap }
func (t *echoTool) Definition() provider.ToolDef {
	return provider.ToolDef{Name: t.name, Description: "echo"}
}
func (t *echoTool) Execute(_ context.Context, args map[string]any) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.err != nil {
		return nil, t.err
	}
	return map[string]any{"echo": args}, nil
}

func (t *echoTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

type loopFixture struct {
	store  *task.SQLiteStore
	loop   *Loop
	task   *task.Task
	events chan Event
	echo   *echoTool
}

func newLoopFixture(t *testing.T, oracle provider.Provider, mutate func(*Config, *config.SafetyConfig)) *loopFixture {
	t.Helper()

	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	echo := &echoTool{name: "echo", cap: tool.CapProcess}
	reg := tool.NewRegistry(nil)
	if err := reg.Register(echo); err != nil {
		t.Fatalf("register: %v", err)
	}

	cfg := Config{MaxIterations: 5, MaxRepeatedCall: 10, ToolTimeout: 5 * time.Second}
	safety := config.SafetyConfig{
		WorkspacePath: t.TempDir(),
		EnableShell:   true,
		EnableProcess: true,
		EnableFile:    true,
	}
	if mutate != nil {
		mutate(&cfg, &safety)
	}
	policy, err := guardrail.NewPolicy(safety)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}

	events := make(chan Event, 64)
	loop := New(cfg, Deps{
		Oracle: oracle,
		Tools:  reg.Snapshot(),
		Guard:  guardrail.NewEngine(policy, nil),
		Store:  store,
		OnEvent: func(ev Event) {
			select {
			case events <- ev:
			default:
			}
		},
	})

	tk := &task.Task{Owner: "owner", Goal: "test goal", Status: task.StatusPlanning}
	if _, err := store.Create(tk); err != nil {
		t.Fatalf("create task: %v", err)
	}

	return &loopFixture{store: store, loop: loop, task: tk, events: events, echo: echo}
}

func (f *loopFixture) waitEvent(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-f.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestLoopCompletesOnDone(t *testing.T) {
	oracle := mock.New("DONE: all sorted.")
	f := newLoopFixture(t, oracle, nil)

	f.loop.Run(context.Background(), f.task)

	if f.task.Status != task.StatusCompleted {
		t.Fatalf("status = %s, want completed", f.task.Status)
	}
	if f.task.Result != "all sorted." {
		t.Errorf("result = %q", f.task.Result)
	}
	if oracle.Calls() != 1 {
		t.Errorf("oracle calls = %d, want 1", oracle.Calls())
	}

	persisted, err := f.store.Get(f.task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if persisted.Status != task.StatusCompleted {
		t.Errorf("persisted status = %s", persisted.Status)
	}
}

func TestLoopExecutesToolThenDone(t *testing.T) {
	oracle := mock.New(
		`{"tool": "echo", "arguments": {"x": 1}}`,
		"DONE: echoed.",
	)
	f := newLoopFixture(t, oracle, nil)

	f.loop.Run(context.Background(), f.task)

	if f.task.Status != task.StatusCompleted {
		t.Fatalf("status = %s (%s)", f.task.Status, f.task.Error)
	}
	if f.echo.callCount() != 1 {
		t.Errorf("tool calls = %d, want 1", f.echo.callCount())
	}
	if len(f.task.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(f.task.Steps))
	}
	if f.task.Steps[0].Verdict != "allow" || f.task.Steps[0].ErrorClass != task.ErrorNone {
		t.Errorf("step 0 = %+v", f.task.Steps[0])
	}
}

func TestLoopBoundedIterations(t *testing.T) {
	// The oracle proposes a fresh action every time and never finishes.
	oracle := mock.New(
		`{"tool": "echo", "arguments": {"n": 1}}`,
		`{"tool": "echo", "arguments": {"n": 2}}`,
		`{"tool": "echo", "arguments": {"n": 3}}`,
		`{"tool": "echo", "arguments": {"n": 4}}`,
	)
	f := newLoopFixture(t, oracle, func(c *Config, _ *config.SafetyConfig) {
		c.MaxIterations = 3
	})

	f.loop.Run(context.Background(), f.task)

	if f.task.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", f.task.Status)
	}
	if oracle.Calls() != 3 {
		t.Errorf("oracle calls = %d, want exactly 3", oracle.Calls())
	}
}

func TestLoopRepeatedCallGuard(t *testing.T) {
	oracle := mock.New(`{"tool": "echo", "arguments": {"same": true}}`)
	f := newLoopFixture(t, oracle, func(c *Config, _ *config.SafetyConfig) {
		c.MaxIterations = 10
		c.MaxRepeatedCall = 2
	})

	f.loop.Run(context.Background(), f.task)

	if f.task.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", f.task.Status)
	}
	if f.echo.callCount() != 2 {
		t.Errorf("tool calls = %d, want 2", f.echo.callCount())
	}
}

func TestLoopDenialIsRecoverable(t *testing.T) {
	oracle := mock.New(
		`{"tool": "echo", "arguments": {"x": 1}}`,
		"DONE: gave up on that approach.",
	)
	f := newLoopFixture(t, oracle, func(_ *Config, s *config.SafetyConfig) {
		s.EnableProcess = false // echo is a process-class tool
	})

	f.loop.Run(context.Background(), f.task)

	if f.task.Status != task.StatusCompleted {
		t.Fatalf("status = %s (%s)", f.task.Status, f.task.Error)
	}
	if f.echo.callCount() != 0 {
		t.Errorf("denied tool ran %d times", f.echo.callCount())
	}
	if f.task.Steps[0].Verdict != "deny" || f.task.Steps[0].ErrorClass != task.ErrorPolicyViolation {
		t.Errorf("step 0 = %+v", f.task.Steps[0])
	}
}

func TestLoopUnknownToolIsRecoverable(t *testing.T) {
	oracle := mock.New(
		`{"tool": "no_such_tool", "arguments": {}}`,
		"DONE: finished without it.",
	)
	f := newLoopFixture(t, oracle, nil)

	f.loop.Run(context.Background(), f.task)

	if f.task.Status != task.StatusCompleted {
		t.Fatalf("status = %s", f.task.Status)
	}
	if f.task.Steps[0].ErrorClass != task.ErrorToolResolution {
		t.Errorf("step 0 error class = %s", f.task.Steps[0].ErrorClass)
	}
}

func TestLoopParseErrorIsRecoverable(t *testing.T) {
	oracle := mock.New(
		"I will now ponder without acting.",
		"DONE: decided.",
	)
	f := newLoopFixture(t, oracle, nil)

	f.loop.Run(context.Background(), f.task)

	if f.task.Status != task.StatusCompleted {
		t.Fatalf("status = %s", f.task.Status)
	}
	if f.task.Steps[0].ErrorClass != task.ErrorPlannerParse {
		t.Errorf("step 0 error class = %s", f.task.Steps[0].ErrorClass)
	}
}

func TestLoopToolErrorIsRecoverable(t *testing.T) {
	oracle := mock.New(
		`{"tool": "echo", "arguments": {"x": 1}}`,
		"DONE: worked around the failure.",
	)
	f := newLoopFixture(t, oracle, nil)
	f.echo.err = errors.New("boom")

	f.loop.Run(context.Background(), f.task)

	if f.task.Status != task.StatusCompleted {
		t.Fatalf("status = %s", f.task.Status)
	}
	if f.task.Steps[0].ErrorClass != task.ErrorToolExecution {
		t.Errorf("step 0 error class = %s", f.task.Steps[0].ErrorClass)
	}
}

func TestLoopOracleFailureIsTerminal(t *testing.T) {
	oracle := mock.New().Fail(errors.New("rate limited"))
	f := newLoopFixture(t, oracle, nil)

	f.loop.Run(context.Background(), f.task)

	if f.task.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", f.task.Status)
	}
	if len(f.task.Steps) != 1 || f.task.Steps[0].ErrorClass != task.ErrorOracleFailure {
		t.Errorf("steps = %+v", f.task.Steps)
	}
}

func TestLoopNeedSkillIsTerminal(t *testing.T) {
	oracle := mock.New("NEED_SKILL: a calendar integration")
	f := newLoopFixture(t, oracle, nil)

	f.loop.Run(context.Background(), f.task)

	if f.task.Status != task.StatusCompleted {
		t.Fatalf("status = %s", f.task.Status)
	}
	if f.task.Result == "" || oracle.Calls() != 1 {
		t.Errorf("result = %q, calls = %d", f.task.Result, oracle.Calls())
	}
}

func TestLoopConfirmationApprove(t *testing.T) {
	oracle := mock.New(
		`{"tool": "echo", "arguments": {"x": 1}}`,
		"DONE: confirmed and executed.",
	)
	f := newLoopFixture(t, oracle, func(_ *Config, s *config.SafetyConfig) {
		s.ConfirmTools = []string{"echo"}
	})

	done := make(chan struct{})
	go func() {
		f.loop.Run(context.Background(), f.task)
		close(done)
	}()

	f.waitEvent(t, EventConfirmation)
	if !f.loop.ResolveConfirmation(ConfirmResult{Resolution: ResolutionConfirm}) {
		t.Fatal("resolve confirmation refused")
	}
	<-done

	if f.task.Status != task.StatusCompleted {
		t.Fatalf("status = %s (%s)", f.task.Status, f.task.Error)
	}
	if f.echo.callCount() != 1 {
		t.Errorf("tool calls = %d, want 1", f.echo.callCount())
	}
	if f.task.Steps[0].Verdict != "confirm" {
		t.Errorf("step 0 verdict = %q", f.task.Steps[0].Verdict)
	}
}

func TestLoopConfirmationRejectResumesPlanning(t *testing.T) {
	oracle := mock.New(
		`{"tool": "echo", "arguments": {"x": 1}}`,
		"DONE: respected the rejection.",
	)
	f := newLoopFixture(t, oracle, func(_ *Config, s *config.SafetyConfig) {
		s.ConfirmTools = []string{"echo"}
	})

	done := make(chan struct{})
	go func() {
		f.loop.Run(context.Background(), f.task)
		close(done)
	}()

	f.waitEvent(t, EventConfirmation)
	f.loop.ResolveConfirmation(ConfirmResult{Resolution: ResolutionReject})
	<-done

	if f.task.Status != task.StatusCompleted {
		t.Fatalf("status = %s", f.task.Status)
	}
	if f.echo.callCount() != 0 {
		t.Errorf("rejected tool ran %d times", f.echo.callCount())
	}
}

func TestLoopStopWhileAwaitingConfirmation(t *testing.T) {
	oracle := mock.New(`{"tool": "echo", "arguments": {"x": 1}}`)
	f := newLoopFixture(t, oracle, func(_ *Config, s *config.SafetyConfig) {
		s.ConfirmTools = []string{"echo"}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.loop.Run(ctx, f.task)
		close(done)
	}()

	f.waitEvent(t, EventConfirmation)
	cancel()
	<-done

	if f.task.Status != task.StatusStopped {
		t.Fatalf("status = %s, want stopped", f.task.Status)
	}
	if f.echo.callCount() != 0 {
		t.Errorf("tool ran %d times after stop", f.echo.callCount())
	}
}

func TestLoopConfirmationExpiryRejects(t *testing.T) {
	oracle := mock.New(
		`{"tool": "echo", "arguments": {"x": 1}}`,
		"DONE: moved on.",
	)
	f := newLoopFixture(t, oracle, func(c *Config, s *config.SafetyConfig) {
		c.ConfirmTimeout = 20 * time.Millisecond
		s.ConfirmTools = []string{"echo"}
	})

	f.loop.Run(context.Background(), f.task)

	if f.task.Status != task.StatusCompleted {
		t.Fatalf("status = %s", f.task.Status)
	}
	if f.echo.callCount() != 0 {
		t.Errorf("expired confirmation still ran the tool %d times", f.echo.callCount())
	}
}
