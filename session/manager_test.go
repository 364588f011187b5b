package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/marionette-agent/marionette/comms"
	"github.com/marionette-agent/marionette/config"
	"github.com/marionette-agent/marionette/guardrail"
	"github.com/marionette-agent/marionette/planner"
	"github.com/marionette-agent/marionette/provider"
	"github.com/marionette-agent/marionette/provider/mock"
	"github.com/marionette-agent/marionette/task"
	"github.com/marionette-agent/marionette/tool"
)

type sleepTool struct{}

func (t *sleepTool) Name() string                { return "wait" }
func (t *sleepTool) Description() string         { return "wait briefly" }
func (t *sleepTool) Capability() tool.Capability { return tool.CapProcess }
func (t *sleepTool) Definition() provider.ToolDef {
	return provider.ToolDef{Name: "wait", Description: "wait briefly"}
}
func (t *sleepTool) Execute(ctx context.Context, _ map[string]any) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return "waited", nil
	}
}

type fixture struct {
	manager *Manager
	bus     *comms.InMemoryBus
	store   *task.SQLiteStore
	notices chan *comms.Notice
}

func newFixture(t *testing.T, oracle provider.Provider, confirmTools []string) *fixture {
	t.Helper()

	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := tool.NewRegistry(nil)
	if err := reg.Register(&sleepTool{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	policy, err := guardrail.NewPolicy(config.SafetyConfig{
		WorkspacePath: t.TempDir(),
		EnableProcess: true,
		ConfirmTools:  confirmTools,
	})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}

	bus := comms.NewInMemoryBus()
	notices := make(chan *comms.Notice, 64)
	for _, owner := range []string{"owner", "other"} {
		unsub := bus.Subscribe(owner, func(_ context.Context, n *comms.Notice) error {
			select {
			case notices <- n:
			default:
			}
			return nil
		})
		t.Cleanup(unsub)
	}

	m := NewManager(Options{
		Oracle:   oracle,
		Registry: reg,
		Guard:    guardrail.NewEngine(policy, nil),
		Store:    store,
		Bus:      bus,
		Loop:     planner.Config{MaxIterations: 5, MaxRepeatedCall: 10},
	})
	t.Cleanup(m.Shutdown)

	return &fixture{manager: m, bus: bus, store: store, notices: notices}
}

func (f *fixture) waitNotice(t *testing.T, typ comms.NoticeType) *comms.Notice {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case n := <-f.notices:
			if n.Type == typ {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s notice", typ)
		}
	}
}

func TestSingleActiveTaskPerOwner(t *testing.T) {
	oracle := mock.New(`{"tool": "wait", "arguments": {}}`)
	f := newFixture(t, oracle, []string{"wait"})

	if _, err := f.manager.Start(context.Background(), "owner", "first goal"); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.waitNotice(t, comms.TypeConfirmation)

	if _, err := f.manager.Start(context.Background(), "owner", "second goal"); !errors.Is(err, ErrTaskActive) {
		t.Fatalf("second start err = %v, want ErrTaskActive", err)
	}

	// Other owners are unaffected.
	if !f.manager.Active("owner") || f.manager.Active("other") {
		t.Error("active flags wrong")
	}

	if err := f.manager.Stop("owner"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := f.manager.Start(context.Background(), "owner", "third goal"); err != nil {
		t.Fatalf("start after stop: %v", err)
	}
}

func TestStopRecordsStoppedStatus(t *testing.T) {
	oracle := mock.New(`{"tool": "wait", "arguments": {}}`)
	f := newFixture(t, oracle, []string{"wait"})

	started, err := f.manager.Start(context.Background(), "owner", "goal")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.waitNotice(t, comms.TypeConfirmation)

	if err := f.manager.Stop("owner"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got, err := f.store.Get(started.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusStopped {
		t.Errorf("status = %s, want stopped", got.Status)
	}
	if err := f.manager.Stop("owner"); !errors.Is(err, ErrNoActiveTask) {
		t.Errorf("second stop err = %v, want ErrNoActiveTask", err)
	}
}

func TestResolveConfirmationApprove(t *testing.T) {
	oracle := mock.New(
		`{"tool": "wait", "arguments": {}}`,
		"DONE: waited as asked.",
	)
	f := newFixture(t, oracle, []string{"wait"})

	if _, err := f.manager.Start(context.Background(), "owner", "goal"); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.waitNotice(t, comms.TypeConfirmation)

	if err := f.manager.ResolveConfirmation("owner", planner.ConfirmResult{Resolution: planner.ResolutionConfirm}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	n := f.waitNotice(t, comms.TypeTaskFinished)
	if n.Metadata["status"] != string(task.StatusCompleted) {
		t.Errorf("finished status = %q", n.Metadata["status"])
	}

	result, err := f.manager.LastResult("owner")
	if err != nil {
		t.Fatalf("last result: %v", err)
	}
	if result != "waited as asked." {
		t.Errorf("result = %q", result)
	}
}

func TestResolveConfirmationWithoutGate(t *testing.T) {
	oracle := mock.New("DONE: instant.")
	f := newFixture(t, oracle, nil)

	if err := f.manager.ResolveConfirmation("owner", planner.ConfirmResult{}); !errors.Is(err, ErrNoActiveTask) {
		t.Fatalf("err = %v, want ErrNoActiveTask", err)
	}

	if _, err := f.manager.Start(context.Background(), "owner", "goal"); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.waitNotice(t, comms.TypeTaskFinished)
}

func TestStatusFallsBackToLatest(t *testing.T) {
	oracle := mock.New("DONE: finished fast.")
	f := newFixture(t, oracle, nil)

	started, err := f.manager.Start(context.Background(), "owner", "goal")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	f.waitNotice(t, comms.TypeTaskFinished)

	got, err := f.manager.Status("owner")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.ID != started.ID || got.Status != task.StatusCompleted {
		t.Errorf("status task = %+v", got)
	}

	if _, err := f.manager.Status("nobody"); err == nil {
		t.Error("status for unknown owner should fail")
	}
}

func TestRecentLogs(t *testing.T) {
	oracle := mock.New("DONE: quick.")
	f := newFixture(t, oracle, nil)

	if _, err := f.manager.Start(context.Background(), "owner", "goal"); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.waitNotice(t, comms.TypeTaskFinished)

	steps, err := f.manager.RecentLogs("owner", 10)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(steps) == 0 {
		t.Fatal("expected at least one step in logs")
	}
}
