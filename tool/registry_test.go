package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/marionette-agent/marionette/provider"
)

type stubTool struct {
	name string
	tag  string
}

func (t *stubTool) Name() string           { return t.name }
func (t *stubTool) Description() string    { return "stub " + t.name }
func (t *stubTool) Capability() Capability { return CapShell }
func (t *stubTool) Definition() provider.ToolDef {
	return provider.ToolDef{Name: t.name, Description: t.Description()}
}
func (t *stubTool) Execute(_ context.Context, _ map[string]any) (any, error) {
	return t.tag, nil
}

type stubLoader struct {
	id    string
	tools []Tool
	err   error
}

func (l *stubLoader) SourceID() string { return l.id }
func (l *stubLoader) Load(_ context.Context) ([]Tool, error) {
	return l.tools, l.err
}

func newTestRegistry(t *testing.T, builtins ...string) *Registry {
	t.Helper()
	r := NewRegistry(slog.Default())
	for _, name := range builtins {
		if err := r.Register(&stubTool{name: name, tag: "builtin"}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return r
}

func TestRegisterDuplicateBuiltin(t *testing.T) {
	r := newTestRegistry(t, "run_shell")
	if err := r.Register(&stubTool{name: "run_shell"}); err == nil {
		t.Fatal("expected error registering duplicate built-in")
	}
}

func TestReloadBuiltinWinsConflict(t *testing.T) {
	r := newTestRegistry(t, "run_shell")
	loader := &stubLoader{id: "mcp", tools: []Tool{&stubTool{name: "run_shell", tag: "external"}}}

	if err := r.Reload(context.Background(), loader); err != nil {
		t.Fatalf("reload: %v", err)
	}

	got, ok := r.Resolve("run_shell")
	if !ok {
		t.Fatal("run_shell not resolvable after reload")
	}
	out, _ := got.Execute(context.Background(), nil)
	if out != "builtin" {
		t.Errorf("built-in should win conflict, resolved %v", out)
	}
	src, _ := r.SourceOf("run_shell")
	if src.Kind != SourceBuiltin {
		t.Errorf("source = %v, want built-in", src.Kind)
	}
}

func TestReloadLaterExternalSupersedes(t *testing.T) {
	r := newTestRegistry(t)
	first := &stubLoader{id: "mcp:alpha", tools: []Tool{&stubTool{name: "search", tag: "alpha"}}}
	second := &stubLoader{id: "mcp:beta", tools: []Tool{&stubTool{name: "search", tag: "beta"}}}

	if err := r.Reload(context.Background(), first, second); err != nil {
		t.Fatalf("reload: %v", err)
	}

	got, _ := r.Resolve("search")
	out, _ := got.Execute(context.Background(), nil)
	if out != "beta" {
		t.Errorf("later external should supersede, resolved %v", out)
	}
	src, _ := r.SourceOf("search")
	if src.Provider != "mcp:beta" {
		t.Errorf("source provider = %q, want mcp:beta", src.Provider)
	}
	if got := len(r.List()); got != 1 {
		t.Errorf("list length = %d, want 1", got)
	}
}

func TestReloadFailureKeepsOldCatalog(t *testing.T) {
	r := newTestRegistry(t, "run_shell")
	good := &stubLoader{id: "skill:dir", tools: []Tool{&stubTool{name: "deploy"}}}
	if err := r.Reload(context.Background(), good); err != nil {
		t.Fatalf("reload: %v", err)
	}

	bad := &stubLoader{id: "mcp", err: errors.New("connection refused")}
	if err := r.Reload(context.Background(), bad); err == nil {
		t.Fatal("expected reload error")
	}

	if _, ok := r.Resolve("deploy"); !ok {
		t.Error("failed reload should retain previous catalog")
	}
}

func TestRegisterConcurrentWithReload(t *testing.T) {
	r := newTestRegistry(t)
	loader := &stubLoader{id: "skill:dir", tools: []Tool{&stubTool{name: "deploy", tag: "external"}}}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("builtin_%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := r.Register(&stubTool{name: name, tag: "builtin"}); err != nil {
				t.Errorf("register %s: %v", name, err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := r.Reload(context.Background(), loader); err != nil {
				t.Errorf("reload: %v", err)
			}
		}()
	}
	wg.Wait()

	if err := r.Reload(context.Background(), loader); err != nil {
		t.Fatalf("final reload: %v", err)
	}
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("builtin_%d", i)
		if _, ok := r.Resolve(name); !ok {
			t.Errorf("%s lost after concurrent reloads", name)
		}
	}
	if _, ok := r.Resolve("deploy"); !ok {
		t.Error("external tool missing after final reload")
	}
}

func TestSnapshotStableAcrossReload(t *testing.T) {
	r := newTestRegistry(t, "run_shell")
	loader := &stubLoader{id: "skill:dir", tools: []Tool{&stubTool{name: "deploy"}}}
	if err := r.Reload(context.Background(), loader); err != nil {
		t.Fatalf("reload: %v", err)
	}

	snap := r.Snapshot()
	if _, ok := snap.Resolve("deploy"); !ok {
		t.Fatal("snapshot missing deploy")
	}

	// Reload with an empty external set; bound snapshot must not change.
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := r.Resolve("deploy"); ok {
		t.Error("registry should drop deploy after empty reload")
	}
	if _, ok := snap.Resolve("deploy"); !ok {
		t.Error("bound snapshot should still resolve deploy")
	}
	if got := len(snap.Defs()); got != 2 {
		t.Errorf("snapshot defs = %d, want 2", got)
	}
}
