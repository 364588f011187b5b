package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/marionette-agent/marionette/provider"
)

// entry pairs a registered tool with its source tag.
type entry struct {
	tool   Tool
	source Source
}

// catalog is one immutable registry snapshot. Planning loops bind to a
// catalog for their whole lifetime, so a reload never exposes partial state.
type catalog struct {
	byName  map[string]entry
	ordered []string // registration order, stable for the oracle prompt
}

func (c *catalog) clone() *catalog {
	nc := &catalog{byName: make(map[string]entry, len(c.byName))}
	for k, v := range c.byName {
		nc.byName[k] = v
	}
	nc.ordered = append(nc.ordered, c.ordered...)
	return nc
}

// Registry holds the tool catalog. Built-in tools are registered once at
// startup; Reload repopulates external tools with an atomic snapshot swap.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex // serializes Register and Reload
	builtins *catalog   // built-ins only, the base for every reload
	current  atomic.Pointer[catalog]
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:   logger,
		builtins: &catalog{byName: make(map[string]entry)},
	}
	r.current.Store(r.builtins.clone())
	return r
}

// Register adds a built-in tool. Built-in names are unique; a duplicate
// registration is an error rather than a silent override.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builtins.byName[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.builtins.byName[t.Name()] = entry{tool: t, source: Builtin()}
	r.builtins.ordered = append(r.builtins.ordered, t.Name())
	r.current.Store(r.builtins.clone())
	return nil
}

// Resolve returns a tool by name from the current snapshot.
func (r *Registry) Resolve(name string) (Tool, bool) {
	e, ok := r.current.Load().byName[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// SourceOf returns the source tag for a registered tool name.
func (r *Registry) SourceOf(name string) (Source, bool) {
	e, ok := r.current.Load().byName[name]
	return e.source, ok
}

// List returns all tools in catalog order (built-ins first, then external
// tools in load order). The result is a copy.
func (r *Registry) List() []Tool {
	c := r.current.Load()
	out := make([]Tool, 0, len(c.ordered))
	for _, name := range c.ordered {
		out = append(out, c.byName[name].tool)
	}
	return out
}

// Defs returns oracle tool definitions for the current snapshot.
func (r *Registry) Defs() []provider.ToolDef {
	c := r.current.Load()
	defs := make([]provider.ToolDef, 0, len(c.ordered))
	for _, name := range c.ordered {
		defs = append(defs, c.byName[name].tool.Definition())
	}
	return defs
}

// Reload re-discovers external tools from the given loaders and atomically
// swaps in the new catalog. Built-in tools always win a name conflict; among
// external sources the most recently loaded registration wins and the loser
// is dropped with a logged notice. If any loader fails, the old catalog is
// retained unchanged.
func (r *Registry) Reload(ctx context.Context, loaders ...Loader) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.builtins.clone()

	for _, l := range loaders {
		tools, err := l.Load(ctx)
		if err != nil {
			return fmt.Errorf("reload source %s: %w", l.SourceID(), err)
		}
		src := External(l.SourceID())
		for _, t := range tools {
			prev, exists := next.byName[t.Name()]
			if exists {
				if prev.source.Kind == SourceBuiltin {
					r.logger.Warn("external tool shadowed by built-in",
						"tool", t.Name(), "source", src.Provider)
					continue
				}
				// Later external registration wins; keep catalog order slot.
				r.logger.Warn("external tool superseded",
					"tool", t.Name(), "old_source", prev.source.Provider, "new_source", src.Provider)
				next.byName[t.Name()] = entry{tool: t, source: src}
				continue
			}
			next.byName[t.Name()] = entry{tool: t, source: src}
			next.ordered = append(next.ordered, t.Name())
		}
	}

	r.current.Store(next)
	return nil
}

// Snapshot returns a read-only view that is stable for a task's lifetime.
func (r *Registry) Snapshot() *Snapshot {
	return &Snapshot{c: r.current.Load()}
}

// Snapshot is an immutable catalog view bound to one task.
type Snapshot struct {
	c *catalog
}

// Resolve returns a tool by name.
func (s *Snapshot) Resolve(name string) (Tool, bool) {
	e, ok := s.c.byName[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// List returns all tools in catalog order.
func (s *Snapshot) List() []Tool {
	out := make([]Tool, 0, len(s.c.ordered))
	for _, name := range s.c.ordered {
		out = append(out, s.c.byName[name].tool)
	}
	return out
}

// Defs returns oracle tool definitions.
func (s *Snapshot) Defs() []provider.ToolDef {
	defs := make([]provider.ToolDef, 0, len(s.c.ordered))
	for _, name := range s.c.ordered {
		defs = append(defs, s.c.byName[name].tool.Definition())
	}
	return defs
}
