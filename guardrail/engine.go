package guardrail

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/marionette-agent/marionette/tool"
)

// Decision is the outcome class of an authorization check.
type Decision int

const (
	DecisionDeny Decision = iota
	DecisionConfirm
	DecisionAllow
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionConfirm:
		return "confirm"
	default:
		return "deny"
	}
}

// Verdict is the result of authorizing one tool invocation.
type Verdict struct {
	Decision Decision
	Reason   string
}

func deny(format string, args ...any) Verdict {
	return Verdict{Decision: DecisionDeny, Reason: fmt.Sprintf(format, args...)}
}

// Request describes one proposed tool invocation.
type Request struct {
	User string
	Tool tool.Tool
	Args map[string]any
}

// Engine evaluates guardrail policy for proposed tool invocations. The
// active policy is swapped atomically so concurrent tasks always see a
// complete policy.
type Engine struct {
	logger *slog.Logger
	policy atomic.Pointer[Policy]
}

// NewEngine creates an Engine with the given initial policy.
func NewEngine(p *Policy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{logger: logger}
	e.policy.Store(p)
	return e
}

// SetPolicy atomically replaces the active policy.
func (e *Engine) SetPolicy(p *Policy) { e.policy.Store(p) }

// Policy returns the active policy.
func (e *Engine) Policy() *Policy { return e.policy.Load() }

// Authorize decides whether the invocation may proceed. Checks run in a
// fixed order and the first failure wins: disabled capability, unauthorized
// user, workspace escape, dangerous payload, non-whitelisted command. A
// dangerous payload is denied even when the command is whitelisted. Tools
// on the confirmation list pass all checks and still require explicit user
// confirmation before execution.
func (e *Engine) Authorize(req Request) Verdict {
	p := e.policy.Load()
	capability := req.Tool.Capability()

	if !p.capabilityEnabled(capability) {
		return deny("capability %q is disabled", capability)
	}

	if !p.userAuthorized(req.User) {
		return deny("user %q is not authorized", req.User)
	}

	for _, path := range requestPaths(req) {
		if !p.withinWorkspace(path) {
			return deny("path %q is outside the workspace", path)
		}
	}

	payload, havePayload, resolvable := requestPayload(req, capability)
	if !resolvable {
		return deny("tool %q payload could not be resolved for screening", req.Tool.Name())
	}
	if havePayload {
		if pattern, matched := p.dangerousMatch(payload); matched {
			e.logger.Warn("dangerous payload blocked",
				"tool", req.Tool.Name(), "user", req.User, "pattern", pattern)
			return deny("payload matches dangerous pattern %q", pattern)
		}
		if capability == tool.CapShell && len(p.whitelist) > 0 {
			cmd := firstToken(payload)
			if !p.whitelist[cmd] {
				return deny("command %q is not whitelisted", cmd)
			}
		}
	}

	if p.confirmTools[req.Tool.Name()] {
		return Verdict{
			Decision: DecisionConfirm,
			Reason:   fmt.Sprintf("tool %q requires confirmation", req.Tool.Name()),
		}
	}

	return Verdict{Decision: DecisionAllow, Reason: "allowed"}
}

// requestPaths collects the filesystem paths an invocation would touch.
func requestPaths(req Request) []string {
	if pe, ok := req.Tool.(tool.PathExtractor); ok {
		return pe.Paths(req.Args)
	}
	if req.Tool.Capability() == tool.CapFile {
		if p, ok := req.Args["path"].(string); ok && p != "" {
			return []string{p}
		}
	}
	return nil
}

// requestPayload extracts the effective shell or script payload. The third
// return is false when the tool declares a payload extractor but cannot
// render one for these arguments.
func requestPayload(req Request, capability tool.Capability) (payload string, have bool, resolvable bool) {
	if pe, ok := req.Tool.(tool.PayloadExtractor); ok {
		payload, ok := pe.Payload(req.Args)
		return payload, ok, ok
	}
	switch capability {
	case tool.CapShell:
		if cmd, ok := req.Args["command"].(string); ok && cmd != "" {
			return cmd, true, true
		}
	case tool.CapAppleScript:
		if script, ok := req.Args["script"].(string); ok && script != "" {
			return script, true, true
		}
	}
	return "", false, true
}

func firstToken(payload string) string {
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// withinWorkspace reports whether path, after cleaning and resolving
// symlinks on its existing prefix, stays inside the workspace root.
func (p *Policy) withinWorkspace(path string) bool {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(p.workspace, abs)
	}
	abs = resolveExisting(filepath.Clean(abs))
	return abs == p.workspace || strings.HasPrefix(abs, p.workspace+string(filepath.Separator))
}

// resolveExisting resolves symlinks on the longest existing prefix of path
// and rejoins the non-existing remainder, so a path under a symlinked
// directory cannot dodge containment just because its leaf does not exist
// yet.
func resolveExisting(path string) string {
	remainder := ""
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, remainder)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path
		}
		remainder = filepath.Join(filepath.Base(cur), remainder)
		cur = parent
	}
}
