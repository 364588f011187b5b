// Package guardrail authorizes tool invocations before they touch the host.
// Every action proposed by the planning loop passes through Engine.Authorize,
// which evaluates capability gates, user authorization, workspace containment,
// dangerous-pattern screening and the command whitelist, in that order.
package guardrail

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/marionette-agent/marionette/config"
	"github.com/marionette-agent/marionette/tool"
)

// defaultDangerousPatterns match destructive shell payloads. They apply on
// top of any configured patterns and can never be whitelisted away.
var defaultDangerousPatterns = []string{
	`rm\s+-rf\s+/`,
	`mkfs`,
	`dd\s+if=/dev/zero`,
	`:\(\)\s*\{\s*:\|:&\s*\}\s*;\s*:`,
	`chmod\s+777\s+/`,
	`sudo\s+`,
	`>\s*/dev/`,
}

// Policy is one compiled, immutable guardrail configuration. Engines swap
// whole policies so an in-flight authorization never sees partial state.
type Policy struct {
	workspace       string
	authorizedUsers map[string]bool // empty means no user restriction
	whitelist       map[string]bool // first payload token; empty means any command
	confirmTools    map[string]bool
	dangerous       []*regexp.Regexp
	capabilities    map[tool.Capability]bool
}

// NewPolicy compiles a policy from the safety configuration. The workspace
// path is resolved to an absolute path; configured dangerous patterns are
// appended to the built-in set.
func NewPolicy(cfg config.SafetyConfig) (*Policy, error) {
	ws, err := filepath.Abs(cfg.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("guardrail: resolve workspace %q: %w", cfg.WorkspacePath, err)
	}
	// Symlinked workspace roots (e.g. /tmp on macOS) compare by resolved path.
	if resolved, err := filepath.EvalSymlinks(ws); err == nil {
		ws = resolved
	}

	p := &Policy{
		workspace:       ws,
		authorizedUsers: make(map[string]bool, len(cfg.AuthorizedUsers)),
		whitelist:       make(map[string]bool, len(cfg.CommandWhitelist)),
		confirmTools:    make(map[string]bool, len(cfg.ConfirmTools)),
		capabilities: map[tool.Capability]bool{
			tool.CapShell:       cfg.EnableShell,
			tool.CapProcess:     cfg.EnableProcess,
			tool.CapFile:        cfg.EnableFile,
			tool.CapApp:         cfg.EnableApp,
			tool.CapBrowser:     cfg.EnableBrowser,
			tool.CapAppleScript: cfg.EnableAppleScript,
		},
	}
	for _, u := range cfg.AuthorizedUsers {
		p.authorizedUsers[u] = true
	}
	for _, c := range cfg.CommandWhitelist {
		p.whitelist[c] = true
	}
	for _, t := range cfg.ConfirmTools {
		p.confirmTools[t] = true
	}

	// Case-insensitive: uppercase variants still reach the same binaries on
	// case-insensitive filesystems.
	patterns := append(append([]string{}, defaultDangerousPatterns...), cfg.DangerousPatterns...)
	for _, pat := range patterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return nil, fmt.Errorf("guardrail: compile dangerous pattern %q: %w", pat, err)
		}
		p.dangerous = append(p.dangerous, re)
	}
	return p, nil
}

// Workspace returns the resolved workspace root.
func (p *Policy) Workspace() string { return p.workspace }

func (p *Policy) capabilityEnabled(c tool.Capability) bool {
	enabled, known := p.capabilities[c]
	if !known {
		// Unknown capability classes (e.g. from external tools) default on;
		// they are still subject to the remaining checks.
		return true
	}
	return enabled
}

func (p *Policy) userAuthorized(user string) bool {
	if len(p.authorizedUsers) == 0 {
		return true
	}
	return p.authorizedUsers[user]
}

func (p *Policy) dangerousMatch(payload string) (string, bool) {
	for _, re := range p.dangerous {
		if re.MatchString(payload) {
			return re.String(), true
		}
	}
	return "", false
}
