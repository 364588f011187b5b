// Package tool defines the Marionette tool interface and registry.
// Tools are the capabilities the planning loop may invoke against the host;
// every invocation is authorized by the guardrail engine first.
package tool

import (
	"context"

	"github.com/marionette-agent/marionette/provider"
)

// Capability classifies a tool for guardrail policy decisions.
type Capability string

const (
	CapShell       Capability = "shell"
	CapProcess     Capability = "process"
	CapFile        Capability = "file"
	CapApp         Capability = "app"
	CapBrowser     Capability = "browser"
	CapAppleScript Capability = "applescript"
)

// SourceKind distinguishes built-in tools from externally discovered ones.
type SourceKind string

const (
	SourceBuiltin  SourceKind = "built-in"
	SourceExternal SourceKind = "external-provider"
)

// Source records where a tool registration came from, for conflict resolution.
type Source struct {
	Kind     SourceKind
	Provider string // e.g. "mcp:github", "skill:~/.marionette/skills"; empty for built-in
}

// Builtin is the source tag for compiled-in tools.
func Builtin() Source { return Source{Kind: SourceBuiltin} }

// External is the source tag for tools discovered from the named provider.
func External(providerID string) Source {
	return Source{Kind: SourceExternal, Provider: providerID}
}

// Tool is one invocable capability.
type Tool interface {
	// Name returns the unique tool identifier.
	Name() string

	// Description returns a human-readable description.
	Description() string

	// Definition returns the tool definition for the reasoning oracle.
	Definition() provider.ToolDef

	// Capability returns the guardrail capability class.
	Capability() Capability

	// Execute runs the tool with the given arguments. It must not touch
	// the host before the caller has obtained an Allow/Confirm verdict.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// PayloadExtractor is implemented by shell/AppleScript-class tools whose
// effective payload is not simply the "command" argument (e.g. skill tools
// that render a command template). The guardrail engine matches dangerous
// patterns and the whitelist against the extracted payload.
type PayloadExtractor interface {
	Payload(args map[string]any) (string, bool)
}

// PathExtractor is implemented by tools whose arguments name filesystem
// paths subject to workspace containment.
type PathExtractor interface {
	Paths(args map[string]any) []string
}

// Loader discovers tools from one external source at registry reload time.
type Loader interface {
	// SourceID identifies the provider (e.g. "mcp:github").
	SourceID() string

	// Load returns the source's current tool set.
	Load(ctx context.Context) ([]Tool, error)
}
