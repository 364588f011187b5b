package host

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/marionette-agent/marionette/provider"
	"github.com/marionette-agent/marionette/tool"
)

// OpenAppTool launches an application by name.
type OpenAppTool struct{}

func (t *OpenAppTool) Name() string                { return "open_app" }
func (t *OpenAppTool) Description() string         { return "Launch an application by name" }
func (t *OpenAppTool) Capability() tool.Capability { return tool.CapApp }

func (t *OpenAppTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string", "description": "Application name"},
			},
			"required": []string{"name"},
		},
	}
}

func (t *OpenAppTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	name, _ := args["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		cmd = exec.CommandContext(ctx, "open", "-a", name)
	} else {
		cmd = exec.CommandContext(ctx, name)
	}

	if runtime.GOOS == "darwin" {
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("open app %q: %w", name, err)
		}
	} else {
		// Detached start; the app outlives the tool call.
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("open app %q: %w", name, err)
		}
		go func() { _ = cmd.Wait() }()
	}
	return map[string]any{"opened": name}, nil
}

// CloseAppTool asks an application to quit.
type CloseAppTool struct{}

func (t *CloseAppTool) Name() string                { return "close_app" }
func (t *CloseAppTool) Description() string         { return "Quit an application by name" }
func (t *CloseAppTool) Capability() tool.Capability { return tool.CapApp }

func (t *CloseAppTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string", "description": "Application name"},
			},
			"required": []string{"name"},
		},
	}
}

func (t *CloseAppTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	name, _ := args["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		cmd = exec.CommandContext(ctx, "osascript", "-e", fmt.Sprintf("quit app %q", name))
	} else {
		cmd = exec.CommandContext(ctx, "pkill", "-TERM", "-f", name)
	}
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("close app %q: %w", name, err)
	}
	return map[string]any{"closed": name}, nil
}

// ListAppsTool lists currently running applications.
type ListAppsTool struct{}

func (t *ListAppsTool) Name() string                { return "list_apps" }
func (t *ListAppsTool) Description() string         { return "List running applications" }
func (t *ListAppsTool) Capability() tool.Capability { return tool.CapApp }

func (t *ListAppsTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}
}

func (t *ListAppsTool) Execute(ctx context.Context, _ map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		cmd = exec.CommandContext(ctx, "osascript", "-e",
			`tell application "System Events" to get name of (processes where background only is false)`)
	} else {
		cmd = exec.CommandContext(ctx, "ps", "axo", "comm")
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}

	seen := map[string]bool{}
	var apps []string
	var fields []string
	if runtime.GOOS == "darwin" {
		fields = strings.Split(out.String(), ", ")
	} else {
		fields = strings.Split(out.String(), "\n")
	}
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || f == "COMM" || seen[f] {
			continue
		}
		seen[f] = true
		apps = append(apps, f)
	}
	return apps, nil
}
