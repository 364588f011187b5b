package host

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/marionette-agent/marionette/provider"
	"github.com/marionette-agent/marionette/tool"
)

// RunAppleScriptTool runs an AppleScript snippet via osascript. Only
// available on macOS; elsewhere Execute fails cleanly.
type RunAppleScriptTool struct{}

func (t *RunAppleScriptTool) Name() string                { return "run_applescript" }
func (t *RunAppleScriptTool) Description() string         { return "Run an AppleScript snippet" }
func (t *RunAppleScriptTool) Capability() tool.Capability { return tool.CapAppleScript }

func (t *RunAppleScriptTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"script": map[string]any{"type": "string", "description": "AppleScript source to run"},
			},
			"required": []string{"script"},
		},
	}
}

func (t *RunAppleScriptTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	script, _ := args["script"].(string)
	if script == "" {
		return nil, fmt.Errorf("script is required")
	}
	if runtime.GOOS != "darwin" {
		return nil, fmt.Errorf("applescript is only available on macOS")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("osascript: %w: %s", err, stderr.String())
	}
	return map[string]any{"output": stdout.String()}, nil
}
