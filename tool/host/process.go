package host

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/marionette-agent/marionette/provider"
	"github.com/marionette-agent/marionette/tool"
)

// ListProcessesTool lists running processes, optionally filtered by name.
type ListProcessesTool struct{}

func (t *ListProcessesTool) Name() string                { return "list_processes" }
func (t *ListProcessesTool) Description() string         { return "List running processes" }
func (t *ListProcessesTool) Capability() tool.Capability { return tool.CapProcess }

func (t *ListProcessesTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filter": map[string]any{"type": "string", "description": "Only include processes whose command line contains this text"},
			},
		},
	}
}

func (t *ListProcessesTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	filter, _ := args["filter"].(string)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ps", "axo", "pid,pcpu,pmem,comm")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	const maxLines = 200
	var lines []string
	for i, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if i == 0 {
			lines = append(lines, line) // ps header
			continue
		}
		if filter != "" && !strings.Contains(line, filter) {
			continue
		}
		lines = append(lines, line)
		if len(lines) > maxLines {
			break
		}
	}
	return strings.Join(lines, "\n"), nil
}

// KillProcessTool sends a signal to a process by PID.
type KillProcessTool struct{}

func (t *KillProcessTool) Name() string                { return "kill_process" }
func (t *KillProcessTool) Description() string         { return "Terminate a process by PID" }
func (t *KillProcessTool) Capability() tool.Capability { return tool.CapProcess }

func (t *KillProcessTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pid":   map[string]any{"type": "integer", "description": "Process ID to terminate"},
				"force": map[string]any{"type": "boolean", "description": "Send SIGKILL instead of SIGTERM"},
			},
			"required": []string{"pid"},
		},
	}
}

func (t *KillProcessTool) Execute(_ context.Context, args map[string]any) (any, error) {
	pidF, ok := args["pid"].(float64)
	if !ok || pidF <= 0 {
		return nil, fmt.Errorf("pid is required")
	}
	pid := int(pidF)
	if pid == 1 || pid == os.Getpid() {
		return nil, fmt.Errorf("refusing to signal pid %d", pid)
	}

	sig := syscall.SIGTERM
	if force, _ := args["force"].(bool); force {
		sig = syscall.SIGKILL
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(sig); err != nil {
		return nil, fmt.Errorf("signal process %d: %w", pid, err)
	}
	return map[string]any{"pid": pid, "signal": sig.String()}, nil
}
