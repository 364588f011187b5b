package host

import (
	"context"
	"os"
	"runtime"

	"github.com/marionette-agent/marionette/provider"
	"github.com/marionette-agent/marionette/tool"
)

// SystemInfoTool reports basic facts about the host.
type SystemInfoTool struct {
	Workspace string
}

func (t *SystemInfoTool) Name() string                { return "system_info" }
func (t *SystemInfoTool) Description() string         { return "Report host OS, architecture and workspace" }
func (t *SystemInfoTool) Capability() tool.Capability { return tool.CapProcess }

func (t *SystemInfoTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}
}

func (t *SystemInfoTool) Execute(_ context.Context, _ map[string]any) (any, error) {
	hostname, _ := os.Hostname()
	wd, _ := os.Getwd()
	return map[string]any{
		"hostname":    hostname,
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
		"num_cpu":     runtime.NumCPU(),
		"working_dir": wd,
		"workspace":   t.Workspace,
	}, nil
}
