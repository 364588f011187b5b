package host

import (
	"context"
	"testing"
)

func TestRunShellTool(t *testing.T) {
	ws := t.TempDir()
	st := &RunShellTool{Workspace: ws}

	out, err := st.Execute(context.Background(), map[string]any{"command": "pwd"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	result := out.(map[string]any)
	if result["exit_code"] != 0 {
		t.Errorf("exit_code = %v", result["exit_code"])
	}
	if result["stdout"] == "" {
		t.Error("expected working directory on stdout")
	}
}

func TestRunShellToolNonZeroExit(t *testing.T) {
	st := &RunShellTool{}
	out, err := st.Execute(context.Background(), map[string]any{"command": "exit 3"})
	if err != nil {
		t.Fatalf("non-zero exit should be an observation, not an error: %v", err)
	}
	if out.(map[string]any)["exit_code"] != 3 {
		t.Errorf("exit_code = %v, want 3", out.(map[string]any)["exit_code"])
	}
}

func TestRunShellToolRequiresCommand(t *testing.T) {
	st := &RunShellTool{}
	if _, err := st.Execute(context.Background(), map[string]any{}); err == nil {
		t.Fatal("missing command should fail")
	}
}
