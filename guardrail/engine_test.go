package guardrail

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/marionette-agent/marionette/config"
	"github.com/marionette-agent/marionette/provider"
	"github.com/marionette-agent/marionette/tool"
)

type fakeTool struct {
	name string
	cap  tool.Capability
}

func (t *fakeTool) Name() string                { return t.name }
func (t *fakeTool) Description() string         { return "fake " + t.name }
func (t *fakeTool) Capability() tool.Capability { return t.cap }
func (t *fakeTool) Definition() provider.ToolDef {
	return provider.ToolDef{Name: t.name}
}
func (t *fakeTool) Execute(_ context.Context, _ map[string]any) (any, error) {
	return "ok", nil
}

type payloadTool struct {
	fakeTool
	payload string
	ok      bool
}

func (t *payloadTool) Payload(_ map[string]any) (string, bool) { return t.payload, t.ok }

func newTestEngine(t *testing.T, mutate func(*config.SafetyConfig)) *Engine {
	t.Helper()
	cfg := config.SafetyConfig{
		WorkspacePath: t.TempDir(),
		EnableShell:   true,
		EnableProcess: true,
		EnableFile:    true,
		EnableApp:     true,
		EnableBrowser: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewPolicy(cfg)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	return NewEngine(p, nil)
}

func shellReq(command string) Request {
	return Request{
		User: "owner",
		Tool: &fakeTool{name: "run_shell", cap: tool.CapShell},
		Args: map[string]any{"command": command},
	}
}

func TestAuthorizeCapabilityDisabled(t *testing.T) {
	e := newTestEngine(t, func(c *config.SafetyConfig) { c.EnableShell = false })
	v := e.Authorize(shellReq("ls"))
	if v.Decision != DecisionDeny {
		t.Fatalf("decision = %v, want deny", v.Decision)
	}
}

func TestAuthorizeUnauthorizedUser(t *testing.T) {
	e := newTestEngine(t, func(c *config.SafetyConfig) { c.AuthorizedUsers = []string{"owner"} })

	req := shellReq("ls")
	req.User = "stranger"
	if v := e.Authorize(req); v.Decision != DecisionDeny {
		t.Errorf("stranger: decision = %v, want deny", v.Decision)
	}

	req.User = "owner"
	if v := e.Authorize(req); v.Decision != DecisionAllow {
		t.Errorf("owner: decision = %v (%s), want allow", v.Decision, v.Reason)
	}
}

func TestAuthorizeEmptyUserListAllowsAll(t *testing.T) {
	e := newTestEngine(t, nil)
	req := shellReq("ls")
	req.User = "anyone"
	if v := e.Authorize(req); v.Decision != DecisionAllow {
		t.Errorf("decision = %v (%s), want allow", v.Decision, v.Reason)
	}
}

func TestAuthorizeWorkspaceContainment(t *testing.T) {
	e := newTestEngine(t, nil)
	fileTool := &fakeTool{name: "read_file", cap: tool.CapFile}

	cases := []struct {
		path string
		want Decision
	}{
		{"notes.txt", DecisionAllow},
		{"sub/dir/file.txt", DecisionAllow},
		{"../escape.txt", DecisionDeny},
		{"sub/../../escape.txt", DecisionDeny},
		{"/etc/passwd", DecisionDeny},
	}
	for _, c := range cases {
		v := e.Authorize(Request{User: "owner", Tool: fileTool, Args: map[string]any{"path": c.path}})
		if v.Decision != c.want {
			t.Errorf("path %q: decision = %v (%s), want %v", c.path, v.Decision, v.Reason, c.want)
		}
	}
}

func TestAuthorizeSymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	ws := t.TempDir()
	link := filepath.Join(ws, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	cfg := config.SafetyConfig{WorkspacePath: ws, EnableFile: true}
	p, err := NewPolicy(cfg)
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	e := NewEngine(p, nil)

	v := e.Authorize(Request{
		User: "owner",
		Tool: &fakeTool{name: "read_file", cap: tool.CapFile},
		Args: map[string]any{"path": "link/victim.txt"},
	})
	if v.Decision != DecisionDeny {
		t.Fatalf("symlink escape: decision = %v (%s), want deny", v.Decision, v.Reason)
	}
}

func TestAuthorizeDangerousPattern(t *testing.T) {
	e := newTestEngine(t, nil)
	for _, cmd := range []string{
		"rm -rf /",
		"sudo shutdown now",
		"dd if=/dev/zero of=/dev/sda",
		"echo x > /dev/sda",
	} {
		if v := e.Authorize(shellReq(cmd)); v.Decision != DecisionDeny {
			t.Errorf("command %q: decision = %v, want deny", cmd, v.Decision)
		}
	}
}

func TestAuthorizeDangerousPatternIgnoresCase(t *testing.T) {
	e := newTestEngine(t, nil)
	for _, cmd := range []string{
		"RM -RF /",
		"SUDO rm x",
		"Dd If=/dev/zero of=/dev/sda",
	} {
		if v := e.Authorize(shellReq(cmd)); v.Decision != DecisionDeny {
			t.Errorf("command %q: decision = %v, want deny", cmd, v.Decision)
		}
	}
}

func TestAuthorizeDangerousBeatsWhitelist(t *testing.T) {
	e := newTestEngine(t, func(c *config.SafetyConfig) {
		c.CommandWhitelist = []string{"sudo", "rm"}
	})
	if v := e.Authorize(shellReq("sudo reboot")); v.Decision != DecisionDeny {
		t.Fatalf("whitelisted dangerous command: decision = %v, want deny", v.Decision)
	}
}

func TestAuthorizeWhitelist(t *testing.T) {
	e := newTestEngine(t, func(c *config.SafetyConfig) {
		c.CommandWhitelist = []string{"ls", "cat"}
	})
	if v := e.Authorize(shellReq("ls -la")); v.Decision != DecisionAllow {
		t.Errorf("ls: decision = %v (%s), want allow", v.Decision, v.Reason)
	}
	if v := e.Authorize(shellReq("curl http://example.com")); v.Decision != DecisionDeny {
		t.Errorf("curl: decision = %v, want deny", v.Decision)
	}
}

func TestAuthorizeConfirmTool(t *testing.T) {
	e := newTestEngine(t, func(c *config.SafetyConfig) {
		c.ConfirmTools = []string{"kill_process"}
	})
	v := e.Authorize(Request{
		User: "owner",
		Tool: &fakeTool{name: "kill_process", cap: tool.CapProcess},
		Args: map[string]any{"pid": float64(1234)},
	})
	if v.Decision != DecisionConfirm {
		t.Fatalf("decision = %v (%s), want confirm", v.Decision, v.Reason)
	}
}

func TestAuthorizeExtractedPayload(t *testing.T) {
	e := newTestEngine(t, func(c *config.SafetyConfig) {
		c.CommandWhitelist = []string{"du"}
	})

	pt := &payloadTool{fakeTool: fakeTool{name: "disk-usage", cap: tool.CapShell}}
	pt.payload, pt.ok = "du -sh .", true
	if v := e.Authorize(Request{User: "owner", Tool: pt, Args: nil}); v.Decision != DecisionAllow {
		t.Errorf("rendered payload: decision = %v (%s), want allow", v.Decision, v.Reason)
	}

	pt.payload, pt.ok = "rm -rf /", true
	if v := e.Authorize(Request{User: "owner", Tool: pt, Args: nil}); v.Decision != DecisionDeny {
		t.Errorf("dangerous rendered payload: decision = %v, want deny", v.Decision)
	}

	pt.ok = false
	if v := e.Authorize(Request{User: "owner", Tool: pt, Args: nil}); v.Decision != DecisionDeny {
		t.Errorf("unresolvable payload: decision = %v, want deny", v.Decision)
	}
}

func TestRedactor(t *testing.T) {
	r := NewRedactor(map[string]string{"api_key": "sk-12345", "empty": ""})
	got := r.Redact("curl -H 'Authorization: sk-12345' https://api.example.com")
	if got != "curl -H 'Authorization: [REDACTED:api_key]' https://api.example.com" {
		t.Errorf("redacted = %q", got)
	}

	r.Add("token", "tok-999")
	if got := r.Redact("use tok-999 here"); got != "use [REDACTED:token] here" {
		t.Errorf("redacted = %q", got)
	}
}
