package tool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeSkill(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
}

func TestSkillLoaderParsesFrontmatter(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "disk-usage.md", `---
description: Report disk usage for a path
command: "du -sh {path}"
params:
  - name: path
    type: string
    description: Directory to measure
    required: true
---
# Disk Usage

Measures how much space a directory uses.
`)

	loader := &SkillLoader{Dir: dir}
	tools, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("loaded %d tools, want 1", len(tools))
	}

	st := tools[0].(*SkillTool)
	if st.Name() != "disk-usage" {
		t.Errorf("name = %q, want disk-usage", st.Name())
	}
	if st.Description() != "Report disk usage for a path" {
		t.Errorf("description = %q", st.Description())
	}
	if st.Capability() != CapShell {
		t.Errorf("capability = %q, want shell", st.Capability())
	}

	def := st.Definition()
	props := def.Parameters["properties"].(map[string]any)
	if _, ok := props["path"]; !ok {
		t.Error("definition missing path parameter")
	}
	req, _ := def.Parameters["required"].([]string)
	if len(req) != 1 || req[0] != "path" {
		t.Errorf("required = %v, want [path]", req)
	}
}

func TestSkillToolPayload(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "grep-logs.md", `---
command: "grep {pattern} /var/log/app.log"
params:
  - name: pattern
    required: true
---
Search application logs.
`)

	loader := &SkillLoader{Dir: dir}
	tools, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	st := tools[0].(*SkillTool)

	payload, ok := st.Payload(map[string]any{"pattern": "ERROR"})
	if !ok {
		t.Fatal("payload not extractable")
	}
	if payload != "grep ERROR /var/log/app.log" {
		t.Errorf("payload = %q", payload)
	}

	if _, ok := st.Payload(map[string]any{}); ok {
		t.Error("missing required param should make payload unavailable")
	}
}

func TestSkillToolExecute(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "say.md", `---
command: "echo {word}"
params:
  - name: word
    required: true
---
Echo a word.
`)

	loader := &SkillLoader{Dir: dir, WorkDir: dir}
	tools, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	out, err := tools[0].Execute(context.Background(), map[string]any{"word": "hello"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	result := out.(map[string]any)
	if result["stdout"] != "hello\n" {
		t.Errorf("stdout = %q, want %q", result["stdout"], "hello\n")
	}
	if result["exit_code"] != 0 {
		t.Errorf("exit_code = %v, want 0", result["exit_code"])
	}
}

func TestSkillLoaderMissingDir(t *testing.T) {
	loader := &SkillLoader{Dir: filepath.Join(t.TempDir(), "absent")}
	tools, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if len(tools) != 0 {
		t.Errorf("loaded %d tools from missing dir", len(tools))
	}
}

func TestSkillLoaderRejectsCommandlessSkill(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "broken.md", `---
description: No command here
---
Body text only.
`)

	loader := &SkillLoader{Dir: dir}
	if _, err := loader.Load(context.Background()); err == nil {
		t.Fatal("expected error for skill without command")
	}
}

func TestSkillNameFallsBackToTitle(t *testing.T) {
	st, err := parseSkillFile("backup-home.md", []byte(`---
command: "tar czf backup.tgz ~"
---
`), "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if st.name != "Backup Home" {
		t.Errorf("display name = %q, want Backup Home", st.name)
	}
}
