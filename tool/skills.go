package tool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/marionette-agent/marionette/provider"
)

// skillFrontmatter is the YAML frontmatter of an on-disk skill file.
type skillFrontmatter struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Category    string       `yaml:"category"`
	Command     string       `yaml:"command"` // shell template with {param} placeholders
	Params      []skillParam `yaml:"params"`
	TimeoutSecs int          `yaml:"timeout_seconds"`
}

type skillParam struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"` // "string", "integer", "boolean"
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// SkillTool is a tool defined by an on-disk markdown skill file. Its body
// documents usage; its frontmatter declares a shell command template that
// Execute renders and runs. Skill tools are shell-class, so the rendered
// payload passes through dangerous-pattern and whitelist checks.
type SkillTool struct {
	id      string
	name    string
	desc    string
	command string
	params  []skillParam
	timeout time.Duration
	workDir string
}

func (t *SkillTool) Name() string           { return t.id }
func (t *SkillTool) Description() string    { return t.desc }
func (t *SkillTool) Capability() Capability { return CapShell }

func (t *SkillTool) Definition() provider.ToolDef {
	props := map[string]any{}
	var required []string
	for _, p := range t.params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		props[p.Name] = map[string]any{"type": typ, "description": p.Description}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	def := provider.ToolDef{
		Name:        t.id,
		Description: t.desc,
		Parameters:  map[string]any{"type": "object", "properties": props},
	}
	if len(required) > 0 {
		def.Parameters["required"] = required
	}
	return def
}

// Payload renders the command template so the guardrail engine can inspect
// the exact shell payload that would run.
func (t *SkillTool) Payload(args map[string]any) (string, bool) {
	cmd, err := t.render(args)
	if err != nil {
		return "", false
	}
	return cmd, true
}

func (t *SkillTool) render(args map[string]any) (string, error) {
	cmd := t.command
	for _, p := range t.params {
		placeholder := "{" + p.Name + "}"
		v, ok := args[p.Name]
		if !ok {
			if p.Required {
				return "", fmt.Errorf("skill %s: missing required param %q", t.id, p.Name)
			}
			cmd = strings.ReplaceAll(cmd, placeholder, "")
			continue
		}
		cmd = strings.ReplaceAll(cmd, placeholder, fmt.Sprintf("%v", v))
	}
	return cmd, nil
}

func (t *SkillTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	command, err := t.render(args)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if t.workDir != "" {
		cmd.Dir = t.workDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("skill %s: %w", t.id, runErr)
		}
	}
	return map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}, nil
}

// SkillLoader discovers skill tools from .md files in a directory.
type SkillLoader struct {
	Dir     string
	WorkDir string // workspace the rendered commands run in
}

// SourceID identifies this loader for registry conflict resolution.
func (l *SkillLoader) SourceID() string { return "skill:" + l.Dir }

// Load parses every .md file in the skill directory. A missing directory is
// not an error; a malformed skill file is (so a bad reload keeps the old
// catalog).
func (l *SkillLoader) Load(_ context.Context) ([]Tool, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("skills: read dir %q: %w", l.Dir, err)
	}

	var tools []Tool
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		fpath := filepath.Join(l.Dir, e.Name())
		data, err := os.ReadFile(fpath)
		if err != nil {
			return nil, fmt.Errorf("skills: read file %q: %w", fpath, err)
		}
		t, err := parseSkillFile(e.Name(), data, l.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("skills: parse %q: %w", fpath, err)
		}
		tools = append(tools, t)
	}
	return tools, nil
}

// parseSkillFile parses a markdown file with YAML frontmatter into a
// SkillTool. The filename (without .md) is used as the tool name.
func parseSkillFile(filename string, data []byte, workDir string) (*SkillTool, error) {
	id := strings.TrimSuffix(filename, ".md")
	content := string(data)

	var fm skillFrontmatter
	body := content
	if strings.HasPrefix(strings.TrimSpace(content), "---") {
		parts := strings.SplitN(strings.TrimSpace(content), "---", 3)
		if len(parts) >= 3 {
			if err := yaml.Unmarshal([]byte(parts[1]), &fm); err != nil {
				return nil, fmt.Errorf("parse frontmatter: %w", err)
			}
			body = strings.TrimSpace(parts[2])
		}
	}

	if fm.Command == "" {
		return nil, fmt.Errorf("skill %s: frontmatter has no command", id)
	}

	name := fm.Name
	if name == "" {
		name = cases.Title(language.English).String(strings.ReplaceAll(id, "-", " "))
	}
	desc := fm.Description
	if desc == "" {
		// First body line doubles as the description.
		if i := strings.IndexByte(body, '\n'); i > 0 {
			desc = strings.TrimPrefix(strings.TrimSpace(body[:i]), "# ")
		} else {
			desc = name
		}
	}
	timeout := time.Duration(fm.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &SkillTool{
		id:      id,
		name:    name,
		desc:    desc,
		command: fm.Command,
		params:  fm.Params,
		timeout: timeout,
		workDir: workDir,
	}, nil
}
