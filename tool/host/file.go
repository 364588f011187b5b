package host

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/marionette-agent/marionette/provider"
	"github.com/marionette-agent/marionette/tool"
)

const maxReadBytes = 256 * 1024

// validatePath resolves path against the workspace and rejects anything
// that escapes it. Relative paths are joined under the workspace; absolute
// paths are taken as given, so /etc/passwd is rejected rather than silently
// remapped to <workspace>/etc/passwd. Symlinks on the existing prefix are
// resolved before the containment check.
func validatePath(workspace, path string) (string, error) {
	if workspace == "" {
		return "", fmt.Errorf("no workspace configured")
	}
	p := filepath.Clean(path)
	if !filepath.IsAbs(p) {
		p = filepath.Join(workspace, p)
	}
	absResolved, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	wsResolved, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("invalid workspace: %w", err)
	}
	absResolved = resolveExisting(absResolved)
	wsResolved = resolveExisting(wsResolved)
	if !strings.HasPrefix(absResolved, wsResolved+string(filepath.Separator)) && absResolved != wsResolved {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	return absResolved, nil
}

// resolveExisting resolves symlinks on the longest existing prefix of path
// and rejoins the non-existing remainder.
func resolveExisting(path string) string {
	remainder := ""
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, remainder)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path
		}
		remainder = filepath.Join(filepath.Base(cur), remainder)
		cur = parent
	}
}

func pathArg(args map[string]any) []string {
	if p, ok := args["path"].(string); ok && p != "" {
		return []string{p}
	}
	return nil
}

// ReadFileTool reads a file from the workspace.
type ReadFileTool struct {
	Workspace string
}

func (t *ReadFileTool) Name() string                { return "read_file" }
func (t *ReadFileTool) Description() string         { return "Read a file from the workspace" }
func (t *ReadFileTool) Capability() tool.Capability { return tool.CapFile }

func (t *ReadFileTool) Paths(args map[string]any) []string { return pathArg(args) }

func (t *ReadFileTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Path relative to the workspace"},
			},
			"required": []string{"path"},
		},
	}
}

func (t *ReadFileTool) Execute(_ context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	absPath, err := validatePath(t.Workspace, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}
	return map[string]any{"content": string(data), "truncated": truncated}, nil
}

// WriteFileTool writes a file into the workspace, creating parent
// directories as needed.
type WriteFileTool struct {
	Workspace string
}

func (t *WriteFileTool) Name() string                { return "write_file" }
func (t *WriteFileTool) Description() string         { return "Write a file into the workspace" }
func (t *WriteFileTool) Capability() tool.Capability { return tool.CapFile }

func (t *WriteFileTool) Paths(args map[string]any) []string { return pathArg(args) }

func (t *WriteFileTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Path relative to the workspace"},
				"content": map[string]any{"type": "string", "description": "File content to write"},
			},
			"required": []string{"path", "content"},
		},
	}
}

func (t *WriteFileTool) Execute(_ context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	absPath, err := validatePath(t.Workspace, path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}
	return map[string]any{"path": path, "bytes_written": len(content)}, nil
}

// ListDirTool lists a workspace directory.
type ListDirTool struct {
	Workspace string
}

func (t *ListDirTool) Name() string                { return "list_dir" }
func (t *ListDirTool) Description() string         { return "List files in a workspace directory" }
func (t *ListDirTool) Capability() tool.Capability { return tool.CapFile }

func (t *ListDirTool) Paths(args map[string]any) []string { return pathArg(args) }

func (t *ListDirTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Relative directory path (default: root)"},
			},
		},
	}
}

func (t *ListDirTool) Execute(_ context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	absPath, err := validatePath(t.Workspace, path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(absPath)
	if err != nil {
		return nil, fmt.Errorf("list directory: %w", err)
	}
	var files []map[string]any
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, map[string]any{
			"name":   e.Name(),
			"is_dir": e.IsDir(),
			"size":   info.Size(),
		})
	}
	return files, nil
}

// SearchFilesTool searches workspace file contents for a substring.
type SearchFilesTool struct {
	Workspace string
}

func (t *SearchFilesTool) Name() string                { return "search_files" }
func (t *SearchFilesTool) Description() string         { return "Search workspace files for text" }
func (t *SearchFilesTool) Capability() tool.Capability { return tool.CapFile }

func (t *SearchFilesTool) Paths(args map[string]any) []string { return pathArg(args) }

func (t *SearchFilesTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Text to search for"},
				"path":  map[string]any{"type": "string", "description": "Relative directory to search (default: root)"},
			},
			"required": []string{"query"},
		},
	}
}

func (t *SearchFilesTool) Execute(_ context.Context, args map[string]any) (any, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	root, err := validatePath(t.Workspace, path)
	if err != nil {
		return nil, err
	}

	const maxMatches = 100
	var matches []map[string]any
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if len(matches) >= maxMatches {
			return filepath.SkipAll
		}
		data, err := os.ReadFile(p)
		if err != nil || len(data) > maxReadBytes {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, query) {
				rel, _ := filepath.Rel(t.Workspace, p)
				matches = append(matches, map[string]any{
					"path": rel,
					"line": i + 1,
					"text": strings.TrimSpace(line),
				})
				if len(matches) >= maxMatches {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search files: %w", err)
	}
	return map[string]any{"matches": matches, "count": len(matches)}, nil
}
