package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/marionette-agent/marionette/provider"
)

// jsonRPCRequest is a JSON-RPC 2.0 request.
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonRPCResponse is a JSON-RPC 2.0 response.
type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// mcpClient manages a connection to a single MCP server via stdio.
type mcpClient struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	mu     sync.Mutex
	nextID atomic.Int64
}

func newMCPClient(name, command string, args []string) (*mcpClient, error) {
	cmd := exec.Command(command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp client %s: stdin pipe: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp client %s: stdout pipe: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp client %s: start: %w", name, err)
	}
	return &mcpClient{
		name:   name,
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewScanner(stdout),
	}, nil
}

func (c *mcpClient) call(method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID.Add(1)
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
	data, _ := json.Marshal(req)
	data = append(data, '\n')

	if _, err := c.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	if !c.stdout.Scan() {
		return nil, fmt.Errorf("read response: EOF")
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(c.stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

func (c *mcpClient) close() error {
	c.stdin.Close()
	return c.cmd.Wait()
}

// mcpToolListResult matches the MCP tools/list response.
type mcpToolListResult struct {
	Tools []mcpToolInfo `json:"tools"`
}

type mcpToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// mcpTool wraps one MCP server tool. Names are prefixed with
// "mcp_<server>__" so two servers exposing the same tool never collide.
type mcpTool struct {
	client     *mcpClient
	server     string
	info       mcpToolInfo
	capability Capability
}

func (t *mcpTool) Name() string           { return fmt.Sprintf("mcp_%s__%s", t.server, t.info.Name) }
func (t *mcpTool) Description() string    { return t.info.Description }
func (t *mcpTool) Capability() Capability { return t.capability }

func (t *mcpTool) Definition() provider.ToolDef {
	return provider.ToolDef{
		Name:        t.Name(),
		Description: t.info.Description,
		Parameters:  t.info.InputSchema,
	}
}

func (t *mcpTool) Execute(_ context.Context, args map[string]any) (any, error) {
	params := map[string]any{
		"name":      t.info.Name,
		"arguments": args,
	}
	result, err := t.client.call("tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: %w", t.Name(), err)
	}
	var out any
	_ = json.Unmarshal(result, &out)
	return out, nil
}

// MCPServer describes one external MCP server process.
type MCPServer struct {
	Name       string
	Command    string
	Args       []string
	Capability Capability // guardrail class for its tools; defaults to shell
}

// MCPLoader discovers tools from external MCP servers over stdio.
// Load restarts each server process and performs the initialize and
// tools/list handshake; an unreachable server is skipped with a log notice
// rather than failing the whole reload.
type MCPLoader struct {
	Servers []MCPServer
	Logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*mcpClient
}

// SourceID identifies this loader for registry conflict resolution.
func (l *MCPLoader) SourceID() string { return "mcp" }

// Load (re)connects to the configured servers and returns their tool sets.
func (l *MCPLoader) Load(_ context.Context) ([]Tool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for _, c := range l.clients {
		_ = c.close()
	}
	l.clients = make(map[string]*mcpClient)

	var tools []Tool
	for _, srv := range l.Servers {
		if srv.Command == "" {
			continue
		}
		client, err := newMCPClient(srv.Name, srv.Command, srv.Args)
		if err != nil {
			logger.Warn("mcp server unavailable", "server", srv.Name, "error", err)
			continue
		}
		l.clients[srv.Name] = client

		_, _ = client.call("initialize", map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "marionette",
				"version": "1.0.0",
			},
		})

		result, err := client.call("tools/list", nil)
		if err != nil {
			logger.Warn("mcp tool discovery failed", "server", srv.Name, "error", err)
			continue
		}
		var toolList mcpToolListResult
		if err := json.Unmarshal(result, &toolList); err != nil {
			logger.Warn("mcp tool list malformed", "server", srv.Name, "error", err)
			continue
		}

		cap := srv.Capability
		if cap == "" {
			cap = CapShell
		}
		for _, info := range toolList.Tools {
			tools = append(tools, &mcpTool{
				client:     client,
				server:     srv.Name,
				info:       info,
				capability: cap,
			})
		}
	}
	return tools, nil
}

// Close shuts down all connected server processes.
func (l *MCPLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.clients {
		_ = c.close()
	}
	l.clients = nil
	return nil
}
