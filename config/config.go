// Package config defines the Marionette daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Marionette configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Provider ProviderConfig `json:"provider" yaml:"provider"`
	Planner  PlannerConfig  `json:"planner" yaml:"planner"`
	Safety   SafetyConfig   `json:"safety" yaml:"safety"`
	Tools    ToolsConfig    `json:"tools" yaml:"tools"`
	DataDir  string         `json:"data_dir" yaml:"data_dir"`
	LogLevel string         `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9091"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
}

// ProviderConfig selects and configures the reasoning backend.
type ProviderConfig struct {
	Name    string `json:"name" yaml:"name"` // "anthropic", "openai", "mock"
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model,omitempty" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url"`
}

// PlannerConfig bounds the autonomous planning loop.
type PlannerConfig struct {
	MaxIterations         int `json:"max_iterations" yaml:"max_iterations"`
	RateLimitSeconds      int `json:"rate_limit_seconds" yaml:"rate_limit_seconds"`           // min interval between oracle calls
	ToolTimeoutSeconds    int `json:"tool_timeout_seconds" yaml:"tool_timeout_seconds"`       // per tool execution
	ConfirmTimeoutSeconds int `json:"confirm_timeout_seconds" yaml:"confirm_timeout_seconds"` // 0 = wait forever
	MaxRepeatedCall       int `json:"max_repeated_call" yaml:"max_repeated_call"`             // loop guard threshold
}

// RateLimit returns the minimum interval between oracle calls.
func (p PlannerConfig) RateLimit() time.Duration {
	return time.Duration(p.RateLimitSeconds) * time.Second
}

// ToolTimeout returns the per-execution tool timeout.
func (p PlannerConfig) ToolTimeout() time.Duration {
	return time.Duration(p.ToolTimeoutSeconds) * time.Second
}

// ConfirmTimeout returns the confirmation-gate expiry, 0 meaning no expiry.
func (p PlannerConfig) ConfirmTimeout() time.Duration {
	return time.Duration(p.ConfirmTimeoutSeconds) * time.Second
}

// SafetyConfig is the raw form of the guardrail policy.
type SafetyConfig struct {
	WorkspacePath     string            `json:"workspace_path" yaml:"workspace_path"`
	AuthorizedUsers   []string          `json:"authorized_users" yaml:"authorized_users"`
	CommandWhitelist  []string          `json:"command_whitelist" yaml:"command_whitelist"`
	DangerousPatterns []string          `json:"dangerous_patterns" yaml:"dangerous_patterns"` // appended to built-in set
	ConfirmTools      []string          `json:"confirm_tools" yaml:"confirm_tools"`
	EnableShell       bool              `json:"enable_shell" yaml:"enable_shell"`
	EnableProcess     bool              `json:"enable_process" yaml:"enable_process"`
	EnableFile        bool              `json:"enable_file" yaml:"enable_file"`
	EnableApp         bool              `json:"enable_app" yaml:"enable_app"`
	EnableBrowser     bool              `json:"enable_browser" yaml:"enable_browser"`
	EnableAppleScript bool              `json:"enable_applescript" yaml:"enable_applescript"`
	Secrets           map[string]string `json:"secrets,omitempty" yaml:"secrets"` // name -> value, redacted from output
}

// ToolsConfig controls dynamic tool discovery.
type ToolsConfig struct {
	SkillDir    string            `json:"skill_dir" yaml:"skill_dir"`
	AutoLoadMCP bool              `json:"auto_load_mcp" yaml:"auto_load_mcp"`
	MCPServers  []MCPServerConfig `json:"mcp_servers,omitempty" yaml:"mcp_servers"`
	Headless    bool              `json:"headless" yaml:"headless"` // browser tools
}

// MCPServerConfig describes one external stdio tool server.
type MCPServerConfig struct {
	Name    string   `json:"name" yaml:"name"`
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Addr: ":9091",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Provider: ProviderConfig{
			Name: "anthropic",
		},
		Planner: PlannerConfig{
			MaxIterations:      5,
			RateLimitSeconds:   1,
			ToolTimeoutSeconds: 60,
			MaxRepeatedCall:    3,
		},
		Safety: SafetyConfig{
			WorkspacePath:     filepath.Join(home, ".marionette"),
			EnableShell:       true,
			EnableProcess:     true,
			EnableFile:        true,
			EnableApp:         true,
			EnableBrowser:     true,
			EnableAppleScript: false,
			ConfirmTools:      []string{"kill_process", "close_app"},
		},
		Tools: ToolsConfig{
			SkillDir:    "skills",
			AutoLoadMCP: true,
			Headless:    true,
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
