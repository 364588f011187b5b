// Command marionetted is the Marionette agent daemon. It wires the tool
// registry, guardrail engine, task store and planning-loop manager together
// and serves the HTTP command API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/marionette-agent/marionette/command"
	"github.com/marionette-agent/marionette/comms"
	"github.com/marionette-agent/marionette/config"
	"github.com/marionette-agent/marionette/guardrail"
	"github.com/marionette-agent/marionette/internal/version"
	"github.com/marionette-agent/marionette/planner"
	"github.com/marionette-agent/marionette/provider"
	"github.com/marionette-agent/marionette/provider/mock"
	"github.com/marionette-agent/marionette/server"
	"github.com/marionette-agent/marionette/session"
	"github.com/marionette-agent/marionette/task"
	"github.com/marionette-agent/marionette/tool"
	"github.com/marionette-agent/marionette/tool/host"
)

var (
	configPath  = flag.String("config", "", "path to YAML config file")
	listenAddr  = flag.String("addr", "", "listen address override")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("marionetted %s\n", version.String())
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *listenAddr != "" {
		cfg.Server.Addr = *listenAddr
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting marionetted",
		"version", version.Version,
		"commit", version.Commit,
	)

	workspace := cfg.Safety.WorkspacePath
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		log.Fatalf("Failed to create workspace %s: %v", workspace, err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir %s: %v", cfg.DataDir, err)
	}

	store, err := task.NewSQLiteStore(filepath.Join(cfg.DataDir, "tasks.db"))
	if err != nil {
		log.Fatalf("Failed to open task store: %v", err)
	}

	policy, err := guardrail.NewPolicy(cfg.Safety)
	if err != nil {
		log.Fatalf("Failed to build guardrail policy: %v", err)
	}
	guard := guardrail.NewEngine(policy, logger)
	redactor := guardrail.NewRedactor(cfg.Safety.Secrets)

	oracle, err := buildOracle(cfg.Provider)
	if err != nil {
		log.Fatalf("Failed to configure provider: %v", err)
	}
	logger.Info("reasoning provider ready", "provider", oracle.Name())

	registry := tool.NewRegistry(logger)
	var browser *host.BrowserManager
	for _, t := range builtinTools(cfg, workspace, &browser) {
		if err := registry.Register(t); err != nil {
			log.Fatalf("Failed to register tool: %v", err)
		}
	}

	loaders, mcpLoader := buildLoaders(cfg, workspace, logger)
	if len(loaders) > 0 {
		if err := registry.Reload(context.Background(), loaders...); err != nil {
			logger.Warn("external tool discovery failed, continuing with built-ins", "error", err)
		}
	}
	logger.Info("tool registry ready", "tools", len(registry.List()))

	bus := comms.NewInMemoryBus()
	manager := session.NewManager(session.Options{
		Oracle:   oracle,
		Registry: registry,
		Guard:    guard,
		Redactor: redactor,
		Store:    store,
		Bus:      bus,
		Logger:   logger,
		Loop: planner.Config{
			MaxIterations:   cfg.Planner.MaxIterations,
			RateLimit:       cfg.Planner.RateLimit(),
			ToolTimeout:     cfg.Planner.ToolTimeout(),
			ConfirmTimeout:  cfg.Planner.ConfirmTimeout(),
			MaxRepeatedCall: cfg.Planner.MaxRepeatedCall,
		},
	})

	router := &command.Router{
		Manager:  manager,
		Registry: registry,
		Guard:    guard,
		Redactor: redactor,
		Logger:   logger,
	}

	srv := server.New(*cfg, version.String(), router, manager, bus, logger)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop", "error", err)
	}
	manager.Shutdown()
	if mcpLoader != nil {
		_ = mcpLoader.Close()
	}
	if browser != nil {
		_ = browser.Shutdown()
	}
	if err := store.Close(); err != nil {
		logger.Error("close task store", "error", err)
	}
	logger.Info("shutdown complete")
}

// buildOracle selects the reasoning backend from config.
func buildOracle(cfg config.ProviderConfig) (provider.Provider, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "anthropic":
		return provider.NewAnthropicProvider(provider.AnthropicConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		}), nil
	case "openai":
		return provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		}), nil
	case "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}

// builtinTools assembles the built-in tool set, honoring the capability
// enable flags. Disabled classes are not registered at all, so the oracle
// never sees them. The browser manager is created only when browser tools
// are enabled and is returned through the out parameter for shutdown.
func builtinTools(cfg *config.Config, workspace string, browser **host.BrowserManager) []tool.Tool {
	var tools []tool.Tool
	if cfg.Safety.EnableShell {
		tools = append(tools, &host.RunShellTool{Workspace: workspace})
	}
	if cfg.Safety.EnableProcess {
		tools = append(tools,
			&host.ListProcessesTool{},
			&host.KillProcessTool{},
			&host.SystemInfoTool{Workspace: workspace},
		)
	}
	if cfg.Safety.EnableFile {
		tools = append(tools,
			&host.ReadFileTool{Workspace: workspace},
			&host.WriteFileTool{Workspace: workspace},
			&host.ListDirTool{Workspace: workspace},
			&host.SearchFilesTool{Workspace: workspace},
		)
	}
	if cfg.Safety.EnableApp {
		tools = append(tools,
			&host.OpenAppTool{},
			&host.CloseAppTool{},
			&host.ListAppsTool{},
		)
	}
	if cfg.Safety.EnableAppleScript {
		tools = append(tools, &host.RunAppleScriptTool{})
	}
	if cfg.Safety.EnableBrowser {
		bm := host.NewBrowserManager(cfg.Tools.Headless)
		*browser = bm
		tools = append(tools,
			&host.FetchURLTool{},
			&host.BrowserNavigateTool{Manager: bm},
			&host.BrowserScreenshotTool{Manager: bm},
			&host.BrowserClickTool{Manager: bm},
			&host.BrowserFillTool{Manager: bm},
		)
	}
	return tools
}

// buildLoaders assembles the dynamic tool loaders: the skill directory and,
// when enabled, the configured MCP servers. The MCP loader is returned
// separately so main can close its server processes on shutdown.
func buildLoaders(cfg *config.Config, workspace string, logger *slog.Logger) ([]tool.Loader, *tool.MCPLoader) {
	var loaders []tool.Loader

	skillDir := cfg.Tools.SkillDir
	if skillDir != "" {
		if !filepath.IsAbs(skillDir) {
			skillDir = filepath.Join(workspace, skillDir)
		}
		loaders = append(loaders, &tool.SkillLoader{Dir: skillDir, WorkDir: workspace})
	}

	var mcpLoader *tool.MCPLoader
	if cfg.Tools.AutoLoadMCP && len(cfg.Tools.MCPServers) > 0 {
		servers := make([]tool.MCPServer, 0, len(cfg.Tools.MCPServers))
		for _, s := range cfg.Tools.MCPServers {
			servers = append(servers, tool.MCPServer{
				Name:    s.Name,
				Command: s.Command,
				Args:    s.Args,
			})
		}
		mcpLoader = &tool.MCPLoader{Servers: servers, Logger: logger}
		loaders = append(loaders, mcpLoader)
	}

	return loaders, mcpLoader
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
