package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/llm/providers"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/quota"
	"github.com/loomhq/loom/internal/server"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tools"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		Long: `Start the HTTP server with all configured providers, the MCP session
manager, the quota gate and the collaborator stores. Graceful shutdown on
SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "loom.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	env := config.ReadEnv()
	cfg, err := config.Load(configPath, env)
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			return err
		}
		return fmt.Errorf("load config: %w", err)
	}

	setupLogging(cfg.Logging, debug)
	logger := slog.Default()
	logger.Info("starting loom", "version", version)

	dispatcher, err := buildDispatcher(cfg, logger)
	if err != nil {
		return err
	}
	if models := dispatcher.Models(); len(models) == 0 {
		logger.Warn("no models configured, all requests will fail routing")
	}

	var mcpManager *mcp.Manager
	if cfg.MCP.Enabled {
		mcpManager = mcp.NewManager(cfg.MCP.ConfigPath)
		if err := mcpManager.Start(ctx); err != nil {
			logger.Error("MCP startup failed", "error", err)
		} else {
			defer mcpManager.Shutdown()
		}
	}

	stores, quotaStore, err := buildStores(cfg, env, logger)
	if err != nil {
		return err
	}
	defer stores.Close()
	gate := quota.NewGate(quotaStore, cfg.Quota.DailyLimit, cfg.Quota.ModelLimits)

	executorOpts := agent.Options{
		Dispatcher: dispatcher,
		Quota:      gate,
		Stores:     stores,
		Config:     cfg.Agent,
		ToolDeps: tools.Deps{
			Completer: dispatcher,
			Memory:    stores.Memory,
		},
		Logger: logger.With("component", "agent"),
	}
	if mcpManager != nil {
		executorOpts.MCP = mcpManager
	}
	executor := agent.New(executorOpts)

	srv := server.New(server.Options{
		Addr:       fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Executor:   executor,
		Dispatcher: dispatcher,
		Quota:      gate,
		MCP:        mcpStatus(mcpManager),
		AdminKey:   env.AdminAPIKey,
		Logger:     logger.With("component", "server"),
	})

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(runCtx)
}

// mcpStatus keeps the server's MCP field a typed nil-free interface.
func mcpStatus(manager *mcp.Manager) server.MCPStatus {
	if manager == nil {
		return nil
	}
	return manager
}

func buildDispatcher(cfg *config.Config, logger *slog.Logger) (*llm.Dispatcher, error) {
	var fleet []llm.Provider
	for name, providerCfg := range cfg.LLM.Providers {
		if len(providerCfg.Models) == 0 {
			continue
		}
		switch name {
		case "github":
			fleet = append(fleet, providers.NewGitHub(providerCfg, logger))
		case "gemini":
			p, err := providers.NewGemini(providerCfg, logger)
			if err != nil {
				return nil, fmt.Errorf("gemini provider: %w", err)
			}
			fleet = append(fleet, p)
		case "ollama":
			fleet = append(fleet, providers.NewOllama(providerCfg, logger))
		case "nim":
			fleet = append(fleet, providers.NewNIM(providerCfg, logger))
		case "openrouter":
			fleet = append(fleet, providers.NewOpenRouter(providerCfg, logger))
		}
	}
	return llm.NewDispatcher(logger, fleet...), nil
}

func buildStores(cfg *config.Config, env config.Env, logger *slog.Logger) (*store.Set, quota.Store, error) {
	if cfg.Storage.MongoURL != "" {
		// Mongo persistence is an external collaborator; only the sqlite
		// backend ships here.
		logger.Warn("mongo_url is set but unsupported, falling back", "sqlite_path", cfg.Storage.SQLitePath)
	}

	if cfg.Storage.SQLitePath == "" {
		logger.Info("no sqlite path configured, using in-memory persistence")
		return store.NewNoop(), quota.NewMemoryStore(), nil
	}

	stores, err := store.OpenSQLite(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	quotaStore, err := quota.OpenSQLite(quotaDBPath(cfg.Storage.SQLitePath))
	if err != nil {
		stores.Close()
		return nil, nil, fmt.Errorf("open quota store: %w", err)
	}
	return stores, quotaStore, nil
}

// quotaDBPath keeps the usage counters in a sibling file so the main store
// and the counter writer never contend on one sqlite handle.
func quotaDBPath(path string) string {
	if strings.HasSuffix(path, ".db") {
		return strings.TrimSuffix(path, ".db") + ".quota.db"
	}
	return path + ".quota"
}

func setupLogging(cfg config.LoggingConfig, debug bool) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
