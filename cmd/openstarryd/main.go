// Command openstarryd is the OpenStarry agent daemon. It is never launched
// directly by a user; lifecycle.StartDaemon spawns it detached with a fixed
// argv contract (--agent-id --config --pid-file --socket --log-file), and
// it exits once its RPC listener closes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/openstarry/core/internal/agentcore"
	"github.com/openstarry/core/internal/bus"
	"github.com/openstarry/core/internal/config"
	"github.com/openstarry/core/internal/daemon"
	"github.com/openstarry/core/internal/lifecycle"
	"github.com/openstarry/core/internal/persistence"
	"github.com/openstarry/core/internal/pluginloader"
	"github.com/openstarry/core/internal/queue"
	"github.com/openstarry/core/internal/registry"
	"github.com/openstarry/core/internal/safety"
	"github.com/openstarry/core/internal/sandbox"
	"github.com/openstarry/core/internal/security"
	"github.com/openstarry/core/internal/session"
	"github.com/openstarry/core/pkg/models"
	"github.com/spf13/cobra"
)

// version is set at build time.
var version = "dev"

func main() {
	var (
		agentID    string
		configPath string
		pidFile    string
		socketPath string
		logFile    string
	)

	cmd := &cobra.Command{
		Use:           "openstarryd",
		Short:         "OpenStarry agent daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(runOptions{
				agentID:    agentID,
				configPath: configPath,
				pidFile:    pidFile,
				socketPath: socketPath,
				logFile:    logFile,
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent instance id")
	cmd.Flags().StringVar(&configPath, "config", "", "path to the agent's YAML config file")
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "path to write this process's pid")
	cmd.Flags().StringVar(&socketPath, "socket", "", "path of the daemon's RPC socket")
	cmd.Flags().StringVar(&logFile, "log-file", "", "path to append structured logs to")

	if err := cmd.Execute(); err != nil {
		slog.Error("openstarryd exited with error", "error", err)
		os.Exit(1)
	}
}

type runOptions struct {
	agentID    string
	configPath string
	pidFile    string
	socketPath string
	logFile    string
}

func run(opts runOptions) error {
	var logWriter *os.File = os.Stderr
	if opts.logFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.logFile), 0o700); err != nil {
			return fmt.Errorf("mkdir log dir: %w", err)
		}
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logWriter = f
	}

	cfg := &config.Config{Agent: config.AgentConfig{ID: opts.agentID}}
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if opts.agentID != "" {
		cfg.Agent.ID = opts.agentID
	}
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = "default"
	}

	level := parseLogLevel(cfg.Logging.Level)
	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "text" {
		handler = slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler).With("agentId", cfg.Agent.ID)
	slog.SetDefault(logger)

	if opts.pidFile != "" {
		if err := lifecycle.WritePID(opts.pidFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer lifecycle.DeletePID(opts.pidFile)
	}

	b := bus.New(logger)
	sessions := session.New(b, logger)

	rootCmd := &cobra.Command{Use: cfg.Agent.ID}
	registries := registry.New(rootCmd, b)

	sec := security.New(cfg.Security.AllowedPaths, func(sessionID string) ([]string, bool) {
		sess := sessions.Get(sessionID)
		if sess == nil || len(sess.Config.AllowedPaths) == 0 {
			return nil, false
		}
		return sess.Config.AllowedPaths, true
	})

	sandboxCfg := sandbox.Config{
		WorkerBinary:           cfg.Sandbox.WorkerBinary,
		HeartbeatInterval:      cfg.Sandbox.HeartbeatInterval,
		StallCheckInterval:     cfg.Sandbox.StallCheckInterval,
		DefaultCPUStallTimeout: cfg.Sandbox.DefaultCPUStallTimeout,
		DefaultRPCTimeout:      cfg.Sandbox.DefaultRPCTimeout,
		InitTimeout:            cfg.Sandbox.InitTimeout,
		ResetTimeout:           cfg.Sandbox.ResetTimeout,
	}
	sandboxHost := sandbox.New(sandboxCfg, b, sessions, registries, logger)
	sandboxHost.Start()

	loader := pluginloader.New(registries, sandboxHost, logger, pluginloader.ValidatePluginPath)
	if len(cfg.Sandbox.PluginPaths) > 0 {
		manifests, err := pluginloader.DiscoverManifests(cfg.Sandbox.PluginPaths)
		if err != nil {
			return fmt.Errorf("discover plugins: %w", err)
		}
		workspaceDir := filepath.Join(cfg.Persistence.StatePath, "plugins")
		ctx := context.Background()
		if err := loader.LoadAll(ctx, manifests, cfg.Agent.ID, func(name string) string {
			return filepath.Join(workspaceDir, name)
		}); err != nil {
			return fmt.Errorf("load plugins: %w", err)
		}
	}
	defer loader.Shutdown(context.Background())

	persistenceCfg := persistence.Config{
		StatePath:      cfg.Persistence.StatePath,
		MaxHistorySize: cfg.Persistence.MaxHistorySize,
		FlushCount:     cfg.Persistence.FlushCount,
		FlushInterval:  cfg.Persistence.FlushInterval,
	}
	persistenceStore := persistence.New(persistenceCfg, b, logger)
	defer persistenceStore.Close()

	q := queue.New()

	loopCfg := agentcore.Config{
		Safety: safety.Config{
			MaxLoopTicks:            cfg.Safety.MaxLoopTicks,
			MaxTokenUsage:           int(cfg.Safety.MaxTokenUsage),
			RepetitiveFailThreshold: cfg.Safety.RepetitiveFailThreshold,
			FrustrationThreshold:    cfg.Safety.FrustrationThreshold,
			ErrorWindowSize:         cfg.Safety.ErrorWindowSize,
			ErrorRateThreshold:      cfg.Safety.ErrorRateThreshold,
		},
	}
	loop := agentcore.New(loopCfg, b, sessions, registries, sec, logger,
		providerResolver(sessions, registries),
		modelResolver(sessions),
		systemPromptResolver(registries),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go consumeQueue(ctx, q, loop, sessions, persistenceStore, cfg.Agent.ID)

	agentInfo := daemon.AgentInfo{ID: cfg.Agent.ID, Name: cfg.Agent.Name, Version: version}
	server := daemon.NewServer(agentInfo, sessions, q, b, logger, cfg.Daemon.ReplayCount)
	forwarder := daemon.NewForwarder(b, server)
	defer forwarder.Close()

	socketPath := opts.socketPath
	if socketPath == "" {
		socketPath = cfg.Daemon.SocketPath
	}
	if socketPath == "" {
		socketPath = lifecycle.PathsFor(cfg.Daemon.StatePath, cfg.Agent.ID).Endpoint
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe(socketPath) }()

	logger.Info("daemon ready", "socket", socketPath, "version", version)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		server.Close()
		q.Close()
		return nil
	case err := <-serveErr:
		return err
	}
}

func consumeQueue(ctx context.Context, q *queue.Queue, loop *agentcore.Loop, sessions *session.Manager, store *persistence.Store, agentID string) {
	for {
		ev, ok := q.Pop()
		if !ok {
			return
		}
		sessionID := ev.SessionID
		if sessionID == "" {
			sessionID = models.DefaultSessionID
		}
		loop.ProcessEvent(ctx, agentcore.Input{
			SessionID: ev.SessionID,
			ReplyTo:   ev.ReplyTo,
			Data:      ev.Data,
			Cancel:    ev.Cancel,
		})

		sess := sessions.Get(sessionID)
		if sess == nil {
			continue
		}
		messages := sessions.GetStateManager(sessionID).Snapshot()
		store.Save(agentID, *sess, messages)
	}
}

func providerResolver(sessions *session.Manager, registries *registry.Registries) agentcore.ProviderResolver {
	return func(sessionID string) (models.Provider, error) {
		id := ""
		if sess := sessions.Get(sessionID); sess != nil {
			id = sess.Config.Provider
		}
		if id == "" {
			ids := registries.Providers.IDs()
			if len(ids) == 0 {
				return nil, fmt.Errorf("no provider registered")
			}
			id = ids[0]
		}
		p, ok := registries.Providers.Get(id)
		if !ok {
			return nil, fmt.Errorf("provider %q not registered", id)
		}
		return p, nil
	}
}

func modelResolver(sessions *session.Manager) agentcore.ModelResolver {
	return func(sessionID string) string {
		if sess := sessions.Get(sessionID); sess != nil {
			return sess.Config.Model
		}
		return ""
	}
}

func systemPromptResolver(registries *registry.Registries) agentcore.SystemPromptResolver {
	return func(sessionID string) string {
		var b strings.Builder
		for _, guide := range registries.Guides.List() {
			if guide.Body == "" {
				continue
			}
			b.WriteString(guide.Body)
			b.WriteString("\n\n")
		}
		return strings.TrimSpace(b.String())
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
