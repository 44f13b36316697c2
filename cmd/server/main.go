package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/sandbot/bot"
	"github.com/isdmx/sandbot/chat"
	"github.com/isdmx/sandbot/chat/discord"
	"github.com/isdmx/sandbot/config"
	"github.com/isdmx/sandbot/job"
	"github.com/isdmx/sandbot/logger"
	"github.com/isdmx/sandbot/mcpserver"
	"github.com/isdmx/sandbot/sandbox"
	"github.com/isdmx/sandbot/status"
	"github.com/isdmx/sandbot/workspace"
)

// stopTimeout bounds shutdown: running jobs are killed and torn down
const stopTimeout = 60 * time.Second

func main() {
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if cfg.Workspace.ClearTemp {
		if err := clearTemp(cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	app := fx.New(
		fx.Supply(cfg),

		// Provide dependencies
		fx.Provide(
			logger.NewFromConfig,
			sandbox.NewRuntime,
			workspace.NewManager,
			job.NewRegistry,
			newSupervisor,
			newConnection,
			newAllowlist,
			newHandler,
			status.New,
		),

		fx.Invoke(registerHooks),

		fx.StopTimeout(stopTimeout),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

// clearTemp purges every workspace for the cleartemp switch
func clearTemp(cfg *config.Config) error {
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	m, err := workspace.NewManager(log, cfg)
	if err != nil {
		return err
	}
	if err := m.Purge(); err != nil {
		return err
	}
	log.Info("workspaces cleared", zap.String("root", m.Root()))
	return nil
}

func newSupervisor(cfg *config.Config, log *zap.Logger, rt sandbox.Runtime, ws *workspace.Manager, reg *job.Registry) *job.Supervisor {
	return job.NewSupervisor(rt, ws, reg, log, job.NewConfig(cfg))
}

func newConnection(cfg *config.Config, log *zap.Logger) (chat.Connection, error) {
	switch cfg.Chat.Platform {
	case config.PlatformDiscord:
		return discord.New(log, cfg.Chat.Token)
	case config.PlatformMCP:
		return mcpserver.New(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported chat platform: %s", cfg.Chat.Platform)
	}
}

func newAllowlist(cfg *config.Config, log *zap.Logger) (*chat.Allowlist, error) {
	list, err := chat.LoadAllowlist(cfg.Chat.AllowlistFile)
	if err != nil {
		return nil, err
	}
	if list == nil {
		log.Warn("no allowlist configured, responding in every channel")
	} else {
		log.Info("allowlist loaded", zap.Int("channels", list.Len()))
	}
	return list, nil
}

func newHandler(
	cfg *config.Config,
	log *zap.Logger,
	conn chat.Connection,
	sup *job.Supervisor,
	ws *workspace.Manager,
	allowlist *chat.Allowlist,
) *bot.Handler {
	return bot.NewHandler(log, cfg, conn, sup, ws, chat.NewDownloader(nil), allowlist)
}

// registerHooks wires start and stop order. Hooks stop in reverse: the chat
// connection stops taking messages first, then running jobs are killed and
// report through the platform, then the runtime is released.
func registerHooks(
	lc fx.Lifecycle,
	cfg *config.Config,
	log *zap.Logger,
	rt sandbox.Runtime,
	sup *job.Supervisor,
	conn chat.Connection,
	handler *bot.Handler,
	statusServer *status.Server,
) {
	if closer, ok := rt.(io.Closer); ok {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return closer.Close() },
		})
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("stopping running jobs", zap.Int("active", sup.Registry().Len()))
			return sup.Shutdown(ctx)
		},
	})

	if cfg.Status.Enabled {
		lc.Append(fx.Hook{
			OnStart: statusServer.Start,
			OnStop:  statusServer.Stop,
		})
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("starting chat connection", zap.String("platform", cfg.Chat.Platform))
			return conn.Start(ctx, handler.OnMessage)
		},
		OnStop: conn.Stop,
	})
}
