package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openweavr/weavr/internal/config"
	"github.com/openweavr/weavr/internal/httpapi"
	"github.com/openweavr/weavr/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

func (c *cli) serveCommand() *cobra.Command {
	var workflowsDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context(), workflowsDir)
		},
	}
	cmd.Flags().StringVar(&workflowsDir, "workflows", "", "deploy every *.yaml/*.yml file in this directory at start")
	return cmd
}

func (c *cli) serve(ctx context.Context, workflowsDir string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := c.startRuntime(ctx, workflowsDir)
	if err != nil {
		return err
	}
	defer rt.stop()
	logger := rt.logger

	server, err := httpapi.New(rt.cfg.Server.Addr, httpapi.Deps{
		Scheduler: rt.scheduler,
		History:   rt.executor.History(),
		RunLog:    rt.store,
		Hub:       rt.hub,
		Metrics:   rt.metrics.Handler(),
		MCP:       rt.mcp.HTTPHandler(),
		Logger:    logger.Named("http"),
	})
	if err != nil {
		return err
	}

	c.watchConfig(rt.app)
	if err := writePID(); err != nil {
		logger.Warn("write pid file", zap.Error(err))
	}
	defer os.Remove(pidPath())

	errc := make(chan error, 1)
	go func() { errc <- server.Start() }()

	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	return server.Stop(shutdownTimeout)
}

// deployDir schedules every workflow file in dir under its file name.
// Invalid files are logged and skipped.
func deployDir(sched *scheduler.Scheduler, dir string, logger *zap.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Error("read workflows dir", zap.String("dir", dir), zap.Error(err))
		return
	}
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		src, err := os.ReadFile(path)
		if err != nil {
			logger.Error("read workflow", zap.String("file", path), zap.Error(err))
			continue
		}
		name := strings.TrimSuffix(e.Name(), ext)
		if err := sched.ScheduleWorkflow(name, string(src)); err != nil {
			logger.Error("deploy workflow", zap.String("file", path), zap.Error(err))
			continue
		}
		logger.Info("deployed workflow", zap.String("workflow", name))
	}
}

// watchConfig applies config file edits that do not need a restart.
func (c *cli) watchConfig(a *app) {
	current := *a.cfg
	file, err := config.Watch(c.configFile, func(next *config.Config, err error) {
		if err != nil {
			a.logger.Error("reload config", zap.Error(err))
			return
		}
		if c.logLevel != "" {
			next.Log.Level = c.logLevel
		}
		diff := config.Diff(&current, next)
		if !diff.Any() {
			return
		}
		if diff.LogLevel {
			if err := a.level.UnmarshalText([]byte(next.Log.Level)); err != nil {
				a.logger.Error("invalid log level", zap.String("level", next.Log.Level), zap.Error(err))
			} else {
				a.logger.Info("log level changed", zap.String("level", next.Log.Level))
			}
		}
		if diff.AI {
			_ = a.credentials.Refresh()
			a.logger.Info("AI credentials reloaded")
		}
		if len(diff.RestartNeeded) > 0 {
			a.logger.Warn("config changes need a restart", zap.Strings("fields", diff.RestartNeeded))
		}
		current = *next
	})
	if errors.Is(err, config.ErrNoConfigFile) {
		return
	}
	if err != nil {
		a.logger.Warn("config watch disabled", zap.Error(err))
		return
	}
	a.logger.Info("watching config", zap.String("file", file))
}

func pidPath() string {
	return filepath.Join(config.Dir(), "weavr.pid")
}

func writePID() error {
	if err := os.MkdirAll(config.Dir(), 0o755); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}
