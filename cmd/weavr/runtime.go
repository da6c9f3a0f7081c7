package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/openweavr/weavr/internal/engine"
	"github.com/openweavr/weavr/internal/scheduler"
	"github.com/openweavr/weavr/internal/streaming"
	weavrmcp "github.com/openweavr/weavr/pkg/mcp"
	"github.com/openweavr/weavr/pkg/schema"
)

// runtime is the long-running part of weavr: executor, scheduler, event hub
// and MCP tools, restored from the store.
type runtime struct {
	*app
	hub       *streaming.MemoryHub
	executor  *engine.Executor
	scheduler *scheduler.Scheduler
	mcp       *weavrmcp.WeavrServer
}

func (c *cli) startRuntime(ctx context.Context, workflowsDir string) (*runtime, error) {
	a, err := c.newApp(ctx, appOptions{persistent: true, toolServers: true})
	if err != nil {
		return nil, err
	}
	rt := &runtime{app: a, hub: streaming.NewMemoryHub()}
	publisher := streaming.NewPublisher(rt.hub, a.logger.Named("stream"))

	rt.executor, err = a.newExecutor(publisher)
	if err != nil {
		a.close()
		return nil, err
	}

	rt.scheduler, err = scheduler.New(scheduler.Config{
		Registry: a.registry,
		OnExecuteWorkflow: func(ctx context.Context, wf *schema.Workflow, payload map[string]any, runID string) (*schema.Run, error) {
			return rt.executor.Execute(ctx, wf, payload, engine.WithRunID(runID)), nil
		},
		Hooks: scheduler.Hooks{
			OnWorkflowTriggered: publisher.WorkflowTriggered,
			OnWorkflowCompleted: func(name string, run *schema.Run) {
				publisher.WorkflowCompleted(name, run)
				rt.mcp.NotifyRunComplete(name, run)
			},
		},
		Store:   a.store,
		Metrics: a.metrics,
		Logger:  a.logger,
	})
	if err != nil {
		rt.executor.Shutdown()
		a.close()
		return nil, err
	}

	rt.mcp = weavrmcp.NewWeavrServer(weavrmcp.WeavrServerDeps{
		Scheduler: rt.scheduler,
		History:   rt.executor.History(),
		Registry:  a.registry,
		Logger:    a.logger.Named("mcp"),
	})

	if err := rt.scheduler.Restore(ctx); err != nil {
		a.logger.Warn("some workflows could not be restored", zap.Error(err))
	}
	if workflowsDir != "" {
		deployDir(rt.scheduler, workflowsDir, a.logger)
	}
	return rt, nil
}

// stop tears down in dependency order: scheduler first so no new runs
// start, then the executor pool, then shared backends.
func (rt *runtime) stop() {
	if err := rt.scheduler.Stop(); err != nil {
		rt.logger.Warn("stop scheduler", zap.Error(err))
	}
	rt.executor.Shutdown()
	rt.app.close()
}
