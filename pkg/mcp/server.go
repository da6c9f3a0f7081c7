// Package mcp exposes a running weavr instance to MCP clients: deploy,
// run and inspect workflows, control schedules and render diagrams.
package mcp

import (
	"context"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/openweavr/weavr/internal/registry"
	"github.com/openweavr/weavr/pkg/schema"
)

// Scheduler is the subset of *scheduler.Scheduler the tools drive.
type Scheduler interface {
	ScheduleWorkflow(name, source string) error
	UnscheduleWorkflow(name string) error
	PauseWorkflow(name string) error
	ResumeWorkflow(name string) error
	RunWorkflow(name string, payload map[string]any) (string, error)
	List() []schema.ScheduledWorkflow
	Get(name string) (schema.ScheduledWorkflow, bool)
	Workflow(name string) (*schema.Workflow, bool)
}

// RunHistory is the read model of finished runs.
type RunHistory interface {
	List() []*schema.Run
	Get(id string) (*schema.Run, bool)
}

// WeavrServerDeps holds the dependencies for creating a WeavrServer.
type WeavrServerDeps struct {
	Scheduler Scheduler
	History   RunHistory
	Registry  *registry.Registry
	Logger    *zap.Logger
}

// WeavrServer wraps an MCP server with weavr tool handlers.
type WeavrServer struct {
	scheduler Scheduler
	history   RunHistory
	registry  *registry.Registry
	logger    *zap.Logger
	mcpServer *server.MCPServer
}

// NewWeavrServer creates a WeavrServer with all tools registered.
func NewWeavrServer(deps WeavrServerDeps) *WeavrServer {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &WeavrServer{
		scheduler: deps.Scheduler,
		history:   deps.History,
		registry:  deps.Registry,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"weavr",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithInstructions("Weavr runs workflow automations. Use weavr.deploy to schedule a workflow from YAML, weavr.run to start a run, weavr.status to inspect it, weavr.schedule to pause, resume or remove a workflow, weavr.query to list workflows, runs and actions, and weavr.diagram to draw a workflow."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
func (s *WeavrServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler serves the streamable HTTP transport.
func (s *WeavrServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for tests or custom transports.
func (s *WeavrServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// NotifyRunComplete pushes a log notification about a finished run to every
// connected client.
func (s *WeavrServer) NotifyRunComplete(name string, run *schema.Run) {
	level := mcp.LoggingLevelInfo
	if run.Status == schema.RunStatusFailed {
		level = mcp.LoggingLevelError
	}
	s.mcpServer.SendNotificationToAllClients("notifications/message", map[string]any{
		"level":  level,
		"logger": "weavr",
		"data": map[string]any{
			"workflow": name,
			"run_id":   run.ID,
			"status":   run.Status,
			"error":    run.Error,
		},
	})
}

func (s *WeavrServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: deployTool(), Handler: s.handleDeploy},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func deployTool() mcp.Tool {
	return mcp.NewTool("weavr.deploy",
		mcp.WithDescription("Deploy a workflow from YAML source and bind its trigger. Redeploying a name replaces it"),
		mcp.WithString("source", mcp.Required(), mcp.Description("Workflow YAML")),
		mcp.WithString("name", mcp.Description("Name to deploy under (default: the workflow's name)")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("weavr.run",
		mcp.WithDescription("Start a run of a deployed workflow. Returns the run id; poll weavr.status for the result"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Deployed workflow name")),
		mcp.WithObject("payload", mcp.Description("Trigger payload, available to templates as trigger.*")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("weavr.status",
		mcp.WithDescription("Get a finished run, or the schedule record of a workflow"),
		mcp.WithString("run_id", mcp.Description("Run id returned by weavr.run")),
		mcp.WithString("name", mcp.Description("Workflow name")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("weavr.schedule",
		mcp.WithDescription("Pause, resume or remove a deployed workflow"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithString("operation", mcp.Required(),
			mcp.Enum("pause", "resume", "remove"),
			mcp.Description("What to do with the workflow"),
		),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("weavr.query",
		mcp.WithDescription("List workflows, runs, actions or triggers"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "runs", "actions", "triggers"),
			mcp.Description("Type of resource to list"),
		),
		mcp.WithObject("filter", mcp.Description("Run filters: workflow, status, limit")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("weavr.diagram",
		mcp.WithDescription("Draw a workflow's step graph as ASCII, Mermaid or a PNG image. With run_id the step states of that run are overlaid"),
		mcp.WithString("name", mcp.Description("Workflow name")),
		mcp.WithString("run_id", mcp.Description("Run to overlay")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format"),
		),
	)
}
