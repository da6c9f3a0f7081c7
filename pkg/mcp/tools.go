package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/openweavr/weavr/internal/diagram"
	"github.com/openweavr/weavr/internal/parser"
	"github.com/openweavr/weavr/pkg/schema"
)

func (s *WeavrServer) handleDeploy(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError("source is required"), nil
	}
	name := req.GetString("name", "")
	if name == "" {
		// Resolve the name the scheduler will use so the record can be returned.
		wf, perr := parser.Parse([]byte(source))
		if perr != nil {
			return toolError(perr), nil
		}
		name = wf.Name
	}
	if err := s.scheduler.ScheduleWorkflow(name, source); err != nil {
		return toolError(err), nil
	}
	rec, _ := s.scheduler.Get(name)
	return marshalResult(rec)
}

func (s *WeavrServer) handleRun(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)
	if payload == nil {
		payload = map[string]any{}
	}
	runID, err := s.scheduler.RunWorkflow(name, payload)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]string{"run_id": runID, "workflow": name})
}

func (s *WeavrServer) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	name := req.GetString("name", "")
	switch {
	case runID != "":
		run, ok := s.history.Get(runID)
		if !ok {
			// Runs reach history only once finished.
			return marshalResult(map[string]string{"run_id": runID, "status": string(schema.RunStatusRunning)})
		}
		return marshalResult(run)
	case name != "":
		rec, ok := s.scheduler.Get(name)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("workflow %q is not deployed", name)), nil
		}
		return marshalResult(rec)
	default:
		return mcp.NewToolResultError("one of run_id or name is required"), nil
	}
}

func (s *WeavrServer) handleSchedule(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	op, err := req.RequireString("operation")
	if err != nil {
		return mcp.NewToolResultError("operation is required"), nil
	}

	switch op {
	case "pause":
		err = s.scheduler.PauseWorkflow(name)
	case "resume":
		err = s.scheduler.ResumeWorkflow(name)
	case "remove":
		if err = s.scheduler.UnscheduleWorkflow(name); err == nil {
			return marshalResult(map[string]any{"name": name, "removed": true})
		}
	default:
		return mcp.NewToolResultError("operation must be pause, resume or remove"), nil
	}
	if err != nil {
		return toolError(err), nil
	}
	rec, _ := s.scheduler.Get(name)
	return marshalResult(rec)
}

func (s *WeavrServer) handleQuery(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return marshalResult(s.scheduler.List())
	case "runs":
		return marshalResult(filterRuns(s.history.List(), filter))
	case "actions":
		if s.registry == nil {
			return marshalResult([]any{})
		}
		out := make([]map[string]string, 0)
		for id, a := range s.registry.Actions() {
			out = append(out, map[string]string{"id": id, "description": a.Description()})
		}
		return marshalResult(out)
	case "triggers":
		if s.registry == nil {
			return marshalResult([]any{})
		}
		out := make([]map[string]string, 0)
		for id, t := range s.registry.Triggers() {
			out = append(out, map[string]string{"id": id, "kind": string(t.Kind()), "description": t.Description()})
		}
		return marshalResult(out)
	default:
		return mcp.NewToolResultError("resource must be workflows, runs, actions or triggers"), nil
	}
}

func (s *WeavrServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	name := req.GetString("name", "")
	runID := req.GetString("run_id", "")

	var run *schema.Run
	if runID != "" {
		r, ok := s.history.Get(runID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("run %s not found", runID)), nil
		}
		run = r
		if name == "" {
			name = r.Workflow
		}
	}
	if name == "" {
		return mcp.NewToolResultError("one of name or run_id is required"), nil
	}
	wf, ok := s.scheduler.Workflow(name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %q is not deployed", name)), nil
	}

	model, err := diagram.Build(wf, run)
	if err != nil {
		return toolError(err), nil
	}
	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "image":
		png, err := diagram.RenderImage(ctx, model, diagram.PNG)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultImage(name, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid or image"), nil
	}
}

// filterRuns applies the workflow, status and limit filters to newest-first runs.
func filterRuns(runs []*schema.Run, filter map[string]any) []*schema.Run {
	workflow, _ := filter["workflow"].(string)
	status, _ := filter["status"].(string)
	limit := extractInt(filter, "limit", 0)

	out := make([]*schema.Run, 0, len(runs))
	for _, r := range runs {
		if workflow != "" && r.Workflow != workflow {
			continue
		}
		if status != "" && string(r.Status) != status {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// toolError renders err as a tool failure. Schema errors carry their code in
// the message.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
