package actions

import (
	"context"

	"github.com/openweavr/weavr/internal/agent"
	"github.com/openweavr/weavr/internal/registry"
	"github.com/openweavr/weavr/internal/template"
	"github.com/openweavr/weavr/pkg/schema"
)

// AI registers ai.complete (no tools, one round trip) and ai.agent (the
// tool loop). Credentials come from the run's CredentialProvider.
func AI(runner *agent.Runner) registry.Plugin {
	return func() registry.Bundle {
		return registry.Bundle{
			Namespace: "ai",
			Actions: []registry.Action{
				&registry.ActionFunc{
					ID:   "complete",
					Desc: "Ask the configured model for a single text completion",
					Fn: func(ctx context.Context, in registry.ActionInput) (any, error) {
						return runAgent(ctx, runner, in, false)
					},
				},
				&registry.ActionFunc{
					ID:   "agent",
					Desc: "Run the model in a tool-use loop until it answers",
					Fn: func(ctx context.Context, in registry.ActionInput) (any, error) {
						return runAgent(ctx, runner, in, true)
					},
				},
			},
		}
	}
}

func runAgent(ctx context.Context, runner *agent.Runner, in registry.ActionInput, withTools bool) (any, error) {
	name := "ai.complete"
	if withTools {
		name = "ai.agent"
	}
	if runner == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNoCredentials, "%s: AI is not configured", name)
	}

	prompt := template.Stringify(in.Params["prompt"])
	if prompt == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param 'prompt'", name)
	}
	if memory := stringParam(in.Params, "context", ""); memory != "" {
		prompt = memory + "\n\n" + prompt
	}

	req := agent.Request{
		System:        stringParam(in.Params, "system", ""),
		Prompt:        prompt,
		Model:         stringParam(in.Params, "model", ""),
		MaxTokens:     intParam(in.Params, "max_tokens", 0),
		MaxIterations: 1,
		NoTools:       true,
	}
	if withTools {
		req.MaxIterations = intParam(in.Params, "max_iterations", agent.DefaultMaxIterations)
		req.NoTools = false
		req.Tools = stringSliceParam(in.Params, "tools")
	}

	res, err := runner.Run(ctx, in.Credentials, req)
	if err != nil {
		if schema.CodeOf(err) == "" {
			return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "%s: %v", name, err).WithCause(err)
		}
		return nil, err
	}
	in.Logf("%s finished in %d iteration(s), %d tool call(s)", name, res.Iterations, res.ToolCalls)

	failures := make(map[string]any, len(res.ToolFailures))
	for k, v := range res.ToolFailures {
		failures[k] = v
	}
	return map[string]any{
		"text":          res.Text,
		"iterations":    res.Iterations,
		"tool_calls":    res.ToolCalls,
		"tool_failures": failures,
		"success":       res.Success,
	}, nil
}
