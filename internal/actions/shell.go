package actions

import (
	"context"

	"github.com/openweavr/weavr/internal/registry"
	"github.com/openweavr/weavr/internal/sandbox"
	"github.com/openweavr/weavr/pkg/schema"
)

// Shell registers shell.exec backed by runner.
func Shell(runner *sandbox.Runner) registry.Plugin {
	return func() registry.Bundle {
		return registry.Bundle{
			Namespace: "shell",
			Actions:   []registry.Action{&shellExecAction{runner: runner}},
		}
	}
}

type shellExecAction struct {
	runner *sandbox.Runner
}

func (a *shellExecAction) Name() string { return "exec" }

func (a *shellExecAction) Description() string {
	return "Run a command, optionally through /bin/sh, and capture its output"
}

func (a *shellExecAction) Execute(ctx context.Context, in registry.ActionInput) (any, error) {
	params := in.Params
	if params == nil {
		params = map[string]any{}
	}
	command, err := requireString("shell.exec", params, "command")
	if err != nil {
		return nil, err
	}

	args := stringSliceParam(params, "args")
	cmd := sandbox.Command{
		Name: command,
		Args: args,
		// A bare command line without args is a shell snippet.
		Shell:   boolParam(params, "shell", len(args) == 0),
		Env:     stringMapParam(params, "env"),
		Dir:     stringParam(params, "cwd", ""),
		Stdin:   stringParam(params, "stdin", ""),
		Timeout: durationParam(params, "timeout", 0),
	}

	res, err := a.runner.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	in.Logf("%s exited %d in %s", command, res.ExitCode, res.Duration)

	result := map[string]any{
		"stdout":      decodeJSONText(res.Stdout),
		"stdout_raw":  res.Stdout,
		"stderr":      res.Stderr,
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
		"killed":      res.Killed,
	}
	if res.Killed {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "shell.exec: %s killed after timeout", command).
			WithDetails(result)
	}
	if res.ExitCode != 0 && boolParam(params, "fail_on_error", true) {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "shell.exec: %s exited with code %d", command, res.ExitCode).
			WithDetails(result)
	}
	return result, nil
}
