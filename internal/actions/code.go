package actions

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/openweavr/weavr/internal/expressions"
	"github.com/openweavr/weavr/internal/registry"
	"github.com/openweavr/weavr/pkg/schema"
)

const (
	defaultScriptTimeout = 10 * time.Second
	maxScriptSize        = 256 * 1024
)

// Code registers code.js. Each call gets a fresh runtime; `$` holds the
// input param and console.log lines are returned as logs.
func Code() registry.Bundle {
	return registry.Bundle{
		Namespace: "code",
		Actions: []registry.Action{
			&registry.ActionFunc{
				ID:   "js",
				Desc: "Run a JavaScript snippet over the input value",
				Fn:   runJS,
			},
		},
	}
}

func runJS(ctx context.Context, in registry.ActionInput) (any, error) {
	script, err := requireString("code.js", in.Params, "script")
	if err != nil {
		return nil, err
	}
	if len(script) > maxScriptSize {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "code.js: script exceeds %d bytes", maxScriptSize)
	}

	ctx, cancel := context.WithTimeout(ctx, durationParam(in.Params, "timeout", defaultScriptTimeout))
	defer cancel()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	var logs []string
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		line := strings.Join(parts, " ")
		logs = append(logs, line)
		in.Logf("%s", line)
		return goja.Undefined()
	})
	if err := vm.Set("console", console); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "code.js: %v", err).WithCause(err)
	}
	if err := vm.Set("$", expressions.Normalize(in.Params["input"])); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "code.js: %v", err).WithCause(err)
	}

	val, err := vm.RunString(script)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "code.js: script interrupted: %v", interrupted.Value()).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "code.js: %v", err).WithCause(err)
	}

	// A script ending in a statement yields undefined; fall back to $.
	if val == nil || goja.IsUndefined(val) {
		val = vm.Get("$")
	}
	if logs == nil {
		logs = []string{}
	}
	return map[string]any{
		"result": exportValue(val),
		"logs":   logs,
	}, nil
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	exported := v.Export()
	if _, ok := exported.(func(goja.FunctionCall) goja.Value); ok {
		return nil
	}
	return expressions.Normalize(exported)
}
