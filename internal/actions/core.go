package actions

import (
	"context"

	"github.com/openweavr/weavr/internal/registry"
	"github.com/openweavr/weavr/internal/template"
	"github.com/openweavr/weavr/pkg/schema"
)

// Core registers core.noop, core.log and core.fail.
func Core() registry.Bundle {
	return registry.Bundle{
		Namespace: "core",
		Actions: []registry.Action{
			&registry.ActionFunc{
				ID:   "noop",
				Desc: "Do nothing and return the step params unchanged",
				Fn: func(_ context.Context, in registry.ActionInput) (any, error) {
					return in.Params, nil
				},
			},
			&registry.ActionFunc{
				ID:   "log",
				Desc: "Write a message to the run log",
				Fn:   coreLog,
			},
			&registry.ActionFunc{
				ID:   "fail",
				Desc: "Fail the step with the given message",
				Fn:   coreFail,
			},
		},
	}
}

func coreLog(_ context.Context, in registry.ActionInput) (any, error) {
	msg := template.Stringify(in.Params["message"])
	if level := stringParam(in.Params, "level", ""); level != "" {
		in.Logf("[%s] %s", level, msg)
	} else {
		in.Logf("%s", msg)
	}
	return map[string]any{"message": msg}, nil
}

func coreFail(_ context.Context, in registry.ActionInput) (any, error) {
	msg := stringParam(in.Params, "message", "step failed")
	return nil, schema.NewError(schema.ErrCodeActionExecution, msg).
		WithDetails(map[string]any{"params": in.Params})
}
