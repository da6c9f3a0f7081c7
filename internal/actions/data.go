package actions

import (
	"context"

	"github.com/openweavr/weavr/internal/expressions"
	"github.com/openweavr/weavr/internal/registry"
)

// Data registers data.jq. Compiled queries are cached across runs.
func Data() registry.Bundle {
	jq := expressions.NewGoJQEngine()
	return registry.Bundle{
		Namespace: "data",
		Actions: []registry.Action{
			&registry.ActionFunc{
				ID:   "jq",
				Desc: "Filter or reshape a value with a jq query",
				Fn: func(ctx context.Context, in registry.ActionInput) (any, error) {
					query, err := requireString("data.jq", in.Params, "query")
					if err != nil {
						return nil, err
					}
					results, err := jq.Run(ctx, query, in.Params["input"])
					if err != nil {
						return nil, err
					}
					var first any
					if len(results) > 0 {
						first = results[0]
					}
					if results == nil {
						results = []any{}
					}
					return map[string]any{"result": first, "results": results}, nil
				},
			},
		},
	}
}

// Logic registers logic.expr.
func Logic() registry.Bundle {
	engine := expressions.NewExprEngine()
	return registry.Bundle{
		Namespace: "logic",
		Actions: []registry.Action{
			&registry.ActionFunc{
				ID:   "expr",
				Desc: "Evaluate an expr-lang expression against the env mapping",
				Fn: func(ctx context.Context, in registry.ActionInput) (any, error) {
					expression, err := requireString("logic.expr", in.Params, "expression")
					if err != nil {
						return nil, err
					}
					out, err := engine.Evaluate(ctx, expression, mapParam(in.Params, "env"))
					if err != nil {
						return nil, err
					}
					return map[string]any{"result": out}, nil
				},
			},
		},
	}
}
