package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/openweavr/weavr/pkg/schema"
)

// guardScopes are the top-level names a step guard may reference. Each is
// declared as map(string, dyn).
var guardScopes = [...]string{"trigger", "steps", "memory", "vars"}

// CELEngine evaluates step `if` guards.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	decls := make([]cel.EnvOption, 0, len(guardScopes))
	for _, scope := range guardScopes {
		decls = append(decls, cel.Variable(scope, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(decls...)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}

	e := &CELEngine{env: env}
	e.programs = newProgramCache(e.compile)
	return e, nil
}

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, iss := e.env.Compile(src)
	if err := iss.Err(); err != nil {
		return nil, compileError("cel", src, err)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError("cel", src, err)
	}
	return prg, nil
}

func (*CELEngine) Name() string { return "cel" }

// Evaluate runs expression. Scopes absent from data are bound to empty maps so
// `size(steps) == 0` works before any step has finished.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyError("cel")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(guardScopes))
	for _, scope := range guardScopes {
		vars[scope] = map[string]any{}
		if v := data[scope]; v != nil {
			vars[scope] = v
		}
	}
	val, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, evalError("cel", expression, err)
	}
	return val.Value(), nil
}

// EvaluateBool evaluates a guard that must produce a bool.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	if b, ok := out.(bool); ok {
		return b, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "cel: guard %q returned %T, want bool", expression, out).
		WithDetails(map[string]any{"expression": expression})
}

var _ Engine = (*CELEngine)(nil)
