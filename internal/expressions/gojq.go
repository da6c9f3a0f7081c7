package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"
)

// GoJQEngine backs the data.jq action. Programs cannot read the process
// environment.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache(compileJQ)}
}

func compileJQ(src string) (*gojq.Code, error) {
	q, err := gojq.Parse(src)
	if err != nil {
		return nil, compileError("jq", src, err)
	}
	code, err := gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError("jq", src, err)
	}
	return code, nil
}

func (*GoJQEngine) Name() string { return "jq" }

// Evaluate runs expression over data and folds the outputs: none is nil,
// one is returned bare and several come back as []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	outs, err := e.Run(ctx, expression, data)
	if err != nil || len(outs) == 0 {
		return nil, err
	}
	if len(outs) == 1 {
		return outs[0], nil
	}
	return outs, nil
}

// Run evaluates expression over any JSON-like input and returns every output.
func (e *GoJQEngine) Run(ctx context.Context, expression string, input any) ([]any, error) {
	if expression == "" {
		return nil, emptyError("jq")
	}
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	var outs []any
	it := code.RunWithContext(ctx, Normalize(input))
	for v, ok := it.Next(); ok; v, ok = it.Next() {
		if err, isErr := v.(error); isErr {
			return nil, evalError("jq", expression, err)
		}
		outs = append(outs, v)
	}
	return outs, nil
}

// Normalize rewrites Go values into the types gojq understands: maps, slices,
// float64, string, bool and nil. Structs and typed collections go through a
// JSON round trip; values that cannot be encoded are returned unchanged.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return v
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = Normalize(t[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k := range t {
			out[k] = Normalize(t[k])
		}
		return out
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var decoded any
	if json.Unmarshal(raw, &decoded) != nil {
		return v
	}
	return decoded
}

var _ Engine = (*GoJQEngine)(nil)
