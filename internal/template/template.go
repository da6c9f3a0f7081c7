// Package template resolves {{ path }} expressions in step configuration
// against trigger data, completed step outputs and memory blocks.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/openweavr/weavr/pkg/schema"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Scope is the data a template can reference.
//
//	trigger.*              trigger payload
//	steps.<id>.*           output of a completed step (steps.<id>.output.* is an alias)
//	memory.blocks.<id>     assembled memory block text
//	<name>.*               any entry of Vars
type Scope struct {
	Trigger map[string]any
	Steps   map[string]any
	Memory  map[string]string
	Vars    map[string]any
}

// Engine resolves templates. The zero value is lenient.
type Engine struct {
	strict bool
}

// Option configures an Engine.
type Option func(*Engine)

// Strict makes a missing or malformed path a TEMPLATE_ERROR instead of "".
func Strict() Option {
	return func(e *Engine) { e.strict = true }
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Resolve resolves value leniently: missing paths become "".
func Resolve(value any, scope *Scope) any {
	out, _ := (&Engine{}).Resolve(value, scope)
	return out
}

// Resolve walks strings, maps and slices in value and substitutes every
// {{ path }}. The input is never mutated.
func (e *Engine) Resolve(value any, scope *Scope) (any, error) {
	switch v := value.(type) {
	case string:
		return e.resolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := e.Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := e.Resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveMap is Resolve for a step's `with` block.
func (e *Engine) ResolveMap(with map[string]any, scope *Scope) (map[string]any, error) {
	if with == nil {
		return map[string]any{}, nil
	}
	out, err := e.Resolve(with, scope)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// String resolves s and always returns text.
func (e *Engine) String(s string, scope *Scope) (string, error) {
	v, err := e.resolveString(s, scope)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

func (e *Engine) resolveString(s string, scope *Scope) (any, error) {
	if !strings.Contains(s, openDelim) {
		return s, nil
	}

	// A value that is exactly one expression keeps the resolved type.
	if expr, ok := wholeExpression(s); ok {
		return e.eval(expr, scope)
	}

	var b strings.Builder
	b.Grow(len(s))
	rest := s
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start + len(openDelim)

		// "{{ a {{ b }}": the first opener is unbalanced text.
		if inner := strings.Index(rest[start+len(openDelim):end], openDelim); inner >= 0 {
			cut := start + len(openDelim) + inner
			b.WriteString(rest[:cut])
			rest = rest[cut:]
			continue
		}

		b.WriteString(rest[:start])
		expr := strings.TrimSpace(rest[start+len(openDelim) : end])
		if expr == "" {
			b.WriteString(rest[start : end+len(closeDelim)])
		} else {
			v, err := e.eval(expr, scope)
			if err != nil {
				return nil, err
			}
			b.WriteString(Stringify(v))
		}
		rest = rest[end+len(closeDelim):]
	}
	return b.String(), nil
}

// wholeExpression reports whether s is a single {{ expr }} with nothing around it.
func wholeExpression(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, openDelim) || !strings.HasSuffix(t, closeDelim) {
		return "", false
	}
	inner := t[len(openDelim) : len(t)-len(closeDelim)]
	if strings.Contains(inner, openDelim) || strings.Contains(inner, closeDelim) {
		return "", false
	}
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return "", false
	}
	return inner, true
}

func (e *Engine) eval(expr string, scope *Scope) (any, error) {
	v, err := lookup(expr, scope)
	if err != nil {
		if e.strict {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate, "resolve {{ %s }}: %v", expr, err).
				WithDetails(map[string]any{"expression": expr}).
				WithCause(err)
		}
		return "", nil
	}
	return v, nil
}

// Lookup evaluates a bare path (no braces) against scope.
func Lookup(path string, scope *Scope) (any, bool) {
	v, err := lookup(path, scope)
	return v, err == nil
}

func lookup(path string, scope *Scope) (any, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	if scope == nil {
		scope = &Scope{}
	}
	if segs[0].isIdx {
		return nil, fmt.Errorf("path %q must start with a namespace", path)
	}

	var cur any
	rest := segs[1:]
	switch root := segs[0].key; root {
	case "trigger":
		cur = scope.Trigger
	case "steps":
		if len(rest) == 0 {
			cur = scope.Steps
			break
		}
		out, ok := scope.Steps[rest[0].String()]
		if !ok {
			return nil, fmt.Errorf("step %q has no output in scope", rest[0].String())
		}
		cur = out
		rest = rest[1:]
		if len(rest) > 0 && !rest[0].isIdx && rest[0].key == "output" {
			if _, real := step(out, rest[0]); !real {
				rest = rest[1:]
			}
		}
	case "memory":
		if len(rest) == 0 || rest[0].String() != "blocks" {
			return nil, fmt.Errorf("memory paths are memory.blocks.<id>")
		}
		cur = scope.Memory
		rest = rest[1:]
	default:
		v, ok := scope.Vars[root]
		if !ok {
			return nil, fmt.Errorf("unknown namespace %q", root)
		}
		cur = v
	}

	for i, seg := range rest {
		next, ok := step(cur, seg)
		if !ok {
			return nil, fmt.Errorf("%s not found at segment %d of %q", seg, i+2, path)
		}
		cur = next
	}
	return cur, nil
}

// Stringify renders a resolved value for splicing into text. Maps and slices
// are JSON-encoded; nil is "".
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", t)
	case json.Number:
		return t.String()
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// HasExpressions reports whether value contains any {{ anywhere.
func HasExpressions(value any) bool {
	switch v := value.(type) {
	case string:
		return strings.Contains(v, openDelim)
	case map[string]any:
		for _, item := range v {
			if HasExpressions(item) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if HasExpressions(item) {
				return true
			}
		}
	}
	return false
}
