package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/openweavr/weavr/internal/sandbox"
	"github.com/openweavr/weavr/internal/search"
	"github.com/openweavr/weavr/internal/webtext"
	"github.com/openweavr/weavr/pkg/schema"
)

// Tool is something the model may call.
type Tool interface {
	Spec() ToolSpec
	Call(ctx context.Context, args map[string]any) (string, error)
}

// ToolFunc adapts a function to Tool.
type ToolFunc struct {
	Def ToolSpec
	Fn  func(ctx context.Context, args map[string]any) (string, error)
}

func (t ToolFunc) Spec() ToolSpec { return t.Def }

func (t ToolFunc) Call(ctx context.Context, args map[string]any) (string, error) {
	return t.Fn(ctx, args)
}

// Toolset is a named collection of tools. Safe for concurrent use.
type Toolset struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolset creates a toolset holding tools. Later tools replace earlier
// ones with the same name.
func NewToolset(tools ...Tool) *Toolset {
	ts := &Toolset{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		ts.Add(t)
	}
	return ts
}

func (ts *Toolset) Add(t Tool) {
	ts.mu.Lock()
	ts.tools[t.Spec().Name] = t
	ts.mu.Unlock()
}

func (ts *Toolset) Get(name string) (Tool, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.tools[name]
	return t, ok
}

// Specs returns tool declarations sorted by name.
func (ts *Toolset) Specs() []ToolSpec {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(ts.tools))
	for _, t := range ts.tools {
		specs = append(specs, t.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Select returns a toolset limited to names. Unknown names are ignored; an
// empty list selects every tool.
func (ts *Toolset) Select(names []string) *Toolset {
	if len(names) == 0 {
		return ts
	}
	out := NewToolset()
	for _, n := range names {
		if t, ok := ts.Get(n); ok {
			out.Add(t)
		}
	}
	return out
}

func (ts *Toolset) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.tools)
}

// BuiltinDeps wires the built-in tools to their backends. A nil backend
// leaves its tool out.
type BuiltinDeps struct {
	Searcher search.Searcher
	Fetcher  *webtext.Fetcher
	Runner   *sandbox.Runner
	Policy   *sandbox.Policy
}

// Builtins returns web_search, web_fetch, shell_exec, read_file and
// write_file, each present when its backend is configured.
func Builtins(deps BuiltinDeps) []Tool {
	var tools []Tool
	if deps.Searcher != nil {
		tools = append(tools, webSearchTool(deps.Searcher))
	}
	if deps.Fetcher != nil {
		tools = append(tools, webFetchTool(deps.Fetcher))
	}
	if deps.Runner != nil {
		tools = append(tools, shellExecTool(deps.Runner))
	}
	if deps.Policy != nil {
		tools = append(tools, readFileTool(*deps.Policy), writeFileTool(*deps.Policy))
	}
	return tools
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argInt(args map[string]any, key string, def int) int {
	switch n := args[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return def
}

func webSearchTool(s search.Searcher) Tool {
	return ToolFunc{
		Def: ToolSpec{
			Name:        "web_search",
			Description: "Search the web and return the top results with titles, urls and snippets",
			Parameters: objectSchema([]string{"query"}, map[string]any{
				"query": prop("string", "Search query"),
				"limit": prop("integer", "Maximum number of results"),
			}),
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			results, err := s.Search(ctx, argString(args, "query"), argInt(args, "limit", search.DefaultLimit))
			if err != nil {
				return "", err
			}
			if len(results) == 0 {
				return "No results found for the query.", nil
			}
			return search.Fold(results), nil
		},
	}
}

func webFetchTool(f *webtext.Fetcher) Tool {
	return ToolFunc{
		Def: ToolSpec{
			Name:        "web_fetch",
			Description: "Fetch a web page and return its readable text",
			Parameters: objectSchema([]string{"url"}, map[string]any{
				"url":       prop("string", "Absolute http(s) URL"),
				"max_chars": prop("integer", "Maximum characters to return"),
			}),
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			u := argString(args, "url")
			if u == "" {
				return "", schema.NewError(schema.ErrCodeValidation, "url is required")
			}
			return f.Fetch(ctx, u, argInt(args, "max_chars", webtext.DefaultMaxChars))
		},
	}
}

func shellExecTool(r *sandbox.Runner) Tool {
	return ToolFunc{
		Def: ToolSpec{
			Name:        "shell_exec",
			Description: "Run a shell command and return its exit code, stdout and stderr",
			Parameters: objectSchema([]string{"command"}, map[string]any{
				"command": prop("string", "Command line passed to /bin/sh -c"),
				"cwd":     prop("string", "Working directory"),
			}),
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			res, err := r.Run(ctx, sandbox.Command{
				Name:  argString(args, "command"),
				Shell: true,
				Dir:   argString(args, "cwd"),
			})
			if err != nil {
				return "", err
			}
			out, _ := json.Marshal(map[string]any{
				"exit_code": res.ExitCode,
				"stdout":    res.Stdout,
				"stderr":    res.Stderr,
				"killed":    res.Killed,
			})
			return string(out), nil
		},
	}
}

func readFileTool(p sandbox.Policy) Tool {
	return ToolFunc{
		Def: ToolSpec{
			Name:        "read_file",
			Description: "Read a text file",
			Parameters: objectSchema([]string{"path"}, map[string]any{
				"path": prop("string", "File path"),
			}),
		},
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			path, err := filepath.Abs(argString(args, "path"))
			if err != nil {
				return "", err
			}
			if err := p.Check(path, sandbox.Read); err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			return webtext.Truncate(string(data), webtext.DefaultMaxChars), nil
		},
	}
}

func writeFileTool(p sandbox.Policy) Tool {
	return ToolFunc{
		Def: ToolSpec{
			Name:        "write_file",
			Description: "Write text to a file, replacing its contents",
			Parameters: objectSchema([]string{"path", "content"}, map[string]any{
				"path":    prop("string", "File path"),
				"content": prop("string", "Text to write"),
			}),
		},
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			path, err := filepath.Abs(argString(args, "path"))
			if err != nil {
				return "", err
			}
			if err := p.Check(path, sandbox.Write); err != nil {
				return "", err
			}
			content := argString(args, "content")
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	}
}

// qualifiedToolName joins an external server name and its tool name.
func qualifiedToolName(server, tool string) string {
	return strings.ReplaceAll(server, "__", "_") + "__" + tool
}
