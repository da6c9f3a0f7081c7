package actions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openweavr/weavr/internal/agent"
	"github.com/openweavr/weavr/internal/config"
	"github.com/openweavr/weavr/internal/registry"
	"github.com/openweavr/weavr/internal/retry"
	"github.com/openweavr/weavr/internal/sandbox"
	"github.com/openweavr/weavr/pkg/schema"
)

type logSink struct {
	mu   sync.Mutex
	msgs []string
}

func (l *logSink) log(msg string) {
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
}

func fastRetry() *retry.Client {
	return retry.New(retry.Config{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
}

func newRegistry(t *testing.T, deps Deps) *registry.Registry {
	t.Helper()
	if deps.HTTP == nil {
		deps.HTTP = fastRetry()
	}
	reg, err := registry.New(Builtins(deps)...)
	require.NoError(t, err)
	return reg
}

func execute(t *testing.T, reg *registry.Registry, id string, params map[string]any) (map[string]any, error) {
	t.Helper()
	out, _, err := executeWithLog(t, reg, id, params, nil)
	return out, err
}

func executeWithLog(t *testing.T, reg *registry.Registry, id string, params map[string]any, creds config.CredentialProvider) (map[string]any, []string, error) {
	t.Helper()
	action, err := reg.LookupAction(id)
	require.NoError(t, err)

	sink := &logSink{}
	out, err := action.Execute(context.Background(), registry.ActionInput{
		Params:      params,
		Workflow:    "test",
		RunID:       "run-1",
		StepID:      "step",
		Credentials: creds,
		Log:         sink.log,
	})
	if err != nil {
		return nil, sink.msgs, err
	}
	result, ok := out.(map[string]any)
	require.True(t, ok, "output of %s is %T", id, out)
	return result, sink.msgs, nil
}

func TestBuiltinsRegisterEveryAction(t *testing.T) {
	reg := newRegistry(t, Deps{})

	var ids []string
	for id := range reg.Actions() {
		ids = append(ids, id)
	}
	want := []string{
		"ai.agent", "ai.complete",
		"code.js",
		"core.fail", "core.log", "core.noop",
		"data.jq",
		"file.list", "file.read", "file.write",
		"http.get", "http.post", "http.request",
		"logic.expr",
		"shell.exec",
	}
	assert.Equal(t, want, ids)

	a, err := reg.LookupAction("http.get")
	require.NoError(t, err)
	assert.Equal(t, "http.get", a.Name())
	assert.NotEmpty(t, a.Description())
}

// --- core ---

func TestCoreActions(t *testing.T) {
	reg := newRegistry(t, Deps{})

	out, err := execute(t, reg, "core.noop", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "v", out["k"])

	out, logs, err := executeWithLog(t, reg, "core.log", map[string]any{"message": "hello", "level": "info"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", out["message"])
	assert.Equal(t, []string{"[info] hello"}, logs)

	_, err = execute(t, reg, "core.fail", map[string]any{"message": "boom"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionExecution))
	assert.Contains(t, err.Error(), "boom")
}

// --- http ---

func TestHTTPGetParsesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Custom", "test-value")
		_ = json.NewEncoder(w).Encode(map[string]any{"greeting": "hello", "count": 42})
	}))
	defer srv.Close()

	out, err := execute(t, newRegistry(t, Deps{}), "http.get", map[string]any{"url": srv.URL})
	require.NoError(t, err)

	assert.Equal(t, 200, out["status_code"])
	assert.Contains(t, out["content_type"], "application/json")
	body, ok := out["body"].(map[string]any)
	require.True(t, ok, "body should be parsed")
	assert.Equal(t, "hello", body["greeting"])
	assert.Equal(t, float64(42), body["count"])
	assert.Equal(t, "test-value", out["headers"].(map[string]any)["X-Custom"])
}

func TestHTTPPostEncodings(t *testing.T) {
	var (
		gotType string
		gotBody string
		gotAuth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotType = r.Header.Get("Content-Type")
		gotBody = string(b)
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer srv.Close()
	reg := newRegistry(t, Deps{})

	out, err := execute(t, reg, "http.post", map[string]any{
		"url":  srv.URL,
		"body": map[string]any{"name": "ada"},
		"auth": map[string]any{"type": "bearer", "token": "tok"},
	})
	require.NoError(t, err)
	assert.Equal(t, 201, out["status_code"])
	assert.Equal(t, "created", out["body"])
	assert.Equal(t, "application/json", gotType)
	assert.JSONEq(t, `{"name":"ada"}`, gotBody)
	assert.Equal(t, "Bearer tok", gotAuth)

	_, err = execute(t, reg, "http.request", map[string]any{
		"method":        "put",
		"url":           srv.URL,
		"body":          map[string]any{"q": "go lang"},
		"body_encoding": "form",
	})
	require.NoError(t, err)
	assert.Equal(t, "application/x-www-form-urlencoded", gotType)
	assert.Equal(t, "q=go+lang", gotBody)
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	reg := newRegistry(t, Deps{})

	out, err := execute(t, reg, "http.get", map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 404, out["status_code"])

	_, err = execute(t, reg, "http.get", map[string]any{"url": srv.URL, "fail_on_error_status": true})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionExecution))
	assert.Contains(t, err.Error(), "404")
}

func TestHTTPRetriesServerErrors(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := execute(t, newRegistry(t, Deps{}), "http.get", map[string]any{"url": srv.URL})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeRetryExhausted), err.Error())
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestHTTPRedirectsAndTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("arrived"))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	reg := newRegistry(t, Deps{})

	out, err := execute(t, reg, "http.get", map[string]any{"url": srv.URL + "/start"})
	require.NoError(t, err)
	assert.Equal(t, "arrived", out["body"])

	out, err = execute(t, reg, "http.get", map[string]any{"url": srv.URL + "/start", "follow_redirects": false})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, out["status_code"])

	_, err = execute(t, reg, "http.get", map[string]any{"url": srv.URL + "/slow", "timeout": "50ms"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout), err.Error())
}

func TestHTTPInvalidURL(t *testing.T) {
	reg := newRegistry(t, Deps{})
	for _, params := range []map[string]any{
		{},
		{"url": "ftp://example.com"},
		{"url": "not a url"},
	} {
		_, err := execute(t, reg, "http.request", params)
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), err.Error())
	}
}

// --- shell ---

func TestShellExec(t *testing.T) {
	reg := newRegistry(t, Deps{})

	out, err := execute(t, reg, "shell.exec", map[string]any{"command": `echo '{"ok": true}'`})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out["stdout"])
	assert.Equal(t, 0, out["exit_code"])
	assert.Equal(t, false, out["killed"])

	out, err = execute(t, reg, "shell.exec", map[string]any{"command": "echo", "args": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, "a b\n", out["stdout_raw"])
}

func TestShellExecNonZeroExit(t *testing.T) {
	reg := newRegistry(t, Deps{})

	_, err := execute(t, reg, "shell.exec", map[string]any{"command": "echo oops >&2; exit 4"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionExecution))
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 4, serr.Details["exit_code"])
	assert.Equal(t, "oops\n", serr.Details["stderr"])

	out, err := execute(t, reg, "shell.exec", map[string]any{"command": "exit 4", "fail_on_error": false})
	require.NoError(t, err)
	assert.Equal(t, 4, out["exit_code"])
}

func TestShellExecTimeout(t *testing.T) {
	reg := newRegistry(t, Deps{})
	_, err := execute(t, reg, "shell.exec", map[string]any{"command": "sleep 5", "timeout": "100ms"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout), err.Error())
}

// --- file ---

func TestFileWriteReadList(t *testing.T) {
	dir := t.TempDir()
	reg := newRegistry(t, Deps{Policy: sandbox.Policy{Writable: []string{dir}}})
	path := filepath.Join(dir, "nested", "notes.txt")

	out, err := execute(t, reg, "file.write", map[string]any{"path": path, "content": "line one\n", "create_dirs": true})
	require.NoError(t, err)
	assert.Equal(t, 9, out["size"])

	_, err = execute(t, reg, "file.write", map[string]any{"path": path, "content": "line two\n", "append": true})
	require.NoError(t, err)

	out, err = execute(t, reg, "file.read", map[string]any{"path": path})
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", out["content"])
	assert.Equal(t, "text", out["encoding"])

	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "blob.bin"), []byte{0, 1, 2}, 0o644))
	out, err = execute(t, reg, "file.read", map[string]any{"path": filepath.Join(dir, "nested", "blob.bin")})
	require.NoError(t, err)
	assert.Equal(t, "base64", out["encoding"])
	assert.Equal(t, "AAEC", out["content"])

	out, err = execute(t, reg, "file.list", map[string]any{"path": filepath.Join(dir, "nested"), "pattern": "*.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, out["count"])
	entry := out["entries"].([]any)[0].(map[string]any)
	assert.Equal(t, "notes.txt", entry["name"])
}

func TestFilePolicyDenies(t *testing.T) {
	allowed := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(allowed, "secret")
	require.NoError(t, os.Mkdir(secret, 0o755))

	reg := newRegistry(t, Deps{Policy: sandbox.Policy{
		Writable: []string{allowed},
		Deny:     []string{secret},
	}})

	_, err := execute(t, reg, "file.write", map[string]any{"path": filepath.Join(outside, "x"), "content": "x"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = execute(t, reg, "file.read", map[string]any{"path": filepath.Join(secret, "key")})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = execute(t, reg, "file.write", map[string]any{"path": filepath.Join(allowed, "x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content")
}

// --- data / logic / code ---

func TestDataJQ(t *testing.T) {
	reg := newRegistry(t, Deps{})
	input := map[string]any{"items": []any{
		map[string]any{"name": "a", "n": 1},
		map[string]any{"name": "b", "n": 2},
	}}

	out, err := execute(t, reg, "data.jq", map[string]any{"query": "[.items[].name]", "input": input})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out["result"])

	out, err = execute(t, reg, "data.jq", map[string]any{"query": ".items[].name", "input": input})
	require.NoError(t, err)
	assert.Equal(t, "a", out["result"])
	assert.Equal(t, []any{"a", "b"}, out["results"])

	_, err = execute(t, reg, "data.jq", map[string]any{"query": ".[", "input": input})
	require.Error(t, err)
}

func TestLogicExpr(t *testing.T) {
	reg := newRegistry(t, Deps{})

	out, err := execute(t, reg, "logic.expr", map[string]any{
		"expression": "a + b > 2 ? 'big' : 'small'",
		"env":        map[string]any{"a": 1, "b": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, "big", out["result"])

	_, err = execute(t, reg, "logic.expr", map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCodeJS(t *testing.T) {
	reg := newRegistry(t, Deps{})

	out, logs, err := executeWithLog(t, reg, "code.js", map[string]any{
		"script": `console.log("count is", $.count); ({doubled: $.count * 2, tags: $.tags.map(function (t) { return t.toUpperCase() })})`,
		"input":  map[string]any{"count": 21, "tags": []any{"a", "b"}},
	}, nil)
	require.NoError(t, err)
	result := out["result"].(map[string]any)
	assert.EqualValues(t, 42, result["doubled"])
	assert.Equal(t, []any{"A", "B"}, result["tags"])
	assert.Equal(t, []string{"count is 21"}, out["logs"])
	assert.Equal(t, []string{"count is 21"}, logs)
}

func TestCodeJSErrors(t *testing.T) {
	reg := newRegistry(t, Deps{})

	_, err := execute(t, reg, "code.js", map[string]any{"script": "throw new Error('nope')"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionExecution))
	assert.Contains(t, err.Error(), "nope")

	_, err = execute(t, reg, "code.js", map[string]any{"script": "while (true) {}", "timeout": "50ms"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout), err.Error())
}

// --- ai ---

type scriptedProvider struct {
	mu      sync.Mutex
	replies []agent.Message
	seen    []agent.Completion
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, c agent.Completion) (*agent.Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, c)
	msg := p.replies[0]
	p.replies = p.replies[1:]
	return &agent.Reply{Message: msg}, nil
}

func TestAIComplete(t *testing.T) {
	provider := &scriptedProvider{replies: []agent.Message{
		{Role: agent.RoleAssistant, Blocks: []agent.Block{agent.TextBlock{Text: "a summary"}}},
	}}
	runner := agent.NewRunner(agent.RunnerConfig{
		Tools: agent.NewToolset(agent.ToolFunc{Def: agent.ToolSpec{Name: "web_search"}}),
		NewProvider: func(config.AIConfig, *retry.Client) (agent.Provider, error) {
			return provider, nil
		},
	})
	reg := newRegistry(t, Deps{Agent: runner})
	creds := config.StaticCredentials{Provider: "anthropic", APIKey: "k"}

	out, _, err := executeWithLog(t, reg, "ai.complete", map[string]any{
		"prompt":  "summarize",
		"context": "background",
	}, creds)
	require.NoError(t, err)
	assert.Equal(t, "a summary", out["text"])
	assert.Equal(t, 1, out["iterations"])
	assert.Equal(t, true, out["success"])

	require.Len(t, provider.seen, 1)
	assert.Empty(t, provider.seen[0].Tools)
	assert.Equal(t, "background\n\nsummarize", provider.seen[0].Messages[0].Text())
}

func TestAINoCredentials(t *testing.T) {
	reg := newRegistry(t, Deps{Agent: agent.NewRunner(agent.RunnerConfig{})})

	_, _, err := executeWithLog(t, reg, "ai.agent", map[string]any{"prompt": "hi"}, config.StaticCredentials{Provider: "openai"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNoCredentials))

	reg = newRegistry(t, Deps{})
	_, _, err = executeWithLog(t, reg, "ai.complete", map[string]any{"prompt": "hi"}, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNoCredentials))
}

func TestParamHelpers(t *testing.T) {
	m := map[string]any{
		"s":    "x",
		"b":    "true",
		"i":    float64(3),
		"d":    "2s",
		"ds":   5,
		"list": []any{"a", 1, nil},
		"env":  map[string]any{"A": "1", "B": 2},
	}
	assert.Equal(t, "x", stringParam(m, "s", ""))
	assert.Equal(t, "3", stringParam(m, "i", "def"))
	assert.Equal(t, "def", stringParam(m, "env", "def"))
	assert.True(t, boolParam(m, "b", false))
	assert.Equal(t, 3, intParam(m, "i", 0))
	assert.Equal(t, 2*time.Second, durationParam(m, "d", 0))
	assert.Equal(t, 5*time.Second, durationParam(m, "ds", 0))
	assert.Equal(t, []string{"a", "1"}, stringSliceParam(m, "list"))
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, stringMapParam(m, "env"))
	assert.True(t, slices.Equal([]string(nil), stringSliceParam(m, "missing")))
	assert.Equal(t, "plain", decodeJSONText("plain"))
	assert.Equal(t, []any{float64(1)}, decodeJSONText("[1]"))
}
