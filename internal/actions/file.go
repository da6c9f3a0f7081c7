package actions

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/openweavr/weavr/internal/registry"
	"github.com/openweavr/weavr/internal/sandbox"
	"github.com/openweavr/weavr/internal/template"
	"github.com/openweavr/weavr/pkg/schema"
)

const defaultMaxReadSize = 10 * 1024 * 1024

// File registers file.read, file.write and file.list under policy.
func File(policy sandbox.Policy) registry.Plugin {
	return func() registry.Bundle {
		fa := fileActions{policy: policy, maxRead: defaultMaxReadSize}
		return registry.Bundle{
			Namespace: "file",
			Actions: []registry.Action{
				&registry.ActionFunc{ID: "read", Desc: "Read a file as text or base64", Fn: fa.read},
				&registry.ActionFunc{ID: "write", Desc: "Write or append content to a file", Fn: fa.write},
				&registry.ActionFunc{ID: "list", Desc: "List the entries of a directory", Fn: fa.list},
			},
		}
	}
}

type fileActions struct {
	policy  sandbox.Policy
	maxRead int64
}

func absPath(action, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid path %q", action, path).WithCause(err)
	}
	return abs, nil
}

// isBinary treats NUL bytes or invalid UTF-8 in the first 8KB as binary.
func isBinary(data []byte) bool {
	head := data
	if len(head) > 8192 {
		head = head[:8192]
	}
	return bytes.IndexByte(head, 0) >= 0 || !utf8.Valid(head)
}

func (fa fileActions) read(_ context.Context, in registry.ActionInput) (any, error) {
	raw, err := requireString("file.read", in.Params, "path")
	if err != nil {
		return nil, err
	}
	path, err := absPath("file.read", raw)
	if err != nil {
		return nil, err
	}
	if err := fa.policy.Check(path, sandbox.Read); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "file.read: %v", err).WithCause(err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, fa.maxRead))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "file.read: %v", err).WithCause(err)
	}

	enc := stringParam(in.Params, "encoding", "auto")
	if enc == "auto" {
		enc = "text"
		if isBinary(data) {
			enc = "base64"
		}
	}
	content := string(data)
	if enc == "base64" {
		content = base64.StdEncoding.EncodeToString(data)
	}

	return map[string]any{
		"path":     path,
		"content":  content,
		"encoding": enc,
		"size":     len(data),
	}, nil
}

func (fa fileActions) write(_ context.Context, in registry.ActionInput) (any, error) {
	raw, err := requireString("file.write", in.Params, "path")
	if err != nil {
		return nil, err
	}
	content, ok := in.Params["content"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "file.write: missing required param 'content'")
	}
	path, err := absPath("file.write", raw)
	if err != nil {
		return nil, err
	}
	if err := fa.policy.Check(path, sandbox.Write); err != nil {
		return nil, err
	}

	if boolParam(in.Params, "create_dirs", false) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "file.write: create directories: %v", err).WithCause(err)
		}
	}

	data := []byte(template.Stringify(content))
	if stringParam(in.Params, "encoding", "text") == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "file.write: invalid base64 content").WithCause(err)
		}
		data = decoded
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if boolParam(in.Params, "append", false) {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	mode := os.FileMode(intParam(in.Params, "mode", 0o644))

	f, err := os.OpenFile(path, flags, mode)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "file.write: %v", err).WithCause(err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "file.write: %v", err).WithCause(err)
	}
	if err := f.Close(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "file.write: %v", err).WithCause(err)
	}

	return map[string]any{"path": path, "size": len(data)}, nil
}

func (fa fileActions) list(_ context.Context, in registry.ActionInput) (any, error) {
	raw, err := requireString("file.list", in.Params, "path")
	if err != nil {
		return nil, err
	}
	path, err := absPath("file.list", raw)
	if err != nil {
		return nil, err
	}
	if err := fa.policy.Check(path, sandbox.Read); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "file.list: %v", err).WithCause(err)
	}
	pattern := stringParam(in.Params, "pattern", "")

	items := make([]any, 0, len(entries))
	for _, e := range entries {
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, e.Name()); !ok {
				continue
			}
		}
		item := map[string]any{
			"name":   e.Name(),
			"path":   filepath.Join(path, e.Name()),
			"is_dir": e.IsDir(),
		}
		if info, err := e.Info(); err == nil {
			item["size"] = info.Size()
			item["modified"] = info.ModTime().UTC().Format("2006-01-02T15:04:05Z")
		}
		items = append(items, item)
	}
	return map[string]any{"path": path, "entries": items, "count": len(items)}, nil
}
