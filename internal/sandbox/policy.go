// Package sandbox bounds what shell and file actions may touch: a path
// policy for reads and writes and a command runner with timeout and output
// caps.
package sandbox

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/openweavr/weavr/internal/config"
	"github.com/openweavr/weavr/pkg/schema"
)

// Access is the kind of filesystem access requested.
type Access int

const (
	Read Access = iota
	Write
)

func (a Access) String() string {
	if a == Write {
		return "write"
	}
	return "read"
}

// Policy decides which paths actions may read or write. Deny always wins.
// With no allow lists configured every path is permitted.
type Policy struct {
	Writable []string
	ReadOnly []string
	Deny     []string
}

// FromConfig maps sandbox settings onto a Policy.
func FromConfig(sc config.SandboxConfig) Policy {
	return Policy{
		Writable: sc.AllowedPaths,
		ReadOnly: sc.ReadOnlyPaths,
		Deny:     sc.DenyPaths,
	}
}

// Check returns a VALIDATION_ERROR when path may not be accessed.
func (p Policy) Check(path string, access Access) error {
	clean, err := resolve(path)
	if err != nil {
		return denied(path, access, err.Error())
	}

	for _, d := range p.Deny {
		base, err := resolve(d)
		if err != nil {
			// An unreadable deny rule denies everything.
			return denied(path, access, "invalid deny rule "+d)
		}
		if within(clean, base) {
			return denied(path, access, "path is denied")
		}
	}

	if len(p.Writable) == 0 && len(p.ReadOnly) == 0 {
		return nil
	}

	allowed := p.Writable
	if access == Read {
		allowed = append(append([]string(nil), p.ReadOnly...), p.Writable...)
	}
	for _, a := range allowed {
		base, err := resolve(a)
		if err != nil {
			continue
		}
		if within(clean, base) {
			return nil
		}
	}
	return denied(path, access, "not under any allowed path")
}

func denied(path string, access Access, reason string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s access to %q denied: %s", access, path, reason).
		WithDetails(map[string]any{"path": path, "access": access.String()})
}

// resolve makes path absolute and resolves symlinks on its longest existing
// prefix so files that do not exist yet still resolve consistently.
func resolve(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if strings.ContainsRune(path, 0) {
		return "", errors.New("path contains null byte")
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	dir := abs
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rel, err := filepath.Rel(parent, abs)
			if err != nil {
				return abs, nil
			}
			return filepath.Join(resolved, rel), nil
		}
		dir = parent
	}
}

// within reports whether path equals base or lies beneath it. filepath.Rel
// avoids treating /tmpevil as inside /tmp.
func within(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
