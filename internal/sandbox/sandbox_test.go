package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openweavr/weavr/internal/config"
	"github.com/openweavr/weavr/pkg/schema"
)

func TestPolicyUnrestricted(t *testing.T) {
	var p Policy
	assert.NoError(t, p.Check("/etc/hosts", Read))
	assert.NoError(t, p.Check(filepath.Join(t.TempDir(), "new.txt"), Write))
	assert.Error(t, p.Check("", Read))
}

func TestPolicyAllowLists(t *testing.T) {
	work := t.TempDir()
	ref := t.TempDir()
	secret := filepath.Join(work, "secret")
	require.NoError(t, os.MkdirAll(secret, 0o755))

	p := FromConfig(config.SandboxConfig{
		AllowedPaths:  []string{work},
		ReadOnlyPaths: []string{ref},
		DenyPaths:     []string{secret},
	})

	assert.NoError(t, p.Check(filepath.Join(work, "out", "file.txt"), Write))
	assert.NoError(t, p.Check(filepath.Join(ref, "a.txt"), Read))

	err := p.Check(filepath.Join(ref, "a.txt"), Write)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	assert.Error(t, p.Check(filepath.Join(secret, "key"), Read))
	assert.Error(t, p.Check("/etc/passwd", Read))
	assert.Error(t, p.Check(work+"evil/x", Read))
	assert.Error(t, p.Check(filepath.Join(work, "..", "escape"), Write))
}

func TestPolicyFollowsSymlinks(t *testing.T) {
	work := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(work, "link")
	require.NoError(t, os.Symlink(outside, link))

	p := Policy{Writable: []string{work}}
	assert.Error(t, p.Check(filepath.Join(link, "file"), Write))
}

func TestRunnerCapturesOutput(t *testing.T) {
	r := &Runner{}
	res, err := r.Run(context.Background(), Command{Name: "echo", Args: []string{"hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Zero(t, res.ExitCode)
	assert.False(t, res.Killed)
}

func TestRunnerShellAndExitCode(t *testing.T) {
	r := &Runner{}
	res, err := r.Run(context.Background(), Command{
		Name:  "echo $GREETING; echo oops >&2; exit 3",
		Shell: true,
		Env:   map[string]string{"GREETING": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunnerStdinAndDir(t *testing.T) {
	dir := t.TempDir()
	r := &Runner{Policy: Policy{Writable: []string{dir}}}

	res, err := r.Run(context.Background(), Command{Name: "cat", Stdin: "piped"})
	require.NoError(t, err)
	assert.Equal(t, "piped", res.Stdout)

	res, err = r.Run(context.Background(), Command{Name: "pwd", Dir: dir})
	require.NoError(t, err)
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	assert.Equal(t, want, got)

	_, err = r.Run(context.Background(), Command{Name: "pwd", Dir: "/"})
	assert.Error(t, err)
}

func TestRunnerTimeout(t *testing.T) {
	r := &Runner{Timeout: 50 * time.Millisecond}
	res, err := r.Run(context.Background(), Command{Name: "sleep", Args: []string{"5"}})
	require.NoError(t, err)
	assert.True(t, res.Killed)
	assert.NotZero(t, res.ExitCode)
	assert.Less(t, res.Duration, 5*time.Second)
}

func TestRunnerOutputCap(t *testing.T) {
	r := &Runner{MaxOutput: 4}
	res, err := r.Run(context.Background(), Command{Name: "echo", Args: []string{"abcdefgh"}})
	require.NoError(t, err)
	assert.Equal(t, "abcd", res.Stdout)
}

func TestRunnerMissingBinary(t *testing.T) {
	r := &Runner{}
	_, err := r.Run(context.Background(), Command{Name: "definitely-not-a-binary-weavr"})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeActionExecution))

	_, err = r.Run(context.Background(), Command{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
