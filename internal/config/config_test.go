package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openweavr/weavr/pkg/schema"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weavr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "log:\n  level: debug\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":4200", cfg.Server.Addr)
	assert.Equal(t, 10, cfg.Engine.PoolSize)
	assert.Equal(t, 100, cfg.Engine.HistorySize)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
engine:
  pool_size: 4
retry:
  base_delay: 250ms
tool_servers:
  - name: files
    command: mcp-files
    args: ["--root", "/tmp"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Engine.PoolSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	require.Len(t, cfg.ToolServers, 1)
	assert.Equal(t, "files", cfg.ToolServers[0].Name)
	assert.Equal(t, []string{"--root", "/tmp"}, cfg.ToolServers[0].Args)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9000\"\n")
	t.Setenv("WEAVR_SERVER_ADDR", ":9100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestFileCredentialProvider_CachesUntilRefresh(t *testing.T) {
	path := writeConfig(t, "ai:\n  provider: Anthropic\n  api_key: key-1\n  model: claude-test\n")
	p := NewFileCredentialProvider(path, time.Minute)

	ai, err := p.Get()
	require.NoError(t, err)
	assert.Equal(t, "anthropic", ai.Provider)
	assert.Equal(t, "key-1", ai.APIKey)
	assert.Equal(t, "claude-test", ai.Model)

	require.NoError(t, os.WriteFile(path, []byte("ai:\n  provider: openai\n  api_key: key-2\n"), 0o644))

	ai, err = p.Get()
	require.NoError(t, err)
	assert.Equal(t, "key-1", ai.APIKey, "served from cache")

	require.NoError(t, p.Refresh())
	ai, err = p.Get()
	require.NoError(t, err)
	assert.Equal(t, "openai", ai.Provider)
	assert.Equal(t, "key-2", ai.APIKey)
}

func TestRequire(t *testing.T) {
	_, err := Require(StaticCredentials{Provider: "openai"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNoCredentials))

	_, err = Require(nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNoCredentials))

	ai, err := Require(StaticCredentials{Provider: "openai", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "k", ai.APIKey)
}
