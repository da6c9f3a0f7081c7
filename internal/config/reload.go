package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/fsnotify/fsnotify"
)

// Changes describes what differs between two configurations.
type Changes struct {
	LogLevel bool
	AI       bool
	// RestartNeeded lists settings that only take effect on restart.
	RestartNeeded []string
}

// Any reports whether anything changed.
func (c Changes) Any() bool {
	return c.LogLevel || c.AI || len(c.RestartNeeded) > 0
}

// Diff compares two configurations.
func Diff(old, cur *Config) Changes {
	var d Changes
	if old.Log.Level != cur.Log.Level {
		d.LogLevel = true
	}
	if old.AI != cur.AI {
		d.AI = true
	}
	if old.Server.Addr != cur.Server.Addr {
		d.RestartNeeded = append(d.RestartNeeded, "server.addr")
	}
	if old.Log.Format != cur.Log.Format {
		d.RestartNeeded = append(d.RestartNeeded, "log.format")
	}
	if old.Store.Path != cur.Store.Path {
		d.RestartNeeded = append(d.RestartNeeded, "store.path")
	}
	if old.Engine != cur.Engine {
		d.RestartNeeded = append(d.RestartNeeded, "engine")
	}
	if old.Retry != cur.Retry {
		d.RestartNeeded = append(d.RestartNeeded, "retry")
	}
	if old.Search != cur.Search {
		d.RestartNeeded = append(d.RestartNeeded, "search")
	}
	if !sandboxEqual(old.Sandbox, cur.Sandbox) {
		d.RestartNeeded = append(d.RestartNeeded, "sandbox")
	}
	if !slices.EqualFunc(old.ToolServers, cur.ToolServers, toolServerEqual) {
		d.RestartNeeded = append(d.RestartNeeded, "tool_servers")
	}
	return d
}

func sandboxEqual(a, b SandboxConfig) bool {
	return slices.Equal(a.AllowedPaths, b.AllowedPaths) &&
		slices.Equal(a.ReadOnlyPaths, b.ReadOnlyPaths) &&
		slices.Equal(a.DenyPaths, b.DenyPaths) &&
		a.ShellTimeout == b.ShellTimeout &&
		a.MaxOutput == b.MaxOutput
}

func toolServerEqual(a, b ToolServerConfig) bool {
	return a.Name == b.Name && a.Command == b.Command &&
		slices.Equal(a.Args, b.Args) && slices.Equal(a.Env, b.Env)
}

// ErrNoConfigFile is returned by Watch when there is no file to watch.
var ErrNoConfigFile = errors.New("no config file in use")

// Watch reloads the configuration whenever the config file changes and hands
// the result to onChange. It returns the watched file. Watching stops when
// the process exits.
func Watch(path string, onChange func(*Config, error)) (string, error) {
	v, err := newViper(path)
	if err != nil {
		return "", err
	}
	file := v.ConfigFileUsed()
	if file == "" {
		return "", ErrNoConfigFile
	}
	v.OnConfigChange(func(fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			onChange(nil, fmt.Errorf("decode config: %w", err))
			return
		}
		applyFloors(&cfg)
		onChange(&cfg, nil)
	})
	v.WatchConfig()
	return file, nil
}
