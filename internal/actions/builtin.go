// Package actions provides the built-in action plugins: core, http, shell,
// file, data, logic, code and ai.
package actions

import (
	"github.com/openweavr/weavr/internal/agent"
	"github.com/openweavr/weavr/internal/registry"
	"github.com/openweavr/weavr/internal/retry"
	"github.com/openweavr/weavr/internal/sandbox"
)

// Deps carries the shared backends of the built-in actions.
type Deps struct {
	HTTP            *retry.Client
	MaxResponseBody int64
	Policy          sandbox.Policy
	Runner          *sandbox.Runner
	// Agent backs ai.complete and ai.agent; nil makes them fail with
	// NO_CREDENTIALS.
	Agent *agent.Runner
}

// Builtins returns the plugin constructors of every built-in action bundle.
func Builtins(deps Deps) []registry.Plugin {
	runner := deps.Runner
	if runner == nil {
		runner = &sandbox.Runner{Policy: deps.Policy}
	}
	return []registry.Plugin{
		Core,
		HTTP(HTTPConfig{Client: deps.HTTP, MaxResponseBody: deps.MaxResponseBody}),
		Shell(runner),
		File(deps.Policy),
		Data,
		Logic,
		Code,
		AI(deps.Agent),
	}
}
