package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/openweavr/weavr/internal/config"
	"github.com/openweavr/weavr/internal/metrics"
	"github.com/openweavr/weavr/internal/retry"
)

// ProviderFactory builds a provider from resolved credentials.
type ProviderFactory func(ai config.AIConfig, client *retry.Client) (Provider, error)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Client  *retry.Client
	Tools   *Toolset
	Metrics *metrics.Collector
	Logger  *zap.Logger
	// NewProvider defaults to NewProvider.
	NewProvider ProviderFactory
}

// Runner resolves credentials per call and runs a Loop. Credentials are
// looked up on every call so a refreshed config takes effect without restart.
type Runner struct {
	cfg RunnerConfig
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Client == nil {
		cfg.Client = retry.New(retry.Config{Logger: cfg.Logger})
	}
	if cfg.Tools == nil {
		cfg.Tools = NewToolset()
	}
	if cfg.NewProvider == nil {
		cfg.NewProvider = NewProvider
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Runner{cfg: cfg}
}

// Tools returns the runner's full toolset.
func (r *Runner) Tools() *Toolset {
	return r.cfg.Tools
}

// Run fails with NO_CREDENTIALS before any network call when creds has no
// usable API key.
func (r *Runner) Run(ctx context.Context, creds config.CredentialProvider, req Request) (*Result, error) {
	ai, err := config.Require(creds)
	if err != nil {
		return nil, err
	}
	provider, err := r.cfg.NewProvider(ai, r.cfg.Client)
	if err != nil {
		return nil, err
	}
	loop := NewLoop(provider, r.cfg.Tools,
		WithMetrics(r.cfg.Metrics),
		WithLogger(r.cfg.Logger),
	)
	return loop.Run(ctx, req)
}
