package config

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/openweavr/weavr/pkg/schema"
)

// DefaultCredentialTTL is how long a credential lookup is served from cache.
const DefaultCredentialTTL = 5 * time.Second

const aiCacheKey = "ai"

// CredentialProvider resolves AI provider credentials. Implementations must be
// safe for concurrent use; they are shared by every run.
type CredentialProvider interface {
	Get() (AIConfig, error)
	// Refresh drops any cached value so the next Get re-reads the source.
	Refresh() error
}

// FileCredentialProvider re-reads the ai section of the config file (and
// WEAVR_AI_* env vars) at most once per TTL.
type FileCredentialProvider struct {
	path  string
	cache *gocache.Cache
}

// NewFileCredentialProvider creates a provider over the config file at path.
// An empty path uses the default lookup locations of Load.
func NewFileCredentialProvider(path string, ttl time.Duration) *FileCredentialProvider {
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	return &FileCredentialProvider{
		path:  path,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (p *FileCredentialProvider) Get() (AIConfig, error) {
	if v, ok := p.cache.Get(aiCacheKey); ok {
		return v.(AIConfig), nil
	}

	v, err := newViper(p.path)
	if err != nil {
		return AIConfig{}, err
	}
	var ai AIConfig
	if err := v.UnmarshalKey("ai", &ai); err != nil {
		return AIConfig{}, err
	}
	ai.Provider = strings.ToLower(strings.TrimSpace(ai.Provider))

	p.cache.Set(aiCacheKey, ai, gocache.DefaultExpiration)
	return ai, nil
}

func (p *FileCredentialProvider) Refresh() error {
	p.cache.Delete(aiCacheKey)
	return nil
}

// StaticCredentials is a fixed CredentialProvider.
type StaticCredentials AIConfig

func (s StaticCredentials) Get() (AIConfig, error) { return AIConfig(s), nil }
func (s StaticCredentials) Refresh() error         { return nil }

// Require returns the provider's credentials, or NO_CREDENTIALS when no
// usable api key is configured.
func Require(p CredentialProvider) (AIConfig, error) {
	if p == nil {
		return AIConfig{}, schema.NewError(schema.ErrCodeNoCredentials, "no credential provider configured")
	}
	ai, err := p.Get()
	if err != nil {
		return AIConfig{}, schema.NewErrorf(schema.ErrCodeNoCredentials, "load AI credentials: %v", err).WithCause(err)
	}
	if strings.TrimSpace(ai.APIKey) == "" {
		return AIConfig{}, schema.NewError(schema.ErrCodeNoCredentials, "no API key configured for AI provider")
	}
	return ai, nil
}
