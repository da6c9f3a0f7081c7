package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/openweavr/weavr/internal/config"
	"github.com/openweavr/weavr/internal/retry"
	"github.com/openweavr/weavr/pkg/schema"
)

const (
	DefaultMaxTokens = 4096

	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultOpenAIModel    = "gpt-4o-mini"

	anthropicBaseURL  = "https://api.anthropic.com"
	openAIBaseURL     = "https://api.openai.com/v1"
	openRouterBaseURL = "https://openrouter.ai/api/v1"

	// maxErrorBody bounds the provider error body kept in error details.
	maxErrorBody = 2048
)

// ToolSpec declares a tool to the model. Parameters is a JSON Schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Completion is one provider call.
type Completion struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Reply is the assistant message returned by a provider.
type Reply struct {
	Message    Message
	StopReason string
}

// Provider sends a transcript to an LLM and returns its reply.
type Provider interface {
	Name() string
	Complete(ctx context.Context, c Completion) (*Reply, error)
}

// NewProvider selects the adapter for ai.Provider. Anthropic speaks the
// messages API; openai, openrouter and any base_url-configured provider speak
// the chat completions API.
func NewProvider(ai config.AIConfig, client *retry.Client) (Provider, error) {
	if strings.TrimSpace(ai.APIKey) == "" {
		return nil, schema.NewError(schema.ErrCodeNoCredentials, "no API key configured for AI provider")
	}
	if client == nil {
		client = retry.New(retry.Config{})
	}

	switch strings.ToLower(ai.Provider) {
	case "anthropic", "claude":
		return &anthropicProvider{
			client:  client,
			apiKey:  ai.APIKey,
			model:   firstNonEmpty(ai.Model, defaultAnthropicModel),
			baseURL: strings.TrimRight(firstNonEmpty(ai.BaseURL, anthropicBaseURL), "/"),
		}, nil
	case "openai", "":
		return newOpenAI("openai", ai, openAIBaseURL, client), nil
	case "openrouter":
		return newOpenAI("openrouter", ai, openRouterBaseURL, client), nil
	default:
		if ai.BaseURL == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown AI provider %q without base_url", ai.Provider)
		}
		return newOpenAI(ai.Provider, ai, ai.BaseURL, client), nil
	}
}

func newOpenAI(name string, ai config.AIConfig, defaultBase string, client *retry.Client) *openAIProvider {
	return &openAIProvider{
		name:    name,
		client:  client,
		apiKey:  ai.APIKey,
		model:   firstNonEmpty(ai.Model, defaultOpenAIModel),
		baseURL: strings.TrimRight(firstNonEmpty(ai.BaseURL, defaultBase), "/"),
	}
}

// postJSON sends body to url through the retry client and decodes a 2xx
// response into out.
func postJSON(ctx context.Context, client *retry.Client, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	resp, err := client.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		prefix, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		code := schema.ErrCodeActionExecution
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			code = schema.ErrCodeNoCredentials
		}
		return schema.NewErrorf(code, "provider returned HTTP %d", resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": string(prefix)})
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return schema.NewErrorf(schema.ErrCodeActionExecution, "decode provider response: %v", err).WithCause(err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
