package actions

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openweavr/weavr/internal/registry"
	"github.com/openweavr/weavr/internal/retry"
	"github.com/openweavr/weavr/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultMaxRedirects    = 10
)

// HTTPConfig configures the http.* actions.
type HTTPConfig struct {
	Client *retry.Client
	// MaxResponseBody caps how much of a response body is read.
	MaxResponseBody int64
}

// HTTP registers http.request, http.get and http.post. Every call goes
// through the shared retry client.
func HTTP(cfg HTTPConfig) registry.Plugin {
	return func() registry.Bundle {
		req := newHTTPRequestAction(cfg)
		return registry.Bundle{
			Namespace: "http",
			Actions: []registry.Action{
				req,
				&httpMethodAction{inner: req, method: http.MethodGet},
				&httpMethodAction{inner: req, method: http.MethodPost},
			},
		}
	}
}

type httpRequestAction struct {
	client  *retry.Client
	maxBody int64
}

func newHTTPRequestAction(cfg HTTPConfig) *httpRequestAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	client := cfg.Client
	if client == nil {
		client = retry.New(retry.Config{})
	}
	return &httpRequestAction{client: client, maxBody: cfg.MaxResponseBody}
}

func (a *httpRequestAction) Name() string { return "request" }

func (a *httpRequestAction) Description() string {
	return "Execute an HTTP request with method, headers, body, auth and redirect control"
}

func (a *httpRequestAction) Execute(ctx context.Context, in registry.ActionInput) (any, error) {
	params := in.Params
	if params == nil {
		params = map[string]any{}
	}

	rawURL, err := requireString("http.request", params, "url")
	if err != nil {
		return nil, err
	}
	if u, err := url.ParseRequestURI(rawURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}

	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))
	body, contentType, err := encodeBody(params)
	if err != nil {
		return nil, err
	}

	client := a.client
	if hc := clientFor(params); hc != nil {
		client = client.WithHTTPClient(hc)
	}
	if timeout := durationParam(params, "timeout", 0); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	newReq := func() (*http.Request, error) {
		var r io.Reader
		if body != nil {
			r = strings.NewReader(string(body))
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, r)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: build request: %v", err).WithCause(err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for k, v := range stringMapParam(params, "headers") {
			req.Header.Set(k, v)
		}
		applyAuth(req, mapParam(params, "auth"))
		return req, nil
	}

	start := time.Now()
	resp, err := client.Do(ctx, newReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "http.request: %s %s timed out", method, rawURL).WithCause(err)
		}
		if schema.CodeOf(err) != "" {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "http.request: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "http.request: read response body: %v", err).WithCause(err)
	}

	respType := resp.Header.Get("Content-Type")
	var parsed any
	switch {
	case len(raw) == 0:
	case strings.Contains(respType, "json"):
		parsed = decodeJSONText(string(raw))
	default:
		parsed = string(raw)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         parsed,
		"content_type": respType,
		"duration_ms":  time.Since(start).Milliseconds(),
	}
	in.Logf("%s %s -> %d", method, rawURL, resp.StatusCode)

	if boolParam(params, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "http.request: server returned %d", resp.StatusCode).
			WithDetails(result)
	}
	return result, nil
}

func encodeBody(params map[string]any) ([]byte, string, error) {
	raw, ok := params["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}
	switch stringParam(params, "body_encoding", "json") {
	case "form":
		fields, ok := raw.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http.request: form body must be a mapping")
		}
		vals := url.Values{}
		for k, v := range fields {
			vals.Set(k, fmt.Sprint(v))
		}
		return []byte(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return []byte(fmt.Sprint(raw)), "text/plain", nil
	case "raw":
		return []byte(fmt.Sprint(raw)), "", nil
	default:
		if s, ok := raw.(string); ok && json.Valid([]byte(s)) {
			return []byte(s), "application/json", nil
		}
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "http.request: marshal body as JSON: %v", err).WithCause(err)
		}
		return b, "application/json", nil
	}
}

func applyAuth(req *http.Request, auth map[string]any) {
	if auth == nil {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

// clientFor builds a dedicated http.Client when the step overrides TLS or
// redirect handling, and returns nil otherwise.
func clientFor(params map[string]any) *http.Client {
	skipVerify := boolParam(params, "tls_skip_verify", false)
	follow := boolParam(params, "follow_redirects", true)
	maxRedirects := intParam(params, "max_redirects", defaultMaxRedirects)
	if !skipVerify && follow && maxRedirects == defaultMaxRedirects {
		return nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if skipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	hc := &http.Client{Transport: transport}
	if !follow {
		hc.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else {
		hc.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		}
	}
	return hc
}

// httpMethodAction is http.get / http.post: http.request with a fixed method.
type httpMethodAction struct {
	inner  *httpRequestAction
	method string
}

func (a *httpMethodAction) Name() string { return strings.ToLower(a.method) }

func (a *httpMethodAction) Description() string {
	return fmt.Sprintf("Send an HTTP %s request", a.method)
}

func (a *httpMethodAction) Execute(ctx context.Context, in registry.ActionInput) (any, error) {
	params := make(map[string]any, len(in.Params)+1)
	for k, v := range in.Params {
		params[k] = v
	}
	params["method"] = a.method
	in.Params = params
	return a.inner.Execute(ctx, in)
}
