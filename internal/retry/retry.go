// Package retry wraps outbound HTTP calls with a per-attempt timeout and
// exponential backoff with jitter on 429, 5xx and network failures.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openweavr/weavr/internal/config"
	"github.com/openweavr/weavr/pkg/schema"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultTimeout    = 60 * time.Second

	// bodyPrefixLimit bounds the response body kept on RETRY_EXHAUSTED.
	bodyPrefixLimit = 512
)

// Config configures a Client. Zero values take the package defaults; a
// negative MaxRetries disables retrying.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Timeout bounds each attempt, including reading the response body.
	Timeout time.Duration
	// Limiter, if set, is waited on before every attempt.
	Limiter    *rate.Limiter
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// FromConfig maps the process retry settings onto a Config.
func FromConfig(rc config.RetryConfig, logger *zap.Logger) Config {
	cfg := Config{
		MaxRetries: rc.MaxRetries,
		BaseDelay:  rc.BaseDelay,
		MaxDelay:   rc.MaxDelay,
		Timeout:    rc.Timeout,
		Logger:     logger,
	}
	if rc.RateLimit > 0 {
		burst := rc.Burst
		if burst <= 0 {
			burst = 1
		}
		cfg.Limiter = rate.NewLimiter(rate.Limit(rc.RateLimit), burst)
	}
	return cfg
}

// Client executes requests under the retry policy. Safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{cfg: cfg, http: hc, log: log}
}

// WithHTTPClient returns a copy of c that sends through hc under the same
// retry policy.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	cp := *c
	cp.http = hc
	return &cp
}

// statusError is a retryable HTTP status.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return http.StatusText(e.status)
}

// Do sends the request built by newReq, retrying on 429, 5xx and network
// errors. newReq is called once per attempt so bodies can be replayed.
//
// A successful response (including non-retryable 4xx) is returned with its
// body open; the caller must close it.
func (c *Client) Do(ctx context.Context, newReq func() (*http.Request, error)) (*http.Response, error) {
	pol := newPolicy(c.cfg.BaseDelay, c.cfg.MaxDelay)
	b := backoff.WithContext(backoff.WithMaxRetries(pol, uint64(c.cfg.MaxRetries)), ctx)

	var (
		result   *http.Response
		attempts int
		target   string
	)

	op := func() error {
		attempts++
		if c.cfg.Limiter != nil {
			if err := c.cfg.Limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		req, err := newReq()
		if err != nil {
			return backoff.Permanent(err)
		}
		target = req.URL.Redacted()

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		resp, err := c.http.Do(req.WithContext(attemptCtx))
		if err != nil {
			timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
			cancel()
			switch {
			case timedOut:
				return backoff.Permanent(schema.NewErrorf(schema.ErrCodeTimeout,
					"%s %s: no response within %s", req.Method, target, c.cfg.Timeout).WithCause(err))
			case ctx.Err() != nil:
				return backoff.Permanent(ctx.Err())
			case isNetworkError(err):
				return err
			default:
				return backoff.Permanent(err)
			}
		}

		if retryableStatus(resp.StatusCode) {
			prefix, _ := io.ReadAll(io.LimitReader(resp.Body, bodyPrefixLimit))
			_ = resp.Body.Close()
			cancel()
			if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				pol.setRetryAfter(d)
			}
			return &statusError{status: resp.StatusCode, body: string(prefix)}
		}

		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		result = resp
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.log.Debug("retrying outbound call",
			zap.String("url", target),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, b, notify)
	if err == nil {
		return result, nil
	}

	var se *statusError
	if errors.As(err, &se) {
		return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"%s: HTTP %d after %d attempts", target, se.status, attempts).
			WithDetails(map[string]any{"status": se.status, "body": se.body, "attempts": attempts})
	}
	if isNetworkError(err) && ctx.Err() == nil {
		return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"%s: network error after %d attempts: %v", target, attempts, err).
			WithDetails(map[string]any{"attempts": attempts}).
			WithCause(err)
	}
	return nil, err
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// isNetworkError reports transport-level failures worth retrying.
func isNetworkError(err error) bool {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
