package retry

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// policy is a backoff.BackOff yielding min(max, base*2^n + jitter), unless the
// last response carried Retry-After, which is used verbatim once.
type policy struct {
	base time.Duration
	max  time.Duration

	mu         sync.Mutex
	n          int
	retryAfter time.Duration
	hasHint    bool
}

func newPolicy(base, max time.Duration) *policy {
	return &policy{base: base, max: max}
}

func (p *policy) setRetryAfter(d time.Duration) {
	p.mu.Lock()
	p.retryAfter = d
	p.hasHint = true
	p.mu.Unlock()
}

func (p *policy) NextBackOff() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.n
	p.n++
	if p.hasHint {
		p.hasHint = false
		return p.retryAfter
	}
	return Delay(p.base, p.max, n)
}

func (p *policy) Reset() {
	p.mu.Lock()
	p.n = 0
	p.hasHint = false
	p.mu.Unlock()
}

// Delay is the exponential delay for the given zero-based retry number:
// min(max, base*2^n + jitter) with jitter in [0, base).
func Delay(base, max time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := max
	if n < 32 {
		if exp := base << uint(n); exp > 0 && exp < max {
			d = exp
		}
	}
	d += time.Duration(rand.Int64N(int64(base)))
	if d > max {
		d = max
	}
	return d
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
