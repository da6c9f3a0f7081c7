package engine

import (
	"sync"

	"github.com/openweavr/weavr/pkg/schema"
)

// DefaultHistorySize is the number of finished runs kept in memory.
const DefaultHistorySize = 100

// History is a bounded ring of finished run snapshots. The oldest run is
// evicted once the ring is full.
type History struct {
	mu   sync.RWMutex
	buf  []*schema.Run
	next int
	full bool
}

// NewHistory creates a ring holding up to size runs.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{buf: make([]*schema.Run, size)}
}

// Add stores a copy of run.
func (h *History) Add(run *schema.Run) {
	cp := run.Clone()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = cp
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// List returns copies of the stored runs, newest first.
func (h *History) List() []*schema.Run {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.next
	if h.full {
		n = len(h.buf)
	}
	out := make([]*schema.Run, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx].Clone())
	}
	return out
}

// Get returns a copy of the run with the given id.
func (h *History) Get(id string) (*schema.Run, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, r := range h.buf {
		if r != nil && r.ID == id {
			return r.Clone(), true
		}
	}
	return nil, false
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.buf)
	}
	return h.next
}
