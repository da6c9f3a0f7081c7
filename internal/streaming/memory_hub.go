package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscription queue depth used by NewMemoryHub.
const DefaultBuffer = 64

type subscription struct {
	filter  EventFilter
	events  chan StreamEvent
	dropped atomic.Int64
}

// MemoryHub fans events out to in-process subscribers. A subscriber that falls
// behind loses events instead of stalling the publisher.
type MemoryHub struct {
	buffer int

	mu    sync.RWMutex
	subs  map[*subscription]struct{}
	drops atomic.Int64
}

// NewMemoryHub returns a hub with DefaultBuffer slots per subscriber.
func NewMemoryHub() *MemoryHub {
	return NewMemoryHubSize(DefaultBuffer)
}

// NewMemoryHubSize returns a hub whose subscriptions queue up to buffer events.
func NewMemoryHubSize(buffer int) *MemoryHub {
	if buffer < 1 {
		buffer = 1
	}
	return &MemoryHub{buffer: buffer, subs: map[*subscription]struct{}{}}
}

// Match reports whether e passes every criterion set on f.
func (f EventFilter) Match(e StreamEvent) bool {
	switch {
	case f.Workflow != "" && e.Workflow != f.Workflow:
		return false
	case f.RunID != "" && e.RunID != f.RunID:
		return false
	case len(f.EventTypes) > 0:
		return slices.Contains(f.EventTypes, e.EventType)
	}
	return true
}

// Publish stamps e and queues it on every matching subscription.
func (h *MemoryHub) Publish(ctx context.Context, e StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.filter.Match(e) {
			continue
		}
		select {
		case sub.events <- e:
		default:
			sub.dropped.Add(1)
			h.drops.Add(1)
		}
	}
	return nil
}

// Subscribe registers filter and returns the event channel plus an idempotent
// cancel func. Cancelling closes the channel.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sub := &subscription{filter: filter, events: make(chan StreamEvent, h.buffer)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.events, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
			close(sub.events)
		})
	}, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were discarded because a subscriber's
// queue was full.
func (h *MemoryHub) Dropped() int64 {
	return h.drops.Load()
}
