package triggers

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/openweavr/weavr/internal/registry"
	"github.com/openweavr/weavr/pkg/schema"
)

const DefaultDebounce = 100 * time.Millisecond

// Watch registers file.watch.
func Watch(logger *zap.Logger) registry.Plugin {
	return func() registry.Bundle {
		if logger == nil {
			logger = zap.NewNop()
		}
		return registry.Bundle{
			Namespace: "file",
			Triggers:  []registry.Trigger{&WatchTrigger{log: logger}},
		}
	}
}

// WatchTrigger fires when a file or directory changes.
//
// Config: path (required), events (subset of create, write, remove, rename,
// chmod; default all but chmod), pattern (glob on the base name) and
// debounce (duration; events for one path within the window collapse into
// the last one).
type WatchTrigger struct {
	log *zap.Logger
}

func (t *WatchTrigger) Name() string               { return "watch" }
func (t *WatchTrigger) Description() string        { return "Fire when files under a path change" }
func (t *WatchTrigger) Kind() registry.TriggerKind { return registry.TriggerWatch }

type watchConfig struct {
	path     string
	ops      fsnotify.Op
	pattern  string
	debounce time.Duration
}

func parseWatchConfig(config map[string]any) (watchConfig, error) {
	path, _ := config["path"].(string)
	if strings.TrimSpace(path) == "" {
		return watchConfig{}, schema.NewError(schema.ErrCodeValidation, "file.watch: with.path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return watchConfig{}, schema.NewErrorf(schema.ErrCodeValidation, "file.watch: invalid path %q", path).WithCause(err)
	}

	wc := watchConfig{
		path:     abs,
		ops:      fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename,
		debounce: DefaultDebounce,
	}
	if raw, ok := config["events"].([]any); ok && len(raw) > 0 {
		wc.ops = 0
		for _, e := range raw {
			name, _ := e.(string)
			op, ok := opNames[strings.ToLower(name)]
			if !ok {
				return watchConfig{}, schema.NewErrorf(schema.ErrCodeValidation, "file.watch: unknown event %q", name)
			}
			wc.ops |= op
		}
	}
	if p, _ := config["pattern"].(string); p != "" {
		if _, err := filepath.Match(p, ""); err != nil {
			return watchConfig{}, schema.NewErrorf(schema.ErrCodeValidation, "file.watch: bad pattern %q", p).WithCause(err)
		}
		wc.pattern = p
	}
	switch d := config["debounce"].(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return watchConfig{}, schema.NewErrorf(schema.ErrCodeValidation, "file.watch: bad debounce %q", d).WithCause(err)
		}
		wc.debounce = parsed
	case int:
		wc.debounce = time.Duration(d) * time.Millisecond
	}
	return wc, nil
}

var opNames = map[string]fsnotify.Op{
	"create": fsnotify.Create,
	"write":  fsnotify.Write,
	"remove": fsnotify.Remove,
	"rename": fsnotify.Rename,
	"chmod":  fsnotify.Chmod,
}

func opName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	default:
		return "chmod"
	}
}

// Start begins watching. fire is called from a trigger-owned goroutine with
// {path, event, timestamp}; it must not block for long.
func (t *WatchTrigger) Start(ctx context.Context, config map[string]any, fire func(payload map[string]any)) (registry.Handle, error) {
	wc, err := parseWatchConfig(config)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSchedulerBinding, "file.watch: %v", err).WithCause(err)
	}
	if err := w.Add(wc.path); err != nil {
		w.Close()
		return nil, schema.NewErrorf(schema.ErrCodeSchedulerBinding, "file.watch: watch %s: %v", wc.path, err).WithCause(err)
	}

	h := &watchHandle{
		watcher: w,
		cfg:     wc,
		fire:    fire,
		log:     t.log.With(zap.String("path", wc.path)),
		pending: make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}
	go h.loop(ctx)
	return h, nil
}

type watchHandle struct {
	watcher *fsnotify.Watcher
	cfg     watchConfig
	fire    func(map[string]any)
	log     *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool

	once sync.Once
	done chan struct{}
}

func (h *watchHandle) loop(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.watcher.Close()
			h.drain()
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				h.drain()
				return
			}
			h.handle(ev)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				h.drain()
				return
			}
			h.log.Warn("file watch error", zap.Error(err))
		}
	}
}

func (h *watchHandle) handle(ev fsnotify.Event) {
	if ev.Op&h.cfg.ops == 0 {
		return
	}
	if h.cfg.pattern != "" {
		if ok, _ := filepath.Match(h.cfg.pattern, filepath.Base(ev.Name)); !ok {
			return
		}
	}
	payload := map[string]any{
		"path":      ev.Name,
		"event":     opName(ev.Op),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}

	if h.cfg.debounce <= 0 {
		h.fire(payload)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	if t, ok := h.pending[ev.Name]; ok {
		t.Stop()
	}
	name := ev.Name
	h.pending[name] = time.AfterFunc(h.cfg.debounce, func() {
		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			return
		}
		delete(h.pending, name)
		h.mu.Unlock()
		h.fire(payload)
	})
}

// drain cancels debounced events that have not fired yet.
func (h *watchHandle) drain() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for name, t := range h.pending {
		t.Stop()
		delete(h.pending, name)
	}
}

// Stop closes the watcher and waits for the event loop to exit. Safe to call
// more than once.
func (h *watchHandle) Stop() error {
	var err error
	h.once.Do(func() {
		err = h.watcher.Close()
		<-h.done
	})
	return err
}

var _ registry.WatchTrigger = (*WatchTrigger)(nil)
