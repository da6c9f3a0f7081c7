// Package triggers provides the built-in trigger plugins: cron.schedule,
// webhook, file.watch and manual.
package triggers

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/openweavr/weavr/internal/registry"
	"github.com/openweavr/weavr/pkg/schema"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// @hourly and @every 5m.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron registers cron.schedule.
func Cron() registry.Bundle {
	return registry.Bundle{
		Namespace: "cron",
		Triggers:  []registry.Trigger{&CronTrigger{}},
	}
}

// CronTrigger fires on a cron expression (with.expression), evaluated in
// with.timezone when set and UTC otherwise.
type CronTrigger struct {
	mu    sync.Mutex
	cache map[string]cron.Schedule
}

func (t *CronTrigger) Name() string               { return "schedule" }
func (t *CronTrigger) Description() string        { return "Fire on a cron expression" }
func (t *CronTrigger) Kind() registry.TriggerKind { return registry.TriggerSchedule }

// Next returns the first fire time strictly after from.
func (t *CronTrigger) Next(config map[string]any, from time.Time) (time.Time, error) {
	expr, _ := config["expression"].(string)
	if expr == "" {
		if s, ok := config["cron"].(string); ok {
			expr = s
		}
	}
	if expr == "" {
		return time.Time{}, schema.NewError(schema.ErrCodeValidation, "cron.schedule: with.expression is required")
	}

	loc := time.UTC
	if tz, _ := config["timezone"].(string); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "cron.schedule: unknown timezone %q", tz).WithCause(err)
		}
		loc = l
	}

	sched, err := t.parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "cron.schedule: %q never fires", expr)
	}
	return next, nil
}

func (t *CronTrigger) parse(expr string) (cron.Schedule, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.cache[expr]; ok {
		return s, nil
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "cron.schedule: parse %q: %v", expr, err).WithCause(err)
	}
	if t.cache == nil {
		t.cache = make(map[string]cron.Schedule)
	}
	t.cache[expr] = s
	return s, nil
}

var _ registry.ScheduleTrigger = (*CronTrigger)(nil)

// Builtins returns every built-in trigger plugin.
func Builtins(logger *zap.Logger) []registry.Plugin {
	return []registry.Plugin{Cron, Webhook, Watch(logger), Manual}
}
