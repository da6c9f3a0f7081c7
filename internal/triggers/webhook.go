package triggers

import (
	"strings"

	"github.com/openweavr/weavr/internal/registry"
	"github.com/openweavr/weavr/pkg/schema"
)

// Webhook registers the webhook trigger under its bare name.
func Webhook() registry.Bundle {
	return registry.Bundle{Triggers: []registry.Trigger{WebhookTrigger{}}}
}

// WebhookTrigger binds a workflow to inbound requests for (with.source,
// with.path). The path is optional; "/" and "" are the same binding.
type WebhookTrigger struct{}

func (WebhookTrigger) Name() string               { return "webhook" }
func (WebhookTrigger) Description() string        { return "Fire on inbound HTTP requests for a source" }
func (WebhookTrigger) Kind() registry.TriggerKind { return registry.TriggerWebhook }

func (WebhookTrigger) Binding(config map[string]any) (string, string, error) {
	source, _ := config["source"].(string)
	source = strings.TrimSpace(source)
	if source == "" {
		return "", "", schema.NewError(schema.ErrCodeValidation, "webhook: with.source is required")
	}
	path, _ := config["path"].(string)
	return source, NormalizePath(path), nil
}

// NormalizePath trims surrounding slashes so "/push/", "push" and "push/"
// share a binding.
func NormalizePath(path string) string {
	return strings.Trim(strings.TrimSpace(path), "/")
}

// Manual registers the manual trigger: workflows declaring it only run when
// invoked explicitly.
func Manual() registry.Bundle {
	return registry.Bundle{Triggers: []registry.Trigger{ManualTrigger{}}}
}

type ManualTrigger struct{}

func (ManualTrigger) Name() string               { return "manual" }
func (ManualTrigger) Description() string        { return "Run only when invoked explicitly" }
func (ManualTrigger) Kind() registry.TriggerKind { return registry.TriggerManual }

var _ registry.WebhookTrigger = WebhookTrigger{}
