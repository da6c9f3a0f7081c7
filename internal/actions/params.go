package actions

import (
	"encoding/json"
	"time"

	"github.com/spf13/cast"

	"github.com/openweavr/weavr/pkg/schema"
)

// Step params are decoded YAML after template resolution. A value of the
// wrong shape falls back to the caller's default rather than failing the step;
// only requireString reports an error.

// param converts m[key] with conv, returning def when the key is absent, nil
// or not convertible.
func param[T any](m map[string]any, key string, def T, conv func(any) (T, error)) T {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	out, err := conv(v)
	if err != nil {
		return def
	}
	return out
}

// stringParam accepts strings and scalars; "port: 8080" reads as "8080".
func stringParam(m map[string]any, key, def string) string {
	return param(m, key, def, cast.ToStringE)
}

func boolParam(m map[string]any, key string, def bool) bool {
	return param(m, key, def, cast.ToBoolE)
}

func intParam(m map[string]any, key string, def int) int {
	return param(m, key, def, cast.ToIntE)
}

// durationParam reads "30s" style strings; bare numbers count seconds.
func durationParam(m map[string]any, key string, def time.Duration) time.Duration {
	return param(m, key, def, func(v any) (time.Duration, error) {
		if s, ok := v.(string); ok {
			return time.ParseDuration(s)
		}
		secs, err := cast.ToFloat64E(v)
		return time.Duration(secs * float64(time.Second)), err
	})
}

// stringSliceParam stringifies list items and skips nulls.
func stringSliceParam(m map[string]any, key string) []string {
	items, ok := m[key].([]any)
	if !ok {
		if ss, ok := m[key].([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		if s, err := cast.ToStringE(item); err == nil {
			out = append(out, s)
		}
	}
	return out
}

func stringMapParam(m map[string]any, key string) map[string]string {
	return param(m, key, map[string]string(nil), cast.ToStringMapStringE)
}

func mapParam(m map[string]any, key string) map[string]any {
	return param(m, key, map[string]any(nil), cast.ToStringMapE)
}

func requireString(action string, m map[string]any, key string) (string, error) {
	if s := stringParam(m, key, ""); s != "" {
		return s, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param '%s'", action, key)
}

// decodeJSONText returns the parsed value when s holds a JSON document and s
// itself otherwise.
func decodeJSONText(s string) any {
	var parsed any
	if s == "" || json.Unmarshal([]byte(s), &parsed) != nil {
		return s
	}
	return parsed
}
