package plugin

import (
	"fmt"
	"time"
)

// Params wraps the free-form parameter map a plugin factory receives from
// the audit definition. Getters coerce the loosely-typed values viper hands
// over (YAML integers arrive as int, float64 or string depending on source).
type Params map[string]any

func (p Params) String(key, fallback string) string {
	v, ok := p[key]
	if !ok {
		return fallback
	}
	s, ok := v.(string)
	if !ok {
		return fallback
	}
	return s
}

func (p Params) RequiredString(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("missing required param %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("param %q must be a non-empty string", key)
	}
	return s, nil
}

func (p Params) Int(key string, fallback int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func (p Params) Bool(key string, fallback bool) bool {
	v, ok := p[key].(bool)
	if !ok {
		return fallback
	}
	return v
}

func (p Params) Duration(key string, fallback time.Duration) time.Duration {
	switch v := p[key].(type) {
	case time.Duration:
		return v
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return fallback
		}
		return d
	case int:
		return time.Duration(v) * time.Second
	default:
		return fallback
	}
}

func (p Params) StringSlice(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (p Params) StringMap(key string) map[string]string {
	out := map[string]string{}
	switch v := p[key].(type) {
	case map[string]string:
		return v
	case map[string]any:
		for k, item := range v {
			if s, ok := item.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}
