package plugin

import (
	"fmt"
	"strconv"
	"time"
)

// Config is the option map handed to a stage at construction. It is copied on
// creation and never mutated afterwards.
type Config struct {
	values map[string]any
}

// NewConfig copies values into an immutable Config.
func NewConfig(values map[string]any) Config {
	c := Config{values: make(map[string]any, len(values))}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

// With returns a copy of c with key set to value.
func (c Config) With(key string, value any) Config {
	out := NewConfig(c.values)
	out.values[key] = value
	return out
}

// Has reports whether key is set.
func (c Config) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Raw returns the stored value for key.
func (c Config) Raw(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Keys lists the configured option names.
func (c Config) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	return keys
}

// String returns key as a string or def.
func (c Config) String(key, def string) string {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns key as an int or def when missing or not numeric.
func (c Config) Int(key string, def int) int {
	switch v := c.values[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Float returns key as a float64 or def when missing or not numeric.
func (c Config) Float(key string, def float64) float64 {
	switch v := c.values[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Bool returns key as a bool or def.
func (c Config) Bool(key string, def bool) bool {
	switch v := c.values[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Duration returns key as a time.Duration or def. Strings are parsed with
// time.ParseDuration.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	switch v := c.values[key].(type) {
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v)
	case int64:
		return time.Duration(v)
	}
	return def
}
