package omnirecorder

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OptionKind is the value type of a sensor option.
type OptionKind string

const (
	KindInt    OptionKind = "int"
	KindBool   OptionKind = "bool"
	KindString OptionKind = "string"
	KindFloat  OptionKind = "float"
)

// Option declares one configuration value a sensor recognizes.
type Option struct {
	Name    string
	Kind    OptionKind
	Default any
	Prompt  string
}

// SensorConfig maps option names to values as loaded from the configuration
// document. It is immutable for a run.
//
// Getters fall back to the declared default when a value is missing or cannot
// be converted, so a bad entry never prevents recording.
type SensorConfig map[string]any

// OptionSet indexes declared options by name.
type OptionSet map[string]Option

// NewOptionSet builds an OptionSet from a sensor's declarations.
func NewOptionSet(opts []Option) OptionSet {
	set := make(OptionSet, len(opts))
	for _, o := range opts {
		set[o.Name] = o
	}
	return set
}

// Int returns the named option as an int.
func (c SensorConfig) Int(set OptionSet, name string) int {
	def, _ := toInt(set[name].Default)
	v, ok := c[name]
	if !ok {
		return def
	}
	n, ok := toInt(v)
	if !ok {
		return def
	}
	return n
}

// Float returns the named option as a float64.
func (c SensorConfig) Float(set OptionSet, name string) float64 {
	def, _ := toFloat(set[name].Default)
	v, ok := c[name]
	if !ok {
		return def
	}
	f, ok := toFloat(v)
	if !ok {
		return def
	}
	return f
}

// Bool returns the named option as a bool.
func (c SensorConfig) Bool(set OptionSet, name string) bool {
	def, _ := toBool(set[name].Default)
	v, ok := c[name]
	if !ok {
		return def
	}
	b, ok := toBool(v)
	if !ok {
		return def
	}
	return b
}

// String returns the named option as a string.
func (c SensorConfig) String(set OptionSet, name string) string {
	def, _ := set[name].Default.(string)
	v, ok := c[name]
	if !ok || v == nil {
		return def
	}
	return fmt.Sprint(v)
}

// Seconds returns the named integer option as a duration in seconds.
func (c SensorConfig) Seconds(set OptionSet, name string) time.Duration {
	return time.Duration(c.Int(set, name)) * time.Second
}

// Unknown returns the names in c that set does not declare.
func (c SensorConfig) Unknown(set OptionSet) []string {
	var names []string
	for name := range c {
		if _, ok := set[name]; !ok {
			names = append(names, name)
		}
	}
	return names
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		p, err := strconv.ParseBool(strings.TrimSpace(b))
		return p, err == nil
	case int:
		return b != 0, true
	}
	return false, false
}

// PutOption configures a Store.Put call.
type PutOption func(*PutConfig)

// PutConfig holds configuration for a single upload.
type PutConfig struct {
	// ContentType is a MIME type hint for the content.
	ContentType string

	// Metadata is attached to the object where the store supports it.
	Metadata map[string]string
}

// WithContentType sets the content type hint.
func WithContentType(contentType string) PutOption {
	return func(c *PutConfig) {
		c.ContentType = contentType
	}
}

// WithMetadata sets object metadata.
func WithMetadata(metadata map[string]string) PutOption {
	return func(c *PutConfig) {
		c.Metadata = metadata
	}
}

// ApplyPutOptions applies options to a PutConfig.
func ApplyPutOptions(opts ...PutOption) *PutConfig {
	config := &PutConfig{}
	for _, opt := range opts {
		opt(config)
	}
	return config
}
