package config

import (
	"fmt"
	"time"
)

// Provider defines read access to tunable parameters. The control core asks
// for values through this surface and never sees how they are persisted.
type Provider interface {
	GetFloat(key string) float64
	GetDuration(key string) time.Duration
	GetInt(key string) int
	GetString(key string) string
	GetBool(key string) bool
}

// Setter changes a tunable parameter at runtime. Implementations validate
// the value before accepting it.
type Setter interface {
	Set(key, value string) error
}

// Option defines a configuration option that can be passed to Load
type Option func(*options) error

// options holds internal configuration options
type options struct {
	configPath string
	envPrefix  string
}

// WithConfigFile specifies an explicit configuration file path
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configPath = path
		return nil
	}
}

// WithEnvPrefix specifies a custom environment variable prefix
// Default is "LOGSPLITTER"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) error {
		if prefix == "" {
			return fmt.Errorf("empty env prefix")
		}
		o.envPrefix = prefix
		return nil
	}
}

// FilterMode names a pressure filter.
type FilterMode string

const (
	FilterNone    FilterMode = "none"
	FilterMedian3 FilterMode = "median3"
	FilterEMA     FilterMode = "ema"
)

// IsValid returns whether the filter mode is known
func (f FilterMode) IsValid() bool {
	switch f {
	case FilterNone, FilterMedian3, FilterEMA:
		return true
	default:
		return false
	}
}
