package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/sweeney/logsplitter/internal/errors"
	"github.com/sweeney/logsplitter/internal/logger"
)

type kind int

const (
	kindFloat kind = iota
	kindDuration
	kindInt
	kindString
)

// setting describes a key the operator may change at runtime.
type setting struct {
	kind     kind
	validate func(v any) error
}

func positiveFloat(v any) error {
	if v.(float64) <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func positiveDuration(v any) error {
	if v.(time.Duration) <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

var settings = map[string]setting{
	"pressure.vref":    {kindFloat, positiveFloat},
	"pressure.max_psi": {kindFloat, positiveFloat},
	"pressure.gain":    {kindFloat, positiveFloat},
	"pressure.offset":  {kindFloat, nil},
	"pressure.filter": {kindString, func(v any) error {
		if !FilterMode(v.(string)).IsValid() {
			return fmt.Errorf("must be none, median3 or ema")
		}
		return nil
	}},
	"pressure.ema_alpha": {kindFloat, func(v any) error {
		if a := v.(float64); a <= 0 || a > 1 {
			return fmt.Errorf("must be in (0,1]")
		}
		return nil
	}},
	"sequence.stable":       {kindDuration, positiveDuration},
	"sequence.start_stable": {kindDuration, positiveDuration},
	"sequence.timeout":      {kindDuration, positiveDuration},
	"safety.threshold":      {kindFloat, positiveFloat},
	"safety.hysteresis": {kindFloat, func(v any) error {
		if v.(float64) < 0 {
			return fmt.Errorf("must not be negative")
		}
		return nil
	}},
	"input.limit_debounce":  {kindDuration, positiveDuration},
	"input.button_debounce": {kindDuration, positiveDuration},
	"relay.ack_timeout":     {kindDuration, positiveDuration},
	"relay.retries": {kindInt, func(v any) error {
		if n := v.(int); n < 0 || n > 10 {
			return fmt.Errorf("must be 0..10")
		}
		return nil
	}},
	"log_level": {kindString, func(v any) error {
		if !logger.ValidLevel(v.(string)) {
			return fmt.Errorf("unknown level")
		}
		return nil
	}},
}

// ChangeFunc is called after a key has been changed and the config re-decoded.
type ChangeFunc func(key string, cfg *Config)

// Store is the runtime getter/setter over a loaded configuration.
type Store struct {
	mu       sync.Mutex
	v        *viper.Viper
	cfg      *Config
	onChange []ChangeFunc
}

// NewStore wraps a viper instance and its decoded config.
func NewStore(v *viper.Viper, cfg *Config) *Store {
	return &Store{v: v, cfg: cfg}
}

// OnChange registers fn to run after every successful Set.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Config returns a copy of the current configuration.
func (s *Store) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.cfg
}

// Keys lists the settable keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set parses and validates value for key, applies it, and notifies listeners.
// Durations accept Go syntax ("150ms") or a bare integer in milliseconds.
func (s *Store) Set(key, value string) error {
	errFactory := errors.New()
	key = strings.ToLower(strings.TrimSpace(key))

	st, ok := settings[key]
	if !ok {
		return errFactory.WithData(errors.ErrUnknownKey, key)
	}

	parsed, err := parse(st.kind, strings.TrimSpace(value))
	if err != nil {
		return errFactory.WithData(errors.ErrInvalidArgument, fmt.Sprintf("%s: %v", key, err))
	}
	if st.validate != nil {
		if err := st.validate(parsed); err != nil {
			return errFactory.WithData(errors.ErrInvalidArgument, fmt.Sprintf("%s: %v", key, err))
		}
	}

	s.mu.Lock()
	prev := s.v.Get(key)
	s.v.Set(key, parsed)
	next := &Config{}
	if err := s.v.Unmarshal(next); err != nil {
		s.v.Set(key, prev)
		s.mu.Unlock()
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	if err := next.Validate(); err != nil {
		s.v.Set(key, prev)
		s.mu.Unlock()
		return err
	}
	*s.cfg = *next
	listeners := append([]ChangeFunc(nil), s.onChange...)
	snapshot := *s.cfg
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(key, &snapshot)
	}
	return nil
}

func parse(k kind, value string) (any, error) {
	switch k {
	case kindFloat:
		return strconv.ParseFloat(value, 64)
	case kindInt:
		return strconv.Atoi(value)
	case kindDuration:
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		return time.ParseDuration(value)
	default:
		return value, nil
	}
}

// GetFloat implements Provider.
func (s *Store) GetFloat(key string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.GetFloat64(key)
}

// GetDuration implements Provider.
func (s *Store) GetDuration(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.GetDuration(key)
}

// GetInt implements Provider.
func (s *Store) GetInt(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.GetInt(key)
}

// GetString implements Provider.
func (s *Store) GetString(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.GetString(key)
}

// GetBool implements Provider.
func (s *Store) GetBool(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.GetBool(key)
}
