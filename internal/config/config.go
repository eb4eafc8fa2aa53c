// Package config loads controller configuration from a TOML file, environment
// variables and command-line flags, and exposes the live values for runtime
// adjustment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sweeney/logsplitter/internal/errors"
)

const (
	DefaultConfigName = "logsplitter"
	DefaultEnvPrefix  = "LOGSPLITTER"
	DefaultLogLevel   = "info"
)

// Config is the full controller configuration.
type Config struct {
	LogLevel   string `mapstructure:"log_level"`
	LogConsole bool   `mapstructure:"log_console"`

	Loop     LoopConfig     `mapstructure:"loop"`
	Pins     PinsConfig     `mapstructure:"pins"`
	Input    InputConfig    `mapstructure:"input"`
	Sequence SequenceConfig `mapstructure:"sequence"`
	Pressure PressureConfig `mapstructure:"pressure"`
	Safety   SafetyConfig   `mapstructure:"safety"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	History  HistoryConfig  `mapstructure:"history"`
	HTTP     HTTPConfig     `mapstructure:"http"`
}

// LoopConfig controls the main loop cadence.
type LoopConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	StatusInterval time.Duration `mapstructure:"status_interval"`
}

// PinsConfig maps logical inputs and outputs to BCM line offsets.
type PinsConfig struct {
	Chip          string `mapstructure:"chip"`
	ManualRetract int    `mapstructure:"manual_retract"`
	ManualExtend  int    `mapstructure:"manual_extend"`
	SafetyClear   int    `mapstructure:"safety_clear"`
	SequenceStart int    `mapstructure:"sequence_start"`
	LimitExtend   int    `mapstructure:"limit_extend"`
	LimitRetract  int    `mapstructure:"limit_retract"`
	Operator      int    `mapstructure:"operator"`
	EStop         int    `mapstructure:"estop"`
	EStopNC       bool   `mapstructure:"estop_nc"`
	MillLamp      int    `mapstructure:"mill_lamp"`
	SafetyLED     int    `mapstructure:"safety_led"`
}

// InputConfig holds debounce windows.
type InputConfig struct {
	LimitDebounce  time.Duration `mapstructure:"limit_debounce"`
	ButtonDebounce time.Duration `mapstructure:"button_debounce"`
}

// SequenceConfig holds sequence timing.
type SequenceConfig struct {
	Stable      time.Duration `mapstructure:"stable"`
	StartStable time.Duration `mapstructure:"start_stable"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// PressureConfig holds ADC sampling and sensor calibration.
type PressureConfig struct {
	IIODevice      string        `mapstructure:"iio_device"`
	PrimaryChan    int           `mapstructure:"primary_channel"`
	SecondaryChan  int           `mapstructure:"secondary_channel"`
	ADCBits        int           `mapstructure:"adc_bits"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	Window         time.Duration `mapstructure:"window"`
	VRef           float64       `mapstructure:"vref"`
	MaxPSI         float64       `mapstructure:"max_psi"`
	Gain           float64       `mapstructure:"gain"`
	Offset         float64       `mapstructure:"offset"`
	SecondaryMax   float64       `mapstructure:"secondary_max_psi"`
	Filter         string        `mapstructure:"filter"`
	EMAAlpha       float64       `mapstructure:"ema_alpha"`
	ExtNegFrac     float64       `mapstructure:"ext_neg_frac"`
	ExtPosFrac     float64       `mapstructure:"ext_pos_frac"`
	FullScaleVolts float64       `mapstructure:"full_scale_volts"`
	DeltaWarn      int           `mapstructure:"delta_warn_counts"`
}

// SafetyConfig holds pressure trip parameters.
type SafetyConfig struct {
	Threshold          float64       `mapstructure:"threshold"`
	Hysteresis         float64       `mapstructure:"hysteresis"`
	SustainedThreshold float64       `mapstructure:"sustained_threshold"`
	SustainedDuration  time.Duration `mapstructure:"sustained_duration"`
	LimitPressure      float64       `mapstructure:"limit_pressure"`
	SensorWarmup       time.Duration `mapstructure:"sensor_warmup"`
}

// RelayConfig holds the relay board link parameters.
type RelayConfig struct {
	Device     string        `mapstructure:"device"`
	Baud       int           `mapstructure:"baud"`
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
	Retries    int           `mapstructure:"retries"`
	Extend     int           `mapstructure:"extend"`
	Retract    int           `mapstructure:"retract"`
	Engine     int           `mapstructure:"engine"`
	Power      int           `mapstructure:"power"`
}

// WatchdogConfig holds execution time limits.
type WatchdogConfig struct {
	Deadline time.Duration `mapstructure:"deadline"`
	Warn     time.Duration `mapstructure:"warn"`
	Critical time.Duration `mapstructure:"critical"`
}

// MQTTConfig holds telemetry and remote command transport settings.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	BufferSize  int    `mapstructure:"buffer_size"`
}

// HistoryConfig holds the sqlite event history settings.
type HistoryConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Path          string        `mapstructure:"path"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// HTTPConfig holds the status page listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_console", true)

	v.SetDefault("loop.interval", 5*time.Millisecond)
	v.SetDefault("loop.status_interval", 5*time.Second)

	v.SetDefault("pins.chip", "gpiochip0")
	v.SetDefault("pins.manual_retract", 2)
	v.SetDefault("pins.manual_extend", 3)
	v.SetDefault("pins.safety_clear", 4)
	v.SetDefault("pins.sequence_start", 5)
	v.SetDefault("pins.limit_extend", 6)
	v.SetDefault("pins.limit_retract", 7)
	v.SetDefault("pins.operator", 8)
	v.SetDefault("pins.estop", 12)
	v.SetDefault("pins.estop_nc", true)
	v.SetDefault("pins.mill_lamp", 9)
	v.SetDefault("pins.safety_led", 11)

	v.SetDefault("input.limit_debounce", 10*time.Millisecond)
	v.SetDefault("input.button_debounce", 15*time.Millisecond)

	v.SetDefault("sequence.stable", 15*time.Millisecond)
	v.SetDefault("sequence.start_stable", 100*time.Millisecond)
	v.SetDefault("sequence.timeout", 30*time.Second)

	v.SetDefault("pressure.iio_device", "/sys/bus/iio/devices/iio:device0")
	v.SetDefault("pressure.primary_channel", 0)
	v.SetDefault("pressure.secondary_channel", 1)
	v.SetDefault("pressure.adc_bits", 10)
	v.SetDefault("pressure.sample_interval", 100*time.Millisecond)
	v.SetDefault("pressure.window", time.Second)
	v.SetDefault("pressure.vref", 5.0)
	v.SetDefault("pressure.max_psi", 3000.0)
	v.SetDefault("pressure.gain", 1.0)
	v.SetDefault("pressure.offset", 0.0)
	v.SetDefault("pressure.secondary_max_psi", 30.0)
	v.SetDefault("pressure.filter", string(FilterMedian3))
	v.SetDefault("pressure.ema_alpha", 0.2)
	v.SetDefault("pressure.ext_neg_frac", 0.2)
	v.SetDefault("pressure.ext_pos_frac", 0.3)
	v.SetDefault("pressure.full_scale_volts", 5.0)
	v.SetDefault("pressure.delta_warn_counts", 200)

	v.SetDefault("safety.threshold", 2500.0)
	v.SetDefault("safety.hysteresis", 10.0)
	v.SetDefault("safety.sustained_threshold", 2300.0)
	v.SetDefault("safety.sustained_duration", 10*time.Second)
	v.SetDefault("safety.limit_pressure", 2300.0)
	v.SetDefault("safety.sensor_warmup", 2*time.Second)

	v.SetDefault("relay.device", "/dev/ttyUSB0")
	v.SetDefault("relay.baud", 115200)
	v.SetDefault("relay.ack_timeout", 100*time.Millisecond)
	v.SetDefault("relay.retries", 2)
	v.SetDefault("relay.extend", 1)
	v.SetDefault("relay.retract", 2)
	v.SetDefault("relay.engine", 8)
	v.SetDefault("relay.power", 9)

	v.SetDefault("watchdog.deadline", 10*time.Second)
	v.SetDefault("watchdog.warn", 100*time.Millisecond)
	v.SetDefault("watchdog.critical", 500*time.Millisecond)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://127.0.0.1:1883")
	v.SetDefault("mqtt.client_id", "logsplitter")
	v.SetDefault("mqtt.topic_prefix", "controller")
	v.SetDefault("mqtt.buffer_size", 256)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.path", "/var/lib/logsplitter/history.db")
	v.SetDefault("history.batch_size", 50)
	v.SetDefault("history.flush_interval", 5*time.Second)

	v.SetDefault("http.addr", ":8080")
}

// Flags returns the command-line flag set. Flag names match config keys.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("logsplitter", pflag.ContinueOnError)
	fs.String("config", "", "Path to TOML config file")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	fs.Bool("log-console", true, "Human-readable console logs")
	fs.String("relay-device", "/dev/ttyUSB0", "Relay board serial device")
	fs.String("mqtt-broker", "tcp://127.0.0.1:1883", "MQTT broker address")
	fs.Bool("mqtt", false, "Enable MQTT telemetry and remote commands")
	fs.String("history", "", "Path to sqlite event history (empty disables)")
	fs.String("http", ":8080", "HTTP status address (empty disables)")
	fs.Bool("print-state", false, "Print input and pressure state and exit")
	return fs
}

// flagKeys maps flag names onto config keys.
var flagKeys = map[string]string{
	"log-level":    "log_level",
	"log-console":  "log_console",
	"relay-device": "relay.device",
	"mqtt-broker":  "mqtt.broker",
	"mqtt":         "mqtt.enabled",
	"http":         "http.addr",
}

// Load reads configuration from defaults, the TOML file, LOGSPLITTER_*
// environment variables and explicitly set flags, in increasing precedence.
func Load(fs *pflag.FlagSet, opts ...Option) (*Config, *viper.Viper, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil && o.configPath == "" {
		if f := fs.Lookup("config"); f != nil {
			o.configPath = f.Value.String()
		}
	}

	v.SetConfigType("toml")
	if o.configPath != "" {
		v.SetConfigFile(o.configPath)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath("/etc")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || o.configPath != "" {
			return nil, nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, nil, errFactory.Wrap(errors.ErrBindFlags, err)
			}
		}
		if f := fs.Lookup("history"); f != nil && f.Changed {
			v.Set("history.path", f.Value.String())
			v.Set("history.enabled", f.Value.String() != "")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return cfg, v, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	errFactory := errors.New()
	invalid := func(field string, value any, reason string) error {
		return errFactory.WithData(errors.ErrInvalidConfig, fmt.Sprintf("%s=%v: %s", field, value, reason))
	}

	if c.Loop.Interval <= 0 {
		return invalid("loop.interval", c.Loop.Interval, "must be positive")
	}
	if c.Pressure.SampleInterval <= 0 || c.Pressure.Window < c.Pressure.SampleInterval {
		return invalid("pressure.window", c.Pressure.Window, "must be at least one sample interval")
	}
	if c.Pressure.ADCBits < 8 || c.Pressure.ADCBits > 16 {
		return invalid("pressure.adc_bits", c.Pressure.ADCBits, "must be 8..16")
	}
	if c.Pressure.VRef <= 0 {
		return invalid("pressure.vref", c.Pressure.VRef, "must be positive")
	}
	if c.Pressure.MaxPSI <= 0 || c.Pressure.SecondaryMax <= 0 {
		return invalid("pressure.max_psi", c.Pressure.MaxPSI, "must be positive")
	}
	if !FilterMode(c.Pressure.Filter).IsValid() {
		return invalid("pressure.filter", c.Pressure.Filter, "must be none, median3 or ema")
	}
	if c.Pressure.EMAAlpha <= 0 || c.Pressure.EMAAlpha > 1 {
		return invalid("pressure.ema_alpha", c.Pressure.EMAAlpha, "must be in (0,1]")
	}
	if c.Safety.Hysteresis < 0 || c.Safety.Hysteresis >= c.Safety.Threshold {
		return invalid("safety.hysteresis", c.Safety.Hysteresis, "must be in [0, threshold)")
	}
	// The primary reading is clamped to max_psi, and the trip needs a reading
	// strictly above the threshold.
	if c.Safety.Threshold >= c.Pressure.MaxPSI {
		return invalid("safety.threshold", c.Safety.Threshold, "must be below pressure.max_psi")
	}
	if c.Safety.SustainedThreshold <= 0 || c.Safety.SustainedThreshold > c.Pressure.MaxPSI {
		return invalid("safety.sustained_threshold", c.Safety.SustainedThreshold, "must be in (0, pressure.max_psi]")
	}
	if c.Safety.LimitPressure <= 0 || c.Safety.LimitPressure > c.Pressure.MaxPSI {
		return invalid("safety.limit_pressure", c.Safety.LimitPressure, "must be in (0, pressure.max_psi]")
	}
	if c.Relay.Retries < 0 || c.Relay.AckTimeout <= 0 {
		return invalid("relay.retries", c.Relay.Retries, "retries must be >= 0 and ack timeout positive")
	}
	if c.Sequence.Timeout <= 0 {
		return invalid("sequence.timeout", c.Sequence.Timeout, "must be positive")
	}
	if c.Watchdog.Deadline <= 0 || c.Watchdog.Critical < c.Watchdog.Warn {
		return invalid("watchdog.critical", c.Watchdog.Critical, "must be >= warn")
	}
	return nil
}

// Samples returns the pressure ring buffer capacity.
func (p PressureConfig) Samples() int {
	return int(p.Window / p.SampleInterval)
}

// MaxCount returns the full-scale ADC count.
func (p PressureConfig) MaxCount() int {
	return 1<<p.ADCBits - 1
}
