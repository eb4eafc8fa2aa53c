// Package pressure samples hydraulic pressure transducers, filters the raw
// ADC counts and converts them to PSI.
package pressure

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/logsplitter/internal/adc"
	"github.com/sweeney/logsplitter/internal/mathx"
)

// FilterMode selects how raw counts are smoothed.
type FilterMode int

const (
	FilterNone FilterMode = iota
	FilterMedian3
	FilterEMA
)

func (f FilterMode) String() string {
	switch f {
	case FilterMedian3:
		return "median3"
	case FilterEMA:
		return "ema"
	default:
		return "none"
	}
}

// ParseFilter maps a config name onto a FilterMode.
func ParseFilter(s string) (FilterMode, error) {
	switch s {
	case "none", "":
		return FilterNone, nil
	case "median3":
		return FilterMedian3, nil
	case "ema":
		return FilterEMA, nil
	}
	return FilterNone, fmt.Errorf("pressure: unknown filter %q", s)
}

// Calibration converts counts to pressure.
type Calibration struct {
	VRef   float64 // ADC reference voltage
	Gain   float64
	Offset float64 // volts subtracted before gain
	// FullScale is the nominal maximum pressure.
	FullScale float64
}

// ExtendedSpan maps 0..FullScaleVolts onto -NegFrac..(1+PosFrac) of the
// nominal range so the transducer's over-range does not saturate the ADC.
type ExtendedSpan struct {
	NegFrac        float64
	PosFrac        float64
	FullScaleVolts float64
}

// Config describes one channel.
type Config struct {
	Name     string
	Channel  int
	MaxCount uint16
	Interval time.Duration
	// Samples is the window length in samples; IsReady requires a full window.
	Samples int
	Calibration
	// Extended, when non-nil, selects the extended-span conversion used by
	// the primary channel.
	Extended *ExtendedSpan
	Filter   FilterMode
	Alpha    float64
	// DeltaWarn logs a warning when consecutive raw samples differ by more
	// than this many counts. Zero disables.
	DeltaWarn int
}

// Channel is one pressure transducer. Owned by the control loop.
type Channel struct {
	cfg    Config
	reader adc.Reader
	log    zerolog.Logger

	buf      *ring
	scratch  [3]uint16
	sampled  bool
	lastAt   time.Time
	lastRaw  uint16
	filtered float64
	ema      float64
	emaSet   bool
	pressure float64
	faulted  bool
	lastErr  error

	deltaWarned bool
	deltaCount  uint64
}

// NewChannel validates cfg and returns a channel reading from reader.
func NewChannel(cfg Config, reader adc.Reader, log zerolog.Logger) (*Channel, error) {
	if cfg.MaxCount == 0 {
		return nil, fmt.Errorf("pressure: %s: max count must be positive", cfg.Name)
	}
	if cfg.Samples < 1 {
		return nil, fmt.Errorf("pressure: %s: window must hold at least one sample", cfg.Name)
	}
	if cfg.VRef <= 0 || cfg.FullScale <= 0 {
		return nil, fmt.Errorf("pressure: %s: vref and full scale must be positive", cfg.Name)
	}
	if cfg.Filter == FilterEMA && (cfg.Alpha <= 0 || cfg.Alpha > 1) {
		return nil, fmt.Errorf("pressure: %s: ema alpha %v outside (0,1]", cfg.Name, cfg.Alpha)
	}
	return &Channel{
		cfg:    cfg,
		reader: reader,
		log:    log.With().Str("channel", cfg.Name).Logger(),
		buf:    newRing(cfg.Samples),
	}, nil
}

// Update takes a sample if the interval has elapsed since the previous one
// and reports whether it did.
func (c *Channel) Update(now time.Time) bool {
	if c.sampled && now.Sub(c.lastAt) < c.cfg.Interval {
		return false
	}
	c.sampled = true
	c.lastAt = now

	raw, err := c.reader.ReadRaw(c.cfg.Channel)
	if err != nil {
		if !c.faulted {
			c.log.Error().Err(err).Msg("pressure read failed")
		}
		c.faulted = true
		c.lastErr = err
		return true
	}
	if c.faulted {
		c.log.Info().Msg("pressure read recovered")
	}
	c.faulted = false
	c.lastErr = nil

	c.checkDelta(raw)
	c.buf.push(raw)
	c.lastRaw = raw
	c.filtered = c.applyFilter(raw)
	c.pressure = c.Convert(c.filtered)
	return true
}

// checkDelta warns once per run of large steps; a step inside the limit
// re-arms the warning. State lives for the channel's lifetime and is cleared
// by Reset.
func (c *Channel) checkDelta(raw uint16) {
	if c.cfg.DeltaWarn <= 0 || c.buf.len() == 0 {
		return
	}
	delta := mathx.Abs(int(raw) - int(c.lastRaw))
	if delta <= c.cfg.DeltaWarn {
		c.deltaWarned = false
		return
	}
	c.deltaCount++
	if !c.deltaWarned {
		c.log.Warn().Int("from", int(c.lastRaw)).Int("to", int(raw)).Int("delta", delta).Msg("large pressure step")
		c.deltaWarned = true
	}
}

func (c *Channel) applyFilter(raw uint16) float64 {
	switch c.cfg.Filter {
	case FilterMedian3:
		return float64(median(c.buf.last(c.scratch[:0], 3)))
	case FilterEMA:
		if !c.emaSet {
			c.ema = float64(raw)
			c.emaSet = true
		} else {
			c.ema = c.cfg.Alpha*float64(raw) + (1-c.cfg.Alpha)*c.ema
		}
		return c.ema
	default:
		return float64(raw)
	}
}

// median returns the middle of up to three samples. With two samples the
// lower one is used so a single fresh spike is never reported.
func median(s []uint16) uint16 {
	switch len(s) {
	case 0:
		return 0
	case 1:
		return s[0]
	case 2:
		if s[0] < s[1] {
			return s[0]
		}
		return s[1]
	}
	a, b, c := s[0], s[1], s[2]
	if a > b {
		a, b = b, a
	}
	if b > c {
		b = c
	}
	if a > b {
		b = a
	}
	return b
}

// Convert maps a (filtered) count to pressure. The primary channel's result
// is always within [0, FullScale].
func (c *Channel) Convert(count float64) float64 {
	cal := c.cfg.Calibration
	volts := count / float64(c.cfg.MaxCount) * cal.VRef
	v := (volts - cal.Offset) * cal.Gain

	if ext := c.cfg.Extended; ext != nil {
		vfs := ext.FullScaleVolts
		if vfs <= 0.1 {
			vfs = cal.VRef
		}
		v = mathx.Clamp(v, 0, vfs)
		span := (1 + ext.NegFrac + ext.PosFrac) * cal.FullScale
		p := v/vfs*span - ext.NegFrac*cal.FullScale
		return mathx.Clamp(p, 0, cal.FullScale)
	}

	return mathx.Clamp(v*cal.FullScale/cal.VRef, 0, cal.FullScale)
}

// Pressure returns the latest converted reading.
func (c *Channel) Pressure() float64 { return c.pressure }

// Filtered returns the latest filtered count.
func (c *Channel) Filtered() float64 { return c.filtered }

// Raw returns the latest raw count.
func (c *Channel) Raw() uint16 { return c.lastRaw }

// Voltage returns the latest filtered reading as volts at the ADC pin.
func (c *Channel) Voltage() float64 {
	return c.filtered / float64(c.cfg.MaxCount) * c.cfg.VRef
}

// IsReady reports whether a full window has been sampled and the last read
// succeeded.
func (c *Channel) IsReady() bool {
	return !c.faulted && c.buf.full()
}

// Faulted reports whether the last read failed, and why.
func (c *Channel) Faulted() (bool, error) {
	return c.faulted, c.lastErr
}

// LargeSteps returns how many over-limit steps have been seen.
func (c *Channel) LargeSteps() uint64 { return c.deltaCount }

// Name returns the channel name.
func (c *Channel) Name() string { return c.cfg.Name }

// Config returns a copy of the channel configuration.
func (c *Channel) Config() Config { return c.cfg }

// SetFilter changes the filter and restarts filter state.
func (c *Channel) SetFilter(mode FilterMode, alpha float64) error {
	if mode == FilterEMA && (alpha <= 0 || alpha > 1) {
		return fmt.Errorf("pressure: ema alpha %v outside (0,1]", alpha)
	}
	c.cfg.Filter = mode
	c.cfg.Alpha = alpha
	c.emaSet = false
	return nil
}

// SetCalibration replaces the conversion parameters.
func (c *Channel) SetCalibration(cal Calibration) error {
	if cal.VRef <= 0 || cal.FullScale <= 0 {
		return fmt.Errorf("pressure: vref and full scale must be positive")
	}
	c.cfg.Calibration = cal
	if c.buf.len() > 0 {
		c.pressure = c.Convert(c.filtered)
	}
	return nil
}

// Reset discards samples and filter state; IsReady is false until a new
// window has been collected.
func (c *Channel) Reset() {
	c.buf.reset()
	c.sampled = false
	c.emaSet = false
	c.filtered = 0
	c.pressure = 0
	c.deltaWarned = false
}
