package faults

import (
	"time"

	"github.com/sweeney/logsplitter/internal/gpio"
	"github.com/sweeney/logsplitter/internal/telemetry"
)

// Indicator drives one output lamp either steady or blinking. The pin is
// written only when its level changes.
type Indicator struct {
	w    gpio.Writer
	pin  int
	name string
	sink telemetry.Sink

	level   bool
	written bool
	toggled time.Time
	period  time.Duration
}

// NewIndicator returns an indicator on pin. The name tags output events.
func NewIndicator(w gpio.Writer, pin int, name string, sink telemetry.Sink) *Indicator {
	if sink == nil {
		sink = telemetry.Discard
	}
	return &Indicator{w: w, pin: pin, name: name, sink: sink}
}

// Drive sets the lamp for now. A positive period blinks with that half
// period, starting lit; otherwise the lamp is held at on.
func (i *Indicator) Drive(now time.Time, on bool, period time.Duration) error {
	level := on
	if period > 0 {
		switch {
		case i.period != period:
			// New blink pattern starts with the lamp lit.
			level = true
			i.toggled = now
		case now.Sub(i.toggled) >= period:
			level = !i.level
			i.toggled = now
		default:
			level = i.level
		}
	}
	i.period = period
	return i.set(now, level)
}

// Show drives the lamp with a fault pattern.
func (i *Indicator) Show(now time.Time, p Pattern) error {
	return i.Drive(now, p != PatternOff, p.Period())
}

// Off forces the lamp dark.
func (i *Indicator) Off(now time.Time) error {
	return i.Drive(now, false, 0)
}

func (i *Indicator) set(now time.Time, level bool) error {
	if i.written && level == i.level {
		return nil
	}
	if err := i.w.Write(i.pin, level); err != nil {
		return err
	}
	i.level = level
	i.written = true
	i.sink.Emit(telemetry.Event{Type: telemetry.TypeOutput, ID: i.pin, Value: boolValue(level), Time: now, Detail: i.name})
	return nil
}

// Lit reports the last written level.
func (i *Indicator) Lit() bool { return i.level }

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
