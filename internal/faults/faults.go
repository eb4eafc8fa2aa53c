// Package faults keeps the controller's latched fault bitmask and drives the
// mill lamp that shows it.
package faults

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/logsplitter/internal/clock"
	"github.com/sweeney/logsplitter/internal/telemetry"
)

// Code is a single fault bit.
type Code uint8

const (
	EEPROMCRC       Code = 0x01
	EEPROMSave      Code = 0x02
	SensorFault     Code = 0x04
	Network         Code = 0x08
	ConfigInvalid   Code = 0x10
	MemoryLow       Code = 0x20
	HardwareFault   Code = 0x40
	SequenceTimeout Code = 0x80
)

// Critical faults make the lamp blink fast while unacknowledged.
const Critical = SensorFault | HardwareFault | SequenceTimeout

var names = map[Code]string{
	EEPROMCRC:       "config_crc",
	EEPROMSave:      "config_save",
	SensorFault:     "sensor",
	Network:         "network",
	ConfigInvalid:   "config_invalid",
	MemoryLow:       "memory_low",
	HardwareFault:   "hardware",
	SequenceTimeout: "sequence_timeout",
}

var descriptions = map[Code]string{
	EEPROMCRC:       "Stored configuration failed validation",
	EEPROMSave:      "Configuration save failed",
	SensorFault:     "Pressure sensor malfunction",
	Network:         "Network connection persistently failed",
	ConfigInvalid:   "Configuration parameters invalid",
	MemoryLow:       "Memory allocation issues",
	HardwareFault:   "General hardware fault",
	SequenceTimeout: "Sequence operation timeout",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("0x%02X", uint8(c))
}

// Description is the operator-facing text for c.
func (c Code) Description() string {
	if d, ok := descriptions[c]; ok {
		return d
	}
	return "Unknown fault"
}

// ParseCode accepts a fault name or its bit value in decimal or 0x hex.
func ParseCode(s string) (Code, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, n := range names {
		if n == s {
			return c, nil
		}
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("faults: unknown code %q", s)
	}
	c := Code(v)
	if _, ok := names[c]; !ok {
		return 0, fmt.Errorf("faults: unknown code %q", s)
	}
	return c, nil
}

// Fault is one entry of the registry listing.
type Fault struct {
	Code         Code
	Message      string
	Raised       time.Time
	Acknowledged bool
}

// Pattern is the mill lamp drive.
type Pattern int

const (
	PatternOff Pattern = iota
	PatternSolid
	PatternSlowBlink
	PatternFastBlink
)

const (
	SlowBlink = time.Second
	FastBlink = 250 * time.Millisecond
)

func (p Pattern) String() string {
	switch p {
	case PatternSolid:
		return "solid"
	case PatternSlowBlink:
		return "slow"
	case PatternFastBlink:
		return "fast"
	default:
		return "off"
	}
}

// Period returns the blink half-period, or zero for a steady pattern.
func (p Pattern) Period() time.Duration {
	switch p {
	case PatternSlowBlink:
		return SlowBlink
	case PatternFastBlink:
		return FastBlink
	}
	return 0
}

// Registry holds raised faults until an operator clears them. Owned by the
// control loop.
type Registry struct {
	now  clock.Func
	sink telemetry.Sink
	log  zerolog.Logger

	active   Code
	acked    Code
	messages map[Code]string
	raised   map[Code]time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry(now clock.Func, sink telemetry.Sink, log zerolog.Logger) *Registry {
	if sink == nil {
		sink = telemetry.Discard
	}
	return &Registry{
		now:      now,
		sink:     sink,
		log:      log,
		messages: make(map[Code]string),
		raised:   make(map[Code]time.Time),
	}
}

// Raise latches code. Raising an already active fault refreshes its message
// but does not re-log or clear its acknowledgement.
func (r *Registry) Raise(code Code, msg string) {
	if msg == "" {
		msg = code.Description()
	}
	if r.active&code != 0 {
		r.messages[code] = msg
		return
	}
	now := r.now()
	r.active |= code
	r.messages[code] = msg
	r.raised[code] = now

	r.log.Error().Str("fault", code.String()).Bool("critical", code&Critical != 0).Msg(msg)
	r.sink.Emit(telemetry.Event{Type: telemetry.TypeFault, ID: int(code), Value: 1, Time: now, Detail: msg})
}

// Acknowledge marks an active fault as seen. It stays latched.
func (r *Registry) Acknowledge(code Code) bool {
	if r.active&code == 0 {
		return false
	}
	r.acked |= code & r.active
	return true
}

// Clear removes code and its acknowledgement.
func (r *Registry) Clear(code Code) bool {
	if r.active&code == 0 {
		return false
	}
	r.active &^= code
	r.acked &^= code
	delete(r.messages, code)
	delete(r.raised, code)
	r.log.Info().Str("fault", code.String()).Msg("fault cleared")
	r.sink.Emit(telemetry.Event{Type: telemetry.TypeFault, ID: int(code), Value: 0, Time: r.now()})
	return true
}

// ClearAll removes every fault.
func (r *Registry) ClearAll() {
	for c := Code(1); c != 0; c <<= 1 {
		r.Clear(c)
	}
}

// Has reports whether code is active.
func (r *Registry) Has(code Code) bool { return r.active&code != 0 }

// Active returns the active bitmask.
func (r *Registry) Active() Code { return r.active }

// Unacknowledged returns the active faults not yet acknowledged.
func (r *Registry) Unacknowledged() Code { return r.active &^ r.acked }

// List returns active faults in bit order.
func (r *Registry) List() []Fault {
	var out []Fault
	for c := Code(1); c != 0; c <<= 1 {
		if r.active&c == 0 {
			continue
		}
		out = append(out, Fault{
			Code:         c,
			Message:      r.messages[c],
			Raised:       r.raised[c],
			Acknowledged: r.acked&c != 0,
		})
	}
	return out
}

// Pattern picks the lamp drive for the current fault set.
func (r *Registry) Pattern() Pattern {
	if r.active == 0 {
		return PatternOff
	}
	unacked := r.Unacknowledged()
	switch {
	case unacked&Critical != 0:
		return PatternFastBlink
	case bits.OnesCount8(uint8(unacked)) > 1:
		return PatternSlowBlink
	default:
		// One unacknowledged fault, or only acknowledged ones.
		return PatternSolid
	}
}
