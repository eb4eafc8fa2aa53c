// Package input debounces digital inputs and reports stable level changes.
// This package performs no I/O of its own beyond the injected gpio.Reader,
// and takes time as a parameter.
package input

import "time"

// Polarity says which raw level means "active".
type Polarity int

const (
	// NormallyOpen inputs are active when the contact closes and pulls the
	// line low.
	NormallyOpen Polarity = iota
	// NormallyClosed inputs are active when the contact opens and the line
	// floats high (E-stop loops, so a cut wire reads as tripped).
	NormallyClosed
)

func (p Polarity) String() string {
	if p == NormallyClosed {
		return "NC"
	}
	return "NO"
}

// PinConfig configures one input.
type PinConfig struct {
	ID       int
	Name     string
	Polarity Polarity
	Debounce time.Duration
}

// PinEvent reports a debounced change of a pin's logical level.
type PinEvent struct {
	Pin    int
	Active bool
	Time   time.Time
}

// pinState tracks debounce state for a single pin.
type pinState struct {
	cfg PinConfig
	// Current stable (debounced) logical level
	stable bool
	// Last raw logical level observed
	raw bool
	// Time raw last changed
	rawSince time.Time
	// Whether a first reading has seeded stable
	seeded bool
	// Number of stable transitions
	changes uint64
}
