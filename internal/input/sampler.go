package input

import (
	"fmt"
	"time"

	"github.com/sweeney/logsplitter/internal/gpio"
)

// Sampler polls configured pins and debounces each one independently.
type Sampler struct {
	reader gpio.Reader
	pins   []*pinState
	byID   map[int]*pinState
	events []PinEvent
}

// NewSampler creates a sampler over the given pins. Pin order is the order
// in which events for the same poll are reported.
func NewSampler(reader gpio.Reader, pins []PinConfig) (*Sampler, error) {
	s := &Sampler{
		reader: reader,
		byID:   make(map[int]*pinState, len(pins)),
		events: make([]PinEvent, 0, len(pins)),
	}
	for _, cfg := range pins {
		if _, dup := s.byID[cfg.ID]; dup {
			return nil, fmt.Errorf("input: pin %d configured twice", cfg.ID)
		}
		if cfg.Debounce < 0 {
			return nil, fmt.Errorf("input: pin %d negative debounce", cfg.ID)
		}
		ps := &pinState{cfg: cfg}
		s.pins = append(s.pins, ps)
		s.byID[cfg.ID] = ps
	}
	return s, nil
}

// Poll reads every pin and returns the debounced changes observed at now.
// A raw change shorter than the pin's window never produces an event. The
// first successful read of a pin seeds its stable level without an event.
// Read errors leave the pin's state untouched and are returned after the
// remaining pins have been processed.
//
// The returned slice is owned by the sampler and is only valid until the
// next Poll.
func (s *Sampler) Poll(now time.Time) ([]PinEvent, error) {
	events := s.events[:0]
	var firstErr error

	for _, ps := range s.pins {
		level, err := s.reader.Read(ps.cfg.ID)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("input: %s: %w", ps.cfg.Name, err)
			}
			continue
		}
		if ev, ok := s.processPin(ps, logical(level, ps.cfg.Polarity), now); ok {
			events = append(events, ev)
		}
	}
	s.events = events
	return events, firstErr
}

// processPin handles debounce logic for a single pin.
func (s *Sampler) processPin(ps *pinState, active bool, now time.Time) (PinEvent, bool) {
	if !ps.seeded {
		ps.seeded = true
		ps.stable = active
		ps.raw = active
		ps.rawSince = now
		return PinEvent{}, false
	}

	if active != ps.raw {
		// Raw level moved; restart this pin's window.
		ps.raw = active
		ps.rawSince = now
	}

	if ps.raw == ps.stable {
		return PinEvent{}, false
	}

	if now.Sub(ps.rawSince) >= ps.cfg.Debounce {
		ps.stable = ps.raw
		ps.changes++
		return PinEvent{Pin: ps.cfg.ID, Active: ps.stable, Time: now}, true
	}
	return PinEvent{}, false
}

// logical converts a raw line level to an active flag. Normally-open
// switches pull the line low when closed.
func logical(high bool, p Polarity) bool {
	if p == NormallyClosed {
		return high
	}
	return !high
}

// Stable returns the debounced level of pin and whether it has been read.
func (s *Sampler) Stable(pin int) (active bool, known bool) {
	ps, ok := s.byID[pin]
	if !ok || !ps.seeded {
		return false, false
	}
	return ps.stable, true
}

// Raw returns the last undebounced logical level of pin.
func (s *Sampler) Raw(pin int) bool {
	if ps, ok := s.byID[pin]; ok {
		return ps.raw
	}
	return false
}

// SetDebounce changes a pin's window. A pending transition keeps its start
// time and is judged against the new window.
func (s *Sampler) SetDebounce(pin int, d time.Duration) error {
	ps, ok := s.byID[pin]
	if !ok {
		return fmt.Errorf("input: pin %d not configured", pin)
	}
	if d < 0 {
		return fmt.Errorf("input: negative debounce")
	}
	ps.cfg.Debounce = d
	return nil
}

// PinStatus is a read-only view of one pin for status displays.
type PinStatus struct {
	PinConfig
	Active  bool
	Raw     bool
	Known   bool
	Changes uint64
}

// Pins returns the state of every pin in configuration order.
func (s *Sampler) Pins() []PinStatus {
	out := make([]PinStatus, 0, len(s.pins))
	for _, ps := range s.pins {
		out = append(out, PinStatus{
			PinConfig: ps.cfg,
			Active:    ps.stable,
			Raw:       ps.raw,
			Known:     ps.seeded,
			Changes:   ps.changes,
		})
	}
	return out
}

// Name returns the configured name of pin, or its number.
func (s *Sampler) Name(pin int) string {
	if ps, ok := s.byID[pin]; ok && ps.cfg.Name != "" {
		return ps.cfg.Name
	}
	return fmt.Sprintf("pin%d", pin)
}
