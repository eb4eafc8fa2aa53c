// Package telemetry defines the event records the control core emits and the
// sinks that carry them away. The core calls Emit synchronously; sinks must
// not block the loop.
package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type tags an event record.
type Type string

const (
	TypePin      Type = "pin"
	TypeOutput   Type = "output"
	TypeRelay    Type = "relay"
	TypePressure Type = "pressure"
	TypeSequence Type = "sequence"
	TypeSafety   Type = "safety"
	TypeFault    Type = "fault"
	TypeWatchdog Type = "watchdog"
	TypeStatus   Type = "status"
	TypeCommand  Type = "command"
)

// Event is one telemetry record: a type tag, a numeric payload and a
// timestamp. ID identifies the source within the type (pin number, relay
// number, fault bit); Detail is an optional short string.
type Event struct {
	Type    Type
	ID      int
	Value   float64
	Time    time.Time
	Detail  string
	Session string
}

// Sink receives events.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// NewSession returns a time-ordered id for this controller run.
func NewSession() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Stamped wraps a sink and fills in Session on every event.
type Stamped struct {
	session string
	next    Sink
}

// NewStamped returns a sink that tags events with session before passing
// them to next.
func NewStamped(session string, next Sink) *Stamped {
	return &Stamped{session: session, next: next}
}

// Emit implements Sink.
func (s *Stamped) Emit(ev Event) {
	if ev.Session == "" {
		ev.Session = s.session
	}
	s.next.Emit(ev)
}

// Session returns the session id.
func (s *Stamped) Session() string { return s.session }

// Multi fans events out to several sinks in order.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Log writes events to a zerolog logger.
type Log struct {
	log zerolog.Logger
}

// NewLog returns a sink logging at debug level, with safety, fault and
// watchdog events at warn.
func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log}
}

// Emit implements Sink.
func (l *Log) Emit(ev Event) {
	e := l.log.Debug()
	switch ev.Type {
	case TypeSafety, TypeFault, TypeWatchdog:
		e = l.log.Warn()
	case TypeSequence, TypeRelay:
		e = l.log.Info()
	}
	e.Str("type", string(ev.Type)).Int("id", ev.ID).Float64("value", ev.Value)
	if ev.Detail != "" {
		e.Str("detail", ev.Detail)
	}
	e.Msg("telemetry")
}

// Recorder stores events for test assertions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit records ev.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events with type t.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset clears recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
