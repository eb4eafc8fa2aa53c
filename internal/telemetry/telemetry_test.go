package telemetry

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestMultiFansOutInOrder(t *testing.T) {
	var order []string
	a := SinkFunc(func(Event) { order = append(order, "a") })
	b := SinkFunc(func(Event) { order = append(order, "b") })

	Multi{a, b}.Emit(Event{Type: TypeRelay})
	if strings.Join(order, ",") != "a,b" {
		t.Errorf("order: got %v", order)
	}
}

func TestStampedFillsSession(t *testing.T) {
	rec := NewRecorder()
	s := NewStamped("run-1", rec)

	s.Emit(Event{Type: TypePin, ID: 5, Time: t0})
	s.Emit(Event{Type: TypePin, Session: "other"})

	ev := rec.Events()
	if len(ev) != 2 {
		t.Fatalf("got %d events, want 2", len(ev))
	}
	if ev[0].Session != "run-1" {
		t.Errorf("session: got %q, want run-1", ev[0].Session)
	}
	if ev[1].Session != "other" {
		t.Errorf("explicit session overwritten: %q", ev[1].Session)
	}
}

func TestNewSessionIsUUIDv7(t *testing.T) {
	id, err := uuid.Parse(NewSession())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.Version() != 7 {
		t.Errorf("version: got %d, want 7", id.Version())
	}
}

func TestLogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLog(zerolog.New(&buf).Level(zerolog.InfoLevel))

	l.Emit(Event{Type: TypePin, ID: 3})
	if buf.Len() != 0 {
		t.Errorf("pin event should log at debug: %s", buf.String())
	}
	l.Emit(Event{Type: TypeSafety, ID: 1, Detail: "estop"})
	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, `"detail":"estop"`) {
		t.Errorf("safety event: %s", out)
	}
}

func TestRecorderOfType(t *testing.T) {
	r := NewRecorder()
	r.Emit(Event{Type: TypeRelay, ID: 1})
	r.Emit(Event{Type: TypePin, ID: 2})
	r.Emit(Event{Type: TypeRelay, ID: 3})

	if got := len(r.OfType(TypeRelay)); got != 2 {
		t.Errorf("relay events: got %d, want 2", got)
	}
	r.Reset()
	if len(r.Events()) != 0 {
		t.Error("reset did not clear")
	}
}
