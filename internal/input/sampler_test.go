package input

import (
	"errors"
	"testing"
	"time"

	"github.com/sweeney/logsplitter/internal/gpio"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

const (
	pinLimit  = 6
	pinButton = 5
	pinEStop  = 12
)

// Raw levels: normally-open inputs idle high.
const (
	released = true
	pressed  = false
)

func setupSampler(t *testing.T) (*Sampler, *gpio.FakeReader) {
	t.Helper()
	r := gpio.NewFakeReader(map[int]bool{
		pinLimit:  released,
		pinButton: released,
		pinEStop:  false, // NC loop closed
	})
	s, err := NewSampler(r, []PinConfig{
		{ID: pinLimit, Name: "limit_extend", Debounce: 10 * time.Millisecond},
		{ID: pinButton, Name: "start", Debounce: 15 * time.Millisecond},
		{ID: pinEStop, Name: "estop", Polarity: NormallyClosed, Debounce: 15 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewSampler: %v", err)
	}
	// Seed stable levels.
	if ev, err := s.Poll(t0); err != nil || len(ev) != 0 {
		t.Fatalf("seed poll: events=%v err=%v", ev, err)
	}
	return s, r
}

func poll(t *testing.T, s *Sampler, at time.Duration) []PinEvent {
	t.Helper()
	ev, err := s.Poll(t0.Add(at))
	if err != nil {
		t.Fatalf("poll at %v: %v", at, err)
	}
	return ev
}

func TestFirstReadSeedsWithoutEvent(t *testing.T) {
	s, _ := setupSampler(t)

	active, known := s.Stable(pinButton)
	if !known {
		t.Fatal("expected pin to be known after first poll")
	}
	if active {
		t.Error("released button should be inactive")
	}
	if _, known := s.Stable(99); known {
		t.Error("unconfigured pin should be unknown")
	}
}

func TestChangeAfterDebounceEmitsOnce(t *testing.T) {
	s, r := setupSampler(t)

	r.Set(pinButton, pressed)
	if ev := poll(t, s, 1*time.Millisecond); len(ev) != 0 {
		t.Fatalf("event before window: %v", ev)
	}
	if ev := poll(t, s, 15*time.Millisecond); len(ev) != 0 {
		t.Fatalf("event at 14ms held: %v", ev)
	}

	ev := poll(t, s, 16*time.Millisecond)
	if len(ev) != 1 {
		t.Fatalf("expected 1 event at window, got %d", len(ev))
	}
	if ev[0].Pin != pinButton || !ev[0].Active {
		t.Errorf("event: got %+v, want pin %d active", ev[0], pinButton)
	}
	if !ev[0].Time.Equal(t0.Add(16 * time.Millisecond)) {
		t.Errorf("event time: got %v", ev[0].Time)
	}

	if ev := poll(t, s, 40*time.Millisecond); len(ev) != 0 {
		t.Errorf("duplicate event: %v", ev)
	}
}

func TestExactWindowIsAccepted(t *testing.T) {
	s, r := setupSampler(t)

	r.Set(pinLimit, pressed)
	poll(t, s, 100*time.Millisecond)
	ev := poll(t, s, 110*time.Millisecond)
	if len(ev) != 1 {
		t.Fatalf("expected event exactly at 10ms window, got %v", ev)
	}
}

func TestGlitchShorterThanWindowIgnored(t *testing.T) {
	s, r := setupSampler(t)

	for i := 0; i < 5; i++ {
		base := time.Duration(i) * 20 * time.Millisecond
		r.Set(pinLimit, pressed)
		if ev := poll(t, s, base+time.Millisecond); len(ev) != 0 {
			t.Fatalf("glitch %d produced event: %v", i, ev)
		}
		if ev := poll(t, s, base+9*time.Millisecond); len(ev) != 0 {
			t.Fatalf("glitch %d produced event at 8ms: %v", i, ev)
		}
		r.Set(pinLimit, released)
		if ev := poll(t, s, base+10*time.Millisecond); len(ev) != 0 {
			t.Fatalf("glitch %d release produced event: %v", i, ev)
		}
	}
	if active, _ := s.Stable(pinLimit); active {
		t.Error("limit should still be inactive")
	}
}

func TestBounceRestartsWindow(t *testing.T) {
	s, r := setupSampler(t)

	r.Set(pinButton, pressed)
	poll(t, s, 0)
	r.Set(pinButton, released)
	poll(t, s, 10*time.Millisecond)
	r.Set(pinButton, pressed)
	poll(t, s, 12*time.Millisecond)

	// 15ms after the first press but only 13ms after the last bounce.
	if ev := poll(t, s, 25*time.Millisecond); len(ev) != 0 {
		t.Fatalf("event before window restarted: %v", ev)
	}
	if ev := poll(t, s, 27*time.Millisecond); len(ev) != 1 {
		t.Fatalf("expected event after restarted window, got %v", ev)
	}
}

func TestPerPinWindows(t *testing.T) {
	s, r := setupSampler(t)

	r.Set(pinLimit, pressed)
	r.Set(pinButton, pressed)
	poll(t, s, 0)

	ev := poll(t, s, 10*time.Millisecond)
	if len(ev) != 1 || ev[0].Pin != pinLimit {
		t.Fatalf("expected only limit at 10ms, got %v", ev)
	}
	ev = poll(t, s, 15*time.Millisecond)
	if len(ev) != 1 || ev[0].Pin != pinButton {
		t.Fatalf("expected only button at 15ms, got %v", ev)
	}
}

func TestNormallyClosedPolarity(t *testing.T) {
	s, r := setupSampler(t)

	if active, _ := s.Stable(pinEStop); active {
		t.Fatal("closed NC loop should be inactive")
	}

	r.Set(pinEStop, true) // loop opened
	poll(t, s, 0)
	ev := poll(t, s, 15*time.Millisecond)
	if len(ev) != 1 || ev[0].Pin != pinEStop || !ev[0].Active {
		t.Fatalf("expected estop active event, got %v", ev)
	}
}

func TestReadErrorKeepsState(t *testing.T) {
	s, r := setupSampler(t)

	r.Errors[pinButton] = errors.New("line gone")
	r.Set(pinLimit, pressed)
	ev, err := s.Poll(t0.Add(time.Millisecond))
	if err == nil {
		t.Fatal("expected read error")
	}
	if len(ev) != 0 {
		t.Errorf("unexpected events: %v", ev)
	}

	// Other pins are still processed.
	ev, _ = s.Poll(t0.Add(20 * time.Millisecond))
	if len(ev) != 1 || ev[0].Pin != pinLimit {
		t.Errorf("expected limit event despite button error, got %v", ev)
	}
}

func TestSetDebounce(t *testing.T) {
	s, r := setupSampler(t)

	if err := s.SetDebounce(pinButton, 50*time.Millisecond); err != nil {
		t.Fatalf("SetDebounce: %v", err)
	}
	if err := s.SetDebounce(99, time.Millisecond); err == nil {
		t.Error("expected error for unknown pin")
	}

	r.Set(pinButton, pressed)
	poll(t, s, 0)
	if ev := poll(t, s, 20*time.Millisecond); len(ev) != 0 {
		t.Fatalf("event before new window: %v", ev)
	}
	if ev := poll(t, s, 50*time.Millisecond); len(ev) != 1 {
		t.Fatalf("expected event at new window, got %v", ev)
	}
}

func TestDuplicatePinRejected(t *testing.T) {
	_, err := NewSampler(gpio.NewFakeReader(nil), []PinConfig{{ID: 1}, {ID: 1}})
	if err == nil {
		t.Error("expected duplicate pin error")
	}
}

func TestPinsStatus(t *testing.T) {
	s, r := setupSampler(t)
	r.Set(pinLimit, pressed)
	poll(t, s, 0)
	poll(t, s, 10*time.Millisecond)

	pins := s.Pins()
	if len(pins) != 3 {
		t.Fatalf("got %d pins, want 3", len(pins))
	}
	if pins[0].Name != "limit_extend" || !pins[0].Active || pins[0].Changes != 1 {
		t.Errorf("limit status: %+v", pins[0])
	}
	if s.Name(pinEStop) != "estop" || s.Name(42) != "pin42" {
		t.Error("Name lookup")
	}
}

func TestPollDoesNotAllocate(t *testing.T) {
	s, r := setupSampler(t)

	at := time.Duration(0)
	level := pressed
	allocs := testing.AllocsPerRun(50, func() {
		r.Set(pinLimit, level)
		at += 20 * time.Millisecond
		s.Poll(t0.Add(at))
		if ev, _ := s.Poll(t0.Add(at + 10*time.Millisecond)); len(ev) != 1 {
			t.Fatalf("expected one limit event, got %d", len(ev))
		}
		level = !level
	})
	if allocs != 0 {
		t.Errorf("Poll allocated %.1f times per cycle", allocs)
	}
}
