// Package watchdog measures per-subsystem execution time and detects a
// starved control loop.
//
// The loop calls Reset once per iteration. Check may be called from the loop
// itself or from a separate supervisor goroutine; if no Reset has happened
// within the deadline it requests an emergency stop once per episode and
// names the subsystem most likely responsible.
package watchdog

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/logsplitter/internal/clock"
	"github.com/sweeney/logsplitter/internal/telemetry"
)

// Subsystem identifies a measured part of the loop.
type Subsystem int

const (
	Input Subsystem = iota
	Pressure
	Safety
	Sequence
	Relay
	Faults
	Command
	Loop
	numSubsystems
)

var subsystemNames = [numSubsystems]string{
	"input", "pressure", "safety", "sequence", "relay", "faults", "command", "loop",
}

func (s Subsystem) String() string {
	if s >= 0 && s < numSubsystems {
		return subsystemNames[s]
	}
	return fmt.Sprintf("subsystem(%d)", int(s))
}

// Subsystems lists every measured subsystem in order.
func Subsystems() []Subsystem {
	out := make([]Subsystem, numSubsystems)
	for i := range out {
		out[i] = Subsystem(i)
	}
	return out
}

// ParseSubsystem maps a name onto a Subsystem.
func ParseSubsystem(name string) (Subsystem, error) {
	for i, n := range subsystemNames {
		if n == name {
			return Subsystem(i), nil
		}
	}
	return 0, fmt.Errorf("watchdog: unknown subsystem %q", name)
}

// Timing is the accumulated record for one subsystem.
type Timing struct {
	Total     time.Duration
	Max       time.Duration
	Last      time.Duration
	Calls     uint64
	Warnings  uint64
	Criticals uint64
	Active    bool
	Started   time.Time
}

// Average returns the mean call duration.
func (t Timing) Average() time.Duration {
	if t.Calls == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Calls)
}

// Thresholds are per-call limits.
type Thresholds struct {
	Warn     time.Duration
	Critical time.Duration
}

// Config holds watchdog limits.
type Config struct {
	Deadline time.Duration
	Thresholds
	// Overrides replaces the default thresholds for specific subsystems.
	Overrides map[Subsystem]Thresholds
}

// Diagnostic describes a starvation episode.
type Diagnostic struct {
	Culprit    Subsystem
	Duration   time.Duration
	InProgress bool
	Stalled    time.Duration
	Time       time.Time
}

func (d Diagnostic) String() string {
	state := "max"
	if d.InProgress {
		state = "in progress"
	}
	return fmt.Sprintf("loop stalled %v; likely %s (%v %s)", d.Stalled, d.Culprit, d.Duration, state)
}

// Report is a snapshot of all timings.
type Report struct {
	Timings   map[Subsystem]Timing
	LastReset time.Time
	Tripped   bool
	Last      *Diagnostic
}

// EStopFunc is called once per starvation episode. It must be safe to call
// from any goroutine.
type EStopFunc func(d Diagnostic)

// Watchdog is safe for concurrent use.
type Watchdog struct {
	mu         sync.Mutex
	cfg        Config
	now        clock.Func
	onEStop    EStopFunc
	sink       telemetry.Sink
	log        zerolog.Logger
	thresholds [numSubsystems]Thresholds
	timings    [numSubsystems]Timing
	lastReset  time.Time
	tripped    bool
	last       *Diagnostic
}

// New creates a watchdog. The deadline clock starts at the first Reset.
func New(cfg Config, now clock.Func, onEStop EStopFunc, sink telemetry.Sink, log zerolog.Logger) *Watchdog {
	if sink == nil {
		sink = telemetry.Discard
	}
	w := &Watchdog{cfg: cfg, now: now, onEStop: onEStop, sink: sink, log: log}
	for i := range w.thresholds {
		w.thresholds[i] = cfg.Thresholds
	}
	for sub, th := range cfg.Overrides {
		if sub >= 0 && sub < numSubsystems {
			w.thresholds[sub] = th
		}
	}
	return w
}

// SetThresholds changes one subsystem's per-call limits.
func (w *Watchdog) SetThresholds(sub Subsystem, th Thresholds) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.thresholds[sub] = th
}

// Start marks sub as running.
func (w *Watchdog) Start(sub Subsystem) {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	t := &w.timings[sub]
	t.Active = true
	t.Started = now
}

// Stop records the duration since Start. Stopping an idle subsystem does
// nothing.
func (w *Watchdog) Stop(sub Subsystem) {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked(sub, now)
}

// Measure starts sub and returns the matching stop, for use with defer.
func (w *Watchdog) Measure(sub Subsystem) func() {
	w.Start(sub)
	return func() { w.Stop(sub) }
}

func (w *Watchdog) stopLocked(sub Subsystem, now time.Time) {
	t := &w.timings[sub]
	if !t.Active {
		return
	}
	t.Active = false
	d := now.Sub(t.Started)
	t.Total += d
	t.Last = d
	t.Calls++
	if d > t.Max {
		t.Max = d
	}

	th := w.thresholds[sub]
	switch {
	case th.Critical > 0 && d >= th.Critical:
		t.Criticals++
		w.log.Error().Str("subsystem", sub.String()).Dur("took", d).Msg("subsystem critically slow")
	case th.Warn > 0 && d >= th.Warn:
		t.Warnings++
		w.log.Warn().Str("subsystem", sub.String()).Dur("took", d).Msg("subsystem slow")
	}
}

// Reset marks the loop as alive and ends any starvation episode.
func (w *Watchdog) Reset(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tripped {
		w.log.Info().Msg("loop recovered")
	}
	w.lastReset = now
	w.tripped = false
}

// Check reports a starvation episode the first time the deadline is
// exceeded. In-progress measurements are closed, the stall is logged and
// emitted, and the emergency-stop hook runs once. Later calls in the same
// episode return false.
func (w *Watchdog) Check(now time.Time) (Diagnostic, bool) {
	w.mu.Lock()
	if w.lastReset.IsZero() || w.tripped || now.Sub(w.lastReset) <= w.cfg.Deadline {
		w.mu.Unlock()
		return Diagnostic{}, false
	}
	w.tripped = true

	d := w.culpritLocked(now)
	d.Stalled = now.Sub(w.lastReset)
	d.Time = now
	for sub := Subsystem(0); sub < numSubsystems; sub++ {
		w.stopLocked(sub, now)
	}
	w.last = &d
	hook := w.onEStop
	w.mu.Unlock()

	w.log.Error().Str("culprit", d.Culprit.String()).Dur("stalled", d.Stalled).Dur("duration", d.Duration).
		Bool("in_progress", d.InProgress).Msg("control loop starved")
	w.sink.Emit(telemetry.Event{
		Type:   telemetry.TypeWatchdog,
		ID:     int(d.Culprit),
		Value:  float64(d.Stalled.Milliseconds()),
		Time:   now,
		Detail: d.String(),
	})
	if hook != nil {
		hook(d)
	}
	return d, true
}

// culpritLocked picks the subsystem with the largest in-progress or maximum
// time. The loop total is only blamed when nothing else has run.
func (w *Watchdog) culpritLocked(now time.Time) Diagnostic {
	best := Diagnostic{Culprit: Loop}
	found := false
	for sub := Subsystem(0); sub < numSubsystems; sub++ {
		if sub == Loop {
			continue
		}
		t := w.timings[sub]
		d, inProgress := t.Max, false
		if t.Active {
			if running := now.Sub(t.Started); running >= d {
				d, inProgress = running, true
			}
		}
		if d > best.Duration {
			best = Diagnostic{Culprit: sub, Duration: d, InProgress: inProgress}
			found = true
		}
	}
	if !found {
		t := w.timings[Loop]
		best = Diagnostic{Culprit: Loop, Duration: t.Max}
		if t.Active {
			best.Duration, best.InProgress = now.Sub(t.Started), true
		}
	}
	return best
}

// Tripped reports whether a starvation episode is in progress.
func (w *Watchdog) Tripped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tripped
}

// Timing returns one subsystem's record.
func (w *Watchdog) Timing(sub Subsystem) Timing {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timings[sub]
}

// Report snapshots every timing.
func (w *Watchdog) Report() Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	r := Report{
		Timings:   make(map[Subsystem]Timing, numSubsystems),
		LastReset: w.lastReset,
		Tripped:   w.tripped,
	}
	for i, t := range w.timings {
		r.Timings[Subsystem(i)] = t
	}
	if w.last != nil {
		d := *w.last
		r.Last = &d
	}
	return r
}

// ResetStats clears accumulated timings. Only the operator does this.
func (w *Watchdog) ResetStats() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.timings {
		active, started := w.timings[i].Active, w.timings[i].Started
		w.timings[i] = Timing{Active: active, Started: started}
	}
	w.log.Info().Msg("timing statistics reset")
}
