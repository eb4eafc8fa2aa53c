// Package sequence runs the two-stage extend/retract cycle of the splitter
// cylinder and the manual extend and retract operations.
package sequence

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/logsplitter/internal/clock"
	"github.com/sweeney/logsplitter/internal/errors"
	"github.com/sweeney/logsplitter/internal/faults"
	"github.com/sweeney/logsplitter/internal/input"
	"github.com/sweeney/logsplitter/internal/relay"
	"github.com/sweeney/logsplitter/internal/telemetry"
)

// Pins names the inputs the engine reacts to.
type Pins struct {
	Start         int
	LimitExtend   int
	LimitRetract  int
	ManualExtend  int
	ManualRetract int
}

// Config holds engine timing and wiring.
type Config struct {
	Stable      time.Duration
	StartStable time.Duration
	Timeout     time.Duration
	// LimitPressure at or above which the cylinder counts as at its limit.
	LimitPressure float64

	Pins         Pins
	ExtendRelay  int
	RetractRelay int
}

// Inputs reads debounced pin levels.
type Inputs interface {
	Stable(pin int) (active, known bool)
}

// Pressure reads the primary hydraulic channel.
type Pressure interface {
	IsReady() bool
	Pressure() float64
}

// FaultRaiser records latched faults.
type FaultRaiser interface {
	Raise(code faults.Code, msg string)
}

// Engine is the sequence state machine. Owned by the control loop.
type Engine struct {
	cfg      Config
	relays   relay.Commander
	inputs   Inputs
	pressure Pressure
	faults   FaultRaiser
	sink     telemetry.Sink
	now      clock.Func
	log      zerolog.Logger

	status     Status
	entered    time.Time
	stageStart time.Time
	limitSince time.Time
	atLimit    bool
	lastAbort  string
}

// New creates an enabled, idle engine.
func New(cfg Config, relays relay.Commander, inputs Inputs, pressure Pressure, fr FaultRaiser, sink telemetry.Sink, now clock.Func, log zerolog.Logger) *Engine {
	if sink == nil {
		sink = telemetry.Discard
	}
	return &Engine{
		cfg:      cfg,
		relays:   relays,
		inputs:   inputs,
		pressure: pressure,
		faults:   fr,
		sink:     sink,
		now:      now,
		log:      log,
		status:   Status{Enabled: true, State: Idle},
	}
}

// Status returns the lockout flag and state.
func (e *Engine) Status() Status { return e.status }

// State returns the current state.
func (e *Engine) State() State { return e.status.State }

// Enabled reports whether automatic and manual operation is allowed.
func (e *Engine) Enabled() bool { return e.status.Enabled }

// IsActive reports whether an automatic or manual operation is running.
func (e *Engine) IsActive() bool { return e.status.State.Running() }

// Stage returns 1 while extending, 2 while retracting, else 0.
func (e *Engine) Stage() int {
	switch e.status.State {
	case Stage1Active, Stage1WaitLimit:
		return 1
	case Stage2Active, Stage2WaitLimit:
		return 2
	}
	return 0
}

// Elapsed returns time spent in the current stage.
func (e *Engine) Elapsed(now time.Time) time.Duration {
	if !e.status.State.Running() || e.stageStart.IsZero() {
		return 0
	}
	return now.Sub(e.stageStart)
}

// AtPressureLimit reports whether the running operation is being held at the
// pressure limit.
func (e *Engine) AtPressureLimit() bool { return e.atLimit }

// LastAbort returns the reason for the most recent abort.
func (e *Engine) LastAbort() string { return e.lastAbort }

// ProcessInputChange feeds one debounced pin change to the engine and
// reports whether the engine consumed it.
func (e *Engine) ProcessInputChange(ev input.PinEvent) bool {
	p := e.cfg.Pins
	st := e.status.State

	switch {
	case st == Idle:
		if !ev.Active {
			return false
		}
		switch ev.Pin {
		case p.Start:
			if !e.status.Enabled {
				e.log.Warn().Msg("sequence start blocked: controller disabled")
				return false
			}
			e.enter(WaitStartDebounce, ev.Time)
			e.stageStart = ev.Time
			return true
		case p.ManualExtend, p.ManualRetract:
			if !e.status.Enabled {
				return false
			}
			var err error
			if ev.Pin == p.ManualExtend {
				err = e.startManual(ManualExtendActive, ev.Time)
			} else {
				err = e.startManual(ManualRetractActive, ev.Time)
			}
			if err != nil {
				e.log.Warn().Err(err).Msg("manual operation refused")
			}
			return true
		}
		return false

	case st == WaitStartDebounce:
		if ev.Pin == p.Start && !ev.Active {
			e.abort(ev.Time, "start released during debounce", false)
		}
		return true

	case st.Automatic():
		if ev.Active && (ev.Pin == p.Start || ev.Pin == p.ManualExtend || ev.Pin == p.ManualRetract) {
			e.abort(ev.Time, "operator interrupt", false)
			return true
		}
		if e.limitsConflict() {
			e.abort(ev.Time, "conflicting limit switches", true)
			return true
		}
		e.onLimitEdge(ev)
		return true

	case st.Manual():
		if ev.Pin == p.ManualExtend && st == ManualExtendActive && !ev.Active {
			e.stopManual(ev.Time, "released")
		}
		if ev.Pin == p.ManualRetract && st == ManualRetractActive && !ev.Active {
			e.stopManual(ev.Time, "released")
		}
		return true
	}
	return false
}

// onLimitEdge starts or cancels the stability wait on a limit edge.
func (e *Engine) onLimitEdge(ev input.PinEvent) {
	st := e.status.State
	switch {
	case ev.Pin == e.cfg.Pins.LimitExtend && (st == Stage1Active || st == Stage1WaitLimit):
		e.limitEdge(ev, Stage1Active, Stage1WaitLimit)
	case ev.Pin == e.cfg.Pins.LimitRetract && (st == Stage2Active || st == Stage2WaitLimit):
		e.limitEdge(ev, Stage2Active, Stage2WaitLimit)
	}
}

func (e *Engine) limitEdge(ev input.PinEvent, active, wait State) {
	if ev.Active {
		e.limitSince = ev.Time
		if e.status.State == active {
			e.enter(wait, ev.Time)
		}
		return
	}
	if e.status.State == wait && !e.atLimit {
		e.limitSince = time.Time{}
		e.enter(active, ev.Time)
	}
}

// Update advances timers and stability-gated transitions.
func (e *Engine) Update(now time.Time) {
	st := e.status.State

	switch st {
	case Abort, Complete:
		e.enter(Idle, now)
		return
	case Idle:
		e.atLimit = false
		return
	}

	if now.Sub(e.stageStart) > e.cfg.Timeout {
		e.timeout(now)
		return
	}

	switch st {
	case WaitStartDebounce:
		if now.Sub(e.entered) < e.cfg.StartStable {
			return
		}
		if !e.pin(e.cfg.Pins.Start) {
			e.abort(now, "start released during debounce", false)
			return
		}
		if err := e.drive(now, e.cfg.RetractRelay, false); err != nil {
			return
		}
		if err := e.drive(now, e.cfg.ExtendRelay, true); err != nil {
			return
		}
		e.enter(Stage1Active, now)
		e.stageStart = now
		e.log.Info().Dur("stable", e.cfg.Stable).Msg("sequence started")

	case Stage1Active, Stage1WaitLimit:
		if e.limitsConflict() {
			e.abort(now, "conflicting limit switches", true)
			return
		}
		if e.limitHeld(now, e.cfg.Pins.LimitExtend, Stage1Active, Stage1WaitLimit) {
			if err := e.drive(now, e.cfg.ExtendRelay, false); err != nil {
				return
			}
			if err := e.drive(now, e.cfg.RetractRelay, true); err != nil {
				return
			}
			e.limitSince = time.Time{}
			e.enter(Stage2Active, now)
			e.stageStart = now
		}

	case Stage2Active, Stage2WaitLimit:
		if e.limitsConflict() {
			e.abort(now, "conflicting limit switches", true)
			return
		}
		if e.limitHeld(now, e.cfg.Pins.LimitRetract, Stage2Active, Stage2WaitLimit) {
			if err := e.drive(now, e.cfg.RetractRelay, false); err != nil {
				return
			}
			e.limitSince = time.Time{}
			e.atLimit = false
			e.enter(Complete, now)
			e.log.Info().Msg("sequence complete")
		}

	case ManualExtendActive:
		if e.pin(e.cfg.Pins.LimitExtend) || e.pressureAtLimit() {
			e.stopManual(now, "limit reached")
		}

	case ManualRetractActive:
		if e.pin(e.cfg.Pins.LimitRetract) || e.pressureAtLimit() {
			e.stopManual(now, "limit reached")
		}
	}
}

// limitHeld tracks the limit (switch or pressure) and reports whether it has
// held for the stability window.
func (e *Engine) limitHeld(now time.Time, pin int, active, wait State) bool {
	e.atLimit = e.pressureAtLimit()
	reached := e.pin(pin) || e.atLimit

	if !reached {
		if e.status.State == wait {
			e.enter(active, now)
		}
		e.limitSince = time.Time{}
		return false
	}
	if e.limitSince.IsZero() {
		e.limitSince = now
		if e.status.State == active {
			e.enter(wait, now)
		}
		return false
	}
	return now.Sub(e.limitSince) >= e.cfg.Stable
}

func (e *Engine) pressureAtLimit() bool {
	return e.pressure != nil && e.pressure.IsReady() && e.pressure.Pressure() >= e.cfg.LimitPressure
}

func (e *Engine) limitsConflict() bool {
	return e.pin(e.cfg.Pins.LimitExtend) && e.pin(e.cfg.Pins.LimitRetract)
}

func (e *Engine) pin(id int) bool {
	active, known := e.inputs.Stable(id)
	return known && active
}

// drive commands a relay; a failure aborts with lockout.
func (e *Engine) drive(now time.Time, id int, on bool) error {
	if err := e.relays.SetRelay(id, on); err != nil {
		e.log.Error().Err(err).Int("relay", id).Msg("sequence relay command failed")
		e.abort(now, fmt.Sprintf("relay R%d failed", id), true)
		return err
	}
	return nil
}

func (e *Engine) timeout(now time.Time) {
	st := e.status.State
	e.log.Error().Str("state", st.String()).Dur("timeout", e.cfg.Timeout).Msg("sequence timeout")
	e.abort(now, "timeout", true)
	if e.faults != nil {
		err := errors.New().WithData(errors.ErrSequenceTimeout, st.String())
		e.faults.Raise(faults.SequenceTimeout, err.Error())
	}
}

// abort de-energizes both cylinder relays and enters Abort.
func (e *Engine) abort(now time.Time, reason string, lockout bool) {
	for _, id := range []int{e.cfg.ExtendRelay, e.cfg.RetractRelay} {
		if err := e.relays.SetRelay(id, false); err != nil {
			e.log.Error().Err(err).Int("relay", id).Msg("abort could not de-energize relay")
		}
	}
	if lockout {
		e.status.Enabled = false
		e.log.Warn().Str("reason", reason).Msg("sequence disabled until safety clear")
	} else {
		e.log.Info().Str("reason", reason).Msg("sequence aborted")
	}
	e.lastAbort = reason
	e.limitSince = time.Time{}
	e.atLimit = false
	e.stageStart = time.Time{}
	e.enterDetail(Abort, now, reason)
}

func (e *Engine) enter(s State, now time.Time) {
	e.enterDetail(s, now, s.String())
}

func (e *Engine) enterDetail(s State, now time.Time, detail string) {
	if e.status.State == s {
		return
	}
	var held time.Duration
	if !e.entered.IsZero() {
		held = now.Sub(e.entered)
	}
	e.log.Debug().Str("from", e.status.State.String()).Str("to", s.String()).Msg("sequence state")
	e.status.State = s
	e.entered = now
	e.sink.Emit(telemetry.Event{
		Type:   telemetry.TypeSequence,
		ID:     int(s),
		Value:  float64(held.Milliseconds()),
		Time:   now,
		Detail: detail,
	})
}

// Abort cancels any running operation without lockout. On Idle or Abort it
// does nothing.
func (e *Engine) Abort() {
	switch e.status.State {
	case Idle, Abort:
		return
	}
	e.abort(e.now(), "abort requested", false)
}

// Reset abandons any running operation and returns straight to Idle. The
// lockout flag is unchanged.
func (e *Engine) Reset() {
	now := e.now()
	if e.status.State.Running() {
		e.abort(now, "reset", false)
	}
	e.enter(Idle, now)
}

// EnableSequence lifts the lockout.
func (e *Engine) EnableSequence() {
	if !e.status.Enabled {
		e.log.Info().Msg("sequence enabled")
	}
	e.status.Enabled = true
}

// DisableSequence sets the lockout and aborts anything running.
func (e *Engine) DisableSequence() {
	if e.status.State.Running() {
		e.abort(e.now(), "disabled", true)
		return
	}
	e.status.Enabled = false
}

// StartManualExtend drives the extend relay until StopManual, the extend
// limit or the timeout.
func (e *Engine) StartManualExtend() error {
	return e.startManual(ManualExtendActive, e.now())
}

// StartManualRetract drives the retract relay until StopManual, the retract
// limit or the timeout.
func (e *Engine) StartManualRetract() error {
	return e.startManual(ManualRetractActive, e.now())
}

func (e *Engine) startManual(s State, now time.Time) error {
	errFactory := errors.New()
	if e.status.State != Idle {
		return errFactory.WithData(errors.ErrSequenceRefused, "sequence active: "+e.status.State.String())
	}
	if !e.status.Enabled {
		return errFactory.WithData(errors.ErrSequenceRefused, "controller disabled")
	}
	limit, id := e.cfg.Pins.LimitExtend, e.cfg.ExtendRelay
	if s == ManualRetractActive {
		limit, id = e.cfg.Pins.LimitRetract, e.cfg.RetractRelay
	}
	if e.pin(limit) {
		return errFactory.WithData(errors.ErrSequenceRefused, "already at limit")
	}
	if e.pressureAtLimit() {
		return errFactory.WithData(errors.ErrSequenceRefused, fmt.Sprintf("pressure at limit %.0f", e.cfg.LimitPressure))
	}
	if err := e.relays.SetRelay(id, true); err != nil {
		return err
	}
	e.enter(s, now)
	e.stageStart = now
	e.log.Info().Str("op", s.String()).Msg("manual operation started")
	return nil
}

// StopManual ends a manual operation. It reports false if none was running.
func (e *Engine) StopManual() bool {
	if !e.status.State.Manual() {
		return false
	}
	e.stopManual(e.now(), "stopped")
	return true
}

func (e *Engine) stopManual(now time.Time, reason string) {
	id := e.cfg.ExtendRelay
	if e.status.State == ManualRetractActive {
		id = e.cfg.RetractRelay
	}
	if err := e.relays.SetRelay(id, false); err != nil {
		e.log.Error().Err(err).Int("relay", id).Msg("manual stop could not de-energize relay")
	}
	e.log.Info().Str("reason", reason).Msg("manual operation stopped")
	e.stageStart = time.Time{}
	e.enterDetail(Idle, now, reason)
}

// SetTiming changes the stability windows and the stage timeout. Running
// stages keep their start time.
func (e *Engine) SetTiming(stable, startStable, timeout time.Duration) {
	e.cfg.Stable = stable
	e.cfg.StartStable = startStable
	e.cfg.Timeout = timeout
}
