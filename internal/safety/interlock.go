// Package safety owns the emergency-stop latch and the pressure trip. Either
// one puts the relay board into safety mode, stops the engine and locks out
// the sequence engine until an operator clears it.
package safety

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/logsplitter/internal/errors"
	"github.com/sweeney/logsplitter/internal/faults"
	"github.com/sweeney/logsplitter/internal/relay"
	"github.com/sweeney/logsplitter/internal/telemetry"
)

// State is the interlock state.
type State int

const (
	Normal State = iota
	PressureTripped
	EStopped
)

func (s State) String() string {
	switch s {
	case PressureTripped:
		return "pressure_tripped"
	case EStopped:
		return "estopped"
	default:
		return "normal"
	}
}

// Telemetry ids for safety events.
const (
	EventTrip  = 1
	EventEStop = 2
)

// IndicatorBlink is the safety LED half-period while at the pressure limit.
const IndicatorBlink = 500 * time.Millisecond

// Config holds trip parameters.
type Config struct {
	Threshold          float64
	Hysteresis         float64
	SustainedThreshold float64
	SustainedDuration  time.Duration
	// SensorWarmup is how long the primary channel may be not ready after
	// Begin before that counts as a sensor fault.
	SensorWarmup time.Duration
	EngineRelay  int
}

// Relays is the relay surface the interlock drives.
type Relays interface {
	relay.Commander
	relay.SafetyControl
}

// Sequencer is the sequence engine surface the interlock may touch.
type Sequencer interface {
	Abort()
	DisableSequence()
	EnableSequence()
	AtPressureLimit() bool
}

// FaultRaiser records latched faults.
type FaultRaiser interface {
	Raise(code faults.Code, msg string)
}

// Interlock is the safety state machine. Owned by the control loop.
type Interlock struct {
	cfg       Config
	relays    Relays
	seq       Sequencer
	faults    FaultRaiser
	indicator *faults.Indicator
	sink      telemetry.Sink
	log       zerolog.Logger

	estopLatched bool
	estopInput   bool
	tripLatched  bool
	overPressure bool
	engineOn     bool
	highSince    time.Time
	started      time.Time
	lastPressure float64
	reason       string
}

// New creates an interlock in the Normal state. indicator may be nil.
func New(cfg Config, relays Relays, seq Sequencer, fr FaultRaiser, indicator *faults.Indicator, sink telemetry.Sink, log zerolog.Logger) *Interlock {
	if sink == nil {
		sink = telemetry.Discard
	}
	return &Interlock{
		cfg:       cfg,
		relays:    relays,
		seq:       seq,
		faults:    fr,
		indicator: indicator,
		sink:      sink,
		log:       log,
	}
}

// Begin starts the sensor warm-up clock and the engine.
func (s *Interlock) Begin(now time.Time) error {
	s.started = now
	return s.startEngine(now)
}

// State returns the dominant safety state.
func (s *Interlock) State() State {
	switch {
	case s.estopLatched:
		return EStopped
	case s.tripLatched:
		return PressureTripped
	}
	return Normal
}

// IsActive reports whether any safety condition is latched.
func (s *Interlock) IsActive() bool { return s.estopLatched || s.tripLatched }

// IsEStopActive reports whether the emergency stop is latched.
func (s *Interlock) IsEStopActive() bool { return s.estopLatched }

// OverPressure reports the hysteresis-banded trip condition. It is set above
// the threshold and cleared only below threshold minus hysteresis.
func (s *Interlock) OverPressure() bool { return s.overPressure }

// EngineRunning reports whether the engine relay is on in the relay shadow
// and the interlock last started it.
func (s *Interlock) EngineRunning() bool {
	return s.engineOn && s.relays.State(s.cfg.EngineRelay)
}

// Reason returns why the interlock last tripped.
func (s *Interlock) Reason() string { return s.reason }

// LastPressure returns the pressure passed to the most recent Update.
func (s *Interlock) LastPressure() float64 { return s.lastPressure }

// SetEStopInput feeds the debounced emergency-stop level. Only the active
// edge matters; releasing the button never clears the latch.
func (s *Interlock) SetEStopInput(now time.Time, active bool) {
	wasActive := s.estopInput
	s.estopInput = active
	if active && !wasActive {
		s.ActivateEStop(now, "estop pressed")
	} else if !active && wasActive && s.estopLatched {
		s.log.Info().Msg("estop released; system remains stopped until cleared")
	}
}

// ActivateEStop latches the emergency stop. Further calls while latched do
// nothing.
func (s *Interlock) ActivateEStop(now time.Time, reason string) {
	if s.estopLatched {
		return
	}
	s.estopLatched = true
	s.log.Error().Str("reason", reason).Msg("EMERGENCY STOP")
	s.sink.Emit(telemetry.Event{Type: telemetry.TypeSafety, ID: EventEStop, Value: 1, Time: now, Detail: reason})
	s.shutdown(now, reason)
}

// Update evaluates the primary channel reading.
func (s *Interlock) Update(now time.Time, psi float64, ready bool) {
	s.lastPressure = psi

	if !ready {
		if !s.started.IsZero() && now.Sub(s.started) >= s.cfg.SensorWarmup {
			if s.faults != nil {
				s.faults.Raise(faults.SensorFault, "primary pressure channel not ready")
			}
			s.trip(now, "pressure sensor not ready")
		}
		return
	}

	if psi >= s.cfg.SustainedThreshold {
		if s.highSince.IsZero() {
			s.highSince = now
			s.log.Debug().Float64("psi", psi).Msg("high pressure timer started")
		} else if now.Sub(s.highSince) >= s.cfg.SustainedDuration {
			s.ActivateEStop(now, "sustained high pressure")
		}
	} else {
		s.highSince = time.Time{}
	}

	switch {
	case psi > s.cfg.Threshold:
		s.overPressure = true
		s.trip(now, "pressure threshold")
	case psi < s.cfg.Threshold-s.cfg.Hysteresis:
		if s.overPressure {
			s.log.Info().Float64("psi", psi).Msg("pressure back below trip band")
		}
		s.overPressure = false
	}
}

// trip latches the pressure trip.
func (s *Interlock) trip(now time.Time, reason string) {
	if s.tripLatched {
		return
	}
	s.tripLatched = true
	s.log.Error().Str("reason", reason).Float64("psi", s.lastPressure).Msg("safety trip")
	s.sink.Emit(telemetry.Event{Type: telemetry.TypeSafety, ID: EventTrip, Value: s.lastPressure, Time: now, Detail: reason})
	s.shutdown(now, reason)
}

// shutdown cuts the relays and locks out the sequence engine.
func (s *Interlock) shutdown(now time.Time, reason string) {
	s.reason = reason
	if err := s.relays.EnterSafetyMode(); err != nil {
		s.log.Error().Err(err).Msg("relay safety mode incomplete")
	}
	// Safety mode commands the engine relay off with the rest.
	if !s.relays.State(s.cfg.EngineRelay) {
		s.engineOn = false
	} else if err := s.relays.SetRelay(s.cfg.EngineRelay, false); err == nil {
		s.engineOn = false
	}
	s.seq.Abort()
	s.seq.DisableSequence()
}

// Clear releases the latch and trip, leaves relay safety mode, restarts the
// engine and re-enables the sequence engine. Fault history is untouched. It
// is refused while the emergency-stop input is still held.
func (s *Interlock) Clear(now time.Time) error {
	if s.estopInput {
		return errors.New().WithData(errors.ErrSafetyActive, "estop input still asserted")
	}
	wasActive := s.IsActive()
	s.estopLatched = false
	s.tripLatched = false
	s.overPressure = false
	s.highSince = time.Time{}
	s.reason = ""
	s.relays.ExitSafetyMode()

	if wasActive {
		s.log.Info().Msg("safety cleared")
		s.sink.Emit(telemetry.Event{Type: telemetry.TypeSafety, ID: EventTrip, Value: 0, Time: now, Detail: "cleared"})
	}
	s.seq.EnableSequence()
	return s.startEngine(now)
}

func (s *Interlock) startEngine(now time.Time) error {
	if err := s.relays.SetRelay(s.cfg.EngineRelay, true); err != nil {
		s.log.Error().Err(err).Msg("engine start failed")
		return err
	}
	if !s.engineOn {
		s.log.Info().Int("relay", s.cfg.EngineRelay).Msg("engine running")
	}
	s.engineOn = true
	return nil
}

// SetEngine starts or stops the engine on operator request. Starting is
// refused while the interlock is active.
func (s *Interlock) SetEngine(now time.Time, on bool) error {
	if on {
		if s.IsActive() {
			return errors.New().WithData(errors.ErrSafetyActive, s.reason)
		}
		return s.startEngine(now)
	}
	if err := s.relays.SetRelay(s.cfg.EngineRelay, false); err != nil {
		return err
	}
	if s.engineOn {
		s.log.Info().Int("relay", s.cfg.EngineRelay).Msg("engine stopped")
	}
	s.engineOn = false
	return nil
}

// Indicate drives the safety LED: solid while active, blinking while the
// sequence is held at the pressure limit, off otherwise.
func (s *Interlock) Indicate(now time.Time) error {
	if s.indicator == nil {
		return nil
	}
	switch {
	case s.IsActive():
		return s.indicator.Drive(now, true, 0)
	case s.seq.AtPressureLimit():
		return s.indicator.Drive(now, true, IndicatorBlink)
	default:
		return s.indicator.Off(now)
	}
}

// SetThreshold changes the trip point and its release band.
func (s *Interlock) SetThreshold(threshold, hysteresis float64) {
	s.cfg.Threshold = threshold
	s.cfg.Hysteresis = hysteresis
}
