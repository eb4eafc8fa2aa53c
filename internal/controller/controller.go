// Package controller runs one iteration of the control loop: it polls the
// inputs, dispatches pin changes in safety order, and advances the pressure,
// safety, sequence, relay and fault subsystems under the watchdog.
package controller

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/logsplitter/internal/clock"
	"github.com/sweeney/logsplitter/internal/errors"
	"github.com/sweeney/logsplitter/internal/faults"
	"github.com/sweeney/logsplitter/internal/input"
	"github.com/sweeney/logsplitter/internal/pressure"
	"github.com/sweeney/logsplitter/internal/relay"
	"github.com/sweeney/logsplitter/internal/safety"
	"github.com/sweeney/logsplitter/internal/sequence"
	"github.com/sweeney/logsplitter/internal/status"
	"github.com/sweeney/logsplitter/internal/telemetry"
	"github.com/sweeney/logsplitter/internal/watchdog"
)

// Pins names the logical inputs.
type Pins struct {
	ManualRetract int
	ManualExtend  int
	SafetyClear   int
	SequenceStart int
	LimitExtend   int
	LimitRetract  int
	Operator      int
	EStop         int
}

// Relays names the cylinder relays driven by the fallback pin mapping.
type Relays struct {
	Extend  int
	Retract int
}

// Config holds controller wiring and cadence.
type Config struct {
	Pins             Pins
	Relays           Relays
	StatusInterval   time.Duration
	SnapshotInterval time.Duration
	QueueSize        int
	// CommandsPerStep bounds how many queued commands run per iteration.
	CommandsPerStep int
	// NetworkGrace is how long the telemetry link may be down before the
	// network fault is raised.
	NetworkGrace time.Duration
}

const (
	defaultSnapshotInterval = 200 * time.Millisecond
	defaultQueueSize        = 16
	defaultCommandsPerStep  = 4
	defaultNetworkGrace     = 30 * time.Second
)

// Publisher receives periodic control snapshots.
type Publisher interface {
	Update(c status.Control)
}

// Executor runs one operator command line and returns the reply text.
type Executor interface {
	Execute(line string) string
}

// Link reports the telemetry connection state.
type Link interface {
	IsConnected() bool
}

// Deps are the subsystems the controller orchestrates. Secondary, Lamp,
// Publisher and Network may be nil.
type Deps struct {
	Inputs    *input.Sampler
	Primary   *pressure.Channel
	Secondary *pressure.Channel
	Relays    *relay.Link
	Safety    *safety.Interlock
	Sequence  *sequence.Engine
	Faults    *faults.Registry
	Lamp      *faults.Indicator
	Watchdog  *watchdog.Watchdog
	Sink      telemetry.Sink
	Publisher Publisher
	Network   Link
}

type request struct {
	line  string
	reply func(string)
}

// Controller is driven by a single loop goroutine. Submit and RequestEStop
// are safe to call from any goroutine.
type Controller struct {
	cfg Config
	Deps
	now clock.Func
	log zerolog.Logger

	exec     Executor
	commands chan request

	reqMu       sync.Mutex
	estopReq    bool
	estopReason string

	started      time.Time
	lastStatus   time.Time
	lastSnapshot time.Time
	netDownSince time.Time
	iterations   uint64
}

// New validates deps and returns a controller. Call Begin before the first
// Step.
func New(cfg Config, deps Deps, now clock.Func, log zerolog.Logger) (*Controller, error) {
	switch {
	case deps.Inputs == nil, deps.Primary == nil, deps.Relays == nil:
		return nil, fmt.Errorf("controller: inputs, primary pressure and relays are required")
	case deps.Safety == nil, deps.Sequence == nil, deps.Faults == nil, deps.Watchdog == nil:
		return nil, fmt.Errorf("controller: safety, sequence, faults and watchdog are required")
	}
	if deps.Sink == nil {
		deps.Sink = telemetry.Discard
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = defaultSnapshotInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.CommandsPerStep <= 0 {
		cfg.CommandsPerStep = defaultCommandsPerStep
	}
	if cfg.NetworkGrace <= 0 {
		cfg.NetworkGrace = defaultNetworkGrace
	}
	return &Controller{
		cfg:      cfg,
		Deps:     deps,
		now:      now,
		log:      log,
		commands: make(chan request, cfg.QueueSize),
	}, nil
}

// SetExecutor installs the operator command processor.
func (c *Controller) SetExecutor(e Executor) { c.exec = e }

// Begin powers the relay board, seeds the input debouncers, latches an
// emergency stop already held at power-up and starts the engine.
func (c *Controller) Begin(now time.Time) error {
	c.started = now
	c.lastStatus = now

	if err := c.Relays.Begin(); err != nil {
		c.Faults.Raise(faults.HardwareFault, "relay board: "+err.Error())
		c.log.Error().Err(err).Msg("relay board initialisation failed")
	}

	// The first poll seeds each debouncer and emits nothing.
	if _, err := c.Inputs.Poll(now); err != nil {
		c.Faults.Raise(faults.HardwareFault, "input read: "+err.Error())
		return fmt.Errorf("controller: initial input poll: %w", err)
	}
	if active, known := c.Inputs.Stable(c.cfg.Pins.EStop); known && active {
		c.log.Warn().Msg("estop held at startup")
		c.Safety.SetEStopInput(now, true)
	}

	if err := c.Safety.Begin(now); err != nil && !errors.HasCode(err, errors.ErrRelaySafetyMode) {
		c.Faults.Raise(faults.HardwareFault, "engine start: "+err.Error())
	}

	c.log.Info().
		Str("safety", c.Safety.State().String()).
		Bool("board_powered", c.Relays.BoardPowered()).
		Msg("controller started")
	return nil
}

// Step runs one loop iteration.
func (c *Controller) Step(now time.Time) {
	wd := c.Watchdog
	wd.Reset(now)
	wd.Start(watchdog.Loop)
	c.iterations++

	c.consumeEStop(now)

	wd.Start(watchdog.Input)
	events, err := c.Inputs.Poll(now)
	if err != nil {
		c.Faults.Raise(faults.HardwareFault, "input read: "+err.Error())
	}
	c.dispatch(events)
	wd.Stop(watchdog.Input)

	// Dispatch may have blocked on relay acknowledgements.
	now = c.now()

	wd.Start(watchdog.Pressure)
	c.updatePressure(now)
	wd.Stop(watchdog.Pressure)

	wd.Start(watchdog.Safety)
	c.Safety.Update(now, c.Primary.Pressure(), c.Primary.IsReady())
	wd.Stop(watchdog.Safety)

	wd.Start(watchdog.Sequence)
	c.Sequence.Update(now)
	wd.Stop(watchdog.Sequence)

	wd.Start(watchdog.Relay)
	c.Relays.Flush()
	wd.Stop(watchdog.Relay)

	now = c.now()
	wd.Start(watchdog.Faults)
	c.indicate(now)
	wd.Stop(watchdog.Faults)

	wd.Start(watchdog.Command)
	c.runCommands()
	wd.Stop(watchdog.Command)

	now = c.now()
	if now.Sub(c.lastStatus) >= c.cfg.StatusInterval && c.cfg.StatusInterval > 0 {
		c.lastStatus = now
		c.emitStatus(now)
	}
	if c.Publisher != nil && now.Sub(c.lastSnapshot) >= c.cfg.SnapshotInterval {
		c.lastSnapshot = now
		c.Publisher.Update(c.Control(now))
	}

	wd.Stop(watchdog.Loop)
	wd.Check(c.now())
}

// RequestEStop asks the loop to latch the emergency stop at the top of the
// next iteration. Only the first reason of an unconsumed request is kept.
func (c *Controller) RequestEStop(reason string) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if !c.estopReq {
		c.estopReq = true
		c.estopReason = reason
	}
}

func (c *Controller) consumeEStop(now time.Time) {
	c.reqMu.Lock()
	pending, reason := c.estopReq, c.estopReason
	c.estopReq, c.estopReason = false, ""
	c.reqMu.Unlock()
	if pending {
		c.Safety.ActivateEStop(now, reason)
	}
}

// dispatch handles one poll's events. An emergency-stop press is handled
// before anything else and suppresses the rest of this poll's dispatch.
func (c *Controller) dispatch(events []input.PinEvent) {
	if len(events) == 0 {
		return
	}
	p := c.cfg.Pins

	estopPressed := false
	for _, ev := range events {
		if ev.Pin != p.EStop {
			continue
		}
		c.emitPin(ev)
		c.Safety.SetEStopInput(ev.Time, ev.Active)
		estopPressed = estopPressed || ev.Active
	}

	for _, ev := range events {
		if ev.Pin == p.EStop {
			continue
		}
		c.emitPin(ev)
		if estopPressed {
			continue
		}
		c.handle(ev)
	}
}

func (c *Controller) handle(ev input.PinEvent) {
	p := c.cfg.Pins

	// Limit cutoff is immediate and precedes the engine's stability-gated
	// stage decision for the same edge.
	if ev.Active {
		switch ev.Pin {
		case p.LimitExtend:
			c.cutoff(c.cfg.Relays.Extend, "extend")
		case p.LimitRetract:
			c.cutoff(c.cfg.Relays.Retract, "retract")
		}
	}

	consumed := c.Sequence.ProcessInputChange(ev)

	if ev.Pin == p.SafetyClear {
		if ev.Active {
			c.clearSafety(ev.Time)
		}
		return
	}

	if consumed || c.Sequence.IsActive() || c.Safety.IsActive() {
		return
	}
	switch ev.Pin {
	case p.ManualRetract:
		c.directDrive(ev, c.cfg.Relays.Retract, p.LimitRetract)
	case p.ManualExtend:
		c.directDrive(ev, c.cfg.Relays.Extend, p.LimitExtend)
	}
}

func (c *Controller) cutoff(id int, name string) {
	if !c.Relays.State(id) {
		return
	}
	if err := c.Relays.SetRelay(id, false); err != nil {
		c.log.Error().Err(err).Int("relay", id).Msg("limit cutoff failed")
		return
	}
	c.log.Info().Str("limit", name).Int("relay", id).Msg("relay cut at limit")
}

// directDrive maps a manual button straight onto its relay. Energizing is
// refused while the matching limit is asserted.
func (c *Controller) directDrive(ev input.PinEvent, id, limit int) {
	if ev.Active {
		if at, _ := c.Inputs.Stable(limit); at {
			c.log.Warn().Int("relay", id).Msg("manual drive blocked at limit")
			return
		}
	}
	if err := c.Relays.SetRelay(id, ev.Active); err != nil {
		c.log.Error().Err(err).Int("relay", id).Bool("on", ev.Active).Msg("manual drive failed")
	}
}

func (c *Controller) clearSafety(now time.Time) {
	wasActive := c.Safety.IsActive()
	if err := c.Safety.Clear(now); err != nil {
		c.log.Warn().Err(err).Msg("safety clear refused")
		return
	}
	if wasActive {
		c.log.Info().Msg("system restored; fault history preserved")
	} else {
		c.log.Info().Msg("safety clear pressed; system already operational")
	}
}

func (c *Controller) updatePressure(now time.Time) {
	c.Primary.Update(now)
	if c.Secondary == nil {
		return
	}
	c.Secondary.Update(now)
	if faulted, err := c.Secondary.Faulted(); faulted {
		c.Faults.Raise(faults.SensorFault, fmt.Sprintf("%s: %v", c.Secondary.Name(), err))
	}
}

func (c *Controller) indicate(now time.Time) {
	if c.Lamp != nil {
		if err := c.Lamp.Show(now, c.Faults.Pattern()); err != nil {
			c.Faults.Raise(faults.HardwareFault, "mill lamp: "+err.Error())
		}
	}
	if err := c.Safety.Indicate(now); err != nil {
		c.Faults.Raise(faults.HardwareFault, "safety led: "+err.Error())
	}
	c.checkNetwork(now)
}

func (c *Controller) checkNetwork(now time.Time) {
	if c.Network == nil {
		return
	}
	if c.Network.IsConnected() {
		c.netDownSince = time.Time{}
		return
	}
	if c.netDownSince.IsZero() {
		c.netDownSince = now
		return
	}
	if now.Sub(c.netDownSince) >= c.cfg.NetworkGrace {
		c.Faults.Raise(faults.Network, "telemetry broker unreachable")
	}
}

// Submit queues an operator command for the loop goroutine. It never blocks;
// reply runs on the loop goroutine and must not block either.
func (c *Controller) Submit(line string, reply func(string)) error {
	select {
	case c.commands <- request{line: line, reply: reply}:
		return nil
	default:
		return errors.New().WithData(errors.ErrQueueFull, line)
	}
}

func (c *Controller) runCommands() {
	for i := 0; i < c.cfg.CommandsPerStep; i++ {
		select {
		case req := <-c.commands:
			c.runCommand(req)
		default:
			return
		}
	}
}

func (c *Controller) runCommand(req request) {
	resp := "ERROR: no command processor"
	if c.exec != nil {
		resp = c.exec.Execute(req.line)
	}
	c.Sink.Emit(telemetry.Event{Type: telemetry.TypeCommand, Time: c.now(), Detail: req.line})
	if req.reply != nil {
		req.reply(resp)
	}
}

func (c *Controller) emitPin(ev input.PinEvent) {
	v := 0.0
	if ev.Active {
		v = 1
	}
	c.Sink.Emit(telemetry.Event{Type: telemetry.TypePin, ID: ev.Pin, Value: v, Time: ev.Time, Detail: c.Inputs.Name(ev.Pin)})
}

func (c *Controller) emitStatus(now time.Time) {
	chans := [...]*pressure.Channel{c.Primary, c.Secondary}
	for i, ch := range chans {
		if ch == nil || !ch.IsReady() {
			continue
		}
		c.Sink.Emit(telemetry.Event{Type: telemetry.TypePressure, ID: i, Value: ch.Pressure(), Time: now, Detail: ch.Name()})
	}
	st := c.Sequence.State()
	c.Sink.Emit(telemetry.Event{
		Type:   telemetry.TypeStatus,
		ID:     int(st),
		Value:  now.Sub(c.started).Seconds(),
		Time:   now,
		Detail: fmt.Sprintf("seq=%s safety=%s faults=0x%02x", st, c.Safety.State(), uint8(c.Faults.Active())),
	})
	c.log.Info().
		Str("sequence", st.String()).
		Str("safety", c.Safety.State().String()).
		Bool("engine", c.Safety.EngineRunning()).
		Float64("psi", c.Primary.Pressure()).
		Uint64("iterations", c.iterations).
		Msg("status")
}

// Shutdown stops any motion and powers the relay board down, which drops
// the engine relay with it. Call on the loop goroutine after the last Step.
func (c *Controller) Shutdown(now time.Time) {
	c.Sequence.Abort()
	for _, id := range []int{c.cfg.Relays.Extend, c.cfg.Relays.Retract} {
		if !c.Relays.State(id) {
			continue
		}
		if err := c.Relays.SetRelay(id, false); err != nil {
			c.log.Error().Err(err).Int("relay", id).Msg("shutdown relay off failed")
		}
	}
	if err := c.Relays.PowerOff(); err != nil {
		c.log.Error().Err(err).Msg("relay board power off failed")
	}
	c.log.Info().Uint64("iterations", c.iterations).Dur("uptime", now.Sub(c.started)).Msg("controller stopped")
}

// Iterations returns how many Steps have run.
func (c *Controller) Iterations() uint64 { return c.iterations }

// Started returns the Begin time.
func (c *Controller) Started() time.Time { return c.started }
