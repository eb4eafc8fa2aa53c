package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/logsplitter/internal/adc"
	"github.com/sweeney/logsplitter/internal/clock"
	"github.com/sweeney/logsplitter/internal/command"
	"github.com/sweeney/logsplitter/internal/config"
	"github.com/sweeney/logsplitter/internal/controller"
	"github.com/sweeney/logsplitter/internal/faults"
	"github.com/sweeney/logsplitter/internal/gpio"
	"github.com/sweeney/logsplitter/internal/input"
	"github.com/sweeney/logsplitter/internal/logger"
	"github.com/sweeney/logsplitter/internal/pressure"
	"github.com/sweeney/logsplitter/internal/relay"
	"github.com/sweeney/logsplitter/internal/safety"
	"github.com/sweeney/logsplitter/internal/sequence"
	"github.com/sweeney/logsplitter/internal/serial"
	"github.com/sweeney/logsplitter/internal/telemetry"
	"github.com/sweeney/logsplitter/internal/watchdog"
)

// hardware is the boundary the controller runs against.
type hardware struct {
	Pins  gpio.Reader
	Lamps gpio.Writer
	ADC   adc.Reader
	Board relay.Transport
	close []func() error
}

// Close releases every device opened by openHardware.
func (h *hardware) Close() {
	for i := len(h.close) - 1; i >= 0; i-- {
		h.close[i]()
	}
}

func inputPins(p config.PinsConfig) []int {
	return []int{p.ManualRetract, p.ManualExtend, p.SafetyClear, p.SequenceStart,
		p.LimitExtend, p.LimitRetract, p.Operator, p.EStop}
}

// openHardware opens the GPIO chip, the ADC and the relay board port. With
// withBoard false the serial port is left closed.
func openHardware(cfg *config.Config, withBoard bool) (*hardware, error) {
	hw := &hardware{}

	pins, err := gpio.NewRealReader(cfg.Pins.Chip, inputPins(cfg.Pins))
	if err != nil {
		return nil, fmt.Errorf("init gpio inputs: %w", err)
	}
	hw.Pins = pins
	hw.close = append(hw.close, pins.Close)

	lamps, err := gpio.NewRealWriter(cfg.Pins.Chip, []int{cfg.Pins.MillLamp, cfg.Pins.SafetyLED})
	if err != nil {
		hw.Close()
		return nil, fmt.Errorf("init gpio outputs: %w", err)
	}
	hw.Lamps = lamps
	hw.close = append(hw.close, lamps.Close)

	reader, err := adc.NewIIOReader(cfg.Pressure.IIODevice, uint16(cfg.Pressure.MaxCount()))
	if err != nil {
		hw.Close()
		return nil, fmt.Errorf("init adc: %w", err)
	}
	hw.ADC = reader

	if withBoard {
		sc := serial.DefaultConfig()
		sc.Device = cfg.Relay.Device
		sc.BaudRate = cfg.Relay.Baud
		port, err := serial.Open(sc)
		if err != nil {
			hw.Close()
			return nil, fmt.Errorf("init relay port: %w", err)
		}
		hw.Board = port
		hw.close = append(hw.close, port.Close)
	}
	return hw, nil
}

// system is the wired controller and everything it drives.
type system struct {
	sampler   *input.Sampler
	primary   *pressure.Channel
	secondary *pressure.Channel
	link      *relay.Link
	registry  *faults.Registry
	engine    *sequence.Engine
	interlock *safety.Interlock
	watchdog  *watchdog.Watchdog
	ctrl      *controller.Controller
	commands  *command.Processor
}

func newSampler(cfg *config.Config, pins gpio.Reader) (*input.Sampler, error) {
	p := cfg.Pins
	btn, lim := cfg.Input.ButtonDebounce, cfg.Input.LimitDebounce
	estopPolarity := input.NormallyOpen
	if p.EStopNC {
		estopPolarity = input.NormallyClosed
	}
	return input.NewSampler(pins, []input.PinConfig{
		{ID: p.ManualRetract, Name: "manual_retract", Polarity: input.NormallyOpen, Debounce: btn},
		{ID: p.ManualExtend, Name: "manual_extend", Polarity: input.NormallyOpen, Debounce: btn},
		{ID: p.SafetyClear, Name: "safety_clear", Polarity: input.NormallyOpen, Debounce: btn},
		{ID: p.SequenceStart, Name: "sequence_start", Polarity: input.NormallyOpen, Debounce: btn},
		{ID: p.LimitExtend, Name: "limit_extend", Polarity: input.NormallyOpen, Debounce: lim},
		{ID: p.LimitRetract, Name: "limit_retract", Polarity: input.NormallyOpen, Debounce: lim},
		{ID: p.Operator, Name: "operator", Polarity: input.NormallyOpen, Debounce: btn},
		{ID: p.EStop, Name: "estop", Polarity: estopPolarity, Debounce: btn},
	})
}

func newChannels(cfg *config.Config, reader adc.Reader, log zerolog.Logger) (primary, secondary *pressure.Channel, err error) {
	pc := cfg.Pressure
	filter, err := pressure.ParseFilter(pc.Filter)
	if err != nil {
		return nil, nil, err
	}
	base := pressure.Config{
		MaxCount: uint16(pc.MaxCount()),
		Interval: pc.SampleInterval,
		Samples:  pc.Samples(),
		Calibration: pressure.Calibration{
			VRef:   pc.VRef,
			Gain:   pc.Gain,
			Offset: pc.Offset,
		},
	}

	pcfg := base
	pcfg.Name = "hydraulic"
	pcfg.Channel = pc.PrimaryChan
	pcfg.FullScale = pc.MaxPSI
	pcfg.Filter = filter
	pcfg.Alpha = pc.EMAAlpha
	pcfg.DeltaWarn = pc.DeltaWarn
	pcfg.Extended = &pressure.ExtendedSpan{
		NegFrac:        pc.ExtNegFrac,
		PosFrac:        pc.ExtPosFrac,
		FullScaleVolts: pc.FullScaleVolts,
	}
	primary, err = pressure.NewChannel(pcfg, reader, logger.Component(log, "pressure"))
	if err != nil {
		return nil, nil, err
	}

	scfg := base
	scfg.Name = "hydraulic_oil"
	scfg.Channel = pc.SecondaryChan
	scfg.FullScale = pc.SecondaryMax
	scfg.Filter = pressure.FilterNone
	secondary, err = pressure.NewChannel(scfg, reader, logger.Component(log, "pressure"))
	if err != nil {
		return nil, nil, err
	}
	return primary, secondary, nil
}

// buildSystem wires the subsystems over hw. Nothing touches the hardware
// until Controller.Begin.
func buildSystem(cfg *config.Config, store command.Settings, hw *hardware, sink telemetry.Sink, pub controller.Publisher, network controller.Link, now clock.Func, log zerolog.Logger) (*system, error) {
	s := &system{}
	var err error

	if s.sampler, err = newSampler(cfg, hw.Pins); err != nil {
		return nil, fmt.Errorf("init inputs: %w", err)
	}
	if s.primary, s.secondary, err = newChannels(cfg, hw.ADC, log); err != nil {
		return nil, fmt.Errorf("init pressure: %w", err)
	}

	s.registry = faults.NewRegistry(now, sink, logger.Component(log, "faults"))
	s.link = relay.NewLink(hw.Board, relay.Config{
		PowerRelay: cfg.Relay.Power,
		AckTimeout: cfg.Relay.AckTimeout,
		Retries:    cfg.Relay.Retries,
	}, now, sink, logger.Component(log, "relay"))

	s.engine = sequence.New(sequence.Config{
		Stable:        cfg.Sequence.Stable,
		StartStable:   cfg.Sequence.StartStable,
		Timeout:       cfg.Sequence.Timeout,
		LimitPressure: cfg.Safety.LimitPressure,
		Pins: sequence.Pins{
			Start:         cfg.Pins.SequenceStart,
			LimitExtend:   cfg.Pins.LimitExtend,
			LimitRetract:  cfg.Pins.LimitRetract,
			ManualExtend:  cfg.Pins.ManualExtend,
			ManualRetract: cfg.Pins.ManualRetract,
		},
		ExtendRelay:  cfg.Relay.Extend,
		RetractRelay: cfg.Relay.Retract,
	}, s.link, s.sampler, s.primary, s.registry, sink, now, logger.Component(log, "sequence"))

	s.interlock = safety.New(safety.Config{
		Threshold:          cfg.Safety.Threshold,
		Hysteresis:         cfg.Safety.Hysteresis,
		SustainedThreshold: cfg.Safety.SustainedThreshold,
		SustainedDuration:  cfg.Safety.SustainedDuration,
		SensorWarmup:       cfg.Safety.SensorWarmup,
		EngineRelay:        cfg.Relay.Engine,
	}, s.link, s.engine, s.registry,
		faults.NewIndicator(hw.Lamps, cfg.Pins.SafetyLED, "safety_led", sink),
		sink, logger.Component(log, "safety"))

	// The hook may run on the supervisor goroutine; RequestEStop is safe there.
	var ctrl *controller.Controller
	s.watchdog = watchdog.New(watchdog.Config{
		Deadline:   cfg.Watchdog.Deadline,
		Thresholds: watchdog.Thresholds{Warn: cfg.Watchdog.Warn, Critical: cfg.Watchdog.Critical},
	}, now, func(d watchdog.Diagnostic) {
		ctrl.RequestEStop("watchdog: " + d.String())
	}, sink, logger.Component(log, "watchdog"))

	p := cfg.Pins
	ctrl, err = controller.New(controller.Config{
		Pins: controller.Pins{
			ManualRetract: p.ManualRetract,
			ManualExtend:  p.ManualExtend,
			SafetyClear:   p.SafetyClear,
			SequenceStart: p.SequenceStart,
			LimitExtend:   p.LimitExtend,
			LimitRetract:  p.LimitRetract,
			Operator:      p.Operator,
			EStop:         p.EStop,
		},
		Relays:         controller.Relays{Extend: cfg.Relay.Extend, Retract: cfg.Relay.Retract},
		StatusInterval: cfg.Loop.StatusInterval,
	}, controller.Deps{
		Inputs:    s.sampler,
		Primary:   s.primary,
		Secondary: s.secondary,
		Relays:    s.link,
		Safety:    s.interlock,
		Sequence:  s.engine,
		Faults:    s.registry,
		Lamp:      faults.NewIndicator(hw.Lamps, p.MillLamp, "mill_lamp", sink),
		Watchdog:  s.watchdog,
		Sink:      sink,
		Publisher: pub,
		Network:   network,
	}, now, logger.Component(log, "controller"))
	if err != nil {
		return nil, err
	}
	s.ctrl = ctrl

	s.commands = command.New(command.Deps{
		Relays:       s.link,
		Sequence:     s.engine,
		Safety:       s.interlock,
		Faults:       s.registry,
		Timings:      s.watchdog,
		Inputs:       s.sampler,
		Settings:     store,
		State:        ctrl,
		Keys:         config.Keys(),
		ExtendRelay:  cfg.Relay.Extend,
		RetractRelay: cfg.Relay.Retract,
		EngineRelay:  cfg.Relay.Engine,
	}, now, logger.Component(log, "command"))
	ctrl.SetExecutor(s.commands)
	return s, nil
}

// supervise checks the watchdog deadline from outside the loop goroutine, so
// a loop stuck inside a subsystem still trips the emergency stop.
func supervise(wd *watchdog.Watchdog, every time.Duration, now clock.Func, done <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			wd.Check(now())
		}
	}
}
