package controller

import (
	"github.com/sweeney/logsplitter/internal/config"
	"github.com/sweeney/logsplitter/internal/pressure"
)

// Apply pushes a changed runtime setting into the owning subsystem. It is
// registered with config.Store.OnChange and runs on the loop goroutine,
// because Set is only called from queued commands.
func (c *Controller) Apply(key string, cfg *config.Config) {
	log := c.log.With().Str("key", key).Logger()

	switch key {
	case "pressure.vref", "pressure.max_psi", "pressure.gain", "pressure.offset":
		p := cfg.Pressure
		cal := pressure.Calibration{VRef: p.VRef, Gain: p.Gain, Offset: p.Offset, FullScale: p.MaxPSI}
		if err := c.Primary.SetCalibration(cal); err != nil {
			log.Error().Err(err).Msg("calibration rejected")
		}
		if c.Secondary != nil && key != "pressure.max_psi" {
			cal.FullScale = p.SecondaryMax
			if err := c.Secondary.SetCalibration(cal); err != nil {
				log.Error().Err(err).Msg("secondary calibration rejected")
			}
		}

	case "pressure.filter", "pressure.ema_alpha":
		mode, err := pressure.ParseFilter(cfg.Pressure.Filter)
		if err != nil {
			log.Error().Err(err).Msg("filter rejected")
			return
		}
		if err := c.Primary.SetFilter(mode, cfg.Pressure.EMAAlpha); err != nil {
			log.Error().Err(err).Msg("filter rejected")
		}

	case "sequence.stable", "sequence.start_stable", "sequence.timeout":
		s := cfg.Sequence
		c.Sequence.SetTiming(s.Stable, s.StartStable, s.Timeout)

	case "safety.threshold", "safety.hysteresis":
		c.Safety.SetThreshold(cfg.Safety.Threshold, cfg.Safety.Hysteresis)

	case "input.limit_debounce":
		for _, pin := range []int{c.cfg.Pins.LimitExtend, c.cfg.Pins.LimitRetract} {
			if err := c.Inputs.SetDebounce(pin, cfg.Input.LimitDebounce); err != nil {
				log.Error().Err(err).Int("pin", pin).Msg("debounce rejected")
			}
		}

	case "input.button_debounce":
		p := c.cfg.Pins
		for _, pin := range []int{p.ManualRetract, p.ManualExtend, p.SafetyClear, p.SequenceStart, p.Operator, p.EStop} {
			if err := c.Inputs.SetDebounce(pin, cfg.Input.ButtonDebounce); err != nil {
				log.Error().Err(err).Int("pin", pin).Msg("debounce rejected")
			}
		}

	case "relay.ack_timeout", "relay.retries":
		c.Relays.SetTiming(cfg.Relay.AckTimeout, cfg.Relay.Retries)

	default:
		return
	}
	log.Info().Msg("setting applied")
}
