package controller

import (
	"time"

	"github.com/sweeney/logsplitter/internal/pressure"
	"github.com/sweeney/logsplitter/internal/relay"
	"github.com/sweeney/logsplitter/internal/status"
	"github.com/sweeney/logsplitter/internal/watchdog"
)

// Control collects the current state of every subsystem. It must be called
// on the loop goroutine.
func (c *Controller) Control(now time.Time) status.Control {
	seq := c.Sequence.Status()
	stats := c.Relays.Stats()
	out := status.Control{
		Sequence:        seq.State.String(),
		SequenceEnabled: seq.Enabled,
		Stage:           c.Sequence.Stage(),
		StageElapsed:    c.Sequence.Elapsed(now),
		AtPressureLimit: c.Sequence.AtPressureLimit(),
		LastAbort:       c.Sequence.LastAbort(),

		Safety:       c.Safety.State().String(),
		SafetyReason: c.Safety.Reason(),
		EStop:        c.Safety.IsEStopActive(),
		OverPressure: c.Safety.OverPressure(),
		Engine:       c.Safety.EngineRunning(),

		BoardPowered:    c.Relays.BoardPowered(),
		RelaySafetyMode: c.Relays.InSafetyMode(),
		RelayCommands:   stats.Commands,
		RelayFailures:   stats.Failures,

		Lamp:    c.Faults.Pattern().String(),
		Updated: now,
	}

	for _, ch := range []*pressure.Channel{c.Primary, c.Secondary} {
		if ch == nil {
			continue
		}
		faulted, _ := ch.Faulted()
		out.Pressures = append(out.Pressures, status.Pressure{
			Name:    ch.Name(),
			PSI:     ch.Pressure(),
			Volts:   ch.Voltage(),
			Raw:     ch.Raw(),
			Ready:   ch.IsReady(),
			Faulted: faulted,
		})
	}

	for _, p := range c.Inputs.Pins() {
		out.Pins = append(out.Pins, status.Pin{
			ID:       p.ID,
			Name:     p.Name,
			Polarity: p.Polarity.String(),
			Active:   p.Active,
			Raw:      p.Raw,
			Known:    p.Known,
			Changes:  p.Changes,
		})
	}

	states := c.Relays.States()
	for id := 1; id <= relay.MaxRelays; id++ {
		out.Relays = append(out.Relays, status.Relay{ID: id, On: states[id]})
	}

	for _, f := range c.Faults.List() {
		out.Faults = append(out.Faults, status.Fault{
			Code:         uint8(f.Code),
			Name:         f.Code.String(),
			Message:      f.Message,
			Raised:       f.Raised,
			Acknowledged: f.Acknowledged,
		})
	}

	report := c.Watchdog.Report()
	out.WatchdogTripped = report.Tripped
	for _, sub := range watchdog.Subsystems() {
		t := report.Timings[sub]
		out.Timings = append(out.Timings, status.Timing{
			Name:      sub.String(),
			Calls:     t.Calls,
			Average:   t.Average(),
			Max:       t.Max,
			Last:      t.Last,
			Warnings:  t.Warnings,
			Criticals: t.Criticals,
			Active:    t.Active,
		})
	}
	return out
}
