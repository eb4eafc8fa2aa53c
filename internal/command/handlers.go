package command

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/logsplitter/internal/errors"
	"github.com/sweeney/logsplitter/internal/faults"
	"github.com/sweeney/logsplitter/internal/relay"
	"github.com/sweeney/logsplitter/internal/watchdog"
)

func parseRelay(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(s), "R"))
	if err != nil || n < 1 || n > relay.MaxRelays {
		return 0, errors.New().WithData(errors.ErrRelayRange, s)
	}
	return n, nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToUpper(s) {
	case "ON", "1":
		return true, nil
	case "OFF", "0":
		return false, nil
	}
	return false, usage("relay R<n> ON|OFF")
}

func (p *Processor) relay(args []string) (string, error) {
	if len(args) == 1 && strings.EqualFold(args[0], "status") {
		return p.relayStatus(), nil
	}
	if len(args) != 2 {
		return "", usage("relay R<n> ON|OFF | relay status")
	}
	id, err := parseRelay(args[0])
	if err != nil {
		return "", err
	}
	on, err := parseOnOff(args[1])
	if err != nil {
		return "", err
	}

	// The hydraulic valves go through the sequence engine so limits,
	// pressure and the timeout still apply.
	switch {
	case id == p.ExtendRelay && on:
		err = p.Sequence.StartManualExtend()
	case id == p.RetractRelay && on:
		err = p.Sequence.StartManualRetract()
	case id == p.ExtendRelay || id == p.RetractRelay:
		if !p.Sequence.StopManual() {
			err = p.Relays.SetRelay(id, false)
		}
	case id == p.EngineRelay && p.EngineRelay != 0:
		err = p.Safety.SetEngine(p.now(), on)
	default:
		err = p.Relays.SetRelay(id, on)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("R%d %s", id, onOff(on)), nil
}

func (p *Processor) relayStatus() string {
	states := p.Relays.States()
	var b strings.Builder
	for id := 1; id <= relay.MaxRelays; id++ {
		if id > 1 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "R%d:%s", id, onOff(states[id]))
	}
	st := p.Relays.Stats()
	fmt.Fprintf(&b, "\npowered=%t safety_mode=%t commands=%d acks=%d naks=%d timeouts=%d retries=%d failures=%d",
		p.Relays.BoardPowered(), p.Relays.InSafetyMode(),
		st.Commands, st.Acks, st.Naks, st.Timeouts, st.Retries, st.Failures)
	return b.String()
}

func (p *Processor) manual(args []string) (string, error) {
	if len(args) != 1 {
		return "", usage("manual extend|retract|stop")
	}
	var err error
	switch strings.ToLower(args[0]) {
	case "extend":
		err = p.Sequence.StartManualExtend()
	case "retract":
		err = p.Sequence.StartManualRetract()
	case "stop":
		if !p.Sequence.StopManual() {
			return "no manual operation", nil
		}
	default:
		return "", usage("manual extend|retract|stop")
	}
	if err != nil {
		return "", err
	}
	return "manual " + strings.ToLower(args[0]), nil
}

func (p *Processor) abort(args []string) (string, error) {
	p.Sequence.Abort()
	return "aborted", nil
}

func (p *Processor) reset(args []string) (string, error) {
	if len(args) == 0 {
		p.Sequence.Reset()
		return "sequence reset", nil
	}
	if len(args) == 1 && strings.EqualFold(args[0], "estop") {
		return p.clear(nil)
	}
	return "", usage("reset [estop]")
}

func (p *Processor) enable(args []string) (string, error) {
	if p.Safety.IsActive() {
		return "", errors.New().WithData(errors.ErrSafetyActive, p.Safety.Reason())
	}
	p.Sequence.EnableSequence()
	return "sequence enabled", nil
}

func (p *Processor) disable(args []string) (string, error) {
	p.Sequence.DisableSequence()
	return "sequence disabled", nil
}

func (p *Processor) clear(args []string) (string, error) {
	if err := p.Safety.Clear(p.now()); err != nil {
		return "", err
	}
	return "safety cleared", nil
}

func (p *Processor) errorCmd(args []string) (string, error) {
	if len(args) == 0 {
		return p.errorList(), nil
	}
	sub := strings.ToLower(args[0])
	switch {
	case sub == "list" && len(args) == 1:
		return p.errorList(), nil

	case sub == "ack" && len(args) == 2:
		code, err := parseFault(args[1])
		if err != nil {
			return "", err
		}
		if !p.Faults.Acknowledge(code) {
			return fmt.Sprintf("%s not active", code), nil
		}
		return fmt.Sprintf("%s acknowledged", code), nil

	case sub == "clear" && len(args) == 2 && strings.EqualFold(args[1], "all"),
		sub == "clear" && len(args) == 1:
		p.Faults.ClearAll()
		return "all faults cleared", nil

	case sub == "clear" && len(args) == 2:
		code, err := parseFault(args[1])
		if err != nil {
			return "", err
		}
		if !p.Faults.Clear(code) {
			return fmt.Sprintf("%s not active", code), nil
		}
		return fmt.Sprintf("%s cleared", code), nil
	}
	return "", usage("error list | error ack <code> | error clear <code>|all")
}

func parseFault(s string) (faults.Code, error) {
	c, err := faults.ParseCode(s)
	if err != nil {
		return 0, errors.New().Wrap(errors.ErrInvalidArgument, err)
	}
	return c, nil
}

func (p *Processor) errorList() string {
	list := p.Faults.List()
	if len(list) == 0 {
		return "no active faults"
	}
	lines := make([]string, 0, len(list)+1)
	lines = append(lines, fmt.Sprintf("lamp=%s", p.Faults.Pattern()))
	for _, f := range list {
		ack := ""
		if f.Acknowledged {
			ack = " (ack)"
		}
		lines = append(lines, fmt.Sprintf("0x%02X %s: %s%s", uint8(f.Code), f.Code, f.Message, ack))
	}
	return strings.Join(lines, "\n")
}

func (p *Processor) timing(args []string) (string, error) {
	sub := "report"
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
	}
	r := p.Timings.Report()

	switch sub {
	case "report":
		var lines []string
		for _, s := range watchdog.Subsystems() {
			t := r.Timings[s]
			lines = append(lines, fmt.Sprintf("%-9s calls=%d avg=%s max=%s last=%s warn=%d crit=%d",
				s, t.Calls, t.Average(), t.Max, t.Last, t.Warnings, t.Criticals))
		}
		return strings.Join(lines, "\n"), nil

	case "reset":
		p.Timings.ResetStats()
		return "timing statistics reset", nil

	case "status":
		out := fmt.Sprintf("tripped=%t since=%s", r.Tripped, r.LastReset.Format(time.RFC3339))
		if r.Last != nil {
			out += "\nlast: " + r.Last.String()
		}
		return out, nil

	case "slowest":
		var worst watchdog.Subsystem
		var max time.Duration
		for _, s := range watchdog.Subsystems() {
			if t := r.Timings[s]; t.Max > max {
				worst, max = s, t.Max
			}
		}
		if max == 0 {
			return "no timings recorded", nil
		}
		return fmt.Sprintf("%s max=%s", worst, max), nil
	}
	return "", usage("timing [report|reset|status|slowest]")
}

func (p *Processor) debounce(args []string) (string, error) {
	if len(args) != 2 {
		return "", usage("debounce <pin> <ms|low|med|high>")
	}
	pin, err := strconv.Atoi(args[0])
	if err != nil {
		return "", errors.New().WithData(errors.ErrInvalidArgument, "pin "+args[0])
	}
	d, ok := debouncePresets[strings.ToLower(args[1])]
	if !ok {
		ms, err := strconv.Atoi(args[1])
		if err != nil || ms < 0 {
			return "", errors.New().WithData(errors.ErrInvalidArgument, "debounce "+args[1])
		}
		d = time.Duration(ms) * time.Millisecond
	}
	if err := p.Inputs.SetDebounce(pin, d); err != nil {
		return "", errors.New().Wrap(errors.ErrInvalidArgument, err)
	}
	return fmt.Sprintf("pin %d debounce %s", pin, d), nil
}
