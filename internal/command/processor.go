// Package command parses operator command lines and applies them through the
// same component methods the physical inputs use.
package command

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/rs/zerolog"

	"github.com/sweeney/logsplitter/internal/clock"
	"github.com/sweeney/logsplitter/internal/errors"
	"github.com/sweeney/logsplitter/internal/faults"
	"github.com/sweeney/logsplitter/internal/input"
	"github.com/sweeney/logsplitter/internal/relay"
	"github.com/sweeney/logsplitter/internal/safety"
	"github.com/sweeney/logsplitter/internal/sequence"
	"github.com/sweeney/logsplitter/internal/status"
	"github.com/sweeney/logsplitter/internal/watchdog"
)

// Relays is the relay surface commands may drive.
type Relays interface {
	relay.Commander
	States() [relay.MaxRelays + 1]bool
	Stats() relay.Stats
	BoardPowered() bool
	InSafetyMode() bool
}

// Sequence is the sequence engine surface.
type Sequence interface {
	Status() sequence.Status
	StartManualExtend() error
	StartManualRetract() error
	StopManual() bool
	Abort()
	Reset()
	EnableSequence()
	DisableSequence()
}

// Safety is the interlock surface.
type Safety interface {
	State() safety.State
	IsActive() bool
	Reason() string
	Clear(now time.Time) error
	SetEngine(now time.Time, on bool) error
}

// Faults is the fault registry surface.
type Faults interface {
	List() []faults.Fault
	Has(code faults.Code) bool
	Acknowledge(code faults.Code) bool
	Clear(code faults.Code) bool
	ClearAll()
	Pattern() faults.Pattern
}

// Timings is the watchdog surface.
type Timings interface {
	Report() watchdog.Report
	ResetStats()
}

// Inputs is the input sampler surface.
type Inputs interface {
	Pins() []input.PinStatus
	SetDebounce(pin int, d time.Duration) error
}

// Settings changes runtime configuration.
type Settings interface {
	Set(key, value string) error
}

// Snapshotter summarises controller state for show.
type Snapshotter interface {
	Control(now time.Time) status.Control
}

// Deps are the components a Processor drives. Settings and State may be nil.
type Deps struct {
	Relays   Relays
	Sequence Sequence
	Safety   Safety
	Faults   Faults
	Timings  Timings
	Inputs   Inputs
	Settings Settings
	State    Snapshotter
	// Keys lists settable keys for the bare set command.
	Keys []string
	// ExtendRelay and RetractRelay are routed through manual operations
	// rather than driven directly. Zero means relays 1 and 2.
	ExtendRelay  int
	RetractRelay int
	// EngineRelay is routed through the safety interlock.
	EngineRelay int
}

// Debounce presets accepted by the debounce command.
var debouncePresets = map[string]time.Duration{
	"low":    5 * time.Millisecond,
	"med":    10 * time.Millisecond,
	"medium": 10 * time.Millisecond,
	"high":   25 * time.Millisecond,
}

type handler func(p *Processor, args []string) (string, error)

var handlers map[string]handler

func init() {
	handlers = map[string]handler{
		"help":     (*Processor).help,
		"show":     (*Processor).show,
		"pins":     (*Processor).pins,
		"set":      (*Processor).set,
		"relay":    (*Processor).relay,
		"manual":   (*Processor).manual,
		"abort":    (*Processor).abort,
		"reset":    (*Processor).reset,
		"enable":   (*Processor).enable,
		"disable":  (*Processor).disable,
		"clear":    (*Processor).clear,
		"error":    (*Processor).errorCmd,
		"timing":   (*Processor).timing,
		"debounce": (*Processor).debounce,
	}
}

// Processor executes operator commands. It is not safe for concurrent use;
// the controller runs it on the loop goroutine.
type Processor struct {
	Deps
	now clock.Func
	log zerolog.Logger
}

// New creates a Processor over deps.
func New(deps Deps, now clock.Func, log zerolog.Logger) *Processor {
	if deps.ExtendRelay == 0 {
		deps.ExtendRelay = 1
	}
	if deps.RetractRelay == 0 {
		deps.RetractRelay = 2
	}
	return &Processor{Deps: deps, now: now, log: log}
}

// Execute runs one command line and returns the reply. Failures are
// reported in the reply text with an ERROR prefix.
func (p *Processor) Execute(line string) string {
	out, err := p.Run(line)
	if err != nil {
		return "ERROR: " + err.Error()
	}
	return out
}

// Run runs one command line.
func (p *Processor) Run(line string) (string, error) {
	errFactory := errors.New()

	args, err := shlex.Split(line)
	if err != nil {
		return "", errFactory.Wrap(errors.ErrCommandSyntax, err)
	}
	if len(args) == 0 {
		return "", errFactory.WithData(errors.ErrCommandSyntax, "empty command")
	}

	name := strings.ToLower(args[0])
	h, ok := handlers[name]
	if !ok {
		return "", errFactory.WithData(errors.ErrUnknownCommand, name)
	}

	out, err := h(p, args[1:])
	ev := p.log.Info()
	if err != nil {
		ev = p.log.Warn().Err(err)
	}
	ev.Str("command", line).Msg("operator command")
	return out, err
}

func usage(s string) error {
	return errors.New().WithData(errors.ErrCommandSyntax, "usage: "+s)
}

func (p *Processor) help(args []string) (string, error) {
	names := make([]string, 0, len(handlers))
	for n := range handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return "commands: " + strings.Join(names, ", ") + "\n" +
		"relay R<n> ON|OFF | relay status\n" +
		"manual extend|retract|stop\n" +
		"error list | error ack <code> | error clear <code>|all\n" +
		"timing [report|reset|status|slowest]\n" +
		"debounce <pin> <ms|low|med|high>\n" +
		"set <key> <value>", nil
}

func (p *Processor) show(args []string) (string, error) {
	if p.State == nil {
		return "", errors.New().WithData(errors.ErrUnavailable, "no state source")
	}
	c := p.State.Control(p.now())

	var b strings.Builder
	fmt.Fprintf(&b, "seq=%s enabled=%t stage=%d safety=%s engine=%s",
		c.Sequence, c.SequenceEnabled, c.Stage, c.Safety, onOff(c.Engine))
	for _, pr := range c.Pressures {
		if pr.Ready {
			fmt.Fprintf(&b, " %s=%.1fpsi", pr.Name, pr.PSI)
		} else {
			fmt.Fprintf(&b, " %s=NOTREADY", pr.Name)
		}
	}
	b.WriteString(" relays=")
	for i, r := range c.Relays {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "R%d:%s", r.ID, onOff(r.On))
	}
	var mask uint8
	for _, f := range c.Faults {
		mask |= f.Code
	}
	fmt.Fprintf(&b, " faults=0x%02x lamp=%s", mask, c.Lamp)
	if c.SafetyReason != "" {
		fmt.Fprintf(&b, " reason=%q", c.SafetyReason)
	}
	return b.String(), nil
}

func (p *Processor) pins(args []string) (string, error) {
	var lines []string
	for _, ps := range p.Inputs.Pins() {
		state := "inactive"
		if !ps.Known {
			state = "unknown"
		} else if ps.Active {
			state = "ACTIVE"
		}
		lines = append(lines, fmt.Sprintf("pin %d %s %s %s debounce=%s changes=%d",
			ps.ID, ps.Name, ps.Polarity, state, ps.Debounce, ps.Changes))
	}
	return strings.Join(lines, "\n"), nil
}

func (p *Processor) set(args []string) (string, error) {
	if p.Settings == nil {
		return "", errors.New().WithData(errors.ErrUnavailable, "runtime settings disabled")
	}
	if len(args) == 0 {
		return "settable: " + strings.Join(p.Keys, ", "), nil
	}
	if len(args) != 2 {
		return "", usage("set <key> <value>")
	}
	if err := p.Settings.Set(args[0], args[1]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s set %s", strings.ToLower(args[0]), args[1]), nil
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
