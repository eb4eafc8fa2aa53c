// Package relay drives the external relay board over a serial line.
//
// Each command is a text line "R<n> ON" or "R<n> OFF". The board echoes
// the command followed by OK, or answers ERR/NAK when it rejects it. Only
// one command is outstanding at a time.
package relay

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/logsplitter/internal/clock"
	"github.com/sweeney/logsplitter/internal/errors"
	"github.com/sweeney/logsplitter/internal/telemetry"
)

// MaxRelays is the number of relay positions on the board.
const MaxRelays = 9

// Transport is the byte link to the board. Read must not block longer than
// a few milliseconds and returns 0, nil when nothing is available.
type Transport interface {
	io.Reader
	io.Writer
}

// Config parameterises the link.
type Config struct {
	// PowerRelay switches the board's supply. It is inverted: OFF powers
	// the board.
	PowerRelay int
	AckTimeout time.Duration
	Retries    int
}

// DefaultConfig matches the stock board wiring.
func DefaultConfig() Config {
	return Config{
		PowerRelay: 9,
		AckTimeout: 100 * time.Millisecond,
		Retries:    2,
	}
}

// Commander is the relay surface used by the sequence engine, the
// controller and the command processor.
type Commander interface {
	SetRelay(id int, on bool) error
	State(id int) bool
}

// SafetyControl is held only by the safety interlock.
type SafetyControl interface {
	EnterSafetyMode() error
	ExitSafetyMode()
	InSafetyMode() bool
}

// Stats counts link activity.
type Stats struct {
	Commands uint64
	Acks     uint64
	Naks     uint64
	Timeouts uint64
	Retries  uint64
	Failures uint64
}

type reply int

const (
	replyNone reply = iota
	replyAck
	replyNak
)

// pending is the single in-flight command.
type pending struct {
	active   bool
	relay    int
	on       bool
	attempt  int
	deadline time.Time
}

// Link owns the relay shadow state. Not safe for concurrent use.
type Link struct {
	t    Transport
	now  clock.Func
	log  zerolog.Logger
	sink telemetry.Sink
	cfg  Config

	state   [MaxRelays + 1]bool
	powered bool
	safety  bool
	pending pending
	rx      []byte
	rxHead  int
	readBuf [64]byte
	cmdBuf  [16]byte
	stats   Stats
}

// NewLink creates a link over t. The board is assumed unpowered until Begin
// or the first command.
func NewLink(t Transport, cfg Config, now clock.Func, sink telemetry.Sink, log zerolog.Logger) *Link {
	if cfg.PowerRelay < 1 || cfg.PowerRelay > MaxRelays {
		cfg.PowerRelay = MaxRelays
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}
	if sink == nil {
		sink = telemetry.Discard
	}
	return &Link{t: t, cfg: cfg, now: now, sink: sink, log: log, rx: make([]byte, 0, rxLimit)}
}

// Begin powers the board and commands every switched relay off so the
// shadow state matches the hardware.
func (l *Link) Begin() error {
	if err := l.ensurePower(); err != nil {
		return err
	}
	var failed []int
	for id := 1; id <= MaxRelays; id++ {
		if id == l.cfg.PowerRelay {
			continue
		}
		if err := l.send(id, false); err != nil {
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return errors.New().WithData(errors.ErrRelayTimeout, fmt.Sprintf("relays %v did not confirm off", failed))
	}
	return nil
}

// SetRelay commands relay id and waits for the board to confirm. On failure
// the shadow state is left as it was. While safety mode is active only
// de-energize requests are accepted.
func (l *Link) SetRelay(id int, on bool) error {
	errFactory := errors.New()
	if id < 1 || id > MaxRelays || id == l.cfg.PowerRelay {
		return errFactory.WithData(errors.ErrRelayRange, id)
	}
	if l.safety && on {
		return errFactory.WithData(errors.ErrRelaySafetyMode, fmt.Sprintf("R%d ON", id))
	}
	if err := l.ensurePower(); err != nil {
		return err
	}
	return l.send(id, on)
}

// ensurePower lazily switches the board supply on.
func (l *Link) ensurePower() error {
	if l.powered {
		return nil
	}
	if err := l.transact(l.cfg.PowerRelay, false); err != nil {
		return errors.New().Wrap(errors.ErrRelayPower, err)
	}
	l.powered = true
	l.state[l.cfg.PowerRelay] = false
	l.log.Info().Msg("relay board powered")
	return nil
}

// PowerOff cuts the board supply. Every relay drops out with it.
func (l *Link) PowerOff() error {
	if err := l.transact(l.cfg.PowerRelay, true); err != nil {
		return err
	}
	l.powered = false
	for id := range l.state {
		if id != l.cfg.PowerRelay {
			l.state[id] = false
		}
	}
	l.state[l.cfg.PowerRelay] = true
	return nil
}

// send transacts and records the confirmed state.
func (l *Link) send(id int, on bool) error {
	if err := l.transact(id, on); err != nil {
		return err
	}
	changed := l.state[id] != on
	l.state[id] = on
	if changed {
		l.sink.Emit(telemetry.Event{Type: telemetry.TypeRelay, ID: id, Value: boolValue(on), Time: l.now()})
	}
	return nil
}

// transact writes the command and waits for the acknowledgement, retrying
// immediately on timeout or rejection. Worst-case blocking is
// AckTimeout * (Retries+1).
func (l *Link) transact(id int, on bool) error {
	line := formatCommand(l.cmdBuf[:0], id, on)
	echo := line[:len(line)-1]
	l.stats.Commands++

	var last reply
	for attempt := 0; attempt <= l.cfg.Retries; attempt++ {
		if attempt > 0 {
			l.stats.Retries++
			l.log.Debug().Int("relay", id).Int("attempt", attempt).Msg("retrying relay command")
		}
		// Anything already on the line answers an earlier command.
		if err := l.drain(); err != nil {
			l.log.Warn().Err(err).Msg("relay read failed")
		}
		l.pending = pending{active: true, relay: id, on: on, attempt: attempt, deadline: l.now().Add(l.cfg.AckTimeout)}

		if _, err := l.t.Write(line); err != nil {
			l.pending = pending{}
			l.stats.Failures++
			return errors.New().Wrap(errors.ErrSerialIO, err)
		}

		last = l.waitReply(echo)
		switch last {
		case replyAck:
			l.stats.Acks++
			l.pending = pending{}
			return nil
		case replyNak:
			l.stats.Naks++
		default:
			l.stats.Timeouts++
		}
	}
	l.pending = pending{}
	l.stats.Failures++

	l.log.Error().Int("relay", id).Bool("on", on).Int("attempts", l.cfg.Retries+1).Msg("relay command failed")
	code := errors.ErrRelayTimeout
	if last == replyNak {
		code = errors.ErrRelayNack
	}
	return errors.New().WithData(code, fmt.Sprintf("R%d %s after %d attempts", id, onOff(on), l.cfg.Retries+1))
}

// drain discards buffered and readable board output without waiting.
func (l *Link) drain() error {
	l.rx = l.rx[:0]
	l.rxHead = 0
	for i := 0; i < drainReads; i++ {
		n, err := l.t.Read(l.readBuf[:])
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		l.log.Debug().Bytes("data", l.readBuf[:n]).Msg("discarding stale relay board output")
	}
	return nil
}

// waitReply reads until the reply to echo arrives or the pending deadline
// passes.
func (l *Link) waitReply(echo []byte) reply {
	for {
		for {
			line, ok := l.nextLine()
			if !ok {
				break
			}
			switch r := classify(line, echo); r {
			case replyAck, replyNak:
				return r
			}
			l.log.Debug().Bytes("line", line).Msg("ignoring relay board output")
		}
		if !l.now().Before(l.pending.deadline) {
			return replyNone
		}
		n, err := l.t.Read(l.readBuf[:])
		if err != nil {
			l.log.Warn().Err(err).Msg("relay read failed")
			return replyNone
		}
		l.rx = append(l.rx, l.readBuf[:n]...)
	}
}

// nextLine pops one complete line from the receive buffer. The line aliases
// the buffer and is valid until the next call. A partial line is moved to
// the front when no complete line is left.
func (l *Link) nextLine() ([]byte, bool) {
	i := bytes.IndexByte(l.rx[l.rxHead:], '\n')
	if i < 0 {
		n := copy(l.rx, l.rx[l.rxHead:])
		l.rx = l.rx[:n]
		l.rxHead = 0
		return nil, false
	}
	line := bytes.TrimSpace(l.rx[l.rxHead : l.rxHead+i])
	l.rxHead += i + 1
	return line, true
}

var (
	wordOK  = []byte("OK")
	wordERR = []byte("ERR")
	wordNAK = []byte("NAK")
)

// classify matches a board line against the command echo. An OK only counts
// when it follows the echo of this command. A rejection counts when it is
// bare or names this command; one naming another relay is stale.
func classify(line, echo []byte) reply {
	if len(line) == 0 {
		return replyNone
	}
	ours := bytes.HasPrefix(line, echo) && (len(line) == len(echo) || line[len(echo)] == ' ')
	if !ours && line[0] == 'R' {
		return replyNone
	}
	rest := line
	if ours {
		rest = line[len(echo):]
	}
	switch {
	case bytes.Contains(rest, wordERR), bytes.Contains(rest, wordNAK):
		return replyNak
	case ours && bytes.Contains(rest, wordOK):
		return replyAck
	}
	return replyNone
}

// Flush drains and logs unsolicited board output. Called once per loop
// iteration; it never waits.
func (l *Link) Flush() {
	for i := 0; i < 8; i++ {
		n, err := l.t.Read(l.readBuf[:])
		if err != nil {
			l.log.Warn().Err(err).Msg("relay read failed")
			return
		}
		if n == 0 {
			break
		}
		l.rx = append(l.rx, l.readBuf[:n]...)
	}
	for {
		line, ok := l.nextLine()
		if !ok {
			break
		}
		if len(line) > 0 {
			l.log.Debug().Bytes("line", line).Msg("relay board")
		}
	}
	// Keep a partial line, but not forever.
	if len(l.rx) > rxLimit {
		l.rx = l.rx[:0]
	}
}

// EnterSafetyMode blocks energize requests and commands every switched relay
// off. Relays that fail to confirm keep their shadow state and are reported.
func (l *Link) EnterSafetyMode() error {
	if !l.safety {
		l.log.Warn().Msg("relay safety mode on")
	}
	l.safety = true

	if err := l.ensurePower(); err != nil {
		return err
	}
	var failed []int
	for id := 1; id <= MaxRelays; id++ {
		if id == l.cfg.PowerRelay {
			continue
		}
		if err := l.send(id, false); err != nil {
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return errors.New().WithData(errors.ErrRelayTimeout, fmt.Sprintf("relays %v did not confirm off", failed))
	}
	return nil
}

// ExitSafetyMode allows energize requests again. Relays stay off.
func (l *Link) ExitSafetyMode() {
	if l.safety {
		l.log.Info().Msg("relay safety mode off")
	}
	l.safety = false
}

// InSafetyMode reports whether energize requests are blocked.
func (l *Link) InSafetyMode() bool { return l.safety }

// State returns the confirmed state of relay id.
func (l *Link) State(id int) bool {
	if id < 0 || id > MaxRelays {
		return false
	}
	return l.state[id]
}

// States returns a copy of the shadow array; index 0 is unused.
func (l *Link) States() [MaxRelays + 1]bool { return l.state }

// BoardPowered reports whether the board supply has been confirmed on.
func (l *Link) BoardPowered() bool { return l.powered }

// Stats returns link counters.
func (l *Link) Stats() Stats { return l.stats }

const (
	rxLimit    = 256
	drainReads = 16
)

// formatCommand appends the command line for relay id to dst.
func formatCommand(dst []byte, id int, on bool) []byte {
	dst = append(dst, 'R')
	dst = strconv.AppendInt(dst, int64(id), 10)
	dst = append(dst, ' ')
	dst = append(dst, onOff(on)...)
	return append(dst, '\n')
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SetTiming changes the acknowledgement timeout and retry count for later
// commands.
func (l *Link) SetTiming(ackTimeout time.Duration, retries int) {
	if ackTimeout > 0 {
		l.cfg.AckTimeout = ackTimeout
	}
	if retries >= 0 {
		l.cfg.Retries = retries
	}
}
