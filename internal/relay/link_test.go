package relay

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/logsplitter/internal/clock"
	"github.com/sweeney/logsplitter/internal/errors"
	"github.com/sweeney/logsplitter/internal/telemetry"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestLink(t *testing.T) (*Link, *FakeBoard, *clock.Fake, *telemetry.Recorder) {
	t.Helper()
	clk := clock.NewFake(t0)
	board := NewFakeBoard(clk)
	rec := telemetry.NewRecorder()
	l := NewLink(board, DefaultConfig(), clk.Now, rec, zerolog.Nop())
	return l, board, clk, rec
}

func TestFirstCommandPowersBoard(t *testing.T) {
	l, board, _, _ := newTestLink(t)

	require.NoError(t, l.SetRelay(1, true))
	assert.Equal(t, []Command{{Relay: 9, On: false}, {Relay: 1, On: true}}, board.Commands())
	assert.True(t, l.BoardPowered())
	assert.True(t, l.State(1))
	assert.True(t, board.Relay(1))

	board.Reset()
	require.NoError(t, l.SetRelay(1, false))
	assert.Equal(t, []Command{{Relay: 1, On: false}}, board.Commands(), "power sent once")
}

func TestBeginLeavesRelaysOff(t *testing.T) {
	l, board, _, _ := newTestLink(t)

	require.NoError(t, l.Begin())
	cmds := board.Commands()
	require.Len(t, cmds, 9)
	assert.Equal(t, Command{Relay: 9, On: false}, cmds[0])
	for _, c := range cmds[1:] {
		assert.False(t, c.On)
	}
}

func TestAckTimeoutLeavesShadowUnchanged(t *testing.T) {
	l, board, clk, rec := newTestLink(t)
	require.NoError(t, l.SetRelay(2, true))
	rec.Reset()
	board.Reset()

	board.Respond = func(Command) Reply { return Silent }
	start := clk.Now()
	err := l.SetRelay(2, false)

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrRelayTimeout))
	assert.True(t, l.State(2), "shadow must keep the pre-call state")
	assert.Len(t, board.Commands(), 3, "one attempt plus two retries")
	assert.Empty(t, rec.OfType(telemetry.TypeRelay))

	elapsed := clk.Now().Sub(start)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 310*time.Millisecond)

	s := l.Stats()
	assert.Equal(t, uint64(2), s.Retries)
	assert.Equal(t, uint64(3), s.Timeouts)
	assert.Equal(t, uint64(1), s.Failures)
}

func TestNakRetriesImmediately(t *testing.T) {
	l, board, clk, _ := newTestLink(t)
	require.NoError(t, l.Begin())
	board.Reset()

	board.Script(Nak, Ack)
	start := clk.Now()
	require.NoError(t, l.SetRelay(3, true))

	assert.Len(t, board.Commands(), 2)
	assert.True(t, l.State(3))
	assert.Less(t, clk.Now().Sub(start), 10*time.Millisecond, "no wait after a nak")
	assert.Equal(t, uint64(1), l.Stats().Naks)
}

func TestNakExhaustionReportsNack(t *testing.T) {
	l, board, _, _ := newTestLink(t)
	require.NoError(t, l.Begin())

	board.Respond = func(Command) Reply { return Nak }
	err := l.SetRelay(4, true)
	assert.True(t, errors.HasCode(err, errors.ErrRelayNack))
	assert.False(t, l.State(4))
}

func TestPowerFailureBlocksCommand(t *testing.T) {
	l, board, _, _ := newTestLink(t)
	board.Respond = func(c Command) Reply {
		if c.Relay == 9 {
			return Silent
		}
		return Ack
	}

	err := l.SetRelay(1, true)
	assert.True(t, errors.HasCode(err, errors.ErrRelayPower))
	assert.False(t, l.BoardPowered())
	for _, c := range board.Commands() {
		assert.Equal(t, 9, c.Relay, "no relay command before power")
	}
}

func TestRangeChecked(t *testing.T) {
	l, _, _, _ := newTestLink(t)
	for _, id := range []int{0, -1, 9, 10} {
		err := l.SetRelay(id, true)
		assert.True(t, errors.HasCode(err, errors.ErrRelayRange), "relay %d", id)
	}
}

func TestSafetyModeForcesOffAndBlocksEnergize(t *testing.T) {
	l, board, _, _ := newTestLink(t)
	require.NoError(t, l.SetRelay(1, true))
	require.NoError(t, l.SetRelay(8, true))

	require.NoError(t, l.EnterSafetyMode())
	assert.True(t, l.InSafetyMode())
	for id := 1; id <= 8; id++ {
		assert.False(t, l.State(id), "relay %d", id)
		assert.False(t, board.Relay(id), "board relay %d", id)
	}

	err := l.SetRelay(1, true)
	assert.True(t, errors.HasCode(err, errors.ErrRelaySafetyMode))
	assert.NoError(t, l.SetRelay(2, false), "de-energize passes")

	l.ExitSafetyMode()
	assert.NoError(t, l.SetRelay(1, true))
}

func TestUnsolicitedOutputIgnored(t *testing.T) {
	l, board, _, _ := newTestLink(t)
	require.NoError(t, l.Begin())

	board.Inject("boot v1.2\n")
	require.NoError(t, l.SetRelay(5, true), "stray line must not read as the ack")
	assert.True(t, l.State(5))

	board.Inject("temp 41C\npartial")
	l.Flush()
	assert.Equal(t, []byte("partial"), l.rx)
}

func TestRelayEventsOnChangeOnly(t *testing.T) {
	l, _, _, rec := newTestLink(t)
	require.NoError(t, l.Begin())
	rec.Reset()

	require.NoError(t, l.SetRelay(1, true))
	require.NoError(t, l.SetRelay(1, true))
	require.NoError(t, l.SetRelay(1, false))

	ev := rec.OfType(telemetry.TypeRelay)
	require.Len(t, ev, 2)
	assert.Equal(t, 1.0, ev[0].Value)
	assert.Equal(t, 0.0, ev[1].Value)
	assert.Equal(t, 1, ev[0].ID)
}

func TestPowerOffDropsRelays(t *testing.T) {
	l, _, _, _ := newTestLink(t)
	require.NoError(t, l.SetRelay(1, true))

	require.NoError(t, l.PowerOff())
	assert.False(t, l.BoardPowered())
	assert.False(t, l.State(1))
	assert.True(t, l.State(9))
}

func TestLateAckNotTakenForNextCommand(t *testing.T) {
	l, board, _, _ := newTestLink(t)
	require.NoError(t, l.Begin())

	board.Script(Silent, Silent, Silent)
	require.Error(t, l.SetRelay(2, true))

	// R2's answer turns up after its attempts ran out.
	board.Inject("R2 ON OK\n")
	board.Respond = func(Command) Reply { return Silent }

	err := l.SetRelay(3, true)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrRelayTimeout))
	assert.False(t, l.State(3), "shadow must not record an unconfirmed state")
	assert.False(t, board.Relay(3))
	assert.False(t, l.State(2))
}

func TestAckMustEchoCommand(t *testing.T) {
	echo := []byte("R3 ON")
	tests := []struct {
		line string
		want reply
	}{
		{"R3 ON OK", replyAck},
		{"R3 ON", replyNone},
		{"R3 OFF OK", replyNone},
		{"R2 ON OK", replyNone},
		{"R33 ON OK", replyNone},
		{"OK", replyNone},
		{"NAK", replyNak},
		{"ERR bad command", replyNak},
		{"R3 ON ERR", replyNak},
		{"R2 ON NAK", replyNone},
		{"boot v1.2", replyNone},
		{"", replyNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify([]byte(tt.line), echo), "%q", tt.line)
	}
}

func TestFormatCommandReusesBuffer(t *testing.T) {
	var buf [16]byte
	assert.Equal(t, "R9 OFF\n", string(formatCommand(buf[:0], 9, false)))
	assert.Equal(t, "R1 ON\n", string(formatCommand(buf[:0], 1, true)))

	allocs := testing.AllocsPerRun(100, func() {
		formatCommand(buf[:0], 8, true)
	})
	assert.Zero(t, allocs)
}
