package sequence

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/logsplitter/internal/clock"
	"github.com/sweeney/logsplitter/internal/errors"
	"github.com/sweeney/logsplitter/internal/faults"
	"github.com/sweeney/logsplitter/internal/input"
	"github.com/sweeney/logsplitter/internal/telemetry"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

const (
	pinManualRetract = 2
	pinManualExtend  = 3
	pinStart         = 5
	pinLimitExtend   = 6
	pinLimitRetract  = 7

	relayExtend  = 1
	relayRetract = 2
)

type call struct {
	id int
	on bool
}

type fakeRelays struct {
	calls []call
	state map[int]bool
	fail  map[int]bool
}

func newFakeRelays() *fakeRelays {
	return &fakeRelays{state: map[int]bool{}, fail: map[int]bool{}}
}

func (f *fakeRelays) SetRelay(id int, on bool) error {
	f.calls = append(f.calls, call{id, on})
	if f.fail[id] {
		return fmt.Errorf("relay %d unreachable", id)
	}
	f.state[id] = on
	return nil
}

func (f *fakeRelays) State(id int) bool { return f.state[id] }

type fakeInputs map[int]bool

func (f fakeInputs) Stable(pin int) (bool, bool) {
	v, ok := f[pin]
	return v, ok
}

type fakePressure struct {
	ready bool
	psi   float64
}

func (f *fakePressure) IsReady() bool      { return f.ready }
func (f *fakePressure) Pressure() float64 { return f.psi }

type harness struct {
	e      *Engine
	clk    *clock.Fake
	relays *fakeRelays
	inputs fakeInputs
	press  *fakePressure
	faults *faults.Registry
	rec    *telemetry.Recorder
}

func testConfig() Config {
	return Config{
		Stable:        15 * time.Millisecond,
		StartStable:   100 * time.Millisecond,
		Timeout:       30 * time.Second,
		LimitPressure: 2300,
		Pins: Pins{
			Start:         pinStart,
			LimitExtend:   pinLimitExtend,
			LimitRetract:  pinLimitRetract,
			ManualExtend:  pinManualExtend,
			ManualRetract: pinManualRetract,
		},
		ExtendRelay:  relayExtend,
		RetractRelay: relayRetract,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clk:    clock.NewFake(t0),
		relays: newFakeRelays(),
		inputs: fakeInputs{pinStart: false, pinLimitExtend: false, pinLimitRetract: true, pinManualExtend: false, pinManualRetract: false},
		press:  &fakePressure{ready: true, psi: 200},
		rec:    telemetry.NewRecorder(),
	}
	h.faults = faults.NewRegistry(h.clk.Now, nil, zerolog.Nop())
	h.e = New(testConfig(), h.relays, h.inputs, h.press, h.faults, h.rec, h.clk.Now, zerolog.Nop())
	return h
}

// change sets a pin's stable level and delivers the event.
func (h *harness) change(pin int, active bool) bool {
	h.inputs[pin] = active
	return h.e.ProcessInputChange(input.PinEvent{Pin: pin, Active: active, Time: h.clk.Now()})
}

// run advances the clock in 5ms steps, updating the engine each step.
func (h *harness) run(d time.Duration) {
	for end := h.clk.Now().Add(d); h.clk.Now().Before(end); {
		h.e.Update(h.clk.Advance(5 * time.Millisecond))
	}
}

func (h *harness) startCycle(t *testing.T) {
	t.Helper()
	require.True(t, h.change(pinStart, true))
	h.run(100 * time.Millisecond)
	require.Equal(t, Stage1Active, h.e.State())
}

func TestStartHeldStableEntersStage1(t *testing.T) {
	h := newHarness(t)

	assert.True(t, h.change(pinStart, true))
	assert.Equal(t, WaitStartDebounce, h.e.State())

	h.run(95 * time.Millisecond)
	assert.Equal(t, WaitStartDebounce, h.e.State(), "before startStable")
	assert.NotContains(t, h.relays.calls, call{relayExtend, true})

	h.run(5 * time.Millisecond)
	assert.Equal(t, Stage1Active, h.e.State())
	assert.Contains(t, h.relays.calls, call{relayExtend, true})
	assert.True(t, h.relays.State(relayExtend))
	assert.Equal(t, 1, h.e.Stage())
}

func TestStartReleasedDuringDebounceAborts(t *testing.T) {
	h := newHarness(t)
	h.change(pinStart, true)
	h.run(50 * time.Millisecond)

	h.change(pinStart, false)
	assert.Equal(t, Abort, h.e.State())
	assert.True(t, h.e.Enabled(), "no lockout")
	assert.False(t, h.relays.State(relayExtend))

	h.run(5 * time.Millisecond)
	assert.Equal(t, Idle, h.e.State())
}

func TestExtendLimitStableAdvancesToStage2(t *testing.T) {
	h := newHarness(t)
	h.startCycle(t)
	h.change(pinStart, false)
	h.inputs[pinLimitRetract] = false

	h.change(pinLimitExtend, true)
	assert.Equal(t, Stage1WaitLimit, h.e.State())

	h.run(10 * time.Millisecond)
	assert.Equal(t, Stage1WaitLimit, h.e.State(), "stability window not elapsed")
	assert.True(t, h.relays.State(relayExtend), "engine leaves the cutoff to the controller")

	h.run(5 * time.Millisecond)
	assert.Equal(t, Stage2Active, h.e.State())
	assert.False(t, h.relays.State(relayExtend))
	assert.True(t, h.relays.State(relayRetract))
	assert.Equal(t, 2, h.e.Stage())
}

func TestLimitReleaseReturnsToActive(t *testing.T) {
	h := newHarness(t)
	h.startCycle(t)
	h.inputs[pinLimitRetract] = false

	h.change(pinLimitExtend, true)
	h.run(5 * time.Millisecond)
	h.change(pinLimitExtend, false)
	assert.Equal(t, Stage1Active, h.e.State())

	h.run(50 * time.Millisecond)
	assert.Equal(t, Stage1Active, h.e.State())
}

func TestFullCycleCompletesAndReturnsIdle(t *testing.T) {
	h := newHarness(t)
	h.startCycle(t)
	h.change(pinStart, false)
	h.inputs[pinLimitRetract] = false

	h.change(pinLimitExtend, true)
	h.run(15 * time.Millisecond)
	require.Equal(t, Stage2Active, h.e.State())

	h.change(pinLimitExtend, false)
	h.change(pinLimitRetract, true)
	assert.Equal(t, Stage2WaitLimit, h.e.State())
	h.run(15 * time.Millisecond)
	assert.Equal(t, Complete, h.e.State())
	assert.False(t, h.relays.State(relayRetract))

	h.run(5 * time.Millisecond)
	assert.Equal(t, Idle, h.e.State())
	assert.True(t, h.e.Enabled())

	var seen []string
	for _, ev := range h.rec.OfType(telemetry.TypeSequence) {
		seen = append(seen, State(ev.ID).String())
	}
	assert.Equal(t, []string{"wait_start", "extending", "extend_limit", "retracting", "retract_limit", "complete", "idle"}, seen)
}

func TestPressureCountsAsLimit(t *testing.T) {
	h := newHarness(t)
	h.startCycle(t)
	h.inputs[pinLimitRetract] = false

	h.press.psi = 2350
	h.run(5 * time.Millisecond)
	assert.Equal(t, Stage1WaitLimit, h.e.State())
	assert.True(t, h.e.AtPressureLimit())

	h.run(15 * time.Millisecond)
	assert.Equal(t, Stage2Active, h.e.State())
}

func TestStageTimeoutLocksOut(t *testing.T) {
	h := newHarness(t)
	h.startCycle(t)
	h.inputs[pinLimitRetract] = false

	h.clk.Advance(30 * time.Second)
	h.e.Update(h.clk.Advance(time.Millisecond))

	assert.Equal(t, Abort, h.e.State())
	assert.False(t, h.e.Enabled())
	assert.False(t, h.relays.State(relayExtend))
	assert.False(t, h.relays.State(relayRetract))
	assert.True(t, h.faults.Has(faults.SequenceTimeout))

	h.run(5 * time.Millisecond)
	assert.Equal(t, Status{Enabled: false, State: Idle}, h.e.Status(), "lockout survives the return to idle")

	assert.False(t, h.change(pinStart, false))
	assert.False(t, h.change(pinStart, true), "start refused while disabled")
	assert.Equal(t, Idle, h.e.State())

	h.e.EnableSequence()
	h.change(pinStart, false)
	assert.True(t, h.change(pinStart, true))
}

func TestAbortOnIdleIsNoop(t *testing.T) {
	h := newHarness(t)
	h.e.Abort()
	assert.Equal(t, Status{Enabled: true, State: Idle}, h.e.Status())
	assert.Empty(t, h.relays.calls)

	h.e.DisableSequence()
	h.e.Abort()
	assert.Equal(t, Status{Enabled: false, State: Idle}, h.e.Status())
}

func TestAbortIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.startCycle(t)

	h.e.Abort()
	require.Equal(t, Abort, h.e.State())
	n := len(h.relays.calls)
	h.e.Abort()
	assert.Equal(t, n, len(h.relays.calls))
	assert.True(t, h.e.Enabled())
}

func TestStartPressDuringCycleAborts(t *testing.T) {
	h := newHarness(t)
	h.startCycle(t)
	h.change(pinStart, false)

	assert.True(t, h.change(pinStart, true))
	assert.Equal(t, Abort, h.e.State())
	assert.True(t, h.e.Enabled())
}

func TestConflictingLimitsLockOut(t *testing.T) {
	h := newHarness(t)
	h.startCycle(t)

	// Retract limit is still asserted from the rest position.
	h.change(pinLimitExtend, true)
	assert.Equal(t, Abort, h.e.State())
	assert.False(t, h.e.Enabled())
	assert.Equal(t, "conflicting limit switches", h.e.LastAbort())
}

func TestManualRefusedAtLimit(t *testing.T) {
	h := newHarness(t)

	err := h.e.StartManualRetract()
	assert.True(t, errors.HasCode(err, errors.ErrSequenceRefused))
	assert.Empty(t, h.relays.calls, "no relay action when refused")

	h.inputs[pinLimitExtend] = true
	h.inputs[pinLimitRetract] = false
	err = h.e.StartManualExtend()
	assert.True(t, errors.HasCode(err, errors.ErrSequenceRefused))
	assert.Empty(t, h.relays.calls)
}

func TestManualRefusedWhileRunningOrDisabled(t *testing.T) {
	h := newHarness(t)
	h.inputs[pinLimitRetract] = false
	h.startCycle(t)
	assert.Error(t, h.e.StartManualExtend())

	h.e.Reset()
	assert.Equal(t, Idle, h.e.State())
	h.e.DisableSequence()
	assert.Error(t, h.e.StartManualExtend())
}

func TestManualButtonPressAndHold(t *testing.T) {
	h := newHarness(t)

	assert.True(t, h.change(pinManualExtend, true))
	assert.Equal(t, ManualExtendActive, h.e.State())
	assert.True(t, h.relays.State(relayExtend))

	assert.True(t, h.change(pinManualExtend, false))
	assert.Equal(t, Idle, h.e.State())
	assert.False(t, h.relays.State(relayExtend))
}

func TestManualStopsAtLimit(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.e.StartManualExtend())

	h.inputs[pinLimitExtend] = true
	h.run(5 * time.Millisecond)
	assert.Equal(t, Idle, h.e.State())
	assert.False(t, h.relays.State(relayExtend))
}

func TestManualStopsAtPressureLimit(t *testing.T) {
	h := newHarness(t)
	h.inputs[pinLimitRetract] = false
	require.NoError(t, h.e.StartManualRetract())

	h.press.psi = 2400
	h.run(5 * time.Millisecond)
	assert.Equal(t, Idle, h.e.State())
	assert.False(t, h.relays.State(relayRetract))
}

func TestStopManual(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.e.StopManual())

	require.NoError(t, h.e.StartManualExtend())
	assert.True(t, h.e.StopManual())
	assert.Equal(t, Idle, h.e.State())
}

func TestRelayFailureAbortsWithLockout(t *testing.T) {
	h := newHarness(t)
	h.relays.fail[relayExtend] = true

	h.change(pinStart, true)
	h.run(100 * time.Millisecond)
	assert.Equal(t, Abort, h.e.State())
	assert.False(t, h.e.Enabled())
}

func TestElapsedTracksStage(t *testing.T) {
	h := newHarness(t)
	assert.Zero(t, h.e.Elapsed(h.clk.Now()))

	h.startCycle(t)
	h.run(1 * time.Second)
	assert.Equal(t, time.Second, h.e.Elapsed(h.clk.Now()))
}
