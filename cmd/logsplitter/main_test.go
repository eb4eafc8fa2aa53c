package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/logsplitter/internal/adc"
	"github.com/sweeney/logsplitter/internal/clock"
	"github.com/sweeney/logsplitter/internal/config"
	"github.com/sweeney/logsplitter/internal/gpio"
	"github.com/sweeney/logsplitter/internal/relay"
	"github.com/sweeney/logsplitter/internal/status"
	"github.com/sweeney/logsplitter/internal/telemetry"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Not safe for concurrent use (only called from runLoop's goroutine).
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

type fakeLoop struct {
	steps    []time.Time
	shutdown bool
}

func (f *fakeLoop) Step(now time.Time)     { f.steps = append(f.steps, now) }
func (f *fakeLoop) Shutdown(now time.Time) { f.shutdown = true }

type fakePublisher struct {
	payloads [][]byte
}

func (f *fakePublisher) PublishStatus(payload []byte) { f.payloads = append(f.payloads, payload) }

func (f *fakePublisher) events(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, p := range f.payloads {
		var sj status.StatusJSON
		if err := json.Unmarshal(p, &sj); err != nil {
			t.Fatalf("decode status payload: %v", err)
		}
		out = append(out, sj.Status.Event+"/"+sj.Status.Reason)
	}
	return out
}

// runRunLoop drives runLoop for nTicks and then delivers sig.
func runRunLoop(t *testing.T, ctrl loop, pub statusPublisher, heartbeat time.Duration, clk func() time.Time, nTicks int, sig os.Signal) error {
	t.Helper()
	tick := make(chan time.Time)
	sigCh := make(chan os.Signal, 1)
	tracker := status.NewTracker(t0, status.Config{LoopInterval: 5 * time.Millisecond})

	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(ctrl, tracker, pub, heartbeat, clk, tick, sigCh, zerolog.Nop())
	}()

	for i := 0; i < nTicks; i++ {
		tick <- time.Time{}
	}
	sigCh <- sig

	return <-errCh
}

func TestRunLoopStepsEveryTick(t *testing.T) {
	ctrl := &fakeLoop{}
	pub := &fakePublisher{}

	err := runRunLoop(t, ctrl, pub, 0, fakeClock(t0, 5*time.Millisecond), 5, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(ctrl.steps) != 5 {
		t.Fatalf("expected 5 steps, got %d", len(ctrl.steps))
	}
	for i := 1; i < len(ctrl.steps); i++ {
		if !ctrl.steps[i].After(ctrl.steps[i-1]) {
			t.Errorf("step %d time did not advance", i)
		}
	}
	if !ctrl.shutdown {
		t.Error("expected Shutdown on signal")
	}

	got := pub.events(t)
	want := []string{"STARTUP/", "SHUTDOWN/SIGTERM"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("status events: got %v, want %v", got, want)
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	ctrl := &fakeLoop{}
	pub := &fakePublisher{}

	// 400ms per call: beats at 1.2s and 2.4s.
	err := runRunLoop(t, ctrl, pub, time.Second, fakeClock(t0, 400*time.Millisecond), 6, syscall.SIGINT)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	got := pub.events(t)
	want := []string{"STARTUP/", "HEARTBEAT/", "HEARTBEAT/", "SHUTDOWN/SIGINT"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("status events: got %v, want %v", got, want)
	}
}

func TestRunLoopWithoutPublisher(t *testing.T) {
	ctrl := &fakeLoop{}
	err := runRunLoop(t, ctrl, nil, time.Millisecond, fakeClock(t0, time.Second), 3, syscall.SIGTERM)
	if err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}
	if len(ctrl.steps) != 3 || !ctrl.shutdown {
		t.Errorf("steps=%d shutdown=%v", len(ctrl.steps), ctrl.shutdown)
	}
}

func TestSignalName(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGHUP, "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := signalName(tt.sig); got != tt.want {
			t.Errorf("signalName(%v): got %q, want %q", tt.sig, got, tt.want)
		}
	}
}

type fakeSubmitter struct {
	lines []string
	err   error
}

func (f *fakeSubmitter) Submit(line string, reply func(string)) error {
	if f.err != nil {
		return f.err
	}
	f.lines = append(f.lines, line)
	reply("OK " + line)
	return nil
}

func TestReadCommands(t *testing.T) {
	sub := &fakeSubmitter{}
	var out bytes.Buffer

	readCommands(strings.NewReader("show\n\n   relay status  \nhelp"), sub, &out, zerolog.Nop())

	want := []string{"show", "relay status", "help"}
	if strings.Join(sub.lines, ",") != strings.Join(want, ",") {
		t.Errorf("lines: got %q, want %q", sub.lines, want)
	}
	if out.String() != "OK show\nOK relay status\nOK help\n" {
		t.Errorf("replies: got %q", out.String())
	}
}

func TestReadCommandsQueueFull(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("Command queue full: show")}
	var out bytes.Buffer

	readCommands(strings.NewReader("show\n"), sub, &out, zerolog.Nop())

	if out.String() != "ERROR: Command queue full: show\n" {
		t.Errorf("reply: got %q", out.String())
	}
}

func TestSyncWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &syncWriter{w: &buf}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Write([]byte("line\n"))
		}()
	}
	wg.Wait()

	if strings.Count(buf.String(), "line\n") != 8 {
		t.Errorf("got %q", buf.String())
	}
}

func TestBrokerOrEmpty(t *testing.T) {
	if got := brokerOrEmpty(config.MQTTConfig{Broker: "tcp://x:1883"}); got != "" {
		t.Errorf("disabled: got %q, want empty", got)
	}
	if got := brokerOrEmpty(config.MQTTConfig{Enabled: true, Broker: "tcp://x:1883"}); got != "tcp://x:1883" {
		t.Errorf("enabled: got %q", got)
	}
}

// --- wiring tests ---

func loadConfig(t *testing.T) (*config.Config, *config.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logsplitter.toml")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, v, err := config.Load(nil, config.WithConfigFile(path))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg, config.NewStore(v, cfg)
}

type rig struct {
	clk   *clock.Fake
	pins  *gpio.FakeReader
	board *relay.FakeBoard
	rec   *telemetry.Recorder
	sys   *system
}

func newRig(t *testing.T) *rig {
	t.Helper()
	cfg, store := loadConfig(t)
	p := cfg.Pins

	// Released normally-open buttons read high; the NC estop reads low.
	levels := map[int]bool{
		p.ManualRetract: true, p.ManualExtend: true, p.SafetyClear: true, p.SequenceStart: true,
		p.LimitExtend: true, p.LimitRetract: true, p.Operator: true, p.EStop: false,
	}
	r := &rig{
		clk:  clock.NewFake(t0),
		pins: gpio.NewFakeReader(levels),
		rec:  telemetry.NewRecorder(),
	}
	r.board = relay.NewFakeBoard(r.clk)
	a := adc.NewFakeReader()
	a.Hold(cfg.Pressure.PrimaryChan, 150)
	a.Hold(cfg.Pressure.SecondaryChan, 400)

	hw := &hardware{Pins: r.pins, Lamps: gpio.NewFakeWriter(), ADC: a, Board: r.board}
	tracker := status.NewTracker(t0, status.Config{})

	sys, err := buildSystem(cfg, store, hw, r.rec, tracker, nil, r.clk.Now, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildSystem: %v", err)
	}
	store.OnChange(sys.ctrl.Apply)
	r.sys = sys
	if err := sys.ctrl.Begin(r.clk.Now()); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return r
}

func (r *rig) run(d time.Duration) {
	end := r.clk.Now().Add(d)
	for r.clk.Now().Before(end) {
		r.sys.ctrl.Step(r.clk.Now())
		r.clk.Advance(5 * time.Millisecond)
	}
}

// command submits line and steps until the reply arrives.
func (r *rig) command(t *testing.T, line string) string {
	t.Helper()
	var got string
	if err := r.sys.ctrl.Submit(line, func(s string) { got = s }); err != nil {
		t.Fatalf("Submit(%q): %v", line, err)
	}
	r.run(5 * time.Millisecond)
	return got
}

func TestInputPinsCoverEveryInput(t *testing.T) {
	cfg, _ := loadConfig(t)
	pins := inputPins(cfg.Pins)
	if len(pins) != 8 {
		t.Fatalf("expected 8 input pins, got %d", len(pins))
	}
	seen := map[int]bool{}
	for _, p := range pins {
		if seen[p] {
			t.Errorf("pin %d listed twice", p)
		}
		seen[p] = true
	}
	if seen[cfg.Pins.MillLamp] || seen[cfg.Pins.SafetyLED] {
		t.Error("output pins must not be read as inputs")
	}
}

func TestBuildSystemStartsEngine(t *testing.T) {
	r := newRig(t)
	cfg, _ := loadConfig(t)

	if !r.sys.link.BoardPowered() {
		t.Error("expected relay board powered after Begin")
	}
	if !r.board.Relay(cfg.Relay.Engine) {
		t.Error("expected engine relay energized")
	}
	if r.sys.registry.Active() != 0 {
		t.Errorf("unexpected faults: %v", r.sys.registry.List())
	}
}

func TestBuildSystemCommandsReachSubsystems(t *testing.T) {
	r := newRig(t)
	r.run(time.Second)

	if resp := r.command(t, "relay R5 ON"); strings.HasPrefix(resp, "ERROR") {
		t.Fatalf("relay R5 ON: %s", resp)
	}
	if !r.board.Relay(5) {
		t.Error("expected relay 5 energized on the board")
	}

	if resp := r.command(t, "set sequence.timeout 20s"); strings.HasPrefix(resp, "ERROR") {
		t.Fatalf("set: %s", resp)
	}

	if resp := r.command(t, "bogus"); !strings.HasPrefix(resp, "ERROR: Unknown command") {
		t.Errorf("bogus: got %q", resp)
	}

	if len(r.rec.OfType(telemetry.TypeCommand)) != 3 {
		t.Errorf("expected 3 command events, got %d", len(r.rec.OfType(telemetry.TypeCommand)))
	}
}

func TestBuildSystemPressureReady(t *testing.T) {
	r := newRig(t)
	r.run(2 * time.Second)

	if !r.sys.primary.IsReady() {
		t.Fatal("expected primary channel ready after a full window")
	}
	if p := r.sys.primary.Pressure(); p <= 0 || p >= 2500 {
		t.Errorf("primary pressure: got %.1f, want a normal reading", p)
	}
	if r.sys.interlock.IsActive() {
		t.Errorf("safety active: %s", r.sys.interlock.Reason())
	}
}

func TestShutdownDropsBoardPower(t *testing.T) {
	r := newRig(t)
	r.run(100 * time.Millisecond)

	r.sys.ctrl.Shutdown(r.clk.Now())

	if r.sys.link.BoardPowered() {
		t.Error("expected relay board unpowered after Shutdown")
	}
}

func TestSuperviseTripsStalledLoop(t *testing.T) {
	r := newRig(t)
	r.run(10 * time.Millisecond)

	// The loop stops stepping; the supervisor alone must notice.
	r.clk.Advance(time.Minute)
	done := make(chan struct{})
	go supervise(r.sys.watchdog, time.Millisecond, r.clk.Now, done)

	deadline := time.Now().Add(2 * time.Second)
	for !r.sys.watchdog.Tripped() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(done)

	if !r.sys.watchdog.Tripped() {
		t.Fatal("expected watchdog tripped by supervisor")
	}
	r.run(5 * time.Millisecond)
	if !r.sys.interlock.IsEStopActive() {
		t.Error("expected estop latched on the next step")
	}
}
