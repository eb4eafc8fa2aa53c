// Command logsplitter runs the hydraulic log splitter controller: it polls
// the operator inputs and pressure transducers, drives the relay board, and
// publishes telemetry and status over MQTT and HTTP.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/sweeney/logsplitter/internal/config"
	"github.com/sweeney/logsplitter/internal/controller"
	"github.com/sweeney/logsplitter/internal/history"
	"github.com/sweeney/logsplitter/internal/logger"
	"github.com/sweeney/logsplitter/internal/mqtt"
	"github.com/sweeney/logsplitter/internal/pressure"
	"github.com/sweeney/logsplitter/internal/status"
	"github.com/sweeney/logsplitter/internal/telemetry"
	"github.com/sweeney/logsplitter/internal/web"
)

// heartbeat is how often the retained status snapshot is republished.
const heartbeat = time.Minute

func main() {
	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, v, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		Level:   cfg.LogLevel,
		Console: cfg.LogConsole,
		Service: logger.IsService(),
	})
	zerolog.SetGlobalLevel(logger.ParseLevel(cfg.LogLevel))

	printState, _ := fs.GetBool("print-state")
	if printState {
		err = runPrintState(cfg, os.Stdout)
	} else {
		err = run(cfg, config.NewStore(v, cfg), log)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}

// runPrintState seeds the inputs and fills one pressure window, prints them
// and exits. The relay board is left alone.
func runPrintState(cfg *config.Config, w io.Writer) error {
	hw, err := openHardware(cfg, false)
	if err != nil {
		return err
	}
	defer hw.Close()

	sampler, err := newSampler(cfg, hw.Pins)
	if err != nil {
		return err
	}
	now := time.Now()
	if _, err := sampler.Poll(now); err != nil {
		return fmt.Errorf("read gpio: %w", err)
	}
	primary, secondary, err := newChannels(cfg, hw.ADC, zerolog.Nop())
	if err != nil {
		return err
	}
	for i := 0; i < cfg.Pressure.Samples(); i++ {
		now = now.Add(cfg.Pressure.SampleInterval)
		primary.Update(now)
		secondary.Update(now)
	}

	for _, p := range sampler.Pins() {
		fmt.Fprintf(w, "%-15s pin %-2d %s %s\n", p.Name, p.ID, p.Polarity, activeString(p.Active))
	}
	for _, ch := range []*pressure.Channel{primary, secondary} {
		fmt.Fprintf(w, "%-15s %.1f psi (%.3f V, raw %d)\n", ch.Name(), ch.Pressure(), ch.Voltage(), ch.Raw())
	}
	return nil
}

func activeString(on bool) string {
	if on {
		return "ACTIVE"
	}
	return "inactive"
}

func run(cfg *config.Config, store *config.Store, log zerolog.Logger) error {
	session := telemetry.NewSession()
	startTime := time.Now()

	tracker := status.NewTracker(startTime, status.Config{
		LoopInterval: cfg.Loop.Interval,
		RelayDevice:  cfg.Relay.Device,
		Broker:       brokerOrEmpty(cfg.MQTT),
		TopicPrefix:  cfg.MQTT.TopicPrefix,
		HTTPAddr:     cfg.HTTP.Addr,
		Session:      session,
	})

	sinks := telemetry.Multi{telemetry.NewLog(logger.Component(log, "telemetry"))}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	// MQTT
	var sink *mqtt.Sink
	var network controller.Link
	if cfg.MQTT.Enabled {
		topics := mqtt.NewTopics(cfg.MQTT.TopicPrefix)
		will, _ := mqtt.FormatSystemPayload(mqtt.SystemEvent{Timestamp: startTime, Event: "OFFLINE", Reason: "connection lost"})
		client, err := mqtt.NewRealClient(mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			WillTopic:   topics.Status(),
			WillPayload: will,
		}, logger.Component(log, "mqtt"))
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer client.Close()

		sink = mqtt.NewSink(client, mqtt.SinkConfig{Topics: topics, BufferSize: cfg.MQTT.BufferSize}, logger.Component(log, "mqtt"))
		sink.OnConnectionChange(tracker.SetMQTTConnected)
		sinks = append(sinks, sink)
		network = sink
	}

	// History
	var recorder *history.Recorder
	if cfg.History.Enabled {
		var err error
		recorder, err = history.Open(history.Config{
			Path:          cfg.History.Path,
			BatchSize:     cfg.History.BatchSize,
			FlushInterval: cfg.History.FlushInterval,
		}, logger.Component(log, "history"))
		if err != nil {
			return fmt.Errorf("init history: %w", err)
		}
		defer recorder.Close()
		sinks = append(sinks, recorder)
	}

	stamped := telemetry.NewStamped(session, sinks)

	hw, err := openHardware(cfg, true)
	if err != nil {
		return err
	}
	defer hw.Close()

	sys, err := buildSystem(cfg, store, hw, stamped, tracker, network, time.Now, log)
	if err != nil {
		return err
	}
	store.OnChange(sys.ctrl.Apply)
	store.OnChange(func(key string, c *config.Config) {
		if key == "log_level" {
			zerolog.SetGlobalLevel(logger.ParseLevel(c.LogLevel))
		}
	})

	if err := sys.ctrl.Begin(time.Now()); err != nil {
		return err
	}

	var publisher statusPublisher
	if sink != nil {
		publisher = sink
		if err := sink.Listen(sys.ctrl); err != nil {
			log.Warn().Err(err).Msg("mqtt control subscription failed")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Run(ctx)
		}()
	}

	if cfg.HTTP.Addr != "" {
		opts := []web.Option{web.WithLogger(logger.Component(log, "web"))}
		if recorder != nil {
			opts = append(opts, web.WithHistory(recorder))
		}
		srv := web.New(cfg.HTTP.Addr, tracker, opts...)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("http server error")
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http status server listening")
	}

	if !logger.IsService() {
		go readCommands(os.Stdin, sys.ctrl, &syncWriter{w: os.Stdout}, log)
	}

	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		supervise(sys.watchdog, cfg.Watchdog.Deadline/4, time.Now, done)
	}()

	log.Info().
		Str("session", session).
		Dur("loop", cfg.Loop.Interval).
		Str("relay_device", cfg.Relay.Device).
		Bool("mqtt", cfg.MQTT.Enabled).
		Bool("history", cfg.History.Enabled).
		Msg("started")

	ticker := time.NewTicker(cfg.Loop.Interval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	err = runLoop(sys.ctrl, tracker, publisher, heartbeat, time.Now, ticker.C, sigCh, log)
	close(done)
	cancel()
	wg.Wait()
	return err
}

func brokerOrEmpty(m config.MQTTConfig) string {
	if !m.Enabled {
		return ""
	}
	return m.Broker
}

// loop is the controller surface the run loop drives.
type loop interface {
	Step(now time.Time)
	Shutdown(now time.Time)
}

// statusPublisher takes retained status snapshots.
type statusPublisher interface {
	PublishStatus(payload []byte)
}

// runLoop steps the controller on every tick until a signal arrives. The
// retained status snapshot goes out at startup, every heartbeat and at
// shutdown.
func runLoop(ctrl loop, tracker *status.Tracker, pub statusPublisher, heartbeat time.Duration, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal, log zerolog.Logger) error {
	publish := func(event, reason string) {
		if pub == nil {
			return
		}
		pub.PublishStatus(status.FormatStatusEvent(tracker.Snapshot(), event, reason))
	}

	publish("STARTUP", "")
	lastBeat := now()

	for {
		select {
		case s := <-sig:
			name := signalName(s)
			log.Info().Str("signal", name).Msg("shutting down")
			ctrl.Shutdown(now())
			publish("SHUTDOWN", name)
			return nil

		case <-tick:
			t := now()
			ctrl.Step(t)
			if heartbeat > 0 && t.Sub(lastBeat) >= heartbeat {
				lastBeat = t
				publish("HEARTBEAT", "")
			}
		}
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// submitter queues a command line for the control loop.
type submitter interface {
	Submit(line string, reply func(string)) error
}

// readCommands forwards each non-empty line of r to the control loop and
// writes replies to w. It returns at EOF.
func readCommands(r io.Reader, sub submitter, w io.Writer, log zerolog.Logger) {
	reply := func(resp string) { fmt.Fprintln(w, resp) }
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := sub.Submit(line, reply); err != nil {
			reply("ERROR: " + err.Error())
		}
	}
	if err := sc.Err(); err != nil {
		log.Warn().Err(err).Msg("command input closed")
	}
}

// syncWriter serialises writes from the loop and the reader goroutine.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
