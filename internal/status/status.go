// Package status provides a thread-safe status tracker for the logsplitter
// daemon. The control loop publishes; HTTP handlers and the MQTT status
// publisher read.
package status

import (
	"sync"
	"time"
)

// Pressure is one channel reading.
type Pressure struct {
	Name    string
	PSI     float64
	Volts   float64
	Raw     uint16
	Ready   bool
	Faulted bool
}

// Pin is one debounced input.
type Pin struct {
	ID       int
	Name     string
	Polarity string
	Active   bool
	Raw      bool
	Known    bool
	Changes  uint64
}

// Relay is one relay's shadow state.
type Relay struct {
	ID int
	On bool
}

// Fault is one latched fault.
type Fault struct {
	Code         uint8
	Name         string
	Message      string
	Raised       time.Time
	Acknowledged bool
}

// Timing is one subsystem's execution record.
type Timing struct {
	Name      string
	Calls     uint64
	Average   time.Duration
	Max       time.Duration
	Last      time.Duration
	Warnings  uint64
	Criticals uint64
	Active    bool
}

// Control is what the control loop publishes each snapshot interval.
type Control struct {
	Sequence        string
	SequenceEnabled bool
	Stage           int
	StageElapsed    time.Duration
	AtPressureLimit bool
	LastAbort       string

	Safety       string
	SafetyReason string
	EStop        bool
	OverPressure bool
	Engine       bool

	Pressures []Pressure
	Pins      []Pin

	Relays          []Relay
	BoardPowered    bool
	RelaySafetyMode bool
	RelayCommands   uint64
	RelayFailures   uint64

	Faults []Fault
	Lamp   string

	Timings         []Timing
	WatchdogTripped bool

	Updated time.Time
}

// Config contains daemon configuration for display.
type Config struct {
	LoopInterval time.Duration
	RelayDevice  string
	Broker       string
	TopicPrefix  string
	HTTPAddr     string
	Session      string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Control
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether the control loop has published at least once.
func (s Snapshot) Ready() bool {
	return !s.Updated.IsZero()
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// Update replaces the control state. Slices are owned by the tracker after
// the call.
func (t *Tracker) Update(c Control) {
	t.mu.Lock()
	t.snap.Control = c
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}
