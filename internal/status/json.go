package status

import (
	"encoding/json"
	"strconv"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string         `json:"event,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Ready         bool           `json:"ready"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartTime     string         `json:"start_time"`
	Timestamp     string         `json:"timestamp"`
	Session       string         `json:"session,omitempty"`
	Sequence      SequenceJSON   `json:"sequence"`
	Safety        SafetyJSON     `json:"safety"`
	Pressure      []PressureJSON `json:"pressure"`
	Relays        RelaysJSON     `json:"relays"`
	Faults        FaultsJSON     `json:"faults"`
	Watchdog      WatchdogJSON   `json:"watchdog"`
	MQTT          MQTTStatus     `json:"mqtt"`
	Config        ConfigJSON     `json:"config"`
}

// SequenceJSON reports the sequence engine.
type SequenceJSON struct {
	State           string `json:"state"`
	Enabled         bool   `json:"enabled"`
	Stage           int    `json:"stage"`
	ElapsedMs       int64  `json:"elapsed_ms"`
	AtPressureLimit bool   `json:"at_pressure_limit"`
	LastAbort       string `json:"last_abort,omitempty"`
}

// SafetyJSON reports the interlock.
type SafetyJSON struct {
	State        string `json:"state"`
	Reason       string `json:"reason,omitempty"`
	EStop        bool   `json:"estop"`
	OverPressure bool   `json:"over_pressure"`
	Engine       bool   `json:"engine_running"`
}

// PressureJSON is one channel reading.
type PressureJSON struct {
	Name  string  `json:"name"`
	PSI   float64 `json:"psi"`
	Volts float64 `json:"volts"`
	Raw   uint16  `json:"raw"`
	Ready bool    `json:"ready"`
}

// RelaysJSON reports the relay board.
type RelaysJSON struct {
	States     map[string]bool `json:"states"`
	Powered    bool            `json:"powered"`
	SafetyMode bool            `json:"safety_mode"`
	Commands   uint64          `json:"commands"`
	Failures   uint64          `json:"failures"`
}

// FaultsJSON reports the fault registry.
type FaultsJSON struct {
	Lamp   string      `json:"lamp"`
	Active []FaultJSON `json:"active"`
}

// FaultJSON is one latched fault.
type FaultJSON struct {
	Code         uint8  `json:"code"`
	Name         string `json:"name"`
	Message      string `json:"message,omitempty"`
	Raised       string `json:"raised"`
	Acknowledged bool   `json:"acknowledged"`
}

// WatchdogJSON reports loop liveness.
type WatchdogJSON struct {
	Tripped bool `json:"tripped"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	LoopMs      int64  `json:"loop_ms"`
	RelayDevice string `json:"relay_device"`
	Broker      string `json:"broker"`
	TopicPrefix string `json:"topic_prefix"`
	HTTPAddr    string `json:"http_addr"`
}

func stateOrUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func buildInner(snap Snapshot) StatusInner {
	c := snap.Control
	inner := StatusInner{
		Ready:         snap.Ready(),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Session:       snap.Config.Session,
		Sequence: SequenceJSON{
			State:           stateOrUnknown(c.Sequence),
			Enabled:         c.SequenceEnabled,
			Stage:           c.Stage,
			ElapsedMs:       c.StageElapsed.Milliseconds(),
			AtPressureLimit: c.AtPressureLimit,
			LastAbort:       c.LastAbort,
		},
		Safety: SafetyJSON{
			State:        stateOrUnknown(c.Safety),
			Reason:       c.SafetyReason,
			EStop:        c.EStop,
			OverPressure: c.OverPressure,
			Engine:       c.Engine,
		},
		Pressure: make([]PressureJSON, 0, len(c.Pressures)),
		Relays: RelaysJSON{
			States:     make(map[string]bool, len(c.Relays)),
			Powered:    c.BoardPowered,
			SafetyMode: c.RelaySafetyMode,
			Commands:   c.RelayCommands,
			Failures:   c.RelayFailures,
		},
		Faults: FaultsJSON{
			Lamp:   stateOrUnknown(c.Lamp),
			Active: make([]FaultJSON, 0, len(c.Faults)),
		},
		Watchdog: WatchdogJSON{Tripped: c.WatchdogTripped},
		MQTT:     MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			LoopMs:      snap.Config.LoopInterval.Milliseconds(),
			RelayDevice: snap.Config.RelayDevice,
			Broker:      snap.Config.Broker,
			TopicPrefix: snap.Config.TopicPrefix,
			HTTPAddr:    snap.Config.HTTPAddr,
		},
	}
	for _, p := range c.Pressures {
		inner.Pressure = append(inner.Pressure, PressureJSON{Name: p.Name, PSI: p.PSI, Volts: p.Volts, Raw: p.Raw, Ready: p.Ready})
	}
	for _, r := range c.Relays {
		inner.Relays.States[relayName(r.ID)] = r.On
	}
	for _, f := range c.Faults {
		inner.Faults.Active = append(inner.Faults.Active, FaultJSON{
			Code:         f.Code,
			Name:         f.Name,
			Message:      f.Message,
			Raised:       f.Raised.UTC().Format(time.RFC3339),
			Acknowledged: f.Acknowledged,
		})
	}
	return inner
}

func relayName(id int) string {
	return "R" + strconv.Itoa(id)
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
