// Package mqtt carries controller telemetry to an MQTT broker and takes
// operator commands from it. Nothing in this package may block the control
// loop: events are buffered and published by a separate goroutine.
package mqtt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sweeney/logsplitter/internal/telemetry"
)

// DefaultPrefix is the topic root when none is configured.
const DefaultPrefix = "controller"

// Topics are the topic names derived from a prefix.
type Topics struct {
	prefix string
}

// NewTopics returns topic names rooted at prefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic root.
func (t Topics) Prefix() string { return t.prefix }

// Event is the topic for telemetry events of type typ.
func (t Topics) Event(typ telemetry.Type) string {
	return t.prefix + "/events/" + string(typ)
}

// Status is the retained status topic. The broker's last-will message is
// published here too.
func (t Topics) Status() string { return t.prefix + "/status" }

// Control is the topic operator commands arrive on.
func (t Topics) Control() string { return t.prefix + "/control" }

// Response is the topic command replies are published on.
func (t Topics) Response() string { return t.prefix + "/control/resp" }

// Client is the broker connection.
type Client interface {
	// Publish sends payload and waits for the broker to accept it.
	Publish(topic string, qos byte, retained bool, payload []byte) error

	// Subscribe registers handler for topic. Subscriptions survive
	// reconnects.
	Subscribe(topic string, qos byte, handler func(payload []byte)) error

	// IsConnected reports whether the connection is up.
	IsConnected() bool

	// Close disconnects from the broker.
	Close() error
}

// Payload is the JSON form of a telemetry event.
type Payload struct {
	Event EventPayload `json:"event"`
}

// EventPayload contains the event fields.
type EventPayload struct {
	Timestamp string  `json:"timestamp"`
	Type      string  `json:"type"`
	ID        int     `json:"id"`
	Value     float64 `json:"value"`
	Detail    string  `json:"detail,omitempty"`
	Session   string  `json:"session,omitempty"`
}

// FormatPayload creates the JSON payload for a telemetry event.
func FormatPayload(ev telemetry.Event) ([]byte, error) {
	payload := Payload{
		Event: EventPayload{
			Timestamp: ev.Time.UTC().Format(time.RFC3339Nano),
			Type:      string(ev.Type),
			ID:        ev.ID,
			Value:     ev.Value,
			Detail:    ev.Detail,
			Session:   ev.Session,
		},
	}
	return json.Marshal(payload)
}

// SystemEvent is a connection lifecycle event.
type SystemEvent struct {
	Timestamp time.Time
	Event     string // e.g. "ONLINE", "OFFLINE", "RECONNECTED"
	Reason    string
}

// SystemPayload is the JSON form of a SystemEvent. Used for the last-will
// message and reconnect notices, which carry no status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// qosFor picks the delivery guarantee for an event type. Safety-relevant
// records are sent at-least-once.
func qosFor(typ telemetry.Type) byte {
	switch typ {
	case telemetry.TypeSafety, telemetry.TypeFault, telemetry.TypeWatchdog, telemetry.TypeSequence:
		return 1
	}
	return 0
}
