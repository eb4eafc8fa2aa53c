package web

import (
	"encoding/json"
	"time"

	"github.com/sweeney/logsplitter/internal/telemetry"
)

const maxHistoryLimit = 1000

// HistoryJSON is the JSON representation of stored events.
type HistoryJSON struct {
	Events []EventJSON `json:"events"`
}

// EventJSON is one stored telemetry event.
type EventJSON struct {
	Timestamp string  `json:"timestamp"`
	Type      string  `json:"type"`
	ID        int     `json:"id"`
	Value     float64 `json:"value"`
	Detail    string  `json:"detail,omitempty"`
	Session   string  `json:"session"`
}

func formatHistory(events []telemetry.Event) []byte {
	hj := HistoryJSON{Events: make([]EventJSON, 0, len(events))}
	for _, ev := range events {
		hj.Events = append(hj.Events, EventJSON{
			Timestamp: ev.Time.UTC().Format(time.RFC3339Nano),
			Type:      string(ev.Type),
			ID:        ev.ID,
			Value:     ev.Value,
			Detail:    ev.Detail,
			Session:   ev.Session,
		})
	}
	data, _ := json.MarshalIndent(hj, "", "  ")
	return data
}
