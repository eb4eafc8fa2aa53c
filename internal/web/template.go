package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/logsplitter/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"stateOrUnknown": func(s string) string {
		if s == "" {
			return "unknown"
		}
		return s
	},
	"onOff": func(b bool) string {
		if b {
			return "ON"
		}
		return "OFF"
	},
	"psi": func(v float64) string { return fmt.Sprintf("%.1f", v) },
	"hex": func(v uint8) string { return fmt.Sprintf("0x%02X", v) },
	"ms": func(d time.Duration) string {
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	},
	"clock": func(t time.Time) string { return t.UTC().Format("2006-01-02T15:04:05Z") },
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="2">
<title>Log Splitter</title>
<style>
body { font-family: monospace; max-width: 720px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.alarm { color: red; font-weight: bold; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Log Splitter</h1>
{{if not .Ready}}<p class="unknown">Waiting for the control loop.</p>{{end}}

<h2>Safety</h2>
<table>
<tr><th>State</th><td id="safety-state" class="{{if eq .Safety "normal"}}on{{else}}alarm{{end}}">{{stateOrUnknown .Safety}}</td></tr>
{{if .SafetyReason}}<tr><th>Reason</th><td class="alarm">{{.SafetyReason}}</td></tr>{{end}}
<tr><th>E-Stop</th><td class="{{if .EStop}}alarm{{else}}off{{end}}">{{if .EStop}}LATCHED{{else}}clear{{end}}</td></tr>
<tr><th>Over pressure</th><td class="{{if .OverPressure}}alarm{{else}}off{{end}}">{{if .OverPressure}}yes{{else}}no{{end}}</td></tr>
<tr><th>Engine</th><td class="{{if .Engine}}on{{else}}off{{end}}">{{onOff .Engine}}</td></tr>
</table>

<h2>Sequence</h2>
<table>
<tr><th>State</th><td id="seq-state">{{stateOrUnknown .Sequence}}</td></tr>
<tr><th>Enabled</th><td class="{{if .SequenceEnabled}}on{{else}}alarm{{end}}">{{if .SequenceEnabled}}yes{{else}}locked out{{end}}</td></tr>
{{if .Stage}}<tr><th>Stage</th><td>{{.Stage}} ({{ms .StageElapsed}})</td></tr>{{end}}
<tr><th>At pressure limit</th><td>{{if .AtPressureLimit}}yes{{else}}no{{end}}</td></tr>
{{if .LastAbort}}<tr><th>Last abort</th><td>{{.LastAbort}}</td></tr>{{end}}
</table>

<h2>Pressure</h2>
<table>
{{range .Pressures}}<tr><th>{{.Name}}</th><td class="{{if .Faulted}}alarm{{else if not .Ready}}unknown{{end}}">{{if .Ready}}{{psi .PSI}} psi{{else}}not ready{{end}} ({{printf "%.3f" .Volts}} V, raw {{.Raw}}){{if .Faulted}} FAULT{{end}}</td></tr>
{{else}}<tr><td>no channels</td></tr>
{{end}}</table>

<h2>Relays</h2>
<table>
<tr><th>Board</th><td class="{{if .BoardPowered}}on{{else}}alarm{{end}}">{{if .BoardPowered}}powered{{else}}unpowered{{end}}{{if .RelaySafetyMode}} (safety mode){{end}}</td></tr>
{{range .Relays}}<tr><th>R{{.ID}}</th><td class="{{if .On}}on{{else}}off{{end}}">{{onOff .On}}</td></tr>
{{end}}<tr><th>Commands</th><td>{{.RelayCommands}} ({{.RelayFailures}} failed)</td></tr>
</table>

<h2>Inputs</h2>
<table>
{{range .Pins}}<tr><th>{{.ID}} {{.Name}}</th><td class="{{if not .Known}}unknown{{else if .Active}}on{{else}}off{{end}}">{{if not .Known}}unknown{{else if .Active}}ACTIVE{{else}}inactive{{end}} ({{.Polarity}}, {{.Changes}} changes)</td></tr>
{{end}}</table>

<h2>Faults</h2>
<table>
<tr><th>Mill lamp</th><td>{{.Lamp}}</td></tr>
{{range .Faults}}<tr><th>{{hex .Code}} {{.Name}}</th><td class="{{if .Acknowledged}}off{{else}}alarm{{end}}">{{.Message}} at {{clock .Raised}}{{if .Acknowledged}} (ack){{end}}</td></tr>
{{else}}<tr><th>Active</th><td class="off">none</td></tr>
{{end}}</table>

<h2>Timing</h2>
<table>
<tr><th>Watchdog</th><td class="{{if .WatchdogTripped}}alarm{{else}}on{{end}}">{{if .WatchdogTripped}}TRIPPED{{else}}ok{{end}}</td></tr>
{{range .Timings}}<tr><th>{{.Name}}</th><td>avg {{ms .Average}} max {{ms .Max}} ({{.Calls}} calls{{if .Warnings}}, {{.Warnings}} slow{{end}}{{if .Criticals}}, {{.Criticals}} critical{{end}})</td></tr>
{{end}}</table>

<h2>System</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Up}}</td></tr>
<tr><th>Started</th><td>{{clock .StartTime}}</td></tr>
<tr><th>Loop</th><td>{{ms .Config.LoopInterval}}</td></tr>
<tr><th>Relay port</th><td>{{.Config.RelayDevice}}</td></tr>
<tr><th>Session</th><td>{{.Config.Session}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/history.json">History</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	data := struct {
		status.Snapshot
		Up time.Duration
	}{
		Snapshot: snap,
		Up:       snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
