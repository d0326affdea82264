package web

import (
	"fmt"
	"html/template"
	"io"
	"strings"
	"time"

	"github.com/sweeney/smartscale/internal/status"
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
	"join": strings.Join,
	"orNone": func(s string) string {
		if s == "" {
			return "none"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Config.DeviceName}}</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.ok { color: green; font-weight: bold; }
.warn { color: orange; }
.bad { color: red; }
</style>
</head>
<body>
<h1>{{.Config.DeviceName}}</h1>

<h2>Scale</h2>
<table>
<tr><th>Reading</th><td id="reading">{{if .Sampling}}{{printf "%.1f" .Reading}}{{else}}<span class="warn">not sampling</span>{{end}}</td></tr>
{{with .LastWeight}}<tr><th>Last stable</th><td>{{printf "%.2f" .Value}} ({{.Direction}} {{printf "%+.2f" .Diff}}{{if not .Delivered}}, <span class="warn">not posted</span>{{end}})</td></tr>
<tr><th>At</th><td>{{.Time.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>{{end}}
<tr><th>Session</th><td>{{if .Ready}}<span class="ok">open</span> {{.Session}}{{else}}closed{{end}}</td></tr>
<tr><th>Spool</th><td class="{{if gt .SpoolDepth 0}}warn{{end}}">{{.SpoolDepth}} / {{.Config.SpoolMax}}</td></tr>
</table>

<h2>Weight Posts</h2>
<table>
<tr><th>Posted</th><td>{{.Counts.Posted}}</td></tr>
<tr><th>Spooled</th><td>{{.Counts.Spooled}}</td></tr>
<tr><th>Replayed</th><td>{{.Counts.Replayed}}</td></tr>
<tr><th>Lost</th><td class="{{if gt .Counts.Dropped 0}}bad{{end}}">{{.Counts.Dropped}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>Mode</th><td>{{.Mode}}</td></tr>
<tr><th>State</th><td>{{join .Bits.Names " "}}</td></tr>
<tr><th>Device id</th><td>{{orNone .DeviceID}}</td></tr>
<tr><th>Server</th><td>{{.Config.APIBase}}</td></tr>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}ok{{else}}bad{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a> | <a href="/portal">Wi-Fi setup</a></p>
</body>
</html>
`

var portalTmpl = template.Must(template.New("portal").Parse(portalHTML))

const portalHTML = `<!doctype html>
<html>
<head>
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>{{.}} Wi-Fi Setup</title>
<style>
body{font-family:sans-serif;margin:24px;max-width:600px}
input{width:100%;padding:10px;margin:8px 0;box-sizing:border-box}
button{padding:10px 16px}
</style>
</head>
<body>
<h2>{{.}} Wi-Fi Setup</h2>
<form action="/portal/save" method="post">
  <label>SSID</label><br><input name="ssid" maxlength="32" required><br>
  <label>Password</label><br><input name="pass" type="password" maxlength="64"><br>
  <button type="submit">Save</button>
</form>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() and Ready() methods; the template wants fields.
	data := struct {
		status.Snapshot
		Uptime time.Duration
		Ready  bool
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Ready:    snap.Ready(),
	}
	indexTmpl.Execute(w, data)
}

func renderPortal(w io.Writer, title string) {
	if title == "" {
		title = "SmartScale"
	}
	portalTmpl.Execute(w, title)
}
