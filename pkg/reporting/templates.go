/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: templates.go
Description: Page template for batch and stability dashboards: headline cards, Chart.js
charts, the scenario or checkpoint table and the list of findings.
*/

package reporting

import (
	"html/template"
	"strings"
)

var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"statusClass": func(s string) string {
		switch s {
		case "ok", "completed":
			return "ok"
		case "warn", "skipped":
			return "warn"
		case "fail", "failed", "error":
			return "fail"
		}
		return ""
	},
}

const dashboardTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}} - Packet Storm</title>
    <script src="https://cdn.jsdelivr.net/npm/chart.js"></script>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif;
            background: #1f2430;
            color: #2d3748;
            min-height: 100vh;
        }
        .container { max-width: 1400px; margin: 0 auto; padding: 20px; }
        .header, .panel {
            background: #ffffff;
            border-radius: 12px;
            padding: 24px;
            margin-bottom: 24px;
            box-shadow: 0 4px 16px rgba(0, 0, 0, 0.25);
        }
        .header { display: flex; justify-content: space-between; align-items: center; }
        .header h1 { font-size: 2rem; color: #2d3748; }
        .header p { color: #718096; margin-top: 6px; }
        .verdict { font-size: 1.2rem; font-weight: 700; padding: 8px 18px; border-radius: 8px; }
        .verdict.ok { background: #e6f4ea; color: #2e7d32; }
        .verdict.fail { background: #fdecea; color: #c62828; }
        .cards {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(160px, 1fr));
            gap: 16px;
            margin-bottom: 24px;
        }
        .card { background: #ffffff; border-radius: 12px; padding: 18px; border-top: 4px solid #a0aec0; }
        .card.ok { border-top-color: #4caf50; }
        .card.warn { border-top-color: #ff9800; }
        .card.fail { border-top-color: #f44336; }
        .card .label { color: #718096; font-size: 0.85rem; text-transform: uppercase; }
        .card .value { font-size: 1.6rem; font-weight: 700; margin-top: 6px; }
        .charts { display: grid; grid-template-columns: repeat(auto-fit, minmax(420px, 1fr)); gap: 24px; }
        .panel h2 { font-size: 1.2rem; margin-bottom: 16px; color: #4a5568; }
        table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
        th, td { text-align: left; padding: 8px 10px; border-bottom: 1px solid #e2e8f0; }
        th { color: #718096; font-weight: 600; }
        td.ok { color: #2e7d32; font-weight: 600; }
        td.warn { color: #ef6c00; font-weight: 600; }
        td.fail { color: #c62828; font-weight: 600; }
        .error { color: #c62828; font-family: monospace; font-size: 0.8rem; }
        .findings li { font-family: monospace; padding: 6px 0; border-bottom: 1px solid #e2e8f0; list-style: none; }
        .footer { text-align: center; color: #a0aec0; padding: 20px; font-size: 0.8rem; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <div>
                <h1>{{.Title}}</h1>
                <p>{{upper .Kind}} report {{.ReportID}} | generated {{.GeneratedAt.Format "2006-01-02 15:04:05"}}</p>
            </div>
            {{if .Passed}}<div class="verdict ok">PASSED</div>{{else}}<div class="verdict fail">FAILED</div>{{end}}
        </div>

        <div class="cards">
            {{range .Summary}}
            <div class="card {{statusClass .Status}}">
                <div class="label">{{.Label}}</div>
                <div class="value">{{.Value}}</div>
            </div>
            {{end}}
        </div>

        <div class="charts">
            {{range .Charts}}
            <div class="panel">
                <h2>{{.Title}}</h2>
                <canvas id="chart-{{.ID}}"></canvas>
            </div>
            {{end}}
        </div>

        {{if .Scenarios}}
        <div class="panel">
            <h2>Scenarios</h2>
            <table>
                <tr>
                    <th>ID</th><th>Name</th><th>Status</th><th>Duration</th><th>Sent</th>
                    <th>Failed</th><th>Anomalies</th><th>Bytes</th><th>Success</th>
                </tr>
                {{range .Scenarios}}
                <tr>
                    <td>{{.ID}}</td>
                    <td>{{.Name}}</td>
                    <td class="{{statusClass .Status}}">{{.Status}}</td>
                    <td>{{.Duration}}</td>
                    <td>{{.PacketsSent}}</td>
                    <td>{{.Failed}}</td>
                    <td>{{.Anomalies}}</td>
                    <td>{{.Bytes}}</td>
                    <td>{{.SuccessRate}}</td>
                </tr>
                {{if .LastError}}<tr><td></td><td colspan="8" class="error">{{.LastError}}</td></tr>{{end}}
                {{end}}
            </table>
        </div>
        {{end}}

        {{if .Checkpoints}}
        <div class="panel">
            <h2>Checkpoints</h2>
            <table>
                <tr>
                    <th>Time</th><th>Elapsed</th><th>Sent</th><th>Errors</th>
                    <th>Rate (pps)</th><th>RSS (MB)</th><th>State</th>
                </tr>
                {{range .Checkpoints}}
                <tr>
                    <td>{{.Timestamp}}</td>
                    <td>{{.Elapsed}}</td>
                    <td>{{.PacketsSent}}</td>
                    <td>{{.Errors}}</td>
                    <td>{{printf "%.1f" .SendRatePPS}}</td>
                    <td>{{printf "%.1f" .MemoryMB}}</td>
                    <td class="{{statusClass .State}}">{{.State}}</td>
                </tr>
                {{end}}
            </table>
        </div>
        {{end}}

        {{if .Findings}}
        <div class="panel">
            <h2>Findings</h2>
            <ul class="findings">
                {{range .Findings}}<li>{{.}}</li>{{end}}
            </ul>
        </div>
        {{end}}

        <div class="footer">packetstorm</div>
    </div>

    <script>
    {{range .Charts}}
    new Chart(document.getElementById({{printf "chart-%s" .ID}}), {{.Config}});
    {{end}}
    </script>
</body>
</html>
`
