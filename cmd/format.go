package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"threatwatch/core"
	"threatwatch/detect"
	"threatwatch/storage"

	"github.com/fatih/color"
)

func outputAsJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// severityColor matches the colour scale used for Slack attachments
func severityColor(s core.Severity) *color.Color {
	switch s {
	case core.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	case core.SeverityHigh:
		return color.New(color.FgRed)
	case core.SeverityMedium:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}

func formatStatus(status core.AlertStatus) string {
	switch status {
	case core.AlertStatusOpen:
		return color.New(color.FgRed).Sprint(status)
	case core.AlertStatusAcknowledged:
		return color.New(color.FgYellow).Sprint(status)
	case core.AlertStatusResolved:
		return color.New(color.FgGreen).Sprint(status)
	}
	return string(status)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// renderAlertsTable displays alerts in a formatted table
func renderAlertsTable(w io.Writer, alerts []*core.Alert) {
	if len(alerts) == 0 {
		warningColor.Fprintln(w, "No alerts found")
		return
	}

	headerColor.Fprintln(w, "ALERTS")
	headerColor.Fprintln(w, strings.Repeat("=", 130))
	fmt.Fprintf(w, "%-20s %-9s %-31s %-16s %-14s %-13s %s\n",
		"Time", "Severity", "Rule", "Source IP", "User", "Status", "Alert ID")
	fmt.Fprintln(w, strings.Repeat("-", 130))

	for _, a := range alerts {
		// pad before colouring so escape codes do not break alignment
		sev := severityColor(a.Severity).Sprint(fmt.Sprintf("%-9s", a.Severity))
		status := formatStatus(a.Status)
		user := a.SourceEvent.User
		if user == "" {
			user = "-"
		}
		fmt.Fprintf(w, "%-20s %s %-31s %-16s %-14s %-13s %s\n",
			a.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			sev,
			truncate(string(a.Rule), 31),
			a.SourceEvent.SourceIP,
			truncate(user, 14),
			status,
			a.AlertID)
	}

	fmt.Fprintln(w, strings.Repeat("=", 130))
}

// renderSummary displays per-severity alert counts
func renderSummary(w io.Writer, counts map[core.Severity]int, since *time.Time) {
	title := "ALERT SUMMARY"
	if since != nil {
		title += " since " + since.UTC().Format(time.RFC3339)
	}
	headerColor.Fprintln(w, title)
	headerColor.Fprintln(w, strings.Repeat("=", 30))
	total := 0
	for _, sev := range core.Severities() {
		n := counts[sev]
		total += n
		fmt.Fprintf(w, "  %s %d\n", severityColor(sev).Sprint(fmt.Sprintf("%-10s", sev)), n)
	}
	fmt.Fprintln(w, strings.Repeat("-", 30))
	fmt.Fprintf(w, "  %-10s %d\n", "TOTAL", total)
}

// renderBatchResult summarizes one processed batch
func renderBatchResult(w io.Writer, batch int, result *detect.BatchResult) {
	headerColor.Fprintf(w, "Batch %d: ", batch)
	fmt.Fprintf(w, "%d evaluated, %d alerts, %d duplicates\n",
		result.Evaluated, len(result.Alerts), result.Duplicates)

	for _, m := range result.Rejected {
		warningColor.Fprintf(w, "  rejected %s: missing %s\n", m.EventID, strings.Join(m.Fields, ", "))
	}
	for _, f := range result.Faults {
		errorColor.Fprintf(w, "  fault %s on %s: %v\n", f.Rule, f.EventID, f.Err)
	}
	for _, a := range result.Alerts {
		fmt.Fprintf(w, "  %s %-31s %s\n",
			severityColor(a.Severity).Sprint(fmt.Sprintf("%-9s", a.Severity)), a.Rule, a.Description)
	}
}

// renderDeadLetters displays parked payloads
func renderDeadLetters(w io.Writer, letters []*storage.DeadLetter) {
	if len(letters) == 0 {
		successColor.Fprintln(w, "No dead letters")
		return
	}

	headerColor.Fprintln(w, "DEAD LETTERS")
	headerColor.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "%-6s %-20s %-6s %-18s %-8s %s\n", "ID", "Created", "Source", "Reason", "Attempt", "Details")
	fmt.Fprintln(w, strings.Repeat("-", 110))
	for _, dl := range letters {
		fmt.Fprintf(w, "%-6d %-20s %-6s %-18s %-8d %s\n",
			dl.ID,
			dl.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			dl.Source,
			truncate(dl.Reason, 18),
			dl.Attempt,
			truncate(dl.Details, 48))
	}
	fmt.Fprintln(w, strings.Repeat("=", 110))
}
