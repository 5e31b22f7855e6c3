package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/loykin/svcwatch/pkg/client"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("111"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// styleFor colors supervisor states and probe statuses alike.
func styleFor(status string) lipgloss.Style {
	switch status {
	case "healthy", "online":
		return goodStyle
	case "unhealthy", "launching", "stopping", "one-launch-status":
		return warnStyle
	case "down", "timeout", "error", "errored", "stopped":
		return badStyle
	default:
		return mutedStyle
	}
}

var serviceColumns = []string{"SERVICE", "NAME", "PORT", "STATE", "PID", "CPU", "MEM", "RESTARTS", "UPTIME", "HEALTH", "LATENCY"}

// styled columns, by index into serviceColumns
const (
	colState  = 3
	colHealth = 9
)

func serviceRow(s client.ServiceStatus, now time.Time) []string {
	pid := "-"
	if s.PID != nil {
		pid = strconv.Itoa(*s.PID)
	}
	uptime := "-"
	if s.StartedAt != nil {
		uptime = formatDuration(now.Sub(*s.StartedAt))
	}
	health := s.Health.Status
	if s.Health.StatusCode != nil && s.Health.Status != "healthy" {
		health += " (" + strconv.Itoa(*s.Health.StatusCode) + ")"
	}
	latency := "-"
	if s.Health.ResponseTime != nil {
		latency = fmt.Sprintf("%.0fms", *s.Health.ResponseTime*1000)
	}
	return []string{
		s.ID, s.Name, strconv.Itoa(s.Port), s.State, pid,
		fmt.Sprintf("%.1f%%", s.CPU), formatBytes(s.Memory), strconv.Itoa(s.Restarts),
		uptime, health, latency,
	}
}

// renderServices writes an aligned table. Cells are padded before styling so
// escape sequences do not break alignment.
func renderServices(w io.Writer, services []client.ServiceStatus, now time.Time) {
	rows := make([][]string, len(services))
	widths := make([]int, len(serviceColumns))
	for i, h := range serviceColumns {
		widths[i] = len(h)
	}
	for i, s := range services {
		rows[i] = serviceRow(s, now)
		for j, cell := range rows[i] {
			widths[j] = max(widths[j], len(cell))
		}
	}

	header := make([]string, len(serviceColumns))
	for i, h := range serviceColumns {
		header[i] = headerStyle.Render(padRight(h, widths[i]))
	}
	_, _ = fmt.Fprintln(w, strings.TrimRight(strings.Join(header, " "), " "))

	for i, row := range rows {
		cells := make([]string, len(row))
		for j, cell := range row {
			cell = padRight(cell, widths[j])
			switch j {
			case colState:
				cell = styleFor(services[i].State).Render(cell)
			case colHealth:
				cell = styleFor(services[i].Health.Status).Render(cell)
			}
			cells[j] = cell
		}
		_, _ = fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, " "), " "))
	}

	for _, s := range services {
		if s.Health.Error != "" {
			_, _ = fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("  %s: %s", s.ID, s.Health.Error)))
		}
	}
}

func renderSystem(w io.Writer, m client.SystemMetrics) {
	_, _ = fmt.Fprintln(w, headerStyle.Render("HOST"))
	_, _ = fmt.Fprintf(w, "  cpu     %.1f%%\n", m.CPUPercent)
	_, _ = fmt.Fprintf(w, "  memory  %.1f%% (%s / %s)\n", m.Memory.Percent, formatBytes(m.Memory.Used), formatBytes(m.Memory.Total))
	for _, d := range m.Disks {
		_, _ = fmt.Fprintf(w, "  disk    %-12s %.1f%% (%s / %s)\n", d.Mountpoint, d.Percent, formatBytes(d.Used), formatBytes(d.Total))
	}
	_, _ = fmt.Fprintf(w, "  network sent %s, received %s\n", formatBytes(m.Network.BytesSent), formatBytes(m.Network.BytesRecv))
}

func renderSnapshot(w io.Writer, s *client.Snapshot) {
	renderServices(w, s.Services, s.Timestamp)
	_, _ = fmt.Fprintln(w)
	renderSystem(w, s.System)
	_, _ = fmt.Fprintln(w, mutedStyle.Render("taken at "+s.Timestamp.Local().Format(time.RFC3339)))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "-"
	}
	d = d.Truncate(time.Second)
	days := d / (24 * time.Hour)
	if days > 0 {
		return fmt.Sprintf("%dd%s", days, (d % (24 * time.Hour)).Truncate(time.Minute))
	}
	return d.String()
}
