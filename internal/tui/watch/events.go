package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/patchbay-dev/patchbay/internal/events"
)

// renderEventLines formats the whole event log, newest first, as viewport
// content.
func renderEventLines(eventLog []events.Event, theme Theme) string {
	lines := make([]string, 0, len(eventLog))
	for _, e := range eventLog {
		lines = append(lines, formatEvent(e, theme))
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func renderEventPane(vp viewport.Model, logged int, theme Theme, width int) string {
	innerWidth := width - 4

	if logged == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		vp.View(),
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))

	// Color the event type by what it says about the relay
	var typeStyle lipgloss.Style
	switch e.Type {
	case events.CommandResolved:
		typeStyle = theme.StatusOK
	case events.CommandRejected:
		typeStyle = theme.StatusFailed
	case events.CommandDispatch:
		typeStyle = theme.StatusRunning
	case events.CommandEnqueued:
		typeStyle = theme.StatusQueued
	case events.ChannelCreated, events.ChannelDestroyed, events.PeerJoined:
		typeStyle = theme.Header
	case events.SessionReplaced, events.QueueSwept:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-19s", e.Type))

	channel := ""
	if e.Channel != "" {
		channel = theme.Highlight.Render(fmt.Sprintf("%-12s", shortID(e.Channel, 12)))
	} else {
		channel = strings.Repeat(" ", 12)
	}

	desc := extractEventDesc(e)

	return fmt.Sprintf("%s %s %s %s", ts, typeName, channel, desc)
}

// extractEventDesc pulls a one-line summary out of the event payload. Keys
// match what the relay emits per event type; unknown payloads fall back to
// raw JSON.
func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if reqID, ok := data["request_id"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", shortID(reqID, 8)))
	}
	if command, ok := data["command"].(string); ok {
		parts = append(parts, command)
	}
	if mode, ok := data["mode"].(string); ok {
		parts = append(parts, mode)
	}
	if outcome, ok := data["outcome"].(string); ok {
		parts = append(parts, outcome)
	}
	if code, ok := data["code"].(string); ok {
		parts = append(parts, code)
	}
	if connID, ok := data["conn_id"].(string); ok {
		parts = append(parts, "conn "+shortID(connID, 8))
	}
	if remote, ok := data["remote"].(string); ok {
		parts = append(parts, remote)
	}
	if reason, ok := data["reason"].(string); ok {
		parts = append(parts, reason)
	}
	if depth, ok := data["depth"].(float64); ok {
		parts = append(parts, fmt.Sprintf("depth=%d", int(depth)))
	}
	if purged, ok := data["purged"].(float64); ok {
		parts = append(parts, fmt.Sprintf("purged=%d", int(purged)))
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if raw == "{}" || raw == "null" {
			return ""
		}
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	return strings.Join(parts, " ")
}

func shortID(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
