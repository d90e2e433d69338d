package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/patchbay-dev/patchbay/internal/events"
)

// ChannelState tracks one relay channel as reconstructed from the event
// stream. Queue depth comes from the authoritative depth on each enqueue
// event and is decremented locally as commands leave the queue.
type ChannelState struct {
	Name            string
	Joins           int
	QueueDepth      int
	InflightID      string
	InflightCommand string
	InflightMode    string
	InflightSince   time.Time
	LastOutcome     string
	LastCode        string
	LastDone        time.Time
}

// updateChannelState processes an event and updates channel tracking.
func updateChannelState(channels map[string]*ChannelState, e events.Event) {
	switch e.Type {
	case events.ChannelCreated:
		getOrCreateChannel(channels, e.Channel)

	case events.ChannelDestroyed:
		delete(channels, e.Channel)

	case events.PeerJoined:
		ch := getOrCreateChannel(channels, e.Channel)
		ch.Joins++

	case events.CommandEnqueued:
		ch := getOrCreateChannel(channels, e.Channel)
		data := eventData(e)
		if depth, ok := data["depth"].(float64); ok {
			ch.QueueDepth = int(depth)
		} else {
			ch.QueueDepth++
		}

	case events.CommandDispatch:
		ch := getOrCreateChannel(channels, e.Channel)
		data := eventData(e)
		ch.InflightID, _ = data["request_id"].(string)
		ch.InflightCommand, _ = data["command"].(string)
		ch.InflightMode, _ = data["mode"].(string)
		ch.InflightSince = time.Now()
		if ch.QueueDepth > 0 {
			ch.QueueDepth--
		}

	case events.CommandResolved:
		ch := getOrCreateChannel(channels, e.Channel)
		data := eventData(e)
		reqID, _ := data["request_id"].(string)
		outcome, _ := data["outcome"].(string)
		ch.LastOutcome = outcome
		ch.LastCode = ""
		ch.LastDone = time.Now()
		if reqID != "" && reqID == ch.InflightID {
			ch.InflightID = ""
			ch.InflightCommand = ""
			ch.InflightMode = ""
			ch.InflightSince = time.Time{}
		} else if ch.QueueDepth > 0 {
			// Resolved without a dispatch: the command died on the queue
			// (swept, or no target was reachable).
			ch.QueueDepth--
		}

	case events.CommandRejected:
		ch := getOrCreateChannel(channels, e.Channel)
		data := eventData(e)
		ch.LastOutcome = "rejected"
		ch.LastCode, _ = data["code"].(string)
		ch.LastDone = time.Now()
	}
}

func eventData(e events.Event) map[string]any {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)
	return data
}

func getOrCreateChannel(channels map[string]*ChannelState, name string) *ChannelState {
	if name == "" {
		name = "(unnamed)"
	}
	ch, ok := channels[name]
	if !ok {
		ch = &ChannelState{Name: name}
		channels[name] = ch
	}
	return ch
}

// sortedChannelNames returns channel names in stable sorted order.
func sortedChannelNames(channels map[string]*ChannelState) []string {
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func renderChannels(channels map[string]*ChannelState, selected int, theme Theme, width int) string {
	innerWidth := width - 4

	if len(channels) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("CHANNELS"),
			theme.Dim.Render("  No channels yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	names := sortedChannelNames(channels)

	var lines []string
	for i, name := range names {
		if i >= 8 {
			lines = append(lines, theme.Dim.Render(fmt.Sprintf("  ... and %d more", len(names)-i)))
			break
		}
		lines = append(lines, renderChannelRow(i+1, channels[name], i == selected, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{theme.Title.Render("CHANNELS")}, lines...)...,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func renderChannelRow(num int, ch *ChannelState, isSelected bool, theme Theme) string {
	// Status indicator
	var statusStr string
	switch {
	case ch.InflightID != "":
		statusStr = theme.StatusRunning.Render("[in flight]")
	case ch.QueueDepth > 0:
		statusStr = theme.StatusQueued.Render(fmt.Sprintf("[%d queued]", ch.QueueDepth))
	default:
		statusStr = theme.Dim.Render("[idle]")
	}
	if ch.InflightID != "" && ch.QueueDepth > 0 {
		statusStr += " " + theme.StatusQueued.Render(fmt.Sprintf("+%d queued", ch.QueueDepth))
	}

	// Last outcome info
	var lastStr string
	if !ch.LastDone.IsZero() {
		ago := time.Since(ch.LastDone).Round(time.Second)
		lastStr = fmt.Sprintf("Last: %s %s", formatAgo(ago), outcomeIcon(ch.LastOutcome, theme))
		if ch.LastCode != "" {
			lastStr += " " + theme.Dim.Render(ch.LastCode)
		}
	}

	// Build line
	nameStyle := lipgloss.NewStyle()
	if isSelected {
		nameStyle = nameStyle.Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))
	}

	var line strings.Builder
	line.WriteString(fmt.Sprintf(" %d. %s  %s  %s %s",
		num,
		nameStyle.Render(fmt.Sprintf("%-20s", ch.Name)),
		statusStr,
		lastStr,
		theme.Dim.Render(fmt.Sprintf("joins: %d", ch.Joins)),
	))

	// Show the in-flight command underneath
	if ch.InflightID != "" {
		duration := "-"
		if !ch.InflightSince.IsZero() {
			duration = time.Since(ch.InflightSince).Round(time.Millisecond).String()
		}

		mode := ""
		if ch.InflightMode == "broadcast" {
			mode = " " + theme.Highlight.Render("broadcast")
		}

		line.WriteString("\n" + fmt.Sprintf("    └─ %s %s%s %s",
			ch.InflightCommand,
			theme.Highlight.Render("["+shortID(ch.InflightID, 8)+"]"),
			mode,
			theme.Progress.Render(duration),
		))
	}

	return line.String()
}

func outcomeIcon(outcome string, theme Theme) string {
	switch outcome {
	case "result":
		return theme.StatusOK.Render("✅")
	case "timeout":
		return theme.StatusFailed.Render("⏱")
	case "":
		return ""
	default:
		return theme.StatusFailed.Render("❌")
	}
}

func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
