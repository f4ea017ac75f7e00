package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/tidwall/gjson"

	"github.com/mattjoyce/canvas-bridge/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Muted.Render("  Waiting for events..."),
		)
		return theme.Panel.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Panel.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Muted.Render(e.At.Format("15:04:05"))

	typeStyle := theme.ForEvent(e.Type)

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-22s", e.Type)), describeEvent(e))
}

// describeEvent picks the interesting fields out of an event payload.
func describeEvent(e events.Event) string {
	data := gjson.ParseBytes(e.Data)

	var parts []string
	if id := data.Get("taskId").String(); id != "" {
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, "["+id+"]")
	}
	if op := data.Get("operation").String(); op != "" {
		parts = append(parts, op)
	}
	if ms := data.Get("durationMs"); ms.Exists() {
		parts = append(parts, fmt.Sprintf("%dms", ms.Int()))
	}
	if ex := data.Get("executorId").String(); ex != "" {
		parts = append(parts, ex)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
