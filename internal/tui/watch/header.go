package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// BridgeState tracks bridge health from /status polling and the event stream.
type BridgeState struct {
	Reachable  bool
	Executor   bool
	ExecutorID string
	Pending    int
	InFlight   int
	Observers  int
	Uptime     time.Duration
	LastSeenAt *time.Time
	LastCheck  time.Time
}

func renderHeader(st BridgeState, tp Throughput, theme Theme, width int) string {
	innerWidth := width - 4

	state := theme.Good.Render("READY")
	switch {
	case !st.Reachable:
		state = theme.Bad.Render("UNREACHABLE")
	case !st.Executor:
		state = theme.Busy.Render("NO EXECUTOR")
	}

	clock := theme.Muted.Render(time.Now().Format("15:04:05"))
	title := theme.Title.Render(" canvas-bridge") + "  " + state
	pad := max(innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-1, 1)
	titleLine := title + strings.Repeat(" ", pad) + clock

	label := theme.Label.Render
	queueLine := fmt.Sprintf(" %s %s  %s %d  %s %d  %s %d",
		label("up"), formatDuration(st.Uptime),
		label("pending"), st.Pending,
		label("in flight"), st.InFlight,
		label("observers"), st.Observers,
	)

	executor := theme.Muted.Render("none")
	if st.Executor {
		executor = theme.Accent.Render(st.ExecutorID)
		if st.LastSeenAt != nil {
			executor += theme.Muted.Render(" polled " + formatAgo(time.Since(*st.LastSeenAt)) + " ago")
		}
	}
	lastEvent := "never"
	if at := tp.LastEvent(); !at.IsZero() {
		lastEvent = formatAgo(time.Since(at)) + " ago"
	}
	activityLine := fmt.Sprintf(" %s %s  %s %s  %s %s %d",
		label("executor"), executor,
		label("last event"), lastEvent,
		label("done/20s"), theme.Accent.Render(tp.Render()), tp.Total(),
	)

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, queueLine, activityLine)
	return theme.Panel.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func formatAgo(d time.Duration) string {
	switch {
	case d < time.Second:
		return "<1s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}
