// Package watch implements the `canvas-bridge system watch` TUI: bridge
// status, live calls and the raw observer stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme holds the panel styles and the status palette.
type Theme struct {
	Panel  lipgloss.Style
	Title  lipgloss.Style
	Label  lipgloss.Style
	Muted  lipgloss.Style
	Accent lipgloss.Style

	Good lipgloss.Style
	Busy lipgloss.Style
	Bad  lipgloss.Style
}

func NewDefaultTheme() Theme {
	base := lipgloss.NewStyle()
	return Theme{
		Panel: base.
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("#5F87AF")),
		Title:  base.Bold(true).Foreground(lipgloss.Color("#D7D7FF")),
		Label:  base.Foreground(lipgloss.Color("#87AFD7")),
		Muted:  base.Foreground(lipgloss.Color("#767676")),
		Accent: base.Foreground(lipgloss.Color("#FFAF5F")),

		Good: base.Foreground(lipgloss.Color("#87D787")),
		Busy: base.Foreground(lipgloss.Color("#D7D75F")),
		Bad:  base.Bold(true).Foreground(lipgloss.Color("#FF5F5F")),
	}
}

// ForEvent picks the style for an observer event type.
func (t Theme) ForEvent(eventType string) lipgloss.Style {
	switch eventType {
	case "call.delivered", "executor.connected":
		return t.Good
	case "call.dispatched":
		return t.Busy
	case "call.failed", "call.timed_out", "call.abandoned", "executor.disconnected":
		return t.Bad
	}
	return t.Muted
}
