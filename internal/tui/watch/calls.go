package watch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/tidwall/gjson"

	"github.com/mattjoyce/canvas-bridge/internal/events"
)

// maxCalls bounds how many finished calls stay on screen.
const maxCalls = 20

// CallState tracks one call seen on the event stream.
type CallState struct {
	TaskID    string
	Operation string
	Status    string
	Started   time.Time
	Duration  time.Duration
}

// updateCallState applies a call.* event to the tracked calls.
func updateCallState(calls map[string]*CallState, e events.Event) {
	if !strings.HasPrefix(e.Type, "call.") {
		return
	}
	data := gjson.ParseBytes(e.Data)
	taskID := data.Get("taskId").String()
	if taskID == "" {
		return
	}

	c, ok := calls[taskID]
	if !ok {
		c = &CallState{TaskID: taskID, Started: e.At}
		calls[taskID] = c
	}
	if op := data.Get("operation").String(); op != "" {
		c.Operation = op
	}

	c.Status = strings.TrimPrefix(e.Type, "call.")
	if c.Status != "dispatched" {
		if ms := data.Get("durationMs"); ms.Exists() {
			c.Duration = time.Duration(ms.Int()) * time.Millisecond
		} else {
			c.Duration = e.At.Sub(c.Started)
		}
	}
	trimCalls(calls)
}

// trimCalls drops the oldest finished calls beyond maxCalls.
func trimCalls(calls map[string]*CallState) {
	if len(calls) <= maxCalls {
		return
	}
	for _, c := range sortedCalls(calls)[maxCalls:] {
		if c.Status != "dispatched" {
			delete(calls, c.TaskID)
		}
	}
}

// sortedCalls returns calls newest first.
func sortedCalls(calls map[string]*CallState) []*CallState {
	out := make([]*CallState, 0, len(calls))
	for _, c := range calls {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Started.After(out[j].Started)
	})
	return out
}

func newCallTable() table.Model {
	return table.New(
		table.WithColumns([]table.Column{
			{Title: "Task", Width: 10},
			{Title: "Operation", Width: 22},
			{Title: "Status", Width: 12},
			{Title: "Time", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)
}

func callRows(calls map[string]*CallState) []table.Row {
	rows := make([]table.Row, 0, len(calls))
	for _, c := range sortedCalls(calls) {
		id := c.TaskID
		if len(id) > 8 {
			id = id[:8]
		}
		elapsed := "…"
		if c.Status != "dispatched" {
			elapsed = c.Duration.Round(time.Millisecond).String()
		}
		rows = append(rows, table.Row{id, c.Operation, c.Status, elapsed})
	}
	return rows
}

func renderCalls(t table.Model, count int, theme Theme, width int) string {
	innerWidth := width - 4
	title := theme.Title.Render(fmt.Sprintf("CALLS (%d)", count))
	if count == 0 {
		return theme.Panel.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Muted.Render("  No calls yet"),
		))
	}
	return theme.Panel.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, title, t.View()))
}
