package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/canvas-bridge/internal/client"
	"github.com/mattjoyce/canvas-bridge/internal/events"
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	client *client.Client
	token  string

	width  int
	height int

	bridge   BridgeState
	calls    map[string]*CallState
	eventLog []events.Event
	table    table.Model

	throughput Throughput
	theme      Theme

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model for the bridge at baseURL.
func New(baseURL, token string) *Model {
	return &Model{
		client:     client.New(baseURL, token, nil),
		token:      token,
		calls:      make(map[string]*CallState),
		eventLog:   make([]events.Event, 0),
		table:      newCallTable(),
		hubEvents:  make(chan events.Event, 100),
		throughput: NewThroughput(20),
		theme:      NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client.StreamURL(), m.token, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchStatus(m.client) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.throughput.Tick(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		m.applyEvent(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case statusMsg:
		m.bridge.Reachable = true
		m.bridge.Executor = msg.Connected
		m.bridge.ExecutorID = msg.ExecutorID
		m.bridge.Pending = msg.PendingTaskCount
		m.bridge.InFlight = msg.InFlightCount
		m.bridge.Observers = msg.SubscriberCount
		m.bridge.Uptime = time.Duration(msg.Uptime * float64(time.Second))
		m.bridge.LastSeenAt = msg.LastSeenAt
		m.bridge.LastCheck = time.Now()
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.client)
		})

	case sseDisconnectedMsg:
		m.bridge.Reachable = false
		m.lastError = "stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps waiting on the same channel.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.client.StreamURL(), m.token, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.client)
		})
	}

	return m, nil
}

// applyEvent folds one stream event into the model.
func (m *Model) applyEvent(e events.Event) {
	if e.Type != "heartbeat" {
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}
		m.throughput.Observe(e.Type, time.Now())
	}

	switch e.Type {
	case "executor.connected":
		m.bridge.Executor = true
	case "executor.disconnected":
		m.bridge.Executor = false
	}
	updateCallState(m.calls, e)
	m.table.SetRows(callRows(m.calls))

	m.bridge.Reachable = true
	m.lastError = ""
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to bridge..."
	}

	parts := []string{
		renderHeader(m.bridge, m.throughput, m.theme, m.width),
		renderCalls(m.table, len(m.calls), m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.Bad.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll calls"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
