// ABOUTME: Bubbletea model for the leader dashboard
// ABOUTME: Shows connected clients, sync and camera state, and recording controls
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Action is an operator request raised from the keyboard
type Action int

const (
	ActionStart Action = iota
	ActionStop
	ActionPhaseAlign
	ActionQuit
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	case ActionPhaseAlign:
		return "phase-align"
	}
	return "quit"
}

// ClientRow is one line of the client table
type ClientRow struct {
	Name     string
	Addr     string
	Synced   bool
	Camera   string
	LastSeen time.Duration
}

// Status is a full dashboard refresh
type Status struct {
	LeaderID    string
	Addr        string
	Port        int
	NetworkMode string
	MaxClients  int
	Clients     []ClientRow
	Ready       bool
	Readiness   string
	Recording   bool
	BatchID     string
	Message     string
}

// StatusMsg carries a refresh into the program
type StatusMsg Status

type tickMsg time.Time

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	tableStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle   = lipgloss.NewStyle().Faint(true)
)

// Model is the dashboard state
type Model struct {
	status    Status
	startTime time.Time
	quitting  bool
	actions   chan<- Action
	width     int
}

// NewModel creates a dashboard model. Key actions are sent to actions
// without blocking; a nil channel drops them.
func NewModel(actions chan<- Action) Model {
	return Model{startTime: time.Now(), actions: actions}
}

// Init starts the uptime ticker
func (m Model) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		return m, tickEvery()
	case StatusMsg:
		m.status = Status(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		m.emit(ActionQuit)
		return m, tea.Quit
	case "s":
		m.emit(ActionStart)
	case "x":
		m.emit(ActionStop)
	case "p":
		m.emit(ActionPhaseAlign)
	}
	return m, nil
}

func (m Model) emit(a Action) {
	if m.actions == nil {
		return
	}
	select {
	case m.actions <- a:
	default:
	}
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return "Shutting down leader...\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("RecSync Leader"))
	b.WriteString("\n\n")

	field := func(name, value string) {
		b.WriteString(headerStyle.Render(name + ": "))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}
	field("Leader", fmt.Sprintf("%s:%d", m.status.Addr, m.status.Port))
	field("Network", m.status.NetworkMode)
	field("Uptime", time.Since(m.startTime).Round(time.Second).String())

	recording := "idle"
	if m.status.Recording {
		recording = badStyle.Render("● recording") + valueStyle.Render(" batch "+m.status.BatchID)
	}
	b.WriteString(headerStyle.Render("Recording: "))
	b.WriteString(valueStyle.Render(recording))
	b.WriteString("\n\n")

	b.WriteString(tableStyle.Render(fmt.Sprintf("Clients (%d/%d)", len(m.status.Clients), m.status.MaxClients)))
	b.WriteString("\n\n")

	if len(m.status.Clients) == 0 {
		b.WriteString(valueStyle.Render("  Waiting for clients..."))
		b.WriteString("\n")
	}
	for _, c := range m.status.Clients {
		b.WriteString(renderRow(c))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.status.Ready {
		b.WriteString(goodStyle.Render("Ready to record"))
	} else {
		b.WriteString(badStyle.Render("Not ready: " + m.status.Readiness))
	}
	b.WriteString("\n")
	if m.status.Message != "" {
		b.WriteString(valueStyle.Render(m.status.Message))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("s:start  x:stop  p:phase-align  q:quit"))
	return b.String()
}

func renderRow(c ClientRow) string {
	clock := badStyle.Render("syncing")
	if c.Synced {
		clock = goodStyle.Render("synced ")
	}
	camera := c.Camera
	if camera == "" {
		camera = "unknown"
	}
	return fmt.Sprintf("  %-16s %-15s %s  camera:%-10s seen %s ago",
		truncate(c.Name, 16), c.Addr, clock, camera, c.LastSeen.Round(100*time.Millisecond))
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
