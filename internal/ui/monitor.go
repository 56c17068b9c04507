package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muurk/wsserver/internal/events"
)

// maxLogLines bounds the event log kept in memory.
const maxLogLines = 500

// Controller is the part of a server the monitor drives.
type Controller interface {
	Stop() error
	Close(id string, code *int, reason string) error
	SendText(id, text string) error
}

type keyMap struct {
	Up    key.Binding
	Down  key.Binding
	Close key.Binding
	Ping  key.Binding
	Clear key.Binding
	Quit  key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Close, k.Ping, k.Clear, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var defaultKeys = keyMap{
	Up:    key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:  key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Close: key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "close connection")),
	Ping:  key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "send ping text")),
	Clear: key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "clear log")),
	Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "stop and quit")),
}

// connRow is one open connection in the table.
type connRow struct {
	info     events.ConnInfo
	opened   time.Time
	received int
	closing  bool
}

type serverStatus int

const (
	statusStarting serverStatus = iota
	statusRunning
	statusStopped
	statusFailed
)

type (
	eventMsg      struct{ event events.Event }
	eventsDoneMsg struct{}
	actionMsg     struct {
		what string
		err  error
	}
)

// Monitor is a Bubble Tea model showing the live connections of one server
// run and its event log.
type Monitor struct {
	ctl    Controller
	events <-chan events.Event
	header *Header
	now    func() time.Time

	status  serverStatus
	address string
	conns   []connRow
	cursor  int
	log     []string
	sent    int

	viewport viewport.Model
	spinner  spinner.Model
	help     help.Model
	keys     keyMap

	width, height int
	quitting      bool
	eventsDone    bool
	err           error
}

// NewMonitor creates a monitor for the run whose events arrive on ch.
func NewMonitor(ctl Controller, ch <-chan events.Event, command string) *Monitor {
	width, height := GetTerminalSize()
	m := &Monitor{
		ctl:      ctl,
		events:   ch,
		header:   NewHeader("WebSocket Server Monitor", command, Param{Key: "Status", Value: "starting"}),
		now:      time.Now,
		viewport: viewport.New(width-2, 8),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(lipgloss.NewStyle().Foreground(WarningColor))),
		help:     help.New(),
		keys:     defaultKeys,
	}
	m.resize(width, height)
	return m
}

// Err returns the failure that ended the run, if any.
func (m *Monitor) Err() error {
	return m.err
}

// Init implements tea.Model
func (m *Monitor) Init() tea.Cmd {
	return tea.Batch(m.waitForEvent(), m.spinner.Tick)
}

func (m *Monitor) waitForEvent() tea.Cmd {
	ch := m.events
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return eventsDoneMsg{}
		}
		return eventMsg{event: e}
	}
}

// Update implements tea.Model
func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case eventMsg:
		m.apply(msg.event)
		return m, m.waitForEvent()

	case eventsDoneMsg:
		m.eventsDone = true
		if m.status == statusStarting || m.status == statusRunning {
			m.setStatus(statusStopped, "")
		}
		if m.quitting {
			return m, tea.Quit
		}
		return m, nil

	case actionMsg:
		if msg.err != nil {
			m.appendLog(ErrorMessageStyle.Render(fmt.Sprintf("%s failed: %v", msg.what, msg.err)))
		}
		return m, nil

	case spinner.TickMsg:
		if m.status != statusStarting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Monitor) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.eventsDone {
			return m, tea.Quit
		}
		if m.quitting {
			return m, nil
		}
		m.quitting = true
		m.appendLog(LogTimeStyle.Render("stopping server..."))
		ctl := m.ctl
		return m, func() tea.Msg {
			return actionMsg{what: "stop", err: ctl.Stop()}
		}

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.conns)-1 {
			m.cursor++
		}

	case key.Matches(msg, m.keys.Close):
		row, ok := m.selected()
		if !ok || row.closing {
			return m, nil
		}
		m.conns[m.cursor].closing = true
		ctl, id := m.ctl, row.info.UUID
		return m, func() tea.Msg {
			return actionMsg{what: "close " + shortID(id), err: ctl.Close(id, nil, "closed from monitor")}
		}

	case key.Matches(msg, m.keys.Ping):
		row, ok := m.selected()
		if !ok {
			return m, nil
		}
		m.sent++
		ctl, id, n := m.ctl, row.info.UUID, m.sent
		return m, func() tea.Msg {
			return actionMsg{what: "send to " + shortID(id), err: ctl.SendText(id, fmt.Sprintf("ping %d", n))}
		}

	case key.Matches(msg, m.keys.Clear):
		m.log = nil
		m.viewport.SetContent("")
		return m, nil

	default:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Monitor) selected() (connRow, bool) {
	if m.cursor < 0 || m.cursor >= len(m.conns) {
		return connRow{}, false
	}
	return m.conns[m.cursor], true
}

// apply folds one server event into the model.
func (m *Monitor) apply(e events.Event) {
	switch e.Action {
	case events.ActionStart:
		m.address = fmt.Sprintf("%s:%d", e.Addr, e.Port)
		m.setStatus(statusRunning, m.address)
	case events.ActionStop:
		m.setStatus(statusStopped, "")
	case events.ActionFailure:
		m.err = fmt.Errorf("server failed: %s", e.Reason)
		m.setStatus(statusFailed, e.Reason)
	case events.ActionOpen:
		if e.Conn != nil {
			m.conns = append(m.conns, connRow{info: *e.Conn, opened: m.now()})
		}
	case events.ActionMessage:
		if i := m.indexOf(e.ConnID()); i >= 0 {
			m.conns[i].received++
		}
	case events.ActionClose:
		if i := m.indexOf(e.ConnID()); i >= 0 {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			if m.cursor >= len(m.conns) && m.cursor > 0 {
				m.cursor = len(m.conns) - 1
			}
		}
	}
	m.appendLog(m.formatEvent(e))
}

func (m *Monitor) indexOf(id string) int {
	for i, c := range m.conns {
		if c.info.UUID == id {
			return i
		}
	}
	return -1
}

func (m *Monitor) setStatus(s serverStatus, detail string) {
	m.status = s
	var value string
	switch s {
	case statusRunning:
		value = StatusRunningStyle.Render("running") + " on " + detail
	case statusFailed:
		value = StatusFailedStyle.Render("failed") + ": " + detail
	case statusStopped:
		value = StatusStoppedStyle.Render("stopped")
	default:
		value = "starting"
	}
	m.header.Set("Status", value)
}

func (m *Monitor) formatEvent(e events.Event) string {
	ts := LogTimeStyle.Render(m.now().Format("15:04:05.000"))
	var text string
	switch e.Action {
	case events.ActionStart, events.ActionStop:
		text = fmt.Sprintf("%s %s:%d", e.Action, e.Addr, e.Port)
	case events.ActionFailure:
		text = ErrorMessageStyle.Render(fmt.Sprintf("%s %s:%d %s", e.Action, e.Addr, e.Port, e.Reason))
	case events.ActionOpen:
		text = fmt.Sprintf("%s %s from %s %s", e.Action, shortID(e.ConnID()), e.Conn.RemoteAddr, e.Conn.Resource)
		if p := e.Conn.AcceptedProtocol; p != "" {
			text += " [" + p + "]"
		}
	case events.ActionMessage:
		kind := "text"
		if e.IsBinary {
			kind = "binary"
		}
		text = fmt.Sprintf("%s %s %s %s", e.Action, shortID(e.ConnID()), kind, truncate(e.Msg, 60))
	case events.ActionClose:
		text = fmt.Sprintf("%s %s code=%d clean=%t %s", e.Action, shortID(e.ConnID()), e.Code, e.WasClean, e.Reason)
	case events.ActionError:
		text = ErrorMessageStyle.Render(fmt.Sprintf("%s %s %s", e.Action, shortID(e.ConnID()), e.Reason))
	default:
		text = e.String()
	}
	return ts + " " + text
}

func (m *Monitor) appendLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(strings.Join(m.log, "\n"))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *Monitor) resize(width, height int) {
	m.width = clampWidth(width)
	m.height = height
	if m.height < MinTerminalHeight {
		m.height = MinTerminalHeight
	}
	m.header.SetWidth(m.width)
	m.help.Width = m.width

	// header (6) + table title and panel borders + help line
	used := 6 + 2 + m.tableHeight() + 4 + 1
	logHeight := m.height - used
	if logHeight < 3 {
		logHeight = 3
	}
	m.viewport.Width = m.width - 4
	m.viewport.Height = logHeight
}

func (m *Monitor) tableHeight() int {
	// Column header plus up to eight rows.
	n := len(m.conns)
	if n == 0 {
		n = 1
	}
	if n > 8 {
		n = 8
	}
	return n + 1
}

// View implements tea.Model
func (m *Monitor) View() string {
	if m.quitting && m.eventsDone {
		return ""
	}

	status := m.header.Render()
	if m.status == statusStarting {
		status = lipgloss.JoinVertical(lipgloss.Left, status, "  "+m.spinner.View()+" binding listener...")
	}

	table := PanelStyle(m.width).Render(lipgloss.JoinVertical(lipgloss.Left,
		SectionTitleStyle.Render(fmt.Sprintf("Connections (%d)", len(m.conns))),
		m.renderTable(),
	))
	logPanel := PanelStyle(m.width).Render(lipgloss.JoinVertical(lipgloss.Left,
		SectionTitleStyle.Render("Events"),
		m.viewport.View(),
	))

	return lipgloss.JoinVertical(lipgloss.Left, status, table, logPanel, " "+m.help.View(m.keys))
}

func (m *Monitor) renderTable() string {
	const format = " %-1s %-10s %-22s %-12s %-20s %6s %8s"
	lines := []string{TableHeaderStyle.Render(fmt.Sprintf(format, "", "ID", "REMOTE", "PROTOCOL", "RESOURCE", "MSGS", "AGE"))}
	if len(m.conns) == 0 {
		lines = append(lines, LogTimeStyle.Render("   no open connections"))
		return strings.Join(lines, "\n")
	}

	// Keep the cursor visible within the eight visible rows.
	start := 0
	if m.cursor >= 8 {
		start = m.cursor - 7
	}
	for i := start; i < len(m.conns) && i < start+8; i++ {
		c := m.conns[i]
		marker := OpenMarker
		if c.closing {
			marker = ClosingMarker
		}
		line := fmt.Sprintf(format,
			marker,
			shortID(c.info.UUID),
			truncate(c.info.RemoteAddr, 22),
			truncate(c.info.AcceptedProtocol, 12),
			truncate(c.info.Resource, 20),
			fmt.Sprint(c.received),
			m.now().Sub(c.opened).Truncate(time.Second).String(),
		)
		if i == m.cursor {
			lines = append(lines, SelectedRowStyle.Render(line))
		} else {
			lines = append(lines, RowStyle.Render(line))
		}
	}
	return strings.Join(lines, "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
