package watch

import (
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/events"
)

const (
	statsInterval     = 2 * time.Second
	reconnectInterval = 3 * time.Second
)

// Model is the bubbletea model for the watch TUI.
type Model struct {
	client *Client

	width  int
	height int

	server   ServerState
	dispatch DispatchState
	graphs   map[string]*GraphState
	eventLog []events.Event
	lastID   int64
	pulse    Pulse

	table table.Model
	theme Theme

	hubEvents chan events.Event
	lastError string
	now       func() time.Time
}

// New creates a watch model for the server at baseURL.
func New(baseURL, token string) *Model {
	theme := NewDefaultTheme()
	t := table.New(
		table.WithColumns(graphColumns(0)),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	t.SetStyles(theme.Table)

	return &Model{
		client: &Client{
			BaseURL: baseURL,
			Token:   token,
			// No timeout: the event stream is long-lived. Stats use a context deadline.
			HTTP: &http.Client{},
		},
		graphs:    make(map[string]*GraphState),
		eventLog:  make([]events.Event, 0, eventLogSize),
		table:     t,
		theme:     theme,
		hubEvents: make(chan events.Event, 100),
		now:       time.Now,
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchStats(m.client),
		tick(),
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
		m.table.SetColumns(graphColumns(m.width))
		m.table.SetHeight(max(3, m.height/3))

	case tickMsg:
		m.pulse.Decay(time.Time(msg))
		return m, tick()

	case eventMsg:
		e := events.Event(msg)
		m.lastID = e.ID

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.pulse.OnEvent(m.now())
		applyEvent(m.graphs, &m.dispatch, e)
		m.table.SetRows(graphRows(m.graphs))

		m.server.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case statsMsg:
		m.server.Stats = api.StatsResponse(msg)
		m.server.Connected = true
		m.server.LastCheck = m.now()
		m.lastError = ""
		return m, tea.Tick(statsInterval, func(time.Time) tea.Msg { return fetchStats(m.client)() })

	case streamEndedMsg:
		m.server.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the same channel, so the
		// new subscription feeds it without another receive command.
		return m, tea.Tick(reconnectInterval, func(time.Time) tea.Msg { return reconnectMsg{lastID: msg.lastID} })

	case reconnectMsg:
		return m, subscribe(m.client, max(msg.lastID, m.lastID), m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(statsInterval, func(time.Time) tea.Msg { return fetchStats(m.client)() })
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to " + m.client.BaseURL + "..."
	}

	header := renderHeader(m.server, m.dispatch, m.pulse, m.theme, m.width, m.now())

	var graphs string
	if len(m.graphs) == 0 {
		graphs = lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("GRAPHS"),
			m.theme.Dim.Render("  No work seen yet..."),
		)
	} else {
		graphs = lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render("GRAPHS"), m.table.View())
	}
	graphs = m.theme.Border.Width(m.width - 4).Render(graphs)

	eventRows := max(3, m.height-lipgloss.Height(header)-lipgloss.Height(graphs)-8)
	eventStream := renderEventStream(m.eventLog, eventRows, m.theme, m.width)

	parts := []string{header, graphs, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select graph"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

// Run starts the TUI and blocks until the user quits.
func Run(baseURL, token string) error {
	_, err := tea.NewProgram(New(baseURL, token)).Run()
	return err
}
