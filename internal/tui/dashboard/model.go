// Package dashboard implements the bubbletea TUI behind "relayctl monitor",
// adapted from a hub-attach dashboard pattern: a bordered header panel, a
// roster panel, a scrolling log panel, and a toggleable help overlay.
package dashboard

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-relay/relay/internal/tui"
)

// Panel identifies which dashboard panel is focused.
type Panel int

const (
	PanelAgents Panel = iota
	PanelLogs
)

// Model is the root dashboard TUI model.
type Model struct {
	header headerModel
	agents agentsModel
	logs   logsModel
	help   helpModel

	activePanel Panel
	width       int
	height      int
	quitting    bool
}

// NewModel creates a dashboard model for one monitor session.
func NewModel(status Status, agents []AgentInfo) Model {
	return Model{
		header: newHeader(status),
		agents: newAgents(agents),
		logs:   newLogs(),
		help:   newHelp(),
	}
}

// StatusUpdateMsg carries a fresh connection snapshot.
type StatusUpdateMsg struct {
	Status Status
}

// AgentsUpdateMsg carries a fresh roster snapshot.
type AgentsUpdateMsg struct {
	Agents []AgentInfo
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logs.SetSize(msg.Width-4, m.logsHeight())
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "q"))):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("tab"))):
			if m.activePanel == PanelAgents {
				m.activePanel = PanelLogs
			} else {
				m.activePanel = PanelAgents
			}
			return m, nil
		case key.Matches(msg, key.NewBinding(key.WithKeys("?"))):
			m.help.toggle()
			return m, nil
		}

	case StatusUpdateMsg:
		m.header.update(msg.Status)
		return m, nil

	case AgentsUpdateMsg:
		m.agents.update(msg.Agents)
		return m, nil

	case EventMsg:
		m.logs.addEvent(msg)
		return m, nil
	}

	var cmd tea.Cmd
	switch m.activePanel {
	case PanelAgents:
		m.agents, cmd = m.agents.Update(msg)
	case PanelLogs:
		m.logs, cmd = m.logs.Update(msg)
	}
	return m, cmd
}

func (m Model) View() string {
	if m.help.visible {
		return m.help.View()
	}

	headerView := m.header.View(m.width)

	agentsStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorMuted).
		Width(m.width - 2)

	logsStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorMuted).
		Width(m.width - 2)

	if m.activePanel == PanelAgents {
		agentsStyle = agentsStyle.BorderForeground(tui.ColorPrimary)
	} else {
		logsStyle = logsStyle.BorderForeground(tui.ColorPrimary)
	}

	agentsView := agentsStyle.Render(
		tui.Subtitle.Render(" Agents") + "\n" + m.agents.View(),
	)
	logsView := logsStyle.Render(
		tui.Subtitle.Render(" Traffic") + "\n" + m.logs.View(),
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		headerView,
		agentsView,
		logsView,
		m.help.bar(),
	)
}

// Quitting returns true if the user quit.
func (m Model) Quitting() bool { return m.quitting }

func (m Model) logsHeight() int {
	used := 6 + m.agents.height() + 4
	h := m.height - used
	if h < 5 {
		h = 5
	}
	return h
}
