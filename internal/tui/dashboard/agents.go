package dashboard

import (
	"fmt"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agent-relay/relay/internal/tui"
)

type agentsModel struct {
	items  []AgentInfo
	cursor int
}

func newAgents(items []AgentInfo) agentsModel {
	return agentsModel{items: items}
}

func (a *agentsModel) update(items []AgentInfo) {
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	a.items = items
	if a.cursor >= len(a.items) {
		a.cursor = max(0, len(a.items)-1)
	}
}

func (a agentsModel) Update(msg tea.Msg) (agentsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "j", "down":
			if a.cursor < len(a.items)-1 {
				a.cursor++
			}
		case "k", "up":
			if a.cursor > 0 {
				a.cursor--
			}
		case "G":
			a.cursor = max(0, len(a.items)-1)
		case "g":
			a.cursor = 0
		}
	}
	return a, nil
}

func (a agentsModel) View() string {
	if len(a.items) == 0 {
		return tui.Dimmed.Render("  No traffic observed yet")
	}

	headerStyle := lipgloss.NewStyle().Foreground(tui.ColorSubtle).Bold(true)
	header := fmt.Sprintf("  %-22s %-10s %-10s %s",
		headerStyle.Render("NAME"),
		headerStyle.Render("ENTITY"),
		headerStyle.Render("MESSAGES"),
		headerStyle.Render("LAST SEEN"),
	)

	rows := header + "\n"
	for i, ag := range a.items {
		cursor := "  "
		style := lipgloss.NewStyle()
		if i == a.cursor {
			cursor = tui.Selected.Render("> ")
			style = style.Bold(true)
		}

		name := ag.Name
		if len(name) > 20 {
			name = name[:20]
		}
		entity := ag.Entity
		if entity == "" {
			entity = "-"
		}

		row := fmt.Sprintf("%-22s %-10s %-10d %s",
			style.Render(name),
			style.Render(entity),
			ag.Messages,
			style.Render(formatAge(ag.LastSeen)),
		)
		rows += cursor + row + "\n"
	}

	return rows
}

func (a agentsModel) height() int {
	return min(len(a.items)+2, 12)
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm ago", int(d.Hours()), int(d.Minutes())%60)
	}
}
