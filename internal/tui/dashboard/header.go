package dashboard

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/agent-relay/relay/internal/tui"
)

// Status is the connection snapshot the header renders, refreshed by a
// periodic tick in run.go since the client exposes liveness but not a
// status RPC.
type Status struct {
	SocketPath   string
	Connected    bool
	Reconnecting bool
	StartedAt    time.Time
	AgentCount   int
}

type headerModel struct {
	status Status
}

func newHeader(status Status) headerModel {
	return headerModel{status: status}
}

func (h *headerModel) update(status Status) {
	h.status = status
}

func (h headerModel) View(width int) string {
	left := tui.Title.Render("agent-relay monitor")

	dot := tui.StatusDot(h.status.Connected, h.status.Reconnecting)
	statusLabel := tui.StatusText(h.status.Connected, h.status.Reconnecting)
	right := fmt.Sprintf("%s  %s %s", h.status.SocketPath, dot, statusLabel)

	details := fmt.Sprintf("  Uptime: %s   Agents seen: %d", h.formatUptime(), h.status.AgentCount)

	headerStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorPrimary).
		Width(width - 2).
		Padding(0, 1)

	gap := width - lipgloss.Width(left) - lipgloss.Width(right) - 6
	if gap < 1 {
		gap = 1
	}
	firstRow := lipgloss.JoinHorizontal(lipgloss.Top,
		left,
		lipgloss.NewStyle().Width(gap).Render(""),
		right,
	)

	return headerStyle.Render(firstRow + "\n" + tui.Description.Render(details))
}

func (h headerModel) formatUptime() string {
	if h.status.StartedAt.IsZero() {
		return "-"
	}
	d := time.Since(h.status.StartedAt)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
