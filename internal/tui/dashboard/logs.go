package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/agent-relay/relay/internal/tui"
	"github.com/agent-relay/relay/pkg/protocol"
)

const maxLogLines = 1000

// EventMsg wraps one observed envelope for the logs panel.
type EventMsg struct {
	Env protocol.Envelope
}

type logsModel struct {
	viewport   viewport.Model
	lines      []string
	autoScroll bool
	width      int
	height     int
}

func newLogs() logsModel {
	vp := viewport.New(80, 10)
	return logsModel{
		viewport:   vp,
		autoScroll: true,
	}
}

func (l *logsModel) SetSize(width, height int) {
	l.width = width
	l.height = height
	l.viewport.Width = width
	l.viewport.Height = height
}

func (l *logsModel) addEvent(msg EventMsg) {
	line := formatEvent(msg.Env)
	l.lines = append(l.lines, line)

	if len(l.lines) > maxLogLines {
		l.lines = l.lines[len(l.lines)-maxLogLines:]
	}

	l.viewport.SetContent(strings.Join(l.lines, "\n"))
	if l.autoScroll {
		l.viewport.GotoBottom()
	}
}

func formatEvent(env protocol.Envelope) string {
	ts := time.UnixMilli(env.TS).Format("15:04:05.000")
	style := tui.EnvelopeStyle(env.Type)

	var detail string
	switch env.Type {
	case protocol.TypeLog:
		var p protocol.LogPayload
		_ = env.DecodePayload(&p)
		detail = fmt.Sprintf("%s/%s %s", p.Name, p.Stream, p.Data)
	case protocol.TypeDeliver:
		var p protocol.SendPayload
		_ = env.DecodePayload(&p)
		detail = fmt.Sprintf("%s -> %s: %s", env.From, env.To, p.Body)
	case protocol.TypeError:
		var p protocol.ErrorPayload
		_ = env.DecodePayload(&p)
		detail = fmt.Sprintf("%s: %s", p.Code, p.Message)
	case protocol.TypeBusy:
		var p protocol.BusyPayload
		_ = env.DecodePayload(&p)
		detail = p.Reason
	default:
		detail = fmt.Sprintf("from=%s to=%s", env.From, env.To)
	}

	return fmt.Sprintf("  %s %s  %s", ts, style.Render(fmt.Sprintf("%-8s", env.Type)), detail)
}

func (l logsModel) Update(msg tea.Msg) (logsModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "G":
			l.autoScroll = true
			l.viewport.GotoBottom()
			return l, nil
		case "g":
			l.autoScroll = false
			l.viewport.GotoTop()
			return l, nil
		case "j", "down":
			l.autoScroll = false
		case "k", "up":
			l.autoScroll = false
		}
	}

	var cmd tea.Cmd
	l.viewport, cmd = l.viewport.Update(msg)
	return l, cmd
}

func (l logsModel) View() string {
	return l.viewport.View()
}
