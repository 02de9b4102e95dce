package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/agent-relay/relay/internal/client"
	"github.com/agent-relay/relay/internal/config"
	"github.com/agent-relay/relay/pkg/protocol"
)

// Attach dials the broker at socketPath under name and runs the dashboard
// TUI until the user quits or ctx is cancelled. It blocks.
func Attach(ctx context.Context, socketPath, name string) error {
	cfg := config.DefaultClientConfig()
	cfg.SocketPath = socketPath
	cfg.Name = name
	cfg.Entity = "user"

	r := &safeRoster{inner: newRoster()}

	var program *tea.Program
	var programMu sync.Mutex

	c := client.New(cfg, func(env protocol.Envelope) error {
		r.observe(env)
		programMu.Lock()
		p := program
		programMu.Unlock()
		if p != nil {
			p.Send(EventMsg{Env: env})
		}
		return nil
	}, slog.New(slog.DiscardHandler))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = c.Run(runCtx) }()

	deadline := time.Now().Add(3 * time.Second)
	for !c.Connected() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	startedAt := time.Now()
	m := NewModel(Status{SocketPath: socketPath, Connected: c.Connected(), StartedAt: startedAt}, r.snapshot())

	p := tea.NewProgram(m, tea.WithAltScreen())
	programMu.Lock()
	program = p
	programMu.Unlock()

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.Send(StatusUpdateMsg{Status: Status{
					SocketPath: socketPath,
					Connected:  c.Connected(),
					StartedAt:  startedAt,
					AgentCount: r.count(),
				}})
				p.Send(AgentsUpdateMsg{Agents: r.snapshot()})
			}
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// safeRoster guards roster with a mutex since observe runs on the client's
// read goroutine while snapshot/count run on the ticker goroutine.
type safeRoster struct {
	mu    sync.Mutex
	inner *roster
}

func (r *safeRoster) observe(env protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.UnixMilli(env.TS)
	if env.From != "" {
		entity := ""
		if env.Type == protocol.TypeLog {
			entity = "agent"
		}
		r.inner.observe(env.From, entity, now)
	}
	if env.Type == protocol.TypeLog {
		var p protocol.LogPayload
		if err := env.DecodePayload(&p); err == nil {
			r.inner.observe(p.Name, "agent", now)
		}
	}
}

func (r *safeRoster) snapshot() []AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inner.snapshot()
}

func (r *safeRoster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inner.byName)
}
