package broker

import (
	"log/slog"

	"github.com/agent-relay/relay/internal/delivery"
	"github.com/agent-relay/relay/internal/supervisor"
	"github.com/agent-relay/relay/pkg/protocol"
)

// ptyDeliverer is the router.Deliverer for a supervised, non-MCP child: it
// writes the SEND body of every DELIVER straight into the child's PTY
// stdin (the child has no way to speak ACK/NACK itself), acking
// immediately on a successful write so the delivery engine doesn't retry
// or time out a message the child will never formally acknowledge.
type ptyDeliverer struct {
	name     string
	managed  *supervisor.Managed
	delivery *delivery.Engine
	logger   *slog.Logger
}

func newPTYDeliverer(name string, managed *supervisor.Managed, eng *delivery.Engine, logger *slog.Logger) *ptyDeliverer {
	return &ptyDeliverer{name: name, managed: managed, delivery: eng, logger: logger}
}

func (p *ptyDeliverer) RemoteName() string { return p.name }

func (p *ptyDeliverer) Enqueue(env protocol.Envelope) error {
	if env.Type != protocol.TypeDeliver {
		return nil
	}
	var sp protocol.SendPayload
	if err := env.DecodePayload(&sp); err != nil {
		p.logger.Warn("dropping non-SEND delivery to supervised child", "name", p.name, "error", err)
		return nil
	}

	if err := p.managed.Child.Write([]byte(sp.Body + "\n")); err != nil {
		return err
	}

	if env.Delivery != nil {
		p.delivery.Ack(p.name, env.Delivery.SessionID)
	}
	return nil
}
