// Package broker is the main orchestrator: it ties the connection
// listener, session store, router, message store, delivery engine, and
// supervisor together into one running relay-broker process, addressed
// at a single local Unix socket.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agent-relay/relay/internal/config"
	"github.com/agent-relay/relay/internal/connection"
	"github.com/agent-relay/relay/internal/delivery"
	"github.com/agent-relay/relay/internal/router"
	"github.com/agent-relay/relay/internal/session"
	"github.com/agent-relay/relay/internal/store"
	"github.com/agent-relay/relay/internal/supervisor"
	"github.com/agent-relay/relay/pkg/protocol"
)

// Broker is the main relay-broker process.
type Broker struct {
	cfg config.BrokerConfig

	sessions   *session.Store
	router     *router.Router
	msgStore   *store.Store
	delivery   *delivery.Engine
	supervisor *supervisor.Supervisor
	listener   *connection.Listener

	logger *slog.Logger
}

// New wires every component from cfg in layers: storage -> router ->
// delivery -> supervisor.
func New(cfg config.BrokerConfig, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var durable store.DurableBacking
	if cfg.MessageStore.DurablePath != "" {
		backing, err := store.NewSQLiteBacking(cfg.MessageStore.DurablePath)
		if err != nil {
			return nil, fmt.Errorf("init durable message store: %w", err)
		}
		durable = backing
	}

	b := &Broker{
		cfg:      cfg,
		sessions: session.NewStore(cfg.DedupWindowSize, cfg.ResumeWindow.Duration, logger),
		router:   router.New(),
		msgStore: store.New(cfg.MessageStore.MaxRecords, cfg.MessageStore.MaxAge.Duration, durable),
		logger:   logger.With("component", "broker"),
	}
	b.router.SetDormantLookup(func(name string) bool {
		_, ok := b.sessions.Lookup(name)
		return ok
	})

	b.delivery = delivery.New(delivery.Config{
		QueueDepth:  cfg.Delivery.QueueDepth,
		BaseBackoff: cfg.Delivery.BaseBackoff.Duration,
		MaxBackoff:  cfg.Delivery.MaxBackoff.Duration,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		DefaultTTL:  cfg.Delivery.DefaultTTL.Duration,
	}, b.router, b.msgStore, logger)
	b.delivery.OnFailed(b.onDeliveryFailed)

	b.supervisor = supervisor.New(supervisor.Config{
		HealthInterval:  cfg.Supervisor.HealthInterval.Duration,
		UnhealthyStreak: cfg.Supervisor.UnhealthyStreak,
		MaxRestarts:     cfg.Supervisor.MaxRestarts,
		ReleaseGraceful: cfg.Supervisor.ReleaseGraceful.Duration,
	}, b.onChildOutput, b.onChildExit, logger)
	b.supervisor.OnReleased(b.onChildReleased)

	b.listener = connection.NewListener(cfg.SocketPath, cfg.WriteQueueDepth, cfg.MaxFrameBytes, logger)

	return b, nil
}

// Run starts accepting connections and blocks until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.listener.Start(func(c *connection.Conn) { b.handleConn(ctx, c) }); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}

	b.sessions.StartSweeper(ctx, b.cfg.ResumeWindow.Duration)
	b.supervisor.StartHealthMonitor(ctx)

	b.logger.Info("broker running", "socket", b.cfg.SocketPath)

	<-ctx.Done()
	b.logger.Info("shutting down broker")

	_ = b.listener.Close()
	b.sessions.Stop()
	b.delivery.Close()
	_ = b.msgStore.Close()

	b.logger.Info("shutdown complete")
	return ctx.Err()
}

func (b *Broker) onChildOutput(line supervisor.OutputLine) {
	payload := protocol.LogPayload{Name: line.Name, Stream: "stdout", Data: line.Line}
	env, err := protocol.New(protocol.TypeLog, uuid.New().String(), line.Name, "", time.Now().UnixMilli(), payload)
	if err != nil {
		return
	}
	if names, err := b.router.Resolve(line.Name, protocol.Wildcard); err == nil {
		for _, dest := range names {
			b.deliverTo(env, dest, line.Name, false)
		}
	}
}

func (b *Broker) onChildExit(name string, state supervisor.RestartState) {
	b.logger.Warn("supervised child finished", "name", name, "state", state.String())
	b.router.Forget(name)
	b.sessions.Close(name)
}

// onChildReleased runs whenever a supervised child is torn down via
// Release -- explicit or completion-marker-triggered -- releasing its
// reserved name the same way an unexpected death does, so a later SPAWN
// or HELLO under the same name is not rejected with NAME_IN_USE.
func (b *Broker) onChildReleased(name string) {
	b.logger.Info("supervised child released", "name", name)
	b.router.Forget(name)
	b.sessions.Close(name)
}

func (b *Broker) deliverTo(env protocol.Envelope, dest, originalTo string, shadow bool) {
	sess, ok := b.sessions.Lookup(dest)
	if !ok {
		return
	}
	seq := sess.NextSeq()
	busy, err := b.delivery.Send(env, dest, seq, originalTo, shadow)
	if err != nil {
		b.logger.Warn("enqueue delivery failed", "dest", dest, "error", err)
		return
	}
	if busy && env.From != "" && env.From != dest {
		b.replyBusy(env.From, "destination queue at capacity: "+dest)
	}
}

// onDeliveryFailed is registered with the delivery engine and fires for
// every delivery that expires (retries/TTL exhausted without an ACK), is
// dropped for queue overflow, or is NACKed, so the original sender learns
// their message was never delivered, per the
// broker's error-handling design for delivery errors.
func (b *Broker) onDeliveryFailed(env protocol.Envelope, code, reason string) {
	if env.From == "" {
		return
	}
	b.replyError(env.From, env.ID, code, reason)
}
