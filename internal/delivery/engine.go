// Package delivery drives outbound DELIVER envelopes to their destination
// connections: one FIFO queue per destination, retried with exponential
// backoff while a destination is offline or slow to ACK, and bounded so a
// stuck destination applies back-pressure instead of growing without
// limit.
package delivery

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/agent-relay/relay/internal/router"
	"github.com/agent-relay/relay/internal/store"
	"github.com/agent-relay/relay/pkg/protocol"
)

// Config tunes retry and queueing behaviour.
type Config struct {
	QueueDepth  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	DefaultTTL  time.Duration
}

// TerminalFunc is invoked whenever a queued delivery reaches a terminal
// failure state (expired after exhausting retries/TTL, dropped because the
// destination's offline queue overflowed, or NACKed by the destination)
// without ever being ACKed.
// The caller uses this to emit an ERROR envelope back to the envelope's
// original sender, per the broker's error-handling design.
type TerminalFunc func(env protocol.Envelope, code, reason string)

// Engine owns one outbound queue per destination name.
type Engine struct {
	cfg      Config
	router   *router.Router
	store    *store.Store
	logger   *slog.Logger
	onFailed TerminalFunc

	mu     sync.Mutex
	queues map[string]*destQueue
}

// OnFailed registers fn to be called for every delivery that expires, is
// dropped for queue overflow, or is NACKed. Must be called before the first
// Send.
func (e *Engine) OnFailed(fn TerminalFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFailed = fn
}

// New creates a delivery Engine.
func New(cfg Config, r *router.Router, s *store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Engine{
		cfg:    cfg,
		router: r,
		store:  s,
		logger: logger.With("component", "delivery"),
		queues: make(map[string]*destQueue),
	}
}

func (e *Engine) queueFor(dest string) *destQueue {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[dest]
	if !ok {
		q = newDestQueue(dest, e.cfg, e.router, e.store, e.logger)
		q.onFailed = e.onFailed
		e.queues[dest] = q
		go q.run()
	}
	return q
}

// Send queues env for delivery to dest, stamping it with the caller's seq
// and a fresh ack id. originalTo records the un-expanded destination (wildcard or
// channel) that resolved to dest, for the DELIVER envelope's delivery info.
// busy reports whether dest's queue was at or over capacity -- the message
// was still accepted (the queue drops its oldest pending item to make room
// rather than rejecting this one), but the caller should warn env's sender
// with BUSY per spec section 4.3/the back-pressure testable scenario.
func (e *Engine) Send(env protocol.Envelope, dest string, seq int64, originalTo string, shadow bool) (busy bool, err error) {
	q := e.queueFor(dest)
	return q.enqueue(env, seq, originalTo, shadow)
}

// Ack completes the in-flight delivery identified by ackID on dest's queue.
func (e *Engine) Ack(dest, ackID string) {
	e.mu.Lock()
	q, ok := e.queues[dest]
	e.mu.Unlock()
	if ok {
		q.ack(ackID)
	}
}

// Nack completes the in-flight delivery identified by ackID on dest's
// queue as rejected, without further retry.
func (e *Engine) Nack(dest, ackID, reason string) {
	e.mu.Lock()
	q, ok := e.queues[dest]
	e.mu.Unlock()
	if ok {
		q.nack(ackID, reason)
	}
}

// QueueDepth reports how many items are currently queued (including the
// in-flight head) for dest, for BUSY/status reporting.
func (e *Engine) QueueDepth(dest string) int {
	e.mu.Lock()
	q, ok := e.queues[dest]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	return q.depth()
}

// Close stops every destination queue's drain worker.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range e.queues {
		q.stop()
	}
}

func newExponentialBackoff(base, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.RandomizationFactor = 0.15 // ±15% jitter
	b.MaxElapsedTime = 0         // caller enforces MaxAttempts, not elapsed time
	b.Reset()
	return b
}

func newAckID() string {
	return uuid.New().String()
}
