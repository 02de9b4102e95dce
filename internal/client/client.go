// Package client implements the peer side of the broker's connection: the
// runtime used by agents and supervisory tools to dial the broker, perform
// the HELLO/WELCOME handshake, resume after a disconnect, and exchange
// envelopes over the broker's Unix-socket transport with its resumable
// session model.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-relay/relay/internal/config"
	"github.com/agent-relay/relay/pkg/protocol"
)

// EnvelopeHandler processes one envelope received from the broker.
// Returning an error only logs; it never tears down the connection.
type EnvelopeHandler func(env protocol.Envelope) error

// Client is the runtime side of one broker connection.
type Client struct {
	cfg     config.ClientConfig
	handler EnvelopeHandler
	logger  *slog.Logger

	mu          sync.Mutex
	nc          net.Conn
	writer      *protocol.FrameWriter
	resumeToken string
	sessionID   string

	dedup *dedupWindow

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Envelope // correlation_id -> reply channel, for SPAWN/RELEASE/SYNC
}

// New creates a Client. handler is invoked for every envelope the broker
// delivers, including DELIVER (already auto-ACKed by the time handler
// runs) and SPAWN_RESULT/RELEASE_RESULT for requests without a waiter.
func New(cfg config.ClientConfig, handler EnvelopeHandler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "client", "name", cfg.Name),
		dedup:   newDedupWindow(cfg.DedupWindowSize),
		pending: make(map[string]chan protocol.Envelope),
	}
}

// Run dials the broker and processes messages until ctx is cancelled,
// reconnecting with backoff on every disconnect. It blocks.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectInterval.Duration
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.MaxReconnectDelay.Duration
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.connectOnce(ctx); err != nil {
			c.logger.Warn("connection lost", "error", err)
		}

		wait := delay
		if j := int64(delay) * 15 / 100; j > 0 {
			wait += time.Duration(rand.Int63n(2*j+1) - j) // ±15% jitter
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	nc, err := net.Dial("unix", c.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer nc.Close()

	reader := protocol.NewFrameReader(nc, protocol.DefaultMaxFrameBytes)
	writer := protocol.NewFrameWriter(nc)

	c.mu.Lock()
	c.nc = nc
	c.writer = writer
	resumeToken := c.resumeToken
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.nc = nil
		c.writer = nil
		c.mu.Unlock()
	}()

	hello := protocol.HelloPayload{
		Name:        c.cfg.Name,
		Entity:      protocol.EntityType(c.cfg.Entity),
		CLIKind:     c.cfg.CLIKind,
		Program:     c.cfg.Program,
		Task:        c.cfg.Task,
		Cwd:         c.cfg.Cwd,
		ResumeToken: resumeToken,
		Capabilities: protocol.Capabilities{
			Resumable: true,
			Channels:  true,
			Shadowing: true,
		},
	}
	helloEnv, err := protocol.New(protocol.TypeHello, uuid.New().String(), c.cfg.Name, "", time.Now().UnixMilli(), hello)
	if err != nil {
		return err
	}
	if err := writer.Write(helloEnv); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	welcome, err := reader.Next()
	if err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type == protocol.TypeError {
		var errPayload protocol.ErrorPayload
		_ = welcome.DecodePayload(&errPayload)
		return fmt.Errorf("broker rejected hello: %s: %s", errPayload.Code, errPayload.Message)
	}
	if welcome.Type != protocol.TypeWelcome {
		return fmt.Errorf("unexpected handshake reply type %q", welcome.Type)
	}
	var w protocol.WelcomePayload
	if err := welcome.DecodePayload(&w); err != nil {
		return fmt.Errorf("decode welcome: %w", err)
	}

	c.mu.Lock()
	c.sessionID = w.SessionID
	c.resumeToken = w.ResumeToken
	c.mu.Unlock()

	c.logger.Info("connected", "session_id", w.SessionID, "resumed", w.Resumed)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		env, err := reader.Next()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	if env.Type == protocol.TypeDeliver && env.Delivery != nil {
		c.autoAck(env)
		if c.dedup.seenOrAdd(env.ID) {
			return // already processed this delivery on a prior connection
		}
	}

	if env.PayloadMeta != nil && env.PayloadMeta.Sync != nil && env.PayloadMeta.Sync.CorrelationID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[env.PayloadMeta.Sync.CorrelationID]
		if ok {
			delete(c.pending, env.PayloadMeta.Sync.CorrelationID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- env
			return
		}
	}

	if c.handler != nil {
		if err := c.handler(env); err != nil {
			c.logger.Warn("handler error", "type", env.Type, "error", err)
		}
	}
}

func (c *Client) autoAck(env protocol.Envelope) {
	ack := protocol.AckPayload{AckID: env.Delivery.SessionID, Seq: env.Delivery.Seq}
	ackEnv, err := protocol.New(protocol.TypeAck, uuid.New().String(), c.cfg.Name, env.From, time.Now().UnixMilli(), ack)
	if err != nil {
		return
	}
	_ = c.send(ackEnv)
}

// Send writes env to the broker on the current connection. Returns an
// error if not currently connected; the caller's own Send-level queuing
// (if any) is its own concern.
func (c *Client) send(env protocol.Envelope) error {
	c.mu.Lock()
	w := c.writer
	c.mu.Unlock()
	if w == nil {
		return fmt.Errorf("client: not connected")
	}
	return w.Write(env)
}

// SendMessage submits a SEND envelope to the broker addressed to `to`.
func (c *Client) SendMessage(to string, payload protocol.SendPayload) error {
	env, err := protocol.New(protocol.TypeSend, uuid.New().String(), c.cfg.Name, to, time.Now().UnixMilli(), payload)
	if err != nil {
		return err
	}
	return c.send(env)
}

// request sends env and blocks for a correlated reply, used by Spawn/
// Release/SyncSend.
func (c *Client) request(env protocol.Envelope, correlationID string, timeout time.Duration) (protocol.Envelope, error) {
	ch := make(chan protocol.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[correlationID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, correlationID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(env); err != nil {
		return protocol.Envelope{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-time.After(timeout):
		return protocol.Envelope{}, fmt.Errorf("client: request %s timed out", correlationID)
	}
}

// Spawn requests the broker supervise a new child and blocks for the result.
func (c *Client) Spawn(spawn protocol.SpawnPayload) (protocol.SpawnResultPayload, error) {
	correlationID := uuid.New().String()
	env, err := protocol.New(protocol.TypeSpawn, uuid.New().String(), c.cfg.Name, "", time.Now().UnixMilli(), spawn)
	if err != nil {
		return protocol.SpawnResultPayload{}, err
	}
	env.PayloadMeta = &protocol.PayloadMeta{Sync: &protocol.SyncMeta{Blocking: true, CorrelationID: correlationID}}

	timeout := c.cfg.SpawnTimeout.Duration
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	reply, err := c.request(env, correlationID, timeout)
	if err != nil {
		return protocol.SpawnResultPayload{}, err
	}
	var result protocol.SpawnResultPayload
	if err := reply.DecodePayload(&result); err != nil {
		return protocol.SpawnResultPayload{}, err
	}
	return result, nil
}

// Release requests the broker tear down a supervised child and blocks for
// the result.
func (c *Client) Release(release protocol.ReleasePayload) (protocol.ReleaseResultPayload, error) {
	correlationID := uuid.New().String()
	env, err := protocol.New(protocol.TypeRelease, uuid.New().String(), c.cfg.Name, "", time.Now().UnixMilli(), release)
	if err != nil {
		return protocol.ReleaseResultPayload{}, err
	}
	env.PayloadMeta = &protocol.PayloadMeta{Sync: &protocol.SyncMeta{Blocking: true, CorrelationID: correlationID}}

	timeout := c.cfg.ReleaseTimeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reply, err := c.request(env, correlationID, timeout)
	if err != nil {
		return protocol.ReleaseResultPayload{}, err
	}
	var result protocol.ReleaseResultPayload
	if err := reply.DecodePayload(&result); err != nil {
		return protocol.ReleaseResultPayload{}, err
	}
	return result, nil
}

// Connected reports whether the handshake has completed on the current
// connection, letting one-shot callers (relayctl) wait briefly for Run to
// come up before issuing a request.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer != nil && c.sessionID != ""
}

// Close closes the current connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil {
		return c.nc.Close()
	}
	return nil
}
