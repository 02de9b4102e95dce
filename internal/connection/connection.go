// Package connection manages the per-socket state machine that sits
// between a raw net.Conn and the broker's router: handshake timeout,
// outbound write-queue coalescing, and heartbeat liveness, following an
// accept/handle/cleanup shape adapted to the broker's length-prefixed
// framing and session-aware handshake.
package connection

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agent-relay/relay/internal/session"
	"github.com/agent-relay/relay/pkg/protocol"
)

// State is the connection's handshake lifecycle state.
type State int32

const (
	StateAccepted State = iota
	StateHandshaking
	StateReady
	StateClosed
)

// ErrQueueFull is returned by Enqueue when the outbound write queue is at
// capacity; the caller should emit BUSY to the sender rather than block.
var ErrQueueFull = errors.New("connection: outbound queue full")

// Conn wraps one accepted socket. Exactly one goroutine (the reader held by
// the caller of Reader.Next) consumes inbound frames; a single writer
// goroutine owned by Conn drains the outbound queue, so the connection
// never has more than one writer racing on the underlying net.Conn.
type Conn struct {
	ID     string
	netConn net.Conn
	reader *protocol.FrameReader
	writer *protocol.FrameWriter
	logger *slog.Logger

	state atomic.Int32

	Session *session.Session // set once the handshake completes

	outbound chan protocol.Envelope
	closeOnce sync.Once
	closed   chan struct{}

	lastPong atomic.Int64 // unix nanos of last PONG seen
}

// New wraps an accepted net.Conn. queueDepth bounds the outbound write
// queue; maxFrameBytes bounds inbound frame size.
func New(nc net.Conn, queueDepth, maxFrameBytes int, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	c := &Conn{
		ID:       id,
		netConn:  nc,
		reader:   protocol.NewFrameReader(nc, maxFrameBytes),
		writer:   protocol.NewFrameWriter(nc),
		logger:   logger.With("conn_id", id),
		outbound: make(chan protocol.Envelope, queueDepth),
		closed:   make(chan struct{}),
	}
	c.state.Store(int32(StateAccepted))
	c.lastPong.Store(time.Now().UnixNano())
	go c.writeLoop()
	return c
}

// State returns the current handshake state.
func (c *Conn) State() State { return State(c.state.Load()) }

// SetState transitions the connection's handshake state.
func (c *Conn) SetState(s State) { c.state.Store(int32(s)) }

// Next reads and decodes the next inbound frame. Must only be called from
// one goroutine.
func (c *Conn) Next() (protocol.Envelope, error) {
	return c.reader.Next()
}

// Enqueue queues env for delivery to the peer, coalescing with whatever
// else is pending. Returns ErrQueueFull instead of blocking so callers can
// back-pressure the sender with BUSY rather than stall the router.
func (c *Conn) Enqueue(env protocol.Envelope) error {
	select {
	case c.outbound <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// writeLoop drains the outbound queue, batching whatever has accumulated
// since the last flush into a single write -- the coalescing behaviour
// spec'd for the connection's write queue.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case env, ok := <-c.outbound:
			if !ok {
				return
			}
			batch := []protocol.Envelope{env}
		drain:
			for {
				select {
				case more, ok := <-c.outbound:
					if !ok {
						break drain
					}
					batch = append(batch, more)
				default:
					break drain
				}
			}
			if err := c.writer.WriteBatch(batch); err != nil {
				c.logger.Debug("write error", "error", err)
				c.Close()
				return
			}
		}
	}
}

// QueueBusy reports whether the outbound write queue has crossed its
// back-pressure threshold (three quarters of capacity, the implementation-
// chosen watermark spec section 5 leaves open). Once busy, the broker stops
// routing further SENDs from this connection and replies BUSY instead,
// per section 4.3, until the queue drains back below the threshold.
func (c *Conn) QueueBusy() bool {
	depth, capacity := len(c.outbound), cap(c.outbound)
	if capacity == 0 {
		return false
	}
	return depth*4 >= capacity*3
}

// MarkPong records that a PONG was received, resetting the liveness clock.
func (c *Conn) MarkPong() {
	c.lastPong.Store(time.Now().UnixNano())
}

// SinceLastPong reports how long it has been since the last PONG (or since
// the connection was created, if none yet).
func (c *Conn) SinceLastPong() time.Duration {
	return time.Since(time.Unix(0, c.lastPong.Load()))
}

// NewNonce returns a random nonce suitable for a PING payload.
func NewNonce() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Close closes the underlying socket and stops the write loop. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.closed)
		err = c.netConn.Close()
	})
	return err
}

// RemoteName returns the peer name once the session is attached, or "" if
// the handshake has not completed.
func (c *Conn) RemoteName() string {
	if c.Session == nil {
		return ""
	}
	return c.Session.Name
}
