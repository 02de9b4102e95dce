package delivery

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agent-relay/relay/internal/router"
	"github.com/agent-relay/relay/internal/store"
	"github.com/agent-relay/relay/pkg/protocol"
)

type item struct {
	env        protocol.Envelope
	seq        int64
	originalTo string
	shadow     bool
	ackID      string
	deadline   time.Time
	recordID   string
}

type ackSignal struct {
	ackID  string
	ok     bool
	reason string
}

// destQueue is the single FIFO worker for one destination name. Because
// exactly one drain goroutine owns it and processes items strictly in
// order, messages from any one sender to this destination are delivered
// in send order -- the FIFO-per-(sender,destination) guarantee falls out
// of FIFO-per-destination.
type destQueue struct {
	name   string
	cfg    Config
	router *router.Router
	store  *store.Store
	logger *slog.Logger

	mu      sync.Mutex
	items   []*item
	pending int // queued + in-flight, for depth()/back-pressure checks

	notify   chan struct{}
	done     chan struct{}
	acks     chan ackSignal
	onFailed TerminalFunc
}

func newDestQueue(name string, cfg Config, r *router.Router, s *store.Store, logger *slog.Logger) *destQueue {
	return &destQueue{
		name:   name,
		cfg:    cfg,
		router: r,
		store:  s,
		logger: logger.With("destination", name),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		acks:   make(chan ackSignal, 8),
	}
}

// enqueue adds env to the destination's outbound queue. When the queue is at
// capacity it makes room by dropping the oldest still-queued (not yet
// dispatched) item rather than rejecting the new one, per spec section 4.6
// ("overflow causes oldest-first drop"); the dropped item is reported
// through onFailed so its original sender learns it was never delivered.
// busy is true whenever the queue was at or over capacity for this call, so
// the caller can warn the new message's sender with BUSY per section 4.3/
// the back-pressure testable scenario, even though the message itself was
// still accepted.
func (q *destQueue) enqueue(env protocol.Envelope, seq int64, originalTo string, shadow bool) (busy bool, err error) {
	q.mu.Lock()
	var dropped *item
	if q.pending >= q.cfg.QueueDepth {
		busy = true
		if len(q.items) > 0 {
			dropped = q.items[0]
			q.items = q.items[1:]
			q.pending--
		}
	}
	q.pending++

	ttl := q.cfg.DefaultTTL
	if env.PayloadMeta != nil && env.PayloadMeta.TTLMs > 0 {
		ttl = time.Duration(env.PayloadMeta.TTLMs) * time.Millisecond
	}

	it := &item{
		env:        env,
		seq:        seq,
		originalTo: originalTo,
		shadow:     shadow,
		ackID:      newAckID(),
		deadline:   time.Now().Add(ttl),
		recordID:   env.ID,
	}
	q.items = append(q.items, it)
	q.mu.Unlock()

	if dropped != nil {
		q.store.SetState(dropped.recordID, store.StateExpired)
		if q.onFailed != nil {
			q.onFailed(dropped.env, protocol.ErrDestinationOffline, "queue overflow, dropped oldest pending delivery to "+q.name)
		}
	}

	q.store.Append(store.Record{
		ID:        it.recordID,
		From:      env.From,
		To:        q.name,
		Seq:       seq,
		Envelope:  env,
		State:     store.StatePending,
		CreatedAt: time.Now(),
	})

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return busy, nil
}

func (q *destQueue) ack(ackID string) {
	select {
	case q.acks <- ackSignal{ackID: ackID, ok: true}:
	case <-q.done:
	}
}

func (q *destQueue) nack(ackID, reason string) {
	select {
	case q.acks <- ackSignal{ackID: ackID, ok: false, reason: reason}:
	case <-q.done:
	}
}

func (q *destQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func (q *destQueue) stop() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

func (q *destQueue) popHead() *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it
}

// run drains the queue head-first, retrying each item with exponential
// backoff until it is ACKed, NACKed, or its TTL deadline passes.
func (q *destQueue) run() {
	for {
		it := q.popHead()
		if it == nil {
			select {
			case <-q.done:
				return
			case <-q.notify:
				continue
			}
		}
		q.deliver(it)
	}
}

func (q *destQueue) deliver(it *item) {
	bo := newExponentialBackoff(q.cfg.BaseBackoff, q.cfg.MaxBackoff)

	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		if time.Now().After(it.deadline) {
			q.finish(it, store.StateExpired)
			return
		}

		d, live := q.router.Deliverer(q.name)
		if !live {
			if !q.wait(backoffOrDeadline(bo.NextBackOff(), it.deadline)) {
				q.finish(it, store.StateExpired)
				return
			}
			continue
		}

		deliverEnv := it.env
		deliverEnv.To = q.name
		deliverEnv.Delivery = &protocol.DeliveryInfo{
			Seq:        it.seq,
			SessionID:  it.ackID,
			OriginalTo: it.originalTo,
			Shadow:     it.shadow,
		}

		if err := d.Enqueue(deliverEnv); err != nil {
			q.logger.Debug("enqueue to connection failed, will retry", "error", err, "attempt", attempt)
			if !q.wait(backoffOrDeadline(bo.NextBackOff(), it.deadline)) {
				q.finish(it, store.StateExpired)
				return
			}
			continue
		}

		timeout := time.After(backoffOrDeadline(bo.NextBackOff(), it.deadline))
	waitAck:
		for {
			select {
			case sig := <-q.acks:
				if sig.ackID != it.ackID {
					continue waitAck // stale signal from a previous attempt; ignore
				}
				if sig.ok {
					q.finish(it, store.StateAcked)
				} else {
					q.finishNacked(it, sig.reason)
				}
				return
			case <-timeout:
				break waitAck // no ack within the backoff interval; resend
			case <-q.done:
				return
			}
		}
	}

	q.finish(it, store.StateExpired)
}

func (q *destQueue) finish(it *item, state store.State) {
	q.store.SetState(it.recordID, state)
	q.mu.Lock()
	q.pending--
	q.mu.Unlock()

	if state == store.StateExpired && q.onFailed != nil {
		q.onFailed(it.env, protocol.ErrAckTimeout, "delivery expired before ack: "+q.name)
	}
}

// finishNacked marks a delivery rejected by its destination, forwarding the
// NACK's reason to onFailed so the original sender learns their message
// was explicitly refused rather than merely undelivered.
func (q *destQueue) finishNacked(it *item, reason string) {
	q.store.SetState(it.recordID, store.StateNacked)
	q.mu.Lock()
	q.pending--
	q.mu.Unlock()

	if q.onFailed != nil {
		if reason == "" {
			reason = "rejected by destination: " + q.name
		}
		q.onFailed(it.env, protocol.ErrInternal, reason)
	}
}

// wait blocks for d or until the queue is stopped, reporting false if the
// deadline that produced d has already passed.
func (q *destQueue) wait(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	select {
	case <-time.After(d):
		return true
	case <-q.done:
		return false
	}
}

func backoffOrDeadline(d time.Duration, deadline time.Time) time.Duration {
	if remaining := time.Until(deadline); remaining < d {
		return remaining
	}
	return d
}
