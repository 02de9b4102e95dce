package broker

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/agent-relay/relay/internal/connection"
	"github.com/agent-relay/relay/internal/router"
	"github.com/agent-relay/relay/internal/session"
	"github.com/agent-relay/relay/internal/supervisor"
	"github.com/agent-relay/relay/pkg/protocol"
)

// handleConn runs the handshake and read loop for one accepted connection,
// cleaning up router/session state on the way out in a single deferred
// block once the read loop exits.
func (b *Broker) handleConn(ctx context.Context, c *connection.Conn) {
	c.SetState(connection.StateHandshaking)

	sess, err := b.handshake(c)
	if err != nil {
		b.logger.Debug("handshake failed", "conn_id", c.ID, "error", err)
		return
	}
	c.Session = sess
	c.SetState(connection.StateReady)

	name := sess.Name
	b.router.Register(name, c)
	defer func() {
		c.Close()
		sess.MarkDormant()
		b.router.Unregister(name)
	}()

	go b.heartbeat(ctx, c)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := c.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Debug("read error", "name", name, "error", err)
			}
			return
		}
		sess.Touch()
		b.dispatch(c, sess, env)
	}
}

// handshake reads the HELLO frame (with a timeout) and replies WELCOME or
// ERROR, opening a new session or resuming a dormant one.
func (b *Broker) handshake(c *connection.Conn) (*session.Session, error) {
	type result struct {
		env protocol.Envelope
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		env, err := c.Next()
		resCh <- result{env, err}
	}()

	timeout := b.cfg.HandshakeTimeout.Duration
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var env protocol.Envelope
	select {
	case r := <-resCh:
		if r.err != nil {
			return nil, r.err
		}
		env = r.env
	case <-time.After(timeout):
		b.sendError(c, "", protocol.ErrHandshakeTimeout, "no HELLO within handshake_timeout", true)
		return nil, errors.New("handshake timeout")
	}

	if env.Type != protocol.TypeHello {
		b.sendError(c, env.ID, protocol.ErrMalformedFrame, "expected HELLO as first frame", true)
		return nil, errors.New("first frame was not HELLO")
	}

	var hello protocol.HelloPayload
	if err := env.DecodePayload(&hello); err != nil {
		b.sendError(c, env.ID, protocol.ErrMalformedFrame, "malformed HELLO payload", true)
		return nil, err
	}

	var sess *session.Session
	resumed := false

	if hello.ResumeToken != "" {
		if s, ok := b.sessions.Resume(hello.ResumeToken); ok {
			sess = s
			resumed = true
		} else {
			b.logger.Info("resume rejected, falling back to fresh session", "name", hello.Name)
		}
	}

	if sess == nil {
		s, err := b.sessions.Open(hello.Name, hello.Entity)
		if err != nil {
			b.sendError(c, env.ID, protocol.ErrNameInUse, "name is already connected", true)
			return nil, err
		}
		sess = s
	}

	welcome := protocol.WelcomePayload{
		SessionID:   sess.ID,
		ResumeToken: sess.ResumeToken,
		Resumed:     resumed,
		Limits: protocol.ServerLimits{
			MaxFrameBytes: b.cfg.MaxFrameBytes,
			HeartbeatMs:   b.cfg.HeartbeatMs,
		},
	}
	welcomeEnv, err := protocol.New(protocol.TypeWelcome, uuid.New().String(), "", hello.Name, time.Now().UnixMilli(), welcome)
	if err != nil {
		return nil, err
	}
	if err := c.Enqueue(welcomeEnv); err != nil {
		return nil, err
	}
	if hello.ResumeToken != "" && !resumed {
		// Tell the client explicitly that its old session is gone rather
		// than leaving it to notice the new session id.
		b.sendError(c, env.ID, protocol.ErrResumeTooOld, "resume token unknown or expired; started a fresh session", false)
	}

	return sess, nil
}

func (b *Broker) sendError(c *connection.Conn, msgID, code, message string, fatal bool) {
	env, err := protocol.New(protocol.TypeError, uuid.New().String(), "", "", time.Now().UnixMilli(), protocol.ErrorPayload{
		Code: code, Message: message, Fatal: fatal, MsgID: msgID,
	})
	if err != nil {
		return
	}
	_ = c.Enqueue(env)
}

// sendBusy signals back-pressure directly on c, per spec section 4.3: once a
// connection's own outbound write queue crosses its threshold the broker
// stops routing further SENDs from it until the queue drains.
func (b *Broker) sendBusy(c *connection.Conn, reason string) {
	env, err := protocol.New(protocol.TypeBusy, uuid.New().String(), "", "", time.Now().UnixMilli(), protocol.BusyPayload{Reason: reason})
	if err != nil {
		return
	}
	_ = c.Enqueue(env)
}

// replyBusy signals back-pressure to a named peer (not necessarily the
// current connection) by routing a BUSY envelope through the normal
// delivery path, the same way replyError does for ERROR.
func (b *Broker) replyBusy(to, reason string) {
	if _, ok := b.sessions.Lookup(to); !ok {
		return
	}
	env, err := protocol.New(protocol.TypeBusy, uuid.New().String(), "", to, time.Now().UnixMilli(), protocol.BusyPayload{Reason: reason})
	if err != nil {
		return
	}
	b.deliverTo(env, to, to, false)
}

// heartbeat periodically PINGs a connection and closes it if too many
// consecutive PONGs have been missed.
func (b *Broker) heartbeat(ctx context.Context, c *connection.Conn) {
	interval := time.Duration(b.cfg.HeartbeatMs) * time.Millisecond
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() == connection.StateClosed {
				return
			}
			if c.SinceLastPong() > interval*3 {
				b.logger.Info("connection missed heartbeats, closing", "conn_id", c.ID)
				c.Close()
				return
			}
			env, err := protocol.New(protocol.TypePing, uuid.New().String(), "", "", time.Now().UnixMilli(), protocol.PingPayload{
				Nonce: connection.NewNonce(),
			})
			if err == nil {
				_ = c.Enqueue(env)
			}
		}
	}
}

// dispatch handles one inbound envelope after the handshake, switching
// on its type tag.
func (b *Broker) dispatch(c *connection.Conn, sess *session.Session, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHello:
		// A HELLO on a connection that already completed its handshake is a
		// protocol violation, not a re-handshake: spec section 4.3 requires
		// rejecting it fatally rather than silently ignoring or re-running
		// the handshake.
		b.sendError(c, env.ID, protocol.ErrDuplicateHello, "HELLO already received on this connection", true)
		c.Close()

	case protocol.TypePong:
		c.MarkPong()

	case protocol.TypeSend:
		if c.QueueBusy() {
			b.sendBusy(c, "connection write queue busy, draining")
			return
		}
		b.handleSend(sess, env)

	case protocol.TypeAck:
		b.handleAck(sess, env)

	case protocol.TypeNack:
		b.handleNack(sess, env)

	case protocol.TypeSubscribe:
		var p protocol.SubscribePayload
		if err := env.DecodePayload(&p); err == nil {
			b.router.Subscribe(sess.Name, p.Topic)
		}

	case protocol.TypeUnsubscribe:
		var p protocol.UnsubscribePayload
		if err := env.DecodePayload(&p); err == nil {
			b.router.Unsubscribe(sess.Name, p.Topic)
		}

	case protocol.TypeChannelJoin:
		var p protocol.ChannelJoinPayload
		if err := env.DecodePayload(&p); err == nil {
			b.router.JoinChannel(sess.Name, p.Channel)
		}

	case protocol.TypeChannelLeave:
		var p protocol.ChannelLeavePayload
		if err := env.DecodePayload(&p); err == nil {
			b.router.LeaveChannel(sess.Name, p.Channel)
		}

	case protocol.TypeShadowBind:
		b.handleShadowBind(sess, env)

	case protocol.TypeShadowUnbind:
		var p protocol.ShadowUnbindPayload
		if err := env.DecodePayload(&p); err == nil {
			b.router.Unbind(sess.Name)
		}

	case protocol.TypeSpawn:
		b.handleSpawn(sess, env)

	case protocol.TypeRelease:
		b.handleRelease(sess, env)

	case protocol.TypeBye:
		b.router.Forget(sess.Name)
		b.sessions.Close(sess.Name)
		c.Close()

	default:
		b.logger.Warn("unknown envelope type", "type", env.Type, "from", sess.Name)
	}
}

func (b *Broker) handleSend(sess *session.Session, env protocol.Envelope) {
	names, err := b.router.Resolve(sess.Name, env.To)
	if err != nil {
		if errors.Is(err, router.ErrUnknownDestination) {
			b.replyError(sess.Name, env.ID, protocol.ErrUnknownDestination, "no such destination: "+env.To)
		}
		return
	}

	for _, dest := range names {
		deliverEnv := env
		deliverEnv.Type = protocol.TypeDeliver
		b.deliverTo(deliverEnv, dest, env.To, false)

		for shadow, binding := range b.router.ShadowsOf(dest) {
			if binding.ReceiveIncoming {
				b.deliverTo(deliverEnv, shadow, env.To, true)
			}
		}
	}
	for shadow, binding := range b.router.ShadowsOf(sess.Name) {
		if binding.ReceiveOutgoing {
			deliverEnv := env
			deliverEnv.Type = protocol.TypeDeliver
			b.deliverTo(deliverEnv, shadow, env.To, true)
		}
	}
}

func (b *Broker) handleAck(sess *session.Session, env protocol.Envelope) {
	var ack protocol.AckPayload
	if err := env.DecodePayload(&ack); err != nil {
		return
	}
	b.delivery.Ack(sess.Name, ack.AckID)
}

func (b *Broker) handleNack(sess *session.Session, env protocol.Envelope) {
	var nack protocol.NackPayload
	if err := env.DecodePayload(&nack); err != nil {
		return
	}
	b.delivery.Nack(sess.Name, nack.AckID, nack.Reason)
}

func (b *Broker) handleShadowBind(sess *session.Session, env protocol.Envelope) {
	var p protocol.ShadowBindPayload
	if err := env.DecodePayload(&p); err != nil {
		return
	}
	if err := b.router.Bind(sess.Name, router.ShadowBinding{
		Primary:         p.Primary,
		ReceiveIncoming: p.ReceiveIncoming,
		ReceiveOutgoing: p.ReceiveOutgoing,
		SpeakOn:         p.SpeakOn,
	}); err != nil {
		b.replyError(sess.Name, env.ID, protocol.ErrInternal, err.Error())
	}
}

func (b *Broker) handleSpawn(sess *session.Session, env protocol.Envelope) {
	var p protocol.SpawnPayload
	if err := env.DecodePayload(&p); err != nil {
		return
	}

	result := protocol.SpawnResultPayload{ReplyTo: env.ID, Name: p.Name}

	if b.router.IsLive(p.Name) {
		result.Error = "name is already connected"
		b.replySpawnResult(sess.Name, env, result)
		return
	}

	kind := supervisor.LookupCLIKind(p.CLI)
	spec := supervisor.Spec{
		Name:    p.Name,
		CLIKind: kind.Name,
		Program: p.CLI,
		Args:    []string{p.Task},
		Cwd:     p.Cwd,
		Cols:    80,
		Rows:    24,
	}

	managed, err := b.supervisor.Spawn(context.Background(), spec)
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
		result.PID = managed.Child.PID()

		// A child that speaks the protocol itself (MCP-capable) dials the
		// broker like any other peer and is registered by handleConn; a
		// plain-stdin child can never do that, so bridge it into the same
		// router/session fabric here, addressed by PTY writes instead of a
		// socket.
		if !kind.SpeaksMCP {
			if childSess, err := b.sessions.Open(p.Name, protocol.EntityAgent); err == nil {
				b.router.Register(p.Name, newPTYDeliverer(p.Name, managed, b.delivery, b.logger))
				_ = childSess
			}
		}

		if p.ShadowOf != "" {
			_ = b.router.Bind(p.Name, router.ShadowBinding{
				Primary:         p.ShadowOf,
				ReceiveIncoming: true,
				SpeakOn:         p.ShadowSpeakOn,
			})
		}
	}

	b.replySpawnResult(sess.Name, env, result)
}

func (b *Broker) replySpawnResult(to string, req protocol.Envelope, result protocol.SpawnResultPayload) {
	reply, err := protocol.New(protocol.TypeSpawnResult, uuid.New().String(), "", to, time.Now().UnixMilli(), result)
	if err != nil {
		return
	}
	if req.PayloadMeta != nil && req.PayloadMeta.Sync != nil {
		reply.PayloadMeta = &protocol.PayloadMeta{Sync: req.PayloadMeta.Sync}
	}
	b.deliverTo(reply, to, to, false)
}

func (b *Broker) handleRelease(sess *session.Session, env protocol.Envelope) {
	var p protocol.ReleasePayload
	if err := env.DecodePayload(&p); err != nil {
		return
	}

	result := protocol.ReleaseResultPayload{ReplyTo: env.ID, Name: p.Name}
	if err := b.supervisor.Release(p.Name, false); err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
	}

	reply, err := protocol.New(protocol.TypeReleaseResult, uuid.New().String(), "", sess.Name, time.Now().UnixMilli(), result)
	if err != nil {
		return
	}
	if env.PayloadMeta != nil && env.PayloadMeta.Sync != nil {
		reply.PayloadMeta = &protocol.PayloadMeta{Sync: env.PayloadMeta.Sync}
	}
	b.deliverTo(reply, sess.Name, sess.Name, false)
}

func (b *Broker) replyError(to, msgID, code, message string) {
	if _, ok := b.sessions.Lookup(to); !ok {
		return
	}
	env, err := protocol.New(protocol.TypeError, uuid.New().String(), "", to, time.Now().UnixMilli(), protocol.ErrorPayload{
		Code: code, Message: message, MsgID: msgID,
	})
	if err != nil {
		return
	}
	b.deliverTo(env, to, to, false)
}
