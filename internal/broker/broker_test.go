package broker

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agent-relay/relay/internal/config"
	"github.com/agent-relay/relay/pkg/protocol"
)

type testPeer struct {
	t    *testing.T
	nc   net.Conn
	fr   *protocol.FrameReader
	fw   *protocol.FrameWriter
}

func dialPeer(t *testing.T, socketPath, name string) *testPeer {
	t.Helper()
	var nc net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		nc, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial broker: %v", err)
	}

	p := &testPeer{
		t:  t,
		nc: nc,
		fr: protocol.NewFrameReader(nc, protocol.DefaultMaxFrameBytes),
		fw: protocol.NewFrameWriter(nc),
	}
	t.Cleanup(func() { nc.Close() })

	hello, err := protocol.New(protocol.TypeHello, uuid.New().String(), name, "", 0, protocol.HelloPayload{
		Name:   name,
		Entity: protocol.EntityUser,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.fw.Write(hello); err != nil {
		t.Fatal(err)
	}

	welcome, err := p.fr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if welcome.Type != protocol.TypeWelcome {
		t.Fatalf("handshake reply type = %q, want WELCOME", welcome.Type)
	}
	return p
}

func (p *testPeer) send(env protocol.Envelope) {
	p.t.Helper()
	if err := p.fw.Write(env); err != nil {
		p.t.Fatal(err)
	}
}

func (p *testPeer) next() protocol.Envelope {
	p.t.Helper()
	env, err := p.fr.Next()
	if err != nil {
		p.t.Fatal(err)
	}
	return env
}

func startTestBroker(t *testing.T) (socketPath string, stop func()) {
	t.Helper()
	cfg := config.DefaultBrokerConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "relay.sock")
	cfg.HeartbeatMs = 60_000
	cfg.MessageStore.DurablePath = ""

	b, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()

	return cfg.SocketPath, func() {
		cancel()
		<-done
	}
}

func TestHandshakeAssignsResumeToken(t *testing.T) {
	socketPath, stop := startTestBroker(t)
	defer stop()

	nc, err := net.Dial("unix", socketPath)
	for deadline := time.Now().Add(2 * time.Second); err != nil && time.Now().Before(deadline); {
		time.Sleep(10 * time.Millisecond)
		nc, err = net.Dial("unix", socketPath)
	}
	if err != nil {
		t.Fatalf("dial broker: %v", err)
	}
	defer nc.Close()
	fr := protocol.NewFrameReader(nc, protocol.DefaultMaxFrameBytes)
	fw := protocol.NewFrameWriter(nc)

	hello, _ := protocol.New(protocol.TypeHello, uuid.New().String(), "alice", "", 0, protocol.HelloPayload{
		Name:   "alice",
		Entity: protocol.EntityUser,
	})
	if err := fw.Write(hello); err != nil {
		t.Fatal(err)
	}
	welcome, err := fr.Next()
	if err != nil {
		t.Fatal(err)
	}
	var w protocol.WelcomePayload
	if err := welcome.DecodePayload(&w); err != nil {
		t.Fatal(err)
	}
	if w.ResumeToken == "" {
		t.Fatal("expected a non-empty resume token in WELCOME")
	}
}

func TestSendDeliversToDirectDestination(t *testing.T) {
	socketPath, stop := startTestBroker(t)
	defer stop()

	alice := dialPeer(t, socketPath, "alice")
	bob := dialPeer(t, socketPath, "bob")

	send, err := protocol.New(protocol.TypeSend, "msg-1", "alice", "bob", 0, protocol.SendPayload{Body: "hi bob"})
	if err != nil {
		t.Fatal(err)
	}
	alice.send(send)

	deliver := bob.next()
	if deliver.Type != protocol.TypeDeliver {
		t.Fatalf("got %q, want DELIVER", deliver.Type)
	}
	var payload protocol.SendPayload
	if err := deliver.DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Body != "hi bob" {
		t.Fatalf("body = %q, want %q", payload.Body, "hi bob")
	}
	if deliver.Delivery == nil || deliver.Delivery.SessionID == "" {
		t.Fatal("expected a non-empty delivery ack id")
	}
}

func TestSendToUnknownDestinationReturnsError(t *testing.T) {
	socketPath, stop := startTestBroker(t)
	defer stop()

	alice := dialPeer(t, socketPath, "alice")

	send, err := protocol.New(protocol.TypeSend, "msg-2", "alice", "ghost", 0, protocol.SendPayload{Body: "hello?"})
	if err != nil {
		t.Fatal(err)
	}
	alice.send(send)

	reply := alice.next()
	if reply.Type != protocol.TypeError {
		t.Fatalf("got %q, want ERROR", reply.Type)
	}
	var errPayload protocol.ErrorPayload
	if err := reply.DecodePayload(&errPayload); err != nil {
		t.Fatal(err)
	}
	if errPayload.Code != protocol.ErrUnknownDestination {
		t.Fatalf("code = %q, want %q", errPayload.Code, protocol.ErrUnknownDestination)
	}
}

func TestChannelSendExcludesSender(t *testing.T) {
	socketPath, stop := startTestBroker(t)
	defer stop()

	alice := dialPeer(t, socketPath, "alice")
	bob := dialPeer(t, socketPath, "bob")

	join, _ := protocol.New(protocol.TypeChannelJoin, uuid.New().String(), "alice", "", 0, protocol.ChannelJoinPayload{Channel: "#team"})
	alice.send(join)
	join2, _ := protocol.New(protocol.TypeChannelJoin, uuid.New().String(), "bob", "", 0, protocol.ChannelJoinPayload{Channel: "#team"})
	bob.send(join2)

	time.Sleep(50 * time.Millisecond)

	send, _ := protocol.New(protocol.TypeSend, "msg-3", "alice", "#team", 0, protocol.SendPayload{Body: "standup"})
	alice.send(send)

	deliver := bob.next()
	if deliver.Type != protocol.TypeDeliver {
		t.Fatalf("got %q, want DELIVER", deliver.Type)
	}
}

func TestSpawnedChildReceivesRoutedSend(t *testing.T) {
	socketPath, stop := startTestBroker(t)
	defer stop()

	alice := dialPeer(t, socketPath, "alice")

	spawn, _ := protocol.New(protocol.TypeSpawn, uuid.New().String(), "alice", "", 0, protocol.SpawnPayload{
		Name: "worker",
		CLI:  "/bin/cat",
		Task: "",
	})
	alice.send(spawn)

	result := alice.next()
	if result.Type != protocol.TypeSpawnResult {
		t.Fatalf("got %q, want SPAWN_RESULT", result.Type)
	}
	var rp protocol.SpawnResultPayload
	if err := result.DecodePayload(&rp); err != nil {
		t.Fatal(err)
	}
	if !rp.Success {
		t.Fatalf("spawn failed: %s", rp.Error)
	}

	// A non-MCP spawned child has no socket of its own; SEND must route to
	// its PTY instead of bouncing back as an unknown-destination error.
	send, _ := protocol.New(protocol.TypeSend, "msg-5", "alice", "worker", 0, protocol.SendPayload{Body: "hello worker"})
	alice.send(send)

	alice.nc.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	env, err := alice.fr.Next()
	if err == nil && env.Type == protocol.TypeError {
		var errPayload protocol.ErrorPayload
		_ = env.DecodePayload(&errPayload)
		t.Fatalf("got ERROR routing SEND to spawned child: %s", errPayload.Message)
	}
}

func TestAckClearsPendingDelivery(t *testing.T) {
	socketPath, stop := startTestBroker(t)
	defer stop()

	alice := dialPeer(t, socketPath, "alice")
	bob := dialPeer(t, socketPath, "bob")

	send, _ := protocol.New(protocol.TypeSend, "msg-4", "alice", "bob", 0, protocol.SendPayload{Body: "ack me"})
	alice.send(send)

	deliver := bob.next()
	var ackID string
	if deliver.Delivery != nil {
		ackID = deliver.Delivery.SessionID
	}

	ack, _ := protocol.New(protocol.TypeAck, uuid.New().String(), "bob", "alice", 0, protocol.AckPayload{AckID: ackID, Seq: deliver.Delivery.Seq})
	bob.send(ack)

	// no redelivery should arrive; give the engine a moment then verify nothing else shows up.
	bob.nc.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err := bob.fr.Next()
	if err == nil {
		t.Fatal("expected no further frames after ACK, got one")
	}
}

// TestDuplicateHelloIsRejectedFatally covers spec section 4.3: a second HELLO
// on a connection that already completed its handshake is a protocol
// violation, not a re-handshake, and must be rejected with a fatal
// DUPLICATE_HELLO error followed by the broker closing the connection.
func TestDuplicateHelloIsRejectedFatally(t *testing.T) {
	socketPath, stop := startTestBroker(t)
	defer stop()

	alice := dialPeer(t, socketPath, "alice")

	hello, _ := protocol.New(protocol.TypeHello, uuid.New().String(), "alice", "", 0, protocol.HelloPayload{
		Name:   "alice",
		Entity: protocol.EntityUser,
	})
	alice.send(hello)

	reply := alice.next()
	if reply.Type != protocol.TypeError {
		t.Fatalf("got %q, want ERROR", reply.Type)
	}
	var errPayload protocol.ErrorPayload
	if err := reply.DecodePayload(&errPayload); err != nil {
		t.Fatal(err)
	}
	if errPayload.Code != protocol.ErrDuplicateHello {
		t.Fatalf("code = %q, want %q", errPayload.Code, protocol.ErrDuplicateHello)
	}
	if !errPayload.Fatal {
		t.Fatal("expected DUPLICATE_HELLO error to be marked fatal")
	}

	// the broker closes the connection right after the fatal error; confirm
	// the socket is torn down rather than left open for further frames.
	alice.nc.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := alice.fr.Next(); err == nil {
		t.Fatal("expected connection to be closed after duplicate HELLO")
	}
}

// TestSendToDormantDestinationQueuesUntilResume covers spec section 4.6 and
// the resume scenario in section 8: a SEND addressed to an agent that has
// disconnected but is still inside its resume window must be queued for
// delivery, not bounced with UNKNOWN_DESTINATION, and must arrive once the
// destination reconnects with its resume token.
func TestSendToDormantDestinationQueuesUntilResume(t *testing.T) {
	socketPath, stop := startTestBroker(t)
	defer stop()

	alice := dialPeer(t, socketPath, "alice")
	bob := dialPeer(t, socketPath, "bob")

	var bobWelcome protocol.WelcomePayload
	// dialPeer already consumed bob's WELCOME frame internally, so redial a
	// fresh connection for bob here instead, capturing WELCOME ourselves to
	// get the resume token before disconnecting.
	bob.nc.Close()

	nc, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("redial bob: %v", err)
	}
	fr := protocol.NewFrameReader(nc, protocol.DefaultMaxFrameBytes)
	fw := protocol.NewFrameWriter(nc)
	hello, _ := protocol.New(protocol.TypeHello, uuid.New().String(), "bob", "", 0, protocol.HelloPayload{
		Name:   "bob",
		Entity: protocol.EntityAgent,
	})
	if err := fw.Write(hello); err != nil {
		t.Fatal(err)
	}
	welcome, err := fr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if err := welcome.DecodePayload(&bobWelcome); err != nil {
		t.Fatal(err)
	}
	resumeToken := bobWelcome.ResumeToken
	if resumeToken == "" {
		t.Fatal("expected a non-empty resume token in WELCOME")
	}
	nc.Close()

	// bob is now dormant (disconnected, inside its resume window). Sending
	// to "bob" must not bounce as UNKNOWN_DESTINATION.
	send, _ := protocol.New(protocol.TypeSend, "msg-dormant", "alice", "bob", 0, protocol.SendPayload{Body: "while you were out"})
	alice.send(send)

	alice.nc.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if env, err := alice.fr.Next(); err == nil && env.Type == protocol.TypeError {
		var errPayload protocol.ErrorPayload
		_ = env.DecodePayload(&errPayload)
		t.Fatalf("got ERROR for SEND to dormant destination: %s", errPayload.Code)
	}

	// reconnect as bob using the resume token; the queued message must be
	// delivered once bob is live again.
	nc2, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("resume dial bob: %v", err)
	}
	t.Cleanup(func() { nc2.Close() })
	fr2 := protocol.NewFrameReader(nc2, protocol.DefaultMaxFrameBytes)
	fw2 := protocol.NewFrameWriter(nc2)
	resumeHello, _ := protocol.New(protocol.TypeHello, uuid.New().String(), "bob", "", 0, protocol.HelloPayload{
		Name:        "bob",
		Entity:      protocol.EntityAgent,
		ResumeToken: resumeToken,
	})
	if err := fw2.Write(resumeHello); err != nil {
		t.Fatal(err)
	}
	resumeWelcome, err := fr2.Next()
	if err != nil {
		t.Fatal(err)
	}
	var rw protocol.WelcomePayload
	if err := resumeWelcome.DecodePayload(&rw); err != nil {
		t.Fatal(err)
	}
	if !rw.Resumed {
		t.Fatal("expected WELCOME to report Resumed=true")
	}

	nc2.SetReadDeadline(time.Now().Add(2 * time.Second))
	deliver, err := fr2.Next()
	if err != nil {
		t.Fatalf("expected the queued message to be delivered after resume: %v", err)
	}
	if deliver.Type != protocol.TypeDeliver {
		t.Fatalf("got %q, want DELIVER", deliver.Type)
	}
	var payload protocol.SendPayload
	if err := deliver.DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Body != "while you were out" {
		t.Fatalf("body = %q, want %q", payload.Body, "while you were out")
	}
}
