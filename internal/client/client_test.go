package client

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

// fakeBroker accepts exactly one connection, completes the HELLO/WELCOME
// handshake, and lets the test drive the rest of the exchange.
func fakeBroker(t *testing.T, socketPath string) (accept func() (*protocol.FrameReader, *protocol.FrameWriter, net.Conn)) {
	t.Helper()
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	return func() (*protocol.FrameReader, *protocol.FrameWriter, net.Conn) {
		nc, err := ln.Accept()
		if err != nil {
			t.Fatal(err)
		}
		fr := protocol.NewFrameReader(nc, protocol.DefaultMaxFrameBytes)
		fw := protocol.NewFrameWriter(nc)

		hello, err := fr.Next()
		if err != nil {
			t.Fatal(err)
		}
		if hello.Type != protocol.TypeHello {
			t.Fatalf("got %q, want HELLO", hello.Type)
		}

		welcome, err := protocol.New(protocol.TypeWelcome, uuid.New().String(), "broker", "", 0, protocol.WelcomePayload{
			SessionID: "sess-1",
			Limits:    protocol.ServerLimits{MaxFrameBytes: protocol.DefaultMaxFrameBytes, HeartbeatMs: 15000},
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := fw.Write(welcome); err != nil {
			t.Fatal(err)
		}
		return fr, fw, nc
	}
}

func TestClientHandshakeAndDeliverAutoAck(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "relay.sock")
	accept := fakeBroker(t, socketPath)

	var received []protocol.Envelope
	c := New(config.ClientConfig{
		SocketPath: socketPath,
		Name:       "alice",
		Entity:     "agent",
	}, func(env protocol.Envelope) error {
		received = append(received, env)
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Run(ctx)

	fr, fw, nc := accept()
	defer nc.Close()

	deliver, err := protocol.New(protocol.TypeDeliver, "msg-1", "bob", "alice", 0, protocol.SendPayload{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	deliver.Delivery = &protocol.DeliveryInfo{Seq: 1, SessionID: "ack-1"}
	if err := fw.Write(deliver); err != nil {
		t.Fatal(err)
	}

	ack, err := fr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ack.Type != protocol.TypeAck {
		t.Fatalf("got %q, want ACK", ack.Type)
	}
	var ackPayload protocol.AckPayload
	if err := ack.DecodePayload(&ackPayload); err != nil {
		t.Fatal(err)
	}
	if ackPayload.AckID != "ack-1" {
		t.Fatalf("ack_id = %q, want ack-1", ackPayload.AckID)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(received) > 0 {
			if received[0].ID != "msg-1" {
				t.Fatalf("received id = %q, want msg-1", received[0].ID)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("handler was never invoked for the DELIVER envelope")
}

func TestClientDedupDropsRepeatedDeliver(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "relay.sock")
	accept := fakeBroker(t, socketPath)

	callCount := 0
	c := New(config.ClientConfig{SocketPath: socketPath, Name: "alice", Entity: "agent"}, func(env protocol.Envelope) error {
		callCount++
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	fr, fw, nc := accept()
	defer nc.Close()

	deliver, _ := protocol.New(protocol.TypeDeliver, "msg-dup", "bob", "alice", 0, protocol.SendPayload{Body: "hi"})
	deliver.Delivery = &protocol.DeliveryInfo{Seq: 1, SessionID: "ack-dup"}

	_ = fw.Write(deliver)
	_, _ = fr.Next() // drain the ACK for the first delivery
	_ = fw.Write(deliver)
	_, _ = fr.Next() // ACK is still sent even for a dedup-dropped repeat

	time.Sleep(50 * time.Millisecond)
	if callCount != 1 {
		t.Fatalf("handler called %d times, want exactly 1 for the duplicate delivery", callCount)
	}
}
