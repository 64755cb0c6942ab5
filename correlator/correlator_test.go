package correlator

import (
	"context"
	"testing"
	"time"

	"kbridge/protocol"
)

type memSocket struct {
	in chan [][]byte
}

func newMemSocket() *memSocket { return &memSocket{in: make(chan [][]byte, 64)} }

func (s *memSocket) SendMultipart(ctx context.Context, parts [][]byte) error { return nil }

func (s *memSocket) RecvMultipart(ctx context.Context) ([][]byte, error) {
	select {
	case p := <-s.in:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memSocket) Close() error { return nil }

func (s *memSocket) deliver(t *testing.T, key []byte, msg *protocol.Message) {
	t.Helper()
	frames, err := protocol.Encode(msg, key, nil, protocol.CodecOptions{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s.in <- frames
}

func newTestCorrelator() (*Correlator, Sockets, []byte) {
	key := []byte("k")
	sockets := Sockets{
		Shell:   newMemSocket(),
		Control: newMemSocket(),
		IOPub:   newMemSocket(),
		Stdin:   newMemSocket(),
	}
	c := New(key, protocol.CodecOptions{}, sockets)
	return c, sockets, key
}

func TestCorrelatorRoutesByParentID(t *testing.T) {
	c, sockets, key := newTestCorrelator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	pr := c.Install("req-1")

	reqHeader := protocol.Header{MsgID: "req-1"}
	status := protocol.NewMessage("status", "s", reqHeader, map[string]any{"execution_state": "busy"})
	sockets.IOPub.(*memSocket).deliver(t, key, status)

	reply := protocol.NewMessage("execute_reply", "s", reqHeader, map[string]any{"status": "ok"})
	sockets.Shell.(*memSocket).deliver(t, key, reply)

	recvCtx, recvCancel := context.WithTimeout(context.Background(), time.Second)
	defer recvCancel()
	gotIOPub, err := pr.IOPub(recvCtx)
	if err != nil {
		t.Fatalf("IOPub: %v", err)
	}
	if gotIOPub.Header.MsgType != "status" {
		t.Fatalf("expected status, got %s", gotIOPub.Header.MsgType)
	}

	gotShell, err := pr.Shell(recvCtx)
	if err != nil {
		t.Fatalf("Shell: %v", err)
	}
	if gotShell.Header.MsgType != "execute_reply" {
		t.Fatalf("expected execute_reply, got %s", gotShell.Header.MsgType)
	}
}

func TestCorrelatorDropsUnmatchedMessages(t *testing.T) {
	c, sockets, key := newTestCorrelator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	orphan := protocol.NewMessage("status", "s", protocol.Header{MsgID: "unknown-req"}, map[string]any{})
	sockets.IOPub.(*memSocket).deliver(t, key, orphan)

	// No pending request was installed for "unknown-req"; nothing should
	// panic or block. Give the listener goroutine a moment to process it.
	time.Sleep(50 * time.Millisecond)
}

func TestCorrelatorRoutesCommMessages(t *testing.T) {
	c, sockets, key := newTestCorrelator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	comm := protocol.NewMessage("comm_open", "s", protocol.Header{}, map[string]any{"comm_id": "abc"})
	sockets.IOPub.(*memSocket).deliver(t, key, comm)

	msg, err := c.Comms()
	if err != nil {
		t.Fatalf("Comms: %v", err)
	}
	if msg.Header.MsgType != "comm_open" {
		t.Fatalf("expected comm_open, got %s", msg.Header.MsgType)
	}
}

func TestCorrelatorSignatureMismatchDropped(t *testing.T) {
	c, sockets, key := newTestCorrelator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	msg := protocol.NewMessage("status", "s", protocol.Header{MsgID: "req-x"}, map[string]any{})
	frames, err := protocol.Encode(msg, key, nil, protocol.CodecOptions{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	tampered := append([][]byte{}, frames...)
	mutatedContent := append([]byte{}, tampered[5]...)
	mutatedContent[0] ^= 0xFF
	tampered[5] = mutatedContent
	sockets.IOPub.(*memSocket).in <- tampered

	time.Sleep(50 * time.Millisecond)
	if c.SignatureMismatches() != 1 {
		t.Fatalf("expected 1 signature mismatch, got %d", c.SignatureMismatches())
	}
}
