package kerneldriver

import (
	"context"
	"testing"
	"time"

	"kbridge/correlator"
	"kbridge/protocol"
)

type fakeSocket struct {
	in   chan [][]byte
	sent chan [][]byte
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan [][]byte, 16), sent: make(chan [][]byte, 16)}
}

func (s *fakeSocket) SendMultipart(ctx context.Context, parts [][]byte) error {
	s.sent <- parts
	return nil
}

func (s *fakeSocket) RecvMultipart(ctx context.Context) ([][]byte, error) {
	select {
	case p := <-s.in:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Close() error { return nil }

func newTestEngine() (*Engine, *fakeSocket, *fakeSocket, *fakeSocket, []byte, func()) {
	key := []byte("engine-test-key")
	shell := newFakeSocket()
	iopub := newFakeSocket()
	stdin := newFakeSocket()

	corr := correlator.New(key, protocol.CodecOptions{}, correlator.Sockets{Shell: shell, IOPub: iopub, Stdin: stdin})
	ctx, cancel := context.WithCancel(context.Background())
	corr.Start(ctx)

	engine := NewEngine(corr, shell, stdin, key, protocol.CodecOptions{}, "sess-1", nil)
	return engine, shell, iopub, stdin, key, cancel
}

func decodeSent(t *testing.T, key []byte, frames [][]byte) *protocol.Message {
	t.Helper()
	_, msg, err := protocol.Decode(frames, key, protocol.CodecOptions{})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func TestExecuteSimplePrint(t *testing.T) {
	engine, shell, iopub, _, key, cancel := newTestEngine()
	defer cancel()

	doc := newFakeCellDocument("print('hi')")

	done := make(chan error, 1)
	go func() {
		ctx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		done <- engine.Execute(ctx, doc, time.Second, true, "")
	}()

	sentFrames := <-shell.sent
	req := decodeSent(t, key, sentFrames)
	if req.Header.MsgType != "execute_request" {
		t.Fatalf("expected execute_request, got %s", req.Header.MsgType)
	}
	msgID := req.Header.MsgID

	parent := protocol.Header{MsgID: msgID}
	streamMsg := protocol.NewMessage("stream", "sess-1", parent, map[string]any{"name": "stdout", "text": "hi\n"})
	streamFrames, _ := protocol.Encode(streamMsg, key, nil, protocol.CodecOptions{})
	iopub.in <- streamFrames

	statusMsg := protocol.NewMessage("status", "sess-1", parent, map[string]any{"execution_state": "idle"})
	statusFrames, _ := protocol.Encode(statusMsg, key, nil, protocol.CodecOptions{})
	iopub.in <- statusFrames

	reply := protocol.NewMessage("execute_reply", "sess-1", parent, map[string]any{"status": "ok", "execution_count": float64(3)})
	replyFrames, _ := protocol.Encode(reply, key, nil, protocol.CodecOptions{})
	shell.in <- replyFrames

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not complete")
	}

	if doc.OutputsLen() != 1 {
		t.Fatalf("expected 1 output, got %d", doc.OutputsLen())
	}
	out := doc.OutputAt(0)
	text, _ := out["text"].([]string)
	if len(text) != 1 || text[0] != "hi" {
		t.Fatalf("unexpected output text: %#v", text)
	}
	if got := doc.ExecutionCount(); got == nil || *got != 3 {
		t.Fatalf("expected execution_count 3, got %#v", got)
	}
	if doc.ExecutionState() != "idle" {
		t.Fatalf("expected idle state, got %s", doc.ExecutionState())
	}
}

func TestExecuteNonCodeCellIsNoop(t *testing.T) {
	engine, shell, _, _, _, cancel := newTestEngine()
	defer cancel()

	doc := newFakeCellDocument("# markdown")
	doc.cellType = "markdown"

	if err := engine.Execute(context.Background(), doc, time.Second, true, ""); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	select {
	case <-shell.sent:
		t.Fatal("expected no execute_request for a non-code cell")
	default:
	}
}

func TestExecuteTimeout(t *testing.T) {
	engine, shell, _, _, _, cancel := newTestEngine()
	defer cancel()

	doc := newFakeCellDocument("while True: pass")

	err := engine.Execute(context.Background(), doc, 50*time.Millisecond, true, "")
	if err == nil {
		t.Fatal("expected ExecutionTimeout")
	}
	<-shell.sent // drain the execute_request that Execute sent on shell
}
