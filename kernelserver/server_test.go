package kernelserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kbridge/protocol"
)

type fakeChannelSocket struct {
	in   chan [][]byte
	sent chan [][]byte
}

func newFakeChannelSocket() *fakeChannelSocket {
	return &fakeChannelSocket{in: make(chan [][]byte, 16), sent: make(chan [][]byte, 16)}
}

func (s *fakeChannelSocket) SendMultipart(ctx context.Context, parts [][]byte) error {
	s.sent <- parts
	return nil
}

func (s *fakeChannelSocket) RecvMultipart(ctx context.Context) ([][]byte, error) {
	select {
	case p := <-s.in:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeChannelSocket) Close() error { return nil }

type fakeClientSocket struct {
	received chan []byte
	closed   chan struct{}
}

func newFakeClientSocket() *fakeClientSocket {
	return &fakeClientSocket{received: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeClientSocket) Send(ctx context.Context, frame []byte) error {
	select {
	case s.received <- frame:
		return nil
	default:
		return nil
	}
}

func (s *fakeClientSocket) Recv(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *fakeClientSocket) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func TestFanOutDeliversSameBundleToAllSessions(t *testing.T) {
	key := []byte("fanout-key")
	shell := newFakeChannelSocket()
	iopub := newFakeChannelSocket()

	server := NewServer(key, protocol.CodecOptions{}, shell, nil, iopub)

	a := &ClientSession{ID: "a", Session: "sess-a", Socket: newFakeClientSocket(), Filter: AllowAllFilter()}
	b := &ClientSession{ID: "b", Session: "sess-b", Socket: newFakeClientSocket(), Filter: AllowAllFilter()}
	server.AddSession(a)
	server.AddSession(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server.Start(ctx)

	msg := protocol.NewMessage("status", "kernel", protocol.Header{}, map[string]any{"execution_state": "busy"})
	frames, err := protocol.Encode(msg, key, nil, protocol.CodecOptions{})
	require.NoError(t, err)
	iopub.in <- frames

	wantBundle := protocol.EncodeBundle(string(protocol.ChannelIOPub), frames)

	for _, sess := range []*ClientSession{a, b} {
		select {
		case got := <-sess.Socket.(*fakeClientSocket).received:
			require.Equal(t, wantBundle, got)
		case <-time.After(time.Second):
			t.Fatalf("session %s never received the broadcast bundle", sess.ID)
		}
	}
}

func TestReplyRoutingDeliversToMatchingSessionOnly(t *testing.T) {
	key := []byte("fanout-key")
	shell := newFakeChannelSocket()
	iopub := newFakeChannelSocket()

	server := NewServer(key, protocol.CodecOptions{}, shell, nil, iopub)

	a := &ClientSession{ID: "a", Session: "sess-a", Socket: newFakeClientSocket(), Filter: AllowAllFilter()}
	b := &ClientSession{ID: "b", Session: "sess-b", Socket: newFakeClientSocket(), Filter: AllowAllFilter()}
	server.AddSession(a)
	server.AddSession(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server.Start(ctx)

	reply := protocol.NewMessage("execute_reply", "kernel", protocol.Header{Session: "sess-b"}, map[string]any{"status": "ok"})
	frames, err := protocol.Encode(reply, key, nil, protocol.CodecOptions{})
	require.NoError(t, err)
	shell.in <- frames

	select {
	case <-a.Socket.(*fakeClientSocket).received:
		t.Fatal("session a should not receive a reply addressed to session b")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case got := <-b.Socket.(*fakeClientSocket).received:
		wantBundle := protocol.EncodeBundle(string(protocol.ChannelShell), frames)
		require.Equal(t, wantBundle, got)
	case <-time.After(time.Second):
		t.Fatal("session b never received its reply")
	}
}

func TestClientRequestIsSignedBeforeRelay(t *testing.T) {
	key := []byte("fanout-key")
	shell := newFakeChannelSocket()
	iopub := newFakeChannelSocket()

	server := NewServer(key, protocol.CodecOptions{}, shell, nil, iopub)
	sess := &ClientSession{ID: "c", Session: "sess-c", Socket: newFakeClientSocket(), Filter: AllowAllFilter()}
	server.AddSession(sess)

	req := &protocol.Message{
		Header:       protocol.Header{MsgID: "m1", MsgType: "execute_request"},
		ParentHeader: protocol.Header{},
		Metadata:     map[string]any{},
		Content:      map[string]any{"code": "1+1"},
	}
	headerJSON, _ := json.Marshal(req.Header)
	parentJSON, _ := json.Marshal(req.ParentHeader)
	metadataJSON, _ := json.Marshal(req.Metadata)
	contentJSON, _ := json.Marshal(req.Content)
	bundle := protocol.EncodeBundle(string(protocol.ChannelShell), [][]byte{headerJSON, parentJSON, metadataJSON, contentJSON})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, server.handleClientFrame(ctx, sess, bundle))

	select {
	case sentFrames := <-shell.sent:
		_, msg, err := protocol.Decode(sentFrames, key, protocol.CodecOptions{})
		require.NoError(t, err)
		require.Equal(t, "execute_request", msg.Header.MsgType)
		require.Equal(t, "sess-c", msg.Header.Session)
	case <-time.After(time.Second):
		t.Fatal("client request was never relayed to the shell socket")
	}
}
