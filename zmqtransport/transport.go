// Package zmqtransport is the default capability.ChannelTransport: it
// dials a running kernel's Router sockets (shell, control, stdin)
// with Dealer sockets and its Pub socket (iopub) with a Sub socket,
// the client side of the bind pattern a kernel itself uses.
package zmqtransport

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"

	"kbridge/capability"
	"kbridge/protocol"
)

// Transport is a capability.ChannelTransport backed by zmq4. The zero
// value is ready to use.
type Transport struct{}

// New returns a ready Transport.
func New() *Transport {
	return &Transport{}
}

// Connect dials the channel's port on profile, a protocol.ConnectionProfile,
// and wraps the resulting socket in capability.ChannelSocket. Shell,
// control and stdin are Dealer sockets addressing the kernel's Router
// sockets; iopub is a Sub socket subscribed to every topic.
func (t *Transport) Connect(ctx context.Context, channel capability.Channel, profile any, identity capability.RoutingIdentity) (capability.ChannelSocket, error) {
	p, ok := profile.(protocol.ConnectionProfile)
	if !ok {
		return nil, fmt.Errorf("zmqtransport: profile must be a protocol.ConnectionProfile, got %T", profile)
	}

	addr := p.Address(protocol.ChannelID(channel))

	if channel == capability.ChannelIOPub {
		sock := zmq4.NewSub(ctx)
		if err := sock.Dial(addr); err != nil {
			return nil, fmt.Errorf("zmqtransport: dial iopub %s: %w", addr, err)
		}
		if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("zmqtransport: subscribe iopub: %w", err)
		}
		return &socket{raw: sock}, nil
	}

	opts := []zmq4.Option{}
	if len(identity) > 0 {
		opts = append(opts, zmq4.WithID(zmq4.SocketIdentity(identity)))
	}
	sock := zmq4.NewDealer(ctx, opts...)
	if err := sock.Dial(addr); err != nil {
		return nil, fmt.Errorf("zmqtransport: dial %s %s: %w", channel, addr, err)
	}
	return &socket{raw: sock}, nil
}

// socket adapts a zmq4.Socket to capability.ChannelSocket. zmq4's Send
// and Recv do not take a context, so the ctx passed to SendMultipart
// and RecvMultipart is ignored; a blocked RecvMultipart returns only
// when the zmq4 socket yields a message or an error (e.g. after Close).
type socket struct {
	raw zmq4.Socket
}

func (s *socket) SendMultipart(ctx context.Context, parts [][]byte) error {
	return s.raw.Send(zmq4.NewMsgFrom(parts...))
}

func (s *socket) RecvMultipart(ctx context.Context) ([][]byte, error) {
	msg, err := s.raw.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Frames, nil
}

func (s *socket) Close() error {
	return s.raw.Close()
}
