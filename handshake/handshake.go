// Package handshake implements the startup handshake prober: proof
// that a kernel is live requires a round trip on shell AND a message
// observed on iopub, because returning after shell alone risks losing
// the first cell's output if iopub has not finished connecting yet.
package handshake

import (
	"context"
	"time"

	"kbridge/capability"
	"kbridge/kerrors"
	"kbridge/protocol"
)

// Channels bundles the two sockets the prober needs.
type Channels struct {
	Shell capability.ChannelSocket
	IOPub capability.ChannelSocket
}

// Prober drives the dual-channel liveness probe described in spec
// §4.4.
type Prober struct {
	Key             []byte
	SignatureScheme string
	Session         string

	// IOPubProbeTimeout bounds each short-lived iopub recv attempted
	// after a kernel_info_reply is observed. Defaults to 200ms.
	IOPubProbeTimeout time.Duration
}

// WaitUntilReady sends kernel_info_request on shell, and on every
// kernel_info_reply it attempts a short recv on iopub; only when that
// iopub recv also yields a message does it return. It keeps
// re-sending kernel_info_request with the remaining deadline
// otherwise, until timeout elapses.
func (p *Prober) WaitUntilReady(ctx context.Context, ch Channels, timeout time.Duration) error {
	iopubTimeout := p.IOPubProbeTimeout
	if iopubTimeout <= 0 {
		iopubTimeout = 200 * time.Millisecond
	}

	deadline := time.Now().Add(timeout)
	opts := protocol.CodecOptions{SignatureScheme: p.SignatureScheme}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &kerrors.StartupTimeout{Timeout: timeout.String()}
		}

		reqCtx, cancel := context.WithTimeout(ctx, remaining)
		req := protocol.NewMessage("kernel_info_request", p.Session, protocol.Header{}, nil)
		frames, err := protocol.Encode(req, p.Key, nil, opts)
		if err != nil {
			cancel()
			return err
		}
		if err := ch.Shell.SendMultipart(reqCtx, frames); err != nil {
			cancel()
			if ctx.Err() != nil {
				return &kerrors.Cancelled{Op: "handshake send"}
			}
			continue
		}

		reply, err := p.recvMatching(reqCtx, ch.Shell, opts, "kernel_info_reply")
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return &kerrors.Cancelled{Op: "handshake recv"}
			}
			continue
		}
		_ = reply

		iopubCtx, iopubCancel := context.WithTimeout(ctx, min(iopubTimeout, time.Until(deadline)))
		_, _, err = p.recvAny(iopubCtx, ch.IOPub, opts)
		iopubCancel()
		if err == nil {
			return nil
		}
		// iopub not connected yet; loop and re-probe with the time left.
	}
}

func (p *Prober) recvMatching(ctx context.Context, sock capability.ChannelSocket, opts protocol.CodecOptions, msgType string) (*protocol.Message, error) {
	for {
		_, msg, err := p.recvAny(ctx, sock, opts)
		if err != nil {
			return nil, err
		}
		if msg.Header.MsgType == msgType {
			return msg, nil
		}
	}
}

func (p *Prober) recvAny(ctx context.Context, sock capability.ChannelSocket, opts protocol.CodecOptions) ([][]byte, *protocol.Message, error) {
	frames, err := sock.RecvMultipart(ctx)
	if err != nil {
		return nil, nil, err
	}
	identities, msg, err := protocol.Decode(frames, p.Key, opts)
	if err != nil {
		return nil, nil, err
	}
	return identities, msg, nil
}
