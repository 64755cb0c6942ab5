// Package kernelserver implements the Session Fan-out of spec §4.9: a
// raw-frame relay between a kernel's channels and N client sessions
// multiplexed over the bundle format in package protocol.
package kernelserver

import (
	"context"
	"log"
	"sync"

	"kbridge/capability"
	"kbridge/kerrors"
	"kbridge/protocol"
)

// Server owns the set of connected client sessions and the real
// channel sockets they are relayed against. One Server per kernel.
type Server struct {
	Key  []byte
	Opts protocol.CodecOptions

	Shell   capability.ChannelSocket
	Control capability.ChannelSocket
	IOPub   capability.ChannelSocket

	mu       sync.Mutex
	sessions map[string]*ClientSession

	log *log.Logger
}

// NewServer constructs a Server. Call Start to begin the iopub
// broadcast listener.
func NewServer(key []byte, opts protocol.CodecOptions, shell, control, iopub capability.ChannelSocket) *Server {
	return &Server{
		Key:      key,
		Opts:     opts,
		Shell:    shell,
		Control:  control,
		IOPub:    iopub,
		sessions: make(map[string]*ClientSession),
		log:      log.New(log.Writer(), "[kernelserver] ", log.LstdFlags),
	}
}

// AddSession registers a session for iopub broadcast and reply
// routing. It does not read from the session's socket; call
// ServeSession for that.
func (s *Server) AddSession(sess *ClientSession) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

// RemoveSession evicts a session. Safe to call more than once.
func (s *Server) RemoveSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// ServeSession reads bundled client frames forever, forwarding shell
// and control requests to the kernel. iopub and stdin are not accepted
// from clients. Returns when the socket errors or ctx is cancelled.
func (s *Server) ServeSession(ctx context.Context, sess *ClientSession) error {
	for {
		frame, err := sess.Socket.Recv(ctx)
		if err != nil {
			return err
		}
		if err := s.handleClientFrame(ctx, sess, frame); err != nil {
			s.log.Printf("session %s: %v", sess.ID, err)
		}
	}
}

func (s *Server) handleClientFrame(ctx context.Context, sess *ClientSession, frame []byte) error {
	channel, segments, err := protocol.DecodeBundle(frame)
	if err != nil {
		return err
	}

	var target capability.ChannelSocket
	switch protocol.ChannelID(channel) {
	case protocol.ChannelShell:
		target = s.Shell
	case protocol.ChannelControl:
		target = s.Control
	default:
		return &kerrors.MalformedFrame{Reason: "client frames may only target shell or control, got " + channel}
	}

	msg, err := protocol.DecodeUnsigned(segments)
	if err != nil {
		return err
	}
	if msg.Header.Session == "" {
		msg.Header.Session = sess.Session
	}

	signed, err := protocol.Encode(msg, s.Key, nil, s.Opts)
	if err != nil {
		return err
	}
	return target.SendMultipart(ctx, signed)
}

// Start spawns the iopub broadcast listener and the shell/control
// reply routers (no control router when Control is nil). Each runs
// until ctx is cancelled or its socket closes.
func (s *Server) Start(ctx context.Context) {
	go s.broadcastIOPub(ctx)
	go s.routeReplies(ctx, s.Shell, protocol.ChannelShell)
	if s.Control != nil {
		go s.routeReplies(ctx, s.Control, protocol.ChannelControl)
	}
}

// routeReplies reads kernel replies off channel and delivers each one
// only to the session whose earlier request carried the matching
// session id in its header, per spec §4.9.
func (s *Server) routeReplies(ctx context.Context, socket capability.ChannelSocket, channel protocol.ChannelID) {
	for {
		frames, err := socket.RecvMultipart(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Printf("%s recv: %v", channel, err)
			return
		}

		_, msg, err := protocol.Decode(frames, s.Key, s.Opts)
		if err != nil {
			s.log.Printf("%s decode: %v", channel, err)
			continue
		}

		sess := s.findBySession(msg.ParentHeader.Session)
		if sess == nil {
			continue
		}
		if !sess.Filter.Permits(msg.Header.MsgType) {
			continue
		}
		bundle := protocol.EncodeBundle(string(channel), frames)
		if err := sess.Socket.Send(ctx, bundle); err != nil {
			s.log.Printf("reply to %s failed: %v", sess.ID, err)
			s.RemoveSession(sess.ID)
			_ = sess.Socket.Close()
		}
	}
}

func (s *Server) findBySession(session string) *ClientSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.Session == session {
			return sess
		}
	}
	return nil
}

func (s *Server) broadcastIOPub(ctx context.Context) {
	for {
		frames, err := s.IOPub.RecvMultipart(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Printf("iopub recv: %v", err)
			return
		}

		_, msg, err := protocol.Decode(frames, s.Key, s.Opts)
		if err != nil {
			s.log.Printf("iopub decode: %v", err)
			continue
		}

		bundle := protocol.EncodeBundle(string(protocol.ChannelIOPub), frames)
		s.broadcast(ctx, msg.Header.MsgType, bundle)
	}
}

// broadcast delivers bundle to every session whose filter permits
// msgType. A send failure to one session is logged and the session
// evicted; it never aborts delivery to the others.
func (s *Server) broadcast(ctx context.Context, msgType string, bundle []byte) {
	s.mu.Lock()
	targets := make([]*ClientSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	for _, sess := range targets {
		if !sess.Filter.Permits(msgType) {
			continue
		}
		if err := sess.Socket.Send(ctx, bundle); err != nil {
			s.log.Printf("broadcast to %s failed: %v", sess.ID, err)
			s.RemoveSession(sess.ID)
			_ = sess.Socket.Close()
		}
	}
}
