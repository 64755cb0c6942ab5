// Package correlator implements the Request Correlator from spec
// §4.5: one long-running listener per channel, routing replies to
// pending requests by parent message id, and fanning comm_open/
// comm_msg traffic into a separate queue.
package correlator

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"kbridge/capability"
	"kbridge/kerrors"
	"kbridge/protocol"
)

// PendingRequest holds the three reply queues a single execute_request
// correlates against.
type PendingRequest struct {
	iopub *msgQueue
	shell *msgQueue
	stdin *msgQueue
}

// IOPub returns the next iopub message addressed to this request.
func (p *PendingRequest) IOPub(ctx context.Context) (*protocol.Message, error) {
	return p.get(ctx, p.iopub)
}

// Shell returns the next shell reply addressed to this request.
func (p *PendingRequest) Shell(ctx context.Context) (*protocol.Message, error) {
	return p.get(ctx, p.shell)
}

// Stdin returns the next stdin message addressed to this request.
func (p *PendingRequest) Stdin(ctx context.Context) (*protocol.Message, error) {
	return p.get(ctx, p.stdin)
}

func (p *PendingRequest) get(ctx context.Context, q *msgQueue) (*protocol.Message, error) {
	item, err := q.Get(ctx)
	if err != nil {
		return nil, &kerrors.Cancelled{Op: "pending request recv"}
	}
	return item.(*protocol.Message), nil
}

// Sockets bundles the four channel sockets the correlator listens on.
type Sockets struct {
	Shell   capability.ChannelSocket
	Control capability.ChannelSocket
	IOPub   capability.ChannelSocket
	Stdin   capability.ChannelSocket
}

// Correlator owns the pending-requests map and the listener
// goroutines that drain the four channels forever.
type Correlator struct {
	key  []byte
	opts protocol.CodecOptions

	sockets Sockets

	mu      sync.Mutex
	pending map[string]*PendingRequest

	comms *msgQueue

	signatureMismatches atomic.Int64
	malformedFrames     atomic.Int64
	dropped             atomic.Int64

	group  *errgroup.Group
	cancel context.CancelFunc
	log    *log.Logger
}

// New constructs a Correlator. Call Start to begin listening.
func New(key []byte, opts protocol.CodecOptions, sockets Sockets) *Correlator {
	return &Correlator{
		key:     key,
		opts:    opts,
		sockets: sockets,
		pending: make(map[string]*PendingRequest),
		comms:   newMsgQueue(),
		log:     log.New(log.Writer(), "[correlator] ", log.LstdFlags),
	}
}

// Install registers a new pending request for msgID and returns its
// reply queues. Must be called before the request is sent, so no
// reply can race ahead of the listener knowing to route to it.
func (c *Correlator) Install(msgID string) *PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr := &PendingRequest{iopub: newMsgQueue(), shell: newMsgQueue(), stdin: newMsgQueue()}
	c.pending[msgID] = pr
	return pr
}

// Remove deletes the pending request for msgID. Safe to call more
// than once.
func (c *Correlator) Remove(msgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, msgID)
}

func (c *Correlator) lookup(msgID string) (*PendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr, ok := c.pending[msgID]
	return pr, ok
}

// Comms blocks until the next comm_open/comm_msg message received on
// iopub is available and returns it, for a widget-dispatch task to
// call in a loop.
func (c *Correlator) Comms() (*protocol.Message, error) {
	msg, err := c.comms.Get(context.Background())
	if err != nil {
		return nil, err
	}
	return msg.(*protocol.Message), nil
}

// SignatureMismatches reports how many frames have failed HMAC
// verification since Start, for the property test in spec §8.5.
func (c *Correlator) SignatureMismatches() int64 { return c.signatureMismatches.Load() }

// Start spawns one listener goroutine per channel (three when
// Sockets.Control is nil). Listeners run until ctx is cancelled or
// Stop is called.
func (c *Correlator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	c.group = group

	group.Go(func() error { return c.listen(gctx, c.sockets.IOPub, c.handleIOPub) })
	group.Go(func() error { return c.listen(gctx, c.sockets.Shell, c.handleShell) })
	group.Go(func() error { return c.listen(gctx, c.sockets.Stdin, c.handleStdin) })
	if c.sockets.Control != nil {
		group.Go(func() error { return c.listen(gctx, c.sockets.Control, c.handleControl) })
	}
}

// Stop cancels all listener goroutines. It does not wait for them to
// exit; callers that need that should call Wait.
func (c *Correlator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Wait blocks until all listener goroutines have exited.
func (c *Correlator) Wait() error {
	if c.group == nil {
		return nil
	}
	return c.group.Wait()
}

func (c *Correlator) listen(ctx context.Context, sock capability.ChannelSocket, handle func(*protocol.Message)) error {
	for {
		frames, err := sock.RecvMultipart(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &kerrors.ChannelClosed{Channel: "listener"}
		}
		_, msg, err := protocol.Decode(frames, c.key, c.opts)
		if err != nil {
			c.recordDropped(err)
			continue
		}
		handle(msg)
	}
}

func (c *Correlator) recordDropped(err error) {
	c.dropped.Add(1)
	if isSignatureMismatch(err) {
		c.signatureMismatches.Add(1)
	} else {
		c.malformedFrames.Add(1)
	}
	c.log.Printf("dropping frame: %v", err)
}

func isSignatureMismatch(err error) bool {
	_, ok := err.(*kerrors.SignatureMismatch)
	return ok
}

func (c *Correlator) handleIOPub(msg *protocol.Message) {
	if msg.Header.MsgType == "comm_open" || msg.Header.MsgType == "comm_msg" {
		c.comms.Put(msg)
		return
	}
	parentID := msg.ParentHeader.MsgID
	if parentID == "" {
		return
	}
	if pr, ok := c.lookup(parentID); ok {
		pr.iopub.Put(msg)
	}
}

func (c *Correlator) handleShell(msg *protocol.Message) {
	parentID := msg.ParentHeader.MsgID
	if pr, ok := c.lookup(parentID); ok {
		pr.shell.Put(msg)
	}
}

func (c *Correlator) handleStdin(msg *protocol.Message) {
	parentID := msg.ParentHeader.MsgID
	if pr, ok := c.lookup(parentID); ok {
		pr.stdin.Put(msg)
	}
}

// handleControl drains the control channel. The driver issues control
// requests (shutdown, interrupt) synchronously outside the correlator
// — see supervisor.Restart — so there is no pending-request queue to
// route into here; this only keeps the socket's receive buffer from
// backing up and counts anything unexpected as dropped.
func (c *Correlator) handleControl(msg *protocol.Message) {
	c.dropped.Add(1)
}
