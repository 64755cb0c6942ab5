// Package kerneldriver drives one cell at a time against a kernel
// using the wire protocol in package protocol and the channel sockets
// a capability.ChannelTransport hands back, materializing outputs into
// a capability.CellDocument.
package kerneldriver

import (
	"context"
	"log"
	"time"

	"kbridge/capability"
	"kbridge/correlator"
	"kbridge/kerrors"
	"kbridge/protocol"
)

// State is one of the Execution Engine's states for a single pending
// request.
type State int

const (
	Busy State = iota
	AwaitingShellReply
	Done
	Failed
)

// Engine drives execute_request/execute_reply round trips for a single
// kernel session. One Engine is shared by every cell execution against
// that kernel; state belongs to the per-call pending request, not to
// the Engine itself.
type Engine struct {
	Correlator  *correlator.Correlator
	ShellSocket capability.ChannelSocket
	StdinSocket capability.ChannelSocket
	Key         []byte
	Opts        protocol.CodecOptions
	Session     string
	Widgets     capability.WidgetRegistry

	log *log.Logger
}

// NewEngine constructs an Engine. Widgets may be nil.
func NewEngine(corr *correlator.Correlator, shell, stdin capability.ChannelSocket, key []byte, opts protocol.CodecOptions, session string, widgets capability.WidgetRegistry) *Engine {
	return &Engine{
		Correlator:  corr,
		ShellSocket: shell,
		StdinSocket: stdin,
		Key:         key,
		Opts:        opts,
		Session:     session,
		Widgets:     widgets,
		log:         log.New(log.Writer(), "[engine] ", log.LstdFlags),
	}
}

// Execute drives cell to completion. If wait is false, Execute returns
// as soon as the request has been installed and sent; completion
// continues on detached goroutines that terminate once the pending
// request is removed, per spec §4.6. msgID may be empty to mint a
// fresh one.
func (e *Engine) Execute(ctx context.Context, cell capability.CellDocument, timeout time.Duration, wait bool, msgID string) error {
	if cell.CellType() != "code" {
		return nil
	}

	if msgID == "" {
		msgID = protocol.NewMsgID()
	}

	cell.SetExecutionState("busy")
	content := map[string]any{
		"code":        cell.Source(),
		"silent":      false,
		"allow_stdin": true,
	}
	req := protocol.NewMessageWithID(msgID, "execute_request", e.Session, protocol.Header{}, content)
	frames, err := protocol.Encode(req, e.Key, nil, e.Opts)
	if err != nil {
		return err
	}

	pr := e.Correlator.Install(msgID)
	if err := e.ShellSocket.SendMultipart(ctx, frames); err != nil {
		e.Correlator.Remove(msgID)
		return err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	if wait {
		return e.complete(ctx, cell, pr, msgID, req.Header, deadline)
	}

	go func() {
		// Detached completion runs against a background context: the
		// caller's ctx may already be gone by the time the kernel
		// finishes, but the pending request must still be drained.
		bgCtx := context.Background()
		if err := e.complete(bgCtx, cell, pr, msgID, req.Header, deadline); err != nil {
			e.log.Printf("detached execute %s: %v", msgID, err)
		}
	}()
	return nil
}

func (e *Engine) complete(ctx context.Context, cell capability.CellDocument, pr *correlator.PendingRequest, msgID string, parentHeader protocol.Header, deadline time.Time) error {
	defer e.Correlator.Remove(msgID)

	mediator := &StdinMediator{Socket: e.StdinSocket, Key: e.Key, Opts: e.Opts, Session: e.Session}
	defer mediator.Wait()

	stdinDone := make(chan struct{})
	defer close(stdinDone)
	go e.pumpStdin(ctx, cell, pr, mediator, stdinDone)

	if err := e.pumpIOPubUntilIdle(ctx, cell, pr, mediator, msgID, deadline); err != nil {
		return err
	}

	replyCtx, cancel := deadlineContext(ctx, deadline)
	reply, err := pr.Shell(replyCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil && deadlinePassed(deadline) {
			return &kerrors.ExecutionTimeout{MsgID: msgID, Timeout: time.Until(deadline).String()}
		}
		return err
	}

	execCount := intFromContent(reply.Content, "execution_count")
	cell.Transaction(func() {
		cell.SetExecutionCount(execCount)
		cell.SetExecutionState("idle")
	})
	return nil
}

// pumpIOPubUntilIdle drains pr.IOPub, applying every message to cell's
// outputs, until it observes status=idle with a matching parent id.
func (e *Engine) pumpIOPubUntilIdle(ctx context.Context, cell capability.CellDocument, pr *correlator.PendingRequest, mediator *StdinMediator, msgID string, deadline time.Time) error {
	for {
		recvCtx, cancel := deadlineContext(ctx, deadline)
		msg, err := pr.IOPub(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && deadlinePassed(deadline) {
				return &kerrors.ExecutionTimeout{MsgID: msgID, Timeout: time.Until(deadline).String()}
			}
			return err
		}

		if msg.Header.MsgType == "status" {
			state, _ := msg.Content["execution_state"].(string)
			if state == "idle" && protocol.IsReplyTo(msg, msgID) {
				return nil
			}
			continue
		}

		if err := e.applyOne(ctx, cell, mediator, msg); err != nil {
			return err
		}
	}
}

// pumpStdin drains pr.Stdin forever, until done is closed. This is the
// detached listener named in spec §4.6; in this bridge input_request
// normally arrives via apply_output's iopub path, but a kernel that
// routes it over the dedicated stdin channel instead is handled the
// same way here.
func (e *Engine) pumpStdin(ctx context.Context, cell capability.CellDocument, pr *correlator.PendingRequest, mediator *StdinMediator, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		recvCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		msg, err := pr.Stdin(recvCtx)
		cancel()
		if err != nil {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		_ = e.applyOne(ctx, cell, mediator, msg)
	}
}

func (e *Engine) applyOne(ctx context.Context, cell capability.CellDocument, mediator *StdinMediator, msg *protocol.Message) error {
	var isInputRequest bool
	var applyErr error
	cell.Transaction(func() {
		isInputRequest, applyErr = ApplyOutput(ctx, cell, e.Widgets, msg)
	})
	if applyErr != nil {
		return applyErr
	}
	if isInputRequest {
		mediator.HandleInputRequest(ctx, cell, msg.Header, msg.Content)
	}
	return nil
}

func deadlineContext(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

func deadlinePassed(deadline time.Time) bool {
	return !deadline.IsZero() && !time.Now().Before(deadline)
}

func intFromContent(content map[string]any, key string) *int {
	v, ok := content[key]
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case int:
		return &n
	case float64:
		i := int(n)
		return &i
	default:
		return nil
	}
}
