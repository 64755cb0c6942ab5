package kerneldriver

import (
	"context"
	"sync"

	"kbridge/capability"
	"kbridge/protocol"
)

const maskedValue = "········"

// taskSet retains handles to detached goroutines spawned by the stdin
// mediator until they finish, so nothing cancels them prematurely by
// going out of scope. Mirrors the "submit two tasks, retain their
// handles in a set" design note.
type taskSet struct {
	wg sync.WaitGroup
}

func (t *taskSet) spawn(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

func (t *taskSet) wait() { t.wg.Wait() }

// StdinMediator turns a kernel input_request into an editable shared
// stdin output record, and turns its first submission into an
// input_reply plus a rewritten stream output.
type StdinMediator struct {
	Socket  capability.ChannelSocket
	Key     []byte
	Opts    protocol.CodecOptions
	Session string

	tasks taskSet
}

// HandleInputRequest appends a stdin output record for content (the
// decoded input_request), subscribes to its change events, and returns
// once the subscription is installed. It does not block for the
// submission itself; that happens in a background task.
func (m *StdinMediator) HandleInputRequest(ctx context.Context, doc capability.CellDocument, parentHeader protocol.Header, content map[string]any) {
	prompt, _ := content["prompt"].(string)
	password, _ := content["password"].(bool)

	doc.AppendOutput(map[string]any{
		"output_type": "stdin",
		"submitted":   false,
		"password":    password,
		"prompt":      prompt,
		"value":       "",
	})
	index := doc.OutputsLen() - 1

	var reg capability.ObserverRegistration
	reg = doc.ObserveOutput(index, func(output map[string]any) {
		submitted, _ := output["submitted"].(bool)
		if !submitted {
			return
		}
		// Cancel before spawning so a second edit racing in after
		// submission can never trigger a second reply.
		reg.Cancel()

		value, _ := output["value"].(string)
		m.tasks.spawn(func() {
			m.submit(ctx, doc, parentHeader, index, prompt, password, value)
		})
	})
}

func (m *StdinMediator) submit(ctx context.Context, doc capability.CellDocument, parentHeader protocol.Header, index int, prompt string, password bool, value string) {
	reply := protocol.NewMessage("input_reply", m.Session, parentHeader, map[string]any{"value": value})
	frames, err := protocol.Encode(reply, m.Key, nil, m.Opts)
	if err == nil {
		_ = m.Socket.SendMultipart(ctx, frames)
	}

	masked := value
	if password {
		masked = maskedValue
	}
	doc.Transaction(func() {
		doc.SetOutputAt(index, buildStreamOutput("stdin", prompt+" "+masked))
	})
}

// Wait blocks until every in-flight submission task has completed.
func (m *StdinMediator) Wait() { m.tasks.wait() }
