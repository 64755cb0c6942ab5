package kerneldriver

import (
	"sync"

	"kbridge/capability"
)

// fakeCellDocument is a minimal capability.CellDocument backed by a
// plain slice, used to exercise outputs.go and engine.go without a
// real CRDT.
type fakeCellDocument struct {
	mu sync.Mutex

	cellType string
	source   string

	state         string
	executionCnt  *int
	outputs       []map[string]any
	observers     map[int][]func(map[string]any)
	nextObserverID int
}

func newFakeCellDocument(source string) *fakeCellDocument {
	return &fakeCellDocument{
		cellType:  "code",
		source:    source,
		state:     "idle",
		observers: map[int][]func(map[string]any){},
	}
}

func (d *fakeCellDocument) CellType() string { return d.cellType }
func (d *fakeCellDocument) Source() string   { return d.source }

func (d *fakeCellDocument) SetExecutionState(state string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
}

func (d *fakeCellDocument) ExecutionState() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeCellDocument) SetExecutionCount(count *int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executionCnt = count
}

func (d *fakeCellDocument) ExecutionCount() *int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executionCnt
}

func (d *fakeCellDocument) OutputsLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.outputs)
}

func (d *fakeCellDocument) AppendOutput(output map[string]any) {
	d.mu.Lock()
	d.outputs = append(d.outputs, output)
	d.mu.Unlock()
}

func (d *fakeCellDocument) OutputAt(index int) map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index >= len(d.outputs) {
		return nil
	}
	return d.outputs[index]
}

func (d *fakeCellDocument) SetOutputAt(index int, output map[string]any) {
	d.mu.Lock()
	var fns []func(map[string]any)
	if index >= 0 && index < len(d.outputs) {
		d.outputs[index] = output
		fns = append(fns, d.observers[index]...)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(output)
	}
}

type fakeObserverRegistration struct {
	cancel func()
}

func (r *fakeObserverRegistration) Cancel() { r.cancel() }

func (d *fakeCellDocument) ObserveOutput(index int, fn func(output map[string]any)) capability.ObserverRegistration {
	d.mu.Lock()
	d.observers[index] = append(d.observers[index], fn)
	id := len(d.observers[index]) - 1
	d.mu.Unlock()
	return &fakeObserverRegistration{cancel: func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		fns := d.observers[index]
		if id < len(fns) {
			fns[id] = func(map[string]any) {}
		}
	}}
}

func (d *fakeCellDocument) Transaction(fn func()) {
	fn()
}

var _ capability.CellDocument = (*fakeCellDocument)(nil)
