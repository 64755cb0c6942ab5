// Package capability declares the contracts the kernel protocol
// bridge consumes but does not implement: kernelspec lookup, process
// launching, channel transport, the CRDT cell document facade, and
// the widget registry. Production defaults for the transport and
// launcher live in zmqtransport and execlauncher; everything else is
// provided by the embedding application.
package capability

import "context"

// Kernelspec describes how to launch a kernel: its argv template
// (with "{connection_file}" substituted by the caller), environment
// overrides, and an optional working directory.
type Kernelspec struct {
	Argv    []string
	Env     []string
	Cwd     string
	Name    string
	Display string
}

// KernelspecLocator resolves a kernel name to a launch recipe. It
// returns (nil, nil) when no kernelspec by that name exists; callers
// wrap that into a *kerrors.KernelspecMissing.
type KernelspecLocator interface {
	Find(ctx context.Context, name string) (*Kernelspec, error)
}

// ProcessHandle is a running kernel process.
type ProcessHandle interface {
	Kill() error
	SendSignal(sig int) error
	Wait() error
	Pid() int
}

// ProcessLauncher starts external processes on behalf of the Kernel
// Supervisor.
type ProcessLauncher interface {
	Launch(ctx context.Context, argv []string, cwd string, env []string, captureStdio bool) (ProcessHandle, error)
}

// Channel identifies one of the five Jupyter wire channels.
type Channel string

const (
	ChannelShell      Channel = "shell"
	ChannelControl    Channel = "control"
	ChannelIOPub      Channel = "iopub"
	ChannelStdin      Channel = "stdin"
	ChannelHeartbeat  Channel = "hb"
)

// ChannelSocket is a single connected channel: ordered multipart
// send/recv of raw byte frames, already signed/unsigned at this
// layer's boundary (the codec handles (de)serialization above it).
type ChannelSocket interface {
	SendMultipart(ctx context.Context, parts [][]byte) error
	RecvMultipart(ctx context.Context) ([][]byte, error)
	Close() error
}

// RoutingIdentity is an opaque identity a Dealer-style socket presents
// on connect, used by shell and stdin so the kernel's Router socket
// can address replies back to this driver.
type RoutingIdentity []byte

// ChannelTransport connects to one of a kernel's channels given its
// connection profile.
type ChannelTransport interface {
	Connect(ctx context.Context, channel Channel, profile any, identity RoutingIdentity) (ChannelSocket, error)
}

// CellTransaction is the scope object returned by CellDocument's
// Transaction method; mutations performed before Commit (or before
// the scope ends, for facades that commit implicitly on scope exit)
// are observed atomically.
type CellTransaction interface {
	Commit()
}

// ObserverRegistration is returned by Observe; calling Cancel
// unsubscribes. Holding only this handle (and not a reference back to
// the observed record) keeps the stdin mediator's callback acyclic,
// per the design notes.
type ObserverRegistration interface {
	Cancel()
}

// CellDocument is the narrow capability the driver uses to read and
// mutate a single notebook cell. It is backed by a CRDT in the
// embedding application; this interface exposes only what the
// execution engine needs.
type CellDocument interface {
	CellType() string
	Source() string

	SetExecutionState(state string)
	SetExecutionCount(count *int)

	// OutputsLen, AppendOutput, OutputAt and SetOutputAt operate on the
	// cell's ordered outputs sequence.
	OutputsLen() int
	AppendOutput(output map[string]any)
	OutputAt(index int) map[string]any
	SetOutputAt(index int, output map[string]any)

	// ObserveOutput registers a callback invoked whenever the output at
	// index changes. Used only for stdin outputs.
	ObserveOutput(index int, fn func(output map[string]any)) ObserverRegistration

	// Transaction groups every mutation performed inside fn into one
	// atomic change as observed by external watchers.
	Transaction(fn func())
}

// WidgetHandle is an opaque reference to a collaborative document
// backing a rendered widget.
type WidgetHandle any

// WidgetRegistry resolves a ywidget model id to a collaborative
// document handle and ensures a collaboration room exists for it.
// Optional: a nil WidgetRegistry means ywidget outputs are appended
// like any other display_data or execute_result record.
type WidgetRegistry interface {
	Resolve(modelID string) (WidgetHandle, bool)
	EnsureRoom(ctx context.Context, path string, doc WidgetHandle) error
}

// ClientSocket is one client-facing bidirectional byte-framed
// connection in server mode, e.g. a WebSocket.
type ClientSocket interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}
