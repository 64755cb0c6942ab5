package kerneldriver

import (
	"context"
	"time"

	"kbridge/capability"
	"kbridge/correlator"
	"kbridge/handshake"
	"kbridge/protocol"
	"kbridge/supervisor"
)

// Options configure a Driver.
type Options struct {
	Supervisor supervisor.Options
	Transport  capability.ChannelTransport
	Widgets    capability.WidgetRegistry

	HandshakeTimeout  time.Duration
	IOPubProbeTimeout time.Duration
}

// Driver is the headless driver surface of spec §2: it owns a kernel
// process via its embedded *supervisor.Supervisor, connects the four
// channels, runs the startup handshake, and exposes Execute to drive
// cells to completion.
type Driver struct {
	*supervisor.Supervisor

	transport  capability.ChannelTransport
	widgets    capability.WidgetRegistry
	handshake  time.Duration
	iopubProbe time.Duration

	correlator *correlator.Correlator
	engine     *Engine
}

// New constructs a Driver. Start must be called before Execute.
func New(opts Options) *Driver {
	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 30 * time.Second
	}
	return &Driver{
		Supervisor: supervisor.New(opts.Supervisor),
		transport:  opts.Transport,
		widgets:    opts.Widgets,
		handshake:  handshakeTimeout,
		iopubProbe: opts.IOPubProbeTimeout,
	}
}

// Start launches the kernel, connects all four channels, and blocks
// until the handshake prober confirms the kernel is live.
func (d *Driver) Start(ctx context.Context) error {
	if err := d.Supervisor.Start(ctx); err != nil {
		return err
	}
	return d.connectChannels(ctx)
}

// connectChannels wires up the four channel sockets, the handshake,
// and the correlator/engine against whatever profile the supervisor is
// currently holding. Split out from Start so Restart can reuse it
// without launching the kernel process a second time.
func (d *Driver) connectChannels(ctx context.Context) error {
	profile := d.Supervisor.Profile()
	session := protocol.NewMsgID()

	shell, err := d.transport.Connect(ctx, capability.ChannelShell, profile, nil)
	if err != nil {
		return err
	}
	control, err := d.transport.Connect(ctx, capability.ChannelControl, profile, nil)
	if err != nil {
		return err
	}
	iopub, err := d.transport.Connect(ctx, capability.ChannelIOPub, profile, nil)
	if err != nil {
		return err
	}
	stdin, err := d.transport.Connect(ctx, capability.ChannelStdin, profile, nil)
	if err != nil {
		return err
	}
	prober := &handshake.Prober{
		Key:               profile.KeyBytes(),
		SignatureScheme:   profile.SignatureScheme,
		Session:           session,
		IOPubProbeTimeout: d.iopubProbe,
	}
	if err := prober.WaitUntilReady(ctx, handshake.Channels{Shell: shell, IOPub: iopub}, d.handshake); err != nil {
		return err
	}

	opts := protocol.CodecOptions{SignatureScheme: profile.SignatureScheme}
	d.correlator = correlator.New(profile.KeyBytes(), opts, correlator.Sockets{
		Shell: shell, Control: control, IOPub: iopub, Stdin: stdin,
	})
	d.correlator.Start(ctx)

	d.engine = NewEngine(d.correlator, shell, stdin, profile.KeyBytes(), opts, session, d.widgets)
	return nil
}

// Execute drives a single cell. See Engine.Execute for semantics.
func (d *Driver) Execute(ctx context.Context, cell capability.CellDocument, timeout time.Duration, wait bool) error {
	return d.engine.Execute(ctx, cell, timeout, wait, "")
}

// Stop cancels the correlator's listeners and stops the kernel
// process.
func (d *Driver) Stop(ctx context.Context) error {
	if d.correlator != nil {
		d.correlator.Stop()
	}
	return d.Supervisor.Stop(ctx)
}

// Restart stops the kernel and correlator, then starts both again
// against a fresh connection profile.
func (d *Driver) Restart(ctx context.Context) error {
	if d.correlator != nil {
		d.correlator.Stop()
	}
	if err := d.Supervisor.Restart(ctx); err != nil {
		return err
	}
	return d.connectChannels(ctx)
}
