// Package kerrors defines the typed error kinds raised across the
// kernel protocol bridge. Each kind is its own struct so callers can
// branch on kind with errors.As instead of string matching.
package kerrors

import "fmt"

// KernelspecMissing is raised when the kernelspec locator returns no
// match for the requested kernel name.
type KernelspecMissing struct {
	Name string
}

func (e *KernelspecMissing) Error() string {
	return fmt.Sprintf("kernelspec not found: %q", e.Name)
}

// InvalidDescriptor is raised when a connection descriptor fails to
// parse or is missing required fields.
type InvalidDescriptor struct {
	Path   string
	Reason string
}

func (e *InvalidDescriptor) Error() string {
	return fmt.Sprintf("invalid connection descriptor %q: %s", e.Path, e.Reason)
}

// SignatureMismatch is raised when a frame's HMAC does not verify.
type SignatureMismatch struct{}

func (e *SignatureMismatch) Error() string {
	return "signature mismatch"
}

// MalformedFrame is raised when a frame's JSON segments cannot be
// parsed, or the <IDS|MSG> delimiter is missing.
type MalformedFrame struct {
	Reason string
}

func (e *MalformedFrame) Error() string {
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

// StartupTimeout is raised when the handshake prober exceeds its
// deadline without observing a live round trip on both shell and
// iopub.
type StartupTimeout struct {
	Timeout string
}

func (e *StartupTimeout) Error() string {
	return fmt.Sprintf("kernel did not become ready within %s", e.Timeout)
}

// ExecutionTimeout is raised when a cell execution exceeds its
// deadline before observing status=idle and the matching shell reply.
type ExecutionTimeout struct {
	MsgID   string
	Timeout string
}

func (e *ExecutionTimeout) Error() string {
	return fmt.Sprintf("execution %s did not complete within %s", e.MsgID, e.Timeout)
}

// ChannelClosed is raised when a channel transport's recv returns
// end-of-stream.
type ChannelClosed struct {
	Channel string
}

func (e *ChannelClosed) Error() string {
	return fmt.Sprintf("channel %s closed", e.Channel)
}

// Cancelled is raised when a blocking operation observes context
// cancellation.
type Cancelled struct {
	Op string
}

func (e *Cancelled) Error() string {
	return fmt.Sprintf("%s cancelled", e.Op)
}

// KernelNotFound is raised when the registry is asked to look up,
// restart or remove an id it has no kernel for.
type KernelNotFound struct {
	ID string
}

func (e *KernelNotFound) Error() string {
	return fmt.Sprintf("kernel not found: %q", e.ID)
}
