// Package execlauncher is the default capability.ProcessLauncher: it
// starts kernel processes with os/exec, the way nbexec starts
// `jupyter notebook` and the teacher's own programs shell out to
// external tools.
package execlauncher

import (
	"context"
	"io"
	"os"
	"os/exec"

	"kbridge/capability"
)

// Launcher starts kernel processes as real OS subprocesses. The zero
// value is ready to use.
type Launcher struct{}

// New returns a ready Launcher.
func New() *Launcher {
	return &Launcher{}
}

// Launch resolves argv[0] through PATH, starts the process with env
// and cwd applied, and returns a handle wrapping the running
// *os.Process. When captureStdio is true the child's stdout/stderr are
// wired to this process's own, useful for kernels that log startup
// diagnostics before their sockets come up; otherwise they are
// discarded.
func (l *Launcher) Launch(ctx context.Context, argv []string, cwd string, env []string, captureStdio bool) (capability.ProcessHandle, error) {
	if len(argv) == 0 {
		return nil, &exec.Error{Name: "", Err: exec.ErrNotFound}
	}

	resolved, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, resolved, argv[1:]...)
	cmd.Cancel = nil // the supervisor drives shutdown explicitly via SendSignal/Kill
	cmd.Dir = cwd
	cmd.Env = env
	if captureStdio {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &processHandle{cmd: cmd}, nil
}

// processHandle adapts *exec.Cmd to capability.ProcessHandle.
type processHandle struct {
	cmd *exec.Cmd
}

func (h *processHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *processHandle) Kill() error {
	return h.cmd.Process.Kill()
}

// SendSignal delivers a POSIX signal number to the process. sig is an
// int rather than syscall.Signal so capability stays import-free of
// syscall; this is the one place that interprets it.
func (h *processHandle) SendSignal(sig int) error {
	return h.cmd.Process.Signal(signalFor(sig))
}

func (h *processHandle) Wait() error {
	return h.cmd.Wait()
}
