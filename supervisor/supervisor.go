// Package supervisor owns a kernel process's lifecycle and the
// connection profile lifecycle that goes with it: launching,
// interrupting, killing, and the write/read/remove cycle of the
// on-disk connection descriptor. kerneldriver.Driver embeds a
// *Supervisor; kernelserver does not manage a process and only relays
// against channel sockets it is handed.
package supervisor

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"kbridge/capability"
	"kbridge/kerrors"
	"kbridge/protocol"
)

// Options configure a new Supervisor.
type Options struct {
	KernelName         string
	KernelspecPath     string // used directly if set, bypassing Locator
	KernelCwd          string
	ConnectionFilePath string // required; descriptor is written/read here
	WriteDescriptor    bool   // true: allocate + write; false: read existing
	CaptureStdio       bool

	Locator  capability.KernelspecLocator
	Launcher capability.ProcessLauncher
}

// Supervisor launches, stops, and restarts a single kernel process.
type Supervisor struct {
	opts Options
	log  *log.Logger

	mu      sync.Mutex
	profile protocol.ConnectionProfile
	process capability.ProcessHandle
	stopped bool
	started bool
	watcher *fsnotify.Watcher

	dead chan error
}

// interruptSignal is SIGINT's POSIX value. capability.ProcessLauncher
// deals in plain ints rather than syscall.Signal so that capability
// stays import-free of syscall; the concrete default launcher
// (execlauncher) interprets it the same way.
const interruptSignal = 2

// New constructs a Supervisor. The connection descriptor is not
// written or launched until Start is called.
func New(opts Options) *Supervisor {
	return &Supervisor{
		opts: opts,
		log:  log.New(log.Writer(), "[supervisor] ", log.LstdFlags),
		dead: make(chan error, 1),
	}
}

// Profile returns the current connection profile. Valid only after a
// successful Start or Restart.
func (s *Supervisor) Profile() protocol.ConnectionProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Dead reports, at most once per Start, a *kerrors.ChannelClosed if the
// connection descriptor disappears out-of-band (kernel or an external
// process manager deleting it) rather than through this Supervisor's
// own Stop/Restart. A receive blocks until something is reported;
// sends never block, since the channel is buffered so the watch
// goroutine never stalls waiting for a consumer.
func (s *Supervisor) Dead() <-chan error {
	return s.dead
}

func (s *Supervisor) setupDescriptor() error {
	if s.opts.WriteDescriptor {
		profile, err := protocol.AllocateProfile("")
		if err != nil {
			return err
		}
		if err := protocol.WriteProfile(s.opts.ConnectionFilePath, profile); err != nil {
			return err
		}
		s.profile = profile
		return nil
	}
	profile, err := protocol.ReadProfile(s.opts.ConnectionFilePath)
	if err != nil {
		return err
	}
	s.profile = profile
	return nil
}

// startDescriptorWatch watches the connection descriptor file so an
// externally-triggered deletion (the kernel process or a process
// manager removing it, as opposed to this Supervisor's own Stop or
// Restart) surfaces on Dead. Failure to set up the watch is logged and
// otherwise ignored: the watch is an optional liveness signal, not a
// condition Start should fail on.
func (s *Supervisor) startDescriptorWatch(path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Printf("descriptor watch disabled: %v", err)
		return
	}
	if err := watcher.Add(path); err != nil {
		s.log.Printf("descriptor watch disabled: %v", err)
		watcher.Close()
		return
	}
	s.watcher = watcher
	go s.watchDescriptor(watcher, path)
}

func (s *Supervisor) watchDescriptor(watcher *fsnotify.Watcher, path string) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.mu.Lock()
			selfInitiated := s.stopped
			s.mu.Unlock()
			if selfInitiated {
				continue
			}
			s.reportDead(&kerrors.ChannelClosed{Channel: "connection descriptor"})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Printf("descriptor watch: %v", err)
		}
	}
}

// reportDead sends a non-blocking best-effort signal: the channel is
// buffered to size 1, so a consumer that never reads still lets the
// watch goroutine proceed rather than leaking on a full channel.
func (s *Supervisor) reportDead(err error) {
	select {
	case s.dead <- err:
	default:
	}
}

func (s *Supervisor) stopDescriptorWatch() {
	if s.watcher == nil {
		return
	}
	s.watcher.Close()
	s.watcher = nil
}

// Start resolves the kernelspec, writes or reads the connection
// descriptor, and launches the kernel process. It does not wait for
// the kernel to become ready; pair it with a handshake prober.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.setupDescriptor(); err != nil {
		return err
	}
	s.startDescriptorWatch(s.opts.ConnectionFilePath)

	argv, env, cwd, err := s.resolveKernelspec(ctx)
	if err != nil {
		return err
	}

	process, err := s.opts.Launcher.Launch(ctx, argv, cwd, env, s.opts.CaptureStdio)
	if err != nil {
		return err
	}

	s.process = process
	s.stopped = false
	s.started = true
	s.log.Printf("kernel started, pid=%d descriptor=%s", process.Pid(), s.opts.ConnectionFilePath)
	return nil
}

func (s *Supervisor) resolveKernelspec(ctx context.Context) (argv []string, env []string, cwd string, err error) {
	cwd = s.opts.KernelCwd
	var spec *capability.Kernelspec
	if s.opts.KernelspecPath != "" {
		spec = &capability.Kernelspec{Argv: []string{s.opts.KernelspecPath}}
	} else {
		if s.opts.Locator == nil {
			return nil, nil, "", &kerrors.KernelspecMissing{Name: s.opts.KernelName}
		}
		spec, err = s.opts.Locator.Find(ctx, s.opts.KernelName)
		if err != nil {
			return nil, nil, "", err
		}
		if spec == nil {
			return nil, nil, "", &kerrors.KernelspecMissing{Name: s.opts.KernelName}
		}
	}
	if spec.Cwd != "" {
		cwd = spec.Cwd
	}
	argv = substituteConnectionFile(spec.Argv, s.opts.ConnectionFilePath)
	return argv, spec.Env, cwd, nil
}

func substituteConnectionFile(argvTemplate []string, path string) []string {
	out := make([]string, len(argvTemplate))
	for i, a := range argvTemplate {
		out[i] = strings.ReplaceAll(a, "{connection_file}", path)
	}
	return out
}

// Stop terminates the kernel process (interrupt then forceful kill),
// waits for exit, and removes the descriptor file. Idempotent: a
// second call is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.stopDescriptorWatch()

	if s.process != nil {
		_ = s.process.SendSignal(interruptSignal)
		select {
		case <-waitAsync(s.process):
		case <-time.After(2 * time.Second):
			_ = s.process.Kill()
			<-waitAsync(s.process)
		}
	}

	if err := protocol.RemoveProfile(s.opts.ConnectionFilePath); err != nil {
		s.log.Printf("remove descriptor %s: %v", s.opts.ConnectionFilePath, err)
	}
	return nil
}

func waitAsync(p capability.ProcessHandle) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		_ = p.Wait()
		close(done)
	}()
	return done
}

// Restart stops the kernel, allocates a fresh connection profile
// (never reusing the old ports/key), and starts a new kernel process.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	s.stopLocked()
	s.opts.WriteDescriptor = true
	s.mu.Unlock()

	return s.Start(ctx)
}
