// Command kbridge is a thin runtime surface over the library packages
// that make up the kernel protocol bridge: it launches one kernel
// process, drives its startup handshake, and fronts its channels with
// a WebSocket Session Gateway. The bridge itself is meant to be
// embedded; this binary exists for manual smoke-testing the way the
// teacher's own main.go dispatches its subcommands.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"kbridge/capability"
	"kbridge/execlauncher"
	"kbridge/kerneldriver"
	"kbridge/kernelserver"
	"kbridge/protocol"
	"kbridge/registry"
	"kbridge/supervisor"
	"kbridge/zmqtransport"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "-h", "--help", "help":
		usage()
	case "serve":
		os.Exit(serveCommand(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand: %s\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  kbridge serve [addr] -- <kernel-argv...>\n")
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  serve [addr] -- <kernel-argv...>   launch a kernel and serve its\n")
	fmt.Fprintf(os.Stderr, "                                      channels over a WebSocket gateway\n")
	fmt.Fprintf(os.Stderr, "                                      (default addr :8888). kernel-argv\n")
	fmt.Fprintf(os.Stderr, "                                      must contain {connection_file}.\n")
	fmt.Fprintf(os.Stderr, "  help                                show this help message\n")
}

// fixedKernelspecLocator hands back the one argv template given on
// the command line, regardless of the requested name.
type fixedKernelspecLocator struct {
	spec capability.Kernelspec
}

func (l fixedKernelspecLocator) Find(ctx context.Context, name string) (*capability.Kernelspec, error) {
	return &l.spec, nil
}

func serveCommand(args []string) int {
	addr := ":8888"
	sep := indexOf(args, "--")
	if sep == -1 {
		fmt.Fprintf(os.Stderr, "serve: missing -- separator before kernel-argv\n")
		return 2
	}
	if sep > 0 {
		addr = normalizeAddr(args[0])
	}
	argv := args[sep+1:]
	if len(argv) == 0 {
		fmt.Fprintf(os.Stderr, "serve: kernel-argv must not be empty\n")
		return 2
	}
	if !strings.Contains(strings.Join(argv, " "), "{connection_file}") {
		fmt.Fprintf(os.Stderr, "serve: kernel-argv must reference {connection_file}\n")
		return 2
	}

	connFile, err := os.CreateTemp("", "kbridge-conn-*.json")
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		return 1
	}
	connPath := connFile.Name()
	connFile.Close()
	os.Remove(connPath)
	defer os.Remove(connPath)

	driver := kerneldriver.New(kerneldriver.Options{
		Supervisor: supervisor.Options{
			KernelName:         "cli",
			ConnectionFilePath: connPath,
			WriteDescriptor:    true,
			CaptureStdio:       true,
			Locator:            fixedKernelspecLocator{spec: capability.Kernelspec{Argv: argv}},
			Launcher:           execlauncher.New(),
		},
		Transport: zmqtransport.New(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New()
	id, err := reg.Add(ctx, driver)
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "kernel %s started\n", id)
	defer reg.Remove(context.Background(), id)

	profile := driver.Profile()
	opts := protocol.CodecOptions{SignatureScheme: profile.SignatureScheme}
	shellSocket, controlSocket, iopubSocket, err := connectFanOutSockets(ctx, profile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		return 1
	}

	server := kernelserver.NewServer(profile.KeyBytes(), opts, shellSocket, controlSocket, iopubSocket)
	server.Start(ctx)
	gateway := kernelserver.NewGateway(server)

	mux := http.NewServeMux()
	mux.Handle("/channels", gateway)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "listening on %s\n", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		return 1
	}
	return 0
}

// connectFanOutSockets dials a second, independent connection per
// channel for the fan-out server, separate from the driver's own
// sockets: Dealer and Sub sockets can be dialed multiple times against
// the same Router/Pub endpoint, and keeping the two paths independent
// means the gateway's traffic never contends with the driver's own
// request correlation.
func connectFanOutSockets(ctx context.Context, profile protocol.ConnectionProfile) (shell, control, iopub capability.ChannelSocket, err error) {
	tr := zmqtransport.New()
	shell, err = tr.Connect(ctx, capability.ChannelShell, profile, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	control, err = tr.Connect(ctx, capability.ChannelControl, profile, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	iopub, err = tr.Connect(ctx, capability.ChannelIOPub, profile, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	return shell, control, iopub, nil
}

func indexOf(args []string, target string) int {
	for i, a := range args {
		if a == target {
			return i
		}
	}
	return -1
}

// normalizeAddr mirrors the teacher's own address normalization:
// binding to "localhost" can fail on hosts where IPv4/IPv6 resolution
// disagrees, so prefer binding every interface, and accept a bare
// port number.
func normalizeAddr(addr string) string {
	addr = strings.Replace(addr, "localhost", "", 1)
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	return addr
}
