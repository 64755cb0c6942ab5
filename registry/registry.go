// Package registry owns the set of live kernels a process is
// managing. It is deliberately not a package-level global: each
// embedding application constructs its own *Registry and threads it
// through its handlers, the way the teacher threads its own
// long-lived state through constructors rather than reaching for
// init()-time singletons.
package registry

import (
	"context"
	"sync"

	"github.com/gofrs/uuid"

	"kbridge/kerrors"
)

// Kernel is the narrow surface the registry needs from a running
// kernel. *kerneldriver.Driver satisfies it with its own Start, Stop
// and Restart, which wrap those of its embedded *supervisor.Supervisor.
type Kernel interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
}

// Registry maps opaque kernel ids to the Kernel instance managing
// them. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	kernels map[string]Kernel
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{kernels: make(map[string]Kernel)}
}

// Add starts kernel and registers it under a freshly minted id.
func (r *Registry) Add(ctx context.Context, kernel Kernel) (string, error) {
	if err := kernel.Start(ctx); err != nil {
		return "", err
	}

	id := uuid.Must(uuid.NewV4()).String()
	r.mu.Lock()
	r.kernels[id] = kernel
	r.mu.Unlock()
	return id, nil
}

// Get returns the kernel registered under id, or
// *kerrors.KernelNotFound if there is none.
func (r *Registry) Get(id string) (Kernel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.kernels[id]
	if !ok {
		return nil, &kerrors.KernelNotFound{ID: id}
	}
	return k, nil
}

// Restart restarts the kernel registered under id in place; its id is
// unchanged.
func (r *Registry) Restart(ctx context.Context, id string) error {
	k, err := r.Get(id)
	if err != nil {
		return err
	}
	return k.Restart(ctx)
}

// Remove stops and unregisters the kernel under id. Returns
// *kerrors.KernelNotFound if there is none.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	k, ok := r.kernels[id]
	if ok {
		delete(r.kernels, id)
	}
	r.mu.Unlock()

	if !ok {
		return &kerrors.KernelNotFound{ID: id}
	}
	return k.Stop(ctx)
}

// IDs returns a snapshot of every currently registered kernel id.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.kernels))
	for id := range r.kernels {
		ids = append(ids, id)
	}
	return ids
}
