package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeKernel struct {
	started, stopped, restarted int
	startErr                    error
}

func (k *fakeKernel) Start(ctx context.Context) error {
	k.started++
	return k.startErr
}

func (k *fakeKernel) Stop(ctx context.Context) error {
	k.stopped++
	return nil
}

func (k *fakeKernel) Restart(ctx context.Context) error {
	k.restarted++
	return nil
}

func TestAddStartsAndRegisters(t *testing.T) {
	r := New()
	k := &fakeKernel{}
	id, err := r.Add(context.Background(), k)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, 1, k.started)

	got, err := r.Get(id)
	require.NoError(t, err)
	require.Same(t, k, got)
}

func TestGetUnknownIDFails(t *testing.T) {
	r := New()
	_, err := r.Get("nope")
	require.Error(t, err)
}

func TestRemoveStopsAndUnregisters(t *testing.T) {
	r := New()
	k := &fakeKernel{}
	id, err := r.Add(context.Background(), k)
	require.NoError(t, err)

	require.NoError(t, r.Remove(context.Background(), id))
	require.Equal(t, 1, k.stopped)

	_, err = r.Get(id)
	require.Error(t, err)

	require.Error(t, r.Remove(context.Background(), id))
}

func TestRestartDelegatesToKernel(t *testing.T) {
	r := New()
	k := &fakeKernel{}
	id, err := r.Add(context.Background(), k)
	require.NoError(t, err)

	require.NoError(t, r.Restart(context.Background(), id))
	require.Equal(t, 1, k.restarted)
}

func TestIDsReturnsEverythingRegistered(t *testing.T) {
	r := New()
	id1, _ := r.Add(context.Background(), &fakeKernel{})
	id2, _ := r.Add(context.Background(), &fakeKernel{})

	ids := r.IDs()
	require.ElementsMatch(t, []string{id1, id2}, ids)
}
