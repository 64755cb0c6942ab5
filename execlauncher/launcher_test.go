package execlauncher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLaunchRunsAndWaits(t *testing.T) {
	l := New()
	handle, err := l.Launch(context.Background(), []string{"true"}, "", nil, false)
	require.NoError(t, err)
	require.Greater(t, handle.Pid(), 0)
	require.NoError(t, handle.Wait())
}

func TestLaunchUnknownCommand(t *testing.T) {
	l := New()
	_, err := l.Launch(context.Background(), []string{"definitely-not-a-real-binary-xyz"}, "", nil, false)
	require.Error(t, err)
}

func TestSendSignalInterruptsSleep(t *testing.T) {
	l := New()
	handle, err := l.Launch(context.Background(), []string{"sleep", "30"}, "", nil, false)
	require.NoError(t, err)

	require.NoError(t, handle.SendSignal(interruptSignalForTest))

	done := make(chan error, 1)
	go func() { done <- handle.Wait() }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = handle.Kill()
		t.Fatal("process did not exit after SIGINT")
	}
}

const interruptSignalForTest = 2
