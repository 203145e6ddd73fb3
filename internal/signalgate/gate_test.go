package signalgate_test

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankitkulkarni/ignition/internal/signalgate"
)

func TestWaitTimesOutWithNoSignal(t *testing.T) {
	g := signalgate.Install()
	defer g.Close()

	_, ok := g.Wait(30 * time.Millisecond)
	assert.False(t, ok)
}

func TestWaitReturnsDeliveredSignal(t *testing.T) {
	g := signalgate.Install()
	defer g.Close()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	sig, ok := g.Wait(time.Second)
	require.True(t, ok)
	assert.Equal(t, signalgate.SIGUSR1, sig)
	assert.True(t, sig.IsForwardOnly())
	assert.False(t, sig.IsTermination())
}

func TestTerminationGroupClassification(t *testing.T) {
	assert.True(t, signalgate.SIGTERM.IsTermination())
	assert.True(t, signalgate.SIGINT.IsTermination())
	assert.True(t, signalgate.SIGQUIT.IsTermination())
	assert.False(t, signalgate.SIGHUP.IsTermination())
}

func TestSignalString(t *testing.T) {
	assert.Equal(t, "TERM", signalgate.SIGTERM.String())
	assert.Equal(t, "CHLD", signalgate.SIGCHLD.String())
	assert.Equal(t, "OTHER", signalgate.SIGOther.String())
}
