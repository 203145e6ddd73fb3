package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ankitkulkarni/ignition/internal/signalgate"
)

// TestNonBlockingRecvDrainsAPendingSignal exercises the peek used to enforce
// spec.md's named invariant that a termination signal received concurrently
// with a file-change event preempts the restart: before committing to a
// restart, loop calls nonBlockingRecv(signals) to find out whether a signal
// is already sitting on the channel rather than racing a plain select
// against it.
func TestNonBlockingRecvDrainsAPendingSignal(t *testing.T) {
	ch := make(chan signalgate.Signal, 1)
	ch <- signalgate.SIGTERM

	sig, ok := nonBlockingRecv(ch)
	require.True(t, ok)
	require.Equal(t, signalgate.SIGTERM, sig)
}

// TestNonBlockingRecvDoesNotBlockWhenEmpty is the other half of the same
// contract: with nothing queued, the peek must return immediately rather
// than waiting for a signal that may never come, since loop calls it
// unconditionally on every file-change event.
func TestNonBlockingRecvDoesNotBlockWhenEmpty(t *testing.T) {
	ch := make(chan signalgate.Signal)

	_, ok := nonBlockingRecv(ch)
	require.False(t, ok)
}
