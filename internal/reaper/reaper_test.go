package reaper_test

import (
	"os/exec"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ankitkulkarni/ignition/internal/reaper"
)

func TestReapAllCollectsExitedChild(t *testing.T) {
	cmd := exec.Command("/bin/true")
	require.NoError(t, cmd.Start())

	var results []reaper.Result
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		results = reaper.ReapAll(logrus.New())
		if len(results) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.Len(t, results, 1)
	require.Equal(t, cmd.Process.Pid, results[0].PID)
	require.Equal(t, 0, results[0].ExitCode)
	require.False(t, results[0].Signaled)

	// cmd.Wait would ordinarily reap the child itself; since reaper already
	// did, Wait must surface the "no child processes" condition rather than
	// hang or error in some other way.
	err := cmd.Wait()
	require.Error(t, err)
}

func TestReapAllReturnsEmptyWhenNothingToReap(t *testing.T) {
	results := reaper.ReapAll(logrus.New())
	require.Empty(t, results)
}
