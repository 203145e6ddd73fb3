package child_test

import (
	"context"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ankitkulkarni/ignition/internal/child"
	"github.com/ankitkulkarni/ignition/internal/portbind"
	"github.com/ankitkulkarni/ignition/internal/signalgate"
)

// TestMain lets this test binary serve as the exec trampoline: with ports
// bound, Spawn re-invokes os.Executable() (here, the test binary itself) with
// child.TrampolineArg, which cmd/ignition's main would otherwise dispatch.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == child.TrampolineArg {
		if err := child.RunTrampoline(os.Args[2:]); err != nil {
			os.Exit(126)
		}
	}
	os.Exit(m.Run())
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func newSpec(cmd string, args ...string) child.Spec {
	return child.Spec{
		Command:         cmd,
		Args:            args,
		GracefulTimeout: 2 * time.Second,
		RestartDelay:    10 * time.Millisecond,
	}
}

func TestSpawnAndExit(t *testing.T) {
	r := child.New(newSpec("/bin/true"), nil, clockwork.NewRealClock(), logrus.New())
	require.NoError(t, r.Spawn(context.Background()))

	snap := r.Snapshot()
	require.Equal(t, child.Running, snap.State)
	require.NotZero(t, snap.PID)
	require.NotEmpty(t, snap.Generation)

	select {
	case res := <-r.ExitC():
		r.MarkExited(res)
		require.NoError(t, res.Err)
		require.Equal(t, 0, res.ExitCode)
		require.False(t, res.Signaled)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for /bin/true to exit")
	}
	require.Equal(t, child.Exited, r.Snapshot().State)
}

// TestSpawnPGIDMatchesPIDOnOS asserts the invariant at the OS level, not
// just by reading back the value Spawn itself recorded: the spawned
// process's real process-group id, queried independently via
// unix.Getpgid, must equal its pid.
func TestSpawnPGIDMatchesPIDOnOS(t *testing.T) {
	r := child.New(newSpec("/bin/sleep", "5"), nil, clockwork.NewRealClock(), logrus.New())
	require.NoError(t, r.Spawn(context.Background()))
	defer r.Close()

	snap := r.Snapshot()
	pgid, err := unix.Getpgid(snap.PID)
	require.NoError(t, err)
	require.Equal(t, snap.PID, pgid)
	require.Equal(t, snap.PID, snap.PGID)
}

func TestForwardRequiresRunningChild(t *testing.T) {
	r := child.New(newSpec("/bin/sleep", "5"), nil, clockwork.NewRealClock(), logrus.New())
	err := r.Forward(signalgate.SIGTERM)
	require.Error(t, err)
}

func TestGracefulShutdownStopsChild(t *testing.T) {
	r := child.New(newSpec("/bin/sleep", "30"), nil, clockwork.NewRealClock(), logrus.New())
	require.NoError(t, r.Spawn(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.GracefulShutdown(ctx))
	require.Equal(t, child.Exited, r.Snapshot().State)
}

// TestTerminateForwardsActualSignal exercises Terminate with SIGINT: the
// child traps TERM (exiting 42 if it ever sees one) but exits 0 on the INT
// it actually expects, so this fails if Terminate ever substitutes TERM for
// the signal it was asked to forward.
func TestTerminateForwardsActualSignal(t *testing.T) {
	script := `trap 'exit 42' TERM; trap 'exit 0' INT; while :; do sleep 0.05; done`
	r := child.New(newSpec("/bin/sh", "-c", script), nil, clockwork.NewRealClock(), logrus.New())
	require.NoError(t, r.Spawn(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Terminate(ctx, signalgate.SIGINT, 2*time.Second))

	res := r.LastExit()
	require.NoError(t, res.Err)
	require.False(t, res.Signaled)
	require.Equal(t, 0, res.ExitCode, "child must have received INT, not a substituted TERM")
}

func TestRestartRefusesUnknownReason(t *testing.T) {
	r := child.New(newSpec("/bin/sleep", "30"), nil, clockwork.NewRealClock(), logrus.New())
	require.NoError(t, r.Spawn(context.Background()))
	defer r.Close()

	restarted, err := r.Restart(context.Background(), "manual")
	require.NoError(t, err)
	require.False(t, restarted)
	require.Equal(t, child.Running, r.Snapshot().State)
}

func TestRestartOnFileChangeRespawns(t *testing.T) {
	r := child.New(newSpec("/bin/sleep", "30"), nil, clockwork.NewRealClock(), logrus.New())
	require.NoError(t, r.Spawn(context.Background()))
	firstPID := r.Snapshot().PID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	restarted, err := r.Restart(ctx, "file_change")
	require.NoError(t, err)
	require.True(t, restarted)

	snap := r.Snapshot()
	require.Equal(t, child.Running, snap.State)
	require.NotEqual(t, firstPID, snap.PID)
	r.Close()
}

func TestCloseKillsRunningChild(t *testing.T) {
	r := child.New(newSpec("/bin/sleep", "30"), nil, clockwork.NewRealClock(), logrus.New())
	require.NoError(t, r.Spawn(context.Background()))
	require.NoError(t, r.Close())
}

func TestForceKillDispositionIsSignaled(t *testing.T) {
	r := child.New(newSpec("/bin/sleep", "30"), nil, clockwork.NewRealClock(), logrus.New())
	require.NoError(t, r.Spawn(context.Background()))

	require.NoError(t, r.ForceKill())
	require.Equal(t, child.Exited, r.Snapshot().State)

	res := r.LastExit()
	require.True(t, res.Signaled)
	require.Equal(t, syscall.SIGKILL, res.Signal)
}

// TestSpawnWithPortsSetsMatchingListenPID exercises the exec trampoline:
// with ports configured, LISTEN_PID must equal the pid the spawned process
// actually runs under, not a value guessed before that process existed.
func TestSpawnWithPortsSetsMatchingListenPID(t *testing.T) {
	if _, err := os.Executable(); err != nil {
		t.Skip("cannot resolve own executable path in this environment")
	}

	binder := portbind.New("127.0.0.1", false, nil, false)
	require.NoError(t, binder.Bind(context.Background(), []uint16{freePort(t)}))
	defer binder.Close()

	spec := newSpec("/bin/sh", "-c", `[ "$LISTEN_PID" = "$$" ] && [ "$LISTEN_FDS" = "1" ]`)
	r := child.New(spec, binder, clockwork.NewRealClock(), logrus.New())
	require.NoError(t, r.Spawn(context.Background()))

	select {
	case res := <-r.ExitC():
		r.MarkExited(res)
		require.NoError(t, res.Err)
		require.False(t, res.Signaled)
		require.Equal(t, 0, res.ExitCode, "LISTEN_PID must equal the spawned process's own pid")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for child to exit")
	}
}
