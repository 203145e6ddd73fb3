// Package child spawns and owns exactly one supervised child process at a
// time: its process group, its environment, its signal forwarding, and its
// graceful/forced shutdown.
package child

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/ankitkulkarni/ignition/internal/ierrors"
	"github.com/ankitkulkarni/ignition/internal/portbind"
	"github.com/ankitkulkarni/ignition/internal/reaper"
	"github.com/ankitkulkarni/ignition/internal/signalgate"
)

// TrampolineArg is the sentinel os.Args[1] that tells main to run
// RunTrampoline instead of the normal CLI, so Spawn can re-invoke its own
// binary as a tiny exec helper. See RunTrampoline's doc comment for why this
// exists: it is the only portable way in Go to make LISTEN_PID equal the
// exact pid the final command sees.
const TrampolineArg = "__ignition_exec_trampoline__"

// State is the Child State tagged variant from the data model.
type State int

const (
	Absent State = iota
	Starting
	Running
	Stopping
	Exited
	Failed
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Exited:
		return "exited"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Spec is the subset of the supervisor's Config the runner needs to spawn
// children; passed in rather than depending on package config to keep the
// dependency direction one-way (config does not know about child).
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string

	GracefulTimeout time.Duration
	RestartDelay    time.Duration
	SystemdNotify   bool
}

// ExitResult is delivered on the channel returned by ExitC: the sole,
// authoritative signal that the currently-running child has exited.
type ExitResult struct {
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
	Err      error // set only when the exit disposition itself could not be determined
}

// Runner owns Child State for one child at a time. All state transitions
// happen on the caller's goroutine (the supervisor loop); Runner itself does
// no internal locking beyond protecting the snapshot read path, since the
// spec requires Child State be mutated from exactly one place.
type Runner struct {
	spec   Spec
	binder *portbind.Binder
	clock  clockwork.Clock
	log    logrus.FieldLogger

	mu         sync.Mutex
	state      State
	pid        int
	pgid       int
	startedAt  time.Time
	generation string
	lastExit   ExitResult

	cmd    *exec.Cmd
	exitCh chan ExitResult
}

// New constructs a Runner. binder may be nil when no ports are configured.
func New(spec Spec, binder *portbind.Binder, clock clockwork.Clock, log logrus.FieldLogger) *Runner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Runner{spec: spec, binder: binder, clock: clock, log: log, state: Absent}
}

// Snapshot is a point-in-time, race-free read of Child State.
type Snapshot struct {
	State      State
	PID        int
	PGID       int
	StartedAt  time.Time
	Generation string
}

// Snapshot returns the current Child State.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{State: r.state, PID: r.pid, PGID: r.pgid, StartedAt: r.startedAt, Generation: r.generation}
}

// Spawn starts the child: pre-binds ports (idempotent), composes the
// environment, configures the process-group/signal-mask/fd/cwd spawn
// attributes, and transitions Absent/Exited → Starting → Running.
func (r *Runner) Spawn(ctx context.Context) error {
	r.mu.Lock()
	if r.state == Running || r.state == Starting || r.state == Stopping {
		r.mu.Unlock()
		return ierrors.Spawn("spawn", fmt.Errorf("child already in state %s", r.state))
	}
	r.state = Starting
	r.mu.Unlock()

	env := os.Environ()
	env = append(env, r.spec.Env...)

	var files []*os.File
	if r.binder != nil {
		f, err := r.binder.Files()
		if err != nil {
			r.markFailed()
			return err
		}
		files = f
	}

	name, args, err := r.execTarget()
	if err != nil {
		r.markFailed()
		return ierrors.Spawn("resolve "+r.spec.Command, err)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.spec.Dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = files
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0, // child becomes its own process-group leader
	}

	if r.binder != nil && r.binder.Count() > 0 {
		// LISTEN_PID is seeded with a placeholder here and patched to the
		// real pid by the exec trampoline itself (RunTrampoline): the pid a
		// forked child will have is unknowable to the parent until after
		// Start, by which point cmd.Env can no longer change, so this value
		// is never what the target process actually observes.
		env = append(env, r.binder.ActivationEnv(0)...)
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		if r.binder != nil {
			_ = r.binder.ReapplyCloseOnExec()
		}
		r.markFailed()
		return ierrors.Spawn("start "+r.spec.Command, err)
	}
	if r.binder != nil {
		if err := r.binder.ReapplyCloseOnExec(); err != nil && r.log != nil {
			r.log.WithError(err).Warn("failed to reapply close-on-exec on handoff sockets")
		}
	}

	pid := cmd.Process.Pid

	r.mu.Lock()
	r.cmd = cmd
	r.pid = pid
	r.pgid = pid
	r.startedAt = r.clock.Now()
	r.generation = uuid.NewString()
	r.state = Running
	r.exitCh = make(chan ExitResult, 1)
	r.mu.Unlock()

	r.setForeground(pid)
	r.notifyReady()

	go r.waitLoop(cmd, pid, r.exitCh)

	if r.log != nil {
		r.log.WithField("pid", pid).WithField("generation", r.generation).Info("child started")
	}
	return nil
}

// execTarget resolves what Spawn actually execs. Without pre-bound ports
// there is nothing LISTEN_PID-sensitive about the spawn, so the configured
// command runs directly. With ports bound, the spawned process is instead
// this same binary re-invoked in trampoline mode (see RunTrampoline): it
// sets LISTEN_PID from its own pid and then syscall.Execs into the real
// target, replacing its own process image rather than forking again, so the
// pid never changes and LISTEN_PID ends up exactly equal to what the final
// command's own os.Getpid() reports -- and to what cmd.Process.Pid reports
// back here.
func (r *Runner) execTarget() (name string, args []string, err error) {
	if r.binder == nil || r.binder.Count() == 0 {
		return r.spec.Command, r.spec.Args, nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", nil, fmt.Errorf("locate own binary for exec trampoline: %w", err)
	}
	target, err := exec.LookPath(r.spec.Command)
	if err != nil {
		return "", nil, fmt.Errorf("resolve %q: %w", r.spec.Command, err)
	}
	return self, append([]string{TrampolineArg, target}, r.spec.Args...), nil
}

// RunTrampoline is the entry point cmd/ignition's main calls when os.Args[1]
// is TrampolineArg. args is [target, targetArgs...]: the fully resolved
// path to the real command and its arguments. It fixes up LISTEN_PID to the
// trampoline's own pid -- which, after syscall.Exec below replaces this
// process's image, becomes the real command's pid too -- and then hands off
// control. It never returns on success; any error means the exec itself
// failed.
func RunTrampoline(args []string) error {
	if len(args) == 0 {
		return errors.New("exec trampoline: missing target command")
	}
	target, targetArgs := args[0], args

	env := os.Environ()
	filtered := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "LISTEN_PID=") {
			continue
		}
		filtered = append(filtered, kv)
	}
	env = append(filtered, fmt.Sprintf("LISTEN_PID=%d", os.Getpid()))

	return syscall.Exec(target, targetArgs, env)
}

func (r *Runner) markFailed() {
	r.mu.Lock()
	r.state = Failed
	r.mu.Unlock()
}

// setForeground makes pid's process group the foreground group of the
// controlling terminal, best-effort: if /dev/tty cannot be opened or is not
// a terminal, it logs at debug level and moves on, matching the spec's
// "best-effort-with-debug-log" resolution of the open question.
func (r *Runner) setForeground(pid int) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		if r.log != nil {
			r.log.WithError(err).Debug("no controlling tty; skipping foreground pgrp handoff")
		}
		return
	}
	defer tty.Close()

	if !term.IsTerminal(int(tty.Fd())) {
		if r.log != nil {
			r.log.Debug("/dev/tty is not a terminal; skipping foreground pgrp handoff")
		}
		return
	}
	if err := unix.IoctlSetInt(int(tty.Fd()), unix.TIOCSPGRP, pid); err != nil {
		if r.log != nil {
			r.log.WithError(err).Debug("TIOCSPGRP failed; skipping foreground pgrp handoff")
		}
	}
}

// notifyReady tells an enclosing systemd unit, if any, that the supervised
// child is up. It is a silent no-op when disabled or when NOTIFY_SOCKET is
// unset, matching "no dependency on any system-provided init/service-manager
// for correctness" -- this is advisory only.
func (r *Runner) notifyReady() {
	if !r.spec.SystemdNotify {
		return
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil && r.log != nil {
		r.log.WithError(err).Debug("sd_notify failed")
	}
}

// waitLoop is the sole producer onto out. It does not call cmd.Wait()
// directly to learn the child's disposition, because a blocking wait4(pid)
// racing the supervisor's own generic reap sweep (triggered by CHLD or the
// periodic tick, both of which call reaper.ReapAll with a wildcard
// wait4(-1, WNOHANG)) can only ever let one of the two actually collect the
// zombie; whichever loses gets ECHILD and nothing to report. Instead it
// registers pid with the shared reaper and also drives a fast local sweep
// itself, so detection never depends on anything external having happened
// to run -- correct whether or not a supervisor loop exists around it, which
// matters for this package's own standalone tests.
func (r *Runner) waitLoop(cmd *exec.Cmd, pid int, out chan<- ExitResult) {
	reapCh, forget := reaper.Register(pid)
	defer forget()

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	var res reaper.Result
	for {
		select {
		case res = <-reapCh:
		case <-ticker.C:
			reaper.ReapAll(r.log)
			continue
		}
		break
	}

	// By now the generic reaper has already collected the exit status, so
	// cmd.Wait is expected to report "no child processes" rather than a
	// real error; it is still called to release exec.Cmd's own internal
	// goroutines and file descriptors. Grounded on canonical-pebble's
	// WaitCommand, which documents and accepts the identical race.
	if err := cmd.Wait(); err != nil && !isNoChildProcessesErr(err) {
		out <- ExitResult{Err: ierrors.Wait("cmd.Wait after reap", err)}
		return
	}
	out <- ExitResult{ExitCode: res.ExitCode, Signaled: res.Signaled, Signal: res.Signal}
}

func isNoChildProcessesErr(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && sysErr.Syscall == "wait" {
		return true
	}
	return errors.Is(err, syscall.ECHILD)
}

// ExitC returns the channel that will receive exactly one ExitResult for the
// currently running child. It is the sole authoritative source for "the
// child exited"; CHLD signals never substitute for it.
func (r *Runner) ExitC() <-chan ExitResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCh
}

// MarkExited records that the wait future observed the child's exit, and
// keeps res as the last known disposition (LastExit) for callers that need
// to know whether the child exited, was signaled, or failed to reap cleanly.
func (r *Runner) MarkExited(res ExitResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Exited
	r.pid = 0
	r.pgid = 0
	r.lastExit = res
}

// LastExit returns the most recent ExitResult recorded by MarkExited.
func (r *Runner) LastExit() ExitResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastExit
}

// Forward sends sig to the child's process group (not its pid), so the
// entire subtree receives it.
func (r *Runner) Forward(sig signalgate.Signal) error {
	pgid := r.Snapshot().PGID
	if pgid == 0 {
		return ierrors.Signal("forward", errors.New("no child running"))
	}
	if err := unix.Kill(-pgid, sig.ToSyscall()); err != nil {
		return ierrors.Signal(fmt.Sprintf("forward %s", sig), err)
	}
	return nil
}

// GracefulShutdown forwards TERM, waits up to the configured graceful
// timeout for natural exit, and force-kills on timeout or wait error.
func (r *Runner) GracefulShutdown(ctx context.Context) error {
	return r.Terminate(ctx, signalgate.SIGTERM, r.spec.GracefulTimeout)
}

// Terminate forwards sig -- not necessarily TERM -- to the child's process
// group, waits up to timeout for natural exit, and force-kills on timeout,
// context cancellation, or a wait error. The supervisor uses this to forward whichever
// termination signal it actually received: TERM gets the configured
// graceful timeout, INT/QUIT get a short fixed grace, but in both cases the
// child must see the real signal rather than always TERM, since a child
// that distinguishes them (e.g. an interactive-style INT handler) would
// otherwise never observe the one it was actually sent.
func (r *Runner) Terminate(ctx context.Context, sig signalgate.Signal, timeout time.Duration) error {
	snap := r.Snapshot()
	if snap.PID == 0 {
		return nil
	}
	r.mu.Lock()
	r.state = Stopping
	r.mu.Unlock()

	if err := r.Forward(sig); err != nil {
		if r.log != nil {
			r.log.WithError(err).Warn("failed to forward signal during graceful shutdown")
		}
	}

	timer := r.clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-r.ExitC():
		if res.Err != nil {
			// The exit result has already been consumed, so only the KILL
			// half of ForceKill applies: it reaches any descendants still in
			// the process group.
			if err := unix.Kill(-snap.PGID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) && r.log != nil {
				r.log.WithError(err).Warn("force kill after wait error failed")
			}
			r.MarkExited(res)
			return res.Err
		}
		r.MarkExited(res)
		return nil
	case <-timer.Chan():
		return r.ForceKill()
	case <-ctx.Done():
		return r.ForceKill()
	}
}

// ForceKill sends KILL to the process group, waits briefly for the exit
// future, and marks Exited regardless of outcome. If the reap does not
// complete within the brief wait, the disposition is still recorded as
// signaled by KILL, since that is exactly what was just sent.
func (r *Runner) ForceKill() error {
	snap := r.Snapshot()
	if snap.PGID != 0 {
		if err := unix.Kill(-snap.PGID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			if r.log != nil {
				r.log.WithError(err).Warn("force kill failed")
			}
		}
	}
	timer := r.clock.NewTimer(100 * time.Millisecond)
	defer timer.Stop()
	select {
	case res := <-r.ExitC():
		r.MarkExited(res)
	case <-timer.Chan():
		r.MarkExited(ExitResult{Signaled: true, Signal: syscall.SIGKILL})
	}
	return nil
}

// Restart implements the single entry point the spec allows: only
// "file_change" is accepted. Any other reason is refused, returning
// restarted=false with no error and no side effects.
func (r *Runner) Restart(ctx context.Context, reason string) (restarted bool, err error) {
	if reason != "file_change" {
		return false, nil
	}
	if err := r.GracefulShutdown(ctx); err != nil {
		return false, err
	}
	select {
	case <-r.clock.After(r.spec.RestartDelay):
	case <-ctx.Done():
		return false, ctx.Err()
	}
	// ctx bounds only the shutdown and delay above; the respawned child must
	// outlive it, so it is not tied to ctx's cancellation.
	if err := r.Spawn(context.WithoutCancel(ctx)); err != nil {
		r.mu.Lock()
		r.state = Failed
		r.mu.Unlock()
		return false, err
	}
	return true, nil
}

// Close performs the emergency-cleanup path: if the child is still
// Running/Starting, it is killed synchronously. "No such process" is
// treated as benign, since the child may have exited in the same instant.
func (r *Runner) Close() error {
	snap := r.Snapshot()
	if snap.State != Running && snap.State != Starting {
		return nil
	}
	pgid := snap.PGID
	if pgid == 0 {
		return nil
	}
	if err := unix.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return ierrors.Signal("close", err)
	}
	return nil
}
