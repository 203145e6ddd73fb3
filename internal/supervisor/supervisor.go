// Package supervisor runs the main PID-1 event loop: it owns the signal
// gate, the pre-bound socket set, the single child runner, the optional file
// watcher, and periodic reaping of any other adopted descendant.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/ankitkulkarni/ignition/internal/child"
	"github.com/ankitkulkarni/ignition/internal/config"
	"github.com/ankitkulkarni/ignition/internal/filewatch"
	"github.com/ankitkulkarni/ignition/internal/ierrors"
	"github.com/ankitkulkarni/ignition/internal/logging"
	"github.com/ankitkulkarni/ignition/internal/portbind"
	"github.com/ankitkulkarni/ignition/internal/reaper"
	"github.com/ankitkulkarni/ignition/internal/signalgate"
)

// Supervisor wires the components together and drives the select loop
// described by the state machine: wait on the signal gate, the watcher, the
// child's exit future, and a reap tick on a single select. Go's select picks
// pseudo-randomly among ready cases, so no source has priority and none can
// starve the others indefinitely.
type Supervisor struct {
	cfg    config.Config
	log    logrus.FieldLogger
	clock  clockwork.Clock
	gate   *signalgate.Gate
	binder *portbind.Binder
	runner *child.Runner
	watch  *filewatch.Watcher
}

// New assembles a Supervisor from a validated Config. It does not bind ports
// or spawn the child; call Run for that.
func New(cfg config.Config, log *logrus.Logger) *Supervisor {
	clock := clockwork.NewRealClock()
	comp := func(name string) logrus.FieldLogger { return logging.Component(log, name) }

	var binder *portbind.Binder
	if len(cfg.Ports) > 0 {
		binder = portbind.New(cfg.BindAddr, cfg.ReusePort, cfg.FDNames, cfg.LegacyFDEnv)
	}

	spec := child.Spec{
		Command:         cfg.Command,
		Args:            cfg.Args,
		Dir:             cfg.Dir,
		Env:             cfg.Env,
		GracefulTimeout: cfg.GracefulTimeout,
		RestartDelay:    cfg.RestartDelay,
		SystemdNotify:   cfg.SystemdNotify,
	}

	return &Supervisor{
		cfg:    cfg,
		log:    comp("supervisor"),
		clock:  clock,
		binder: binder,
		runner: child.New(spec, binder, clock, comp("child")),
	}
}

// Run blocks until ctx is canceled or the child exits for a reason other
// than a requested restart, at which point it tears everything down and
// returns the exit code the process should use.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	if err := s.cfg.Validate(); err != nil {
		return exitCodeFor(err), err
	}

	s.gate = signalgate.Install()
	defer s.gate.Close()

	if s.binder != nil {
		if err := s.binder.Bind(ctx, s.cfg.Ports); err != nil {
			return exitCodeFor(err), err
		}
		defer s.binder.Close()
		s.log.WithField("ports", s.cfg.Ports).Info("pre-bound listeners")
	}

	if s.cfg.LiveReload {
		w, err := filewatch.New(s.cfg.WatchPath, s.cfg.DebounceDur, s.clock, logging.Component(s.log, "filewatch"))
		if err != nil {
			return exitCodeFor(err), err
		}
		s.watch = w
		defer s.watch.Stop()
	}

	if err := s.runner.Spawn(ctx); err != nil {
		return exitCodeFor(err), err
	}
	defer s.runner.Close()

	return s.loop(ctx)
}

func (s *Supervisor) loop(ctx context.Context) (int, error) {
	reapTick := s.clock.NewTicker(s.cfg.ReapInterval)
	defer reapTick.Stop()

	var watchEvents <-chan filewatch.Event
	if s.watch != nil {
		watchEvents = s.watch.Events()
	}

	signals := gateSignals(ctx, s.gate, s.cfg.SignalPollInterval)

	for {
		select {
		case <-ctx.Done():
			_ = s.runner.GracefulShutdown(context.Background())
			return 0, nil

		case res := <-s.runner.ExitC():
			s.runner.MarkExited(res)
			return exitCodeForChild(res), nil

		case ev, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			if ev.Kind == filewatch.Error {
				s.log.WithError(ev.Err).Warn("file watcher reported an error; continuing")
				continue
			}
			// A termination signal received concurrently with this file-change
			// event must preempt the restart. Go's select does not prioritize
			// among simultaneously-ready cases, so a signal already pending on
			// the unbuffered signals channel at this exact instant would
			// otherwise race the restart below; peek for it explicitly before
			// committing to Restart. A non-termination signal found pending is
			// dispatched the same way the normal case below would, then the
			// restart proceeds as usual.
			if sig, ok := nonBlockingRecv(signals); ok {
				if s.handleSignal(ctx, sig) {
					return 0, nil
				}
			}

			s.log.WithField("path", ev.Path).Info("detected change; restarting child")
			shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.GracefulTimeout+5*time.Second)
			restarted, err := s.runner.Restart(shutdownCtx, "file_change")
			cancel()
			if err != nil {
				s.log.WithError(err).Error("restart on file change failed")
				return ierrors.KindSpawn.ExitCode(), err
			}
			if !restarted {
				s.log.Warn("restart request was refused; shutting down")
				_ = s.runner.GracefulShutdown(ctx)
				return 0, nil
			}

		case sig := <-signals:
			if s.handleSignal(ctx, sig) {
				return 0, nil
			}

		case <-reapTick.Chan():
			reaper.ReapAll(logging.Component(s.log, "reaper"))
		}
	}
}

// handleSignal implements the state machine's signal-dispatch rule:
// termination-group signals trigger graceful shutdown and tell the loop to
// exit (the child's exit future is already drained by Terminate itself, so
// the loop must not wait on it again); forwarding-group signals and CHLD are
// simply relayed or reaped without ending supervision. The returned bool
// tells the loop whether to stop.
func (s *Supervisor) handleSignal(ctx context.Context, sig signalgate.Signal) bool {
	if sig == signalgate.SIGCHLD {
		reaper.ReapAll(logging.Component(s.log, "reaper"))
		return false
	}
	if sig.IsTermination() {
		// TERM gets the configured graceful-shutdown timeout; INT/QUIT get
		// only a short fixed grace before escalating to KILL, matching the
		// spec's distinct handling for an impatient operator hitting
		// ctrl-C/ctrl-\ versus an orchestrator's own TERM. Either way the
		// child must see the signal actually received, not TERM substituted
		// in for it.
		timeout := s.cfg.GracefulTimeout
		if sig != signalgate.SIGTERM {
			timeout = 2 * time.Second
		}
		s.log.WithField("signal", sig.String()).Info("termination signal received; shutting down child")
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
		defer cancel()
		if err := s.runner.Terminate(shutdownCtx, sig, timeout); err != nil {
			s.log.WithError(err).Warn("graceful shutdown reported an error")
		}
		return true
	}
	if sig.IsForwardOnly() {
		if err := s.runner.Forward(sig); err != nil {
			s.log.WithError(err).Warn("failed to forward signal to child")
		}
	}
	return false
}

// nonBlockingRecv returns the next signal already queued on signals without
// waiting for one to arrive, so a caller can check for a pending signal
// before committing to some other branch of the loop's select.
func nonBlockingRecv(signals <-chan signalgate.Signal) (signalgate.Signal, bool) {
	select {
	case sig := <-signals:
		return sig, true
	default:
		return 0, false
	}
}

// gateSignals runs a single long-lived goroutine that repeatedly polls the
// gate and forwards real signals onto the returned channel, exiting once ctx
// is done so it never outlives the loop it feeds.
func gateSignals(ctx context.Context, gate *signalgate.Gate, pollInterval time.Duration) <-chan signalgate.Signal {
	out := make(chan signalgate.Signal)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if sig, ok := gate.Wait(pollInterval); ok {
				select {
				case out <- sig:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// exitCodeForChild mirrors the child's own disposition: its exit code on a
// normal exit, or 128+signum when it was killed by a signal.
func exitCodeForChild(res child.ExitResult) int {
	if res.Err != nil {
		return ierrors.KindWait.ExitCode()
	}
	if res.Signaled {
		return 128 + int(res.Signal)
	}
	return res.ExitCode
}

func exitCodeFor(err error) int {
	var ierr *ierrors.Error
	if errors.As(err, &ierr) {
		return ierr.Kind.ExitCode()
	}
	return 1
}
