// Package reaper collects exit statuses for any adopted descendant, which a
// process running as PID 1 must do for every orphan reparented to it, not
// just its one direct supervised child.
package reaper

import (
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Result is one reaped descendant's disposition.
type Result struct {
	PID      int
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
}

// waiters lets a caller that spawned a specific child (internal/child.Runner)
// learn that child's exact disposition from whichever goroutine happens to
// reap it, rather than racing its own wait4(pid) against the generic sweep
// below: two concurrent waiters for the same pid can never both succeed, and
// whichever loses gets ECHILD and nothing to report. Grounded on
// canonical-pebble's servstate/reaper.go, which solves the same problem with
// the same waits map keyed by pid.
var (
	mu      sync.Mutex
	waiters = make(map[int]chan Result)
)

// Register asks the next ReapAll pass that reaps pid to also deliver its
// Result on the returned channel (buffered, so ReapAll never blocks on a
// caller that gave up). Forget releases the registration; it is safe to call
// even after the channel has already fired.
func Register(pid int) (ch <-chan Result, forget func()) {
	c := make(chan Result, 1)
	mu.Lock()
	waiters[pid] = c
	mu.Unlock()
	return c, func() {
		mu.Lock()
		delete(waiters, pid)
		mu.Unlock()
	}
}

// ReapAll performs repeated non-blocking wait4(-1, WNOHANG) calls until no
// further status change is available or only ECHILD remains (no children
// left at all), logging each disposition at debug level. It returns every
// status collected in this pass. Any pid with a pending Register is notified
// on its channel in addition to being logged and returned here.
func ReapAll(log logrus.FieldLogger) []Result {
	var results []Result
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil {
			if err != syscall.ECHILD && log != nil {
				log.WithError(err).Debug("wait4 error during reap pass")
			}
			return results
		}
		if pid <= 0 {
			return results
		}
		res := Result{PID: pid}
		switch {
		case ws.Exited():
			res.ExitCode = ws.ExitStatus()
		case ws.Signaled():
			res.Signaled = true
			res.Signal = ws.Signal()
		default:
			// Stopped/continued notifications are not exit events; keep
			// reaping but don't report them as a completed child.
			continue
		}
		if log != nil {
			entry := log.WithField("pid", pid)
			if res.Signaled {
				entry = entry.WithField("signal", res.Signal.String())
			} else {
				entry = entry.WithField("exit_code", res.ExitCode)
			}
			entry.Debug("reaped descendant")
		}
		mu.Lock()
		waiter := waiters[pid]
		delete(waiters, pid)
		mu.Unlock()
		if waiter != nil {
			select {
			case waiter <- res:
			default:
			}
		}
		results = append(results, res)
	}
}
