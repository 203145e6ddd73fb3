// Package portbind pre-binds the supervisor's listening sockets before the
// first child is spawned so restarts never drop an accept queue, and
// prepares those descriptors for socket-activation-style handoff to the
// child.
package portbind

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/ankitkulkarni/ignition/internal/ierrors"
)

// ActivationBase is the well-known first file descriptor a socket-activated
// child looks for its inherited listeners at.
const ActivationBase = 3

// LegacyEnvVar is the backward-compatible FD list variable, emitted only
// when explicitly requested.
const LegacyEnvVar = "SCINIT_INHERITED_FDS"

type bound struct {
	port     uint16
	addr     net.Addr
	listener *net.TCPListener
	file     *os.File
}

// Binder owns the Bound Socket Set. It is constructed once and lives for the
// supervisor's entire lifetime; sockets survive every child restart.
type Binder struct {
	bindAddr  string
	reuse     bool
	names     []string
	legacyEnv bool

	sockets []*bound // stable order, matching the configured port list
}

// New constructs a Binder for the given bind address, reuse-port policy, and
// optional logical names (must be empty or match the port count passed to
// Bind).
func New(bindAddr string, reusePort bool, names []string, legacyEnv bool) *Binder {
	return &Binder{bindAddr: bindAddr, reuse: reusePort, names: names, legacyEnv: legacyEnv}
}

// Bind pre-binds a STREAM listener for every port, in order, with backlog
// 128. On any per-port failure, every socket the Binder holds is closed and
// that port's error is returned; errors from closing those sockets are
// discarded.
func (b *Binder) Bind(ctx context.Context, ports []uint16) error {
	lc := net.ListenConfig{}
	if b.reuse {
		lc.Control = setReusePort
	}

	for _, port := range ports {
		addr := net.JoinHostPort(b.bindAddr, strconv.Itoa(int(port)))
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			b.closeAll()
			b.sockets = nil
			return ierrors.Bind(fmt.Sprintf("listen %s", addr), err)
		}
		tcpLn, ok := ln.(*net.TCPListener)
		if !ok {
			ln.Close()
			b.closeAll()
			b.sockets = nil
			return ierrors.Bind("listen", fmt.Errorf("listener for %s is not a *net.TCPListener", addr))
		}
		file, err := tcpLn.File()
		if err != nil {
			tcpLn.Close()
			b.closeAll()
			b.sockets = nil
			return ierrors.Bind(fmt.Sprintf("dup listener %s", addr), err)
		}
		b.sockets = append(b.sockets, &bound{port: port, addr: tcpLn.Addr(), listener: tcpLn, file: file})
	}
	return nil
}

// setReusePort is the net.ListenConfig.Control callback that sets
// SO_REUSEPORT on the not-yet-bound socket.
func setReusePort(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Files clears close-on-exec on the bound descriptors, in configured port
// order, and returns them ready to be assigned to exec.Cmd.ExtraFiles. The
// kernel places ExtraFiles[0] at fd ActivationBase in the child, so the
// returned order IS the child's FD order.
func (b *Binder) Files() ([]*os.File, error) {
	files := make([]*os.File, 0, len(b.sockets))
	for _, s := range b.sockets {
		if _, err := unix.FcntlInt(s.file.Fd(), unix.F_SETFD, 0); err != nil {
			return nil, ierrors.Bind(fmt.Sprintf("clear close-on-exec for port %d", s.port), err)
		}
		files = append(files, s.file)
	}
	return files, nil
}

// ReapplyCloseOnExec restores close-on-exec on the parent's copies once a
// spawn attempt has completed (successfully or not), so a later, unrelated
// exec in this process never accidentally inherits them.
func (b *Binder) ReapplyCloseOnExec() error {
	var result error
	for _, s := range b.sockets {
		if _, err := unix.FcntlInt(s.file.Fd(), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
			result = multierror.Append(result, fmt.Errorf("port %d: %w", s.port, err))
		}
	}
	return result
}

// ActivationEnv produces the LISTEN_FDS/LISTEN_PID/LISTEN_FDNAMES (and,
// optionally, legacy SCINIT_INHERITED_FDS) environment fragment for pid.
func (b *Binder) ActivationEnv(pid int) []string {
	if len(b.sockets) == 0 {
		return nil
	}
	env := []string{
		fmt.Sprintf("LISTEN_FDS=%d", len(b.sockets)),
		fmt.Sprintf("LISTEN_PID=%d", pid),
	}
	if len(b.names) == len(b.sockets) {
		env = append(env, "LISTEN_FDNAMES="+strings.Join(b.names, ":"))
	}
	if b.legacyEnv {
		fds := make([]string, len(b.sockets))
		for i := range b.sockets {
			fds[i] = strconv.Itoa(ActivationBase + i)
		}
		env = append(env, LegacyEnvVar+"="+strings.Join(fds, ","))
	}
	return env
}

// Count returns the number of pre-bound sockets.
func (b *Binder) Count() int { return len(b.sockets) }

// Addrs returns the bound addresses in configured port order, primarily for
// logging and tests.
func (b *Binder) Addrs() []net.Addr {
	addrs := make([]net.Addr, len(b.sockets))
	for i, s := range b.sockets {
		addrs[i] = s.addr
	}
	return addrs
}

// Close shuts down every bound listener and its duplicated handoff
// descriptor, aggregating any errors. Recorded sockets are cleared
// afterward, matching the "on drop" teardown contract.
func (b *Binder) Close() error {
	err := b.closeAll()
	b.sockets = nil
	return err
}

func (b *Binder) closeAll() error {
	var result error
	// Close in reverse so a partial bind failure unwinds the most recently
	// bound socket first.
	sorted := append([]*bound(nil), b.sockets...)
	sort.SliceStable(sorted, func(i, j int) bool { return i > j })
	for _, s := range sorted {
		if err := s.listener.Close(); err != nil && !isClosedErr(err) {
			result = multierror.Append(result, fmt.Errorf("port %d listener: %w", s.port, err))
		}
		if err := s.file.Close(); err != nil && !isClosedErr(err) {
			result = multierror.Append(result, fmt.Errorf("port %d handoff fd: %w", s.port, err))
		}
	}
	return result
}

func isClosedErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
