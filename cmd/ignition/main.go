// Command ignition supervises a single child process as PID 1 inside a
// container: it reaps orphans, forwards signals, pre-binds listening
// sockets across restarts, and optionally restarts the child on file
// changes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ankitkulkarni/ignition/internal/child"
	"github.com/ankitkulkarni/ignition/internal/config"
	"github.com/ankitkulkarni/ignition/internal/ierrors"
	"github.com/ankitkulkarni/ignition/internal/logging"
	"github.com/ankitkulkarni/ignition/internal/supervisor"
)

func main() {
	// Checked before anything else -- including cobra -- because this is a
	// re-invocation of our own binary used purely as an exec trampoline (see
	// internal/child.RunTrampoline) and must never be parsed as a normal CLI
	// invocation.
	if len(os.Args) > 1 && os.Args[1] == child.TrampolineArg {
		if err := child.RunTrampoline(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "ignition: exec trampoline:", err)
			os.Exit(126)
		}
		return // unreachable on success: RunTrampoline replaces this process
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg := config.Default()
	var (
		portsFlag string
		namesFlag string
		envFlag   []string
	)
	exitCode := 1

	root := &cobra.Command{
		Use:           "ignition [flags] -- <command> [args...]",
		Short:         "A minimal init process for supervising one container workload",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, positional []string) error {
			cfg.Command = positional[0]
			cfg.Args = positional[1:]
			cfg.Env = envFlag

			ports, err := config.ParsePorts(portsFlag)
			if err != nil {
				return ierrors.Config("--ports", err)
			}
			cfg.Ports = ports
			cfg.FDNames = config.ParseNames(namesFlag)

			if err := cfg.Validate(); err != nil {
				return err
			}

			log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
			sv := supervisor.New(cfg, log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// The gate inside the supervisor owns TERM/INT for the
			// graceful-shutdown path; this second notification exists only
			// so a repeated signal from an impatient orchestrator can cancel
			// ctx and force teardown if the child never exits.
			impatient := make(chan os.Signal, 1)
			signal.Notify(impatient, syscall.SIGTERM, syscall.SIGINT)
			go func() {
				<-impatient
				<-impatient
				cancel()
			}()
			defer signal.Stop(impatient)

			code, runErr := sv.Run(ctx)
			exitCode = code
			return runErr
		},
	}

	flags := root.Flags()
	flags.StringVarP(&cfg.Dir, "chdir", "C", "", "working directory for the child process")
	flags.StringArrayVarP(&envFlag, "env", "e", nil, "additional KEY=VALUE environment entries for the child (repeatable)")
	flags.DurationVar(&cfg.GracefulTimeout, "graceful-timeout", cfg.GracefulTimeout, "time to wait after TERM before sending KILL")
	flags.DurationVar(&cfg.SignalPollInterval, "signal-poll-interval", cfg.SignalPollInterval, "interval between gate polls while waiting for a signal")
	flags.DurationVar(&cfg.RestartDelay, "restart-delay", cfg.RestartDelay, "delay between stopping and respawning the child")
	flags.DurationVar(&cfg.ReapInterval, "reap-interval", cfg.ReapInterval, "interval between sweeping reaps of adopted descendants")
	flags.BoolVar(&cfg.LiveReload, "live-reload", cfg.LiveReload, "restart the child when its binary (or --watch-path) changes on disk")
	flags.StringVar(&cfg.WatchPath, "watch-path", "", "path to watch for changes; defaults to the child command")
	flags.DurationVar(&cfg.DebounceDur, "watch-debounce", cfg.DebounceDur, "minimum interval between restarts triggered by file changes")
	flags.StringVar(&portsFlag, "ports", "", "comma-separated TCP ports to pre-bind and hand to the child via socket activation")
	flags.StringVar(&cfg.BindAddr, "bind-addr", cfg.BindAddr, "address to bind --ports on")
	flags.BoolVar(&cfg.ReusePort, "reuse-port", cfg.ReusePort, "set SO_REUSEPORT on pre-bound listeners")
	flags.StringVar(&namesFlag, "fd-names", "", "comma-separated LISTEN_FDNAMES entries, one per --ports entry, in order")
	flags.BoolVar(&cfg.LegacyFDEnv, "legacy-fd-env", cfg.LegacyFDEnv, "also emit the legacy SCINIT_INHERITED_FDS environment variable")
	flags.BoolVar(&cfg.SystemdNotify, "systemd-notify", cfg.SystemdNotify, "send READY=1 to NOTIFY_SOCKET once the child has started")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "trace|debug|info|warn|error")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text|json")
	flags.SetInterspersed(false)

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ignition:", err)
		return exitCodeFromError(err)
	}
	return exitCode
}

// exitCodeFromError maps a startup-time failure (one that happened before or
// during Validate/Bind/Spawn, never surfaced through Supervisor.Run's own
// exit code) to the matching EX_* code.
func exitCodeFromError(err error) int {
	var ierr *ierrors.Error
	if errors.As(err, &ierr) {
		return ierr.Kind.ExitCode()
	}
	return 1
}
