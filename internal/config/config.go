// Package config holds the supervisor's immutable-after-construction
// configuration and the validation that turns raw CLI flags into it.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ankitkulkarni/ignition/internal/ierrors"
)

// Config is built once, from CLI flags, and never mutated afterward. Every
// component that needs a subset of it takes that subset by value or a narrow
// interface rather than the whole struct, but Config remains the single
// source of truth assembled at startup.
type Config struct {
	// Command is the child process to supervise.
	Command string
	Args    []string
	Dir     string
	Env     []string // additional KEY=VALUE pairs, appended after os.Environ()

	SignalPollInterval time.Duration
	ReapInterval       time.Duration
	GracefulTimeout    time.Duration
	RestartDelay       time.Duration

	LiveReload  bool
	WatchPath   string
	DebounceDur time.Duration

	Ports       []uint16
	BindAddr    string
	ReusePort   bool
	FDNames     []string
	LegacyFDEnv bool

	SystemdNotify bool

	LogLevel  string
	LogFormat string
}

// Default returns a Config with every field set to the values documented in
// the CLI surface, before flags or a command are applied.
func Default() Config {
	return Config{
		SignalPollInterval: 100 * time.Millisecond,
		ReapInterval:       5 * time.Second,
		GracefulTimeout:    30 * time.Second,
		RestartDelay:       1 * time.Second,
		DebounceDur:        500 * time.Millisecond,
		BindAddr:           "127.0.0.1",
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Validate checks cross-field invariants that flag parsing alone cannot
// enforce, returning an ierrors.KindConfig error describing the first
// violation found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return ierrors.Config("validate", fmt.Errorf("a command to supervise is required"))
	}
	if ip := net.ParseIP(c.BindAddr); ip == nil {
		return ierrors.Config("validate", fmt.Errorf("bind address %q is not a valid IP", c.BindAddr))
	}
	if c.LiveReload && strings.TrimSpace(c.WatchPath) == "" {
		c.WatchPath = c.Command
	}
	if len(c.FDNames) > 0 && len(c.FDNames) != len(c.Ports) {
		return ierrors.Config("validate", fmt.Errorf(
			"--fd-names has %d entries but --ports has %d; they must match", len(c.FDNames), len(c.Ports)))
	}
	for _, p := range c.Ports {
		if p == 0 {
			return ierrors.Config("validate", fmt.Errorf("port 0 is not bindable"))
		}
	}
	if c.GracefulTimeout <= 0 {
		return ierrors.Config("validate", fmt.Errorf("graceful timeout must be positive"))
	}
	return nil
}

// ParsePorts splits a comma-separated port list into uint16s, the form taken
// by --ports.
func ParsePorts(raw string) ([]uint16, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ports := make([]uint16, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", p, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("invalid port %q: must be 1-65535", p)
		}
		ports = append(ports, uint16(n))
	}
	return ports, nil
}

// ParseNames splits a comma-separated logical-name list, the form taken by
// --fd-names.
func ParseNames(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	names := make([]string, 0, len(parts))
	for _, n := range parts {
		names = append(names, strings.TrimSpace(n))
	}
	return names
}
