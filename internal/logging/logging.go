// Package logging builds the single logrus.Logger the supervisor threads
// through every component. The teacher programs colorized each process's log
// lines by hand with raw ANSI codes so multiple generations were easy to
// follow in a terminal; logrus's TextFormatter gives us the same readability
// through structured fields instead (component=, pid=, generation=).
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options configures the logger built by New.
type Options struct {
	Level  string // trace|debug|info|warn|error, defaults to info
	Format string // text|json, defaults to text
	Output io.Writer
}

// New constructs a logger per Options. An unparsable Level falls back to Info
// rather than failing startup over a cosmetic flag.
func New(opts Options) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	log.SetOutput(out)

	if opts.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			ForceColors:     true,
			DisableQuote:    true,
			TimestampFormat: "15:04:05.000",
		})
	}
	return log
}

// Component returns a child logger carrying a fixed "component" field, the
// shape every package in this repository accepts so tests can swap in a
// buffer-backed logger and assert on emitted fields.
func Component(log logrus.FieldLogger, name string) logrus.FieldLogger {
	return log.WithField("component", name)
}
