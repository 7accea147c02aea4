// Package logging sets up the process-wide logrus logger and the small set
// of field helpers the migration engine threads through its components,
// grounded on canonical-redis_exporter/exporter/exporter.go's plain
// log.Debugf/log.Errorf usage of the package-level logrus logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Options configures the process logger.
type Options struct {
	// Level is one of logrus's level names: "debug", "info", "warn",
	// "error". Empty defaults to "info".
	Level string

	// JSON selects the JSON formatter (for log aggregation) over the
	// human-readable text formatter (for a terminal).
	JSON bool

	// Output overrides the destination; nil defaults to os.Stderr.
	Output io.Writer
}

// New builds a fresh logrus logger configured per opts and returns a base
// *logrus.Entry every component derives its own fields from via WithField /
// WithFields, rather than logging against the bare package logger.
func New(opts Options) *logrus.Entry {
	logger := logrus.New()

	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}

	if opts.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	logger.SetLevel(level)

	return logrus.NewEntry(logger)
}

// WithComponent returns a child entry tagging every subsequent line with
// component=name, the convention internal/migration's Client, ClientCache,
// and LazyReleaseWorker all follow.
func WithComponent(base *logrus.Entry, name string) *logrus.Entry {
	return base.WithField("component", name)
}

// WithDB returns a child entry additionally tagging the source database
// index a Dispatcher or Client is scoped to.
func WithDB(e *logrus.Entry, db int) *logrus.Entry {
	return e.WithField("db", db)
}

// WithDest returns a child entry tagging the migration destination a
// Client talks to.
func WithDest(e *logrus.Entry, host, port string) *logrus.Entry {
	return e.WithFields(logrus.Fields{"dest_host": host, "dest_port": port})
}
