// Package app wires configuration, logging and the selected transport for the
// evtap CLI.
package app

import (
	"io"
	"log/slog"
	"os"

	"github.com/rbaliyan/eventstream"
)

// App holds the evtap dependencies shared by all commands.
type App struct {
	version string
	commit  string
	date    string

	config  *Config
	logger  *slog.Logger
	out     io.Writer
	errOut  io.Writer
	factory TransportFactory
	envFile []string
}

// Option customizes an App
type Option func(*App)

// WithOutput sets where watched values and command output are written.
func WithOutput(w io.Writer) Option {
	return func(a *App) {
		if w != nil {
			a.out = w
		}
	}
}

// WithErrorOutput sets where logs are written.
func WithErrorOutput(w io.Writer) Option {
	return func(a *App) {
		if w != nil {
			a.errOut = w
		}
	}
}

// WithTransportFactory replaces the transport factory.
func WithTransportFactory(f TransportFactory) Option {
	return func(a *App) {
		if f != nil {
			a.factory = f
		}
	}
}

// WithEnvFiles sets the .env files to load instead of .env and .env.local.
func WithEnvFiles(files ...string) Option {
	return func(a *App) {
		a.envFile = files
	}
}

// New creates an App with the given build information.
func New(version, commit, date string, opts ...Option) *App {
	a := &App{
		version: version,
		commit:  commit,
		date:    date,
		out:     os.Stdout,
		errOut:  os.Stderr,
		factory: NewTransport,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Config returns the loaded configuration, nil before a command runs.
func (a *App) Config() *Config {
	return a.config
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// setup installs the logger and the default stream adapter for cfg.
// This is the single place where the runtime environment is chosen.
func (a *App) setup(cfg *Config) {
	a.config = cfg
	a.logger = NewLogger(a.errOut, cfg.LogLevel)
	slog.SetDefault(a.logger)

	eventstream.SetDefault(eventstream.New(
		eventstream.WithLogger(a.logger.With("component", "eventstream")),
		eventstream.WithName("evtap:"+cfg.Source),
	))
}

// NewLogger creates a text logger at the named level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
