package server

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultAddress            = "127.0.0.1:8080"
	DefaultReadBufferSize     = 512
	DefaultAcceptPollInterval = 100 * time.Millisecond
	DefaultReadPollInterval   = 10 * time.Millisecond
	DefaultWriteTimeout       = 10 * time.Second
)

// Config controls the connection manager. Zero values fall back to the defaults.
type Config struct {
	// Address is the host:port to listen on. Port 0 asks the OS for an ephemeral port.
	Address string

	// ReadBufferSize is the size of the per-session read buffer.
	// One read must carry exactly one encoded message.
	ReadBufferSize int

	// AcceptPollInterval bounds how long Accept waits before the
	// accept loop rechecks the running flag.
	AcceptPollInterval time.Duration

	// ReadPollInterval bounds how long a session read waits before
	// the session checks whether the server is stopping.
	ReadPollInterval time.Duration

	// WriteTimeout bounds each echo write. Negative disables it.
	WriteTimeout time.Duration

	// Registerer receives the server metrics. Nil keeps them in a private registry.
	Registerer prometheus.Registerer

	// Logger is the base logger. Nil uses slog.Default().
	Logger *slog.Logger

	// TracerProvider creates the session tracer. Nil uses the global provider.
	TracerProvider trace.TracerProvider
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() *Config {
	return &Config{
		Address:            DefaultAddress,
		ReadBufferSize:     DefaultReadBufferSize,
		AcceptPollInterval: DefaultAcceptPollInterval,
		ReadPollInterval:   DefaultReadPollInterval,
		WriteTimeout:       DefaultWriteTimeout,
	}
}

// withDefaults returns a copy of c with unset fields filled in.
func (c *Config) withDefaults() *Config {
	out := DefaultConfig()
	if c == nil {
		return out
	}
	if c.Address != "" {
		out.Address = c.Address
	}
	if c.ReadBufferSize > 0 {
		out.ReadBufferSize = c.ReadBufferSize
	}
	if c.AcceptPollInterval > 0 {
		out.AcceptPollInterval = c.AcceptPollInterval
	}
	if c.ReadPollInterval > 0 {
		out.ReadPollInterval = c.ReadPollInterval
	}
	if c.WriteTimeout != 0 {
		out.WriteTimeout = c.WriteTimeout
	}
	out.Registerer = c.Registerer
	out.Logger = c.Logger
	out.TracerProvider = c.TracerProvider
	return out
}
