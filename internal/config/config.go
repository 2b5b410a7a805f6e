// Package config loads echod settings from an optional JSON file.
//
// Example echod.json:
//
//	{
//	  "address": "0.0.0.0:7000",
//	  "adminAddress": "127.0.0.1:9090",
//	  "readBufferSize": 512,
//	  "acceptPollInterval": "100ms",
//	  "readPollInterval": "10ms",
//	  "writeTimeout": "10s",
//	  "shutdownTimeout": "5s",
//	  "log": {"level": "info", "format": "text"},
//	  "trace": {"exporter": "stdout"}
//	}
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"realtime-echo/internal/server"
)

// ConfigFileName is the file looked up when no path is given.
const ConfigFileName = "echod.json"

const DefaultShutdownTimeout = 5 * time.Second

// Duration is a time.Duration that reads and writes as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Plain numbers are nanoseconds.
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("config: duration must be a string like \"100ms\": %s", b)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	*d = Duration(v)
	return nil
}

// Config is the complete echod configuration.
type Config struct {
	// Address is the TCP echo listen address.
	Address string `json:"address,omitempty"`

	// AdminAddress is the HTTP diagnostics address. Empty disables it.
	AdminAddress string `json:"adminAddress,omitempty"`

	ReadBufferSize     int      `json:"readBufferSize,omitempty"`
	AcceptPollInterval Duration `json:"acceptPollInterval,omitempty"`
	ReadPollInterval   Duration `json:"readPollInterval,omitempty"`
	WriteTimeout       Duration `json:"writeTimeout,omitempty"`
	ShutdownTimeout    Duration `json:"shutdownTimeout,omitempty"`

	Log   LogConfig   `json:"log,omitempty"`
	Trace TraceConfig `json:"trace,omitempty"`

	path string
}

// TraceConfig selects where session spans go.
type TraceConfig struct {
	// Exporter is none or stdout.
	Exporter string `json:"exporter,omitempty"`
}

const (
	TraceExporterNone   = "none"
	TraceExporterStdout = "stdout"
)

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `json:"level,omitempty"`

	// Format is text or json.
	Format string `json:"format,omitempty"`
}

// New returns a Config with defaults applied.
func New() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads ConfigFileName from dir.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads a JSON config file. Fields missing from the file keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.path = path
	cfg.applyDefaults()
	return cfg, nil
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = server.DefaultAddress
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = server.DefaultReadBufferSize
	}
	if c.AcceptPollInterval == 0 {
		c.AcceptPollInterval = Duration(server.DefaultAcceptPollInterval)
	}
	if c.ReadPollInterval == 0 {
		c.ReadPollInterval = Duration(server.DefaultReadPollInterval)
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = Duration(server.DefaultWriteTimeout)
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Trace.Exporter == "" {
		c.Trace.Exporter = TraceExporterNone
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		errs = append(errs, fmt.Errorf("address %q: %w", c.Address, err))
	}
	if c.AdminAddress != "" {
		if _, _, err := net.SplitHostPort(c.AdminAddress); err != nil {
			errs = append(errs, fmt.Errorf("adminAddress %q: %w", c.AdminAddress, err))
		}
	}
	if c.ReadBufferSize < 0 {
		errs = append(errs, fmt.Errorf("readBufferSize must be positive, got %d", c.ReadBufferSize))
	}
	if c.AcceptPollInterval < 0 || c.ReadPollInterval < 0 {
		errs = append(errs, errors.New("poll intervals must be positive"))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdownTimeout must be positive"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if e := strings.ToLower(c.Trace.Exporter); e != TraceExporterNone && e != TraceExporterStdout {
		errs = append(errs, fmt.Errorf("trace.exporter must be none or stdout, got %q", c.Trace.Exporter))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// ServerConfig converts c into the connection manager's settings.
func (c *Config) ServerConfig() *server.Config {
	return &server.Config{
		Address:            c.Address,
		ReadBufferSize:     c.ReadBufferSize,
		AcceptPollInterval: time.Duration(c.AcceptPollInterval),
		ReadPollInterval:   time.Duration(c.ReadPollInterval),
		WriteTimeout:       time.Duration(c.WriteTimeout),
	}
}
