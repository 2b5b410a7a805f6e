package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"realtime-echo/internal/admin"
	"realtime-echo/internal/config"
	"realtime-echo/internal/echopb"
	"realtime-echo/internal/server"
)

type serveOptions struct {
	configPath   string
	address      string
	adminAddress string
	bufferSize   int
	logLevel     string
	logFormat    string
	traceExport  string
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the echo server",
		Long: `Run the echo server until SIGINT or SIGTERM.

Settings come from echod.json in the working directory (or --config),
and flags override the file.

Examples:
  echod serve
  echod serve --address=127.0.0.1:0 --log-level=debug
  echod serve --admin-address=127.0.0.1:9090
  echod serve --trace-exporter=stdout`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to a JSON config file")
	cmd.Flags().StringVarP(&opts.address, "address", "a", server.DefaultAddress, "TCP echo listen address")
	cmd.Flags().StringVar(&opts.adminAddress, "admin-address", "", "HTTP admin listen address (disabled when empty)")
	cmd.Flags().IntVar(&opts.bufferSize, "buffer-size", server.DefaultReadBufferSize, "Read buffer size in bytes")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")
	cmd.Flags().StringVar(&opts.traceExport, "trace-exporter", config.TraceExporterNone, "Session span exporter: none or stdout")

	return cmd
}

// loadConfig reads --config, or echod.json from the working directory when it
// exists, and applies explicitly set flags on top.
func loadConfig(cmd *cobra.Command, opts serveOptions) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load(".")
		if errors.Is(err, os.ErrNotExist) {
			cfg, err = config.New(), nil
		}
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Address = opts.address
	}
	if flags.Changed("admin-address") {
		cfg.AdminAddress = opts.adminAddress
	}
	if flags.Changed("buffer-size") {
		cfg.ReadBufferSize = opts.bufferSize
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = opts.logFormat
	}
	if flags.Changed("trace-exporter") {
		cfg.Trace.Exporter = opts.traceExport
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, lc config.LogConfig) (*slog.Logger, error) {
	level, err := lc.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// newTracerProvider builds the SDK provider for session spans. With the stdout
// exporter, finished spans are written to w as JSON.
func newTracerProvider(w io.Writer, tc config.TraceConfig) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "echod"),
			attribute.String("service.version", version),
		)),
	}
	switch strings.ToLower(tc.Exporter) {
	case config.TraceExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("trace: stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case config.TraceExporterNone, "":
	default:
		return nil, fmt.Errorf("trace: unknown exporter %q", tc.Exporter)
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func runServe(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	logger, err := newLogger(logOut, cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	if p := cfg.Path(); p != "" {
		logger.Info("loaded config", "path", p)
	}

	tp, err := newTracerProvider(logOut, cfg.Trace)
	if err != nil {
		return err
	}
	defer func() {
		fctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout))
		defer cancel()
		if err := tp.Shutdown(fctx); err != nil {
			logger.Warn("error flushing traces", "error", err)
		}
	}()
	otel.SetTracerProvider(tp)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	scfg := cfg.ServerConfig()
	scfg.Registerer = reg
	scfg.Logger = logger
	scfg.TracerProvider = tp

	srv, err := server.New(scfg, echopb.Codec{})
	if err != nil {
		return err
	}
	defer srv.Close()

	var adminLn net.Listener
	if cfg.AdminAddress != "" {
		adminLn, err = net.Listen("tcp", cfg.AdminAddress)
		if err != nil {
			return fmt.Errorf("admin: listen %s: %w", cfg.AdminAddress, err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Run only returns once the server is stopped; take the rest of the group down with it.
		defer stop()
		if err := srv.Run(); err != nil && !errors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", time.Duration(cfg.ShutdownTimeout))
		sctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout))
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})

	if adminLn != nil {
		router := admin.NewRouter(srv, reg)
		g.Go(func() error {
			return admin.Serve(gctx, adminLn, router, time.Duration(cfg.ShutdownTimeout))
		})
	}

	return g.Wait()
}
