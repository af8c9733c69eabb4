package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/refcas/internal/api"
	"github.com/tunnelmesh/refcas/internal/cas"
	"github.com/tunnelmesh/refcas/internal/config"
	"github.com/tunnelmesh/refcas/internal/logging/audit"
	"github.com/tunnelmesh/refcas/internal/logging/loki"
	"github.com/tunnelmesh/refcas/internal/metrics"
	"github.com/tunnelmesh/refcas/internal/svc"
	"github.com/tunnelmesh/refcas/internal/tracing"
)

var enableTracing bool

// casMetrics registers the CAS metrics on the process registry once.
var casMetrics = sync.OnceValue(func() *cas.Metrics {
	metrics.InitBuildInfo(Version)
	return cas.NewMetrics(metrics.Registry)
})

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the object API over HTTP",
		Long: `Open the configured backend and serve the HTTP API until interrupted.

Routes:
  PUT  /v1/objects/{id}        create or reference (JSON, CBOR or raw body)
  POST /v1/objects             create under the content fingerprint
  GET  /v1/objects/{id}        payload
  GET  /v1/objects/{id}/stat   count, pin and metadata
  POST /v1/objects/{id}/up     increment
  POST /v1/objects/{id}/down   decrement, destroying at zero
  GET  /healthz, /metrics, /debug/trace`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().BoolVar(&enableTracing, "enable-tracing", false, "enable runtime tracing (exposes /debug/trace endpoint)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if enableTracing {
		cfg.Server.Trace = true
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopLoki := startLoki(cfg, zerolog.ConsoleWriter{Out: os.Stderr})
	defer stopLoki()
	return serve(ctx, cfg)
}

// startLoki tees the global logger to Loki when loki.url is set. The
// returned function flushes pending lines and restores the console logger.
func startLoki(cfg *config.Config, console io.Writer) func() {
	if cfg.Loki.URL == "" {
		return func() {}
	}
	labels := map[string]string{
		"version": Version,
		"backend": cfg.Storage.Backend,
	}
	maps.Copy(labels, cfg.Loki.Labels)

	w := loki.NewWriter(loki.Config{
		URL:           cfg.Loki.URL,
		Labels:        labels,
		BatchSize:     cfg.Loki.BatchSize,
		FlushInterval: cfg.Loki.FlushInterval,
	})
	w.Start()

	prev := log.Logger
	log.Logger = log.Output(zerolog.MultiLevelWriter(console, w))
	log.Info().Str("url", cfg.Loki.URL).Msg("Loki log shipping enabled")

	return func() {
		w.Stop()
		log.Logger = prev
		if n := w.FlushErrors(); n > 0 {
			log.Warn().Uint64("failed_pushes", n).Msg("some log batches were not delivered to Loki")
		}
	}
}

// serve runs the API until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	var casOpts []cas.Option
	var apiOpts []api.Option
	if cfg.Server.Metrics {
		casOpts = append(casOpts, cas.WithMetrics(casMetrics()))
		apiOpts = append(apiOpts, api.WithMetricsHandler(metrics.Handler()))
	}
	if cfg.Server.JWTSecret != "" {
		apiOpts = append(apiOpts, api.WithJWTSecret(cfg.Server.JWTSecret))
	}
	if cfg.Server.Audit {
		logger := log.Logger.With().Str("component", "audit").Logger()
		apiOpts = append(apiOpts, api.WithAuditLogger(audit.NewLogger(logger)))
	}
	if cfg.Server.Trace {
		rec := tracing.New(tracing.DefaultBufferSize)
		if err := rec.Start(); err != nil {
			return fmt.Errorf("start tracing: %w", err)
		}
		defer rec.Stop()
		apiOpts = append(apiOpts, api.WithTraceHandler(rec.Handler()))
	}

	s, closeFn, err := openService(cfg, casOpts...)
	if err != nil {
		return err
	}
	defer closeFn()

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.NewServer(s, apiOpts...).Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	log.Info().
		Str("listen", cfg.Server.Listen).
		Str("backend", cfg.Storage.Backend).
		Str("data_dir", cfg.Storage.DataDir).
		Str("fingerprint", string(s.Algorithm())).
		Bool("auth", cfg.Server.JWTSecret != "").
		Bool("trace", cfg.Server.Trace).
		Bool("audit", cfg.Server.Audit).
		Msg("serving")

	if err := api.Serve(ctx, srv, cfg.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

// runAsService runs the server under the system service manager.
func runAsService() {
	setupServiceLogging()

	configPath := svc.DefaultConfigPath()
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}
	log.Info().Str("version", Version).Str("config", configPath).Msg("starting as service")

	cfg := svc.DefaultServiceConfig()
	cfg.ConfigPath = configPath
	prg := &svc.Program{ConfigPath: configPath, Run: runFromService}
	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

func runFromService(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	stopLoki := startLoki(cfg, zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})
	defer stopLoki()

	err = serve(ctx, cfg)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// setupServiceLogging writes plain console output; the service manager
// captures stderr.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})
}
