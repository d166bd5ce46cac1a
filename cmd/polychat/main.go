// polychat launches every plugin found in the plugin directory and
// brokers requests to them until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/snowmerak/polychat/lib/broker"
	"github.com/snowmerak/polychat/lib/config"
	"github.com/snowmerak/polychat/lib/logging"
	"github.com/snowmerak/polychat/lib/process"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		pluginsDir  string
		transport   string
		metricsAddr string
		logLevel    string
		logFormat   string
	)

	flagSet := pflag.NewFlagSet("polychat", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	flagSet.StringVar(&pluginsDir, "plugins-dir", "", "absolute plugin directory (overrides plugins.directory)")
	flagSet.StringVar(&transport, "transport", "", "plugin transport: stdio or unix (overrides plugins.transport)")
	flagSet.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.address)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (overrides log.level)")
	flagSet.StringVar(&logFormat, "log-format", "", "console or json (overrides log.format)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if flagSet.Changed("plugins-dir") {
		cfg.Plugins.Directory = pluginsDir
	}
	if flagSet.Changed("transport") {
		cfg.Plugins.Transport = process.Transport(transport)
	}
	if flagSet.Changed("metrics-addr") {
		cfg.Metrics.Address = metricsAddr
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flagSet.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Plugins.Directory == "" {
		return errors.New("no plugin directory: set plugins.directory or --plugins-dir")
	}

	logger, logCloser, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := broker.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	b, err := broker.New(cfg.Broker, broker.WithLogger(logger), broker.WithMetrics(metrics))
	if err != nil {
		return err
	}
	go logEvents(b.Subscribe(), logger)

	var server *http.Server
	if cfg.Metrics.Address != "" {
		server = serveMetrics(cfg.Metrics.Address, registry, logger)
	}

	supervisor := process.NewSupervisor(b,
		process.WithLogger(logger),
		process.WithPluginArgs(cfg.Plugins.Args...),
		process.WithTransport(cfg.Plugins.Transport, cfg.Plugins.SocketDir),
	)

	paths, err := process.Discover(cfg.Plugins.Directory)
	if err != nil {
		return err
	}
	logger.Info().Str("directory", cfg.Plugins.Directory).Int("plugins", len(paths)).Msg("discovered plugins")

	if _, err := supervisor.LaunchAll(ctx, paths); err != nil {
		logger.Warn().Err(err).Msg("some plugins failed to launch")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := b.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("broker: %w", err))
	}
	if err := supervisor.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("supervisor: %w", err))
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	return errors.Join(errs...)
}

func serveMetrics(addr string, registry *prometheus.Registry, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("address", addr).Msg("serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return server
}

func logEvents(sub *broker.Subscription, logger zerolog.Logger) {
	for event := range sub.C {
		switch event.Kind {
		case broker.EventStateChanged:
			logger.Info().
				Str("plugin", string(event.Plugin)).
				Stringer("from", event.From).
				Stringer("to", event.To).
				Msg("plugin state changed")
		case broker.EventError:
			logger.Warn().Str("plugin", string(event.Plugin)).Err(event.Err).Msg("plugin error")
		case broker.EventPluginEvent:
			logger.Debug().Str("plugin", string(event.Plugin)).Int("bytes", len(event.Payload)).Msg("plugin event")
		}
	}
}
