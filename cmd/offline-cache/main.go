package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offline "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/connectivity"
	"github.com/always-cache/offline-cache/queue"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	cfg, err := loadConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	if portFlag > 0 {
		cfg.Port = portFlag
	}
	if originFlag != "" {
		cfg.Origin = originFlag
	}
	if err := cfg.validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

func openProvider(cfg Config) (cache.Provider, error) {
	if cfg.Cache.Provider == "memory" {
		return cache.NewMemoryProvider(cfg.Cache.MaxEntries), nil
	}
	// use 'memory' for an in-memory sqlite db
	filename := cfg.Cache.DB
	if filename == "memory" {
		filename = ""
	}
	return cache.NewSQLiteProvider(filename)
}

func openBackend(cfg Config) (queue.Backend, error) {
	if cfg.Queue.Backend == "leveldb" {
		return queue.NewLevelDBBackend(cfg.Queue.Path)
	}
	return queue.NewSQLiteBackend(cfg.Queue.Path)
}

func run(cfg Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := openProvider(cfg)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer provider.Close()
	manager, err := cache.NewManager(provider, cfg.Versions, nil)
	if err != nil {
		return err
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	outbox := queue.New(backend, nil)
	defer outbox.Close()

	registry := prometheus.NewRegistry()
	metrics := offline.NewMetrics(registry)

	// deliveries and probes go straight to the network, never through the dispatcher
	transport := http.DefaultTransport

	coordinator, err := offline.NewSyncCoordinator(offline.SyncConfig{
		Queue:        outbox,
		DataEndpoint: cfg.Endpoints.Data,
		Transport:    transport,
		Tag:          cfg.Sync.Tag,
		Metrics:      metrics,
	})
	if err != nil {
		return err
	}
	retry := offline.NewBackgroundSync(coordinator, cfg.syncInterval, nil)

	dispatcher, err := offline.New(offline.Config{
		Cache:                 manager,
		Queue:                 outbox,
		Transport:             transport,
		DataEndpoint:          cfg.Endpoints.Data,
		CatalogEndpoint:       cfg.Endpoints.Catalog,
		Origin:                cfg.originURL,
		Retry:                 retry,
		SyncTag:               coordinator.Tag(),
		RetainHeaders:         cfg.RetainHeaders,
		IdempotencyHeader:     cfg.IdempotencyHeader,
		DisableIdempotencyKey: cfg.DisableIdempotencyKey,
		RootPath:              cfg.RootPath,
		OfflineHTML:           cfg.OfflineHTML,
		RefreshTimeout:        cfg.refreshTimeout,
		Metrics:               metrics,
	})
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	watcher := connectivity.NewWatcher(connectivity.Config{
		ProbeURL:  cfg.Connectivity.Probe,
		Interval:  cfg.connectivityInterval,
		Transport: transport,
		OnRestored: func(ctx context.Context) {
			if _, err := coordinator.OnConnectivityRestored(ctx); err != nil {
				log.Error().Err(err).Msg("Could not drain queue")
			}
		},
	})

	s := &server{
		dispatcher: dispatcher,
		sync:       coordinator,
		lifecycle:  offline.NewLifecycle(manager, transport, nil),
		queue:      outbox,
		metrics:    metrics,
		gatherer:   registry,
		origin:     cfg.originURL,
		precache:   cfg.Precache,
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go retry.Run(ctx)
	go watcher.Run(ctx)
	go func() {
		log.Info().Msgf("Proxying port %v to %s", cfg.Port, cfg.originURL.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
