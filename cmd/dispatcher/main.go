// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/dispatcher/cache"
	"github.com/absmach/dispatcher/config"
	"github.com/absmach/dispatcher/discovery"
	"github.com/absmach/dispatcher/dispatch"
	"github.com/absmach/dispatcher/envelope"
	"github.com/absmach/dispatcher/executor"
	"github.com/absmach/dispatcher/internal/wiring"
	"github.com/absmach/dispatcher/pkg/tls"
	"github.com/absmach/dispatcher/ratelimit"
	"github.com/absmach/dispatcher/server/health"
	"github.com/absmach/dispatcher/server/http"
	"github.com/absmach/dispatcher/server/otel"
	"github.com/absmach/dispatcher/stream"
	"github.com/absmach/dispatcher/workqueue"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting dispatcher", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"source_topic", cfg.Source.Topic,
		"partitions", cfg.Source.Partitions,
		"retry_topic", cfg.Retry.Topic,
		"discovery", cfg.Discovery.Type,
		"route_by", cfg.Dispatcher.RouteBy,
		"executors", len(cfg.Executors.Targets))

	if err := run(cfg, logger); err != nil {
		slog.Error("Dispatcher terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("Dispatcher stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Server, uuid.NewString())
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer scancel()
			if err := shutdown(sctx); err != nil {
				slog.Error("OpenTelemetry shutdown error", "error", err)
			}
		}()
	}
	metrics, err := otel.NewMetrics(nil)
	if err != nil {
		return err
	}

	db, err := openBadger(cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	resolver, closeResolver, err := wiring.NewResolver(cfg.Discovery, logger)
	if err != nil {
		return fmt.Errorf("failed to create discovery resolver: %w", err)
	}
	defer closeResolver()

	targets, err := cache.New(wiring.CacheConfig(cfg.Cache), discovery.Populate(resolver, logger), logger)
	if err != nil {
		return fmt.Errorf("failed to create target cache: %w", err)
	}
	defer targets.Close()

	reg, err := metrics.ObserveCache("targets", targets.Stats)
	if err != nil {
		return err
	}
	defer reg.Unregister()

	queue, err := workqueue.New(db, wiring.WorkQueueConfig(cfg.WorkQueue))
	if err != nil {
		return fmt.Errorf("failed to create work queue: %w", err)
	}
	defer queue.Close()

	log := stream.New(db, stream.WithRetention(cfg.Source.Retention))

	sourceProducer, err := stream.NewProducer(log, cfg.Source.Topic, cfg.Source.Partitions)
	if err != nil {
		return err
	}
	retryProducer, err := stream.NewProducer(log, cfg.Retry.Topic, 1)
	if err != nil {
		return err
	}
	retry := dispatch.NewRetryRouter[[]byte](retryProducer, envelope.Raw{})

	healthServer := health.New(health.Config{
		Address:         cfg.Server.HealthAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, targets.Stats, logger)

	ingestTLS, err := tls.Load(cfg.Server.IngestTLS)
	if err != nil {
		return fmt.Errorf("failed to load ingest TLS configuration: %w", err)
	}

	type loop struct {
		name string
		run  func(context.Context) error
	}
	var loops []loop

	newDispatcher := func(name string, cc stream.ConsumerConfig) error {
		consumer, err := stream.NewConsumer(log, cc)
		if err != nil {
			return err
		}
		d, err := dispatch.New[[]byte](
			wiring.DispatchConfig(name, cfg.Dispatcher),
			dispatch.NewLogSource[[]byte](consumer, envelope.Raw{}),
			targets,
			queue,
			retry,
			envelope.Raw{},
			logger,
			dispatch.WithMetrics(metrics),
		)
		if err != nil {
			return err
		}
		healthServer.Register(name, d)
		loops = append(loops, loop{name: name, run: d.Run})
		return nil
	}

	for p := range cfg.Source.Partitions {
		err := newDispatcher(fmt.Sprintf("%s-%d", cfg.Source.Topic, p), stream.ConsumerConfig{
			Group:        cfg.Source.Group,
			Topic:        cfg.Source.Topic,
			Partition:    p,
			PollInterval: cfg.Source.PollInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to create dispatch loop for partition %d: %w", p, err)
		}
	}
	if cfg.Retry.ConsumerEnabled {
		err := newDispatcher(cfg.Retry.Topic, stream.ConsumerConfig{
			Group:        cfg.Source.Group,
			Topic:        cfg.Retry.Topic,
			PollInterval: cfg.Source.PollInterval,
			Delay:        cfg.Retry.Delay,
		})
		if err != nil {
			return fmt.Errorf("failed to create retry loop: %w", err)
		}
	}

	for i, t := range cfg.Executors.Targets {
		proc, err := executor.NewHTTPProcessor(t.URL, t.Timeout)
		if err != nil {
			return fmt.Errorf("executors.targets[%d]: %w", i, err)
		}
		e, err := executor.New(executor.Config{
			TargetID:  uuid.MustParse(t.TargetID),
			PollDelay: cfg.Executors.PollDelay,
		}, queue, proc, metrics, logger)
		if err != nil {
			return fmt.Errorf("executors.targets[%d]: %w", i, err)
		}
		name := "executor-" + t.TargetID
		healthServer.Register(name, e)
		loops = append(loops, loop{name: name, run: e.Run})
	}

	var wg sync.WaitGroup
	fatal := make(chan error, len(loops)+2)

	for _, l := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.run(ctx); err != nil {
				fatal <- fmt.Errorf("%s: %w", l.name, err)
			}
		}()
	}

	if cfg.Server.HealthEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				fatal <- fmt.Errorf("health server: %w", err)
			}
		}()
	}

	if cfg.Server.IngestEnabled {
		ingestCfg := http.Config{
			Address:         cfg.Server.IngestAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			TLSConfig:       ingestTLS,
		}
		if cfg.Server.IngestRateLimit > 0 {
			limiter := ratelimit.NewKeyedLimiter(cfg.Server.IngestRateLimit, cfg.Server.IngestBurst, time.Minute)
			defer limiter.Stop()
			ingestCfg.Limiter = limiter
		}
		ingest := http.New(ingestCfg, sourceProducer, queue, metrics, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting ingest server", "address", cfg.Server.IngestAddr)
			if err := ingest.Listen(ctx); err != nil {
				fatal <- fmt.Errorf("ingest server: %w", err)
			}
		}()
	}

	slog.Info("Dispatcher started", "loops", len(loops))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case runErr = <-fatal:
	}
	cancel()
	wg.Wait()

	close(fatal)
	for err := range fatal {
		runErr = errors.Join(runErr, err)
	}

	return runErr
}

func openBadger(cfg config.StorageConfig) (*badger.DB, error) {
	var opts badger.Options
	switch cfg.Type {
	case "memory":
		slog.Info("Using in-memory storage")
		opts = badger.DefaultOptions("").WithInMemory(true)
	default:
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.BadgerDir)
		opts = badger.DefaultOptions(cfg.BadgerDir)
	}

	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return db, nil
}
