// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/sockethub/lib/activity"
	"github.com/bureau-foundation/sockethub/lib/clock"
	"github.com/bureau-foundation/sockethub/lib/config"
	"github.com/bureau-foundation/sockethub/lib/credential"
	"github.com/bureau-foundation/sockethub/lib/ipc"
	"github.com/bureau-foundation/sockethub/lib/platform"
	"github.com/bureau-foundation/sockethub/lib/process"
	"github.com/bureau-foundation/sockethub/lib/queue"
	"github.com/bureau-foundation/sockethub/lib/redisconn"
	"github.com/bureau-foundation/sockethub/lib/sealed"
	"github.com/bureau-foundation/sockethub/lib/socket"
	"github.com/bureau-foundation/sockethub/lib/version"

	_ "github.com/bureau-foundation/sockethub/lib/platform/dummy"
	_ "github.com/bureau-foundation/sockethub/lib/platform/feeds"
)

// shutdownTimeout bounds the graceful part of shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var logLevel string

	flagSet := pflag.NewFlagSet("sockethub", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "configuration file, YAML or JSON (default: $SOCKETHUB_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	showVersion := flagSet.Bool("version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		version.Print("sockethub")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisConfig := redisconn.Config(cfg.Redis)
	client, err := redisconn.Acquire(redisConfig)
	if err != nil {
		return err
	}
	defer redisconn.Release()
	if err := redisconn.Connect(ctx, client, clock.Real()); err != nil {
		return err
	}

	platforms := make(map[string]platform.Definition, len(cfg.Platforms))
	for _, name := range cfg.Platforms {
		definition, err := platform.Lookup(name)
		if err != nil {
			return fmt.Errorf("enabling platform: %w", err)
		}
		platforms[name] = definition
	}

	binary, err := cfg.PlatformBinaryPath("sockethub-platform")
	if err != nil {
		return err
	}
	childArgs := []string{"--log-level", cfg.Log.Level}
	if configPath != "" {
		childArgs = append(childArgs, "--config", configPath)
	}

	parentID := uuid.NewString()
	secrets, err := newSecrets()
	if err != nil {
		return err
	}
	cache, err := activity.NewCache(cfg.ActivityObjects.CacheSize)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	m := newMetrics(promRegistry)

	var d *dispatcher
	sockets := socket.NewServer(func(conn *socket.Conn) (socket.Session, error) {
		return d.connect(conn)
	}, socket.ServerOptions{Logger: logger})
	clientTransport := socketTransport{server: sockets}

	spawner := &execSpawner{binary: binary, args: childArgs, logger: logger}
	manager := newProcessManager(managerOptions{
		ParentID: parentID,
		Secrets:  secrets,
		Spawn:    spawner.spawn,
		NewProducer: func(name string) (queue.Producer, error) {
			return queue.NewRedis(client, name, queue.RedisOptions{
				JobExpiry:    cfg.Queue.JobExpiry.Std(),
				LockDuration: cfg.Queue.LockDuration.Std(),
				Logger:       logger,
			}), nil
		},
		Transport: clientTransport,
		Metrics:   m,
		Logger:    logger,
	})

	d = &dispatcher{
		secrets:   secrets,
		manager:   manager,
		transport: clientTransport,
		cache:     cache,
		platforms: platforms,
		openStore: func(sessionID, secret string) (credentialStore, error) {
			store, err := credential.New(parentID, sessionID, secret, redisConfig)
			if err != nil {
				return nil, err
			}
			return store, nil
		},
		messagesPerSecond: cfg.Session.MessagesPerSecond,
		burst:             cfg.Session.Burst,
		metrics:           m,
		logger:            logger,
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	sweeper := &janitor{
		registry:  manager.registry,
		transport: clientTransport,
		clock:     clock.Real(),
		interval:  cfg.Janitor.Interval.Std(),
		metrics:   m,
		logger:    logger,
	}
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		sweeper.run(janitorCtx)
	}()

	httpServer := &http.Server{
		Addr:              cfg.Public.Address(),
		Handler:           routes(cfg.Public.Path, sockets, promRegistry, healthHandler(client, manager, clientTransport)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	logger.Info("sockethub running",
		"address", cfg.Public.Address(),
		"path", cfg.Public.Path,
		"platforms", cfg.Platforms,
		"parent_id", parentID,
		"version", version.Info(),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serving http: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	sockets.Close()
	stopJanitor()
	<-janitorDone
	if err := manager.shutdown(shutdownCtx); err != nil {
		logger.Warn("destroying platform instances", "error", err)
	}
	return runErr
}

// loadConfig reads the file named by --config, falling back to
// $SOCKETHUB_CONFIG and then the defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// newSecrets generates the two parent secrets. Together they key the
// job queues; the first also forms half of every session's
// credentials store secret.
func newSecrets() (ipc.Secrets, error) {
	first, err := sealed.RandToken(sealed.SecretLength / 2)
	if err != nil {
		return ipc.Secrets{}, err
	}
	second, err := sealed.RandToken(sealed.SecretLength / 2)
	if err != nil {
		return ipc.Secrets{}, err
	}
	return ipc.Secrets{ParentSecret1: first, ParentSecret2: second}, nil
}
