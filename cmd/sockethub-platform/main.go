// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/sockethub/lib/clock"
	"github.com/bureau-foundation/sockethub/lib/config"
	"github.com/bureau-foundation/sockethub/lib/credential"
	"github.com/bureau-foundation/sockethub/lib/ipc"
	"github.com/bureau-foundation/sockethub/lib/platform"
	"github.com/bureau-foundation/sockethub/lib/process"
	"github.com/bureau-foundation/sockethub/lib/queue"
	"github.com/bureau-foundation/sockethub/lib/redisconn"
	"github.com/bureau-foundation/sockethub/lib/version"

	_ "github.com/bureau-foundation/sockethub/lib/platform/dummy"
	_ "github.com/bureau-foundation/sockethub/lib/platform/feeds"
)

// dispatcherVersionEnv names the dispatcher's version in the child
// environment.
const dispatcherVersionEnv = "SOCKETHUB_DISPATCHER_VERSION"

func main() {
	if err := run(); err != nil {
		if errors.Is(err, platform.ErrFatal) {
			// Already reported to the dispatcher and logged.
			os.Exit(process.ExitCode)
		}
		process.Fatal(err)
	}
}

func run() error {
	var (
		platformName string
		parentID     string
		instanceID   string
		configPath   string
		logLevel     string
	)

	flagSet := pflag.NewFlagSet("sockethub-platform", pflag.ContinueOnError)
	flagSet.StringVar(&platformName, "platform", "", "platform to host (required)")
	flagSet.StringVar(&parentID, "parent-id", "", "id of the dispatcher that started this process (required)")
	flagSet.StringVar(&instanceID, "instance-id", "", "identifier of the platform instance (required)")
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
		version.Print("sockethub-platform")
		return nil
	}
	if platformName == "" || parentID == "" || instanceID == "" {
		return errors.New("--platform, --parent-id and --instance-id are required")
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With(
		"platform", platformName,
		"instance", instanceID,
		"pid", os.Getpid(),
	)
	if dispatcherVersion := os.Getenv(dispatcherVersionEnv); dispatcherVersion != "" && dispatcherVersion != version.Version {
		logger.Warn("dispatcher version differs from platform version",
			"dispatcher", dispatcherVersion,
			"platform_version", version.Version,
		)
	}

	definition, err := platform.Lookup(platformName)
	if err != nil {
		return err
	}

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

	queueName := queue.Name(parentID, instanceID)
	err = platform.Run(ctx, platform.RunConfig{
		Definition: definition,
		Channel:    ipc.NewChannel(os.Stdin, os.Stdout),
		Logger:     logger,
		NewConsumer: func() (queue.Consumer, error) {
			return queue.NewRedis(client, queueName, queue.RedisOptions{
				JobExpiry:    cfg.Queue.JobExpiry.Std(),
				LockDuration: cfg.Queue.LockDuration.Std(),
				Logger:       logger,
			}), nil
		},
		OpenStore: func(sessionID, secret string) (platform.CredentialStore, error) {
			store, err := credential.New(parentID, sessionID, secret, redisConfig)
			if err != nil {
				return nil, err
			}
			return store, nil
		},
		Worker: queue.WorkerOptions{
			Logger:          logger,
			MaxStalledCount: cfg.Queue.MaxStalledCount,
			StalledInterval: cfg.Queue.StalledInterval.Std(),
			LockDuration:    cfg.Queue.LockDuration.Std(),
		},
	})
	if errors.Is(err, platform.ErrParentGone) {
		logger.Info("dispatcher went away, exiting")
		return nil
	}
	if err != nil {
		return fmt.Errorf("running %s: %w", platformName, err)
	}
	logger.Info("platform stopped")
	return nil
}
