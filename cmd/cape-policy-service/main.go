// Copyright 2026 The Cape Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cape-foundation/cape/lib/clock"
	"github.com/cape-foundation/cape/lib/config"
	"github.com/cape-foundation/cape/lib/label"
	"github.com/cape-foundation/cape/lib/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cape-policy-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.String("config", "", "path to the cape.yaml config file (overrides CAPE_CONFIG)")
	listen := pflag.String("listen", "", "listen address (overrides the config file)")
	pflag.Parse()

	logger := service.NewLogger()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else if os.Getenv("CAPE_CONFIG") != "" {
		cfg, err = config.Load()
	} else {
		// No config file: run on defaults. Fine for development,
		// where the store lands under ~/.cache/cape.
		cfg = config.Default()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	store, err := label.Open(label.StoreConfig{
		Path:     cfg.Storage.Path,
		PoolSize: cfg.Storage.PoolSize,
		Clock:    clock.Real(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	logger.Info("policy store open",
		"path", cfg.Storage.Path,
		"environment", string(cfg.Environment))

	server := service.NewHTTPServer(service.HTTPServerConfig{
		Address:         cfg.Server.Listen,
		Handler:         newHandler(store, logger),
		ShutdownTimeout: cfg.ShutdownTimeout(),
		Logger:          logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}
