// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Atelier-gate is the data-plane daemon: it validates capability and
// service identity tokens, enforces the guardrail policy, and forwards
// admitted requests to its configured upstreams. It optionally accepts
// tunnel relay connections on a separate listener.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/atelier-foundation/atelier/gate"
	"github.com/atelier-foundation/atelier/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	pflag.StringVar(&configPath, "config", "", "path to gate config file (required)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		version.Print("atelier-gate")
		return nil
	}
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	// The daemon always logs JSON: it runs under a supervisor, never a
	// terminal.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	config, err := gate.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger.Info("starting atelier-gate",
		"version", version.Info(),
		"name", config.Name,
		"policy", config.PolicyPath,
		"tunnel_enabled", config.Tunnel.Enabled,
	)

	server, err := gate.NewServer(config, logger)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
