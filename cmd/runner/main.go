// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lazyaf/core/internal/config"
	"github.com/lazyaf/core/internal/logger"
	"github.com/lazyaf/core/internal/runnerclient"
)

func main() {
	if err := logger.Initialize(&config.LogConfig{
		Level:  "INFO",
		Format: "console",
		Output: []config.LogOutputConfig{{Type: "console", Enabled: true}},
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	runnerLog := logger.GetLogger("runner")
	runnerLog.Info().Msg("starting runner")

	serverURL := os.Getenv("LAZYAF_SERVER_URL")
	runnerType := os.Getenv("LAZYAF_RUNNER_TYPE")
	if serverURL == "" || runnerType == "" {
		runnerLog.Fatal().
			Str("server_url", serverURL).
			Str("runner_type", runnerType).
			Msg("LAZYAF_SERVER_URL and LAZYAF_RUNNER_TYPE are required")
	}

	cfg := runnerclient.Config{
		ServerURL:    serverURL,
		RunnerType:   runnerType,
		RunnerID:     os.Getenv("LAZYAF_RUNNER_ID"),
		DockerHost:   os.Getenv("LAZYAF_DOCKER_HOST"),
		AgentCommand: os.Getenv("LAZYAF_AGENT_COMMAND"),
		WorkDir:      os.Getenv("LAZYAF_RUNNER_WORKDIR"),
	}

	client := runnerclient.New(cfg, runnerLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		runnerLog.Info().Msgf("received signal %v, shutting down", sig)
		cancel()
	}()

	// Reconnect with backoff: the server may restart or the connection may
	// drop transiently; a single Run() failure shouldn't kill the process.
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if err := client.Run(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			runnerLog.Error().Err(err).Dur("retry_in", backoff).Msg("connection lost, reconnecting")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		if ctx.Err() != nil {
			break
		}
	}

	runnerLog.Info().Msg("runner shut down")
}
