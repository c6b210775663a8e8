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

	"github.com/lazyaf/core/internal/apiserver"
	"github.com/lazyaf/core/internal/broadcast"
	"github.com/lazyaf/core/internal/cards"
	"github.com/lazyaf/core/internal/config"
	"github.com/lazyaf/core/internal/debugctl"
	"github.com/lazyaf/core/internal/eventbus"
	"github.com/lazyaf/core/internal/githost"
	"github.com/lazyaf/core/internal/logger"
	"github.com/lazyaf/core/internal/pipeline"
	"github.com/lazyaf/core/internal/queue"
	"github.com/lazyaf/core/internal/runnerpool"
	"github.com/lazyaf/core/internal/store"
	"github.com/lazyaf/core/internal/trigger"
)

func main() {
	cfg, err := config.NewConfig("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Msg("starting core server")

	// This context drives every background service's lifetime.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New()

	st, err := store.New(&cfg.Database, bus)
	if err != nil {
		mainLog.Error().Err(err).Msg("failed to open store")
		os.Exit(1)
	}
	if err := st.AutoMigrate(); err != nil {
		mainLog.Error().Err(err).Msg("failed to migrate schema")
		os.Exit(1)
	}
	if err := st.RecoverOrphans(); err != nil {
		mainLog.Error().Err(err).Msg("failed to recover orphaned rows")
		os.Exit(1)
	}

	q := queue.New(st)
	if err := q.Rebuild(); err != nil {
		mainLog.Error().Err(err).Msg("failed to rebuild job queue")
		os.Exit(1)
	}

	runners := runnerpool.New(st, q, bus, cfg.Runner)
	go runners.Run()

	git := githost.New(cfg.DataRoot.GitReposPath(), bus)

	cardSvc := cards.New(st, q, git, bus)
	go cardSvc.Run(ctx)

	pipelineSvc := pipeline.New(st, q, git, bus, cardSvc, cfg.Pipeline)
	go pipelineSvc.Run(ctx)

	triggerSvc := trigger.New(st, git, bus, pipelineSvc)
	go triggerSvc.Run(ctx)

	// SetBreakpointer wires the Debug Controller into the Pipeline Engine
	// after both exist, breaking their mutual import cycle.
	debugSvc := debugctl.New(st, bus, pipelineSvc, cfg.Debug)
	pipelineSvc.SetBreakpointer(debugSvc)
	go debugSvc.Run(ctx, time.Minute)

	hub := broadcast.NewHub()
	gateway := broadcast.NewGateway(hub, bus)
	go gateway.Run(ctx)
	logTail := broadcast.NewLogTail(st, bus)

	handlers := apiserver.NewHandlers(
		st, git, st, cardSvc, st, st, runners, st, pipelineSvc, debugSvc, st,
		cfg.Server.BackendBaseURL,
	)
	srv := apiserver.New(&cfg.Server, handlers, runners, hub, logTail)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("received signal %v, shutting down", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("server error")
		}
	}

	// Graceful shutdown: fresh context with timeout, independent of the
	// background services' context.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("error shutting down server")
	}

	cancel()
	mainLog.Info().Msg("core server shut down")
}
