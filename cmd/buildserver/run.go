package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/nixpig/buildworker/internal/buildmanager"
	"github.com/nixpig/buildworker/internal/buildmanager/process"
	"github.com/nixpig/buildworker/internal/config"
	"github.com/nixpig/buildworker/internal/logserver"
	"github.com/nixpig/buildworker/internal/logstore"
	"golang.org/x/sync/errgroup"
)

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

func newOrchestrator(
	cfg *config.Config,
	store *logstore.Store,
	logger *slog.Logger,
) *buildmanager.Orchestrator {
	opts := []process.Option{process.WithKillGrace(cfg.KillGrace)}

	if cfg.CgroupRoot != "" {
		opts = append(opts, process.WithCgroup(cfg.CgroupRoot, &cfg.Limits))
	}

	return buildmanager.NewOrchestrator(
		buildmanager.Config{
			ProjectsRoot: cfg.ProjectsRoot,
			Shell:        cfg.Shell,
			Script:       cfg.Script,
			Timeout:      cfg.JobTimeout,
			ChunkSize:    cfg.ChunkSize,
			PublicURL:    cfg.PublicURL,
		},
		buildmanager.NewLock(),
		store,
		process.NewRunner(opts...),
		logger,
	)
}

// runServer serves the gRPC command surface and the HTTP log server until
// ctx is cancelled or a termination signal is received.
func runServer(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Debug)

	store, err := logstore.New(cfg.LogRoot)
	if err != nil {
		return err
	}

	orchestrator := newOrchestrator(cfg, store, logger)

	listener, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPCAddress, err)
	}

	s, err := newServer(orchestrator, cfg, logger)
	if err != nil {
		listener.Close()
		return err
	}

	logs := logserver.New(cfg.HTTPAddress, store, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gRPC server listening", "addr", listener.Addr().String())
		return s.start(listener)
	})

	g.Go(func() error {
		return logs.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()

		logger.Info("shutting down")

		// Builds in flight are killed first so that their streams end and
		// the graceful stop doesn't wait for the full job timeout.
		orchestrator.Shutdown()
		s.shutdown()

		return nil
	})

	return g.Wait()
}
