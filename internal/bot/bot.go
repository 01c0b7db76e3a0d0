// Package bot orchestrates the router daemon's components: the unix-socket
// RPC server, the background maintenance scheduler, and the shutdown of all
// live bot instances.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"trigrelay/internal/config"
	"trigrelay/internal/database"
	"trigrelay/internal/instance"
	"trigrelay/internal/ipc"
	"trigrelay/internal/placeholder"
)

// Bot represents the router daemon and manages its components' lifecycle.
type Bot struct {
	logger       *slog.Logger
	cfg          *config.Config
	db           *sqlx.DB
	store        database.Store
	instances    *instance.Registry
	placeholders *placeholder.Manager
	server       *ipc.Server
	scheduler    *Scheduler
}

// NewBot creates the daemon orchestrator with all required dependencies.
func NewBot(
	logger *slog.Logger,
	cfg *config.Config,
	db *sqlx.DB,
	store database.Store,
	instances *instance.Registry,
	placeholders *placeholder.Manager,
	server *ipc.Server,
	scheduler *Scheduler,
) *Bot {
	return &Bot{
		logger:       logger.With("component", "orchestrator"),
		cfg:          cfg,
		db:           db,
		store:        store,
		instances:    instances,
		placeholders: placeholders,
		server:       server,
		scheduler:    scheduler,
	}
}

// Run starts the daemon and blocks until the context is cancelled or a
// component fails. On return all bot instances are logged out and all
// placeholder messages stopped.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting router daemon...")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.logger.Info("Starting RPC listener...", "socket", b.server.Path())

		if err := b.server.Run(gCtx); err != nil {
			b.logger.Error("RPC listener stopped with error", "error", err)
			return fmt.Errorf("rpc listener: %w", err)
		}

		b.logger.Info("RPC listener stopped.")
		return nil
	})

	g.Go(func() error {
		if err := b.scheduler.Start(); err != nil {
			b.logger.Error("Failed to start scheduler", "error", err)
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		<-gCtx.Done()
		b.logger.Info("Shutdown signal received, stopping scheduler...")

		if err := b.scheduler.Stop(); err != nil {
			b.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	b.logger.Info("Router daemon running. Waiting for shutdown signal or error...")
	err := g.Wait()

	b.placeholders.ClearAll()
	b.instances.Shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Router daemon stopped due to error", "error", err)
		return err
	}

	b.logger.Info("Router daemon stopped gracefully.")
	return nil
}
