// Package main contains the entrypoint for the gateway router daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trigrelay/internal/actions"
	"trigrelay/internal/bot"
	"trigrelay/internal/bot/tasks"
	"trigrelay/internal/config"
	"trigrelay/internal/database"
	"trigrelay/internal/gateway"
	"trigrelay/internal/instance"
	"trigrelay/internal/ipc"
	"trigrelay/internal/logger"
	"trigrelay/internal/placeholder"
	"trigrelay/internal/router"
	"trigrelay/internal/rpc"
	"trigrelay/internal/trigger"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes and starts all daemon components (config, logger, db,
// instance registry, rpc server, scheduler), handles graceful shutdown, and
// returns an exit code (0 for success, 1 for failure).
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	server := ipc.NewServer(log, cfg.Socket.Path)
	placeholders := placeholder.NewManager(log)

	r := router.New(log, placeholders, store, server, router.Policy{
		DispatchInactive: cfg.Router.DispatchInactive,
		ChannelSubstring: cfg.Router.ChannelFilterSubstring,
	})

	instances := instance.NewRegistry(log, gateway.DialDiscord, r.OnSession)
	triggers := trigger.NewRegistry(log, instances.Release)
	r.SetTriggers(triggers)

	executor := actions.NewExecutor(log, instances)

	rpc.RegisterAll(rpc.Deps{
		Logger:       log,
		Instances:    instances,
		Triggers:     triggers,
		Placeholders: placeholders,
		Executor:     executor,
		Store:        store,
		Router:       r,
		Server:       server,
	})

	sched := bot.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger:       log,
		Store:        store,
		Triggers:     triggers,
		Instances:    instances,
		Placeholders: placeholders,
		Server:       server,
		Config:       cfg,
	}))

	app := bot.NewBot(log, cfg, db, store, instances, placeholders, server, sched)

	log.Info("Starting router daemon...")
	runErr := app.Run(ctx)
	log.Info("Run loop finished. Initiating shutdown...")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Daemon stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Daemon stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
