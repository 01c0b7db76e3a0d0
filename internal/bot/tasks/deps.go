// Package tasks implements the router daemon's scheduled maintenance tasks:
// pruning stale trigger registrations, expiring queued match events, and
// database upkeep.
package tasks

import (
	"log/slog"

	"trigrelay/internal/config"
	"trigrelay/internal/database"
	"trigrelay/internal/instance"
	"trigrelay/internal/ipc"
	"trigrelay/internal/placeholder"
	"trigrelay/internal/trigger"
)

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger       *slog.Logger
	Store        database.Store
	Triggers     *trigger.Registry
	Instances    *instance.Registry
	Placeholders *placeholder.Manager
	Server       *ipc.Server
	Config       *config.Config
}
