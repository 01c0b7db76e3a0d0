package tasks

import (
	"context"
	"fmt"
	"time"
)

// queueRetention is how long an unclaimed match event stays queued. Workers
// normally drain their queue within seconds of a push.
const queueRetention = 24 * time.Hour

// newPruneMessageQueueTask creates the scheduled task that expires queued
// match events no worker ever collected.
func newPruneMessageQueueTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "prune_message_queue")

	return func(ctx context.Context) error {
		cutoff := time.Now().Add(-queueRetention)

		removed, err := deps.Store.PruneOlderThan(ctx, cutoff)
		if err != nil {
			log.ErrorContext(ctx, "Message queue prune failed", "error", err)
			return fmt.Errorf("message queue prune failed: %w", err)
		}

		if removed > 0 {
			log.InfoContext(ctx, "Expired unclaimed match events", "count", removed)
		}
		return nil
	}
}
