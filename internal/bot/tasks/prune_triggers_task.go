package tasks

import (
	"context"
	"fmt"
	"time"
)

// newPruneStaleTriggersTask creates the scheduled task that drops trigger
// registrations whose owning worker stopped checking in, along with their
// queued events, push subscriptions and placeholder messages.
func newPruneStaleTriggersTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "prune_stale_triggers")
	maxAge := time.Duration(deps.Config.Scheduler.PruneMaxAgeMinutes) * time.Minute

	return func(ctx context.Context) error {
		dropped := deps.Triggers.Prune(maxAge)
		if len(dropped) == 0 {
			return nil
		}

		var failed int
		for _, reg := range dropped {
			deps.Server.Unsubscribe(reg.NodeID)

			// The bot instance may already be released when this node was
			// the last one on its key; clear anyway so the animation tick
			// stops, skipping only the message deletion.
			sess, err := deps.Instances.Session(reg.CredentialKey)
			if err != nil {
				sess = nil
			}
			deps.Placeholders.Clear(ctx, sess, reg.NodeID)

			if err := deps.Store.DeleteForNode(ctx, reg.NodeID); err != nil {
				log.WarnContext(ctx, "Failed to drop queued events for pruned node", "node_id", reg.NodeID, "error", err)
				failed++
			}
		}

		log.InfoContext(ctx, "Pruned stale trigger registrations", "count", len(dropped))
		if failed > 0 {
			return fmt.Errorf("failed to clean up %d of %d pruned nodes", failed, len(dropped))
		}
		return nil
	}
}
