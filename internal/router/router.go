// Package router fans inbound messages out to the triggers registered for
// the receiving bot instance. A match is persisted to the durable queue,
// pushed to subscribed workers, and, when the trigger asks for one, answered
// with an animated placeholder message.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"trigrelay/internal/database"
	"trigrelay/internal/gateway"
	"trigrelay/internal/ipc"
	"trigrelay/internal/matcher"
	"trigrelay/internal/placeholder"
	"trigrelay/internal/trigger"
)

const (
	referenceFetchTimeout = 5 * time.Second
	enqueueTimeout        = 5 * time.Second
)

// Notifier pushes a match event to the workers subscribed to a node. The
// ipc server implements it.
type Notifier interface {
	NotifyMatch(nodeID string, event ipc.MatchEvent) bool
}

// Policy is the router's behavior configuration.
type Policy struct {
	// DispatchInactive dispatches matches for triggers whose active flag is
	// off. Workers decide what to do with them.
	DispatchInactive bool
	// ChannelSubstring selects the legacy substring channel comparison.
	ChannelSubstring bool
}

// Router evaluates every inbound message against the triggers registered
// for the credential key that received it.
type Router struct {
	logger       *slog.Logger
	triggers     *trigger.Registry
	placeholders *placeholder.Manager
	store        database.Store
	notifier     Notifier
	policy       Policy
}

// New creates a router. The trigger registry is bound afterwards via
// SetTriggers: the registry's release hook needs the instance registry,
// which in turn needs the router's session hook.
func New(logger *slog.Logger, placeholders *placeholder.Manager, store database.Store, notifier Notifier, policy Policy) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:       logger.With("component", "router"),
		placeholders: placeholders,
		store:        store,
		notifier:     notifier,
		policy:       policy,
	}
}

// SetTriggers binds the trigger registry. Must happen before any session
// opens.
func (r *Router) SetTriggers(triggers *trigger.Registry) {
	r.triggers = triggers
}

// ChannelSubstring reports the channel comparison policy so trigger
// registrations can bake it into their match configuration.
func (r *Router) ChannelSubstring() bool {
	return r.policy.ChannelSubstring
}

// OnSession is the instance registry's session hook: it subscribes the
// router to the session's message stream. Registered before Open, so no
// message can slip past.
func (r *Router) OnSession(key string, sess gateway.Session) {
	sess.OnMessageCreate(func(msg matcher.Message) {
		r.HandleMessage(context.Background(), key, sess, msg)
	})
}

// HandleMessage evaluates msg against every trigger registered for the
// credential key. Each trigger is evaluated on its own; a failure on one
// never stops the rest.
func (r *Router) HandleMessage(ctx context.Context, credentialKey string, sess gateway.Session, msg matcher.Message) {
	if r.triggers == nil {
		return
	}
	regs := r.triggers.ForKey(credentialKey)
	if len(regs) == 0 {
		return
	}

	self := matcher.Identity{UserID: sess.Self().UserID}

	// Resolve the reply reference at most once per message, and only when
	// the gateway did not deliver it inline.
	if msg.HasReference && msg.Reference == nil {
		msg.Reference = r.fetchReference(ctx, sess, msg)
	}

	for _, reg := range regs {
		if !reg.Active && !r.policy.DispatchInactive {
			continue
		}

		result, ok := matcher.Match(msg, reg.Match, self)
		if !ok {
			continue
		}

		r.dispatch(ctx, sess, reg, msg, result)
	}
}

func (r *Router) fetchReference(ctx context.Context, sess gateway.Session, msg matcher.Message) *matcher.Reference {
	channelID := msg.RefChannelID
	if channelID == "" {
		channelID = msg.ChannelID
	}
	if msg.RefMessageID == "" {
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, referenceFetchTimeout)
	defer cancel()

	referenced, err := sess.Message(fetchCtx, channelID, msg.RefMessageID)
	if err != nil {
		r.logger.Debug("failed to fetch reply reference", "message_id", msg.RefMessageID, "error", err)
		return nil
	}

	ref := &matcher.Reference{
		MessageID: referenced.ID,
		ChannelID: referenced.ChannelID,
		Content:   referenced.Content,
	}
	if referenced.Author != nil {
		ref.AuthorID = referenced.Author.ID
	}
	return ref
}

// dispatch persists, pushes and acknowledges one match.
func (r *Router) dispatch(ctx context.Context, sess gateway.Session, reg trigger.Registration, msg matcher.Message, result matcher.Result) {
	event := ipc.MatchEvent{
		NodeID:           reg.NodeID,
		MessageID:        msg.ID,
		Content:          result.Content,
		ProcessedContent: result.ProcessedContent,
		GuildID:          msg.GuildID,
		ChannelID:        msg.ChannelID,
		AuthorID:         msg.AuthorID,
	}
	if result.Reference != nil {
		event.Reference = &ipc.MatchedReference{
			MessageID: result.Reference.MessageID,
			ChannelID: result.Reference.ChannelID,
			AuthorID:  result.Reference.AuthorID,
			Content:   result.Reference.Content,
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("failed to encode match event", "node_id", reg.NodeID, "error", err)
		return
	}

	enqCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	if err := r.store.Enqueue(enqCtx, reg.NodeID, string(payload)); err != nil {
		r.logger.Error("failed to queue match event", "node_id", reg.NodeID, "error", err)
	}
	cancel()

	delivered := r.notifier.NotifyMatch(reg.NodeID, event)
	r.logger.Info("trigger matched",
		"node_id", reg.NodeID,
		"message_id", msg.ID,
		"channel_id", msg.ChannelID,
		"pushed", delivered)

	if reg.PlaceholderText != "" {
		r.placeholders.Show(ctx, sess, reg.NodeID, msg.ChannelID, reg.PlaceholderText)
	}
}
