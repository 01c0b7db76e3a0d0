// Package rpc binds the ipc transport to the router's domain logic: one
// handler per request name, each validating its payload before acting.
package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"trigrelay/internal/actions"
	"trigrelay/internal/database"
	"trigrelay/internal/errs"
	"trigrelay/internal/gateway"
	"trigrelay/internal/instance"
	"trigrelay/internal/ipc"
	"trigrelay/internal/matcher"
	"trigrelay/internal/placeholder"
	"trigrelay/internal/router"
	"trigrelay/internal/trigger"
)

const listTimeout = 20 * time.Second

// Deps carries everything the handlers need.
type Deps struct {
	Logger       *slog.Logger
	Instances    *instance.Registry
	Triggers     *trigger.Registry
	Placeholders *placeholder.Manager
	Executor     *actions.Executor
	Store        database.Store
	Router       *router.Router
	Server       *ipc.Server
}

type handlers struct {
	deps     Deps
	validate *validator.Validate
}

// RegisterAll builds the request-name handler table and installs it on the
// server.
func RegisterAll(deps Deps) {
	h := &handlers{deps: deps, validate: validator.New()}

	deps.Server.SetHandlers(map[string]ipc.HandlerFunc{
		ipc.ReqCredentials:       h.credentials,
		ipc.ReqTriggerRegistered: h.triggerRegistered,
		ipc.ReqUpdateStatus:      h.updateStatus,
		ipc.ReqDeactivateNode:    h.deactivateNode,
		ipc.ReqCleanupBot:        h.cleanupBot,
		ipc.ReqListGuilds:        h.listGuilds,
		ipc.ReqListChannels:      h.listChannels,
		ipc.ReqListRoles:         h.listRoles,
		ipc.ReqSendMessage:       h.sendMessage,
		ipc.ReqSendAction:        h.sendAction,
		ipc.ReqSendConfirmation:  h.sendConfirmation,
		ipc.ReqGetNewMessages:    h.getNewMessages,
		ipc.ReqExecutionFinished: h.executionFinished,
	})
}

// decode unmarshals and validates a request payload.
func (h *handlers) decode(payload json.RawMessage, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return errs.NewConfigError("malformed request payload", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return errs.NewConfigError("invalid request payload", err)
	}
	return nil
}

// credentials ensures a live bot instance for the supplied credentials. The
// credential key is always recomputed from the credentials themselves; a
// client-supplied key is only cross-checked, and a mismatch is rejected.
func (h *handlers) credentials(ctx context.Context, _ *ipc.Conn, payload json.RawMessage) (any, error) {
	var req ipc.CredentialsRequest
	if err := h.decode(payload, &req); err != nil {
		return nil, err
	}

	if req.CredentialKey != "" && req.CredentialKey != instance.Key(req.ClientID, req.Token) {
		return ipc.CredentialsResponse{
			Status: string(instance.StatusError),
			Error:  "credential key does not match the supplied credentials",
		}, nil
	}

	status, err := h.deps.Instances.Ensure(ctx, gateway.Credentials{
		ClientID: req.ClientID,
		Token:    req.Token,
		BaseURL:  req.BaseURL,
	})

	resp := ipc.CredentialsResponse{Status: string(status)}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp, nil
}

func (h *handlers) triggerRegistered(_ context.Context, conn *ipc.Conn, payload json.RawMessage) (any, error) {
	var req ipc.TriggerRegisterRequest
	if err := h.decode(payload, &req); err != nil {
		return nil, err
	}

	err := h.deps.Triggers.Register(trigger.Registration{
		NodeID:          req.NodeID,
		CredentialKey:   req.CredentialKey,
		Active:          req.Active,
		PlaceholderText: req.PlaceholderText,
		Match:           toMatcherConfig(req.Match, h.deps.Router.ChannelSubstring()),
	})
	if err != nil {
		return nil, err
	}

	if conn != nil {
		h.deps.Server.Subscribe(req.NodeID, conn)
	}
	return nil, nil
}

func (h *handlers) updateStatus(_ context.Context, _ *ipc.Conn, payload json.RawMessage) (any, error) {
	var req ipc.StatusUpdateRequest
	if err := h.decode(payload, &req); err != nil {
		return nil, err
	}
	return nil, h.deps.Triggers.SetActive(req.NodeID, req.Active)
}

func (h *handlers) deactivateNode(_ context.Context, _ *ipc.Conn, payload json.RawMessage) (any, error) {
	var req ipc.NodeRequest
	if err := h.decode(payload, &req); err != nil {
		return nil, err
	}
	return nil, h.deps.Triggers.SetActive(req.NodeID, false)
}

// cleanupBot deregisters a trigger node and drops its state: queued match
// events, push subscription, any live placeholder, and, when it was the
// last node on its credential key, the bot instance itself via the
// registry's release hook.
func (h *handlers) cleanupBot(ctx context.Context, _ *ipc.Conn, payload json.RawMessage) (any, error) {
	var req ipc.CleanupRequest
	if err := h.decode(payload, &req); err != nil {
		return nil, err
	}

	// Resolve the session before deregistering: when this is the last node
	// on its credential key, Deregister releases the instance and the
	// session is no longer reachable afterwards.
	var sess gateway.Session
	if reg, ok := h.deps.Triggers.Get(req.NodeID); ok {
		if s, err := h.deps.Instances.Session(reg.CredentialKey); err == nil {
			sess = s
		}
	}

	h.deps.Triggers.Deregister(req.NodeID)
	h.deps.Server.Unsubscribe(req.NodeID)

	// Clear even without a session so the animation tick always stops; the
	// message deletion is then skipped, but no state is left behind.
	h.deps.Placeholders.Clear(ctx, sess, req.NodeID)

	if err := h.deps.Store.DeleteForNode(ctx, req.NodeID); err != nil {
		h.deps.Logger.Warn("failed to drop queued messages", "node_id", req.NodeID, "error", err)
	}
	return nil, nil
}

func (h *handlers) listGuilds(ctx context.Context, _ *ipc.Conn, payload json.RawMessage) (any, error) {
	return h.list(ctx, payload, func(ctx context.Context, sess gateway.Session, _ []string) ([]gateway.NameID, error) {
		return sess.Guilds(ctx)
	})
}

func (h *handlers) listChannels(ctx context.Context, _ *ipc.Conn, payload json.RawMessage) (any, error) {
	return h.list(ctx, payload, func(ctx context.Context, sess gateway.Session, guildIDs []string) ([]gateway.NameID, error) {
		return sess.Channels(ctx, guildIDs)
	})
}

func (h *handlers) listRoles(ctx context.Context, _ *ipc.Conn, payload json.RawMessage) (any, error) {
	return h.list(ctx, payload, func(ctx context.Context, sess gateway.Session, guildIDs []string) ([]gateway.NameID, error) {
		return sess.Roles(ctx, guildIDs)
	})
}

func (h *handlers) list(ctx context.Context, payload json.RawMessage, fetch func(context.Context, gateway.Session, []string) ([]gateway.NameID, error)) (any, error) {
	var req ipc.ListRequest
	if err := h.decode(payload, &req); err != nil {
		return nil, err
	}

	sess, err := h.deps.Instances.Session(req.CredentialKey)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	items, err := fetch(fetchCtx, sess, req.GuildIDs)
	if err != nil {
		return nil, err
	}
	return ipc.ListResponse{Items: items}, nil
}

func (h *handlers) sendMessage(ctx context.Context, _ *ipc.Conn, payload json.RawMessage) (any, error) {
	var req ipc.SendMessageRequest
	if err := h.decode(payload, &req); err != nil {
		return nil, err
	}

	channelID, messageID, err := h.deps.Executor.SendMessage(ctx, req)
	if err != nil {
		return nil, err
	}
	return ipc.SendMessageResponse{Success: true, ChannelID: channelID, MessageID: messageID}, nil
}

func (h *handlers) sendAction(ctx context.Context, _ *ipc.Conn, payload json.RawMessage) (any, error) {
	var req ipc.SendActionRequest
	if err := h.decode(payload, &req); err != nil {
		return nil, err
	}
	return nil, h.deps.Executor.PerformAction(ctx, req)
}

func (h *handlers) sendConfirmation(ctx context.Context, _ *ipc.Conn, payload json.RawMessage) (any, error) {
	var req ipc.SendConfirmationRequest
	if err := h.decode(payload, &req); err != nil {
		return nil, err
	}

	confirmed, err := h.deps.Executor.SendConfirmation(ctx, req)
	if err != nil {
		return nil, err
	}
	return ipc.ConfirmationResponse{Confirmed: confirmed}, nil
}

func (h *handlers) getNewMessages(ctx context.Context, _ *ipc.Conn, payload json.RawMessage) (any, error) {
	var req ipc.NodeRequest
	if err := h.decode(payload, &req); err != nil {
		return nil, err
	}

	rows, err := h.deps.Store.Drain(ctx, req.NodeID)
	if err != nil {
		return nil, err
	}

	events := make([]ipc.MatchEvent, 0, len(rows))
	for _, raw := range rows {
		var ev ipc.MatchEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			h.deps.Logger.Warn("dropping undecodable queued event", "node_id", req.NodeID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return ipc.GetNewMessagesResponse{Messages: events}, nil
}

// executionFinished clears the node's placeholder message, if any.
func (h *handlers) executionFinished(ctx context.Context, _ *ipc.Conn, payload json.RawMessage) (any, error) {
	var req ipc.NodeRequest
	if err := h.decode(payload, &req); err != nil {
		return nil, err
	}

	// Clear runs even when the node or its session is already gone, so a
	// live animation tick never outlasts the workflow.
	var sess gateway.Session
	if reg, ok := h.deps.Triggers.Get(req.NodeID); ok {
		if s, err := h.deps.Instances.Session(reg.CredentialKey); err == nil {
			sess = s
		}
	}
	h.deps.Placeholders.Clear(ctx, sess, req.NodeID)
	return nil, nil
}

// toMatcherConfig converts the wire match configuration into the matcher's
// form, applying the router-level channel comparison policy.
func toMatcherConfig(mc ipc.MatchConfig, channelSubstring bool) matcher.Config {
	return matcher.Config{
		Kind:              matcher.Kind(mc.Kind),
		Value:             mc.Value,
		CaseSensitive:     mc.CaseSensitive,
		GuildIDs:          mc.GuildIDs,
		RoleIDs:           mc.RoleIDs,
		ChannelIDs:        mc.ChannelIDs,
		ChannelSubstring:  channelSubstring,
		ReferenceRequired: mc.ReferenceRequired,
		AllowExternalBots: mc.AllowExternalBots,
	}
}
