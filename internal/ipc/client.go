package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"trigrelay/internal/errs"
	"trigrelay/internal/gateway"
)

const (
	dialTimeout           = 10 * time.Second
	defaultRequestTimeout = 8 * time.Second
	cleanupTimeout        = 5 * time.Second
)

// Client is the worker side of the local transport. A worker may hold
// several short-lived clients; the router does not assume a 1:1 mapping.
type Client struct {
	logger *slog.Logger

	netConn net.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingCall // keyed by request id
	byName  map[string]*pendingCall // keyed by response name
	onMatch func(MatchEvent)

	closeOnce sync.Once
	closed    chan struct{}
}

// pendingCall is one in-flight request awaiting its response frame.
type pendingCall struct {
	id   string
	name string // response name
	ch   chan Envelope
}

// Dial connects to the router's socket. Connection establishment is
// bounded by a fixed timeout.
func Dial(logger *slog.Logger, path string) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	netConn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return nil, errs.NewTransportError("failed to connect to router socket", err)
	}

	c := &Client{
		logger:  logger.With("component", "ipc_client"),
		netConn: netConn,
		pending: make(map[string]*pendingCall),
		byName:  make(map[string]*pendingCall),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// OnMatch registers the handler for pushed match events.
func (c *Client) OnMatch(fn func(MatchEvent)) {
	c.mu.Lock()
	c.onMatch = fn
	c.mu.Unlock()
}

// Close tears down the connection. Outstanding requests resolve with a
// transport error.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.netConn.Close()
	})
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.netConn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		var env Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		if env.Name == EventMatch {
			c.mu.Lock()
			fn := c.onMatch
			c.mu.Unlock()
			if fn != nil {
				var event MatchEvent
				if err := json.Unmarshal(env.Payload, &event); err != nil {
					c.logger.Warn("dropping malformed match event", "error", err)
					continue
				}
				fn(event)
			}
			continue
		}

		c.mu.Lock()
		call, ok := c.pending[env.ID]
		if !ok && env.ID == "" {
			// A response without an echoed id correlates by name alone.
			call, ok = c.byName[env.Name]
		}
		if ok {
			c.removeLocked(call)
		}
		c.mu.Unlock()
		if ok {
			call.ch <- env
		}
	}
	c.Close()
}

// removeLocked drops a call from both indexes. The byName slot may already
// belong to a newer request of the same name; that one is left in place.
func (c *Client) removeLocked(call *pendingCall) {
	delete(c.pending, call.id)
	if cur, ok := c.byName[call.name]; ok && cur == call {
		delete(c.byName, call.name)
	}
}

// Request issues one request and waits for its response or the timeout.
// At most one request per name is outstanding: issuing a new request of
// the same name supersedes listening for the previous one.
func (c *Client) Request(ctx context.Context, name string, payload any, timeout time.Duration) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.NewConfigError("failed to marshal request payload", err)
	}

	call := &pendingCall{
		id:   uuid.NewString(),
		name: CallbackName(name),
		ch:   make(chan Envelope, 1),
	}

	c.mu.Lock()
	// A new request of the same name supersedes listening for the old one;
	// a late response to the superseded request is dropped by its stale id.
	if old, ok := c.byName[call.name]; ok {
		delete(c.pending, old.id)
	}
	c.pending[call.id] = call
	c.byName[call.name] = call
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		c.removeLocked(call)
		c.mu.Unlock()
	}

	frame, err := json.Marshal(Envelope{Name: name, ID: call.id, Payload: data})
	if err != nil {
		cleanup()
		return nil, errs.NewConfigError("failed to marshal request frame", err)
	}
	frame = append(frame, '\n')

	c.writeMu.Lock()
	_, err = c.netConn.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		cleanup()
		return nil, errs.NewTransportError("failed to write request", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-call.ch:
		return env.Payload, nil
	case <-timer.C:
		cleanup()
		return nil, errs.NewTransportError("request "+name+" timed out", nil)
	case <-ctx.Done():
		cleanup()
		return nil, errs.NewTransportError("request "+name+" cancelled", ctx.Err())
	case <-c.closed:
		cleanup()
		return nil, errs.NewTransportError("connection closed", nil)
	}
}

// Credentials asks the router to ensure a bot instance. The returned
// status is "error" when the request itself failed; the caller treats it
// the same as a login error.
func (c *Client) Credentials(ctx context.Context, req CredentialsRequest) CredentialsResponse {
	raw, err := c.Request(ctx, ReqCredentials, req, defaultRequestTimeout)
	if err != nil {
		return CredentialsResponse{Status: "error", Error: err.Error()}
	}
	var resp CredentialsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return CredentialsResponse{Status: "error", Error: err.Error()}
	}
	return resp
}

// RegisterTrigger registers a trigger node. False means failure.
func (c *Client) RegisterTrigger(ctx context.Context, req TriggerRegisterRequest) bool {
	return c.simpleRequest(ctx, ReqTriggerRegistered, req, defaultRequestTimeout)
}

// UpdateTriggerStatus updates a node's active flag.
func (c *Client) UpdateTriggerStatus(ctx context.Context, nodeID string, active bool) bool {
	return c.simpleRequest(ctx, ReqUpdateStatus, StatusUpdateRequest{NodeID: nodeID, Active: active}, defaultRequestTimeout)
}

// DeactivateNode marks a node inactive without removing it.
func (c *Client) DeactivateNode(ctx context.Context, nodeID string) bool {
	return c.simpleRequest(ctx, ReqDeactivateNode, NodeRequest{NodeID: nodeID}, defaultRequestTimeout)
}

// CleanupBot removes a node's registration, releasing the bot instance if
// it was the last one. Bounded by the shorter cleanup timeout.
func (c *Client) CleanupBot(ctx context.Context, nodeID, credentialKey string) bool {
	return c.simpleRequest(ctx, ReqCleanupBot, CleanupRequest{NodeID: nodeID, CredentialKey: credentialKey}, cleanupTimeout)
}

// ExecutionFinished clears the node's placeholder after a workflow run.
func (c *Client) ExecutionFinished(ctx context.Context, nodeID string) bool {
	return c.simpleRequest(ctx, ReqExecutionFinished, NodeRequest{NodeID: nodeID}, cleanupTimeout)
}

func (c *Client) simpleRequest(ctx context.Context, name string, payload any, timeout time.Duration) bool {
	raw, err := c.Request(ctx, name, payload, timeout)
	if err != nil {
		c.logger.Warn("request failed", "request", name, "error", err)
		return false
	}
	var ok OK
	if err := json.Unmarshal(raw, &ok); err != nil {
		return false
	}
	return ok.Success
}

// ListGuilds enumerates the guilds visible to the instance. A failed or
// timed-out request yields an empty list, never an error.
func (c *Client) ListGuilds(ctx context.Context, credentialKey string) []gateway.NameID {
	return c.list(ctx, ReqListGuilds, ListRequest{CredentialKey: credentialKey})
}

// ListChannels enumerates text channels for the given guilds.
func (c *Client) ListChannels(ctx context.Context, credentialKey string, guildIDs []string) []gateway.NameID {
	return c.list(ctx, ReqListChannels, ListRequest{CredentialKey: credentialKey, GuildIDs: guildIDs})
}

// ListRoles enumerates roles for the given guilds.
func (c *Client) ListRoles(ctx context.Context, credentialKey string, guildIDs []string) []gateway.NameID {
	return c.list(ctx, ReqListRoles, ListRequest{CredentialKey: credentialKey, GuildIDs: guildIDs})
}

func (c *Client) list(ctx context.Context, name string, req ListRequest) []gateway.NameID {
	raw, err := c.Request(ctx, name, req, defaultRequestTimeout)
	if err != nil {
		c.logger.Warn("list request failed", "request", name, "error", err)
		return nil
	}
	var resp ListResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil
	}
	return resp.Items
}

// SendMessage sends a message through the router.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) SendMessageResponse {
	raw, err := c.Request(ctx, ReqSendMessage, req, defaultRequestTimeout)
	if err != nil {
		return SendMessageResponse{Success: false, Error: err.Error()}
	}
	var resp SendMessageResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return SendMessageResponse{Success: false, Error: err.Error()}
	}
	return resp
}

// SendAction performs a bulk-delete or role mutation.
func (c *Client) SendAction(ctx context.Context, req SendActionRequest) bool {
	return c.simpleRequest(ctx, ReqSendAction, req, defaultRequestTimeout)
}

// SendConfirmation sends a yes/no prompt. The wait happens router-side,
// so the request timeout must exceed the confirmation window.
func (c *Client) SendConfirmation(ctx context.Context, req SendConfirmationRequest) ConfirmationResponse {
	raw, err := c.Request(ctx, ReqSendConfirmation, req, 15*time.Second)
	if err != nil {
		return ConfirmationResponse{Confirmed: nil, Error: err.Error()}
	}
	var resp ConfirmationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ConfirmationResponse{Confirmed: nil, Error: err.Error()}
	}
	return resp
}

// GetNewMessages drains the node's queued match events.
func (c *Client) GetNewMessages(ctx context.Context, nodeID string) []MatchEvent {
	raw, err := c.Request(ctx, ReqGetNewMessages, NodeRequest{NodeID: nodeID}, defaultRequestTimeout)
	if err != nil {
		c.logger.Warn("getNewMessages failed", "node_id", nodeID, "error", err)
		return nil
	}
	var resp GetNewMessagesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil
	}
	return resp.Messages
}
