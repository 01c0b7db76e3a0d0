// Package instance manages the bot connections owned by the router: at most
// one live gateway session per credential key, with login de-duplication and
// teardown when the last trigger under a key is removed.
package instance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"trigrelay/internal/errs"
	"trigrelay/internal/gateway"
)

// Status is the outcome of an Ensure call.
type Status string

const (
	StatusReady           Status = "ready"
	StatusAlreadyReady    Status = "already"
	StatusLoginInProgress Status = "login"
	StatusMissing         Status = "missing"
	StatusError           Status = "error"
)

const loginTimeout = 30 * time.Second

// tokenPrefixLen is how much of the token feeds the credential key. The key
// must be derivable without shipping the full secret between processes.
const tokenPrefixLen = 8

// Key derives the credential key for a client id and token. It is stable
// across processes.
func Key(clientID, token string) string {
	prefix := token
	if len(prefix) > tokenPrefixLen {
		prefix = prefix[:tokenPrefixLen]
	}
	sum := sha256.Sum256([]byte(clientID + ":" + prefix))
	return hex.EncodeToString(sum[:])
}

// BotInstance is one logical bot identity and its connection state.
type BotInstance struct {
	credentialKey   string
	creds           gateway.Credentials
	session         gateway.Session
	ready           bool
	loginInProgress bool
}

// Registry owns all bot instances, keyed by credential key.
type Registry struct {
	logger    *slog.Logger
	dial      gateway.Dialer
	onSession func(key string, sess gateway.Session)

	mu        sync.Mutex
	instances map[string]*BotInstance
}

// NewRegistry creates an instance registry. onSession is invoked once per
// successful login so the event router can subscribe to the new session's
// message stream; it may be nil.
func NewRegistry(logger *slog.Logger, dial gateway.Dialer, onSession func(key string, sess gateway.Session)) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger.With("component", "instance_registry"),
		dial:      dial,
		onSession: onSession,
		instances: make(map[string]*BotInstance),
	}
}

// Ensure makes sure a live session exists for the given credentials.
// It is idempotent: while ready it returns StatusAlreadyReady without
// reconnecting, and while a login is in flight it returns
// StatusLoginInProgress without starting a second one. Submitting different
// credentials under the same key destroys the previous connection first.
func (r *Registry) Ensure(ctx context.Context, creds gateway.Credentials) (Status, error) {
	if creds.ClientID == "" || creds.Token == "" {
		return StatusMissing, errs.NewConfigError("missing client id or token", nil)
	}

	key := Key(creds.ClientID, creds.Token)

	r.mu.Lock()
	inst, exists := r.instances[key]
	if exists {
		if inst.loginInProgress {
			r.mu.Unlock()
			return StatusLoginInProgress, nil
		}
		if inst.ready && inst.creds.Token == creds.Token {
			r.mu.Unlock()
			return StatusAlreadyReady, nil
		}
		// Same key, different credentials or a dead session: tear down
		// before reconnecting.
		if inst.session != nil {
			if err := inst.session.Close(); err != nil {
				r.logger.Warn("error closing stale session", "credential_key", key, "error", err)
			}
		}
		delete(r.instances, key)
	}

	inst = &BotInstance{
		credentialKey:   key,
		creds:           creds,
		loginInProgress: true,
	}
	r.instances[key] = inst
	r.mu.Unlock()

	status, err := r.login(ctx, inst)
	if err != nil {
		r.mu.Lock()
		// Clear the in-flight flag so the next credentials call can retry.
		if cur, ok := r.instances[key]; ok && cur == inst {
			delete(r.instances, key)
		}
		r.mu.Unlock()
	}
	return status, err
}

func (r *Registry) login(ctx context.Context, inst *BotInstance) (Status, error) {
	sess, err := r.dial(inst.creds)
	if err != nil {
		return StatusError, err
	}

	loginCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	if r.onSession != nil {
		r.onSession(inst.credentialKey, sess)
	}

	if err := sess.Open(loginCtx); err != nil {
		r.logger.Error("login failed", "credential_key", inst.credentialKey, "error", err)
		return StatusError, err
	}

	r.mu.Lock()
	inst.session = sess
	inst.ready = true
	inst.loginInProgress = false
	r.mu.Unlock()

	r.logger.Info("bot instance ready",
		"credential_key", inst.credentialKey,
		"bot_id", sess.Self().UserID)
	return StatusReady, nil
}

// Session returns the ready session for a credential key.
func (r *Registry) Session(key string) (gateway.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[key]
	if !ok || !inst.ready || inst.session == nil {
		return nil, errs.NewNotFoundError("no ready bot instance for credential key", nil)
	}
	return inst.session, nil
}

// Release tears down the connection for a credential key and forgets the
// instance. Called when the last trigger registration under the key is
// removed. Unknown keys are a no-op.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	inst, ok := r.instances[key]
	if ok {
		delete(r.instances, key)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if inst.session != nil {
		if err := inst.session.Close(); err != nil {
			r.logger.Warn("error closing session on release", "credential_key", key, "error", err)
		}
	}
	r.logger.Info("bot instance released", "credential_key", key)
}

// Shutdown closes every live session. Used during process teardown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	instances := make([]*BotInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.instances = make(map[string]*BotInstance)
	r.mu.Unlock()

	for _, inst := range instances {
		if inst.session != nil {
			if err := inst.session.Close(); err != nil {
				r.logger.Warn("error closing session on shutdown",
					"credential_key", inst.credentialKey, "error", err)
			}
		}
	}
}
