// Package trigger stores the trigger registrations workers submit over the
// local transport, keyed by node id.
package trigger

import (
	"log/slog"
	"sync"
	"time"

	"trigrelay/internal/errs"
	"trigrelay/internal/matcher"
)

// Registration is one registered trigger.
type Registration struct {
	NodeID          string
	CredentialKey   string
	Match           matcher.Config
	Active          bool
	PlaceholderText string

	// lastSeen is refreshed by registration and status updates from the
	// owning worker; the prune task drops registrations that go stale.
	lastSeen time.Time
}

// Registry is the set of live trigger registrations. The release hook fires
// when the last registration for a credential key disappears.
type Registry struct {
	logger  *slog.Logger
	release func(credentialKey string)

	mu       sync.Mutex
	triggers map[string]*Registration
}

// NewRegistry creates a trigger registry. release may be nil.
func NewRegistry(logger *slog.Logger, release func(credentialKey string)) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "trigger_registry"),
		release:  release,
		triggers: make(map[string]*Registration),
	}
}

// Register adds or replaces the registration for a node id.
func (r *Registry) Register(reg Registration) error {
	if reg.NodeID == "" {
		return errs.NewConfigError("trigger registration missing node id", nil)
	}
	if reg.CredentialKey == "" {
		return errs.NewConfigError("trigger registration missing credential key", nil)
	}

	reg.lastSeen = time.Now()

	r.mu.Lock()
	_, replaced := r.triggers[reg.NodeID]
	r.triggers[reg.NodeID] = &reg
	r.mu.Unlock()

	r.logger.Info("trigger registered",
		"node_id", reg.NodeID,
		"credential_key", reg.CredentialKey,
		"kind", reg.Match.Kind,
		"active", reg.Active,
		"replaced", replaced)
	return nil
}

// SetActive updates the active flag in place. An unknown node id is a
// reported, non-fatal error.
func (r *Registry) SetActive(nodeID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.triggers[nodeID]
	if !ok {
		return errs.NewNotFoundError("unknown trigger node "+nodeID, nil)
	}
	reg.Active = active
	reg.lastSeen = time.Now()
	return nil
}

// Touch refreshes the staleness clock for a node without other changes.
func (r *Registry) Touch(nodeID string) {
	r.mu.Lock()
	if reg, ok := r.triggers[nodeID]; ok {
		reg.lastSeen = time.Now()
	}
	r.mu.Unlock()
}

// Deregister removes the registration. It returns the credential key the
// trigger belonged to and whether it was the last registration under that
// key; in that case the release hook has already been invoked.
func (r *Registry) Deregister(nodeID string) (string, bool) {
	r.mu.Lock()
	reg, ok := r.triggers[nodeID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.triggers, nodeID)
	last := !r.hasKeyLocked(reg.CredentialKey)
	r.mu.Unlock()

	r.logger.Info("trigger deregistered", "node_id", nodeID, "last_for_key", last)

	if last && r.release != nil {
		r.release(reg.CredentialKey)
	}
	return reg.CredentialKey, last
}

func (r *Registry) hasKeyLocked(credentialKey string) bool {
	for _, reg := range r.triggers {
		if reg.CredentialKey == credentialKey {
			return true
		}
	}
	return false
}

// Get returns a copy of the registration for a node id.
func (r *Registry) Get(nodeID string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.triggers[nodeID]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// ForKey returns a snapshot of the registrations owned by a credential key.
// Dispatch iterates the snapshot so a concurrent deregistration simply drops
// future matches.
func (r *Registry) ForKey(credentialKey string) []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Registration
	for _, reg := range r.triggers {
		if reg.CredentialKey == credentialKey {
			out = append(out, *reg)
		}
	}
	return out
}

// Prune drops registrations whose owning worker has not been heard from
// within maxAge and returns copies of the dropped registrations. Release
// hooks fire for credential keys that lost their last registration.
func (r *Registry) Prune(maxAge time.Duration) []Registration {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var dropped []Registration
	var orphanedKeys []string
	for nodeID, reg := range r.triggers {
		if reg.lastSeen.Before(cutoff) {
			delete(r.triggers, nodeID)
			dropped = append(dropped, *reg)
			if !r.hasKeyLocked(reg.CredentialKey) {
				orphanedKeys = append(orphanedKeys, reg.CredentialKey)
			}
		}
	}
	r.mu.Unlock()

	if len(dropped) > 0 {
		r.logger.Info("pruned stale trigger registrations", "count", len(dropped))
	}
	if r.release != nil {
		for _, key := range orphanedKeys {
			r.release(key)
		}
	}
	return dropped
}
