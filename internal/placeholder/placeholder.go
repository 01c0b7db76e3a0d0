// Package placeholder manages the ephemeral "working" message shown in a
// channel while a workflow executes. Each node has at most one live
// placeholder; its animation tick is derived from wall-clock time so
// independent placeholders stay visually in sync.
package placeholder

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"trigrelay/internal/gateway"
)

const (
	tickInterval = time.Second
	editTimeout  = 5 * time.Second
)

type state struct {
	channelID string
	messageID string
	stop      chan struct{}
}

// Manager owns all live placeholders, keyed by node id.
type Manager struct {
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*state
}

// NewManager creates a placeholder manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger.With("component", "placeholder"),
		states: make(map[string]*state),
	}
}

// dots returns the trailing animation suffix for the current wall-clock
// second: one to three dots, deterministic across ticks and placeholders.
func dots(now time.Time) string {
	return strings.Repeat(".", int(now.Unix()%3)+1)
}

// Show sends a placeholder message for the node and starts its animation.
// Any existing placeholder for the same node is cleared first.
func (m *Manager) Show(ctx context.Context, sess gateway.Session, nodeID, channelID, text string) {
	m.Clear(ctx, sess, nodeID)

	sent, err := sess.SendComplex(ctx, channelID, &discordgo.MessageSend{Content: text + dots(time.Now())})
	if err != nil {
		m.logger.Warn("failed to send placeholder", "node_id", nodeID, "channel_id", channelID, "error", err)
		return
	}

	st := &state{
		channelID: channelID,
		messageID: sent.ID,
		stop:      make(chan struct{}),
	}

	m.mu.Lock()
	m.states[nodeID] = st
	m.mu.Unlock()

	go m.animate(sess, nodeID, text, st)
}

func (m *Manager) animate(sess gateway.Session, nodeID, text string, st *state) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-st.stop:
			return
		case now := <-ticker.C:
			editCtx, cancel := context.WithTimeout(context.Background(), editTimeout)
			err := sess.EditMessage(editCtx, st.channelID, st.messageID, text+dots(now))
			cancel()
			if err != nil {
				// The message was removed externally or the channel went
				// away; the tick is pointless now.
				m.logger.Debug("placeholder edit failed, stopping tick", "node_id", nodeID, "error", err)
				m.forget(nodeID, st)
				return
			}
		}
	}
}

// Clear stops the animation and best-effort deletes the message. Deletion
// errors are swallowed; the message may already be gone.
func (m *Manager) Clear(ctx context.Context, sess gateway.Session, nodeID string) {
	m.mu.Lock()
	st, ok := m.states[nodeID]
	if ok {
		delete(m.states, nodeID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	close(st.stop)
	if sess != nil {
		if err := sess.DeleteMessage(ctx, st.channelID, st.messageID); err != nil {
			m.logger.Debug("placeholder delete failed", "node_id", nodeID, "error", err)
		}
	}
}

// Has reports whether a live placeholder exists for the node.
func (m *Manager) Has(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[nodeID]
	return ok
}

// ClearAll drops all placeholder state without touching the platform.
// Used during shutdown.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	for nodeID, st := range m.states {
		close(st.stop)
		delete(m.states, nodeID)
	}
	m.mu.Unlock()
}

// forget removes the state entry if it is still the current one for the
// node. Used when the tick dies on its own.
func (m *Manager) forget(nodeID string, st *state) {
	m.mu.Lock()
	if cur, ok := m.states[nodeID]; ok && cur == st {
		delete(m.states, nodeID)
	}
	m.mu.Unlock()
}
