package placeholder

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"trigrelay/internal/gateway"
	"trigrelay/internal/matcher"
)

type recordSession struct {
	mu      sync.Mutex
	nextID  int
	sent    []string
	deleted []string
	edits   []string
	editErr error
}

func (r *recordSession) Open(context.Context) error            { return nil }
func (r *recordSession) Close() error                          { return nil }
func (r *recordSession) Self() gateway.Self                    { return gateway.Self{} }
func (r *recordSession) OnMessageCreate(func(matcher.Message)) {}

func (r *recordSession) Guilds(context.Context) ([]gateway.NameID, error) { return nil, nil }
func (r *recordSession) Channels(context.Context, []string) ([]gateway.NameID, error) {
	return nil, nil
}
func (r *recordSession) Roles(context.Context, []string) ([]gateway.NameID, error) {
	return nil, nil
}

func (r *recordSession) Channel(context.Context, string) (*discordgo.Channel, error) {
	return nil, errors.New("not implemented")
}

func (r *recordSession) Message(context.Context, string, string) (*discordgo.Message, error) {
	return nil, errors.New("not implemented")
}

func (r *recordSession) SendComplex(_ context.Context, channelID string, send *discordgo.MessageSend) (*discordgo.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.sent = append(r.sent, send.Content)
	return &discordgo.Message{ID: strconv.Itoa(r.nextID), ChannelID: channelID}, nil
}

func (r *recordSession) EditMessage(_ context.Context, _, _, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.editErr != nil {
		return r.editErr
	}
	r.edits = append(r.edits, content)
	return nil
}

func (r *recordSession) DeleteMessage(_ context.Context, _, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, messageID)
	return nil
}

func (r *recordSession) RecentMessageIDs(context.Context, string, int) ([]string, error) {
	return nil, nil
}
func (r *recordSession) BulkDelete(context.Context, string, []string) error { return nil }

func (r *recordSession) MemberRoles(context.Context, string, string) ([]string, error) {
	return nil, nil
}
func (r *recordSession) RoleAdd(context.Context, string, string, string) error    { return nil }
func (r *recordSession) RoleRemove(context.Context, string, string, string) error { return nil }

func (r *recordSession) AwaitComponent(context.Context, string, time.Duration) (string, error) {
	return "", nil
}

func (r *recordSession) deletedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deleted...)
}

func TestDots(t *testing.T) {
	t.Parallel()

	for offset := int64(0); offset < 6; offset++ {
		now := time.Unix(offset, 0)
		got := dots(now)
		if len(got) < 1 || len(got) > 3 {
			t.Errorf("dots(%d) = %q, want 1-3 dots", offset, got)
		}
		if strings.Trim(got, ".") != "" {
			t.Errorf("dots(%d) = %q, want only dots", offset, got)
		}
	}

	// The suffix cycles with the wall clock second.
	if dots(time.Unix(0, 0)) == dots(time.Unix(1, 0)) {
		t.Error("consecutive seconds produced the same suffix")
	}
}

func TestShowAndClear(t *testing.T) {
	t.Parallel()

	sess := &recordSession{}
	m := NewManager(nil)

	m.Show(context.Background(), sess, "n1", "chan", "Working")
	if !m.Has("n1") {
		t.Fatal("placeholder not tracked after Show")
	}
	if len(sess.sent) != 1 || !strings.HasPrefix(sess.sent[0], "Working.") {
		t.Errorf("sent = %v", sess.sent)
	}

	m.Clear(context.Background(), sess, "n1")
	if m.Has("n1") {
		t.Error("placeholder still tracked after Clear")
	}
	if got := sess.deletedIDs(); len(got) != 1 {
		t.Errorf("deleted = %v, want the placeholder message", got)
	}

	// Clearing again is a no-op.
	m.Clear(context.Background(), sess, "n1")
	if got := sess.deletedIDs(); len(got) != 1 {
		t.Errorf("second Clear deleted again: %v", got)
	}
}

func TestClearWithoutSession(t *testing.T) {
	t.Parallel()

	sess := &recordSession{}
	m := NewManager(nil)

	m.Show(context.Background(), sess, "n1", "chan", "Working")

	// The owning bot instance may already be torn down when a node is
	// cleaned up; the state and its tick must still be dropped.
	m.Clear(context.Background(), nil, "n1")
	if m.Has("n1") {
		t.Error("placeholder still tracked after Clear without session")
	}
	if got := sess.deletedIDs(); len(got) != 0 {
		t.Errorf("deleted = %v, want no platform calls", got)
	}
}

func TestShowSupersedes(t *testing.T) {
	t.Parallel()

	sess := &recordSession{}
	m := NewManager(nil)

	m.Show(context.Background(), sess, "n1", "chan", "First")
	m.Show(context.Background(), sess, "n1", "chan", "Second")

	// The first placeholder message must be deleted by the second Show.
	if got := sess.deletedIDs(); len(got) != 1 || got[0] != "1" {
		t.Errorf("deleted = %v, want the first message", got)
	}
	if !m.Has("n1") {
		t.Error("second placeholder not tracked")
	}

	m.Clear(context.Background(), sess, "n1")
}

func TestClearAll(t *testing.T) {
	t.Parallel()

	sess := &recordSession{}
	m := NewManager(nil)

	m.Show(context.Background(), sess, "n1", "chan", "A")
	m.Show(context.Background(), sess, "n2", "chan", "B")

	m.ClearAll()
	if m.Has("n1") || m.Has("n2") {
		t.Error("placeholders survived ClearAll")
	}
	// ClearAll never touches the platform.
	if got := sess.deletedIDs(); len(got) != 0 {
		t.Errorf("ClearAll deleted messages: %v", got)
	}
}

func TestAnimationStopsOnEditFailure(t *testing.T) {
	t.Parallel()

	sess := &recordSession{editErr: errors.New("message gone")}
	m := NewManager(nil)

	m.Show(context.Background(), sess, "n1", "chan", "Working")

	// The first tick fails and must drop the state.
	deadline := time.After(3 * time.Second)
	for m.Has("n1") {
		select {
		case <-deadline:
			t.Fatal("placeholder state survived a failed edit tick")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
