package instance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"trigrelay/internal/errs"
	"trigrelay/internal/gateway"
	"trigrelay/internal/matcher"
)

type stubSession struct {
	mu      sync.Mutex
	openErr error
	blocked chan struct{}
	opened  int
	closed  int
}

func (s *stubSession) Open(ctx context.Context) error {
	s.mu.Lock()
	s.opened++
	blocked := s.blocked
	s.mu.Unlock()

	if blocked != nil {
		select {
		case <-blocked:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.openErr
}

func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *stubSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSession) Self() gateway.Self                    { return gateway.Self{UserID: "bot-user"} }
func (s *stubSession) OnMessageCreate(func(matcher.Message)) {}

func (s *stubSession) Guilds(context.Context) ([]gateway.NameID, error) { return nil, nil }
func (s *stubSession) Channels(context.Context, []string) ([]gateway.NameID, error) {
	return nil, nil
}
func (s *stubSession) Roles(context.Context, []string) ([]gateway.NameID, error) { return nil, nil }

func (s *stubSession) Channel(context.Context, string) (*discordgo.Channel, error) {
	return nil, errs.NewNotFoundError("no channel", nil)
}

func (s *stubSession) Message(context.Context, string, string) (*discordgo.Message, error) {
	return nil, errs.NewNotFoundError("no message", nil)
}

func (s *stubSession) SendComplex(context.Context, string, *discordgo.MessageSend) (*discordgo.Message, error) {
	return &discordgo.Message{}, nil
}

func (s *stubSession) EditMessage(context.Context, string, string, string) error   { return nil }
func (s *stubSession) DeleteMessage(context.Context, string, string) error         { return nil }
func (s *stubSession) RecentMessageIDs(context.Context, string, int) ([]string, error) {
	return nil, nil
}
func (s *stubSession) BulkDelete(context.Context, string, []string) error { return nil }

func (s *stubSession) MemberRoles(context.Context, string, string) ([]string, error) {
	return nil, nil
}
func (s *stubSession) RoleAdd(context.Context, string, string, string) error    { return nil }
func (s *stubSession) RoleRemove(context.Context, string, string, string) error { return nil }

func (s *stubSession) AwaitComponent(context.Context, string, time.Duration) (string, error) {
	return "", nil
}

func stubDialer(sess *stubSession) gateway.Dialer {
	return func(gateway.Credentials) (gateway.Session, error) {
		return sess, nil
	}
}

var testCreds = gateway.Credentials{ClientID: "client-1", Token: "token-12345678"}

func TestKey(t *testing.T) {
	t.Parallel()

	t.Run("is stable", func(t *testing.T) {
		t.Parallel()

		if Key("c", "t12345678") != Key("c", "t12345678") {
			t.Error("same inputs produced different keys")
		}
	})

	t.Run("ignores token beyond the prefix", func(t *testing.T) {
		t.Parallel()

		if Key("c", "t1234567aaaa") != Key("c", "t1234567bbbb") {
			t.Error("token suffix changed the key")
		}
	})

	t.Run("differs per client", func(t *testing.T) {
		t.Parallel()

		if Key("c1", "t12345678") == Key("c2", "t12345678") {
			t.Error("different clients produced the same key")
		}
	})

	t.Run("handles short tokens", func(t *testing.T) {
		t.Parallel()

		if Key("c", "abc") == "" {
			t.Error("short token produced empty key")
		}
	})
}

func TestEnsure(t *testing.T) {
	t.Parallel()

	t.Run("logs in once and is idempotent", func(t *testing.T) {
		t.Parallel()

		sess := &stubSession{}
		reg := NewRegistry(nil, stubDialer(sess), nil)

		status, err := reg.Ensure(context.Background(), testCreds)
		if err != nil {
			t.Fatalf("Ensure: %v", err)
		}
		if status != StatusReady {
			t.Fatalf("status = %q, want %q", status, StatusReady)
		}

		status, err = reg.Ensure(context.Background(), testCreds)
		if err != nil {
			t.Fatalf("second Ensure: %v", err)
		}
		if status != StatusAlreadyReady {
			t.Errorf("status = %q, want %q", status, StatusAlreadyReady)
		}
		if sess.opened != 1 {
			t.Errorf("opened = %d, want 1", sess.opened)
		}
	})

	t.Run("rejects missing credentials", func(t *testing.T) {
		t.Parallel()

		reg := NewRegistry(nil, stubDialer(&stubSession{}), nil)

		status, err := reg.Ensure(context.Background(), gateway.Credentials{ClientID: "c"})
		if status != StatusMissing {
			t.Errorf("status = %q, want %q", status, StatusMissing)
		}
		if errs.Code(err) != errs.CodeConfig {
			t.Errorf("expected config error, got %v", err)
		}
	})

	t.Run("reports in-flight login without starting another", func(t *testing.T) {
		t.Parallel()

		sess := &stubSession{blocked: make(chan struct{})}
		reg := NewRegistry(nil, stubDialer(sess), nil)

		firstDone := make(chan struct{})
		go func() {
			defer close(firstDone)
			_, _ = reg.Ensure(context.Background(), testCreds)
		}()

		// Wait until the first login has actually entered Open.
		deadline := time.After(2 * time.Second)
		for {
			sess.mu.Lock()
			opened := sess.opened
			sess.mu.Unlock()
			if opened == 1 {
				break
			}
			select {
			case <-deadline:
				t.Fatal("first login never started")
			case <-time.After(time.Millisecond):
			}
		}

		status, err := reg.Ensure(context.Background(), testCreds)
		if err != nil {
			t.Fatalf("concurrent Ensure: %v", err)
		}
		if status != StatusLoginInProgress {
			t.Errorf("status = %q, want %q", status, StatusLoginInProgress)
		}

		close(sess.blocked)
		<-firstDone
	})

	t.Run("login failure clears the instance so retry works", func(t *testing.T) {
		t.Parallel()

		sess := &stubSession{openErr: errors.New("bad token")}
		reg := NewRegistry(nil, stubDialer(sess), nil)

		status, err := reg.Ensure(context.Background(), testCreds)
		if status != StatusError || err == nil {
			t.Fatalf("status = %q err = %v", status, err)
		}

		sess.openErr = nil
		status, err = reg.Ensure(context.Background(), testCreds)
		if err != nil {
			t.Fatalf("retry Ensure: %v", err)
		}
		if status != StatusReady {
			t.Errorf("status = %q, want %q", status, StatusReady)
		}
	})

	t.Run("new token under the same key replaces the connection", func(t *testing.T) {
		t.Parallel()

		first := &stubSession{}
		second := &stubSession{}
		sessions := []*stubSession{first, second}
		var dialCount int
		var mu sync.Mutex
		dial := func(gateway.Credentials) (gateway.Session, error) {
			mu.Lock()
			defer mu.Unlock()
			s := sessions[dialCount]
			dialCount++
			return s, nil
		}

		reg := NewRegistry(nil, dial, nil)

		if _, err := reg.Ensure(context.Background(), testCreds); err != nil {
			t.Fatalf("first Ensure: %v", err)
		}

		// Same key prefix, different full token.
		rotated := gateway.Credentials{ClientID: testCreds.ClientID, Token: "token-123rotated"}
		status, err := reg.Ensure(context.Background(), rotated)
		if err != nil {
			t.Fatalf("rotated Ensure: %v", err)
		}
		if status != StatusReady {
			t.Errorf("status = %q, want %q", status, StatusReady)
		}
		if first.closeCount() != 1 {
			t.Errorf("old session closed %d times, want 1", first.closeCount())
		}
	})

	t.Run("invokes the session hook before open", func(t *testing.T) {
		t.Parallel()

		sess := &stubSession{}
		var hookKey string
		var hookBeforeOpen bool
		reg := NewRegistry(nil, stubDialer(sess), func(key string, _ gateway.Session) {
			hookKey = key
			hookBeforeOpen = sess.opened == 0
		})

		if _, err := reg.Ensure(context.Background(), testCreds); err != nil {
			t.Fatalf("Ensure: %v", err)
		}
		if hookKey != Key(testCreds.ClientID, testCreds.Token) {
			t.Errorf("hook key = %q", hookKey)
		}
		if !hookBeforeOpen {
			t.Error("session hook ran after open")
		}
	})
}

func TestSessionLookup(t *testing.T) {
	t.Parallel()

	sess := &stubSession{}
	reg := NewRegistry(nil, stubDialer(sess), nil)

	key := Key(testCreds.ClientID, testCreds.Token)
	if _, err := reg.Session(key); errs.Code(err) != errs.CodeNotFound {
		t.Errorf("expected not found before login, got %v", err)
	}

	if _, err := reg.Ensure(context.Background(), testCreds); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	got, err := reg.Session(key)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if got != gateway.Session(sess) {
		t.Error("Session returned a different session")
	}
}

func TestRelease(t *testing.T) {
	t.Parallel()

	sess := &stubSession{}
	reg := NewRegistry(nil, stubDialer(sess), nil)

	if _, err := reg.Ensure(context.Background(), testCreds); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	key := Key(testCreds.ClientID, testCreds.Token)
	reg.Release(key)

	if sess.closeCount() != 1 {
		t.Errorf("session closed %d times, want 1", sess.closeCount())
	}
	if _, err := reg.Session(key); errs.Code(err) != errs.CodeNotFound {
		t.Errorf("expected not found after release, got %v", err)
	}

	// Unknown keys are a no-op.
	reg.Release("missing-key")
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	sess := &stubSession{}
	reg := NewRegistry(nil, stubDialer(sess), nil)

	if _, err := reg.Ensure(context.Background(), testCreds); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	reg.Shutdown()
	if sess.closeCount() != 1 {
		t.Errorf("session closed %d times, want 1", sess.closeCount())
	}
}
