package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"trigrelay/internal/errs"
)

// startServer runs a server on a per-test socket and waits for it to
// listen. build lets handlers close over the server; it may be nil. The
// returned cancel stops the server.
func startServer(t *testing.T, build func(srv *Server) map[string]HandlerFunc) (*Server, context.CancelFunc) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "router.sock")
	srv := NewServer(nil, path)
	if build != nil {
		srv.SetHandlers(build(srv))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// Wait for the socket to accept connections.
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			_ = conn.Close()
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("server never started listening: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("server Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})

	return srv, cancel
}

type echoPayload struct {
	Text string `json:"text"`
}

func TestRequestResponse(t *testing.T) {
	t.Parallel()

	t.Run("round trips a request", func(t *testing.T) {
		t.Parallel()

		srv, _ := startServer(t, func(*Server) map[string]HandlerFunc {
			return map[string]HandlerFunc{
				"echo": func(_ context.Context, _ *Conn, payload json.RawMessage) (any, error) {
					var in echoPayload
					if err := json.Unmarshal(payload, &in); err != nil {
						return nil, err
					}
					return echoPayload{Text: in.Text + "!"}, nil
				},
			}
		})

		client, err := Dial(nil, srv.Path())
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer client.Close()

		raw, err := client.Request(context.Background(), "echo", echoPayload{Text: "hi"}, time.Second)
		if err != nil {
			t.Fatalf("Request: %v", err)
		}

		var out echoPayload
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if out.Text != "hi!" {
			t.Errorf("text = %q, want %q", out.Text, "hi!")
		}
	})

	t.Run("handler errors come back as failures", func(t *testing.T) {
		t.Parallel()

		srv, _ := startServer(t, func(*Server) map[string]HandlerFunc {
			return map[string]HandlerFunc{
				"fail": func(context.Context, *Conn, json.RawMessage) (any, error) {
					return nil, errs.NewNotFoundError("nothing here", nil)
				},
			}
		})

		client, err := Dial(nil, srv.Path())
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer client.Close()

		raw, err := client.Request(context.Background(), "fail", nil, time.Second)
		if err != nil {
			t.Fatalf("Request: %v", err)
		}

		var failure Failure
		if err := json.Unmarshal(raw, &failure); err != nil {
			t.Fatalf("unmarshal failure: %v", err)
		}
		if failure.Success {
			t.Error("failure reported success")
		}
		if failure.Code != errs.CodeNotFound {
			t.Errorf("code = %q, want %q", failure.Code, errs.CodeNotFound)
		}
	})

	t.Run("unknown request names are rejected", func(t *testing.T) {
		t.Parallel()

		srv, _ := startServer(t, nil)

		client, err := Dial(nil, srv.Path())
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer client.Close()

		raw, err := client.Request(context.Background(), "nonsense", nil, time.Second)
		if err != nil {
			t.Fatalf("Request: %v", err)
		}

		var failure Failure
		if err := json.Unmarshal(raw, &failure); err != nil {
			t.Fatalf("unmarshal failure: %v", err)
		}
		if failure.Success {
			t.Error("unknown request reported success")
		}
	})

	t.Run("requests of different names do not block each other", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		srv, _ := startServer(t, func(*Server) map[string]HandlerFunc {
			return map[string]HandlerFunc{
				"slow": func(ctx context.Context, _ *Conn, _ json.RawMessage) (any, error) {
					select {
					case <-release:
					case <-ctx.Done():
					}
					return nil, nil
				},
				"fast": func(context.Context, *Conn, json.RawMessage) (any, error) {
					return nil, nil
				},
			}
		})

		client, err := Dial(nil, srv.Path())
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer client.Close()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = client.Request(context.Background(), "slow", nil, 5*time.Second)
		}()

		if _, err := client.Request(context.Background(), "fast", nil, time.Second); err != nil {
			t.Errorf("fast request blocked behind slow one: %v", err)
		}

		close(release)
		wg.Wait()
	})

	t.Run("times out when no response arrives", func(t *testing.T) {
		t.Parallel()

		never := make(chan struct{})
		srv, _ := startServer(t, func(*Server) map[string]HandlerFunc {
			return map[string]HandlerFunc{
				"hang": func(ctx context.Context, _ *Conn, _ json.RawMessage) (any, error) {
					select {
					case <-never:
					case <-ctx.Done():
					}
					return nil, nil
				},
			}
		})
		t.Cleanup(func() { close(never) })

		client, err := Dial(nil, srv.Path())
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer client.Close()

		_, err = client.Request(context.Background(), "hang", nil, 100*time.Millisecond)
		if errs.Code(err) != errs.CodeTransport {
			t.Errorf("expected transport error, got %v", err)
		}
	})
}

func TestResponseCorrelation(t *testing.T) {
	t.Parallel()

	t.Run("a superseded request's id no longer resolves", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "router.sock")
		ln, err := net.Listen("unix", path)
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		defer func() { _ = ln.Close() }()

		firstRead := make(chan struct{})
		srvDone := make(chan error, 1)
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				srvDone <- err
				return
			}
			defer func() { _ = conn.Close() }()
			reader := bufio.NewReader(conn)

			readEnv := func() (Envelope, error) {
				line, err := reader.ReadBytes('\n')
				if err != nil {
					return Envelope{}, err
				}
				var env Envelope
				return env, json.Unmarshal(line, &env)
			}
			write := func(id, text string) error {
				payload, _ := json.Marshal(echoPayload{Text: text})
				data, _ := json.Marshal(Envelope{Name: CallbackName("job"), ID: id, Payload: payload})
				_, err := conn.Write(append(data, '\n'))
				return err
			}

			first, err := readEnv()
			if err != nil {
				srvDone <- err
				return
			}
			close(firstRead)
			second, err := readEnv()
			if err != nil {
				srvDone <- err
				return
			}

			// Answer the old request first; only the new one may resolve.
			if err := write(first.ID, "stale"); err != nil {
				srvDone <- err
				return
			}
			srvDone <- write(second.ID, "fresh")
		}()

		client, err := Dial(nil, path)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer client.Close()

		type result struct {
			raw json.RawMessage
			err error
		}
		superseded := make(chan result, 1)
		go func() {
			raw, err := client.Request(context.Background(), "job", nil, 500*time.Millisecond)
			superseded <- result{raw, err}
		}()

		<-firstRead
		raw, err := client.Request(context.Background(), "job", nil, 2*time.Second)
		if err != nil {
			t.Fatalf("superseding request: %v", err)
		}
		var out echoPayload
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if out.Text != "fresh" {
			t.Errorf("text = %q, want the response for the new request id", out.Text)
		}

		res := <-superseded
		if errs.Code(res.err) != errs.CodeTransport {
			t.Errorf("superseded request resolved: err=%v payload=%s", res.err, res.raw)
		}
		if err := <-srvDone; err != nil {
			t.Errorf("fake router: %v", err)
		}
	})

	t.Run("a response without an id correlates by name", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "router.sock")
		ln, err := net.Listen("unix", path)
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		defer func() { _ = ln.Close() }()

		srvDone := make(chan error, 1)
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				srvDone <- err
				return
			}
			defer func() { _ = conn.Close() }()

			if _, err := bufio.NewReader(conn).ReadBytes('\n'); err != nil {
				srvDone <- err
				return
			}
			payload, _ := json.Marshal(echoPayload{Text: "anonymous"})
			data, _ := json.Marshal(Envelope{Name: CallbackName("job"), Payload: payload})
			_, err = conn.Write(append(data, '\n'))
			srvDone <- err
		}()

		client, err := Dial(nil, path)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer client.Close()

		raw, err := client.Request(context.Background(), "job", nil, 2*time.Second)
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
		var out echoPayload
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if out.Text != "anonymous" {
			t.Errorf("text = %q, want %q", out.Text, "anonymous")
		}
		if err := <-srvDone; err != nil {
			t.Errorf("fake router: %v", err)
		}
	})
}

func TestPush(t *testing.T) {
	t.Parallel()

	t.Run("delivers matches to the subscribed connection", func(t *testing.T) {
		t.Parallel()

		// The production register handler subscribes through its *Conn the
		// same way.
		srv, _ := startServer(t, func(srv *Server) map[string]HandlerFunc {
			return map[string]HandlerFunc{
				"subscribe": func(_ context.Context, conn *Conn, _ json.RawMessage) (any, error) {
					srv.Subscribe("node-1", conn)
					return nil, nil
				},
			}
		})

		client, err := Dial(nil, srv.Path())
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer client.Close()

		got := make(chan MatchEvent, 1)
		client.OnMatch(func(ev MatchEvent) { got <- ev })

		if _, err := client.Request(context.Background(), "subscribe", nil, time.Second); err != nil {
			t.Fatalf("subscribe request: %v", err)
		}

		if !srv.NotifyMatch("node-1", MatchEvent{NodeID: "node-1", MessageID: "m1"}) {
			t.Fatal("NotifyMatch reported no delivery")
		}

		select {
		case ev := <-got:
			if ev.MessageID != "m1" {
				t.Errorf("event = %+v", ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pushed event never arrived")
		}
	})

	t.Run("reports no delivery without subscribers", func(t *testing.T) {
		t.Parallel()

		srv, _ := startServer(t, nil)
		if srv.NotifyMatch("ghost", MatchEvent{NodeID: "ghost"}) {
			t.Error("NotifyMatch claimed delivery with no subscribers")
		}
	})

	t.Run("disconnect drops the subscription", func(t *testing.T) {
		t.Parallel()

		srv, _ := startServer(t, func(srv *Server) map[string]HandlerFunc {
			return map[string]HandlerFunc{
				"subscribe": func(_ context.Context, conn *Conn, _ json.RawMessage) (any, error) {
					srv.Subscribe("node-1", conn)
					return nil, nil
				},
			}
		})

		client, err := Dial(nil, srv.Path())
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		if _, err := client.Request(context.Background(), "subscribe", nil, time.Second); err != nil {
			t.Fatalf("subscribe request: %v", err)
		}

		client.Close()

		// The server notices the disconnect asynchronously.
		deadline := time.After(2 * time.Second)
		for srv.NotifyMatch("node-1", MatchEvent{NodeID: "node-1"}) {
			select {
			case <-deadline:
				t.Fatal("subscription survived the disconnect")
			case <-time.After(10 * time.Millisecond):
			}
		}
	})
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("removes a stale socket file before binding", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "router.sock")

		// Leave a dead socket behind, as a crashed daemon would.
		l, err := net.Listen("unix", path)
		if err != nil {
			t.Fatalf("pre-listen: %v", err)
		}
		_ = l.Close()

		srv := NewServer(nil, path)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- srv.Run(ctx) }()

		deadline := time.Now().Add(2 * time.Second)
		for {
			conn, err := net.Dial("unix", path)
			if err == nil {
				_ = conn.Close()
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("server never recovered the socket: %v", err)
			}
			time.Sleep(5 * time.Millisecond)
		}

		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})

	t.Run("malformed frames do not kill the connection", func(t *testing.T) {
		t.Parallel()

		srv, _ := startServer(t, func(*Server) map[string]HandlerFunc {
			return map[string]HandlerFunc{
				"ping": func(context.Context, *Conn, json.RawMessage) (any, error) {
					return OK{Success: true}, nil
				},
			}
		})

		raw, err := net.Dial("unix", srv.Path())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer func() { _ = raw.Close() }()

		if _, err := raw.Write([]byte("this is not json\n")); err != nil {
			t.Fatalf("write garbage: %v", err)
		}

		// A valid request on the same connection must still work.
		env := Envelope{Name: "ping", ID: "1"}
		data, _ := json.Marshal(env)
		if _, err := raw.Write(append(data, '\n')); err != nil {
			t.Fatalf("write request: %v", err)
		}

		if err := raw.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatalf("set deadline: %v", err)
		}
		line, err := bufio.NewReader(raw).ReadBytes('\n')
		if err != nil {
			t.Fatalf("read response: %v", err)
		}

		var resp Envelope
		if err := json.Unmarshal(line, &resp); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if resp.Name != CallbackName("ping") {
			t.Errorf("response name = %q, want %q", resp.Name, CallbackName("ping"))
		}
	})
}

var errBoom = errors.New("boom")

func TestDispatchPanicRecovery(t *testing.T) {
	t.Parallel()

	srv, _ := startServer(t, func(*Server) map[string]HandlerFunc {
		return map[string]HandlerFunc{
			"panic": func(context.Context, *Conn, json.RawMessage) (any, error) {
				panic(errBoom)
			},
			"ok": func(context.Context, *Conn, json.RawMessage) (any, error) {
				return nil, nil
			},
		}
	})

	client, err := Dial(nil, srv.Path())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	raw, err := client.Request(context.Background(), "panic", nil, time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var failure Failure
	if err := json.Unmarshal(raw, &failure); err != nil {
		t.Fatalf("unmarshal failure: %v", err)
	}
	if failure.Success {
		t.Error("panicking handler reported success")
	}

	// The connection survives the panic.
	if _, err := client.Request(context.Background(), "ok", nil, time.Second); err != nil {
		t.Errorf("connection died after panic: %v", err)
	}
}
