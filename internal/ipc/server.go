package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"trigrelay/internal/errs"
)

const maxFrameSize = 1 << 20 // 1 MiB per line

// HandlerFunc processes one request. The returned value is marshalled as
// the response payload; a nil value becomes a generic success.
type HandlerFunc func(ctx context.Context, conn *Conn, payload json.RawMessage) (any, error)

// Conn is one accepted worker connection. Writes are serialized; a worker
// may multiplex concurrent requests of different names on it.
type Conn struct {
	logger *slog.Logger

	netConn net.Conn
	writeMu sync.Mutex

	mu    sync.Mutex
	nodes map[string]struct{} // node ids this connection receives pushes for
}

func (c *Conn) send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.netConn.Write(data); err != nil {
		return errs.NewTransportError("failed to write frame", err)
	}
	return nil
}

// Push delivers an unsolicited event to the worker.
func (c *Conn) Push(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}
	return c.send(Envelope{Name: name, ID: uuid.NewString(), Payload: data})
}

// Server is the router side of the local transport.
type Server struct {
	logger *slog.Logger
	path   string

	handlers map[string]HandlerFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Conn]struct{}
	subs     map[string]map[*Conn]struct{}
	closed   bool
}

// NewServer creates a server that will listen on the given socket path.
// Handlers are attached with SetHandlers before Run.
func NewServer(logger *slog.Logger, path string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:   logger.With("component", "ipc_server"),
		path:     path,
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[*Conn]struct{}),
		subs:     make(map[string]map[*Conn]struct{}),
	}
}

// SetHandlers installs the request dispatch table.
func (s *Server) SetHandlers(handlers map[string]HandlerFunc) {
	s.handlers = handlers
}

// Path returns the socket path the server listens on.
func (s *Server) Path() string {
	return s.path
}

// Run listens on the socket and serves connections until ctx is cancelled.
// A stale socket file from a previous run is removed before binding.
func (s *Server) Run(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errs.NewConfigError("failed to remove stale socket file", err)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return errs.NewTransportError("failed to listen on socket", err)
	}
	// Workers run as sibling processes of arbitrary users of this host
	// install; the socket must be reachable by them.
	if err := os.Chmod(s.path, 0o666); err != nil {
		s.logger.Warn("failed to chmod socket", "path", s.path, "error", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("ipc server listening", "path", s.path)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		netConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		go s.serveConn(ctx, netConn)
	}
}

// Close stops the listener, tears down all connections and removes the
// socket file. Safe to call more than once.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listener := s.listener
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	for _, c := range conns {
		_ = c.netConn.Close()
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove socket file", "path", s.path, "error", err)
	}
	s.logger.Info("ipc server stopped")
}

func (s *Server) serveConn(ctx context.Context, netConn net.Conn) {
	conn := &Conn{
		logger:  s.logger,
		netConn: netConn,
		nodes:   make(map[string]struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = netConn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer s.dropConn(conn)

	scanner := bufio.NewScanner(netConn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		// Each request runs independently so slow requests of one name
		// never block responses for another.
		go s.dispatch(ctx, conn, env)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.logger.Debug("connection read ended", "error", err)
	}
}

func (s *Server) dropConn(conn *Conn) {
	_ = conn.netConn.Close()

	s.mu.Lock()
	delete(s.conns, conn)
	conn.mu.Lock()
	for nodeID := range conn.nodes {
		if set, ok := s.subs[nodeID]; ok {
			delete(set, conn)
			if len(set) == 0 {
				delete(s.subs, nodeID)
			}
		}
	}
	conn.mu.Unlock()
	s.mu.Unlock()
}

func (s *Server) dispatch(ctx context.Context, conn *Conn, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "request", env.Name, "panic", r)
			s.respondError(conn, env, fmt.Errorf("internal error"))
		}
	}()

	handler, ok := s.handlers[env.Name]
	if !ok {
		s.respondError(conn, env, errs.NewNotFoundError("unknown request "+env.Name, nil))
		return
	}

	result, err := handler(ctx, conn, env.Payload)
	if err != nil {
		s.respondError(conn, env, err)
		return
	}
	if result == nil {
		result = OK{Success: true}
	}

	data, err := json.Marshal(result)
	if err != nil {
		s.respondError(conn, env, fmt.Errorf("failed to marshal response"))
		return
	}
	if err := conn.send(Envelope{Name: CallbackName(env.Name), ID: env.ID, Payload: data}); err != nil {
		s.logger.Debug("failed to write response", "request", env.Name, "error", err)
	}
}

// respondError answers with a failure payload. Every request gets an
// answer; a caller is never left waiting on a swallowed error.
func (s *Server) respondError(conn *Conn, env Envelope, err error) {
	payload, marshalErr := json.Marshal(Failure{Success: false, Code: errs.Code(err), Error: err.Error()})
	if marshalErr != nil {
		return
	}
	if sendErr := conn.send(Envelope{Name: CallbackName(env.Name), ID: env.ID, Payload: payload}); sendErr != nil {
		s.logger.Debug("failed to write error response", "request", env.Name, "error", sendErr)
	}
}

// Subscribe routes future match events for a node id to the connection.
func (s *Server) Subscribe(nodeID string, conn *Conn) {
	s.mu.Lock()
	set, ok := s.subs[nodeID]
	if !ok {
		set = make(map[*Conn]struct{})
		s.subs[nodeID] = set
	}
	set[conn] = struct{}{}
	conn.mu.Lock()
	conn.nodes[nodeID] = struct{}{}
	conn.mu.Unlock()
	s.mu.Unlock()
}

// Unsubscribe removes all push routing for a node id.
func (s *Server) Unsubscribe(nodeID string) {
	s.mu.Lock()
	for conn := range s.subs[nodeID] {
		conn.mu.Lock()
		delete(conn.nodes, nodeID)
		conn.mu.Unlock()
	}
	delete(s.subs, nodeID)
	s.mu.Unlock()
}

// NotifyMatch pushes a match event to every connection registered for the
// node. It reports whether at least one delivery succeeded.
func (s *Server) NotifyMatch(nodeID string, event MatchEvent) bool {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.subs[nodeID]))
	for conn := range s.subs[nodeID] {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	delivered := false
	for _, conn := range conns {
		if err := conn.Push(EventMatch, event); err != nil {
			s.logger.Debug("match push failed", "node_id", nodeID, "error", err)
			continue
		}
		delivered = true
	}
	return delivered
}
