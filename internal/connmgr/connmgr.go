// Package connmgr implements the per-connection protocol engine of §4.7
// and the connection registry + graceful shutdown of SUPPLEMENTED
// FEATURES #3: a single-threaded cooperative handler per connection,
// dispatching framed requests against connection-local state
// (authorization, subscriptions, queries) and emitting responses in
// strict issue order despite completing asynchronously.
//
// The read/dispatch/write goroutine split and the registry-driven
// Shutdown are adapted from the teacher's pkg/server.Connection
// (inChan/outChan plus a context cancelled on server teardown), with
// the protobuf/stream-specific dispatch replaced by this protocol's
// CONNECT/PUBLISH/SUBSCRIBE/... frame table.
package connmgr

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/AlexBischof/mewbase/internal/docbinding"
	"github.com/AlexBischof/mewbase/internal/logstore"
	"github.com/AlexBischof/mewbase/internal/observability"
)

// Config holds the server-wide settings a Connection needs to resolve
// channels and subscriptions (§6: logsDir, maxLogChunkSize, plus the
// SPEC_FULL initial subscriber credit).
type Config struct {
	LogsDir         string
	MaxLogChunkSize int64
	InitialCredit   int64
}

// Server owns the live connection registry (SUPPLEMENTED FEATURES #3),
// the open channel set shared by every connection, and the document
// binder manager.
type Server struct {
	cfg    Config
	logger *observability.CoreLogger
	docs   *docbinding.Manager

	mu          sync.Mutex
	channels    map[string]*logstore.Channel
	connections map[string]*Connection
}

// NewServer builds a Server. docs may be nil, in which case every QUERY
// is protocol-fatal and closes the connection.
func NewServer(cfg Config, logger *observability.CoreLogger, docs *docbinding.Manager) *Server {
	return &Server{
		cfg:         cfg,
		logger:      logger,
		docs:        docs,
		channels:    make(map[string]*logstore.Channel),
		connections: make(map[string]*Connection),
	}
}

// ChannelNames returns the names of every channel opened so far, for the
// "$admin" binder's "channels" query.
func (s *Server) ChannelNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	return names
}

// Channel resolves a channel by name without opening it, for the
// "$admin" binder's doc lookups.
func (s *Server) Channel(name string) (*logstore.Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[name]
	return ch, ok
}

// openChannel opens (if needed) and returns the named channel's log.
func (s *Server) openChannel(name string) (*logstore.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.channels[name]; ok {
		return ch, nil
	}
	ch, err := logstore.Open(s.cfg.LogsDir, name, s.cfg.MaxLogChunkSize, s.logger, nil)
	if err != nil {
		return nil, fmt.Errorf("connmgr: open channel %q: %w", name, err)
	}
	s.channels[name] = ch
	return ch, nil
}

// Accept registers and starts serving a new connection over conn. It
// returns once the connection's read/dispatch/write loops have been
// launched; it does not block for the connection's lifetime.
func (s *Server) Accept(conn net.Conn) *Connection {
	id := uuid.NewString()
	c := newConnection(id, conn, s, s.logger.With("connId", id))

	s.mu.Lock()
	s.connections[c.id] = c
	s.mu.Unlock()

	go c.serve()
	return c
}

// remove deregisters a connection, called once from Connection.Close.
func (s *Server) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
}

// Shutdown closes every registered connection and waits for their
// teardown to finish or ctx to expire, per SUPPLEMENTED FEATURES #3.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	// Closing each transport ends that connection's read loop; its own
	// dispatch goroutine then runs Close, so protocol state is never
	// touched from this goroutine.
	for _, c := range conns {
		_ = c.conn.Close()
	}

	for _, c := range conns {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var closeErr error
	for _, ch := range s.channels {
		if err := ch.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	return closeErr
}
