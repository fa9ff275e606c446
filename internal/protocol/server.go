package protocol

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/tidwall/redcon"

	"driftkv/internal/clock"
	"driftkv/internal/errs"
	"driftkv/internal/gossip"
	"driftkv/internal/metrics"
	"driftkv/internal/repair"
	"driftkv/internal/ring"
)

// Backend is the node API the client protocol serves.
type Backend interface {
	Get(ctx context.Context, key string) (repair.ConflictSet, error)
	Put(ctx context.Context, key string, value []byte, causal clock.VectorClock) (clock.VectorClock, error)
	Delete(ctx context.Context, key string, causal clock.VectorClock) (clock.VectorClock, error)
	View() *gossip.ClusterView
	Partitions() *ring.Snapshot
	PartitionFor(key string) int
}

// Options configures a Server.
type Options struct {
	// MaxConnections is client_connection_max. Connections beyond it are refused at accept.
	MaxConnections int
	MaxKeyLength   int
	MaxValueLength int64
	Logger         *slog.Logger
}

// Server speaks RESP to clients on listen_addr.
type Server struct {
	addr    string
	opts    Options
	handler *Handler
	logger  *slog.Logger

	mu       sync.RWMutex
	server   *redcon.Server
	listener net.Listener

	active atomic.Int64
}

// NewServer creates a server for backend on addr.
func NewServer(addr string, backend Backend, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "protocol")
	return &Server{
		addr:    addr,
		opts:    opts,
		handler: NewHandler(backend, opts.MaxKeyLength, opts.MaxValueLength, logger),
		logger:  logger,
	}
}

// Listen binds the listen address. Serve must be called afterwards.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.server = redcon.NewServer(s.addr, s.handleCommand, s.handleAccept, s.handleClose)
	s.mu.Unlock()
	return nil
}

// Serve accepts clients until Stop is called.
func (s *Server) Serve() error {
	s.mu.RLock()
	srv, ln := s.server, s.listener
	s.mu.RUnlock()
	s.logger.Info("client protocol listening", "addr", ln.Addr().String(), "max_connections", s.opts.MaxConnections)
	return srv.Serve(ln)
}

// Start listens and serves. It blocks until the server stops.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop closes the listener and every client connection.
func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Close()
}

// Addr returns the bound address once listening.
func (s *Server) Addr() string {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln != nil {
		return ln.Addr().String()
	}
	return s.addr
}

// Connections returns the number of connected clients.
func (s *Server) Connections() int64 {
	return s.active.Load()
}

func (s *Server) handleAccept(conn redcon.Conn) bool {
	active := s.active.Add(1)
	if max := s.opts.MaxConnections; max > 0 && active > int64(max) {
		s.active.Add(-1)
		metrics.RecordRejectedConnection()
		s.logger.Warn("refused client connection", "remote", conn.RemoteAddr(), "max_connections", max)
		conn.WriteError(errorReply(errs.ErrConnectionRefused))
		return false
	}
	metrics.RecordConnection(1)
	s.logger.Debug("client connected", "remote", conn.RemoteAddr())
	return true
}

func (s *Server) handleClose(conn redcon.Conn, err error) {
	s.active.Add(-1)
	metrics.RecordConnection(-1)
	s.logger.Debug("client disconnected", "remote", conn.RemoteAddr(), "error", err)
}

func (s *Server) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	ctx := context.Background()
	s.handler.Execute(ctx, conn, cmd.Args[0], cmd.Args[1:])

	for _, p := range conn.ReadPipeline() {
		if len(p.Args) == 0 {
			continue
		}
		s.handler.Execute(ctx, conn, p.Args[0], p.Args[1:])
	}
}
