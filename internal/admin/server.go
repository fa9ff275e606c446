package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"driftkv/internal/antientropy"
	"driftkv/internal/errs"
	"driftkv/internal/gossip"
	"driftkv/internal/ring"
	"driftkv/internal/storage"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
)

// Backend is the node API exposed for operators.
type Backend interface {
	ID() string
	View() *gossip.ClusterView
	Partitions() *ring.Snapshot
	PartitionFor(key string) int
	SyncStats() antientropy.Stats
	SyncSessions() []antientropy.Info
	Bootstrapping() []int
	StartSync(partition int) (string, error)
}

// Server is the HTTP admin surface on admin_addr.
type Server struct {
	node       Backend
	addr       string
	logger     *slog.Logger
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates an admin server for node on addr.
func NewServer(node Backend, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		node:   node,
		addr:   addr,
		logger: logger.With("component", "admin"),
	}
}

// Start binds the address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server error", "error", err)
		}
	}()

	s.logger.Info("admin server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}
	return nil
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/membership", s.handleMembership)
	r.Get("/partitions", s.handlePartitions)
	r.Get("/partitions/key/{key}", s.handleKey)
	r.Get("/sync", s.handleSync)
	r.Post("/sync/{partition}", s.handleStartSync)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	view := s.node.View()
	self, _ := view.Get(s.node.ID())
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status: StatusOK,
		Node:   s.node.ID(),
		State:  self.State,
		Epoch:  view.Epoch,
	})
}

func (s *Server) handleMembership(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.View())
}

func (s *Server) handlePartitions(w http.ResponseWriter, _ *http.Request) {
	snap := s.node.Partitions()
	bootstrapping := s.node.Bootstrapping()
	if bootstrapping == nil {
		bootstrapping = []int{}
	}
	s.writeJSON(w, http.StatusOK, PartitionsResponse{
		Epoch:         snap.Epoch,
		Members:       snap.Members,
		Replicas:      snap.Replicas,
		Bootstrapping: bootstrapping,
	})
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	partition := s.node.PartitionFor(key)
	s.writeJSON(w, http.StatusOK, KeyResponse{
		Key:       key,
		Partition: partition,
		Replicas:  s.node.Partitions().ReplicasFor(partition),
	})
}

func (s *Server) handleSync(w http.ResponseWriter, _ *http.Request) {
	sessions := s.node.SyncSessions()
	if sessions == nil {
		sessions = []antientropy.Info{}
	}
	s.writeJSON(w, http.StatusOK, SyncResponse{
		Stats:    s.node.SyncStats(),
		Sessions: sessions,
	})
}

func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	partition, err := strconv.Atoi(chi.URLParam(r, "partition"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("partition must be an integer"))
		return
	}

	cookie, err := s.node.StartSync(partition)
	switch {
	case err == nil:
		s.logger.Info("sync requested", "partition", partition, "cookie", cookie)
		s.writeJSON(w, http.StatusAccepted, SyncStartedResponse{Partition: partition, Cookie: cookie})
	case errors.Is(err, storage.ErrPartitionRange):
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
	case errors.Is(err, errs.ErrNotReplica):
		s.writeJSON(w, http.StatusConflict, NewErrorResponse(err.Error()))
	case errors.Is(err, errs.ErrSessionRefused):
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse(err.Error()))
	default:
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
	}
}
