package node

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"driftkv/internal/antientropy"
	"driftkv/internal/config"
	"driftkv/internal/fabric"
	"driftkv/internal/gossip"
	"driftkv/internal/metrics"
	"driftkv/internal/quorum"
	"driftkv/internal/repair"
	"driftkv/internal/ring"
	"driftkv/internal/storage"
	"driftkv/internal/worker"
)

// leaveGrace gives the Leaving broadcast a chance to reach peers before the fabric stops.
const leaveGrace = 50 * time.Millisecond

// Options carries the collaborators a node can be given instead of building its own.
type Options struct {
	Logger *slog.Logger
	// FabricListener overrides listening on fabric_addr.
	FabricListener net.Listener
	// Store overrides the backend selected by the storage option.
	Store storage.Store
	// DropRate randomly discards outgoing fabric frames.
	DropRate float64
}

// Node represents a single node in the distributed system.
type Node struct {
	id     string
	cfg    config.Config
	logger *slog.Logger

	fabric     *fabric.Fabric
	membership *gossip.Membership
	partitions *ring.Map
	store      storage.Store
	keyspace   *storage.Keyspace
	sync       *antientropy.Manager
	scheduler  *worker.Scheduler
	repairer   *repair.ReadRepairer

	readLevel  quorum.Level
	writeLevel quorum.Level

	pending *xsync.MapOf[string, chan remoteReply]

	mu      sync.Mutex
	members map[string]bool

	stopOnce sync.Once
}

// New creates a node from a validated configuration. The node ID is the
// address the fabric listens on.
func New(cfg config.Config, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lis := opts.FabricListener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", cfg.FabricAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.FabricAddr, err)
		}
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = openStore(cfg, logger)
		if err != nil {
			lis.Close()
			return nil, err
		}
	}

	fab := fabric.New(lis, fabric.Options{
		ClusterName: cfg.ClusterName,
		Timeout:     cfg.FabricTimeout,
		DropRate:    opts.DropRate,
		Logger:      logger,
	})

	n := &Node{
		id:         fab.ID(),
		cfg:        cfg,
		fabric:     fab,
		store:      store,
		partitions: ring.NewMap(cfg.Partitions, cfg.ReplicationFactor),
		readLevel:  cfg.ReadLevel(),
		writeLevel: cfg.WriteLevel(),
		pending:    xsync.NewMapOf[string, chan remoteReply](),
		members:    make(map[string]bool),
	}
	n.logger = logger.With("node", n.id)

	n.keyspace = storage.NewKeyspace(store, cfg.ValueVersionMax, n.overflow)

	n.membership = gossip.NewMembership(n.id, fab, gossip.Config{
		Seeds:        cfg.SeedNodes,
		Interval:     cfg.WorkerTimer,
		SuspectAfter: cfg.SuspectHeartbeats,
		DownAfter:    cfg.DownTimeout,
	}, logger)
	n.membership.SetReferenced(func(id string) bool {
		return n.partitions.Snapshot().References(id)
	})
	n.membership.OnChange(n.onViewChange)
	fab.SetDirectory(n.membership)

	n.sync = antientropy.NewManager(n.id, fab, n.partitions, n.keyspace, antientropy.Config{
		Timeout:     cfg.SyncTimeout,
		MsgTimeout:  cfg.SyncMsgTimeout,
		MsgInflight: cfg.SyncMsgInflight,
		IncomingMax: cfg.SyncIncomingMax,
		OutgoingMax: cfg.SyncOutgoingMax,
		Auto:        cfg.SyncAuto,
		Resolution:  cfg.WorkerTimer,
	}, logger)
	n.sync.OnSessionClosed(func(r antientropy.Result) {
		metrics.RecordSyncSession(r.Direction.String(), r.Outcome.String(), r.Duration, r.Sent, r.Received)
	})

	n.scheduler = worker.New(worker.Options{
		Workers:        cfg.WorkerCount,
		Timer:          cfg.WorkerTimer,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         n.logger,
	})
	n.scheduler.OnTick("membership", n.membership.Tick)
	n.scheduler.OnTick("sync", func(now time.Time) {
		n.sync.Tick(now)
		stats := n.sync.Stats()
		metrics.SetSyncSessionsActive(stats.Incoming, stats.Outgoing)
	})

	n.repairer = repair.NewReadRepairer(n.pushRepair, cfg.RequestTimeout, n.logger)

	fab.OnMessage(n.dispatch)
	return n, nil
}

func openStore(cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage == "memory" {
		return storage.NewInMemoryStore(cfg.Partitions), nil
	}
	store, err := storage.NewBadgerStore(cfg.DataDir, cfg.Partitions, logger)
	if err != nil {
		return nil, fmt.Errorf("open badger store in %s: %w", cfg.DataDir, err)
	}
	return store, nil
}

// Start starts the fabric and the workers and joins the cluster through the seeds.
func (n *Node) Start() {
	n.fabric.Start()
	n.scheduler.Start()
	n.onViewChange(n.membership.View())
	if len(n.cfg.SeedNodes) > 0 {
		n.membership.Join()
	}
	n.logger.Info("node started", "cluster", n.cfg.ClusterName, "seeds", len(n.cfg.SeedNodes),
		"partitions", n.cfg.Partitions, "replication_factor", n.cfg.ReplicationFactor)
}

// Stop marks the node Leaving, then stops the workers, the fabric and the store.
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		n.logger.Info("stopping node")
		n.membership.Leave()
		time.Sleep(leaveGrace)
		n.scheduler.Stop()
		n.fabric.Stop()
		err = n.store.Close()
	})
	return err
}

// ID returns the node ID (its fabric address).
func (n *Node) ID() string {
	return n.id
}

// Config returns the node configuration.
func (n *Node) Config() config.Config {
	return n.cfg
}

// View returns the current cluster view.
func (n *Node) View() *gossip.ClusterView {
	return n.membership.View()
}

// Partitions returns the current replica assignment.
func (n *Node) Partitions() *ring.Snapshot {
	return n.partitions.Snapshot()
}

// PartitionFor returns the partition of key.
func (n *Node) PartitionFor(key string) int {
	return n.partitions.PartitionFor(key)
}

// SyncStats returns the anti-entropy counters.
func (n *Node) SyncStats() antientropy.Stats {
	return n.sync.Stats()
}

// SyncSessions lists the live anti-entropy sessions.
func (n *Node) SyncSessions() []antientropy.Info {
	return n.sync.Sessions()
}

// Bootstrapping lists the partitions this node still has to pull after
// gaining them.
func (n *Node) Bootstrapping() []int {
	return n.sync.BootstrappingPartitions()
}

// StartSync opens an anti-entropy session for partition with another replica.
func (n *Node) StartSync(partition int) (string, error) {
	return n.sync.StartPartition(partition)
}

// dispatch routes an inbound fabric message. Replies to pending remote calls
// complete inline; everything else runs on the worker pool.
func (n *Node) dispatch(msg *fabric.Message) {
	metrics.RecordFabricMessage(msg.Kind.String())
	switch msg.Kind {
	case fabric.KindRemoteGetAck, fabric.KindRemoteSetAck:
		n.handleReply(msg)
		return
	}
	if !n.scheduler.Dispatch(func() { n.route(msg) }) {
		metrics.RecordDroppedEvent()
		n.logger.Warn("dropped fabric message, worker queue full", "peer", msg.From, "kind", msg.Kind)
	}
}

func (n *Node) route(msg *fabric.Message) {
	switch msg.Kind {
	case fabric.KindJoin, fabric.KindHeartbeat, fabric.KindMembershipUpdate:
		n.membership.HandleMessage(msg)
	case fabric.KindSyncStart, fabric.KindSyncOffer, fabric.KindSyncData, fabric.KindSyncAck, fabric.KindSyncEnd:
		n.sync.HandleMessage(msg)
	case fabric.KindRemoteGet:
		n.handleRemoteGet(msg)
	case fabric.KindRemoteSet:
		n.handleRemoteSet(msg)
	default:
		n.logger.Warn("unknown fabric message", "peer", msg.From, "kind", msg.Kind)
	}
}

// onViewChange recomputes the partition map for the latest view and queues
// the resulting handoffs. Views may be published from several workers, so
// the callback argument only signals a change.
func (n *Node) onViewChange(*gossip.ClusterView) {
	n.mu.Lock()
	defer n.mu.Unlock()

	view := n.membership.View()
	next, handoffs := n.partitions.Plan(view.Epoch, view.Participants())
	if next != nil {
		// Bootstraps must be registered before the new replicas can serve reads.
		if len(handoffs) > 0 {
			metrics.RecordHandoffs(len(handoffs))
			n.sync.Handoff(next, handoffs)
		}
		n.partitions.Publish(next)
		if len(handoffs) > 0 {
			n.logger.Info("partition map recomputed", "epoch", view.Epoch, "handoffs", len(handoffs))
		}
	}

	byState := make(map[string]int)
	present := make(map[string]bool, len(view.Members))
	for _, m := range view.Members {
		byState[m.State.String()]++
		present[m.ID] = true
	}
	metrics.SetMembership(view.Epoch, byState)

	for id := range n.members {
		if !present[id] {
			n.fabric.Forget(id)
		}
	}
	n.members = present
}

// do runs fn on the worker pool under the request deadline.
func (n *Node) do(ctx context.Context, fn worker.Task) error {
	return n.scheduler.Do(ctx, fn)
}
