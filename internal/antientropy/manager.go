package antientropy

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"driftkv/internal/errs"
	"driftkv/internal/fabric"
	"driftkv/internal/repair"
	"driftkv/internal/ring"
	"driftkv/internal/storage"
)

// Transport delivers fabric messages to a peer.
type Transport interface {
	Send(node string, msg *fabric.Message) error
}

// Partitions exposes the current replica assignment.
type Partitions interface {
	Snapshot() *ring.Snapshot
}

// Config bounds sessions.
type Config struct {
	// Timeout is the hard deadline of a session (sync_timeout).
	Timeout time.Duration
	// MsgTimeout is the longest a session may go without progress (sync_msg_timeout).
	// Unacknowledged frames are retransmitted after half of it.
	MsgTimeout time.Duration
	// MsgInflight is the unacknowledged data window per session (sync_msg_inflight).
	MsgInflight int
	// IncomingMax and OutgoingMax cap concurrent sessions per direction.
	IncomingMax int
	OutgoingMax int
	// Auto enables periodic round-robin sessions over owned partitions.
	Auto bool
	// Resolution is the interval between Ticks (worker_timer). Session
	// deadlines are brought forward by it so that expiry checked on a tick
	// never lands after Timeout.
	Resolution time.Duration
}

// ClosedFunc observes every closed session.
type ClosedFunc func(Result)

// Stats are cumulative session counters.
type Stats struct {
	Incoming      int64  `json:"incoming"`
	Outgoing      int64  `json:"outgoing"`
	Started       uint64 `json:"started"`
	Completed     uint64 `json:"completed"`
	TimedOut      uint64 `json:"timed_out"`
	Aborted       uint64 `json:"aborted"`
	Refused       uint64 `json:"refused"`
	Retired       uint64 `json:"retired"`
	Handoffs      int    `json:"handoffs_pending"`
	Bootstrapping int    `json:"bootstrapping"`
}

type outbound struct {
	to  string
	msg *fabric.Message
}

type job struct {
	partition int
	peer      string
	bootstrap bool
}

// bootstrap tracks a partition the local node just became a replica of.
// Until one sync with a source completes, its local data is incomplete.
type bootstrap struct {
	sources []string
	next    int
	since   time.Time
}

type closedEntry struct {
	outcome Outcome
	at      time.Time
}

// Manager runs anti-entropy sessions between the local node and the other
// replicas of its partitions.
type Manager struct {
	self       string
	transport  Transport
	partitions Partitions
	keyspace   *storage.Keyspace
	cfg        Config
	logger     *slog.Logger

	sessions *xsync.MapOf[string, *session]
	closed   *xsync.MapOf[string, closedEntry]
	onClosed atomic.Pointer[ClosedFunc]

	incoming  atomic.Int64
	outgoing  atomic.Int64
	started   atomic.Uint64
	completed atomic.Uint64
	timedOut  atomic.Uint64
	aborted   atomic.Uint64
	refused   atomic.Uint64
	retired   atomic.Uint64

	mu          sync.Mutex
	handoffs    []job
	pending     map[job]bool
	boot        map[int]*bootstrap
	rrPartition int
	rrPeer      map[int]int
}

// NewManager creates a session manager for the node self.
func NewManager(self string, transport Transport, partitions Partitions, keyspace *storage.Keyspace, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Resolution < 0 || cfg.Resolution >= cfg.Timeout {
		cfg.Resolution = 0
	}
	if cfg.MsgTimeout <= 0 || cfg.MsgTimeout > cfg.Timeout {
		cfg.MsgTimeout = cfg.Timeout
	}
	if cfg.MsgInflight <= 0 {
		cfg.MsgInflight = 10
	}
	if cfg.IncomingMax <= 0 {
		cfg.IncomingMax = 10
	}
	if cfg.OutgoingMax <= 0 {
		cfg.OutgoingMax = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		self:       self,
		transport:  transport,
		partitions: partitions,
		keyspace:   keyspace,
		cfg:        cfg,
		logger:     logger.With("node", self, "component", "antientropy"),
		sessions:   xsync.NewMapOf[string, *session](),
		closed:     xsync.NewMapOf[string, closedEntry](),
		pending:    make(map[job]bool),
		boot:       make(map[int]*bootstrap),
		rrPeer:     make(map[int]int),
	}
}

// OnSessionClosed registers fn to observe closed sessions.
func (m *Manager) OnSessionClosed(fn ClosedFunc) {
	m.onClosed.Store(&fn)
}

// Stats returns the session counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	handoffs := len(m.handoffs)
	booting := len(m.boot)
	m.mu.Unlock()
	return Stats{
		Incoming:      m.incoming.Load(),
		Outgoing:      m.outgoing.Load(),
		Started:       m.started.Load(),
		Completed:     m.completed.Load(),
		TimedOut:      m.timedOut.Load(),
		Aborted:       m.aborted.Load(),
		Refused:       m.refused.Load(),
		Retired:       m.retired.Load(),
		Handoffs:      handoffs,
		Bootstrapping: booting,
	}
}

// Bootstrapping reports whether partition is waiting for its first sync.
// Its local data must not be trusted as a read source until then.
func (m *Manager) Bootstrapping(partition int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.boot[partition]
	return ok
}

// BootstrappingPartitions lists the partitions waiting for their first sync, sorted.
func (m *Manager) BootstrappingPartitions() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.boot))
	for p := range m.boot {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Sessions lists the live sessions, oldest first.
func (m *Manager) Sessions() []Info {
	var out []Info
	m.sessions.Range(func(_ string, s *session) bool {
		out = append(out, s.info())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.Before(out[j].Started)
		}
		return out[i].Cookie < out[j].Cookie
	})
	return out
}

// Start opens an outgoing session with peer for partition and returns its cookie.
// When the outgoing cap is reached the session is refused locally with
// ErrSessionRefused and the peer is not contacted.
func (m *Manager) Start(partition int, peer string) (string, error) {
	return m.start(partition, peer, false, false)
}

// StartPartition opens a session for partition with one of its other replicas,
// rotating through them on successive calls.
func (m *Manager) StartPartition(partition int) (string, error) {
	snap := m.partitions.Snapshot()
	if partition < 0 || partition >= len(snap.Replicas) {
		return "", fmt.Errorf("partition %d: %w", partition, storage.ErrPartitionRange)
	}
	peers := others(snap.ReplicasFor(partition), m.self)
	if len(peers) == 0 {
		return "", fmt.Errorf("partition %d has no other replica: %w", partition, errs.ErrNotReplica)
	}
	m.mu.Lock()
	peer := peers[m.rrPeer[partition]%len(peers)]
	m.rrPeer[partition]++
	m.mu.Unlock()
	return m.start(partition, peer, false, false)
}

func (m *Manager) start(partition int, peer string, handoff, boot bool) (string, error) {
	if peer == m.self {
		return "", fmt.Errorf("sync partition %d with self: %w", partition, errs.ErrNotReplica)
	}
	if !acquire(&m.outgoing, m.cfg.OutgoingMax) {
		m.refused.Add(1)
		return "", errs.ErrSessionRefused
	}

	local, err := m.load(partition)
	if err != nil {
		m.outgoing.Add(-1)
		return "", err
	}

	now := time.Now()
	cookie := uuid.NewString()
	s := newSession(cookie, peer, partition, Outgoing, now, m.cfg.Timeout-m.cfg.Resolution)
	s.handoff = handoff
	s.bootstrap = boot
	s.start = m.message(fabric.KindSyncStart, startBody{Cookie: cookie, Partition: partition, Summary: summarize(local), Bootstrap: boot})
	s.startSentAt = now
	s.state = StateNegotiating
	m.sessions.Store(cookie, s)
	m.started.Add(1)

	m.logger.Debug("sync session started", "cookie", cookie, "peer", peer, "partition", partition, "keys", len(local),
		"handoff", handoff, "bootstrap", boot)
	if err := m.send(peer, s.start); err != nil {
		s.mu.Lock()
		res := m.closeLocked(s, OutcomeAborted, errs.ErrNodeUnreachable, now)
		s.mu.Unlock()
		m.finish(res)
		return "", fmt.Errorf("sync start to %s: %w", peer, err)
	}
	return cookie, nil
}

// HandleMessage processes a sync fabric message. Other kinds are ignored.
func (m *Manager) HandleMessage(msg *fabric.Message) {
	var err error
	switch msg.Kind {
	case fabric.KindSyncStart:
		var body startBody
		if err = msg.Decode(&body); err == nil {
			m.handleStart(msg.From, body)
		}
	case fabric.KindSyncOffer:
		var body offerBody
		if err = msg.Decode(&body); err == nil {
			m.handleOffer(msg.From, body)
		}
	case fabric.KindSyncData:
		var body dataBody
		if err = msg.Decode(&body); err == nil {
			m.handleData(msg.From, body)
		}
	case fabric.KindSyncAck:
		var body ackBody
		if err = msg.Decode(&body); err == nil {
			m.handleAck(msg.From, body)
		}
	case fabric.KindSyncEnd:
		var body endBody
		if err = msg.Decode(&body); err == nil {
			m.handleEnd(msg.From, body)
		}
	}
	if err != nil {
		m.logger.Warn("dropped malformed sync message", "peer", msg.From, "kind", msg.Kind, "error", err)
	}
}

func (m *Manager) handleStart(from string, body startBody) {
	if s, ok := m.sessions.Load(body.Cookie); ok {
		s.mu.Lock()
		offer := s.offer
		s.mu.Unlock()
		if offer != nil {
			m.send(from, offer)
		}
		return
	}

	if !m.serves(body) {
		m.logger.Debug("aborting sync for partition not replicated here", "peer", from, "partition", body.Partition)
		m.sendEnd(from, body.Cookie, statusAborted)
		return
	}
	if !acquire(&m.incoming, m.cfg.IncomingMax) {
		m.refused.Add(1)
		m.logger.Debug("refused incoming sync", "peer", from, "partition", body.Partition, "incoming", m.incoming.Load())
		m.sendEnd(from, body.Cookie, statusRefused)
		return
	}

	local, err := m.load(body.Partition)
	if err != nil {
		m.incoming.Add(-1)
		m.logger.Error("failed to load partition for sync", "partition", body.Partition, "error", err)
		m.sendEnd(from, body.Cookie, statusAborted)
		return
	}
	missing, want := diverging(local, body.Summary)

	now := time.Now()
	s := newSession(body.Cookie, from, body.Partition, Incoming, now, m.cfg.Timeout-m.cfg.Resolution)
	s.offer = m.message(fabric.KindSyncOffer, offerBody{Cookie: body.Cookie, Missing: missing, Want: want})
	s.queue = missing
	s.state = StateStreaming
	if _, loaded := m.sessions.LoadOrStore(body.Cookie, s); loaded {
		m.incoming.Add(-1)
		return
	}
	m.started.Add(1)
	m.logger.Debug("sync session accepted", "cookie", body.Cookie, "peer", from, "partition", body.Partition,
		"missing", len(missing), "want", len(want))

	m.send(from, s.offer)
	s.mu.Lock()
	out := m.pumpLocked(s, now)
	res := m.settleLocked(s, now)
	s.mu.Unlock()
	m.flush(out)
	m.finish(res)
}

func (m *Manager) handleOffer(from string, body offerBody) {
	s, ok := m.sessions.Load(body.Cookie)
	if !ok || s.direction != Outgoing || s.peer != from {
		return
	}
	now := time.Now()
	s.mu.Lock()
	if s.state != StateNegotiating {
		s.mu.Unlock()
		return
	}
	s.queue = body.Want
	s.state = StateStreaming
	s.progress = now
	out := m.pumpLocked(s, now)
	res := m.settleLocked(s, now)
	s.mu.Unlock()
	m.flush(out)
	m.finish(res)
}

func (m *Manager) handleData(from string, body dataBody) {
	s, ok := m.sessions.Load(body.Cookie)
	if !ok || s.peer != from {
		m.logger.Debug("ignoring data for unknown sync session", "peer", from, "cookie", body.Cookie)
		return
	}
	if _, _, err := m.keyspace.Merge(s.partition, body.Key, body.Set); err != nil {
		// Left unacknowledged; the peer retransmits.
		m.logger.Error("failed to merge synced key", "partition", s.partition, "key", body.Key, "error", err)
		return
	}

	s.mu.Lock()
	s.progress = time.Now()
	s.received++
	s.mu.Unlock()
	m.send(from, m.message(fabric.KindSyncAck, ackBody{Cookie: body.Cookie, Seq: body.Seq}))
}

func (m *Manager) handleAck(from string, body ackBody) {
	s, ok := m.sessions.Load(body.Cookie)
	if !ok || s.peer != from {
		return
	}
	now := time.Now()
	s.mu.Lock()
	if _, ok := s.inflight[body.Seq]; ok {
		delete(s.inflight, body.Seq)
		s.progress = now
	}
	out := m.pumpLocked(s, now)
	res := m.settleLocked(s, now)
	s.mu.Unlock()
	m.flush(out)
	m.finish(res)
}

func (m *Manager) handleEnd(from string, body endBody) {
	s, ok := m.sessions.Load(body.Cookie)
	if !ok || s.peer != from {
		if body.Reply {
			return
		}
		// The session already closed here. Tell the peer how it ended so it
		// is not left waiting for an end that was lost.
		status := statusAborted
		if e, ok := m.closed.Load(body.Cookie); ok && e.outcome == OutcomeOK {
			status = statusOK
		}
		m.sendEnd(from, body.Cookie, status)
		return
	}

	now := time.Now()
	var res *Result
	s.mu.Lock()
	switch body.Status {
	case statusOK:
		s.peerEnded = true
		s.progress = now
		res = m.settleLocked(s, now)
	case statusRefused:
		res = m.closeLocked(s, OutcomeAborted, errs.ErrSessionRefused, now)
	default:
		res = m.closeLocked(s, OutcomeAborted, errs.ErrSessionAborted, now)
	}
	s.mu.Unlock()
	m.finish(res)
}

// pumpLocked fills the inflight window from the queue and sends the end
// frame once everything was acknowledged.
func (m *Manager) pumpLocked(s *session, now time.Time) []outbound {
	if s.state != StateStreaming && s.state != StateCompleting {
		return nil
	}
	var out []outbound
	for len(s.queue) > 0 && len(s.inflight) < m.cfg.MsgInflight {
		key := s.queue[0]
		s.queue = s.queue[1:]
		set, err := m.keyspace.Get(s.partition, key)
		if err != nil {
			m.logger.Error("failed to read key for sync", "partition", s.partition, "key", key, "error", err)
			continue
		}
		s.seq++
		msg := m.message(fabric.KindSyncData, dataBody{Cookie: s.cookie, Seq: s.seq, Key: key, Set: set})
		s.inflight[s.seq] = &inflightFrame{key: key, sentAt: now, msg: msg}
		s.sent++
		out = append(out, outbound{to: s.peer, msg: msg})
	}
	if s.drained() && !s.endSent {
		s.end = m.message(fabric.KindSyncEnd, endBody{Cookie: s.cookie, Status: statusOK})
		s.endSent = true
		s.endSentAt = now
		s.state = StateCompleting
		out = append(out, outbound{to: s.peer, msg: s.end})
	}
	return out
}

// settleLocked closes the session once both sides are done.
func (m *Manager) settleLocked(s *session, now time.Time) *Result {
	if !s.done() {
		return nil
	}
	return m.closeLocked(s, OutcomeOK, nil, now)
}

func (m *Manager) closeLocked(s *session, outcome Outcome, err error, now time.Time) *Result {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	return &Result{
		Cookie:    s.cookie,
		Peer:      s.peer,
		Partition: s.partition,
		Direction: s.direction,
		Outcome:   outcome,
		Err:       err,
		Sent:      s.sent,
		Received:  s.received,
		Duration:  now.Sub(s.started),
		Handoff:   s.handoff,
		Bootstrap: s.bootstrap,
	}
}

// finish releases a closed session. It must be called without the session lock.
func (m *Manager) finish(res *Result) {
	if res == nil {
		return
	}
	m.sessions.Delete(res.Cookie)
	m.closed.Store(res.Cookie, closedEntry{outcome: res.Outcome, at: time.Now()})
	if res.Direction == Outgoing {
		m.outgoing.Add(-1)
	} else {
		m.incoming.Add(-1)
	}

	switch {
	case res.Outcome == OutcomeOK:
		m.completed.Add(1)
	case errors.Is(res.Err, errs.ErrSessionRefused):
		m.refused.Add(1)
	case res.Outcome == OutcomeTimedOut:
		m.timedOut.Add(1)
	default:
		m.aborted.Add(1)
	}

	attrs := []any{"cookie", res.Cookie, "peer", res.Peer, "partition", res.Partition,
		"direction", res.Direction, "outcome", res.Outcome, "sent", res.Sent, "received", res.Received,
		"duration", res.Duration}
	if res.Err != nil {
		m.logger.Info("sync session closed", append(attrs, "error", res.Err)...)
	} else {
		m.logger.Debug("sync session closed", attrs...)
	}

	if res.Outcome == OutcomeOK {
		m.bootstrapped(res.Partition, res.Peer)
	}
	if res.Direction == Outgoing {
		switch {
		case res.Outcome == OutcomeOK:
			m.retire(res.Partition)
		case res.Bootstrap:
			m.retryBootstrap(res.Partition, errors.Is(res.Err, errs.ErrSessionRefused))
		case res.Handoff:
			m.enqueue(job{partition: res.Partition, peer: res.Peer})
		}
	}

	if fn := m.onClosed.Load(); fn != nil {
		(*fn)(*res)
	}
}

// retire drops a partition the local node no longer replicates once its
// data reached a current replica.
func (m *Manager) retire(partition int) {
	snap := m.partitions.Snapshot()
	if len(snap.Members) == 0 || snap.IsReplica(partition, m.self) {
		return
	}
	n, err := m.keyspace.Drop(partition)
	if err != nil {
		m.logger.Error("failed to retire partition", "partition", partition, "error", err)
		return
	}
	if n > 0 {
		m.retired.Add(1)
		m.logger.Info("retired partition after handoff", "partition", partition, "keys", n)
	}
}

func (m *Manager) load(partition int) (map[string]repair.ConflictSet, error) {
	sets := make(map[string]repair.ConflictSet)
	err := m.keyspace.Store().Scan(partition, func(key string, set repair.ConflictSet) bool {
		sets[key] = set
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan partition %d: %w", partition, err)
	}
	return sets, nil
}

func (m *Manager) hasData(partition int) (bool, error) {
	found := false
	err := m.keyspace.Store().Scan(partition, func(string, repair.ConflictSet) bool {
		found = true
		return false
	})
	if err != nil {
		return false, fmt.Errorf("scan partition %d: %w", partition, err)
	}
	return found, nil
}

// serves reports whether a session may be accepted for the partition. Replicas
// accept any session; a former replica still holding data also serves the
// bootstrap of its successor.
func (m *Manager) serves(body startBody) bool {
	if m.partitions.Snapshot().IsReplica(body.Partition, m.self) {
		return true
	}
	if !body.Bootstrap {
		return false
	}
	found, err := m.hasData(body.Partition)
	if err != nil {
		m.logger.Error("failed to check partition for bootstrap", "partition", body.Partition, "error", err)
	}
	return found
}

func (m *Manager) message(kind fabric.Kind, body any) *fabric.Message {
	msg, err := fabric.NewMessage(kind, m.partitions.Snapshot().Epoch, body)
	if err != nil {
		// Bodies are plain structs; encoding cannot fail.
		panic(err)
	}
	return msg
}

func (m *Manager) send(to string, msg *fabric.Message) error {
	copied := *msg
	err := m.transport.Send(to, &copied)
	if err != nil {
		m.logger.Debug("sync send failed", "peer", to, "kind", msg.Kind, "error", err)
	}
	return err
}

func (m *Manager) sendEnd(to, cookie, status string) {
	m.send(to, m.message(fabric.KindSyncEnd, endBody{Cookie: cookie, Status: status, Reply: true}))
}

func (m *Manager) flush(out []outbound) {
	for _, o := range out {
		m.send(o.to, o.msg)
	}
}

// acquire increments counter unless it already reached max.
func acquire(counter *atomic.Int64, max int) bool {
	for {
		n := counter.Load()
		if n >= int64(max) {
			return false
		}
		if counter.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func others(nodes []string, self string) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n != self {
			out = append(out, n)
		}
	}
	return out
}
