package gossip

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"driftkv/internal/fabric"
)

// Transport sends fabric messages. *fabric.Fabric implements it.
type Transport interface {
	Send(node string, msg *fabric.Message) error
}

// Config holds the failure-detection settings.
type Config struct {
	// Seeds are fabric addresses contacted to join an existing cluster.
	Seeds []string
	// Interval is the heartbeat period (worker_timer).
	Interval time.Duration
	// SuspectAfter is the number of missed heartbeats before a member becomes Suspect.
	SuspectAfter int
	// DownAfter is the additional silence after which a Suspect member becomes Down.
	DownAfter time.Duration
}

type joinBody struct {
	Node string
}

// heartbeatBody carries the digest of the sender's view so that diverged
// views sharing an epoch are reconciled too.
type heartbeatBody struct {
	Node   string
	Digest uint64
}

type updateBody struct {
	View ClusterView
}

type memberState struct {
	Member
	lastSeen  time.Time
	downSince time.Time
}

type outbound struct {
	to  string
	msg *fabric.Message
}

// Membership tracks cluster members over the fabric: seed join, heartbeats,
// Suspect/Down detection and epoch-ordered propagation of the member table.
// Time-driven work happens in Tick, which the caller invokes every Interval.
type Membership struct {
	mu        sync.Mutex
	self      string
	cfg       Config
	transport Transport
	logger    *slog.Logger
	members   map[string]*memberState
	epoch     uint64

	view       atomic.Pointer[ClusterView]
	onChange   func(*ClusterView)
	referenced func(id string) bool
}

// NewMembership creates a membership table containing only the local node.
// Without seeds the node bootstraps a new cluster and is immediately Active;
// otherwise it stays Joining until a seed acknowledges it.
func NewMembership(self string, transport Transport, cfg Config, logger *slog.Logger) *Membership {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.SuspectAfter <= 0 {
		cfg.SuspectAfter = 3
	}
	if cfg.DownAfter <= 0 {
		cfg.DownAfter = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	seeds := make([]string, 0, len(cfg.Seeds))
	for _, s := range cfg.Seeds {
		if s != self {
			seeds = append(seeds, s)
		}
	}
	cfg.Seeds = seeds

	m := &Membership{
		self:      self,
		cfg:       cfg,
		transport: transport,
		logger:    logger.With("node", self, "component", "membership"),
		members:   make(map[string]*memberState),
	}

	state := Joining
	if len(seeds) == 0 {
		state = Active
		m.epoch = 1
	}
	m.members[self] = &memberState{Member: Member{ID: self, State: state}, lastSeen: time.Now()}
	m.view.Store(m.snapshotLocked())
	return m
}

// OnChange registers a callback invoked with every newly published view.
// It must be set before the membership starts receiving messages.
func (m *Membership) OnChange(fn func(*ClusterView)) {
	m.onChange = fn
}

// SetReferenced registers the check that keeps Down members in the table while
// the partition map still assigns them replicas.
func (m *Membership) SetReferenced(fn func(id string) bool) {
	m.referenced = fn
}

// Self returns the local node ID.
func (m *Membership) Self() string {
	return m.self
}

// View returns the current published view.
func (m *Membership) View() *ClusterView {
	return m.view.Load()
}

// Epoch returns the current epoch.
func (m *Membership) Epoch() uint64 {
	return m.View().Epoch
}

// ActiveNodes returns the IDs of Active members.
func (m *Membership) ActiveNodes() []string {
	return m.View().Active()
}

// IsActive reports whether the local node is Active.
func (m *Membership) IsActive() bool {
	self, _ := m.View().Get(m.self)
	return self.State == Active
}

// Tick sends heartbeats, retries joining, and advances failure detection.
func (m *Membership) Tick(now time.Time) {
	m.mu.Lock()
	var out []outbound
	changed := false

	self := m.members[m.self]
	if self.State == Joining {
		out = append(out, m.joinMessagesLocked()...)
	}

	hb := m.newMessage(fabric.KindHeartbeat, heartbeatBody{Node: m.self, Digest: m.snapshotLocked().Digest()})
	for id, ms := range m.members {
		if id == m.self || ms.State == Down {
			continue
		}
		out = append(out, outbound{to: id, msg: hb})
	}

	suspectAfter := time.Duration(m.cfg.SuspectAfter) * m.cfg.Interval
	for id, ms := range m.members {
		if id == m.self {
			continue
		}
		silent := now.Sub(ms.lastSeen)
		switch ms.State {
		case Joining, Active:
			if silent > suspectAfter {
				ms.State = Suspect
				changed = true
				m.logger.Warn("marked node suspect", "peer", id, "silent", silent)
			}
		case Suspect:
			if silent > suspectAfter+m.cfg.DownAfter {
				ms.State = Down
				ms.downSince = now
				changed = true
				m.logger.Warn("marked node down", "peer", id, "silent", silent)
			}
		case Down, Leaving:
			if ms.downSince.IsZero() {
				ms.downSince = now
			}
			if now.Sub(ms.downSince) > m.cfg.DownAfter && !m.isReferenced(id) {
				delete(m.members, id)
				changed = true
				m.logger.Info("removed node from membership", "peer", id, "state", ms.State)
			}
		}
	}

	var view *ClusterView
	if changed {
		view, out = m.advanceLocked(out)
	}
	m.mu.Unlock()

	m.flush(out)
	m.publish(view)
}

// Join sends a Join request to every seed. It is repeated by Tick until the
// local node has been acknowledged.
func (m *Membership) Join() {
	m.mu.Lock()
	out := m.joinMessagesLocked()
	m.mu.Unlock()
	m.flush(out)
}

// Leave marks the local node Leaving and announces it.
func (m *Membership) Leave() {
	m.mu.Lock()
	m.members[m.self].State = Leaving
	view, out := m.advanceLocked(nil)
	m.mu.Unlock()

	m.logger.Info("leaving cluster", "epoch", view.Epoch)
	m.flush(out)
	m.publish(view)
}

// HandleMessage processes Join, Heartbeat and MembershipUpdate messages.
func (m *Membership) HandleMessage(msg *fabric.Message) {
	switch msg.Kind {
	case fabric.KindJoin:
		m.handleJoin(msg)
	case fabric.KindHeartbeat:
		m.handleHeartbeat(msg)
	case fabric.KindMembershipUpdate:
		var body updateBody
		if err := msg.Decode(&body); err != nil {
			m.logger.Warn("dropping membership update", "peer", msg.From, "error", err)
			return
		}
		m.handleUpdate(msg.From, &body.View)
	}
}

func (m *Membership) handleJoin(msg *fabric.Message) {
	m.mu.Lock()
	var view *ClusterView
	var out []outbound

	ms, exists := m.members[msg.From]
	if !exists || ms.State == Down || ms.State == Leaving {
		m.members[msg.From] = &memberState{Member: Member{ID: msg.From, State: Joining}, lastSeen: time.Now()}
		m.logger.Info("node joining", "peer", msg.From)
		view, out = m.advanceLocked(nil)
	} else {
		ms.lastSeen = time.Now()
	}
	// Always answer so a joiner whose previous ack was lost still learns the view.
	out = append(out, outbound{to: msg.From, msg: m.updateMessageLocked()})
	m.mu.Unlock()

	m.flush(out)
	m.publish(view)
}

func (m *Membership) handleHeartbeat(msg *fabric.Message) {
	m.mu.Lock()
	var view *ClusterView
	var out []outbound

	ms, exists := m.members[msg.From]
	switch {
	case !exists || ms.State == Down:
		m.members[msg.From] = &memberState{Member: Member{ID: msg.From, State: Joining}, lastSeen: time.Now()}
		m.logger.Info("node reappeared", "peer", msg.From)
		view, out = m.advanceLocked(nil)
	case ms.State == Suspect:
		ms.State = Active
		ms.lastSeen = time.Now()
		m.logger.Info("suspect node is alive", "peer", msg.From)
		view, out = m.advanceLocked(nil)
	default:
		ms.lastSeen = time.Now()
		if m.stale(msg) {
			out = append(out, outbound{to: msg.From, msg: m.updateMessageLocked()})
		}
	}
	m.mu.Unlock()

	m.flush(out)
	m.publish(view)
}

// stale reports whether the sender of a heartbeat holds a view the local one
// supersedes: an older epoch, or the same epoch with a lower digest.
func (m *Membership) stale(msg *fabric.Message) bool {
	if msg.Epoch != m.epoch {
		return msg.Epoch < m.epoch
	}
	var body heartbeatBody
	if err := msg.Decode(&body); err != nil {
		m.logger.Debug("undecodable heartbeat", "peer", msg.From, "error", err)
		return false
	}
	return m.snapshotLocked().Digest() > body.Digest
}

func (m *Membership) handleUpdate(from string, remote *ClusterView) {
	m.mu.Lock()
	local := m.snapshotLocked()
	if !remote.Supersedes(local) {
		var out []outbound
		if local.Supersedes(remote) {
			out = append(out, outbound{to: from, msg: m.updateMessageLocked()})
		}
		if ms, ok := m.members[from]; ok {
			ms.lastSeen = time.Now()
		}
		m.mu.Unlock()
		m.flush(out)
		return
	}

	now := time.Now()
	selfState := m.members[m.self].State
	next := make(map[string]*memberState, len(remote.Members))
	for _, rm := range remote.Members {
		ms := &memberState{Member: rm, lastSeen: now}
		if prev, ok := m.members[rm.ID]; ok {
			if prev.State == rm.State {
				ms.lastSeen = prev.lastSeen
				ms.downSince = prev.downSince
			}
		}
		next[rm.ID] = ms
	}
	if ms, ok := next[from]; ok {
		ms.lastSeen = now
	}
	m.members = next
	m.epoch = remote.Epoch

	// The local node owns its own liveness: refute anything else the cluster believes.
	self, ok := m.members[m.self]
	refute := false
	switch {
	case selfState == Leaving:
		if !ok || self.State != Leaving {
			m.members[m.self] = &memberState{Member: Member{ID: m.self, State: Leaving}, lastSeen: now}
			refute = true
		}
	case !ok || self.State != Active:
		if ok && self.State == Joining && selfState == Joining {
			m.logger.Info("join acknowledged", "by", from)
		}
		m.members[m.self] = &memberState{Member: Member{ID: m.self, State: Active}, lastSeen: now}
		refute = true
	}

	var out []outbound
	if refute {
		var view *ClusterView
		view, out = m.advanceLocked(nil)
		m.mu.Unlock()
		m.flush(out)
		m.publish(view)
		return
	}

	view := m.snapshotLocked()
	m.view.Store(view)
	m.mu.Unlock()
	m.logger.Debug("adopted membership view", "from", from, "epoch", view.Epoch)
	m.notify(view)
}

// advanceLocked bumps the epoch, stores the new view and queues a broadcast of it.
func (m *Membership) advanceLocked(out []outbound) (*ClusterView, []outbound) {
	m.epoch++
	view := m.snapshotLocked()
	m.view.Store(view)

	msg := m.updateMessageLocked()
	for id, ms := range m.members {
		if id == m.self || ms.State == Down {
			continue
		}
		out = append(out, outbound{to: id, msg: msg})
	}
	return view, out
}

func (m *Membership) joinMessagesLocked() []outbound {
	msg := m.newMessage(fabric.KindJoin, joinBody{Node: m.self})
	out := make([]outbound, 0, len(m.cfg.Seeds))
	for _, seed := range m.cfg.Seeds {
		out = append(out, outbound{to: seed, msg: msg})
	}
	return out
}

func (m *Membership) updateMessageLocked() *fabric.Message {
	return m.newMessage(fabric.KindMembershipUpdate, updateBody{View: *m.snapshotLocked()})
}

func (m *Membership) newMessage(kind fabric.Kind, body any) *fabric.Message {
	msg, err := fabric.NewMessage(kind, m.epoch, body)
	if err != nil {
		// Bodies are plain structs; encoding cannot fail.
		panic(err)
	}
	return msg
}

func (m *Membership) snapshotLocked() *ClusterView {
	members := make([]Member, 0, len(m.members))
	for _, ms := range m.members {
		members = append(members, ms.Member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return &ClusterView{Epoch: m.epoch, Members: members}
}

func (m *Membership) isReferenced(id string) bool {
	return m.referenced != nil && m.referenced(id)
}

func (m *Membership) flush(out []outbound) {
	for _, o := range out {
		copied := *o.msg
		if err := m.transport.Send(o.to, &copied); err != nil {
			m.logger.Debug("membership send failed", "peer", o.to, "kind", o.msg.Kind, "error", err)
		}
	}
}

func (m *Membership) publish(view *ClusterView) {
	if view == nil {
		return
	}
	m.logger.Info("membership changed", "epoch", view.Epoch, "active", len(view.Active()))
	m.notify(view)
}

func (m *Membership) notify(view *ClusterView) {
	if m.onChange != nil {
		m.onChange(view)
	}
}
