package antientropy

import (
	"errors"
	"time"

	"driftkv/internal/errs"
	"driftkv/internal/ring"
)

// Tick expires and retransmits live sessions, then starts new ones: pending
// handoffs first, then one round-robin session over the owned partitions.
func (m *Manager) Tick(now time.Time) {
	m.expire(now)
	m.schedule()
}

// Handoff queues the syncs implied by moving from the current snapshot to
// next. It must run before next is published so that gained partitions are
// marked bootstrapping before the local node can be asked to read them.
func (m *Manager) Handoff(next *ring.Snapshot, handoffs []ring.Handoff) {
	prev := m.partitions.Snapshot()
	now := time.Now()
	booting := 0
	for _, h := range handoffs {
		switch {
		case contains(h.Removed, m.self):
			// Pushed to a current replica, then retired.
			m.endBootstrap(h.Partition)
			m.enqueue(job{partition: h.Partition})
		case contains(h.Added, m.self):
			sources := bootstrapSources(prev, next, h, m.self)
			if len(sources) == 0 {
				continue
			}
			m.mu.Lock()
			m.boot[h.Partition] = &bootstrap{sources: sources, since: now}
			m.mu.Unlock()
			m.logger.Debug("bootstrapping partition", "partition", h.Partition, "sources", sources)
			m.enqueue(job{partition: h.Partition, bootstrap: true})
			booting++
		case next.IsReplica(h.Partition, m.self):
			// Kept: push to the replicas that were added.
			for _, added := range h.Added {
				if added != m.self {
					m.enqueue(job{partition: h.Partition, peer: added})
				}
			}
		}
	}
	if booting > 0 {
		m.logger.Info("bootstrapping gained partitions", "partitions", booting, "epoch", next.Epoch)
	}
}

// bootstrapSources orders the peers a gained partition can be pulled from:
// replicas that held it before the change, then former replicas. A node with
// no previous map cannot tell old replicas from new ones and tries them all.
func bootstrapSources(prev, next *ring.Snapshot, h ring.Handoff, self string) []string {
	fresh := len(prev.Members) == 0
	var sources []string
	for _, id := range next.ReplicasFor(h.Partition) {
		if id != self && (fresh || !contains(h.Added, id)) {
			sources = append(sources, id)
		}
	}
	for _, id := range h.Removed {
		if id != self && !contains(sources, id) {
			sources = append(sources, id)
		}
	}
	return sources
}

// bootstrapped ends the bootstrap of partition once a session with one of its
// sources completed.
func (m *Manager) bootstrapped(partition int, peer string) {
	m.mu.Lock()
	b, ok := m.boot[partition]
	if !ok || !contains(b.sources, peer) {
		m.mu.Unlock()
		return
	}
	delete(m.boot, partition)
	m.mu.Unlock()
	m.logger.Debug("partition bootstrapped", "partition", partition, "from", peer, "took", time.Since(b.since))
}

// retryBootstrap requeues a failed bootstrap. A refused session is retried
// against the same source; any other failure moves on to the next one. Once
// every source failed the partition is served from whatever it holds.
func (m *Manager) retryBootstrap(partition int, refused bool) {
	m.mu.Lock()
	b, ok := m.boot[partition]
	if !ok {
		m.mu.Unlock()
		return
	}
	if !refused {
		b.next++
	}
	if b.next >= len(b.sources) {
		delete(m.boot, partition)
		m.mu.Unlock()
		m.logger.Warn("giving up partition bootstrap, no source reachable", "partition", partition, "sources", b.sources)
		return
	}
	m.mu.Unlock()
	m.enqueue(job{partition: partition, bootstrap: true})
}

func (m *Manager) endBootstrap(partition int) {
	m.mu.Lock()
	delete(m.boot, partition)
	m.mu.Unlock()
}

// bootstrapPeer returns the current source of a bootstrap job. The job waits
// while the snapshot that made the local node a replica is not yet published.
func (m *Manager) bootstrapPeer(snap *ring.Snapshot, j job) (peer string, ok, wait bool) {
	m.mu.Lock()
	b, booting := m.boot[j.partition]
	if booting {
		peer = b.sources[b.next]
	}
	m.mu.Unlock()
	if !booting {
		return "", false, false
	}
	if !snap.IsReplica(j.partition, m.self) {
		return "", false, true
	}
	return peer, true, false
}

func (m *Manager) enqueue(j job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[j] {
		return
	}
	m.pending[j] = true
	m.handoffs = append(m.handoffs, j)
}

func (m *Manager) expire(now time.Time) {
	var (
		out     []outbound
		results []*Result
	)
	m.sessions.Range(func(_ string, s *session) bool {
		s.mu.Lock()
		switch {
		case !now.Before(s.deadline):
			results = append(results, m.closeLocked(s, OutcomeTimedOut, errs.ErrSessionTimeout, now))
		case now.Sub(s.progress) >= m.cfg.MsgTimeout:
			results = append(results, m.closeLocked(s, OutcomeTimedOut, errs.ErrSessionTimeout, now))
		default:
			out = append(out, m.retransmitLocked(s, now)...)
		}
		s.mu.Unlock()
		return true
	})
	m.flush(out)
	for _, res := range results {
		m.finish(res)
	}

	m.closed.Range(func(cookie string, e closedEntry) bool {
		if now.Sub(e.at) > m.cfg.Timeout {
			m.closed.Delete(cookie)
		}
		return true
	})
}

func (m *Manager) retransmitLocked(s *session, now time.Time) []outbound {
	after := m.cfg.MsgTimeout / 2
	var out []outbound
	if s.state == StateNegotiating && s.start != nil && now.Sub(s.startSentAt) >= after {
		s.startSentAt = now
		out = append(out, outbound{to: s.peer, msg: s.start})
	}
	for _, f := range s.inflight {
		if now.Sub(f.sentAt) >= after {
			f.sentAt = now
			out = append(out, outbound{to: s.peer, msg: f.msg})
		}
	}
	if s.endSent && !s.peerEnded && now.Sub(s.endSentAt) >= after {
		s.endSentAt = now
		out = append(out, outbound{to: s.peer, msg: s.end})
	}
	return out
}

func (m *Manager) schedule() {
	snap := m.partitions.Snapshot()
	if len(snap.Members) == 0 {
		return
	}

	m.mu.Lock()
	jobs := m.handoffs
	m.handoffs = nil
	m.pending = make(map[job]bool)
	m.mu.Unlock()

	for i, j := range jobs {
		peer, ok, wait := m.handoffPeer(snap, j)
		if wait {
			m.enqueue(j)
			continue
		}
		if !ok {
			continue
		}
		if m.active(j.partition, peer) {
			m.enqueue(j)
			continue
		}
		if _, err := m.start(j.partition, peer, !j.bootstrap, j.bootstrap); err != nil {
			if errors.Is(err, errs.ErrSessionRefused) {
				for _, rest := range jobs[i:] {
					m.enqueue(rest)
				}
				return
			}
			m.enqueue(j)
		}
	}

	if m.cfg.Auto {
		m.roundRobin(snap)
	}
}

// handoffPeer resolves the target of a job against the current snapshot.
// Jobs made obsolete by later membership changes are dropped; wait asks for
// the job to be kept for a later tick.
func (m *Manager) handoffPeer(snap *ring.Snapshot, j job) (peer string, ok, wait bool) {
	if j.bootstrap {
		return m.bootstrapPeer(snap, j)
	}
	if snap.IsReplica(j.partition, m.self) {
		if j.peer == "" || j.peer == m.self || !snap.IsReplica(j.partition, j.peer) {
			return "", false, false
		}
		return j.peer, true, false
	}

	found, err := m.hasData(j.partition)
	if err != nil {
		m.logger.Error("failed to check partition for handoff", "partition", j.partition, "error", err)
		return "", false, true
	}
	if !found {
		return "", false, false
	}
	if j.peer != "" && snap.IsReplica(j.partition, j.peer) {
		return j.peer, true, false
	}
	peers := others(snap.ReplicasFor(j.partition), m.self)
	if len(peers) == 0 {
		return "", false, false
	}
	return peers[0], true, false
}

func (m *Manager) roundRobin(snap *ring.Snapshot) {
	if m.outgoing.Load() >= int64(m.cfg.OutgoingMax) {
		return
	}
	owned := snap.PartitionsOf(m.self)
	if len(owned) == 0 {
		return
	}

	m.mu.Lock()
	partition := owned[m.rrPartition%len(owned)]
	m.rrPartition++
	peers := others(snap.ReplicasFor(partition), m.self)
	if len(peers) == 0 {
		m.mu.Unlock()
		return
	}
	peer := peers[m.rrPeer[partition]%len(peers)]
	m.rrPeer[partition]++
	m.mu.Unlock()

	if m.active(partition, peer) {
		return
	}
	if _, err := m.start(partition, peer, false, false); err != nil {
		m.logger.Debug("periodic sync not started", "partition", partition, "peer", peer, "error", err)
	}
}

// active reports whether an outgoing session with peer for partition is live.
func (m *Manager) active(partition int, peer string) bool {
	found := false
	m.sessions.Range(func(_ string, s *session) bool {
		if s.direction == Outgoing && s.partition == partition && s.peer == peer {
			found = true
			return false
		}
		return true
	})
	return found
}

func contains(nodes []string, id string) bool {
	for _, n := range nodes {
		if n == id {
			return true
		}
	}
	return false
}
