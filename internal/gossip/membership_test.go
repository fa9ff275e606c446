package gossip

import (
	"sync"
	"testing"
	"time"

	"driftkv/internal/fabric"
)

// fakeNetwork queues messages between in-process memberships and delivers them on demand.
type fakeNetwork struct {
	mu      sync.Mutex
	nodes   map[string]*Membership
	queue   []delivery
	blocked map[string]bool
}

type delivery struct {
	to  string
	msg fabric.Message
}

type fakeTransport struct {
	net  *fakeNetwork
	from string
}

func (t *fakeTransport) Send(node string, msg *fabric.Message) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	m := *msg
	m.From = t.from
	t.net.queue = append(t.net.queue, delivery{to: node, msg: m})
	return nil
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{nodes: make(map[string]*Membership), blocked: make(map[string]bool)}
}

func (n *fakeNetwork) add(id string, seeds ...string) *Membership {
	m := NewMembership(id, &fakeTransport{net: n, from: id}, Config{
		Seeds:        seeds,
		Interval:     100 * time.Millisecond,
		SuspectAfter: 3,
		DownAfter:    time.Second,
	}, nil)
	n.mu.Lock()
	n.nodes[id] = m
	n.mu.Unlock()
	return m
}

// deliver drains the queue until no more messages are produced.
func (n *fakeNetwork) deliver() {
	for i := 0; i < 10000; i++ {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		d := n.queue[0]
		n.queue = n.queue[1:]
		target := n.nodes[d.to]
		drop := n.blocked[d.to] || n.blocked[d.msg.From]
		n.mu.Unlock()

		if target != nil && !drop {
			msg := d.msg
			target.HandleMessage(&msg)
		}
	}
}

func (n *fakeNetwork) tickAll(now time.Time) {
	n.mu.Lock()
	nodes := make([]*Membership, 0, len(n.nodes))
	for id, m := range n.nodes {
		if !n.blocked[id] {
			nodes = append(nodes, m)
		}
	}
	n.mu.Unlock()
	for _, m := range nodes {
		m.Tick(now)
	}
	n.deliver()
}

func stateOf(m *Membership, id string) NodeState {
	member, ok := m.View().Get(id)
	if !ok {
		return -1
	}
	return member.State
}

func TestMembership_BootstrapWithoutSeeds(t *testing.T) {
	net := newFakeNetwork()
	m := net.add("a")

	if !m.IsActive() {
		t.Error("Node without seeds should bootstrap as Active")
	}
	if m.Epoch() != 1 {
		t.Errorf("Expected epoch 1, got %d", m.Epoch())
	}
}

func TestMembership_JoinThroughSeed(t *testing.T) {
	net := newFakeNetwork()
	a := net.add("a")
	b := net.add("b", "a")

	if stateOf(b, "b") != Joining {
		t.Fatalf("Expected b Joining before join, got %v", stateOf(b, "b"))
	}

	b.Join()
	net.deliver()

	for _, m := range []*Membership{a, b} {
		if got := m.View().Active(); len(got) != 2 {
			t.Errorf("[%s] Expected 2 active nodes, got %v", m.Self(), got)
		}
	}
	if a.Epoch() != b.Epoch() {
		t.Errorf("Expected converged epochs, got a=%d b=%d", a.Epoch(), b.Epoch())
	}
}

func TestMembership_ThreeNodesConverge(t *testing.T) {
	net := newFakeNetwork()
	a := net.add("a")
	b := net.add("b", "a")
	c := net.add("c", "b")

	b.Join()
	net.deliver()
	c.Join()
	net.deliver()
	net.tickAll(time.Now())

	for _, m := range []*Membership{a, b, c} {
		if got := m.View().Active(); len(got) != 3 {
			t.Errorf("[%s] Expected 3 active nodes, got %v", m.Self(), got)
		}
	}
	if a.View().Digest() != c.View().Digest() || a.Epoch() != c.Epoch() {
		t.Errorf("Views did not converge: %v vs %v", a.View(), c.View())
	}
}

func TestMembership_SilentNodeBecomesSuspectThenDown(t *testing.T) {
	net := newFakeNetwork()
	a := net.add("a")
	b := net.add("b", "a")
	b.Join()
	net.deliver()

	net.blocked["b"] = true
	start := time.Now()

	// 3 missed heartbeats at 100ms
	net.tickAll(start.Add(350 * time.Millisecond))
	if got := stateOf(a, "b"); got != Suspect {
		t.Fatalf("Expected b Suspect, got %v", got)
	}
	if got := a.View().Participants(); len(got) != 2 {
		t.Errorf("Expected suspect b to keep participating, got %v", got)
	}

	net.tickAll(start.Add(1400 * time.Millisecond))
	if got := stateOf(a, "b"); got != Down {
		t.Fatalf("Expected b Down, got %v", got)
	}
	if len(a.View().Active()) != 1 {
		t.Errorf("Expected only a active, got %v", a.View().Active())
	}
	if got := a.View().Participants(); len(got) != 1 || got[0] != "a" {
		t.Errorf("Expected only a participating, got %v", got)
	}
}

func TestMembership_SameEpochViewsReconcileOnHeartbeat(t *testing.T) {
	net := newFakeNetwork()
	a := net.add("a")
	b := net.add("b", "a")
	b.Join()
	net.deliver()

	// a learns of x without bumping the epoch, so only the digests differ.
	a.mu.Lock()
	a.members["x"] = &memberState{Member: Member{ID: "x", State: Active}, lastSeen: time.Now()}
	a.view.Store(a.snapshotLocked())
	a.mu.Unlock()
	net.mu.Lock()
	net.queue = nil
	net.mu.Unlock()

	if a.Epoch() != b.Epoch() {
		t.Fatalf("Expected equal epochs, got a=%d b=%d", a.Epoch(), b.Epoch())
	}
	if a.View().Digest() == b.View().Digest() {
		t.Fatal("Expected diverged views")
	}

	a.Tick(time.Now())
	b.Tick(time.Now())
	net.deliver()

	if a.View().Digest() != b.View().Digest() {
		t.Errorf("Expected converged views, got a=%v b=%v", a.View(), b.View())
	}
}

func TestMembership_SuspectRecoversOnHeartbeat(t *testing.T) {
	net := newFakeNetwork()
	a := net.add("a")
	b := net.add("b", "a")
	b.Join()
	net.deliver()

	net.blocked["b"] = true
	net.tickAll(time.Now().Add(350 * time.Millisecond))
	if stateOf(a, "b") != Suspect {
		t.Fatal("Expected b Suspect")
	}

	delete(net.blocked, "b")
	b.Tick(time.Now())
	net.deliver()

	if got := stateOf(a, "b"); got != Active {
		t.Errorf("Expected b Active again, got %v", got)
	}
	if got := stateOf(b, "b"); got != Active {
		t.Errorf("Expected b to see itself Active, got %v", got)
	}
}

func TestMembership_DownNodeRejoins(t *testing.T) {
	net := newFakeNetwork()
	a := net.add("a")
	b := net.add("b", "a")
	b.Join()
	net.deliver()

	net.blocked["b"] = true
	start := time.Now()
	net.tickAll(start.Add(350 * time.Millisecond))
	net.tickAll(start.Add(1400 * time.Millisecond))
	if stateOf(a, "b") != Down {
		t.Fatal("Expected b Down")
	}

	delete(net.blocked, "b")
	// b still believes a is active and heartbeats it.
	b.Tick(time.Now())
	net.deliver()

	if got := stateOf(a, "b"); got != Active {
		t.Errorf("Expected b to rejoin as Active, got %v", got)
	}
}

func TestMembership_DownNodeKeptWhileReferenced(t *testing.T) {
	net := newFakeNetwork()
	a := net.add("a")
	b := net.add("b", "a")
	b.Join()
	net.deliver()

	referenced := true
	a.SetReferenced(func(id string) bool { return id == "b" && referenced })

	net.blocked["b"] = true
	start := time.Now()
	net.tickAll(start.Add(350 * time.Millisecond))
	net.tickAll(start.Add(1400 * time.Millisecond))
	net.tickAll(start.Add(3 * time.Second))
	if _, ok := a.View().Get("b"); !ok {
		t.Fatal("Referenced Down node must not be removed")
	}

	referenced = false
	net.tickAll(start.Add(5 * time.Second))
	if _, ok := a.View().Get("b"); ok {
		t.Error("Expected unreferenced Down node to be removed")
	}
}

func TestMembership_HigherEpochWins(t *testing.T) {
	net := newFakeNetwork()
	a := net.add("a")

	remote := &ClusterView{Epoch: 10, Members: []Member{
		{ID: "a", State: Active},
		{ID: "x", State: Active},
	}}
	a.handleUpdate("x", remote)
	net.deliver()

	if a.Epoch() != 10 {
		t.Errorf("Expected epoch 10, got %d", a.Epoch())
	}
	if stateOf(a, "x") != Active {
		t.Error("Expected x adopted from higher epoch")
	}

	stale := &ClusterView{Epoch: 3, Members: []Member{{ID: "a", State: Active}}}
	a.handleUpdate("x", stale)
	if _, ok := a.View().Get("x"); !ok {
		t.Error("Lower epoch view must not be adopted")
	}
}

func TestMembership_RefutesOwnSuspicion(t *testing.T) {
	net := newFakeNetwork()
	a := net.add("a")

	remote := &ClusterView{Epoch: 5, Members: []Member{
		{ID: "a", State: Suspect},
		{ID: "x", State: Active},
	}}
	a.handleUpdate("x", remote)

	if got := stateOf(a, "a"); got != Active {
		t.Errorf("Expected a to refute suspicion, got %v", got)
	}
	if a.Epoch() != 6 {
		t.Errorf("Expected epoch advanced past 5, got %d", a.Epoch())
	}
}

func TestMembership_LeaveIsPropagated(t *testing.T) {
	net := newFakeNetwork()
	a := net.add("a")
	b := net.add("b", "a")
	b.Join()
	net.deliver()

	b.Leave()
	net.deliver()

	if got := stateOf(a, "b"); got != Leaving {
		t.Errorf("Expected b Leaving, got %v", got)
	}
	if len(a.View().Active()) != 1 {
		t.Errorf("Leaving node must not be active, got %v", a.View().Active())
	}
}

func TestMembership_OnChangeReceivesViews(t *testing.T) {
	net := newFakeNetwork()
	a := net.add("a")

	var mu sync.Mutex
	var epochs []uint64
	a.OnChange(func(v *ClusterView) {
		mu.Lock()
		epochs = append(epochs, v.Epoch)
		mu.Unlock()
	})

	b := net.add("b", "a")
	b.Join()
	net.deliver()

	mu.Lock()
	defer mu.Unlock()
	if len(epochs) == 0 {
		t.Fatal("Expected OnChange to be called")
	}
	for i := 1; i < len(epochs); i++ {
		if epochs[i] < epochs[i-1] {
			t.Errorf("Epochs went backwards: %v", epochs)
		}
	}
}

func TestNodeState_String(t *testing.T) {
	tests := []struct {
		state    NodeState
		expected string
	}{
		{Joining, "JOINING"},
		{Active, "ACTIVE"},
		{Suspect, "SUSPECT"},
		{Down, "DOWN"},
		{Leaving, "LEAVING"},
		{NodeState(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("Expected %s, got %s", tt.expected, got)
		}
	}
}

func TestClusterView_SurvivesFabricEncoding(t *testing.T) {
	view := ClusterView{Epoch: 4, Members: []Member{
		{ID: "a", State: Active},
		{ID: "b", State: Suspect},
		{ID: "c", State: Leaving},
	}}
	msg, err := fabric.NewMessage(fabric.KindMembershipUpdate, view.Epoch, updateBody{View: view})
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}

	var body updateBody
	if err := msg.Decode(&body); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if body.View.Digest() != view.Digest() {
		t.Errorf("Expected %v, got %v", view.String(), body.View.String())
	}
}

func TestClusterView_Participants(t *testing.T) {
	view := ClusterView{Epoch: 7, Members: []Member{
		{ID: "a", State: Active},
		{ID: "b", State: Suspect},
		{ID: "c", State: Down},
		{ID: "d", State: Joining},
		{ID: "e", State: Leaving},
	}}

	got := view.Participants()
	expected := []string{"a", "b"}
	if len(got) != len(expected) || got[0] != expected[0] || got[1] != expected[1] {
		t.Errorf("Expected %v, got %v", expected, got)
	}
	if active := view.Active(); len(active) != 1 || active[0] != "a" {
		t.Errorf("Expected [a], got %v", active)
	}
}
