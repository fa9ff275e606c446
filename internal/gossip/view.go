package gossip

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// NodeState is the membership state of a cluster member.
type NodeState int

const (
	Joining NodeState = iota
	Active
	Suspect
	Down
	Leaving
)

// String returns the string representation of NodeState.
func (s NodeState) String() string {
	switch s {
	case Joining:
		return "JOINING"
	case Active:
		return "ACTIVE"
	case Suspect:
		return "SUSPECT"
	case Down:
		return "DOWN"
	case Leaving:
		return "LEAVING"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name. It is used by JSON and by the
// fabric's gob encoding of views.
func (s NodeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state rendered by MarshalText.
func (s *NodeState) UnmarshalText(text []byte) error {
	for state := Joining; state <= Leaving; state++ {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown node state %q", text)
}

// Member is one entry of the membership table.
type Member struct {
	ID    string    `json:"id"`
	State NodeState `json:"state"`
}

// ClusterView is an immutable, epoch-tagged copy of the membership table.
// Members are sorted by ID.
type ClusterView struct {
	Epoch   uint64   `json:"epoch"`
	Members []Member `json:"members"`
}

// Active returns the IDs of the Active members, sorted.
func (v *ClusterView) Active() []string {
	ids := make([]string, 0, len(v.Members))
	for _, m := range v.Members {
		if m.State == Active {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Participants returns the IDs of the members that keep their partitions:
// Active ones, and Suspect ones until they are declared Down. Sorted.
func (v *ClusterView) Participants() []string {
	ids := make([]string, 0, len(v.Members))
	for _, m := range v.Members {
		if m.State == Active || m.State == Suspect {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Get returns the member with the given ID.
func (v *ClusterView) Get(id string) (Member, bool) {
	i := sort.Search(len(v.Members), func(i int) bool { return v.Members[i].ID >= id })
	if i < len(v.Members) && v.Members[i].ID == id {
		return v.Members[i], true
	}
	return Member{}, false
}

// Digest is a deterministic hash of the view's contents, used to order
// distinct views that carry the same epoch.
func (v *ClusterView) Digest() uint64 {
	h := fnv.New64a()
	for _, m := range v.Members {
		fmt.Fprintf(h, "%s=%d;", m.ID, m.State)
	}
	return h.Sum64()
}

// Supersedes reports whether v should replace other.
func (v *ClusterView) Supersedes(other *ClusterView) bool {
	if v.Epoch != other.Epoch {
		return v.Epoch > other.Epoch
	}
	return v.Digest() > other.Digest()
}

func (v *ClusterView) String() string {
	parts := make([]string, 0, len(v.Members))
	for _, m := range v.Members {
		parts = append(parts, fmt.Sprintf("%s %s", m.ID, m.State))
	}
	return fmt.Sprintf("epoch %d: %s", v.Epoch, strings.Join(parts, ", "))
}
