package clock

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// VectorClock maps a writer node ID to its counter.
// Missing entries are treated as 0. Thread-safe operations should be handled by the caller.
type VectorClock map[string]int64

// New creates a new empty vector clock.
func New() VectorClock {
	return make(VectorClock)
}

// Increment increments the counter for the given node ID.
// If the node ID doesn't exist, it's initialized to 1.
func (vc VectorClock) Increment(nodeID string) {
	vc[nodeID]++
}

// Get returns the counter value for the given node ID, or 0 if not present.
func (vc VectorClock) Get(nodeID string) int64 {
	return vc[nodeID]
}

// Set sets the counter for the given node ID.
func (vc VectorClock) Set(nodeID string, value int64) {
	vc[nodeID] = value
}

// Merge merges another vector clock into this one, taking the maximum
// counter value for each node ID.
func (vc VectorClock) Merge(other VectorClock) {
	for nodeID, counter := range other {
		if vc[nodeID] < counter {
			vc[nodeID] = counter
		}
	}
}

// Copy creates a deep copy of the vector clock.
func (vc VectorClock) Copy() VectorClock {
	c := make(VectorClock, len(vc))
	for k, v := range vc {
		c[k] = v
	}
	return c
}

// Bump returns a copy of vc with the writer's counter incremented by one.
// The receiver is left untouched.
func (vc VectorClock) Bump(writer string) VectorClock {
	c := vc.Copy()
	c[writer]++
	return c
}

// Join returns the pointwise maximum of all given clocks.
func Join(clocks ...VectorClock) VectorClock {
	joined := New()
	for _, c := range clocks {
		joined.Merge(c)
	}
	return joined
}

// Dominance is the causal relationship between two vector clocks.
type Dominance int

const (
	// Equal indicates identical causal history.
	Equal Dominance = iota
	// Dominates indicates the left clock happened after the right one.
	Dominates
	// Dominated indicates the left clock happened before the right one.
	Dominated
	// Concurrent indicates the clocks are causally incomparable.
	Concurrent
)

func (d Dominance) String() string {
	switch d {
	case Equal:
		return "equal"
	case Dominates:
		return "dominates"
	case Dominated:
		return "dominated"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Inverse returns the relationship seen from the other side.
func (d Dominance) Inverse() Dominance {
	switch d {
	case Dominates:
		return Dominated
	case Dominated:
		return Dominates
	default:
		return d
	}
}

// Compare compares two vector clocks and returns their relationship.
//   - Equal: all counters are equal
//   - Dominates: all counters >= other, at least one >
//   - Dominated: all counters <= other, at least one <
//   - Concurrent: some counters are greater, some are less
func (vc VectorClock) Compare(other VectorClock) Dominance {
	var less, greater bool
	for nodeID, counter := range vc {
		switch o := other[nodeID]; {
		case counter < o:
			less = true
		case counter > o:
			greater = true
		}
	}
	for nodeID, counter := range other {
		if _, ok := vc[nodeID]; ok {
			continue
		}
		if counter > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case greater:
		return Dominates
	case less:
		return Dominated
	default:
		return Equal
	}
}

// Equal checks if two vector clocks describe the same causal history.
func (vc VectorClock) Equal(other VectorClock) bool {
	return vc.Compare(other) == Equal
}

// Dominates returns true if this clock happened after the other.
func (vc VectorClock) Dominates(other VectorClock) bool {
	return vc.Compare(other) == Dominates
}

// Descends returns true if this clock dominates or equals the other.
func (vc VectorClock) Descends(other VectorClock) bool {
	d := vc.Compare(other)
	return d == Dominates || d == Equal
}

// IsConcurrent returns true if this clock is concurrent with the other.
func (vc VectorClock) IsConcurrent(other VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

func (vc VectorClock) sortedKeys() []string {
	keys := make([]string, 0, len(vc))
	for k, v := range vc {
		if v != 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// String returns a string representation of the vector clock.
func (vc VectorClock) String() string {
	keys := vc.sortedKeys()
	if len(keys) == 0 {
		return "{}"
	}

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, vc[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Encode renders the clock as the causal context handed to clients:
// "node=counter,node=counter", sorted by node ID.
func (vc VectorClock) Encode() string {
	keys := vc.sortedKeys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.FormatInt(vc[k], 10))
	}
	return strings.Join(parts, ",")
}

// Parse decodes a causal context produced by Encode. An empty string yields an empty clock.
func Parse(s string) (VectorClock, error) {
	vc := New()
	s = strings.TrimSpace(s)
	if s == "" {
		return vc, nil
	}

	for _, part := range strings.Split(s, ",") {
		i := strings.LastIndexByte(part, '=')
		if i <= 0 || i == len(part)-1 {
			return nil, fmt.Errorf("malformed clock entry %q", part)
		}
		counter, err := strconv.ParseInt(part[i+1:], 10, 64)
		if err != nil || counter < 0 {
			return nil, fmt.Errorf("malformed counter in %q", part)
		}
		vc.Merge(VectorClock{part[:i]: counter})
	}
	return vc, nil
}
