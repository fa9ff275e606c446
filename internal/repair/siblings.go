package repair

import (
	"bytes"
	"sort"

	"driftkv/internal/clock"
)

// VersionedValue is one version of a key: the value bytes, the vector clock
// describing its causal history and the wall-clock time it was written.
// A deleted version is kept as a tombstone so the delete can win against older writes.
type VersionedValue struct {
	Value     []byte
	Version   clock.VectorClock
	Deleted   bool
	Timestamp int64 // unix nanoseconds
}

// Copy returns a deep copy of v.
func (v VersionedValue) Copy() VersionedValue {
	c := v
	if v.Value != nil {
		c.Value = append([]byte(nil), v.Value...)
	}
	c.Version = v.Version.Copy()
	return c
}

// ConflictSet is the set of causally incomparable versions (siblings) of a key.
type ConflictSet []VersionedValue

// MergeOutcome reports what Merge did with an incoming version.
type MergeOutcome struct {
	// Discarded is true when the incoming version was dominated by or equal to a sibling.
	Discarded bool
	// Superseded counts siblings the incoming version dominated and replaced.
	Superseded int
	// Evicted counts siblings dropped to stay within the sibling cap.
	Evicted int
}

// Changed reports whether the set was modified.
func (o MergeOutcome) Changed() bool {
	return !o.Discarded || o.Evicted > 0
}

// Merge folds incoming into the set and returns the resulting set.
// Siblings dominated by incoming are removed; if incoming is dominated by or
// equal to any sibling, the set is returned unchanged. When the result holds
// more than maxVersions siblings, the oldest by timestamp are evicted.
// maxVersions <= 0 disables the cap. The input set is not modified.
func Merge(set ConflictSet, incoming VersionedValue, maxVersions int) (ConflictSet, MergeOutcome) {
	var outcome MergeOutcome

	for _, sibling := range set {
		switch incoming.Version.Compare(sibling.Version) {
		case clock.Dominated, clock.Equal:
			outcome.Discarded = true
			return set, outcome
		}
	}

	merged := make(ConflictSet, 0, len(set)+1)
	for _, sibling := range set {
		if incoming.Version.Compare(sibling.Version) == clock.Dominates {
			outcome.Superseded++
			continue
		}
		merged = append(merged, sibling)
	}
	merged = append(merged, incoming.Copy())

	if maxVersions > 0 && len(merged) > maxVersions {
		outcome.Evicted = len(merged) - maxVersions
		sortByAge(merged)
		merged = merged[outcome.Evicted:]
	}
	return merged, outcome
}

// MergeAll folds every version of other into set.
func MergeAll(set, other ConflictSet, maxVersions int) (ConflictSet, MergeOutcome) {
	var total MergeOutcome
	total.Discarded = true
	for _, v := range other {
		var o MergeOutcome
		set, o = Merge(set, v, maxVersions)
		total.Discarded = total.Discarded && o.Discarded
		total.Superseded += o.Superseded
		total.Evicted += o.Evicted
	}
	return set, total
}

// sortByAge orders siblings oldest first. Ties on timestamp fall back to the
// encoded clock and then the value so every replica evicts the same sibling.
func sortByAge(set ConflictSet) {
	sort.SliceStable(set, func(i, j int) bool {
		a, b := set[i], set[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if ea, eb := a.Version.Encode(), b.Version.Encode(); ea != eb {
			return ea < eb
		}
		return bytes.Compare(a.Value, b.Value) < 0
	})
}

// Live returns the siblings that are not tombstones.
func (s ConflictSet) Live() ConflictSet {
	live := make(ConflictSet, 0, len(s))
	for _, v := range s {
		if !v.Deleted {
			live = append(live, v)
		}
	}
	return live
}

// Context returns the join of all sibling clocks. A client writing with this
// context supersedes every sibling it has seen.
func (s ConflictSet) Context() clock.VectorClock {
	joined := clock.New()
	for _, v := range s {
		joined.Merge(v.Version)
	}
	return joined
}

// Vectors returns the sibling clocks.
func (s ConflictSet) Vectors() []clock.VectorClock {
	out := make([]clock.VectorClock, 0, len(s))
	for _, v := range s {
		out = append(out, v.Version)
	}
	return out
}

// Covers reports whether every clock in vectors has an equal sibling in s.
func (s ConflictSet) Covers(vectors []clock.VectorClock) bool {
	for _, vc := range vectors {
		found := false
		for _, v := range s {
			if v.Version.Equal(vc) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Equal reports whether two sets hold the same sibling clocks.
func (s ConflictSet) Equal(other ConflictSet) bool {
	return len(s) == len(other) && s.Covers(other.Vectors()) && other.Covers(s.Vectors())
}

// Copy returns a deep copy of the set.
func (s ConflictSet) Copy() ConflictSet {
	if s == nil {
		return nil
	}
	c := make(ConflictSet, len(s))
	for i, v := range s {
		c[i] = v.Copy()
	}
	return c
}

// CounterFor returns the highest counter any sibling holds for nodeID.
func (s ConflictSet) CounterFor(nodeID string) int64 {
	var max int64
	for _, v := range s {
		if c := v.Version.Get(nodeID); c > max {
			max = c
		}
	}
	return max
}
