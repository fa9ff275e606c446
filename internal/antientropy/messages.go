package antientropy

import (
	"sort"

	"driftkv/internal/clock"
	"driftkv/internal/repair"
)

// End statuses carried by SyncEnd.
const (
	statusOK      = "ok"
	statusRefused = "refused"
	statusAborted = "aborted"
)

// startBody opens a session. Summary lists the sibling clocks of every key
// the initiator holds in the partition.
type startBody struct {
	Cookie    string
	Partition int
	Summary   map[string][]clock.VectorClock
	// Bootstrap asks a former replica to serve the partition as well.
	Bootstrap bool
}

// offerBody answers a start. Missing are the keys the responder will send,
// Want the keys it needs from the initiator.
type offerBody struct {
	Cookie  string
	Missing []string
	Want    []string
}

type dataBody struct {
	Cookie string
	Seq    uint64
	Key    string
	Set    repair.ConflictSet
}

type ackBody struct {
	Cookie string
	Seq    uint64
}

// endBody closes one side of a session. Reply marks an answer to an end
// received for an unknown session; replies are never answered.
type endBody struct {
	Cookie string
	Status string
	Reply  bool
}

// summarize returns the sibling clocks of every key in sets.
func summarize(sets map[string]repair.ConflictSet) map[string][]clock.VectorClock {
	out := make(map[string][]clock.VectorClock, len(sets))
	for key, set := range sets {
		out[key] = set.Vectors()
	}
	return out
}

// diverging compares a local partition against a remote summary.
// missing holds keys where local has a sibling the remote lacks, want keys
// where the remote has a sibling local lacks.
func diverging(local map[string]repair.ConflictSet, remote map[string][]clock.VectorClock) (missing, want []string) {
	for key, set := range local {
		if !covers(remote[key], set.Vectors()) {
			missing = append(missing, key)
		}
	}
	for key, vectors := range remote {
		if !local[key].Covers(vectors) {
			want = append(want, key)
		}
	}
	sort.Strings(missing)
	sort.Strings(want)
	return missing, want
}

// covers reports whether every clock in need equals one in have.
func covers(have, need []clock.VectorClock) bool {
	for _, n := range need {
		found := false
		for _, h := range have {
			if h.Equal(n) {
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
