package repair

// ReconcileResult is the outcome of reconciling the sets returned by several replicas.
type ReconcileResult struct {
	// Winners is the maximal set of non-dominated versions across all replicas.
	// More than one live winner means the key has unresolved siblings.
	Winners ConflictSet

	// Stale lists the replicas whose set differs from Winners.
	Stale []string
}

// Reconcile merges the conflict sets returned by each replica into a single set
// and reports which replicas are behind. Replica IDs are visited in the order
// given so the result is deterministic.
func Reconcile(replicaIDs []string, sets map[string]ConflictSet, maxVersions int) ReconcileResult {
	var winners ConflictSet
	for _, id := range replicaIDs {
		winners, _ = MergeAll(winners, sets[id], maxVersions)
	}

	stale := make([]string, 0)
	for _, id := range replicaIDs {
		set, ok := sets[id]
		if !ok {
			continue
		}
		if !set.Equal(winners) {
			stale = append(stale, id)
		}
	}

	return ReconcileResult{
		Winners: winners,
		Stale:   stale,
	}
}

// HasConflict returns true if more than one live version survived.
func (r *ReconcileResult) HasConflict() bool {
	return len(r.Winners.Live()) > 1
}

// IsResolved returns true if exactly one live version survived.
func (r *ReconcileResult) IsResolved() bool {
	return len(r.Winners.Live()) == 1
}

// IsNotFound returns true if no live version survived (all were tombstones or empty).
func (r *ReconcileResult) IsNotFound() bool {
	return len(r.Winners.Live()) == 0
}
