// Package repair holds the sibling logic for a key: merging a new version into
// a bounded conflict set, reconciling the sets returned by several replicas,
// and pushing the reconciled result back to replicas that were behind.
package repair
