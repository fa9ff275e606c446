// Package quorum fans client operations out to a key's replicas and waits for
// the number of replies a consistency level requires.
package quorum
