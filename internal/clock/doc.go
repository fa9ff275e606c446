// Package clock implements the version vectors attached to every stored value.
// A VectorClock keeps one counter per writer node; comparing two clocks yields
// a Dominance that drives both the write path and replica synchronization.
package clock
