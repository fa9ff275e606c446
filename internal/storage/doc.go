// Package storage provides the narrow storage capability used by the replication
// engine, an in-memory backend and a badger-backed durable backend. Keyspace adds
// per-key serialization so concurrent merges into one key never lose a version.
package storage
