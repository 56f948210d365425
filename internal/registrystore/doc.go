// Package registrystore defines the registry store: the process-wide,
// multi-node-visible record of every node's existence/endpoint and every
// computation's authoritative metadata and final result.
//
// Store is implemented by PostgresStore for production use (durable WAL,
// bounded connection pool, cross-process advisory locking — all native
// PostgreSQL primitives) and by MemoryStore for tests, following the same
// interface-plus-in-memory-implementation shape as the teacher package's
// storage.Store / storage.MemoryStore.
package registrystore
