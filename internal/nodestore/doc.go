// Package nodestore is the per-node store: shares, partial sums, and
// contributor responses held locally by a single node rather than shared
// across the network. The single-writer/concurrent-reader discipline this
// requires is the textbook case for SQLite in WAL mode, implemented here
// against database/sql with the pure-Go modernc.org/sqlite driver.
package nodestore
