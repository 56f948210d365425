// Package network implements the façade: the single entry point for
// external collaborators. It owns the process-wide node table, the
// shared registry store, and the lifecycle of every node it spawns as
// in-process goroutines, following the same role the teacher package's
// cmd/coordinator server struct plays for its cluster.
package network
