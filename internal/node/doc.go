// Package node implements the two role-specific node runtimes —
// coordinator and contributor — and their message-driven state machines.
// Both roles share the wire envelope and HTTP mux shape defined here;
// internal/network spawns instances of each as either in-process
// goroutines or standalone processes (cmd/coordinator, cmd/contributor).
package node
