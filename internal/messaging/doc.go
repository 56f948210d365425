// Package messaging implements the point-to-point send, concurrent
// fan-out broadcast, and inbound serving primitives used by every node in
// the network. It resolves targets to endpoints through an
// EndpointResolver (satisfied by internal/registrystore.Store) so that
// this package never depends on the registry's concrete storage.
package messaging
