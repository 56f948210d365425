// Package aggregator implements the coordinator-side per-computation
// ledger: the multiset of received shares keyed by contributor id, the
// local participant set derived from it, and the primary/responder
// restriction protocol that aligns three coordinators' participant sets
// before a result is reconstructed.
package aggregator
