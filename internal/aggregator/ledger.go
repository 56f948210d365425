package aggregator

import (
	"sort"
	"sync"
	"time"

	"github.com/aggnet/core/internal/errs"
)

// Ledger is one coordinator's view of one computation: the shares it has
// received, keyed by contributor id, plus the deadline that gates
// acceptance. A coordinator holds one Ledger per in-flight computation
// regardless of whether it ends up acting as primary or responder for
// that computation's reveal.
type Ledger struct {
	mu       sync.RWMutex
	compID   string
	deadline time.Time
	shares   map[string]uint32
}

// NewLedger creates an empty ledger for compID, accepting shares only
// until deadline.
func NewLedger(compID string, deadline time.Time) *Ledger {
	return &Ledger{
		compID:   compID,
		deadline: deadline,
		shares:   make(map[string]uint32),
	}
}

// AddShare records contributorID's share, unless it is a duplicate of an
// already-recorded share (ErrDuplicateShare, first share wins) or arrives
// after the ledger's deadline (ErrLateShare). now is passed in rather
// than read from time.Now so callers can test boundary behavior exactly.
func (l *Ledger) AddShare(contributorID string, value uint32, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.deadline) {
		return errs.New(errs.LateShare, "aggregator.AddShare", errs.ErrLateShare)
	}
	if _, exists := l.shares[contributorID]; exists {
		return errs.New(errs.DuplicateShare, "aggregator.AddShare", errs.ErrDuplicateShare)
	}
	l.shares[contributorID] = value
	return nil
}

// ParticipantSet returns the sorted ids of every contributor whose share
// this ledger currently holds. This is P_i in spec terms — the coordinator
// that owns this ledger's own local view, independent of any other
// coordinator's view.
func (l *Ledger) ParticipantSet() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.shares)
}

// RestrictedSum computes the modular sum of this ledger's shares
// restricted to the intersection of its own participant set and ids, and
// returns that intersection alongside the sum. This is the primitive both
// halves of the reveal protocol use: a responder restricts to the
// primary's proposed set and replies with the restriction it actually
// used; the primary restricts its own ledger to the final aligned set
// before reconstructing.
func (l *Ledger) RestrictedSum(ids []string) (sum uint32, aligned []string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	want := toSet(ids)
	aligned = make([]string, 0, len(want))
	for id, v := range l.shares {
		if _, ok := want[id]; ok {
			sum += v
			aligned = append(aligned, id)
		}
	}
	sort.Strings(aligned)
	return sum, aligned
}

// CompID returns the computation id this ledger tracks.
func (l *Ledger) CompID() string { return l.compID }

func sortedKeys(m map[string]uint32) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toSet(ids []string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// IntersectIDs returns the sorted intersection of the given id slices. An
// empty argument list (or any empty set among them) yields an empty,
// non-nil slice. Used to fold the two responders' restricted sets (A'_2,
// A'_3) into the final aligned set A.
func IntersectIDs(sets ...[]string) []string {
	if len(sets) == 0 {
		return []string{}
	}
	acc := toSet(sets[0])
	for _, s := range sets[1:] {
		next := toSet(s)
		for id := range acc {
			if _, ok := next[id]; !ok {
				delete(acc, id)
			}
		}
	}
	out := make([]string, 0, len(acc))
	for id := range acc {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MeetsThreshold reports whether the aligned participant set satisfies
// the computation's minimum-participant threshold k (I4).
func MeetsThreshold(aligned []string, k int) bool {
	return len(aligned) >= k
}
