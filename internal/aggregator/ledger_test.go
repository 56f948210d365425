package aggregator

import (
	"testing"
	"time"

	"github.com/aggnet/core/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestLedgerAddShareAndParticipantSet(t *testing.T) {
	deadline := time.Now().Add(time.Minute)
	l := NewLedger("c1", deadline)

	require.NoError(t, l.AddShare("b1", 10, time.Now()))
	require.NoError(t, l.AddShare("b2", 20, time.Now()))

	require.Equal(t, []string{"b1", "b2"}, l.ParticipantSet())
}

func TestLedgerDuplicateShareRejected(t *testing.T) {
	l := NewLedger("c1", time.Now().Add(time.Minute))
	require.NoError(t, l.AddShare("b1", 10, time.Now()))

	err := l.AddShare("b1", 99, time.Now())
	require.ErrorIs(t, err, errs.ErrDuplicateShare)

	require.Equal(t, []string{"b1"}, l.ParticipantSet())
	sum, aligned := l.RestrictedSum([]string{"b1"})
	require.Equal(t, uint32(10), sum)
	require.Equal(t, []string{"b1"}, aligned)
}

func TestLedgerLateShareRejected(t *testing.T) {
	deadline := time.Now().Add(-time.Second)
	l := NewLedger("c1", deadline)

	err := l.AddShare("b1", 10, time.Now())
	require.ErrorIs(t, err, errs.ErrLateShare)
	require.Empty(t, l.ParticipantSet())
}

func TestLedgerRestrictedSumIntersectsProposedSet(t *testing.T) {
	l := NewLedger("c1", time.Now().Add(time.Minute))
	require.NoError(t, l.AddShare("b1", 10, time.Now()))
	require.NoError(t, l.AddShare("b2", 20, time.Now()))
	require.NoError(t, l.AddShare("b3", 30, time.Now()))

	sum, aligned := l.RestrictedSum([]string{"b1", "b3", "ghost"})
	require.Equal(t, uint32(40), sum)
	require.Equal(t, []string{"b1", "b3"}, aligned)
}

func TestIntersectIDsAcrossThreeSets(t *testing.T) {
	a := []string{"b1", "b2", "b3"}
	b := []string{"b1", "b3"}
	c := []string{"b1", "b2", "b3", "b4"}

	require.Equal(t, []string{"b1", "b3"}, IntersectIDs(a, b, c))
}

func TestIntersectIDsEmptyWhenAnySetEmpty(t *testing.T) {
	require.Equal(t, []string{}, IntersectIDs([]string{"b1"}, []string{}))
}

func TestIntersectIDsNoArgs(t *testing.T) {
	require.Equal(t, []string{}, IntersectIDs())
}

func TestMeetsThreshold(t *testing.T) {
	require.True(t, MeetsThreshold([]string{"a", "b"}, 2))
	require.False(t, MeetsThreshold([]string{"a"}, 2))
	require.True(t, MeetsThreshold(nil, 0))
}

// TestFullRevealProtocolAlignsAndSumsScenario5 exercises the exact three-coordinator
// protocol from spec.md §4.4 scenario 5: three contributors with values
// 10, 20, 30; contributor 2's delivery to the third coordinator fails, so
// only b1 and b3 reach all three coordinators.
func TestFullRevealProtocolAlignsAndSumsScenario5(t *testing.T) {
	deadline := time.Now().Add(time.Minute)
	c1 := NewLedger("comp", deadline)
	c2 := NewLedger("comp", deadline)
	c3 := NewLedger("comp", deadline)

	now := time.Now()
	// b1 raw=10 -> shares (3,3,4); b3 raw=30 -> shares (10,10,10).
	require.NoError(t, c1.AddShare("b1", 3, now))
	require.NoError(t, c2.AddShare("b1", 3, now))
	require.NoError(t, c3.AddShare("b1", 4, now))
	require.NoError(t, c1.AddShare("b3", 10, now))
	require.NoError(t, c2.AddShare("b3", 10, now))
	require.NoError(t, c3.AddShare("b3", 10, now))
	// b2's share reaches c1 and c2 but not c3 (delivery to C3 failed).
	require.NoError(t, c1.AddShare("b2", 6, now))
	require.NoError(t, c2.AddShare("b2", 6, now))

	p1 := c1.ParticipantSet()
	require.Equal(t, []string{"b1", "b2", "b3"}, p1)

	_, a2 := c2.RestrictedSum(p1)
	_, a3 := c3.RestrictedSum(p1)

	aligned := IntersectIDs(a2, a3)
	require.Equal(t, []string{"b1", "b3"}, aligned)

	s1, _ := c1.RestrictedSum(aligned)
	restrictedS2, _ := c2.RestrictedSum(aligned)
	restrictedS3, _ := c3.RestrictedSum(aligned)

	total := s1 + restrictedS2 + restrictedS3
	require.Equal(t, uint32(40), total) // 10 + 30, per spec scenario 5
	require.True(t, MeetsThreshold(aligned, 1))
}
