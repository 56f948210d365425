package node

import (
	"context"
	"fmt"
	"math/rand"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aggnet/core/internal/messaging"
	"github.com/aggnet/core/internal/nodestore"
	"github.com/aggnet/core/internal/registrystore"
	"github.com/stretchr/testify/require"
)

func fixedPolicy(v uint32) ResponsePolicy {
	return func() (uint32, error) { return v, nil }
}

type harness struct {
	registry  *registrystore.MemoryStore
	sender    *messaging.Sender
	servers   []*httptest.Server
	coords    []*CoordinatorNode
	contribs  []*ContributorNode
}

func newHarness(t *testing.T, contributorValues []uint32) *harness {
	t.Helper()
	registry := registrystore.NewMemoryStore()
	sender := messaging.NewSender(registry, messaging.Config{
		MaxAttempts:       3,
		BaseDelay:         5 * time.Millisecond,
		MaxDelay:          50 * time.Millisecond,
		PerAttemptTimeout: time.Second,
		MaxInFlight:       16,
	})
	h := &harness{registry: registry, sender: sender}
	t.Cleanup(func() {
		for _, s := range h.servers {
			s.Close()
		}
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("c%d", i+1)
		store, err := nodestore.OpenSQLiteStore(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		cn := NewCoordinatorNode(id, "", registry, store, sender, Config{InitWindow: 2 * time.Second, RevealWindow: 2 * time.Second})
		srv := httptest.NewServer(cn.Mux())
		cn.Endpoint = srv.URL
		h.servers = append(h.servers, srv)
		require.NoError(t, cn.RegisterSelf(ctx))
		h.coords = append(h.coords, cn)
	}

	for i, v := range contributorValues {
		id := fmt.Sprintf("b%d", i+1)
		store, err := nodestore.OpenSQLiteStore(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		bn := NewContributorNode(id, "", registry, store, sender, fixedPolicy(v))
		srv := httptest.NewServer(bn.Mux())
		bn.Endpoint = srv.URL
		h.servers = append(h.servers, srv)
		require.NoError(t, bn.RegisterSelf(ctx))
		h.contribs = append(h.contribs, bn)
	}
	return h
}

func (h *harness) propose(t *testing.T, compID string, minParticipants int, deadlineIn time.Duration) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(deadlineIn).UTC()
	coordIDs := [3]string{"c1", "c2", "c3"}

	require.NoError(t, h.registry.CreateComputation(ctx, registrystore.ComputationRecord{
		ID:              compID,
		ProposerID:      "test",
		CoordinatorIDs:  coordIDs,
		Prompt:          "sum demo",
		SchemaTag:       registrystore.SchemaTag,
		Deadline:        deadline,
		MinParticipants: minParticipants,
		Status:          registrystore.CompPending,
		CreatedAt:       time.Now().UTC(),
	}))

	env, err := newEnvelope(MsgPropose, "test", ProposePayload{
		CompID:          compID,
		ProposerID:      "test",
		CoordinatorIDs:  coordIDs,
		Prompt:          "sum demo",
		Deadline:        deadline,
		MinParticipants: minParticipants,
	})
	require.NoError(t, err)
	res := h.sender.Send(ctx, "c1", "/msg/"+MsgPropose, env, nil)
	require.Equal(t, messaging.Delivered, res.Kind)
}

func (h *harness) awaitTerminal(t *testing.T, compID string, timeout time.Duration) *registrystore.ComputationRecord {
	t.Helper()
	deadlineAt := time.Now().Add(timeout)
	for time.Now().Before(deadlineAt) {
		rec, err := h.registry.GetComputation(context.Background(), compID)
		require.NoError(t, err)
		if rec.Status == registrystore.CompCompleted || rec.Status == registrystore.CompFailed {
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("computation %s did not reach a terminal status within %s", compID, timeout)
	return nil
}

func TestFullRevealFlowThreeContributorsScenario1(t *testing.T) {
	h := newHarness(t, []uint32{11, 20, 72})
	h.propose(t, "COMP-scenario1", 1, 300*time.Millisecond)

	rec := h.awaitTerminal(t, "COMP-scenario1", 5*time.Second)
	require.Equal(t, registrystore.CompCompleted, rec.Status)
	require.NotNil(t, rec.Result)
	require.Equal(t, uint32(103), *rec.Result)
	require.NotNil(t, rec.ParticipantsCount)
	require.Equal(t, 3, *rec.ParticipantsCount)
}

func TestFullRevealFlowSingleContributorScenario2(t *testing.T) {
	h := newHarness(t, []uint32{54})
	h.propose(t, "COMP-scenario2", 1, 300*time.Millisecond)

	rec := h.awaitTerminal(t, "COMP-scenario2", 5*time.Second)
	require.Equal(t, registrystore.CompCompleted, rec.Status)
	require.Equal(t, uint32(54), *rec.Result)
	require.Equal(t, 1, *rec.ParticipantsCount)
}

func TestFullRevealFlowThresholdNotMet(t *testing.T) {
	h := newHarness(t, []uint32{25, 75})
	h.propose(t, "COMP-threshold-fail", 3, 300*time.Millisecond)

	rec := h.awaitTerminal(t, "COMP-threshold-fail", 5*time.Second)
	require.Equal(t, registrystore.CompFailed, rec.Status)
	require.Contains(t, rec.FailureReason, "aligned participants")
}

func TestFullRevealFlowExactThreshold(t *testing.T) {
	h := newHarness(t, []uint32{25, 75})
	h.propose(t, "COMP-threshold-ok", 2, 300*time.Millisecond)

	rec := h.awaitTerminal(t, "COMP-threshold-ok", 5*time.Second)
	require.Equal(t, registrystore.CompCompleted, rec.Status)
	require.Equal(t, uint32(100), *rec.Result)
	require.Equal(t, 2, *rec.ParticipantsCount)
}

func TestFullRevealFlowHundredContributorsUniformValues(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	values := make([]uint32, 100)
	var want uint32
	for i := range values {
		values[i] = uint32(r.Intn(101))
		want += values[i]
	}

	h := newHarness(t, values)
	h.propose(t, "COMP-hundred", 1, time.Second)

	rec := h.awaitTerminal(t, "COMP-hundred", 10*time.Second)
	require.Equal(t, registrystore.CompCompleted, rec.Status)
	require.Equal(t, want, *rec.Result)
	require.Equal(t, 100, *rec.ParticipantsCount)
}

// TestFullRevealFlowScenario5PartialDeliveryOverWire drives spec.md §8
// scenario 5 (a contributor's share reaches only two of the three
// coordinators) through the real propose/init/reveal wire protocol
// instead of calling aggregator.Ledger directly. Share delivery itself is
// injected via handleShare (as TestCoordinatorLedgerRejectsDuplicateShareDirectly
// does) since there is no contributor-side knob to force one HTTP POST in
// a Broadcast to fail while its siblings succeed; everything downstream
// of that injection, including the two-round reveal exchange between the
// coordinators' real HTTP servers, runs unmodified.
func TestFullRevealFlowScenario5PartialDeliveryOverWire(t *testing.T) {
	h := newHarness(t, nil)
	c1, c2, c3 := h.coords[0], h.coords[1], h.coords[2]
	const compID = "COMP-scenario5-wire"

	h.propose(t, compID, 1, 400*time.Millisecond)

	waitForComp := func(cn *CoordinatorNode) {
		t.Helper()
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if _, ok := cn.getComp(compID); ok {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("computation never set up on %s", cn.ID)
	}
	waitForComp(c1)
	waitForComp(c2)
	waitForComp(c3)

	deliver := func(cn *CoordinatorNode, contributorID string, shareValue uint32) {
		t.Helper()
		env, err := newEnvelope(MsgShare, contributorID, SharePayload{CompID: compID, ContributorID: contributorID, ShareValue: shareValue})
		require.NoError(t, err)
		require.NoError(t, cn.handleShare(env))
	}

	// b1 raw=10 -> shares (3,3,4); b3 raw=30 -> shares (10,10,10); both
	// reach all three coordinators.
	deliver(c1, "b1", 3)
	deliver(c2, "b1", 3)
	deliver(c3, "b1", 4)
	deliver(c1, "b3", 10)
	deliver(c2, "b3", 10)
	deliver(c3, "b3", 10)

	// b2 raw=20 -> shares (6,6,8); delivery to c3 fails, so c3 never
	// records a share for b2.
	deliver(c1, "b2", 6)
	deliver(c2, "b2", 6)

	rec := h.awaitTerminal(t, compID, 5*time.Second)
	require.Equal(t, registrystore.CompCompleted, rec.Status)
	require.Equal(t, uint32(40), *rec.Result)
	require.Equal(t, 2, *rec.ParticipantsCount)
}

func TestCoordinatorLedgerRejectsDuplicateShareDirectly(t *testing.T) {
	h := newHarness(t, nil)
	c1 := h.coords[0]

	env, err := newEnvelope(MsgPropose, "test", ProposePayload{
		CompID:          "COMP-dup",
		CoordinatorIDs:  [3]string{"c1", "c2", "c3"},
		Deadline:        time.Now().Add(time.Minute),
		MinParticipants: 1,
	})
	require.NoError(t, err)
	require.NoError(t, c1.handlePropose(env))

	shareEnv, err := newEnvelope(MsgShare, "b1", SharePayload{CompID: "COMP-dup", ContributorID: "b1", ShareValue: 7})
	require.NoError(t, err)
	require.NoError(t, c1.handleShare(shareEnv))

	err = c1.handleShare(shareEnv)
	require.Error(t, err)

	comp, ok := c1.getComp("COMP-dup")
	require.True(t, ok)
	require.Equal(t, []string{"b1"}, comp.ledger.ParticipantSet())
}
