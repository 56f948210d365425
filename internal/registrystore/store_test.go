package registrystore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRegisterAndGetNode(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := NodeRecord{ID: "coord-1", Role: RoleCoordinator, Endpoint: "http://localhost:9001", Status: NodeActive, CreatedAt: time.Unix(0, 0)}
	require.NoError(t, s.RegisterNode(ctx, rec))

	got, err := s.GetNode(ctx, "coord-1")
	require.NoError(t, err)
	require.Equal(t, rec, *got)
}

func TestMemoryStoreRegisterDuplicateIDRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := NodeRecord{ID: "coord-1", Role: RoleCoordinator, Endpoint: "http://localhost:9001", Status: NodeActive}

	require.NoError(t, s.RegisterNode(ctx, rec))
	err := s.RegisterNode(ctx, rec)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryStoreRegisterDuplicateActiveEndpointRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.RegisterNode(ctx, NodeRecord{ID: "a", Endpoint: "http://localhost:9001", Status: NodeActive}))
	err := s.RegisterNode(ctx, NodeRecord{ID: "b", Endpoint: "http://localhost:9001", Status: NodeActive})
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryStoreGetNodeNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetNode(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUpdateNodeStatusNotFound(t *testing.T) {
	s := NewMemoryStore()
	err := s.UpdateNodeStatus(context.Background(), "ghost", NodeStopped)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListNodesReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.RegisterNode(ctx, NodeRecord{ID: "a", Endpoint: "e1", Status: NodeActive}))

	list, err := s.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	list[0].Status = NodeStopped
	got, err := s.GetNode(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, NodeActive, got.Status)
}

func TestMemoryStoreCreateComputationDuplicateRejected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := ComputationRecord{ID: "c1", Status: CompPending}

	require.NoError(t, s.CreateComputation(ctx, rec))
	err := s.CreateComputation(ctx, rec)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryStoreUpdateComputationStatusMergesFields(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateComputation(ctx, ComputationRecord{ID: "c1", Status: CompPending}))

	result := uint32(103)
	count := 4
	require.NoError(t, s.UpdateComputationStatus(ctx, "c1", StatusUpdate{
		Status:            CompCompleted,
		Result:            &result,
		ParticipantsCount: &count,
	}))

	got, err := s.GetComputation(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, CompCompleted, got.Status)
	require.Equal(t, result, *got.Result)
	require.Equal(t, count, *got.ParticipantsCount)
}

func TestMemoryStoreUpdateComputationStatusUnknown(t *testing.T) {
	s := NewMemoryStore()
	err := s.UpdateComputationStatus(context.Background(), "ghost", StatusUpdate{Status: CompFailed})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreWithAdvisoryLockSerializesSameKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	order := make(chan int, 2)
	started := make(chan struct{})
	done := make(chan error, 2)

	go func() {
		done <- s.WithAdvisoryLock(ctx, "same", func(context.Context) error {
			close(started)
			time.Sleep(20 * time.Millisecond)
			order <- 1
			return nil
		})
	}()
	<-started
	go func() {
		done <- s.WithAdvisoryLock(ctx, "same", func(context.Context) error {
			order <- 2
			return nil
		})
	}()

	require.NoError(t, <-done)
	require.NoError(t, <-done)
	close(order)

	var seq []int
	for v := range order {
		seq = append(seq, v)
	}
	require.Equal(t, []int{1, 2}, seq)
}

func TestMemoryStoreWithAdvisoryLockPropagatesError(t *testing.T) {
	s := NewMemoryStore()
	sentinel := errors.New("boom")
	err := s.WithAdvisoryLock(context.Background(), "k", func(context.Context) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
}

func TestFnvHash64Deterministic(t *testing.T) {
	require.Equal(t, fnvHash64("computation:c1"), fnvHash64("computation:c1"))
	require.NotEqual(t, fnvHash64("computation:c1"), fnvHash64("computation:c2"))
}

var _ Store = (*MemoryStore)(nil)
