package registrystore

import (
	"context"
	"errors"
	"time"
)

// Node roles, per spec.md §3.
const (
	RoleCoordinator = "coordinator"
	RoleContributor = "contributor"
)

// Node statuses, per spec.md §3.
const (
	NodeActive   = "active"
	NodeStopping = "stopping"
	NodeStopped  = "stopped"
)

// Computation statuses, per spec.md §3. Status progresses monotonically
// forward except that Failed is terminal from any non-terminal state.
const (
	CompPending      = "pending"
	CompBroadcasting = "broadcasting"
	CompCollecting   = "collecting"
	CompRevealing    = "revealing"
	CompCompleted    = "completed"
	CompFailed       = "failed"
)

// SchemaTag is fixed for every computation, per spec.md §3.
const SchemaTag = "single non-negative integer in [0, 2^32)"

// ErrNotFound is returned when a node or computation id does not exist.
var ErrNotFound = errors.New("registrystore: not found")

// ErrAlreadyExists is returned by RegisterNode/CreateComputation when the
// id (or, for nodes, the endpoint) is already taken, making both writes
// idempotent in the sense spec.md §8 requires: re-issuing propose with the
// same id is rejected rather than silently creating a duplicate.
var ErrAlreadyExists = errors.New("registrystore: already exists")

// NodeRecord is one row of the nodes table (spec.md §3, §6).
type NodeRecord struct {
	ID        string
	Role      string
	Endpoint  string
	Status    string
	CreatedAt time.Time
}

// ComputationRecord is one row of the computations table (spec.md §3, §6).
type ComputationRecord struct {
	ID                string
	ProposerID        string
	CoordinatorIDs    [3]string
	Prompt            string
	SchemaTag         string
	Deadline          time.Time
	MinParticipants   int
	Status            string
	Result            *uint32
	ParticipantsCount *int
	FailureReason     string
	CreatedAt         time.Time
}

// NetworkStatus is the aggregate view returned by the façade's
// StatusOfNetwork operation (spec.md §6).
type NetworkStatus struct {
	Nodes             []NodeRecord
	CoordinatorCount  int
	ContributorCount  int
}

// Store is the registry's storage contract. Implementations must be safe
// for concurrent use by many nodes and the façade within one process (and,
// for PostgresStore, across processes sharing the same database).
type Store interface {
	// RegisterNode inserts a new node record. Returns ErrAlreadyExists if
	// the id is taken or the endpoint is already used by an active node.
	RegisterNode(ctx context.Context, rec NodeRecord) error
	// UpdateNodeStatus transitions a node's status (active -> stopping ->
	// removed via RemoveNode). Returns ErrNotFound if the id is unknown.
	UpdateNodeStatus(ctx context.Context, id, status string) error
	// RemoveNode deletes a node record once its teardown is confirmed.
	RemoveNode(ctx context.Context, id string) error
	// GetNode returns the current record for id, or ErrNotFound.
	GetNode(ctx context.Context, id string) (*NodeRecord, error)
	// ListNodes returns every node record, in no particular order.
	ListNodes(ctx context.Context) ([]NodeRecord, error)
	// ResolveEndpoint satisfies messaging.EndpointResolver.
	ResolveEndpoint(ctx context.Context, id string) (string, error)

	// CreateComputation inserts a new computation record with status
	// pending. Returns ErrAlreadyExists if the id is already taken,
	// making re-proposal with the same id a rejected, idempotent no-op.
	CreateComputation(ctx context.Context, rec ComputationRecord) error
	// GetComputation returns the current record for id, or ErrNotFound.
	GetComputation(ctx context.Context, id string) (*ComputationRecord, error)
	// ListComputations returns every computation record.
	ListComputations(ctx context.Context) ([]ComputationRecord, error)
	// UpdateComputationStatus advances a computation's status and,
	// optionally, its result/participant count/failure reason. The update
	// is serialized per-record (advisory lock or row-level lock) so
	// concurrent writers for the same computation never interleave.
	UpdateComputationStatus(ctx context.Context, id string, update StatusUpdate) error

	// WithAdvisoryLock runs fn while holding a cross-process critical
	// section keyed by key (e.g. endpoint allocation, a computation id).
	// The lock is released when fn returns, even on error or panic
	// recovery upstream.
	WithAdvisoryLock(ctx context.Context, key string, fn func(ctx context.Context) error) error

	// Close releases any resources (connection pools, etc).
	Close() error
}

// StatusUpdate carries the fields UpdateComputationStatus may change.
// Nil/empty fields are left unmodified except Status, which is always
// applied.
type StatusUpdate struct {
	Status            string
	Result            *uint32
	ParticipantsCount *int
	FailureReason     string
}
