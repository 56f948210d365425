package network

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aggnet/core/internal/errs"
	"github.com/aggnet/core/internal/messaging"
	"github.com/aggnet/core/internal/node"
	"github.com/aggnet/core/internal/nodestore"
	"github.com/aggnet/core/internal/registrystore"
	"github.com/google/uuid"
)

// NodeStoreFactory builds a fresh per-node store for the given node id.
// Façade callers typically back this with nodestore.OpenSQLiteStore
// against a per-node file path, or ":memory:" for tests.
type NodeStoreFactory func(nodeID string) (nodestore.Store, error)

// Config tunes the façade's timing and allocation policy.
type Config struct {
	NodeConfig    node.Config
	StartupWindow time.Duration
	DrainWindow   time.Duration
	PollInterval  time.Duration
	BasePort      int
}

// DefaultConfig returns generous defaults for local/test use.
func DefaultConfig() Config {
	return Config{
		NodeConfig:    node.DefaultConfig(),
		StartupWindow: 5 * time.Second,
		DrainWindow:   5 * time.Second,
		PollInterval:  50 * time.Millisecond,
		BasePort:      20000,
	}
}

// Result is the record AwaitResult/Status return.
type Result struct {
	ID                string
	Status            string
	Prompt            string
	Result            *uint32
	Mean              *float64
	ParticipantsCount *int
	Deadline          time.Time
	CreatedAt         time.Time
}

// Facade is the single entry point for external collaborators: it owns
// the process-wide node table, the shared registry store, and the
// lifecycle of every node it spawns.
type Facade struct {
	registry     registrystore.Store
	storeFactory NodeStoreFactory
	sender       *messaging.Sender
	cfg          Config

	mu             sync.Mutex
	nextPort       int
	coordinatorIDs []string
	contributorIDs []string
	servers        map[string]*http.Server
	stores         map[string]nodestore.Store
	closers        map[string]func()
	shuttingDown   bool
}

// NewFacade constructs a façade against registry, using storeFactory to
// build each spawned node's local store.
func NewFacade(registry registrystore.Store, storeFactory NodeStoreFactory, cfg Config) *Facade {
	return &Facade{
		registry:     registry,
		storeFactory: storeFactory,
		sender:       messaging.NewSender(registry, messaging.DefaultConfig()),
		cfg:          cfg,
		nextPort:     cfg.BasePort,
		servers:      make(map[string]*http.Server),
		stores:       make(map[string]nodestore.Store),
		closers:      make(map[string]func()),
	}
}

// StartNetwork spawns exactly three coordinator nodes and numContributors
// contributor nodes, returning only once every spawned node is reachable
// and registered. Requests for anything other than three coordinators are
// rejected with PreconditionFailed before any node is spawned: no
// topology with fewer than three coordinators can complete a reveal, and
// the three-party protocol has no use for more than three.
func (f *Facade) StartNetwork(ctx context.Context, numCoordinators, numContributors int) error {
	if numCoordinators != 3 {
		return errs.New(errs.PreconditionFailed, "network.StartNetwork", fmt.Errorf("want exactly 3 coordinators, got %d", numCoordinators))
	}
	if numContributors < 0 {
		return errs.New(errs.PreconditionFailed, "network.StartNetwork", fmt.Errorf("num contributors must be >= 0"))
	}

	startCtx, cancel := context.WithTimeout(ctx, f.cfg.StartupWindow)
	defer cancel()

	var coordIDs []string
	for i := 0; i < numCoordinators; i++ {
		id := fmt.Sprintf("coordinator-%s", shortID())
		if err := f.spawnCoordinator(startCtx, id); err != nil {
			return errs.New(errs.NetworkStartupFailed, "network.StartNetwork", err)
		}
		coordIDs = append(coordIDs, id)
	}

	var contribIDs []string
	for i := 0; i < numContributors; i++ {
		id := fmt.Sprintf("contributor-%s", shortID())
		if err := f.spawnContributor(startCtx, id); err != nil {
			return errs.New(errs.NetworkStartupFailed, "network.StartNetwork", err)
		}
		contribIDs = append(contribIDs, id)
	}

	f.mu.Lock()
	f.coordinatorIDs = coordIDs
	f.contributorIDs = contribIDs
	f.mu.Unlock()
	return nil
}

func shortID() string {
	return uuid.New().String()[:8]
}

// allocateEndpoint is the process-wide critical section for endpoint
// assignment: it serializes port selection through the registry's
// advisory lock so concurrently-starting façades in the same process
// never race on the same port.
func (f *Facade) allocateEndpoint(ctx context.Context) (net.Listener, error) {
	var ln net.Listener
	err := f.registry.WithAdvisoryLock(ctx, "network:endpoint-allocation", func(ctx context.Context) error {
		for attempts := 0; attempts < 64; attempts++ {
			f.mu.Lock()
			port := f.nextPort
			f.nextPort++
			f.mu.Unlock()

			l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
			if err == nil {
				ln = l
				return nil
			}
		}
		return fmt.Errorf("no free port found after 64 attempts")
	})
	return ln, err
}

func (f *Facade) spawnCoordinator(ctx context.Context, id string) error {
	ln, err := f.allocateEndpoint(ctx)
	if err != nil {
		return err
	}
	store, err := f.storeFactory(id)
	if err != nil {
		ln.Close()
		return err
	}

	endpoint := "http://" + ln.Addr().String()
	cn := node.NewCoordinatorNode(id, endpoint, f.registry, store, f.sender, f.cfg.NodeConfig)
	srv := &http.Server{Handler: cn.Mux()}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("network: coordinator %s server stopped: %v", id, err)
		}
	}()

	if err := waitHealthy(ctx, endpoint); err != nil {
		srv.Close()
		return err
	}
	if err := cn.RegisterSelf(ctx); err != nil {
		srv.Close()
		return err
	}

	f.mu.Lock()
	f.servers[id] = srv
	f.stores[id] = store
	f.closers[id] = cn.Close
	f.mu.Unlock()
	return nil
}

func (f *Facade) spawnContributor(ctx context.Context, id string) error {
	ln, err := f.allocateEndpoint(ctx)
	if err != nil {
		return err
	}
	store, err := f.storeFactory(id)
	if err != nil {
		ln.Close()
		return err
	}

	endpoint := "http://" + ln.Addr().String()
	bn := node.NewContributorNode(id, endpoint, f.registry, store, f.sender, nil)
	srv := &http.Server{Handler: bn.Mux()}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("network: contributor %s server stopped: %v", id, err)
		}
	}()

	if err := waitHealthy(ctx, endpoint); err != nil {
		srv.Close()
		return err
	}
	if err := bn.RegisterSelf(ctx); err != nil {
		srv.Close()
		return err
	}

	f.mu.Lock()
	f.servers[id] = srv
	f.stores[id] = store
	f.mu.Unlock()
	return nil
}

func waitHealthy(ctx context.Context, endpoint string) error {
	client := &http.Client{Timeout: 500 * time.Millisecond}
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("endpoint %s did not become healthy: %w", endpoint, ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// ProposeComputation creates a new computation and routes it to the
// primary coordinator, returning the new computation id once the
// primary acknowledges acceptance.
func (f *Facade) ProposeComputation(ctx context.Context, prompt string, deadlineSeconds int, minParticipants int) (string, error) {
	f.mu.Lock()
	shuttingDown := f.shuttingDown
	coordIDs := append([]string(nil), f.coordinatorIDs...)
	f.mu.Unlock()

	if shuttingDown {
		return "", errs.New(errs.ShutdownInProgress, "network.ProposeComputation", errs.ErrShutdownInProgress)
	}
	if len(coordIDs) < 3 {
		return "", errs.New(errs.PreconditionFailed, "network.ProposeComputation", fmt.Errorf("need 3 coordinators, have %d", len(coordIDs)))
	}
	if deadlineSeconds <= 0 {
		return "", errs.New(errs.PreconditionFailed, "network.ProposeComputation", fmt.Errorf("deadline_seconds must be > 0"))
	}
	if minParticipants < 1 {
		return "", errs.New(errs.PreconditionFailed, "network.ProposeComputation", fmt.Errorf("min_participants must be >= 1"))
	}

	compID := "COMP-" + shortID()
	deadline := time.Now().Add(time.Duration(deadlineSeconds) * time.Second).UTC()
	var coordArr [3]string
	copy(coordArr[:], coordIDs[:3])

	err := f.registry.CreateComputation(ctx, registrystore.ComputationRecord{
		ID:              compID,
		ProposerID:      "facade",
		CoordinatorIDs:  coordArr,
		Prompt:          prompt,
		SchemaTag:       registrystore.SchemaTag,
		Deadline:        deadline,
		MinParticipants: minParticipants,
		Status:          registrystore.CompPending,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		return "", errs.New(errs.PreconditionFailed, "network.ProposeComputation", err)
	}

	env, err := node.NewProposeEnvelope("facade", node.ProposePayload{
		CompID:          compID,
		ProposerID:      "facade",
		CoordinatorIDs:  coordArr,
		Prompt:          prompt,
		Deadline:        deadline,
		MinParticipants: minParticipants,
	})
	if err != nil {
		return "", errs.New(errs.Fatal, "network.ProposeComputation", err)
	}

	res := f.sender.Send(ctx, coordArr[0], "/msg/"+node.MsgPropose, env, nil)
	if res.Kind != messaging.Delivered {
		return "", errs.New(errs.Transient, "network.ProposeComputation", fmt.Errorf("primary did not accept proposal: %s", res))
	}
	return compID, nil
}

// AwaitResult blocks until computation compID reaches a terminal status
// or timeout elapses.
func (f *Facade) AwaitResult(ctx context.Context, compID string, timeout time.Duration) (*Result, error) {
	deadlineAt := time.Now().Add(timeout)
	for {
		rec, err := f.registry.GetComputation(ctx, compID)
		if err != nil {
			return nil, errs.New(errs.PreconditionFailed, "network.AwaitResult", err)
		}
		switch rec.Status {
		case registrystore.CompCompleted:
			return toResult(rec), nil
		case registrystore.CompFailed:
			return nil, errs.New(errs.ComputationFailed, "network.AwaitResult", fmt.Errorf("%s", rec.FailureReason))
		}
		if time.Now().After(deadlineAt) {
			return nil, errs.New(errs.Timeout, "network.AwaitResult", fmt.Errorf("timed out waiting for %s", compID))
		}
		select {
		case <-ctx.Done():
			return nil, errs.New(errs.Timeout, "network.AwaitResult", ctx.Err())
		case <-time.After(f.cfg.PollInterval):
		}
	}
}

// Status returns the current computation record, regardless of whether
// it has reached a terminal status.
func (f *Facade) Status(ctx context.Context, compID string) (*Result, error) {
	rec, err := f.registry.GetComputation(ctx, compID)
	if err != nil {
		return nil, errs.New(errs.PreconditionFailed, "network.Status", err)
	}
	return toResult(rec), nil
}

func toResult(rec *registrystore.ComputationRecord) *Result {
	r := &Result{
		ID:                rec.ID,
		Status:            rec.Status,
		Prompt:            rec.Prompt,
		Result:            rec.Result,
		ParticipantsCount: rec.ParticipantsCount,
		Deadline:          rec.Deadline,
		CreatedAt:         rec.CreatedAt,
	}
	if rec.Result != nil && rec.ParticipantsCount != nil && *rec.ParticipantsCount > 0 {
		mean := float64(*rec.Result) / float64(*rec.ParticipantsCount)
		r.Mean = &mean
	}
	return r
}

// StatusOfNetwork returns the aggregate view of every node in the
// registry, including nodes this façade did not spawn.
func (f *Facade) StatusOfNetwork(ctx context.Context) (*registrystore.NetworkStatus, error) {
	nodes, err := f.registry.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	status := &registrystore.NetworkStatus{Nodes: nodes}
	for _, n := range nodes {
		switch n.Role {
		case registrystore.RoleCoordinator:
			status.CoordinatorCount++
		case registrystore.RoleContributor:
			status.ContributorCount++
		}
	}
	return status, nil
}

// Shutdown initiates graceful teardown of every owned node: each is
// marked stopping, given the drain window to finish in-flight work, then
// its listener is closed and its registry row removed.
func (f *Facade) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.shuttingDown = true
	ids := make([]string, 0, len(f.servers))
	for id := range f.servers {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	for _, id := range ids {
		_ = f.registry.UpdateNodeStatus(ctx, id, registrystore.NodeStopping)
	}

	drainCtx, cancel := context.WithTimeout(ctx, f.cfg.DrainWindow)
	defer cancel()

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.mu.Lock()
			srv := f.servers[id]
			store := f.stores[id]
			closer := f.closers[id]
			f.mu.Unlock()
			if srv != nil {
				_ = srv.Shutdown(drainCtx)
			}
			if closer != nil {
				closer()
			}
			if store != nil {
				_ = store.Close()
			}
			_ = f.registry.RemoveNode(ctx, id)
		}()
	}
	wg.Wait()
	return nil
}
