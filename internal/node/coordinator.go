package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/aggnet/core/internal/aggregator"
	"github.com/aggnet/core/internal/errs"
	"github.com/aggnet/core/internal/messaging"
	"github.com/aggnet/core/internal/nodestore"
	"github.com/aggnet/core/internal/registrystore"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config tunes the timing windows the spec leaves as implementation
// choices: how long a primary waits for both init_acks, and how long it
// waits for both partial_sum replies before giving up on a reveal.
type Config struct {
	InitWindow   time.Duration
	RevealWindow time.Duration
}

// DefaultConfig returns generous windows suitable for a single-process or
// single-host deployment.
func DefaultConfig() Config {
	return Config{InitWindow: 5 * time.Second, RevealWindow: 10 * time.Second}
}

// CoordinatorNode runs the coordinator state machine of spec.md §4.2.1: it
// may act as primary (C1) or responder (C2/C3) depending on which role a
// given computation assigns it, tracked per computation rather than
// per-node since one coordinator is primary for some computations and a
// responder for others.
type CoordinatorNode struct {
	ID       string
	Endpoint string

	registry registrystore.Store
	store    nodestore.Store
	sender   *messaging.Sender
	cfg      Config
	pending  *pendingQueue
	metrics  *nodeMetrics

	stopSweep chan struct{}
	stopOnce  sync.Once

	mu    sync.Mutex
	comps map[string]*coordComputation
}

type coordComputation struct {
	mu sync.Mutex

	meta      ProposePayload
	isPrimary bool
	status    string
	ledger    *aggregator.Ledger

	initAcksOnce sync.Once
	initAcks     map[string]bool
	initAckDone  chan struct{}

	partialSums     map[string]PartialSumPayload
	partialSumsOnce sync.Once
	partialSumsDone chan struct{}

	finalSums     map[string]PartialSumPayload
	finalSumsOnce sync.Once
	finalSumsDone chan struct{}

	deadlineTimer *time.Timer
}

// NewCoordinatorNode constructs a coordinator node. It does not start
// serving or register itself; serve the handler from Mux and call
// RegisterSelf for that.
func NewCoordinatorNode(id, endpoint string, registry registrystore.Store, store nodestore.Store, sender *messaging.Sender, cfg Config) *CoordinatorNode {
	n := &CoordinatorNode{
		ID:        id,
		Endpoint:  endpoint,
		registry:  registry,
		store:     store,
		sender:    sender,
		cfg:       cfg,
		pending:   newPendingQueue(2*time.Second, 32),
		metrics:   newNodeMetrics(id),
		stopSweep: make(chan struct{}),
		comps:     make(map[string]*coordComputation),
	}
	go n.pending.Run(n.stopSweep)
	return n
}

// Close stops this node's background pending-queue sweep. Safe to call
// more than once.
func (n *CoordinatorNode) Close() {
	n.stopOnce.Do(func() { close(n.stopSweep) })
}

// RegisterSelf writes this node's record into the registry as active.
func (n *CoordinatorNode) RegisterSelf(ctx context.Context) error {
	return n.registry.RegisterNode(ctx, registrystore.NodeRecord{
		ID:        n.ID,
		Role:      registrystore.RoleCoordinator,
		Endpoint:  n.Endpoint,
		Status:    registrystore.NodeActive,
		CreatedAt: time.Now().UTC(),
	})
}

// Mux returns this node's HTTP handler.
func (n *CoordinatorNode) Mux() http.Handler {
	mux := NewMux(map[string]HandlerFunc{
		MsgPropose:    n.handlePropose,
		MsgInit:       n.handleInit,
		MsgInitAck:    n.handleInitAck,
		MsgShare:      n.handleShare,
		MsgRevealReq:  n.handleRevealRequest,
		MsgPartialSum: n.handlePartialSum,
	}, n.health)
	mux.Handle("/metrics", promhttp.HandlerFor(n.metrics.registry, promhttp.HandlerOpts{}))
	return mux
}

func (n *CoordinatorNode) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"id": n.ID, "role": registrystore.RoleCoordinator, "status": "active"})
}

func (n *CoordinatorNode) getComp(compID string) (*coordComputation, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.comps[compID]
	return c, ok
}

func (n *CoordinatorNode) putComp(c *coordComputation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.comps[c.meta.CompID] = c
}

// handlePropose is received only by the primary, from the façade.
func (n *CoordinatorNode) handlePropose(env Envelope) error {
	var p ProposePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errs.New(errs.PreconditionFailed, "coordinator.handlePropose", err)
	}

	c := &coordComputation{
		meta:            p,
		isPrimary:       true,
		status:          registrystore.CompPending,
		ledger:          aggregator.NewLedger(p.CompID, p.Deadline),
		initAcks:        make(map[string]bool),
		initAckDone:     make(chan struct{}),
		partialSums:     make(map[string]PartialSumPayload),
		partialSumsDone: make(chan struct{}),
		finalSums:       make(map[string]PartialSumPayload),
		finalSumsDone:   make(chan struct{}),
	}
	n.putComp(c)

	go n.runPrimary(c)
	return nil
}

// handleInit is received by non-primary coordinators (C2, C3).
func (n *CoordinatorNode) handleInit(env Envelope) error {
	var p InitPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errs.New(errs.PreconditionFailed, "coordinator.handleInit", err)
	}

	c := &coordComputation{
		meta:            ProposePayload(p),
		isPrimary:       false,
		status:          registrystore.CompCollecting,
		ledger:          aggregator.NewLedger(p.CompID, p.Deadline),
		partialSums:     make(map[string]PartialSumPayload),
		partialSumsDone: make(chan struct{}),
		finalSums:       make(map[string]PartialSumPayload),
		finalSumsDone:   make(chan struct{}),
	}
	n.putComp(c)

	ack, err := newEnvelope(MsgInitAck, n.ID, InitAckPayload{CompID: p.CompID})
	if err != nil {
		return err
	}
	go n.sender.Send(context.Background(), env.SenderID, "/msg/"+MsgInitAck, ack, nil)

	for _, held := range n.pending.Claim(p.CompID) {
		n.dispatchHeld(held)
	}
	return nil
}

func (n *CoordinatorNode) dispatchHeld(env Envelope) {
	switch env.Type {
	case MsgShare:
		_ = n.handleShare(env)
	case MsgRevealReq:
		_ = n.handleRevealRequest(env)
	}
}

func (n *CoordinatorNode) handleInitAck(env Envelope) error {
	var p InitAckPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errs.New(errs.PreconditionFailed, "coordinator.handleInitAck", err)
	}
	c, ok := n.getComp(p.CompID)
	if !ok {
		n.pending.Hold(p.CompID, env)
		return nil
	}

	c.mu.Lock()
	if c.initAcks == nil {
		c.initAcks = make(map[string]bool)
	}
	c.initAcks[env.SenderID] = true
	gotBoth := len(c.initAcks) >= 2
	c.mu.Unlock()

	if gotBoth {
		c.initAcksOnce.Do(func() { close(c.initAckDone) })
	}
	return nil
}

func (n *CoordinatorNode) handleShare(env Envelope) error {
	var p SharePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errs.New(errs.PreconditionFailed, "coordinator.handleShare", err)
	}
	c, ok := n.getComp(p.CompID)
	if !ok {
		n.pending.Hold(p.CompID, env)
		return errs.New(errs.UnknownComputation, "coordinator.handleShare", errs.ErrUnknownComputation)
	}

	if err := c.ledger.AddShare(p.ContributorID, p.ShareValue, time.Now()); err != nil {
		log.Printf("coordinator %s: dropping share for %s/%s: %v", n.ID, p.CompID, p.ContributorID, err)
		return err
	}
	n.metrics.sharesReceived.Inc()
	return n.store.PutShare(context.Background(), nodestore.ShareRecord{
		CompID:        p.CompID,
		ContributorID: p.ContributorID,
		ShareValue:    p.ShareValue,
		ReceivedAt:    time.Now().UTC(),
	})
}

// handleRevealRequest is received by responders (C2, C3) at reveal time.
func (n *CoordinatorNode) handleRevealRequest(env Envelope) error {
	var p RevealRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errs.New(errs.PreconditionFailed, "coordinator.handleRevealRequest", err)
	}
	c, ok := n.getComp(p.CompID)
	if !ok {
		n.pending.Hold(p.CompID, env)
		return errs.New(errs.UnknownComputation, "coordinator.handleRevealRequest", errs.ErrUnknownComputation)
	}

	sum, aligned := c.ledger.RestrictedSum(p.ProposedSet)
	_ = n.store.PutPartialSum(context.Background(), nodestore.PartialSumRecord{
		CompID:         p.CompID,
		PartialSum:     sum,
		ParticipantIDs: aligned,
	})

	reply, err := newEnvelope(MsgPartialSum, n.ID, PartialSumPayload{CompID: p.CompID, AlignedSet: aligned, Sum: sum, Round: p.Round})
	if err != nil {
		return err
	}
	go n.sender.Send(context.Background(), env.SenderID, "/msg/"+MsgPartialSum, reply, nil)
	return nil
}

// handlePartialSum is received by the primary from each responder.
func (n *CoordinatorNode) handlePartialSum(env Envelope) error {
	var p PartialSumPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return errs.New(errs.PreconditionFailed, "coordinator.handlePartialSum", err)
	}
	c, ok := n.getComp(p.CompID)
	if !ok {
		n.pending.Hold(p.CompID, env)
		return errs.New(errs.UnknownComputation, "coordinator.handlePartialSum", errs.ErrUnknownComputation)
	}

	switch p.Round {
	case 0:
		c.mu.Lock()
		c.partialSums[env.SenderID] = p
		gotBoth := len(c.partialSums) >= 2
		c.mu.Unlock()
		if gotBoth {
			c.partialSumsOnce.Do(func() { close(c.partialSumsDone) })
		}
	default:
		c.mu.Lock()
		c.finalSums[env.SenderID] = p
		gotBoth := len(c.finalSums) >= 2
		c.mu.Unlock()
		if gotBoth {
			c.finalSumsOnce.Do(func() { close(c.finalSumsDone) })
		}
	}
	return nil
}

// runPrimary drives the full primary-side lifecycle for one computation:
// init -> broadcast -> collect until deadline -> reveal -> finalize.
func (n *CoordinatorNode) runPrimary(c *coordComputation) {
	ctx := context.Background()
	responders := []string{c.meta.CoordinatorIDs[1], c.meta.CoordinatorIDs[2]}

	for _, id := range responders {
		env, err := newEnvelope(MsgInit, n.ID, InitPayload(c.meta))
		if err != nil {
			n.fail(ctx, c, errs.Fatal, err.Error())
			return
		}
		target := id
		go n.sender.Send(ctx, target, "/msg/"+MsgInit, env, nil)
	}

	select {
	case <-c.initAckDone:
	case <-time.After(n.cfg.InitWindow):
		n.fail(ctx, c, errs.InitTimeout, "missing init_ack within init window")
		return
	}

	c.status = registrystore.CompBroadcasting
	if err := n.registry.UpdateComputationStatus(ctx, c.meta.CompID, registrystore.StatusUpdate{Status: registrystore.CompBroadcasting}); err != nil {
		log.Printf("coordinator %s: mark broadcasting %s: %v", n.ID, c.meta.CompID, err)
	}
	contributors, err := n.activeContributors(ctx)
	if err != nil {
		n.fail(ctx, c, errs.Transient, err.Error())
		return
	}
	n.metrics.nodesTotal.WithLabelValues(registrystore.RoleContributor).Set(float64(len(contributors)))
	broadcastStart := time.Now()
	n.sender.Broadcast(ctx, contributors, "/msg/"+MsgAnnounce, func(string) any {
		env, _ := newEnvelope(MsgAnnounce, n.ID, AnnouncePayload{
			CompID:         c.meta.CompID,
			Prompt:         c.meta.Prompt,
			Deadline:       c.meta.Deadline,
			CoordinatorIDs: c.meta.CoordinatorIDs,
		})
		return env
	})
	n.metrics.broadcastDuration.Observe(time.Since(broadcastStart).Seconds())

	c.status = registrystore.CompCollecting
	if err := n.registry.UpdateComputationStatus(ctx, c.meta.CompID, registrystore.StatusUpdate{Status: registrystore.CompCollecting}); err != nil {
		log.Printf("coordinator %s: mark collecting %s: %v", n.ID, c.meta.CompID, err)
	}
	wait := time.Until(c.meta.Deadline)
	if wait < 0 {
		wait = 0
	}
	c.deadlineTimer = time.AfterFunc(wait, func() { n.reveal(ctx, c) })
}

func (n *CoordinatorNode) activeContributors(ctx context.Context) ([]string, error) {
	nodes, err := n.registry.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, nd := range nodes {
		if nd.Role == registrystore.RoleContributor && nd.Status == registrystore.NodeActive {
			out = append(out, nd.ID)
		}
	}
	return out, nil
}

func (n *CoordinatorNode) reveal(ctx context.Context, c *coordComputation) {
	c.status = registrystore.CompRevealing
	if err := n.registry.UpdateComputationStatus(ctx, c.meta.CompID, registrystore.StatusUpdate{Status: registrystore.CompRevealing}); err != nil {
		log.Printf("coordinator %s: mark revealing %s: %v", n.ID, c.meta.CompID, err)
	}
	p1 := c.ledger.ParticipantSet()

	// Round 0: propose P1, collect each responder's intersection with it
	// (A'2, A'3) and its sum restricted to that intersection.
	env, err := newEnvelope(MsgRevealReq, n.ID, RevealRequestPayload{CompID: c.meta.CompID, ProposedSet: p1, Round: 0})
	if err != nil {
		n.fail(ctx, c, errs.Fatal, err.Error())
		return
	}
	for _, id := range []string{c.meta.CoordinatorIDs[1], c.meta.CoordinatorIDs[2]} {
		target := id
		go n.sender.Send(ctx, target, "/msg/"+MsgRevealReq, env, nil)
	}

	select {
	case <-c.partialSumsDone:
	case <-time.After(n.cfg.RevealWindow):
		n.fail(ctx, c, errs.Transient, "missing partial_sum within reveal window")
		return
	}

	c.mu.Lock()
	r2 := c.partialSums[c.meta.CoordinatorIDs[1]]
	r3 := c.partialSums[c.meta.CoordinatorIDs[2]]
	c.mu.Unlock()

	// A = A'2 ∩ A'3: the contributors whose shares reached all three
	// coordinators. A'2/A'3-restricted sums still include contributors
	// excluded from A (delivered to one responder but not the other), so
	// they cannot be summed directly — every column must be restricted
	// to A before reconstruction.
	aligned := aggregator.IntersectIDs(r2.AlignedSet, r3.AlignedSet)

	// Round 1: send the final aligned set back to both responders and
	// require each to restrict its sum to exactly A.
	finalEnv, err := newEnvelope(MsgRevealReq, n.ID, RevealRequestPayload{CompID: c.meta.CompID, ProposedSet: aligned, Round: 1})
	if err != nil {
		n.fail(ctx, c, errs.Fatal, err.Error())
		return
	}
	for _, id := range []string{c.meta.CoordinatorIDs[1], c.meta.CoordinatorIDs[2]} {
		target := id
		go n.sender.Send(ctx, target, "/msg/"+MsgRevealReq, finalEnv, nil)
	}

	select {
	case <-c.finalSumsDone:
	case <-time.After(n.cfg.RevealWindow):
		n.fail(ctx, c, errs.Transient, "missing final partial_sum within reveal window")
		return
	}

	c.mu.Lock()
	f2 := c.finalSums[c.meta.CoordinatorIDs[1]]
	f3 := c.finalSums[c.meta.CoordinatorIDs[2]]
	c.mu.Unlock()

	s1, _ := c.ledger.RestrictedSum(aligned)
	total := s1 + f2.Sum + f3.Sum

	if !aggregator.MeetsThreshold(aligned, c.meta.MinParticipants) {
		n.fail(ctx, c, errs.ThresholdNotMet, fmt.Sprintf("aligned participants %d < min %d", len(aligned), c.meta.MinParticipants))
		return
	}

	count := len(aligned)
	err = n.registry.UpdateComputationStatus(ctx, c.meta.CompID, registrystore.StatusUpdate{
		Status:            registrystore.CompCompleted,
		Result:            &total,
		ParticipantsCount: &count,
	})
	if err != nil {
		log.Printf("coordinator %s: finalize %s: %v", n.ID, c.meta.CompID, err)
	}
	c.status = registrystore.CompCompleted
	n.metrics.computationsTotal.WithLabelValues(string(registrystore.CompCompleted)).Inc()
	n.metrics.participantsAtRvl.Observe(float64(count))
}

func (n *CoordinatorNode) fail(ctx context.Context, c *coordComputation, kind errs.Kind, reason string) {
	c.status = registrystore.CompFailed
	if err := n.registry.UpdateComputationStatus(ctx, c.meta.CompID, registrystore.StatusUpdate{
		Status:        registrystore.CompFailed,
		FailureReason: reason,
	}); err != nil {
		log.Printf("coordinator %s: record failure for %s: %v", n.ID, c.meta.CompID, err)
	}
	log.Printf("coordinator %s: computation %s failed (%s): %s", n.ID, c.meta.CompID, kind, reason)
	n.metrics.computationsTotal.WithLabelValues(string(kind)).Inc()
}
