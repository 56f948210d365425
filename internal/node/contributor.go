package node

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/aggnet/core/internal/messaging"
	"github.com/aggnet/core/internal/nodestore"
	"github.com/aggnet/core/internal/registrystore"
	"github.com/aggnet/core/internal/sharing"
)

// ResponsePolicy produces a contributor's private numeric response for a
// computation. The reference policy (DefaultResponsePolicy) draws a
// uniform integer in [0, 100]; callers may substitute another pluggable
// policy as long as it stays within [0, 2^32).
type ResponsePolicy func() (uint32, error)

// DefaultResponsePolicy is the reference policy from spec.md §6.
func DefaultResponsePolicy() (uint32, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(101))
	if err != nil {
		return 0, err
	}
	return uint32(n.Int64()), nil
}

// ContributorNode runs the contributor state machine of spec.md §4.2.2:
// idle -> responding -> sharing -> done | failed, per computation.
type ContributorNode struct {
	ID       string
	Endpoint string

	registry registrystore.Store
	store    nodestore.Store
	sender   *messaging.Sender
	policy   ResponsePolicy

	mu    sync.Mutex
	comps map[string]*contribComputation
}

type contribComputation struct {
	mu             sync.Mutex
	compID         string
	status         string
	coordinatorIDs [3]string
	rawValue       uint32
	shares         [3]uint32
	deliveryStatus [3]string
}

// NewContributorNode constructs a contributor node using policy for
// response generation (DefaultResponsePolicy if nil).
func NewContributorNode(id, endpoint string, registry registrystore.Store, store nodestore.Store, sender *messaging.Sender, policy ResponsePolicy) *ContributorNode {
	if policy == nil {
		policy = DefaultResponsePolicy
	}
	return &ContributorNode{
		ID:       id,
		Endpoint: endpoint,
		registry: registry,
		store:    store,
		sender:   sender,
		policy:   policy,
		comps:    make(map[string]*contribComputation),
	}
}

// RegisterSelf writes this node's record into the registry as active.
func (n *ContributorNode) RegisterSelf(ctx context.Context) error {
	return n.registry.RegisterNode(ctx, registrystore.NodeRecord{
		ID:        n.ID,
		Role:      registrystore.RoleContributor,
		Endpoint:  n.Endpoint,
		Status:    registrystore.NodeActive,
		CreatedAt: time.Now().UTC(),
	})
}

// Mux returns this node's HTTP handler.
func (n *ContributorNode) Mux() http.Handler {
	return NewMux(map[string]HandlerFunc{
		MsgAnnounce: n.handleAnnounce,
	}, n.health)
}

func (n *ContributorNode) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"id": n.ID, "role": registrystore.RoleContributor, "status": "active"})
}

func (n *ContributorNode) handleAnnounce(env Envelope) error {
	var p AnnouncePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}

	c := &contribComputation{
		compID:         p.CompID,
		status:         "responding",
		coordinatorIDs: p.CoordinatorIDs,
		deliveryStatus: [3]string{"pending", "pending", "pending"},
	}
	n.mu.Lock()
	n.comps[p.CompID] = c
	n.mu.Unlock()

	go n.respond(c)
	return nil
}

func (n *ContributorNode) respond(c *contribComputation) {
	rawValue, err := n.policy()
	if err != nil {
		log.Printf("contributor %s: response policy failed for %s: %v", n.ID, c.compID, err)
		return
	}

	s1, s2, s3, err := sharing.Split(rawValue)
	if err != nil {
		log.Printf("contributor %s: split failed for %s: %v", n.ID, c.compID, err)
		return
	}

	c.mu.Lock()
	c.status = "sharing"
	c.rawValue = rawValue
	c.shares = [3]uint32{s1, s2, s3}
	c.mu.Unlock()

	_ = n.store.PutResponse(context.Background(), nodestore.ResponseRecord{
		CompID:         c.compID,
		RawValue:       rawValue,
		Shares:         c.shares,
		DeliveryStatus: c.deliveryStatus,
	})

	targets := c.coordinatorIDs[:]
	shareByTarget := map[string]uint32{
		c.coordinatorIDs[0]: s1,
		c.coordinatorIDs[1]: s2,
		c.coordinatorIDs[2]: s3,
	}
	results := n.sender.Broadcast(context.Background(), targets, "/msg/"+MsgShare, func(target string) any {
		env, _ := newEnvelope(MsgShare, n.ID, SharePayload{CompID: c.compID, ContributorID: n.ID, ShareValue: shareByTarget[target]})
		return env
	})

	allDelivered := true
	for i, id := range c.coordinatorIDs {
		if results[id].Kind == messaging.Delivered {
			c.deliveryStatus[i] = "delivered"
		} else {
			c.deliveryStatus[i] = "failed"
			allDelivered = false
		}
	}

	c.mu.Lock()
	if allDelivered {
		c.status = "done"
	} else {
		c.status = "failed"
	}
	status := c.status
	ds := c.deliveryStatus
	c.mu.Unlock()

	_ = n.store.PutResponse(context.Background(), nodestore.ResponseRecord{
		CompID:         c.compID,
		RawValue:       rawValue,
		Shares:         c.shares,
		DeliveryStatus: ds,
	})
	log.Printf("contributor %s: computation %s %s", n.ID, c.compID, status)
}
