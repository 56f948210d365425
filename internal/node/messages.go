package node

import (
	"encoding/json"
	"time"
)

// Message types, one HTTP route per type (POST /msg/<type>).
const (
	MsgPropose    = "propose"
	MsgInit       = "init"
	MsgInitAck    = "init_ack"
	MsgAnnounce   = "announce"
	MsgShare      = "share"
	MsgRevealReq  = "reveal_request"
	MsgPartialSum = "partial_sum"
)

// Envelope is the wire format every message is carried in: a
// self-describing structured record of {type, payload, sender_id,
// timestamp}. The payload is deferred as json.RawMessage so routing
// doesn't need to know every payload shape up front.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	SenderID  string          `json:"sender_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewProposeEnvelope builds a propose Envelope, exported for callers
// outside this package (the façade) that need to address C1 directly.
func NewProposeEnvelope(senderID string, payload ProposePayload) (Envelope, error) {
	return newEnvelope(MsgPropose, senderID, payload)
}

func newEnvelope(msgType, senderID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      msgType,
		Payload:   raw,
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ProposePayload initiates a computation at the primary coordinator.
type ProposePayload struct {
	CompID          string    `json:"comp_id"`
	ProposerID      string    `json:"proposer_id"`
	CoordinatorIDs  [3]string `json:"coordinator_ids"`
	Prompt          string    `json:"prompt"`
	Deadline        time.Time `json:"deadline"`
	MinParticipants int       `json:"min_participants"`
}

// InitPayload carries the same computation metadata from the primary to
// the other two coordinators.
type InitPayload ProposePayload

// InitAckPayload acknowledges init.
type InitAckPayload struct {
	CompID string `json:"comp_id"`
}

// AnnouncePayload is fanned out from the primary to every active
// contributor.
type AnnouncePayload struct {
	CompID         string    `json:"comp_id"`
	Prompt         string    `json:"prompt"`
	Deadline       time.Time `json:"deadline"`
	CoordinatorIDs [3]string `json:"coordinator_ids"`
}

// SharePayload carries one contributor's share of one computation to one
// coordinator.
type SharePayload struct {
	CompID        string `json:"comp_id"`
	ContributorID string `json:"contributor_id"`
	ShareValue    uint32 `json:"share_value"`
}

// RevealRequestPayload is sent primary -> responders with a proposed
// participant set. Round 0 carries the primary's own participant set
// (P1), used by each responder to compute its intersection with P1.
// Round 1 carries the final aligned set A (the intersection of both
// responders' round-0 replies), and asks each responder to restrict its
// sum to exactly that set so no column sum still includes a contributor
// whose share reached only two of the three coordinators.
type RevealRequestPayload struct {
	CompID      string   `json:"comp_id"`
	ProposedSet []string `json:"proposed_set"`
	Round       int      `json:"round"`
}

// PartialSumPayload is the responder's reply: the set it actually
// restricted its sum to, and that restricted sum, echoing the round of
// the reveal_request it answers.
type PartialSumPayload struct {
	CompID     string   `json:"comp_id"`
	AlignedSet []string `json:"aligned_set"`
	Sum        uint32   `json:"sum"`
	Round      int      `json:"round"`
}
