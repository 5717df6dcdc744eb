package dkg

import (
	"github.com/threshold-net/bdkg/poly"
	"github.com/threshold-net/bdkg/roster"
)

// Kind distinguishes the variants of the Message tagged union.
type Kind int

const (
	KindInitialization Kind = iota
	KindProposal
	KindComplaint
	KindJustification
	KindAcknowledgment
)

func (k Kind) String() string {
	switch k {
	case KindInitialization:
		return "Initialization"
	case KindProposal:
		return "Proposal"
	case KindComplaint:
		return "Complaint"
	case KindJustification:
		return "Justification"
	case KindAcknowledgment:
		return "Acknowledgment"
	default:
		return "Unknown"
	}
}

// Message is a tagged union over the five wire variants the DKG exchanges.
// Every variant carries the same (Sender, Context) preamble; exactly one of
// the payload fields below is populated, matching Kind.
type Message[N comparable] struct {
	Kind    Kind
	Sender  uint64 // key_gen_id: the envelope sender's own share index
	Context *roster.Roster[N] // roster snapshot; receivers reject messages whose epoch does not match the local session

	Initialization *InitializationPayload[N]
	Proposal       *ProposalPayload
	Complaint      *ComplaintPayload
	Justification  *JustificationPayload[N]
	Acknowledgment *AcknowledgmentPayload
}

// InitializationPayload announces a candidate (m, n, members) triple and
// the session's mode.
type InitializationPayload[N comparable] struct {
	M       uint64
	N       uint64
	Members []N
	Mode    Mode
}

// Part is a proposer's contribution addressed to one receiver.
type Part struct {
	Receiver   uint64
	Commitment *poly.BivarCommitment
	SerRow     []byte   // plaintext serialization of row(Receiver+1)
	EncRows    [][]byte // EncRows[pos] = row(share+1) encrypted to the member at roster position pos; identical across every Proposal a proposer emits this round
}

// ProposalPayload wraps a Part for the Proposal message variant.
type ProposalPayload struct {
	Part *Part
}

// ComplaintPayload names the accused target and carries the serialized
// offending payload that triggered the complaint, unvalidated at this
// layer.
type ComplaintPayload struct {
	Target uint64
	Msg    []byte
}

// KeySnapshot is a single peer's encryption key material as captured by an
// Encryptor's key_snapshot accessor.
type KeySnapshot struct {
	Key []byte
	IV  []byte
}

// JustificationPayload is reserved for recovery of secrets of
// accused-but-allegedly-honest members. The current design does not
// recover: the handler accepts the message and no-ops.
type JustificationPayload[N comparable] struct {
	KeysMap map[N]KeySnapshot
}

// Acknowledgment attests that an acknowledger's evaluation of a proposer's
// row is consistent with the proposer's commitment.
type Acknowledgment struct {
	ProposerIndex uint64
	ReceiverIndex uint64
	SerVal        []byte
	EncValues     [][]byte // identical across every Acknowledgment emitted for this proposer this round
}

// AcknowledgmentPayload wraps an Acknowledgment for the Acknowledgment
// message variant.
type AcknowledgmentPayload struct {
	Ack *Acknowledgment
}
