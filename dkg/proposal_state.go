package dkg

import (
	kyber "github.com/drand/kyber"

	"github.com/threshold-net/bdkg/poly"
)

// ProposalState is the per-proposer bookkeeping a KeyGen accumulates over
// one epoch: the proposer's commitment, the scalar values collected from
// each acknowledger, the pairwise-encrypted values this proposer most
// recently sent when acting as an acknowledger itself, and the set of
// acknowledgers seen so far.
type ProposalState struct {
	Commitment *poly.BivarCommitment
	Values     map[uint64]kyber.Scalar // keyed by acknowledger's evaluation point (index+1)
	EncValues  [][]byte
	Acks       map[uint64]struct{} // acknowledger indices
}

func newProposalState(commitment *poly.BivarCommitment) *ProposalState {
	return &ProposalState{
		Commitment: commitment,
		Values:     map[uint64]kyber.Scalar{},
		Acks:       map[uint64]struct{}{},
	}
}

// IsComplete reports whether this proposer's part has collected enough
// verified values to contribute to key assembly. Gated on Values, not Acks:
// Acks records every responder as soon as it is seen, before its value is
// checked against the committed evaluation, while Values only gains an
// entry once that check passes. Gating on Acks would let a part with a
// ValueAcknowledgment fault still count as complete, handing Interpolate
// fewer than threshold+1 genuine points without it noticing.
func (p *ProposalState) IsComplete(threshold uint64) bool {
	return uint64(len(p.Values)) > threshold
}

// Outcome is the result of a successful Finalization: the group's public
// key set and this participant's secret key share.
type Outcome struct {
	PublicKeySet   *poly.Commitment
	SecretKeyShare kyber.Scalar
}
