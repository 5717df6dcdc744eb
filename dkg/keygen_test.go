package dkg

import (
	"testing"

	kyber "github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
	"github.com/stretchr/testify/require"

	"github.com/threshold-net/bdkg/internal/log"
	"github.com/threshold-net/bdkg/poly"
	"github.com/threshold-net/bdkg/suite"
)

func lessU(a, b uint64) bool { return a < b }
func formatU(a uint64) string { return string(rune('A' + a)) }

// buildTrio wires three named participants (0,1,2) sharing one Suite and
// returns each one's freshly-constructed KeyGen plus its own Initialization
// message.
func buildTrio(t *testing.T, threshold uint64) (map[uint64]*KeyGen[uint64], map[uint64]*Message[uint64]) {
	t.Helper()
	s := suite.NewBLS12381()
	names := []uint64{0, 1, 2}

	secrets := map[uint64]kyber.Scalar{}
	pubKeys := map[uint64]kyber.Point{}
	base := s.KeyGroup.Point().Base()
	for _, n := range names {
		sk := s.KeyGroup.Scalar().Pick(random.New())
		secrets[n] = sk
		pubKeys[n] = s.KeyGroup.Point().Mul(sk, base)
	}

	kgs := map[uint64]*KeyGen[uint64]{}
	inits := map[uint64]*Message[uint64]{}
	for _, n := range names {
		kg, msg, err := New(log.DefaultLogger(), s, n, secrets[n], threshold, pubKeys, Mode{Kind: ModeInitial}, 1, lessU, formatU)
		require.NoError(t, err)
		kgs[n] = kg
		inits[n] = msg
	}
	return kgs, inits
}

// deliverAll floods every message in queue to every participant's
// HandleMessage and feeds the output back in, until the queue drains.
func deliverAll(t *testing.T, kgs map[uint64]*KeyGen[uint64], queue []*Message[uint64]) {
	t.Helper()
	require.NoError(t, deliverAllErr(kgs, queue))
}

// deliverAllErr is deliverAll without a *testing.T, for call sites that want
// to assert on the error themselves.
func deliverAllErr(kgs map[uint64]*KeyGen[uint64], queue []*Message[uint64]) error {
	for len(queue) > 0 {
		msg := queue[0]
		queue = queue[1:]
		for _, kg := range kgs {
			out, err := kg.HandleMessage(msg)
			if err != nil {
				return err
			}
			queue = append(queue, out...)
		}
	}
	return nil
}

// driveToContribution wires a 3-of-3 trio through Initialization so every
// instance is in Contribution with every Proposal delivered and the
// resulting Acknowledgments held back, so the round cannot close.
func driveToContribution(t *testing.T) map[uint64]*KeyGen[uint64] {
	t.Helper()
	kgs, inits := buildTrio(t, 3)
	var queue []*Message[uint64]
	for _, m := range inits {
		queue = append(queue, m)
	}
	_, err := deliverHoldingAcks(kgs, queue)
	require.NoError(t, err)
	for _, kg := range kgs {
		require.Equal(t, Contribution, kg.Phase())
	}
	return kgs
}

func TestNewRejectsTooFewMembers(t *testing.T) {
	s := suite.NewBLS12381()
	pubKeys := map[uint64]kyber.Point{0: s.KeyGroup.Point().Base()}
	_, _, err := New(log.DefaultLogger(), s, uint64(0), s.KeyGroup.Scalar().One(), 2, pubKeys, Mode{}, 1, lessU, formatU)
	require.ErrorIs(t, err, ErrUnknown)
}

func TestNewRejectsNonMember(t *testing.T) {
	s := suite.NewBLS12381()
	base := s.KeyGroup.Point().Base()
	pubKeys := map[uint64]kyber.Point{1: base, 2: base}
	_, _, err := New(log.DefaultLogger(), s, uint64(0), s.KeyGroup.Scalar().One(), 1, pubKeys, Mode{}, 1, lessU, formatU)
	require.ErrorIs(t, err, ErrUnknown)
}

func TestHandleMessageRejectsEpochMismatch(t *testing.T) {
	kgs, inits := buildTrio(t, 3)
	foreign := inits[0].Context.Clone()
	foreign.SetEpochID(999)
	msg := &Message[uint64]{Kind: KindInitialization, Sender: 0, Context: foreign, Initialization: inits[0].Initialization}

	_, err := kgs[1].HandleMessage(msg)
	require.ErrorIs(t, err, ErrEpochMismatch)
}

func TestInitializationPhaseGuardRejectsProposalEarly(t *testing.T) {
	kgs, _ := buildTrio(t, 3)
	bogus := &Message[uint64]{
		Kind:     KindProposal,
		Sender:   0,
		Context:  kgs[1].roster.Clone(),
		Proposal: &ProposalPayload{Part: &Part{Receiver: 1, EncRows: make([][]byte, 3)}},
	}
	_, err := kgs[1].HandleMessage(bogus)
	var phaseErr *UnexpectedPhaseError
	require.ErrorAs(t, err, &phaseErr)
}

func TestLateInitializationAfterQuorumIsSilentlyIgnored(t *testing.T) {
	// With n=3 and threshold=2, a receiving instance reaches quorum after the
	// 2nd distinct Initialization sender and moves to Contribution; the 3rd
	// member's own Initialization broadcast, arriving afterward, must not be
	// treated as a phase violation. Acknowledgments are held back so the
	// round stays in Contribution instead of running on to Finalization.
	kgs, inits := buildTrio(t, 2)
	_, err := deliverHoldingAcks(kgs, []*Message[uint64]{inits[0], inits[1]})
	require.NoError(t, err)
	require.Equal(t, Contribution, kgs[2].Phase())

	out, err := kgs[2].HandleMessage(inits[2])
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestMalformedProposalWrongRowCountQueuesComplaintNotAck(t *testing.T) {
	kgs := driveToContribution(t)

	bad := &Message[uint64]{
		Kind:    KindProposal,
		Sender:  0,
		Context: kgs[1].roster.Clone(),
		Proposal: &ProposalPayload{Part: &Part{
			Receiver: 1,
			EncRows:  make([][]byte, 1), // wrong: should be 3
		}},
	}
	out, err := kgs[1].HandleMessage(bad)
	require.NoError(t, err)
	require.Empty(t, out, "a malformed proposal must not produce an acknowledgment")
	require.Len(t, kgs[1].pending, 1)
	require.Equal(t, uint64(0), kgs[1].pending[0].Target)
}

func TestDuplicatePartSameCommitmentIsIdempotent(t *testing.T) {
	kgs := driveToContribution(t)

	// Re-deliver participant 0's proposal to participant 1 a second time and
	// confirm no new pending complaint or state churn results.
	before := len(kgs[1].pending)
	existing := kgs[1].parts[0]
	require.NotNil(t, existing)

	resend := &Message[uint64]{
		Kind:    KindProposal,
		Sender:  0,
		Context: kgs[1].roster.Clone(),
		Proposal: &ProposalPayload{Part: &Part{
			Receiver:   1,
			Commitment: existing.Commitment,
			SerRow:     mustMarshalRow(t, kgs, 0, 1),
			EncRows:    make([][]byte, 3),
		}},
	}
	_, err := kgs[1].HandleMessage(resend)
	require.NoError(t, err)
	require.Equal(t, before, len(kgs[1].pending))
}

func TestDuplicatePartDifferentCommitmentIsMultiplePartsFault(t *testing.T) {
	kgs := driveToContribution(t)

	forged := poly.Random(kgs[1].suite.KeyGroup, int(kgs[1].threshold), random.New()).Commitment(kgs[1].suite.KeyGroup.Point().Base())
	resend := &Message[uint64]{
		Kind:    KindProposal,
		Sender:  0,
		Context: kgs[1].roster.Clone(),
		Proposal: &ProposalPayload{Part: &Part{
			Receiver:   1,
			Commitment: forged,
			SerRow:     mustMarshalRow(t, kgs, 0, 1),
			EncRows:    make([][]byte, 3),
		}},
	}
	before := len(kgs[1].pending)
	_, err := kgs[1].HandleMessage(resend)
	require.NoError(t, err)
	require.Equal(t, before+1, len(kgs[1].pending))
	last := kgs[1].pending[len(kgs[1].pending)-1]
	require.Equal(t, uint64(0), last.Target)
}

// mustMarshalRow re-derives proposer's row(receiver+1) bytes directly from
// its still-resident BivarPoly, for constructing a synthetic resend in
// tests.
func mustMarshalRow(t *testing.T, kgs map[uint64]*KeyGen[uint64], proposer, receiver uint64) []byte {
	t.Helper()
	row := kgs[proposer].bivar.Row(receiver + 1)
	b, err := row.MarshalBinary()
	require.NoError(t, err)
	return b
}

func TestAcknowledgmentPhaseGuardRejectsOutsideContributionOrCommitment(t *testing.T) {
	kgs, _ := buildTrio(t, 3) // still in Initialization
	ack := &Message[uint64]{
		Kind:    KindAcknowledgment,
		Sender:  0,
		Context: kgs[1].roster.Clone(),
		Acknowledgment: &AcknowledgmentPayload{Ack: &Acknowledgment{
			ProposerIndex: 0, ReceiverIndex: 1, EncValues: make([][]byte, 3),
		}},
	}
	_, err := kgs[1].HandleMessage(ack)
	var phaseErr *UnexpectedPhaseError
	require.ErrorAs(t, err, &phaseErr)
}

func TestComplaintPhaseGuardRejectsOutsideComplaining(t *testing.T) {
	kgs := driveToContribution(t)
	complaint := &Message[uint64]{
		Kind:      KindComplaint,
		Sender:    0,
		Context:   kgs[1].roster.Clone(),
		Complaint: &ComplaintPayload{Target: 2, Msg: []byte("x")},
	}
	_, err := kgs[1].HandleMessage(complaint)
	var phaseErr *UnexpectedPhaseError
	require.ErrorAs(t, err, &phaseErr)
}

func TestJustificationHandlerIsNoOp(t *testing.T) {
	kgs := driveToContribution(t)
	msg := &Message[uint64]{
		Kind:          KindJustification,
		Sender:        0,
		Context:       kgs[1].roster.Clone(),
		Justification: &JustificationPayload[uint64]{},
	}
	out, err := kgs[1].HandleMessage(msg)
	require.NoError(t, err)
	require.Empty(t, out)
}

// buildMembers is buildTrio generalized to an arbitrary group size, for
// tests that need more members than a trio to exercise a non-boundary
// n-threshold gap.
func buildMembers(t *testing.T, n int, threshold uint64) (map[uint64]*KeyGen[uint64], map[uint64]*Message[uint64]) {
	t.Helper()
	s := suite.NewBLS12381()
	names := make([]uint64, n)
	for i := range names {
		names[i] = uint64(i)
	}

	secrets := map[uint64]kyber.Scalar{}
	pubKeys := map[uint64]kyber.Point{}
	base := s.KeyGroup.Point().Base()
	for _, nm := range names {
		sk := s.KeyGroup.Scalar().Pick(random.New())
		secrets[nm] = sk
		pubKeys[nm] = s.KeyGroup.Point().Mul(sk, base)
	}

	kgs := map[uint64]*KeyGen[uint64]{}
	inits := map[uint64]*Message[uint64]{}
	for _, nm := range names {
		kg, msg, err := New(log.DefaultLogger(), s, nm, secrets[nm], threshold, pubKeys, Mode{Kind: ModeInitial}, 1, lessU, formatU)
		require.NoError(t, err)
		kgs[nm] = kg
		inits[nm] = msg
	}
	return kgs, inits
}

// deliverHoldingAcks is deliverAllErr except Acknowledgment messages are
// never requeued for further processing: they are collected and returned to
// the caller instead. This lets a test pause the Contribution round right
// after every Proposal has landed but before any cross-member
// Acknowledgment is processed, which is exactly the window in which an
// equivocating proposer's second, conflicting Proposal needs to be injected
// to exercise the duplicate-commitment fault.
func deliverHoldingAcks(kgs map[uint64]*KeyGen[uint64], queue []*Message[uint64]) ([]*Message[uint64], error) {
	var held []*Message[uint64]
	for len(queue) > 0 {
		msg := queue[0]
		queue = queue[1:]
		for _, kg := range kgs {
			out, err := kg.HandleMessage(msg)
			if err != nil {
				return nil, err
			}
			for _, o := range out {
				if o.Kind == KindAcknowledgment {
					held = append(held, o)
				} else {
					queue = append(queue, o)
				}
			}
		}
	}
	return held, nil
}

// TestDuplicateCommitmentFaultRemovesProposerAtComplaintsClose exercises an
// equivocating proposer: participant 0 sends a second Proposal carrying a
// different commitment to every other receiver. Each receiver must record a
// pending complaint instead of acknowledging, and once Contribution closes
// with those complaints outstanding, the accused proposer must be dropped
// from the roster when Complaining closes.
//
// n=5, threshold=3 keeps n-threshold=2 comfortably above the single
// resulting failure, unlike n-threshold=1 (e.g. n=4,threshold=3), which
// would make any single removal trip the TooManyNonVoters boundary instead
// of completing the removal.
func TestDuplicateCommitmentFaultRemovesProposerAtComplaintsClose(t *testing.T) {
	kgs, inits := buildMembers(t, 5, 3)
	var queue []*Message[uint64]
	for _, m := range inits {
		queue = append(queue, m)
	}
	held, err := deliverHoldingAcks(kgs, queue)
	require.NoError(t, err)
	for _, kg := range kgs {
		require.Equal(t, Contribution, kg.Phase())
	}

	// Deliver only the self-acknowledgments, so nonContributors() sees every
	// member as having contributed, without letting any part reach the full
	// n acks that would otherwise auto-finalize Contribution before the
	// forged Proposal below is ever processed.
	var selfAcks []*Message[uint64]
	for _, m := range held {
		if m.Sender == m.Acknowledgment.Ack.ProposerIndex {
			selfAcks = append(selfAcks, m)
		}
	}
	rest, err := deliverHoldingAcks(kgs, selfAcks)
	require.NoError(t, err)
	require.Empty(t, rest)
	for _, kg := range kgs {
		require.Equal(t, Contribution, kg.Phase())
	}

	forgedCommitment := poly.Random(kgs[0].suite.KeyGroup, int(kgs[0].threshold), random.New()).
		Commitment(kgs[0].suite.KeyGroup.Point().Base())
	for _, recv := range []uint64{1, 2, 3, 4} {
		forged := &Message[uint64]{
			Kind:    KindProposal,
			Sender:  0,
			Context: kgs[recv].roster.Clone(),
			Proposal: &ProposalPayload{Part: &Part{
				Receiver:   recv,
				Commitment: forgedCommitment,
				EncRows:    make([][]byte, 5),
			}},
		}
		out, err := kgs[recv].HandleMessage(forged)
		require.NoError(t, err)
		require.Empty(t, out, "a conflicting commitment must not produce an acknowledgment")
		require.Len(t, kgs[recv].pending, 1)
		require.Equal(t, uint64(0), kgs[recv].pending[0].Target)
	}

	// Close Contribution in lockstep across every member, as the caller's
	// scheduler would by firing one shared timer, so no member observes a
	// Complaint before it has itself moved into the Complaining phase.
	var complaints []*Message[uint64]
	for _, kg := range kgs {
		out, err := kg.TimedPhaseTransition()
		require.NoError(t, err)
		complaints = append(complaints, out...)
		require.Equal(t, Complaining, kg.Phase())
	}

	require.NoError(t, deliverAllErr(kgs, complaints))

	// Closing Complaining drops proposer 0 and re-proposes to the surviving
	// four, whose shares ({1,2,3,4}) are no longer contiguous with kg.n (4)
	// after the removal — this is exactly the state that used to panic on
	// a share-indexed encRows/encValues slice. Drive the re-proposed round
	// to completion among the survivors only (proposer 0 is out of the
	// picture from here, same as a real caller excluding a removed peer)
	// to confirm the recovery round actually reaches Finalization rather
	// than merely reaching the Commitment phase.
	honest := map[uint64]*KeyGen[uint64]{1: kgs[1], 2: kgs[2], 3: kgs[3], 4: kgs[4]}

	var proposals []*Message[uint64]
	for _, recv := range []uint64{1, 2, 3, 4} {
		out, err := kgs[recv].TimedPhaseTransition()
		require.NoError(t, err)
		proposals = append(proposals, out...)
		require.Equal(t, Commitment, kgs[recv].Phase())
		_, present := kgs[recv].roster.GetShare(uint64(0))
		require.False(t, present, "proposer 0 must be removed from %d's roster", recv)
	}

	require.NoError(t, deliverAllErr(honest, proposals))

	var pubKeys []kyber.Point
	for _, recv := range []uint64{1, 2, 3, 4} {
		require.Equal(t, Finalization, kgs[recv].Phase(), "member %d must reach finalization after proposer 0's removal", recv)
		_, outcome, ok := kgs[recv].GenerateKeys()
		require.True(t, ok)
		pubKeys = append(pubKeys, outcome.PublicKeySet.Commit())
	}
	for i := 1; i < len(pubKeys); i++ {
		require.True(t, pubKeys[0].Equal(pubKeys[i]), "surviving members must agree on the group public key after recovery")
	}
}

func TestFullContributionRoundAllHonestReachesFinalizationWith3Of3(t *testing.T) {
	// threshold=1 so a degree-1 bivariate polynomial (2 coefficients) has
	// enough of the 3 parties to both propose and fully acknowledge.
	kgs, inits := buildTrio(t, 1)
	var queue []*Message[uint64]
	for _, m := range inits {
		queue = append(queue, m)
	}
	deliverAll(t, kgs, queue)

	for _, kg := range kgs {
		require.Equal(t, Finalization, kg.Phase())
	}

	var pubKeys []kyber.Point
	for _, kg := range kgs {
		_, outcome, ok := kg.GenerateKeys()
		require.True(t, ok)
		pubKeys = append(pubKeys, outcome.PublicKeySet.Commit())
	}
	for i := 1; i < len(pubKeys); i++ {
		require.True(t, pubKeys[0].Equal(pubKeys[i]), "all participants must agree on the group public key")
	}
}
