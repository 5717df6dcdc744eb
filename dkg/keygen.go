package dkg

import (
	"fmt"
	"sort"

	kyber "github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
	"github.com/google/uuid"

	"github.com/threshold-net/bdkg/encryption"
	"github.com/threshold-net/bdkg/internal/log"
	"github.com/threshold-net/bdkg/poly"
	"github.com/threshold-net/bdkg/roster"
	bdkgsuite "github.com/threshold-net/bdkg/suite"
)

type pendingComplaint struct {
	Target uint64
	Msg    []byte
}

// KeyGen is the phase-driven controller one participant owns for one DKG
// epoch. It is mutated only by HandleMessage and TimedPhaseTransition, read
// by GenerateKeys and PossibleBlockers, and discarded at epoch end.
type KeyGen[N comparable] struct {
	log       log.Logger
	suite     *bdkgsuite.Suite
	less      func(a, b N) bool
	sessionID string

	id        N
	secretKey kyber.Scalar
	ourIndex  uint64
	threshold uint64
	n         uint64
	mode      Mode
	phase     Phase
	evicted   bool

	roster     *roster.Roster[N]
	pubKeys    map[N]kyber.Point
	encryptors map[N]*encryption.Encryptor

	initAcc       *InitializationAccumulator[N]
	complaintsAcc *ComplaintsAccumulator[N]
	parts         map[uint64]*ProposalState
	bivar         *poly.BivarPoly
	commitment    *poly.BivarCommitment
	pending       []pendingComplaint
}

// New builds a fresh KeyGen in the Initialization phase and returns the
// Initialization message the caller should broadcast. It fails with
// ErrUnknown if there are fewer members than the threshold, or if id is not
// among them.
func New[N comparable](
	logger log.Logger,
	suite *bdkgsuite.Suite,
	id N,
	secretKey kyber.Scalar,
	threshold uint64,
	pubKeys map[N]kyber.Point,
	mode Mode,
	epochID uint64,
	less func(a, b N) bool,
	format func(N) string,
) (*KeyGen[N], *Message[N], error) {
	if uint64(len(pubKeys)) < threshold {
		return nil, nil, fmt.Errorf("%w: %d members is fewer than threshold %d", ErrUnknown, len(pubKeys), threshold)
	}
	if _, ok := pubKeys[id]; !ok {
		return nil, nil, fmt.Errorf("%w: %v is not a member of pub_keys", ErrUnknown, format(id))
	}

	names := make([]N, 0, len(pubKeys))
	for name := range pubKeys {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return less(names[i], names[j]) })

	r := roster.New(names, less)
	r.SetEpochID(epochID)
	ourIndex, _ := r.GetShare(id)

	sessionID := uuid.New().String()
	logger = logger.With("session_id", sessionID)

	kg := &KeyGen[N]{
		log:           logger,
		suite:         suite,
		less:          less,
		sessionID:     sessionID,
		id:            id,
		secretKey:     secretKey,
		ourIndex:      ourIndex,
		threshold:     threshold,
		n:             uint64(len(names)),
		mode:          mode,
		phase:         Initialization,
		roster:        r,
		pubKeys:       pubKeys,
		encryptors:    map[N]*encryption.Encryptor{},
		initAcc:       NewInitializationAccumulator[N](format, less),
		complaintsAcc: nil,
		parts:         map[uint64]*ProposalState{},
	}

	msg := &Message[N]{
		Kind:    KindInitialization,
		Sender:  ourIndex,
		Context: r.Clone(),
		Initialization: &InitializationPayload[N]{
			M:       threshold,
			N:       uint64(len(names)),
			Members: append([]N(nil), names...),
			Mode:    mode,
		},
	}
	return kg, msg, nil
}

func (kg *KeyGen[N]) encryptorFor(name N) *encryption.Encryptor {
	if enc, ok := kg.encryptors[name]; ok {
		return enc
	}
	enc := encryption.New(kg.suite.KeyGroup, kg.pubKeys[name])
	kg.encryptors[name] = enc
	return enc
}

// Phase returns the current phase.
func (kg *KeyGen[N]) Phase() Phase { return kg.phase }

// SessionID returns the random identifier generated when this KeyGen was
// constructed, for correlating this instance's log lines across a run. It
// carries no protocol meaning and is never placed on the wire.
func (kg *KeyGen[N]) SessionID() string { return kg.sessionID }

// ShareIndex returns this participant's current roster share index. Callers
// need it to address their GenerateKeys secret share in downstream threshold
// operations (e.g. building a share.PriShare for tbls signing), since Outcome
// itself only carries the scalar value.
func (kg *KeyGen[N]) ShareIndex() uint64 { return kg.ourIndex }

// Evicted reports whether this participant was removed from the roster for
// non-voting during a Complaining phase. An evicted instance never reaches
// Finalization on its own behalf; its caller should discard it.
func (kg *KeyGen[N]) Evicted() bool { return kg.evicted }

// HandleMessage dispatches an inbound message by variant and current phase,
// returning the messages the caller should broadcast.
func (kg *KeyGen[N]) HandleMessage(msg *Message[N]) ([]*Message[N], error) {
	if !kg.roster.Equal(msg.Context) {
		return nil, fmt.Errorf("%w: from sender %d", ErrEpochMismatch, msg.Sender)
	}
	switch msg.Kind {
	case KindInitialization:
		return kg.handleInitialization(msg)
	case KindProposal:
		return kg.handleProposal(msg)
	case KindAcknowledgment:
		return kg.handleAcknowledgment(msg)
	case KindComplaint:
		return kg.handleComplaint(msg)
	case KindJustification:
		return nil, nil // reserved: accepted and no-op, see design notes
	default:
		return nil, fmt.Errorf("%w: unrecognized message kind %v", ErrUnknown, msg.Kind)
	}
}

func (kg *KeyGen[N]) handleInitialization(msg *Message[N]) ([]*Message[N], error) {
	if kg.phase != Initialization {
		// Every member broadcasts its own Initialization; once this instance's
		// own quorum has already been reached, a straggler from a slower
		// sender (or one we've already counted) is expected traffic, not a
		// phase violation. Deduplicate silently rather than erroring, unlike
		// the strict phase guard Proposal/Acknowledgment/Complaint apply.
		return nil, nil
	}
	agreement, reached := kg.initAcc.Add(msg.Initialization.M, msg.Initialization.N, msg.Sender, msg.Initialization.Members)
	if !reached {
		return nil, nil
	}

	kg.threshold = agreement.M
	kg.n = agreement.N
	kg.phase = Contribution
	kg.ourIndex, _ = kg.roster.GetShare(kg.id)
	kg.complaintsAcc = NewComplaintsAccumulator(kg.roster.Names(), kg.threshold)

	kg.log.Debugw("initialization quorum reached, entering contribution", "threshold", kg.threshold, "n", kg.n)
	return kg.sampleAndPropose()
}

// sampleAndPropose draws a fresh bivariate polynomial of the current
// threshold's degree, commits to it, and emits one Proposal per member.
func (kg *KeyGen[N]) sampleAndPropose() ([]*Message[N], error) {
	kg.bivar = poly.Random(kg.suite.KeyGroup, int(kg.threshold), random.New())
	base := kg.suite.KeyGroup.Point().Base()
	kg.commitment = kg.bivar.Commitment(base)

	names := kg.roster.Names()
	// encRows is laid out by roster position (0..n-1), not by share value:
	// shares are only contiguous in a pristine roster, and become sparse
	// after churn removes members, which would index this slice out of
	// bounds if it were keyed by share.
	encRows := make([][]byte, kg.n)
	for pos, name := range names {
		j, _ := kg.roster.GetShare(name)
		rowJ := kg.bivar.Row(j + 1)
		rowBytes, err := rowJ.MarshalBinary()
		if err != nil {
			return nil, &SerializationError{Err: err}
		}
		ct, err := kg.encryptorFor(name).Encrypt(rowBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
		}
		ctBytes, err := ct.MarshalBinary()
		if err != nil {
			return nil, &SerializationError{Err: err}
		}
		encRows[pos] = ctBytes
	}

	var out []*Message[N]
	for _, name := range names {
		k, _ := kg.roster.GetShare(name)
		row := kg.bivar.Row(k + 1)
		serRow, err := row.MarshalBinary()
		if err != nil {
			return nil, &SerializationError{Err: err}
		}
		part := &Part{
			Receiver:   k,
			Commitment: kg.commitment,
			SerRow:     serRow,
			EncRows:    encRows,
		}
		out = append(out, &Message[N]{
			Kind:     KindProposal,
			Sender:   kg.ourIndex,
			Context:  kg.roster.Clone(),
			Proposal: &ProposalPayload{Part: part},
		})
	}
	return out, nil
}

func (kg *KeyGen[N]) queueComplaint(target uint64, fault fmt.Stringer, detail string) {
	kg.log.Warnw("queuing complaint", "target", target, "fault", fault.String(), "detail", detail)
	kg.pending = append(kg.pending, pendingComplaint{
		Target: target,
		Msg:    []byte(fmt.Sprintf("%s: %s", fault.String(), detail)),
	})
}

func (kg *KeyGen[N]) handleProposal(msg *Message[N]) ([]*Message[N], error) {
	if kg.phase != Contribution && kg.phase != Commitment {
		return nil, &UnexpectedPhaseError{Expected: []Phase{Contribution, Commitment}, Actual: kg.phase}
	}
	part := msg.Proposal.Part
	proposer := msg.Sender

	if uint64(len(part.EncRows)) != kg.n {
		kg.queueComplaint(proposer, FaultRowCount, "enc_rows length mismatch")
		return nil, nil
	}
	if part.Receiver != kg.ourIndex {
		return nil, nil
	}

	existing, ok := kg.parts[proposer]
	if ok && !existing.Commitment.Equal(part.Commitment) {
		kg.queueComplaint(proposer, FaultMultipleParts, "differing commitment from same proposer")
		return nil, nil
	}
	if !ok {
		existing = newProposalState(part.Commitment)
		kg.parts[proposer] = existing
	}

	row, err := poly.Unmarshal(kg.suite.KeyGroup, part.SerRow)
	if err != nil {
		kg.queueComplaint(proposer, FaultDeserializeRow, err.Error())
		return nil, nil
	}
	base := kg.suite.KeyGroup.Point().Base()
	if !row.Commitment(base).Equal(part.Commitment.Row(kg.ourIndex + 1)) {
		kg.queueComplaint(proposer, FaultRowAcknowledgment, "row does not match committed row")
		return nil, nil
	}

	names := kg.roster.Names()
	// Same roster-position indexing as sampleAndPropose's encRows, and for
	// the same reason: share values go sparse after a churn removal, so
	// indexing by share would panic once kg.n no longer bounds the share
	// space.
	encValues := make([][]byte, kg.n)
	values := make([]kyber.Scalar, kg.n)
	for pos, name := range names {
		j, _ := kg.roster.GetShare(name)
		v := row.Evaluate(j + 1)
		values[pos] = v
		serVal, err := v.MarshalBinary()
		if err != nil {
			return nil, &SerializationError{Err: err}
		}
		ct, err := kg.encryptorFor(name).Encrypt(serVal)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
		}
		ctBytes, err := ct.MarshalBinary()
		if err != nil {
			return nil, &SerializationError{Err: err}
		}
		encValues[pos] = ctBytes
	}

	var out []*Message[N]
	for pos, name := range names {
		k, _ := kg.roster.GetShare(name)
		serVal, err := values[pos].MarshalBinary()
		if err != nil {
			return nil, &SerializationError{Err: err}
		}
		ack := &Acknowledgment{
			ProposerIndex: proposer,
			ReceiverIndex: k,
			SerVal:        serVal,
			EncValues:     encValues,
		}
		out = append(out, &Message[N]{
			Kind:           KindAcknowledgment,
			Sender:         kg.ourIndex,
			Context:        kg.roster.Clone(),
			Acknowledgment: &AcknowledgmentPayload{Ack: ack},
		})
	}
	return out, nil
}

func (kg *KeyGen[N]) handleAcknowledgment(msg *Message[N]) ([]*Message[N], error) {
	ack := msg.Acknowledgment.Ack
	if kg.phase != Contribution && kg.phase != Commitment {
		if ack.ReceiverIndex != kg.ourIndex {
			// Broadcast traffic addressed to another member, still in flight
			// after this instance closed its round: nothing to process.
			return nil, nil
		}
		return nil, &UnexpectedPhaseError{Expected: []Phase{Contribution, Commitment}, Actual: kg.phase}
	}

	if uint64(len(ack.EncValues)) != kg.n {
		kg.queueComplaint(msg.Sender, FaultValueCount, "enc_values length mismatch")
		return nil, nil
	}
	if ack.ReceiverIndex != kg.ourIndex {
		return nil, nil
	}

	proposerState, ok := kg.parts[ack.ProposerIndex]
	if !ok {
		kg.queueComplaint(msg.Sender, FaultMissingPart, "no known part for acknowledged proposer")
		return nil, nil
	}

	proposerState.Acks[msg.Sender] = struct{}{}

	val := kg.suite.KeyGroup.Scalar()
	if err := val.UnmarshalBinary(ack.SerVal); err != nil {
		kg.queueComplaint(msg.Sender, FaultDeserializeValue, err.Error())
		return nil, nil
	}
	base := kg.suite.KeyGroup.Point().Base()
	expected := proposerState.Commitment.Evaluate(kg.ourIndex+1, msg.Sender+1)
	got := kg.suite.KeyGroup.Point().Mul(val, base)
	if !expected.Equal(got) {
		kg.queueComplaint(msg.Sender, FaultValueAcknowledgment, "value does not match committed evaluation")
		return nil, nil
	}

	proposerState.Values[msg.Sender+1] = val
	if senderState, ok := kg.parts[msg.Sender]; ok {
		senderState.EncValues = ack.EncValues
	}

	if uint64(len(kg.parts)) == kg.n {
		allFull := true
		for _, ps := range kg.parts {
			if uint64(len(ps.Acks)) != kg.n {
				allFull = false
				break
			}
		}
		if allFull {
			if kg.phase == Commitment {
				kg.phase = Finalization
				kg.log.Infow("contribution round complete, finalizing")
				return nil, nil
			}
			return kg.finalizeContributing()
		}
	}
	return nil, nil
}

func (kg *KeyGen[N]) handleComplaint(msg *Message[N]) ([]*Message[N], error) {
	if kg.phase != Complaining {
		return nil, &UnexpectedPhaseError{Expected: []Phase{Complaining}, Actual: kg.phase}
	}
	senderName, ok := kg.roster.GetName(msg.Sender)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSender, msg.Sender)
	}
	targetName, ok := kg.roster.GetName(msg.Complaint.Target)
	if !ok {
		return nil, nil
	}
	kg.complaintsAcc.AddComplaint(senderName, targetName, msg.Complaint.Msg)
	return nil, nil
}

// nonContributors returns the indices of members who either proposed
// nothing, or failed to acknowledge their own proposal.
func (kg *KeyGen[N]) nonContributors() []uint64 {
	var out []uint64
	for _, name := range kg.roster.Names() {
		idx, _ := kg.roster.GetShare(name)
		ps, ok := kg.parts[idx]
		if !ok {
			out = append(out, idx)
			continue
		}
		if _, acked := ps.Acks[idx]; !acked {
			out = append(out, idx)
		}
	}
	return out
}

func (kg *KeyGen[N]) completePartsCount() uint64 {
	var count uint64
	for _, ps := range kg.parts {
		if ps.IsComplete(kg.threshold) {
			count++
		}
	}
	return count
}

func (kg *KeyGen[N]) drainComplaints() []*Message[N] {
	var out []*Message[N]
	for _, pc := range kg.pending {
		out = append(out, &Message[N]{
			Kind:      KindComplaint,
			Sender:    kg.ourIndex,
			Context:   kg.roster.Clone(),
			Complaint: &ComplaintPayload{Target: pc.Target, Msg: pc.Msg},
		})
	}
	kg.pending = nil
	return out
}

func (kg *KeyGen[N]) finalizeContributing() ([]*Message[N], error) {
	kg.phase = Complaining
	for _, idx := range kg.nonContributors() {
		kg.pending = append(kg.pending, pendingComplaint{Target: idx, Msg: []byte("not contributed")})
	}
	if len(kg.pending) == 0 && kg.completePartsCount() >= kg.threshold {
		kg.phase = Finalization
	}
	kg.log.Debugw("contribution phase closed", "phase", kg.phase.String(), "pending_complaints", len(kg.pending))
	return kg.drainComplaints(), nil
}

// TimedPhaseTransition closes Contribution (-> Complaining) or Complaining
// (-> Commitment or Finalization) when invoked by the caller's timer.
// Finalization is a no-op; any other phase is an error.
func (kg *KeyGen[N]) TimedPhaseTransition() ([]*Message[N], error) {
	switch kg.phase {
	case Contribution:
		return kg.finalizeContributing()
	case Complaining:
		return kg.finalizeComplaining()
	case Finalization:
		return nil, nil
	default:
		return nil, &UnexpectedPhaseError{Expected: []Phase{Contribution, Complaining, Finalization}, Actual: kg.phase}
	}
}

func (kg *KeyGen[N]) finalizeComplaining() ([]*Message[N], error) {
	failings := kg.complaintsAcc.Finalize()
	if uint64(len(failings)) >= kg.n-kg.threshold {
		var indices []uint64
		for name := range failings {
			idx, _ := kg.roster.GetShare(name)
			indices = append(indices, idx)
		}
		return nil, &TooManyNonVotersError{Indices: indices}
	}

	var out []*Message[N]
	if _, selfFailing := failings[kg.id]; selfFailing {
		out = append(out, &Message[N]{
			Kind:    KindJustification,
			Sender:  kg.ourIndex,
			Context: kg.roster.Clone(),
			Justification: &JustificationPayload[N]{
				KeysMap: kg.keySnapshot(),
			},
		})
	}

	if len(failings) > 0 {
		names := make([]N, 0, len(failings))
		for name := range failings {
			names = append(names, name)
		}
		kg.roster.RemoveMany(names)
		kg.n = uint64(kg.roster.Len())

		newIndex, present := kg.roster.GetShare(kg.id)
		if !present {
			kg.evicted = true
			kg.phase = Commitment
			kg.log.Warnw("this participant was removed for non-voting; no further proposals will be emitted")
			return out, nil
		}
		kg.ourIndex = newIndex
		kg.parts = map[uint64]*ProposalState{}
		kg.complaintsAcc = NewComplaintsAccumulator(kg.roster.Names(), kg.threshold)

		proposals, err := kg.sampleAndPropose()
		if err != nil {
			return nil, err
		}
		kg.phase = Commitment
		out = append(out, proposals...)
		return out, nil
	}

	if kg.completePartsCount() >= kg.threshold {
		kg.phase = Finalization
		return out, nil
	}
	proposals, err := kg.sampleAndPropose()
	if err != nil {
		return nil, err
	}
	kg.phase = Commitment
	out = append(out, proposals...)
	return out, nil
}

// keySnapshot captures the current encryption key material, per peer, for
// inclusion in a Justification message.
func (kg *KeyGen[N]) keySnapshot() map[N]KeySnapshot {
	out := make(map[N]KeySnapshot, len(kg.encryptors))
	for name, enc := range kg.encryptors {
		snap := enc.KeySnapshot()
		if snap == nil {
			continue
		}
		b, err := snap.MarshalBinary()
		if err != nil {
			continue
		}
		out[name] = KeySnapshot{Key: b}
	}
	return out
}

// GenerateKeys returns the final key material once this instance has
// reached Finalization.
func (kg *KeyGen[N]) GenerateKeys() (members []N, outcome *Outcome, ok bool) {
	if kg.phase != Finalization {
		return nil, nil, false
	}

	pkCommitment := poly.ZeroCommitment(kg.suite.KeyGroup)
	skVal := kg.suite.KeyGroup.Scalar().Zero()
	for _, ps := range kg.parts {
		if !ps.IsComplete(kg.threshold) {
			continue
		}
		pkCommitment = pkCommitment.Add(ps.Commitment.Row(0))

		points := map[uint64]kyber.Scalar{}
		for idx, v := range ps.Values {
			if uint64(len(points)) > kg.threshold {
				break
			}
			points[idx] = v
		}
		recovered := poly.Interpolate(kg.suite.KeyGroup, points)
		skVal = kg.suite.KeyGroup.Scalar().Add(skVal, recovered.Evaluate(0))
	}

	return kg.roster.Names(), &Outcome{PublicKeySet: pkCommitment, SecretKeyShare: skVal}, true
}

// PossibleBlockers returns a phase-dependent, best-effort attribution of
// which members are holding the protocol up.
func (kg *KeyGen[N]) PossibleBlockers() []N {
	switch kg.phase {
	case Initialization:
		observed := kg.initAcc.Senders()
		var out []N
		for _, name := range kg.roster.Names() {
			idx, _ := kg.roster.GetShare(name)
			if _, ok := observed[idx]; !ok {
				out = append(out, name)
			}
		}
		return out
	case Contribution:
		indices := kg.nonContributors()
		return kg.namesFor(indices)
	case Complaining:
		return nil
	case Commitment, Justification:
		var indices []uint64
		for _, name := range kg.roster.Names() {
			idx, _ := kg.roster.GetShare(name)
			missing := false
			for _, ps := range kg.parts {
				if _, acked := ps.Acks[idx]; !acked {
					missing = true
					break
				}
			}
			if missing {
				indices = append(indices, idx)
			}
		}
		return kg.namesFor(indices)
	default:
		return nil
	}
}

func (kg *KeyGen[N]) namesFor(indices []uint64) []N {
	var out []N
	for _, idx := range indices {
		if name, ok := kg.roster.GetName(idx); ok {
			out = append(out, name)
		}
	}
	return out
}
