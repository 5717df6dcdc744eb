// Package harnesstest wires a fixed set of named KeyGen instances together
// behind an in-process, synchronous message bus. It exists only for tests:
// it drives end-to-end DKG scenarios deterministically, the way the
// teacher's own DKGRunner drives a live network through phases by polling,
// except here delivery is a direct function call instead of a gRPC round
// trip.
package harnesstest

import (
	"fmt"

	kyber "github.com/drand/kyber"
	"github.com/drand/kyber/util/random"

	"github.com/threshold-net/bdkg/dkg"
	"github.com/threshold-net/bdkg/internal/log"
	"github.com/threshold-net/bdkg/suite"
)

// Config describes the fixed membership a Network is built from.
type Config[N comparable] struct {
	Threshold uint64
	Members   []N
	Less      func(a, b N) bool
	Format    func(N) string
	EpochID   uint64
}

// Network owns one KeyGen per member plus the routing table needed to
// simulate selective non-responsiveness.
type Network[N comparable] struct {
	Suite    *suite.Suite
	Members  []N
	KeyGens  map[N]*dkg.KeyGen[N]
	Excluded map[N]bool // members whose HandleMessage is never invoked, simulating silence

	format func(N) string
}

// New samples one keypair per member, constructs N KeyGen instances sharing
// the same public key map, and returns the Network alongside the initial
// Initialization message each instance emits.
func New[N comparable](cfg Config[N]) (*Network[N], []*dkg.Message[N], error) {
	s := suite.NewBLS12381()

	secrets := make(map[N]kyber.Scalar, len(cfg.Members))
	pubKeys := make(map[N]kyber.Point, len(cfg.Members))
	base := s.KeyGroup.Point().Base()
	for _, m := range cfg.Members {
		sk := s.KeyGroup.Scalar().Pick(random.New())
		secrets[m] = sk
		pubKeys[m] = s.KeyGroup.Point().Mul(sk, base)
	}

	net := &Network[N]{
		Suite:    s,
		Members:  append([]N(nil), cfg.Members...),
		KeyGens:  map[N]*dkg.KeyGen[N]{},
		Excluded: map[N]bool{},
		format:   cfg.Format,
	}

	logger := log.DefaultLogger()
	var initMsgs []*dkg.Message[N]
	for _, m := range cfg.Members {
		kg, msg, err := dkg.New(
			logger.Named(cfg.Format(m)),
			s,
			m,
			secrets[m],
			cfg.Threshold,
			pubKeys,
			dkg.Mode{Kind: dkg.ModeInitial},
			cfg.EpochID,
			cfg.Less,
			cfg.Format,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("harnesstest: building %v: %w", cfg.Format(m), err)
		}
		net.KeyGens[m] = kg
		initMsgs = append(initMsgs, msg)
	}
	return net, initMsgs, nil
}

// Exclude marks members as non-responsive: their HandleMessage is never
// called again, so they neither react to nor originate further messages.
func (net *Network[N]) Exclude(members ...N) {
	for _, m := range members {
		net.Excluded[m] = true
	}
}

// Deliver floods every message in queue to every non-excluded member's
// HandleMessage, feeding each handler's own output back into the queue,
// until the queue drains. It never calls TimedPhaseTransition; callers
// drive phase-boundary timeouts explicitly via AdvanceAll.
func (net *Network[N]) Deliver(queue []*dkg.Message[N]) ([]*dkg.Message[N], error) {
	var produced []*dkg.Message[N]
	for len(queue) > 0 {
		msg := queue[0]
		queue = queue[1:]
		for _, m := range net.Members {
			if net.Excluded[m] {
				continue
			}
			out, err := net.KeyGens[m].HandleMessage(msg)
			if err != nil {
				return nil, fmt.Errorf("harnesstest: %v handling %s from %d: %w", net.format(m), msg.Kind, msg.Sender, err)
			}
			queue = append(queue, out...)
			produced = append(produced, out...)
		}
	}
	return produced, nil
}

// AdvanceAll invokes TimedPhaseTransition on every non-excluded member,
// simulating every live participant's timeout firing simultaneously.
func (net *Network[N]) AdvanceAll() ([]*dkg.Message[N], error) {
	var produced []*dkg.Message[N]
	for _, m := range net.Members {
		if net.Excluded[m] {
			continue
		}
		out, err := net.KeyGens[m].TimedPhaseTransition()
		if err != nil {
			return nil, fmt.Errorf("harnesstest: advancing %v: %w", net.format(m), err)
		}
		produced = append(produced, out...)
	}
	return produced, nil
}

// AllFinalized reports whether every non-excluded member has reached the
// Finalization phase.
func (net *Network[N]) AllFinalized() bool {
	for _, m := range net.Members {
		if net.Excluded[m] {
			continue
		}
		if net.KeyGens[m].Phase() != dkg.Finalization {
			return false
		}
	}
	return true
}

// Run drives Deliver/AdvanceAll alternately, as a caller's scheduler would
// alternate "messages arrived" and "my timer fired", until every live
// member reaches Finalization or maxRounds is exhausted.
func (net *Network[N]) Run(initMsgs []*dkg.Message[N], maxRounds int) error {
	queue := initMsgs
	for round := 0; round < maxRounds; round++ {
		// Deliver drains the queue itself, including every message the
		// handlers produce along the way, so nothing it returns is pending.
		if _, err := net.Deliver(queue); err != nil {
			return err
		}
		if net.AllFinalized() {
			return nil
		}
		advanced, err := net.AdvanceAll()
		if err != nil {
			return err
		}
		queue = advanced
		if len(queue) == 0 && net.AllFinalized() {
			return nil
		}
	}
	return fmt.Errorf("harnesstest: did not converge within %d rounds", maxRounds)
}
