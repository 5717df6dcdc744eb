package dkg

import (
	"fmt"
	"sort"
)

// Agreement is the (m, n, members) triple an InitializationAccumulator
// reports once enough senders agree on it.
type Agreement[N comparable] struct {
	M       uint64
	N       uint64
	Members []N
}

// InitializationAccumulator tracks which senders announced which
// (m, n, members) triple, and signals quorum once m distinct senders agree
// on the same one.
type InitializationAccumulator[N comparable] struct {
	lessName func(a, b N) bool
	format   func(N) string
	senders  map[uint64]struct{}
	votes    map[string]*voteRecord[N]
}

type voteRecord[N comparable] struct {
	m, n    uint64
	members []N
	senders map[uint64]struct{}
}

// NewInitializationAccumulator returns an empty accumulator. format renders
// a name to a stable string, used only to build the internal vote key.
func NewInitializationAccumulator[N comparable](format func(N) string, lessName func(a, b N) bool) *InitializationAccumulator[N] {
	return &InitializationAccumulator[N]{
		format:   format,
		lessName: lessName,
		senders:  map[uint64]struct{}{},
		votes:    map[string]*voteRecord[N]{},
	}
}

// Add records sender's vote for (m, n, members). Duplicate senders are
// ignored entirely (their first vote stands). Returns the agreed triple and
// true once m distinct senders have voted for the identical triple.
func (a *InitializationAccumulator[N]) Add(m, n uint64, sender uint64, members []N) (*Agreement[N], bool) {
	if _, ok := a.senders[sender]; ok {
		return nil, false
	}
	a.senders[sender] = struct{}{}

	key := a.voteKey(m, n, members)
	rec, ok := a.votes[key]
	if !ok {
		rec = &voteRecord[N]{m: m, n: n, members: append([]N(nil), members...), senders: map[uint64]struct{}{}}
		a.votes[key] = rec
	}
	rec.senders[sender] = struct{}{}

	if uint64(len(rec.senders)) >= rec.m {
		return &Agreement[N]{M: rec.m, N: rec.n, Members: append([]N(nil), rec.members...)}, true
	}
	return nil, false
}

// Senders returns every sender index observed so far, for possible_blockers
// to compute who has stayed silent.
func (a *InitializationAccumulator[N]) Senders() map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(a.senders))
	for s := range a.senders {
		out[s] = struct{}{}
	}
	return out
}

func (a *InitializationAccumulator[N]) voteKey(m, n uint64, members []N) string {
	names := make([]string, len(members))
	for i, mem := range members {
		names[i] = a.format(mem)
	}
	sort.Strings(names)
	key := fmt.Sprintf("%d|%d|", m, n)
	for _, nm := range names {
		key += nm + ","
	}
	return key
}

// ComplaintsAccumulator aggregates per-target accusation sets over one
// Complaining phase and computes the provably-faulty set at phase close.
type ComplaintsAccumulator[N comparable] struct {
	pubKeys     map[N]struct{}
	threshold   uint64
	complaints  map[N]map[N]struct{} // target -> accusers
}

// NewComplaintsAccumulator returns an accumulator scoped to the given
// member set and reconstruction threshold.
func NewComplaintsAccumulator[N comparable](members []N, threshold uint64) *ComplaintsAccumulator[N] {
	pubKeys := make(map[N]struct{}, len(members))
	for _, m := range members {
		pubKeys[m] = struct{}{}
	}
	return &ComplaintsAccumulator[N]{
		pubKeys:    pubKeys,
		threshold:  threshold,
		complaints: map[N]map[N]struct{}{},
	}
}

// AddComplaint records that sender accuses target. Both must be current
// members; the accusation payload itself is not validated at this layer.
func (c *ComplaintsAccumulator[N]) AddComplaint(sender, target N, _ []byte) {
	if _, ok := c.pubKeys[sender]; !ok {
		return
	}
	if _, ok := c.pubKeys[target]; !ok {
		return
	}
	accusers, ok := c.complaints[target]
	if !ok {
		accusers = map[N]struct{}{}
		c.complaints[target] = accusers
	}
	accusers[sender] = struct{}{}
}

// Finalize computes the faulty set: targets accused by more than n-threshold
// members are faulty, and any member who failed to join such a mass
// complaint more than n/2 times is also faulty.
func (c *ComplaintsAccumulator[N]) Finalize() map[N]struct{} {
	n := uint64(len(c.pubKeys))
	faulty := map[N]struct{}{}
	missed := map[N]int{}

	for target, accusers := range c.complaints {
		if uint64(len(accusers)) <= n-c.threshold {
			continue
		}
		faulty[target] = struct{}{}
		for member := range c.pubKeys {
			if member == target {
				continue
			}
			if _, accused := accusers[member]; !accused {
				missed[member]++
			}
		}
	}

	for member, count := range missed {
		if uint64(count) > n/2 {
			faulty[member] = struct{}{}
		}
	}
	return faulty
}
