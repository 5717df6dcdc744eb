// Package roster maintains the stable bijection between participant names
// and their DKG share indices across epochs, minimizing share churn when
// membership changes.
//
// A BLS share is tied to its evaluation point: reissuing share k to a
// different participant would invalidate any material already bound to k.
// Roster therefore never reassigns a share still held by its owner, and
// reuses freed shares before minting new ones.
package roster

import (
	"sort"
)

// Roster is the bijection between participant names and share indices for
// one DKG epoch. The zero value is not usable; construct with New.
type Roster[N comparable] struct {
	names     []N
	shares    []uint64
	available []uint64 // sorted descending; popping the tail gives the smallest freed share
	less      func(a, b N) bool
	epochID   uint64
}

// New builds a roster from an unordered set of names, assigning shares
// 0..len-1 in lexicographic order. Field arithmetic elsewhere uses
// index+1 so that the assigned share is never used as a zero evaluation
// point.
func New[N comparable](names []N, less func(a, b N) bool) *Roster[N] {
	r := &Roster[N]{less: less}
	r.names = append([]N(nil), names...)
	sort.Slice(r.names, func(i, j int) bool { return less(r.names[i], r.names[j]) })
	r.shares = make([]uint64, len(r.names))
	for i := range r.shares {
		r.shares[i] = uint64(i)
	}
	return r
}

// EpochID returns the opaque epoch tag carried on every message derived
// from this roster snapshot.
func (r *Roster[N]) EpochID() uint64 { return r.epochID }

// SetEpochID tags this roster snapshot with an opaque epoch value.
// Receivers compare epoch IDs by equality, never by ordering.
func (r *Roster[N]) SetEpochID(id uint64) { r.epochID = id }

// Len returns the number of present members.
func (r *Roster[N]) Len() int { return len(r.names) }

// Names returns the present members in roster (index) order.
func (r *Roster[N]) Names() []N { return append([]N(nil), r.names...) }

// GetShare returns the share assigned to name, if present.
func (r *Roster[N]) GetShare(name N) (uint64, bool) {
	for i, n := range r.names {
		if n == name {
			return r.shares[i], true
		}
	}
	return 0, false
}

// GetName returns the name holding share, if any member currently does.
func (r *Roster[N]) GetName(share uint64) (N, bool) {
	for i, s := range r.shares {
		if s == share {
			return r.names[i], true
		}
	}
	var zero N
	return zero, false
}

// Remove unlinks name if present, returning its share to the available
// pool for reuse.
func (r *Roster[N]) Remove(name N) {
	r.removeAll(map[N]struct{}{name: {}})
}

// RemoveMany unlinks every present name in names, batching the pool update.
func (r *Roster[N]) RemoveMany(names []N) {
	set := make(map[N]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	r.removeAll(set)
}

func (r *Roster[N]) removeAll(targets map[N]struct{}) {
	keptNames := r.names[:0:0]
	keptShares := r.shares[:0:0]
	for i, n := range r.names {
		if _, drop := targets[n]; drop {
			r.available = append(r.available, r.shares[i])
			continue
		}
		keptNames = append(keptNames, n)
		keptShares = append(keptShares, r.shares[i])
	}
	r.names = keptNames
	r.shares = keptShares
	sort.Sort(sort.Reverse(uint64Slice(r.available)))
}

// Add inserts name, reusing a freed share if the pool is non-empty,
// otherwise minting a fresh one. Fresh allocation is derived from the
// current maximum of (assigned shares ∪ available pool) + 1, computed
// independently for this call, so that a reused share popped earlier in
// the same batch can never collide with a freshly minted one (see
// AddMany).
func (r *Roster[N]) Add(name N) {
	r.addAll([]N{name})
}

// AddMany inserts every name in names. Each insertion independently
// either reuses a freed share or mints the next fresh one; the fresh
// allocator is recomputed from current state at every step rather than
// cached once for the whole batch.
func (r *Roster[N]) AddMany(names []N) {
	r.addAll(names)
}

func (r *Roster[N]) addAll(names []N) {
	for _, name := range names {
		var share uint64
		if n := len(r.available); n > 0 {
			share = r.available[n-1]
			r.available = r.available[:n-1]
		} else {
			share = r.nextFreshShare()
		}
		r.names = append(r.names, name)
		r.shares = append(r.shares, share)
	}
	r.resort()
}

// nextFreshShare computes max(assigned shares ∪ available) + 1. Deriving
// it freshly at every call (rather than precomputing len(shares) once
// before a batch loop) is the fix for the known add_many bug: a reused
// share popped mid-batch can no longer coincide with a fresh allocation's
// trajectory, because the trajectory is recomputed after each step.
func (r *Roster[N]) nextFreshShare() uint64 {
	var max uint64
	have := false
	for _, s := range r.shares {
		if !have || s > max {
			max, have = s, true
		}
	}
	for _, s := range r.available {
		if !have || s > max {
			max, have = s, true
		}
	}
	if !have {
		return 0
	}
	return max + 1
}

func (r *Roster[N]) resort() {
	idx := make([]int, len(r.names))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return r.less(r.names[idx[i]], r.names[idx[j]]) })
	names := make([]N, len(r.names))
	shares := make([]uint64, len(r.shares))
	for newPos, oldPos := range idx {
		names[newPos] = r.names[oldPos]
		shares[newPos] = r.shares[oldPos]
	}
	r.names, r.shares = names, shares
}

// DiffTo reconciles the roster to newNames: members absent from newNames
// are removed (freeing their shares) and members present in newNames but
// absent here are added. Calling DiffTo(R) twice in a row is a no-op the
// second time, since the roster already equals R after the first call.
func (r *Roster[N]) DiffTo(newNames []N) {
	current := make(map[N]struct{}, len(r.names))
	for _, n := range r.names {
		current[n] = struct{}{}
	}
	target := make(map[N]struct{}, len(newNames))
	for _, n := range newNames {
		target[n] = struct{}{}
	}

	var toRemove []N
	for n := range current {
		if _, ok := target[n]; !ok {
			toRemove = append(toRemove, n)
		}
	}
	var toAdd []N
	for _, n := range newNames {
		if _, ok := current[n]; !ok {
			toAdd = append(toAdd, n)
		}
	}
	r.RemoveMany(toRemove)
	r.AddMany(toAdd)
}

// Clone returns a deep copy snapshot, safe to attach to an outgoing
// message without aliasing this roster's future mutations.
func (r *Roster[N]) Clone() *Roster[N] {
	return &Roster[N]{
		names:     append([]N(nil), r.names...),
		shares:    append([]uint64(nil), r.shares...),
		available: append([]uint64(nil), r.available...),
		less:      r.less,
		epochID:   r.epochID,
	}
}

// Equal reports whether two roster snapshots carry the same epoch. Message
// handlers use this, not deep structural equality, to decide whether an
// inbound message belongs to the local session.
func (r *Roster[N]) Equal(other *Roster[N]) bool {
	return other != nil && r.epochID == other.epochID
}

type uint64Slice []uint64

func (s uint64Slice) Len() int           { return len(s) }
func (s uint64Slice) Less(i, j int) bool { return s[i] < s[j] }
func (s uint64Slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
