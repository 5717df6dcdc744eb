package dkg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func lessStr(a, b string) bool { return a < b }
func formatStr(a string) string { return a }

func TestInitializationAccumulatorReachesQuorumAtM(t *testing.T) {
	acc := NewInitializationAccumulator[string](formatStr, lessStr)
	members := []string{"alice", "bob", "carol"}

	_, reached := acc.Add(2, 3, 0, members)
	require.False(t, reached)

	agreement, reached := acc.Add(2, 3, 1, members)
	require.True(t, reached)
	require.Equal(t, uint64(2), agreement.M)
	require.Equal(t, uint64(3), agreement.N)
	require.ElementsMatch(t, members, agreement.Members)
}

func TestInitializationAccumulatorIgnoresDuplicateSender(t *testing.T) {
	acc := NewInitializationAccumulator[string](formatStr, lessStr)
	members := []string{"alice", "bob", "carol"}

	_, reached := acc.Add(2, 3, 0, members)
	require.False(t, reached)
	_, reached = acc.Add(2, 3, 0, members) // same sender again, same vote
	require.False(t, reached)

	// A second distinct sender is still required to reach m=2, since the
	// duplicate above never counted.
	_, reached = acc.Add(2, 3, 2, members)
	require.True(t, reached)
}

func TestInitializationAccumulatorSendersTracksAllObserved(t *testing.T) {
	acc := NewInitializationAccumulator[string](formatStr, lessStr)
	acc.Add(2, 3, 0, []string{"a", "b", "c"})
	acc.Add(2, 3, 1, []string{"x", "y"}) // disagreeing vote, still counts as "seen"

	senders := acc.Senders()
	require.Len(t, senders, 2)
	_, ok0 := senders[0]
	_, ok1 := senders[1]
	require.True(t, ok0)
	require.True(t, ok1)
}

func TestComplaintsAccumulatorMarksMassAccusedTargetFaulty(t *testing.T) {
	members := []string{"a", "b", "c", "d", "e"} // n=5, threshold=3 -> n-t=2
	acc := NewComplaintsAccumulator(members, 3)

	acc.AddComplaint("a", "e", nil)
	acc.AddComplaint("b", "e", nil)
	acc.AddComplaint("c", "e", nil) // 3 accusers > n-t(=2)

	faulty := acc.Finalize()
	_, ok := faulty["e"]
	require.True(t, ok)
}

func TestComplaintsAccumulatorBelowThresholdStaysClean(t *testing.T) {
	members := []string{"a", "b", "c", "d", "e"}
	acc := NewComplaintsAccumulator(members, 3)

	acc.AddComplaint("a", "e", nil)
	acc.AddComplaint("b", "e", nil) // 2 accusers == n-t, not strictly greater

	faulty := acc.Finalize()
	require.Empty(t, faulty)
}

func TestComplaintsAccumulatorDropsNonMemberSenderAndTarget(t *testing.T) {
	members := []string{"a", "b", "c"}
	acc := NewComplaintsAccumulator(members, 1)

	acc.AddComplaint("ghost", "a", nil) // sender not a member
	acc.AddComplaint("a", "ghost", nil) // target not a member

	require.Empty(t, acc.Finalize())
}

func TestComplaintsAccumulatorEscalatesChronicAbstention(t *testing.T) {
	// n=9: honest accusers a,b,c join every mass-complaint against t1..t5;
	// "e" never joins any of them. Each target is accused by 3 > n-t=1, so
	// all five become faulty. "e" then missed 5 mass-complaints, which
	// exceeds n/2=4 (integer division), so "e" is also marked faulty; each
	// target missed the other four, which does not exceed 4, and the honest
	// accusers stay clean.
	members := []string{"a", "b", "c", "e", "t1", "t2", "t3", "t4", "t5"}
	acc := NewComplaintsAccumulator(members, 8) // n-t = 1

	for _, target := range []string{"t1", "t2", "t3", "t4", "t5"} {
		for _, accuser := range []string{"a", "b", "c"} {
			acc.AddComplaint(accuser, target, nil)
		}
	}

	faulty := acc.Finalize()
	for _, name := range []string{"t1", "t2", "t3", "t4", "t5", "e"} {
		_, ok := faulty[name]
		require.True(t, ok, "expected %s to be faulty", name)
	}
	for _, name := range []string{"a", "b", "c"} {
		_, ok := faulty[name]
		require.False(t, ok, "expected %s to stay clean", name)
	}
}
