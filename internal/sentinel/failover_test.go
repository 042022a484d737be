package sentinel

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoteLeaderSingleVotePerEpoch(t *testing.T) {
	s, _ := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)
	s.currentEpoch = 5

	leader, epoch := s.voteLeader(primary, 5, "candidate-a")
	assert.Equal(t, "candidate-a", leader)
	assert.Equal(t, uint64(5), epoch)

	// Same epoch, different candidate: the vote does not move.
	leader, epoch = s.voteLeader(primary, 5, "candidate-b")
	assert.Equal(t, "candidate-a", leader)
	assert.Equal(t, uint64(5), epoch)

	// Next epoch is a fresh ballot.
	leader, epoch = s.voteLeader(primary, 6, "candidate-b")
	assert.Equal(t, "candidate-b", leader)
	assert.Equal(t, uint64(6), epoch)
}

func TestVoteLeaderRaisesEpoch(t *testing.T) {
	s, _ := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)
	s.currentEpoch = 2

	_, _ = s.voteLeader(primary, 10, "candidate-a")
	assert.Equal(t, uint64(10), s.currentEpoch)
}

func TestVoteForOtherDelaysOwnAttempt(t *testing.T) {
	s, clock := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)
	s.currentEpoch = 3
	primary.pri.failoverStart = time.Time{}

	s.voteLeader(primary, 3, "someone-else")
	assert.True(t, primary.pri.failoverStart.After(clock.current.Add(-time.Millisecond)))
}

func TestGetLeaderMajorityAndQuorum(t *testing.T) {
	s, _ := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)
	s.currentEpoch = 4

	// Two peers vote for us; with our own vote that is 3 of 3 voters.
	for i, ip := range []string{"10.0.0.3", "10.0.0.4"} {
		peer := addTestSentinel(t, s, primary, fmt.Sprintf("%d%d00000000000000000000000000000000000000", i+1, i+1), ip, 26379)
		peer.sen.leaderRunID = s.myID
		peer.sen.leaderEpoch = 4
	}

	assert.Equal(t, s.myID, s.getLeader(primary, 4))
}

func TestGetLeaderSplitVote(t *testing.T) {
	s, _ := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)
	s.currentEpoch = 4
	// Our own vote is already burned on ourselves this epoch.
	primary.pri.leaderRunID = s.myID
	primary.pri.leaderEpoch = 4

	peerA := addTestSentinel(t, s, primary, "1100000000000000000000000000000000000000", "10.0.0.3", 26379)
	peerB := addTestSentinel(t, s, primary, "2200000000000000000000000000000000000000", "10.0.0.4", 26379)
	peerA.sen.leaderRunID = peerA.runID
	peerA.sen.leaderEpoch = 4
	peerB.sen.leaderRunID = peerB.runID
	peerB.sen.leaderEpoch = 4

	// 1-1-1: nobody holds max(majority, quorum) = 2.
	assert.Equal(t, "", s.getLeader(primary, 4))
}

func TestGetLeaderIgnoresOtherEpochVotes(t *testing.T) {
	s, _ := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)
	s.currentEpoch = 4
	primary.pri.leaderRunID = s.myID
	primary.pri.leaderEpoch = 4

	peer := addTestSentinel(t, s, primary, "1100000000000000000000000000000000000000", "10.0.0.3", 26379)
	peer.sen.leaderRunID = s.myID
	peer.sen.leaderEpoch = 3 // stale ballot

	assert.Equal(t, "", s.getLeader(primary, 4))
}

func TestStartFailoverGate(t *testing.T) {
	s, clock := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)

	// Not ODOWN: no start.
	assert.False(t, s.startFailoverIfNeeded(primary))

	primary.flags.Set(FlagODown)
	primary.pri.failoverStart = clock.current.Add(-primary.pri.failoverTimeout)
	// A too-recent previous attempt blocks the retry window.
	assert.False(t, s.startFailoverIfNeeded(primary))

	primary.pri.failoverStart = clock.current.Add(-2*primary.pri.failoverTimeout - time.Second)
	assert.True(t, s.startFailoverIfNeeded(primary))
	assert.True(t, primary.flags.Has(FlagFailoverInProgress))
	assert.Equal(t, FailoverWaitStart, primary.pri.failoverState)
	assert.Equal(t, uint64(1), s.currentEpoch)
	assert.Equal(t, uint64(1), primary.pri.failoverEpoch)

	// Already in progress: no second start.
	assert.False(t, s.startFailoverIfNeeded(primary))
}

func TestWaitStartAbortsWhenNotElected(t *testing.T) {
	s, clock := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)
	// Two peers exist so our self-vote alone can never win.
	addTestSentinel(t, s, primary, "1100000000000000000000000000000000000000", "10.0.0.3", 26379)
	addTestSentinel(t, s, primary, "2200000000000000000000000000000000000000", "10.0.0.4", 26379)

	primary.flags.Set(FlagODown)
	primary.pri.failoverStart = clock.current.Add(-2*primary.pri.failoverTimeout - time.Second)
	require.True(t, s.startFailoverIfNeeded(primary))

	// Not elected, election window still open: state holds.
	s.runFailoverStateMachine(primary)
	assert.Equal(t, FailoverWaitStart, primary.pri.failoverState)

	clock.Advance(s.electionTimeout(primary) + 2*time.Second)
	s.runFailoverStateMachine(primary)
	assert.Equal(t, FailoverNone, primary.pri.failoverState)
	assert.False(t, primary.flags.Has(FlagFailoverInProgress))
}

func electLeader(t *testing.T, s *Sentinel, primary *Instance) {
	t.Helper()
	primary.flags.Set(FlagODown)
	primary.pri.failoverStart = s.now().Add(-2*primary.pri.failoverTimeout - time.Second)
	require.True(t, s.startFailoverIfNeeded(primary))
	// Sole voter: our self-vote is the majority.
	s.runFailoverStateMachine(primary)
}

func TestFailoverHappyPath(t *testing.T) {
	s, _ := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 1)
	replica := addTestReplica(t, s, primary, "10.0.0.2", 6380)
	markReachable(s, replica)
	replica.runID = "aa00000000000000000000000000000000000000"
	replica.rep.replOffset = 1000

	electLeader(t, s, primary)
	require.Equal(t, FailoverSelectReplica, primary.pri.failoverState)

	s.runFailoverStateMachine(primary)
	require.Equal(t, FailoverSendReplicaofNoone, primary.pri.failoverState)
	assert.Same(t, replica, primary.pri.promoted)
	assert.True(t, replica.flags.Has(FlagPromoted))

	s.runFailoverStateMachine(primary)
	require.Equal(t, FailoverWaitPromotion, primary.pri.failoverState)

	// The reconfiguration bundle went out as one transaction.
	fake := replica.link.cmd.nc.(*fakeNetConn)
	var all string
	for _, w := range fake.written {
		all += string(w)
	}
	assert.Contains(t, all, "MULTI")
	assert.Contains(t, all, "SLAVEOF")
	assert.Contains(t, all, "NO")
	assert.Contains(t, all, "CONFIG")
	assert.Contains(t, all, "EXEC")

	// INFO reports the promotion; the replicas stage begins.
	s.refreshInstanceInfo(replica, "role:master\r\n")
	require.Equal(t, FailoverReconfReplicas, primary.pri.failoverState)
	assert.Equal(t, primary.pri.failoverEpoch, primary.configEpoch)

	// Nothing left to reconfigure: the failover ends and the switch runs.
	s.runFailoverStateMachine(primary)
	require.Equal(t, FailoverUpdateConfig, primary.pri.failoverState)

	s.switchToPromotedReplica(primary)
	assert.Equal(t, "10.0.0.2", primary.addr.IP)
	assert.Equal(t, 6380, primary.addr.Port)
	assert.Equal(t, FailoverNone, primary.pri.failoverState)
}

func TestSelectReplicaAbortsWithoutCandidates(t *testing.T) {
	s, _ := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 1)
	replica := addTestReplica(t, s, primary, "10.0.0.2", 6380)
	replica.flags.Set(FlagSDown)

	electLeader(t, s, primary)
	require.Equal(t, FailoverSelectReplica, primary.pri.failoverState)

	s.runFailoverStateMachine(primary)
	assert.Equal(t, FailoverNone, primary.pri.failoverState)
	assert.False(t, primary.flags.Has(FlagFailoverInProgress))
}

func TestReplicaSelectionOrdering(t *testing.T) {
	s, _ := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)

	r1 := addTestReplica(t, s, primary, "10.0.0.2", 6380)
	r2 := addTestReplica(t, s, primary, "10.0.0.3", 6380)
	r3 := addTestReplica(t, s, primary, "10.0.0.4", 6380)
	for _, r := range []*Instance{r1, r2, r3} {
		markReachable(s, r)
	}

	// Lowest priority wins outright.
	r1.rep.priority, r1.rep.replOffset, r1.runID = 100, 500, "aa"
	r2.rep.priority, r2.rep.replOffset, r2.runID = 10, 100, "bb"
	r3.rep.priority, r3.rep.replOffset, r3.runID = 100, 900, "cc"
	assert.Same(t, r2, s.selectReplicaToPromote(primary))

	// Equal priority: larger offset wins.
	r2.rep.priority = 100
	assert.Same(t, r3, s.selectReplicaToPromote(primary))

	// Full tie on priority and offset: lexicographically smaller run id.
	r1.rep.replOffset, r2.rep.replOffset, r3.rep.replOffset = 500, 500, 500
	assert.Same(t, r1, s.selectReplicaToPromote(primary))

	// A missing run id loses the tie against any known one.
	r1.runID = ""
	assert.Same(t, r2, s.selectReplicaToPromote(primary))
}

func TestReplicaSelectionFilters(t *testing.T) {
	s, clock := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)

	down := addTestReplica(t, s, primary, "10.0.0.2", 6380)
	markReachable(s, down)
	down.flags.Set(FlagSDown)

	zeroPriority := addTestReplica(t, s, primary, "10.0.0.3", 6380)
	markReachable(s, zeroPriority)
	zeroPriority.rep.priority = 0

	unannounced := addTestReplica(t, s, primary, "10.0.0.4", 6380)
	markReachable(s, unannounced)
	unannounced.rep.announced = false

	staleInfo := addTestReplica(t, s, primary, "10.0.0.5", 6380)
	markReachable(s, staleInfo)
	staleInfo.lastInfo = clock.current.Add(-3*s.timing.InfoPeriod - time.Minute)

	assert.Nil(t, s.selectReplicaToPromote(primary))

	good := addTestReplica(t, s, primary, "10.0.0.6", 6380)
	markReachable(s, good)
	assert.Same(t, good, s.selectReplicaToPromote(primary))
}

func TestReconfReplicasParallelSyncsLimit(t *testing.T) {
	s, _ := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)
	primary.pri.parallelSyncs = 1
	primary.flags.Set(FlagFailoverInProgress)
	primary.pri.failoverState = FailoverReconfReplicas
	primary.pri.failoverStateChanged = s.now()

	promoted := addTestReplica(t, s, primary, "10.0.0.2", 6380)
	markReachable(s, promoted)
	promoted.flags.Set(FlagPromoted)
	primary.pri.promoted = promoted

	other1 := addTestReplica(t, s, primary, "10.0.0.3", 6380)
	other2 := addTestReplica(t, s, primary, "10.0.0.4", 6380)
	markReachable(s, other1)
	markReachable(s, other2)

	s.runFailoverStateMachine(primary)

	sentCount := 0
	for _, r := range []*Instance{other1, other2} {
		if r.flags.Has(FlagReconfSent) {
			sentCount++
		}
	}
	assert.Equal(t, 1, sentCount)
	assert.Equal(t, FailoverReconfReplicas, primary.pri.failoverState)
}

func TestReconfSentTimeoutAdvancesOptimistically(t *testing.T) {
	s, clock := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)
	primary.flags.Set(FlagFailoverInProgress)
	primary.pri.failoverState = FailoverReconfReplicas
	primary.pri.failoverStateChanged = s.now()

	promoted := addTestReplica(t, s, primary, "10.0.0.2", 6380)
	markReachable(s, promoted)
	promoted.flags.Set(FlagPromoted)
	primary.pri.promoted = promoted

	stalled := addTestReplica(t, s, primary, "10.0.0.3", 6380)
	markReachable(s, stalled)
	stalled.flags.Set(FlagReconfSent)
	stalled.rep.reconfSentAt = clock.current

	clock.Advance(s.timing.ReplicaReconfTimeout + time.Second)
	s.runFailoverStateMachine(primary)

	assert.True(t, stalled.flags.Has(FlagReconfDone))
	assert.Equal(t, FailoverUpdateConfig, primary.pri.failoverState)
}

func TestForceFailoverBypassesElection(t *testing.T) {
	s, _ := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)
	// Peers that never vote: a normal election could not be won.
	addTestSentinel(t, s, primary, "1100000000000000000000000000000000000000", "10.0.0.3", 26379)
	addTestSentinel(t, s, primary, "2200000000000000000000000000000000000000", "10.0.0.4", 26379)
	replica := addTestReplica(t, s, primary, "10.0.0.2", 6380)
	markReachable(s, replica)

	primary.flags.Set(FlagForceFailover)
	primary.pri.failoverStart = s.now().Add(-2*primary.pri.failoverTimeout - time.Second)
	require.True(t, s.startFailoverIfNeeded(primary))

	s.runFailoverStateMachine(primary)
	assert.Equal(t, FailoverSelectReplica, primary.pri.failoverState)
}

func TestAbortOnlyBeforePromotion(t *testing.T) {
	s, _ := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)
	replica := addTestReplica(t, s, primary, "10.0.0.2", 6380)

	primary.flags.Set(FlagFailoverInProgress)
	primary.pri.failoverState = FailoverReconfReplicas
	primary.pri.promoted = replica
	replica.flags.Set(FlagPromoted)

	s.abortFailover(primary)
	// Past the point of no return: nothing is unwound.
	assert.Equal(t, FailoverReconfReplicas, primary.pri.failoverState)
	assert.True(t, replica.flags.Has(FlagPromoted))

	primary.pri.failoverState = FailoverWaitPromotion
	s.abortFailover(primary)
	assert.Equal(t, FailoverNone, primary.pri.failoverState)
	assert.False(t, replica.flags.Has(FlagPromoted))
	assert.Nil(t, primary.pri.promoted)
}

func TestEpochsNeverDecrease(t *testing.T) {
	s, _ := newTestSentinel(t)
	primary := addTestPrimary(t, s, "mymaster", 2)

	last := s.currentEpoch
	for _, e := range []uint64{3, 1, 7, 7, 2} {
		s.voteLeader(primary, e, "candidate")
		assert.GreaterOrEqual(t, s.currentEpoch, last)
		last = s.currentEpoch
	}
	assert.Equal(t, uint64(7), s.currentEpoch)
}
