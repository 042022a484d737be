package sentinel

import (
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

const maxDesync = time.Second

// voteLeader casts (or returns) our vote for this primary's failover round.
// At most one vote per epoch; voting for somebody else delays our own next
// attempt to keep elections from colliding.
func (s *Sentinel) voteLeader(primary *Instance, reqEpoch uint64, reqRunID string) (string, uint64) {
	if reqEpoch > s.currentEpoch {
		s.currentEpoch = reqEpoch
		s.flushConfig()
		s.emitEvent(logrus.WarnLevel, "+new-epoch", primary, "%d", s.currentEpoch)
	}

	if primary.pri.leaderEpoch < reqEpoch && s.currentEpoch <= reqEpoch {
		primary.pri.leaderRunID = reqRunID
		primary.pri.leaderEpoch = s.currentEpoch
		s.flushConfig()
		s.emitEvent(logrus.WarnLevel, "+vote-for-leader", primary, "%s %d",
			primary.pri.leaderRunID, primary.pri.leaderEpoch)
		if primary.pri.leaderRunID != s.myID {
			primary.pri.failoverStart = s.now().Add(s.desyncDelay())
		}
	}

	return primary.pri.leaderRunID, primary.pri.leaderEpoch
}

func (s *Sentinel) desyncDelay() time.Duration {
	return time.Duration(s.rng.Int63n(int64(maxDesync)))
}

// getLeader tallies the votes known for the given epoch and returns the
// winner's run id, or "" when no candidate holds both the majority of voters
// and the primary's quorum.
func (s *Sentinel) getLeader(primary *Instance, epoch uint64) string {
	counters := make(map[string]int)
	voters := 1 + len(primary.pri.sentinels)

	for _, peer := range primary.pri.sentinels {
		if peer.sen.leaderRunID != "" && peer.sen.leaderEpoch == epoch {
			counters[peer.sen.leaderRunID]++
		}
	}

	winner, maxVotes := "", 0
	for runID, votes := range counters {
		if votes > maxVotes || (votes == maxVotes && runID < winner) {
			winner, maxVotes = runID, votes
		}
	}

	// Cast our own vote: for the emerging winner, or for ourselves when
	// nobody leads yet.
	var myVote string
	var myVoteEpoch uint64
	if winner != "" {
		myVote, myVoteEpoch = s.voteLeader(primary, epoch, winner)
	} else {
		myVote, myVoteEpoch = s.voteLeader(primary, epoch, s.myID)
	}
	if myVote != "" && myVoteEpoch == epoch {
		counters[myVote]++
		if counters[myVote] > maxVotes || (counters[myVote] == maxVotes && (winner == "" || myVote < winner)) {
			winner, maxVotes = myVote, counters[myVote]
		}
	}

	required := voters/2 + 1
	if required < primary.pri.quorum {
		required = primary.pri.quorum
	}
	if maxVotes < required {
		return ""
	}
	return winner
}

// startFailoverIfNeeded begins a failover when the primary is objectively
// down (or a manual failover is forced) and no recent attempt blocks a retry.
func (s *Sentinel) startFailoverIfNeeded(primary *Instance) bool {
	if !primary.flags.Has(FlagODown) && !primary.flags.Has(FlagForceFailover) {
		return false
	}
	if primary.flags.Has(FlagFailoverInProgress) {
		return false
	}
	if s.now().Sub(primary.pri.failoverStart) < 2*primary.pri.failoverTimeout {
		return false
	}
	s.startFailover(primary)
	return true
}

func (s *Sentinel) startFailover(primary *Instance) {
	s.currentEpoch++
	primary.pri.failoverEpoch = s.currentEpoch
	s.emitEvent(logrus.WarnLevel, "+new-epoch", primary, "%d", s.currentEpoch)
	s.emitEvent(logrus.WarnLevel, "+try-failover", primary, "%@")

	primary.flags.Set(FlagFailoverInProgress)
	primary.pri.failoverState = FailoverWaitStart
	primary.pri.failoverStateChanged = s.now()
	primary.pri.failoverStart = s.now().Add(s.desyncDelay())
	s.flushConfig()
}

// abortFailover unwinds an attempt. Only legal up to the promotion wait; past
// that the new configuration has already been published.
func (s *Sentinel) abortFailover(primary *Instance) {
	if primary.pri.failoverState > FailoverWaitPromotion {
		return
	}
	primary.flags.Clear(FlagFailoverInProgress | FlagForceFailover)
	primary.pri.failoverState = FailoverNone
	primary.pri.failoverStateChanged = s.now()
	if primary.pri.promoted != nil {
		primary.pri.promoted.flags.Clear(FlagPromoted)
		primary.pri.promoted = nil
	}
}

func (s *Sentinel) runFailoverStateMachine(primary *Instance) {
	if !primary.flags.Has(FlagFailoverInProgress) {
		return
	}
	switch primary.pri.failoverState {
	case FailoverWaitStart:
		s.failoverWaitStart(primary)
	case FailoverSelectReplica:
		s.failoverSelectReplica(primary)
	case FailoverSendReplicaofNoone:
		s.failoverSendReplicaofNoone(primary)
	case FailoverWaitPromotion:
		s.failoverWaitPromotion(primary)
	case FailoverReconfReplicas:
		s.failoverReconfReplicas(primary)
	}
}

func (s *Sentinel) electionTimeout(primary *Instance) time.Duration {
	timeout := s.timing.ElectionTimeout
	if primary.pri.failoverTimeout < timeout {
		timeout = primary.pri.failoverTimeout
	}
	return timeout
}

func (s *Sentinel) failoverWaitStart(primary *Instance) {
	leader := s.getLeader(primary, primary.pri.failoverEpoch)
	isLeader := leader == s.myID

	if !isLeader && !primary.flags.Has(FlagForceFailover) {
		if s.now().Sub(primary.pri.failoverStart) > s.electionTimeout(primary) {
			s.emitEvent(logrus.WarnLevel, "-failover-abort-not-elected", primary, "%@")
			s.abortFailover(primary)
		}
		return
	}

	s.emitEvent(logrus.WarnLevel, "+elected-leader", primary, "%@")
	if s.simFlags&SimCrashAfterElection != 0 {
		s.simCrash()
	}
	primary.pri.failoverState = FailoverSelectReplica
	primary.pri.failoverStateChanged = s.now()
	s.emitEvent(logrus.WarnLevel, "+failover-state-select-slave", primary, "%@")
}

func (s *Sentinel) failoverSelectReplica(primary *Instance) {
	replica := s.selectReplicaToPromote(primary)
	if replica == nil {
		s.emitEvent(logrus.WarnLevel, "-failover-abort-no-good-slave", primary, "%@")
		s.abortFailover(primary)
		return
	}
	s.emitEvent(logrus.WarnLevel, "+selected-slave", replica, "%@")
	replica.flags.Set(FlagPromoted)
	primary.pri.promoted = replica
	primary.pri.failoverState = FailoverSendReplicaofNoone
	primary.pri.failoverStateChanged = s.now()
	s.emitEvent(logrus.InfoLevel, "+failover-state-send-slaveof-noone", replica, "%@")
}

func (s *Sentinel) failoverSendReplicaofNoone(primary *Instance) {
	replica := primary.pri.promoted

	if replica.link.disconnected() {
		if s.now().Sub(primary.pri.failoverStateChanged) > primary.pri.failoverTimeout {
			s.emitEvent(logrus.WarnLevel, "-failover-abort-slave-timeout", primary, "%@")
			s.abortFailover(primary)
		}
		return
	}

	if s.sendReplicaOf(replica, nil) != nil {
		return
	}
	s.emitEvent(logrus.InfoLevel, "+failover-state-wait-promotion", replica, "%@")
	primary.pri.failoverState = FailoverWaitPromotion
	primary.pri.failoverStateChanged = s.now()
}

func (s *Sentinel) failoverWaitPromotion(primary *Instance) {
	// The promotion itself is observed by the INFO path; this state only
	// enforces the timeout.
	if s.now().Sub(primary.pri.failoverStateChanged) > primary.pri.failoverTimeout {
		s.emitEvent(logrus.WarnLevel, "-failover-abort-slave-timeout", primary, "%@")
		s.abortFailover(primary)
	}
}

// onPromotionConfirmed fires when the promoted replica first reports itself
// primary: the new configuration wins the failover epoch and the remaining
// replicas start being repointed.
func (s *Sentinel) onPromotionConfirmed(replica *Instance) {
	primary := replica.primary

	primary.configEpoch = primary.pri.failoverEpoch
	primary.pri.failoverState = FailoverReconfReplicas
	primary.pri.failoverStateChanged = s.now()
	s.emitEvent(logrus.WarnLevel, "+promoted-slave", replica, "%@")
	if s.simFlags&SimCrashAfterPromotion != 0 {
		s.simCrash()
	}
	s.emitEvent(logrus.WarnLevel, "+failover-state-reconf-slaves", primary, "%@")
	s.flushConfig()
	s.forceHelloUpdate(primary)
	s.callReconfigScript(primary, "leader", "start", primary.addr, replica.addr)
}

func (s *Sentinel) failoverReconfReplicas(primary *Instance) {
	promoted := primary.pri.promoted
	inProgress := 0

	for _, replica := range primary.pri.replicas {
		if replica.flags.Has(FlagReconfSent | FlagReconfInProg) {
			inProgress++
		}
	}

	for _, replica := range primary.pri.replicas {
		// A stalled reconfiguration is advanced optimistically; the next
		// INFO round surfaces a misconfiguration and fixes it up.
		if replica.flags.Has(FlagReconfSent) &&
			s.now().Sub(replica.rep.reconfSentAt) > s.timing.ReplicaReconfTimeout {
			s.emitEvent(logrus.InfoLevel, "-slave-reconf-sent-timeout", replica, "%@")
			replica.flags.Clear(FlagReconfSent)
			replica.flags.Set(FlagReconfDone)
		}

		if inProgress >= primary.pri.parallelSyncs {
			continue
		}
		if replica.flags.Has(FlagPromoted | FlagReconfSent | FlagReconfInProg | FlagReconfDone) {
			continue
		}
		if replica.link.disconnected() {
			continue
		}

		if s.sendReplicaOf(replica, promoted.addr) != nil {
			continue
		}
		replica.flags.Set(FlagReconfSent)
		replica.rep.reconfSentAt = s.now()
		s.emitEvent(logrus.InfoLevel, "+slave-reconf-sent", replica, "%@")
		inProgress++
	}

	s.failoverDetectEnd(primary)
}

func (s *Sentinel) failoverDetectEnd(primary *Instance) {
	notReconfigured := 0
	timedOut := s.now().Sub(primary.pri.failoverStateChanged) > primary.pri.failoverTimeout

	for _, replica := range primary.pri.replicas {
		if replica.flags.Has(FlagPromoted | FlagReconfDone) {
			continue
		}
		if replica.flags.Has(FlagSDown) {
			continue
		}
		notReconfigured++
	}

	if notReconfigured == 0 {
		s.emitEvent(logrus.WarnLevel, "+failover-end", primary, "%@")
	} else if timedOut {
		s.emitEvent(logrus.WarnLevel, "+failover-end-for-timeout", primary, "%@")
		// Best effort: tell the stragglers anyway.
		for _, replica := range primary.pri.replicas {
			if replica.flags.Has(FlagPromoted | FlagReconfDone | FlagReconfSent) {
				continue
			}
			if replica.link.disconnected() {
				continue
			}
			if s.sendReplicaOf(replica, primary.pri.promoted.addr) == nil {
				replica.flags.Set(FlagReconfSent)
				s.emitEvent(logrus.InfoLevel, "+slave-reconf-sent-be", replica, "%@")
			}
		}
	} else {
		return
	}

	primary.pri.failoverState = FailoverUpdateConfig
	primary.pri.failoverStateChanged = s.now()
}

// switchToPromotedReplica finishes the failover: the primary takes the
// promoted replica's address and everything else becomes its replica.
func (s *Sentinel) switchToPromotedReplica(primary *Instance) {
	promoted := primary.pri.promoted
	oldAddr := primary.addr.Dup()

	s.emitEvent(logrus.WarnLevel, "+switch-master", primary, "%s %s %d %s %d",
		primary.name, oldAddr.IP, oldAddr.Port, promoted.addr.IP, promoted.addr.Port)

	newAddr := promoted.addr.Dup()
	s.resetPrimaryAndChangeAddress(primary, newAddr.Hostname, newAddr.Port)
}

// selectReplicaToPromote orders the healthy replicas by (priority, offset,
// run id) and returns the best, or nil.
func (s *Sentinel) selectReplicaToPromote(primary *Instance) *Instance {
	var candidates []*Instance
	now := s.now()

	maxPrimaryLinkDown := 10 * primary.downAfter
	if primary.flags.Has(FlagSDown) {
		maxPrimaryLinkDown += now.Sub(primary.sdownSince)
	}

	infoValidity := 3 * s.timing.InfoPeriod
	if primary.flags.Has(FlagSDown) {
		infoValidity = 5 * s.timing.PingPeriod
	}

	for _, replica := range primary.pri.replicas {
		if replica.flags.Has(FlagSDown | FlagODown) {
			continue
		}
		if replica.link.disconnected() {
			continue
		}
		if now.Sub(replica.link.lastAvail) > 5*s.timing.PingPeriod {
			continue
		}
		if replica.rep.priority == 0 || !replica.rep.announced {
			continue
		}
		if replica.lastInfo.IsZero() || now.Sub(replica.lastInfo) > infoValidity {
			continue
		}
		if replica.rep.primaryLinkDownTime > maxPrimaryLinkDown {
			continue
		}
		candidates = append(candidates, replica)
	}

	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.rep.priority != b.rep.priority {
			return a.rep.priority < b.rep.priority
		}
		if a.rep.replOffset != b.rep.replOffset {
			return a.rep.replOffset > b.rep.replOffset
		}
		// A missing run id sorts after any known one.
		if a.runID == "" {
			return false
		}
		if b.runID == "" {
			return true
		}
		return a.runID < b.runID
	})
	return candidates[0]
}

// sendReplicaOf issues the role-change bundle: the command is wrapped with a
// config rewrite and client kills in one transaction so clients cannot keep
// talking to a stale role. Replies are ignored; INFO confirms the effect.
func (s *Sentinel) sendReplicaOf(ri *Instance, addr *Addr) error {
	host, port := "NO", "ONE"
	if addr != nil {
		host, port = addr.IP, strconv.Itoa(addr.Port)
	}

	if err := s.sendCommand(ri, discardReply, "MULTI"); err != nil {
		return err
	}
	s.sendCommand(ri, discardReply, "SLAVEOF", host, port)
	s.sendCommand(ri, discardReply, "CONFIG", "REWRITE")
	s.sendCommand(ri, discardReply, "CLIENT", "KILL", "TYPE", "normal")
	s.sendCommand(ri, discardReply, "CLIENT", "KILL", "TYPE", "pubsub")
	return s.sendCommand(ri, discardReply, "EXEC")
}
