package sentinel

import (
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"sentinel/internal/protocol"
)

// checkSubjectivelyDown updates the local down belief for one instance.
func (s *Sentinel) checkSubjectivelyDown(ri *Instance) {
	now := s.now()

	var elapsed time.Duration
	if !ri.link.pendingSince.IsZero() {
		elapsed = now.Sub(ri.link.pendingSince)
	} else if ri.link.disconnected() && !ri.link.lastAvail.IsZero() {
		elapsed = now.Sub(ri.link.lastAvail)
	}

	down := elapsed > ri.downAfter

	if !down && ri.kind == KindPrimary &&
		ri.roleReported == KindReplica &&
		now.Sub(ri.roleReportedAt) > ri.downAfter+2*s.timing.InfoPeriod {
		down = true
	}

	if !down && ri.flags.Has(FlagPrimaryReboot) &&
		now.Sub(ri.rebootSince) > ri.pri.rebootDownAfter {
		down = true
	}

	if down && !ri.flags.Has(FlagSDown) {
		s.emitEvent(logrus.WarnLevel, "+sdown", ri, "%@")
		ri.sdownSince = now
		ri.flags.Set(FlagSDown)
	} else if !down && ri.flags.Has(FlagSDown) {
		s.emitEvent(logrus.WarnLevel, "-sdown", ri, "%@")
		ri.flags.Clear(FlagSDown | FlagScriptKillSent)
	}
}

// checkObjectivelyDown tallies peer opinions about a primary. ODOWN holds
// while we see it down ourselves and enough peers concur.
func (s *Sentinel) checkObjectivelyDown(primary *Instance) {
	quorumReached := false
	count := 0

	if primary.flags.Has(FlagSDown) {
		count = 1
		for _, peer := range primary.pri.sentinels {
			if peer.flags.Has(FlagPrimaryDown) {
				count++
			}
		}
		quorumReached = count >= primary.pri.quorum
	}

	if quorumReached && !primary.flags.Has(FlagODown) {
		s.emitEvent(logrus.WarnLevel, "+odown", primary, "%s #quorum %d/%d",
			s.instanceDetails(primary), count, primary.pri.quorum)
		primary.odownSince = s.now()
		primary.flags.Set(FlagODown)
	} else if !quorumReached && primary.flags.Has(FlagODown) {
		s.emitEvent(logrus.WarnLevel, "-odown", primary, "%@")
		primary.flags.Clear(FlagODown)
	}
}

const askForced = true

// askPrimaryStateToOtherSentinels queries every reachable peer for its view
// of the primary, and for its vote when our failover is soliciting one.
func (s *Sentinel) askPrimaryStateToOtherSentinels(primary *Instance, forced bool) {
	now := s.now()

	for _, peer := range primary.pri.sentinels {
		elapsed := now.Sub(peer.sen.lastDownReply)

		// A stale reply stops counting toward the quorum and forgets the
		// recorded vote.
		if elapsed > 5*s.timing.AskPeriod {
			peer.flags.Clear(FlagPrimaryDown)
			peer.sen.leaderRunID = ""
		}

		if !primary.flags.Has(FlagSDown) && !forced {
			continue
		}
		if peer.link.disconnected() {
			continue
		}
		if !forced && now.Sub(peer.sen.lastAsk) < s.timing.AskPeriod {
			continue
		}

		soliciting := "*"
		if primary.flags.Has(FlagFailoverInProgress) {
			soliciting = s.myID
		}

		err := s.sendCommand(peer, handleIsPrimaryDownReply,
			"SENTINEL", "is-master-down-by-addr",
			primary.addr.IP, strconv.Itoa(primary.addr.Port),
			strconv.FormatUint(s.currentEpoch, 10), soliciting)
		if err == nil {
			peer.sen.lastAsk = now
		}
	}
}

// handleIsPrimaryDownReply records a peer's (down?, vote, vote-epoch) triple.
func handleIsPrimaryDownReply(s *Sentinel, peer *Instance, reply *protocol.Reply) {
	if peer.kind != KindSentinel || peer.sen == nil {
		return
	}
	if reply.Type != protocol.ArrayReply || len(reply.Elems) != 3 {
		return
	}
	if reply.Elems[0].Type != protocol.IntegerReply || reply.Elems[2].Type != protocol.IntegerReply {
		return
	}

	peer.sen.lastDownReply = s.now()

	if reply.Elems[0].Int == 1 {
		peer.flags.Set(FlagPrimaryDown)
	} else {
		peer.flags.Clear(FlagPrimaryDown)
	}

	if vote := reply.Elems[1].Str; vote != "*" {
		peer.sen.leaderRunID = vote
		peer.sen.leaderEpoch = uint64(reply.Elems[2].Int)
	}
}
