package sentinel

import (
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"sentinel/internal/protocol"
)

const helloChannel = "__sentinel__:hello"

// monitorInstance is the per-tick monitoring half for one instance:
// reconnect, watch link health, issue the periodic commands.
func (s *Sentinel) monitorInstance(ri *Instance) {
	s.reconnectIfNeeded(ri)
	if ri.link.disconnected() {
		return
	}
	s.checkLinkHealth(ri)
	s.sendPeriodicCommands(ri)
}

// sendPeriodicCommands issues INFO, PING and the hello publish on their own
// cadences. Nothing is sent while too many commands are in flight.
func (s *Sentinel) sendPeriodicCommands(ri *Instance) {
	if ri.link.pending > maxPendingCommands {
		return
	}
	now := s.now()

	if ri.kind != KindSentinel {
		infoPeriod := s.timing.InfoPeriod
		if ri.kind == KindReplica &&
			(ri.primary.flags.Has(FlagODown) || ri.primary.pri.failoverState != FailoverNone || ri.rep.primaryLinkDown) {
			infoPeriod = time.Second
		}
		if ri.lastInfo.IsZero() || now.Sub(ri.lastInfo) > infoPeriod {
			s.sendCommand(ri, handleInfoReply, "INFO")
		}
	}

	if now.Sub(ri.link.lastPong) > s.timing.PingPeriod &&
		now.Sub(ri.link.lastPingSent) > s.timing.PingPeriod/2 {
		s.sendPing(ri)
	}

	if now.Sub(ri.lastHelloPub) > s.timing.PublishPeriod {
		s.sendHello(ri)
	}
}

func (s *Sentinel) sendPing(ri *Instance) bool {
	if err := s.sendCommand(ri, handlePingReply, "PING"); err != nil {
		return false
	}
	ri.link.lastPingSent = s.now()
	if ri.link.pendingSince.IsZero() {
		ri.link.pendingSince = s.now()
	}
	return true
}

// handlePingReply implements the ping liveness contract: PONG, LOADING and
// MASTERDOWN all count as reachable; BUSY triggers a one-shot script kill.
func handlePingReply(s *Sentinel, ri *Instance, reply *protocol.Reply) {
	ri.link.lastPong = s.now()

	if reply.StatusPrefix("PONG") || reply.StatusPrefix("LOADING") || reply.StatusPrefix("MASTERDOWN") {
		ri.link.pendingSince = time.Time{}
		ri.link.lastAvail = s.now()
		if ri.flags.Has(FlagPrimaryReboot) {
			ri.flags.Clear(FlagPrimaryReboot)
		}
		return
	}

	if reply.StatusPrefix("BUSY") && ri.flags.Has(FlagSDown) && !ri.flags.Has(FlagScriptKillSent) {
		if s.sendCommand(ri, discardReply, "SCRIPT", "KILL") == nil {
			ri.flags.Set(FlagScriptKillSent)
		}
	}
}

func discardReply(s *Sentinel, ri *Instance, reply *protocol.Reply) {}

// handleInfoReply caches the INFO text and refreshes everything derived from
// it.
func handleInfoReply(s *Sentinel, ri *Instance, reply *protocol.Reply) {
	text, ok := reply.BulkOrStatus()
	if !ok {
		return
	}
	s.refreshInstanceInfo(ri, text)
}

// refreshInstanceInfo parses an INFO reply. Observations are always recorded;
// state transitions derived from them are suppressed under TILT.
func (s *Sentinel) refreshInstanceInfo(ri *Instance, info string) {
	ri.info = info
	ri.lastInfo = s.now()

	roleReported := Kind(-1)

	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimRight(line, "\r")

		if strings.HasPrefix(line, "run_id:") {
			runID := line[len("run_id:"):]
			switch {
			case ri.runID == "":
				ri.runID = runID
			case ri.runID != runID:
				s.emitEvent(logrus.InfoLevel, "+reboot", ri, "%@")
				if ri.kind == KindPrimary && ri.pri.rebootDownAfter > 0 {
					ri.flags.Set(FlagPrimaryReboot)
					ri.rebootSince = s.now()
				}
				ri.runID = runID
			}
		}

		if ri.kind == KindPrimary && strings.HasPrefix(line, "slave") && strings.Contains(line, ":ip=") {
			s.parseReplicaLine(ri, line)
		}

		if line == "role:master" {
			roleReported = KindPrimary
		} else if line == "role:slave" {
			roleReported = KindReplica
		}

		if ri.kind == KindReplica {
			s.parseReplicaInfoLine(ri, line)
		}
	}

	if roleReported != Kind(-1) && roleReported != ri.roleReported {
		ri.roleReported = roleReported
		ri.roleReportedAt = s.now()
		event := "+role-change"
		if roleReported == ri.kind {
			event = "-role-change"
		}
		s.emitEvent(logrus.DebugLevel, event, ri, "%s new reported role is %s",
			s.instanceDetails(ri), roleReported)
	}

	if s.tilt {
		return
	}

	s.actOnInfo(ri, roleReported)
}

func (s *Sentinel) parseReplicaLine(primary *Instance, line string) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return
	}
	host, port := "", 0
	for _, pair := range strings.Split(line[idx+1:], ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "ip":
			host = kv[1]
		case "port":
			port, _ = strconv.Atoi(kv[1])
		}
	}
	if host == "" || port == 0 {
		return
	}
	if s.lookupReplica(primary, host, port) != nil {
		return
	}
	replica, err := s.newInstance(KindReplica, "", host, port, 0, primary)
	if err != nil {
		return
	}
	s.emitEvent(logrus.InfoLevel, "+slave", replica, "%@")
	s.flushConfig()
}

func (s *Sentinel) parseReplicaInfoLine(ri *Instance, line string) {
	switch {
	case strings.HasPrefix(line, "master_host:"):
		host := line[len("master_host:"):]
		if ri.rep.reportedPrimaryHost != host {
			ri.rep.reportedPrimaryHost = host
		}
	case strings.HasPrefix(line, "master_port:"):
		ri.rep.reportedPrimaryPort, _ = strconv.Atoi(line[len("master_port:"):])
	case strings.HasPrefix(line, "master_link_status:"):
		ri.rep.primaryLinkDown = line[len("master_link_status:"):] != "up"
	case strings.HasPrefix(line, "master_link_down_since_seconds:"):
		secs, _ := strconv.Atoi(line[len("master_link_down_since_seconds:"):])
		ri.rep.primaryLinkDownTime = time.Duration(secs) * time.Second
	case strings.HasPrefix(line, "slave_repl_offset:"):
		ri.rep.replOffset, _ = strconv.ParseUint(line[len("slave_repl_offset:"):], 10, 64)
	case strings.HasPrefix(line, "slave_priority:"):
		ri.rep.priority, _ = strconv.Atoi(line[len("slave_priority:"):])
	case strings.HasPrefix(line, "replica_announced:"):
		ri.rep.announced = line[len("replica_announced:"):] == "1"
	}
}

// actOnInfo applies the transitions the fresh INFO implies: promotions,
// role-change bookkeeping, replica reconfiguration progress.
func (s *Sentinel) actOnInfo(ri *Instance, roleReported Kind) {
	if roleReported == Kind(-1) {
		return
	}

	// A promoted replica reporting itself primary completes the promotion
	// wait of the in-flight failover.
	if ri.kind == KindReplica && roleReported == KindPrimary {
		if ri.flags.Has(FlagPromoted) &&
			ri.primary.flags.Has(FlagFailoverInProgress) &&
			ri.primary.pri.failoverState == FailoverWaitPromotion {
			s.onPromotionConfirmed(ri)
			return
		}

		// Unexpected role change: demote it back unless the reported state
		// is too stale to act on.
		primary := ri.primary
		if primary.flags.Has(FlagSDown) || primary.flags.Has(FlagODown) {
			return
		}
		if s.now().Sub(ri.roleReportedAt) < ri.downAfter+2*s.timing.InfoPeriod {
			return
		}
		if s.sendReplicaOf(ri, primary.addr) == nil {
			s.emitEvent(logrus.InfoLevel, "+convert-to-slave", ri, "%@")
		}
		return
	}

	if ri.kind == KindReplica && roleReported == KindReplica {
		s.fixReplicaConfigIfNeeded(ri)
		s.trackReconfProgress(ri)
	}
}

// fixReplicaConfigIfNeeded redirects a replica that reports following the
// wrong primary while no failover explains the mismatch. The reported state
// must have been stable for a while before it is trusted.
func (s *Sentinel) fixReplicaConfigIfNeeded(ri *Instance) {
	primary := ri.primary
	if primary.flags.Has(FlagFailoverInProgress) || primary.pri.failoverState != FailoverNone {
		return
	}
	if primary.flags.Has(FlagSDown | FlagODown) {
		return
	}
	if ri.flags.Has(FlagPromoted | FlagReconfSent | FlagReconfInProg) {
		return
	}
	if ri.rep.reportedPrimaryHost == "" {
		return
	}
	if s.now().Sub(ri.roleReportedAt) < ri.downAfter+2*s.timing.InfoPeriod {
		return
	}
	if primary.addr.EqualHostname(ri.rep.reportedPrimaryHost) && ri.rep.reportedPrimaryPort == primary.addr.Port {
		return
	}
	if s.sendReplicaOf(ri, primary.addr) == nil {
		s.emitEvent(logrus.InfoLevel, "+fix-slave-config", ri, "%@")
	}
}

// trackReconfProgress advances RECONF_SENT -> RECONF_INPROG -> RECONF_DONE as
// INFO confirms the repointing of a replica at the new primary.
func (s *Sentinel) trackReconfProgress(ri *Instance) {
	primary := ri.primary

	if ri.flags.Has(FlagReconfSent) &&
		primary.pri.promoted != nil &&
		ri.rep.reportedPrimaryHost != "" &&
		primary.pri.promoted.addr.EqualHostname(ri.rep.reportedPrimaryHost) &&
		ri.rep.reportedPrimaryPort == primary.pri.promoted.addr.Port {
		ri.flags.Clear(FlagReconfSent)
		ri.flags.Set(FlagReconfInProg)
		s.emitEvent(logrus.InfoLevel, "+slave-reconf-inprog", ri, "%@")
	}

	if ri.flags.Has(FlagReconfInProg) && !ri.rep.primaryLinkDown {
		ri.flags.Clear(FlagReconfInProg)
		ri.flags.Set(FlagReconfDone)
		s.emitEvent(logrus.InfoLevel, "+slave-reconf-done", ri, "%@")
	}
}

// sendHello publishes this sentinel's view of ri's primary on the hello
// channel. The eight comma-separated fields are a compatibility surface.
func (s *Sentinel) sendHello(ri *Instance) bool {
	primary := ri
	if ri.kind != KindPrimary {
		primary = ri.primary
	}

	announceIP := s.announceIP
	if announceIP == "" {
		announceIP = s.listenHost
	}
	announcePort := s.announcePort
	if announcePort == 0 {
		announcePort = s.listenPort
	}

	payload := strings.Join([]string{
		announceIP,
		strconv.Itoa(announcePort),
		s.myID,
		strconv.FormatUint(s.currentEpoch, 10),
		primary.name,
		primary.addr.Announce(s.announceHostnames),
		strconv.Itoa(primary.addr.Port),
		strconv.FormatUint(primary.configEpoch, 10),
	}, ",")

	if s.sendCommand(ri, discardReply, "PUBLISH", helloChannel, payload) != nil {
		return false
	}
	ri.lastHelloPub = s.now()
	return true
}

// forceHelloUpdate makes the next tick re-broadcast the hello for every
// instance under a primary. Used right after an authoritative config change.
func (s *Sentinel) forceHelloUpdate(primary *Instance) {
	primary.lastHelloPub = time.Time{}
	for _, replica := range primary.pri.replicas {
		replica.lastHelloPub = time.Time{}
	}
	for _, peer := range primary.pri.sentinels {
		peer.lastHelloPub = time.Time{}
	}
}
