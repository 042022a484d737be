package sentinel

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"sentinel/internal/protocol"
)

// HandleCommand serves one admin command and returns the encoded reply.
// Connection-scoped commands (subscriptions, CLIENT) stay in the server; the
// core owns everything that touches monitoring state. Must run on the loop.
func (s *Sentinel) HandleCommand(args []string) []byte {
	if len(args) == 0 {
		return protocol.EncodeError("ERR empty command")
	}

	switch strings.ToUpper(args[0]) {
	case "PING":
		return protocol.EncodeSimpleString("PONG")
	case "SENTINEL":
		if len(args) < 2 {
			return wrongArity("sentinel")
		}
		return s.handleSentinelCommand(args[1:])
	case "INFO":
		return s.handleInfoCommand()
	case "ROLE":
		return s.handleRoleCommand()
	case "PUBLISH":
		return s.handlePublishCommand(args[1:])
	default:
		return protocol.EncodeError(fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func wrongArity(cmd string) []byte {
	return protocol.EncodeError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", cmd))
}

func (s *Sentinel) handleSentinelCommand(args []string) []byte {
	switch strings.ToUpper(args[0]) {
	case "MASTERS":
		return s.replyPrimaries()
	case "MASTER":
		if len(args) != 2 {
			return wrongArity("sentinel master")
		}
		ri, err := s.primaryByName(args[1])
		if err != nil {
			return protocol.EncodeError("ERR No such master with that name")
		}
		return s.replyInstanceState(ri)
	case "REPLICAS", "SLAVES":
		if len(args) != 2 {
			return wrongArity("sentinel replicas")
		}
		ri, err := s.primaryByName(args[1])
		if err != nil {
			return protocol.EncodeError("ERR No such master with that name")
		}
		return s.replyInstanceDict(ri.pri.replicas)
	case "SENTINELS":
		if len(args) != 2 {
			return wrongArity("sentinel sentinels")
		}
		ri, err := s.primaryByName(args[1])
		if err != nil {
			return protocol.EncodeError("ERR No such master with that name")
		}
		return s.replyInstanceDict(ri.pri.sentinels)
	case "GET-MASTER-ADDR-BY-NAME":
		if len(args) != 2 {
			return wrongArity("sentinel get-master-addr-by-name")
		}
		ri, err := s.primaryByName(args[1])
		if err != nil {
			return protocol.EncodeNilArray()
		}
		addr := s.currentPrimaryAddress(ri)
		return protocol.EncodeArray([]string{addr.Announce(s.announceHostnames), strconv.Itoa(addr.Port)})
	case "IS-MASTER-DOWN-BY-ADDR":
		if len(args) != 5 {
			return wrongArity("sentinel is-master-down-by-addr")
		}
		return s.replyIsPrimaryDown(args[1], args[2], args[3], args[4])
	case "RESET":
		if len(args) != 2 {
			return wrongArity("sentinel reset")
		}
		return protocol.EncodeInteger(s.resetByPattern(args[1]))
	case "FAILOVER":
		if len(args) != 2 {
			return wrongArity("sentinel failover")
		}
		return s.replyManualFailover(args[1])
	case "CKQUORUM":
		if len(args) != 2 {
			return wrongArity("sentinel ckquorum")
		}
		return s.replyCheckQuorum(args[1])
	case "MONITOR":
		if len(args) != 5 {
			return wrongArity("sentinel monitor")
		}
		return s.replyMonitor(args[1], args[2], args[3], args[4])
	case "REMOVE":
		if len(args) != 2 {
			return wrongArity("sentinel remove")
		}
		ri, err := s.primaryByName(args[1])
		if err != nil {
			return protocol.EncodeError("ERR No such master with that name")
		}
		s.emitEvent(logrus.WarnLevel, "-monitor", ri, "%@")
		s.removePrimary(ri)
		s.flushConfig()
		return protocol.EncodeSimpleString("OK")
	case "SET":
		if len(args) < 4 {
			return wrongArity("sentinel set")
		}
		return s.replySetOptions(args[1], args[2:])
	case "CONFIG":
		if len(args) < 2 {
			return wrongArity("sentinel config")
		}
		return s.replyGlobalConfig(args[1:])
	case "DEBUG":
		return s.replyDebug(args[1:])
	case "MYID":
		return protocol.EncodeBulkString(s.myID)
	case "FLUSHCONFIG":
		s.flushConfig()
		return protocol.EncodeSimpleString("OK")
	case "PENDING-SCRIPTS":
		return s.replyPendingScripts()
	case "INFO-CACHE":
		return s.replyInfoCache(args[1:])
	case "SIMULATE-FAILURE":
		return s.replySimulateFailure(args[1:])
	default:
		return protocol.EncodeError(fmt.Sprintf("ERR Unknown sentinel subcommand '%s'", args[0]))
	}
}

// currentPrimaryAddress is the address clients should use now: the promoted
// replica once the failover reached the reconfiguration stage.
func (s *Sentinel) currentPrimaryAddress(ri *Instance) *Addr {
	if ri.flags.Has(FlagFailoverInProgress) &&
		ri.pri.promoted != nil &&
		ri.pri.failoverState >= FailoverReconfReplicas {
		return ri.pri.promoted.addr
	}
	return ri.addr
}

func (s *Sentinel) replyIsPrimaryDown(ipArg, portArg, epochArg, runIDArg string) []byte {
	port, err1 := strconv.Atoi(portArg)
	reqEpoch, err2 := strconv.ParseUint(epochArg, 10, 64)
	if err1 != nil || err2 != nil {
		return protocol.EncodeError("ERR invalid arguments")
	}

	var primary *Instance
	for _, ri := range s.primaries {
		if ri.addr.Port == port && ri.addr.EqualHostname(ipArg) {
			primary = ri
			break
		}
	}

	isDown := 0
	if !s.tilt && primary != nil && primary.flags.Has(FlagSDown) {
		isDown = 1
	}

	leader := "*"
	var leaderEpoch uint64
	if primary != nil && runIDArg != "*" {
		leader, leaderEpoch = s.voteLeader(primary, reqEpoch, runIDArg)
		if leader == "" {
			leader = "*"
		}
	}

	return protocol.EncodeRawArray([][]byte{
		protocol.EncodeInteger(isDown),
		protocol.EncodeBulkString(leader),
		protocol.EncodeInteger64(int64(leaderEpoch)),
	})
}

func (s *Sentinel) resetByPattern(pattern string) int {
	count := 0
	for _, ri := range s.primariesSnapshot() {
		if ok, _ := path.Match(pattern, ri.name); !ok {
			continue
		}
		s.resetPrimary(ri, 0)
		count++
	}
	return count
}

func (s *Sentinel) replyManualFailover(name string) []byte {
	ri, err := s.primaryByName(name)
	if err != nil {
		return protocol.EncodeError("ERR No such master with that name")
	}
	if ri.flags.Has(FlagFailoverInProgress) {
		return protocol.EncodeError("INPROG Failover already in progress")
	}
	if s.selectReplicaToPromote(ri) == nil {
		return protocol.EncodeError("NOGOODSLAVE No suitable replica to promote")
	}
	ri.flags.Set(FlagForceFailover)
	s.startFailover(ri)
	return protocol.EncodeSimpleString("OK")
}

func (s *Sentinel) replyCheckQuorum(name string) []byte {
	ri, err := s.primaryByName(name)
	if err != nil {
		return protocol.EncodeError("ERR No such master with that name")
	}

	usable := s.usableSentinelCount(ri)
	voters := 1 + len(ri.pri.sentinels)
	needed := voters/2 + 1

	switch {
	case usable < ri.pri.quorum && usable < needed:
		return protocol.EncodeError(fmt.Sprintf(
			"NOQUORUM %d usable Sentinels. Not enough available Sentinels to reach the specified quorum for this master. Not enough available Sentinels to reach the majority and authorize a failover",
			usable))
	case usable < ri.pri.quorum:
		return protocol.EncodeError(fmt.Sprintf(
			"NOQUORUM %d usable Sentinels. Not enough available Sentinels to reach the specified quorum for this master", usable))
	case usable < needed:
		return protocol.EncodeError(fmt.Sprintf(
			"NOQUORUM %d usable Sentinels. Not enough available Sentinels to reach the majority and authorize a failover", usable))
	default:
		return protocol.EncodeSimpleString(fmt.Sprintf("OK %d usable Sentinels. Quorum and failover authorization can be reached", usable))
	}
}

func (s *Sentinel) replyMonitor(name, host, portArg, quorumArg string) []byte {
	port, err := strconv.Atoi(portArg)
	if err != nil {
		return protocol.EncodeError("ERR Invalid port number")
	}
	quorum, err := strconv.Atoi(quorumArg)
	if err != nil || quorum <= 0 {
		return protocol.EncodeError("ERR Quorum must be 1 or greater")
	}

	ri, err := s.newInstance(KindPrimary, name, host, port, quorum, nil)
	switch {
	case err == nil:
	case err == ErrNameExists:
		return protocol.EncodeError("ERR Duplicate master name")
	case err == ErrInvalidPort:
		return protocol.EncodeError("ERR Invalid port number")
	default:
		return protocol.EncodeError("ERR " + err.Error())
	}

	s.emitEvent(logrus.WarnLevel, "+monitor", ri, "%s quorum %d", s.instanceDetails(ri), quorum)
	s.flushConfig()
	return protocol.EncodeSimpleString("OK")
}

func (s *Sentinel) replySetOptions(name string, pairs []string) []byte {
	ri, err := s.primaryByName(name)
	if err != nil {
		return protocol.EncodeError("ERR No such master with that name")
	}
	if len(pairs)%2 != 0 {
		return wrongArity("sentinel set")
	}

	for i := 0; i < len(pairs); i += 2 {
		option, value := strings.ToLower(pairs[i]), pairs[i+1]
		if err := s.setPrimaryOption(ri, option, value); err != nil {
			return protocol.EncodeError("ERR " + err.Error())
		}
		s.emitEvent(logrus.WarnLevel, "+set", ri, "%s %s %s", s.instanceDetails(ri), option, value)
	}

	s.flushConfig()
	return protocol.EncodeSimpleString("OK")
}

func (s *Sentinel) setPrimaryOption(ri *Instance, option, value string) error {
	parseMs := func() (time.Duration, error) {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return 0, fmt.Errorf("invalid value for %s", option)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}

	switch option {
	case "quorum":
		quorum, err := strconv.Atoi(value)
		if err != nil || quorum <= 0 {
			return fmt.Errorf("invalid quorum")
		}
		ri.pri.quorum = quorum
	case "down-after-milliseconds":
		d, err := parseMs()
		if err != nil {
			return err
		}
		s.setDownAfter(ri, d)
	case "failover-timeout":
		d, err := parseMs()
		if err != nil {
			return err
		}
		ri.pri.failoverTimeout = d
	case "master-reboot-down-after-period":
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms < 0 {
			return fmt.Errorf("invalid value for %s", option)
		}
		ri.pri.rebootDownAfter = time.Duration(ms) * time.Millisecond
	case "parallel-syncs":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid parallel-syncs")
		}
		ri.pri.parallelSyncs = n
	case "notification-script":
		if s.denyScriptsReconfig {
			return fmt.Errorf("reconfiguration of scripts path is denied for security reasons")
		}
		ri.pri.notificationScript = value
	case "client-reconfig-script":
		if s.denyScriptsReconfig {
			return fmt.Errorf("reconfiguration of scripts path is denied for security reasons")
		}
		ri.pri.reconfigScript = value
	case "auth-pass":
		ri.pri.authPass = value
	case "auth-user":
		ri.pri.authUser = value
	case "rename-command":
		parts := strings.Fields(value)
		if len(parts) != 2 {
			return fmt.Errorf("rename-command expects <old> <new>")
		}
		ri.pri.renamedCommands[strings.ToLower(parts[0])] = parts[1]
	default:
		return fmt.Errorf("unknown option or number of arguments for SENTINEL SET '%s'", option)
	}
	return nil
}

func (s *Sentinel) replyGlobalConfig(args []string) []byte {
	switch strings.ToUpper(args[0]) {
	case "GET":
		if len(args) != 2 {
			return wrongArity("sentinel config get")
		}
		return s.replyConfigGet(args[1])
	case "SET":
		if len(args) != 3 {
			return wrongArity("sentinel config set")
		}
		return s.replyConfigSet(args[1], args[2])
	default:
		return protocol.EncodeError("ERR Unknown SENTINEL CONFIG subcommand")
	}
}

func (s *Sentinel) globalOptions() map[string]string {
	return map[string]string{
		"resolve-hostnames":     configBoolString(s.resolveHostnames),
		"announce-hostnames":    configBoolString(s.announceHostnames),
		"announce-ip":           s.announceIP,
		"announce-port":         strconv.Itoa(s.announcePort),
		"deny-scripts-reconfig": configBoolString(s.denyScriptsReconfig),
		"sentinel-user":         s.sentinelUser,
		"sentinel-pass":         s.sentinelPass,
	}
}

func (s *Sentinel) replyConfigGet(pattern string) []byte {
	var items []string
	for name, value := range s.globalOptions() {
		if ok, _ := path.Match(pattern, name); !ok {
			continue
		}
		items = append(items, name, value)
	}
	return protocol.EncodeArray(items)
}

func (s *Sentinel) replyConfigSet(option, value string) []byte {
	switch strings.ToLower(option) {
	case "resolve-hostnames":
		s.resolveHostnames = configBool(value)
	case "announce-hostnames":
		s.announceHostnames = configBool(value)
	case "announce-ip":
		s.announceIP = value
	case "announce-port":
		port, err := strconv.Atoi(value)
		if err != nil || port < 0 || port > 65535 {
			return protocol.EncodeError("ERR Invalid port number")
		}
		s.announcePort = port
	case "deny-scripts-reconfig":
		s.denyScriptsReconfig = configBool(value)
	case "sentinel-user":
		s.sentinelUser = value
	case "sentinel-pass":
		s.sentinelPass = value
	default:
		return protocol.EncodeError(fmt.Sprintf("ERR Unknown global sentinel option '%s'", option))
	}
	s.flushConfig()
	return protocol.EncodeSimpleString("OK")
}

func (s *Sentinel) debugKnobs() []struct {
	name string
	d    *time.Duration
} {
	return []struct {
		name string
		d    *time.Duration
	}{
		{"INFO-PERIOD", &s.timing.InfoPeriod},
		{"PING-PERIOD", &s.timing.PingPeriod},
		{"ASK-PERIOD", &s.timing.AskPeriod},
		{"PUBLISH-PERIOD", &s.timing.PublishPeriod},
		{"DEFAULT-DOWN-AFTER", &s.timing.DefaultDownAfter},
		{"DEFAULT-FAILOVER-TIMEOUT", &s.timing.DefaultFailoverTimeout},
		{"TILT-TRIGGER", &s.timing.TiltTrigger},
		{"TILT-PERIOD", &s.timing.TiltPeriod},
		{"SLAVE-RECONF-TIMEOUT", &s.timing.ReplicaReconfTimeout},
		{"MIN-LINK-RECONNECT-PERIOD", &s.timing.MinLinkReconnectPeriod},
		{"ELECTION-TIMEOUT", &s.timing.ElectionTimeout},
	}
}

func (s *Sentinel) replyDebug(args []string) []byte {
	knobs := s.debugKnobs()

	if len(args) == 0 {
		items := make([]string, 0, len(knobs)*2)
		for _, knob := range knobs {
			items = append(items, knob.name, strconv.FormatInt(knob.d.Milliseconds(), 10))
		}
		return protocol.EncodeArray(items)
	}

	if len(args)%2 != 0 {
		return wrongArity("sentinel debug")
	}
	for i := 0; i < len(args); i += 2 {
		ms, err := strconv.ParseInt(args[i+1], 10, 64)
		if err != nil || ms <= 0 {
			return protocol.EncodeError("ERR Invalid value for " + args[i])
		}
		found := false
		for _, knob := range knobs {
			if strings.EqualFold(knob.name, args[i]) {
				*knob.d = time.Duration(ms) * time.Millisecond
				found = true
				break
			}
		}
		if !found {
			return protocol.EncodeError(fmt.Sprintf("ERR Unknown debug parameter '%s'", args[i]))
		}
	}
	return protocol.EncodeSimpleString("OK")
}

func (s *Sentinel) replyPendingScripts() []byte {
	jobs := s.scripts.Pending()
	out := make([][]byte, 0, len(jobs))
	for _, job := range jobs {
		state := "scheduled"
		if job.running {
			state = "running"
		}
		out = append(out, protocol.EncodeInterfaceArray([]interface{}{
			"argv", strings.Join(append([]string{job.path}, job.args...), " "),
			"flags", state,
			"retry-num", job.retries,
		}))
	}
	return protocol.EncodeRawArray(out)
}

func (s *Sentinel) replyInfoCache(names []string) []byte {
	targets := s.primariesSnapshot()
	if len(names) > 0 {
		targets = targets[:0]
		for _, name := range names {
			if ri, err := s.primaryByName(name); err == nil {
				targets = append(targets, ri)
			}
		}
	}

	out := make([][]byte, 0, len(targets)*2)
	for _, ri := range targets {
		out = append(out, protocol.EncodeBulkString(ri.name))
		entries := [][]byte{infoCacheEntry(ri)}
		for _, replica := range ri.pri.replicas {
			entries = append(entries, infoCacheEntry(replica))
		}
		out = append(out, protocol.EncodeRawArray(entries))
	}
	return protocol.EncodeRawArray(out)
}

func infoCacheEntry(ri *Instance) []byte {
	return protocol.EncodeRawArray([][]byte{
		protocol.EncodeInteger64(ri.lastInfo.UnixMilli()),
		protocol.EncodeBulkString(ri.info),
	})
}

func (s *Sentinel) replySimulateFailure(args []string) []byte {
	for _, arg := range args {
		switch strings.ToLower(arg) {
		case "crash-after-election":
			s.simFlags |= SimCrashAfterElection
			s.logger.Warn("failure simulation: will crash after being elected failover leader")
		case "crash-after-promotion":
			s.simFlags |= SimCrashAfterPromotion
			s.logger.Warn("failure simulation: will crash after promoting the selected replica")
		case "help":
			return protocol.EncodeArray([]string{"crash-after-election", "crash-after-promotion"})
		default:
			return protocol.EncodeError(fmt.Sprintf("ERR Unknown failure simulation specified: %s", arg))
		}
	}
	return protocol.EncodeSimpleString("OK")
}

func (s *Sentinel) replyPrimaries() []byte {
	out := make([][]byte, 0, len(s.primaries))
	for _, name := range sortedPrimaryNames(s.primaries) {
		out = append(out, s.replyInstanceState(s.primaries[name]))
	}
	return protocol.EncodeRawArray(out)
}

func sortedPrimaryNames(m map[string]*Instance) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	// Stable inspection output beats map order.
	sort.Strings(names)
	return names
}

func (s *Sentinel) replyInstanceDict(m map[string]*Instance) []byte {
	out := make([][]byte, 0, len(m))
	for _, name := range sortedPrimaryNames(m) {
		out = append(out, s.replyInstanceState(m[name]))
	}
	return protocol.EncodeRawArray(out)
}

func (s *Sentinel) flagsString(ri *Instance) string {
	parts := []string{ri.kind.String()}
	if ri.flags.Has(FlagSDown) {
		parts = append(parts, "s_down")
	}
	if ri.flags.Has(FlagODown) {
		parts = append(parts, "o_down")
	}
	if ri.flags.Has(FlagPrimaryDown) {
		parts = append(parts, "master_down")
	}
	if ri.flags.Has(FlagFailoverInProgress) {
		parts = append(parts, "failover_in_progress")
	}
	if ri.flags.Has(FlagPromoted) {
		parts = append(parts, "promoted")
	}
	if ri.flags.Has(FlagReconfSent) {
		parts = append(parts, "reconf_sent")
	}
	if ri.flags.Has(FlagReconfInProg) {
		parts = append(parts, "reconf_inprog")
	}
	if ri.flags.Has(FlagReconfDone) {
		parts = append(parts, "reconf_done")
	}
	if ri.flags.Has(FlagForceFailover) {
		parts = append(parts, "force_failover")
	}
	if ri.flags.Has(FlagScriptKillSent) {
		parts = append(parts, "script_kill_sent")
	}
	if ri.flags.Has(FlagPrimaryReboot) {
		parts = append(parts, "master_reboot")
	}
	if ri.link.disconnected() {
		parts = append(parts, "disconnected")
	}
	return strings.Join(parts, ",")
}

func (s *Sentinel) replyInstanceState(ri *Instance) []byte {
	now := s.now()
	sinceMs := func(t time.Time) int64 {
		if t.IsZero() {
			return 0
		}
		return now.Sub(t).Milliseconds()
	}

	items := []interface{}{
		"name", ri.name,
		"ip", ri.addr.Announce(s.announceHostnames),
		"port", ri.addr.Port,
		"runid", ri.runID,
		"flags", s.flagsString(ri),
		"link-pending-commands", ri.link.pending,
		"link-refcount", ri.link.refcount,
		"last-ping-sent", sinceMs(ri.link.pendingSince),
		"last-ok-ping-reply", sinceMs(ri.link.lastAvail),
		"last-ping-reply", sinceMs(ri.link.lastPong),
		"down-after-milliseconds", ri.downAfter.Milliseconds(),
	}

	switch ri.kind {
	case KindPrimary:
		items = append(items,
			"info-refresh", sinceMs(ri.lastInfo),
			"role-reported", ri.roleReported.String(),
			"role-reported-time", sinceMs(ri.roleReportedAt),
			"config-epoch", ri.configEpoch,
			"num-slaves", len(ri.pri.replicas),
			"num-other-sentinels", len(ri.pri.sentinels),
			"quorum", ri.pri.quorum,
			"failover-timeout", ri.pri.failoverTimeout.Milliseconds(),
			"parallel-syncs", ri.pri.parallelSyncs,
		)
		if ri.pri.failoverState != FailoverNone {
			items = append(items, "failover-state", ri.pri.failoverState.String())
		}
	case KindReplica:
		linkStatus := "up"
		if ri.rep.primaryLinkDown {
			linkStatus = "down"
		}
		items = append(items,
			"info-refresh", sinceMs(ri.lastInfo),
			"role-reported", ri.roleReported.String(),
			"role-reported-time", sinceMs(ri.roleReportedAt),
			"master-link-down-time", ri.rep.primaryLinkDownTime.Milliseconds(),
			"master-link-status", linkStatus,
			"master-host", ri.rep.reportedPrimaryHost,
			"master-port", ri.rep.reportedPrimaryPort,
			"slave-priority", ri.rep.priority,
			"slave-repl-offset", ri.rep.replOffset,
			"replica-announced", boolToInt(ri.rep.announced),
		)
	case KindSentinel:
		items = append(items,
			"last-hello-message", sinceMs(ri.sen.lastDownReply),
			"voted-leader", orDash(ri.sen.leaderRunID),
			"voted-leader-epoch", ri.sen.leaderEpoch,
		)
	}

	return protocol.EncodeInterfaceArray(items)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orDash(s string) string {
	if s == "" {
		return "?"
	}
	return s
}

func (s *Sentinel) handleInfoCommand() []byte {
	var b strings.Builder

	b.WriteString("# Server\r\n")
	fmt.Fprintf(&b, "run_id:%s\r\n", s.myID)
	fmt.Fprintf(&b, "tcp_port:%d\r\n", s.listenPort)
	b.WriteString("\r\n# Sentinel\r\n")
	fmt.Fprintf(&b, "sentinel_masters:%d\r\n", len(s.primaries))
	fmt.Fprintf(&b, "sentinel_tilt:%d\r\n", boolToInt(s.tilt))
	fmt.Fprintf(&b, "sentinel_running_scripts:%d\r\n", s.scripts.Running())
	fmt.Fprintf(&b, "sentinel_scripts_queue_length:%d\r\n", s.scripts.QueueLength())
	fmt.Fprintf(&b, "sentinel_simulate_failure_flags:%d\r\n", int(s.simFlags))

	for i, name := range sortedPrimaryNames(s.primaries) {
		ri := s.primaries[name]
		status := "ok"
		if ri.flags.Has(FlagODown) {
			status = "odown"
		} else if ri.flags.Has(FlagSDown) {
			status = "sdown"
		}
		addr := s.currentPrimaryAddress(ri)
		fmt.Fprintf(&b, "master%d:name=%s,status=%s,address=%s:%d,slaves=%d,sentinels=%d\r\n",
			i, ri.name, status, addr.IP, addr.Port, len(ri.pri.replicas), len(ri.pri.sentinels)+1)
	}

	return protocol.EncodeBulkString(b.String())
}

func (s *Sentinel) handleRoleCommand() []byte {
	names := sortedPrimaryNames(s.primaries)
	items := make([][]byte, 0, len(names))
	for _, name := range names {
		items = append(items, protocol.EncodeBulkString(name))
	}
	return protocol.EncodeRawArray([][]byte{
		protocol.EncodeBulkString("sentinel"),
		protocol.EncodeRawArray(items),
	})
}

// handlePublishCommand accepts hello messages pushed straight at us. Any
// other channel is refused; a sentinel carries no user data.
func (s *Sentinel) handlePublishCommand(args []string) []byte {
	if len(args) != 2 {
		return wrongArity("publish")
	}
	if args[0] != helloChannel {
		return protocol.EncodeError("ERR Only HELLO messages are accepted by Sentinel instances.")
	}
	s.processHelloMessage(args[1])
	return protocol.EncodeInteger(1)
}
