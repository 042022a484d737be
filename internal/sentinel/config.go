package sentinel

import (
	"bufio"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Timing groups the protocol cadences. Everything here is adjustable through
// SENTINEL DEBUG, which is how the test suites compress hours into seconds.
type Timing struct {
	PingPeriod             time.Duration
	InfoPeriod             time.Duration
	AskPeriod              time.Duration
	PublishPeriod          time.Duration
	DefaultDownAfter       time.Duration
	DefaultFailoverTimeout time.Duration
	TiltTrigger            time.Duration
	TiltPeriod             time.Duration
	ReplicaReconfTimeout   time.Duration
	MinLinkReconnectPeriod time.Duration
	ElectionTimeout        time.Duration
}

func defaultTiming() Timing {
	return Timing{
		PingPeriod:             time.Second,
		InfoPeriod:             10 * time.Second,
		AskPeriod:              time.Second,
		PublishPeriod:          2 * time.Second,
		DefaultDownAfter:       30 * time.Second,
		DefaultFailoverTimeout: 3 * time.Minute,
		TiltTrigger:            2 * time.Second,
		TiltPeriod:             30 * time.Second,
		ReplicaReconfTimeout:   10 * time.Second,
		MinLinkReconnectPeriod: 15 * time.Second,
		ElectionTimeout:        10 * time.Second,
	}
}

// LoadConfig reads the sentinel state file and applies every directive.
// Directives naming a primary must follow its monitor line, which is the
// order the rewriter emits.
func (s *Sentinel) LoadConfig(path string) error {
	s.configFile = path

	f, err := s.fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	lineno := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := s.applyConfigDirective(strings.Fields(line)); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineno, err)
		}
	}
	return scanner.Err()
}

// ApplyGlobal applies one configuration directive outside of file loading.
// Only safe before Run starts.
func (s *Sentinel) ApplyGlobal(args ...string) error {
	return s.applyConfigDirective(args)
}

func (s *Sentinel) applyConfigDirective(args []string) error {
	bad := func() error {
		return fmt.Errorf("wrong number of arguments for %q", args[0])
	}
	primaryArg := func() (*Instance, error) {
		if len(args) < 2 {
			return nil, bad()
		}
		return s.primaryByName(args[1])
	}
	msArg := func(v string) (time.Duration, error) {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			return 0, fmt.Errorf("invalid millisecond value %q", v)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}

	switch args[0] {
	case "myid":
		if len(args) != 2 || len(args[1]) != runIDLen {
			return fmt.Errorf("malformed myid")
		}
		s.myID = args[1]
	case "current-epoch":
		if len(args) != 2 {
			return bad()
		}
		epoch, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return err
		}
		if epoch > s.currentEpoch {
			s.currentEpoch = epoch
		}
	case "monitor":
		if len(args) != 5 {
			return bad()
		}
		port, err := strconv.Atoi(args[3])
		if err != nil {
			return err
		}
		quorum, err := strconv.Atoi(args[4])
		if err != nil || quorum <= 0 {
			return fmt.Errorf("invalid quorum %q", args[4])
		}
		if _, err := s.newInstance(KindPrimary, args[1], args[2], port, quorum, nil); err != nil {
			return err
		}
	case "config-epoch":
		ri, err := primaryArg()
		if err != nil {
			return err
		}
		if len(args) != 3 {
			return bad()
		}
		ri.configEpoch, err = strconv.ParseUint(args[2], 10, 64)
		return err
	case "leader-epoch":
		ri, err := primaryArg()
		if err != nil {
			return err
		}
		if len(args) != 3 {
			return bad()
		}
		ri.pri.leaderEpoch, err = strconv.ParseUint(args[2], 10, 64)
		return err
	case "down-after-milliseconds":
		ri, err := primaryArg()
		if err != nil {
			return err
		}
		if len(args) != 3 {
			return bad()
		}
		d, err := msArg(args[2])
		if err != nil {
			return err
		}
		s.setDownAfter(ri, d)
	case "failover-timeout":
		ri, err := primaryArg()
		if err != nil {
			return err
		}
		if len(args) != 3 {
			return bad()
		}
		ri.pri.failoverTimeout, err = msArg(args[2])
		return err
	case "parallel-syncs":
		ri, err := primaryArg()
		if err != nil {
			return err
		}
		if len(args) != 3 {
			return bad()
		}
		ri.pri.parallelSyncs, err = strconv.Atoi(args[2])
		return err
	case "auth-pass":
		ri, err := primaryArg()
		if err != nil {
			return err
		}
		if len(args) != 3 {
			return bad()
		}
		ri.pri.authPass = args[2]
	case "auth-user":
		ri, err := primaryArg()
		if err != nil {
			return err
		}
		if len(args) != 3 {
			return bad()
		}
		ri.pri.authUser = args[2]
	case "notification-script":
		ri, err := primaryArg()
		if err != nil {
			return err
		}
		if len(args) != 3 {
			return bad()
		}
		ri.pri.notificationScript = args[2]
	case "client-reconfig-script":
		ri, err := primaryArg()
		if err != nil {
			return err
		}
		if len(args) != 3 {
			return bad()
		}
		ri.pri.reconfigScript = args[2]
	case "master-reboot-down-after-period":
		ri, err := primaryArg()
		if err != nil {
			return err
		}
		if len(args) != 3 {
			return bad()
		}
		ri.pri.rebootDownAfter, err = msArg(args[2])
		return err
	case "known-replica", "known-slave":
		ri, err := primaryArg()
		if err != nil {
			return err
		}
		if len(args) != 4 {
			return bad()
		}
		port, err := strconv.Atoi(args[3])
		if err != nil {
			return err
		}
		if _, err := s.newInstance(KindReplica, "", args[2], port, 0, ri); err != nil && err != ErrDuplicate {
			return err
		}
	case "known-sentinel":
		ri, err := primaryArg()
		if err != nil {
			return err
		}
		if len(args) != 5 {
			return bad()
		}
		port, err := strconv.Atoi(args[3])
		if err != nil {
			return err
		}
		if _, err := s.newInstance(KindSentinel, args[4], args[2], port, 0, ri); err != nil && err != ErrDuplicate {
			return err
		}
	case "rename-command":
		ri, err := primaryArg()
		if err != nil {
			return err
		}
		if len(args) != 4 {
			return bad()
		}
		ri.pri.renamedCommands[strings.ToLower(args[2])] = args[3]
	case "announce-ip":
		if len(args) != 2 {
			return bad()
		}
		s.announceIP = args[1]
	case "announce-port":
		if len(args) != 2 {
			return bad()
		}
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		s.announcePort = port
	case "announce-hostnames":
		if len(args) != 2 {
			return bad()
		}
		s.announceHostnames = configBool(args[1])
	case "resolve-hostnames":
		if len(args) != 2 {
			return bad()
		}
		s.resolveHostnames = configBool(args[1])
	case "deny-scripts-reconfig":
		if len(args) != 2 {
			return bad()
		}
		s.denyScriptsReconfig = configBool(args[1])
	case "sentinel-user":
		if len(args) != 2 {
			return bad()
		}
		s.sentinelUser = args[1]
	case "sentinel-pass":
		if len(args) != 2 {
			return bad()
		}
		s.sentinelPass = args[1]
	default:
		return fmt.Errorf("unknown directive %q", args[0])
	}
	return nil
}

func configBool(v string) bool {
	return v == "yes" || v == "1" || v == "true"
}

func configBoolString(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// setDownAfter changes a primary's down-after period and propagates it to
// every replica and peer sentinel under it.
func (s *Sentinel) setDownAfter(primary *Instance, d time.Duration) {
	primary.downAfter = d
	for _, replica := range primary.pri.replicas {
		replica.downAfter = d
	}
	for _, peer := range primary.pri.sentinels {
		peer.downAfter = d
	}
}

// flushConfig rewrites the state file. The rewrite is atomic: a temp file in
// the same directory is renamed over the original. State that must survive a
// restart goes through here before it is externally observable.
func (s *Sentinel) flushConfig() {
	if s.configFile == "" {
		return
	}
	if err := s.rewriteConfig(); err != nil {
		s.logger.WithError(err).Warn("could not rewrite config file")
	}
}

func (s *Sentinel) rewriteConfig() error {
	content := s.renderConfig()

	dir := filepath.Dir(s.configFile)
	tmp, err := afero.TempFile(s.fs, dir, "sentinel-conf-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return err
	}
	return s.fs.Rename(tmpName, s.configFile)
}

// renderConfig emits the directive set in load order: globals, then each
// primary's monitor line followed by its options and learned topology.
func (s *Sentinel) renderConfig() string {
	var b strings.Builder

	fmt.Fprintf(&b, "myid %s\n", s.myID)
	fmt.Fprintf(&b, "current-epoch %d\n", s.currentEpoch)
	if s.announceIP != "" {
		fmt.Fprintf(&b, "announce-ip %s\n", s.announceIP)
	}
	if s.announcePort != 0 {
		fmt.Fprintf(&b, "announce-port %d\n", s.announcePort)
	}
	fmt.Fprintf(&b, "announce-hostnames %s\n", configBoolString(s.announceHostnames))
	fmt.Fprintf(&b, "resolve-hostnames %s\n", configBoolString(s.resolveHostnames))
	fmt.Fprintf(&b, "deny-scripts-reconfig %s\n", configBoolString(s.denyScriptsReconfig))
	if s.sentinelUser != "" {
		fmt.Fprintf(&b, "sentinel-user %s\n", s.sentinelUser)
	}
	if s.sentinelPass != "" {
		fmt.Fprintf(&b, "sentinel-pass %s\n", s.sentinelPass)
	}

	names := make([]string, 0, len(s.primaries))
	for name := range s.primaries {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ri := s.primaries[name]

		// During a failover the promoted replica is already the address we
		// want to remember.
		addr := ri.addr
		if ri.pri.failoverState == FailoverReconfReplicas && ri.pri.promoted != nil {
			addr = ri.pri.promoted.addr
		}

		fmt.Fprintf(&b, "monitor %s %s %d %d\n", ri.name, addr.Hostname, addr.Port, ri.pri.quorum)
		fmt.Fprintf(&b, "config-epoch %s %d\n", ri.name, ri.configEpoch)
		fmt.Fprintf(&b, "leader-epoch %s %d\n", ri.name, ri.pri.leaderEpoch)
		fmt.Fprintf(&b, "down-after-milliseconds %s %d\n", ri.name, ri.downAfter.Milliseconds())
		fmt.Fprintf(&b, "failover-timeout %s %d\n", ri.name, ri.pri.failoverTimeout.Milliseconds())
		fmt.Fprintf(&b, "parallel-syncs %s %d\n", ri.name, ri.pri.parallelSyncs)
		if ri.pri.authPass != "" {
			fmt.Fprintf(&b, "auth-pass %s %s\n", ri.name, ri.pri.authPass)
		}
		if ri.pri.authUser != "" {
			fmt.Fprintf(&b, "auth-user %s %s\n", ri.name, ri.pri.authUser)
		}
		if ri.pri.notificationScript != "" {
			fmt.Fprintf(&b, "notification-script %s %s\n", ri.name, ri.pri.notificationScript)
		}
		if ri.pri.reconfigScript != "" {
			fmt.Fprintf(&b, "client-reconfig-script %s %s\n", ri.name, ri.pri.reconfigScript)
		}
		if ri.pri.rebootDownAfter > 0 {
			fmt.Fprintf(&b, "master-reboot-down-after-period %s %d\n", ri.name, ri.pri.rebootDownAfter.Milliseconds())
		}

		renamed := make([]string, 0, len(ri.pri.renamedCommands))
		for old := range ri.pri.renamedCommands {
			renamed = append(renamed, old)
		}
		sort.Strings(renamed)
		for _, old := range renamed {
			fmt.Fprintf(&b, "rename-command %s %s %s\n", ri.name, old, ri.pri.renamedCommands[old])
		}

		replicaNames := make([]string, 0, len(ri.pri.replicas))
		for rname := range ri.pri.replicas {
			replicaNames = append(replicaNames, rname)
		}
		sort.Strings(replicaNames)
		for _, rname := range replicaNames {
			replica := ri.pri.replicas[rname]
			if replica.addr.Equal(addr) {
				continue
			}
			fmt.Fprintf(&b, "known-replica %s %s %d\n", ri.name, replica.addr.Hostname, replica.addr.Port)
		}

		peerIDs := make([]string, 0, len(ri.pri.sentinels))
		for id := range ri.pri.sentinels {
			peerIDs = append(peerIDs, id)
		}
		sort.Strings(peerIDs)
		for _, id := range peerIDs {
			peer := ri.pri.sentinels[id]
			fmt.Fprintf(&b, "known-sentinel %s %s %d %s\n", ri.name, peer.addr.Hostname, peer.addr.Port, peer.runID)
		}
	}

	return b.String()
}
