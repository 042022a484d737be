package sentinel

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrNameExists   = errors.New("duplicated master name")
	ErrNoSuchMaster = errors.New("no such master with that name")
	ErrDuplicate    = errors.New("instance already monitored")
)

// Instance is one monitored entity: a primary, one of its replicas, or a peer
// sentinel watching the same primary. The kind never changes; status bits in
// flags come and go.
type Instance struct {
	kind  Kind
	flags Flags

	// For primaries the name is user-chosen, for replicas it is ip:port,
	// for peer sentinels it is the peer's run id.
	name  string
	runID string
	addr  *Addr
	link  *Link

	configEpoch uint64
	downAfter   time.Duration

	sdownSince time.Time
	odownSince time.Time

	lastInfo       time.Time
	info           string
	roleReported   Kind
	roleReportedAt time.Time
	lastHelloPub   time.Time

	rebootSince time.Time

	// Owning primary, set for replicas and peer sentinels.
	primary *Instance

	pri *primaryState
	rep *replicaState
	sen *sentinelState
}

type primaryState struct {
	replicas  map[string]*Instance // keyed by addr string
	sentinels map[string]*Instance // keyed by run id

	quorum        int
	parallelSyncs int

	authUser string
	authPass string

	failoverEpoch        uint64
	failoverState        FailoverState
	failoverStateChanged time.Time
	failoverStart        time.Time
	failoverTimeout      time.Duration

	promoted *Instance

	notificationScript string
	reconfigScript     string

	renamedCommands map[string]string

	// Our own vote for this primary's failover round.
	leaderRunID string
	leaderEpoch uint64

	rebootDownAfter time.Duration
}

type replicaState struct {
	replOffset uint64

	reportedPrimaryHost string
	reportedPrimaryPort int
	primaryLinkDown     bool
	primaryLinkDownTime time.Duration

	priority  int
	announced bool

	reconfSentAt time.Time

	promotedFromInfo bool
}

type sentinelState struct {
	lastAsk       time.Time
	lastDownReply time.Time

	// The peer's reported vote, learned from is-master-down-by-addr replies.
	leaderRunID string
	leaderEpoch uint64
}

const (
	defaultReplicaPriority = 100
	defaultParallelSyncs   = 1
)

// newInstance builds an instance of the given kind. For replicas and peer
// sentinels, primary is the owning primary. Peer sentinel links are shared by
// run id; other kinds always get a fresh link.
func (s *Sentinel) newInstance(kind Kind, name, hostname string, port int, quorum int, primary *Instance) (*Instance, error) {
	addr, err := NewAddr(hostname, port, s.resolveHostnames, s.resolveHostnames)
	if err != nil {
		return nil, err
	}

	if kind == KindReplica {
		name = addr.String()
	}

	ri := &Instance{
		kind:         kind,
		name:         name,
		addr:         addr,
		link:         newLink(s.now()),
		roleReported: kind,
		downAfter:    s.timing.DefaultDownAfter,
		primary:      primary,
	}
	if kind == KindReplica || kind == KindSentinel {
		ri.downAfter = primary.downAfter
	}
	ri.roleReportedAt = s.now()

	switch kind {
	case KindPrimary:
		ri.pri = &primaryState{
			replicas:        make(map[string]*Instance),
			sentinels:       make(map[string]*Instance),
			quorum:          quorum,
			parallelSyncs:   defaultParallelSyncs,
			failoverTimeout: s.timing.DefaultFailoverTimeout,
			renamedCommands: make(map[string]string),
		}
		if _, ok := s.primaries[name]; ok {
			return nil, ErrNameExists
		}
		s.primaries[name] = ri
	case KindReplica:
		if _, ok := primary.pri.replicas[ri.name]; ok {
			return nil, ErrDuplicate
		}
		ri.rep = &replicaState{priority: defaultReplicaPriority, announced: true}
		primary.pri.replicas[ri.name] = ri
	case KindSentinel:
		if _, ok := primary.pri.sentinels[name]; ok {
			return nil, ErrDuplicate
		}
		ri.runID = name
		ri.sen = &sentinelState{}
		primary.pri.sentinels[name] = ri
		s.tryShareLink(ri)
	}

	return ri, nil
}

// releaseInstance drops an instance's link. Pending reply callbacks that
// still reference the instance are rebound to a discard sink first, so a late
// reply can never touch a dead instance.
func (s *Sentinel) releaseInstance(ri *Instance) {
	releaseLink(ri.link, ri)
	ri.link = nil
}

// removePrimary drops a primary and everything learned under it.
func (s *Sentinel) removePrimary(ri *Instance) {
	for _, replica := range ri.pri.replicas {
		s.releaseInstance(replica)
	}
	for _, peer := range ri.pri.sentinels {
		s.releaseInstance(peer)
	}
	s.releaseInstance(ri)
	delete(s.primaries, ri.name)
}

const (
	resetNoSentinels = 1 << iota
	resetNoEvent
)

// resetPrimary forgets everything learned about a primary: replicas, peer
// sentinels unless told otherwise, failover state, cached reports.
func (s *Sentinel) resetPrimary(ri *Instance, resetFlags int) {
	for _, replica := range ri.pri.replicas {
		s.releaseInstance(replica)
	}
	ri.pri.replicas = make(map[string]*Instance)

	if resetFlags&resetNoSentinels == 0 {
		for _, peer := range ri.pri.sentinels {
			s.releaseInstance(peer)
		}
		ri.pri.sentinels = make(map[string]*Instance)
	}

	releaseLink(ri.link, ri)
	ri.link = newLink(s.now())

	ri.flags = 0
	ri.runID = ""
	ri.info = ""
	ri.lastInfo = time.Time{}
	ri.roleReported = KindPrimary
	ri.roleReportedAt = s.now()
	ri.sdownSince = time.Time{}
	ri.odownSince = time.Time{}
	ri.rebootSince = time.Time{}

	ri.pri.failoverState = FailoverNone
	ri.pri.failoverStateChanged = s.now()
	ri.pri.promoted = nil

	if resetFlags&resetNoEvent == 0 {
		s.emitEvent(logrus.WarnLevel, "+reset-master", ri, "%@")
	}
}

// resetPrimaryAndChangeAddress moves a primary to a new address, reinstating
// the previous address and every known replica (except the one at the new
// address) as replicas of the moved primary. Peer sentinels survive the reset.
func (s *Sentinel) resetPrimaryAndChangeAddress(ri *Instance, hostname string, port int) error {
	newAddr, err := NewAddr(hostname, port, s.resolveHostnames, s.resolveHostnames)
	if err != nil {
		return err
	}

	var replicaAddrs []*Addr
	for _, replica := range ri.pri.replicas {
		if replica.addr.Equal(newAddr) {
			continue
		}
		replicaAddrs = append(replicaAddrs, replica.addr.Dup())
	}
	if !ri.addr.Equal(newAddr) {
		replicaAddrs = append(replicaAddrs, ri.addr.Dup())
	}

	s.resetPrimary(ri, resetNoSentinels)
	ri.addr = newAddr

	for _, ra := range replicaAddrs {
		replica, err := s.newInstance(KindReplica, "", ra.Hostname, ra.Port, 0, ri)
		if err != nil {
			continue
		}
		s.emitEvent(logrus.InfoLevel, "+slave", replica, "%@")
	}

	s.flushConfig()
	return nil
}

// lookupReplica finds a replica of ri by address.
func (s *Sentinel) lookupReplica(ri *Instance, hostname string, port int) *Instance {
	addr, err := NewAddr(hostname, port, s.resolveHostnames, true)
	if err != nil {
		return nil
	}
	for _, replica := range ri.pri.replicas {
		if replica.addr.Equal(addr) {
			return replica
		}
	}
	return nil
}

// lookupSentinel finds a peer of ri by ip, port and/or run id. Empty runID or
// nil addr skips that half of the match.
func (s *Sentinel) lookupSentinel(ri *Instance, addr *Addr, runID string) *Instance {
	for _, peer := range ri.pri.sentinels {
		if runID != "" && peer.runID != runID {
			continue
		}
		if addr != nil && !peer.addr.Equal(addr) {
			continue
		}
		return peer
	}
	return nil
}

// primaryByName returns a monitored primary or ErrNoSuchMaster.
func (s *Sentinel) primaryByName(name string) (*Instance, error) {
	ri, ok := s.primaries[name]
	if !ok {
		return nil, ErrNoSuchMaster
	}
	return ri, nil
}

// usableSentinelCount is the number of voters for ri: known good peers
// plus ourselves.
func (s *Sentinel) usableSentinelCount(ri *Instance) int {
	count := 1
	for _, peer := range ri.pri.sentinels {
		if peer.flags.Has(FlagSDown) || peer.link.disconnected() {
			continue
		}
		count++
	}
	return count
}

// instanceDetails renders the canonical event payload for an instance:
// "<type> <name> <ip> <port>", extended with the owning primary for
// replicas and sentinels.
func (s *Sentinel) instanceDetails(ri *Instance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s %d", ri.kind, ri.name, ri.addr.IP, ri.addr.Port)
	if ri.kind != KindPrimary {
		p := ri.primary
		fmt.Fprintf(&b, " @ %s %s %d", p.name, p.addr.IP, p.addr.Port)
	}
	return b.String()
}

// renamedCommand maps a logical command name through the owning primary's
// rename table. Replicas inherit their primary's table.
func renamedCommand(ri *Instance, name string) string {
	table := ri
	if ri.kind != KindPrimary && ri.primary != nil {
		table = ri.primary
	}
	if table.pri == nil {
		return name
	}
	if renamed, ok := table.pri.renamedCommands[strings.ToLower(name)]; ok {
		return renamed
	}
	return name
}
