package sentinel

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"sentinel/internal/protocol"
)

const (
	maxPendingCommands = 100
	dialTimeout        = 2 * time.Second
	writeTimeout       = 2 * time.Second
)

type replyCallback func(s *Sentinel, ri *Instance, reply *protocol.Reply)

type pendingReply struct {
	ri *Instance
	fn replyCallback
}

// Conn is one async connection. The core loop writes commands and appends a
// pending callback; a reader goroutine decodes replies and posts the matching
// callback back onto the core loop. The queue is the only state touched from
// two goroutines.
type Conn struct {
	nc     net.Conn
	reader *bufio.Reader

	mu     sync.Mutex
	queue  []*pendingReply
	closed bool
}

func newConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, reader: bufio.NewReader(nc)}
}

func (c *Conn) push(pr *pendingReply) {
	c.mu.Lock()
	c.queue = append(c.queue, pr)
	c.mu.Unlock()
}

func (c *Conn) pop() *pendingReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	pr := c.queue[0]
	c.queue = c.queue[1:]
	return pr
}

// discardCallbacks rebinds every pending callback owned by ri to a no-op, so
// late replies for a destroyed instance hit a sink instead of freed state.
func (c *Conn) discardCallbacks(ri *Instance) {
	c.mu.Lock()
	for _, pr := range c.queue {
		if pr.ri == ri {
			pr.ri = nil
			pr.fn = nil
		}
	}
	c.mu.Unlock()
}

func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.nc.Close()
}

// Link is the connection pair toward one physical instance. Peer sentinel
// instances that denote the same physical peer share a link by refcount;
// primary and replica links are never shared.
type Link struct {
	refcount int

	cmd        *Conn
	pubsub     *Conn
	wantPubsub bool

	dialingCmd    bool
	dialingPubsub bool

	lastReconnect time.Time
	lastPingSent  time.Time
	// Time of the first ping not yet answered; zero when up to date.
	pendingSince       time.Time
	lastAvail          time.Time
	lastPong           time.Time
	cmdSince           time.Time
	pubsubSince        time.Time
	lastPubsubActivity time.Time

	pending int
}

// newLink starts with a pending ping already recorded: an instance that
// never answers anything must still cross the down-after threshold.
func newLink(now time.Time) *Link {
	return &Link{
		refcount:     1,
		pendingSince: now,
		lastAvail:    now,
		lastPong:     now,
	}
}

func (l *Link) disconnected() bool {
	if l.cmd == nil {
		return true
	}
	return l.wantPubsub && l.pubsub == nil
}

// releaseLink drops one reference. While other holders remain, any queued
// callback referencing ri is rebound to the discard sink; the last holder
// tears the connections down.
func releaseLink(l *Link, ri *Instance) {
	if l == nil {
		return
	}
	l.refcount--
	if l.refcount > 0 {
		if l.cmd != nil {
			l.cmd.discardCallbacks(ri)
		}
		if l.pubsub != nil {
			l.pubsub.discardCallbacks(ri)
		}
		return
	}
	if l.cmd != nil {
		l.cmd.close()
		l.cmd = nil
	}
	if l.pubsub != nil {
		l.pubsub.close()
		l.pubsub = nil
	}
}

// tryShareLink makes ri share the link of another peer-sentinel instance with
// the same run id. Only a candidate nobody else shares yet can be rebound.
func (s *Sentinel) tryShareLink(ri *Instance) bool {
	if ri.kind != KindSentinel || ri.runID == "" {
		return false
	}
	for _, primary := range s.primaries {
		for _, peer := range primary.pri.sentinels {
			if peer == ri || peer.runID != ri.runID {
				continue
			}
			if peer.link == ri.link {
				continue
			}
			if ri.link.refcount != 1 {
				return false
			}
			releaseLink(ri.link, ri)
			ri.link = peer.link
			peer.link.refcount++
			return true
		}
	}
	return false
}

// reconnectIfNeeded opens missing connections for ri, rate limited by the
// ping period. Dials run off-loop; the established connection is installed
// back on the loop.
func (s *Sentinel) reconnectIfNeeded(ri *Instance) {
	link := ri.link
	link.wantPubsub = ri.kind != KindSentinel

	if !link.disconnected() {
		return
	}
	if ri.addr.IP == "" && !s.retryResolve(ri) {
		return
	}

	now := s.now()
	if now.Sub(link.lastReconnect) < s.timing.PingPeriod {
		return
	}
	link.lastReconnect = now

	if link.cmd == nil && !link.dialingCmd {
		link.dialingCmd = true
		s.dial(ri, link, false)
	}
	if link.wantPubsub && link.pubsub == nil && !link.dialingPubsub {
		link.dialingPubsub = true
		s.dial(ri, link, true)
	}
}

// retryResolve re-resolves a lazily created address before dialing.
func (s *Sentinel) retryResolve(ri *Instance) bool {
	addr, err := NewAddr(ri.addr.Hostname, ri.addr.Port, s.resolveHostnames, false)
	if err != nil {
		return false
	}
	ri.addr = addr
	return true
}

func (s *Sentinel) dial(ri *Instance, link *Link, forPubsub bool) {
	target := net.JoinHostPort(ri.addr.IP, fmt.Sprintf("%d", ri.addr.Port))
	go func() {
		nc, err := net.DialTimeout("tcp", target, dialTimeout)
		s.post(func() {
			if forPubsub {
				link.dialingPubsub = false
			} else {
				link.dialingCmd = false
			}
			if err != nil {
				s.logger.WithField("instance", ri.name).WithError(err).Debug("connect failed")
				return
			}
			if ri.link != link {
				nc.Close()
				return
			}
			if forPubsub {
				s.installPubsubConn(ri, link, nc)
			} else {
				s.installCmdConn(ri, link, nc)
			}
		})
	}()
}

func (s *Sentinel) installCmdConn(ri *Instance, link *Link, nc net.Conn) {
	conn := newConn(nc)
	link.cmd = conn
	link.cmdSince = s.now()
	go s.readReplies(link, conn)

	s.sendAuth(ri, conn)
	s.sendClientName(ri, conn, "cmd")
	s.sendPing(ri)
}

func (s *Sentinel) installPubsubConn(ri *Instance, link *Link, nc net.Conn) {
	conn := newConn(nc)
	link.pubsub = conn
	link.pubsubSince = s.now()
	link.lastPubsubActivity = s.now()
	go s.readPubsubMessages(ri, link, conn)

	s.sendAuth(ri, conn)
	s.sendClientName(ri, conn, "pubsub")
	s.writeCommand(ri, conn, nil, "SUBSCRIBE", helloChannel)
}

// readReplies pumps the command connection: every decoded reply pops the
// oldest pending callback and runs it on the core loop.
func (s *Sentinel) readReplies(link *Link, conn *Conn) {
	for {
		reply, err := protocol.ParseReply(conn.reader)
		if err != nil {
			s.post(func() { s.closeCmdConn(link, conn) })
			return
		}
		pr := conn.pop()
		s.post(func() {
			if pr == nil {
				return
			}
			link.pending--
			if pr.fn == nil || pr.ri == nil {
				return
			}
			pr.fn(s, pr.ri, reply)
		})
	}
}

// readPubsubMessages pumps the pub/sub connection. Only "message" deliveries
// on the hello channel matter; everything else just refreshes the activity
// clock.
func (s *Sentinel) readPubsubMessages(ri *Instance, link *Link, conn *Conn) {
	for {
		reply, err := protocol.ParseReply(conn.reader)
		if err != nil {
			s.post(func() { s.closePubsubConn(link, conn) })
			return
		}
		s.post(func() {
			link.lastPubsubActivity = s.now()
			if reply.Type != protocol.ArrayReply || len(reply.Elems) != 3 {
				return
			}
			if reply.Elems[0].Str != "message" || reply.Elems[1].Str != helloChannel {
				return
			}
			s.processHelloMessage(reply.Elems[2].Str)
		})
	}
}

func (s *Sentinel) closeCmdConn(link *Link, conn *Conn) {
	if link.cmd != conn {
		return
	}
	conn.close()
	link.cmd = nil
	link.pending = 0
	link.pendingSince = time.Time{}
}

func (s *Sentinel) closePubsubConn(link *Link, conn *Conn) {
	if link.pubsub != conn {
		return
	}
	conn.close()
	link.pubsub = nil
}

// checkLinkHealth force-closes connections that look alive at the TCP level
// but have stopped answering.
func (s *Sentinel) checkLinkHealth(ri *Instance) {
	link := ri.link
	now := s.now()

	if link.cmd != nil &&
		now.Sub(link.cmdSince) > s.timing.MinLinkReconnectPeriod &&
		!link.pendingSince.IsZero() &&
		now.Sub(link.pendingSince) > ri.downAfter/2 &&
		now.Sub(link.lastPong) > ri.downAfter/2 {
		s.logger.WithField("instance", ri.name).Debug("command link stalled, tearing down")
		s.closeCmdConn(link, link.cmd)
	}

	if link.pubsub != nil &&
		now.Sub(link.pubsubSince) > s.timing.MinLinkReconnectPeriod &&
		now.Sub(link.lastPubsubActivity) > 3*s.timing.PublishPeriod {
		s.logger.WithField("instance", ri.name).Debug("pubsub link stalled, tearing down")
		s.closePubsubConn(link, link.pubsub)
	}
}

// sendCommand issues a command on ri's command connection and queues fn for
// its reply. The command verb is mapped through the rename table.
func (s *Sentinel) sendCommand(ri *Instance, fn replyCallback, args ...string) error {
	if ri.link.cmd == nil {
		return fmt.Errorf("instance %s: link down", ri.name)
	}
	return s.writeCommand(ri, ri.link.cmd, &pendingReply{ri: ri, fn: fn}, args...)
}

func (s *Sentinel) writeCommand(ri *Instance, conn *Conn, pr *pendingReply, args ...string) error {
	mapped := make([]string, len(args))
	copy(mapped, args)
	mapped[0] = renamedCommand(ri, mapped[0])

	conn.nc.SetWriteDeadline(s.now().Add(writeTimeout))
	if _, err := conn.nc.Write(protocol.EncodeArray(mapped)); err != nil {
		if conn == ri.link.cmd {
			s.closeCmdConn(ri.link, conn)
		} else if conn == ri.link.pubsub {
			s.closePubsubConn(ri.link, conn)
		}
		return err
	}
	// Replies on the pub/sub connection arrive as messages, not as answers
	// to a queue; only the command connection tracks pending callbacks.
	if conn == ri.link.cmd {
		if pr == nil {
			pr = &pendingReply{}
		}
		conn.push(pr)
		ri.link.pending++
	}
	return nil
}

func (s *Sentinel) sendAuth(ri *Instance, conn *Conn) {
	user, pass := s.authForInstance(ri)
	if pass == "" {
		return
	}
	if user != "" {
		s.writeCommand(ri, conn, nil, "AUTH", user, pass)
	} else {
		s.writeCommand(ri, conn, nil, "AUTH", pass)
	}
}

func (s *Sentinel) authForInstance(ri *Instance) (string, string) {
	if ri.kind == KindSentinel {
		return s.sentinelUser, s.sentinelPass
	}
	p := ri
	if ri.kind == KindReplica {
		p = ri.primary
	}
	return p.pri.authUser, p.pri.authPass
}

func (s *Sentinel) sendClientName(ri *Instance, conn *Conn, suffix string) {
	id := s.myID
	if len(id) > 8 {
		id = id[:8]
	}
	s.writeCommand(ri, conn, nil, "CLIENT", "SETNAME", fmt.Sprintf("sentinel-%s-%s", id, suffix))
}
