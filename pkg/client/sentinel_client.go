package client

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"sentinel/internal/protocol"
)

// SentinelClient tracks the current primary of a monitored master through a
// group of sentinels: it resolves the address on demand and follows
// +switch-master announcements.
type SentinelClient struct {
	sentinelAddrs []string
	masterName    string

	mu         sync.RWMutex
	masterAddr string

	dialTimeout time.Duration

	stop     chan struct{}
	stopOnce sync.Once

	// Invoked whenever a failover moves the master.
	OnMasterChange func(addr string)
}

// Options configures a SentinelClient.
type Options struct {
	SentinelAddrs []string
	MasterName    string
	DialTimeout   time.Duration
}

// New resolves the master once and starts following switch announcements.
func New(opts Options) (*SentinelClient, error) {
	if len(opts.SentinelAddrs) == 0 {
		return nil, errors.New("at least one sentinel address required")
	}
	if opts.MasterName == "" {
		return nil, errors.New("master name required")
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 2 * time.Second
	}

	c := &SentinelClient{
		sentinelAddrs: opts.SentinelAddrs,
		masterName:    opts.MasterName,
		dialTimeout:   opts.DialTimeout,
		stop:          make(chan struct{}),
	}

	addr, err := c.QueryMasterAddr()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve master: %w", err)
	}
	c.masterAddr = addr

	go c.followSwitches()
	return c, nil
}

// MasterAddr returns the last known master address.
func (c *SentinelClient) MasterAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.masterAddr
}

// Close stops the switch follower.
func (c *SentinelClient) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// QueryMasterAddr asks the sentinels, in order, for the current master
// address. The first answer wins; every sentinel holds the same view.
func (c *SentinelClient) QueryMasterAddr() (string, error) {
	for _, sentinelAddr := range c.sentinelAddrs {
		addr, err := c.queryOne(sentinelAddr)
		if err != nil {
			continue
		}
		return addr, nil
	}
	return "", errors.New("all sentinels unreachable")
}

func (c *SentinelClient) queryOne(sentinelAddr string) (string, error) {
	conn, err := net.DialTimeout("tcp", sentinelAddr, c.dialTimeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.dialTimeout))

	cmd := protocol.EncodeArray([]string{"SENTINEL", "GET-MASTER-ADDR-BY-NAME", c.masterName})
	if _, err := conn.Write(cmd); err != nil {
		return "", err
	}

	reply, err := protocol.ParseReply(bufio.NewReader(conn))
	if err != nil {
		return "", err
	}
	if reply.Type != protocol.ArrayReply || len(reply.Elems) != 2 {
		return "", fmt.Errorf("unexpected reply for master %q", c.masterName)
	}
	return net.JoinHostPort(reply.Elems[0].Str, reply.Elems[1].Str), nil
}

// followSwitches keeps one sentinel subscription alive and updates the
// master address on every +switch-master for our master name.
func (c *SentinelClient) followSwitches() {
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		if err := c.subscribeOnce(); err != nil {
			select {
			case <-c.stop:
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (c *SentinelClient) subscribeOnce() error {
	var conn net.Conn
	var err error
	for _, sentinelAddr := range c.sentinelAddrs {
		conn, err = net.DialTimeout("tcp", sentinelAddr, c.dialTimeout)
		if err == nil {
			break
		}
	}
	if conn == nil {
		return errors.New("all sentinels unreachable")
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-c.stop:
			conn.Close()
		case <-done:
		}
	}()

	if _, err := conn.Write(protocol.EncodeArray([]string{"SUBSCRIBE", "+switch-master"})); err != nil {
		return err
	}

	reader := bufio.NewReader(conn)
	for {
		reply, err := protocol.ParseReply(reader)
		if err != nil {
			return err
		}
		if reply.Type != protocol.ArrayReply || len(reply.Elems) != 3 {
			continue
		}
		if reply.Elems[0].Str != "message" {
			continue
		}
		c.handleSwitch(reply.Elems[2].Str)
	}
}

// handleSwitch parses "<name> <old-ip> <old-port> <new-ip> <new-port>".
func (c *SentinelClient) handleSwitch(payload string) {
	fields := strings.Fields(payload)
	if len(fields) != 5 || fields[0] != c.masterName {
		return
	}
	addr := net.JoinHostPort(fields[3], fields[4])

	c.mu.Lock()
	changed := c.masterAddr != addr
	c.masterAddr = addr
	c.mu.Unlock()

	if changed && c.OnMasterChange != nil {
		c.OnMasterChange(addr)
	}
}
