package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"sentinel/internal/protocol"
	"sentinel/internal/pubsub"
	"sentinel/internal/sentinel"
)

// Server is the wire front end of one sentinel: it accepts RESP connections
// and routes commands into the core loop. Subscriptions are served here,
// straight off the core's event bus.
type Server struct {
	config *Config
	core   *sentinel.Sentinel

	listener        net.Listener
	connections     sync.Map
	connIDCounter   atomic.Int64
	activeConnCount atomic.Int64
	wg              sync.WaitGroup
	shutdownChan    chan struct{}
	mu              sync.RWMutex
	isShutdown      bool

	// Invoked on a client SHUTDOWN command.
	OnShutdown func()

	logger logrus.FieldLogger
}

func New(cfg *Config, core *sentinel.Sentinel, logger logrus.FieldLogger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Server{
		config:       cfg,
		core:         core,
		shutdownChan: make(chan struct{}),
		logger:       logger,
	}
}

// Start listens and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	s.listener = listener
	s.logger.WithField("addr", addr).Info("sentinel listening")

	go s.acceptConnections(ctx)

	<-ctx.Done()
	s.Shutdown()
	return nil
}

func (s *Server) acceptConnections(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownChan:
			return
		default:
			conn, err := s.listener.Accept()
			if err != nil {
				s.mu.RLock()
				if s.isShutdown {
					s.mu.RUnlock()
					return
				}
				s.mu.RUnlock()
				s.logger.WithError(err).Debug("error accepting connection")
				continue
			}

			if s.activeConnCount.Load() >= int64(s.config.MaxConnections) {
				s.logger.WithField("remote", conn.RemoteAddr()).Warn("max connections reached, rejecting")
				conn.Close()
				continue
			}

			s.wg.Add(1)
			go s.handleConnection(ctx, conn)
		}
	}
}

// clientState is the per-connection context: its name and subscriptions.
type clientState struct {
	id   int64
	name string
	sub  *pubsub.Subscriber
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	connID := s.connIDCounter.Add(1)
	s.activeConnCount.Add(1)
	defer s.activeConnCount.Add(-1)

	s.connections.Store(connID, conn)
	defer s.connections.Delete(connID)
	defer conn.Close()

	client := &clientState{
		id:  connID,
		sub: &pubsub.Subscriber{ID: fmt.Sprintf("conn-%d", connID), Messages: make(chan *pubsub.Message, 128)},
	}
	defer s.core.Events().Broker().RemoveSubscriber(client.sub.ID)

	var writeMu sync.Mutex
	write := func(b []byte) {
		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		conn.Write(b)
		writeMu.Unlock()
	}

	// Forward event bus deliveries for as long as the connection lives.
	forwardDone := make(chan struct{})
	defer close(forwardDone)
	go func() {
		for {
			select {
			case msg := <-client.sub.Messages:
				write(encodeMessage(msg))
			case <-forwardDone:
				return
			case <-s.shutdownChan:
				return
			}
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownChan:
			return
		default:
		}

		cmd, err := protocol.ParseCommand(reader)
		if err != nil {
			return
		}
		if reply, closeConn := s.executeCommand(client, cmd); reply != nil {
			write(reply)
			if closeConn {
				return
			}
		}
	}
}

// executeCommand serves connection-scoped commands locally and posts
// everything else onto the core loop.
func (s *Server) executeCommand(client *clientState, cmd *protocol.Command) (reply []byte, closeConn bool) {
	if len(cmd.Args) == 0 {
		return protocol.EncodeError("ERR no command provided"), false
	}

	broker := s.core.Events().Broker()

	switch strings.ToUpper(cmd.Args[0]) {
	case "SUBSCRIBE":
		if len(cmd.Args) < 2 {
			return protocol.EncodeError("ERR wrong number of arguments for 'subscribe' command"), false
		}
		var out []byte
		for _, ch := range cmd.Args[1:] {
			count := broker.Subscribe(client.sub, ch)
			out = append(out, subscribeReply("subscribe", ch, count)...)
		}
		return out, false
	case "PSUBSCRIBE":
		if len(cmd.Args) < 2 {
			return protocol.EncodeError("ERR wrong number of arguments for 'psubscribe' command"), false
		}
		var out []byte
		for _, pat := range cmd.Args[1:] {
			count := broker.PSubscribe(client.sub, pat)
			out = append(out, subscribeReply("psubscribe", pat, count)...)
		}
		return out, false
	case "UNSUBSCRIBE":
		count := broker.Unsubscribe(client.sub.ID, cmd.Args[1:]...)
		return subscribeReply("unsubscribe", "", count), false
	case "PUNSUBSCRIBE":
		count := broker.PUnsubscribe(client.sub.ID, cmd.Args[1:]...)
		return subscribeReply("punsubscribe", "", count), false
	case "CLIENT":
		return s.handleClientCommand(client, cmd.Args[1:]), false
	case "HELLO":
		if len(cmd.Args) > 1 && cmd.Args[1] != "2" {
			return protocol.EncodeError("NOPROTO unsupported protocol version"), false
		}
		return protocol.EncodeInterfaceArray([]interface{}{
			"server", "sentinel",
			"proto", 2,
			"id", client.id,
			"mode", "sentinel",
			"role", "sentinel",
		}), false
	case "SHUTDOWN":
		if s.OnShutdown != nil {
			s.OnShutdown()
		}
		return nil, true
	case "QUIT":
		return protocol.EncodeSimpleString("OK"), true
	}

	s.core.Do(func() {
		reply = s.core.HandleCommand(cmd.Args)
	})
	return reply, false
}

func (s *Server) handleClientCommand(client *clientState, args []string) []byte {
	if len(args) == 0 {
		return protocol.EncodeError("ERR wrong number of arguments for 'client' command")
	}
	switch strings.ToUpper(args[0]) {
	case "SETNAME":
		if len(args) != 2 {
			return protocol.EncodeError("ERR wrong number of arguments for 'client setname' command")
		}
		client.name = args[1]
		return protocol.EncodeSimpleString("OK")
	case "GETNAME":
		return protocol.EncodeBulkString(client.name)
	default:
		return protocol.EncodeError(fmt.Sprintf("ERR Unknown CLIENT subcommand '%s'", args[0]))
	}
}

func subscribeReply(kind, channel string, count int) []byte {
	return protocol.EncodeRawArray([][]byte{
		protocol.EncodeBulkString(kind),
		protocol.EncodeBulkString(channel),
		protocol.EncodeInteger(count),
	})
}

func encodeMessage(msg *pubsub.Message) []byte {
	if msg.Type == "pmessage" {
		return protocol.EncodeRawArray([][]byte{
			protocol.EncodeBulkString("pmessage"),
			protocol.EncodeBulkString(msg.Pattern),
			protocol.EncodeBulkString(msg.Channel),
			protocol.EncodeBulkString(msg.Payload),
		})
	}
	return protocol.EncodeRawArray([][]byte{
		protocol.EncodeBulkString("message"),
		protocol.EncodeBulkString(msg.Channel),
		protocol.EncodeBulkString(msg.Payload),
	})
}

// Shutdown stops accepting, closes every connection and waits briefly for
// handlers to drain.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return
	}
	s.isShutdown = true
	s.mu.Unlock()

	close(s.shutdownChan)

	if s.listener != nil {
		s.listener.Close()
	}

	s.connections.Range(func(key, value interface{}) bool {
		if conn, ok := value.(net.Conn); ok {
			conn.Close()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sentinel connections closed")
	case <-time.After(5 * time.Second):
		s.logger.Warn("shutdown timeout reached, forcing exit")
	}
}
