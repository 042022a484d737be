package sentinel

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// fakeNetConn swallows writes so command sends succeed without a server.
type fakeNetConn struct {
	written [][]byte
}

func (c *fakeNetConn) Read(b []byte) (int, error) { return 0, io.EOF }
func (c *fakeNetConn) Write(b []byte) (int, error) {
	buf := make([]byte, len(b))
	copy(buf, b)
	c.written = append(c.written, buf)
	return len(b), nil
}
func (c *fakeNetConn) Close() error                       { return nil }
func (c *fakeNetConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *fakeNetConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *fakeNetConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeNetConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeNetConn) SetWriteDeadline(t time.Time) error { return nil }

// testClock is a manual clock wired into the sentinel under test.
type testClock struct {
	current time.Time
}

func (c *testClock) Now() time.Time {
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestSentinel(t *testing.T) (*Sentinel, *testClock) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s := New(Options{
		Logger: logger,
		Fs:     afero.NewMemMapFs(),
		Host:   "127.0.0.1",
		Port:   26379,
	})

	clock := &testClock{current: time.Unix(1700000000, 0)}
	s.now = clock.Now
	s.prevTime = clock.current
	return s, clock
}

func addTestPrimary(t *testing.T, s *Sentinel, name string, quorum int) *Instance {
	t.Helper()
	ri, err := s.newInstance(KindPrimary, name, "10.0.0.1", 6379, quorum, nil)
	require.NoError(t, err)
	return ri
}

func addTestReplica(t *testing.T, s *Sentinel, primary *Instance, ip string, port int) *Instance {
	t.Helper()
	ri, err := s.newInstance(KindReplica, "", ip, port, 0, primary)
	require.NoError(t, err)
	return ri
}

func addTestSentinel(t *testing.T, s *Sentinel, primary *Instance, runID, ip string, port int) *Instance {
	t.Helper()
	ri, err := s.newInstance(KindSentinel, runID, ip, port, 0, primary)
	require.NoError(t, err)
	return ri
}

// markReachable makes an instance look healthy to the selection and down
// detection logic without a real connection.
func markReachable(s *Sentinel, ri *Instance) {
	now := s.now()
	ri.link.cmd = &Conn{nc: &fakeNetConn{}}
	ri.link.pendingSince = time.Time{}
	ri.link.lastAvail = now
	ri.link.lastPong = now
	ri.lastInfo = now
	if ri.kind != KindSentinel {
		ri.link.pubsub = &Conn{nc: &fakeNetConn{}}
		ri.link.wantPubsub = true
	}
}
