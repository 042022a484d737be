package sentinel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddrLiteralIP(t *testing.T) {
	a, err := NewAddr("192.168.1.5", 6379, false, false)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5", a.IP)
	assert.Equal(t, 6379, a.Port)
}

func TestNewAddrInvalidPort(t *testing.T) {
	_, err := NewAddr("127.0.0.1", -1, false, false)
	assert.ErrorIs(t, err, ErrInvalidPort)

	_, err = NewAddr("127.0.0.1", 70000, false, false)
	assert.ErrorIs(t, err, ErrInvalidPort)
}

func TestNewAddrHostnameRequiresResolveMode(t *testing.T) {
	_, err := NewAddr("some-host.invalid", 6379, false, false)
	assert.ErrorIs(t, err, ErrCannotResolve)
}

func TestNewAddrUnresolvedAccepted(t *testing.T) {
	a, err := NewAddr("definitely-not-a-real-host.invalid", 6379, true, true)
	require.NoError(t, err)
	assert.Equal(t, "", a.IP)
	assert.Equal(t, "definitely-not-a-real-host.invalid", a.Hostname)
}

func TestAddrEqual(t *testing.T) {
	a, _ := NewAddr("10.0.0.1", 6379, false, false)
	b, _ := NewAddr("10.0.0.1", 6379, false, false)
	c, _ := NewAddr("10.0.0.1", 6380, false, false)
	d, _ := NewAddr("10.0.0.2", 6379, false, false)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(d))
}

func TestAddrEqualUnresolvedByHostname(t *testing.T) {
	a, err := NewAddr("node-a.invalid", 1234, true, true)
	require.NoError(t, err)
	b, err := NewAddr("NODE-A.invalid", 1234, true, true)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
}

func TestAddrEqualHostnameLiteral(t *testing.T) {
	a, _ := NewAddr("10.0.0.1", 6379, false, false)
	assert.True(t, a.EqualHostname("10.0.0.1"))
	assert.False(t, a.EqualHostname("10.0.0.2"))
}

func TestAnnounceWithPort(t *testing.T) {
	a, _ := NewAddr("10.0.0.1", 6379, false, false)
	assert.Equal(t, "10.0.0.1:6379", a.AnnounceWithPort(false))

	v6, err := NewAddr("::1", 6379, false, false)
	require.NoError(t, err)
	assert.Equal(t, "[::1]:6379", v6.AnnounceWithPort(false))
}

func TestAnnounceHostnameMode(t *testing.T) {
	a := &Addr{Hostname: "replica-1.local", IP: "10.0.0.9", Port: 6379}
	assert.Equal(t, "replica-1.local", a.Announce(true))
	assert.Equal(t, "10.0.0.9", a.Announce(false))
}

func TestDup(t *testing.T) {
	a, _ := NewAddr("10.0.0.1", 6379, false, false)
	b := a.Dup()
	b.Port = 7000
	assert.Equal(t, 6379, a.Port)
}
