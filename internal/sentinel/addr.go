package sentinel

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrInvalidPort   = errors.New("invalid port number")
	ErrCannotResolve = errors.New("cannot resolve hostname")
)

// Addr is a monitored endpoint: the hostname as originally given, the
// resolved IP, and the port. IP may be empty when hostname resolution failed
// and unresolved addresses are accepted; reconnects retry resolution.
type Addr struct {
	Hostname string
	IP       string
	Port     int
}

// NewAddr resolves hostname and builds an address. When resolveHostnames is
// off, the hostname must already be a literal IP. When it is on and
// resolution fails, acceptUnresolved decides between a lazy address with an
// empty IP and an error.
func NewAddr(hostname string, port int, resolveHostnames, acceptUnresolved bool) (*Addr, error) {
	if port < 0 || port > 65535 {
		return nil, ErrInvalidPort
	}

	a := &Addr{Hostname: hostname, Port: port}

	if ip := net.ParseIP(hostname); ip != nil {
		a.IP = ip.String()
		return a, nil
	}

	if !resolveHostnames {
		return nil, fmt.Errorf("%w: %s (resolve-hostnames is off)", ErrCannotResolve, hostname)
	}

	ips, err := net.LookupHost(hostname)
	if err != nil || len(ips) == 0 {
		if acceptUnresolved {
			return a, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrCannotResolve, hostname)
	}

	a.IP = ips[0]
	return a, nil
}

func (a *Addr) Dup() *Addr {
	cp := *a
	return &cp
}

// Equal compares two addresses: ports must match, and either the IPs match or
// both are unresolved with equal hostnames.
func (a *Addr) Equal(b *Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Port != b.Port {
		return false
	}
	if a.IP != "" && a.IP == b.IP {
		return true
	}
	return a.IP == "" && b.IP == "" && strings.EqualFold(a.Hostname, b.Hostname)
}

// EqualHostname reports whether hostname refers to this address. The name is
// resolved and compared to the IP; if resolution fails the comparison falls
// back to the hostname text.
func (a *Addr) EqualHostname(hostname string) bool {
	if ip := net.ParseIP(hostname); ip != nil {
		return a.IP == ip.String()
	}
	if ips, err := net.LookupHost(hostname); err == nil && len(ips) > 0 {
		return a.IP == ips[0]
	}
	return strings.EqualFold(a.Hostname, hostname)
}

// Announce returns the form of the address shared with peers and clients:
// the hostname when announce-hostnames mode is on and a hostname is known,
// the IP otherwise.
func (a *Addr) Announce(useHostname bool) string {
	if useHostname && a.Hostname != "" {
		return a.Hostname
	}
	if a.IP != "" {
		return a.IP
	}
	return a.Hostname
}

// AnnounceWithPort formats host:port, bracketing IPv6 literals.
func (a *Addr) AnnounceWithPort(useHostname bool) string {
	host := a.Announce(useHostname)
	if strings.Contains(host, ":") {
		return fmt.Sprintf("[%s]:%d", host, a.Port)
	}
	return fmt.Sprintf("%s:%d", host, a.Port)
}

func (a *Addr) String() string {
	return a.AnnounceWithPort(false)
}
