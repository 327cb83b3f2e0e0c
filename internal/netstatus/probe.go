// Package netstatus implements the network-status collaborator as a cheap
// TCP reachability probe against the sync server.
package netstatus

import (
	"net"
	"net/url"
	"time"
)

const defaultProbeTimeout = 3 * time.Second

// Probe answers the current online boolean by dialing the sync server's
// host. It holds no state; callers poll it.
type Probe struct {
	address string
	timeout time.Duration
}

// NewProbe builds a Probe from the sync server base URL.
func NewProbe(serverURL string, timeout time.Duration) (*Probe, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	host := parsed.Host
	if parsed.Port() == "" {
		switch parsed.Scheme {
		case "https":
			host = net.JoinHostPort(parsed.Hostname(), "443")
		default:
			host = net.JoinHostPort(parsed.Hostname(), "80")
		}
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Probe{address: host, timeout: timeout}, nil
}

// Online reports whether the sync server's host currently accepts
// connections.
func (p *Probe) Online() bool {
	conn, err := net.DialTimeout("tcp", p.address, p.timeout)
	if err != nil {
		return false
	}
	conn.Close() //nolint:errcheck
	return true
}
