// Package peers implements the client/server peer registry: resolving
// configured host names to address sets at startup, and reverse-looking-up
// an inbound source address to the peer it belongs to.
package peers

import (
	"net"
	"net/netip"
	"sync"

	"github.com/radsecproxy/radsecproxy/internal/replyqueue"
)

// Transport is the wire transport a peer is configured for.
type Transport int

const (
	TransportDatagram Transport = iota
	TransportStream
)

// Client is a configured inbound peer.
type Client struct {
	Name      string
	Transport Transport
	Addrs     []netip.Addr
	Secret    []byte
	TLSName   string // configured "tls" option; "" leaves the default fallback chain

	// ReplyQueue is this client's outbound reply queue.
	// Datagram clients all point at one shared queue sized
	// client_udp_count * MAX_REQUESTS; each stream client owns its own.
	ReplyQueue *replyqueue.Queue

	mu      sync.Mutex
	session any // *transport.StreamSession, opaque here to avoid an import cycle
}

// SetSession records the single live stream session for this client,
// enforcing "at most one live stream session per client". Returns false
// if a session is already live.
func (c *Client) SetSession(s any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return false
	}
	c.session = s
	return true
}

// ClearSession releases the live session slot, allowing a future
// reconnect from this client to be accepted.
func (c *Client) ClearSession(expect any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == expect {
		c.session = nil
	}
}

func (c *Client) HasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Server is a configured outbound peer.
type Server struct {
	Name          string
	Transport     Transport
	Addrs         []netip.Addr
	Port          int
	Secret        []byte
	TLSName       string
	StatusServer  bool
}

// normalize converts an IPv4-mapped IPv6 address to its IPv4 form, so
// comparisons treat ::ffff:a.b.c.d the same as a.b.c.d.
func normalize(a netip.Addr) netip.Addr {
	if a.Is4In6() {
		return a.Unmap()
	}
	return a
}

// Matches reports whether src belongs to this client's resolved address set.
func (c *Client) Matches(src netip.Addr) bool {
	src = normalize(src)
	for _, a := range c.Addrs {
		if normalize(a) == src {
			return true
		}
	}
	return false
}

// Registry resolves configured client/server names to frozen address sets
// at startup and answers reverse source-address lookups. It is built once
// and never mutated afterward: the set is captured and never refreshed,
// filled at startup and read-only thereafter in steady state.
type Registry struct {
	Clients []*Client
	Servers []*Server
}

// NewRegistry returns an empty registry. The caller fills Clients and
// Servers at startup, resolving each configured host with ResolveHost.
func NewRegistry() *Registry {
	return &Registry{}
}

// ResolveHost resolves host (an IP literal or FQDN) to its full set of
// addresses, used once at startup for each configured Client/Server.
func ResolveHost(host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip}, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		if a, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, normalize(a))
		}
	}
	return out, nil
}

// ClientBySource reverse-looks-up an inbound source address against every
// configured client's resolved address set. First match wins; unmatched
// sources return (nil, false) and must be dropped with a warning by the
// caller.
func (r *Registry) ClientBySource(src netip.Addr) (*Client, bool) {
	for _, c := range r.Clients {
		if c.Matches(src) {
			return c, true
		}
	}
	return nil, false
}

// ServerByName looks up a configured upstream by its configuration name.
func (r *Registry) ServerByName(name string) (*Server, bool) {
	for _, s := range r.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// ClientByName looks up a configured client by its configuration name.
func (r *Registry) ClientByName(name string) (*Client, bool) {
	for _, c := range r.Clients {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}
