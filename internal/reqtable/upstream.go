// Package reqtable implements the per-upstream request table and its
// writer/reader task pair. One Upstream owns a 256-slot ring of
// outstanding requests keyed by the RADIUS identifier byte, a
// mutex+condition pair that also covers the stream reconnect schedule
// (one mutex guards each upstream's request table, new_request flag,
// and last_connect_attempt), and the logic to drive Status-Server
// keepalives through the same ring.
//
// The writer/reader split mirrors a per-connection goroutine pair (one
// task pumping writes, one pumping reads, coordinated by shared state
// under a lock), generalized from one-pair-per-connection to
// one-pair-per-upstream.
package reqtable

import (
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/radsecproxy/radsecproxy/internal/metrics"
	"github.com/radsecproxy/radsecproxy/internal/peers"
	"github.com/sirupsen/logrus"
)

const (
	numSlots            = 256
	RequestRetries      = 3
	RequestExpiry       = 20 * time.Second
	StatusServerPeriod  = 25 * time.Second
	statusServerJitterN = 8 // seconds, jittered by a fresh random byte mod 8
)

// Conn is the transport-level connection an Upstream sends/receives
// through. internal/transport provides the datagram and stream
// implementations; reqtable only depends on this narrow interface to
// avoid importing transport (which itself has no need to know about
// request tables).
type Conn interface {
	// Send transmits one already-framed RADIUS message. Datagram
	// implementations are best-effort: failures are logged and not
	// retried here; stream implementations return an error that drives
	// the reconnect protocol.
	Send(buf []byte) error
	// Recv blocks for exactly one message. Implementations apply their
	// own framing/length validation.
	Recv() ([]byte, error)
}

// Dialer produces a fresh Conn for a stream upstream, performing the
// connect, TLS handshake, and peer-CN verification. Only used for
// Transport == peers.TransportStream.
type Dialer func() (Conn, error)

// Request is one request-table slot.
type Request struct {
	Buf        []byte
	OrigClient *peers.Client
	OrigAddr   netip.AddrPort // zero value for stream clients
	OrigID     byte
	OrigAuth   [16]byte
	Tries      int
	Expiry     time.Time
	Received   bool
	IsStatus   bool
	EnqueuedAt time.Time
}

// Upstream owns one destination server's request table, next_id hint,
// and reconnect-timing state, all guarded by a single mutex+condition.
type Upstream struct {
	Server *peers.Server
	Secret []byte

	conn   Conn
	dialer Dialer // nil for datagram upstreams

	metrics *metrics.Collector
	log     *logrus.Entry

	mu         sync.Mutex
	cond       *sync.Cond
	slots      [numSlots]*Request
	nextID     int
	newRequest bool

	lastConnectAttempt time.Time
	connectionOK       bool

	lastSend time.Time

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New builds an Upstream bound to a fixed datagram Conn (set via conn)
// or, for stream upstreams, a Dialer used lazily by the writer task's
// reconnect loop.
func New(server *peers.Server, conn Conn, dialer Dialer, mc *metrics.Collector) *Upstream {
	u := &Upstream{
		Server:   server,
		Secret:   server.Secret,
		conn:     conn,
		dialer:   dialer,
		metrics:  mc,
		log:      logrus.WithField("upstream", server.Name),
		shutdown: make(chan struct{}),
	}
	u.cond = sync.NewCond(&u.mu)
	return u
}

// Start launches the writer task. For a datagram upstream, conn is
// already live (set at construction, never redialed), so the reader
// task is started here too; for a stream upstream, the writer spawns
// the reader itself once reconnect succeeds.
func (u *Upstream) Start() {
	u.wg.Add(1)
	go u.writerLoop()

	if u.Server.Transport != peers.TransportStream && u.conn != nil {
		u.wg.Add(1)
		go u.readerLoop(u.conn)
	}
}

// Stop signals both tasks to exit and waits for them to finish. The
// live conn is closed (when it implements io.Closer) so a reader
// blocked in Recv returns.
func (u *Upstream) Stop() {
	close(u.shutdown)
	u.mu.Lock()
	conn := u.conn
	u.cond.Broadcast()
	u.mu.Unlock()
	if c, ok := conn.(io.Closer); ok {
		c.Close()
	}
	u.wg.Wait()
}

// retryLimit returns the maximum tries for a request before its slot is
// recycled as dead: 1 for stream transports or Status-Server probes,
// else RequestRetries.
func (u *Upstream) retryLimit(r *Request) int {
	if u.Server.Transport == peers.TransportStream || r.IsStatus {
		return 1
	}
	return RequestRetries
}

// nextExpiry computes the expiry deadline to assign a slot on transmit:
// REQUEST_EXPIRY/REQUEST_RETRIES for datagram retries, REQUEST_EXPIRY
// outright for stream or Status-Server.
func (u *Upstream) nextExpiry(r *Request, now time.Time) time.Time {
	if u.Server.Transport == peers.TransportStream || r.IsStatus {
		return now.Add(RequestExpiry)
	}
	return now.Add(RequestExpiry / RequestRetries)
}
