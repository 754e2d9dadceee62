package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/radsecproxy/radsecproxy/internal/peers"
	"github.com/radsecproxy/radsecproxy/internal/radiuspkt"
	"github.com/radsecproxy/radsecproxy/internal/replyqueue"
	"github.com/radsecproxy/radsecproxy/internal/reqtable"
	"github.com/radsecproxy/radsecproxy/internal/tlsctx"
	"github.com/sirupsen/logrus"
)

// clientReplyQueueCapacity is MAX_REQUESTS, the conventional per-stream-
// client reply queue bound.
const clientReplyQueueCapacity = 256

// readFramed implements the implicit stream framing: read 4 bytes,
// compute the RADIUS length field, read the remaining bytes. Messages
// shorter than 20 bytes are rejected.
func readFramed(r io.Reader) ([]byte, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	length := int(head[radiuspkt.OffsetLength])<<8 | int(head[radiuspkt.OffsetLength+1])
	if length < radiuspkt.MinLength || length > radiuspkt.MaxLength {
		return nil, fmt.Errorf("transport: invalid framed length %d", length)
	}
	buf := make([]byte, length)
	copy(buf, head)
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFramed writes buf (already containing its own length header) as
// a single message, looping on short writes.
func writeFramed(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// StreamConn wraps a *tls.Conn (inbound or outbound) as a reqtable.Conn.
type StreamConn struct {
	conn net.Conn
}

func NewStreamConn(conn net.Conn) *StreamConn { return &StreamConn{conn: conn} }

func (s *StreamConn) Send(buf []byte) error { return writeFramed(s.conn, buf) }

func (s *StreamConn) Recv() ([]byte, error) { return readFramed(s.conn) }

func (s *StreamConn) Close() error { return s.conn.Close() }

// NewStreamDialer builds a reqtable.Dialer for an outbound TLS upstream:
// it iterates the server's resolved addresses in order, connects,
// performs the TLS handshake, and verifies the peer certificate's CN
// against the configured host name.
func NewStreamDialer(server *peers.Server, tc *tlsctx.Context) reqtable.Dialer {
	return func() (reqtable.Conn, error) {
		var lastErr error
		for _, addr := range server.Addrs {
			lastErr = nil
			raddr := net.JoinHostPort(addr.String(), fmt.Sprint(server.Port))
			rawConn, err := net.DialTimeout("tcp", raddr, 10*time.Second)
			if err != nil {
				lastErr = err
				continue
			}
			cfg := tc.ClientTLSConfig(server.Name)
			tlsConn := tls.Client(rawConn, cfg)
			if err := tlsConn.HandshakeContext(context.Background()); err != nil {
				rawConn.Close()
				lastErr = err
				continue
			}
			if err := verifyPeerCN(tlsConn, server.Name); err != nil {
				tlsConn.Close()
				lastErr = err
				continue
			}
			return NewStreamConn(tlsConn), nil
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("transport: no resolved addresses for upstream %s", server.Name)
		}
		return nil, lastErr
	}
}

// verifyPeerCN implements a CN-only identity check: the leaf
// certificate's Subject Common Name must equal host, case
// insensitively. SubjectAltName is intentionally not consulted, left as
// an open extension point.
func verifyPeerCN(conn *tls.Conn, host string) error {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("transport: no peer certificate presented")
	}
	cn := state.PeerCertificates[0].Subject.CommonName
	if !strings.EqualFold(cn, host) {
		return fmt.Errorf("transport: peer CN %q does not match configured host %q", cn, host)
	}
	return nil
}

// StreamListener accepts inbound TLS client connections.
type StreamListener struct {
	ln net.Listener
}

func ListenStream(addr string) (*StreamListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", addr, err)
	}
	return &StreamListener{ln: ln}, nil
}

func (l *StreamListener) Close() error { return l.ln.Close() }

// Addr returns the listener's bound address, useful when addr was given
// as a wildcard/ephemeral port.
func (l *StreamListener) Addr() net.Addr { return l.ln.Addr() }

// AcceptLoop accepts connections forever, dispatching each to a
// newly spawned session handler. registry resolves the peer's source
// address to a configured Client; tlsFor resolves that client's TLS
// context by name.
func (l *StreamListener) AcceptLoop(registry *peers.Registry, tlsFor func(*peers.Client) (*tlsctx.Context, bool), handler RequestHandler) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		go l.handleSession(conn, registry, tlsFor, handler)
	}
}

func (l *StreamListener) handleSession(conn net.Conn, registry *peers.Registry, tlsFor func(*peers.Client) (*tlsctx.Context, bool), handler RequestHandler) {
	defer conn.Close()

	remoteAddr, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		logrus.WithError(err).Warn("stream accept: unparsable remote address")
		return
	}
	client, ok := registry.ClientBySource(remoteAddr.Addr())
	if !ok {
		logrus.WithField("src", remoteAddr).Warn("stream connection from unrecognized client")
		return
	}
	if client.Transport != peers.TransportStream {
		logrus.WithField("client", client.Name).Warn("stream connection from a datagram-only client")
		return
	}
	tc, ok := tlsFor(client)
	if !ok {
		logrus.WithField("client", client.Name).Warn("no TLS context resolved for client")
		return
	}

	tlsConn := tls.Server(conn, tc.ServerTLSConfig())
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		logrus.WithError(err).WithField("client", client.Name).Warn("stream handshake failed")
		return
	}
	if err := verifyPeerCN(tlsConn, client.Name); err != nil {
		logrus.WithError(err).WithField("client", client.Name).Warn("stream peer CN mismatch")
		return
	}

	sessionID := uuid.New()
	if !client.SetSession(sessionID) {
		logrus.WithField("client", client.Name).Warn("rejecting second live session from client")
		return
	}
	defer client.ClearSession(sessionID)
	logrus.WithFields(logrus.Fields{"client": client.Name, "session": sessionID}).Info("stream session established")

	sc := NewStreamConn(tlsConn)
	queue := replyqueue.New(clientReplyQueueCapacity)
	client.ReplyQueue = queue

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			entry, ok := queue.Pop()
			if !ok {
				return
			}
			if err := sc.Send(entry.Buf); err != nil {
				logrus.WithError(err).WithField("client", client.Name).Warn("reply write failed")
				return
			}
		}
	}()

	for {
		buf, err := sc.Recv()
		if err != nil {
			break
		}
		handler(client, buf, netip.AddrPort{})
	}

	queue.Close()
	<-writerDone
	client.ReplyQueue = nil
}
