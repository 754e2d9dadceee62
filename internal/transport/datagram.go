// Package transport implements the datagram and TLS stream adapters: a
// shared UDP listening socket for inbound clients, one connected UDP
// socket per datagram upstream, and TLS stream connections (both
// inbound-accepted and outbound-dialed) using RADIUS's own length field
// as implicit message framing.
//
// The accept-loop/per-connection-task shape follows a TCP listener
// built the same way, adapted from a byte-stream relay to RADIUS's
// one-message-per-read model.
package transport

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/radsecproxy/radsecproxy/internal/metrics"
	"github.com/radsecproxy/radsecproxy/internal/peers"
	"github.com/radsecproxy/radsecproxy/internal/radiuspkt"
	"github.com/radsecproxy/radsecproxy/internal/replyqueue"
	"github.com/sirupsen/logrus"
)

// RequestHandler is invoked once per validated inbound RADIUS message,
// regardless of transport. client is the resolved origin peer; src is
// the datagram source address (zero value for stream transports, whose
// origin is implicit in the connection itself).
type RequestHandler func(client *peers.Client, buf []byte, src netip.AddrPort)

// DatagramListener is the single process-wide inbound UDP socket,
// bound once at startup.
type DatagramListener struct {
	conn *net.UDPConn
}

// ListenDatagram binds addr (host:port, host may be empty for "*").
func ListenDatagram(addr string) (*DatagramListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", addr, err)
	}
	return &DatagramListener{conn: conn}, nil
}

// WriteTo sends buf to dest using the shared listening socket; used by
// the reply-writer task for datagram clients.
func (l *DatagramListener) WriteTo(buf []byte, dest netip.AddrPort) error {
	_, err := l.conn.WriteToUDPAddrPort(buf, dest)
	return err
}

func (l *DatagramListener) Close() error { return l.conn.Close() }

// LocalAddr returns the socket's bound address, useful when addr was
// given as a wildcard/ephemeral port.
func (l *DatagramListener) LocalAddr() net.Addr { return l.conn.LocalAddr() }

// IngestLoop implements the datagram receive loop: read up to 65536
// bytes, drop malformed frames, resolve the source to a configured
// client, and hand validated buffers to handler. Runs until the socket
// is closed.
func (l *DatagramListener) IngestLoop(registry *peers.Registry, handler RequestHandler, mc *metrics.Collector) {
	buf := make([]byte, 65536)
	for {
		n, srcAddr, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		if n < radiuspkt.MinLength {
			if mc != nil {
				mc.RecordDropped("short_datagram")
			}
			continue
		}
		length := int(buf[radiuspkt.OffsetLength])<<8 | int(buf[radiuspkt.OffsetLength+1])
		if length < radiuspkt.MinLength || n < length {
			if mc != nil {
				mc.RecordDropped("bad_length")
			}
			continue
		}

		src := srcAddr.Addr()
		client, ok := registry.ClientBySource(src)
		if !ok {
			if mc != nil {
				mc.RecordDropped("unknown_peer")
			}
			logrus.WithField("src", src).Warn("datagram from unrecognized client")
			continue
		}

		msg := make([]byte, length)
		copy(msg, buf[:length])
		handler(client, msg, srcAddr)
	}
}

// DatagramUpstreamConn is a connected UDP socket bound to one
// upstream's primary resolved address, satisfying reqtable.Conn.
type DatagramUpstreamConn struct {
	conn *net.UDPConn
	name string
}

// DialDatagramUpstream connects to addr (the upstream's primary
// resolved address) on port.
func DialDatagramUpstream(name string, addr netip.Addr, port int) (*DatagramUpstreamConn, error) {
	raddr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, uint16(port)))
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial upstream %s: %w", name, err)
	}
	return &DatagramUpstreamConn{conn: conn, name: name}, nil
}

// Send is best-effort: a failure is logged by the caller and not
// retried at this layer.
func (d *DatagramUpstreamConn) Send(buf []byte) error {
	_, err := d.conn.Write(buf)
	return err
}

// Recv implements the datagram receive validation.
func (d *DatagramUpstreamConn) Recv() ([]byte, error) {
	buf := make([]byte, 65536)
	for {
		n, err := d.conn.Read(buf)
		if err != nil {
			return nil, err
		}
		if n < radiuspkt.MinLength {
			continue
		}
		length := int(buf[radiuspkt.OffsetLength])<<8 | int(buf[radiuspkt.OffsetLength+1])
		if length < radiuspkt.MinLength || n < length {
			continue
		}
		out := make([]byte, length)
		copy(out, buf[:length])
		return out, nil
	}
}

func (d *DatagramUpstreamConn) Close() error { return d.conn.Close() }

// ReplyWriterLoop is the single datagram reply-writer task: it drains
// the shared queue every datagram client's replies land in and
// transmits each over the shared listening socket to its captured
// destination address.
func (l *DatagramListener) ReplyWriterLoop(queue *replyqueue.Queue, mc *metrics.Collector) {
	for {
		entry, ok := queue.Pop()
		if !ok {
			return
		}
		if err := l.WriteTo(entry.Buf, entry.Dest); err != nil {
			logrus.WithError(err).WithField("dest", entry.Dest).Warn("datagram reply write failed")
		}
	}
}
