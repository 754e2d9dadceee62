// Package proxypipeline wires together the attribute codec, crypto
// primitives, realm matcher, request table, and reply queues into the
// request-ingest pipeline ("radsrv"): a thin dispatcher with no state
// of its own beyond the registries it is handed at startup.
package proxypipeline

import (
	"net/netip"
	"time"

	"github.com/radsecproxy/radsecproxy/internal/metrics"
	"github.com/radsecproxy/radsecproxy/internal/peers"
	"github.com/radsecproxy/radsecproxy/internal/radiuscrypto"
	"github.com/radsecproxy/radsecproxy/internal/radiuspkt"
	"github.com/radsecproxy/radsecproxy/internal/realmmatch"
	"github.com/radsecproxy/radsecproxy/internal/replyqueue"
	"github.com/radsecproxy/radsecproxy/internal/reqtable"
	"github.com/sirupsen/logrus"
)

// Pipeline holds everything Ingest needs to route one inbound request:
// the realm table, the set of live per-upstream request tables, and
// the metrics collector. It carries no per-request state.
type Pipeline struct {
	Realms    *realmmatch.Table
	Upstreams map[string]*reqtable.Upstream // keyed by peers.Server.Name
	Metrics   *metrics.Collector
}

// Ingest validates and routes one inbound request. It is passed
// directly as a transport.RequestHandler to both the datagram ingest
// loop and each accepted stream session's reader loop.
func (p *Pipeline) Ingest(client *peers.Client, buf []byte, src netip.AddrPort) {
	log := logrus.WithField("client", client.Name)

	if len(buf) < radiuspkt.HeaderLen {
		p.drop("short_packet")
		return
	}
	pkt := radiuspkt.New(buf)
	switch pkt.Code() {
	case radiuspkt.CodeAccessRequest, radiuspkt.CodeStatusServer:
	default:
		p.drop("unexpected_code")
		return
	}

	end := pkt.Length()
	if end > len(buf) || end < radiuspkt.MinLength {
		p.drop("bad_length")
		return
	}
	if _, err := radiuspkt.Validate(buf, end); err != nil {
		p.drop("invalid_attributes")
		log.WithError(err).Debug("dropping malformed request")
		return
	}

	origID := buf[radiuspkt.OffsetIdentifier]
	origAuth := pkt.Authenticator()

	if pkt.Code() == radiuspkt.CodeStatusServer {
		p.replyLiveness(client, buf, end, origAuth, src)
		return
	}

	userNameAttr, ok := radiuspkt.Find(buf, end, radiuspkt.AttrUserName)
	if !ok {
		p.drop("no_username")
		return
	}
	username := string(userNameAttr.Value(buf))

	rule, matched := p.Realms.Match(username)
	if !matched {
		p.drop("realm_miss")
		return
	}
	if rule.Server == nil {
		p.replyReject(client, buf, end, origAuth, rule.ReplyMessage, src)
		return
	}

	upstream, ok := p.Upstreams[rule.Server.Name]
	if !ok {
		log.WithField("realm", rule.Name).Error("realm references unknown upstream")
		return
	}

	if upstream.Dup(client, origID) {
		p.drop("duplicate")
		return
	}

	if ma, ok := radiuspkt.Find(buf, end, radiuspkt.AttrMessageAuthenticator); ok {
		computed := radiuscrypto.MessageAuthenticator(buf[:end], ma.Off, ma.Len, client.Secret)
		if !hmacEqual(computed[:], ma.Value(buf)) {
			p.drop("bad_message_authenticator")
			return
		}
	}

	newAuth, err := radiuscrypto.NewAuthenticator()
	if err != nil {
		log.WithError(err).Error("rng failure generating request authenticator")
		return
	}
	if err := reencryptPasswords(buf, end, client.Secret, origAuth, rule.Server.Secret, newAuth); err != nil {
		log.WithError(err).Warn("password re-encryption failed")
		return
	}
	pkt.SetAuthenticator(newAuth)

	r := &reqtable.Request{
		Buf:        buf[:end],
		OrigClient: client,
		OrigAddr:   src,
		OrigID:     origID,
		OrigAuth:   origAuth,
		Expiry:     time.Now(),
	}
	if err := upstream.Sendrq(r); err != nil {
		log.WithError(err).Warn("request table full, dropping")
	}
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func reencryptPasswords(buf []byte, end int, fromSecret []byte, fromAuth [16]byte, toSecret []byte, toAuth [16]byte) error {
	for _, typ := range []byte{radiuspkt.AttrUserPassword, radiuspkt.AttrTunnelPassword} {
		for _, a := range radiuspkt.FindAll(buf, end, typ) {
			newVal, err := radiuscrypto.ReencryptUserPassword(fromSecret, fromAuth, toSecret, toAuth, a.Value(buf))
			if err != nil {
				return err
			}
			copy(buf[a.Off:a.Off+a.Len], newVal)
		}
	}
	return nil
}

func (p *Pipeline) drop(reason string) {
	if p.Metrics != nil {
		p.Metrics.RecordDropped(reason)
	}
}

// replyReject synthesizes an Access-Reject for a no-destination realm
// rule.
func (p *Pipeline) replyReject(client *peers.Client, buf []byte, end int, origAuth [16]byte, replyMessage string, src netip.AddrPort) {
	p.synthesizeAndEnqueue(client, buf, origAuth, radiuspkt.CodeAccessReject, replyMessage, src)
}

// replyLiveness synthesizes an Access-Accept for an inbound
// Status-Server request from a client.
func (p *Pipeline) replyLiveness(client *peers.Client, buf []byte, end int, origAuth [16]byte, src netip.AddrPort) {
	p.synthesizeAndEnqueue(client, buf, origAuth, radiuspkt.CodeAccessAccept, "", src)
}

func (p *Pipeline) synthesizeAndEnqueue(client *peers.Client, buf []byte, origAuth [16]byte, code radiuspkt.Code, replyMessage string, src netip.AddrPort) {
	out := make([]byte, radiuspkt.HeaderLen, radiuspkt.HeaderLen+2+len(replyMessage))
	copy(out, buf[:radiuspkt.HeaderLen])
	op := radiuspkt.New(out)
	op.SetCode(code)

	if replyMessage != "" {
		out = append(out, byte(radiuspkt.AttrReplyMessage), byte(2+len(replyMessage)))
		out = append(out, []byte(replyMessage)...)
	}
	op.Buf = out
	op.SetLength(len(out))
	op.SetAuthenticator(origAuth)

	end := len(out)
	header := out[:4]
	sig := radiuscrypto.SignReply(header, origAuth, out[radiuspkt.HeaderLen:end], client.Secret)
	op.SetAuthenticator(sig)

	if client.ReplyQueue == nil {
		return
	}
	entry := replyqueue.Entry{Buf: out, Dest: src}
	if !client.ReplyQueue.Push(entry) {
		logrus.WithField("client", client.Name).Warn("client reply queue full, dropping synthesized reply")
		if p.Metrics != nil {
			p.Metrics.RecordReplyQueueDropped(client.Name)
		}
	}
}
