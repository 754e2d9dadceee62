package reqtable

import (
	"io"

	"github.com/radsecproxy/radsecproxy/internal/radiuscrypto"
	"github.com/radsecproxy/radsecproxy/internal/radiuspkt"
	"github.com/radsecproxy/radsecproxy/internal/replyqueue"
)

// readerLoop is the reader task. Start spawns it for a datagram
// upstream; for a stream upstream the writer task spawns it on each
// successful (re)connect. It exits when its conn's Recv returns an
// error, at which point the writer notices u.conn == nil on its next
// pass and redrives the reconnect protocol.
func (u *Upstream) readerLoop(conn Conn) {
	defer u.wg.Done()
	for {
		select {
		case <-u.shutdown:
			return
		default:
		}

		buf, err := conn.Recv()
		if err != nil {
			if err != io.EOF {
				u.log.WithError(err).Warn("reply receive failed")
			}
			u.mu.Lock()
			if u.conn == conn {
				u.conn = nil
				u.connectionOK = false
				u.cond.Broadcast()
			}
			u.mu.Unlock()
			return
		}
		u.handleReply(buf)
	}
}

// handleReply performs the reader's matching/validation/rewrite/dispatch
// sequence for one inbound reply buffer.
func (u *Upstream) handleReply(buf []byte) {
	if len(buf) < radiuspkt.HeaderLen {
		return
	}
	pkt := radiuspkt.New(buf)
	switch pkt.Code() {
	case radiuspkt.CodeAccessAccept, radiuspkt.CodeAccessReject, radiuspkt.CodeAccessChallenge:
	default:
		return
	}
	end := pkt.Length()
	if end > len(buf) || end < radiuspkt.MinLength {
		return
	}

	id := buf[radiuspkt.OffsetIdentifier]

	u.mu.Lock()
	r := u.slots[id]
	if r == nil || r.Tries == 0 || r.Received {
		u.mu.Unlock()
		return
	}
	reqAuth := r.requestAuth()
	u.mu.Unlock()

	header := buf[:4]
	attrs := buf[radiuspkt.HeaderLen:end]
	replyAuth := pkt.Authenticator()
	if !radiuscrypto.VerifyReply(header, reqAuth, attrs, u.Secret, replyAuth) {
		return
	}
	if _, err := radiuspkt.Validate(buf, end); err != nil {
		return
	}
	if ma, ok := radiuspkt.Find(buf, end, radiuspkt.AttrMessageAuthenticator); ok {
		pkt.SetAuthenticator(reqAuth)
		computed := radiuscrypto.MessageAuthenticator(buf[:end], ma.Off, ma.Len, u.Secret)
		pkt.SetAuthenticator(replyAuth)
		if !hmacEqual(computed[:], ma.Value(buf)) {
			return
		}
	}

	u.mu.Lock()
	if u.slots[id] != r || r.Received {
		u.mu.Unlock()
		return
	}
	if r.IsStatus {
		r.Received = true
		u.slots[id] = nil
		if u.metrics != nil {
			u.metrics.SetStatusServerUp(u.Server.Name, true)
			u.metrics.SetTableOccupancy(u.Server.Name, u.occupied())
		}
		u.mu.Unlock()
		return
	}
	origClient := r.OrigClient
	origAddr := r.OrigAddr
	origAuth := r.OrigAuth
	origID := r.OrigID
	u.mu.Unlock()

	toSecret := origClient.Secret
	if err := rewriteMPPE(buf, end, u.Secret, reqAuth, toSecret, origAuth); err != nil {
		u.log.WithError(err).Warn("MS-MPPE re-encryption failed, dropping reply")
		return
	}

	buf[radiuspkt.OffsetIdentifier] = origID
	pkt.SetAuthenticator(origAuth)

	if ma, ok := radiuspkt.Find(buf, end, radiuspkt.AttrMessageAuthenticator); ok {
		mac := radiuscrypto.MessageAuthenticator(buf[:end], ma.Off, ma.Len, toSecret)
		copy(buf[ma.Off:ma.Off+ma.Len], mac[:])
	}
	pkt.SetAuthenticator(radiuscrypto.SignReply(buf[:4], origAuth, buf[radiuspkt.HeaderLen:end], toSecret))

	u.mu.Lock()
	if u.slots[id] == r {
		r.Received = true
		u.slots[id] = nil
	}
	if u.metrics != nil {
		u.metrics.SetTableOccupancy(u.Server.Name, u.occupied())
	}
	u.mu.Unlock()

	entry := replyqueue.Entry{Buf: buf[:end], Dest: origAddr}
	if origClient.ReplyQueue != nil && !origClient.ReplyQueue.Push(entry) {
		u.log.Warn("client reply queue full, dropping reply")
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

// requestAuth returns the request authenticator this slot's outbound
// buffer was sent with, used both for reply-authenticator validation
// and for the Message-Authenticator splice. Caller must hold u.mu.
func (r *Request) requestAuth() [16]byte {
	var a [16]byte
	copy(a[:], r.Buf[radiuspkt.OffsetAuthenticator:radiuspkt.OffsetAuthenticator+16])
	return a
}

// rewriteMPPE re-encrypts MS-MPPE-Send-Key/Recv-Key sub-attributes
// in-place from (fromSecret, fromAuth) to (toSecret, toAuth).
// Re-encryption never changes attribute lengths, so rewriting in place
// is safe.
func rewriteMPPE(buf []byte, end int, fromSecret []byte, fromAuth [16]byte, toSecret []byte, toAuth [16]byte) error {
	for _, typ := range []byte{radiuspkt.MSMPPESendKey, radiuspkt.MSMPPERecvKey} {
		for _, sub := range radiuspkt.FindVendor(buf, end, radiuspkt.VendorMicrosoft, typ) {
			newVal, err := radiuscrypto.ReencryptMPPEValue(fromSecret, fromAuth, toSecret, toAuth, sub.Value(buf))
			if err != nil {
				return err
			}
			copy(buf[sub.Off:sub.Off+sub.Len], newVal)
		}
	}
	return nil
}
