package reqtable

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/radsecproxy/radsecproxy/internal/peers"
	"github.com/radsecproxy/radsecproxy/internal/radiuscrypto"
	"github.com/radsecproxy/radsecproxy/internal/radiuspkt"
	"github.com/radsecproxy/radsecproxy/internal/replyqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records every buffer handed to Send and replays queued buffers
// from Recv, standing in for a real transport.Conn in these tests.
type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	recvCh  chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{recvCh: make(chan []byte, 8)}
}

func (f *fakeConn) Send(buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := append([]byte(nil), buf...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeConn) Recv() ([]byte, error) {
	buf, ok := <-f.recvCh
	if !ok {
		return nil, fmt.Errorf("fakeConn: closed")
	}
	return buf, nil
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func buildPacket(code radiuspkt.Code, id byte, auth [16]byte, attrs []byte) []byte {
	buf := make([]byte, radiuspkt.HeaderLen+len(attrs))
	buf[radiuspkt.OffsetCode] = byte(code)
	buf[radiuspkt.OffsetIdentifier] = id
	copy(buf[radiuspkt.OffsetAuthenticator:], auth[:])
	copy(buf[radiuspkt.HeaderLen:], attrs)
	total := len(buf)
	buf[radiuspkt.OffsetLength] = byte(total >> 8)
	buf[radiuspkt.OffsetLength+1] = byte(total)
	return buf
}

func tlv(typ byte, value []byte) []byte {
	out := []byte{typ, byte(2 + len(value))}
	return append(out, value...)
}

func newTestUpstream(server *peers.Server) *Upstream {
	if server.Secret == nil {
		server.Secret = []byte("upstreamsecret")
	}
	return New(server, newFakeConn(), nil, nil)
}

func TestDupDetectsSameOriginClientAndID(t *testing.T) {
	u := newTestUpstream(&peers.Server{Name: "s1"})
	clientA := &peers.Client{Name: "a"}
	clientB := &peers.Client{Name: "b"}

	var auth [16]byte
	buf := buildPacket(radiuspkt.CodeAccessRequest, 0, auth, nil)
	require.NoError(t, u.Sendrq(&Request{Buf: buf, OrigClient: clientA, OrigID: 5}))

	assert.True(t, u.Dup(clientA, 5))
	assert.False(t, u.Dup(clientB, 5))
	assert.False(t, u.Dup(clientA, 6))
}

func TestSendrqAssignsSlotAndRecomputesMessageAuthenticator(t *testing.T) {
	u := newTestUpstream(&peers.Server{Name: "s1"})
	u.nextID = 254

	var auth [16]byte
	maValue := make([]byte, 16) // zeroed placeholder, as the writer leaves it
	attrs := tlv(radiuspkt.AttrMessageAuthenticator, maValue)
	buf := buildPacket(radiuspkt.CodeAccessRequest, 0, auth, attrs)

	r := &Request{Buf: buf}
	require.NoError(t, u.Sendrq(r))

	assert.Equal(t, byte(254), r.Buf[radiuspkt.OffsetIdentifier])
	assert.Equal(t, 255, u.nextID)

	pkt := radiuspkt.New(r.Buf)
	end := pkt.Length()
	ma, ok := radiuspkt.Find(r.Buf, end, radiuspkt.AttrMessageAuthenticator)
	require.True(t, ok)
	want := radiuscrypto.MessageAuthenticator(r.Buf[:end], ma.Off, ma.Len, u.Secret)
	assert.Equal(t, want[:], ma.Value(r.Buf))
}

func TestSendrqWrapsAroundFullTable(t *testing.T) {
	u := newTestUpstream(&peers.Server{Name: "s1"})
	u.nextID = 255
	u.slots[255] = &Request{}

	var auth [16]byte
	buf := buildPacket(radiuspkt.CodeAccessRequest, 0, auth, nil)
	r := &Request{Buf: buf}
	require.NoError(t, u.Sendrq(r))
	assert.Equal(t, byte(0), r.Buf[radiuspkt.OffsetIdentifier])
}

func TestSendrqReturnsErrTableFullWhenNoSlotFree(t *testing.T) {
	u := newTestUpstream(&peers.Server{Name: "s1"})
	for i := range u.slots {
		u.slots[i] = &Request{}
	}

	var auth [16]byte
	buf := buildPacket(radiuspkt.CodeAccessRequest, 0, auth, nil)
	err := u.Sendrq(&Request{Buf: buf})
	assert.ErrorIs(t, err, ErrTableFull)
}

func TestScanAndTransmitRetransmitsUpToRetryLimitThenExpires(t *testing.T) {
	conn := newFakeConn()
	u := New(&peers.Server{Name: "s1", Secret: []byte("secret")}, conn, nil, nil)

	var auth [16]byte
	buf := buildPacket(radiuspkt.CodeAccessRequest, 3, auth, nil)
	r := &Request{Buf: buf, Expiry: time.Now().Add(-time.Second)}
	u.slots[3] = r

	for i := 0; i < RequestRetries; i++ {
		u.scanAndTransmit()
		r.Expiry = time.Now().Add(-time.Second)
	}
	assert.Equal(t, RequestRetries, conn.sentCount())
	assert.Equal(t, RequestRetries, r.Tries)

	// one more pass past the retry limit recycles the slot
	u.scanAndTransmit()
	assert.Nil(t, u.slots[3])
	assert.Equal(t, RequestRetries, conn.sentCount())
}

func TestScanAndTransmitFreesReceivedSlotWithoutSending(t *testing.T) {
	conn := newFakeConn()
	u := New(&peers.Server{Name: "s1", Secret: []byte("secret")}, conn, nil, nil)
	u.slots[9] = &Request{Received: true}

	u.scanAndTransmit()

	assert.Nil(t, u.slots[9])
	assert.Equal(t, 0, conn.sentCount())
}

func TestScanAndTransmitSkipsNotYetExpiredSlot(t *testing.T) {
	conn := newFakeConn()
	u := New(&peers.Server{Name: "s1", Secret: []byte("secret")}, conn, nil, nil)
	u.slots[1] = &Request{Buf: []byte{1}, Expiry: time.Now().Add(time.Minute)}

	u.scanAndTransmit()

	assert.NotNil(t, u.slots[1])
	assert.Equal(t, 0, conn.sentCount())
}

func TestHandleReplyMatchesSlotAndRewritesMPPEKeys(t *testing.T) {
	upstreamSecret := []byte("upstreamsecret")
	clientSecret := []byte("clientsecret")

	u := New(&peers.Server{Name: "s1", Secret: upstreamSecret, Transport: peers.TransportDatagram},
		newFakeConn(), nil, nil)

	reqAuth, err := radiuscrypto.NewAuthenticator()
	require.NoError(t, err)
	reqBuf := buildPacket(radiuspkt.CodeAccessRequest, 7, reqAuth, nil)

	origAuth, err := radiuscrypto.NewAuthenticator()
	require.NoError(t, err)

	client := &peers.Client{Name: "nas1", Secret: clientSecret, ReplyQueue: replyqueue.New(4)}

	plainKey := make([]byte, 16)
	for i := range plainKey {
		plainKey[i] = byte(i + 1)
	}
	salt := [2]byte{0xAB, 0xCD}
	cipher, err := radiuscrypto.EncryptMPPEKey(upstreamSecret, reqAuth, salt, plainKey)
	require.NoError(t, err)
	mppeValue := append(append([]byte{}, salt[:]...), cipher...)

	vendorValue := append([]byte{0, 0, 1, 55}, tlv(radiuspkt.MSMPPESendKey, mppeValue)...)
	attrs := tlv(radiuspkt.AttrVendorSpecific, vendorValue)

	header := []byte{byte(radiuspkt.CodeAccessAccept), 7, 0, byte(radiuspkt.HeaderLen + len(attrs))}
	replyAuth := radiuscrypto.SignReply(header, reqAuth, attrs, upstreamSecret)
	replyBuf := buildPacket(radiuspkt.CodeAccessAccept, 7, replyAuth, attrs)

	r := &Request{
		Buf:        reqBuf,
		OrigClient: client,
		OrigAddr:   netip.MustParseAddrPort("192.0.2.9:1812"),
		OrigID:     42,
		OrigAuth:   origAuth,
		Tries:      1,
		Expiry:     time.Now().Add(time.Minute),
	}
	u.slots[7] = r

	u.handleReply(replyBuf)

	assert.True(t, r.Received)
	assert.Nil(t, u.slots[7])

	entry, ok := client.ReplyQueue.Pop()
	require.True(t, ok)
	assert.Equal(t, byte(42), entry.Buf[radiuspkt.OffsetIdentifier])

	outPkt := radiuspkt.New(entry.Buf)
	gotAuth := outPkt.Authenticator()
	end := outPkt.Length()
	wantAuth := radiuscrypto.SignReply(entry.Buf[:4], origAuth, entry.Buf[radiuspkt.HeaderLen:end], clientSecret)
	assert.Equal(t, wantAuth, gotAuth)

	subs := radiuspkt.FindVendor(entry.Buf, end, radiuspkt.VendorMicrosoft, radiuspkt.MSMPPESendKey)
	require.Len(t, subs, 1)
	gotValue := subs[0].Value(entry.Buf)
	var gotSalt [2]byte
	copy(gotSalt[:], gotValue[:2])
	assert.Equal(t, salt, gotSalt)

	decrypted, err := radiuscrypto.DecryptMPPEKey(clientSecret, origAuth, gotSalt, gotValue[2:])
	require.NoError(t, err)
	assert.Equal(t, plainKey, decrypted)
}

func TestHandleReplyRejectsBadAuthenticator(t *testing.T) {
	upstreamSecret := []byte("upstreamsecret")
	u := New(&peers.Server{Name: "s1", Secret: upstreamSecret}, newFakeConn(), nil, nil)

	reqAuth, err := radiuscrypto.NewAuthenticator()
	require.NoError(t, err)
	reqBuf := buildPacket(radiuspkt.CodeAccessRequest, 2, reqAuth, nil)

	client := &peers.Client{Name: "nas1", ReplyQueue: replyqueue.New(4)}
	r := &Request{Buf: reqBuf, OrigClient: client, Tries: 1, Expiry: time.Now().Add(time.Minute)}
	u.slots[2] = r

	var wrongAuth [16]byte
	replyBuf := buildPacket(radiuspkt.CodeAccessAccept, 2, wrongAuth, nil)

	u.handleReply(replyBuf)

	assert.False(t, r.Received)
	assert.NotNil(t, u.slots[2])
	assert.Equal(t, 0, client.ReplyQueue.Len())
}

func TestHandleReplyIgnoresUnknownSlot(t *testing.T) {
	u := New(&peers.Server{Name: "s1", Secret: []byte("secret")}, newFakeConn(), nil, nil)
	var auth [16]byte
	replyBuf := buildPacket(radiuspkt.CodeAccessAccept, 9, auth, nil)
	// Should not panic on an empty slot.
	u.handleReply(replyBuf)
}

func TestHandleReplyStatusServerMarksReceivedWithoutTouchingReplyQueue(t *testing.T) {
	upstreamSecret := []byte("upstreamsecret")
	u := New(&peers.Server{Name: "s1", Secret: upstreamSecret, StatusServer: true}, newFakeConn(), nil, nil)

	reqAuth, err := radiuscrypto.NewAuthenticator()
	require.NoError(t, err)
	reqBuf := buildPacket(radiuspkt.CodeStatusServer, 4, reqAuth, nil)

	r := &Request{Buf: reqBuf, IsStatus: true, Tries: 1, Expiry: time.Now().Add(time.Minute)}
	u.slots[4] = r

	replyAuth := radiuscrypto.SignReply([]byte{byte(radiuspkt.CodeAccessAccept), 4, 0, radiuspkt.HeaderLen}, reqAuth, nil, upstreamSecret)
	replyBuf := buildPacket(radiuspkt.CodeAccessAccept, 4, replyAuth, nil)

	u.handleReply(replyBuf)

	assert.True(t, r.Received)
	assert.Nil(t, u.slots[4])
}

func TestRetryLimitAndExpiryForStreamAndStatusServer(t *testing.T) {
	u := New(&peers.Server{Name: "s1", Transport: peers.TransportStream}, newFakeConn(), nil, nil)
	streamReq := &Request{}
	assert.Equal(t, 1, u.retryLimit(streamReq))

	datagramUp := New(&peers.Server{Name: "s2", Transport: peers.TransportDatagram}, newFakeConn(), nil, nil)
	statusReq := &Request{IsStatus: true}
	assert.Equal(t, 1, datagramUp.retryLimit(statusReq))

	ordinaryReq := &Request{}
	assert.Equal(t, RequestRetries, datagramUp.retryLimit(ordinaryReq))

	now := time.Now()
	got := datagramUp.nextExpiry(ordinaryReq, now)
	assert.Equal(t, now.Add(RequestExpiry/RequestRetries), got)

	gotStatus := datagramUp.nextExpiry(statusReq, now)
	assert.Equal(t, now.Add(RequestExpiry), gotStatus)
}
