// Package radiuscrypto implements the RADIUS authenticator and
// password-attribute cryptographic primitives. Every function here is
// synchronous and allocates its own hash context per call: no shared,
// globally-locked MD5/HMAC objects.
package radiuscrypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"errors"
)

var (
	ErrBadAuthenticator = errors.New("radiuscrypto: authenticator verification failed")
	ErrBadLength        = errors.New("radiuscrypto: password attribute has invalid length")
)

// NewAuthenticator returns 16 cryptographically random bytes, used as a
// freshly generated request authenticator: the 16-byte authenticator in
// each enqueued outbound buffer is a freshly generated 128-bit value,
// independent per upstream.
func NewAuthenticator() ([16]byte, error) {
	var a [16]byte
	if _, err := rand.Read(a[:]); err != nil {
		return a, err
	}
	return a, nil
}

// JitterByte returns one cryptographically random byte, used for the
// Status-Server wakeup jitter: seconds jittered by a fresh random byte
// mod 8.
func JitterByte() (byte, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// SignReply computes the reply authenticator for a reply the proxy
// synthesizes or forwards to a client:
//
//	authenticator = MD5(code || id || length || requestAuth || attributes || secret)
//
// header is the 4-byte code+id+length prefix, attrs is the attribute
// region, requestAuth is the 16-byte authenticator of the request this
// reply answers.
func SignReply(header []byte, requestAuth [16]byte, attrs []byte, secret []byte) [16]byte {
	h := md5.New()
	h.Write(header)
	h.Write(requestAuth[:])
	h.Write(attrs)
	h.Write(secret)
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyReply validates an inbound reply's authenticator against the
// upstream secret and the stored request authenticator. header is the
// reply's 4-byte code+id+length prefix, replyAuth is the authenticator
// actually present on the wire, attrs is the reply's attribute region.
func VerifyReply(header []byte, requestAuth [16]byte, attrs []byte, secret []byte, replyAuth [16]byte) bool {
	computed := SignReply(header, requestAuth, attrs, secret)
	return hmac.Equal(computed[:], replyAuth[:])
}

// MessageAuthenticator computes the HMAC-MD5 Message-Authenticator value
// (attribute type 80) over the entire packet, with the Message-Authenticator
// attribute's own value field zeroed out, keyed by secret. full must be the
// complete on-wire packet (header+attributes) up to its Length field;
// valueOff/valueLen locate the 16-byte Message-Authenticator value within
// full so its bytes can be temporarily zeroed for the computation.
func MessageAuthenticator(full []byte, valueOff, valueLen int, secret []byte) [16]byte {
	buf := make([]byte, len(full))
	copy(buf, full)
	for i := 0; i < valueLen; i++ {
		buf[valueOff+i] = 0
	}
	mac := hmac.New(md5.New, secret)
	mac.Write(buf)
	var out [16]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// md5Block computes MD5(secret || seed) truncated/used as a 16-byte block
// in the User-Password/Tunnel-Password/MS-MPPE-Key chaining constructions.
func md5Block(secret []byte, seed []byte) [16]byte {
	h := md5.New()
	h.Write(secret)
	h.Write(seed)
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

func xor16(dst, a, b []byte) {
	for i := 0; i < 16; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

// cryptPassword implements the RFC 2865 §5.2 User-Password construction,
// which Tunnel-Password (§4.2: "the code treats them identically for
// re-encryption") reuses verbatim. encrypt selects plaintext->ciphertext
// (true) or ciphertext->plaintext (false); both directions chain on the
// *ciphertext* segment, per RFC 2865.
func cryptPassword(secret []byte, auth [16]byte, in []byte, encrypt bool) ([]byte, error) {
	if len(in) == 0 || len(in)%16 != 0 || len(in) < 16 || len(in) > 128 {
		return nil, ErrBadLength
	}
	out := make([]byte, len(in))
	prevCipher := auth[:]
	nSeg := len(in) / 16
	for i := 0; i < nSeg; i++ {
		b := md5Block(secret, prevCipher)
		seg := in[i*16 : i*16+16]
		outSeg := out[i*16 : i*16+16]
		xor16(outSeg, seg, b[:])
		if encrypt {
			prevCipher = outSeg
		} else {
			prevCipher = seg
		}
	}
	return out, nil
}

// EncryptUserPassword encrypts a plaintext password under secret/auth.
func EncryptUserPassword(secret []byte, auth [16]byte, plain []byte) ([]byte, error) {
	return cryptPassword(secret, auth, plain, true)
}

// DecryptUserPassword decrypts a ciphertext password under secret/auth.
func DecryptUserPassword(secret []byte, auth [16]byte, cipher []byte) ([]byte, error) {
	return cryptPassword(secret, auth, cipher, false)
}

// ReencryptUserPassword decrypts under (fromSecret, fromAuth) then
// re-encrypts under (toSecret, toAuth), without changing length.
func ReencryptUserPassword(fromSecret []byte, fromAuth [16]byte, toSecret []byte, toAuth [16]byte, cipher []byte) ([]byte, error) {
	plain, err := DecryptUserPassword(fromSecret, fromAuth, cipher)
	if err != nil {
		return nil, err
	}
	return EncryptUserPassword(toSecret, toAuth, plain)
}

// mppeCrypt implements the MS-MPPE-Key construction (MS-CHAP-extensions /
// RFC 2548): the value layout is a 2-byte salt followed by ciphertext
// (>= 16 bytes, a multiple of 16). b_1 = MD5(secret||auth||salt),
// b_i = MD5(secret||c_(i-1)).
func mppeCrypt(secret []byte, auth [16]byte, salt [2]byte, in []byte, encrypt bool) ([]byte, error) {
	if len(in) == 0 || len(in)%16 != 0 || len(in) < 16 {
		return nil, ErrBadLength
	}
	out := make([]byte, len(in))
	nSeg := len(in) / 16

	first := md5Block(secret, append(append([]byte{}, auth[:]...), salt[:]...))
	var prevCipher []byte
	for i := 0; i < nSeg; i++ {
		var b [16]byte
		if i == 0 {
			b = first
		} else {
			b = md5Block(secret, prevCipher)
		}
		seg := in[i*16 : i*16+16]
		outSeg := out[i*16 : i*16+16]
		xor16(outSeg, seg, b[:])
		if encrypt {
			prevCipher = outSeg
		} else {
			prevCipher = seg
		}
	}
	return out, nil
}

// EncryptMPPEKey encrypts plaintext (the key material, without salt)
// into ciphertext, keeping salt unchanged.
func EncryptMPPEKey(secret []byte, auth [16]byte, salt [2]byte, plain []byte) ([]byte, error) {
	return mppeCrypt(secret, auth, salt, plain, true)
}

// DecryptMPPEKey decrypts ciphertext (without salt) into plaintext.
func DecryptMPPEKey(secret []byte, auth [16]byte, salt [2]byte, cipher []byte) ([]byte, error) {
	return mppeCrypt(secret, auth, salt, cipher, false)
}

// ReencryptMPPEValue re-encrypts a full MS-MPPE-Send-Key/Recv-Key
// attribute value (2-byte salt + ciphertext) from (fromSecret, fromAuth)
// to (toSecret, toAuth), keeping the original salt and length.
// Re-encryption must not change attribute lengths.
func ReencryptMPPEValue(fromSecret []byte, fromAuth [16]byte, toSecret []byte, toAuth [16]byte, value []byte) ([]byte, error) {
	if len(value) < 2+16 {
		return nil, ErrBadLength
	}
	var salt [2]byte
	copy(salt[:], value[:2])
	cipher := value[2:]

	plain, err := DecryptMPPEKey(fromSecret, fromAuth, salt, cipher)
	if err != nil {
		return nil, err
	}
	newCipher, err := EncryptMPPEKey(toSecret, toAuth, salt, plain)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 2+len(newCipher))
	copy(out[:2], salt[:])
	copy(out[2:], newCipher)
	return out, nil
}
