// Package cipher derives the per-connection RC4 key used by the tunnel
// wire protocol and wraps it in a single shared keystream session.
//
// The key derivation and cipher choice are deliberately unauthenticated
// and weak by modern standards (spec: "confidentiality or integrity
// guarantees meeting modern cryptographic standards" is an explicit
// Non-goal). They are reproduced bit-for-bit for wire compatibility and
// must not be "improved".
package cipher

import (
	"crypto/md5"
	"crypto/rc4"
	"fmt"
	"sync"
)

// KeySize is the length, in bytes, of the derived RC4 key.
const KeySize = 64

// DeriveKey computes the 64-byte RC4 key from the connection's IV and the
// shared secret, following:
//
//	k0 = MD5(IV ‖ K)
//	k1 = MD5(k0)
//	k2 = MD5(k0 ‖ k1)
//	k3 = MD5(k0 ‖ k1 ‖ k2)
//	key = k0 ‖ k1 ‖ k2 ‖ k3
//
// The same (iv, secret) pair always yields the same key on both endpoints.
func DeriveKey(iv, secret []byte) [KeySize]byte {
	seed := make([]byte, 0, len(iv)+len(secret))
	seed = append(seed, iv...)
	seed = append(seed, secret...)

	k0 := md5.Sum(seed)
	k1 := md5.Sum(k0[:])

	buf01 := make([]byte, 0, 32)
	buf01 = append(buf01, k0[:]...)
	buf01 = append(buf01, k1[:]...)
	k2 := md5.Sum(buf01)

	buf012 := make([]byte, 0, 48)
	buf012 = append(buf012, buf01...)
	buf012 = append(buf012, k2[:]...)
	k3 := md5.Sum(buf012)

	var key [KeySize]byte
	copy(key[0:16], k0[:])
	copy(key[16:32], k1[:])
	copy(key[32:48], k2[:])
	copy(key[48:64], k3[:])
	return key
}

// Session is the single RC4 keystream state shared by both directions of
// one connection. Per spec, encryption and decryption are the same XOR
// transform applied to one underlying cipher.Stream; an endpoint must use
// the very same *rc4.Cipher for outbound and inbound bytes, not two
// independently-seeded streams. This is a known wire-compatibility
// requirement, not an oversight.
//
// The original C implementation is single-threaded, so every call into
// the keystream is naturally serialized by its event loop. The Go port
// runs one goroutine per forwarding direction against the same Session
// (internal/clientconn, internal/serverconn), so mu reproduces that
// serialization explicitly: rc4.Cipher.XORKeyStream mutates the cipher's
// internal S-box and i/j counters and is not safe for concurrent use.
type Session struct {
	mu     sync.Mutex
	stream *rc4.Cipher
}

// NewSession constructs a Session from a 236-byte IV and the (possibly
// truncated) shared secret.
func NewSession(iv, secret []byte) (*Session, error) {
	key := DeriveKey(iv, secret)
	stream, err := rc4.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: rc4 init: %w", err)
	}
	return &Session{stream: stream}, nil
}

// Encrypt XORs b in place against the next len(b) bytes of the shared
// keystream. Safe for concurrent use by both forwarding directions of the
// same connection; calls serialize on mu so the keystream position
// advances deterministically regardless of goroutine scheduling.
func (s *Session) Encrypt(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream.XORKeyStream(b, b)
}

// Decrypt is identical to Encrypt — RC4 is its own inverse over the
// keystream it was seeded with — but is named separately so call sites
// read as the direction table in the forwarding code describes them.
func (s *Session) Decrypt(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream.XORKeyStream(b, b)
}
