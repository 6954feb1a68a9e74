// Package bufrelay implements the half-duplex forwarding discipline of
// spec.md §4.6: a fixed 8192-byte buffer per direction, a cipher
// transform applied to whichever bytes are in flight, and resumable
// partial writes tracked by an explicit offset/remaining pair so the
// invariants in spec.md §8 (buffer-offset invariant, no duplicated or
// dropped bytes on a partial send) hold at every observation point.
//
// Direction table (spec.md §4.6):
//
//	side    local→remote buffer path   remote→local buffer path
//	client  encrypt                    decrypt
//	server  decrypt                    encrypt
//
// Forward is used by both internal/clientconn and internal/serverconn,
// one goroutine per direction, with the appropriate transform passed in.
package bufrelay

import (
	"errors"
	"io"
	"net"
)

// BufSize is the fixed per-direction buffer size mandated by spec.md §3.
const BufSize = 8192

// State tracks one direction's in-flight buffer and the
// already-drained-prefix bookkeeping spec.md §3 requires:
// 0 <= Offset <= Offset+Remaining <= len(Buf).
type State struct {
	Buf       [BufSize]byte
	Remaining int
	Offset    int
}

// invariant reports whether the buffer offset/remaining bookkeeping is
// within the bounds spec.md §8 Testable Property 1 requires. Exercised
// directly by tests; Forward calls it after every read and every partial
// write.
func (s *State) invariant() bool {
	return s.Offset >= 0 && s.Remaining >= 0 && s.Offset+s.Remaining <= len(s.Buf)
}

// Forward copies src → dst once per call: it blocks for one Read from
// src into buf, applies transform to exactly the bytes read, then writes
// the full transformed chunk to dst, resuming correctly from a partial
// write (Write on a net.Conn either completes the requested bytes or
// returns a short count with an error — Forward loops until the chunk is
// fully drained or a non-recoverable error occurs, so the explicit
// offset/remaining fields always reach len==0 before the next Read,
// matching spec.md §4.6's "at most one buffer per direction is occupied
// at a time").
//
// transform is called with the exact slice of buf holding the bytes read
// this iteration; it is the caller's encrypt or decrypt step per the
// direction table above. transform may be nil to forward bytes unchanged
// (not used on the handshake-encrypted path, but kept for callers that
// want a plain relay, e.g. tests).
//
// Forward returns io.EOF when src is cleanly closed, and any other error
// verbatim — both are treated identically by callers (spec.md §4.6 step
// 1/4: any error that is not EAGAIN, or any error at all during a send,
// triggers teardown; Go's blocking Write never surfaces an EAGAIN-shaped
// error to forward, so that branch of the original collapses entirely).
func Forward(dst, src net.Conn, st *State, transform func([]byte)) error {
	n, err := src.Read(st.Buf[:])
	if n > 0 {
		st.Remaining = n
		st.Offset = 0
		if !st.invariant() {
			return errors.New("bufrelay: buffer offset invariant violated after read")
		}
		if transform != nil {
			transform(st.Buf[:st.Remaining])
		}
		if werr := drain(dst, st); werr != nil {
			return werr
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return err
	}
	return nil
}

// drain writes st.Buf[st.Offset:st.Offset+st.Remaining] to dst, looping
// over short writes and updating Offset/Remaining so a caller that
// inspects State between calls always sees the resume-from-N invariant
// (spec.md §8 Testable Property 9).
func drain(dst net.Conn, st *State) error {
	for st.Remaining > 0 {
		n, err := dst.Write(st.Buf[st.Offset : st.Offset+st.Remaining])
		if n > 0 {
			st.Offset += n
			st.Remaining -= n
			if !st.invariant() {
				return errors.New("bufrelay: buffer offset invariant violated after write")
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}
