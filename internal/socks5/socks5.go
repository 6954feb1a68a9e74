// Package socks5 implements the minimal RFC 1928 surface spec.md §1/§4.1
// requires: method negotiation accepting only "no authentication", the
// CONNECT command, and the reply frame. BIND and UDP ASSOCIATE are
// explicit Non-goals and are not implemented.
//
// Parsing logic is adapted from the teacher's handleConnection in
// proxy.go (same field layout, same read-then-switch-on-ATYP shape),
// split out into standalone functions so internal/clientconn can drive
// the greeting/request/reply steps as distinct state transitions instead
// of one linear function body.
package socks5

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
)

// Protocol constants (RFC 1928).
const (
	Version = 0x05

	AuthNone        = 0x00
	AuthNoAcceptable = 0xFF

	CmdConnect = 0x01

	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	RepSuccess              = 0x00
	RepGeneralFailure       = 0x01
	RepConnectionRefused    = 0x05
	RepCommandNotSupported  = 0x07
	RepAddrTypeNotSupported = 0x08
)

// ReadGreeting reads and validates the SOCKS5 method-negotiation request:
//
//	VER | NMETHODS | METHODS...
//
// Per spec.md §9 Open Question #2, this bounds-checks NMETHODS against
// the bytes actually read (io.ReadFull rejects a short read outright) —
// unlike the original, which never validated NMETHODS against rx_bytes —
// while still accepting every greeting the original accepts, since a safe
// bounds check cannot reject any input the original's (memory-unsafe)
// parse would have accepted and then used without crashing.
func ReadGreeting(r io.Reader) (ok bool, err error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return false, err
	}
	if hdr[0] != Version {
		return false, nil
	}

	nmethods := int(hdr[1])
	if nmethods == 0 {
		return false, nil
	}

	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(r, methods); err != nil {
		return false, err
	}

	for _, m := range methods {
		if m == AuthNone {
			return true, nil
		}
	}
	return false, nil
}

// WriteGreetingReply writes the two-byte method-selection reply.
func WriteGreetingReply(w io.Writer, accepted bool) error {
	method := byte(AuthNoAcceptable)
	if accepted {
		method = AuthNone
	}
	_, err := w.Write([]byte{Version, method})
	return err
}

// Request is a parsed SOCKS5 CONNECT request's destination.
type Request struct {
	Host string
	Port string
}

// ErrKind classifies a request parse failure so the caller can pick the
// right SOCKS5 reply code (spec.md §4.1).
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrBadCommand
	ErrBadAddrType
)

// ReadRequest reads and parses the CONNECT command request:
//
//	VER | CMD | RSV | ATYP | DST.ADDR | DST.PORT
//
// Returns the parsed request on success, or a non-ErrNone kind on a
// protocol-level rejection that still requires a reply before teardown
// (spec.md: CMD_ERR states). A transport error (short read, disconnect)
// is returned as err with kind ErrNone and a nil request — the caller
// must not reply in that case (the peer is already gone).
func ReadRequest(r io.Reader) (*Request, ErrKind, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, ErrNone, err
	}
	if hdr[0] != Version {
		return nil, ErrBadCommand, nil
	}
	if hdr[1] != CmdConnect {
		// Still must consume the rest of the frame the client sent is
		// not required by the original (it replies immediately); match
		// that behavior.
		return nil, ErrBadCommand, nil
	}

	atyp := hdr[3]
	var host string
	switch atyp {
	case AtypIPv4:
		var addr [4]byte
		if _, err := io.ReadFull(r, addr[:]); err != nil {
			return nil, ErrNone, err
		}
		host = net.IP(addr[:]).String()

	case AtypDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, ErrNone, err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return nil, ErrNone, err
		}
		host = string(domain)

	case AtypIPv6:
		var addr [16]byte
		if _, err := io.ReadFull(r, addr[:]); err != nil {
			return nil, ErrNone, err
		}
		host = net.IP(addr[:]).String()

	default:
		return nil, ErrBadAddrType, nil
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return nil, ErrNone, err
	}
	port := binary.BigEndian.Uint16(portBuf[:])

	return &Request{Host: host, Port: strconv.Itoa(int(port))}, ErrNone, nil
}

// WriteReply writes the ten-byte CONNECT reply with bind address always
// 0.0.0.0:0 (spec.md §6: "Bind address in replies is always 0.0.0.0:0").
func WriteReply(w io.Writer, rep byte) error {
	buf := [10]byte{Version, rep, 0x00, AtypIPv4}
	_, err := w.Write(buf[:])
	return err
}
