// Package resolver implements the server-side asynchronous name
// resolution and multi-address connect fallback of spec.md §4.5.
//
// The original C implementation issues getaddrinfo_a and is notified by
// SIGUSR1 carrying the Connection pointer; here, the equivalent
// asynchronous step is an ordinary blocking call made from the
// connection's own goroutine (see SPEC_FULL.md §4.5) — Go's scheduler
// already multiplexes that blocking call across an OS thread pool, which
// is the mechanism spec.md §9's design notes ask an implementer to
// abstract the signal-delivered completion as ("an MPSC channel... Avoid
// doing real work inside the signal handler"). No actual channel is
// needed because there is no signal handler: the call site *is* the
// consumer.
package resolver

import (
	"context"
	"fmt"
	"net"

	"github.com/xiaoxiao/iotunnel/internal/netutil"
)

// Resolve looks up host and returns its addresses in the order the
// resolver returned them (spec.md §4.5: "for each address in the
// returned linked list in order").
func Resolve(ctx context.Context, host string) ([]net.IPAddr, error) {
	var r net.Resolver
	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolver: lookup %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolver: no addresses for %q", host)
	}
	return addrs, nil
}

// DialFirstReachable walks addrs in order, dialing host:port against
// each, and returns the first connection that succeeds. Each attempt uses
// the tunnel's standard 10 s dial timeout (spec.md §4.5). If every
// address fails, the returned error wraps both ErrExhausted and the last
// dial error via %w so callers can still inspect the underlying cause.
func DialFirstReachable(ctx context.Context, addrs []net.IPAddr, port string) (*net.TCPConn, error) {
	var lastErr error
	for _, addr := range addrs {
		target := net.JoinHostPort(addr.String(), port)
		conn, err := netutil.DialTimeout(ctx, target)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("resolver: empty address list")
	}
	return nil, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
}

// ErrExhausted is returned by DialFirstReachable when every resolved
// address refused the connection (spec.md §4.5: "If the list is
// exhausted → REQ_ERR").
var ErrExhausted = fmt.Errorf("resolver: address list exhausted")
