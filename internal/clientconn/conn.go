// Package clientconn implements the client-side ("local side") per-
// connection state machine of spec.md §4.1: SOCKS5 greeting and CONNECT
// parsing, random upstream-server selection, the 512-byte tunnel
// handshake, and post-handshake forwarding.
//
// One Connection is created per accepted SOCKS5 client (mirroring the
// teacher's accept-loop → goroutine shape in proxy.go's StartProxy /
// handleConnection) and runs entirely on its own goroutine from Serve
// until it tears itself down.
package clientconn

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaoxiao/iotunnel/internal/bufrelay"
	"github.com/xiaoxiao/iotunnel/internal/cipher"
	"github.com/xiaoxiao/iotunnel/internal/config"
	"github.com/xiaoxiao/iotunnel/internal/netutil"
	"github.com/xiaoxiao/iotunnel/internal/socks5"
	"github.com/xiaoxiao/iotunnel/internal/telemetry"
	"github.com/xiaoxiao/iotunnel/internal/wireproto"
)

// closeWaitDelay is the grace period spec.md §4.7 mandates between an
// error reply being flushed and the local socket being closed.
const closeWaitDelay = 1 * time.Second

// Connection is one accepted SOCKS5 client paired with its tunnel
// connection to an upstream server. Exactly one goroutine (Serve) drives
// all of its state transitions, so no locking is needed around the state
// field itself; closeOnce guards the only concurrently-reachable
// operation (teardown racing the close-wait timer).
type Connection struct {
	local  net.Conn
	remote *net.TCPConn

	state          State
	session        *cipher.Session
	identitySecret []byte

	pool    *config.ServerPool
	logger  *zap.SugaredLogger
	metrics *telemetry.Metrics

	closeOnce sync.Once
}

// New constructs a Connection for a freshly accepted SOCKS5 client.
// logger and metrics may be nil.
func New(local net.Conn, pool *config.ServerPool, logger *zap.SugaredLogger, metrics *telemetry.Metrics) *Connection {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Connection{
		local:   local,
		pool:    pool,
		logger:  logger,
		metrics: metrics,
		state:   Closed,
	}
}

// State returns the connection's current state tag (for tests/metrics).
func (c *Connection) State() State { return c.state }

// Serve drives the connection through the full state table of spec.md
// §4.1 and blocks until the connection terminates (either via cleanup or
// close-wait).
func (c *Connection) Serve(ctx context.Context) {
	if c.metrics != nil {
		c.metrics.ConnectionsAccepted.Inc()
	}

	if !c.negotiate() {
		return
	}
	req, ok := c.readCommand()
	if !ok {
		return
	}
	if !c.dialUpstream(ctx, req) {
		return
	}
	if !c.handshake(req) {
		return
	}
	c.forward()
}

// negotiate implements CLOSED → NEGO_RCVD/NEGO_ERR → NEGO_SENT.
func (c *Connection) negotiate() bool {
	accepted, err := socks5.ReadGreeting(c.local)
	if err != nil {
		c.cleanup()
		return false
	}

	c.state = NegoRcvd
	if !accepted {
		c.state = NegoErr
	}

	if err := socks5.WriteGreetingReply(c.local, accepted); err != nil {
		c.cleanup()
		return false
	}

	if !accepted {
		c.countFailure()
		c.enterCloseWait()
		return false
	}
	c.state = NegoSent
	return true
}

// readCommand implements NEGO_SENT → CMD_RCVD/CMD_ERR.
func (c *Connection) readCommand() (*socks5.Request, bool) {
	req, kind, err := socks5.ReadRequest(c.local)
	if err != nil {
		c.cleanup()
		return nil, false
	}
	if kind != socks5.ErrNone {
		c.state = CmdErr
		rep := byte(socks5.RepCommandNotSupported)
		if kind == socks5.ErrBadAddrType {
			rep = socks5.RepAddrTypeNotSupported
		}
		socks5.WriteReply(c.local, rep)
		c.countFailure()
		c.enterCloseWait()
		return nil, false
	}
	c.state = CmdRcvd
	return req, true
}

// dialUpstream implements CMD_RCVD → CONNECTED / REQ_ERR. A dial failure
// to the chosen tunnel server is, per the original implementation
// (connect_cb's failure branch), reported with SOCKS5 reply 0x05
// ("connection refused") — the same code used for a bad-MAGIC reply
// (spec.md §9 Open Question #3) — rather than "general failure"; see
// DESIGN.md for the reconciliation with spec.md §4.1's looser prose.
func (c *Connection) dialUpstream(ctx context.Context, req *socks5.Request) bool {
	identity, err := c.pool.Pick()
	if err != nil {
		c.logger.Errorw("no upstream server available", "error", err)
		c.failConnect()
		return false
	}

	remote, err := netutil.DialTCPAddr(ctx, identity.Addr)
	if err != nil {
		c.logger.Warnw("dial upstream tunnel server failed", "addr", identity.Addr, "error", err)
		c.failConnect()
		return false
	}
	c.remote = remote
	c.state = Connected
	c.identitySecret = identity.Secret
	return true
}

func (c *Connection) failConnect() {
	c.state = ReqErr
	socks5.WriteReply(c.local, socks5.RepConnectionRefused)
	c.countFailure()
	c.enterCloseWait()
}

// handshake implements CONNECTED → REQ_SENT → REP_RCVD/REQ_ERR.
func (c *Connection) handshake(req *socks5.Request) bool {
	iv, err := config.RandomIV()
	if err != nil {
		c.logger.Errorw("random IV generation failed", "error", err)
		c.cleanup()
		return false
	}

	session, err := cipher.NewSession(iv, c.identitySecret)
	if err != nil {
		c.logger.Errorw("cipher session init failed", "error", err)
		c.cleanup()
		return false
	}
	c.session = session

	frame, err := wireproto.EncodeRequest(req.Host, req.Port, iv)
	if err != nil {
		c.logger.Warnw("handshake encode failed", "error", err)
		c.cleanup()
		return false
	}
	c.session.Encrypt(frame[:wireproto.PlaintextSize])

	c.remote.SetDeadline(time.Now().Add(netutil.SocketTimeout()))
	if _, err := c.remote.Write(frame); err != nil {
		c.cleanup()
		return false
	}
	c.state = ReqSent

	reply := make([]byte, wireproto.ReplySize)
	if _, err := io.ReadFull(c.remote, reply); err != nil {
		// Framing/transport failure reading the reply: the original
		// treats anything but exactly 4 bytes as an immediate cleanup
		// with no SOCKS5 reply, since the failure is below the protocol
		// layer the reply would describe.
		c.cleanup()
		return false
	}

	ok, err := wireproto.ParseReply(reply, c.session.Decrypt)
	if err != nil || !ok {
		c.state = ReqErr
		socks5.WriteReply(c.local, socks5.RepConnectionRefused)
		c.countFailure()
		c.enterCloseWait()
		return false
	}

	c.state = RepRcvd
	if err := socks5.WriteReply(c.local, socks5.RepSuccess); err != nil {
		c.cleanup()
		return false
	}
	c.state = Estab
	if c.metrics != nil {
		c.metrics.ConnectionsEstab.Inc()
	}
	return true
}

// forward implements the ESTAB forwarding phase (spec.md §4.6). The
// client side encrypts local→remote bytes and decrypts remote→local
// bytes, per the direction table.
func (c *Connection) forward() {
	c.local.SetDeadline(time.Time{})
	c.remote.SetDeadline(time.Time{})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		var st bufrelay.State
		for {
			if err := bufrelay.Forward(c.remote, c.local, &st, c.session.Encrypt); err != nil {
				break
			}
			if c.metrics != nil {
				c.metrics.BytesForwarded.WithLabelValues("up").Add(float64(st.Offset))
			}
		}
	}()

	go func() {
		defer wg.Done()
		var st bufrelay.State
		for {
			if err := bufrelay.Forward(c.local, c.remote, &st, c.session.Decrypt); err != nil {
				break
			}
			if c.metrics != nil {
				c.metrics.BytesForwarded.WithLabelValues("down").Add(float64(st.Offset))
			}
		}
	}()

	wg.Wait()
	c.cleanup()
}

// cleanup is the immediate-teardown path of spec.md §4.7: both sockets
// closed exactly once, no reply.
func (c *Connection) cleanup() {
	c.closeOnce.Do(func() {
		c.local.Close()
		if c.remote != nil {
			c.remote.Close()
		}
	})
}

// countFailure records the connection's current error state (NEGO_ERR,
// CMD_ERR, or REQ_ERR) in the ConnectionsFailed series. Callers invoke it
// immediately after setting c.state and before enterCloseWait overwrites
// that state to CLOSE_WAIT.
func (c *Connection) countFailure() {
	if c.metrics != nil {
		c.metrics.ConnectionsFailed.WithLabelValues(c.state.String()).Inc()
	}
}

// enterCloseWait is the close-wait teardown path of spec.md §4.7: the
// remote socket (if any) is released immediately since it has no further
// role once an error reply must be flushed, while the local socket is
// kept open for closeWaitDelay so the SOCKS5 client can observe the error
// reply before EOF.
func (c *Connection) enterCloseWait() {
	c.state = CloseWait
	if c.remote != nil {
		c.remote.Close()
	}
	time.AfterFunc(closeWaitDelay, func() {
		c.closeOnce.Do(func() {
			c.local.Close()
		})
	})
}
