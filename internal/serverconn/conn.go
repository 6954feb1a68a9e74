// Package serverconn implements the server-side ("remote side") per-
// connection state machine of spec.md §4.2: parsing the 512-byte tunnel
// handshake, asynchronous name resolution with ordered multi-address
// connect fallback, and post-handshake forwarding.
package serverconn

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xiaoxiao/iotunnel/internal/bufrelay"
	"github.com/xiaoxiao/iotunnel/internal/cipher"
	"github.com/xiaoxiao/iotunnel/internal/netutil"
	"github.com/xiaoxiao/iotunnel/internal/resolver"
	"github.com/xiaoxiao/iotunnel/internal/telemetry"
	"github.com/xiaoxiao/iotunnel/internal/wireproto"
)

const closeWaitDelay = 1 * time.Second

// Connection is one accepted tunnel client paired with its connection to
// the final target. One goroutine (Serve) drives all state transitions.
type Connection struct {
	local  net.Conn
	remote *net.TCPConn

	state   State
	session *cipher.Session
	secret  []byte

	logger  *zap.SugaredLogger
	metrics *telemetry.Metrics

	closeOnce sync.Once
}

// New constructs a Connection for a freshly accepted tunnel client.
// secret is this listener's shared secret (server identity, spec.md §3).
func New(local net.Conn, secret []byte, logger *zap.SugaredLogger, metrics *telemetry.Metrics) *Connection {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Connection{local: local, secret: secret, logger: logger, metrics: metrics, state: Closed}
}

// State returns the connection's current state tag.
func (c *Connection) State() State { return c.state }

// Serve drives the connection through the full state table of spec.md
// §4.2 and blocks until termination.
func (c *Connection) Serve(ctx context.Context) {
	if c.metrics != nil {
		c.metrics.ConnectionsAccepted.Inc()
	}

	req, ok := c.readHandshake()
	if !ok {
		return
	}
	if !c.resolveAndConnect(ctx, req) {
		return
	}
	if !c.replySuccess() {
		return
	}
	c.forward()
}

// readHandshake implements CLOSED's "receive exactly 512 bytes; decrypt;
// magic matches" step. Any framing or magic failure is an immediate close
// with no reply, per spec.md §4.2/§7 ("If fewer/more bytes arrive or
// magic mismatches: immediate close and Connection destruction").
func (c *Connection) readHandshake() (*wireproto.Request, bool) {
	c.local.SetReadDeadline(time.Now().Add(netutil.SocketTimeout()))

	frame := make([]byte, wireproto.RequestSize)
	if _, err := io.ReadFull(c.local, frame); err != nil {
		c.cleanup()
		return nil, false
	}

	iv := frame[wireproto.PlaintextSize:]
	session, err := cipher.NewSession(iv, c.secret)
	if err != nil {
		c.cleanup()
		return nil, false
	}

	req, err := wireproto.ParseRequest(frame, session.Decrypt)
	if err != nil {
		c.cleanup()
		return nil, false
	}
	c.session = session
	return req, true
}

// resolveAndConnect implements the async-DNS + multi-address fallback of
// spec.md §4.5: ReqRcvd (resolved, dialing) → Connected, or, on
// exhaustion/resolution failure, ReqErr with a 4-byte all-zero encrypted
// reply written at once by failRequest, followed by close-wait.
func (c *Connection) resolveAndConnect(ctx context.Context, req *wireproto.Request) bool {
	addrs, err := resolver.Resolve(ctx, req.Host)
	if err != nil {
		c.logger.Warnw("resolution failed", "host", req.Host, "error", err)
		if c.metrics != nil {
			c.metrics.ResolutionFailures.Inc()
		}
		return c.failRequest()
	}
	c.state = ReqRcvd

	remote, err := resolver.DialFirstReachable(ctx, addrs, req.Port)
	if err != nil {
		c.logger.Warnw("all resolved addresses refused connection", "host", req.Host, "error", err)
		return c.failRequest()
	}

	c.remote = remote
	c.state = Connected
	return true
}

// failRequest sends the encrypted 4-byte all-zero reply and enters
// close-wait.
func (c *Connection) failRequest() bool {
	c.state = ReqErr
	reply := wireproto.EncodeReply(false)
	c.session.Encrypt(reply)
	c.local.SetWriteDeadline(time.Now().Add(netutil.SocketTimeout()))
	c.local.Write(reply)
	if c.metrics != nil {
		c.metrics.ConnectionsFailed.WithLabelValues(c.state.String()).Inc()
	}
	c.enterCloseWait()
	return false
}

// replySuccess implements CONNECTED → ESTAB: the encrypted MAGIC reply is
// queued and delivered to the tunnel client.
func (c *Connection) replySuccess() bool {
	reply := wireproto.EncodeReply(true)
	c.session.Encrypt(reply)
	c.local.SetWriteDeadline(time.Now().Add(netutil.SocketTimeout()))
	if _, err := c.local.Write(reply); err != nil {
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
// server side decrypts local→remote bytes (tunnel client → target) and
// encrypts remote→local bytes (target → tunnel client), per the
// direction table.
func (c *Connection) forward() {
	c.local.SetDeadline(time.Time{})
	c.remote.SetDeadline(time.Time{})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		var st bufrelay.State
		for {
			if err := bufrelay.Forward(c.remote, c.local, &st, c.session.Decrypt); err != nil {
				break
			}
			if c.metrics != nil {
				c.metrics.BytesForwarded.WithLabelValues("down").Add(float64(st.Offset))
			}
		}
	}()

	go func() {
		defer wg.Done()
		var st bufrelay.State
		for {
			if err := bufrelay.Forward(c.local, c.remote, &st, c.session.Encrypt); err != nil {
				break
			}
			if c.metrics != nil {
				c.metrics.BytesForwarded.WithLabelValues("up").Add(float64(st.Offset))
			}
		}
	}()

	wg.Wait()
	c.cleanup()
}

// cleanup is the immediate-teardown path of spec.md §4.7.
func (c *Connection) cleanup() {
	c.closeOnce.Do(func() {
		c.local.Close()
		if c.remote != nil {
			c.remote.Close()
		}
	})
}

// enterCloseWait releases the remote socket (if any) immediately and
// keeps the local socket open for closeWaitDelay so the tunnel client can
// observe the failure reply before EOF (spec.md §4.7).
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
