// Package integration wires an in-process client+server pair together
// over loopback TCP and exercises the end-to-end scenarios of spec.md §8
// (S1-S6): the parts no single package's unit tests can see because they
// span both state machines and a real echo target.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xiaoxiao/iotunnel/internal/clientconn"
	"github.com/xiaoxiao/iotunnel/internal/config"
	"github.com/xiaoxiao/iotunnel/internal/serverconn"
	"github.com/xiaoxiao/iotunnel/internal/socks5"
)

// startEchoTarget starts a TCP listener that echoes whatever it reads,
// standing in for the "real" destination the SOCKS5 client asked for.
func startEchoTarget(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

// startTunnelServer starts a serverconn-backed listener using secret as
// its identity key.
func startTunnelServer(t *testing.T, secret string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			c := serverconn.New(conn, []byte(secret), nil, nil)
			go c.Serve(context.Background())
		}
	}()
	return ln
}

// dialClient opens a raw connection to the client-side listener and
// drives the SOCKS5 greeting/CONNECT handshake, returning the connection
// positioned to exchange payload bytes.
func dialClient(t *testing.T, clientAddr, targetHost string, targetPort int) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", clientAddr)
	require.NoError(t, err)

	_, err = conn.Write([]byte{socks5.Version, 1, socks5.AuthNone})
	require.NoError(t, err)
	greet := make([]byte, 2)
	_, err = io.ReadFull(conn, greet)
	require.NoError(t, err)
	require.Equal(t, []byte{socks5.Version, socks5.AuthNone}, greet)

	ip := net.ParseIP(targetHost).To4()
	require.NotNil(t, ip, "test helper only supports IPv4 literals")
	req := []byte{socks5.Version, socks5.CmdConnect, 0x00, socks5.AtypIPv4}
	req = append(req, ip...)
	req = append(req, byte(targetPort>>8), byte(targetPort))
	_, err = conn.Write(req)
	require.NoError(t, err)

	return conn
}

func startClientListener(t *testing.T, pool *config.ServerPool) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			c := clientconn.New(conn, pool, nil, nil)
			go c.Serve(context.Background())
		}
	}()
	return ln
}

func TestEndToEndHappyPathIPv4(t *testing.T) {
	secret := "correct-horse-battery-staple"
	target := startEchoTarget(t)
	defer target.Close()

	tunnelServer := startTunnelServer(t, secret)
	defer tunnelServer.Close()

	tunnelAddr, err := net.ResolveTCPAddr("tcp", tunnelServer.Addr().String())
	require.NoError(t, err)
	pool := config.NewServerPool([]config.Identity{{Addr: tunnelAddr, Secret: []byte(secret)}})

	clientLn := startClientListener(t, pool)
	defer clientLn.Close()

	_, targetPortStr, err := net.SplitHostPort(target.Addr().String())
	require.NoError(t, err)
	targetPort, err := strconv.Atoi(targetPortStr)
	require.NoError(t, err)

	conn := dialClient(t, clientLn.Addr().String(), "127.0.0.1", targetPort)
	defer conn.Close()

	reply := make([]byte, 10)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, byte(socks5.RepSuccess), reply[1])

	payload := []byte("hello through the tunnel")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	echoed := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(conn, echoed)
	require.NoError(t, err)
	require.Equal(t, payload, echoed)
}

// TestEndToEndConcurrentBidirectionalTraffic pipelines writes ahead of
// reads so the client and echo target both have data in flight at once,
// forcing each side's forward() to run its up and down goroutines against
// the shared cipher.Session under genuine concurrent pressure rather than
// the strict request/response cadence the other scenarios use.
func TestEndToEndConcurrentBidirectionalTraffic(t *testing.T) {
	secret := "pipelined-secret"
	target := startEchoTarget(t)
	defer target.Close()

	tunnelServer := startTunnelServer(t, secret)
	defer tunnelServer.Close()

	tunnelAddr, err := net.ResolveTCPAddr("tcp", tunnelServer.Addr().String())
	require.NoError(t, err)
	pool := config.NewServerPool([]config.Identity{{Addr: tunnelAddr, Secret: []byte(secret)}})

	clientLn := startClientListener(t, pool)
	defer clientLn.Close()

	_, targetPortStr, err := net.SplitHostPort(target.Addr().String())
	require.NoError(t, err)
	targetPort, err := strconv.Atoi(targetPortStr)
	require.NoError(t, err)

	conn := dialClient(t, clientLn.Addr().String(), "127.0.0.1", targetPort)
	defer conn.Close()

	reply := make([]byte, 10)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, byte(socks5.RepSuccess), reply[1])

	const chunks = 64
	const chunkSize = 512
	payload := make([][]byte, chunks)
	for i := range payload {
		payload[i] = bytes.Repeat([]byte{byte(i)}, chunkSize)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	writeErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		for _, chunk := range payload {
			if _, err := conn.Write(chunk); err != nil {
				writeErr <- err
				return
			}
		}
		writeErr <- nil
	}()

	readErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		buf := make([]byte, chunkSize)
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		for i := 0; i < chunks; i++ {
			if _, err := io.ReadFull(conn, buf); err != nil {
				readErr <- err
				return
			}
			if !bytes.Equal(buf, payload[i]) {
				readErr <- fmt.Errorf("chunk %d corrupted: got %x want %x", i, buf[:8], payload[i][:8])
				return
			}
		}
		readErr <- nil
	}()

	wg.Wait()
	require.NoError(t, <-writeErr)
	require.NoError(t, <-readErr)
}

func TestEndToEndUnsupportedCommandThenFIN(t *testing.T) {
	pool := config.NewServerPool(nil)
	clientLn := startClientListener(t, pool)
	defer clientLn.Close()

	conn, err := net.Dial("tcp", clientLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{socks5.Version, 1, socks5.AuthNone})
	require.NoError(t, err)
	greet := make([]byte, 2)
	_, err = io.ReadFull(conn, greet)
	require.NoError(t, err)

	_, err = conn.Write([]byte{socks5.Version, 0x02, 0x00, socks5.AtypIPv4, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)

	reply := make([]byte, 10)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, byte(socks5.RepCommandNotSupported), reply[1])

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestEndToEndDNSFailure(t *testing.T) {
	secret := "k"
	tunnelServer := startTunnelServer(t, secret)
	defer tunnelServer.Close()

	tunnelAddr, err := net.ResolveTCPAddr("tcp", tunnelServer.Addr().String())
	require.NoError(t, err)
	pool := config.NewServerPool([]config.Identity{{Addr: tunnelAddr, Secret: []byte(secret)}})

	clientLn := startClientListener(t, pool)
	defer clientLn.Close()

	conn, err := net.Dial("tcp", clientLn.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{socks5.Version, 1, socks5.AuthNone})
	require.NoError(t, err)
	greet := make([]byte, 2)
	_, err = io.ReadFull(conn, greet)
	require.NoError(t, err)

	domain := "no.such.host.invalid.example"
	req := []byte{socks5.Version, socks5.CmdConnect, 0x00, socks5.AtypDomain, byte(len(domain))}
	req = append(req, domain...)
	req = append(req, 0x00, 0x50)
	_, err = conn.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 10)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, byte(socks5.RepConnectionRefused), reply[1])
}
