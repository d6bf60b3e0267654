// Package egress opens and manages a direct TCP connection to an origin
// server on behalf of one proxy session. It owns connect and idle
// timeouts and reports outcomes to its owner through a small set of
// callbacks, mirroring the context-cancelable dial pattern the SOCKS5
// CONNECT handler this core replaces used for the same purpose.
package egress

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// ConnectTimeout bounds how long Dial waits for the TCP handshake.
const ConnectTimeout = 10 * time.Second

// IdleTimeout is how long an established connection may go without payload
// in either direction before it is torn down.
const IdleTimeout = 300 * time.Second

// ErrNotConnected is returned by Write when called before the connection
// has completed (or after it has failed or been torn down).
var ErrNotConnected = errors.New("egress: not connected")

// halfCloser is implemented by connections that support shutting down the
// write side while keeping the read side open.
type halfCloser interface {
	CloseWrite() error
}

// Owner receives the outcome of the dial and the data read from the
// origin. The two initial outcomes are mutually exclusive: exactly one
// of TellSocksOK or TellError fires once per Egress.
type Owner interface {
	// TellSocksOK reports a successful connect, giving the local address
	// and port the outbound socket bound to (used to fill the SOCKS5
	// CONNECT reply's BND.ADDR/BND.PORT).
	TellSocksOK(localAddr net.IP, localPort uint16)

	// TellError reports a dial failure. No further callbacks follow.
	TellError(err error)

	// TellData delivers a slice of bytes read from the origin. The slice
	// is owned by the callee; Egress will not reuse it.
	TellData(payload []byte)

	// TellClose reports that the connection has ended, whether by idle
	// timeout, origin EOF, or a write failure. No further callbacks follow.
	TellClose()
}

// Egress is a single outbound TCP connection to an origin.
type Egress struct {
	owner Owner

	mu        sync.Mutex
	conn      net.Conn
	closed    bool
	idleTimer *time.Timer
}

// Dial starts connecting to address (host:port form) over network ("tcp4"
// or "tcp6", per the session's address family) and returns immediately;
// the owner's callbacks report the outcome asynchronously.
func Dial(ctx context.Context, network, address string, owner Owner) *Egress {
	e := &Egress{owner: owner}
	go e.dial(ctx, network, address)
	return e
}

func (e *Egress) dial(ctx context.Context, network, address string) {
	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, network, address)
	if err != nil {
		e.owner.TellError(err)
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		conn.Close()
		return
	}
	e.conn = conn
	e.armIdleTimerLocked()
	e.mu.Unlock()

	local, _ := conn.LocalAddr().(*net.TCPAddr)
	var ip net.IP
	var port uint16
	if local != nil {
		ip = local.IP
		port = uint16(local.Port)
	}
	e.owner.TellSocksOK(ip, port)

	e.readLoop(conn)
}

func (e *Egress) readLoop(conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			e.resetIdleTimer()
			payload := make([]byte, n)
			copy(payload, buf[:n])
			e.owner.TellData(payload)
		}
		if err != nil {
			e.teardown(true)
			return
		}
	}
}

// Write sends data to the origin, resetting the idle timer.
func (e *Egress) Write(data []byte) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	e.resetIdleTimer()
	_, err := conn.Write(data)
	if err != nil {
		e.teardown(true)
	}
	return err
}

// CloseWrite half-closes the connection if the underlying transport
// supports it, otherwise closes it outright.
func (e *Egress) CloseWrite() error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if hc, ok := conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return conn.Close()
}

// Close tears down the connection without notifying the owner; the owner
// calls this when it has already decided to tear the session down.
func (e *Egress) Close() {
	e.teardown(false)
}

func (e *Egress) teardown(notify bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	conn := e.conn
	e.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if notify {
		e.owner.TellClose()
	}
}

func (e *Egress) armIdleTimerLocked() {
	e.idleTimer = time.AfterFunc(IdleTimeout, func() { e.teardown(true) })
}

func (e *Egress) resetIdleTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.idleTimer == nil {
		return
	}
	e.idleTimer.Reset(IdleTimeout)
}
