// Package tunnel provides a minimal in-process reference implementation of
// proxycore.Tunnel. The real encrypted transport to a remote relay is out
// of scope for this core (spec.md §1); this loopback stands in for it so
// internal/session and internal/listener can be exercised end-to-end in
// tests and by the demonstration CLI without a real mesh transport. It
// plays the remote relay's part directly: on reqconn it dials the
// requested origin itself, then shuttles tcp_data/udp_data/close frames
// between that origin connection and whatever Dispatcher receives inbound
// frames, the same accept-loop-then-relay shape the SOCKS5 handler uses
// for its own direct connections.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/postalsys/dualproxy/internal/logging"
	"github.com/postalsys/dualproxy/internal/proxycore"
	"github.com/postalsys/dualproxy/internal/socks5udp"
	"github.com/postalsys/dualproxy/internal/tunnelframe"

	"log/slog"
)

// Dispatcher receives ACT_SOCKS frames the loopback relay emits back
// toward the proxy core, mirroring the shape the real mesh transport
// would use to hand inbound frames to the ListenerMultiplexer.
type Dispatcher interface {
	Dispatch(payload []byte)
}

// remoteConn is the relay-side state for one cookie id.
type remoteConn struct {
	conn   net.Conn
	udp    *net.UDPConn
	closed bool
}

// Tunnel is the loopback reference relay.
type Tunnel struct {
	logger *slog.Logger

	mu         sync.Mutex
	up         bool
	dispatcher Dispatcher
	conns      map[uint16]*remoteConn
}

var _ proxycore.Tunnel = (*Tunnel)(nil)

// New creates a loopback relay. It starts up immediately; call Close to
// simulate the tunnel going down.
func New(logger *slog.Logger) *Tunnel {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Tunnel{
		logger: logger,
		up:     true,
		conns:  make(map[uint16]*remoteConn),
	}
}

// SetDispatcher registers the callback through which this relay delivers
// frames bound back to the proxy core (respconn, tcp_data, udp_data,
// close). Must be called before SendMessage is used.
func (t *Tunnel) SetDispatcher(d Dispatcher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dispatcher = d
}

// IsUp implements proxycore.Tunnel.
func (t *Tunnel) IsUp() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.up
}

// Close tears the loopback relay down, closing every tracked remote
// connection. Close itself sends nothing to the core, but each TCP
// connection's origin pump still reports the closed connection through
// the dispatcher (tcp_data with is_close set, then a close frame).
func (t *Tunnel) Close() {
	t.mu.Lock()
	t.up = false
	conns := t.conns
	t.conns = make(map[uint16]*remoteConn)
	t.mu.Unlock()

	for _, rc := range conns {
		rc.close()
	}
}

// SendMessage implements proxycore.Tunnel: it parses the ACT_SOCKS
// payload and acts the part the remote relay would act.
func (t *Tunnel) SendMessage(actionTag uint8, payload []byte) error {
	if actionTag != proxycore.ActSocks {
		return fmt.Errorf("tunnel: unsupported action tag %d", actionTag)
	}

	frame, err := tunnelframe.Parse(payload)
	if err != nil {
		return err
	}

	switch {
	case frame.ReqConn != nil:
		go t.handleReqConn(*frame.ReqConn)
	case frame.TCPData != nil:
		t.handleTCPData(*frame.TCPData)
	case frame.UDPData != nil:
		t.handleUDPData(*frame.UDPData)
	case frame.Close != nil:
		t.handleClose(frame.Close.CookieID)
	default:
		return fmt.Errorf("tunnel: unrecognized frame")
	}
	return nil
}

func (t *Tunnel) handleReqConn(req tunnelframe.ReqConn) {
	if req.Proto == tunnelframe.ProtoUDP {
		t.handleUDPReqConn(req)
		return
	}

	addr := net.JoinHostPort(req.Host, fmt.Sprintf("%d", req.Port))
	conn, err := (&net.Dialer{}).DialContext(context.Background(), "tcp", addr)
	if err != nil {
		t.logger.Debug("loopback tunnel dial failed", logging.KeyAddress, addr, logging.KeyError, err)
		t.deliver(tunnelframe.BuildRespConn(req.CookieID, 0))
		return
	}

	rc := &remoteConn{conn: conn}
	t.mu.Lock()
	if !t.up {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conns[req.CookieID] = rc
	t.mu.Unlock()

	t.deliver(tunnelframe.BuildRespConn(req.CookieID, tunnelframe.RespConnSuccess))
	go t.pumpFromOrigin(req.CookieID, rc)
}

func (t *Tunnel) handleUDPReqConn(req tunnelframe.ReqConn) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		t.deliver(tunnelframe.BuildRespConn(req.CookieID, 0))
		return
	}
	rc := &remoteConn{udp: conn}
	t.mu.Lock()
	if !t.up {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conns[req.CookieID] = rc
	t.mu.Unlock()

	t.deliver(tunnelframe.BuildRespConn(req.CookieID, tunnelframe.RespConnSuccess))
}

func (t *Tunnel) pumpFromOrigin(cookieID uint16, rc *remoteConn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := rc.conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			t.deliver(tunnelframe.BuildTCPData(cookieID, false, payload))
		}
		if err != nil {
			t.deliver(tunnelframe.BuildTCPData(cookieID, true, nil))
			t.handleClose(cookieID)
			return
		}
	}
}

func (t *Tunnel) handleTCPData(d tunnelframe.TCPData) {
	rc := t.lookup(d.CookieID)
	if rc == nil {
		return
	}
	if d.IsClose {
		t.handleClose(d.CookieID)
		return
	}
	if _, err := rc.conn.Write(d.Payload); err != nil {
		t.handleClose(d.CookieID)
	}
}

func (t *Tunnel) handleUDPData(d tunnelframe.UDPData) {
	rc := t.lookup(d.CookieID)
	if rc == nil || rc.udp == nil {
		return
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.Host, fmt.Sprintf("%d", d.Port)))
	if err != nil {
		return
	}
	if _, err := rc.udp.WriteToUDP(d.Payload, addr); err != nil {
		return
	}

	go t.readOneUDPReply(d.CookieID, rc)
}

func (t *Tunnel) readOneUDPReply(cookieID uint16, rc *remoteConn) {
	buf := make([]byte, 65535)
	rc.udp.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, from, err := rc.udp.ReadFromUDP(buf)
	if err != nil {
		return
	}
	atyp := byte(socks5udp.AddrTypeIPv4)
	if from.IP.To4() == nil {
		atyp = socks5udp.AddrTypeIPv6
	}
	payload := append([]byte(nil), buf[:n]...)
	frame, err := tunnelframe.BuildUDPData(cookieID, atyp, from.IP.String(), uint16(from.Port), payload)
	if err != nil {
		return
	}
	t.deliver(frame)
}

func (t *Tunnel) handleClose(cookieID uint16) {
	t.mu.Lock()
	rc, ok := t.conns[cookieID]
	if ok {
		delete(t.conns, cookieID)
	}
	t.mu.Unlock()
	if ok {
		rc.close()
	}
	t.deliver(tunnelframe.BuildClose(cookieID))
}

func (t *Tunnel) lookup(cookieID uint16) *remoteConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[cookieID]
}

func (t *Tunnel) deliver(payload []byte) {
	t.mu.Lock()
	d := t.dispatcher
	t.mu.Unlock()
	if d != nil {
		d.Dispatch(payload)
	}
}

func (rc *remoteConn) close() {
	if rc.closed {
		return
	}
	rc.closed = true
	if rc.conn != nil {
		rc.conn.Close()
	}
	if rc.udp != nil {
		rc.udp.Close()
	}
}
