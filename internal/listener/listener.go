// Package listener implements the ListenerMultiplexer: it accepts client
// connections on the configured TCP listeners, owns the cookie id
// allocator shared by every session, and dispatches inbound tunnel frames
// to the session they belong to. It plays the same accept-loop-plus-
// connection-registry role internal/forward/listener.go plays for the
// mesh's forwarding rules, generalized to also own the cookie id
// bookkeeping spec.md's session multiplexing adds.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/postalsys/dualproxy/internal/logging"
	"github.com/postalsys/dualproxy/internal/metrics"
	"github.com/postalsys/dualproxy/internal/proxycore"
	"github.com/postalsys/dualproxy/internal/session"
	"github.com/postalsys/dualproxy/internal/tunnelframe"
)

// maxCookieID is the largest allocatable cookie id; 0 is reserved to mean
// "unbound" throughout internal/tunnelframe and internal/session.
const maxCookieID = 65535

// defaultAcceptRate bounds new connections accepted per second, per
// listener, with a burst equal to the rate. This is the same
// token-bucket shape internal/udprelay uses for reply datagrams, applied
// here to the accept loop instead of a bare MaxConnections counter.
const defaultAcceptRate = 500

// PendingCloseGrace bounds how long a deferred-release cookie id waits
// for the remote's close-ack before it is reclaimed unconditionally
// (spec.md §3: "...or a grace timer expires"). This keeps a peer that
// never acknowledges close from permanently stranding an id and
// violating the |cookieMap|+|freeList|+|pendingClose| <= 65535 bound
// (spec.md P2) over the life of the process. Var, not const, so tests
// and loaded config can shrink it, matching session.HandshakeTimeout.
var PendingCloseGrace = 30 * time.Second

// Addr is one address this listener accepts connections on.
type Addr struct {
	// Network is "tcp4" or "tcp6".
	Network string
	// Address is the host:port to bind.
	Address string
}

// Listener is the ListenerMultiplexer (spec.md §4.8): the single owner of
// the cookie id table and the tunnel's single send entry point, and the
// dispatch target for every inbound tunnel frame.
type Listener struct {
	tunnel    proxycore.Tunnel
	hostMatch proxycore.HostMatch
	logger    *slog.Logger
	metrics   *metrics.Metrics
	maxID     uint16

	acceptLimiter *rate.Limiter

	sendMu sync.Mutex

	mu           sync.Mutex
	sessions     map[uint16]*session.Session
	freeList     []uint16
	highWater    uint16
	pendingClose map[uint16]*time.Timer

	listeners []net.Listener
	wg        sync.WaitGroup
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New creates a ListenerMultiplexer. tunnel and hostMatch are the external
// collaborators every session consults through this listener.
func New(tunnel proxycore.Tunnel, hostMatch proxycore.HostMatch, logger *slog.Logger, m *metrics.Metrics) *Listener {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Listener{
		tunnel:        tunnel,
		hostMatch:     hostMatch,
		logger:        logger,
		metrics:       m,
		maxID:         maxCookieID,
		acceptLimiter: rate.NewLimiter(rate.Limit(defaultAcceptRate), defaultAcceptRate),
		sessions:      make(map[uint16]*session.Session),
		pendingClose:  make(map[uint16]*time.Timer),
		stopCh:        make(chan struct{}),
	}
}

// SetAcceptRate replaces the accept-loop token bucket, e.g. from loaded
// configuration. ratePerSec and burst must be positive.
func (l *Listener) SetAcceptRate(ratePerSec, burst int) {
	l.acceptLimiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
}

// Start binds every configured address and begins accepting connections.
// It returns once every listener is bound; accept loops run in the
// background until Stop is called.
func (l *Listener) Start(ctx context.Context, addrs []Addr) error {
	if len(addrs) == 0 {
		return ErrNoListeners
	}
	for _, a := range addrs {
		isIPv6 := a.Network == "tcp6"
		lc := listenConfig(isIPv6)
		ln, err := lc.Listen(ctx, a.Network, a.Address)
		if err != nil {
			l.Stop()
			return fmt.Errorf("listener: bind %s %s: %w", a.Network, a.Address, err)
		}
		l.listeners = append(l.listeners, ln)
		l.wg.Add(1)
		go l.acceptLoop(ln, isIPv6)
	}
	return nil
}

// Stop closes every listener, stops the pending-close grace timers, and
// waits for the accept loops and every session goroutine they started to
// return. Stop does not close sessions itself, so it returns only once
// each accepted session has ended on its own.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		for _, ln := range l.listeners {
			ln.Close()
		}
		l.mu.Lock()
		for id, timer := range l.pendingClose {
			timer.Stop()
			delete(l.pendingClose, id)
		}
		l.mu.Unlock()
	})
	l.wg.Wait()
}

func (l *Listener) acceptLoop(ln net.Listener, isIPv6 bool) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
			}
			l.logger.Error("accept failed", logging.KeyError, err)
			return
		}
		if !l.acceptLimiter.Allow() {
			l.metrics.RecordHandshakeError("rate_limited")
			conn.Close()
			continue
		}
		l.wg.Add(1)
		go l.handleConnection(conn, isIPv6)
	}
}

func (l *Listener) handleConnection(conn net.Conn, isIPv6 bool) {
	defer l.wg.Done()
	s := session.New(conn, l, l.hostMatch, isIPv6, l.logger, l.metrics)
	s.Run()
}

// --- session.Owner -------------------------------------------------------

// BindCookieID implements session.Owner: it allocates the id at the front
// of the free list (the earliest released one still free), preferring a
// previously released id over minting a new one, per spec.md §4.8's
// free-list-plus-high-water-mark allocator.
func (l *Listener) BindCookieID(s *session.Session) uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var id uint16
	if len(l.freeList) > 0 {
		id = l.freeList[0]
		l.freeList = l.freeList[1:]
	} else if l.highWater < l.maxID {
		l.highWater++
		id = l.highWater
	} else {
		return 0
	}

	l.sessions[id] = s
	return id
}

// ReleaseCookieID implements session.Owner. immediate releases the id
// back to the allocator right away; otherwise the id is held in
// pendingClose until the remote relay's own close frame for it arrives,
// or PendingCloseGrace elapses with no close-ack, at which point it is
// reclaimed unconditionally (spec.md §3).
func (l *Listener) ReleaseCookieID(id uint16, immediate bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, id)
	if immediate {
		l.reclaimLocked(id)
		return
	}
	l.pendingClose[id] = time.AfterFunc(PendingCloseGrace, func() {
		l.finalizePendingClose(id)
	})
}

// finalizePendingClose reclaims id if it is still awaiting a close-ack
// once its grace timer fires. A close-ack that arrives concurrently via
// Dispatch stops the timer before this can run, so this only fires for
// ids whose remote never acknowledged the close.
func (l *Listener) finalizePendingClose(id uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, pending := l.pendingClose[id]; !pending {
		return
	}
	delete(l.pendingClose, id)
	l.logger.Debug("pending close grace timer expired", logging.KeyCookieID, id)
	l.reclaimLocked(id)
}

// reclaimLocked returns id to the allocator. If id is the current
// high-water mark, the mark retracts instead of growing the free list,
// and any now-exposed top-of-range ids already in the free list retract
// along with it — the "reclaim-top" optimization that keeps the id space
// compact under churn at the top of the range.
func (l *Listener) reclaimLocked(id uint16) {
	if id != l.highWater {
		l.freeList = append(l.freeList, id)
		return
	}
	l.highWater--
	for {
		idx := indexOf(l.freeList, l.highWater)
		if idx < 0 {
			return
		}
		l.freeList = append(l.freeList[:idx], l.freeList[idx+1:]...)
		l.highWater--
	}
}

func indexOf(s []uint16, v uint16) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

// SendTunnel implements session.Owner. It serializes every session's
// frame against the others so one frame is never interleaved with
// another on the wire, and records the outbound frame kind.
func (l *Listener) SendTunnel(payload []byte) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	if err := l.tunnel.SendMessage(proxycore.ActSocks, payload); err != nil {
		return err
	}
	l.metrics.RecordTunnelFrameSent(frameKind(payload))
	return nil
}

// TunnelIsUp implements session.Owner.
func (l *Listener) TunnelIsUp() bool {
	return l.tunnel.IsUp()
}

// Done implements session.Owner.
func (l *Listener) Done(s *session.Session) {
	l.logger.Debug("session done", logging.KeyComponent, "listener")
}

// --- tunnel.Dispatcher ---------------------------------------------------

// Dispatch implements tunnel.Dispatcher (and the same role for any real
// mesh transport): it parses an inbound ACT_SOCKS payload and routes it
// to the session owning its cookie id, or finalizes a deferred cookie
// release if the id is only awaiting the remote's own close
// acknowledgement.
func (l *Listener) Dispatch(payload []byte) {
	frame, err := tunnelframe.Parse(payload)
	if err != nil {
		l.logger.Debug("dropping unparseable tunnel frame", logging.KeyError, err)
		return
	}
	cookieID := frameCookieID(frame)
	l.metrics.RecordTunnelFrameReceived(frameKindOf(frame))

	l.mu.Lock()
	if timer, pending := l.pendingClose[cookieID]; pending && frame.Close != nil {
		timer.Stop()
		delete(l.pendingClose, cookieID)
		l.reclaimLocked(cookieID)
		l.mu.Unlock()
		return
	}
	s, ok := l.sessions[cookieID]
	l.mu.Unlock()
	if !ok {
		return
	}
	s.Deliver(frame)
}

func frameCookieID(f tunnelframe.Frame) uint16 {
	switch {
	case f.ReqConn != nil:
		return f.ReqConn.CookieID
	case f.RespConn != nil:
		return f.RespConn.CookieID
	case f.TCPData != nil:
		return f.TCPData.CookieID
	case f.UDPData != nil:
		return f.UDPData.CookieID
	case f.Close != nil:
		return f.Close.CookieID
	default:
		return 0
	}
}

func frameKindOf(f tunnelframe.Frame) string {
	switch {
	case f.ReqConn != nil:
		return "reqconn"
	case f.RespConn != nil:
		return "respconn"
	case f.TCPData != nil:
		return "tcp_data"
	case f.UDPData != nil:
		return "udp_data"
	case f.Close != nil:
		return "close"
	default:
		return "unknown"
	}
}

func frameKind(payload []byte) string {
	frame, err := tunnelframe.Parse(payload)
	if err != nil {
		return "unknown"
	}
	return frameKindOf(frame)
}

// listenConfig builds a net.ListenConfig that sets SO_REUSEADDR (so a
// restarted listener can rebind a socket still in TIME_WAIT) and, for an
// IPv6 listener, IPV6_V6ONLY (so the IPv4 and IPv6 listeners never
// contend for the same wildcard bind).
func listenConfig(isIPv6 bool) net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if sockErr != nil {
					return
				}
				if isIPv6 {
					sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}

// ErrNoListeners is returned by Start when addrs is empty.
var ErrNoListeners = errors.New("listener: no addresses configured")
