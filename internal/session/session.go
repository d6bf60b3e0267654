// Package session implements the per-connection protocol state machine
// (SessionStateMachine, spec §4.7): it discriminates SOCKS5 from HTTP on
// the first byte, negotiates whichever protocol it finds, decides whether
// the destination is reached directly or through the tunnel, and drives
// the connection through its data phase until teardown.
//
// Each Session owns one goroutine and all of its own mutable state
// exclusively — the actor-per-connection shape internal/socks5/handler.go
// and internal/forward/handler.go both use for their own per-connection
// state, generalized here to also own the protocol-discrimination and
// tunnel-routing state the distilled spec adds. A thin read pump goroutine
// only moves bytes off the socket into the owning goroutine's event
// channel; it never touches session state itself.
package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/dualproxy/internal/egress"
	"github.com/postalsys/dualproxy/internal/httpframe"
	"github.com/postalsys/dualproxy/internal/logging"
	"github.com/postalsys/dualproxy/internal/metrics"
	"github.com/postalsys/dualproxy/internal/proxycore"
	"github.com/postalsys/dualproxy/internal/socks5udp"
	"github.com/postalsys/dualproxy/internal/tunnelframe"
	"github.com/postalsys/dualproxy/internal/udprelay"
)

// Mode is the session's protocol discrimination outcome.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeSocks5TCP
	ModeSocks5UDP
	ModeHTTPTunnel
	ModeHTTPTransparent
)

// String renders the mode the way internal/logging's KeySessionMode
// attribute expects.
func (m Mode) String() string {
	switch m {
	case ModeSocks5TCP:
		return "socks5_tcp"
	case ModeSocks5UDP:
		return "socks5_udp"
	case ModeHTTPTunnel:
		return "http_tunnel"
	case ModeHTTPTransparent:
		return "http_transparent"
	default:
		return "unknown"
	}
}

// Step is the session's progress through discrimination, negotiation, and
// data phase (spec.md §4.7).
type Step int

const (
	Step1Discriminate Step = 1
	Step2Negotiate    Step = 2
	Step3Data         Step = 3
)

// Route is the per-session direct-vs-tunneled decision.
type Route int

const (
	RouteUnknown Route = iota
	RouteDirect
	RouteTunneled
)

// Flags replaces the source's bag of boolean attributes with a single
// tagged bitset (spec.md §9).
type Flags uint8

const (
	// FlagReqAccepted is set once the tunnel has answered reqconn with a
	// successful respconn.
	FlagReqAccepted Flags = 1 << iota
	// FlagServerToldClose is set once the remote relay has signalled
	// teardown (tcp_data is_close=1, or a close frame) for this session.
	FlagServerToldClose
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// Timeouts from spec.md §5. HandshakeTimeout and IdleTimeout are vars,
// not consts, so cmd/dualproxy can override them from loaded
// configuration before starting the listener; a session reads them at
// Run time, so a post-startup change to these vars is not safe.
var (
	HandshakeTimeout = 15 * time.Second
	IdleTimeout      = egress.IdleTimeout
)

const IdleReArm = 10 * time.Second

const socks5Version = 0x05

// Socks5 command codes.
const (
	cmdConnect      = 0x01
	cmdUDPAssociate = 0x03
)

// Socks5 reply codes.
const (
	replySucceeded     = 0x00
	replyServerFailure = 0x05
)

// ErrProtocol is returned for any malformed SOCKS5/HTTP input this state
// machine cannot negotiate.
var ErrProtocol = errors.New("session: protocol error")

var errNeedMore = errors.New("session: need more data")

// Owner is the ListenerMultiplexer as seen from a Session: cookie id
// lifecycle and the tunnel's single ordered send entry point.
type Owner interface {
	// BindCookieID allocates and registers a cookie id for s, returning 0
	// on allocator exhaustion (spec.md §4.8, CookieExhausted).
	BindCookieID(s *Session) uint16
	// ReleaseCookieID releases a cookie id bound earlier by BindCookieID.
	ReleaseCookieID(id uint16, immediate bool)
	// SendTunnel is the multiplexer's single send entry point to the
	// tunnel transport; it preserves the emission order of frames for one
	// session (spec.md §5 ordering guarantees).
	SendTunnel(payload []byte) error
	// TunnelIsUp reports whether the tunnel transport is usable, queried
	// before a graceful close frame is emitted during teardown.
	TunnelIsUp() bool
	// Done tells the owner this session has torn down.
	Done(s *Session)
}

// Session is one accepted client connection driven through the SOCKS5/
// HTTP discrimination -> negotiation -> data phase state machine.
type Session struct {
	conn      net.Conn
	owner     Owner
	hostMatch proxycore.HostMatch
	isIPv6    bool
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mode  Mode
	step  Step
	route Route
	flags Flags

	cookieID uint16
	udpProto bool // true once a udp reqconn has been issued for this cookie

	inbuf bytes.Buffer

	direct *egress.Egress
	udp    *udprelay.Relay

	httpFramer *httpframe.Framer

	pendingFrames    [][]byte
	opened           bool
	teardownReason   string
	bytesTransferred uint64

	lastActivity time.Time

	events chan event

	closeOnce sync.Once
	done      chan struct{}
}

// event is the closed set of messages the owning goroutine processes;
// spec.md §9 calls out the source's "handler ctl" string commands as the
// motivation for a strongly-typed message set instead of dynamic dispatch.
type event interface{ isEvent() }

type evClientData struct{ data []byte }
type evClientErr struct{ err error }

type evEgressOK struct {
	ip   net.IP
	port uint16
}
type evEgressErr struct{ err error }
type evEgressData struct{ data []byte }
type evEgressClose struct{}

type evUDPOK struct {
	ip   net.IP
	port uint16
}
type evUDPTunnelSend struct {
	atyp    byte
	host    string
	port    uint16
	payload []byte
}
type evUDPClose struct{}

type evTunnelFrame struct{ frame tunnelframe.Frame }

func (evClientData) isEvent()    {}
func (evClientErr) isEvent()     {}
func (evEgressOK) isEvent()      {}
func (evEgressErr) isEvent()     {}
func (evEgressData) isEvent()    {}
func (evEgressClose) isEvent()   {}
func (evUDPOK) isEvent()         {}
func (evUDPTunnelSend) isEvent() {}
func (evUDPClose) isEvent()      {}
func (evTunnelFrame) isEvent()   {}

// New creates a session for an accepted client connection. isIPv6
// identifies the listener's address family (spec.md I7): the session's
// direct egress and UDP relay both honor it.
func New(conn net.Conn, owner Owner, hostMatch proxycore.HostMatch, isIPv6 bool, logger *slog.Logger, m *metrics.Metrics) *Session {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Session{
		conn:         conn,
		owner:        owner,
		hostMatch:    hostMatch,
		isIPv6:       isIPv6,
		logger:       logger,
		metrics:      m,
		step:         Step1Discriminate,
		lastActivity: time.Now(),
		events:       make(chan event, 64),
		done:         make(chan struct{}),
	}
}

// Deliver hands an inbound tunnel frame addressed to this session's
// cookie id to its owning goroutine. Safe to call from any goroutine; it
// silently drops the frame if the session has already torn down.
func (s *Session) Deliver(frame tunnelframe.Frame) {
	select {
	case s.events <- evTunnelFrame{frame: frame}:
	case <-s.done:
	}
}

// Run drives the session to completion. It blocks until teardown and
// must be called from the session's own goroutine.
func (s *Session) Run() {
	defer s.teardown()

	go s.readPump()

	handshakeTimer := time.NewTimer(HandshakeTimeout)
	defer handshakeTimer.Stop()

	var idleTimer *time.Timer
	idleC := func() <-chan time.Time {
		if idleTimer == nil {
			return nil
		}
		return idleTimer.C
	}

	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			s.lastActivity = time.Now()
			if err := s.handleEvent(ev); err != nil {
				s.logger.Debug("session teardown", logging.KeyError, err, logging.KeySessionMode, s.mode.String())
				s.teardownReason = classifyTeardown(err)
				return
			}
			if s.step == Step3Data && !s.opened {
				s.opened = true
				s.metrics.RecordSessionOpen(s.mode.String())
			}
			if s.step == Step3Data && s.route == RouteTunneled && idleTimer == nil {
				idleTimer = time.NewTimer(IdleTimeout)
				defer idleTimer.Stop()
			}

		case <-handshakeTimer.C:
			if s.step != Step3Data {
				s.logger.Debug("session handshake timeout")
				s.teardownReason = "handshake_timeout"
				return
			}

		case <-idleC():
			if time.Since(s.lastActivity) >= IdleTimeout {
				s.logger.Debug("session idle timeout")
				s.teardownReason = "idle_timeout"
				return
			}
			idleTimer.Reset(IdleReArm)
		}
	}
}

// readPump moves raw bytes off the client socket into the event channel.
// It never touches session state directly.
func (s *Session) readPump() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.events <- evClientData{data: chunk}:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case s.events <- evClientErr{err: err}:
			case <-s.done:
			}
			return
		}
	}
}

func (s *Session) handleEvent(ev event) error {
	switch e := ev.(type) {
	case evClientData:
		return s.handleClientData(e.data)
	case evClientErr:
		return e.err
	case evEgressOK:
		return s.handleEgressOK(e.ip, e.port)
	case evEgressErr:
		return s.handleEgressErr(e.err)
	case evEgressData:
		return s.handleEgressData(e.data)
	case evEgressClose:
		return s.handleEgressClose()
	case evUDPOK:
		return s.handleUDPOK(e.ip, e.port)
	case evUDPTunnelSend:
		return s.handleUDPTunnelSend(e.atyp, e.host, e.port, e.payload)
	case evUDPClose:
		return io.EOF
	case evTunnelFrame:
		return s.handleTunnelFrame(e.frame)
	default:
		return fmt.Errorf("session: unhandled event %T", ev)
	}
}

// handleClientData accumulates bytes into the parse buffer (steps 1-2) or
// forwards them directly once the data phase is reached (step 3).
func (s *Session) handleClientData(data []byte) error {
	if s.step == Step3Data {
		return s.forwardClientData(data)
	}
	s.inbuf.Write(data)
	return s.advance()
}

// advance drives the state machine forward as far as the buffered bytes
// allow, stopping (without error) when more data is needed.
func (s *Session) advance() error {
	for {
		switch s.step {
		case Step1Discriminate:
			done, err := s.tryDiscriminate()
			if err != nil || !done {
				return err
			}
		case Step2Negotiate:
			done, err := s.tryNegotiate()
			if err != nil || !done {
				return err
			}
		default:
			if s.inbuf.Len() > 0 {
				rest := append([]byte(nil), s.inbuf.Bytes()...)
				s.inbuf.Reset()
				return s.forwardClientData(rest)
			}
			return nil
		}
	}
}

// tryDiscriminate implements step 1: SOCKS5 vs. HTTP on the first byte.
func (s *Session) tryDiscriminate() (bool, error) {
	buf := s.inbuf.Bytes()
	if len(buf) < 1 {
		return false, nil
	}

	if buf[0] == socks5Version {
		methods, consumed, err := tryParseSocks5Greeting(buf)
		if err == errNeedMore {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		_ = methods // only NO AUTH (0x00) is ever offered, per spec.md Non-goals
		s.inbuf.Next(consumed)
		if _, err := s.conn.Write([]byte{socks5Version, 0x00}); err != nil {
			return false, err
		}
		s.step = Step2Negotiate
		return true, nil
	}

	return s.tryDiscriminateHTTP(buf)
}

func (s *Session) tryDiscriminateHTTP(buf []byte) (bool, error) {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(buf) > httpframe.MaxHeaderSize {
			return false, fmt.Errorf("%w: request header block too large", ErrProtocol)
		}
		return false, nil
	}

	block := buf[:idx+4]
	method, uri, _, header, err := parseHTTPRequestBlock(block)
	if err != nil {
		return false, err
	}
	s.inbuf.Next(idx + 4)

	if strings.EqualFold(method, "CONNECT") {
		s.mode = ModeHTTPTunnel
		return s.negotiateHTTPConnect(uri)
	}

	s.mode = ModeHTTPTransparent
	return s.negotiateHTTPTransparent(method, uri, header)
}

// tryNegotiate implements step 2 for SOCKS5 only; HTTP negotiation
// happens inline in tryDiscriminateHTTP since the whole request is framed
// by its own CRLF CRLF terminator rather than a separate fixed header.
func (s *Session) tryNegotiate() (bool, error) {
	buf := s.inbuf.Bytes()
	req, consumed, err := tryParseSocks5Request(buf)
	if err == errNeedMore {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.inbuf.Next(consumed)

	switch req.cmd {
	case cmdConnect:
		s.mode = ModeSocks5TCP
		return s.negotiateSocks5Connect(req)
	case cmdUDPAssociate:
		s.mode = ModeSocks5UDP
		return s.negotiateSocks5UDP(req)
	default:
		return false, fmt.Errorf("%w: unsupported SOCKS5 command %d", ErrProtocol, req.cmd)
	}
}

// negotiateSocks5Connect applies the routing decision for CMD=1 CONNECT.
func (s *Session) negotiateSocks5Connect(req socks5Request) (bool, error) {
	matched, flags := s.hostMatch.Match(req.host)
	if matched && flags == proxycore.RouteTunnelFlag {
		if err := s.routeTunneledTCP(req.host, req.port); err != nil {
			return false, err
		}
		s.step = Step3Data
		return true, nil
	}

	s.route = RouteDirect
	network := "tcp4"
	if s.isIPv6 {
		network = "tcp6"
	}
	addr := net.JoinHostPort(req.host, strconv.Itoa(int(req.port)))
	s.direct = egress.Dial(context.Background(), network, addr, s)
	s.step = Step3Data
	return true, nil
}

// negotiateSocks5UDP spawns a UdpRelay unconditionally: UDP tunneling is
// decided per-datagram, not at ASSOCIATE time (spec.md §4.7).
func (s *Session) negotiateSocks5UDP(req socks5Request) (bool, error) {
	s.mode = ModeSocks5UDP

	source := &net.UDPAddr{IP: net.ParseIP(req.host), Port: int(req.port)}
	if source.IP == nil || source.IP.IsUnspecified() {
		if tcp, ok := s.conn.RemoteAddr().(*net.TCPAddr); ok {
			source.IP = tcp.IP
		}
	}

	relay, err := udprelay.New(s.isIPv6, source, udpHostMatchAdapter{s.hostMatch}, s)
	if err != nil {
		if werr := s.writeSocks5Reply(replyServerFailure, nil, 0); werr != nil {
			return false, werr
		}
		return false, err
	}
	s.udp = relay
	s.step = Step3Data
	return true, nil
}

// negotiateHTTPConnect applies the routing decision for HTTP CONNECT
// (tunnel mode): "CONNECT host:port HTTP/1.1".
func (s *Session) negotiateHTTPConnect(target string) (bool, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return false, fmt.Errorf("%w: malformed CONNECT target %q", ErrProtocol, target)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return false, fmt.Errorf("%w: malformed CONNECT port %q", ErrProtocol, portStr)
	}

	matched, flags := s.hostMatch.Match(host)
	if matched && flags == proxycore.RouteTunnelFlag {
		atyp := addrTypeFor(host)
		if err := s.routeTunneledTCP(host, uint16(port)); err != nil {
			return false, err
		}
		_ = atyp
		s.step = Step3Data
		return true, nil
	}

	s.route = RouteDirect
	network := "tcp4"
	if s.isIPv6 {
		network = "tcp6"
	}
	s.direct = egress.Dial(context.Background(), network, net.JoinHostPort(host, portStr), s)
	s.step = Step3Data
	return true, nil
}

// negotiateHTTPTransparent applies the routing decision for an absolute-
// URI request and queues the rewritten request for forwarding.
func (s *Session) negotiateHTTPTransparent(method, rawURI string, header textproto.MIMEHeader) (bool, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return false, fmt.Errorf("%w: malformed request-URI %q", ErrProtocol, rawURI)
	}
	if u.Scheme != "http" {
		return false, fmt.Errorf("%w: only http:// absolute-URIs are supported, got %q", ErrProtocol, u.Scheme)
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "80"
	}

	header.Del("Proxy-Connection")
	rewritten := rebuildHTTPRequest(method, u, header)

	s.httpFramer = httpframe.New()

	matched, flags := s.hostMatch.Match(host)
	if matched && flags == proxycore.RouteTunnelFlag {
		if err := s.routeTunneledTCP(host, mustParsePort(port)); err != nil {
			return false, err
		}
		s.queueOrSendTCPData(rewritten)
		s.step = Step3Data
		return true, nil
	}

	s.route = RouteDirect
	network := "tcp4"
	if s.isIPv6 {
		network = "tcp6"
	}
	s.direct = egress.Dial(context.Background(), network, net.JoinHostPort(host, port), s)
	s.pendingFrames = append(s.pendingFrames, rewritten) // flushed once direct connect succeeds
	s.step = Step3Data
	return true, nil
}

// routeTunneledTCP binds a cookie id (if not already bound) and emits the
// reqconn frame for a TCP destination.
func (s *Session) routeTunneledTCP(host string, port uint16) error {
	s.route = RouteTunneled
	if s.cookieID == 0 {
		id := s.owner.BindCookieID(s)
		if id == 0 {
			s.metrics.RecordCookieAllocFailure()
			s.writeSocks5Reply(replyServerFailure, nil, 0)
			return fmt.Errorf("session: cookie id allocator exhausted")
		}
		s.cookieID = id
		s.metrics.RecordCookieBind()
	}

	frame, err := tunnelframe.BuildReqConn(s.cookieID, tunnelframe.ProtoTCP, addrTypeFor(host), host, port)
	if err != nil {
		return err
	}
	return s.owner.SendTunnel(frame)
}

// forwardClientData implements step 3's client->origin direction.
func (s *Session) forwardClientData(data []byte) error {
	switch {
	case s.route == RouteDirect:
		if s.direct == nil {
			return fmt.Errorf("session: no direct egress for client data")
		}
		s.metrics.RecordBytesRelayed(metrics.RouteDirect, metrics.DirectionClientToOrigin, len(data))
		s.bytesTransferred += uint64(len(data))
		return s.direct.Write(data)

	case s.route == RouteTunneled:
		s.metrics.RecordBytesRelayed(metrics.RouteTunneled, metrics.DirectionClientToOrigin, len(data))
		s.bytesTransferred += uint64(len(data))
		frame := tunnelframe.BuildTCPData(s.cookieID, false, data)
		s.queueOrSendTCPData(frame)
		return nil

	default:
		return fmt.Errorf("session: client data with no route decided")
	}
}

// queueOrSendTCPData implements I3: data frames are queued until the
// tunnel has accepted the connect request, then drained in FIFO order.
func (s *Session) queueOrSendTCPData(frame []byte) {
	if s.flags.has(FlagReqAccepted) {
		s.owner.SendTunnel(frame)
		return
	}
	s.pendingFrames = append(s.pendingFrames, frame)
}

// handleEgressOK implements tell_socks_ok for a direct TCP egress.
func (s *Session) handleEgressOK(ip net.IP, port uint16) error {
	switch s.mode {
	case ModeSocks5TCP:
		return s.writeSocks5Reply(replySucceeded, ip, port)
	case ModeHTTPTunnel:
		return s.writeHTTPConnectEstablished()
	case ModeHTTPTransparent:
		return s.flushPendingDirectFrames()
	}
	return nil
}

func (s *Session) handleEgressErr(err error) error {
	switch s.mode {
	case ModeSocks5TCP:
		s.writeSocks5Reply(replyServerFailure, nil, 0)
	case ModeHTTPTunnel, ModeHTTPTransparent:
		// teardown without a synthesised error page, per spec.md §7.
	}
	return fmt.Errorf("session: direct egress failed: %w", err)
}

func (s *Session) handleEgressData(data []byte) error {
	s.metrics.RecordBytesRelayed(metrics.RouteDirect, metrics.DirectionOriginToClient, len(data))
	s.bytesTransferred += uint64(len(data))
	if s.mode == ModeHTTPTransparent {
		return s.feedHTTPFramer(data)
	}
	_, err := s.conn.Write(data)
	return err
}

// handleEgressClose implements the direct-egress EOF path. For a
// close-delimited HTTP response (no Content-Length, not chunked), the
// origin closing is the signal that the body is complete, so the framer
// is told, and anything still left in its output is written to the client
// before the session ends.
func (s *Session) handleEgressClose() error {
	if s.mode == ModeHTTPTransparent && s.httpFramer != nil {
		s.httpFramer.NotifyClosed()
		if out := s.httpFramer.Drain(); len(out) > 0 {
			if _, err := s.conn.Write(out); err != nil {
				return err
			}
		}
	}
	return io.EOF
}

func (s *Session) flushPendingDirectFrames() error {
	pending := s.pendingFrames
	s.pendingFrames = nil
	for _, f := range pending {
		if err := s.direct.Write(f); err != nil {
			return err
		}
	}
	return nil
}

// handleUDPOK implements tell_socks_ok for the UDP relay: it replies to
// the original SOCKS5 UDP ASSOCIATE request with the relay's bound port.
func (s *Session) handleUDPOK(ip net.IP, port uint16) error {
	return s.writeSocks5Reply(replySucceeded, ip, port)
}

// handleUDPTunnelSend implements udp_tunnel_send: the relay decided a
// client-origin datagram should go via the tunnel instead of direct.
func (s *Session) handleUDPTunnelSend(atyp byte, host string, port uint16, payload []byte) error {
	s.route = RouteTunneled
	if s.cookieID == 0 {
		id := s.owner.BindCookieID(s)
		if id == 0 {
			s.metrics.RecordCookieAllocFailure()
			return fmt.Errorf("session: cookie id allocator exhausted (udp)")
		}
		s.cookieID = id
		s.metrics.RecordCookieBind()
		reqFrame, err := tunnelframe.BuildReqConn(s.cookieID, tunnelframe.ProtoUDP, atyp, host, port)
		if err != nil {
			return err
		}
		if err := s.owner.SendTunnel(reqFrame); err != nil {
			return err
		}
		s.udpProto = true
	}

	frame, err := tunnelframe.BuildUDPData(s.cookieID, atyp, host, port, payload)
	if err != nil {
		return err
	}
	s.queueOrSendTCPData(frame) // same FIFO-until-accepted discipline (I3)
	return nil
}

// handleTunnelFrame implements the inbound half of step 3 for tunneled
// routes: respconn, tcp_data, udp_data, and the remote's own close.
func (s *Session) handleTunnelFrame(frame tunnelframe.Frame) error {
	switch {
	case frame.RespConn != nil:
		return s.handleRespConn(*frame.RespConn)
	case frame.TCPData != nil:
		return s.handleInboundTCPData(*frame.TCPData)
	case frame.UDPData != nil:
		return s.handleInboundUDPData(*frame.UDPData)
	case frame.Close != nil:
		s.flags |= FlagServerToldClose
		return io.EOF
	}
	return nil
}

func (s *Session) handleRespConn(resp tunnelframe.RespConn) error {
	if !resp.Success() {
		switch s.mode {
		case ModeSocks5TCP, ModeSocks5UDP:
			s.writeSocks5Reply(replyServerFailure, nil, 0)
		}
		return fmt.Errorf("session: tunnel declined connect request")
	}

	s.flags |= FlagReqAccepted

	switch s.mode {
	case ModeSocks5TCP:
		if err := s.writeSocks5Reply(replySucceeded, nil, 0); err != nil {
			return err
		}
	case ModeHTTPTunnel:
		if err := s.writeHTTPConnectEstablished(); err != nil {
			return err
		}
	}

	pending := s.pendingFrames
	s.pendingFrames = nil
	for _, f := range pending {
		if err := s.owner.SendTunnel(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handleInboundTCPData(d tunnelframe.TCPData) error {
	if d.IsClose {
		s.flags |= FlagServerToldClose
		return io.EOF
	}
	s.metrics.RecordBytesRelayed(metrics.RouteTunneled, metrics.DirectionOriginToClient, len(d.Payload))
	s.bytesTransferred += uint64(len(d.Payload))
	if s.mode == ModeHTTPTransparent {
		return s.feedHTTPFramer(d.Payload)
	}
	_, err := s.conn.Write(d.Payload)
	return err
}

func (s *Session) handleInboundUDPData(d tunnelframe.UDPData) error {
	if s.udp == nil {
		return nil
	}
	ip := net.ParseIP(d.Host)
	return s.udp.SendToClient(ip, d.Port, d.Payload)
}

// feedHTTPFramer implements invariant I4: no response bytes reach the
// client until the framer has at least the headers, and the session
// closes cleanly once the body is fully framed.
func (s *Session) feedHTTPFramer(data []byte) error {
	if err := s.httpFramer.Feed(data); err != nil {
		return err
	}
	if out := s.httpFramer.Drain(); len(out) > 0 {
		if _, err := s.conn.Write(out); err != nil {
			return err
		}
	}
	if s.httpFramer.Finished() {
		return io.EOF
	}
	return nil
}

func (s *Session) writeSocks5Reply(reply byte, bindIP net.IP, bindPort uint16) error {
	atyp := byte(socks5udp.AddrTypeIPv4)
	addrBytes := make([]byte, 4)
	if bindIP != nil {
		if v4 := bindIP.To4(); v4 != nil {
			addrBytes = v4
		} else {
			atyp = socks5udp.AddrTypeIPv6
			addrBytes = bindIP.To16()
		}
	}
	buf := make([]byte, 4+len(addrBytes)+2)
	buf[0] = socks5Version
	buf[1] = reply
	buf[3] = atyp
	copy(buf[4:], addrBytes)
	binary.BigEndian.PutUint16(buf[4+len(addrBytes):], bindPort)
	_, err := s.conn.Write(buf)
	return err
}

func (s *Session) writeHTTPConnectEstablished() error {
	_, err := s.conn.Write([]byte("HTTP/1.1 200 Connection Established\r\nServer: Proxy-Server\r\nConnection: Keep-Alive\r\n\r\n"))
	return err
}

// teardown releases all resources this session owns. It is safe to call
// more than once.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)

		if s.opened {
			reason := s.teardownReason
			if reason == "" {
				reason = "client_eof"
			}
			s.metrics.RecordSessionClose(s.mode.String(), reason)
			s.logger.Debug("session closed",
				logging.KeyCookieID, s.cookieID,
				logging.KeySessionMode, s.mode.String(),
				"reason", reason,
				"bytes_transferred", humanize.Bytes(s.bytesTransferred))
		}

		if s.cookieID != 0 {
			tunnelUp := s.owner.TunnelIsUp()
			immediate := s.flags.has(FlagServerToldClose) || !tunnelUp
			if !s.flags.has(FlagServerToldClose) && tunnelUp {
				s.owner.SendTunnel(tunnelframe.BuildClose(s.cookieID))
			}
			s.owner.ReleaseCookieID(s.cookieID, immediate)
			s.metrics.RecordCookieRelease()
		}
		if s.direct != nil {
			s.direct.Close()
		}
		if s.udp != nil {
			s.udp.Close()
		}
		s.conn.Close()
		s.owner.Done(s)
	})
}

// classifyTeardown maps an internal teardown error to a coarse metrics
// label, avoiding unbounded label cardinality from raw error text.
func classifyTeardown(err error) string {
	switch {
	case errors.Is(err, io.EOF):
		return "peer_eof"
	case errors.Is(err, ErrProtocol):
		return "protocol_error"
	default:
		return "error"
	}
}

// --- Egress/UdpRelay owner adapters -------------------------------------

// TellSocksOK implements egress.Owner and udprelay.Owner. Mode is already
// settled to ModeSocks5UDP before udprelay.New can call back into this
// method, so the two owners never race over which event type to emit.
func (s *Session) TellSocksOK(ip net.IP, port uint16) {
	if s.mode == ModeSocks5UDP {
		s.sendEvent(evUDPOK{ip: ip, port: port})
		return
	}
	s.sendEvent(evEgressOK{ip: ip, port: port})
}

// TellError implements egress.Owner.
func (s *Session) TellError(err error) {
	s.sendEvent(evEgressErr{err: err})
}

// TellData implements egress.Owner.
func (s *Session) TellData(payload []byte) {
	s.sendEvent(evEgressData{data: payload})
}

// TellClose implements egress.Owner and udprelay.Owner.
func (s *Session) TellClose() {
	if s.udp != nil && s.direct == nil {
		s.sendEvent(evUDPClose{})
		return
	}
	s.sendEvent(evEgressClose{})
}

// TellTunnelSend implements udprelay.Owner.
func (s *Session) TellTunnelSend(atyp byte, host string, port uint16, payload []byte) {
	s.sendEvent(evUDPTunnelSend{atyp: atyp, host: host, port: port, payload: payload})
}

func (s *Session) sendEvent(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// --- parsing helpers ------------------------------------------------------

type socks5Request struct {
	cmd  byte
	atyp byte
	host string
	port uint16
}

func tryParseSocks5Greeting(buf []byte) (methods []byte, consumed int, err error) {
	if len(buf) < 2 {
		return nil, 0, errNeedMore
	}
	if buf[0] != socks5Version {
		return nil, 0, fmt.Errorf("%w: bad socks5 version %d", ErrProtocol, buf[0])
	}
	n := int(buf[1])
	if len(buf) < 2+n {
		return nil, 0, errNeedMore
	}
	return buf[2 : 2+n], 2 + n, nil
}

func tryParseSocks5Request(buf []byte) (req socks5Request, consumed int, err error) {
	if len(buf) < 4 {
		return req, 0, errNeedMore
	}
	if buf[0] != socks5Version {
		return req, 0, fmt.Errorf("%w: bad socks5 version %d", ErrProtocol, buf[0])
	}
	atyp := buf[3]

	addrLen, needMore, valid := addrByteLen(atyp, buf[4:])
	if !valid {
		return req, 0, fmt.Errorf("%w: unsupported ATYP %d", ErrProtocol, atyp)
	}
	if needMore {
		return req, 0, errNeedMore
	}
	if len(buf) < 4+addrLen+2 {
		return req, 0, errNeedMore
	}

	host, _, err := socks5udp.DecodeAddr(atyp, buf[4:4+addrLen])
	if err != nil {
		return req, 0, err
	}
	port := binary.BigEndian.Uint16(buf[4+addrLen : 4+addrLen+2])

	req = socks5Request{cmd: buf[1], atyp: atyp, host: host, port: port}
	return req, 4 + addrLen + 2, nil
}

func addrByteLen(atyp byte, rest []byte) (n int, needMore bool, valid bool) {
	switch atyp {
	case socks5udp.AddrTypeIPv4:
		return 4, false, true
	case socks5udp.AddrTypeIPv6:
		return 16, false, true
	case socks5udp.AddrTypeDomain:
		if len(rest) < 1 {
			return 0, true, true
		}
		return 1 + int(rest[0]), false, true
	default:
		return 0, false, false
	}
}

func parseHTTPRequestBlock(block []byte) (method, uri, proto string, header textproto.MIMEHeader, err error) {
	lineEnd := bytes.IndexByte(block, '\n')
	if lineEnd < 0 {
		return "", "", "", nil, fmt.Errorf("%w: missing request line", ErrProtocol)
	}
	requestLine := strings.TrimRight(string(block[:lineEnd]), "\r\n")
	fields := strings.SplitN(requestLine, " ", 3)
	if len(fields) != 3 {
		return "", "", "", nil, fmt.Errorf("%w: malformed request line %q", ErrProtocol, requestLine)
	}

	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(block[lineEnd+1:])))
	hdr, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return "", "", "", nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return fields[0], fields[1], fields[2], hdr, nil
}

// rebuildHTTPRequest implements the absolute-URI-to-origin-form rewrite:
// "METHOD path HTTP/1.1" with the path preserving query, Host filled from
// the URI, and every other header (minus Proxy-Connection) carried over.
func rebuildHTTPRequest(method string, u *url.URL, header textproto.MIMEHeader) []byte {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, path)
	if header.Get("Host") == "" {
		fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	}
	for name, values := range header {
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func addrTypeFor(host string) byte {
	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		return socks5udp.AddrTypeDomain
	case ip.To4() != nil:
		return socks5udp.AddrTypeIPv4
	default:
		return socks5udp.AddrTypeIPv6
	}
}

func mustParsePort(s string) uint16 {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 80
	}
	return uint16(n)
}

// udpHostMatchAdapter adapts proxycore.HostMatch to udprelay.HostMatch
// (an identical shape, kept distinct per package so udprelay doesn't
// depend on proxycore).
type udpHostMatchAdapter struct {
	hostMatch proxycore.HostMatch
}

func (a udpHostMatchAdapter) Match(host string) (bool, int) {
	if a.hostMatch == nil {
		return false, 0
	}
	return a.hostMatch.Match(host)
}
