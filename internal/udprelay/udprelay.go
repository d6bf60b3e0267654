// Package udprelay implements the per-session SOCKS5 UDP ASSOCIATE relay
// socket: it binds one ephemeral UDP port, tells datagrams from the
// associated client apart from replies by source address, and applies the
// reply-port admission control the original relay enforced with its
// permits table.
package udprelay

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/dualproxy/internal/socks5udp"
)

// IdleTimeout is how long the relay may go without any datagram before
// tearing itself down.
const IdleTimeout = 180 * time.Second

// replyRate bounds how many reply datagrams per second a single relay will
// forward to the client, guarding against a compromised or misbehaving
// origin flooding the client connection.
const replyRate = 200

// ErrClosed is returned by SendToClient once the relay has torn down.
var ErrClosed = errors.New("udprelay: closed")

// Owner receives relay lifecycle events and tunnel-bound datagrams.
type Owner interface {
	// TellSocksOK reports the bound relay address, used to fill the SOCKS5
	// UDP ASSOCIATE reply.
	TellSocksOK(localAddr net.IP, localPort uint16)

	// TellTunnelSend reports a client-origin datagram whose destination
	// matched the tunnel routing policy; the caller is responsible for
	// wrapping it in a tunnel udp_data frame.
	TellTunnelSend(atyp byte, host string, port uint16, payload []byte)

	// TellClose reports that the relay has idled out or failed.
	TellClose()
}

// HostMatch is the routing-policy oracle consulted for ATYP=3 (domain)
// client-origin datagrams.
type HostMatch interface {
	Match(host string) (matched bool, flags int)
}

// Relay is one SOCKS5 UDP ASSOCIATE relay socket.
type Relay struct {
	owner     Owner
	hostMatch HostMatch
	isIPv6    bool
	source    *net.UDPAddr

	conn *net.UDPConn

	mu                 sync.Mutex
	admittedReplyPorts map[int]struct{}
	closed             bool
	idleTimer          *time.Timer
	limiter            *rate.Limiter
}

// New binds an ephemeral UDP socket of the requested family, reports the
// bound address to owner, and starts relaying. source is the client's
// (address, port) pair exactly as named in the SOCKS5 UDP ASSOCIATE
// request — datagrams from that pair are treated as client-origin;
// everything else is a candidate reply subject to port admission.
func New(isIPv6 bool, source *net.UDPAddr, hostMatch HostMatch, owner Owner) (*Relay, error) {
	network := "udp4"
	bindIP := net.IPv4zero
	if isIPv6 {
		network = "udp6"
		bindIP = net.IPv6unspecified
	}

	conn, err := net.ListenUDP(network, &net.UDPAddr{IP: bindIP, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("udprelay: bind: %w", err)
	}

	r := &Relay{
		owner:              owner,
		hostMatch:          hostMatch,
		isIPv6:             isIPv6,
		source:             source,
		conn:               conn,
		admittedReplyPorts: make(map[int]struct{}),
		limiter:            rate.NewLimiter(rate.Limit(replyRate), replyRate),
	}
	r.idleTimer = time.AfterFunc(IdleTimeout, func() { r.teardown(true) })

	local := conn.LocalAddr().(*net.UDPAddr)
	owner.TellSocksOK(local.IP, uint16(local.Port))

	go r.readLoop()

	return r, nil
}

func (r *Relay) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			r.teardown(true)
			return
		}
		r.resetIdleTimer()

		data := make([]byte, n)
		copy(data, buf[:n])

		if addr.IP.Equal(r.source.IP) && addr.Port == r.source.Port {
			r.handleClientOrigin(data)
			continue
		}
		r.handleReplyOrigin(addr, data)
	}
}

// handleClientOrigin decodes a datagram sent by the associated client and
// either hands it to the owner for tunnel delivery or sends it straight to
// the requested origin.
func (r *Relay) handleClientOrigin(data []byte) {
	dgram, err := socks5udp.Decode(data)
	if err != nil {
		return
	}
	if dgram.Frag != 0 {
		return
	}
	if r.isIPv6 && dgram.AddrType != socks5udp.AddrTypeDomain && dgram.AddrType != socks5udp.AddrTypeIPv6 {
		return
	}
	if !r.isIPv6 && dgram.AddrType != socks5udp.AddrTypeDomain && dgram.AddrType != socks5udp.AddrTypeIPv4 {
		return
	}

	r.admitReplyPort(int(dgram.Port))

	if dgram.AddrType == socks5udp.AddrTypeDomain {
		if matched, flags := r.hostMatch.Match(dgram.Host); matched && flags == 1 {
			r.owner.TellTunnelSend(dgram.AddrType, dgram.Host, dgram.Port, dgram.Payload)
			return
		}
	}

	dest := net.JoinHostPort(dgram.Host, fmt.Sprintf("%d", dgram.Port))
	raddr, err := net.ResolveUDPAddr(r.network(), dest)
	if err != nil {
		return
	}
	r.conn.WriteToUDP(dgram.Payload, raddr)
}

// handleReplyOrigin forwards a datagram from an origin back to the client,
// subject to the reply-port admission set populated by prior
// client-origin datagrams (I6).
func (r *Relay) handleReplyOrigin(from *net.UDPAddr, payload []byte) {
	if !r.isAdmittedReplyPort(from.Port) {
		return
	}
	r.SendToClient(from.IP, uint16(from.Port), payload)
}

// SendToClient wraps payload as a SOCKS5 UDP reply datagram and sends it to
// the associated client. It is also the path used for udp_data frames
// arriving from the tunnel.
func (r *Relay) SendToClient(originIP net.IP, originPort uint16, payload []byte) error {
	r.mu.Lock()
	closed := r.closed
	limiter := r.limiter
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !limiter.Allow() {
		return nil
	}

	atyp := byte(socks5udp.AddrTypeIPv4)
	if r.isIPv6 {
		atyp = socks5udp.AddrTypeIPv6
	}
	encoded, err := socks5udp.Encode(0, atyp, originIP.String(), originPort, payload)
	if err != nil {
		return err
	}
	_, err = r.conn.WriteToUDP(encoded, r.source)
	return err
}

func (r *Relay) admitReplyPort(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admittedReplyPorts[port] = struct{}{}
}

func (r *Relay) isAdmittedReplyPort(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.admittedReplyPorts[port]
	return ok
}

func (r *Relay) network() string {
	if r.isIPv6 {
		return "udp6"
	}
	return "udp4"
}

func (r *Relay) resetIdleTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.idleTimer.Reset(IdleTimeout)
}

// Close tears the relay down without notifying the owner.
func (r *Relay) Close() {
	r.teardown(false)
}

func (r *Relay) teardown(notify bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.idleTimer.Stop()
	r.mu.Unlock()

	r.conn.Close()
	if notify {
		r.owner.TellClose()
	}
}
