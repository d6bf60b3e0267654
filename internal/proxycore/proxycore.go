// Package proxycore defines the external-collaborator interfaces that the
// dual-protocol proxy front-end consumes: the host-match policy oracle and
// the encrypted tunnel transport. Neither is implemented here — this core
// only depends on the interfaces, per the boundary the design draws around
// them (spec.md §1, §6).
//
// The third external collaborator named by the spec, the reactor/event
// loop, is not represented by an interface here: this implementation
// honors its contract (no handler blocks a shared thread on I/O) by giving
// every SessionStateMachine its own owning goroutine and driving timers
// with the standard library's time.AfterFunc, rather than by routing every
// callback through an injected Reactor type. See SPEC_FULL.md's
// concurrency note and DESIGN.md for the rationale.
package proxycore

// ActSocks is the tunnel action tag under which all frames built by
// internal/tunnelframe travel.
const ActSocks uint8 = 3

// RouteTunnelFlag is the HostMatch flags value meaning "route via tunnel".
const RouteTunnelFlag = 1

// HostMatch is the routing-policy oracle. Matched+flags==RouteTunnelFlag
// means "route this destination via the tunnel"; any other combination
// means "bypass directly to the origin."
type HostMatch interface {
	Match(host string) (matched bool, flags int)
}

// HostMatchFunc adapts a plain function to HostMatch.
type HostMatchFunc func(host string) (bool, int)

// Match implements HostMatch.
func (f HostMatchFunc) Match(host string) (bool, int) { return f(host) }

// Tunnel is the pre-established encrypted transport to the remote relay.
// SendMessage is fire-and-forget; ordering of messages sent by one caller
// is preserved by the transport.
type Tunnel interface {
	// SendMessage queues actionTag-tagged payload bytes for transmission.
	SendMessage(actionTag uint8, payload []byte) error

	// IsUp reports whether the tunnel transport is currently usable. It is
	// queried before emitting a graceful close frame during teardown.
	IsUp() bool
}
