// Package netio implements the managed UDP socket layer: bind, multicast
// group membership, ACL-gated receive, and unicast/multicast send. The
// engine package depends only on the ManagedSocket interface defined here.
package netio

import (
	"context"
	"net/netip"
)

// Family selects an IP address family for multicast operations, since a
// single interface may carry independent IPv4 and IPv6 multicast targets.
type Family int

// Recognized address families.
const (
	FamilyV4 Family = iota
	FamilyV6
)

// String implements fmt.Stringer.
func (f Family) String() string {
	if f == FamilyV6 {
		return "ipv6"
	}
	return "ipv4"
}

// ACL gates inbound datagrams by source address. An empty ACL (the zero
// value) accepts everything.
type ACL struct {
	// Allow lists prefixes permitted to send inbound datagrams. Empty
	// means accept all (default_accept).
	Allow []netip.Prefix
	// Deny lists prefixes rejected even if also matched by Allow; deny
	// takes precedence.
	Deny []netip.Prefix
}

// Permits reports whether addr is allowed by the ACL.
func (a ACL) Permits(addr netip.Addr) bool {
	for _, p := range a.Deny {
		if p.Contains(addr) {
			return false
		}
	}
	if len(a.Allow) == 0 {
		return true
	}
	for _, p := range a.Allow {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// SocketConfig is the managed socket's configuration carrier.
type SocketConfig struct {
	ACL ACL

	BindV4 netip.Addr
	BindV6 netip.Addr

	MulticastV4 netip.Addr
	MulticastV6 netip.Addr

	UnicastPort   uint16
	MulticastPort uint16

	// InterfaceName binds the socket to a specific device (SO_BINDTODEVICE)
	// unless cleared by the engine's "_unicast_" special case.
	InterfaceName string
}

// Datagram is one received UDP payload together with its origin, handed
// from a ManagedSocket to the single-threaded dispatcher that feeds the
// engine's receive path.
type Datagram struct {
	Src     netip.AddrPort
	Payload []byte
}

// SettingsChangedFunc is invoked when an externally detected condition
// (e.g. the underlying link changing MTU) requires the owning Interface
// to be notified.
type SettingsChangedFunc func()

// ManagedSocket is the engine's view of a UDP socket bound to one local
// interface. One exists per Interface. Implementations handle bind,
// multicast join/leave, ACL filtering, and non-blocking send.
type ManagedSocket interface {
	// Apply pushes a new configuration into the socket.
	Apply(cfg SocketConfig) error

	// IsActive reports whether the socket currently has a live binding
	// for family. Used by the send path to short-circuit sends when the
	// family isn't bound.
	IsActive(family Family) bool

	// SendUnicast transmits buf to dst.
	SendUnicast(dst netip.AddrPort, buf []byte) error

	// SendMulticast transmits buf to the socket's configured multicast
	// group for family; the destination address is implicit in the
	// socket's own multicast configuration.
	SendMulticast(family Family, buf []byte) error

	// Run reads datagrams until ctx is done, filtering by ACL and
	// forwarding the rest to out. It is safe to call Run concurrently
	// with Apply/Send*; IsActive/Close synchronize internally.
	Run(ctx context.Context, out chan<- Datagram) error

	// Close releases the socket. If purge is true, any in-flight
	// outbound state is dropped immediately; if false, in-flight sends
	// are allowed to drain.
	Close(purge bool) error
}
