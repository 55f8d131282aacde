package engine

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/dantte-lp/rfc5444d/internal/netio"
)

// Interface is one per named local network interface within a protocol.
type Interface struct {
	name     string
	protocol *Protocol

	// isUnspecific is true for the reserved "_unicast_" name, checked
	// once at creation time rather than via repeated string comparisons;
	// the textual name is kept only for configuration compatibility.
	isUnspecific bool

	socket       netio.ManagedSocket
	socketConfig netio.SocketConfig

	mcastV4 *Target
	mcastV6 *Target

	targets   map[netip.Addr]*Target
	listeners []*Listener

	refcount int
}

// Name returns the interface's configured name.
func (ifc *Interface) Name() string { return ifc.name }

// Socket returns ifc's managed socket, primarily so tests can inspect
// activation state through a *netio.MockSocket.
func (ifc *Interface) Socket() netio.ManagedSocket { return ifc.socket }

func socketFamily(f uint8) netio.Family {
	if f == familyV6 {
		return netio.FamilyV6
	}
	return netio.FamilyV4
}

// AddInterface looks up or creates the named interface within p. Idempotent
// on name within protocol; refcount is incremented unconditionally on every
// call, both fresh and existing.
func (e *Engine) AddInterface(p *Protocol, listener *Listener, name string) *Interface {
	key := strings.ToLower(name)
	ifc, existing := p.interfaces[key]
	if !existing {
		ifc = &Interface{
			name:         name,
			protocol:     p,
			isUnspecific: key == strings.ToLower(UnicastInterfaceName),
			targets:      make(map[netip.Addr]*Target),
		}
		ifc.socket = e.newSocket(e.logger)
		p.interfaces[key] = ifc
		e.retainProtocol(p)
	}

	ifc.refcount++

	if listener != nil {
		attachListener(ifc, listener)
	}
	return ifc
}

// RemoveInterface detaches listener (if attached) and releases ifc.
func (e *Engine) RemoveInterface(ifc *Interface, listener *Listener) {
	if listener != nil && listener.iface == ifc {
		detachListener(ifc, listener)
	}
	e.releaseInterface(ifc)
}

// retainInterface increments ifc's refcount on behalf of a unicast
// target's creation.
func (e *Engine) retainInterface(ifc *Interface) {
	ifc.refcount++
}

// releaseInterface decrements ifc's refcount, tearing the interface down
// when it reaches zero: multicast targets are destroyed, the interface is
// removed from its protocol's index, the protocol is released, and the
// managed socket is closed allowing in-flight sends to drain.
func (e *Engine) releaseInterface(ifc *Interface) {
	ifc.refcount--
	if ifc.refcount > 0 {
		return
	}

	if ifc.mcastV4 != nil {
		e.teardownTarget(ifc.mcastV4)
		ifc.mcastV4 = nil
	}
	if ifc.mcastV6 != nil {
		e.teardownTarget(ifc.mcastV6)
		ifc.mcastV6 = nil
	}

	delete(ifc.protocol.interfaces, strings.ToLower(ifc.name))
	e.releaseProtocol(ifc.protocol)

	if err := ifc.socket.Close(false); err != nil {
		e.logger.Warn("close managed socket", "interface", ifc.name, "error", err)
	}
}

// ReconfigureInterface pushes cfg (or the cached configuration, if cfg is
// nil — e.g. after a protocol port change) down into ifc's managed socket
// and reconciles its multicast targets and listeners.
func (e *Engine) ReconfigureInterface(ifc *Interface, cfg *netio.SocketConfig) error {
	if cfg != nil {
		merged := *cfg
		merged.InterfaceName = ifc.name
		ifc.socketConfig = merged
	}
	cached := &ifc.socketConfig

	if cached.MulticastPort == 0 {
		cached.MulticastPort = ifc.protocol.port
	}
	if ifc.protocol.fixedLocalPort && cached.UnicastPort == 0 {
		cached.UnicastPort = ifc.protocol.port
	}

	// Unicast-interface special case: no multicast groups, no device bind.
	if ifc.isUnspecific {
		cached.MulticastV4 = netip.Addr{}
		cached.MulticastV6 = netip.Addr{}
		cached.UnicastPort = ifc.protocol.port
		cached.InterfaceName = ""
	}

	if ifc.protocol.port == 0 {
		e.logger.Debug("delay configuration: protocol port not yet set",
			"protocol", ifc.protocol.name, "interface", ifc.name)
		return nil
	}

	if err := ifc.socket.Apply(*cached); err != nil {
		return fmt.Errorf("apply socket config: %w", err)
	}

	e.reconfigureMulticastTarget(ifc, netio.FamilyV4, cached.MulticastV4)
	e.reconfigureMulticastTarget(ifc, netio.FamilyV6, cached.MulticastV6)

	notifyListeners(ifc, true)
	return nil
}

// reconfigureMulticastTarget saves the current multicast target for family,
// and if the new address is valid, tries to create a replacement. On
// success the old target is destroyed; on failure the old target is
// retained and a warning logged. If the new address is invalid (the
// operator cleared the multicast group), the old target is torn down
// unconditionally rather than left running against a disabled group.
func (e *Engine) reconfigureMulticastTarget(ifc *Interface, family netio.Family, addr netip.Addr) {
	slot := &ifc.mcastV4
	famByte := familyV4
	if family == netio.FamilyV6 {
		slot = &ifc.mcastV6
		famByte = familyV6
	}

	old := *slot
	if !addr.IsValid() {
		*slot = nil
		if old != nil {
			e.teardownTarget(old)
			e.reportTargetsActive(ifc)
		}
		return
	}

	if e.multicastRegisterHook != nil {
		if err := e.multicastRegisterHook(family, addr); err != nil {
			e.logger.Warn("multicast target creation failed, keeping previous target",
				"interface", ifc.name, "family", family,
				"error", fmt.Errorf("%w: %w", ErrMulticastTargetCreate, err))
			return
		}
	}

	next := e.newTarget(ifc, addr, true, famByte)
	*slot = next
	e.reportTargetsActive(ifc)

	if old != nil {
		e.teardownTarget(old)
	}
}
