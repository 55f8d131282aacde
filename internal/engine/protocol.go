package engine

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/dantte-lp/rfc5444d/internal/wire"
)

// Protocol is one per UDP port / protocol name.
type Protocol struct {
	name           string
	fixedLocalPort bool
	port           uint16
	refcount       int

	reader wire.Reader
	writer wire.Writer

	interfaces map[string]*Interface

	// inputAddress and inputInterface are published for the duration of
	// handling one inbound datagram, so reader upcalls can consult them.
	inputAddress   netip.Addr
	inputInterface string

	engine *Engine
}

// Name returns the protocol's configured name.
func (p *Protocol) Name() string { return p.name }

// Port returns the protocol's current UDP port (0 if not yet configured).
func (p *Protocol) Port() uint16 { return p.port }

// AddProtocol looks up or creates the named protocol. Idempotent on name
// (case-insensitive): an existing entry is returned with its refcount
// incremented and fixedLocalPort ignored on subsequent calls.
func (e *Engine) AddProtocol(name string, fixedLocalPort bool) *Protocol {
	key := strings.ToLower(name)
	if p, ok := e.protocols[key]; ok {
		p.refcount++
		return p
	}

	p := &Protocol{
		name:           name,
		fixedLocalPort: fixedLocalPort,
		interfaces:     make(map[string]*Interface),
		refcount:       1,
		engine:         e,
	}
	p.writer = e.newWriter(e.makeSendFunc(p), e.pools)
	p.reader = e.newReader(func(c wire.ForwardCandidate) {
		e.HandleForwardCandidate(p, c)
	})
	e.protocols[key] = p
	return p
}

// retainProtocol increments p's refcount on behalf of an interface creation.
func (e *Engine) retainProtocol(p *Protocol) {
	p.refcount++
}

// releaseProtocol decrements p's refcount, tearing the protocol down
// (removing it from the engine's index) when it reaches zero.
func (e *Engine) releaseProtocol(p *Protocol) {
	p.refcount--
	if p.refcount > 0 {
		return
	}
	delete(e.protocols, strings.ToLower(p.name))
}

// RemoveProtocol releases p.
func (e *Engine) RemoveProtocol(p *Protocol) {
	e.releaseProtocol(p)
}

// ReconfigureProtocol changes p's UDP port, purging and rebinding every
// owned interface's managed socket if the port actually changed.
func (e *Engine) ReconfigureProtocol(p *Protocol, port uint16) error {
	if port == p.port {
		return nil
	}
	p.port = port

	for _, ifc := range p.interfaces {
		if err := ifc.socket.Close(true); err != nil {
			e.logger.Warn("purge managed socket during port reconfiguration",
				"protocol", p.name, "interface", ifc.name, "error", err)
		}
		ifc.socket = e.newSocket(e.logger)

		if port != 0 {
			if err := e.ReconfigureInterface(ifc, nil); err != nil {
				return fmt.Errorf("reconfigure interface %s after port change: %w", ifc.name, err)
			}
		}
	}
	return nil
}
