package engine

import "github.com/dantte-lp/rfc5444d/internal/wire"

// HandleForwardCandidate is invoked once per message a protocol's reader
// judges forwardable. Forwarding proper — re-emitting the message to every
// other interface after duplicate-message suppression — is intentionally
// not implemented: every candidate is dropped here, and none is passed on
// to the writer or to any other component.
//
// TODO: wire this up to a real forwarding decision once a duplicate-set
// tracker exists; until then every candidate is dropped here unconditionally,
// matching a reader that rejects forwarding whenever the packet carried no
// origin address or packet sequence number.
func (e *Engine) HandleForwardCandidate(p *Protocol, c wire.ForwardCandidate) {
	if !c.HasOrigAddr || !c.HasSeqno {
		return
	}
	// A real implementation would consult a duplicate-set here and, for
	// messages not already seen, call p.writer.ForwardMsg. This engine
	// never does so.
}
