// Package wire defines the boundary between the aggregation engine and the
// RFC 5444 reader/writer. The byte-level TLV and address-block codec is
// deliberately out of scope here: Reader and Writer only ever see opaque
// message payloads supplied by the caller and handed back to upcalls.
package wire

import "context"

// Selector admits a writer-interface handle for message emission or
// forwarding. The engine's per-target send path uses a selector that
// admits exactly one writer-interface (the target being sent to); a
// forwarding selector may admit several.
type Selector interface {
	// Admits reports whether ifc may receive the message being emitted.
	Admits(ifc *Interface) bool
}

// SingleInterfaceSelector admits exactly one writer-interface. It is the
// selector the engine installs for a plain send().
type SingleInterfaceSelector struct {
	Only *Interface
}

// Admits implements Selector.
func (s SingleInterfaceSelector) Admits(ifc *Interface) bool {
	return ifc == s.Only
}

// Interface is the writer's per-output-path handle, registered once per
// target for the lifetime of that target. The engine recovers the owning
// Target via the explicit Owner back-pointer.
type Interface struct {
	// Owner is an opaque back-pointer set by the engine at registration
	// time; the writer never dereferences it.
	Owner any

	// LastSeqno is the most recently emitted packet sequence number on
	// this writer-interface. Persisted here (not on the Target) because
	// multiple targets can, in principle, share a writer-interface
	// lifetime across reconfiguration.
	LastSeqno uint16

	// pendingHasSeqno records whether the header installed by the most
	// recent SetPacketHeader call requested a packet sequence number.
	// Consumed (and reset) by the next Flush; it must not be derived from
	// LastSeqno, which is nonzero from target creation onward regardless
	// of whether a packet seqno was ever requested.
	pendingHasSeqno bool
}

// Message is an already-encoded RFC 5444 message body. Content is opaque
// to the engine and to this package; only the caller that produced the
// bytes understands them.
type Message []byte

// PacketHeader carries the fields the engine's per-packet callback installs
// before a packet is serialized.
type PacketHeader struct {
	// HasSeqno reports whether Seqno should be emitted.
	HasSeqno bool
	Seqno    uint16
}

// Writer accumulates messages per writer-interface and, on flush,
// serializes one or more packets and hands each to a send callback.
type Writer interface {
	// RegisterInterface installs ifc as a destination the writer will
	// accept messages and flushes for.
	RegisterInterface(ifc *Interface)

	// UnregisterInterface releases ifc; no further CreateMessage or Flush
	// calls may reference it afterward.
	UnregisterInterface(ifc *Interface)

	// CreateMessage asks the writer to emit one message of msgID into
	// every writer-interface admitted by sel, using ctx as the message
	// producer's creation context. Returns a non-nil error only on a
	// hard failure (e.g. the message producer failing, or a message too
	// large for any packet).
	CreateMessage(msgID uint32, sel Selector, ctx context.Context) error

	// Flush serializes every message accumulated for ifc since the last
	// flush into one or more packets (more than one only if fragmented is
	// true and the accumulated messages exceed one packet's capacity),
	// invoking the registered send callback for each packet produced.
	Flush(ifc *Interface, fragmented bool) error

	// ForwardMsg re-emits the already-decoded message addressed by msg to
	// every writer-interface admitted by sel. The engine's forwarding
	// hook is a stub that drops every candidate, so the engine never
	// calls it.
	ForwardMsg(msg Message, sel Selector) error

	// SetPacketHeader installs the header the writer should use for the
	// next packet flushed on ifc.
	SetPacketHeader(ifc *Interface, hdr PacketHeader)
}

// Reader decodes inbound datagrams and dispatches upcalls (TLV/address
// block handlers, forwarding candidates) to consumers outside this
// package. The engine never inspects message content itself.
type Reader interface {
	// HandlePacket decodes buf, a single UDP datagram payload, invoking
	// any registered upcalls. A non-nil error indicates a malformed
	// packet; the engine logs and drops it.
	HandlePacket(buf []byte) error
}

// ForwardCandidate describes a message the Reader has identified as a
// candidate for the forwarding hook.
type ForwardCandidate struct {
	// HasOrigAddr reports whether the message carries an originator
	// address TLV.
	HasOrigAddr bool
	// HasSeqno reports whether the message carries a sequence-number TLV.
	HasSeqno bool
	// OrigAddr is the originator address, valid only if HasOrigAddr.
	OrigAddr []byte
	// MsgType identifies the message type for duplicate-table keying.
	MsgType uint8
	// Seqno is the message's own sequence number, valid only if HasSeqno.
	Seqno uint16
	// Raw is the fully decoded message, ready for ForwardMsg if forwarded.
	Raw Message
}
