package wire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// packetVersion is the RFC 5444 packet-header version/flags leading byte
// layout: high nibble is the version (fixed at 0 for this format), low
// nibble is a flags field. This repository only ever sets the "has packet
// sequence number" flag bit, since TLV-block flags are part of the
// byte-level codec this package does not implement.
const (
	packetVersion        byte = 0
	flagHasPacketSeqno   byte = 0x08
	packetHeaderBaseSize      = 1 // version/flags byte
	packetHeaderSeqnoSize     = 2 // uint16 packet sequence number
	messageLengthPrefix       = 2 // uint16 length prefix per message
)

// ErrMessageTooLarge is returned by CreateMessage when a single message
// would not fit in a fresh packet buffer, so no aggregation could help.
var ErrMessageTooLarge = errors.New("rfc5444 message exceeds maximum packet size")

// ErrNoSuchInterface is returned when a writer operation names a
// writer-interface this Writer never registered.
var ErrNoSuchInterface = errors.New("writer-interface not registered")

// MessageProducer builds the wire bytes for a message given its msgID. A
// full reader/writer would encode TLVs and address blocks here; this
// stand-in leaves message content entirely to the caller.
type MessageProducer func(ctx context.Context, msgID uint32) (Message, error)

// SendFunc is the engine's send callback, invoked synchronously by Flush
// once per packet produced for a writer-interface. The engine recovers the
// owning Target via ifc.Owner and decides unicast vs. multicast framing.
type SendFunc func(ifc *Interface, packet []byte) error

// SimpleWriter is the RFC 5444 writer stand-in: it accumulates opaque
// Message bytes per writer-interface and, on Flush, concatenates them
// behind a minimal packet header. It satisfies the Writer interface.
type SimpleWriter struct {
	maxPacketSize int
	produce       MessageProducer
	send          SendFunc
	pools         *Pools

	pending map[*Interface][]Message
}

// SimpleWriterOption configures a SimpleWriter at construction.
type SimpleWriterOption func(*SimpleWriter)

// WithMaxPacketSize overrides the default maximum packet size (1500,
// the common MANET-link MTU assumption).
func WithMaxPacketSize(n int) SimpleWriterOption {
	return func(w *SimpleWriter) { w.maxPacketSize = n }
}

// NewSimpleWriter constructs a Writer that asks produce for message bytes
// and hands assembled packets to send.
func NewSimpleWriter(produce MessageProducer, send SendFunc, pools *Pools, opts ...SimpleWriterOption) *SimpleWriter {
	w := &SimpleWriter{
		maxPacketSize: 1500,
		produce:       produce,
		send:          send,
		pools:         pools,
		pending:       make(map[*Interface][]Message),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RegisterInterface implements Writer.
func (w *SimpleWriter) RegisterInterface(ifc *Interface) {
	if _, ok := w.pending[ifc]; !ok {
		w.pending[ifc] = nil
	}
}

// UnregisterInterface implements Writer.
func (w *SimpleWriter) UnregisterInterface(ifc *Interface) {
	delete(w.pending, ifc)
}

// CreateMessage implements Writer. Messages are appended in call order per
// writer-interface, preserving creation order within a packet.
//
// The bytes produced by produce are staged through a pooled *WriterAddress
// rather than retained directly: every writer-interface admitted by sel
// gets its own durable copy (the accumulation buffers are independent), but
// the scratch copy those durable copies are taken from borrows its backing
// array from w.pools instead of allocating one per call. The size check
// runs on the produced bytes before they are staged.
func (w *SimpleWriter) CreateMessage(msgID uint32, sel Selector, ctx context.Context) error {
	msg, err := w.produce(ctx, msgID)
	if err != nil {
		return fmt.Errorf("produce message %d: %w", msgID, err)
	}
	if packetHeaderBaseSize+packetHeaderSeqnoSize+messageLengthPrefix+len(msg) > w.maxPacketSize {
		return fmt.Errorf("message %d (%d bytes): %w", msgID, len(msg), ErrMessageTooLarge)
	}

	rec := w.pools.WriterAddrs.Get()
	rec.Addr = append(rec.Addr[:0], msg...)
	staged := rec.Addr
	defer func() {
		rec.Addr = staged
		w.pools.WriterAddrs.Put(rec)
	}()

	for ifc := range w.pending {
		if !sel.Admits(ifc) {
			continue
		}
		w.pending[ifc] = append(w.pending[ifc], append(Message(nil), staged...))
	}
	return nil
}

// SetPacketHeader implements Writer by stashing the requested header
// directly on the writer-interface handle; Flush reads it back and resets
// the request, so a packet seqno is only emitted for the flush it was
// installed for.
func (w *SimpleWriter) SetPacketHeader(ifc *Interface, hdr PacketHeader) {
	ifc.pendingHasSeqno = hdr.HasSeqno
	if hdr.HasSeqno {
		ifc.LastSeqno = hdr.Seqno
	}
}

// Flush implements Writer. fragmented is accepted for interface
// compatibility but this stand-in always emits exactly one packet per
// flush, erroring if the accumulated messages would not fit — a full
// writer would instead split across multiple packets.
func (w *SimpleWriter) Flush(ifc *Interface, fragmented bool) error {
	_ = fragmented

	msgs, ok := w.pending[ifc]
	if !ok {
		return fmt.Errorf("flush: %w", ErrNoSuchInterface)
	}
	if len(msgs) == 0 {
		ifc.pendingHasSeqno = false
		return nil
	}

	packet, err := encodePacket(ifc, msgs, w.maxPacketSize, w.pools)
	if err != nil {
		return err
	}
	ifc.pendingHasSeqno = false

	w.pending[ifc] = msgs[:0]

	if w.send == nil {
		return nil
	}
	if err := w.send(ifc, packet); err != nil {
		return fmt.Errorf("send packet: %w", err)
	}
	return nil
}

// ForwardMsg implements Writer. It re-emits msg to every admitted
// writer-interface's assembly buffer; for this engine it is only ever
// reached from code explicitly opting out of the forwarding stub.
func (w *SimpleWriter) ForwardMsg(msg Message, sel Selector) error {
	for ifc := range w.pending {
		if !sel.Admits(ifc) {
			continue
		}
		w.pending[ifc] = append(w.pending[ifc], msg)
	}
	return nil
}

// encodePacket builds one RFC-5444-shaped packet: a version/flags byte,
// an optional packet sequence number, then each message length-prefixed
// and concatenated in order. Each message's length-prefix/body pair is
// staged through a pooled *WriterAddressTLV before being appended to buf,
// so assembling a packet of N messages draws N short-lived records from
// the reservoir instead of N ad hoc heap allocations.
func encodePacket(ifc *Interface, msgs []Message, maxSize int, pools *Pools) ([]byte, error) {
	size := packetHeaderBaseSize
	hasSeqno := ifc.pendingHasSeqno
	if hasSeqno {
		size += packetHeaderSeqnoSize
	}
	for _, m := range msgs {
		size += messageLengthPrefix + len(m)
	}
	if size > maxSize {
		return nil, fmt.Errorf("assembled packet %d bytes exceeds max %d: %w", size, maxSize, ErrMessageTooLarge)
	}

	buf := make([]byte, 0, size)
	flags := byte(0)
	if hasSeqno {
		flags |= flagHasPacketSeqno
	}
	buf = append(buf, packetVersion|flags)
	if hasSeqno {
		buf = binary.BigEndian.AppendUint16(buf, ifc.LastSeqno)
	}
	for _, m := range msgs {
		rec := pools.WriterAddrTLV.Get()
		rec.Type = uint8(len(m) >> 8) //nolint:gosec // truncation intentional, staging only
		rec.Value = append(rec.Value[:0], m...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(m)))
		buf = append(buf, rec.Value...)
		pools.WriterAddrTLV.Put(rec)
	}
	return buf, nil
}

// SimpleReader decodes packets produced by SimpleWriter's framing. It does
// not interpret message content; it only splits a packet back into its
// constituent Messages and reports them to onMessage, matching this
// engine's Non-goal of not interpreting message semantics.
type SimpleReader struct {
	onMessage func(Message)
	pools     *Pools
}

// NewSimpleReader constructs a Reader that calls onMessage once per
// decoded message body found in a packet. pools supplies the scratch
// records HandlePacket stages its parse through; nil pools is only
// tolerated for tests that exercise HandlePacket in isolation.
func NewSimpleReader(onMessage func(Message), pools *Pools) *SimpleReader {
	return &SimpleReader{onMessage: onMessage, pools: pools}
}

// ErrShortPacket indicates buf ended before a length-prefixed field could
// be fully read.
var ErrShortPacket = errors.New("rfc5444 packet truncated")

// HandlePacket implements Reader. The packet sequence number, if present,
// is staged through a pooled *TLVBlockEntry; each message body is staged
// through a pooled *AddressBlockEntry before being handed to onMessage, so
// walking a packet's records draws from the reservoir instead of
// allocating a throwaway record per record encountered.
func (r *SimpleReader) HandlePacket(buf []byte) error {
	if len(buf) < packetHeaderBaseSize {
		return fmt.Errorf("packet header: %w", ErrShortPacket)
	}
	flags := buf[0]
	off := packetHeaderBaseSize
	if flags&flagHasPacketSeqno != 0 {
		if len(buf) < off+packetHeaderSeqnoSize {
			return fmt.Errorf("packet seqno: %w", ErrShortPacket)
		}
		if r.pools != nil {
			seqnoRec := r.pools.TLVBlocks.Get()
			seqnoRec.Type = flags
			seqnoRec.Value = append(seqnoRec.Value[:0], buf[off:off+packetHeaderSeqnoSize]...)
			r.pools.TLVBlocks.Put(seqnoRec)
		}
		off += packetHeaderSeqnoSize
	}

	for off < len(buf) {
		if off+messageLengthPrefix > len(buf) {
			return fmt.Errorf("message length prefix: %w", ErrShortPacket)
		}
		n := int(binary.BigEndian.Uint16(buf[off : off+messageLengthPrefix]))
		off += messageLengthPrefix
		if off+n > len(buf) {
			return fmt.Errorf("message body: %w", ErrShortPacket)
		}

		body := buf[off : off+n]
		if r.pools != nil {
			msgRec := r.pools.AddressBlocks.Get()
			msgRec.Addr = append(msgRec.Addr[:0], body...)
			msgRec.Prefix = 0
			body = msgRec.Addr
			if r.onMessage != nil {
				r.onMessage(Message(append(Message(nil), body...)))
			}
			r.pools.AddressBlocks.Put(msgRec)
		} else if r.onMessage != nil {
			r.onMessage(Message(body))
		}
		off += n
	}
	return nil
}
