package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/dantte-lp/rfc5444d/internal/wire"
)

// Target is one per (interface, destination-address) pair. A unicast
// Target is indexed by its interface; a multicast Target is held directly
// by the interface and is never indexed.
type Target struct {
	dst         netip.Addr // zero Addr for multicast targets
	family      uint8
	isMulticast bool

	iface     *Interface
	writerIfc *wire.Interface

	seqno            uint16
	pktseqnoRefcount int
	refcount         int

	timer        *time.Timer
	timerRunning bool
}

// Interface returns the Interface t is bound to.
func (t *Target) Interface() *Interface { return t.iface }

const familyV4 uint8 = 4
const familyV6 uint8 = 6

func familyOf(addr netip.Addr) uint8 {
	if addr.Is4() || addr.Is4In6() {
		return familyV4
	}
	return familyV6
}

// newTarget allocates a Target and registers its writer-interface handle.
// Both the target's own sequence number and the writer-interface's
// last_seqno start at independent uniformly random 16-bit values, which is
// why a fresh *wire.Interface is minted per target rather than shared.
func (e *Engine) newTarget(ifc *Interface, dst netip.Addr, multicast bool, family uint8) *Target {
	t := &Target{
		dst:         dst,
		family:      family,
		isMulticast: multicast,
		iface:       ifc,
		seqno:       uint16(rand.UintN(1 << 16)), //nolint:gosec // not security sensitive
	}
	t.writerIfc = &wire.Interface{
		Owner:     t,
		LastSeqno: uint16(rand.UintN(1 << 16)), //nolint:gosec // not security sensitive
	}
	ifc.protocol.writer.RegisterInterface(t.writerIfc)
	return t
}

// AddTarget looks up or creates the unicast target for dst within ifc.
// Idempotent on dst within the interface's unicast target index; the
// interface's refcount is incremented only on first creation, the target's
// refcount on every call.
func (e *Engine) AddTarget(ifc *Interface, dst netip.Addr) *Target {
	t, existing := ifc.targets[dst]
	if !existing {
		t = e.newTarget(ifc, dst, false, familyOf(dst))
		ifc.targets[dst] = t
		e.retainInterface(ifc)
		e.reportTargetsActive(ifc)
	}
	t.refcount++
	return t
}

// reportTargetsActive publishes ifc's current target count (unicast targets
// plus any live multicast targets) to the metrics collector, if configured.
func (e *Engine) reportTargetsActive(ifc *Interface) {
	if e.metrics == nil {
		return
	}
	n := len(ifc.targets)
	if ifc.mcastV4 != nil {
		n++
	}
	if ifc.mcastV6 != nil {
		n++
	}
	e.metrics.SetTargetsActive(ifc.protocol.name, ifc.name, n)
}

// RemoveTarget releases t, tearing it down once its refcount reaches zero.
func (e *Engine) RemoveTarget(t *Target) {
	t.refcount--
	if t.refcount > 0 {
		return
	}
	e.teardownTarget(t)
	if !t.isMulticast {
		ifc := t.iface
		delete(ifc.targets, t.dst)
		e.reportTargetsActive(ifc)
		e.releaseInterface(ifc)
	}
}

// teardownTarget releases everything a Target holds except its place in
// an index (the caller decides whether and how to unindex it, since
// multicast targets are never indexed and forced cleanup paths skip the
// refcount dance entirely).
func (e *Engine) teardownTarget(t *Target) {
	t.iface.protocol.writer.UnregisterInterface(t.writerIfc)
	e.stopTimer(t)
}

// NextTargetSeqno returns t's next message sequence number, a wrapping
// increment. uint16 arithmetic wraps at 2^16 for free.
func (e *Engine) NextTargetSeqno(t *Target) uint16 {
	t.seqno++
	return t.seqno
}

// RequestPacketSeqno increments the target's packet-seqno refcount,
// requesting that future flushed packets on this target carry a packet
// sequence number.
func (e *Engine) RequestPacketSeqno(t *Target) {
	t.pktseqnoRefcount++
}

// ReleasePacketSeqno reverses RequestPacketSeqno.
func (e *Engine) ReleasePacketSeqno(t *Target) {
	if t.pktseqnoRefcount > 0 {
		t.pktseqnoRefcount--
	}
}

// stopTimer stops and clears a target's one-shot aggregation timer, safe
// to call whether or not the timer is currently running.
func (e *Engine) stopTimer(t *Target) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timerRunning = false
}

// armTimer starts the one-shot aggregation timer if it is not already
// running.
func (e *Engine) armTimer(t *Target) {
	if t.timerRunning {
		return
	}
	t.timerRunning = true
	t.timer = time.AfterFunc(e.aggregationInterval, func() {
		e.onAggregationTimer(t)
	})
}

// onAggregationTimer is the per-target, one-shot aggregation timer
// callback. It installs the packet header, flushes, and clears the running
// flag so a subsequent send re-arms the timer.
func (e *Engine) onAggregationTimer(t *Target) {
	t.timerRunning = false

	hdr := wire.PacketHeader{}
	if t.pktseqnoRefcount > 0 {
		hdr.HasSeqno = true
		hdr.Seqno = t.writerIfc.LastSeqno + 1
	}
	t.iface.protocol.writer.SetPacketHeader(t.writerIfc, hdr)

	if err := t.iface.protocol.writer.Flush(t.writerIfc, false); err != nil {
		e.logger.Warn("aggregation flush failed",
			"protocol", t.iface.protocol.name,
			"interface", t.iface.name,
			"error", err,
		)
		return
	}

	if e.metrics != nil {
		e.metrics.IncAggregationFlushes(t.iface.protocol.name)
	}
}

// Send accumulates one message of msgID for t, arming the aggregation
// timer on first use. A no-op (success) if t's socket family is inactive.
func (e *Engine) Send(ctx context.Context, t *Target, msgID uint32) error {
	if !t.iface.socket.IsActive(socketFamily(t.family)) {
		return nil
	}

	e.armTimer(t)

	sel := wire.SingleInterfaceSelector{Only: t.writerIfc}
	if err := t.iface.protocol.writer.CreateMessage(msgID, sel, ctx); err != nil {
		return fmt.Errorf("create message %d: %w: %w", msgID, ErrWriterFailed, err)
	}

	if e.metrics != nil {
		e.metrics.IncMessagesAggregated(t.iface.protocol.name)
	}
	return nil
}
