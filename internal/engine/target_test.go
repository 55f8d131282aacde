package engine_test

import (
	"context"
	"net/netip"
	"testing"
	"testing/synctest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dantte-lp/rfc5444d/internal/engine"
	"github.com/dantte-lp/rfc5444d/internal/metrics"
	"github.com/dantte-lp/rfc5444d/internal/netio"
)

// configuredUnicastTarget wires the default protocol up to dst through a
// freshly bound "eth0" interface and returns the resulting target.
func configuredUnicastTarget(t *testing.T, e *engine.Engine, dst netip.Addr) *engine.Target {
	t.Helper()

	p := e.AddProtocol(engine.DefaultProtocolName, true)
	if err := e.ReconfigureProtocol(p, 698); err != nil {
		t.Fatalf("ReconfigureProtocol: %v", err)
	}

	ifc := e.AddInterface(p, nil, "eth0")
	if err := e.ReconfigureInterface(ifc, &netio.SocketConfig{
		BindV4: netip.MustParseAddr("192.0.2.1"),
	}); err != nil {
		t.Fatalf("ReconfigureInterface: %v", err)
	}

	return e.AddTarget(ifc, dst)
}

// -------------------------------------------------------------------------
// TestNextTargetSeqno
// -------------------------------------------------------------------------

// TestNextTargetSeqnoIsBijection verifies that 2^16 consecutive calls to
// NextTargetSeqno visit every 16-bit value exactly once.
func TestNextTargetSeqnoIsBijection(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	target := configuredUnicastTarget(t, e, netip.MustParseAddr("198.51.100.1"))

	seen := make(map[uint16]bool, 1<<16)
	for range 1 << 16 {
		v := e.NextTargetSeqno(target)
		if seen[v] {
			t.Fatalf("NextTargetSeqno produced %d twice within one 2^16-call cycle", v)
		}
		seen[v] = true
	}
	if len(seen) != 1<<16 {
		t.Fatalf("NextTargetSeqno visited %d distinct values, want %d", len(seen), 1<<16)
	}
}

// -------------------------------------------------------------------------
// TestAddRemoveTarget
// -------------------------------------------------------------------------

func TestAddTargetIdempotentOnDestination(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	dst := netip.MustParseAddr("198.51.100.1")

	p := e.AddProtocol(engine.DefaultProtocolName, true)
	ifc := e.AddInterface(p, nil, "eth0")

	t1 := e.AddTarget(ifc, dst)
	t2 := e.AddTarget(ifc, dst)

	if t1 != t2 {
		t.Fatal("AddTarget returned distinct targets for the same destination")
	}
}

func TestRemoveTargetReportsZeroWhenLastReferenceReleased(t *testing.T) {
	t.Parallel()

	collector := metrics.NewCollector(prometheus.NewRegistry())
	e := newTestEngine(t, engine.WithMetrics(collector))
	dst := netip.MustParseAddr("198.51.100.1")

	p := e.AddProtocol(engine.DefaultProtocolName, true)
	ifc := e.AddInterface(p, nil, "eth0")

	target := e.AddTarget(ifc, dst)
	e.AddTarget(ifc, dst) // second reference, refcount 2

	gauge := collector.TargetsActive.WithLabelValues(engine.DefaultProtocolName, "eth0")
	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Fatalf("targets_active after two AddTarget calls on the same dst = %v, want 1", got)
	}

	e.RemoveTarget(target)
	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Fatalf("targets_active after releasing one of two references = %v, want still 1", got)
	}

	e.RemoveTarget(target)
	if got := testutil.ToFloat64(gauge); got != 0 {
		t.Fatalf("targets_active after releasing the last reference = %v, want 0", got)
	}
}

// -------------------------------------------------------------------------
// TestSend
// -------------------------------------------------------------------------

// TestSendOnInactiveFamilyIsNoop verifies that Send on a target whose socket
// family has no live binding succeeds and that no packet is produced, even
// well after the aggregation interval has passed.
func TestSendOnInactiveFamilyIsNoop(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := newTestEngine(t)
		p := e.AddProtocol("unbound", false) // port stays 0, socket never activates
		ifc := e.AddInterface(p, nil, "eth0")
		target := e.AddTarget(ifc, netip.MustParseAddr("198.51.100.1"))

		if err := e.Send(context.Background(), target, 1); err != nil {
			t.Fatalf("Send: %v", err)
		}

		time.Sleep(time.Second)

		sock := ifc.Socket().(*netio.MockSocket)
		uni, multi := sock.Sends()
		if uni != 0 || multi != 0 {
			t.Errorf("Send on an inactive family produced packets: unicast=%d multicast=%d", uni, multi)
		}
	})
}

// TestSendAggregatesUntilTimerFires verifies that messages accumulate across
// multiple Send calls and are flushed into a single packet once the
// aggregation interval elapses.
func TestSendAggregatesUntilTimerFires(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := newTestEngine(t, engine.WithAggregationInterval(100*time.Millisecond))
		target := configuredUnicastTarget(t, e, netip.MustParseAddr("198.51.100.1"))

		ifc := target.Interface()
		sock := ifc.Socket().(*netio.MockSocket)

		if err := e.Send(context.Background(), target, 1); err != nil {
			t.Fatalf("Send 1: %v", err)
		}
		if err := e.Send(context.Background(), target, 2); err != nil {
			t.Fatalf("Send 2: %v", err)
		}

		time.Sleep(50 * time.Millisecond)
		if uni, _ := sock.Sends(); uni != 0 {
			t.Fatalf("packet sent before the aggregation interval elapsed (at +50ms)")
		}

		time.Sleep(100 * time.Millisecond)

		uni, _ := sock.Sends()
		if uni != 1 {
			t.Fatalf("unicast sends after timer fire = %d, want 1", uni)
		}

		// Two 3-byte messages ("msg" each) length-prefixed plus a 1-byte
		// header with no packet seqno requested: 1 + 2*(2+3) = 11 bytes.
		if got := len(sock.UnicastSends[0].Buf); got != 11 {
			t.Errorf("packet length = %d, want 11", got)
		}
	})
}

// TestPacketSeqnoOnlyWhenRequested verifies that a packet's sequence-number
// flag bit is set only while the target's packet-seqno refcount is above
// zero, exercising the header installed by onAggregationTimer end to end.
func TestPacketSeqnoOnlyWhenRequested(t *testing.T) {
	const flagHasPacketSeqno = 0x08

	synctest.Test(t, func(t *testing.T) {
		e := newTestEngine(t, engine.WithAggregationInterval(20*time.Millisecond))
		target := configuredUnicastTarget(t, e, netip.MustParseAddr("198.51.100.1"))
		sock := target.Interface().Socket().(*netio.MockSocket)

		if err := e.Send(context.Background(), target, 1); err != nil {
			t.Fatalf("Send: %v", err)
		}
		time.Sleep(50 * time.Millisecond)

		uni, _ := sock.Sends()
		if uni != 1 {
			t.Fatalf("unicast sends = %d, want 1", uni)
		}
		if sock.UnicastSends[0].Buf[0]&flagHasPacketSeqno != 0 {
			t.Error("packet carries a sequence number although none was requested")
		}

		e.RequestPacketSeqno(target)
		if err := e.Send(context.Background(), target, 2); err != nil {
			t.Fatalf("Send: %v", err)
		}
		time.Sleep(50 * time.Millisecond)

		uni, _ = sock.Sends()
		if uni != 2 {
			t.Fatalf("unicast sends = %d, want 2", uni)
		}
		if sock.UnicastSends[1].Buf[0]&flagHasPacketSeqno == 0 {
			t.Error("packet omits a sequence number although one was requested")
		}

		e.ReleasePacketSeqno(target)
		if err := e.Send(context.Background(), target, 3); err != nil {
			t.Fatalf("Send: %v", err)
		}
		time.Sleep(50 * time.Millisecond)

		uni, _ = sock.Sends()
		if uni != 3 {
			t.Fatalf("unicast sends = %d, want 3", uni)
		}
		if sock.UnicastSends[2].Buf[0]&flagHasPacketSeqno != 0 {
			t.Error("packet carries a sequence number after the request was released")
		}
	})
}
