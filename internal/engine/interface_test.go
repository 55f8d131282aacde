package engine_test

import (
	"errors"
	"net/netip"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dantte-lp/rfc5444d/internal/engine"
	"github.com/dantte-lp/rfc5444d/internal/metrics"
	"github.com/dantte-lp/rfc5444d/internal/netio"
)

var errReplacementRefused = errors.New("test: multicast replacement refused")

// -------------------------------------------------------------------------
// TestAddInterface
// -------------------------------------------------------------------------

func TestAddInterfaceIdempotentByName(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	p := e.AddProtocol(engine.DefaultProtocolName, true)

	ifc1 := e.AddInterface(p, nil, "eth0")
	ifc2 := e.AddInterface(p, nil, "ETH0")

	if ifc1 != ifc2 {
		t.Fatal("AddInterface returned distinct interfaces for the same name under different casing")
	}
}

// -------------------------------------------------------------------------
// TestReconfigureInterface
// -------------------------------------------------------------------------

// TestReconfigureInterfaceDelaysUntilPortSet verifies the "delay
// configuration" behavior: while the protocol's port is still 0, the
// managed socket is never told to Apply, so it stays inactive even with a
// valid bind address supplied.
func TestReconfigureInterfaceDelaysUntilPortSet(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	p := e.AddProtocol("delayed", false) // port starts at 0
	ifc := e.AddInterface(p, nil, "eth0")

	err := e.ReconfigureInterface(ifc, &netio.SocketConfig{
		BindV4: netip.MustParseAddr("192.0.2.10"),
	})
	if err != nil {
		t.Fatalf("ReconfigureInterface: %v", err)
	}

	sock, ok := ifc.Socket().(*netio.MockSocket)
	if !ok {
		t.Fatalf("interface socket is %T, want *netio.MockSocket", ifc.Socket())
	}
	if sock.IsActive(netio.FamilyV4) {
		t.Error("socket became active before the protocol port was ever set")
	}
}

// TestUnicastInterfaceClearsMulticast verifies the reserved "_unicast_"
// interface forces its multicast addresses to empty during reconfiguration,
// using the multicast-register hook as an observable proxy: the hook is
// only ever consulted for a valid multicast address, so it must never fire
// for "_unicast_" even when a multicast address is supplied.
func TestUnicastInterfaceClearsMulticast(t *testing.T) {
	t.Parallel()

	var hookCalls int32
	e := newTestEngine(t, engine.WithMulticastRegisterHook(func(netio.Family, netip.Addr) error {
		atomic.AddInt32(&hookCalls, 1)
		return nil
	}))

	p := e.AddProtocol(engine.DefaultProtocolName, true)
	if err := e.ReconfigureProtocol(p, 698); err != nil {
		t.Fatalf("ReconfigureProtocol: %v", err)
	}

	unicastIfc := e.AddInterface(p, nil, engine.UnicastInterfaceName)
	err := e.ReconfigureInterface(unicastIfc, &netio.SocketConfig{
		BindV4:      netip.MustParseAddr("0.0.0.0"),
		MulticastV4: netip.MustParseAddr("224.0.0.109"),
	})
	if err != nil {
		t.Fatalf("ReconfigureInterface: %v", err)
	}

	if atomic.LoadInt32(&hookCalls) != 0 {
		t.Errorf("multicast register hook called %d times for the unicast interface, want 0", hookCalls)
	}

	// A regular named interface must still honor its multicast address.
	namedIfc := e.AddInterface(p, nil, "eth0")
	err = e.ReconfigureInterface(namedIfc, &netio.SocketConfig{
		BindV4:      netip.MustParseAddr("192.0.2.1"),
		MulticastV4: netip.MustParseAddr("224.0.0.109"),
	})
	if err != nil {
		t.Fatalf("ReconfigureInterface(eth0): %v", err)
	}
	if atomic.LoadInt32(&hookCalls) != 1 {
		t.Errorf("multicast register hook called %d times for a named interface, want 1", hookCalls)
	}
}

// TestMulticastReplacementKeepsOldOnFailure verifies the save-old/try-new/
// keep-old-on-failure sequence: a failed replacement must not tear down the
// previous multicast target. Observed through the targets-active gauge,
// which only changes when a target is actually created or destroyed.
func TestMulticastReplacementKeepsOldOnFailure(t *testing.T) {
	t.Parallel()

	collector := metrics.NewCollector(prometheus.NewRegistry())

	allow := true
	e := newTestEngine(t,
		engine.WithMetrics(collector),
		engine.WithMulticastRegisterHook(func(netio.Family, netip.Addr) error {
			if allow {
				return nil
			}
			return errReplacementRefused
		}),
	)

	p := e.AddProtocol(engine.DefaultProtocolName, true)
	if err := e.ReconfigureProtocol(p, 698); err != nil {
		t.Fatalf("ReconfigureProtocol: %v", err)
	}

	ifc := e.AddInterface(p, nil, "eth0")
	if err := e.ReconfigureInterface(ifc, &netio.SocketConfig{
		BindV4:      netip.MustParseAddr("192.0.2.1"),
		MulticastV4: netip.MustParseAddr("224.0.0.109"),
	}); err != nil {
		t.Fatalf("ReconfigureInterface (create): %v", err)
	}

	gauge := collector.TargetsActive.WithLabelValues(engine.DefaultProtocolName, "eth0")
	afterCreate := testutil.ToFloat64(gauge)
	if afterCreate != 1 {
		t.Fatalf("targets_active after multicast creation = %v, want 1", afterCreate)
	}

	allow = false
	if err := e.ReconfigureInterface(ifc, &netio.SocketConfig{
		BindV4:      netip.MustParseAddr("192.0.2.1"),
		MulticastV4: netip.MustParseAddr("224.0.0.110"),
	}); err != nil {
		t.Fatalf("ReconfigureInterface (failed replacement): %v", err)
	}

	afterFailedReplace := testutil.ToFloat64(gauge)
	if afterFailedReplace != afterCreate {
		t.Errorf("targets_active after a refused replacement = %v, want unchanged at %v", afterFailedReplace, afterCreate)
	}

	allow = true
	if err := e.ReconfigureInterface(ifc, &netio.SocketConfig{
		BindV4:      netip.MustParseAddr("192.0.2.1"),
		MulticastV4: netip.MustParseAddr("224.0.0.111"),
	}); err != nil {
		t.Fatalf("ReconfigureInterface (successful replacement): %v", err)
	}

	afterReplace := testutil.ToFloat64(gauge)
	if afterReplace != afterCreate {
		t.Errorf("targets_active after a successful replacement = %v, want still %v (one slot, not additive)", afterReplace, afterCreate)
	}
}
