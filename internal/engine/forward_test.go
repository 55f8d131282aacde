package engine_test

import (
	"net/netip"
	"testing"

	"github.com/dantte-lp/rfc5444d/internal/engine"
	"github.com/dantte-lp/rfc5444d/internal/netio"
	"github.com/dantte-lp/rfc5444d/internal/wire"
)

// candidateInjectingReader is a wire.Reader stand-in whose HandlePacket
// always reports the configured candidate to the forwarding hook, letting a
// test drive Engine.HandleForwardCandidate through the real Receive path
// instead of calling it directly.
type candidateInjectingReader struct {
	onForward func(wire.ForwardCandidate)
	candidate wire.ForwardCandidate
}

func (r *candidateInjectingReader) HandlePacket(buf []byte) error {
	r.onForward(r.candidate)
	return nil
}

// TestForwardingWithoutOrigAddrDoesNotForward feeds the reader a message
// lacking an originator address. The forwarding hook must not reach the
// writer's forward path (currently a stub in all cases, but the absent
// duplicate-check precondition is the documented reason why).
func TestForwardingWithoutOrigAddrDoesNotForward(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, engine.WithReaderFactory(func(onForward func(wire.ForwardCandidate)) wire.Reader {
		return &candidateInjectingReader{
			onForward: onForward,
			candidate: wire.ForwardCandidate{HasOrigAddr: false, HasSeqno: true},
		}
	}))

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

	e.Receive(p, "eth0", netip.MustParseAddr("192.0.2.2"), []byte{0})

	sock := ifc.Socket().(*netio.MockSocket)
	uni, multi := sock.Sends()
	if uni != 0 || multi != 0 {
		t.Errorf("forwarding produced packets for a message lacking an originator address: unicast=%d multicast=%d", uni, multi)
	}
}

// TestForwardingCandidateWithBothFieldsStillDoesNotForward documents that
// the forwarding hook is an intentional stub: even a fully-qualified
// candidate (origaddr and seqno both present) is never handed to the
// writer's forward path, since duplicate detection is not implemented.
func TestForwardingCandidateWithBothFieldsStillDoesNotForward(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, engine.WithReaderFactory(func(onForward func(wire.ForwardCandidate)) wire.Reader {
		return &candidateInjectingReader{
			onForward: onForward,
			candidate: wire.ForwardCandidate{HasOrigAddr: true, HasSeqno: true, OrigAddr: []byte{192, 0, 2, 9}},
		}
	}))

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

	e.Receive(p, "eth0", netip.MustParseAddr("192.0.2.2"), []byte{0})

	sock := ifc.Socket().(*netio.MockSocket)
	uni, multi := sock.Sends()
	if uni != 0 || multi != 0 {
		t.Errorf("forwarding produced packets despite the forwarding hook being an unimplemented stub: unicast=%d multicast=%d", uni, multi)
	}
}
