package netio_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/dantte-lp/rfc5444d/internal/netio"
)

func TestMockSocketStartsInactiveUntilApply(t *testing.T) {
	t.Parallel()

	sock := netio.NewMockSocket()
	if sock.IsActive(netio.FamilyV4) || sock.IsActive(netio.FamilyV6) {
		t.Fatal("freshly constructed MockSocket reports a family active before Apply")
	}

	if err := sock.Apply(netio.SocketConfig{BindV4: netip.MustParseAddr("192.0.2.1")}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !sock.IsActive(netio.FamilyV4) {
		t.Error("IsActive(FamilyV4) after Apply with a valid BindV4 = false, want true")
	}
	if sock.IsActive(netio.FamilyV6) {
		t.Error("IsActive(FamilyV6) after Apply with no BindV6 = true, want false")
	}
}

func TestMockSocketSendMulticastFailsWhenFamilyInactive(t *testing.T) {
	t.Parallel()

	sock := netio.NewMockSocket()
	err := sock.SendMulticast(netio.FamilyV4, []byte("x"))
	if !errors.Is(err, netio.ErrFamilyInactive) {
		t.Fatalf("SendMulticast on an inactive family returned %v, want wrapping ErrFamilyInactive", err)
	}

	if _, multi := sock.Sends(); multi != 0 {
		t.Errorf("multicast send count = %d after a refused send, want 0", multi)
	}
}

func TestMockSocketSendMulticastRecordsBufferOnceActive(t *testing.T) {
	t.Parallel()

	sock := netio.NewMockSocket()
	sock.SetActive(netio.FamilyV4, true)

	if err := sock.SendMulticast(netio.FamilyV4, []byte("payload")); err != nil {
		t.Fatalf("SendMulticast: %v", err)
	}

	_, multi := sock.Sends()
	if multi != 1 {
		t.Fatalf("multicast send count = %d, want 1", multi)
	}
	if string(sock.MulticastSends[0].Buf) != "payload" {
		t.Errorf("recorded multicast buffer = %q, want %q", sock.MulticastSends[0].Buf, "payload")
	}
}

func TestMockSocketSendUnicastRecordsDestinationAndBuffer(t *testing.T) {
	t.Parallel()

	sock := netio.NewMockSocket()
	dst := netip.MustParseAddrPort("198.51.100.1:698")

	if err := sock.SendUnicast(dst, []byte("payload")); err != nil {
		t.Fatalf("SendUnicast: %v", err)
	}

	uni, _ := sock.Sends()
	if uni != 1 {
		t.Fatalf("unicast send count = %d, want 1", uni)
	}
	if sock.UnicastSends[0].Dst != dst {
		t.Errorf("recorded destination = %v, want %v", sock.UnicastSends[0].Dst, dst)
	}
}

func TestMockSocketCloseDeactivatesBothFamilies(t *testing.T) {
	t.Parallel()

	sock := netio.NewMockSocket()
	sock.SetActive(netio.FamilyV4, true)
	sock.SetActive(netio.FamilyV6, true)

	if err := sock.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if sock.IsActive(netio.FamilyV4) || sock.IsActive(netio.FamilyV6) {
		t.Error("a family remains active after Close")
	}
}

func TestMockSocketRunReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	sock := netio.NewMockSocket()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sock.Run(ctx, make(chan netio.Datagram)); err != nil {
		t.Fatalf("Run after cancel: %v", err)
	}
}
