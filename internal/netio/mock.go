package netio

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
)

// MockSocket is a ManagedSocket implementation backed by in-memory state
// instead of real kernel sockets. It is exported (not a _test.go file) so
// that internal/engine's tests — which exercise the aggregation-timer
// state machine against wall-clock or synctest time — can run without
// CAP_NET_RAW or any real network namespace.
type MockSocket struct {
	mu     sync.Mutex
	cfg    SocketConfig
	active map[Family]bool

	UnicastSends   []UnicastSend
	MulticastSends []MulticastSend
}

// UnicastSend records one SendUnicast call observed by a MockSocket.
type UnicastSend struct {
	Dst netip.AddrPort
	Buf []byte
}

// MulticastSend records one SendMulticast call observed by a MockSocket.
type MulticastSend struct {
	Family Family
	Buf    []byte
}

// NewMockSocket constructs a MockSocket with both families inactive until
// Apply is called with a valid bind address.
func NewMockSocket() *MockSocket {
	return &MockSocket{active: make(map[Family]bool)}
}

// Apply implements ManagedSocket.
func (m *MockSocket) Apply(cfg SocketConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.active[FamilyV4] = cfg.BindV4.IsValid()
	m.active[FamilyV6] = cfg.BindV6.IsValid()
	return nil
}

// IsActive implements ManagedSocket.
func (m *MockSocket) IsActive(family Family) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[family]
}

// SetActive lets a test force a family's activation state directly,
// independent of Apply.
func (m *MockSocket) SetActive(family Family, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[family] = active
}

// SendUnicast implements ManagedSocket.
func (m *MockSocket) SendUnicast(dst netip.AddrPort, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), buf...)
	m.UnicastSends = append(m.UnicastSends, UnicastSend{Dst: dst, Buf: cp})
	return nil
}

// SendMulticast implements ManagedSocket.
func (m *MockSocket) SendMulticast(family Family, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active[family] {
		return fmt.Errorf("send multicast %s: %w", family, ErrFamilyInactive)
	}
	cp := append([]byte(nil), buf...)
	m.MulticastSends = append(m.MulticastSends, MulticastSend{Family: family, Buf: cp})
	return nil
}

// Run implements ManagedSocket; the mock never produces datagrams on its
// own; tests call the engine's receive path directly instead.
func (m *MockSocket) Run(ctx context.Context, _ chan<- Datagram) error {
	<-ctx.Done()
	return nil
}

// Close implements ManagedSocket.
func (m *MockSocket) Close(_ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[FamilyV4] = false
	m.active[FamilyV6] = false
	return nil
}

// Sends returns a snapshot count of unicast and multicast sends observed
// so far, for test assertions.
func (m *MockSocket) Sends() (unicast, multicast int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.UnicastSends), len(m.MulticastSends)
}
