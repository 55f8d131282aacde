//go:build linux

package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// Sentinel errors.
var (
	// ErrSocketClosed indicates an operation on a closed socket.
	ErrSocketClosed = errors.New("managed socket closed")

	// ErrUnexpectedConnType indicates net.ListenConfig.ListenPacket
	// returned a connection of an unexpected concrete type.
	ErrUnexpectedConnType = errors.New("unexpected connection type")

	// ErrFamilyInactive indicates a send was attempted on an address
	// family the socket has no live binding for.
	ErrFamilyInactive = errors.New("address family inactive on this socket")
)

// UDPSocket is the default ManagedSocket implementation: one UDP socket
// per address family, each optionally joined to a multicast group, using
// golang.org/x/net's ipv4.PacketConn/ipv6.PacketConn for group membership.
type UDPSocket struct {
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	cfg    SocketConfig

	v4conn *net.UDPConn
	v6conn *net.UDPConn
	v4pc   *ipv4.PacketConn
	v6pc   *ipv6.PacketConn

	// sendWG tracks SendUnicast calls that observed the socket open and
	// released s.mu before issuing their WriteToUDP. Close(purge=false)
	// waits on it so an in-flight send is allowed to finish instead of
	// having its conn slammed shut underneath it.
	sendWG sync.WaitGroup
}

// NewUDPSocket constructs a socket with no bindings; call Apply to bind.
func NewUDPSocket(logger *slog.Logger) *UDPSocket {
	return &UDPSocket{logger: logger.With(slog.String("component", "netio.socket"))}
}

// DefaultFactory builds a real kernel-backed UDPSocket. It is the engine's
// default ManagedSocket factory outside of tests, which substitute
// NewMockSocket instead.
func DefaultFactory(logger *slog.Logger) ManagedSocket {
	return NewUDPSocket(logger)
}

// Apply implements ManagedSocket.
func (s *UDPSocket) Apply(cfg SocketConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSocketClosed
	}

	s.closeLocked()
	s.cfg = cfg

	if cfg.BindV4.IsValid() {
		if err := s.bindV4Locked(cfg); err != nil {
			return fmt.Errorf("apply v4 binding: %w", err)
		}
	}
	if cfg.BindV6.IsValid() {
		if err := s.bindV6Locked(cfg); err != nil {
			return fmt.Errorf("apply v6 binding: %w", err)
		}
	}
	return nil
}

func (s *UDPSocket) bindV4Locked(cfg SocketConfig) error {
	laddr := netip.AddrPortFrom(cfg.BindV4, cfg.UnicastPort)
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setCommonSockOpts(c, cfg.InterfaceName)
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", laddr.String())
	if err != nil {
		return fmt.Errorf("listen udp4 %s: %w", laddr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return fmt.Errorf("listen udp4 %s: %w", laddr, ErrUnexpectedConnType)
	}
	s.v4conn = conn
	s.v4pc = ipv4.NewPacketConn(conn)
	_ = s.v4pc.SetControlMessage(ipv4.FlagInterface, true)

	if cfg.MulticastV4.IsValid() {
		ifi, _ := interfaceByName(cfg.InterfaceName)
		group := &net.UDPAddr{IP: cfg.MulticastV4.AsSlice()}
		if err := s.v4pc.JoinGroup(ifi, group); err != nil {
			return fmt.Errorf("join v4 multicast group %s: %w", cfg.MulticastV4, err)
		}
	}
	return nil
}

func (s *UDPSocket) bindV6Locked(cfg SocketConfig) error {
	laddr := netip.AddrPortFrom(cfg.BindV6, cfg.UnicastPort)
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setCommonSockOpts(c, cfg.InterfaceName)
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp6", laddr.String())
	if err != nil {
		return fmt.Errorf("listen udp6 %s: %w", laddr, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return fmt.Errorf("listen udp6 %s: %w", laddr, ErrUnexpectedConnType)
	}
	s.v6conn = conn
	s.v6pc = ipv6.NewPacketConn(conn)
	_ = s.v6pc.SetControlMessage(ipv6.FlagInterface, true)

	if cfg.MulticastV6.IsValid() {
		ifi, _ := interfaceByName(cfg.InterfaceName)
		group := &net.UDPAddr{IP: cfg.MulticastV6.AsSlice()}
		if err := s.v6pc.JoinGroup(ifi, group); err != nil {
			return fmt.Errorf("join v6 multicast group %s: %w", cfg.MulticastV6, err)
		}
	}
	return nil
}

func interfaceByName(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil //nolint:nilnil // no specific interface requested is a valid outcome, not an error
	}
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %s: %w", name, err)
	}
	return ifi, nil
}

// setCommonSockOpts applies SO_REUSEADDR and, if ifName is non-empty,
// SO_BINDTODEVICE.
func setCommonSockOpts(c syscall.RawConn, ifName string) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)
		if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		if ifName != "" {
			sockErr = unix.SetsockoptString(intFD, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifName)
		}
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return sockErr
}

// IsActive implements ManagedSocket.
func (s *UDPSocket) IsActive(family Family) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if family == FamilyV6 {
		return s.v6conn != nil
	}
	return s.v4conn != nil
}

// SendUnicast implements ManagedSocket. It releases s.mu before the actual
// write so a slow WriteToUDP doesn't block unrelated socket operations;
// sendWG is what makes that safe against a concurrent Close(purge=false).
func (s *UDPSocket) SendUnicast(dst netip.AddrPort, buf []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	conn := s.v4conn
	if dst.Addr().Is6() && !dst.Addr().Is4In6() {
		conn = s.v6conn
	}
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if conn == nil {
		return fmt.Errorf("send to %s: %w", dst, ErrFamilyInactive)
	}
	if _, err := conn.WriteToUDP(buf, net.UDPAddrFromAddrPort(dst)); err != nil {
		return fmt.Errorf("send unicast to %s: %w", dst, err)
	}
	return nil
}

// SendMulticast implements ManagedSocket.
func (s *UDPSocket) SendMulticast(family Family, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSocketClosed
	}

	if family == FamilyV6 {
		if s.v6conn == nil || !s.cfg.MulticastV6.IsValid() {
			return fmt.Errorf("send v6 multicast: %w", ErrFamilyInactive)
		}
		dst := net.UDPAddrFromAddrPort(netip.AddrPortFrom(s.cfg.MulticastV6, s.cfg.MulticastPort))
		if _, err := s.v6conn.WriteToUDP(buf, dst); err != nil {
			return fmt.Errorf("send v6 multicast: %w", err)
		}
		return nil
	}

	if s.v4conn == nil || !s.cfg.MulticastV4.IsValid() {
		return fmt.Errorf("send v4 multicast: %w", ErrFamilyInactive)
	}
	dst := net.UDPAddrFromAddrPort(netip.AddrPortFrom(s.cfg.MulticastV4, s.cfg.MulticastPort))
	if _, err := s.v4conn.WriteToUDP(buf, dst); err != nil {
		return fmt.Errorf("send v4 multicast: %w", err)
	}
	return nil
}

// Run implements ManagedSocket. It spawns one reader per bound family and
// blocks until ctx is done or both readers exit.
func (s *UDPSocket) Run(ctx context.Context, out chan<- Datagram) error {
	s.mu.Lock()
	v4, v6, acl := s.v4conn, s.v6conn, s.cfg.ACL
	s.mu.Unlock()

	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex
	record := func(err error) {
		if err == nil {
			return
		}
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}

	if v4 != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(readLoop(ctx, v4, acl, out))
		}()
	}
	if v6 != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(readLoop(ctx, v6, acl, out))
		}()
	}
	wg.Wait()
	return firstErr
}

func readLoop(ctx context.Context, conn *net.UDPConn, acl ACL, out chan<- Datagram) error {
	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read udp: %w", err)
		}
		if !acl.Permits(addr.Addr()) {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		select {
		case out <- Datagram{Src: addr, Payload: payload}:
		case <-ctx.Done():
			return nil
		}
	}
}

// Close implements ManagedSocket. purge=true drops any in-flight outbound
// send immediately by closing the conns out from under it; purge=false
// waits for sendWG to drain first, so a send already admitted by
// SendUnicast gets to complete before the conn goes away.
func (s *UDPSocket) Close(purge bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if !purge {
		s.sendWG.Wait()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *UDPSocket) closeLocked() {
	if s.v4conn != nil {
		_ = s.v4conn.Close()
		s.v4conn = nil
		s.v4pc = nil
	}
	if s.v6conn != nil {
		_ = s.v6conn.Close()
		s.v6conn = nil
		s.v6pc = nil
	}
}
