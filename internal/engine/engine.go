// Package engine implements the aggregation and dispatch core of an RFC
// 5444 packet engine: the Protocol/Interface/Target/Listener object graph,
// reference-counted lifetimes, per-target aggregation timers, and the
// sequence-number bookkeeping that sits between a managed UDP transport and
// a byte-level RFC 5444 reader/writer.
package engine

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/dantte-lp/rfc5444d/internal/metrics"
	"github.com/dantte-lp/rfc5444d/internal/netio"
	"github.com/dantte-lp/rfc5444d/internal/wire"
)

const (
	// DefaultProtocolName is the name given to the engine's built-in
	// protocol instance.
	DefaultProtocolName = "rfc5444"

	// UnicastInterfaceName is the reserved interface name representing
	// "no specific interface", used for unicast targets that are not
	// associated with any configured interface.
	UnicastInterfaceName = "_unicast_"

	// DefaultAggregationInterval is used when WithAggregationInterval is
	// not supplied.
	DefaultAggregationInterval = 100 * time.Millisecond
)

// SocketFactory builds a fresh, unbound ManagedSocket.
type SocketFactory func(logger *slog.Logger) netio.ManagedSocket

// WriterFactory builds a wire.Writer for one protocol, given the send
// callback the engine wants invoked on flush and the shared record pools.
type WriterFactory func(send wire.SendFunc, pools *wire.Pools) wire.Writer

// ReaderFactory builds a wire.Reader for one protocol, given the callback
// to invoke for every forwarding candidate the reader surfaces.
type ReaderFactory func(onForward func(wire.ForwardCandidate)) wire.Reader

// Engine is the top-level aggregation and dispatch object. It is not safe
// for concurrent use: every exported method is expected to run on a single
// cooperative event loop goroutine, matching the object graph it manages.
type Engine struct {
	logger *slog.Logger

	pools   *wire.Pools
	printer *wire.DebugPrinter

	aggregationInterval time.Duration

	metrics *metrics.Collector

	newSocket      SocketFactory
	newWriter      WriterFactory
	newReader      ReaderFactory
	produceMessage wire.MessageProducer

	// multicastRegisterHook, when set, is consulted before creating a
	// multicast target and can force a failure; used by tests to exercise
	// the keep-old-target-on-failure path deterministically.
	multicastRegisterHook func(family netio.Family, addr netip.Addr) error

	protocols map[string]*Protocol

	initialized bool
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine)

// WithLogger sets the logger used for all diagnostic output. Defaults to
// slog.Default() if not supplied.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithAggregationInterval overrides DefaultAggregationInterval.
func WithAggregationInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.aggregationInterval = d }
}

// WithSocketFactory overrides the default netio.UDPSocket-backed factory,
// primarily for tests that want netio.MockSocket instances instead.
func WithSocketFactory(f SocketFactory) EngineOption {
	return func(e *Engine) { e.newSocket = f }
}

// WithWriterFactory overrides the default wire.SimpleWriter-backed factory.
func WithWriterFactory(f WriterFactory) EngineOption {
	return func(e *Engine) { e.newWriter = f }
}

// WithReaderFactory overrides the default wire.SimpleReader-backed factory.
func WithReaderFactory(f ReaderFactory) EngineOption {
	return func(e *Engine) { e.newReader = f }
}

// WithMessageProducer sets the callback invoked to build the wire bytes
// for a message given its numeric type. This engine never interprets
// message content; the caller's encoder owns that entirely.
func WithMessageProducer(p wire.MessageProducer) EngineOption {
	return func(e *Engine) { e.produceMessage = p }
}

// WithMetrics installs a Prometheus collector the engine reports
// target/packet/aggregation/pool-exhaustion counts to. Without this option
// the engine runs with no metrics overhead at all.
func WithMetrics(c *metrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = c }
}

// WithMulticastRegisterHook installs a hook consulted before every
// multicast target (re)creation; a non-nil error keeps the previous target
// in place. Intended for tests.
func WithMulticastRegisterHook(h func(family netio.Family, addr netip.Addr) error) EngineOption {
	return func(e *Engine) { e.multicastRegisterHook = h }
}

// NewEngine constructs an Engine. Call Init before use.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		logger:              slog.Default(),
		aggregationInterval: DefaultAggregationInterval,
		protocols:           make(map[string]*Protocol),
	}
	e.newSocket = netio.DefaultFactory
	e.produceMessage = func(context.Context, uint32) (wire.Message, error) {
		return wire.Message{}, nil
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.newWriter == nil {
		e.newWriter = func(send wire.SendFunc, pools *wire.Pools) wire.Writer {
			return wire.NewSimpleWriter(e.produceMessage, send, pools)
		}
	}
	if e.newReader == nil {
		e.newReader = func(onForward func(wire.ForwardCandidate)) wire.Reader {
			return wire.NewSimpleReader(func(wire.Message) {}, e.pools)
		}
	}
	return e
}

// defaultProtocol returns the built-in protocol, creating it if this is the
// very first call since Init.
func (e *Engine) defaultProtocol() *Protocol {
	if p, ok := e.protocols[strings.ToLower(DefaultProtocolName)]; ok {
		return p
	}
	return e.AddProtocol(DefaultProtocolName, true)
}

// Init prepares the engine for use: it registers the record pools, wires
// up the debug packet printer, and creates the built-in protocol together
// with its reserved "_unicast_" interface. Init is idempotent.
func (e *Engine) Init() error {
	if e.initialized {
		return nil
	}
	e.pools = wire.NewPools()
	if e.metrics != nil {
		e.pools.OnExhausted(func(string) { e.metrics.IncPoolExhaustions() })
	}
	e.printer = wire.NewDebugPrinter(e.logger)

	p := e.defaultProtocol()
	e.AddInterface(p, nil, UnicastInterfaceName)

	e.initialized = true
	return nil
}

// Cleanup tears the entire object graph down unconditionally, ignoring
// refcounts, and leaves the engine ready for a subsequent Init. It is
// intended for process shutdown, not ordinary reconfiguration.
func (e *Engine) Cleanup() {
	if !e.initialized {
		return
	}

	for _, p := range e.protocols {
		for _, ifc := range p.interfaces {
			for _, t := range ifc.targets {
				e.teardownTarget(t)
			}
			if ifc.mcastV4 != nil {
				e.teardownTarget(ifc.mcastV4)
			}
			if ifc.mcastV6 != nil {
				e.teardownTarget(ifc.mcastV6)
			}
			if err := ifc.socket.Close(true); err != nil {
				e.logger.Warn("close managed socket during cleanup",
					"interface", ifc.name, "error", err)
			}
		}
	}

	e.protocols = make(map[string]*Protocol)
	e.pools = nil
	e.printer = nil
	e.initialized = false
}

// makeSendFunc builds the wire.SendFunc a protocol's writer invokes on
// flush: it recovers the originating *Target through the writer-interface
// back-pointer and routes the packet to unicast or multicast delivery.
func (e *Engine) makeSendFunc(p *Protocol) wire.SendFunc {
	return func(ifc *wire.Interface, packet []byte) error {
		t, ok := ifc.Owner.(*Target)
		if !ok {
			return ErrWriterFailed
		}

		e.printer.PrintIfEnabled(context.Background(), "send", packet)

		sock := t.iface.socket
		family := socketFamily(t.family)

		var err error
		if t.isMulticast {
			err = sock.SendMulticast(family, packet)
		} else {
			dst := netip.AddrPortFrom(t.dst, t.iface.socketConfig.UnicastPort)
			err = sock.SendUnicast(dst, packet)
		}

		if e.metrics != nil {
			if err != nil {
				e.metrics.IncPacketsDropped(p.name, t.iface.name, family.String())
			} else {
				e.metrics.IncPacketsSent(p.name, t.iface.name, family.String())
			}
		}
		return err
	}
}

// Receive feeds one inbound datagram, already demultiplexed to proto and
// ifaceName by the caller's socket layer, into the protocol's reader.
func (e *Engine) Receive(p *Protocol, ifaceName string, src netip.Addr, buf []byte) {
	p.inputAddress = src
	p.inputInterface = ifaceName

	e.printer.PrintIfEnabled(context.Background(), "recv", buf)

	family := socketFamily(familyOf(src)).String()

	if err := p.reader.HandlePacket(buf); err != nil {
		e.logger.Warn("packet rejected by reader",
			"protocol", p.name, "interface", ifaceName, "error", err)
		if e.metrics != nil {
			e.metrics.IncPacketsDropped(p.name, ifaceName, family)
		}
		return
	}

	if e.metrics != nil {
		e.metrics.IncPacketsReceived(p.name, ifaceName, family)
	}
}
