package wire

import "sync"

// minFreeReservoir is the minimum number of standing free entries each
// pool guarantees: reader and writer recursion during packet handling must
// never fail to allocate one of the four record kinds. A bare sync.Pool
// gives no such guarantee — the garbage collector is free to clear it
// between any two calls — so Pool here is a small mutex-guarded free list,
// pre-warmed to the reservoir size at construction and topped back up on
// every Put.
const minFreeReservoir = 32

// Pool is a free list of T, pre-warmed to minFreeReservoir entries; Put
// appends without an upper bound. This repository's Reader/Writer stand-in uses Pool[T] for each
// of its four record kinds (address-block entry, TLV-block entry, writer
// address, writer address-TLV), parameterized by the record type.
type Pool[T any] struct {
	name        string
	new         func() T
	onExhausted func(name string)
	mu          sync.Mutex
	free        []T
}

// NewPool creates a Pool named name (used only for diagnostics/metrics),
// pre-warmed with minFreeReservoir entries produced by newFn.
func NewPool[T any](name string, newFn func() T) *Pool[T] {
	p := &Pool[T]{
		name: name,
		new:  newFn,
		free: make([]T, 0, minFreeReservoir),
	}
	for range minFreeReservoir {
		p.free = append(p.free, newFn())
	}
	return p
}

// OnExhausted installs a callback invoked every time Get falls back to
// allocating beyond the standing reservoir. Intended for wiring a metrics
// counter; nil disables the callback.
func (p *Pool[T]) OnExhausted(fn func(name string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExhausted = fn
}

// Name returns the pool's diagnostic name.
func (p *Pool[T]) Name() string {
	return p.name
}

// Get removes and returns one entry from the free list, allocating a new
// one on the fly if the reservoir is momentarily empty (this can only
// happen under sustained concurrent nested allocation beyond the
// reservoir size; it is never expected on the documented hot path, but an
// allocating fallback is strictly safer than returning a zero value).
func (p *Pool[T]) Get() T {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		if p.onExhausted != nil {
			p.onExhausted(p.name)
		}
		return p.new()
	}
	v := p.free[n-1]
	p.free = p.free[:n-1]
	return v
}

// Put returns an entry to the free list.
func (p *Pool[T]) Put(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, v)
}

// Outstanding reports how far the reservoir is below its configured
// minimum; this should be zero after a full teardown.
func (p *Pool[T]) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= minFreeReservoir {
		return 0
	}
	return minFreeReservoir - len(p.free)
}

// AddressBlockEntry is one entry of the reader's address-block pool.
type AddressBlockEntry struct {
	Addr   []byte
	Prefix uint8
}

// TLVBlockEntry is one entry of the reader's TLV-block pool.
type TLVBlockEntry struct {
	Type  uint8
	Value []byte
}

// WriterAddress is one entry of the writer's address pool.
type WriterAddress struct {
	Addr []byte
}

// WriterAddressTLV is one entry of the writer's address-TLV pool.
type WriterAddressTLV struct {
	Type  uint8
	Value []byte
}

// Pools bundles the four reservoir-backed pools the reader/writer need.
type Pools struct {
	AddressBlocks *Pool[*AddressBlockEntry]
	TLVBlocks     *Pool[*TLVBlockEntry]
	WriterAddrs   *Pool[*WriterAddress]
	WriterAddrTLV *Pool[*WriterAddressTLV]
}

// NewPools constructs all four pools, each pre-warmed to minFreeReservoir.
func NewPools() *Pools {
	return &Pools{
		AddressBlocks: NewPool("addrblock_entries", func() *AddressBlockEntry { return &AddressBlockEntry{} }),
		TLVBlocks:     NewPool("tlvblock_entries", func() *TLVBlockEntry { return &TLVBlockEntry{} }),
		WriterAddrs:   NewPool("writer_addr", func() *WriterAddress { return &WriterAddress{} }),
		WriterAddrTLV: NewPool("writer_addrtlv", func() *WriterAddressTLV { return &WriterAddressTLV{} }),
	}
}

// OnExhausted installs fn on all four pools.
func (p *Pools) OnExhausted(fn func(name string)) {
	p.AddressBlocks.OnExhausted(fn)
	p.TLVBlocks.OnExhausted(fn)
	p.WriterAddrs.OnExhausted(fn)
	p.WriterAddrTLV.OnExhausted(fn)
}

// Outstanding sums the shortfall across all four pools. Zero means every
// pool is back at its full reservoir, the expected state after a full
// teardown.
func (p *Pools) Outstanding() int {
	return p.AddressBlocks.Outstanding() +
		p.TLVBlocks.Outstanding() +
		p.WriterAddrs.Outstanding() +
		p.WriterAddrTLV.Outstanding()
}
