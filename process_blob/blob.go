// Package process_blob is an in-memory address space: a byte buffer mapped at
// a virtual base with simulated page protections. It implements memory.Memory
// and memory.Allocator, which makes it the backend for offline analysis of
// captured images and for tests.
package process_blob

import (
	"sync"

	"github.com/pkg/errors"

	"gopatch/memory"
	"gopatch/memory/memory_map"
)

// DefaultPageSize is the protection granularity of a blob
const DefaultPageSize memory.Size = 0x1000

type ProcessBlob struct {
	mu          sync.Mutex
	baseaddress memory.Address
	data        []byte
	pageSize    memory.Size
	prots       []memory_map.Protection // one per page starting at the page containing baseaddress
	writes      int
}

var _ memory.Memory = (*ProcessBlob)(nil)
var _ memory.NearAllocator = (*ProcessBlob)(nil)

type Option func(*ProcessBlob)

// WithProt sets the initial protection of every page, r-x by default
func WithProt(prot memory_map.Protection) Option {
	return func(p *ProcessBlob) {
		for i := range p.prots {
			p.prots[i] = prot
		}
	}
}

// WithRegion sets the protection of the pages overlapping [addr, addr+size)
func WithRegion(addr memory.Address, size memory.Size, prot memory_map.Protection) Option {
	return func(p *ProcessBlob) {
		p.setProt(addr, size, prot)
	}
}

// WithPageSize must come before any protection option
func WithPageSize(size memory.Size) Option {
	return func(p *ProcessBlob) {
		p.pageSize = size
		p.resetPages(memory_map.ProtRead | memory_map.ProtExec)
	}
}

func NewProcessBlob(baseAddress memory.Address, data []byte, opts ...Option) *ProcessBlob {
	p := &ProcessBlob{
		baseaddress: baseAddress,
		data:        data,
		pageSize:    DefaultPageSize,
	}
	p.resetPages(memory_map.ProtRead | memory_map.ProtExec)

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Snapshot copies span out of another address space into a read-only blob
func Snapshot(r memory.Reader, span memory.Span) (*ProcessBlob, error) {
	data, err := r.ReadMemory(span.Base, span.Size)
	if err != nil {
		return nil, errors.WithMessagef(err, "snapshot %s", span)
	}
	return NewProcessBlob(span.Base, append([]byte(nil), data...), WithProt(memory_map.ProtRead)), nil
}

func (p *ProcessBlob) resetPages(prot memory_map.Protection) {
	first := memory.AlignDown(p.baseaddress, p.pageSize)
	end := p.baseaddress + memory.Address(len(p.data))
	count := 0
	if len(p.data) > 0 {
		count = int((end - first + memory.Address(p.pageSize) - 1) / memory.Address(p.pageSize))
	}
	p.prots = make([]memory_map.Protection, count)
	for i := range p.prots {
		p.prots[i] = prot
	}
}

func (p *ProcessBlob) firstPage() memory.Address {
	return memory.AlignDown(p.baseaddress, p.pageSize)
}

func (p *ProcessBlob) pageIndex(addr memory.Address) int {
	return int((addr - p.firstPage()) / memory.Address(p.pageSize))
}

func (p *ProcessBlob) span() memory.Span {
	return memory.NewSpan(p.baseaddress, memory.Size(len(p.data)))
}

// Data returns the backing buffer
func (p *ProcessBlob) Data() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

func (p *ProcessBlob) Base() memory.Address {
	return p.baseaddress
}

func (p *ProcessBlob) Span() memory.Span {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.span()
}

// Writes counts successful WriteMemory calls
func (p *ProcessBlob) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

// checkRange verifies [addr, addr+size) lies in the blob on pages carrying want
func (p *ProcessBlob) checkRange(addr memory.Address, size memory.Size, want memory_map.Protection) bool {
	if size == 0 || !p.span().ContainsRange(addr, size) {
		return false
	}
	for i := p.pageIndex(addr); i <= p.pageIndex(addr+memory.Address(size)-1); i++ {
		if p.prots[i]&want != want {
			return false
		}
	}
	return true
}

func (p *ProcessBlob) ReadMemory(addr memory.Address, size memory.Size) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if size == 0 {
		return []byte{}, nil
	}
	if !p.checkRange(addr, size, memory_map.ProtRead) {
		return nil, errors.Wrapf(memory.ErrInvalidMemory, "address out of bounds: %s+%d", addr, size)
	}

	offset := addr - p.baseaddress
	out := make([]byte, size)
	copy(out, p.data[offset:])
	return out, nil
}

func (p *ProcessBlob) WriteMemory(addr memory.Address, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(data) == 0 {
		return nil
	}
	if !p.span().ContainsRange(addr, memory.Size(len(data))) {
		return errors.Wrapf(memory.ErrInvalidMemory, "address out of bounds: %s+%d", addr, len(data))
	}
	if !p.checkRange(addr, memory.Size(len(data)), memory_map.ProtWrite) {
		return errors.Wrapf(memory.ErrWriteProtect, "page not writable: %s", addr)
	}

	copy(p.data[addr-p.baseaddress:], data)
	p.writes++
	return nil
}

func (p *ProcessBlob) IsValidAddress(addr memory.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checkRange(addr, 1, memory_map.ProtRead)
}

// Query returns the run of pages around addr that share its protection
func (p *ProcessBlob) Query(addr memory.Address) (memory_map.MemoryMapItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.span().Contains(addr) {
		return memory_map.MemoryMapItem{}, errors.Wrapf(memory.ErrInvalidMemory, "address not mapped: %s", addr)
	}

	idx := p.pageIndex(addr)
	prot := p.prots[idx]
	lo, hi := idx, idx
	for lo > 0 && p.prots[lo-1] == prot {
		lo--
	}
	for hi+1 < len(p.prots) && p.prots[hi+1] == prot {
		hi++
	}

	start := p.firstPage() + memory.Address(lo)*memory.Address(p.pageSize)
	end := p.firstPage() + memory.Address(hi+1)*memory.Address(p.pageSize)
	if start < p.baseaddress {
		start = p.baseaddress
	}
	if end > p.span().End() {
		end = p.span().End()
	}

	return memory_map.MemoryMapItem{
		Address: uint64(start),
		Size:    uint(end - start),
		Perms:   prot.String() + "p",
		Path:    "[blob]",
	}, nil
}

func (p *ProcessBlob) Protect(addr memory.Address, size memory.Size, prot memory_map.Protection) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if size == 0 {
		return nil
	}
	span := p.span()
	if addr >= span.End() || addr+memory.Address(size) <= span.Base {
		return errors.Wrapf(memory.ErrInvalidMemory, "address not mapped: %s", addr)
	}
	if addr < span.Base {
		size -= memory.Size(span.Base - addr)
		addr = span.Base
	}

	p.setProt(addr, size, prot)
	return nil
}

func (p *ProcessBlob) setProt(addr memory.Address, size memory.Size, prot memory_map.Protection) {
	if size == 0 || len(p.prots) == 0 {
		return
	}
	first := p.pageIndex(addr)
	last := p.pageIndex(addr + memory.Address(size) - 1)
	if last >= len(p.prots) {
		last = len(p.prots) - 1
	}
	for i := first; i <= last; i++ {
		p.prots[i] = prot
	}
}

// Alloc appends whole pages past the end of the blob
func (p *ProcessBlob) Alloc(size memory.Size, prot memory_map.Protection) (memory.Span, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size = memory.Align(size, p.pageSize)
	if size == 0 {
		return memory.Span{}, errors.Wrap(memory.ErrInvalidMemory, "invalid allocation size")
	}

	// pad the tail to a page boundary so the new pages get their own protection
	end := p.baseaddress + memory.Address(len(p.data))
	aligned := memory.Address(memory.Align(memory.Size(end), p.pageSize))
	pad := int(aligned - end)

	p.data = append(p.data, make([]byte, pad+int(size))...)
	for len(p.prots) < p.pageIndex(p.baseaddress+memory.Address(len(p.data))-1)+1 {
		p.prots = append(p.prots, prot)
	}

	span := memory.NewSpan(aligned, size)
	p.setProt(span.Base, span.Size, prot)
	return span, nil
}

// AllocNear allocates like Alloc and fails when the new pages land out of
// rel32 reach of near
func (p *ProcessBlob) AllocNear(near memory.Address, size memory.Size, prot memory_map.Protection) (memory.Span, error) {
	span, err := p.Alloc(size, prot)
	if err != nil {
		return memory.Span{}, err
	}
	if !memory.FitsRel32(near, span.Base) || !memory.FitsRel32(near, span.End()) {
		err := errors.Wrapf(memory.ErrOutOfRange, "%s is out of reach of %s", span, near)
		if ferr := p.Free(span); ferr != nil {
			return memory.Span{}, errors.WithMessagef(err, "free %s: %v", span, ferr)
		}
		return memory.Span{}, err
	}
	return span, nil
}

// Free drops access to the pages of span, the addresses are not reused
func (p *ProcessBlob) Free(span memory.Span) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.span().ContainsRange(span.Base, span.Size) {
		return errors.Wrapf(memory.ErrInvalidMemory, "free outside blob: %s", span)
	}
	p.setProt(span.Base, span.Size, memory_map.ProtNone)
	return nil
}

// MemoryMap lists the regions of the blob
func (p *ProcessBlob) MemoryMap() []memory_map.MemoryMapItem {
	var out []memory_map.MemoryMapItem
	span := p.Span()
	for addr := span.Base; addr < span.End(); {
		item, err := p.Query(addr)
		if err != nil {
			break
		}
		out = append(out, item)
		addr = memory.Address(item.End())
	}
	return out
}
