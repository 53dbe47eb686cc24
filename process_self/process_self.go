// Package process_self is the memory backend for the running process. Reads
// and writes go straight through pointers; safe mode checks the memory map
// first and turns faults into errors.
package process_self

import (
	"encoding/binary"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"gopatch/memory"
	"gopatch/memory/memory_map"
)

type Process struct {
	mu     sync.Mutex
	safe   bool
	mm     []memory_map.MemoryMapItem // cached for safe mode checks, refreshed on a miss
	allocs map[memory.Address]mmap.MMap
	near   map[memory.Address]memory.Size // placed by AllocNear, released by freeAt
	log    *logger.Logger
}

var _ memory.Memory = (*Process)(nil)
var _ memory.NearAllocator = (*Process)(nil)

type Option func(*Process)

// WithSafeMode validates every access against the memory map and recovers
// from faults. On by default.
func WithSafeMode(safe bool) Option {
	return func(p *Process) {
		p.safe = safe
	}
}

func WithLogger(log *logger.Logger) Option {
	return func(p *Process) {
		p.log = log
	}
}

func New(opts ...Option) *Process {
	p := &Process{
		safe:   true,
		allocs: make(map[memory.Address]mmap.MMap),
		near:   make(map[memory.Address]memory.Size),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.log == nil {
		p.log = logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "process-self"))
	}

	return p
}

func (p *Process) SafeMode() bool {
	return p.safe
}

// covered checks [addr, addr+size) against the cached map, re-reading it once on a miss
func (p *Process) covered(addr memory.Address, size memory.Size, want memory_map.Protection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mm != nil && memory_map.IsRangeCovered(uint64(addr), uint64(size), want, p.mm) {
		return true
	}

	mm, err := readMemoryMap()
	if err != nil {
		p.log.Debugln("Failed to read memory map:", err)
		return false
	}
	memory_map.Sort(mm)
	p.mm = mm

	return memory_map.IsRangeCovered(uint64(addr), uint64(size), want, p.mm)
}

func (p *Process) invalidate() {
	p.mu.Lock()
	p.mm = nil
	p.mu.Unlock()
}

// MemoryMap returns a fresh map of the process
func (p *Process) MemoryMap() ([]memory_map.MemoryMapItem, error) {
	mm, err := readMemoryMap()
	if err != nil {
		return nil, err
	}
	memory_map.Sort(mm)
	return mm, nil
}

func (p *Process) IsValidAddress(addr memory.Address) bool {
	return p.covered(addr, 1, memory_map.ProtRead)
}

// guard converts a fault raised by fn into ErrInvalidMemory
func guard(addr memory.Address, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(memory.ErrInvalidMemory, "fault at %s: %v", addr, r)
		}
	}()

	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)

	fn()
	return nil
}

func pointer(addr memory.Address) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}

func (p *Process) ReadMemory(addr memory.Address, size memory.Size) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	if addr == 0 || addr+memory.Address(size) < addr {
		return nil, errors.Wrapf(memory.ErrInvalidMemory, "read %s+%d", addr, size)
	}
	if p.safe && !p.covered(addr, size, memory_map.ProtRead) {
		return nil, errors.Wrapf(memory.ErrInvalidMemory, "address not mapped: %s+%d", addr, size)
	}

	out := make([]byte, size)
	err := guard(addr, func() {
		copy(out, unsafe.Slice((*byte)(pointer(addr)), size))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type storeKind uint8

const (
	storeCopy storeKind = iota
	storeAligned
	storeMerge     // CAS on the enclosing aligned qword
	storeUnaligned // single unaligned mov inside one cache line
)

const cacheLine = 64

// storeFor picks how n bytes at addr are written. Everything but storeCopy
// is observed by other threads as one store.
func storeFor(addr memory.Address, n int) storeKind {
	switch {
	case n == 8 && addr%8 == 0, n == 4 && addr%4 == 0:
		return storeAligned
	case n < 8 && int(addr%8)+n <= 8:
		return storeMerge
	case (n == 4 || n == 8) && int(addr%cacheLine)+n <= cacheLine:
		return storeUnaligned
	}
	return storeCopy
}

// WriteMemory stores data at addr. Writes of up to 8 bytes that stay inside
// one qword or one cache line are single atomic stores.
func (p *Process) WriteMemory(addr memory.Address, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if addr == 0 || addr+memory.Address(len(data)) < addr {
		return errors.Wrapf(memory.ErrInvalidMemory, "write %s+%d", addr, len(data))
	}
	if p.safe {
		if !p.covered(addr, memory.Size(len(data)), memory_map.ProtRead) {
			return errors.Wrapf(memory.ErrInvalidMemory, "address not mapped: %s+%d", addr, len(data))
		}
		if !p.covered(addr, memory.Size(len(data)), memory_map.ProtWrite) {
			return errors.Wrapf(memory.ErrWriteProtect, "page not writable: %s", addr)
		}
	}

	return guard(addr, func() {
		switch storeFor(addr, len(data)) {
		case storeAligned:
			if len(data) == 8 {
				atomic.StoreUint64((*uint64)(pointer(addr)), binary.LittleEndian.Uint64(data))
			} else {
				atomic.StoreUint32((*uint32)(pointer(addr)), binary.LittleEndian.Uint32(data))
			}
		case storeMerge:
			mergeStore(addr, data)
		case storeUnaligned:
			if len(data) == 8 {
				*(*uint64)(pointer(addr)) = binary.LittleEndian.Uint64(data)
			} else {
				*(*uint32)(pointer(addr)) = binary.LittleEndian.Uint32(data)
			}
		default:
			copy(unsafe.Slice((*byte)(pointer(addr)), len(data)), data)
		}
	})
}

// mergeStore swaps data into the aligned qword holding it, leaving the
// neighbouring bytes as they are
func mergeStore(addr memory.Address, data []byte) {
	q := (*uint64)(pointer(addr &^ 7))
	shift := uint(addr%8) * 8

	var buf [8]byte
	copy(buf[:], data)
	val := binary.LittleEndian.Uint64(buf[:]) << shift
	mask := (uint64(1)<<(uint(len(data))*8) - 1) << shift

	for {
		old := atomic.LoadUint64(q)
		if atomic.CompareAndSwapUint64(q, old, old&^mask|val) {
			return
		}
	}
}

// Query returns the region holding addr as the OS currently reports it
func (p *Process) Query(addr memory.Address) (memory_map.MemoryMapItem, error) {
	return queryRegion(addr)
}

// Protect changes the protection of every page overlapping [addr, addr+size)
func (p *Process) Protect(addr memory.Address, size memory.Size, prot memory_map.Protection) error {
	if size == 0 {
		return nil
	}
	defer p.invalidate()

	page := memory.Size(os.Getpagesize())
	start := memory.AlignDown(addr, page)
	length := memory.Align(memory.Size(addr-start)+size, page)
	if length == 0 {
		return errors.Wrapf(memory.ErrInvalidMemory, "protect %s+%d", addr, size)
	}

	if err := protect(start, length, prot); err != nil {
		return errors.Wrapf(memory.ErrWriteProtect, "protect %s+%d %s: %v", start, length, prot, err)
	}
	return nil
}

// Alloc maps fresh anonymous pages with prot
func (p *Process) Alloc(size memory.Size, prot memory_map.Protection) (memory.Span, error) {
	size = memory.Align(size, memory.Size(os.Getpagesize()))
	if size == 0 {
		return memory.Span{}, errors.Wrap(memory.ErrInvalidMemory, "invalid allocation size")
	}

	flags := mmap.RDWR
	mapped := memory_map.ProtRead | memory_map.ProtWrite
	if prot.CanExec() {
		flags |= mmap.EXEC
		mapped |= memory_map.ProtExec
	}
	m, err := mmap.MapRegion(nil, int(size), flags, mmap.ANON, 0)
	if err != nil {
		return memory.Span{}, errors.Wrap(err, "map anonymous pages")
	}

	span := memory.NewSpan(memory.Address(uintptr(unsafe.Pointer(&m[0]))), size)

	p.mu.Lock()
	p.allocs[span.Base] = m
	p.mm = nil
	p.mu.Unlock()

	if prot != mapped {
		if err := p.Protect(span.Base, span.Size, prot); err != nil {
			return memory.Span{}, undoAlloc(p.Free, span, err)
		}
	}

	p.log.Debugln("Allocated", span.String(), prot.String())
	return span, nil
}

// undoAlloc releases span after cause failed its setup. A failed release is
// reported alongside cause.
func undoAlloc(free func(memory.Span) error, span memory.Span, cause error) error {
	if ferr := free(span); ferr != nil {
		return errors.WithMessagef(cause, "free %s: %v", span, ferr)
	}
	return cause
}

// AllocNear maps pages within rel32 reach of near, trying the free gaps of
// the memory map closest first
func (p *Process) AllocNear(near memory.Address, size memory.Size, prot memory_map.Protection) (memory.Span, error) {
	granularity := allocGranularity()
	size = memory.Align(size, granularity)
	if size == 0 {
		return memory.Span{}, errors.Wrap(memory.ErrInvalidMemory, "invalid allocation size")
	}

	mm, err := p.MemoryMap()
	if err != nil {
		return memory.Span{}, errors.WithMessage(err, "allocate near")
	}

	for _, addr := range memory.NearCandidates(near, size, granularity, mm) {
		if err := allocAt(addr, size, prot); err != nil {
			p.log.Debugln("Allocation at", addr.String(), "failed:", err)
			continue
		}

		span := memory.NewSpan(addr, size)
		p.mu.Lock()
		p.near[span.Base] = span.Size
		p.mm = nil
		p.mu.Unlock()

		p.log.Debugln("Allocated", span.String(), prot.String(), "near", near.String())
		return span, nil
	}

	return memory.Span{}, errors.Wrapf(memory.ErrOutOfRange, "no free pages within reach of %s", near)
}

// Free releases pages returned by Alloc or AllocNear
func (p *Process) Free(span memory.Span) error {
	p.mu.Lock()
	m, ok := p.allocs[span.Base]
	if ok {
		delete(p.allocs, span.Base)
	}
	nearSize, isNear := p.near[span.Base]
	if isNear {
		delete(p.near, span.Base)
	}
	p.mm = nil
	p.mu.Unlock()

	if isNear {
		return errors.Wrapf(freeAt(span.Base, nearSize), "unmap %s", span)
	}
	if !ok {
		return errors.Wrapf(memory.ErrInvalidMemory, "not allocated here: %s", span)
	}

	if err := m.Unmap(); err != nil {
		return errors.Wrapf(err, "unmap %s", span)
	}
	return nil
}
