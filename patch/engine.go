package patch

import (
	"bytes"
	"encoding/binary"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"github.com/pkg/errors"

	"gopatch/memory"
	"gopatch/memory/memory_map"
)

const opcodeNop = 0x90

// Engine applies patches to one address space
type Engine struct {
	mem               memory.Memory
	restoreProtection bool
	pointerSize       int
	log               *logger.Logger
}

type Option func(*Engine)

// WithRestoreProtection controls whether pages made writable for a write get
// their original protection back afterwards. On by default.
func WithRestoreProtection(restore bool) Option {
	return func(e *Engine) {
		e.restoreProtection = restore
	}
}

// WithPointerSize sets the width of Pointer patches, 4 or 8
func WithPointerSize(size int) Option {
	return func(e *Engine) {
		e.pointerSize = size
	}
}

func WithLogger(log *logger.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

func NewEngine(mem memory.Memory, opts ...Option) *Engine {
	e := &Engine{
		mem:               mem,
		restoreProtection: true,
		pointerSize:       memory.PointerSize,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.log == nil {
		e.log = logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "patch"))
	}

	return e
}

func (e *Engine) Memory() memory.Memory {
	return e.mem
}

func (e *Engine) PointerSize() int {
	return e.pointerSize
}

// Bytes overwrites len(data) bytes at location
func (e *Engine) Bytes(location memory.Address, data []byte) (*Patch, error) {
	if len(data) == 0 {
		return nil, errors.Wrapf(memory.ErrInvalidMemory, "empty patch at %s", location)
	}

	original, err := e.mem.ReadMemory(location, memory.Size(len(data)))
	if err != nil {
		return nil, errors.WithMessagef(err, "snapshot %s", location)
	}
	if len(original) != len(data) {
		return nil, errors.Wrapf(memory.ErrInvalidMemory, "short snapshot at %s", location)
	}
	original = append([]byte(nil), original...)

	if err := e.write(location, data); err != nil {
		return nil, err
	}

	e.log.Debugln("Patched", location.String(), "size", len(data))

	return &Patch{
		engine:    e,
		address:   location,
		original:  original,
		installed: append([]byte(nil), data...),
		state:     Applied,
	}, nil
}

// Pointer replaces the pointer-sized slot at location with value
func (e *Engine) Pointer(location, value memory.Address) (*Patch, error) {
	data, err := memory.EncodePointer(value, e.pointerSize)
	if err != nil {
		return nil, err
	}
	return e.Bytes(location, data)
}

// Relative redirects the E8/E9 rel32 instruction at location to target,
// keeping the opcode byte and rewriting the 4 displacement bytes
func (e *Engine) Relative(location, target memory.Address) (*Patch, error) {
	return e.Displacement(location+1, location+5, target)
}

// Displacement rewrites the int32 at field so that next + displacement == target,
// where next is the address of the following instruction. It covers RIP-relative
// operands as well as branch immediates.
func (e *Engine) Displacement(field, next, target memory.Address) (*Patch, error) {
	if !memory.FitsRel32(next, target) {
		return nil, errors.Wrapf(memory.ErrOutOfRange, "%s -> %s", next, target)
	}

	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(int32(int64(target)-int64(next))))
	return e.Bytes(field, data)
}

// Nop fills n bytes at location with 0x90
func (e *Engine) Nop(location memory.Address, n int) (*Patch, error) {
	return e.Bytes(location, bytes.Repeat([]byte{opcodeNop}, n))
}

type changedRegion struct {
	addr memory.Address
	size memory.Size
	prot memory_map.Protection
}

// write validates the range, makes it writable if needed, issues a single
// backend write and restores protection according to the engine policy
func (e *Engine) write(addr memory.Address, data []byte) error {
	size := memory.Size(len(data))
	end := addr + memory.Address(size)
	if end < addr {
		return errors.Wrapf(memory.ErrInvalidMemory, "range wraps: %s+%d", addr, size)
	}

	var regions []memory_map.MemoryMapItem
	for cur := addr; cur < end; {
		item, err := e.mem.Query(cur)
		if err != nil {
			return errors.Wrapf(memory.ErrInvalidMemory, "query %s: %v", cur, err)
		}
		if item.Prot() == memory_map.ProtNone {
			return errors.Wrapf(memory.ErrInvalidMemory, "no access at %s", cur)
		}
		regions = append(regions, item)
		cur = memory.Address(item.End())
	}

	var changed []changedRegion
	restore := func() {
		for i := len(changed) - 1; i >= 0; i-- {
			c := changed[i]
			if err := e.mem.Protect(c.addr, c.size, c.prot); err != nil {
				e.log.Warn("Failed to restore protection at ", c.addr.String(), ": ", err)
			}
		}
	}

	for _, item := range regions {
		if item.IsWritable() {
			continue
		}

		lo := addr
		if start := memory.Address(item.Address); start > lo {
			lo = start
		}
		hi := end
		if stop := memory.Address(item.End()); stop < hi {
			hi = stop
		}

		prot := item.Prot()
		if err := e.mem.Protect(lo, memory.Size(hi-lo), prot|memory_map.ProtRead|memory_map.ProtWrite); err != nil {
			restore()
			return errors.Wrapf(memory.ErrWriteProtect, "make writable %s: %v", lo, err)
		}
		changed = append(changed, changedRegion{addr: lo, size: memory.Size(hi - lo), prot: prot})
	}

	err := e.mem.WriteMemory(addr, data)

	if e.restoreProtection {
		restore()
	}

	if err != nil {
		if errors.Is(err, memory.ErrWriteProtect) || errors.Is(err, memory.ErrInvalidMemory) {
			return errors.WithMessagef(err, "write %s", addr)
		}
		return errors.Wrapf(memory.ErrWriteProtect, "write %s: %v", addr, err)
	}

	return nil
}
