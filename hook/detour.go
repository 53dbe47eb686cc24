package hook

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"gopatch/memory"
	"gopatch/memory/memory_map"
	"gopatch/patch"
)

const (
	nearJumpSize = 5
	farJumpSize  = 14

	// longest jump plus the longest instruction that can straddle it
	maxPrologue = farJumpSize + 15
)

// Detour is an inline hook: the first instructions of target are replaced by
// a jump to hook and moved into a trampoline that continues into the rest of target.
//
//	[target]     jmp hook; nop...
//	[trampoline] <stolen instructions>; jmp [rip+0] -> target+stolen
type Detour struct {
	mu         sync.Mutex
	mem        memory.Memory
	alloc      memory.Allocator
	mode       int
	target     memory.Address
	hook       memory.Address
	trampoline memory.Span
	stolen     int
	entry      *patch.Patch
	reverted   bool
}

// NewDetour installs an inline hook on target. The entry jump is a rel32 jmp
// when hook is in range and a 14-byte absolute jmp otherwise. Prologues whose
// relative instructions cannot be moved fail with ErrUnsupportedPrologue.
// Code is decoded as 32-bit x86 when the engine patches 4-byte pointers; rel32
// then reaches the whole address space.
func NewDetour(engine *patch.Engine, alloc memory.Allocator, target, hook memory.Address) (*Detour, error) {
	mem := engine.Memory()
	mode := memory.DecodeMode(engine.PointerSize())

	code, err := readPrologue(mem, target)
	if err != nil {
		return nil, err
	}

	jumpSize := nearJumpSize
	if mode == 64 && !memory.FitsRel32(target+nearJumpSize, hook) {
		jumpSize = farJumpSize
	}

	insts, stolen, err := measurePrologue(code, jumpSize, mode)
	if err != nil {
		return nil, errors.WithMessagef(err, "detour %s", target)
	}

	span, err := allocTrampoline(alloc, target, memory.Size(stolen+farJumpSize))
	if err != nil {
		return nil, errors.WithMessage(err, "allocate trampoline")
	}

	d := &Detour{
		mem:        mem,
		alloc:      alloc,
		mode:       mode,
		target:     target,
		hook:       hook,
		trampoline: span,
		stolen:     stolen,
	}

	if err := d.install(engine, code[:stolen], insts, jumpSize); err != nil {
		if ferr := alloc.Free(span); ferr != nil {
			return nil, errors.WithMessagef(err, "free trampoline: %v", ferr)
		}
		return nil, err
	}

	return d, nil
}

// allocTrampoline keeps the trampoline within rel32 reach of target when the
// backend can place pages, so stolen calls stay encodable
func allocTrampoline(alloc memory.Allocator, target memory.Address, size memory.Size) (memory.Span, error) {
	prot := memory_map.ProtRead | memory_map.ProtWrite | memory_map.ProtExec
	if near, ok := alloc.(memory.NearAllocator); ok {
		if span, err := near.AllocNear(target, size, prot); err == nil {
			return span, nil
		}
	}
	return alloc.Alloc(size, prot)
}

func (d *Detour) install(engine *patch.Engine, stolen []byte, insts []x86asm.Inst, jumpSize int) error {
	body, err := relocate(stolen, insts, d.target, d.trampoline.Base, d.mode)
	if err != nil {
		return err
	}
	if d.mode == 32 {
		back, err := nearJump(d.trampoline.Base+memory.Address(len(body)), d.target+memory.Address(d.stolen), d.mode)
		if err != nil {
			return err
		}
		body = append(body, back...)
	} else {
		body = append(body, farJump(d.target+memory.Address(d.stolen))...)
	}

	if err := d.mem.WriteMemory(d.trampoline.Base, body); err != nil {
		return errors.WithMessage(err, "write trampoline")
	}
	if _, err := memory.RemoveWritable(d.mem, d.trampoline.Base); err != nil {
		return errors.WithMessage(err, "seal trampoline")
	}

	var entry []byte
	if jumpSize == nearJumpSize {
		entry, err = nearJump(d.target, d.hook, d.mode)
		if err != nil {
			return err
		}
	} else {
		entry = farJump(d.hook)
	}
	entry = append(entry, bytes.Repeat([]byte{0x90}, d.stolen-len(entry))...)

	d.entry, err = engine.Bytes(d.target, entry)
	if err != nil {
		return errors.WithMessage(err, "write entry jump")
	}
	return nil
}

func (d *Detour) Target() memory.Address {
	return d.target
}

func (d *Detour) Hook() memory.Address {
	return d.hook
}

// Trampoline is the address that runs the original function
func (d *Detour) Trampoline() memory.Address {
	return d.trampoline.Base
}

// Stolen is the number of prologue bytes moved into the trampoline
func (d *Detour) Stolen() int {
	return d.stolen
}

// Patch returns the entry patch, e.g. to hand it to a patch.Set
func (d *Detour) Patch() *patch.Patch {
	return d.entry
}

// Revert restores the prologue and frees the trampoline. Safe to call twice.
func (d *Detour) Revert() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.reverted {
		return nil
	}

	if err := d.entry.Revert(); err != nil {
		return err
	}
	if err := d.alloc.Free(d.trampoline); err != nil {
		return errors.WithMessage(err, "free trampoline")
	}

	d.reverted = true
	return nil
}

// readPrologue reads up to maxPrologue bytes, less when target sits near the end of a mapping
func readPrologue(r memory.Reader, target memory.Address) ([]byte, error) {
	var lastErr error
	for n := memory.Size(maxPrologue); n >= nearJumpSize; n-- {
		data, err := r.ReadMemory(target, n)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, errors.WithMessagef(lastErr, "read prologue at %s", target)
}

// measurePrologue decodes whole instructions until at least need bytes are covered
func measurePrologue(code []byte, need, mode int) ([]x86asm.Inst, int, error) {
	var insts []x86asm.Inst
	off := 0

	for off < need {
		if off >= len(code) {
			return nil, 0, errors.Wrapf(memory.ErrUnsupportedPrologue, "prologue shorter than %d bytes", need)
		}

		inst, err := x86asm.Decode(code[off:], mode)
		if err != nil {
			return nil, 0, errors.Wrapf(memory.ErrUnsupportedPrologue, "decode at +%d: %v", off, err)
		}

		switch inst.Op {
		case x86asm.RET, x86asm.INT:
			return nil, 0, errors.Wrapf(memory.ErrUnsupportedPrologue, "function ends at +%d", off)
		}

		last := off+inst.Len >= need
		if err := checkMovable(code[off:], inst, last); err != nil {
			return nil, 0, errors.Wrapf(memory.ErrUnsupportedPrologue, "+%d %s: %v", off, inst.String(), err)
		}

		insts = append(insts, inst)
		off += inst.Len
	}

	return insts, off, nil
}

// checkMovable accepts position independent instructions plus E8 rel32 calls,
// and an E9 rel32 jmp as the final stolen instruction
func checkMovable(code []byte, inst x86asm.Inst, last bool) error {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch a := arg.(type) {
		case x86asm.Rel:
			switch {
			case inst.Len == nearJumpSize && code[0] == 0xE8:
			case inst.Len == nearJumpSize && code[0] == 0xE9 && last:
			default:
				return errors.New("relative branch cannot be relocated")
			}
		case x86asm.Mem:
			if a.Base == x86asm.RIP {
				return errors.New("rip-relative operand")
			}
		}
	}
	return nil
}

// relocate copies the stolen instructions to dst, fixing rel32 displacements
func relocate(code []byte, insts []x86asm.Inst, src, dst memory.Address, mode int) ([]byte, error) {
	out := append([]byte(nil), code...)

	off := 0
	for _, inst := range insts {
		if inst.Len == nearJumpSize && (out[off] == 0xE8 || out[off] == 0xE9) {
			disp := int32(binary.LittleEndian.Uint32(out[off+1:]))
			orig := src.Add(int64(off) + nearJumpSize + int64(disp))

			rel, err := rel32(orig, dst+memory.Address(off+1), mode)
			if err != nil {
				return nil, errors.Wrapf(memory.ErrUnsupportedPrologue, "relocate +%d: %v", off, err)
			}
			binary.LittleEndian.PutUint32(out[off+1:], uint32(rel))
		}
		off += inst.Len
	}

	return out, nil
}

// rel32 is the displacement stored at field that resolves to target. 32-bit
// code wraps around the 4GB address space.
func rel32(target, field memory.Address, mode int) (int32, error) {
	if mode == 32 {
		return int32(uint32(target) - uint32(field+4)), nil
	}
	return memory.CalcRel(target, field, 4)
}

func nearJump(site, dst memory.Address, mode int) ([]byte, error) {
	rel, err := rel32(dst, site+1, mode)
	if err != nil {
		return nil, err
	}
	out := make([]byte, nearJumpSize)
	out[0] = 0xE9
	binary.LittleEndian.PutUint32(out[1:], uint32(rel))
	return out, nil
}

// farJump encodes jmp qword ptr [rip+0] followed by the destination
func farJump(dst memory.Address) []byte {
	out := make([]byte, farJumpSize)
	out[0] = 0xFF
	out[1] = 0x25
	binary.LittleEndian.PutUint64(out[6:], uint64(dst))
	return out
}
