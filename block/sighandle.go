package block

import (
	"github.com/pkg/errors"

	"gopatch/memory"
	"gopatch/patch"
	"gopatch/signature"
	"gopatch/xref"
)

// SigHandle is the outcome of a signature scan: a cursor at the match that can
// be moved, dereferenced and patched. The first failure sticks; later calls do
// nothing and Err reports it.
type SigHandle struct {
	block   *Block
	sig     signature.Signature
	addr    memory.Address
	found   bool
	err     error
	handles []patch.Handle
}

func (h *SigHandle) find(span memory.Span) {
	addr, found, err := signature.Find(h.block.mem, span, h.sig, h.block.scanOpts...)
	if err != nil {
		h.fail(err)
		return
	}
	h.addr, h.found = addr, found
}

func (h *SigHandle) fail(err error) *SigHandle {
	if h.err == nil {
		h.err = err
	}
	return h
}

func (h *SigHandle) ok() bool {
	if h.err != nil {
		return false
	}
	if !h.found {
		h.err = errors.Wrapf(memory.ErrNotFound, "signature %s", h.sig.String())
		return false
	}
	return true
}

// Found reports a match with no error since
func (h *SigHandle) Found() bool {
	return h.found && h.err == nil
}

// Address is the current cursor, zero when nothing was found
func (h *SigHandle) Address() memory.Address {
	return h.addr
}

// RVA is the cursor relative to the block base, zero when nothing was found
// or the cursor moved below the base
func (h *SigHandle) RVA() memory.Size {
	if !h.found || h.addr < h.block.Base() {
		return 0
	}
	return memory.Size(h.addr - h.block.Base())
}

func (h *SigHandle) Signature() signature.Signature {
	return h.sig
}

func (h *SigHandle) Block() *Block {
	return h.block
}

func (h *SigHandle) Err() error {
	return h.err
}

// Handles lists the patches made through this handle
func (h *SigHandle) Handles() []patch.Handle {
	return h.handles
}

// Offset moves the cursor by delta bytes
func (h *SigHandle) Offset(delta int64) *SigHandle {
	if h.ok() {
		h.addr = h.addr.Add(delta)
	}
	return h
}

// Deref replaces the cursor with the pointer stored at it
func (h *SigHandle) Deref() *SigHandle {
	if !h.ok() {
		return h
	}
	ptr, err := memory.ReadPointerSized(h.block.mem, h.addr, h.block.engine.PointerSize())
	if err != nil {
		return h.fail(err)
	}
	h.addr = ptr
	return h
}

// Rel resolves the int32 displacement at the cursor: cursor + disp + offset.
// Rel(4) follows a rel32 field to its target.
func (h *SigHandle) Rel(offset int64) *SigHandle {
	if !h.ok() {
		return h
	}
	target, err := memory.RelToAbs(h.block.mem, h.addr, offset)
	if err != nil {
		return h.fail(err)
	}
	h.addr = target
	return h
}

// Find scans again from the cursor to the end of the block
func (h *SigHandle) Find(sig signature.Signature) *SigHandle {
	if !h.ok() {
		return h
	}
	span := memory.SpanFromBounds(h.addr, h.block.span.End())
	h.sig, h.found = sig, false
	h.find(span)
	return h
}

func (h *SigHandle) record(handle patch.Handle, err error) *SigHandle {
	if err != nil {
		return h.fail(err)
	}
	h.handles = append(h.handles, handle)
	return h
}

// Patch overwrites the bytes at the cursor
func (h *SigHandle) Patch(data []byte) *SigHandle {
	if !h.ok() {
		return h
	}
	return h.record(h.block.PatchBytes(h.addr, data))
}

func (h *SigHandle) PatchPointer(value memory.Address) *SigHandle {
	if !h.ok() {
		return h
	}
	return h.record(h.block.PatchPointer(h.addr, value))
}

// PatchRelative redirects the E8/E9 instruction at the cursor
func (h *SigHandle) PatchRelative(target memory.Address) *SigHandle {
	if !h.ok() {
		return h
	}
	return h.record(h.block.PatchRelative(h.addr, target))
}

func (h *SigHandle) Nop(n int) *SigHandle {
	if !h.ok() {
		return h
	}
	return h.record(h.block.PatchNop(h.addr, n))
}

// HookCall redirects the call at the cursor to replacement
func (h *SigHandle) HookCall(replacement memory.Address) *SigHandle {
	return h.hookRel(xref.OpcodeCall, replacement)
}

// HookJump redirects the jmp at the cursor to replacement
func (h *SigHandle) HookJump(replacement memory.Address) *SigHandle {
	return h.hookRel(xref.OpcodeJump, replacement)
}

func (h *SigHandle) hookRel(opcode byte, replacement memory.Address) *SigHandle {
	if !h.ok() {
		return h
	}
	op, err := memory.ReadUINT8(h.block.mem, h.addr)
	if err != nil {
		return h.fail(err)
	}
	if op != opcode {
		return h.fail(errors.Wrapf(memory.ErrUnsupportedOpcode, "expected 0x%02X at %s, found 0x%02X", opcode, h.addr, op))
	}
	return h.PatchRelative(replacement)
}
