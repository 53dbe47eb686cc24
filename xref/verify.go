package xref

import (
	"golang.org/x/arch/x86/x86asm"

	"gopatch/memory"
)

// maxInstructionLength is the architectural limit for one x86 instruction
const maxInstructionLength = 15

// Verify decodes span linearly from span.Base, which must be an instruction
// boundary, and keeps the relative references that start a 5-byte rel32 CALL
// or JMP. Absolute references are kept as is. Undecodable bytes are skipped one
// at a time. ptrSize picks 32 or 64-bit decoding; 0 means memory.PointerSize.
func Verify(r memory.Reader, span memory.Span, refs []Reference, ptrSize int) ([]Reference, error) {
	if ptrSize == 0 {
		ptrSize = memory.PointerSize
	}
	mode := memory.DecodeMode(ptrSize)

	want := make(map[memory.Address]Kind)
	for _, ref := range refs {
		if !ref.IsAbsolute() && span.Contains(ref.Address) {
			want[ref.Address] = ref.Kind
		}
	}

	confirmed := make(map[memory.Address]bool, len(want))
	if len(want) > 0 {
		next := span.Base
		err := memory.Walk(r, span, 0, maxInstructionLength-1, func(base memory.Address, data []byte, owned int) bool {
			for next < base+memory.Address(owned) {
				i := int(next - base)
				inst, err := x86asm.Decode(data[i:], mode)
				if err != nil {
					next++
					continue
				}
				if kind, ok := want[next]; ok && isRelBranch(kind, inst) {
					confirmed[next] = true
				}
				next += memory.Address(inst.Len)
			}
			return true
		})
		if err != nil {
			return nil, err
		}
	}

	out := make([]Reference, 0, len(refs))
	for _, ref := range refs {
		if ref.IsAbsolute() || confirmed[ref.Address] {
			out = append(out, ref)
		}
	}
	return out, nil
}

func isRelBranch(kind Kind, inst x86asm.Inst) bool {
	if inst.Len != RelInstructionLength {
		return false
	}

	switch {
	case kind == RelativeCall && inst.Op == x86asm.CALL:
	case kind == RelativeJump && inst.Op == x86asm.JMP:
	default:
		return false
	}

	_, ok := inst.Args[0].(x86asm.Rel)
	return ok
}
