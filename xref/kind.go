package xref

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"gopatch/memory"
)

// Kind classifies how a site references its target
type Kind uint8

const (
	// AbsolutePointer is a raw pointer-sized immediate equal to the target
	AbsolutePointer Kind = iota
	// RelativeCall is E8 rel32
	RelativeCall
	// RelativeJump is E9 rel32
	RelativeJump
)

const (
	OpcodeCall byte = 0xE8
	OpcodeJump byte = 0xE9

	// RelInstructionLength is the length of an E8/E9 rel32 instruction
	RelInstructionLength = 5
)

var kindNames = map[Kind]string{
	AbsolutePointer: "absolute",
	RelativeCall:    "call",
	RelativeJump:    "jmp",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// KindForOpcode maps a relative opcode to its Kind
func KindForOpcode(opcode byte) (Kind, error) {
	switch opcode {
	case OpcodeCall:
		return RelativeCall, nil
	case OpcodeJump:
		return RelativeJump, nil
	}
	return 0, errors.Wrapf(memory.ErrUnsupportedOpcode, "0x%02X", opcode)
}

func (k Kind) IsRelative() bool {
	return k == RelativeCall || k == RelativeJump
}

// Opcode returns the instruction byte, 0 for AbsolutePointer
func (k Kind) Opcode() byte {
	switch k {
	case RelativeCall:
		return OpcodeCall
	case RelativeJump:
		return OpcodeJump
	}
	return 0
}

// FieldOffset is the distance from the site to the field a patch rewrites
func (k Kind) FieldOffset() memory.Size {
	if k.IsRelative() {
		return 1
	}
	return 0
}

// Width is the size of the rewritten field
func (k Kind) Width(ptrSize int) memory.Size {
	if k.IsRelative() {
		return 4
	}
	return memory.Size(ptrSize)
}

// Span is the number of bytes Decode needs at the site
func (k Kind) Span(ptrSize int) memory.Size {
	if k.IsRelative() {
		return RelInstructionLength
	}
	return memory.Size(ptrSize)
}

// Decode returns the address the bytes at site refer to. For relative kinds data
// starts at the opcode; for AbsolutePointer len(data) is the pointer width.
func (k Kind) Decode(site memory.Address, data []byte) (memory.Address, bool) {
	switch k {
	case RelativeCall, RelativeJump:
		if len(data) < RelInstructionLength || data[0] != k.Opcode() {
			return 0, false
		}
		disp := int32(binary.LittleEndian.Uint32(data[1:5]))
		return site.Add(RelInstructionLength + int64(disp)), true
	case AbsolutePointer:
		switch len(data) {
		case 4:
			return memory.Address(binary.LittleEndian.Uint32(data)), true
		case 8:
			return memory.Address(binary.LittleEndian.Uint64(data)), true
		}
	}
	return 0, false
}

// Encode returns the full bytes of a site referring to target. Relative kinds
// fail with ErrOutOfRange when target is beyond a signed 32-bit displacement.
func (k Kind) Encode(site, target memory.Address, ptrSize int) ([]byte, error) {
	if k.IsRelative() {
		rel, err := memory.CalcRel(target, site+1, 4)
		if err != nil {
			return nil, err
		}
		out := make([]byte, RelInstructionLength)
		out[0] = k.Opcode()
		binary.LittleEndian.PutUint32(out[1:], uint32(rel))
		return out, nil
	}
	if k == AbsolutePointer {
		return memory.EncodePointer(target, ptrSize)
	}
	return nil, errors.Wrapf(memory.ErrUnsupportedOpcode, "kind %s", k)
}
