package memory

import (
	"math"

	"github.com/pkg/errors"
)

// IsInBounds reports lower <= addr < upper
func IsInBounds(addr, lower, upper Address) bool {
	if addr < lower {
		return false
	}

	if addr >= upper {
		return false
	}

	return true
}

// IsIn32BitRange reports whether addr1 and addr2+offset are at most 4 GiB apart
func IsIn32BitRange(addr1, addr2 Address, offset int64) bool {
	adjusted := addr2.Add(offset)

	var diff uint64
	if addr1 > adjusted {
		diff = uint64(addr1 - adjusted)
	} else {
		diff = uint64(adjusted - addr1)
	}

	return diff <= math.MaxUint32
}

// FitsRel32 reports whether target is reachable from next with a signed 32-bit displacement
func FitsRel32(next, target Address) bool {
	delta := int64(target) - int64(next)
	return delta >= math.MinInt32 && delta <= math.MaxInt32
}

// CalcRel computes the displacement of an immediate at addr, of width immSize, that resolves to target
func CalcRel(target, addr Address, immSize Size) (int32, error) {
	next := addr + Address(immSize)
	if !FitsRel32(next, target) {
		return 0, errors.Wrapf(ErrOutOfRange, "%s -> %s", next, target)
	}
	return int32(int64(target) - int64(next)), nil
}

// PtrOffset adds a signed offset to addr and optionally dereferences the result
func PtrOffset(r Reader, addr Address, offset int64, dereference bool) (Address, error) {
	result := addr.Add(offset)

	if dereference {
		return ReadPOINTER(r, result)
	}

	return result, nil
}

// PtrAdvance is PtrOffset with an unsigned forward offset
func PtrAdvance(r Reader, addr Address, offset Size, dereference bool) (Address, error) {
	return PtrOffset(r, addr, int64(offset), dereference)
}

// PtrRewind is PtrOffset with an unsigned backward offset
func PtrRewind(r Reader, addr Address, offset Size, dereference bool) (Address, error) {
	return PtrOffset(r, addr, -int64(offset), dereference)
}

// RelToAbs reads an int32 displacement at addr and returns addr + displacement + offset.
// For a rel32 operand, offset is the distance from the operand to the end of the instruction.
func RelToAbs(r Reader, addr Address, offset int64) (Address, error) {
	disp, err := ReadINT32(r, addr)
	if err != nil {
		return 0, err
	}
	return addr.Add(int64(disp) + offset), nil
}

// RelToAbsEx moves pre bytes forward to the operand before resolving it, e.g. pre=1 post=4 for E8/E9
func RelToAbsEx(r Reader, addr Address, pre, post int64) (Address, error) {
	return RelToAbs(r, addr.Add(pre), post)
}

// ResolveRIPRelative resolves a RIP-relative operand at instr+dispOffset for an instruction of instrLen bytes
func ResolveRIPRelative(r Reader, instr Address, dispOffset, instrLen Size) (Address, error) {
	return RelToAbsEx(r, instr, int64(dispOffset), int64(instrLen)-int64(dispOffset))
}

// PointerChain walks pointer fields at all offsets except the last,
// which is added to the final pointer without dereferencing it.
//
//	// base -> [ +0 ]ptrA -> [ +24 ]ptrB, result ptrB + 504
//	addr, err := memory.PointerChain(r, base, 0, 24, 504)
func PointerChain(r Reader, base Address, offsets ...int64) (Address, error) {
	if len(offsets) == 0 {
		return base, nil
	}

	current := base
	for i := 0; i < len(offsets)-1; i++ {
		addr := current.Add(offsets[i])
		ptr, err := ReadPOINTER(r, addr)
		if err != nil {
			return 0, errors.WithMessagef(err, "pointer chain step %d (%s)", i, addr)
		}
		if ptr == 0 {
			return 0, errors.Wrapf(ErrInvalidMemory, "pointer chain: NULL pointer at step %d (%s)", i, addr)
		}
		current = ptr
	}

	return current.Add(offsets[len(offsets)-1]), nil
}

// Align rounds value up to alignment, which must be a power of two; 0 on overflow
func Align(value Size, alignment Size) Size {
	if alignment == 0 {
		return value
	}

	mask := alignment - 1
	if value > math.MaxUint-mask {
		return 0
	}

	return (value + mask) &^ mask
}

// AlignDown rounds addr down to alignment, which must be a power of two
func AlignDown(addr Address, alignment Size) Address {
	if alignment == 0 {
		return addr
	}
	return addr &^ Address(alignment-1)
}
