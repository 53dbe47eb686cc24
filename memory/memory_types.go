package memory

import (
	"fmt"
)

// Address represents a memory address within an address space
type Address uint64

func (a Address) String() string {
	return fmt.Sprintf("0x%X", uint64(a))
}

// Add offsets the address by a signed delta
func (a Address) Add(delta int64) Address {
	return Address(int64(a) + delta)
}

// Size represents a size of memory region
type Size uint

func (s Size) String() string {
	return fmt.Sprintf("%d bytes", uint(s))
}

// Span is the half-open range [Base, Base+Size)
type Span struct {
	Base Address
	Size Size
}

func NewSpan(base Address, size Size) Span {
	return Span{Base: base, Size: size}
}

// SpanFromBounds builds a span from an exclusive end, empty when end <= start
func SpanFromBounds(start, end Address) Span {
	if end <= start {
		return Span{Base: start}
	}
	return Span{Base: start, Size: Size(end - start)}
}

func (s Span) String() string {
	return fmt.Sprintf("[%s, %s)", s.Base, s.End())
}

func (s Span) End() Address {
	return s.Base + Address(s.Size)
}

// LastByte returns the address of the last byte, or Base for an empty span
func (s Span) LastByte() Address {
	if s.Size == 0 {
		return s.Base
	}
	return s.End() - 1
}

func (s Span) IsEmpty() bool {
	return s.Size == 0
}

func (s Span) Contains(addr Address) bool {
	return IsInBounds(addr, s.Base, s.End())
}

// ContainsRange reports whether [addr, addr+size) lies inside the span
func (s Span) ContainsRange(addr Address, size Size) bool {
	if size == 0 {
		return s.Contains(addr) || addr == s.End()
	}
	end := addr + Address(size)
	return end > addr && addr >= s.Base && end <= s.End()
}

// Offset returns addr relative to Base
func (s Span) Offset(addr Address) (Size, bool) {
	if !s.Contains(addr) {
		return 0, false
	}
	return Size(addr - s.Base), true
}

// Sub returns the sub-span at off, clipped to the parent
func (s Span) Sub(off Size, size Size) (Span, bool) {
	if off > s.Size {
		return Span{}, false
	}
	if size > s.Size-off {
		size = s.Size - off
	}
	return Span{Base: s.Base + Address(off), Size: size}, true
}
