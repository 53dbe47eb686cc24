// Package memory provides the address-space model shared by the scanning,
// reference resolution and patching packages: addresses, spans, backend
// interfaces, error kinds and the helpers built on top of them.
package memory

import (
	"github.com/pkg/errors"

	"gopatch/memory/memory_map"
)

var (
	// ErrInvalidMemory is returned when an address or range fails the validity check of a backend.
	ErrInvalidMemory = errors.New("invalid memory")

	// ErrMalformedSignature is returned when a textual signature cannot be parsed.
	ErrMalformedSignature = errors.New("malformed signature")

	// ErrWriteProtect is returned when a page could not be made writable for a patch.
	ErrWriteProtect = errors.New("write protect failure")

	// ErrOutOfRange is returned when a relative displacement cannot encode the requested target.
	ErrOutOfRange = errors.New("target out of 32-bit range")

	// ErrUnsupportedOpcode is returned for opcodes outside the known reference kinds.
	ErrUnsupportedOpcode = errors.New("unsupported opcode")

	// ErrUnsupportedPrologue is returned when a function prologue cannot be relocated into a trampoline.
	ErrUnsupportedPrologue = errors.New("unsupported prologue")

	// ErrNotFound is returned by tooling when a scan completes without a match.
	ErrNotFound = errors.New("not found")

	ErrModuleNotFound = errors.New("module not found")
	ErrInvalidImage   = errors.New("invalid executable image")
	ErrNotSupported   = errors.New("not supported on this backend")
	ErrProcessNotOpen = errors.New("process not open")
)

// PointerSize is the width of a native pointer in the images this package targets
const PointerSize = 8

// DecodeMode is the x86 decoder mode for images with pointers of ptrSize
// bytes, 32 for 4 and 64 otherwise
func DecodeMode(ptrSize int) int {
	if ptrSize == 4 {
		return 32
	}
	return 64
}

// Reader reads raw bytes from an address space
type Reader interface {
	// ReadMemory reads size bytes at addr; a range that is not fully mapped fails with ErrInvalidMemory
	ReadMemory(addr Address, size Size) ([]byte, error)
}

// Writer writes raw bytes into an address space
type Writer interface {
	// WriteMemory writes all of data at addr or nothing
	WriteMemory(addr Address, data []byte) error
}

// Querier answers page protection queries
type Querier interface {
	// Query returns the region containing addr, ErrInvalidMemory when unmapped
	Query(addr Address) (memory_map.MemoryMapItem, error)
}

// Protector changes page protection
type Protector interface {
	// Protect applies prot to every page overlapping [addr, addr+size)
	Protect(addr Address, size Size, prot memory_map.Protection) error
}

// Memory is the full backend contract consumed by the patch engine
type Memory interface {
	Reader
	Writer
	Querier
	Protector

	// IsValidAddress checks if the given memory address is mapped and readable
	IsValidAddress(addr Address) bool
}

// Allocator hands out fresh pages, used for trampolines
type Allocator interface {
	Alloc(size Size, prot memory_map.Protection) (Span, error)
	Free(span Span) error
}
