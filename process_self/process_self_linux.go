//go:build linux

package process_self

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"gopatch/memory"
	"gopatch/memory/memory_map"
)

func readMemoryMap() ([]memory_map.MemoryMapItem, error) {
	return memory_map.NewLinuxMemoryMap().ReadMemoryMap(os.Getpid())
}

func queryRegion(addr memory.Address) (memory_map.MemoryMapItem, error) {
	mm, err := readMemoryMap()
	if err != nil {
		return memory_map.MemoryMapItem{}, errors.Wrap(err, "read memory map")
	}

	item := memory_map.FindRegion(uint64(addr), mm)
	if item == nil {
		return memory_map.MemoryMapItem{}, errors.Wrapf(memory.ErrInvalidMemory, "address not mapped: %s", addr)
	}
	return *item, nil
}

func protFlags(prot memory_map.Protection) int {
	flags := unix.PROT_NONE
	if prot.CanRead() {
		flags |= unix.PROT_READ
	}
	if prot.CanWrite() {
		flags |= unix.PROT_WRITE
	}
	if prot.CanExec() {
		flags |= unix.PROT_EXEC
	}
	return flags
}

func protect(addr memory.Address, size memory.Size, prot memory_map.Protection) error {
	return unix.Mprotect(unsafe.Slice((*byte)(pointer(addr)), size), protFlags(prot))
}

func allocGranularity() memory.Size {
	return memory.Size(os.Getpagesize())
}

// allocAt maps anonymous pages exactly at addr. Kernels without
// MAP_FIXED_NOREPLACE treat addr as a hint, so the result is checked.
func allocAt(addr memory.Address, size memory.Size, prot memory_map.Protection) error {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON | unix.MAP_FIXED_NOREPLACE
	got, err := unix.MmapPtr(-1, 0, pointer(addr), uintptr(size), protFlags(prot), flags)
	if err != nil {
		return err
	}
	if memory.Address(uintptr(got)) != addr {
		unix.MunmapPtr(got, uintptr(size))
		return errors.Errorf("kernel placed the mapping at 0x%x", uintptr(got))
	}
	return nil
}

func freeAt(addr memory.Address, size memory.Size) error {
	return unix.MunmapPtr(pointer(addr), uintptr(size))
}

// FindModule looks name up among the files mapped into the process, matching
// the full path or its base name. An empty name is the executable.
func (p *Process) FindModule(name string) (memory.Span, error) {
	if name == "" {
		exe, err := os.Executable()
		if err != nil {
			return memory.Span{}, errors.Wrap(err, "locate executable")
		}
		name = exe
	}

	mm, err := p.MemoryMap()
	if err != nil {
		return memory.Span{}, errors.Wrap(err, "read memory map")
	}

	start, end, ok := memory_map.FindModule(name, mm)
	if !ok {
		return memory.Span{}, errors.Wrapf(memory.ErrModuleNotFound, "%s", name)
	}
	return memory.SpanFromBounds(memory.Address(start), memory.Address(end)), nil
}
