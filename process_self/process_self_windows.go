//go:build windows

package process_self

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"gopatch/memory"
	"gopatch/memory/memory_map"
)

func readMemoryMap() ([]memory_map.MemoryMapItem, error) {
	return memory_map.WalkMemoryMap(func(addr uintptr, mbi *windows.MemoryBasicInformation) bool {
		return windows.VirtualQuery(addr, mbi, unsafe.Sizeof(*mbi)) == nil
	}), nil
}

func queryRegion(addr memory.Address) (memory_map.MemoryMapItem, error) {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(uintptr(addr), &mbi, unsafe.Sizeof(mbi)); err != nil {
		return memory_map.MemoryMapItem{}, errors.Wrapf(memory.ErrInvalidMemory, "VirtualQuery %s: %v", addr, err)
	}
	if mbi.State != windows.MEM_COMMIT {
		return memory_map.MemoryMapItem{}, errors.Wrapf(memory.ErrInvalidMemory, "address not committed: %s", addr)
	}
	return memory_map.ItemFromBasicInformation(&mbi), nil
}

func protect(addr memory.Address, size memory.Size, prot memory_map.Protection) error {
	var old uint32
	return windows.VirtualProtect(uintptr(addr), uintptr(size), memory_map.PageProtectFromProt(prot), &old)
}

// allocGranularity is the Windows allocation granularity, VirtualAlloc
// rounds reservations down to it
func allocGranularity() memory.Size {
	return 0x10000
}

func allocAt(addr memory.Address, size memory.Size, prot memory_map.Protection) error {
	got, err := windows.VirtualAlloc(uintptr(addr), uintptr(size), windows.MEM_RESERVE|windows.MEM_COMMIT, memory_map.PageProtectFromProt(prot))
	if err != nil {
		return err
	}
	if memory.Address(got) != addr {
		windows.VirtualFree(got, 0, windows.MEM_RELEASE)
		return errors.Errorf("VirtualAlloc placed the pages at 0x%x", got)
	}
	return nil
}

func freeAt(addr memory.Address, size memory.Size) error {
	return windows.VirtualFree(uintptr(addr), 0, windows.MEM_RELEASE)
}

// FindModule returns the base of a loaded module. The size is left zero so
// callers take it from the image headers. An empty name is the executable.
func (p *Process) FindModule(name string) (memory.Span, error) {
	var namePtr *uint16
	if name != "" {
		var err error
		namePtr, err = windows.UTF16PtrFromString(name)
		if err != nil {
			return memory.Span{}, errors.Wrapf(err, "module name %q", name)
		}
	}

	var handle windows.Handle
	if err := windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, namePtr, &handle); err != nil {
		return memory.Span{}, errors.Wrapf(memory.ErrModuleNotFound, "%s: %v", name, err)
	}
	return memory.NewSpan(memory.Address(handle), 0), nil
}
