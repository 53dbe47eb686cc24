//go:build windows

package memory_map

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// WindowsMemoryMap implements MemoryMap for Windows
type WindowsMemoryMap struct{}

// NewWindowsMemoryMap creates a new WindowsMemoryMap instance
func NewWindowsMemoryMap() *WindowsMemoryMap {
	return &WindowsMemoryMap{}
}

// ReadMemoryMap walks the committed regions of a process with VirtualQueryEx
func (w *WindowsMemoryMap) ReadMemoryMap(pid int) ([]MemoryMapItem, error) {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(handle)

	return WalkMemoryMap(func(addr uintptr, mbi *windows.MemoryBasicInformation) bool {
		return windows.VirtualQueryEx(handle, addr, mbi, unsafe.Sizeof(*mbi)) == nil
	}), nil
}

// MEM_PRIVATE, missing from x/sys/windows
const memPrivate = 0x20000

// QueryFunc fills mbi for the region containing addr, returning false past the end of the address space
type QueryFunc func(addr uintptr, mbi *windows.MemoryBasicInformation) bool

// WalkMemoryMap builds a memory map by calling query region after region
func WalkMemoryMap(query QueryFunc) []MemoryMapItem {
	var memoryMap []MemoryMapItem
	var mbi windows.MemoryBasicInformation

	for addr := uintptr(0); query(addr, &mbi); {
		if mbi.RegionSize == 0 {
			break
		}
		if mbi.State == windows.MEM_COMMIT {
			memoryMap = append(memoryMap, ItemFromBasicInformation(&mbi))
		}
		next := mbi.BaseAddress + mbi.RegionSize
		if next <= addr {
			break
		}
		addr = next
	}

	return memoryMap
}

// ItemFromBasicInformation converts a VirtualQuery result into a MemoryMapItem
func ItemFromBasicInformation(mbi *windows.MemoryBasicInformation) MemoryMapItem {
	perms := ProtFromPageProtect(mbi.Protect).String()
	if mbi.Type == memPrivate {
		perms += "p"
	} else {
		perms += "s"
	}
	return MemoryMapItem{
		Address: uint64(mbi.BaseAddress),
		Size:    uint(mbi.RegionSize),
		Perms:   perms,
	}
}

// ProtFromPageProtect maps a PAGE_* constant to a Protection
func ProtFromPageProtect(protect uint32) Protection {
	switch protect &^ (windows.PAGE_GUARD | windows.PAGE_NOCACHE | windows.PAGE_WRITECOMBINE) {
	case windows.PAGE_READONLY:
		return ProtRead
	case windows.PAGE_READWRITE, windows.PAGE_WRITECOPY:
		return ProtRead | ProtWrite
	case windows.PAGE_EXECUTE:
		return ProtExec
	case windows.PAGE_EXECUTE_READ:
		return ProtRead | ProtExec
	case windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		return ProtRead | ProtWrite | ProtExec
	default:
		return ProtNone
	}
}

// PageProtectFromProt maps a Protection to the closest PAGE_* constant
func PageProtectFromProt(prot Protection) uint32 {
	if prot.CanExec() {
		switch {
		case prot.CanWrite():
			return windows.PAGE_EXECUTE_READWRITE
		case prot.CanRead():
			return windows.PAGE_EXECUTE_READ
		default:
			return windows.PAGE_EXECUTE
		}
	}
	switch {
	case prot.CanWrite():
		return windows.PAGE_READWRITE
	case prot.CanRead():
		return windows.PAGE_READONLY
	default:
		return windows.PAGE_NOACCESS
	}
}

func (w *WindowsMemoryMap) IsReadablePerms(perms string) bool {
	return ParsePerms(perms).CanRead()
}

func (w *WindowsMemoryMap) IsWritablePerms(perms string) bool {
	return ParsePerms(perms).CanWrite()
}

func (w *WindowsMemoryMap) IsExecutablePerms(perms string) bool {
	return ParsePerms(perms).CanExec()
}
