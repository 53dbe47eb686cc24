package memory_map

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Protection is a portable page protection class
type Protection uint8

const (
	ProtNone  Protection = 0
	ProtRead  Protection = 1 << 0
	ProtWrite Protection = 1 << 1
	ProtExec  Protection = 1 << 2
)

func (p Protection) CanRead() bool  { return p&ProtRead != 0 }
func (p Protection) CanWrite() bool { return p&ProtWrite != 0 }
func (p Protection) CanExec() bool  { return p&ProtExec != 0 }

// String renders the protection the way /proc/<pid>/maps does, without the sharing flag
func (p Protection) String() string {
	b := []byte("---")
	if p.CanRead() {
		b[0] = 'r'
	}
	if p.CanWrite() {
		b[1] = 'w'
	}
	if p.CanExec() {
		b[2] = 'x'
	}
	return string(b)
}

// ParsePerms converts a perms string such as "r-xp" into a Protection
func ParsePerms(perms string) Protection {
	var p Protection
	if len(perms) > 0 && perms[0] == 'r' {
		p |= ProtRead
	}
	if len(perms) > 1 && perms[1] == 'w' {
		p |= ProtWrite
	}
	if len(perms) > 2 && perms[2] == 'x' {
		p |= ProtExec
	}
	return p
}

// MemoryMapItem represents a memory region in a process's address space
type MemoryMapItem struct {
	Address uint64 // The starting address of the memory region
	Size    uint   // The size of the memory region in bytes
	Perms   string // Permissions (e.g., "r-xp" for read, execute, private)
	Path    string // Backing file or pseudo name, may be empty
}

// String returns a string representation of the memory map item
func (mmItem MemoryMapItem) String() string {
	return fmt.Sprintf("Address: %x, Size: %d, Perms: %s %s", mmItem.Address, mmItem.Size, mmItem.Perms, mmItem.Path)
}

func (mmItem MemoryMapItem) End() uint64 {
	return mmItem.Address + uint64(mmItem.Size)
}

func (mmItem MemoryMapItem) Prot() Protection {
	return ParsePerms(mmItem.Perms)
}

func (mmItem MemoryMapItem) IsReadable() bool {
	return mmItem.Prot().CanRead()
}

func (mmItem MemoryMapItem) IsWritable() bool {
	return mmItem.Prot().CanWrite()
}

func (mmItem MemoryMapItem) IsExecutable() bool {
	return mmItem.Prot().CanExec()
}

// WithProt returns a copy of the item carrying prot, keeping any sharing flag
func (mmItem MemoryMapItem) WithProt(prot Protection) MemoryMapItem {
	perms := prot.String()
	if len(mmItem.Perms) > 3 {
		perms += mmItem.Perms[3:]
	}
	mmItem.Perms = perms
	return mmItem
}

// MemoryMap defines the interface for operations related to a process's memory map
type MemoryMap interface {
	// ReadMemoryMap reads and parses the memory map for a process
	ReadMemoryMap(pid int) ([]MemoryMapItem, error)

	// IsReadablePerms checks if a memory region has read permissions
	IsReadablePerms(perms string) bool

	// IsWritablePerms checks if a memory region has write permissions
	IsWritablePerms(perms string) bool

	// IsExecutablePerms checks if a memory region has execute permissions
	IsExecutablePerms(perms string) bool
}

// Sort orders the map by address, FindRegion relies on it
func Sort(memoryMap []MemoryMapItem) {
	sort.Slice(memoryMap, func(i, j int) bool {
		return memoryMap[i].Address < memoryMap[j].Address
	})
}

// FindRegion returns the region containing addr in a sorted memory map
func FindRegion(addr uint64, memoryMap []MemoryMapItem) *MemoryMapItem {
	i := sort.Search(len(memoryMap), func(i int) bool {
		return memoryMap[i].End() > addr
	})
	if i < len(memoryMap) && memoryMap[i].Address <= addr {
		return &memoryMap[i]
	}

	return nil
}

// IsValidAddress checks if an address is within a valid, readable memory region
func IsValidAddress(addr uint64, memoryMap []MemoryMapItem) bool {
	item := FindRegion(addr, memoryMap)
	return item != nil && item.IsReadable()
}

// IsRangeCovered reports whether [addr, addr+size) lies in contiguous regions that all carry want
func IsRangeCovered(addr uint64, size uint64, want Protection, memoryMap []MemoryMapItem) bool {
	if size == 0 {
		return true
	}
	end := addr + size
	if end < addr {
		return false
	}

	for cur := addr; cur < end; {
		item := FindRegion(cur, memoryMap)
		if item == nil || item.Prot()&want != want {
			return false
		}
		cur = item.End()
	}
	return true
}

// Overlapping returns the regions that intersect [addr, addr+size)
func Overlapping(addr uint64, size uint64, memoryMap []MemoryMapItem) []MemoryMapItem {
	var out []MemoryMapItem
	end := addr + size
	for _, item := range memoryMap {
		if item.Address < end && item.End() > addr {
			out = append(out, item)
		}
	}
	return out
}

func isNamed(path string) bool {
	return strings.TrimSpace(path) != ""
}

// FindModule returns the bounds of the regions backed by a file whose path or
// base name is name
func FindModule(name string, memoryMap []MemoryMapItem) (uint64, uint64, bool) {
	var start, end uint64
	found := false
	for _, item := range memoryMap {
		if !isNamed(item.Path) || (item.Path != name && filepath.Base(item.Path) != name) {
			continue
		}
		if !found || item.Address < start {
			start = item.Address
		}
		if !found || item.End() > end {
			end = item.End()
		}
		found = true
	}
	return start, end, found
}
