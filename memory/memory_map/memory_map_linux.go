//go:build linux

package memory_map

import (
	"fmt"
	"os"
)

// LinuxMemoryMap implements MemoryMap for Linux
type LinuxMemoryMap struct{}

// NewLinuxMemoryMap creates a new LinuxMemoryMap instance
func NewLinuxMemoryMap() *LinuxMemoryMap {
	return &LinuxMemoryMap{}
}

// ReadMemoryMap reads and parses the memory map for a process from /proc/[pid]/maps
func (l *LinuxMemoryMap) ReadMemoryMap(pid int) ([]MemoryMapItem, error) {
	file, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	memoryMap, err := ParseMaps(file)
	if err != nil {
		return nil, err
	}

	Sort(memoryMap)
	return memoryMap, nil
}

func (l *LinuxMemoryMap) IsReadablePerms(perms string) bool {
	return ParsePerms(perms).CanRead()
}

func (l *LinuxMemoryMap) IsWritablePerms(perms string) bool {
	return ParsePerms(perms).CanWrite()
}

func (l *LinuxMemoryMap) IsExecutablePerms(perms string) bool {
	return ParsePerms(perms).CanExec()
}
