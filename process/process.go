// Package process describes an attached foreign process as a memory backend
// the scanner, resolver and patch engine can work against.
package process

import (
	"gopatch/memory"
	"gopatch/memory/memory_map"
)

// Process is a memory backend bound to another process
type Process interface {
	memory.Memory

	// Open attaches to pid and reads its memory map
	Open(pid ProcessID) error

	// Close detaches; further access fails with memory.ErrProcessNotOpen
	Close() error

	// GetPID returns the process ID, zero when not open
	GetPID() ProcessID

	// UpdateMemoryMap refreshes the cached memory map
	UpdateMemoryMap() error

	// GetMemoryMap returns a copy of the cached memory map
	GetMemoryMap() ([]memory_map.MemoryMapItem, error)

	// FindModule returns the span of a loaded module by file name
	FindModule(name string) (memory.Span, error)
}
