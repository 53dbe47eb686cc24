//go:build !linux && !windows

package process_self

import (
	"github.com/pkg/errors"

	"gopatch/memory"
	"gopatch/memory/memory_map"
)

func readMemoryMap() ([]memory_map.MemoryMapItem, error) {
	return nil, errors.Wrap(memory.ErrNotSupported, "memory map")
}

func queryRegion(addr memory.Address) (memory_map.MemoryMapItem, error) {
	return memory_map.MemoryMapItem{}, errors.Wrap(memory.ErrNotSupported, "query")
}

func protect(addr memory.Address, size memory.Size, prot memory_map.Protection) error {
	return errors.Wrap(memory.ErrNotSupported, "protect")
}

func allocGranularity() memory.Size {
	return 0x1000
}

func allocAt(addr memory.Address, size memory.Size, prot memory_map.Protection) error {
	return errors.Wrap(memory.ErrNotSupported, "allocate")
}

func freeAt(addr memory.Address, size memory.Size) error {
	return errors.Wrap(memory.ErrNotSupported, "free")
}

func (p *Process) FindModule(name string) (memory.Span, error) {
	return memory.Span{}, errors.Wrap(memory.ErrNotSupported, "find module")
}
