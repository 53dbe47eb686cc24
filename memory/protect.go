package memory

import (
	"github.com/pkg/errors"

	"gopatch/memory/memory_map"
)

// IsMemoryValid reports whether addr+offset is non-null and mapped with any access
func IsMemoryValid(q Querier, addr Address, offset int64) bool {
	target := addr.Add(offset)
	if target == 0 {
		return false
	}

	item, err := q.Query(target)
	if err != nil {
		return false
	}

	return item.Prot() != memory_map.ProtNone
}

// IsMemoryExecutable reports whether addr+offset lies in an executable region
func IsMemoryExecutable(q Querier, addr Address, offset int64) bool {
	target := addr.Add(offset)
	if target == 0 {
		return false
	}

	item, err := q.Query(target)
	if err != nil {
		return false
	}

	return item.IsExecutable()
}

// QueryProt returns the protection of the region containing addr
func QueryProt(q Querier, addr Address) (memory_map.Protection, error) {
	item, err := q.Query(addr)
	if err != nil {
		return memory_map.ProtNone, err
	}
	return item.Prot(), nil
}

type protectBackend interface {
	Querier
	Protector
}

// transition applies next to the region containing addr unless skip says it already is in the target class
func transition(m protectBackend, addr Address, skip func(memory_map.Protection) bool, next func(memory_map.Protection) memory_map.Protection) (bool, error) {
	item, err := m.Query(addr)
	if err != nil {
		return false, err
	}

	cur := item.Prot()
	if skip(cur) {
		return false, nil
	}

	if err := m.Protect(Address(item.Address), Size(item.Size), next(cur)); err != nil {
		return false, errors.WithMessagef(err, "protect %s %s -> %s", Address(item.Address), cur, next(cur))
	}
	return true, nil
}

// MakeWritable adds read and write access; false when the region is already writable
func MakeWritable(m protectBackend, addr Address) (bool, error) {
	return transition(m, addr,
		memory_map.Protection.CanWrite,
		func(p memory_map.Protection) memory_map.Protection {
			return p | memory_map.ProtRead | memory_map.ProtWrite
		})
}

// MakeReadable adds read access; false when the region is already readable
func MakeReadable(m protectBackend, addr Address) (bool, error) {
	return transition(m, addr,
		memory_map.Protection.CanRead,
		func(p memory_map.Protection) memory_map.Protection {
			return p | memory_map.ProtRead
		})
}

// MakeExecutable adds execute access; false when the region is already executable
func MakeExecutable(m protectBackend, addr Address) (bool, error) {
	return transition(m, addr,
		memory_map.Protection.CanExec,
		func(p memory_map.Protection) memory_map.Protection {
			return p | memory_map.ProtExec
		})
}

// RemoveWritable drops write access; false when the region is not writable
func RemoveWritable(m protectBackend, addr Address) (bool, error) {
	return transition(m, addr,
		func(p memory_map.Protection) bool { return !p.CanWrite() },
		func(p memory_map.Protection) memory_map.Protection {
			return p &^ memory_map.ProtWrite
		})
}

// RemoveReadable drops read access, and write with it; false when the region is not readable
func RemoveReadable(m protectBackend, addr Address) (bool, error) {
	return transition(m, addr,
		func(p memory_map.Protection) bool { return !p.CanRead() },
		func(p memory_map.Protection) memory_map.Protection {
			return p &^ (memory_map.ProtRead | memory_map.ProtWrite)
		})
}

// RemoveExecutable drops execute access; false when the region is not executable
func RemoveExecutable(m protectBackend, addr Address) (bool, error) {
	return transition(m, addr,
		func(p memory_map.Protection) bool { return !p.CanExec() },
		func(p memory_map.Protection) memory_map.Protection {
			return p &^ memory_map.ProtExec
		})
}
