//go:build linux

package process_linux

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"gopatch/memory"
	"gopatch/memory/memory_map"
	"gopatch/process"
)

// process_vm_readv reads len(localBuf) bytes at remoteAddr of pid
func process_vm_readv(pid process.ProcessID, localBuf []byte, remoteAddr memory.Address) (int, error) {
	localIov := unix.Iovec{
		Base: &localBuf[0],
		Len:  uint64(len(localBuf)),
	}
	remoteIov := unix.RemoteIovec{
		Base: uintptr(remoteAddr),
		Len:  len(localBuf),
	}

	n, _, errno := unix.Syscall6(
		unix.SYS_PROCESS_VM_READV,
		uintptr(pid),
		uintptr(unsafe.Pointer(&localIov)),
		uintptr(1),
		uintptr(unsafe.Pointer(&remoteIov)),
		uintptr(1),
		uintptr(0),
	)
	if errno != 0 {
		return 0, errors.Wrapf(errno, "process_vm_readv")
	}
	return int(n), nil
}

// ReadMemory reads size bytes at addr; the whole range must be mapped readable
func (p *LinuxProcess) ReadMemory(addr memory.Address, size memory.Size) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}

	pid, ok := p.covered(addr, size, memory_map.ProtRead)
	if pid == 0 {
		return nil, memory.ErrProcessNotOpen
	}
	if !ok {
		return nil, errors.Wrapf(memory.ErrInvalidMemory, "address not mapped: %s+%d", addr, size)
	}

	data := make([]byte, size)
	n, err := process_vm_readv(pid, data, addr)
	if err != nil {
		return nil, errors.Wrapf(memory.ErrInvalidMemory, "read %s+%d: %v", addr, size, err)
	}
	if n != len(data) {
		return nil, errors.Wrapf(memory.ErrInvalidMemory, "partial read at %s: %d of %d bytes", addr, n, size)
	}

	return data, nil
}
