//go:build linux

package process_linux

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"gopatch/memory"
	"gopatch/memory/memory_map"
	"gopatch/process"
)

// process_vm_writev writes localBuf to remoteAddr of pid
func process_vm_writev(pid process.ProcessID, localBuf []byte, remoteAddr memory.Address) (int, error) {
	localIov := unix.Iovec{
		Base: &localBuf[0],
		Len:  uint64(len(localBuf)),
	}
	remoteIov := unix.RemoteIovec{
		Base: uintptr(remoteAddr),
		Len:  len(localBuf),
	}

	n, _, errno := unix.Syscall6(
		unix.SYS_PROCESS_VM_WRITEV,
		uintptr(pid),
		uintptr(unsafe.Pointer(&localIov)),
		uintptr(1),
		uintptr(unsafe.Pointer(&remoteIov)),
		uintptr(1),
		uintptr(0),
	)
	if errno != 0 {
		return 0, errors.Wrapf(errno, "process_vm_writev")
	}
	return int(n), nil
}

// writeProcMem writes through /proc/<pid>/mem
func writeProcMem(pid process.ProcessID, data []byte, addr memory.Address) (int, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_WRONLY, 0)
	if err != nil {
		return 0, errors.Wrap(err, "open process memory")
	}
	defer f.Close()

	return f.WriteAt(data, int64(addr))
}

// WriteMemory writes all of data at addr. Without force writes the range must
// be mapped writable.
func (p *LinuxProcess) WriteMemory(addr memory.Address, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	size := memory.Size(len(data))

	pid, ok := p.covered(addr, size, memory_map.ProtRead)
	if pid == 0 {
		return memory.ErrProcessNotOpen
	}
	if !ok {
		return errors.Wrapf(memory.ErrInvalidMemory, "address not mapped: %s+%d", addr, size)
	}

	write := process_vm_writev
	if p.force {
		write = writeProcMem
	} else if _, ok := p.covered(addr, size, memory_map.ProtWrite); !ok {
		return errors.Wrapf(memory.ErrWriteProtect, "memory region at %s is not writable", addr)
	}

	written, err := write(pid, append([]byte(nil), data...), addr)
	if err != nil {
		return errors.Wrapf(memory.ErrInvalidMemory, "write %s+%d: %v", addr, size, err)
	}
	if written != len(data) {
		return errors.Wrapf(memory.ErrInvalidMemory, "only wrote %d of %d bytes at %s", written, len(data), addr)
	}

	return nil
}
