//go:build windows

// Package process_windows attaches to another process through a process
// handle and the ReadProcessMemory family.
package process_windows

import (
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"gopatch/memory"
	"gopatch/memory/memory_map"
	"gopatch/process"
)

var (
	modkernel32        = windows.NewLazySystemDLL("kernel32.dll")
	procVirtualAllocEx = modkernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx  = modkernel32.NewProc("VirtualFreeEx")
)

const processAccess = windows.PROCESS_VM_READ | windows.PROCESS_VM_WRITE | windows.PROCESS_VM_OPERATION | windows.PROCESS_QUERY_INFORMATION

// WindowsProcess implements process.Process for Windows systems
type WindowsProcess struct {
	pid    process.ProcessID
	handle windows.Handle
	log    *logger.Logger
	mm     []memory_map.MemoryMapItem
	mu     sync.Mutex
}

var _ process.Process = (*WindowsProcess)(nil)
var _ memory.NearAllocator = (*WindowsProcess)(nil)

func New() *WindowsProcess {
	return &WindowsProcess{
		log: logger.NewLogger(coloransi.Color(coloransi.Red, coloransi.ColorOrange, "process-not-open")),
	}
}

// NewWithPID creates a WindowsProcess and opens pid
func NewWithPID(pid process.ProcessID) (*WindowsProcess, error) {
	p := New()
	if err := p.Open(pid); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *WindowsProcess) Open(pid process.ProcessID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	handle, err := windows.OpenProcess(processAccess, false, uint32(pid))
	if err != nil {
		return errors.Wrapf(err, "OpenProcess %d", pid)
	}

	p.pid = pid
	p.handle = handle
	p.log = logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, fmt.Sprintf("process-%d", pid)))

	if err := p.updateMemoryMapInternal(); err != nil {
		p.log.Warn("Failed to initialize memory map: ", err)
	}

	p.log.Infoln("Process opened")
	return nil
}

func (p *WindowsProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handle != 0 {
		if err := windows.CloseHandle(p.handle); err != nil {
			return errors.Wrap(err, "CloseHandle")
		}
		p.handle = 0
	}

	p.pid = 0
	p.mm = nil
	p.log.Infoln("Process closed")
	p.log = logger.NewLogger(coloransi.Color(coloransi.Red, coloransi.ColorOrange, "process-not-open"))

	return nil
}

func (p *WindowsProcess) GetPID() process.ProcessID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *WindowsProcess) handleOrErr() (windows.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == 0 {
		return 0, memory.ErrProcessNotOpen
	}
	return p.handle, nil
}

func (p *WindowsProcess) UpdateMemoryMap() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updateMemoryMapInternal()
}

func (p *WindowsProcess) updateMemoryMapInternal() error {
	if p.handle == 0 {
		return memory.ErrProcessNotOpen
	}

	handle := p.handle
	p.mm = memory_map.WalkMemoryMap(func(addr uintptr, mbi *windows.MemoryBasicInformation) bool {
		return windows.VirtualQueryEx(handle, addr, mbi, unsafe.Sizeof(*mbi)) == nil
	})
	return nil
}

func (p *WindowsProcess) GetMemoryMap() ([]memory_map.MemoryMapItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle == 0 {
		return nil, memory.ErrProcessNotOpen
	}
	result := make([]memory_map.MemoryMapItem, len(p.mm))
	copy(result, p.mm)
	return result, nil
}

// Query asks the OS directly, the cached map may be stale after Protect
func (p *WindowsProcess) Query(addr memory.Address) (memory_map.MemoryMapItem, error) {
	handle, err := p.handleOrErr()
	if err != nil {
		return memory_map.MemoryMapItem{}, err
	}

	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQueryEx(handle, uintptr(addr), &mbi, unsafe.Sizeof(mbi)); err != nil {
		return memory_map.MemoryMapItem{}, errors.Wrapf(memory.ErrInvalidMemory, "VirtualQueryEx %s: %v", addr, err)
	}
	if mbi.State != windows.MEM_COMMIT {
		return memory_map.MemoryMapItem{}, errors.Wrapf(memory.ErrInvalidMemory, "address not committed: %s", addr)
	}
	return memory_map.ItemFromBasicInformation(&mbi), nil
}

func (p *WindowsProcess) IsValidAddress(addr memory.Address) bool {
	item, err := p.Query(addr)
	return err == nil && item.IsReadable()
}

func (p *WindowsProcess) ReadMemory(addr memory.Address, size memory.Size) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}

	handle, err := p.handleOrErr()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	var bytesRead uintptr
	if err := windows.ReadProcessMemory(handle, uintptr(addr), &buf[0], uintptr(size), &bytesRead); err != nil {
		return nil, errors.Wrapf(memory.ErrInvalidMemory, "ReadProcessMemory %s+%d: %v", addr, size, err)
	}
	if bytesRead != uintptr(size) {
		return nil, errors.Wrapf(memory.ErrInvalidMemory, "read incomplete at %s: expected %d, got %d", addr, size, bytesRead)
	}

	return buf, nil
}

func (p *WindowsProcess) WriteMemory(addr memory.Address, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	handle, err := p.handleOrErr()
	if err != nil {
		return err
	}

	var written uintptr
	if err := windows.WriteProcessMemory(handle, uintptr(addr), &data[0], uintptr(len(data)), &written); err != nil {
		if err == windows.ERROR_NOACCESS {
			return errors.Wrapf(memory.ErrWriteProtect, "WriteProcessMemory %s: %v", addr, err)
		}
		return errors.Wrapf(memory.ErrInvalidMemory, "WriteProcessMemory %s: %v", addr, err)
	}
	if written != uintptr(len(data)) {
		return errors.Wrapf(memory.ErrInvalidMemory, "write incomplete at %s: expected %d, got %d", addr, len(data), written)
	}

	return nil
}

func (p *WindowsProcess) Protect(addr memory.Address, size memory.Size, prot memory_map.Protection) error {
	handle, err := p.handleOrErr()
	if err != nil {
		return err
	}

	var old uint32
	if err := windows.VirtualProtectEx(handle, uintptr(addr), uintptr(size), memory_map.PageProtectFromProt(prot), &old); err != nil {
		return errors.Wrapf(memory.ErrWriteProtect, "VirtualProtectEx %s+%d %s: %v", addr, size, prot, err)
	}
	return nil
}

func virtualAllocEx(handle windows.Handle, addr memory.Address, size memory.Size, prot memory_map.Protection) (memory.Address, error) {
	got, _, callErr := procVirtualAllocEx.Call(
		uintptr(handle),
		uintptr(addr),
		uintptr(size),
		uintptr(windows.MEM_COMMIT|windows.MEM_RESERVE),
		uintptr(memory_map.PageProtectFromProt(prot)),
	)
	if got == 0 {
		return 0, errors.Wrapf(callErr, "VirtualAllocEx %s+%d", addr, size)
	}
	return memory.Address(got), nil
}

// Alloc commits fresh pages in the target, used for detour trampolines
func (p *WindowsProcess) Alloc(size memory.Size, prot memory_map.Protection) (memory.Span, error) {
	handle, err := p.handleOrErr()
	if err != nil {
		return memory.Span{}, err
	}

	addr, err := virtualAllocEx(handle, 0, size, prot)
	if err != nil {
		return memory.Span{}, err
	}
	return memory.NewSpan(addr, size), nil
}

// allocationGranularity is the unit VirtualAllocEx reserves in
const allocationGranularity memory.Size = 0x10000

// AllocNear commits pages within rel32 reach of near. The cached map only
// holds committed regions, so reserved ranges are found by failing on them.
func (p *WindowsProcess) AllocNear(near memory.Address, size memory.Size, prot memory_map.Protection) (memory.Span, error) {
	handle, err := p.handleOrErr()
	if err != nil {
		return memory.Span{}, err
	}
	if err := p.UpdateMemoryMap(); err != nil {
		return memory.Span{}, err
	}
	mm, err := p.GetMemoryMap()
	if err != nil {
		return memory.Span{}, err
	}

	size = memory.Align(size, allocationGranularity)
	for _, addr := range memory.NearCandidates(near, size, allocationGranularity, mm) {
		got, err := virtualAllocEx(handle, addr, size, prot)
		if err != nil {
			p.log.Debugln("Allocation at", addr.String(), "failed:", err)
			continue
		}
		span := memory.NewSpan(got, size)
		if !memory.FitsRel32(near, span.Base) || !memory.FitsRel32(near, span.End()) {
			if err := p.Free(span); err != nil {
				return memory.Span{}, errors.WithMessagef(err, "release out of reach %s", span)
			}
			continue
		}
		return span, nil
	}

	return memory.Span{}, errors.Wrapf(memory.ErrOutOfRange, "no free pages within reach of %s", near)
}

func (p *WindowsProcess) Free(span memory.Span) error {
	handle, err := p.handleOrErr()
	if err != nil {
		return err
	}

	ret, _, callErr := procVirtualFreeEx.Call(uintptr(handle), uintptr(span.Base), 0, uintptr(windows.MEM_RELEASE))
	if ret == 0 {
		return errors.Wrapf(callErr, "VirtualFreeEx %s", span)
	}
	return nil
}

// FindModule walks the loaded modules of the target for one whose base name
// matches, case-insensitively. An empty name is the executable.
func (p *WindowsProcess) FindModule(name string) (memory.Span, error) {
	handle, err := p.handleOrErr()
	if err != nil {
		return memory.Span{}, err
	}

	modules := make([]windows.Handle, 1024)
	var needed uint32
	if err := windows.EnumProcessModules(handle, &modules[0], uint32(len(modules))*uint32(unsafe.Sizeof(modules[0])), &needed); err != nil {
		return memory.Span{}, errors.Wrap(err, "EnumProcessModules")
	}
	count := int(needed / uint32(unsafe.Sizeof(modules[0])))
	if count > len(modules) {
		count = len(modules)
	}

	// the executable is always listed first
	if name == "" && count > 1 {
		count = 1
	}

	buf := make([]uint16, windows.MAX_PATH)
	for _, module := range modules[:count] {
		if name != "" {
			if err := windows.GetModuleBaseName(handle, module, &buf[0], uint32(len(buf))); err != nil {
				continue
			}
			if !strings.EqualFold(windows.UTF16ToString(buf), name) {
				continue
			}
		}

		var info windows.ModuleInfo
		if err := windows.GetModuleInformation(handle, module, &info, uint32(unsafe.Sizeof(info))); err != nil {
			return memory.Span{}, errors.Wrapf(err, "GetModuleInformation %s", name)
		}
		return memory.NewSpan(memory.Address(info.BaseOfDll), memory.Size(info.SizeOfImage)), nil
	}

	return memory.Span{}, errors.Wrapf(memory.ErrModuleNotFound, "%s in process %d", name, p.GetPID())
}
