//go:build linux

// Package process_linux attaches to another process through /proc and the
// process_vm_readv/process_vm_writev syscalls.
package process_linux

import (
	"fmt"
	"os"
	"sync"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"github.com/pkg/errors"

	"gopatch/memory"
	"gopatch/memory/memory_map"
	"gopatch/process"
)

// LinuxProcess implements process.Process for Linux systems
type LinuxProcess struct {
	pid   process.ProcessID
	force bool
	log   *logger.Logger
	mm    []memory_map.MemoryMapItem
	mu    sync.Mutex
}

var _ process.Process = (*LinuxProcess)(nil)

type Option func(*LinuxProcess)

// WithForceWrite sends writes through /proc/<pid>/mem, which the kernel
// allows on read-only private mappings. Protect becomes a no-op.
func WithForceWrite(force bool) Option {
	return func(p *LinuxProcess) {
		p.force = force
	}
}

func New(opts ...Option) *LinuxProcess {
	p := &LinuxProcess{
		log: logger.NewLogger(coloransi.Color(coloransi.Red, coloransi.ColorOrange, "process-not-open")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewWithPID creates a LinuxProcess and opens pid
func NewWithPID(pid process.ProcessID, opts ...Option) (*LinuxProcess, error) {
	p := New(opts...)
	if err := p.Open(pid); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *LinuxProcess) Open(pid process.ProcessID) error {
	if _, err := os.Stat(fmt.Sprintf("/proc/%d", pid)); err != nil {
		return errors.Errorf("process with PID %d does not exist", pid)
	}

	p.mu.Lock()
	p.pid = pid
	p.log = logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, fmt.Sprintf("process-%d", pid)))
	p.mu.Unlock()

	if err := p.UpdateMemoryMap(); err != nil {
		return errors.WithMessage(err, "initialize memory map")
	}

	p.log.Infoln("Process opened")
	return nil
}

func (p *LinuxProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pid = 0
	p.mm = nil
	p.log.Infoln("Process closed")
	p.log = logger.NewLogger(coloransi.Color(coloransi.Red, coloransi.ColorOrange, "process-not-open"))

	return nil
}

func (p *LinuxProcess) GetPID() process.ProcessID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *LinuxProcess) UpdateMemoryMap() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updateMemoryMapLocked()
}

func (p *LinuxProcess) updateMemoryMapLocked() error {
	if p.pid == 0 {
		return memory.ErrProcessNotOpen
	}

	mm, err := memory_map.NewLinuxMemoryMap().ReadMemoryMap(int(p.pid))
	if err != nil {
		return errors.Wrap(err, "read memory map")
	}

	p.mm = mm
	return nil
}

func (p *LinuxProcess) GetMemoryMap() ([]memory_map.MemoryMapItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pid == 0 {
		return nil, memory.ErrProcessNotOpen
	}

	result := make([]memory_map.MemoryMapItem, len(p.mm))
	copy(result, p.mm)
	return result, nil
}

// covered checks the range against the cached map, refreshing it once on a miss
func (p *LinuxProcess) covered(addr memory.Address, size memory.Size, want memory_map.Protection) (process.ProcessID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pid == 0 {
		return 0, false
	}
	if memory_map.IsRangeCovered(uint64(addr), uint64(size), want, p.mm) {
		return p.pid, true
	}
	if err := p.updateMemoryMapLocked(); err != nil {
		p.log.Debugln("Failed to refresh memory map:", err)
		return p.pid, false
	}
	return p.pid, memory_map.IsRangeCovered(uint64(addr), uint64(size), want, p.mm)
}

func (p *LinuxProcess) IsValidAddress(addr memory.Address) bool {
	_, ok := p.covered(addr, 1, memory_map.ProtRead)
	return ok
}

func (p *LinuxProcess) Query(addr memory.Address) (memory_map.MemoryMapItem, error) {
	pid, ok := p.covered(addr, 1, memory_map.ProtNone)
	if pid == 0 {
		return memory_map.MemoryMapItem{}, memory.ErrProcessNotOpen
	}
	if !ok {
		return memory_map.MemoryMapItem{}, errors.Wrapf(memory.ErrInvalidMemory, "address not mapped: %s", addr)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	item := memory_map.FindRegion(uint64(addr), p.mm)
	if item == nil {
		return memory_map.MemoryMapItem{}, errors.Wrapf(memory.ErrInvalidMemory, "address not mapped: %s", addr)
	}
	return *item, nil
}

// Protect cannot change another process's page protection on Linux. With
// force writes enabled it succeeds without doing anything.
func (p *LinuxProcess) Protect(addr memory.Address, size memory.Size, prot memory_map.Protection) error {
	if p.GetPID() == 0 {
		return memory.ErrProcessNotOpen
	}
	if p.force {
		return nil
	}
	return errors.Wrapf(memory.ErrNotSupported, "protect %s+%d %s", addr, size, prot)
}

// FindModule looks name up among the files mapped into the process. An empty
// name is the executable.
func (p *LinuxProcess) FindModule(name string) (memory.Span, error) {
	if name == "" {
		exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", p.GetPID()))
		if err != nil {
			return memory.Span{}, errors.Wrapf(err, "locate executable of process %d", p.GetPID())
		}
		name = exe
	}

	mm, err := p.GetMemoryMap()
	if err != nil {
		return memory.Span{}, err
	}

	start, end, ok := memory_map.FindModule(name, mm)
	if !ok {
		return memory.Span{}, errors.Wrapf(memory.ErrModuleNotFound, "%s in process %d", name, p.GetPID())
	}
	return memory.SpanFromBounds(memory.Address(start), memory.Address(end)), nil
}
