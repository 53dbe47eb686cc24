//go:build linux

package process_linux

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"gopatch/memory"
	"gopatch/memory/memory_map"
	"gopatch/process"
)

func Test_SelfReadWrite(t *testing.T) {
	p, err := NewWithPID(process.ProcessID(os.Getpid()))
	require.NoError(t, err)
	defer p.Close()

	buf := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}
	addr := memory.Address(uintptr(unsafe.Pointer(&buf[0])))

	require.True(t, p.IsValidAddress(addr))

	v, err := memory.ReadUINT32(p, addr)
	require.NoError(t, err)
	require.Equal(t, uint32(0x44332211), v)

	require.NoError(t, p.WriteMemory(addr+2, []byte{0xAA, 0xBB}))
	require.Equal(t, []byte{0x11, 0x22, 0xAA, 0xBB, 0x55}, buf[:5])

	item, err := p.Query(addr)
	require.NoError(t, err)
	require.True(t, item.IsWritable())

	err = p.Protect(addr, 1, memory_map.ProtRead)
	require.True(t, errors.Is(err, memory.ErrNotSupported))

	runtime.KeepAlive(buf)
}

func Test_ForceWriteProtect(t *testing.T) {
	p, err := NewWithPID(process.ProcessID(os.Getpid()), WithForceWrite(true))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Protect(0x1000, 1, memory_map.ProtRead))
}

func Test_NotOpen(t *testing.T) {
	p := New()
	require.Zero(t, p.GetPID())

	_, err := p.ReadMemory(0x1000, 4)
	require.True(t, errors.Is(err, memory.ErrProcessNotOpen))
	require.True(t, errors.Is(p.WriteMemory(0x1000, []byte{0}), memory.ErrProcessNotOpen))
	_, err = p.GetMemoryMap()
	require.True(t, errors.Is(err, memory.ErrProcessNotOpen))
	require.False(t, p.IsValidAddress(0x1000))

	_, err = NewWithPID(-1)
	require.Error(t, err)
}

func Test_FindModule(t *testing.T) {
	p, err := NewWithPID(process.ProcessID(os.Getpid()))
	require.NoError(t, err)
	defer p.Close()

	exe, err := os.Executable()
	require.NoError(t, err)

	span, err := p.FindModule(filepath.Base(exe))
	require.NoError(t, err)
	require.NotZero(t, span.Size)

	main, err := p.FindModule("")
	require.NoError(t, err)
	require.Equal(t, span, main)

	_, err = p.FindModule("no-such-module.so")
	require.True(t, errors.Is(err, memory.ErrModuleNotFound))
}

func Test_FindProcessByPID(t *testing.T) {
	f := NewProcessFinder()

	info, err := f.FindProcessByPID(process.ProcessID(os.Getpid()))
	require.NoError(t, err)
	require.Equal(t, process.ProcessID(os.Getpid()), info.PID)
	require.NotEmpty(t, info.Name)
	require.NotEmpty(t, info.Cmdline)

	list, err := f.FindProcessByName(info.Name)
	require.NoError(t, err)
	found := false
	for _, item := range list {
		found = found || item.PID == info.PID
	}
	require.True(t, found)

	_, err = f.FindProcessByNamePattern("(")
	require.Error(t, err)
}

func Test_ParseStatus(t *testing.T) {
	status := "Name:\tsigscan\nState:\tS (sleeping)\nPPid:\t42\nUid:\t1000\t1001\t1000\t1000\nThreads:\t7\nVmRSS:\t  2048 kB\n"

	var info process.ProcessInfo
	parseStatus(strings.NewReader(status), &info)
	require.Equal(t, process.ProcessSleeping, info.State)
	require.True(t, info.State.Attachable())
	require.False(t, process.ProcessZombie.Attachable())
	require.Equal(t, process.ProcessID(42), info.PPID)
	require.Equal(t, "uid_1001", info.User)
	require.Equal(t, 7, info.Threads)
	require.Equal(t, uint64(2048*1024), info.Memory)

	require.Equal(t, []string{"a", "b c"}, splitCmdline([]byte("a\x00b c\x00")))
	require.Nil(t, splitCmdline(nil))
}
