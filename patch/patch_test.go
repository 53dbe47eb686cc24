package patch

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"gopatch/memory"
	"gopatch/memory/memory_map"
	"gopatch/process_blob"
)

func newCode() *process_blob.ProcessBlob {
	data := []byte{
		0xE8, 0xF1, 0xFF, 0xFF, 0xFF, // call 0xFF6
		0x90, 0x90, 0x90,
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88,
	}
	return process_blob.NewProcessBlob(0x1000, data)
}

func Test_PointerApplyRevert(t *testing.T) {
	for _, width := range []int{4, 8} {
		blob := newCode()
		engine := NewEngine(blob, WithPointerSize(width))
		before := append([]byte(nil), blob.Data()...)

		p, err := engine.Pointer(0x1008, 0xCAFEBABE)
		require.NoError(t, err)
		require.Equal(t, memory.Size(width), p.Size())
		require.True(t, p.IsApplied())
		require.Equal(t, before[8:8+width], p.Original())

		got, err := memory.ReadPointerSized(blob, 0x1008, width)
		require.NoError(t, err)
		require.Equal(t, memory.Address(0xCAFEBABE), got)

		// protection is restored after the write
		item, err := blob.Query(0x1008)
		require.NoError(t, err)
		require.Equal(t, "r-xp", item.Perms)

		require.NoError(t, p.Revert())
		require.Equal(t, before, blob.Data())
		require.Equal(t, Reverted, p.State())
	}
}

func Test_RevertIdempotent(t *testing.T) {
	blob := newCode()
	engine := NewEngine(blob)
	before := append([]byte(nil), blob.Data()...)

	p, err := engine.Bytes(0x1005, []byte{0xCC, 0xCC})
	require.NoError(t, err)
	require.Equal(t, []byte{0xCC, 0xCC}, p.Installed())

	require.NoError(t, p.Revert())
	writes := blob.Writes()
	after := append([]byte(nil), blob.Data()...)

	require.NoError(t, p.Revert())
	require.Equal(t, writes, blob.Writes())
	require.Equal(t, after, blob.Data())
	require.Equal(t, before, blob.Data())
}

func Test_Relative(t *testing.T) {
	blob := newCode()
	engine := NewEngine(blob)

	p, err := engine.Relative(0x1000, 0x2000)
	require.NoError(t, err)
	require.Equal(t, memory.Address(0x1001), p.Address())
	require.Equal(t, []byte{0xF1, 0xFF, 0xFF, 0xFF}, p.Original())
	require.Equal(t, byte(0xE8), blob.Data()[0])

	target, err := memory.RelToAbsEx(blob, 0x1000, 1, 4)
	require.NoError(t, err)
	require.Equal(t, memory.Address(0x2000), target)

	require.NoError(t, p.Revert())
	require.Equal(t, []byte{0xE8, 0xF1, 0xFF, 0xFF, 0xFF}, blob.Data()[:5])

	writes := blob.Writes()
	_, err = engine.Relative(0x1000, 0x1_0000_2000)
	require.True(t, errors.Is(err, memory.ErrOutOfRange))
	require.Equal(t, writes, blob.Writes())
}

func Test_Displacement(t *testing.T) {
	// mov rax, [rip+0x10] at 0x1000: 48 8B 05 10 00 00 00
	blob := process_blob.NewProcessBlob(0x1000, []byte{0x48, 0x8B, 0x05, 0x10, 0x00, 0x00, 0x00})
	engine := NewEngine(blob)

	_, err := engine.Displacement(0x1003, 0x1007, 0x1100)
	require.NoError(t, err)

	target, err := memory.ResolveRIPRelative(blob, 0x1000, 3, 7)
	require.NoError(t, err)
	require.Equal(t, memory.Address(0x1100), target)
}

func Test_InvalidMemory(t *testing.T) {
	blob := newCode()
	engine := NewEngine(blob)
	before := append([]byte(nil), blob.Data()...)

	_, err := engine.Bytes(0x5000, []byte{1})
	require.True(t, errors.Is(err, memory.ErrInvalidMemory))

	// straddles the end of the block: nothing is written
	_, err = engine.Bytes(0x100E, []byte{1, 2, 3, 4})
	require.True(t, errors.Is(err, memory.ErrInvalidMemory))
	require.Equal(t, before, blob.Data())
	require.Zero(t, blob.Writes())

	_, err = engine.Bytes(0x1000, nil)
	require.True(t, errors.Is(err, memory.ErrInvalidMemory))
}

type lockedBlob struct {
	*process_blob.ProcessBlob
}

func (l lockedBlob) Protect(memory.Address, memory.Size, memory_map.Protection) error {
	return errors.New("protect denied")
}

func Test_WriteProtectFailure(t *testing.T) {
	blob := newCode()
	engine := NewEngine(lockedBlob{blob})
	before := append([]byte(nil), blob.Data()...)

	_, err := engine.Nop(0x1000, 5)
	require.True(t, errors.Is(err, memory.ErrWriteProtect))
	require.Equal(t, before, blob.Data())
}

func Test_LeaveWritable(t *testing.T) {
	blob := newCode()
	engine := NewEngine(blob, WithRestoreProtection(false))

	p, err := engine.Nop(0x1000, 5)
	require.NoError(t, err)
	require.Equal(t, []byte{0x90, 0x90, 0x90, 0x90, 0x90}, blob.Data()[:5])

	item, err := blob.Query(0x1000)
	require.NoError(t, err)
	require.True(t, item.IsWritable())

	require.NoError(t, p.Revert())
	require.Equal(t, byte(0xE8), blob.Data()[0])
}

func Test_RevertFailureKeepsPatch(t *testing.T) {
	blob := newCode()
	engine := NewEngine(blob)

	p, err := engine.Nop(0x1005, 3)
	require.NoError(t, err)

	require.NoError(t, blob.Protect(0x1000, 0x10, memory_map.ProtNone))
	err = p.Revert()
	require.True(t, errors.Is(err, memory.ErrInvalidMemory))
	require.True(t, p.IsApplied())

	require.NoError(t, blob.Protect(0x1000, 0x10, memory_map.ProtRead|memory_map.ProtExec))
	require.NoError(t, p.Revert())
	require.Equal(t, []byte{0x90, 0x90, 0x90}, blob.Data()[5:8])
}

func Test_SetRevertAllLIFO(t *testing.T) {
	blob := newCode()
	engine := NewEngine(blob)
	set := NewSet()
	before := append([]byte(nil), blob.Data()...)

	// overlapping patches unwind to the original bytes only in reverse order
	p1, err := engine.Bytes(0x1008, []byte{0xAA, 0xAA, 0xAA, 0xAA})
	require.NoError(t, err)
	h1 := set.Add(p1)
	p2, err := engine.Bytes(0x100A, []byte{0xBB, 0xBB, 0xBB, 0xBB})
	require.NoError(t, err)
	h2 := set.Add(p2)
	p3, err := engine.Nop(0x1005, 1)
	require.NoError(t, err)
	h3 := set.Add(p3)

	require.Equal(t, 3, set.Len())
	require.Equal(t, 3, set.Active())
	require.Equal(t, []*Patch{p1, p2, p3}, set.Patches())

	got, ok := set.Get(h2)
	require.True(t, ok)
	require.Same(t, p2, got)

	taken, ok := set.Take(h3)
	require.True(t, ok)
	require.Same(t, p3, taken)
	_, ok = set.Get(h3)
	require.False(t, ok)
	require.Equal(t, 2, set.Len())

	require.NoError(t, set.RevertAll())
	require.Equal(t, 0, set.Active())
	require.Equal(t, before, blob.Data())

	// handles stay valid after revert
	got, ok = set.Get(h1)
	require.True(t, ok)
	require.False(t, got.IsApplied())
	require.NoError(t, set.Revert(h1))

	require.Error(t, set.Revert(Handle(42)))
	require.Equal(t, InvalidHandle, set.Add(nil))

	// the taken patch is still applied and owned by the caller
	require.True(t, taken.IsApplied())
	require.NoError(t, taken.Revert())
}

func Test_SetRevertAllCollectsErrors(t *testing.T) {
	blob := newCode()
	engine := NewEngine(blob)
	set := NewSet()

	p1, err := engine.Nop(0x1000, 1)
	require.NoError(t, err)
	set.Add(p1)
	p2, err := engine.Nop(0x1008, 1)
	require.NoError(t, err)
	set.Add(p2)

	require.NoError(t, blob.Protect(0x1000, 0x10, memory_map.ProtNone))

	err = set.RevertAll()
	require.Error(t, err)
	require.True(t, errors.Is(err, memory.ErrInvalidMemory))
	require.Equal(t, 2, set.Active())
}
