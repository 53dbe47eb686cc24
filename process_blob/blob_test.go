package process_blob

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"gopatch/memory"
	"gopatch/memory/memory_map"
)

func Test_ReadWrite(t *testing.T) {
	blob := NewProcessBlob(0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	data, err := blob.ReadMemory(0x1002, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{3, 4, 5}, data)

	_, err = blob.ReadMemory(0x1006, 4)
	require.True(t, errors.Is(err, memory.ErrInvalidMemory))
	_, err = blob.ReadMemory(0xFFF, 1)
	require.True(t, errors.Is(err, memory.ErrInvalidMemory))

	// r-x by default
	err = blob.WriteMemory(0x1000, []byte{0xAA})
	require.True(t, errors.Is(err, memory.ErrWriteProtect))
	require.Equal(t, byte(1), blob.Data()[0])

	require.NoError(t, blob.Protect(0x1000, 8, memory_map.ProtRead|memory_map.ProtWrite))
	require.NoError(t, blob.WriteMemory(0x1000, []byte{0xAA, 0xBB}))
	require.Equal(t, []byte{0xAA, 0xBB, 3}, blob.Data()[:3])
	require.Equal(t, 1, blob.Writes())

	err = blob.WriteMemory(0x1007, []byte{0, 0})
	require.True(t, errors.Is(err, memory.ErrInvalidMemory))

	require.True(t, blob.IsValidAddress(0x1007))
	require.False(t, blob.IsValidAddress(0x1008))
}

func Test_QueryRegions(t *testing.T) {
	blob := NewProcessBlob(0x10000, make([]byte, 0x3000),
		WithProt(memory_map.ProtRead),
		WithRegion(0x11000, 0x1000, memory_map.ProtRead|memory_map.ProtExec),
	)

	item, err := blob.Query(0x11800)
	require.NoError(t, err)
	require.Equal(t, uint64(0x11000), item.Address)
	require.Equal(t, uint(0x1000), item.Size)
	require.Equal(t, "r-xp", item.Perms)

	regions := blob.MemoryMap()
	require.Len(t, regions, 3)
	require.Equal(t, "r--p", regions[2].Perms)

	_, err = blob.Query(0x13000)
	require.True(t, errors.Is(err, memory.ErrInvalidMemory))

	changed, err := memory.MakeWritable(blob, 0x11000)
	require.NoError(t, err)
	require.True(t, changed)
	item, err = blob.Query(0x11000)
	require.NoError(t, err)
	require.Equal(t, "rwxp", item.Perms)

	changed, err = memory.RemoveReadable(blob, 0x10000)
	require.NoError(t, err)
	require.True(t, changed)
	_, err = blob.ReadMemory(0x10000, 1)
	require.True(t, errors.Is(err, memory.ErrInvalidMemory))
}

func Test_UnalignedBase(t *testing.T) {
	blob := NewProcessBlob(0x1010, make([]byte, 0x20))

	item, err := blob.Query(0x1010)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1010), item.Address)
	require.Equal(t, uint(0x20), item.Size)

	changed, err := memory.MakeWritable(blob, 0x1020)
	require.NoError(t, err)
	require.True(t, changed)
	require.NoError(t, blob.WriteMemory(0x1010, []byte{1}))
}

func Test_AllocFree(t *testing.T) {
	blob := NewProcessBlob(0x1000, make([]byte, 0x10))

	span, err := blob.Alloc(0x20, memory_map.ProtRead|memory_map.ProtWrite|memory_map.ProtExec)
	require.NoError(t, err)
	require.Equal(t, memory.NewSpan(0x2000, 0x1000), span)
	require.NoError(t, blob.WriteMemory(span.Base, []byte{0xC3}))

	// the original page keeps its protection
	item, err := blob.Query(0x1000)
	require.NoError(t, err)
	require.Equal(t, "r-xp", item.Perms)

	require.NoError(t, blob.Free(span))
	_, err = blob.ReadMemory(span.Base, 1)
	require.True(t, errors.Is(err, memory.ErrInvalidMemory))

	_, err = blob.Alloc(0, memory_map.ProtRead)
	require.True(t, errors.Is(err, memory.ErrInvalidMemory))
}

func Test_Snapshot(t *testing.T) {
	src := NewProcessBlob(0x4000, []byte{0x4D, 0x5A, 0x90, 0x00})

	snap, err := Snapshot(src, memory.NewSpan(0x4001, 2))
	require.NoError(t, err)
	require.Equal(t, memory.Address(0x4001), snap.Base())

	v, err := memory.ReadUINT16(snap, 0x4001)
	require.NoError(t, err)
	require.Equal(t, uint16(0x905A), v)

	err = snap.WriteMemory(0x4001, []byte{0})
	require.True(t, errors.Is(err, memory.ErrWriteProtect))

	_, err = Snapshot(src, memory.NewSpan(0x4002, 8))
	require.True(t, errors.Is(err, memory.ErrInvalidMemory))
}
