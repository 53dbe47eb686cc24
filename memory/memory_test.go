package memory

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"gopatch/memory/memory_map"
)

// fakeMemory is a single region at base with a mutable protection
type fakeMemory struct {
	base     Address
	data     []byte
	prot     memory_map.Protection
	reads    int
	protects []memory_map.Protection
}

func newFake(base Address, data []byte) *fakeMemory {
	return &fakeMemory{base: base, data: data, prot: memory_map.ProtRead | memory_map.ProtExec}
}

func (f *fakeMemory) span() Span { return NewSpan(f.base, Size(len(f.data))) }

func (f *fakeMemory) ReadMemory(addr Address, size Size) ([]byte, error) {
	f.reads++
	if !f.span().ContainsRange(addr, size) {
		return nil, errors.Wrapf(ErrInvalidMemory, "read %s", addr)
	}
	off := addr - f.base
	out := make([]byte, size)
	copy(out, f.data[off:])
	return out, nil
}

func (f *fakeMemory) Query(addr Address) (memory_map.MemoryMapItem, error) {
	if !f.span().Contains(addr) {
		return memory_map.MemoryMapItem{}, ErrInvalidMemory
	}
	return memory_map.MemoryMapItem{Address: uint64(f.base), Size: uint(len(f.data)), Perms: f.prot.String() + "p"}, nil
}

func (f *fakeMemory) Protect(addr Address, size Size, prot memory_map.Protection) error {
	f.prot = prot
	f.protects = append(f.protects, prot)
	return nil
}

func Test_Span(t *testing.T) {
	s := NewSpan(0x1000, 0x10)
	require.Equal(t, Address(0x1010), s.End())
	require.Equal(t, Address(0x100F), s.LastByte())
	require.True(t, s.Contains(0x1000))
	require.False(t, s.Contains(0x1010))
	require.True(t, s.ContainsRange(0x100C, 4))
	require.False(t, s.ContainsRange(0x100D, 4))

	off, ok := s.Offset(0x1004)
	require.True(t, ok)
	require.Equal(t, Size(4), off)

	sub, ok := s.Sub(0xC, 0x100)
	require.True(t, ok)
	require.Equal(t, NewSpan(0x100C, 4), sub)

	require.True(t, SpanFromBounds(0x2000, 0x1000).IsEmpty())
	require.Equal(t, Address(0x2000), SpanFromBounds(0x2000, 0x1000).LastByte())
}

func Test_RelativeMath(t *testing.T) {
	rel, err := CalcRel(0x2000, 0x1001, 4)
	require.NoError(t, err)
	require.Equal(t, int32(0x2000-0x1005), rel)

	rel, err = CalcRel(0xFF2, 0x1001, 4)
	require.NoError(t, err)
	require.Equal(t, int32(-0x13), rel)

	_, err = CalcRel(0x1_0000_0000_0000, 0x1000, 4)
	require.True(t, errors.Is(err, ErrOutOfRange))

	require.True(t, FitsRel32(0x1005, 0x1005+math.MaxInt32))
	require.False(t, FitsRel32(0x1005, 0x1005+math.MaxInt32+1))
	require.True(t, IsIn32BitRange(0x1000, 0x1000+math.MaxUint32, 0))
	require.False(t, IsIn32BitRange(0x1000, 0x1000+math.MaxUint32, 1))

	require.Equal(t, Size(0x1000), Align(0x801, 0x1000))
	require.Equal(t, Size(0x1000), Align(0x1000, 0x1000))
	require.Equal(t, Size(0), Align(math.MaxUint, 0x10))
	require.Equal(t, Address(0x7000), AlignDown(0x7FFF, 0x1000))
}

func Test_RelToAbs(t *testing.T) {
	// E8 F1 FF FF FF at 0x1000 calls 0xFF6
	mem := newFake(0x1000, []byte{0xE8, 0xF1, 0xFF, 0xFF, 0xFF, 0x90, 0x90, 0x90})

	target, err := RelToAbsEx(mem, 0x1000, 1, 4)
	require.NoError(t, err)
	require.Equal(t, Address(0xFF6), target)

	target, err = RelToAbs(mem, 0x1001, 4)
	require.NoError(t, err)
	require.Equal(t, Address(0xFF6), target)

	_, err = RelToAbs(mem, 0x1006, 4)
	require.True(t, errors.Is(err, ErrInvalidMemory))
}

func Test_TypedReads(t *testing.T) {
	data := make([]byte, 32)
	binary.LittleEndian.PutUint64(data[0:], 0x1010)
	binary.LittleEndian.PutUint32(data[8:], math.Float32bits(1.5))
	copy(data[16:], "abc\x00def")
	binary.LittleEndian.PutUint64(data[24:], 0x1018)
	mem := newFake(0x1000, data)

	p, err := ReadPOINTER(mem, 0x1000)
	require.NoError(t, err)
	require.Equal(t, Address(0x1010), p)

	f, err := ReadFLOAT32(mem, 0x1008)
	require.NoError(t, err)
	require.Equal(t, float32(1.5), f)

	s, err := ReadNTS(mem, 0x1010, 8)
	require.NoError(t, err)
	require.Equal(t, "abc", s)

	v, err := ReadINT8(mem, 0x1001)
	require.NoError(t, err)
	require.Equal(t, int8(0x10), v)

	_, err = ReadPOINTER(mem, 0)
	require.True(t, errors.Is(err, ErrInvalidMemory))

	ptrs, err := ReadPointers(mem, 0x1000, 1)
	require.NoError(t, err)
	require.Equal(t, []Address{0x1010}, ptrs)

	// 0x1000 -> 0x1010 (+8) -> reads 0x1018's pointer -> 0x1018 + 4
	addr, err := PointerChain(mem, 0x1000, 0, 8, 4)
	require.NoError(t, err)
	require.Equal(t, Address(0x1018+4), addr)

	addr, err = PointerChain(mem, 0x1000)
	require.NoError(t, err)
	require.Equal(t, Address(0x1000), addr)

	_, err = PointerChain(mem, 0x1000, 0x20, 0)
	require.True(t, errors.Is(err, ErrInvalidMemory))

	enc, err := EncodePointer(0x11223344, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, enc)
	_, err = EncodePointer(0x1_0000_0000, 4)
	require.True(t, errors.Is(err, ErrOutOfRange))
}

func Test_ProtectTransitions(t *testing.T) {
	mem := newFake(0x1000, make([]byte, 16))

	require.True(t, IsMemoryValid(mem, 0x1000, 4))
	require.False(t, IsMemoryValid(mem, 0x1000, 0x100))
	require.False(t, IsMemoryValid(mem, 0, 0))
	require.True(t, IsMemoryExecutable(mem, 0x1000, 0))

	changed, err := MakeWritable(mem, 0x1004)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, memory_map.ProtRead|memory_map.ProtWrite|memory_map.ProtExec, mem.prot)

	changed, err = MakeWritable(mem, 0x1004)
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = RemoveExecutable(mem, 0x1000)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, memory_map.ProtRead|memory_map.ProtWrite, mem.prot)

	changed, err = RemoveReadable(mem, 0x1000)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, memory_map.ProtNone, mem.prot)
	require.False(t, IsMemoryValid(mem, 0x1000, 0))

	changed, err = RemoveWritable(mem, 0x1000)
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = MakeExecutable(mem, 0x1000)
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = MakeReadable(mem, 0x1000)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, memory_map.ProtRead|memory_map.ProtExec, mem.prot)

	_, err = MakeWritable(mem, 0x5000)
	require.True(t, errors.Is(err, ErrInvalidMemory))
	require.Len(t, mem.protects, 5)
}

func Test_Walk(t *testing.T) {
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	mem := newFake(0x1000, data)

	var owned []byte
	err := Walk(mem, mem.span(), 16, 3, func(base Address, chunk []byte, n int) bool {
		require.LessOrEqual(t, len(chunk), 19)
		owned = append(owned, chunk[:n]...)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, data, owned)

	calls := 0
	err = Walk(mem, mem.span(), 16, 0, func(Address, []byte, int) bool {
		calls++
		return false
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	mem.reads = 0
	require.NoError(t, Walk(mem, NewSpan(0x1000, 0), 16, 0, nil))
	require.Zero(t, mem.reads)

	err = Walk(mem, NewSpan(0x1000, 0x200), 16, 0, func(Address, []byte, int) bool { return true })
	require.True(t, errors.Is(err, ErrInvalidMemory))
}

func Test_NearCandidates(t *testing.T) {
	near := Address(0x140001000)
	mm := []memory_map.MemoryMapItem{
		{Address: 0x7FF000000000, Size: 0x1000, Perms: "rw-p"},
		{Address: 0x140000000, Size: 0x10000, Perms: "r-xp"},
		{Address: 0x140012000, Size: 0x1000, Perms: "rw-p"},
	}

	require.Equal(t, []Address{0x13FFFF000, 0x140010000, 0x140013000}, NearCandidates(near, 0x100, 0x1000, mm))

	// the two page hole between the image and its neighbour is too small
	require.Equal(t, []Address{0x13FFFD000, 0x140013000}, NearCandidates(near, 0x3000, 0x1000, mm))

	for _, c := range NearCandidates(near, 0x3000, 0x1000, mm) {
		require.True(t, FitsRel32(near, c))
		require.True(t, FitsRel32(near, c+0x3000))
	}

	// low anchors never get page zero
	require.Equal(t, []Address{0x10000}, NearCandidates(0x10000, 0x10, 0x1000, nil))
	require.Nil(t, NearCandidates(near, 0, 0x1000, mm))
}

func Test_ReadNarrowAndWide(t *testing.T) {
	data := []byte{
		0x56, 0x34, 0x12, // 0x123456
		0xFE, 0xFF, 0xFF, // -2
		'h', 0, 'i', 0, 0x39, 0xD8, 0x00, 0xDE, 0, 0, 'x', 0,
	}
	mem := newFake(0x1000, data)

	u, err := ReadU24(mem, 0x1000)
	require.NoError(t, err)
	require.Equal(t, uint32(0x123456), u)

	i, err := ReadI24(mem, 0x1003)
	require.NoError(t, err)
	require.Equal(t, int32(-2), i)

	i, err = ReadI24(mem, 0x1000)
	require.NoError(t, err)
	require.Equal(t, int32(0x123456), i)

	// h i U+1E600 surrogate pair, then the terminator
	s, err := ReadWStr(mem, 0x1006, 6)
	require.NoError(t, err)
	require.Equal(t, "hi\U0001E600", s)

	s, err = ReadWStr(mem, 0x1006, 1)
	require.NoError(t, err)
	require.Equal(t, "h", s)

	s, err = ReadWStr(mem, 0x1006, 0)
	require.NoError(t, err)
	require.Empty(t, s)

	_, err = ReadWStr(mem, 0x100E, 8)
	require.True(t, errors.Is(err, ErrInvalidMemory))
	_, err = ReadU24(mem, 0x1011)
	require.True(t, errors.Is(err, ErrInvalidMemory))
}

func Test_ModuleMap(t *testing.T) {
	mm := []memory_map.MemoryMapItem{
		{Address: 0x7F0000002000, Size: 0x1000, Perms: "r-xp", Path: "/usr/lib/libfoo.so.1"},
		{Address: 0x7F0000000000, Size: 0x2000, Perms: "r--p", Path: "/usr/lib/libfoo.so.1"},
		{Address: 0x7F0000010000, Size: 0x1000, Perms: "rw-p", Path: "[heap]"},
		{Address: 0x7F0000020000, Size: 0x1000, Perms: "rw-p"},
	}
	m := NewModuleMap(mm)
	m.Add(`C:\Games\game.exe`, NewSpan(0x140000000, 0x4000))

	require.Equal(t, Address(0x7F0000000000), m.GetBaseAddress(0x7F0000002010))
	require.Equal(t, "libfoo.so.1", m.GetModuleNameForAddress(0x7F0000002010))
	require.Equal(t, "libfoo.so.2010", m.BeautifyPointer(0x7F0000002010))

	require.Equal(t, Address(0x140000000), m.GetBaseAddress(0x140001234))
	require.Equal(t, "game.exe", m.GetModuleNameForAddress(0x140001234))
	require.Equal(t, "game.1234", m.BeautifyPointer(0x140001234))
	require.Equal(t, "game.0", m.BeautifyPointer(0x140000000))

	require.Zero(t, m.GetBaseAddress(0x7F0000010008))
	require.Empty(t, m.GetModuleNameForAddress(0x7F0000010008))
	require.Equal(t, "0x7f0000010008", m.BeautifyPointer(0x7F0000010008))
	require.Equal(t, "0x7f0000003000", m.BeautifyPointer(0x7F0000003000))
	require.Equal(t, "null", m.BeautifyPointer(0))
}

func Test_DecodeMode(t *testing.T) {
	require.Equal(t, 32, DecodeMode(4))
	require.Equal(t, 64, DecodeMode(8))
	require.Equal(t, 64, DecodeMode(PointerSize))
}
