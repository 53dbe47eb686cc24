package signature

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"gopatch/memory"
)

type sliceReader struct {
	base  memory.Address
	data  []byte
	reads atomic.Int32
}

func (s *sliceReader) ReadMemory(addr memory.Address, size memory.Size) ([]byte, error) {
	s.reads.Add(1)
	span := memory.NewSpan(s.base, memory.Size(len(s.data)))
	if !span.ContainsRange(addr, size) {
		return nil, errors.Wrapf(memory.ErrInvalidMemory, "read %s", addr)
	}
	off := addr - s.base
	return s.data[off : off+memory.Address(size)], nil
}

func (s *sliceReader) span() memory.Span {
	return memory.NewSpan(s.base, memory.Size(len(s.data)))
}

func Test_Parse(t *testing.T) {
	sig, err := Parse("4D ?? 5A")
	require.NoError(t, err)
	require.Equal(t, 3, sig.Len())
	require.Equal(t, []byte{0x4D, 0x00, 0x5A}, sig.Pattern())
	require.Equal(t, []byte{0xFF, 0x00, 0xFF}, sig.Mask())
	require.True(t, sig.IsWildcard(1))
	require.Equal(t, "4D ?? 5A", sig.String())
	require.Equal(t, "4D ?? 5A", sig.Text())

	sig, err = Parse("48,8b,0d ? ? ? ?")
	require.NoError(t, err)
	require.Equal(t, "48 8B 0D ?? ?? ?? ??", sig.String())

	sig, err = Parse("4D5A9000 4? ?F")
	require.NoError(t, err)
	require.Equal(t, []byte{0x4D, 0x5A, 0x90, 0x00, 0x40, 0x0F}, sig.Pattern())
	require.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xF0, 0x0F}, sig.Mask())
	require.Equal(t, "4D 5A 90 00 4? ?F", sig.String())

	sig, err = Parse(`u32:0x11223344 i8:-1 u16:258 "M Z"`)
	require.NoError(t, err)
	require.Equal(t, []byte{0x44, 0x33, 0x22, 0x11, 0xFF, 0x02, 0x01, 'M', ' ', 'Z'}, sig.Pattern())

	sig, err = Parse("f32:1.5")
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x00, 0xC0, 0x3F}, sig.Pattern())
}

func Test_ParseMalformed(t *testing.T) {
	for _, text := range []string{
		"",
		"   ",
		"4D 5",
		"4D ZZ",
		"u32:nope",
		"u8:256",
		"x32:1",
		`"open`,
		`""`,
	} {
		_, err := Parse(text)
		require.Error(t, err, text)
		require.True(t, errors.Is(err, memory.ErrMalformedSignature), text)
	}

	require.Panics(t, func() { MustParse("4D 5") })
	require.NotPanics(t, func() { MustParse("4D 5A") })

	_, err := New([]byte{1, 2}, []byte{0xFF})
	require.True(t, errors.Is(err, memory.ErrMalformedSignature))
	_, err = FromBytes(nil)
	require.True(t, errors.Is(err, memory.ErrMalformedSignature))
}

func Test_Index(t *testing.T) {
	require.Equal(t, 2, Index([]byte{0x90, 0x90, 0x4D, 0x5A, 0x90}, MustParse("4D 5A")))
	require.Equal(t, 0, Index([]byte{0x4D, 0xAA, 0x5A}, MustParse("4D ?? 5A")))
	require.Equal(t, -1, Index([]byte{0x4D, 0xAA}, MustParse("4D ?? 5A")))
	require.Equal(t, -1, Index([]byte{0x4D, 0xAA, 0x5B}, MustParse("4D ?? 5A")))
	require.Equal(t, []int{0, 1, 2}, IndexAll([]byte{0x90, 0x90, 0x90, 0x90}, MustParse("90 90")))

	sig, err := FromBytes([]byte{0xC3})
	require.NoError(t, err)
	require.Equal(t, 3, Index([]byte{0, 0, 0, 0xC3}, sig))
}

func Test_Find(t *testing.T) {
	r := &sliceReader{base: 0x1000, data: []byte{0x90, 0x90, 0x4D, 0x5A, 0x90}}

	addr, found, err := Find(r, r.span(), MustParse("4D 5A"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, memory.Address(0x1002), addr)

	addr, found, err = Find(r, r.span(), MustParse("5A 4D"))
	require.NoError(t, err)
	require.False(t, found)
	require.Zero(t, addr)

	r = &sliceReader{base: 0x1000, data: []byte{0x4D, 0xAA, 0x5A}}
	addr, found, err = Find(r, r.span(), MustParse("4D ?? 5A"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, memory.Address(0x1000), addr)
}

func Test_FindEmptyRangeNeverReads(t *testing.T) {
	r := &sliceReader{base: 0x1000, data: []byte{0x4D, 0x5A}}

	_, found, err := Find(r, memory.SpanFromBounds(0x1000, 0x1000), MustParse("4D"))
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = Find(r, memory.NewSpan(0x1000, 1), MustParse("4D 5A"))
	require.NoError(t, err)
	require.False(t, found)

	matches, err := FindAll(r, memory.NewSpan(0x5000, 0), MustParse("4D"))
	require.NoError(t, err)
	require.Empty(t, matches)

	require.Zero(t, r.reads.Load())
}

func Test_FindAcrossChunks(t *testing.T) {
	data := make([]byte, 64)
	copy(data[14:], []byte{0xDE, 0xAD, 0xBE, 0xEF})
	copy(data[40:], []byte{0xDE, 0xAD, 0xBE, 0xEF})
	r := &sliceReader{base: 0x4000, data: data}
	sig := MustParse("DE AD BE EF")

	addr, found, err := Find(r, r.span(), sig, WithChunkSize(16))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, memory.Address(0x400E), addr)

	matches, err := FindAll(r, r.span(), sig, WithChunkSize(16))
	require.NoError(t, err)
	require.Equal(t, []memory.Address{0x400E, 0x4028}, matches)

	_, _, err = Find(r, memory.NewSpan(0x4030, 0x40), sig, WithChunkSize(16))
	require.True(t, errors.Is(err, memory.ErrInvalidMemory))
}

func Test_FindAllParallel(t *testing.T) {
	data := make([]byte, 256)
	for _, off := range []int{8, 70, 130, 250} {
		copy(data[off:], []byte{0xCC, 0xCC})
	}
	r := &sliceReader{base: 0x10000, data: data}

	spans := []memory.Span{
		memory.NewSpan(0x10000+192, 64),
		memory.NewSpan(0x10000, 64),
		memory.NewSpan(0x10000+64, 64),
		memory.NewSpan(0x10000+128, 64),
		memory.NewSpan(0x90000, 64),
	}

	matches, err := FindAllParallel(r, spans, MustParse("CC CC"), 4)
	require.NoError(t, err)
	require.Equal(t, []memory.Address{0x10008, 0x10046, 0x10082, 0x100FA}, matches)

	_, err = FindAllParallel(r, spans, Signature{}, 4)
	require.True(t, errors.Is(err, memory.ErrMalformedSignature))
}
