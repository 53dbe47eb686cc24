package memory_map

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleMaps = `7f0000000000-7f0000001000 r--p 00000000 08:01 1234 /usr/lib/libfoo.so
7f0000001000-7f0000003000 r-xp 00001000 08:01 1234 /usr/lib/libfoo.so
7f0000003000-7f0000004000 rw-p 00003000 08:01 1234 /usr/lib/libfoo.so
7f0000004000-7f0000005000 rw-p 00000000 00:00 0
7ffd00000000-7ffd00021000 rw-p 00000000 00:00 0 [stack]
bogus line
`

func parseSample(t *testing.T) []MemoryMapItem {
	mm, err := ParseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	Sort(mm)
	return mm
}

func Test_ParseMaps(t *testing.T) {
	mm := parseSample(t)
	require.Len(t, mm, 5)
	require.Equal(t, uint64(0x7f0000001000), mm[1].Address)
	require.Equal(t, uint(0x2000), mm[1].Size)
	require.Equal(t, ProtRead|ProtExec, mm[1].Prot())
	require.Equal(t, "/usr/lib/libfoo.so", mm[1].Path)
	require.Empty(t, mm[3].Path)
	require.Equal(t, "[stack]", mm[4].Path)
}

func Test_ProtectionStrings(t *testing.T) {
	require.Equal(t, "r-x", (ProtRead | ProtExec).String())
	require.Equal(t, "---", ProtNone.String())
	require.Equal(t, ProtRead|ProtWrite, ParsePerms("rw-p"))

	item := MemoryMapItem{Perms: "r-xp"}
	require.Equal(t, "rw-p", item.WithProt(ProtRead|ProtWrite).Perms)
}

func Test_RegionQueries(t *testing.T) {
	mm := parseSample(t)

	item := FindRegion(0x7f0000002abc, mm)
	require.NotNil(t, item)
	require.Equal(t, uint64(0x7f0000001000), item.Address)
	require.Nil(t, FindRegion(0x7f0000005000, mm))

	require.True(t, IsValidAddress(0x7f0000000000, mm))
	require.False(t, IsValidAddress(0x1000, mm))

	// contiguous regions all readable
	require.True(t, IsRangeCovered(0x7f0000000800, 0x4000, ProtRead, mm))
	require.False(t, IsRangeCovered(0x7f0000000800, 0x4000, ProtWrite, mm))
	// runs into the gap before the stack
	require.False(t, IsRangeCovered(0x7f0000004800, 0x1000, ProtRead, mm))

	require.Len(t, Overlapping(0x7f0000000ff0, 0x20, mm), 2)
}

func Test_FindModule(t *testing.T) {
	mm := parseSample(t)

	start, end, ok := FindModule("libfoo.so", mm)
	require.True(t, ok)
	require.Equal(t, uint64(0x7f0000000000), start)
	require.Equal(t, uint64(0x7f0000004000), end)

	_, _, ok = FindModule("/usr/lib/libfoo.so", mm)
	require.True(t, ok)

	_, _, ok = FindModule("libbar.so", mm)
	require.False(t, ok)
}
