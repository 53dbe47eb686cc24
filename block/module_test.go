package block

import (
	"encoding/binary"
	"testing"

	"github.com/Binject/debug/pe"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"gopatch/memory"
	"gopatch/patch"
	"gopatch/peimage"
	"gopatch/peimage/peimagetest"
	"gopatch/process_blob"
	"gopatch/signature"
)

const moduleBase = 0x180000000

func newModuleImage() *process_blob.ProcessBlob {
	text := make([]byte, 0x20)
	copy(text, []byte{
		0x48, 0x83, 0xEC, 0x28, // sub rsp, 0x28
		0xE8, 0x07, 0x00, 0x00, 0x00, // call text+0x10
		0x48, 0x83, 0xC4, 0x28, // add rsp, 0x28
		0xC3,
	})

	cfg := peimagetest.Config{
		ImageBase:  moduleBase,
		EntryPoint: 0x1000,
		OSMajor:    10,
		Sections: []peimagetest.Section{
			{Name: ".text", Characteristics: peimage.SectionCode | peimage.SectionExecute | peimage.SectionRead, Data: text},
			{Name: ".rdata", Characteristics: peimage.SectionInitializedData | peimage.SectionRead, Data: make([]byte, 0x40)},
			{Name: ".data", Characteristics: peimage.SectionInitializedData | peimage.SectionRead | peimage.SectionWrite, Data: make([]byte, 0x10)},
		},
		Directories: map[int]pe.DataDirectory{
			pe.IMAGE_DIRECTORY_ENTRY_IMPORT: {VirtualAddress: 0x2010, Size: 0x14},
			pe.IMAGE_DIRECTORY_ENTRY_IAT:    {VirtualAddress: 0x2000, Size: 0x10},
		},
	}
	return process_blob.NewProcessBlob(moduleBase, peimagetest.Memory(cfg))
}

func Test_ModuleFromAddress(t *testing.T) {
	blob := newModuleImage()

	m, err := ModuleFromAddress(blob, moduleBase, 0, WithName("test.dll"))
	require.NoError(t, err)
	require.True(t, m.IsLoaded())
	require.Equal(t, memory.Address(moduleBase), m.Handle())
	require.Equal(t, memory.Address(moduleBase), m.ImageBase())
	require.Equal(t, memory.Size(0x4000), m.Size())

	major, minor := m.Version()
	require.Equal(t, uint16(10), major)
	require.Equal(t, uint16(0), minor)

	// the import directory sits inside .rdata, not at its start
	addr, size := m.GetSectionInfo(DirImport)
	require.Zero(t, addr)
	require.Zero(t, size)
	require.Nil(t, m.GetSection(DirImport))

	addr, size = m.GetSectionContaining(DirImport)
	require.Equal(t, memory.Address(moduleBase+0x2000), addr)
	require.Equal(t, memory.Size(0x40), size)

	addr, size = m.GetSectionInfo(DirIAT)
	require.Equal(t, memory.Address(moduleBase+0x2000), addr)
	require.Equal(t, memory.Size(0x40), size)
	require.Equal(t, "iat", m.GetSection(DirIAT).Name())

	addr, size = m.GetSectionInfo(DirExport)
	require.Zero(t, addr)
	require.Zero(t, size)

	addr, _ = m.GetSectionInfo(Directory(42))
	require.Zero(t, addr)
	require.Nil(t, m.GetSection(DirTLS))

	entry := m.GetEntrySection()
	require.NotNil(t, entry)
	require.Equal(t, ".text", entry.Name())
	require.Equal(t, memory.NewSpan(moduleBase+0x1000, 0x20), entry.Span())

	require.Equal(t, ".data", m.SectionByFlags(peimage.SectionWrite, false).Name())
	require.Equal(t, ".rdata", m.SectionByName(".rdata").Name())
	require.Nil(t, m.SectionByName(".pdata"))
}

func Test_ModuleNotLoaded(t *testing.T) {
	m, err := ModuleFromHandle(newModuleImage(), 0)
	require.NoError(t, err)
	require.False(t, m.IsLoaded())

	addr, size := m.GetSectionInfo(DirImport)
	require.Zero(t, addr)
	require.Zero(t, size)
	require.Nil(t, m.GetEntrySection())
	require.False(t, m.SigSec(DirImport, signature.MustParse("00"), func(*SigHandle) {
		t.Fatal("callback on missing section")
	}))

	_, err = ModuleFromAddress(process_blob.NewProcessBlob(0x1000, make([]byte, 0x100)), 0x1000, 0)
	require.True(t, errors.Is(err, memory.ErrInvalidImage))
}

func Test_ModuleFromLibrary(t *testing.T) {
	_, err := ModuleFromLibrary(newModuleImage(), "test.dll")
	require.True(t, errors.Is(err, memory.ErrNotSupported))

	m, err := ModuleFromLibrary(finderBlob{newModuleImage()}, "test.dll")
	require.NoError(t, err)
	require.Equal(t, "test.dll", m.Name())
	require.True(t, m.IsLoaded())

	_, err = ModuleFromLibrary(finderBlob{newModuleImage()}, "other.dll")
	require.True(t, errors.Is(err, memory.ErrModuleNotFound))
}

func Test_ModuleFromHandleMain(t *testing.T) {
	m, err := ModuleFromHandle(finderBlob{newModuleImage()}, 0)
	require.NoError(t, err)
	require.True(t, m.IsLoaded())
	require.Equal(t, memory.Address(moduleBase), m.Handle())
	require.Equal(t, memory.Size(0x4000), m.Size())

	m, err = ModuleFromHandle(finderBlob{newModuleImage()}, moduleBase)
	require.NoError(t, err)
	require.Equal(t, memory.Address(moduleBase), m.Handle())
}

type finderBlob struct {
	*process_blob.ProcessBlob
}

func (f finderBlob) FindModule(name string) (memory.Span, error) {
	if name != "test.dll" && name != "" {
		return memory.Span{}, errors.Wrap(memory.ErrModuleNotFound, name)
	}
	return memory.NewSpan(moduleBase, 0), nil
}

func Test_SigSecPatch(t *testing.T) {
	blob := newModuleImage()
	m, err := ModuleFromAddress(blob, moduleBase, 0)
	require.NoError(t, err)

	text := m.GetEntrySection()
	before := append([]byte(nil), blob.Data()...)

	ran := m.SigSec(DirIAT, signature.MustParse("00 00"), func(h *SigHandle) {
		require.True(t, h.Found())
		require.Equal(t, memory.Address(moduleBase+0x2000), h.Address())
	})
	require.True(t, ran)

	found := text.SigText("E8 ?? ?? ?? ?? 48 83 C4", func(h *SigHandle) {
		h.HookCall(moduleBase + 0x1018)
		require.NoError(t, h.Err())
	})
	require.True(t, found)

	target, err := memory.RelToAbsEx(blob, moduleBase+0x1004, 1, 4)
	require.NoError(t, err)
	require.Equal(t, memory.Address(moduleBase+0x1018), target)

	// a section view records into the module, closing the module reverts it
	require.Equal(t, 1, m.Patches().Active())
	require.NoError(t, text.Close())
	require.Equal(t, 1, m.Patches().Active())
	require.NoError(t, m.Close())
	require.Equal(t, before, blob.Data())
}

func Test_ModulePE32(t *testing.T) {
	const base = 0x400000

	text := make([]byte, 0x20)
	copy(text, []byte{0xE8, 0x0B, 0x00, 0x00, 0x00, 0xC3}) // call base+0x1010
	data := make([]byte, 0x10)
	binary.LittleEndian.PutUint32(data, base+0x1010)
	binary.LittleEndian.PutUint32(data[4:], 0x11223344)

	cfg := peimagetest.Config{
		ImageBase:  base,
		EntryPoint: 0x1000,
		PE32:       true,
		Sections: []peimagetest.Section{
			{Name: ".text", Characteristics: peimage.SectionCode | peimage.SectionExecute | peimage.SectionRead, Data: text},
			{Name: ".data", Characteristics: peimage.SectionInitializedData | peimage.SectionRead | peimage.SectionWrite, Data: data},
		},
	}
	blob := process_blob.NewProcessBlob(base, peimagetest.Memory(cfg))

	m, err := ModuleFromAddress(blob, base, 0)
	require.NoError(t, err)
	require.False(t, m.Headers().Is64())
	require.Equal(t, memory.Address(base), m.ImageBase())
	require.Equal(t, 4, m.Engine().PointerSize())

	n, err := m.HookRefCall(base+0x1010, base+0x1018)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ptr, err := memory.ReadUINT32(blob, base+0x2000)
	require.NoError(t, err)
	require.Equal(t, uint32(base+0x1018), ptr)
	next, err := memory.ReadUINT32(blob, base+0x2004)
	require.NoError(t, err)
	require.Equal(t, uint32(0x11223344), next)

	require.NoError(t, m.RevertAll())

	// an explicit width wins over the header
	m, err = ModuleFromAddress(blob, base, 0, WithPatchOptions(patch.WithPointerSize(8)))
	require.NoError(t, err)
	require.Equal(t, 8, m.Engine().PointerSize())
}
