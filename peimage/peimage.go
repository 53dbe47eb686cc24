// Package peimage reads PE headers out of an address space and maps PE files
// into their loaded layout.
package peimage

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/Binject/debug/pe"
	"github.com/pkg/errors"

	"gopatch/memory"
)

const (
	dosMagic      = 0x5A4D     // MZ
	ntSignature   = 0x00004550 // PE\0\0
	lfanewOffset  = 0x3C
	magicPE32     = 0x10B
	magicPE32Plus = 0x20B

	fileHeaderSize    = 20
	sectionHeaderSize = 40
	maxSections       = 96

	// NumDirectories is the size of the optional header data directory
	NumDirectories = 16
)

// Section characteristics used for lookups
const (
	SectionCode              uint32 = 0x00000020
	SectionInitializedData   uint32 = 0x00000040
	SectionUninitializedData uint32 = 0x00000080
	SectionExecute           uint32 = 0x20000000
	SectionRead              uint32 = 0x40000000
	SectionWrite             uint32 = 0x80000000
)

// Headers is the parsed header block of an image mapped at Base
type Headers struct {
	Base       memory.Address
	File       pe.FileHeader
	Optional32 *pe.OptionalHeader32
	Optional64 *pe.OptionalHeader64
	Sections   []pe.SectionHeader32
}

// Parse reads the DOS, NT and section headers of the image at base
func Parse(r memory.Reader, base memory.Address) (*Headers, error) {
	dos, err := r.ReadMemory(base, lfanewOffset+4)
	if err != nil {
		return nil, errors.WithMessagef(err, "read dos header at %s", base)
	}
	if binary.LittleEndian.Uint16(dos) != dosMagic {
		return nil, errors.Wrapf(memory.ErrInvalidImage, "bad dos magic at %s", base)
	}

	lfanew := int32(binary.LittleEndian.Uint32(dos[lfanewOffset:]))
	if lfanew <= 0 {
		return nil, errors.Wrapf(memory.ErrInvalidImage, "bad e_lfanew %d", lfanew)
	}
	nt := base + memory.Address(lfanew)

	head, err := r.ReadMemory(nt, 4+fileHeaderSize)
	if err != nil {
		return nil, errors.WithMessagef(err, "read nt headers at %s", nt)
	}
	if binary.LittleEndian.Uint32(head) != ntSignature {
		return nil, errors.Wrapf(memory.ErrInvalidImage, "bad nt signature at %s", nt)
	}

	h := &Headers{Base: base}
	if err := binary.Read(bytes.NewReader(head[4:]), binary.LittleEndian, &h.File); err != nil {
		return nil, errors.Wrap(memory.ErrInvalidImage, err.Error())
	}
	if h.File.NumberOfSections > maxSections {
		return nil, errors.Wrapf(memory.ErrInvalidImage, "%d sections", h.File.NumberOfSections)
	}

	optAddr := nt + 4 + fileHeaderSize
	if err := h.readOptional(r, optAddr); err != nil {
		return nil, err
	}

	secAddr := optAddr + memory.Address(h.File.SizeOfOptionalHeader)
	raw, err := r.ReadMemory(secAddr, memory.Size(h.File.NumberOfSections)*sectionHeaderSize)
	if err != nil && h.File.NumberOfSections > 0 {
		return nil, errors.WithMessagef(err, "read section table at %s", secAddr)
	}
	h.Sections = make([]pe.SectionHeader32, h.File.NumberOfSections)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, h.Sections); err != nil {
		return nil, errors.Wrap(memory.ErrInvalidImage, err.Error())
	}

	return h, nil
}

func (h *Headers) readOptional(r memory.Reader, addr memory.Address) error {
	size := memory.Size(h.File.SizeOfOptionalHeader)
	if size < 2 {
		return errors.Wrap(memory.ErrInvalidImage, "missing optional header")
	}
	raw, err := r.ReadMemory(addr, size)
	if err != nil {
		return errors.WithMessagef(err, "read optional header at %s", addr)
	}

	// short directories are zero filled
	switch binary.LittleEndian.Uint16(raw) {
	case magicPE32Plus:
		h.Optional64 = &pe.OptionalHeader64{}
		return decodePadded(raw, h.Optional64)
	case magicPE32:
		h.Optional32 = &pe.OptionalHeader32{}
		return decodePadded(raw, h.Optional32)
	default:
		return errors.Wrapf(memory.ErrInvalidImage, "unknown optional header magic 0x%X", binary.LittleEndian.Uint16(raw))
	}
}

func decodePadded(raw []byte, out interface{}) error {
	full := make([]byte, binary.Size(out))
	copy(full, raw)
	if err := binary.Read(bytes.NewReader(full), binary.LittleEndian, out); err != nil {
		return errors.Wrap(memory.ErrInvalidImage, err.Error())
	}
	return nil
}

func (h *Headers) Is64() bool {
	return h.Optional64 != nil
}

// ImageBase is the preferred load address recorded in the optional header
func (h *Headers) ImageBase() memory.Address {
	if h.Is64() {
		return memory.Address(h.Optional64.ImageBase)
	}
	return memory.Address(h.Optional32.ImageBase)
}

func (h *Headers) SizeOfImage() memory.Size {
	if h.Is64() {
		return memory.Size(h.Optional64.SizeOfImage)
	}
	return memory.Size(h.Optional32.SizeOfImage)
}

func (h *Headers) SizeOfHeaders() memory.Size {
	if h.Is64() {
		return memory.Size(h.Optional64.SizeOfHeaders)
	}
	return memory.Size(h.Optional32.SizeOfHeaders)
}

// EntryPoint returns the absolute entry point address, zero when the image has none
func (h *Headers) EntryPoint() memory.Address {
	var rva uint32
	if h.Is64() {
		rva = h.Optional64.AddressOfEntryPoint
	} else {
		rva = h.Optional32.AddressOfEntryPoint
	}
	if rva == 0 {
		return 0
	}
	return h.Base + memory.Address(rva)
}

// OSVersion returns the major and minor operating system version
func (h *Headers) OSVersion() (uint16, uint16) {
	if h.Is64() {
		return h.Optional64.MajorOperatingSystemVersion, h.Optional64.MinorOperatingSystemVersion
	}
	return h.Optional32.MajorOperatingSystemVersion, h.Optional32.MinorOperatingSystemVersion
}

// Directory returns data directory i, false when the index is out of range or the entry is empty
func (h *Headers) Directory(i int) (pe.DataDirectory, bool) {
	if i < 0 || i >= NumDirectories {
		return pe.DataDirectory{}, false
	}

	var count uint32
	var dir pe.DataDirectory
	if h.Is64() {
		count, dir = h.Optional64.NumberOfRvaAndSizes, h.Optional64.DataDirectory[i]
	} else {
		count, dir = h.Optional32.NumberOfRvaAndSizes, h.Optional32.DataDirectory[i]
	}
	if uint32(i) >= count || dir.VirtualAddress == 0 {
		return pe.DataDirectory{}, false
	}
	return dir, true
}

// SectionName trims the NUL padding of a section name
func SectionName(s *pe.SectionHeader32) string {
	return strings.TrimRight(string(s.Name[:]), "\x00")
}

// SectionSize is the in-memory size of a section, falling back to the raw size
func SectionSize(s *pe.SectionHeader32) memory.Size {
	if s.VirtualSize != 0 {
		return memory.Size(s.VirtualSize)
	}
	return memory.Size(s.SizeOfRawData)
}

// SectionSpan is the absolute address range of a section
func (h *Headers) SectionSpan(s *pe.SectionHeader32) memory.Span {
	return memory.NewSpan(h.Base+memory.Address(s.VirtualAddress), SectionSize(s))
}

// SectionContaining returns the section whose range holds rva
func (h *Headers) SectionContaining(rva uint32) *pe.SectionHeader32 {
	for i := range h.Sections {
		s := &h.Sections[i]
		if uint64(rva) >= uint64(s.VirtualAddress) && uint64(rva) < uint64(s.VirtualAddress)+uint64(SectionSize(s)) {
			return s
		}
	}
	return nil
}

// SectionAt returns the section that starts exactly at rva
func (h *Headers) SectionAt(rva uint32) *pe.SectionHeader32 {
	for i := range h.Sections {
		if h.Sections[i].VirtualAddress == rva {
			return &h.Sections[i]
		}
	}
	return nil
}

// SectionByName matches the name as a prefix of the 8-byte section name
func (h *Headers) SectionByName(name string) *pe.SectionHeader32 {
	if name == "" {
		return nil
	}
	for i := range h.Sections {
		if strings.HasPrefix(SectionName(&h.Sections[i]), name) {
			return &h.Sections[i]
		}
	}
	return nil
}

// SectionByFlags returns the first section whose characteristics equal flags,
// or with exact unset, share any bit with flags
func (h *Headers) SectionByFlags(flags uint32, exact bool) *pe.SectionHeader32 {
	for i := range h.Sections {
		c := h.Sections[i].Characteristics
		if (exact && c == flags) || (!exact && c&flags != 0) {
			return &h.Sections[i]
		}
	}
	return nil
}

// EntrySection returns the section holding the entry point
func (h *Headers) EntrySection() *pe.SectionHeader32 {
	entry := h.EntryPoint()
	if entry == 0 {
		return nil
	}
	for i := range h.Sections {
		if h.SectionSpan(&h.Sections[i]).Contains(entry) {
			return &h.Sections[i]
		}
	}
	return nil
}
