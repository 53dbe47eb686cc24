// Package peimagetest builds small synthetic PE32+ and PE32 images for tests.
package peimagetest

import (
	"bytes"
	"encoding/binary"

	"github.com/Binject/debug/pe"
)

const (
	SectionAlignment = 0x1000
	FileAlignment    = 0x200
	HeadersSize      = 0x400

	lfanew = 0x80
)

type Section struct {
	Name            string
	Characteristics uint32
	Data            []byte
	VirtualSize     uint32 // len(Data) when zero
}

type Config struct {
	ImageBase   uint64
	EntryPoint  uint32 // rva
	OSMajor     uint16
	OSMinor     uint16
	Sections    []Section
	Directories map[int]pe.DataDirectory
	PE32        bool // i386 image with a 32-bit optional header
}

// SectionRVA returns the rva the builder assigns to section i
func (c Config) SectionRVA(i int) uint32 {
	rva := uint32(SectionAlignment)
	for j := 0; j < i; j++ {
		rva += align(c.Sections[j].virtualSize(), SectionAlignment)
	}
	return rva
}

func (c Config) SizeOfImage() uint32 {
	return c.SectionRVA(len(c.Sections))
}

func (s Section) virtualSize() uint32 {
	if s.VirtualSize != 0 {
		return s.VirtualSize
	}
	return uint32(len(s.Data))
}

// Memory returns the image as the loader lays it out
func Memory(c Config) []byte {
	out := make([]byte, c.SizeOfImage())
	copy(out, headers(c))
	for i, s := range c.Sections {
		copy(out[c.SectionRVA(i):], s.Data)
	}
	return out
}

// File returns the image as it is stored on disk
func File(c Config) []byte {
	out := bytes.NewBuffer(headers(c))
	for _, s := range c.Sections {
		raw := make([]byte, align(uint32(len(s.Data)), FileAlignment))
		copy(raw, s.Data)
		out.Write(raw)
	}
	return out.Bytes()
}

func headers(c Config) []byte {
	buf := make([]byte, HeadersSize)
	binary.LittleEndian.PutUint16(buf, 0x5A4D)
	binary.LittleEndian.PutUint32(buf[0x3C:], lfanew)

	var w bytes.Buffer
	binary.Write(&w, binary.LittleEndian, uint32(0x00004550))
	if c.PE32 {
		binary.Write(&w, binary.LittleEndian, pe.FileHeader{
			Machine:              pe.IMAGE_FILE_MACHINE_I386,
			NumberOfSections:     uint16(len(c.Sections)),
			SizeOfOptionalHeader: uint16(binary.Size(pe.OptionalHeader32{})),
			Characteristics:      0x0102,
		})
		binary.Write(&w, binary.LittleEndian, optional32(c))
	} else {
		binary.Write(&w, binary.LittleEndian, pe.FileHeader{
			Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
			NumberOfSections:     uint16(len(c.Sections)),
			SizeOfOptionalHeader: uint16(binary.Size(pe.OptionalHeader64{})),
			Characteristics:      0x0022,
		})
		binary.Write(&w, binary.LittleEndian, optional64(c))
	}

	ptr := uint32(HeadersSize)
	for i, s := range c.Sections {
		sh := pe.SectionHeader32{
			VirtualSize:      s.virtualSize(),
			VirtualAddress:   c.SectionRVA(i),
			SizeOfRawData:    align(uint32(len(s.Data)), FileAlignment),
			PointerToRawData: ptr,
			Characteristics:  s.Characteristics,
		}
		copy(sh.Name[:], s.Name)
		ptr += sh.SizeOfRawData
		binary.Write(&w, binary.LittleEndian, sh)
	}

	copy(buf[lfanew:], w.Bytes())
	return buf
}

func optional64(c Config) pe.OptionalHeader64 {
	opt := pe.OptionalHeader64{
		Magic:                       0x20B,
		AddressOfEntryPoint:         c.EntryPoint,
		ImageBase:                   c.ImageBase,
		SectionAlignment:            SectionAlignment,
		FileAlignment:               FileAlignment,
		MajorOperatingSystemVersion: c.OSMajor,
		MinorOperatingSystemVersion: c.OSMinor,
		MajorSubsystemVersion:       6,
		SizeOfImage:                 c.SizeOfImage(),
		SizeOfHeaders:               HeadersSize,
		Subsystem:                   3,
		NumberOfRvaAndSizes:         16,
	}
	for i, d := range c.Directories {
		opt.DataDirectory[i] = d
	}
	return opt
}

func optional32(c Config) pe.OptionalHeader32 {
	opt := pe.OptionalHeader32{
		Magic:                       0x10B,
		AddressOfEntryPoint:         c.EntryPoint,
		ImageBase:                   uint32(c.ImageBase),
		SectionAlignment:            SectionAlignment,
		FileAlignment:               FileAlignment,
		MajorOperatingSystemVersion: c.OSMajor,
		MinorOperatingSystemVersion: c.OSMinor,
		MajorSubsystemVersion:       6,
		SizeOfImage:                 c.SizeOfImage(),
		SizeOfHeaders:               HeadersSize,
		Subsystem:                   3,
		NumberOfRvaAndSizes:         16,
	}
	for i, d := range c.Directories {
		opt.DataDirectory[i] = d
	}
	return opt
}

func align(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}
