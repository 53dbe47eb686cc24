package block

import (
	"fmt"

	"github.com/Binject/debug/pe"
	"github.com/pkg/errors"

	"gopatch/memory"
	"gopatch/patch"
	"gopatch/peimage"
	"gopatch/signature"
)

// Directory selects one of the 16 optional header data directories
type Directory int

const (
	DirExport        Directory = pe.IMAGE_DIRECTORY_ENTRY_EXPORT
	DirImport        Directory = pe.IMAGE_DIRECTORY_ENTRY_IMPORT
	DirResource      Directory = pe.IMAGE_DIRECTORY_ENTRY_RESOURCE
	DirException     Directory = pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION
	DirSecurity      Directory = pe.IMAGE_DIRECTORY_ENTRY_SECURITY
	DirBaseReloc     Directory = pe.IMAGE_DIRECTORY_ENTRY_BASERELOC
	DirDebug         Directory = pe.IMAGE_DIRECTORY_ENTRY_DEBUG
	DirArchitecture  Directory = pe.IMAGE_DIRECTORY_ENTRY_ARCHITECTURE
	DirGlobalPtr     Directory = pe.IMAGE_DIRECTORY_ENTRY_GLOBALPTR
	DirTLS           Directory = pe.IMAGE_DIRECTORY_ENTRY_TLS
	DirLoadConfig    Directory = pe.IMAGE_DIRECTORY_ENTRY_LOAD_CONFIG
	DirBoundImport   Directory = pe.IMAGE_DIRECTORY_ENTRY_BOUND_IMPORT
	DirIAT           Directory = pe.IMAGE_DIRECTORY_ENTRY_IAT
	DirDelayImport   Directory = pe.IMAGE_DIRECTORY_ENTRY_DELAY_IMPORT
	DirCOMDescriptor Directory = pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR
	DirReserved      Directory = 15
)

var directoryNames = [...]string{
	"export", "import", "resource", "exception", "security", "basereloc", "debug", "architecture",
	"globalptr", "tls", "loadconfig", "boundimport", "iat", "delayimport", "comdescriptor", "reserved",
}

func (d Directory) String() string {
	if d < 0 || int(d) >= len(directoryNames) {
		return fmt.Sprintf("directory(%d)", int(d))
	}
	return directoryNames[d]
}

// ModuleFinder is implemented by backends that can locate a loaded module by name
type ModuleFinder interface {
	FindModule(name string) (memory.Span, error)
}

// Module is a Block covering a loaded PE image
type Module struct {
	*Block
	headers *peimage.Headers
}

// ModuleFromAddress parses the image at base. A size of 0 takes SizeOfImage
// from the headers. A zero base yields a module that is not loaded. PE32
// images get a patch engine with 4-byte pointers unless opts say otherwise.
func ModuleFromAddress(mem memory.Memory, base memory.Address, size memory.Size, opts ...Option) (*Module, error) {
	var headers *peimage.Headers
	if base != 0 {
		var err error
		if mem == nil {
			return nil, errors.Wrap(memory.ErrInvalidMemory, "nil memory backend")
		}
		headers, err = peimage.Parse(mem, base)
		if err != nil {
			return nil, errors.WithMessagef(err, "module at %s", base)
		}
		if size == 0 {
			size = headers.SizeOfImage()
		}
		if !headers.Is64() {
			opts = append([]Option{WithPatchOptions(patch.WithPointerSize(4))}, opts...)
		}
	}

	b, err := CreateFromAddress(mem, base, size, opts...)
	if err != nil {
		return nil, err
	}

	return &Module{Block: b, headers: headers}, nil
}

// ModuleFromHandle wraps a module handle, i.e. its load address. A zero
// handle names the main executable when the backend can look modules up,
// and an unloaded module otherwise.
func ModuleFromHandle(mem memory.Memory, handle memory.Address, opts ...Option) (*Module, error) {
	if handle == 0 {
		if finder, ok := mem.(ModuleFinder); ok {
			span, err := finder.FindModule("")
			if err != nil {
				return nil, errors.WithMessage(err, "find main module")
			}
			return ModuleFromAddress(mem, span.Base, span.Size, opts...)
		}
	}
	return ModuleFromAddress(mem, handle, 0, opts...)
}

// ModuleFromLibrary locates a loaded module by name through the backend
func ModuleFromLibrary(mem memory.Memory, name string, opts ...Option) (*Module, error) {
	finder, ok := mem.(ModuleFinder)
	if !ok {
		return nil, errors.Wrapf(memory.ErrNotSupported, "%T cannot look up modules", mem)
	}

	span, err := finder.FindModule(name)
	if err != nil {
		return nil, errors.WithMessagef(err, "find module %q", name)
	}

	return ModuleFromAddress(mem, span.Base, span.Size, append([]Option{WithName(name)}, opts...)...)
}

// IsLoaded reports whether the module refers to a mapped image
func (m *Module) IsLoaded() bool {
	return m.Base() != 0 && m.headers != nil
}

// Handle is the module base address
func (m *Module) Handle() memory.Address {
	return m.Base()
}

// Headers returns the parsed headers, nil when not loaded
func (m *Module) Headers() *peimage.Headers {
	return m.headers
}

// ImageBase is the preferred base recorded in the optional header
func (m *Module) ImageBase() memory.Address {
	if !m.IsLoaded() {
		return 0
	}
	return m.headers.ImageBase()
}

// Version returns the operating system version the image targets
func (m *Module) Version() (uint16, uint16) {
	if !m.IsLoaded() {
		return 0, 0
	}
	return m.headers.OSVersion()
}

// GetSectionInfo returns the address and size of the section that starts
// exactly where directory dir starts, or a zero pair when the directory is
// absent or lies inside a section.
func (m *Module) GetSectionInfo(dir Directory) (memory.Address, memory.Size) {
	return m.sectionInfo(dir, (*peimage.Headers).SectionAt)
}

// GetSectionContaining is GetSectionInfo for directories that sit anywhere
// inside a section
func (m *Module) GetSectionContaining(dir Directory) (memory.Address, memory.Size) {
	return m.sectionInfo(dir, (*peimage.Headers).SectionContaining)
}

func (m *Module) sectionInfo(dir Directory, lookup func(*peimage.Headers, uint32) *pe.SectionHeader32) (memory.Address, memory.Size) {
	if !m.IsLoaded() {
		return 0, 0
	}

	entry, ok := m.headers.Directory(int(dir))
	if !ok {
		return 0, 0
	}

	section := lookup(m.headers, entry.VirtualAddress)
	if section == nil {
		return 0, 0
	}

	span := m.headers.SectionSpan(section)
	return span.Base, span.Size
}

// GetSection returns a view over the section GetSectionInfo finds, nil when absent
func (m *Module) GetSection(dir Directory) *Block {
	addr, size := m.GetSectionInfo(dir)
	if addr == 0 {
		return nil
	}
	return m.View(dir.String(), memory.NewSpan(addr, size))
}

func (m *Module) section(s *pe.SectionHeader32) *Block {
	if s == nil {
		return nil
	}
	return m.View(peimage.SectionName(s), m.headers.SectionSpan(s))
}

// GetEntrySection returns a view over the section holding the entry point
func (m *Module) GetEntrySection() *Block {
	if !m.IsLoaded() {
		return nil
	}
	return m.section(m.headers.EntrySection())
}

// SectionByName matches name against the start of each section name
func (m *Module) SectionByName(name string) *Block {
	if !m.IsLoaded() {
		return nil
	}
	return m.section(m.headers.SectionByName(name))
}

// SectionByFlags finds a section by characteristics, equal to flags when
// exact is set, sharing any bit otherwise
func (m *Module) SectionByFlags(flags uint32, exact bool) *Block {
	if !m.IsLoaded() {
		return nil
	}
	return m.section(m.headers.SectionByFlags(flags, exact))
}

// SigSec scans the section GetSection finds for dir. It returns false without
// calling cb when the section does not exist; otherwise cb always runs.
func (m *Module) SigSec(dir Directory, sig signature.Signature, cb func(*SigHandle)) bool {
	section := m.GetSection(dir)
	if section == nil {
		return false
	}
	section.Sig(sig, cb)
	return true
}
