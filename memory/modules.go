package memory

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"gopatch/memory/memory_map"
)

// PointerNamer renders addresses for people
type PointerNamer interface {
	BeautifyPointer(addr Address) string
}

type moduleSpan struct {
	path string
	span Span
}

// ModuleMap names addresses after the module mapped over them
type ModuleMap struct {
	modules []moduleSpan
}

var _ PointerNamer = (*ModuleMap)(nil)

// NewModuleMap groups the file backed regions of mm into one module per
// path. Pseudo mappings such as [heap] are left out.
func NewModuleMap(mm []memory_map.MemoryMapItem) *ModuleMap {
	m := &ModuleMap{}
	seen := make(map[string]bool)
	for _, item := range mm {
		path := strings.TrimSpace(item.Path)
		if path == "" || strings.HasPrefix(path, "[") || seen[path] {
			continue
		}
		seen[path] = true
		if start, end, ok := memory_map.FindModule(item.Path, mm); ok {
			m.Add(path, SpanFromBounds(Address(start), Address(end)))
		}
	}
	return m
}

// Add registers a module covering span, e.g. an image mapped from disk
func (m *ModuleMap) Add(path string, span Span) {
	m.modules = append(m.modules, moduleSpan{path: path, span: span})
	sort.Slice(m.modules, func(i, j int) bool {
		return m.modules[i].span.Base < m.modules[j].span.Base
	})
}

func (m *ModuleMap) lookup(addr Address) *moduleSpan {
	i := sort.Search(len(m.modules), func(i int) bool {
		return m.modules[i].span.Base > addr
	})
	if i == 0 || !m.modules[i-1].span.Contains(addr) {
		return nil
	}
	return &m.modules[i-1]
}

// GetBaseAddress returns the base of the module holding addr, 0 when none does
func (m *ModuleMap) GetBaseAddress(addr Address) Address {
	if mod := m.lookup(addr); mod != nil {
		return mod.span.Base
	}
	return 0
}

// GetModuleNameForAddress returns the file name of the module holding addr,
// empty when none does
func (m *ModuleMap) GetModuleNameForAddress(addr Address) string {
	if mod := m.lookup(addr); mod != nil {
		return baseName(mod.path)
	}
	return ""
}

// BeautifyPointer renders addr as module.offset, with the module name
// stripped of its extension and the offset in hex. Addresses outside every
// module print as plain hex and zero prints as null.
func (m *ModuleMap) BeautifyPointer(addr Address) string {
	if addr == 0 {
		return "null"
	}

	mod := m.lookup(addr)
	if mod == nil {
		return fmt.Sprintf("0x%x", uint64(addr))
	}

	name := baseName(mod.path)
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		name = name[:dot]
	}
	return fmt.Sprintf("%s.%x", name, uint64(addr-mod.span.Base))
}

// baseName splits on both separators, dumps may carry paths from either OS
func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return filepath.Base(path)
}
