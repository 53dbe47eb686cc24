// Package xref finds code and data that refer to a target address: raw
// pointer-sized immediates and E8/E9 rel32 call/jump sites.
//
// The scan is byte-wise and not instruction aligned, so an opcode byte inside
// another instruction's operand can produce a false positive. Verify filters
// relative candidates through a real instruction decoder.
package xref

import (
	"fmt"

	"github.com/pkg/errors"

	"gopatch/memory"
)

// Reference is one site referring to a target
type Reference struct {
	Address memory.Address // site; the opcode for relative kinds
	Opcode  byte           // 0 for AbsolutePointer
	Kind    Kind
	Target  memory.Address
}

func (r Reference) IsAbsolute() bool {
	return r.Kind == AbsolutePointer
}

// Field returns the address of the bytes a redirect rewrites
func (r Reference) Field() memory.Address {
	return r.Address + memory.Address(r.Kind.FieldOffset())
}

func (r Reference) String() string {
	return r.Format(nil)
}

// Format renders the site and target through names, e.g. a memory.ModuleMap
// printing game.1a2b. A nil names prints raw addresses.
func (r Reference) Format(names memory.PointerNamer) string {
	if names == nil {
		return fmt.Sprintf("%s %s -> %s", r.Address, r.Kind, r.Target)
	}
	return fmt.Sprintf("%s %s -> %s", names.BeautifyPointer(r.Address), r.Kind, names.BeautifyPointer(r.Target))
}

// Options selects which reference kinds a scan reports
type Options struct {
	Kinds       []Kind
	StopAtFirst bool
	PointerSize int // 0 means memory.PointerSize
	ChunkSize   memory.Size
}

func (o Options) pointerSize() int {
	if o.PointerSize == 4 {
		return 4
	}
	return memory.PointerSize
}

// FindReferences scans span for sites referring to target. matchAbsolute looks
// for pointer-sized immediates; matchRelative looks for opcode (E8 or E9)
// followed by a displacement that lands on target.
func FindReferences(r memory.Reader, span memory.Span, target memory.Address, opcode byte, matchAbsolute, matchRelative, stopAtFirst bool) ([]Reference, error) {
	opts := Options{StopAtFirst: stopAtFirst}
	if matchAbsolute {
		opts.Kinds = append(opts.Kinds, AbsolutePointer)
	}
	if matchRelative {
		kind, err := KindForOpcode(opcode)
		if err != nil {
			return nil, err
		}
		opts.Kinds = append(opts.Kinds, kind)
	}
	return Find(r, span, target, opts)
}

// Find scans span in ascending address order. When an absolute pointer and a
// relative instruction both match at one position only the absolute one is reported.
func Find(r memory.Reader, span memory.Span, target memory.Address, opts Options) ([]Reference, error) {
	var absolute bool
	var relative []Kind
	for _, k := range opts.Kinds {
		switch {
		case k == AbsolutePointer:
			absolute = true
		case k.IsRelative():
			relative = append(relative, k)
		default:
			return nil, errors.Wrapf(memory.ErrUnsupportedOpcode, "unknown kind %s", k)
		}
	}

	if span.IsEmpty() || (!absolute && len(relative) == 0) {
		return nil, nil
	}

	ptrSize := opts.pointerSize()
	window := ptrSize
	if window < RelInstructionLength {
		window = RelInstructionLength
	}

	var refs []Reference
	err := memory.Walk(r, span, opts.ChunkSize, memory.Size(window-1), func(base memory.Address, data []byte, owned int) bool {
		for i := 0; i < owned; i++ {
			site := base + memory.Address(i)

			if absolute && i+ptrSize <= len(data) {
				if got, _ := AbsolutePointer.Decode(site, data[i:i+ptrSize]); got == target {
					refs = append(refs, Reference{Address: site, Kind: AbsolutePointer, Target: target})
					if opts.StopAtFirst {
						return false
					}
					continue
				}
			}

			if i+RelInstructionLength > len(data) {
				continue
			}
			for _, k := range relative {
				if got, ok := k.Decode(site, data[i:i+RelInstructionLength]); ok && got == target {
					refs = append(refs, Reference{Address: site, Opcode: k.Opcode(), Kind: k, Target: target})
					if opts.StopAtFirst {
						return false
					}
					break
				}
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	return refs, nil
}

// Resolve decodes the reference at site as kind
func Resolve(r memory.Reader, site memory.Address, kind Kind, ptrSize int) (memory.Address, error) {
	if ptrSize == 0 {
		ptrSize = memory.PointerSize
	}
	data, err := r.ReadMemory(site, kind.Span(ptrSize))
	if err != nil {
		return 0, err
	}
	target, ok := kind.Decode(site, data)
	if !ok {
		return 0, errors.Wrapf(memory.ErrUnsupportedOpcode, "no %s at %s", kind, site)
	}
	return target, nil
}
