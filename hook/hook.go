// Package hook redirects code to replacement functions, either by rewriting
// every call/jump/pointer that refers to a target or by patching a jump over
// the target's first instructions.
package hook

import (
	stderrors "errors"

	"github.com/pkg/errors"

	"gopatch/memory"
	"gopatch/patch"
	"gopatch/xref"
)

// HookRefAddr finds every site in span referring to target, either as a raw
// pointer or through opcode (E8 or E9), and redirects it to hook. Each patch is
// added to set. It returns the number of sites patched; zero is not an error.
// A site that fails to patch is skipped and its error returned with the count.
func HookRefAddr(engine *patch.Engine, set *patch.Set, span memory.Span, target, hook memory.Address, opcode byte) (int, error) {
	kind, err := xref.KindForOpcode(opcode)
	if err != nil {
		return 0, err
	}

	refs, err := xref.Find(engine.Memory(), span, target, xref.Options{
		Kinds:       []xref.Kind{xref.AbsolutePointer, kind},
		PointerSize: engine.PointerSize(),
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "find references to %s", target)
	}

	return HookRefs(engine, set, refs, hook)
}

// HookRefCall redirects E8 calls and pointers to target
func HookRefCall(engine *patch.Engine, set *patch.Set, span memory.Span, target, hook memory.Address) (int, error) {
	return HookRefAddr(engine, set, span, target, hook, xref.OpcodeCall)
}

// HookRefJump redirects E9 jumps and pointers to target
func HookRefJump(engine *patch.Engine, set *patch.Set, span memory.Span, target, hook memory.Address) (int, error) {
	return HookRefAddr(engine, set, span, target, hook, xref.OpcodeJump)
}

// HookRefs redirects already resolved references, e.g. after xref.Verify
func HookRefs(engine *patch.Engine, set *patch.Set, refs []xref.Reference, hook memory.Address) (int, error) {
	var errs []error
	count := 0

	for _, ref := range refs {
		var p *patch.Patch
		var err error

		if ref.IsAbsolute() {
			p, err = engine.Pointer(ref.Address, hook)
		} else {
			p, err = engine.Relative(ref.Address, hook)
		}
		if err != nil {
			errs = append(errs, errors.WithMessagef(err, "redirect %s", ref.String()))
			continue
		}

		set.Add(p)
		count++
	}

	return count, stderrors.Join(errs...)
}
