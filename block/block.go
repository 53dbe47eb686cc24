// Package block ties a named address range to the patches made inside it.
// A Block owns its patches but never the memory; closing it reverts what it
// installed unless auto-revert is turned off.
package block

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"github.com/pkg/errors"

	"gopatch/hook"
	"gopatch/memory"
	"gopatch/patch"
	"gopatch/signature"
	"gopatch/xref"
)

// detours shared by a block and its views
type detourList struct {
	mu   sync.Mutex
	list []*hook.Detour
}

type Block struct {
	mem        memory.Memory
	engine     *patch.Engine
	span       memory.Span
	name       string
	patches    *patch.Set
	detours    *detourList
	scanOpts   []signature.Option
	autoRevert bool
	view       bool // cut from another block, shares its patches
	closeOnce  sync.Once
	log        *logger.Logger
}

type config struct {
	name       string
	autoRevert bool
	patchOpts  []patch.Option
	scanOpts   []signature.Option
	log        *logger.Logger
}

type Option func(*config)

func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithAutoRevert controls whether Close reverts outstanding patches. On by default.
func WithAutoRevert(revert bool) Option {
	return func(c *config) {
		c.autoRevert = revert
	}
}

// WithPatchOptions configures the patch engine of the block
func WithPatchOptions(opts ...patch.Option) Option {
	return func(c *config) {
		c.patchOpts = append(c.patchOpts, opts...)
	}
}

// WithScanOptions configures signature scans run through the block
func WithScanOptions(opts ...signature.Option) Option {
	return func(c *config) {
		c.scanOpts = append(c.scanOpts, opts...)
	}
}

func WithLogger(log *logger.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// CreateFromAddress describes [address, address+size) in mem. The range is
// not validated; operations on unmapped memory fail when they run.
func CreateFromAddress(mem memory.Memory, address memory.Address, size memory.Size, opts ...Option) (*Block, error) {
	if mem == nil {
		return nil, errors.Wrap(memory.ErrInvalidMemory, "nil memory backend")
	}

	c := &config{autoRevert: true}
	for _, opt := range opts {
		opt(c)
	}

	if c.log == nil {
		name := c.name
		if name == "" {
			name = address.String()
		}
		c.log = logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.ColorOrange, "block-"+name))
	}

	return &Block{
		mem:        mem,
		engine:     patch.NewEngine(mem, append([]patch.Option{patch.WithLogger(c.log)}, c.patchOpts...)...),
		span:       memory.NewSpan(address, size),
		name:       c.name,
		patches:    patch.NewSet(),
		detours:    &detourList{},
		scanOpts:   append([]signature.Option{signature.WithLogger(c.log)}, c.scanOpts...),
		autoRevert: c.autoRevert,
		log:        c.log,
	}, nil
}

// View returns a block over span that records its patches in b. Closing a
// view does nothing; the patches belong to b.
func (b *Block) View(name string, span memory.Span) *Block {
	return &Block{
		mem:      b.mem,
		engine:   b.engine,
		span:     span,
		name:     name,
		patches:  b.patches,
		detours:  b.detours,
		scanOpts: b.scanOpts,
		view:     true,
		log:      b.log,
	}
}

func (b *Block) Name() string {
	return b.name
}

func (b *Block) Base() memory.Address {
	return b.span.Base
}

func (b *Block) Size() memory.Size {
	return b.span.Size
}

func (b *Block) Span() memory.Span {
	return b.span
}

// LastByte is the address of the final byte, Base for an empty block
func (b *Block) LastByte() memory.Address {
	return b.span.LastByte()
}

func (b *Block) Contains(addr memory.Address) bool {
	return b.span.Contains(addr)
}

func (b *Block) Memory() memory.Memory {
	return b.mem
}

func (b *Block) Engine() *patch.Engine {
	return b.engine
}

// Patches exposes the set holding every patch made through the block
func (b *Block) Patches() *patch.Set {
	return b.patches
}

// IsValid reports whether the first byte of the block is mapped and readable
func (b *Block) IsValid() bool {
	return !b.span.IsEmpty() && memory.IsMemoryValid(b.mem, b.span.Base, 0)
}

func (b *Block) String() string {
	if b.name == "" {
		return b.span.String()
	}
	return fmt.Sprintf("%s %s", b.name, b.span)
}

// Find returns the first match of sig inside the block
func (b *Block) Find(sig signature.Signature) (memory.Address, bool, error) {
	return signature.Find(b.mem, b.span, sig, b.scanOpts...)
}

// Sig scans the block for sig and always calls cb with the outcome. It returns
// whether the signature was found.
func (b *Block) Sig(sig signature.Signature, cb func(*SigHandle)) bool {
	h := &SigHandle{block: b, sig: sig}
	h.find(b.span)

	if cb != nil {
		cb(h)
	}
	return h.Found()
}

// SigText parses text and scans for it. A malformed pattern still reaches cb,
// as a handle that is not found and carries the parse error.
func (b *Block) SigText(text string, cb func(*SigHandle)) bool {
	sig, err := signature.Parse(text)
	if err != nil {
		h := &SigHandle{block: b, err: err}
		if cb != nil {
			cb(h)
		}
		return false
	}
	return b.Sig(sig, cb)
}

// HookRefAddr redirects every pointer to target and every opcode (E8/E9) site
// reaching it inside the block. It returns how many sites were patched.
func (b *Block) HookRefAddr(target, replacement memory.Address, opcode byte) (int, error) {
	n, err := hook.HookRefAddr(b.engine, b.patches, b.span, target, replacement, opcode)
	b.log.Debugln("Hooked", n, "references to", target.String())
	return n, err
}

func (b *Block) HookRefCall(target, replacement memory.Address) (int, error) {
	return b.HookRefAddr(target, replacement, xref.OpcodeCall)
}

func (b *Block) HookRefJump(target, replacement memory.Address) (int, error) {
	return b.HookRefAddr(target, replacement, xref.OpcodeJump)
}

// Detour installs an inline hook on target with a trampoline from alloc. The
// entry patch joins the block's patches and the trampoline is freed on RevertAll.
func (b *Block) Detour(alloc memory.Allocator, target, replacement memory.Address) (*hook.Detour, patch.Handle, error) {
	d, err := hook.NewDetour(b.engine, alloc, target, replacement)
	if err != nil {
		return nil, patch.InvalidHandle, err
	}

	b.detours.mu.Lock()
	b.detours.list = append(b.detours.list, d)
	b.detours.mu.Unlock()

	return d, b.patches.Add(d.Patch()), nil
}

func (b *Block) add(p *patch.Patch, err error) (patch.Handle, error) {
	if err != nil {
		return patch.InvalidHandle, err
	}
	return b.patches.Add(p), nil
}

func (b *Block) PatchBytes(location memory.Address, data []byte) (patch.Handle, error) {
	return b.add(b.engine.Bytes(location, data))
}

func (b *Block) PatchPointer(location, value memory.Address) (patch.Handle, error) {
	return b.add(b.engine.Pointer(location, value))
}

func (b *Block) PatchRelative(location, target memory.Address) (patch.Handle, error) {
	return b.add(b.engine.Relative(location, target))
}

func (b *Block) PatchNop(location memory.Address, n int) (patch.Handle, error) {
	return b.add(b.engine.Nop(location, n))
}

// Revert undoes one patch; the handle stays valid
func (b *Block) Revert(h patch.Handle) error {
	return b.patches.Revert(h)
}

// RevertAll undoes every outstanding patch, newest first, and releases detour trampolines
func (b *Block) RevertAll() error {
	errs := []error{b.patches.RevertAll()}

	b.detours.mu.Lock()
	defer b.detours.mu.Unlock()

	var failed []*hook.Detour
	for i := len(b.detours.list) - 1; i >= 0; i-- {
		if err := b.detours.list[i].Revert(); err != nil {
			errs = append(errs, err)
			failed = append([]*hook.Detour{b.detours.list[i]}, failed...)
		}
	}
	b.detours.list = failed

	return stderrors.Join(errs...)
}

// Close reverts outstanding patches when auto-revert is on. It is a no-op for
// views and on the second call.
func (b *Block) Close() error {
	if b.view || !b.autoRevert {
		return nil
	}

	var err error
	b.closeOnce.Do(func() {
		active := b.patches.Active()
		if err = b.RevertAll(); err != nil {
			b.log.Warn("Failed to revert patches of ", b.String(), ": ", err)
			return
		}
		if active > 0 {
			b.log.Infoln("Reverted", active, "patches")
		}
	})
	return err
}
