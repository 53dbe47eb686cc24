// Package patch is the mutation primitive: every write into target memory goes
// through an Engine, which snapshots the original bytes into a Patch that can
// later restore them.
package patch

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"gopatch/memory"
)

// State of a Patch
type State uint8

const (
	Applied State = iota
	Reverted
)

func (s State) String() string {
	switch s {
	case Applied:
		return "applied"
	case Reverted:
		return "reverted"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Patch is one applied modification and the bytes it replaced
type Patch struct {
	mu        sync.Mutex
	engine    *Engine
	address   memory.Address
	original  []byte
	installed []byte
	state     State
}

func (p *Patch) Address() memory.Address {
	return p.address
}

func (p *Patch) Size() memory.Size {
	return memory.Size(len(p.original))
}

func (p *Patch) Span() memory.Span {
	return memory.NewSpan(p.address, p.Size())
}

// Original returns a copy of the snapshot taken before the write
func (p *Patch) Original() []byte {
	return append([]byte(nil), p.original...)
}

// Installed returns a copy of the bytes the patch wrote
func (p *Patch) Installed() []byte {
	return append([]byte(nil), p.installed...)
}

func (p *Patch) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Patch) IsApplied() bool {
	return p.State() == Applied
}

func (p *Patch) String() string {
	return fmt.Sprintf("patch %s+%d (%s)", p.address, len(p.original), p.State())
}

// Revert writes the snapshot back. Reverting a reverted patch does nothing. On
// failure the patch stays applied and can be retried.
func (p *Patch) Revert() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Reverted {
		return nil
	}

	if err := p.engine.write(p.address, p.original); err != nil {
		return errors.WithMessagef(err, "revert %s", p.address)
	}

	p.state = Reverted
	p.engine.log.Debugln("Reverted patch at", p.address.String(), "size", len(p.original))
	return nil
}
