package patch

import (
	stderrors "errors"
	"sync"

	"github.com/pkg/errors"
)

// Handle identifies a patch inside a Set. Handles stay valid after the patch
// is reverted or taken out of the set.
type Handle int

// InvalidHandle is never returned by Add
const InvalidHandle Handle = -1

// Set owns a group of patches and reverts them as a unit
type Set struct {
	mu      sync.Mutex
	patches []*Patch // nil once taken
}

func NewSet() *Set {
	return &Set{}
}

// Add transfers ownership of p to the set
func (s *Set) Add(p *Patch) Handle {
	if p == nil {
		return InvalidHandle
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.patches = append(s.patches, p)
	return Handle(len(s.patches) - 1)
}

// Get returns the patch behind h, reverted patches included
func (s *Set) Get(h Handle) (*Patch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h < 0 || int(h) >= len(s.patches) || s.patches[h] == nil {
		return nil, false
	}
	return s.patches[h], true
}

// Take removes the patch from the set and hands responsibility for it to the caller
func (s *Set) Take(h Handle) (*Patch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h < 0 || int(h) >= len(s.patches) || s.patches[h] == nil {
		return nil, false
	}
	p := s.patches[h]
	s.patches[h] = nil
	return p, true
}

// Len counts the patches owned by the set
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, p := range s.patches {
		if p != nil {
			n++
		}
	}
	return n
}

// Active counts the owned patches that are still applied
func (s *Set) Active() int {
	return len(s.active())
}

// Patches returns the owned patches in the order they were added
func (s *Set) Patches() []*Patch {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Patch, 0, len(s.patches))
	for _, p := range s.patches {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Revert reverts a single patch
func (s *Set) Revert(h Handle) error {
	p, ok := s.Get(h)
	if !ok {
		return errors.Errorf("unknown patch handle %d", h)
	}
	return p.Revert()
}

// RevertAll reverts every applied patch, newest first, so overlapping patches
// unwind to the original bytes. It keeps going after a failure and returns all errors.
func (s *Set) RevertAll() error {
	active := s.active()

	var errs []error
	for i := len(active) - 1; i >= 0; i-- {
		if err := active[i].Revert(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (s *Set) active() []*Patch {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Patch
	for _, p := range s.patches {
		if p != nil && p.IsApplied() {
			out = append(out, p)
		}
	}
	return out
}
