package memory

import (
	"github.com/pkg/errors"
)

// DefaultChunkSize bounds a single backend read during a walk
const DefaultChunkSize Size = 64 * 1024

// WalkFunc receives one chunk read at base. Match start positions below owned
// belong to this chunk; the bytes past owned repeat at the start of the next one.
// Returning false stops the walk.
type WalkFunc func(base Address, data []byte, owned int) bool

// Walk reads span in chunks of chunkSize, each extended by overlap bytes so that
// a pattern of length overlap+1 is never split across two chunks.
func Walk(r Reader, span Span, chunkSize Size, overlap Size, fn WalkFunc) error {
	if span.IsEmpty() {
		return nil
	}
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	for off := Size(0); off < span.Size; off += chunkSize {
		remaining := span.Size - off
		n := chunkSize + overlap
		if n > remaining {
			n = remaining
		}

		base := span.Base + Address(off)
		data, err := r.ReadMemory(base, n)
		if err != nil {
			return errors.WithMessagef(err, "walk %s at %s", span, base)
		}

		owned := int(chunkSize)
		if owned > len(data) {
			owned = len(data)
		}
		if !fn(base, data, owned) {
			return nil
		}
	}

	return nil
}
