package memory

import (
	"sort"

	"gopatch/memory/memory_map"
)

// NearReach bounds how far a near allocation may land from its anchor, short
// of the full int32 range so a rel32 from anywhere inside the block still fits
const NearReach = 0x7FFF0000

// NearAllocator places pages within rel32 reach of an address, so code moved
// there keeps its relative calls and jumps encodable
type NearAllocator interface {
	Allocator
	AllocNear(near Address, size Size, prot memory_map.Protection) (Span, error)
}

// NearCandidates lists granularity aligned addresses where size bytes fit in
// a gap of mm and stay within NearReach of near, closest first. One
// candidate per gap.
func NearCandidates(near Address, size, granularity Size, mm []memory_map.MemoryMapItem) []Address {
	if granularity == 0 {
		granularity = 0x1000
	}
	size = Align(size, granularity)
	if size == 0 || size > NearReach {
		return nil
	}

	lo := Address(granularity)
	if near > lo+NearReach {
		lo = near - NearReach
	}
	lo = Address(Align(Size(lo), granularity))
	hi := AlignDown(near+NearReach-Address(size), granularity)
	if hi < lo {
		return nil
	}

	var out []Address
	consider := func(start, end Address) {
		if start < lo {
			start = lo
		}
		start = Address(Align(Size(start), granularity))
		if end <= start || end-start < Address(size) {
			return
		}
		last := AlignDown(end-Address(size), granularity)
		if last > hi {
			last = hi
		}
		if start > last {
			return
		}
		switch {
		case near < start:
			out = append(out, start)
		case near > last:
			out = append(out, last)
		default:
			out = append(out, AlignDown(near, granularity))
		}
	}

	regions := append([]memory_map.MemoryMapItem(nil), mm...)
	memory_map.Sort(regions)

	gap := Address(0)
	for _, item := range regions {
		consider(gap, Address(item.Address))
		if end := Address(item.End()); end > gap {
			gap = end
		}
	}
	consider(gap, hi+Address(size))

	distance := func(a Address) Address {
		if a > near {
			return a - near
		}
		return near - a
	}
	sort.Slice(out, func(i, j int) bool {
		return distance(out[i]) < distance(out[j])
	})

	return out
}
