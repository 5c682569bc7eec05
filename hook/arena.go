package hook

import (
	"fmt"
)

// Arenas are carved out of 64 KiB allocations, the Windows allocation granularity.
const arenaSize = 0x10000

// Caves are 16 byte aligned.
const caveAlign = 16

// Largest distance a rel32 jump can cover, with some slack for the jump itself.
const nearRange = 0x7FFF0000

type arena struct {
	base uintptr
	used uintptr
}

// caveAllocator hands out executable memory reachable with a rel32 jump.
type caveAllocator struct {
	mem    Memory
	arenas []*arena
}

func reachable(from, to uintptr) bool {
	d := int64(to) - int64(from)
	return d > -nearRange && d < nearRange
}

// alloc returns size bytes of executable memory near addr.
func (c *caveAllocator) alloc(addr uintptr, size int) (uintptr, error) {
	n := (uintptr(size) + caveAlign - 1) &^ (caveAlign - 1)
	if n > arenaSize {
		return 0, fmt.Errorf("cave of %d bytes exceeds arena size", size)
	}

	for _, a := range c.arenas {
		if a.used+n > arenaSize {
			continue
		}
		if !reachable(addr, a.base) || !reachable(addr, a.base+arenaSize) {
			continue
		}
		p := a.base + a.used
		a.used += n
		return p, nil
	}

	base, err := c.mem.AllocateNear(addr, arenaSize)
	if err != nil {
		return 0, fmt.Errorf("could not allocate code cave near 0x%x: %w", addr, err)
	}
	if !reachable(addr, base) || !reachable(addr, base+arenaSize) {
		return 0, fmt.Errorf("%w: cave at 0x%x is not reachable from 0x%x", ErrOutOfRange, base, addr)
	}
	a := &arena{base: base, used: n}
	c.arenas = append(c.arenas, a)
	return base, nil
}
