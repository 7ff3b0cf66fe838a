package ringengine

import "unsafe"

// connArena is a bounded pool of *conn carved out of one 16-byte
// aligned backing allocation, so every connection's address has its
// low 2 bits free for conn.go's pointer tagging. It is a bounded
// stack of free slot indices, mirroring the fixed-file index pool
// design (spec.md §9).
type connArena struct {
	backing []byte
	base    unsafe.Pointer
	slotLen uintptr
	free    []int32
}

const arenaAlignment = 16

func newConnArena(capacity int) *connArena {
	slotLen := unsafe.Sizeof(conn{})
	slotLen = (slotLen + arenaAlignment - 1) &^ (arenaAlignment - 1)

	backing := make([]byte, int(slotLen)*capacity+arenaAlignment)
	rawBase := uintptr(unsafe.Pointer(&backing[0]))
	misalign := -rawBase & (arenaAlignment - 1)

	a := &connArena{
		backing: backing,
		base:    unsafe.Add(unsafe.Pointer(&backing[0]), misalign),
		slotLen: slotLen,
		free:    make([]int32, capacity),
	}
	for i := 0; i < capacity; i++ {
		a.free[i] = int32(capacity - 1 - i)
	}
	return a
}

func (a *connArena) slot(i int32) *conn {
	return (*conn)(unsafe.Add(a.base, uintptr(i)*a.slotLen))
}

// acquire returns a zeroed connection slot, or nil if the arena is
// exhausted.
func (a *connArena) acquire() *conn {
	n := len(a.free)
	if n == 0 {
		return nil
	}
	idx := a.free[n-1]
	a.free = a.free[:n-1]
	c := a.slot(idx)
	*c = conn{}
	c.reset()
	return c
}

func (a *connArena) indexOf(c *conn) int32 {
	diff := uintptr(unsafe.Pointer(c)) - uintptr(a.base)
	return int32(diff / a.slotLen)
}

func (a *connArena) release(c *conn) {
	a.free = append(a.free, a.indexOf(c))
}
