package bufpool

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ringEntrySize is sizeof(struct io_uring_buf): addr(8) + len(4) +
// bid(2) + resv(2).
const ringEntrySize = 16

// returnBatchSize is the staging batch size before the tail is
// republished, matching the source's batch of 32.
const returnBatchSize = 32

const twoMiB = 2 << 20

// SharedRing is the shared memory-mapped ring buffer provider: a
// single mmap'd region holding a power-of-two descriptor ring plus a
// contiguous payload area, with buffers published to the kernel by
// advancing a release-stored tail index.
type SharedRing struct {
	mem []byte

	ringEntries int
	ringMask    uint32
	payloadOff  int

	sizePerBuffer int
	count         int
	groupID       uint16

	tail atomic.Uint32

	stage    [returnBatchSize]uint16
	stageLen int
}

// NewSharedRing mmaps a region sized to hold count buffers of at least
// sizePerBuffer bytes each plus a descriptor ring sized to the next
// power of two ≥ count, rounding the whole mapping up to 2 MiB when
// hugePages is requested. All count descriptors are populated and the
// tail is published once, covering the whole initial pool.
func NewSharedRing(count, sizePerBuffer int, groupID uint16, hugePages bool) (*SharedRing, error) {
	aligned := alignUp(sizePerBuffer)
	ringEntries := nextPow2(count)
	ringBytes := ringEntries * ringEntrySize
	payloadBytes := count * aligned
	total := ringBytes + payloadBytes
	if hugePages && total%twoMiB != 0 {
		total += twoMiB - total%twoMiB
	}

	flags := unix.MAP_SHARED | unix.MAP_ANONYMOUS
	mem, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, err
	}

	sr := &SharedRing{
		mem:           mem,
		ringEntries:   ringEntries,
		ringMask:      uint32(ringEntries - 1),
		payloadOff:    ringBytes,
		sizePerBuffer: aligned,
		count:         count,
		groupID:       groupID,
	}

	for i := 0; i < count; i++ {
		sr.writeDescriptor(uint32(i), uint16(i))
	}
	sr.tail.Store(uint32(count))
	return sr, nil
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (sr *SharedRing) descriptorOffset(slot uint32) int {
	return int(slot&sr.ringMask) * ringEntrySize
}

func (sr *SharedRing) writeDescriptor(slot uint32, bid uint16) {
	off := sr.descriptorOffset(slot)
	entry := sr.mem[off : off+ringEntrySize]
	addr := uint64(uintptr(unsafe.Pointer(&sr.mem[sr.payloadOff+int(bid)*sr.sizePerBuffer])))
	binary.LittleEndian.PutUint64(entry[0:8], addr)
	binary.LittleEndian.PutUint32(entry[8:12], uint32(sr.sizePerBuffer))
	binary.LittleEndian.PutUint16(entry[12:14], bid)
	binary.LittleEndian.PutUint16(entry[14:16], 0)
}

func (sr *SharedRing) SizePerBuffer() int { return sr.sizePerBuffer }
func (sr *SharedRing) GroupID() uint16    { return sr.groupID }

func (sr *SharedRing) GetData(i uint16) []byte {
	off := sr.payloadOff + int(i)*sr.sizePerBuffer
	return sr.mem[off : off+sr.sizePerBuffer]
}

// ReturnIndex stages i and, once the stage array fills, writes every
// staged descriptor into the ring and republishes the tail with a
// release store.
func (sr *SharedRing) ReturnIndex(i uint16) {
	sr.stage[sr.stageLen] = i
	sr.stageLen++
	if sr.stageLen < returnBatchSize {
		return
	}
	sr.flush()
}

func (sr *SharedRing) flush() {
	tail := sr.tail.Load()
	for _, bid := range sr.stage[:sr.stageLen] {
		sr.writeDescriptor(tail, bid)
		tail++
	}
	sr.stageLen = 0
	sr.tail.Store(tail)
}

// NeedsPublish is always false: the kernel pulls directly from the
// ring, there is nothing for the engine to submit.
func (sr *SharedRing) NeedsPublish() bool { return false }

// Compact is a no-op; the ring has no free-range concept to coalesce.
func (sr *SharedRing) Compact() {}

// Tail exposes the current published tail for tests verifying
// monotonicity.
func (sr *SharedRing) Tail() uint32 { return sr.tail.Load() }

// Mem and RingEntries give the engine what it needs to issue the
// one-time "register buffer ring" kernel command: &Mem()[0] is the
// ring base address, RingEntries() its entry count.
func (sr *SharedRing) Mem() []byte      { return sr.mem }
func (sr *SharedRing) RingEntries() int { return sr.ringEntries }

// Close unmaps the backing region.
func (sr *SharedRing) Close() error {
	return unix.Munmap(sr.mem)
}
