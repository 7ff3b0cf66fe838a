// Package ringengine implements the io_uring-driven receiver: a
// single-threaded submission/completion loop with pluggable buffer
// providers, fixed-file accept, and multishot recv.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package ringengine

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sysIOURingSetup    = 425
	sysIOURingEnter    = 426
	sysIOURingRegister = 427
)

// io_uring setup flags (see linux/io_uring.h).
const (
	setupCQSize       = 1 << 3
	setupSubmitAll    = 1 << 7
	setupCoopTaskrun  = 1 << 8
	setupDeferTaskrun = 1 << 13
	setupSingleIssuer = 1 << 12
	setupRDisabled    = 1 << 9
)

// io_uring_enter flags.
const (
	enterGetEvents      = 1 << 0
	enterRegisteredRing = 1 << 4
)

// mmap offsets for the three regions a ring exposes.
const (
	offSQRing = 0
	offCQRing = 0x8000000
	offSQEs   = 0x10000000
)

// register opcodes.
const (
	registerFiles      = 2
	unregisterFiles    = 3
	registerPBufRing   = 22
	unregisterPBufRing = 23
	registerRingFDs    = 20
)

// feature bits reported back by io_uring_setup.
const (
	featCQESkip = 1 << 11
)

type sqRingOffsets struct {
	Head, Tail, RingMask, RingEntries, Flags, Dropped, Array, Resv1 uint32
	Resv2                                                           uint64
}

type cqRingOffsets struct {
	Head, Tail, RingMask, RingEntries, Overflow, CQEs, Flags, Resv1 uint32
	Resv2                                                           uint64
}

type ringParams struct {
	SQEntries, CQEntries uint32
	Flags                uint32
	SQThreadCPU          uint32
	SQThreadIdle         uint32
	Features             uint32
	WQFd                 uint32
	Resv                 [3]uint32
	SQOff                sqRingOffsets
	CQOff                cqRingOffsets
}

// ring is the mmap'd submission/completion-queue pair for one io_uring
// instance, plus the mechanics to submit SQEs and drain CQEs.
type ring struct {
	fd int

	sqMmap  []byte
	cqMmap  []byte
	sqeMmap []byte

	sqHead, sqTail, sqMask, sqEntries, sqFlags *uint32
	sqArray                                    []uint32
	sqes                                       []sqe

	cqHead, cqTail, cqMask, cqEntries *uint32
	cqes                              []cqe

	sqeTail        uint32 // local tail, not yet published
	features       uint32
	cqeSkipSuccess bool

	// enterFD and ringFDRegistered track IORING_REGISTER_RING_FDS:
	// once registered, io_uring_enter takes enterFD plus
	// IORING_ENTER_REGISTERED_RING instead of the real ring fd,
	// skipping a file-table lookup per enter.
	enterFD          int
	ringFDRegistered bool
}

func u32At(base []byte, off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&base[off]))
}

// setupRing creates a new io_uring instance with sqEntries submission
// slots and cqEntries completion slots (0 defaults to 128x sqEntries,
// matching the source's "very happy to submit multiple sqe off one
// cqe" sizing), attempting SUBMIT_ALL|COOP_TASKRUN first and falling
// back to plain setup if the kernel rejects the combination.
func setupRing(sqEntries, cqEntries uint32, deferTaskrun bool) (*ring, error) {
	if cqEntries == 0 {
		cqEntries = 128 * sqEntries
	}

	try := func(flags uint32) (int, ringParams, error) {
		p := ringParams{Flags: flags | setupCQSize, CQEntries: cqEntries}
		fd, _, errno := unix.Syscall(sysIOURingSetup, uintptr(sqEntries), uintptr(unsafe.Pointer(&p)), 0)
		if errno != 0 {
			return -1, p, fmt.Errorf("io_uring_setup: %w", errno)
		}
		return int(fd), p, nil
	}

	flags := uint32(setupSubmitAll | setupCoopTaskrun)
	if deferTaskrun {
		flags |= setupDeferTaskrun | setupSingleIssuer | setupRDisabled
	}

	fd, params, err := try(flags)
	if err != nil {
		fd, params, err = try(0)
		if err != nil {
			return nil, err
		}
	}

	r := &ring{fd: fd, features: params.Features}
	r.cqeSkipSuccess = params.Features&featCQESkip != 0

	sqRingSize := int(params.SQOff.Array) + int(params.SQEntries)*4
	cqRingSize := int(params.CQOff.CQEs) + int(params.CQEntries)*int(unsafe.Sizeof(cqe{}))
	sqeBytes := int(params.SQEntries) * int(unsafe.Sizeof(sqe{}))

	sqMmap, err := unix.Mmap(fd, offSQRing, sqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap sq ring: %w", err)
	}
	cqMmap, err := unix.Mmap(fd, offCQRing, cqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMmap)
		unix.Close(fd)
		return nil, fmt.Errorf("mmap cq ring: %w", err)
	}
	sqeMmap, err := unix.Mmap(fd, offSQEs, sqeBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMmap)
		unix.Munmap(cqMmap)
		unix.Close(fd)
		return nil, fmt.Errorf("mmap sqes: %w", err)
	}

	r.sqMmap, r.cqMmap, r.sqeMmap = sqMmap, cqMmap, sqeMmap
	r.sqHead = u32At(sqMmap, params.SQOff.Head)
	r.sqTail = u32At(sqMmap, params.SQOff.Tail)
	r.sqMask = u32At(sqMmap, params.SQOff.RingMask)
	r.sqEntries = u32At(sqMmap, params.SQOff.RingEntries)
	r.sqFlags = u32At(sqMmap, params.SQOff.Flags)
	arrOff := params.SQOff.Array
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Pointer(&sqMmap[arrOff])), params.SQEntries)

	r.cqHead = u32At(cqMmap, params.CQOff.Head)
	r.cqTail = u32At(cqMmap, params.CQOff.Tail)
	r.cqMask = u32At(cqMmap, params.CQOff.RingMask)
	r.cqEntries = u32At(cqMmap, params.CQOff.RingEntries)
	cqesOff := params.CQOff.CQEs
	r.cqes = unsafe.Slice((*cqe)(unsafe.Pointer(&cqMmap[cqesOff])), params.CQEntries)

	r.sqes = unsafe.Slice((*sqe)(unsafe.Pointer(&sqeMmap[0])), params.SQEntries)
	r.sqeTail = *r.sqTail

	return r, nil
}

// registerFileTable reserves count sparse fixed-file slots (every
// entry set to -1) so later direct-accept/direct-close submissions
// against those indices are valid, matching the source's
// io_uring_register_files call over a vector of -1s.
func (r *ring) registerFileTable(count int) error {
	files := make([]int32, count)
	for i := range files {
		files[i] = -1
	}
	_, _, errno := unix.Syscall6(sysIOURingRegister, uintptr(r.fd), uintptr(registerFiles),
		uintptr(unsafe.Pointer(&files[0])), uintptr(count), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// rsrcUpdate mirrors struct io_uring_rsrc_update, used here only for
// IORING_REGISTER_RING_FDS.
type rsrcUpdate struct {
	Offset uint32
	Resv   uint32
	Data   uint64
}

// registerRingFD registers this ring's fd with the kernel so
// subsequent io_uring_enter calls can use the cheaper registered-fd
// path; not every kernel supports it, so failure here is reported to
// the caller to log and continue without it.
func (r *ring) registerRingFD() error {
	up := rsrcUpdate{Offset: ^uint32(0), Data: uint64(r.fd)}
	n, _, errno := unix.Syscall6(sysIOURingRegister, uintptr(r.fd), uintptr(registerRingFDs),
		uintptr(unsafe.Pointer(&up)), 1, 0, 0)
	if errno != 0 {
		return errno
	}
	if n == 1 {
		r.enterFD = int(up.Offset)
		r.ringFDRegistered = true
	}
	return nil
}

func (r *ring) close() error {
	unix.Munmap(r.sqMmap)
	unix.Munmap(r.cqMmap)
	unix.Munmap(r.sqeMmap)
	return unix.Close(r.fd)
}

// nextSQE reserves the next submission slot, or reports false if the
// ring is momentarily full (caller should submit and retry).
func (r *ring) nextSQE() (*sqe, bool) {
	head := atomicLoad(r.sqHead)
	mask := atomicLoad(r.sqMask)
	if r.sqeTail-head > mask {
		return nil, false
	}
	idx := r.sqeTail & mask
	s := &r.sqes[idx]
	*s = sqe{}
	r.sqArray[idx] = idx
	r.sqeTail++
	return s, true
}

// publishSQEs makes pending SQEs visible to the kernel.
func (r *ring) publishSQEs() {
	atomicStore(r.sqTail, r.sqeTail)
}

// submit enters the kernel to process count submitted SQEs, optionally
// waiting for minComplete completions. Once registerRingFD has
// succeeded, it enters through the registered-fd fast path instead of
// the real ring fd.
func (r *ring) submit(count uint32, minComplete uint32, flags uint32) (int, error) {
	fd := r.fd
	if r.ringFDRegistered {
		fd = r.enterFD
		flags |= enterRegisteredRing
	}
	n, _, errno := unix.Syscall6(sysIOURingEnter, uintptr(fd), uintptr(count), uintptr(minComplete), uintptr(flags), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// sqCQOverflow is IORING_SQ_CQ_OVERFLOW: the kernel sets this bit in
// the SQ ring's flags word when completions were dropped because the
// CQ ring was full, requiring an explicit GETEVENTS flush.
const sqCQOverflow = 1 << 1

// isOverflow reports whether the kernel has completions pending that
// did not fit in the CQ ring.
func (r *ring) isOverflow() bool {
	return atomicLoad(r.sqFlags)&sqCQOverflow != 0
}

// peekCQE returns the next unconsumed completion without advancing
// the head, or ok=false if none are ready.
func (r *ring) peekCQE() (c *cqe, ok bool) {
	head := atomicLoad(r.cqHead)
	tail := atomicLoad(r.cqTail)
	if head == tail {
		return nil, false
	}
	mask := atomicLoad(r.cqMask)
	return &r.cqes[head&mask], true
}

// advanceCQ commits consumption of n completions.
func (r *ring) advanceCQ(n uint32) {
	atomicStore(r.cqHead, atomicLoad(r.cqHead)+n)
}

func atomicLoad(p *uint32) uint32 {
	return atomic.LoadUint32(p)
}

func atomicStore(p *uint32, v uint32) {
	atomic.StoreUint32(p, v)
}
