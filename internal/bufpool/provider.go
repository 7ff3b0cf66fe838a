// Package bufpool implements the two recv-buffer provider flavors the
// ring engine can register with the kernel: a classic "provide buffers"
// command protocol with a range-coalescing free list, and a shared
// memory-mapped ring between user and kernel space.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package bufpool

import "errors"

// ErrPoolExhausted is returned when a provider has no data to satisfy a
// caller and the caller must not fabricate a buffer.
var ErrPoolExhausted = errors.New("bufpool: pool exhausted")

// kAlignment is the byte alignment recv buffers are rounded up to,
// matching the source's 32-byte alignment for SIMD-friendly memcpy.
const kAlignment = 32

func alignUp(n int) int {
	if n%kAlignment == 0 {
		return n
	}
	return n + (kAlignment - n%kAlignment)
}

// Provider is the common contract both buffer-provider flavors satisfy.
// It models the "polymorphism by template flag" design note as a sum
// type over concrete implementations rather than replicating the
// source's compile-time index-sequence trick.
type Provider interface {
	// ReturnIndex gives buffer i back to the provider after a completed
	// read has consumed it.
	ReturnIndex(i uint16)
	// NeedsPublish reports whether the provider has buffers it wants
	// the engine to hand back to the kernel.
	NeedsPublish() bool
	// Compact coalesces adjacent free ranges. Idempotent.
	Compact()
	// GetData returns the backing storage for buffer i, for zero-copy
	// delivery of its contents to the Frame Parser.
	GetData(i uint16) []byte
	// SizePerBuffer is the (aligned) size of every buffer in the pool.
	SizePerBuffer() int
	// GroupID is the buffer-group id the provider registered with the
	// kernel.
	GroupID() uint16
}

// RangePublisher is satisfied by providers that hand buffers back to
// the kernel via discrete "provide buffers" submissions (the classic
// flavor). The shared-ring flavor does not implement this; the ring
// engine type-asserts for it to decide how to drain a provider that
// NeedsPublish.
type RangePublisher interface {
	// PopPublishRange removes and returns the next contiguous range to
	// publish, or ok=false if the free list is empty.
	PopPublishRange() (start, count uint16, ok bool)
}
