package ringengine

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/netbench/internal/frame"
)

// Connection state machine, per spec: Reading -> Reading+Writing (reply
// owed) -> Reading (write posted) -> Closing (read error/EOF) ->
// Closed.
type connState uint8

const (
	stateReading connState = iota
	stateReadingWriting
	stateClosing
	stateClosed
)

// conn is one accepted connection. Fixed or not, descriptor holds
// either a raw fd or a fixed-file index; fixedFile says which.
type conn struct {
	descriptor int32
	fixedFile  bool

	parser frame.Parser

	owedReplyBytes int64
	state          connState

	// inline is the fallback read buffer used only when no external
	// buffer provider is configured.
	inline [4096]byte

	// msghdr/iovec back recvmsg-mode reads (Config.RecvMsg); they must
	// outlive the submission, so they live on the connection rather
	// than a stack-local in postRead.
	msghdr unix.Msghdr
	iovec  unix.Iovec
}

func (c *conn) reset() {
	c.descriptor = -1
	c.fixedFile = false
	c.parser.Reset()
	c.owedReplyBytes = 0
	c.state = stateReading
}

// tag bits packed into the low 2 bits of a user-data word, matching
// the source's pointer-tagging scheme. Connections come from a
// 16-byte-aligned arena (see arena.go); listen sockets are ordinary
// heap allocations, which Go aligns to at least 8 bytes. Either way
// these bits are always free.
type tag uintptr

const (
	tagOther  tag = 0
	tagAccept tag = 1
	tagRead   tag = 2
	tagWrite  tag = 3

	tagMask = uintptr(0x3)
)

func taggedUserData(p unsafe.Pointer, t tag) uint64 {
	return uint64(uintptr(p) | uintptr(t))
}

func untagUserData(word uint64) (unsafe.Pointer, tag) {
	u := uintptr(word)
	return unsafe.Pointer(u &^ tagMask), tag(u & tagMask)
}
