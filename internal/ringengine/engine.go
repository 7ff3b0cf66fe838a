package ringengine

import (
	"fmt"
	"log"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/netbench/internal/affinity"
	"github.com/momentics/netbench/internal/bufpool"
	"github.com/momentics/netbench/internal/shutdown"
	"github.com/momentics/netbench/internal/stats"
	"github.com/momentics/netbench/internal/workload"
)

// ErrNoAcceptSlot is returned when fixed-file accept is configured but
// the fixed-file pool has been exhausted.
var ErrNoAcceptSlot = fmt.Errorf("ringengine: fixed-file pool exhausted")

// ErrPoolStarved signals the -ENOBUFS fatal condition: the spec
// mandates reporting and aborting rather than silently requeuing the
// read (spec.md §9 open question, resolved as a REDESIGN FLAG).
var ErrPoolStarved = fmt.Errorf("ringengine: buffer pool starved (-ENOBUFS)")

// Config mirrors the io_uring sub-option surface in spec.md §6.
type Config struct {
	Name        string
	Backlog     int
	MaxEvents   int
	RecvSize    int
	RecvMsg     bool
	Workload    int
	Description string

	ProvideBuffers int // 0 = none, 1 = classic, 2 = shared ring
	FixedFiles     bool
	FixedFileCount int

	SQECount    uint32
	CQECount    uint32
	MaxCQELoop  int

	ProvidedBufferCount         int
	ProvidedBufferLowWatermark  int
	ProvidedBufferCompact       bool
	HugePages                   bool

	MultishotRecv          bool
	SupportsNonblockAccept bool
	RegisterRing           bool
	DeferTaskrun           bool

	PrintRxStats   bool
	PrintReadStats bool

	// CPUAffinity pins the Run goroutine's OS thread to this CPU index
	// before entering the loop. Negative (the default) leaves affinity
	// unset.
	CPUAffinity int
}

// DefaultConfig matches the original's IoUringRxConfig defaults.
func DefaultConfig() Config {
	return Config{
		Name:                       "io_uring",
		CPUAffinity:                -1,
		Backlog:                    100000,
		MaxEvents:                  32,
		RecvSize:                   4096,
		ProvideBuffers:             2,
		FixedFiles:                 true,
		FixedFileCount:             16000,
		SQECount:                   64,
		CQECount:                   0,
		MaxCQELoop:                 256 * 32,
		ProvidedBufferCount:        8000,
		ProvidedBufferLowWatermark: -1,
		ProvidedBufferCompact:      true,
		MultishotRecv:              true,
		RegisterRing:               true,
		PrintRxStats:               true,
		PrintReadStats:             true,
	}
}

const bufferGroupID = 7

type listenSock struct {
	fd            int32
	v6            bool
	acceptIdx     uint32
	reservedIdx   bool
	acceptAddrBuf [128]byte
}

// Engine is the single-threaded io_uring receive loop: accept, recv,
// send, close, with submission/completion tagging, overflow handling
// and fixed-file lifecycle, per spec.md §4.6.
type Engine struct {
	cfg Config

	r          *ring
	listens    []*listenSock
	arena      *connArena
	fixedFiles *fixedFilePool
	provider   bufpool.Provider

	stats    *stats.Recorder
	workload workload.Hook
	shutdown shutdown.Signal

	scratch []byte

	bytesRx         uint64
	framesCompleted uint64
	activeConns     int
	readsThisLoop   int
	stopping        bool
}

// New constructs an Engine but does not bind any listen sockets or
// create the underlying ring yet; call Init for that.
func New(cfg Config, hook workload.Hook) *Engine {
	if hook == nil {
		hook = workload.Burn
	}
	return &Engine{
		cfg:      cfg,
		workload: hook,
		stats:    stats.New(cfg.Name, cfg.PrintRxStats, cfg.PrintReadStats),
		scratch:  make([]byte, 65536),
	}
}

// Stop requests cooperative shutdown; Run observes it on its next
// wait-loop iteration and drains outstanding connections before
// returning.
func (e *Engine) Stop() {
	e.shutdown.Request()
}

// Init creates the kernel ring, registers fixed files and the buffer
// provider, and publishes the initial buffer pool, per spec.md §4.6
// initialization.
func (e *Engine) Init() error {
	r, err := setupRing(e.cfg.SQECount, e.cfg.CQECount, e.cfg.DeferTaskrun)
	if err != nil {
		return fmt.Errorf("ringengine: setup: %w", err)
	}
	e.r = r

	if e.cfg.RegisterRing {
		if err := r.registerRingFD(); err != nil {
			log.Printf("ringengine[%s]: register_ring_fd unsupported: %v", e.cfg.Name, err)
		}
	}

	if e.cfg.FixedFiles {
		if err := r.registerFileTable(e.cfg.FixedFileCount); err != nil {
			return fmt.Errorf("ringengine: register files: %w", err)
		}
		e.fixedFiles = newFixedFilePool(e.cfg.FixedFileCount)
	}
	// the arena must be large enough to hold every concurrently open
	// connection; fixed-file count is the natural upper bound when
	// fixed files are enabled, otherwise fall back to a generous cap.
	arenaCap := e.cfg.FixedFileCount
	if arenaCap == 0 {
		arenaCap = 65536
	}
	e.arena = newConnArena(arenaCap)

	switch e.cfg.ProvideBuffers {
	case 1:
		lw := e.cfg.ProvidedBufferLowWatermark
		e.provider = bufpool.NewClassic(e.cfg.ProvidedBufferCount, e.cfg.RecvSize, bufferGroupID, lw)
		e.publishAllClassic()
	case 2:
		sr, err := bufpool.NewSharedRing(e.cfg.ProvidedBufferCount, e.cfg.RecvSize, bufferGroupID, e.cfg.HugePages)
		if err != nil {
			return fmt.Errorf("ringengine: shared ring: %w", err)
		}
		e.provider = sr
		if err := e.registerBufferRing(sr); err != nil {
			return fmt.Errorf("ringengine: register buffer ring: %w", err)
		}
	}

	return nil
}

func (e *Engine) registerBufferRing(sr *bufpool.SharedRing) error {
	type bufRegCmd struct {
		RingAddr    uint64
		RingEntries uint32
		Bgid        uint16
		Flags       uint16
		Resv        [3]uint64
	}
	cmd := bufRegCmd{
		RingAddr:    uint64(uintptr(unsafe.Pointer(&sr.Mem()[0]))),
		RingEntries: uint32(sr.RingEntries()),
		Bgid:        bufferGroupID,
	}
	_, _, errno := unix.Syscall6(sysIOURingRegister, uintptr(e.r.fd), uintptr(registerPBufRing),
		uintptr(unsafe.Pointer(&cmd)), 1, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// publishAllClassic drains the classic pool's free list at startup so
// the entire initial pool is handed to the kernel before the loop
// begins.
func (e *Engine) publishAllClassic() {
	rp, ok := e.provider.(bufpool.RangePublisher)
	if !ok {
		return
	}
	for {
		start, count, ok := rp.PopPublishRange()
		if !ok {
			break
		}
		e.submitProvideBuffers(start, count)
	}
	e.r.publishSQEs()
	e.r.submit(uint32(cap(e.r.sqArray)), 0, 0)
}

func (e *Engine) submitProvideBuffers(start, count uint16) {
	s, ok := e.r.nextSQE()
	if !ok {
		e.r.publishSQEs()
		e.r.submit(0, 0, 0)
		s, _ = e.r.nextSQE()
	}
	addr := e.provider.GetData(start)
	s.prepProvideBuffers(uintptr(unsafe.Pointer(&addr[0])), uint32(e.provider.SizePerBuffer()), count, e.provider.GroupID(), start)
	s.setUserData(uint64(tagOther))
}

// AddListenSock registers fd for accept dispatch and posts its first
// accept submission. One listen socket keeps exactly one accept
// outstanding at all times (spec.md §8 invariant).
func (e *Engine) AddListenSock(fd int32, v6 bool) error {
	ls := &listenSock{fd: fd, v6: v6}
	e.listens = append(e.listens, ls)
	return e.postAccept(ls)
}

func (e *Engine) postAccept(ls *listenSock) error {
	s, ok := e.r.nextSQE()
	if !ok {
		return fmt.Errorf("ringengine: submission queue full posting accept")
	}
	var reserved uint32
	reservedFixed := e.cfg.FixedFiles
	if reservedFixed {
		idx, ok := e.fixedFiles.acquire()
		if !ok {
			return ErrNoAcceptSlot
		}
		reserved = idx
		ls.acceptIdx = idx
		ls.reservedIdx = true
	}
	s.prepAccept(ls.fd, uintptr(unsafe.Pointer(&ls.acceptAddrBuf[0])), uintptr(len(ls.acceptAddrBuf)), reservedFixed, reserved)
	s.setUserData(taggedUserData(unsafe.Pointer(ls), tagAccept))
	return nil
}

// Run executes the submit-and-wait loop until the engine observes a
// shutdown signal and either drains to zero active connections or
// exceeds a best-effort deadline, per spec.md §4.6/§5.
func (e *Engine) Run() error {
	if err := affinity.Pin(e.cfg.CPUAffinity); err != nil {
		return fmt.Errorf("ringengine: %w", err)
	}

	timeout := time.Second
	var stoppingDeadline time.Time

	for {
		if e.provider != nil && e.provider.NeedsPublish() {
			if e.cfg.ProvidedBufferCompact {
				e.provider.Compact()
			}
			if rp, ok := e.provider.(bufpool.RangePublisher); ok {
				for e.provider.NeedsPublish() {
					start, count, ok := rp.PopPublishRange()
					if !ok {
						break
					}
					e.submitProvideBuffers(start, count)
				}
			}
		}

		e.stats.StartWait()
		var err error
		switch {
		case e.r.isOverflow():
			_, err = e.r.submit(0, 0, enterGetEvents)
		case e.r.sqeTail != *e.r.sqTail:
			e.r.publishSQEs()
			pending := e.r.sqeTail - *e.r.sqHead
			err = e.submitAndWaitTimeout(pending, 1, timeout)
		default:
			err = e.submitAndWaitTimeout(0, 1, timeout)
		}
		e.stats.DoneWait()

		if err != nil && err != unix.EINTR && err != unix.ETIME {
			log.Printf("ringengine[%s]: enter: %v", e.cfg.Name, err)
		}

		if !e.stopping && e.shutdown.Requested() {
			e.stopping = true
			timeout = 100 * time.Millisecond
			stoppingDeadline = time.Now().Add(10 * time.Second)
			e.closeListenSocks()
		}

		e.drainCompletions()

		e.stats.DoneLoop(e.bytesRx, e.framesCompleted, e.readsThisLoop, e.r.isOverflow())
		e.bytesRx, e.framesCompleted, e.readsThisLoop = 0, 0, 0
		e.stats.MaybeFlush(log.Printf)

		if e.stopping && (e.activeConns == 0 || time.Now().After(stoppingDeadline)) {
			return nil
		}
	}
}

// submitAndWaitTimeout bounds a wait using a synthetic TIMEOUT SQE so
// a single io_uring_enter never blocks past timeout, matching the
// 1s/100ms poll budget in spec.md §5.
func (e *Engine) submitAndWaitTimeout(submitCount uint32, minComplete uint32, timeout time.Duration) error {
	ts := kernelTimespec{
		Sec:  int64(timeout / time.Second),
		Nsec: int64(timeout % time.Second),
	}
	if s, ok := e.r.nextSQE(); ok {
		s.prepTimeout(&ts)
		s.setUserData(uint64(tagOther))
		submitCount++
	}
	e.r.publishSQEs()
	_, err := e.r.submit(submitCount, minComplete, enterGetEvents)
	return err
}

func (e *Engine) closeListenSocks() {
	for _, ls := range e.listens {
		unix.Close(int(ls.fd))
	}
}

// drainCompletions consumes every ready completion, dispatches it by
// tag, and advances the CQ head once at the end.
func (e *Engine) drainCompletions() {
	head := atomicLoad(e.r.cqHead)
	tail := atomicLoad(e.r.cqTail)
	mask := atomicLoad(e.r.cqMask)
	var n uint32
	for i := head; i != tail; i++ {
		e.dispatch(&e.r.cqes[i&mask])
		n++
	}
	if n > 0 {
		e.r.advanceCQ(n)
	}
}

func (e *Engine) dispatch(c *cqe) {
	ptr, t := untagUserData(c.UserData)
	switch t {
	case tagAccept:
		e.onAccept((*listenSock)(ptr), c)
	case tagRead:
		e.onRead((*conn)(ptr), c)
	case tagWrite:
		e.onWrite((*conn)(ptr), c)
	case tagOther:
		// timeouts and provide-buffers completions carry ptr==nil and
		// need no further handling; close completions carry the conn
		// they closed so the fixed-file index can be recycled only on
		// confirmed success or EBADF (spec.md §4.6 close semantics).
		if ptr != nil {
			e.onClose((*conn)(ptr), c)
		}
	}
}

func (e *Engine) onClose(c *conn, cq *cqe) {
	if cq.Res == 0 || cq.Res == -int32(unix.EBADF) {
		e.fixedFiles.release(uint32(c.descriptor))
	} else {
		log.Printf("ringengine[%s]: fixed-file index %d leaked on close: %d", e.cfg.Name, c.descriptor, cq.Res)
	}
	e.arena.release(c)
}

func (e *Engine) onAccept(ls *listenSock, c *cqe) {
	if c.Res < 0 {
		if !e.stopping {
			log.Printf("ringengine[%s]: accept failed: %d", e.cfg.Name, c.Res)
		}
		if ls.reservedIdx {
			e.fixedFiles.release(ls.acceptIdx)
		}
		if !e.stopping {
			e.postAccept(ls)
		}
		return
	}

	var newConn *conn
	if ls.reservedIdx {
		newConn = e.arena.acquire()
		if newConn == nil {
			log.Printf("ringengine[%s]: connection arena exhausted", e.cfg.Name)
			e.fixedFiles.release(ls.acceptIdx)
		} else {
			newConn.descriptor = int32(ls.acceptIdx)
			newConn.fixedFile = true
		}
	} else {
		newConn = e.arena.acquire()
		if newConn != nil {
			newConn.descriptor = c.Res
			newConn.fixedFile = false
		}
	}

	if newConn != nil {
		e.activeConns++
		e.postRead(newConn)
	}

	if e.cfg.SupportsNonblockAccept {
		e.drainPendingAccepts(ls)
	}

	if !e.stopping {
		e.postAccept(ls)
	}
}

func (e *Engine) drainPendingAccepts(ls *listenSock) {
	for {
		fd, _, err := unix.Accept4(int(ls.fd), unix.SOCK_NONBLOCK)
		if err != nil {
			break
		}
		newConn := e.arena.acquire()
		if newConn == nil {
			unix.Close(fd)
			break
		}
		newConn.descriptor = int32(fd)
		newConn.fixedFile = false
		e.activeConns++
		e.postRead(newConn)
	}
}

func (e *Engine) postRead(c *conn) {
	s, ok := e.r.nextSQE()
	if !ok {
		return
	}
	if e.cfg.RecvMsg {
		e.prepReadMsg(s, c)
	} else {
		var groupID uint16
		var addr uintptr
		var length uint32
		if e.provider != nil {
			groupID = e.provider.GroupID()
		} else {
			addr = uintptr(unsafe.Pointer(&c.inline[0]))
			length = uint32(len(c.inline))
		}
		s.prepRecv(c.descriptor, addr, length, groupID, e.cfg.MultishotRecv, c.fixedFile)
	}
	s.setUserData(taggedUserData(unsafe.Pointer(c), tagRead))
}

// prepReadMsg builds c's msghdr and issues a message-mode recv
// submission, per spec.md §4.6's recvmsg switch. With a buffer
// provider configured the kernel selects and fills a pool buffer
// directly, so the msghdr carries no iovec (netbench.cpp's
// BasicSock::addRead sets msg_iovlen to 0 in that case); otherwise
// the iovec points at conn.inline.
func (e *Engine) prepReadMsg(s *sqe, c *conn) {
	bufferSelect := e.provider != nil
	var groupID uint16
	if bufferSelect {
		groupID = e.provider.GroupID()
		c.msghdr.Iov = nil
		c.msghdr.SetIovlen(0)
	} else {
		c.iovec.Base = &c.inline[0]
		c.iovec.SetLen(len(c.inline))
		c.msghdr.Iov = &c.iovec
		c.msghdr.SetIovlen(1)
	}
	c.msghdr.Name = nil
	c.msghdr.Namelen = 0
	c.msghdr.Control = nil
	c.msghdr.SetControllen(0)
	s.prepRecvMsg(c.descriptor, uintptr(unsafe.Pointer(&c.msghdr)), groupID, bufferSelect, e.cfg.MultishotRecv, c.fixedFile)
}

func (e *Engine) onRead(c *conn, cq *cqe) {
	e.readsThisLoop++

	if cq.Res == 0 || (cq.Res < 0 && cq.Res != -int32(unix.ENOBUFS)) {
		e.closeConn(c)
		return
	}
	if cq.Res < 0 {
		log.Fatalf("ringengine[%s]: %v on fd=%d: pool starved, aborting per spec", e.cfg.Name, ErrPoolStarved, c.descriptor)
		return
	}

	n := int(cq.Res)
	e.bytesRx += uint64(n)

	data, ok := e.readPayload(c, cq, n)
	if e.provider != nil {
		e.provider.ReturnIndex(cq.bid())
	}

	if !ok {
		log.Printf("ringengine[%s]: malformed recvmsg completion on fd=%d", e.cfg.Name, c.descriptor)
	} else {
		res := c.parser.Consume(data)
		e.framesCompleted += uint64(res.Completed)
		c.owedReplyBytes += res.OwedReplyBytes
		if res.Completed > 0 {
			e.workload(res.Completed, e.cfg.Workload)
		}
	}

	if c.owedReplyBytes > 0 {
		e.postSend(c)
	}

	if !cq.hasMore() && cq.Res >= 0 {
		e.postRead(c)
	}
}

// readPayload resolves the byte slice a read completion delivered,
// covering the three orthogonal switches in spec.md §4.6: inline vs
// provided buffer, and plain recv vs message-mode. A message-mode
// completion against a buffer provider carries an io_uring_recvmsg_out
// header ahead of the payload (netbench.cpp's io_uring_recvmsg_validate);
// every other combination is the raw payload.
func (e *Engine) readPayload(c *conn, cq *cqe, n int) ([]byte, bool) {
	switch {
	case e.cfg.RecvMsg && e.provider != nil:
		return parseRecvmsgOut(e.provider.GetData(cq.bid())[:n])
	case e.provider != nil:
		return e.provider.GetData(cq.bid())[:n], true
	default:
		return c.inline[:n], true
	}
}

func (e *Engine) postSend(c *conn) {
	n := c.owedReplyBytes
	if n > int64(len(e.scratch)) {
		n = int64(len(e.scratch))
	}
	s, ok := e.r.nextSQE()
	if !ok {
		return
	}
	s.prepSend(c.descriptor, uintptr(unsafe.Pointer(&e.scratch[0])), uint32(n), c.fixedFile)
	s.setUserData(taggedUserData(unsafe.Pointer(c), tagWrite))
	c.owedReplyBytes -= n
	// only the final chunk skips its success completion: onWrite posts
	// the next chunk when an earlier one completes.
	if c.owedReplyBytes == 0 {
		s.skipSuccess()
	}
}

func (e *Engine) onWrite(c *conn, cq *cqe) {
	if cq.Res < 0 {
		log.Printf("ringengine[%s]: send failed on fd=%d: %d", e.cfg.Name, c.descriptor, cq.Res)
		return
	}
	if c.owedReplyBytes > 0 {
		e.postSend(c)
	}
}

// closeConn implements spec.md §4.6's close semantics: a fixed-file
// connection gets a direct-close submission and its index is recycled
// only once onClose observes the completion; a plain-fd connection is
// closed synchronously right here.
func (e *Engine) closeConn(c *conn) {
	c.state = stateClosing
	e.activeConns--
	if c.fixedFile {
		// the arena slot is freed only once onClose observes the
		// completion, so a reused slot can never be mistaken for this
		// still-in-flight close.
		s, ok := e.r.nextSQE()
		if ok {
			s.prepClose(c.descriptor, true)
			s.setUserData(taggedUserData(unsafe.Pointer(c), tagOther))
		}
		return
	}
	unix.Close(int(c.descriptor))
	e.arena.release(c)
}
