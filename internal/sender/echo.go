package sender

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Echo opens Options.Concurrency connections to Target and, on each,
// writes frames of a fixed (length, reply_size) shape back-to-back for
// Options.Duration, draining whatever the receiver echoes back so the
// socket never backs up. It exists to give tests and local runs
// something real to point the receiver engines at, not to reproduce
// the original load generator's traffic-shape repertoire.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Run(ctx context.Context, target Target, opts Options) (Result, error) {
	if opts.Concurrency <= 0 {
		return Result{}, fmt.Errorf("sender: echo: concurrency must be positive, got %d", opts.Concurrency)
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	var (
		wg         sync.WaitGroup
		framesSent int64
		bytesSent  int64
		errs       int64
		opened     int64
	)

	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", target.Addr)
			if err != nil {
				atomic.AddInt64(&errs, 1)
				return
			}
			defer conn.Close()
			atomic.AddInt64(&opened, 1)

			go drain(runCtx, conn)

			frame := buildFrame(opts.FrameLength, opts.ReplySize)
			for {
				select {
				case <-runCtx.Done():
					return
				default:
				}
				if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
					atomic.AddInt64(&errs, 1)
					return
				}
				n, err := conn.Write(frame)
				if err != nil {
					atomic.AddInt64(&errs, 1)
					return
				}
				atomic.AddInt64(&framesSent, 1)
				atomic.AddInt64(&bytesSent, int64(n))
			}
		}()
	}
	wg.Wait()

	return Result{
		ConnectionsOpened: int(opened),
		FramesSent:        framesSent,
		BytesSent:         bytesSent,
		Errors:            int(errs),
	}, nil
}

// buildFrame encodes one wire frame: an 8-byte little-endian
// (length, reply_size) header followed by length bytes of payload.
func buildFrame(length, replySize int) []byte {
	buf := make([]byte, 8+length)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(replySize))
	return buf
}

// drain reads and discards whatever the receiver echoes back, so the
// connection's receive buffer never forces the writer to stall on the
// peer's backpressure.
func drain(ctx context.Context, conn net.Conn) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}
		if _, err := conn.Read(buf); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
	}
}
