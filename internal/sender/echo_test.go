package sender

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

// startLoopbackEcho runs a trivial receiver that echoes every byte it
// reads straight back, enough to let Echo's Run exercise real
// sockets without depending on the receiver engines.
func startLoopbackEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestEchoRunSendsFramesAndOpensConnections(t *testing.T) {
	addr := startLoopbackEcho(t)

	var e Echo
	if e.Name() != "echo" {
		t.Fatalf("got name %q, want echo", e.Name())
	}

	res, err := e.Run(context.Background(), Target{Addr: addr}, Options{
		Concurrency: 4,
		Duration:    200 * time.Millisecond,
		FrameLength: 16,
		ReplySize:   16,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ConnectionsOpened != 4 {
		t.Fatalf("got %d connections, want 4", res.ConnectionsOpened)
	}
	if res.FramesSent == 0 {
		t.Fatalf("expected at least one frame sent")
	}
	if res.Errors != 0 {
		t.Fatalf("got %d errors, want 0", res.Errors)
	}
}

func TestEchoRunRejectsNonPositiveConcurrency(t *testing.T) {
	var e Echo
	_, err := e.Run(context.Background(), Target{Addr: "127.0.0.1:1"}, Options{Concurrency: 0})
	if err == nil {
		t.Fatalf("expected an error for zero concurrency")
	}
}

func TestBuildFrameEncodesLittleEndianHeader(t *testing.T) {
	frame := buildFrame(10, 20)
	if len(frame) != 18 {
		t.Fatalf("got len %d, want 18", len(frame))
	}
	if got := binary.LittleEndian.Uint32(frame[0:4]); got != 10 {
		t.Fatalf("got length=%d, want 10", got)
	}
	if got := binary.LittleEndian.Uint32(frame[4:8]); got != 20 {
		t.Fatalf("got reply_size=%d, want 20", got)
	}
}
