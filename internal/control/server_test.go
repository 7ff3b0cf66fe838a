package control

import (
	"bufio"
	"net"
	"testing"
	"time"
)

func TestServerLookupAndNotFound(t *testing.T) {
	reg := NewRegistry()
	reg.Register(9000, "ring-echo")

	srv := NewServer(reg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.ln = ln
	go srv.Serve()
	defer srv.Close()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("GET 9000\n"))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply != "ring-echo\n" {
		t.Fatalf("got %q, want %q", reply, "ring-echo\n")
	}

	conn2, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn2.Close()
	conn2.Write([]byte("GET 1\n"))
	reply2, err := bufio.NewReader(conn2).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply2 != "NOTFOUND\n" {
		t.Fatalf("got %q, want %q", reply2, "NOTFOUND\n")
	}
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	reg := NewRegistry()
	reg.Register(1, "a")
	snap := reg.Snapshot()
	snap[2] = "b"
	if _, ok := reg.Lookup(2); ok {
		t.Fatalf("mutating a snapshot must not affect the registry")
	}
}

func TestUnregisterRemovesEntry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(5, "x")
	reg.Unregister(5)
	if _, ok := reg.Lookup(5); ok {
		t.Fatalf("expected entry removed after Unregister")
	}
}
