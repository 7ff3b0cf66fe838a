package bench

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/momentics/netbench/internal/sender"
)

// loopbackReceiver is a fake Receiver used only to exercise
// internal/bench's orchestration without depending on a real
// io_uring/epoll engine.
type loopbackReceiver struct {
	ln   net.Listener
	stop chan struct{}
}

func newLoopbackReceiver(t *testing.T) *loopbackReceiver {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &loopbackReceiver{ln: ln, stop: make(chan struct{})}
}

func (r *loopbackReceiver) addr() string { return r.ln.Addr().String() }

func (r *loopbackReceiver) Run() error {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.stop:
				return nil
			default:
				return err
			}
		}
		go func() {
			defer conn.Close()
			io.Copy(conn, conn)
		}()
	}
}

func (r *loopbackReceiver) Stop() {
	close(r.stop)
	r.ln.Close()
}

func TestRunAggregatesMultipleRuns(t *testing.T) {
	var rx *loopbackReceiver
	cfg := RunConfig{
		Label: "tx:echo rx:loopback",
		ReceiverFactory: func() (Receiver, error) {
			rx = newLoopbackReceiver(t)
			return rx, nil
		},
		Scenario: sender.Echo{},
		Target:   sender.Target{}, // unused: addrCapturingEcho below supplies the address per run
		Options: sender.Options{
			Concurrency: 2,
			Duration:    100 * time.Millisecond,
			FrameLength: 16,
			ReplySize:   16,
		},
		Runs: 3,
	}

	// the receiver's address is only known after the factory runs, so
	// wrap the factory to also capture it for the scenario target.
	var addr string
	origFactory := cfg.ReceiverFactory
	cfg.ReceiverFactory = func() (Receiver, error) {
		r, err := origFactory()
		if err == nil {
			addr = r.(*loopbackReceiver).addr()
		}
		return r, err
	}
	cfg.Scenario = addrCapturingEcho{addr: &addr}

	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(res.Runs))
	}
	if res.PacketsPerSecond.Avg <= 0 {
		t.Fatalf("expected positive average packet rate")
	}
	if res.BytesPerSecond.P100 < res.BytesPerSecond.P50 {
		t.Fatalf("p100 must be >= p50")
	}
}

// addrCapturingEcho adapts sender.Echo to read its target address
// from a pointer set just before Run is called, since the receiver's
// ephemeral port is only known once the factory has run.
type addrCapturingEcho struct {
	addr *string
}

func (addrCapturingEcho) Name() string { return "echo" }

func (a addrCapturingEcho) Run(ctx context.Context, _ sender.Target, opts sender.Options) (sender.Result, error) {
	var e sender.Echo
	return e.Run(ctx, sender.Target{Addr: *a.addr}, opts)
}

func TestAggregateComputesPercentiles(t *testing.T) {
	agg := aggregate([]float64{1, 2, 3, 4, 5})
	if agg.Avg != 3 {
		t.Fatalf("got avg=%v, want 3", agg.Avg)
	}
	if agg.P50 != 3 {
		t.Fatalf("got p50=%v, want 3", agg.P50)
	}
	if agg.P100 != 5 {
		t.Fatalf("got p100=%v, want 5", agg.P100)
	}
}
