package main

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/momentics/netbench/internal/readiness"
	"github.com/momentics/netbench/internal/ringengine"
	"github.com/momentics/netbench/internal/workload"
)

// namedReceiver adapts either engine to bench.Receiver and carries
// the port/name pair the control plane advertises.
type namedReceiver struct {
	name string
	port int
	run  func() error
	stop func()

	// done is populated by main once the receiver's Run goroutine is
	// launched, so callers elsewhere in cmd/netbench can wait on it.
	done chan error
}

func (r *namedReceiver) Run() error { return r.run() }
func (r *namedReceiver) Stop()      { r.stop() }

// buildReceiver parses one "--rx" spec and binds a listen socket on
// port, returning a receiver ready to Run.
func buildReceiver(spec string, port int, v6 bool) (*namedReceiver, error) {
	engine, opts := specOptions(spec)

	fd, err := listenSocket(port, v6, optInt(opts, "backlog", 100000))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	port, err = boundPort(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("resolve bound port: %w", err)
	}

	switch engine {
	case "io_uring":
		cfg := ringengine.DefaultConfig()
		applyRingOptions(&cfg, opts)
		cfg.Name = fmt.Sprintf("io_uring:%d", port)
		eng := ringengine.New(cfg, workload.Burn)
		return &namedReceiver{
			name: describeName(engine, opts, port),
			port: port,
			run: func() error {
				if err := eng.Init(); err != nil {
					return err
				}
				if err := eng.AddListenSock(int32(fd), v6); err != nil {
					return err
				}
				return eng.Run()
			},
			stop: eng.Stop,
		}, nil

	case "epoll":
		cfg := readiness.DefaultConfig()
		applyReadinessOptions(&cfg, opts)
		cfg.Name = fmt.Sprintf("epoll:%d", port)
		eng := readiness.New(cfg, workload.Burn)
		return &namedReceiver{
			name: describeName(engine, opts, port),
			port: port,
			run: func() error {
				if err := eng.Init(); err != nil {
					return err
				}
				if err := eng.AddListenSock(int32(fd)); err != nil {
					return err
				}
				return eng.Run()
			},
			stop: eng.Stop,
		}, nil

	default:
		unix.Close(fd)
		return nil, fmt.Errorf("unknown rx engine %q", engine)
	}
}

func describeName(engine string, opts map[string]string, port int) string {
	desc := optString(opts, "description", engine)
	return fmt.Sprintf("%s port=%d", desc, port)
}

func applyRingOptions(cfg *ringengine.Config, opts map[string]string) {
	cfg.Backlog = optInt(opts, "backlog", cfg.Backlog)
	cfg.MaxEvents = optInt(opts, "max_events", cfg.MaxEvents)
	cfg.RecvSize = optInt(opts, "recv_size", cfg.RecvSize)
	cfg.RecvMsg = optBool(opts, "recvmsg", cfg.RecvMsg)
	cfg.Workload = optInt(opts, "workload", cfg.Workload)
	cfg.Description = optString(opts, "description", cfg.Description)
	cfg.ProvideBuffers = optInt(opts, "provide_buffers", cfg.ProvideBuffers)
	cfg.FixedFiles = optBool(opts, "fixed_files", cfg.FixedFiles)
	cfg.FixedFileCount = optInt(opts, "fixed_file_count", cfg.FixedFileCount)
	cfg.SQECount = uint32(optInt(opts, "sqe_count", int(cfg.SQECount)))
	cfg.CQECount = uint32(optInt(opts, "cqe_count", int(cfg.CQECount)))
	cfg.MaxCQELoop = optInt(opts, "max_cqe_loop", cfg.MaxCQELoop)
	cfg.ProvidedBufferCount = optInt(opts, "provided_buffer_count", cfg.ProvidedBufferCount)
	cfg.ProvidedBufferLowWatermark = optInt(opts, "provided_buffer_low_watermark", cfg.ProvidedBufferLowWatermark)
	cfg.ProvidedBufferCompact = optBool(opts, "provided_buffer_compact", cfg.ProvidedBufferCompact)
	cfg.HugePages = optBool(opts, "huge_pages", cfg.HugePages)
	cfg.MultishotRecv = optBool(opts, "multishot_recv", cfg.MultishotRecv)
	cfg.SupportsNonblockAccept = optBool(opts, "supports_nonblock_accept", cfg.SupportsNonblockAccept)
	cfg.RegisterRing = optBool(opts, "register_ring", cfg.RegisterRing)
	cfg.DeferTaskrun = optBool(opts, "defer_taskrun", cfg.DeferTaskrun)
	cfg.CPUAffinity = optInt(opts, "cpu_affinity", cfg.CPUAffinity)
	cfg.PrintRxStats = *printRxStats
	cfg.PrintReadStats = *printReadStats
}

func applyReadinessOptions(cfg *readiness.Config, opts map[string]string) {
	cfg.Backlog = optInt(opts, "backlog", cfg.Backlog)
	cfg.MaxEvents = optInt(opts, "max_events", cfg.MaxEvents)
	cfg.RecvSize = optInt(opts, "recv_size", cfg.RecvSize)
	cfg.RecvMsg = optBool(opts, "recvmsg", cfg.RecvMsg)
	cfg.Workload = optInt(opts, "workload", cfg.Workload)
	cfg.Description = optString(opts, "description", cfg.Description)
	cfg.BatchSend = optBool(opts, "batch_send", cfg.BatchSend)
	cfg.CPUAffinity = optInt(opts, "cpu_affinity", cfg.CPUAffinity)
	cfg.PrintRxStats = *printRxStats
	cfg.PrintReadStats = *printReadStats
}

// listenSocket creates, binds, and listens on port, returning a
// nonblocking fd suitable for either engine's raw syscall loop.
func listenSocket(port int, v6 bool, backlog int) (int, error) {
	domain := unix.AF_INET
	if v6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if v6 {
		addr := &unix.SockaddrInet6{Port: port}
		if err := unix.Bind(fd, addr); err != nil {
			unix.Close(fd)
			return -1, err
		}
	} else {
		addr := &unix.SockaddrInet4{Port: port}
		if err := unix.Bind(fd, addr); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// boundPort resolves the port the kernel actually assigned, needed
// whenever the caller asked for an ephemeral port (0).
func boundPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	default:
		return 0, fmt.Errorf("unexpected sockaddr type %T", sa)
	}
}
