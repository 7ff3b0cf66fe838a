// Command netbench drives one or more receiver engines (io_uring or
// epoll) against one or more sender scenarios, matching the CLI
// surface described for the benchmark.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/netbench/internal/bench"
	"github.com/momentics/netbench/internal/control"
	"github.com/momentics/netbench/internal/sender"
	"github.com/momentics/netbench/internal/shutdown"
)

var (
	rxSpecs  stringList
	txSpecs  stringList
	usePorts portList

	controlPort    = flag.Int("control_port", 0, "start the control-plane lookup service on this port")
	serverOnly     = flag.Bool("server_only", false, "skip sender scenarios, run receivers only")
	clientOnly     = flag.Bool("client_only", false, "skip local receivers, send against --use_port on --host")
	host           = flag.String("host", "127.0.0.1", "sender target host")
	v6             = flag.Bool("v6", false, "use IPv6 for listen sockets and sender dials")
	runTime        = flag.Duration("time", 5*time.Second, "duration of each sender run")
	runs           = flag.Int("runs", 1, "repeat the full tx/rx matrix this many times")
	printRxStats   = flag.Bool("print_rx_stats", true, "print per-engine stat lines")
	printReadStats = flag.Bool("print_read_stats", true, "print the read-count histogram line")
	verbose        = flag.Bool("verbose", false, "enable diagnostic logging")
)

func main() {
	flag.Var(&rxSpecs, "rx", "receiver spec, e.g. 'io_uring recv_size=8192' (repeatable)")
	flag.Var(&txSpecs, "tx", "sender scenario name, e.g. 'echo' (repeatable)")
	flag.Var(&usePorts, "use_port", "pin listen ports (repeatable, space-separated list)")
	flag.Parse()

	if *verbose {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}

	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalCh
		log.Println("shutdown signal received")
		shutdown.RequestGlobal()
	}()

	if *clientOnly {
		runClientOnly()
		return
	}

	if *serverOnly || len(txSpecs) == 0 {
		receivers, registry := startReceivers()
		defer stopReceivers(receivers)

		var controlSrv *control.Server
		if *controlPort != 0 {
			controlSrv = control.NewServer(registry)
			go func() {
				if err := controlSrv.ListenAndServe(fmt.Sprintf(":%d", *controlPort)); err != nil {
					log.Printf("control: %v", err)
				}
			}()
			defer controlSrv.Close()
		}

		waitForShutdown(receivers)
		return
	}

	// combined tx/rx mode: one fresh receiver per (tx, rx) pairing,
	// started and stopped around each sender run, matching the
	// original's per-pairing receiver thread.
	runMatrix()
}

// startReceivers binds one listen socket per --rx spec (pinning to
// --use_port by index when given, otherwise an ephemeral port) and
// returns the running receivers plus the port->name registry for the
// optional control-plane service.
func startReceivers() ([]*namedReceiver, *control.Registry) {
	registry := control.NewRegistry()
	var out []*namedReceiver

	for i, spec := range rxSpecs {
		port := 0
		if i < len(usePorts) {
			port = int(usePorts[i])
		}
		rx, err := buildReceiver(spec, port, *v6)
		if err != nil {
			die("rx spec %q: %v", spec, err)
		}
		registry.Register(rx.port, rx.name)
		out = append(out, rx)

		done := make(chan error, 1)
		go func(rx *namedReceiver) {
			done <- rx.Run()
		}(rx)
		rx.done = done

		log.Printf("receiver started: %s", rx.name)
	}
	return out, registry
}

func stopReceivers(rxs []*namedReceiver) {
	for _, rx := range rxs {
		rx.Stop()
	}
}

func waitForShutdown(rxs []*namedReceiver) {
	for _, rx := range rxs {
		if rx.done == nil {
			continue
		}
		if err := <-rx.done; err != nil {
			log.Printf("receiver %s exited with error: %v", rx.name, err)
		}
	}
}

// runMatrix drives every (tx, rx) pair through internal/bench, giving
// each pairing a fresh receiver instance per run the way the original
// spins up and joins one receiver thread per (tx, rx) iteration.
func runMatrix() {
	type rxBinding struct {
		spec string
		port int
	}
	bindings := make([]rxBinding, len(rxSpecs))
	for i, spec := range rxSpecs {
		bindings[i] = rxBinding{spec: spec, port: resolvePort(i)}
	}

	for _, tx := range txSpecs {
		scenario, err := resolveScenario(tx)
		if err != nil {
			die("tx spec %q: %v", tx, err)
		}
		for _, rb := range bindings {
			engine, opts := specOptions(rb.spec)
			label := fmt.Sprintf("tx:%s rx:%s", scenario.Name(), describeName(engine, opts, rb.port))
			res, err := bench.Run(context.Background(), bench.RunConfig{
				Label: label,
				ReceiverFactory: func() (bench.Receiver, error) {
					return buildReceiver(rb.spec, rb.port, *v6)
				},
				Scenario: scenario,
				Target:   sender.Target{Addr: fmt.Sprintf("%s:%d", *host, rb.port)},
				Options: sender.Options{
					Concurrency: 50,
					Duration:    *runTime,
					FrameLength: 64,
					ReplySize:   64,
				},
				Runs: *runs,
			})
			if err != nil {
				log.Printf("%s: %v", label, err)
				continue
			}
			log.Printf("%s packetsPerSecond={%s} bytesPerSecond={%s}",
				label, formatAgg(res.PacketsPerSecond, 1e3, "k"), formatAgg(res.BytesPerSecond, 1e6, "M"))
		}
	}
}

// resolvePort returns the pinned port for rx index i if --use_port
// covers it, otherwise claims an ephemeral port once so every run of
// the same pairing targets the same address.
func resolvePort(i int) int {
	if i < len(usePorts) {
		return int(usePorts[i])
	}
	fd, err := listenSocket(0, *v6, 1)
	if err != nil {
		die("claim an ephemeral port: %v", err)
	}
	port, err := boundPort(fd)
	if err != nil {
		die("resolve ephemeral port: %v", err)
	}
	unix.Close(fd)
	return port
}

func formatAgg(a bench.Aggregate, scale float64, unit string) string {
	return fmt.Sprintf("p50=%.2f%s avg=%.2f%s p100=%.2f%s",
		a.P50/scale, unit, a.Avg/scale, unit, a.P100/scale, unit)
}

func resolveScenario(name string) (sender.Scenario, error) {
	switch name {
	case "echo":
		return sender.Echo{}, nil
	default:
		return nil, fmt.Errorf("unknown tx scenario %q", name)
	}
}

// runClientOnly looks up receiver names for --use_port via the
// control-plane service on --host:--control_port, then drives --tx
// scenarios against them without starting any local receiver.
func runClientOnly() {
	if len(usePorts) == 0 {
		die("client_only requires --use_port")
	}
	names := make(map[uint16]string)
	if *controlPort != 0 {
		for _, port := range usePorts {
			name, err := lookupPortName(fmt.Sprintf("%s:%d", *host, *controlPort), port)
			if err != nil {
				log.Printf("control lookup for port %d failed: %v", port, err)
				continue
			}
			names[port] = name
		}
	}

	var wg sync.WaitGroup
	for _, tx := range txSpecs {
		scenario, err := resolveScenario(tx)
		if err != nil {
			die("tx spec %q: %v", tx, err)
		}
		for _, port := range usePorts {
			name := names[port]
			if name == "" {
				name = fmt.Sprintf("given_port port=%d", port)
			}
			wg.Add(1)
			go func(port uint16, name string) {
				defer wg.Done()
				res, err := scenario.Run(context.Background(), sender.Target{
					Addr: fmt.Sprintf("%s:%d", *host, port),
				}, sender.Options{
					Concurrency: 50,
					Duration:    *runTime,
					FrameLength: 64,
					ReplySize:   64,
				})
				if err != nil {
					log.Printf("tx:%s rx:%s: %v", scenario.Name(), name, err)
					return
				}
				log.Printf("tx:%s rx:%s frames=%d bytes=%d errors=%d",
					scenario.Name(), name, res.FramesSent, res.BytesSent, res.Errors)
			}(port, name)
		}
	}
	wg.Wait()
}
