// Package bench orchestrates one receiver engine against one sender
// scenario, repeating the run as configured and aggregating the
// resulting throughput figures.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package bench

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/momentics/netbench/internal/sender"
)

// Receiver is the minimal contract a running engine (ring or
// readiness) must satisfy to be driven by a benchmark run.
type Receiver interface {
	Run() error
	Stop()
}

// RunConfig describes one tx/rx pairing, mirroring the original's
// per-(tx,rx) iteration inside its main loop.
type RunConfig struct {
	Label           string
	ReceiverFactory func() (Receiver, error)
	Scenario        sender.Scenario
	Target          sender.Target
	Options         sender.Options
	Runs            int
}

// RunResult holds every individual run's sender.Result plus the
// aggregated packets/sec and bytes/sec, matching the original's
// AggregateResults shape.
type RunResult struct {
	Label            string
	Runs             []sender.Result
	PacketsPerSecond Aggregate
	BytesPerSecond   Aggregate
}

// Run executes cfg.Runs iterations of cfg.Scenario against a fresh
// receiver each time, the way the original spins up one receiver
// thread per (tx, rx) pair and joins it once the sender finishes.
func Run(ctx context.Context, cfg RunConfig) (RunResult, error) {
	if cfg.Runs <= 0 {
		cfg.Runs = 1
	}

	var (
		results []sender.Result
		pps     []float64
		bps     []float64
	)

	for i := 0; i < cfg.Runs; i++ {
		rx, err := cfg.ReceiverFactory()
		if err != nil {
			return RunResult{}, fmt.Errorf("bench: %s: receiver factory: %w", cfg.Label, err)
		}

		done := make(chan error, 1)
		go func() { done <- rx.Run() }()

		// give the receiver a moment to bind and enter its wait loop
		// before the sender starts dialing.
		time.Sleep(20 * time.Millisecond)

		res, err := cfg.Scenario.Run(ctx, cfg.Target, cfg.Options)
		rx.Stop()
		if runErr := <-done; runErr != nil {
			log.Printf("bench: %s: receiver exited with error: %v", cfg.Label, runErr)
		}
		if err != nil {
			return RunResult{}, fmt.Errorf("bench: %s: scenario run %d: %w", cfg.Label, i, err)
		}

		results = append(results, res)
		seconds := cfg.Options.Duration.Seconds()
		if seconds <= 0 {
			seconds = 1
		}
		pps = append(pps, float64(res.FramesSent)/seconds)
		bps = append(bps, float64(res.BytesSent)/seconds)
	}

	return RunResult{
		Label:            cfg.Label,
		Runs:             results,
		PacketsPerSecond: aggregate(pps),
		BytesPerSecond:   aggregate(bps),
	}, nil
}
