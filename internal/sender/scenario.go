// Package sender implements the opaque load-generator side of a
// benchmark run: a small Scenario contract plus one concrete scenario
// (echo) that drives the receiver engines well enough for tests and
// local runs.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package sender

import (
	"context"
	"time"
)

// Target names the receiver a Scenario connects to.
type Target struct {
	Addr string
}

// Options configures one Scenario run.
type Options struct {
	Concurrency int
	Duration    time.Duration
	FrameLength int
	ReplySize   int
}

// Result summarizes one completed Scenario run.
type Result struct {
	ConnectionsOpened int
	FramesSent        int64
	BytesSent         int64
	Errors            int
}

// Scenario is the minimal contract internal/bench needs to drive a
// load generator without knowing its traffic shape.
type Scenario interface {
	Name() string
	Run(ctx context.Context, target Target, opts Options) (Result, error)
}
