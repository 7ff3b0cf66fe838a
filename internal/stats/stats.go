// Package stats implements the per-engine statistics recorder: wall,
// user and system CPU accounting, idle-time accounting, and a per-loop
// read-count histogram, flushed as a human-readable line once a second.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package stats

import (
	"fmt"
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// clockTicksPerSec is the Linux USER_HZ value used to scale the ticks
// returned by times(2); it is 100 on every Linux platform Go supports.
const clockTicksPerSec = 100

// idleThreshold is the minimum bracketed wait duration counted as idle,
// matching the source's 100 microsecond noise floor.
const idleThreshold = 100 * time.Microsecond

// flushInterval is the minimum elapsed wall time between summary lines.
const flushInterval = time.Second

// Recorder accumulates per-loop counters for one engine and emits a
// summary line through log whenever at least flushInterval has elapsed
// since the last flush.
type Recorder struct {
	Name          string
	PrintStats    bool
	PrintReadHist bool

	lastFlush    time.Time
	waitStarted  time.Time
	lastUserTick int64
	lastSysTick  int64

	bytes     uint64
	requests  uint64
	loops     uint64
	overflows uint64
	idle      time.Duration
	reads     []int
}

// New creates a Recorder for the named receiver, initializing its CPU
// and wall-clock baselines from the current process.
func New(name string, printStats, printReadHist bool) *Recorder {
	r := &Recorder{
		Name:          name,
		PrintStats:    printStats,
		PrintReadHist: printReadHist,
		lastFlush:     time.Now(),
	}
	r.lastUserTick, r.lastSysTick = processTicks()
	return r
}

// StartWait brackets the beginning of a blocking kernel call.
func (r *Recorder) StartWait() {
	r.waitStarted = time.Now()
}

// DoneWait brackets the end of a blocking kernel call, accumulating
// idle time when the bracketed interval is at least idleThreshold.
func (r *Recorder) DoneWait() {
	if r.waitStarted.IsZero() {
		return
	}
	d := time.Since(r.waitStarted)
	if d >= idleThreshold {
		r.idle += d
	}
	r.waitStarted = time.Time{}
}

// DoneLoop records the outcome of one receive-loop iteration: bytes and
// requests are cumulative totals this loop just advanced by, reads is
// the number of reads performed in this iteration, and overflow marks
// whether the iteration observed a completion-queue overflow.
func (r *Recorder) DoneLoop(bytesDelta, requestsDelta uint64, reads int, overflow bool) {
	r.bytes += bytesDelta
	r.requests += requestsDelta
	r.loops++
	if overflow {
		r.overflows++
	}
	if r.PrintReadHist {
		r.reads = append(r.reads, reads)
	}
}

// MaybeFlush emits a summary line via the supplied logger if at least
// flushInterval has elapsed since the last flush, then resets the
// per-interval counters. Returns true if it flushed.
func (r *Recorder) MaybeFlush(logf func(string, ...any)) bool {
	now := time.Now()
	wall := now.Sub(r.lastFlush)
	if wall < flushInterval {
		return false
	}

	userTick, sysTick := processTicks()
	userMs := (userTick - r.lastUserTick) * 1000 / clockTicksPerSec
	sysMs := (sysTick - r.lastSysTick) * 1000 / clockTicksPerSec
	wallMs := wall.Milliseconds()
	idleMs := r.idle.Milliseconds()

	secs := wall.Seconds()
	rps := float64(r.requests) / secs
	bps := float64(r.bytes) / secs

	if r.PrintStats {
		line := fmt.Sprintf(
			"%s: rps:%.2fk Bps:%.2fM idle=%dms user=%dms system=%dms wall=%dms loops=%d overflows=%d",
			r.Name, rps/1000, bps/1e6, idleMs, userMs, sysMs, wallMs, r.loops, r.overflows,
		)
		if r.PrintReadHist && len(r.reads) > 0 {
			p10, p50, p90, avg := readHistogram(r.reads)
			line += fmt.Sprintf(" read_per_loop: p10=%d p50=%d p90=%d avg=%.2f", p10, p50, p90, avg)
		}
		logf(line)
	}

	r.bytes = 0
	r.requests = 0
	r.loops = 0
	r.overflows = 0
	r.idle = 0
	r.reads = r.reads[:0]
	r.lastFlush = now
	r.lastUserTick = userTick
	r.lastSysTick = sysTick
	return true
}

func readHistogram(reads []int) (p10, p50, p90 int, avg float64) {
	sorted := make([]int, len(reads))
	copy(sorted, reads)
	sort.Ints(sorted)

	pick := func(pct float64) int {
		idx := int(pct * float64(len(sorted)-1))
		return sorted[idx]
	}
	p10 = pick(0.10)
	p50 = pick(0.50)
	p90 = pick(0.90)

	var sum int
	for _, v := range sorted {
		sum += v
	}
	avg = float64(sum) / float64(len(sorted))
	return
}

func processTicks() (userTicks, sysTicks int64) {
	var tms unix.Tms
	if _, err := unix.Times(&tms); err != nil {
		return 0, 0
	}
	return int64(tms.Utime), int64(tms.Stime)
}
