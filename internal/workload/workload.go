// Package workload implements the per-request CPU burn hook invoked by
// both receiver engines after a batch of frames completes.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package workload

// Hook is invoked once per Consume result with the number of frames
// that just completed and the configured per-frame workload unit count.
// It is purely observational: callers must not treat it as part of the
// wire protocol and it must never block.
type Hook func(completedFrames int, units int)

// Burn is the default Hook: a deterministic spin scaled by
// completedFrames*units. units == 0 is a no-op, matching the source's
// runWorkload behavior of skipping entirely when no workload is
// configured.
func Burn(completedFrames int, units int) {
	if units == 0 || completedFrames <= 0 {
		return
	}
	iterations := completedFrames * units
	var acc uint64
	for i := 0; i < iterations; i++ {
		acc = acc*2862933555777941757 + 3037000493
	}
	sink = acc
}

// sink absorbs the burn result so the compiler cannot prove Burn has no
// observable effect and eliminate the loop.
var sink uint64
