// Package shutdown implements the process-wide and per-engine
// cooperative shutdown flags consulted by both receiver engines.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package shutdown

import "sync/atomic"

// global is flipped once by the signal handler installed in
// cmd/netbench and observed cooperatively by every engine.
var global atomic.Bool

// RequestGlobal flips the process-wide shutdown flag. Safe to call
// from a signal handler.
func RequestGlobal() {
	global.Store(true)
}

// GlobalRequested reports whether the process-wide flag is set.
func GlobalRequested() bool {
	return global.Load()
}

// ResetGlobalForTest clears the process-wide flag; it exists only so
// tests in other packages can run in isolation from each other.
func ResetGlobalForTest() {
	global.Store(false)
}

// Signal is a per-engine shutdown flag, independent of the global one,
// so a single receiver can be asked to stop without affecting others
// in the same process.
type Signal struct {
	flag atomic.Bool
}

// Request flips this engine's flag.
func (s *Signal) Request() {
	s.flag.Store(true)
}

// Requested reports whether either this engine's flag or the global
// flag has been set.
func (s *Signal) Requested() bool {
	return s.flag.Load() || GlobalRequested()
}
