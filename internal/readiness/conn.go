// Package readiness implements the epoll-driven receiver: accept,
// nonblocking recv until drained, deferred/batched send, and a
// write-interest arm/disarm policy under backpressure.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package readiness

import "github.com/momentics/netbench/internal/frame"

// Connection state machine: ReadOnly <-> ReadPlusWrite (write interest
// armed), terminal Closed.
type connState uint8

const (
	stateReadOnly connState = iota
	stateReadPlusWrite
	stateClosed
)

// conn is one accepted socket tracked by the readiness engine.
type conn struct {
	fd     int32
	parser frame.Parser

	owedReplyBytes int64
	writeArmed     bool
	state          connState
}
