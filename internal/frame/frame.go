// Package frame implements the wire framing protocol shared by both
// receiver engines: an 8-byte little-endian header (length, reply_size)
// followed by length payload bytes.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package frame

import "encoding/binary"

// HeaderSize is the fixed size of a frame header: two little-endian
// uint32 words, length and reply_size.
const HeaderSize = 8

// Result accumulates the outcome of one Consume call: the number of
// reply bytes now owed to the peer, and the number of frames completed
// during the call.
type Result struct {
	OwedReplyBytes int64
	Completed      int
}

// Parser holds the reassembly state for one connection's byte stream.
// Zero value is ready to use. A Parser must not be shared across
// connections; reset it (or allocate a new one) when a connection
// closes.
type Parser struct {
	headerBuf    [HeaderSize]byte
	headerHave   int
	length       uint32
	replySize    uint32
	headerDone   bool
	bytesInFrame int64
}

// Reset returns the parser to its initial state, as if newly
// constructed. Safe to call between connections to reuse the struct.
func (p *Parser) Reset() {
	p.headerHave = 0
	p.length = 0
	p.replySize = 0
	p.headerDone = false
	p.bytesInFrame = 0
}

// Consume feeds data into the parser and returns how many reply bytes
// are now owed and how many frames completed. Multiple frames present
// in data are all emitted within this single call.
func (p *Parser) Consume(data []byte) Result {
	var res Result
	// a decoded header whose frame is already complete (zero-length
	// payload) is emitted even when no bytes follow it.
	for len(data) > 0 || (p.headerDone && p.bytesInFrame >= int64(p.length)+HeaderSize) {
		if !p.headerDone {
			if p.headerHave == 0 && len(data) >= HeaderSize {
				p.length = binary.LittleEndian.Uint32(data[0:4])
				p.replySize = binary.LittleEndian.Uint32(data[4:8])
				p.headerDone = true
				p.bytesInFrame = HeaderSize
				data = data[HeaderSize:]
				continue
			}
			n := copy(p.headerBuf[p.headerHave:], data)
			p.headerHave += n
			data = data[n:]
			if p.headerHave < HeaderSize {
				break
			}
			p.length = binary.LittleEndian.Uint32(p.headerBuf[0:4])
			p.replySize = binary.LittleEndian.Uint32(p.headerBuf[4:8])
			p.headerDone = true
			p.bytesInFrame = HeaderSize
			continue
		}

		remaining := int64(p.length) + HeaderSize - p.bytesInFrame
		take := int64(len(data))
		if take > remaining {
			take = remaining
		}
		p.bytesInFrame += take
		data = data[take:]

		if p.bytesInFrame >= int64(p.length)+HeaderSize {
			res.OwedReplyBytes += int64(p.replySize)
			res.Completed++
			p.headerHave = 0
			p.headerDone = false
			p.length = 0
			p.replySize = 0
			p.bytesInFrame = 0
		}
	}
	return res
}
