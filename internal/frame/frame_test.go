package frame

import (
	"encoding/binary"
	"testing"
)

func encodeFrame(length, replySize uint32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], length)
	binary.LittleEndian.PutUint32(buf[4:8], replySize)
	copy(buf[HeaderSize:], payload)
	return buf
}

// scenario 1 from spec.md §8
func TestConsumeSingleFrame(t *testing.T) {
	var p Parser
	data := encodeFrame(4, 1, []byte("ping"))
	res := p.Consume(data)
	if res.Completed != 1 || res.OwedReplyBytes != 1 {
		t.Fatalf("got %+v, want {owed:1 completed:1}", res)
	}
}

// scenario 2 from spec.md §8
func TestConsumeTwoFramesOneSegment(t *testing.T) {
	var p Parser
	data := append(encodeFrame(0, 1, nil), encodeFrame(3, 2, []byte("abc"))...)
	res := p.Consume(data)
	if res.Completed != 2 || res.OwedReplyBytes != 3 {
		t.Fatalf("got %+v, want {owed:3 completed:2}", res)
	}
}

// scenario 3 from spec.md §8
func TestConsumeByteAtATime(t *testing.T) {
	var p Parser
	data := encodeFrame(8, 1, []byte("12345678"))
	var total Result
	for i, b := range data {
		res := p.Consume([]byte{b})
		total.OwedReplyBytes += res.OwedReplyBytes
		total.Completed += res.Completed
		if i < len(data)-1 && res.Completed != 0 {
			t.Fatalf("byte %d: unexpected completion before frame finished", i)
		}
	}
	if total.Completed != 1 || total.OwedReplyBytes != 1 {
		t.Fatalf("got %+v, want {owed:1 completed:1}", total)
	}
}

func TestConsumeZeroLengthPayload(t *testing.T) {
	var p Parser
	res := p.Consume(encodeFrame(0, 5, nil))
	if res.Completed != 1 || res.OwedReplyBytes != 5 {
		t.Fatalf("got %+v, want {owed:5 completed:1}", res)
	}
}

// Framing round-trip invariant from spec.md §8: any chunking of the same
// byte stream yields identical aggregate results.
func TestConsumeChunkingInvariant(t *testing.T) {
	lengths := []uint32{0, 1, 3, 64, 7}
	replies := []uint32{1, 0, 2, 1, 9}
	var whole []byte
	wantOwed := int64(0)
	wantCount := 0
	for i, l := range lengths {
		payload := make([]byte, l)
		for j := range payload {
			payload[j] = byte(i + j)
		}
		whole = append(whole, encodeFrame(l, replies[i], payload)...)
		wantOwed += int64(replies[i])
		wantCount++
	}

	chunkSizes := []int{1, 2, 3, 7, 16, len(whole)}
	for _, chunk := range chunkSizes {
		var p Parser
		var got Result
		for off := 0; off < len(whole); off += chunk {
			end := off + chunk
			if end > len(whole) {
				end = len(whole)
			}
			r := p.Consume(whole[off:end])
			got.OwedReplyBytes += r.OwedReplyBytes
			got.Completed += r.Completed
		}
		if got.OwedReplyBytes != wantOwed || got.Completed != wantCount {
			t.Fatalf("chunk size %d: got %+v, want {owed:%d completed:%d}", chunk, got, wantOwed, wantCount)
		}
	}
}

// scenario 5 (scaled down): many frames across a fresh parser per
// connection must all be counted; the full 1024x10000 scale is a load
// test, not a unit test.
func TestConsumeBulkScaledDown(t *testing.T) {
	const conns = 8
	const framesPerConn = 500
	payload := make([]byte, 64)
	frameBytes := encodeFrame(64, 1, payload)

	var totalOwed int64
	var totalCompleted int
	for c := 0; c < conns; c++ {
		var p Parser
		var stream []byte
		for i := 0; i < framesPerConn; i++ {
			stream = append(stream, frameBytes...)
		}
		// feed in irregular chunks to exercise reassembly
		chunk := 37
		for off := 0; off < len(stream); off += chunk {
			end := off + chunk
			if end > len(stream) {
				end = len(stream)
			}
			r := p.Consume(stream[off:end])
			totalOwed += r.OwedReplyBytes
			totalCompleted += r.Completed
		}
	}
	wantCompleted := conns * framesPerConn
	if totalCompleted != wantCompleted || totalOwed != int64(wantCompleted) {
		t.Fatalf("got completed=%d owed=%d, want completed=%d owed=%d",
			totalCompleted, totalOwed, wantCompleted, wantCompleted)
	}
}
