package ringengine

import "unsafe"

// recvmsgOut mirrors struct io_uring_recvmsg_out, the header the
// kernel prepends to a selected buffer when a RECVMSG completion used
// IOSQE_BUFFER_SELECT: name and control precede the payload, sized by
// namelen/controllen. TCP connections carry neither, so the payload
// starts right after this header.
type recvmsgOut struct {
	NameLen    uint32
	ControlLen uint32
	PayloadLen uint32
	Flags      uint32
}

// parseRecvmsgOut extracts the payload from a buffer-selected recvmsg
// completion, equivalent to io_uring_recvmsg_validate followed by
// io_uring_recvmsg_payload in netbench.cpp's didRead.
func parseRecvmsgOut(buf []byte) ([]byte, bool) {
	hdrLen := int(unsafe.Sizeof(recvmsgOut{}))
	if len(buf) < hdrLen {
		return nil, false
	}
	hdr := (*recvmsgOut)(unsafe.Pointer(&buf[0]))
	off := hdrLen + int(hdr.NameLen) + int(hdr.ControlLen)
	end := off + int(hdr.PayloadLen)
	if off < 0 || end < off || end > len(buf) {
		return nil, false
	}
	return buf[off:end], true
}
