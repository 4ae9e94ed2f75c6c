package kcp

import "encoding/binary"

// Command bytes identifying a segment's role on the wire.
const (
	cmdPush = 81 // data
	cmdAck  = 82 // acknowledgement
	cmdWask = 83 // window probe (ask)
	cmdWins = 84 // window size (tell)
)

// overhead is the fixed wire header size in bytes.
const overhead = 24

// segment is the on-wire and in-memory unit of the protocol. Internal-only
// fields (resendts, rto, fastack, xmit) never reach the wire; they track
// this segment's retransmission bookkeeping while it sits in snd_buf.
type segment struct {
	conv uint32
	cmd  uint8
	frg  uint8
	wnd  uint16
	ts   uint32
	sn   uint32
	una  uint32
	data []byte

	resendts uint32
	rto      uint32
	fastack  uint32
	xmit     uint32
}

// encodedLen is the wire length of this segment, header plus payload.
func (s *segment) encodedLen() int {
	return overhead + len(s.data)
}

// encode writes the segment's header and payload into dst, which must
// be at least s.encodedLen() bytes, and returns the unused remainder.
func (s *segment) encode(dst []byte) []byte {
	binary.LittleEndian.PutUint32(dst[0:4], s.conv)
	dst[4] = s.cmd
	dst[5] = s.frg
	binary.LittleEndian.PutUint16(dst[6:8], s.wnd)
	binary.LittleEndian.PutUint32(dst[8:12], s.ts)
	binary.LittleEndian.PutUint32(dst[12:16], s.sn)
	binary.LittleEndian.PutUint32(dst[16:20], s.una)
	binary.LittleEndian.PutUint32(dst[20:24], uint32(len(s.data)))
	n := copy(dst[24:], s.data)
	return dst[24+n:]
}

// decodeSegment reads one segment's header (and, if cmd is valid and
// len fits, its payload) from the front of buf. It returns the decoded
// header fields, the payload slice (aliasing buf), the remaining bytes
// of buf after this segment, and an error if the header is truncated,
// the declared length overruns the buffer, or cmd is unrecognized.
//
// Any of these conditions makes the *entire* remaining datagram
// untrustworthy: the caller should stop decoding, not skip just this
// segment, since a corrupt length field poisons everything after it.
func decodeSegment(buf []byte) (hdr segment, payload []byte, rest []byte, err error) {
	if len(buf) < overhead {
		return segment{}, nil, nil, &MalformedInputError{Reason: "truncated header"}
	}

	hdr.conv = binary.LittleEndian.Uint32(buf[0:4])
	hdr.cmd = buf[4]
	hdr.frg = buf[5]
	hdr.wnd = binary.LittleEndian.Uint16(buf[6:8])
	hdr.ts = binary.LittleEndian.Uint32(buf[8:12])
	hdr.sn = binary.LittleEndian.Uint32(buf[12:16])
	hdr.una = binary.LittleEndian.Uint32(buf[16:20])
	length := binary.LittleEndian.Uint32(buf[20:24])

	switch hdr.cmd {
	case cmdPush, cmdAck, cmdWask, cmdWins:
	default:
		return segment{}, nil, nil, &MalformedInputError{Reason: "unrecognized cmd"}
	}

	buf = buf[overhead:]
	if uint32(len(buf)) < length {
		return segment{}, nil, nil, &MalformedInputError{Reason: "payload length overruns datagram"}
	}

	return hdr, buf[:length], buf[length:], nil
}
