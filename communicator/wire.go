// Package communicator implements the point-to-point request/response
// exchange over pub/sub described in spec.md §4.12 (C12), plus its
// server-side counterpart, CommunicatorListener (spec.md §4.12's
// "Companion"). Grounded on original_source/include/qclient/shared/
// Communicator.hh and CommunicatorListener.hh.
package communicator

import "encoding/binary"

// Wire format is little-endian and self-describing, per spec.md §6:
// requests are (uuid_len:u32, uuid_bytes, contents_len:u32, contents_bytes);
// replies are (uuid_len:u32, uuid_bytes, status:i32, contents_len:u32,
// contents_bytes). This generalizes original_source/include/qclient/
// shared/BinarySerializer.hh's length-prefixed layout, fixing the
// byte order and integer width spec.md §6 spells out explicitly (the
// original uses big-endian int64 lengths; little-endian u32 is what
// spec.md's own wire description requires, so it takes precedence).

func appendString(buf []byte, s string) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s...)
	return buf
}

func consumeString(buf []byte) (s string, rest []byte, ok bool) {
	if len(buf) < 4 {
		return "", nil, false
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n) {
		return "", nil, false
	}
	return string(buf[:n]), buf[n:], true
}

func encodeRequest(id, contents string) []byte {
	buf := appendString(make([]byte, 0, 8+len(id)+len(contents)), id)
	return appendString(buf, contents)
}

func decodeRequest(payload []byte) (id, contents string, ok bool) {
	id, rest, ok := consumeString(payload)
	if !ok {
		return "", "", false
	}
	contents, rest, ok = consumeString(rest)
	if !ok || len(rest) != 0 {
		return "", "", false
	}
	return id, contents, true
}

func encodeReply(id string, status int32, contents string) []byte {
	buf := appendString(make([]byte, 0, 12+len(id)+len(contents)), id)
	var statusBuf [4]byte
	binary.LittleEndian.PutUint32(statusBuf[:], uint32(status))
	buf = append(buf, statusBuf[:]...)
	return appendString(buf, contents)
}

func decodeReply(payload []byte) (id string, status int32, contents string, ok bool) {
	id, rest, ok := consumeString(payload)
	if !ok || len(rest) < 4 {
		return "", 0, "", false
	}
	status = int32(binary.LittleEndian.Uint32(rest[:4]))
	rest = rest[4:]
	contents, rest, ok = consumeString(rest)
	if !ok || len(rest) != 0 {
		return "", 0, "", false
	}
	return id, status, contents, true
}
