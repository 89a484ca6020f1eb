package sharedhash

import "encoding/binary"

// Wire format mirrors communicator's: little-endian, self-describing
// length-prefixed strings, per spec.md §6's fixed byte order. A batch is
// (count:u32, (key_len:u32, key_bytes, value_len:u32, value_bytes)*count).

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

func encodeBatch(batch map[string]string) []byte {
	buf := make([]byte, 4, 4+16*len(batch))
	binary.LittleEndian.PutUint32(buf, uint32(len(batch)))
	for k, v := range batch {
		buf = appendString(buf, k)
		buf = appendString(buf, v)
	}
	return buf
}

func decodeBatch(payload []byte) (map[string]string, bool) {
	if len(payload) < 4 {
		return nil, false
	}
	n := binary.LittleEndian.Uint32(payload[:4])
	rest := payload[4:]
	batch := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		k, next, ok := consumeString(rest)
		if !ok {
			return nil, false
		}
		v, next2, ok := consumeString(next)
		if !ok {
			return nil, false
		}
		batch[k] = v
		rest = next2
	}
	return batch, true
}
