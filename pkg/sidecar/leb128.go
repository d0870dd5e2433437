package sidecar

// putUvarint appends x to buf as unsigned LEB128 (the same variable-length
// encoding as encoding/binary.PutUvarint, spelled out here because the
// schema/record wire formats interleave it with raw big-endian fields in
// ways that don't fit binary.Write cleanly).
func putUvarint(buf []byte, x uint64) []byte {
	for x >= 0x80 {
		buf = append(buf, byte(x)|0x80)
		x >>= 7
	}
	return append(buf, byte(x))
}

// getUvarint decodes an unsigned LEB128 value from buf, returning the
// value, the number of bytes consumed, and whether decoding succeeded
// (false if buf was exhausted before a terminating byte was seen).
func getUvarint(buf []byte) (uint64, int, bool) {
	var x uint64
	var s uint
	for i, b := range buf {
		if b < 0x80 {
			if i > 9 || (i == 9 && b > 1) {
				return 0, 0, false // overflow
			}
			return x | uint64(b)<<s, i + 1, true
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, 0, false
}
