package record

// DecodeLinear decodes as many complete child entries as possible from the
// start of buf, stopping (without erroring) at the first entry that is
// truncated -- the Node Reader's chunk-tolerant streaming decoder
// carries the unconsumed tail into the next chunk.
// nextIndex is the array index to assign the first decoded entry when
// isArray; it advances by one per decoded entry.
func DecodeLinear(buf []byte, isArray bool, nextIndex int) (entries []Entry, consumed int, err error) {
	pos := 0
	idx := nextIndex
	for pos < len(buf) {
		e, n, needMore, derr := DecodeEntry(buf[pos:], isArray, idx)
		if derr != nil {
			return entries, pos, derr
		}
		if needMore {
			break
		}
		entries = append(entries, e)
		pos += n
		idx++
	}
	return entries, pos, nil
}

// EncodeLinear concatenates pre-encoded entries (each already produced by
// EncodeEntry) into one body buffer, the inverse of DecodeLinear.
func EncodeLinear(encoded [][]byte) []byte {
	total := 0
	for _, e := range encoded {
		total += len(e)
	}
	out := make([]byte, 0, total)
	for _, e := range encoded {
		out = append(out, e...)
	}
	return out
}
