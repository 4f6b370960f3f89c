// Package record implements the binary Record Codec: the
// record header (value type, chunk table, last-chunk length) and child
// entry encoding (key-info + value-info with tiny/inline/external
// variants).
//
// Decoding is truncation-tolerant: instead of
// throwing when a chunk boundary splits an entry mid-read, decode
// functions return a needMore=true result so the caller (the Node Reader)
// can append the next chunk and retry -- an explicit DecodeResult variant,
// not an exception used for hot-path control flow.
package record

import (
	"encoding/binary"

	"hieradb/dberrors"
	"hieradb/internal/model"
)

// Header flag bits, occupying the top nibble of byte 0.
const (
	FlagKeyTree   byte = 0x40
	FlagReadLock  byte = 0x20
	FlagWriteLock byte = 0x10
)

// ChunkEntry is one parsed chunk-table entry beyond the implicit first
// range.
type ChunkEntry struct {
	Page   uint32
	Record uint16
	Length uint16
}

// Header is the parsed record header.
type Header struct {
	HasKeyTree    bool
	ValueType     model.ValueType
	FirstRangeLen int // total length of the first (implicit) range, >= 1
	ExtraRanges   []ChunkEntry
	LastChunkSize int
	HeaderLength  int // total header bytes consumed, i.e. where the body starts
}

// EncodeHeader serializes a header for an allocation whose first range has
// firstRangeLen records and whose subsequent ranges are extra (in order),
// with the allocation's final record holding lastChunkSize live bytes.
func EncodeHeader(hasKeyTree bool, vt model.ValueType, firstRangeLen int, extra []ChunkEntry, lastChunkSize int) []byte {
	flags := byte(0)
	if hasKeyTree {
		flags |= FlagKeyTree
	}
	buf := make([]byte, 0, 4+3+9*len(extra))
	buf = append(buf, flags|byte(vt&0x0F))

	if firstRangeLen > 1 {
		b := make([]byte, 3)
		b[0] = 1
		binary.BigEndian.PutUint16(b[1:3], uint16(firstRangeLen-1))
		buf = append(buf, b...)
	}
	for _, e := range extra {
		b := make([]byte, 9)
		b[0] = 2
		binary.BigEndian.PutUint32(b[1:5], e.Page)
		binary.BigEndian.PutUint16(b[5:7], e.Record)
		binary.BigEndian.PutUint16(b[7:9], e.Length)
		buf = append(buf, b...)
	}
	term := make([]byte, 3)
	term[0] = 0
	binary.BigEndian.PutUint16(term[1:3], uint16(lastChunkSize))
	buf = append(buf, term...)
	return buf
}

// MaxHeaderLength bounds the header's worst-case size for a given extra
// range count, used by _write's required-records estimate: the header
// grows by 3 bytes for the first-range length entry and 9 bytes per
// additional range.
func MaxHeaderLength(extraRanges int) int {
	return 1 + 3 + 3 + 9*extraRanges
}

// DecodeHeader attempts to parse a header from buf. If the chunk table
// hasn't terminated within buf, needMore is true and the caller must
// append more bytes (the next record of the allocation's first range) and
// retry from the start of buf.
func DecodeHeader(buf []byte) (h Header, needMore bool, err error) {
	if len(buf) < 1 {
		return Header{}, true, nil
	}
	b0 := buf[0]
	h.HasKeyTree = b0&FlagKeyTree != 0
	h.ValueType = model.ValueType(b0 & 0x0F)
	h.FirstRangeLen = 1

	pos := 1
	for {
		if pos >= len(buf) {
			return Header{}, true, nil
		}
		etype := buf[pos]
		switch etype {
		case 0: // terminator
			if pos+3 > len(buf) {
				return Header{}, true, nil
			}
			h.LastChunkSize = int(binary.BigEndian.Uint16(buf[pos+1 : pos+3]))
			h.HeaderLength = pos + 3
			return h, false, nil
		case 1: // additional first-range length
			if pos+3 > len(buf) {
				return Header{}, true, nil
			}
			h.FirstRangeLen = 1 + int(binary.BigEndian.Uint16(buf[pos+1:pos+3]))
			pos += 3
		case 2: // explicit extra range
			if pos+9 > len(buf) {
				return Header{}, true, nil
			}
			e := ChunkEntry{
				Page:   binary.BigEndian.Uint32(buf[pos+1 : pos+5]),
				Record: binary.BigEndian.Uint16(buf[pos+5 : pos+7]),
				Length: binary.BigEndian.Uint16(buf[pos+7 : pos+9]),
			}
			h.ExtraRanges = append(h.ExtraRanges, e)
			pos += 9
		case 3:
			// reserved contiguous-pages marker: never produced by this
			// writer, rejected on read.
			return Header{}, false, dberrors.NewCorrupt("", errUnknownChunkEntry(etype))
		default:
			return Header{}, false, dberrors.NewCorrupt("", errUnknownChunkEntry(etype))
		}
	}
}

type errUnknownChunkEntry byte

func (e errUnknownChunkEntry) Error() string {
	return "record: unknown chunk table entry type"
}
