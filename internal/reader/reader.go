// Package reader implements the Node Reader: header parsing,
// chunked body streaming, child enumeration over either the linear layout
// or the embedded B+tree, and recursive value resolution with
// include/exclude/child_objects filtering. Body streaming walks the
// record's chunk table range by range rather than assuming fixed-size
// pages.
package reader

import (
	"fmt"

	"hieradb/dberrors"
	"hieradb/internal/keyindex"
	"hieradb/internal/lockmanager"
	"hieradb/internal/model"
	"hieradb/internal/pagefile"
	"hieradb/internal/record"
)

// chunkMaxRecords bounds how many records a single disk read batches
// together while streaming a record's body.
const chunkMaxRecords = 200

// RecordInfo materializes a parsed record header plus its allocation.
type RecordInfo struct {
	Address        model.RecordAddress
	ValueType      model.ValueType
	HasKeyIndex    bool
	HeaderLength   int
	LastChunkSize  int
	BytesPerRecord int
	Allocation     model.NodeAllocation
}

// TotalByteLength is the node's full body length.
func (ri RecordInfo) TotalByteLength() int {
	return ri.Allocation.TotalByteLength(ri.BytesPerRecord, ri.LastChunkSize) - ri.HeaderLength
}

// Reader reads nodes from the paged file. One instance per open database.
type Reader struct {
	file *pagefile.File
	kit  *keyindex.Table
	locks *lockmanager.Manager
}

// New creates a Reader over file, resolving KIT indices via kit and
// acquiring per-child read locks through locks during recursive GetValue.
func New(file *pagefile.File, kit *keyindex.Table, locks *lockmanager.Manager) *Reader {
	return &Reader{file: file, kit: kit, locks: locks}
}

// ReadHeader parses the record header at addr, growing its read window one
// record at a time until the chunk table terminates within the buffer:
// a chunk table that overflows the first record continues into the
// subsequent records of the first range.
func (r *Reader) ReadHeader(addr model.RecordAddress) (RecordInfo, error) {
	recordSize := r.file.RecordSize()
	for n := 1; ; n++ {
		buf := make([]byte, n*recordSize)
		r.file.ReadData(addr.Page, addr.Record, 0, buf, len(buf))
		h, needMore, err := record.DecodeHeader(buf)
		if err != nil {
			return RecordInfo{}, err
		}
		if needMore {
			if n >= 65536 {
				return RecordInfo{}, dberrors.NewCorrupt(addrString(addr), fmt.Errorf("reader: header never terminated"))
			}
			continue
		}
		ranges := make([]model.StorageRange, 0, 1+len(h.ExtraRanges))
		ranges = append(ranges, model.StorageRange{Page: addr.Page, Start: addr.Record, Length: uint16(h.FirstRangeLen)})
		for _, e := range h.ExtraRanges {
			ranges = append(ranges, model.StorageRange{Page: e.Page, Start: e.Record, Length: e.Length})
		}
		return RecordInfo{
			Address:        addr,
			ValueType:      h.ValueType,
			HasKeyIndex:    h.HasKeyTree,
			HeaderLength:   h.HeaderLength,
			LastChunkSize:  h.LastChunkSize,
			BytesPerRecord: recordSize,
			Allocation:     model.NodeAllocation{Ranges: ranges},
		}, nil
	}
}

func addrString(a model.RecordAddress) string {
	return fmt.Sprintf("page=%d record=%d", a.Page, a.Record)
}

// GetDataStream splits info's allocation into up-to-200-record chunks and
// invokes onChunk for each in order, stripping the header from the first
// chunk. onChunk returns false to stop early; GetDataStream then returns
// immediately.
func (r *Reader) GetDataStream(info RecordInfo, onChunk func(data []byte, isFirst, isLast bool) bool) error {
	total := info.Allocation.TotalRecords()
	seen := 0
	for _, rng := range info.Allocation.Ranges {
		start := rng.Start
		remaining := int(rng.Length)
		for remaining > 0 {
			segLen := remaining
			if segLen > chunkMaxRecords {
				segLen = chunkMaxRecords
			}
			isLast := seen+segLen == total
			byteLen := segLen * info.BytesPerRecord
			if isLast {
				byteLen = (segLen-1)*info.BytesPerRecord + info.LastChunkSize
			}
			buf := make([]byte, byteLen)
			r.file.ReadData(rng.Page, start, 0, buf, byteLen)
			isFirst := seen == 0
			data := buf
			if isFirst {
				if info.HeaderLength > len(data) {
					return dberrors.NewCorrupt(addrString(info.Address), fmt.Errorf("reader: header longer than first chunk"))
				}
				data = data[info.HeaderLength:]
			}
			if !onChunk(data, isFirst, isLast) {
				return nil
			}
			start += uint16(segLen)
			remaining -= segLen
			seen += segLen
		}
	}
	return nil
}

// ReadBody materializes a node's entire body (header-stripped) into one
// contiguous buffer, needed whenever the embedded B+tree must be parsed
// or a primitive's
// payload spans more than one chunk.
func (r *Reader) ReadBody(info RecordInfo) ([]byte, error) {
	body := make([]byte, 0, info.TotalByteLength())
	err := r.GetDataStream(info, func(data []byte, isFirst, isLast bool) bool {
		body = append(body, data...)
		return true
	})
	return body, err
}
