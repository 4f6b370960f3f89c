package bptree

import (
	"encoding/binary"
	"sort"
	"strconv"
)

// PageSize tunes how many bytes of key/value data a rebuilt node targets
// before being split into a sibling. A soft packing target for
// variable-length nodes, not a fixed slab.
const PageSize = 4096

// LeafKV is one (key, value-wire-bytes) pair fed to Build. value is
// whatever the caller's record.Entry value_info+payload encoding produced.
type LeafKV struct {
	Key   []byte
	Value []byte
}

// childRef is one (firstKey, offset) summary of a just-built node, used to
// assemble the next level up.
type childRef struct {
	firstKey []byte
	offset   uint32
}

// FillFactor picks the packing density Build targets:
// 50% when every key looks numeric (append-friendly workloads like array
// pushes benefit from slack to absorb further appends near the tail),
// 95% otherwise.
func FillFactor(keys [][]byte) float64 {
	if allNumericLooking(keys) {
		return 0.5
	}
	return 0.95
}

func allNumericLooking(keys [][]byte) bool {
	if len(keys) == 0 {
		return false
	}
	for _, k := range keys {
		if _, err := strconv.ParseInt(string(k), 10, 64); err != nil {
			return false
		}
	}
	return true
}

// Build constructs a fresh tree body (tree header + node blob) from a
// caller-sorted ascending set of entries, bulk-loading bottom-up to
// exactly match fillFactor's packing target. The rebuild path is always a
// from-scratch regeneration, so a bulk bottom-up build produces the same
// logical tree as incremental insert/split with none of the split edge
// cases.
func Build(entries []LeafKV, fillFactor float64) []byte {
	sort.Slice(entries, func(i, j int) bool { return string(entries[i].Key) < string(entries[j].Key) })

	target := int(float64(PageSize) * fillFactor)
	if target < nodeHeaderSize+32 {
		target = nodeHeaderSize + 32
	}

	body := make([]byte, TreeHeaderSize)

	leaves := buildLeaves(&body, entries, target)
	for idx := 0; idx+1 < len(leaves); idx++ {
		patchNext(body, leaves[idx].offset, leaves[idx+1].offset)
	}

	level := leaves
	for len(level) > 1 {
		level = buildInternalLevel(&body, level, target)
	}

	root := level[0].offset
	putRootOffset(body, root)
	return body
}

func buildLeaves(body *[]byte, entries []LeafKV, target int) []childRef {
	if len(entries) == 0 {
		off := uint32(len(*body))
		*body = append(*body, serializeLeaf(nil, noNext)...)
		return []childRef{{offset: off}}
	}
	var leaves []childRef
	i := 0
	for i < len(entries) {
		start := i
		size := nodeHeaderSize
		for i < len(entries) {
			entrySize := 4 + len(entries[i].Key) + len(entries[i].Value)
			if i > start && size+entrySize > target {
				break
			}
			size += entrySize
			i++
		}
		off := uint32(len(*body))
		*body = append(*body, serializeLeaf(entries[start:i], noNext)...)
		leaves = append(leaves, childRef{firstKey: entries[start].Key, offset: off})
	}
	return leaves
}

func buildInternalLevel(body *[]byte, level []childRef, target int) []childRef {
	var upper []childRef
	i := 0
	for i < len(level) {
		start := i
		size := nodeHeaderSize + 4 // header + firstChild
		i++
		for i < len(level) {
			entrySize := 2 + len(level[i].firstKey) + 4
			if size+entrySize > target {
				break
			}
			size += entrySize
			i++
		}
		group := level[start:i]
		off := uint32(len(*body))
		*body = append(*body, serializeInternal(group)...)
		upper = append(upper, childRef{firstKey: group[0].firstKey, offset: off})
	}
	return upper
}

func serializeLeaf(entries []LeafKV, next uint32) []byte {
	size := nodeHeaderSize
	for _, e := range entries {
		size += 4 + len(e.Key) + len(e.Value)
	}
	buf := make([]byte, size)
	buf[0] = nodeLeaf
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(entries)))
	binary.BigEndian.PutUint32(buf[3:7], next)
	pos := nodeHeaderSize
	for _, e := range entries {
		binary.BigEndian.PutUint16(buf[pos:pos+2], uint16(len(e.Key)))
		binary.BigEndian.PutUint16(buf[pos+2:pos+4], uint16(len(e.Value)))
		copy(buf[pos+4:], e.Key)
		copy(buf[pos+4+len(e.Key):], e.Value)
		pos += 4 + len(e.Key) + len(e.Value)
	}
	return buf
}

func serializeInternal(group []childRef) []byte {
	nkeys := len(group) - 1
	size := nodeHeaderSize + 4
	for _, g := range group[1:] {
		size += 2 + len(g.firstKey) + 4
	}
	buf := make([]byte, size)
	buf[0] = nodeInternal
	binary.BigEndian.PutUint16(buf[1:3], uint16(nkeys))
	binary.BigEndian.PutUint32(buf[3:7], 0)
	binary.BigEndian.PutUint32(buf[7:11], group[0].offset)
	pos := 11
	for _, g := range group[1:] {
		binary.BigEndian.PutUint16(buf[pos:pos+2], uint16(len(g.firstKey)))
		copy(buf[pos+2:], g.firstKey)
		binary.BigEndian.PutUint32(buf[pos+2+len(g.firstKey):], g.offset)
		pos += 2 + len(g.firstKey) + 4
	}
	return buf
}

// patchNext rewrites a leaf's next-sibling offset field in place.
func patchNext(body []byte, leafOff, next uint32) {
	binary.BigEndian.PutUint32(body[leafOff+3:leafOff+7], next)
}
