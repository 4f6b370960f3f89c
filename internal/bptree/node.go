// Package bptree implements the embedded B+tree that a
// record's body holds when its header carries FLAG_KEY_TREE. Leaf values
// are the same value_info+payload bytes a linear body entry would hold
// (internal/record.Entry's wire encoding), so the tree package only owns
// key ordering and node layout, delegating value semantics to record.
//
// Nodes are bit-packed (fixed header fields read via encoding/binary,
// small per-field accessors) and variable-length, serialized directly into
// the record body's own byte space and addressed by logical offset. The
// Node Reader/Writer materializes the full record body into one contiguous
// []byte before bptree ever sees it, so this package operates on plain
// body offsets and never touches the chunk table itself.
package bptree

import (
	"encoding/binary"
	"fmt"

	"hieradb/dberrors"
)

// TreeHeaderSize is the fixed 4-byte root-offset prefix at the start of a
// tree-bearing record body.
const TreeHeaderSize = 4

const (
	nodeInternal byte = 1
	nodeLeaf     byte = 2
)

// nodeHeaderSize is type(1) + nkeys(2) + next-leaf-offset(4).
const nodeHeaderSize = 7

// noNext marks a leaf's absence of a following sibling; offset 0 is never
// a valid node offset since the tree header occupies body[0:4].
const noNext = 0

// RootOffset reads the root node's offset from the 4-byte tree header.
func RootOffset(body []byte) (uint32, error) {
	if len(body) < TreeHeaderSize {
		return 0, dberrors.NewCorrupt("", fmt.Errorf("bptree: body too short for tree header"))
	}
	return binary.BigEndian.Uint32(body[0:4]), nil
}

func putRootOffset(body []byte, off uint32) {
	binary.BigEndian.PutUint32(body[0:4], off)
}

// node is a read view of one serialized node within body, starting at off.
type node struct {
	body []byte
	off  uint32
}

func readNode(body []byte, off uint32) (node, error) {
	if int(off)+nodeHeaderSize > len(body) {
		return node{}, dberrors.NewCorrupt("", fmt.Errorf("bptree: node header out of bounds at %d", off))
	}
	return node{body: body, off: off}, nil
}

func (n node) typ() byte      { return n.body[n.off] }
func (n node) isLeaf() bool   { return n.typ() == nodeLeaf }
func (n node) nkeys() int     { return int(binary.BigEndian.Uint16(n.body[n.off+1 : n.off+3])) }
func (n node) next() uint32   { return binary.BigEndian.Uint32(n.body[n.off+3 : n.off+7]) }
func (n node) dataStart() int { return int(n.off) + nodeHeaderSize }

// leafEntry returns the i-th leaf's raw key and value bytes.
func (n node) leafEntry(i int) (key, val []byte, err error) {
	pos := n.dataStart()
	for k := 0; k < i; k++ {
		kl, vl, adv, e := n.leafEntryLenAt(pos)
		if e != nil {
			return nil, nil, e
		}
		_ = kl
		_ = vl
		pos += adv
	}
	kl, vl, _, err := n.leafEntryLenAt(pos)
	if err != nil {
		return nil, nil, err
	}
	key = n.body[pos+4 : pos+4+kl]
	val = n.body[pos+4+kl : pos+4+kl+vl]
	return key, val, nil
}

func (n node) leafEntryLenAt(pos int) (keyLen, valLen, advance int, err error) {
	if pos+4 > len(n.body) {
		return 0, 0, 0, dberrors.NewCorrupt("", fmt.Errorf("bptree: leaf entry header out of bounds"))
	}
	keyLen = int(binary.BigEndian.Uint16(n.body[pos : pos+2]))
	valLen = int(binary.BigEndian.Uint16(n.body[pos+2 : pos+4]))
	if pos+4+keyLen+valLen > len(n.body) {
		return 0, 0, 0, dberrors.NewCorrupt("", fmt.Errorf("bptree: leaf entry payload out of bounds"))
	}
	return keyLen, valLen, 4 + keyLen + valLen, nil
}

// firstChild / internalEntry walk an internal node's (key, childOffset)
// pairs, preceded by the implicit first child.
func (n node) firstChild() uint32 {
	return binary.BigEndian.Uint32(n.body[n.dataStart() : n.dataStart()+4])
}

func (n node) internalEntry(i int) (key []byte, child uint32, err error) {
	pos := n.dataStart() + 4
	for k := 0; k < i; k++ {
		kl, adv, e := n.internalEntryLenAt(pos)
		if e != nil {
			return nil, 0, e
		}
		_ = kl
		pos += adv
	}
	kl, _, err := n.internalEntryLenAt(pos)
	if err != nil {
		return nil, 0, err
	}
	key = n.body[pos+2 : pos+2+kl]
	child = binary.BigEndian.Uint32(n.body[pos+2+kl : pos+2+kl+4])
	return key, child, nil
}

func (n node) internalEntryLenAt(pos int) (keyLen, advance int, err error) {
	if pos+2 > len(n.body) {
		return 0, 0, dberrors.NewCorrupt("", fmt.Errorf("bptree: internal entry header out of bounds"))
	}
	keyLen = int(binary.BigEndian.Uint16(n.body[pos : pos+2]))
	if pos+2+keyLen+4 > len(n.body) {
		return 0, 0, dberrors.NewCorrupt("", fmt.Errorf("bptree: internal entry payload out of bounds"))
	}
	return keyLen, 2 + keyLen + 4, nil
}

// childFor returns the child offset to follow for key within an internal
// node: child[0] for key < keys[0], child[i] for keys[i-1] <= key <
// keys[i], child[n] for key >= keys[n-1].
func (n node) childFor(key []byte) (uint32, error) {
	nk := n.nkeys()
	child := n.firstChild()
	for i := 0; i < nk; i++ {
		k, c, err := n.internalEntry(i)
		if err != nil {
			return 0, err
		}
		if string(key) < string(k) {
			break
		}
		child = c
	}
	return child, nil
}
