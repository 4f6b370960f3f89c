package bptree

// Find looks up key in the tree body, returning its value bytes (the
// caller-supplied value_info+payload blob) and ok=true on a hit, walking
// find(key).
func Find(body []byte, key []byte) (value []byte, ok bool, err error) {
	root, err := RootOffset(body)
	if err != nil {
		return nil, false, err
	}
	off := root
	for {
		n, err := readNode(body, off)
		if err != nil {
			return nil, false, err
		}
		if n.isLeaf() {
			nk := n.nkeys()
			for i := 0; i < nk; i++ {
				k, v, err := n.leafEntry(i)
				if err != nil {
					return nil, false, err
				}
				if string(k) == string(key) {
					return v, true, nil
				}
			}
			return nil, false, nil
		}
		child, err := n.childFor(key)
		if err != nil {
			return nil, false, err
		}
		off = child
	}
}

// Leaf is a cursor positioned at one entry of a leaf node, supporting
// forward iteration across sibling leaves.
type Leaf struct {
	body []byte
	off  uint32
	idx  int
}

// GetFirstLeaf descends to the tree's leftmost leaf and positions at its
// first entry. ok is false only for a genuinely empty tree.
func GetFirstLeaf(body []byte) (*Leaf, bool, error) {
	root, err := RootOffset(body)
	if err != nil {
		return nil, false, err
	}
	off := root
	for {
		n, err := readNode(body, off)
		if err != nil {
			return nil, false, err
		}
		if n.isLeaf() {
			if n.nkeys() == 0 {
				return nil, false, nil
			}
			return &Leaf{body: body, off: off, idx: 0}, true, nil
		}
		off = n.firstChild()
	}
}

// Key, Value return the current entry's key and value bytes.
func (l *Leaf) Key() ([]byte, error) {
	n, err := readNode(l.body, l.off)
	if err != nil {
		return nil, err
	}
	k, _, err := n.leafEntry(l.idx)
	return k, err
}

func (l *Leaf) Value() ([]byte, error) {
	n, err := readNode(l.body, l.off)
	if err != nil {
		return nil, err
	}
	_, v, err := n.leafEntry(l.idx)
	return v, err
}

// GetNext advances to the next leaf entry, crossing into the following
// sibling leaf when the current one is exhausted. ok is false once
// iteration is complete.
func (l *Leaf) GetNext() (*Leaf, bool, error) {
	n, err := readNode(l.body, l.off)
	if err != nil {
		return nil, false, err
	}
	if l.idx+1 < n.nkeys() {
		return &Leaf{body: l.body, off: l.off, idx: l.idx + 1}, true, nil
	}
	next := n.next()
	if next == noNext {
		return nil, false, nil
	}
	nn, err := readNode(l.body, next)
	if err != nil {
		return nil, false, err
	}
	if nn.nkeys() == 0 {
		return (&Leaf{body: l.body, off: next, idx: 0}).GetNext()
	}
	return &Leaf{body: l.body, off: next, idx: 0}, true, nil
}
