package reader

import (
	"strconv"

	"hieradb/internal/bptree"
	"hieradb/internal/model"
	"hieradb/internal/record"
)

// ChildCallback receives one decoded child; returning false stops the
// stream early.
type ChildCallback func(model.NodeInfo) bool

// GetChildStream enumerates info's children, dispatching to the embedded
// tree or the linear decoder depending on info.HasKeyIndex. keyFilter, if
// non-empty, restricts delivery to those keys (object) or array-index
// strings (array); nil/empty means "all children".
func (r *Reader) GetChildStream(parent model.Path, isArray bool, info RecordInfo, keyFilter []string, cb ChildCallback) error {
	if info.HasKeyIndex {
		return r.getChildStreamTree(parent, isArray, info, keyFilter, cb)
	}
	return r.getChildStreamLinear(parent, isArray, info, keyFilter, cb)
}

func (r *Reader) getChildStreamTree(parent model.Path, isArray bool, info RecordInfo, keyFilter []string, cb ChildCallback) error {
	body, err := r.ReadBody(info)
	if err != nil {
		return err
	}
	if len(keyFilter) > 0 {
		for _, k := range keyFilter {
			treeKey := []byte(k)
			if isArray {
				idx, err := strconv.Atoi(k)
				if err != nil {
					continue
				}
				treeKey = record.ArrayIndexKey(idx)
			}
			val, ok, err := bptree.Find(body, treeKey)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			ni, err := r.nodeInfoFromLeafValue(parent, isArray, k, val)
			if err != nil {
				return err
			}
			if !cb(ni) {
				return nil
			}
		}
		return nil
	}
	leaf, ok, err := bptree.GetFirstLeaf(body)
	if err != nil {
		return err
	}
	for ok {
		keyBytes, err := leaf.Key()
		if err != nil {
			return err
		}
		valBytes, err := leaf.Value()
		if err != nil {
			return err
		}
		key := logicalKeyFromTreeKey(isArray, keyBytes)
		ni, err := r.nodeInfoFromLeafValue(parent, isArray, key, valBytes)
		if err != nil {
			return err
		}
		if !cb(ni) {
			return nil
		}
		leaf, ok, err = leaf.GetNext()
		if err != nil {
			return err
		}
	}
	return nil
}

// logicalKeyFromTreeKey turns a tree key back into its logical form: array
// children are stored zero-padded (record.ArrayIndexKey) so the decimal
// value must be re-parsed and re-rendered without padding.
func logicalKeyFromTreeKey(isArray bool, keyBytes []byte) string {
	if !isArray {
		return string(keyBytes)
	}
	n, err := strconv.Atoi(string(keyBytes))
	if err != nil {
		return string(keyBytes)
	}
	return strconv.Itoa(n)
}

func (r *Reader) nodeInfoFromLeafValue(parent model.Path, isArray bool, key string, valBytes []byte) (model.NodeInfo, error) {
	info, inline, addr, err := record.DecodeValueEntry(valBytes)
	if err != nil {
		return model.NodeInfo{}, err
	}
	return r.buildNodeInfo(parent, isArray, key, info, inline, addr)
}

func (r *Reader) getChildStreamLinear(parent model.Path, isArray bool, info RecordInfo, keyFilter []string, cb ChildCallback) error {
	filter := make(map[string]bool, len(keyFilter))
	for _, k := range keyFilter {
		filter[k] = true
	}
	var pending []byte
	nextIndex := 0
	stop := false
	var decodeErr error
	err := r.GetDataStream(info, func(data []byte, isFirst, isLast bool) bool {
		buf := append(pending, data...)
		entries, consumed, derr := record.DecodeLinear(buf, isArray, nextIndex)
		if derr != nil {
			decodeErr = derr
			stop = true
			return false
		}
		for _, e := range entries {
			key := e.Key.Key
			if isArray {
				key = strconv.Itoa(e.Index)
			} else if !e.Key.Inline {
				if k, ok := r.kit.Lookup(e.Key.KITIndex); ok {
					key = k
				}
			}
			nextIndex++
			if len(filter) > 0 && !filter[key] {
				continue
			}
			if e.Info.Location == record.LocDeleted {
				continue
			}
			ni, nerr := r.buildNodeInfo(parent, isArray, key, e.Info, e.Inline, e.Address)
			if nerr != nil {
				decodeErr = nerr
				stop = true
				return false
			}
			if !cb(ni) {
				stop = true
				return false
			}
		}
		pending = append([]byte(nil), buf[consumed:]...)
		return true
	})
	if decodeErr != nil {
		return decodeErr
	}
	if stop {
		return nil
	}
	return err
}

// buildNodeInfo resolves a decoded value_info/payload into the external
// NodeInfo shape, leaving composite external children unresolved (address
// only) -- the caller decides whether to recurse (getValue does,
// getChildren as a flat listing does not).
func (r *Reader) buildNodeInfo(parent model.Path, isArray bool, key string, info record.ValueInfo, inline []byte, addr model.RecordAddress) (model.NodeInfo, error) {
	ni := model.NodeInfo{
		Path:    parent.Child(key),
		Exists:  true,
		Key:     key,
		IsArray: isArray,
		Type:    info.Type,
	}
	if isArray {
		if n, err := strconv.Atoi(key); err == nil {
			ni.Index = n
		}
	}
	switch info.Location {
	case record.LocTiny:
		v := record.DecodeTinyValue(info.Type, info.Tiny)
		ni.Value = &v
	case record.LocInline:
		v, err := record.DecodeInlinePayload(info.Type, inline)
		if err != nil {
			return model.NodeInfo{}, err
		}
		ni.Value = &v
	case record.LocRecord:
		a := addr
		ni.Address = &a
	}
	return ni, nil
}
