package writer

import (
	"fmt"
	"strconv"

	"hieradb/dberrors"
	"hieradb/internal/bptree"
	"hieradb/internal/model"
	"hieradb/internal/record"
	"hieradb/internal/reader"
)

// childSlot is one pending change to a parent's child entry during a merge
// or rewrite. Exactly one of Remove / Value / Ref is meaningful: Remove
// drops the key, Value stores a fresh value, Ref swaps in the address of a
// child record that has already moved.
type childSlot struct {
	Key    string
	Remove bool
	Value  *model.Value
	Ref    *model.InternalNodeReference
}

// slotsFromPatch converts a merge patch's children into slots, turning
// tombstone-typed children into removals.
func slotsFromPatch(patch *model.Value) []childSlot {
	slots := make([]childSlot, 0, len(patch.Children))
	for i := range patch.Children {
		c := &patch.Children[i]
		if c.Value.Type == model.ValueTombstone {
			slots = append(slots, childSlot{Key: c.Key, Remove: true})
			continue
		}
		v := c.Value
		slots = append(slots, childSlot{Key: c.Key, Value: &v})
	}
	return slots
}

// encodedChild is a slot's wire form: its value_info fields plus payload
// bytes (inline payload or the 6-byte external address).
type encodedChild struct {
	Type    model.ValueType
	Loc     record.ValueLocation
	Tiny    byte
	Payload []byte
}

// valueEntryBytes renders the child's value_info+payload, the form both a
// linear entry's tail and an embedded tree leaf value use.
func (e encodedChild) valueEntryBytes() ([]byte, error) {
	return record.EncodeValueEntry(e.Type, e.Loc, e.Tiny, e.Payload)
}

// encodeSlotValue resolves one slot to its wire form, materializing a new
// child record (recursively) when the value can be stored neither tiny nor
// inline. childPath is the slot's own path under the parent being written.
func (w *Writer) encodeSlotValue(tid string, childPath model.Path, slot childSlot) (encodedChild, error) {
	if slot.Ref != nil {
		return encodedChild{
			Type:    slot.Ref.Type,
			Loc:     record.LocRecord,
			Payload: record.EncodeRecordAddress(slot.Ref.Address),
		}, nil
	}
	v := *slot.Value
	if v.Type == model.ValueTombstone {
		return encodedChild{}, dberrors.NewUnsupportedValue(string(childPath), fmt.Errorf("writer: tombstone is not a storable value"))
	}
	if tiny, ok := record.TinyValue(v); ok {
		return encodedChild{Type: v.Type, Loc: record.LocTiny, Tiny: tiny}, nil
	}
	if !v.Type.IsComposite() && valueFitsInline(v, w.maxInlineValueSize) {
		payload, err := record.InlinePayload(v)
		if err != nil {
			return encodedChild{}, err
		}
		if len(payload) >= 1 && len(payload) <= 64 {
			return encodedChild{Type: v.Type, Loc: record.LocInline, Payload: payload}, nil
		}
	}
	res, err := w.writeValue(tid, childPath, &v, nil)
	if err != nil {
		return encodedChild{}, err
	}
	return encodedChild{
		Type:    v.Type,
		Loc:     record.LocRecord,
		Payload: record.EncodeRecordAddress(res.address),
	}, nil
}

// writeValue materializes v as path's own record, recursively creating
// records for any children that don't fit in this record's body. current,
// when non-nil, is path's existing record so _write can reuse its
// allocation if the size still matches.
func (w *Writer) writeValue(tid string, path model.Path, v *model.Value, current *reader.RecordInfo) (writeResult, error) {
	if !v.Type.IsComposite() {
		body, err := record.InlinePayload(*v)
		if err != nil {
			return writeResult{}, err
		}
		addr, freed, err := w._write(path, v.Type, body, false, current)
		if err != nil {
			return writeResult{}, err
		}
		return writeResult{address: addr, valueType: v.Type, freed: freed}, nil
	}

	isArray := v.Type == model.ValueArray
	slots := make([]childSlot, 0, len(v.Children))
	for i := range v.Children {
		c := &v.Children[i]
		key := c.Key
		if isArray {
			key = strconv.Itoa(i)
		}
		if c.Value.Type == model.ValueTombstone {
			continue
		}
		val := c.Value
		slots = append(slots, childSlot{Key: key, Value: &val})
	}

	body, hasKeyTree, err := w.buildBody(tid, path, isArray, slots)
	if err != nil {
		return writeResult{}, err
	}
	addr, freed, err := w._write(path, v.Type, body, hasKeyTree, current)
	if err != nil {
		return writeResult{}, err
	}
	return writeResult{address: addr, valueType: v.Type, freed: freed}, nil
}

// buildBody serializes an ordered child set into a record body, choosing
// the embedded-tree layout when the child count exceeds the promotion
// threshold and the linear layout otherwise.
func (w *Writer) buildBody(tid string, path model.Path, isArray bool, slots []childSlot) (body []byte, hasKeyTree bool, err error) {
	encoded := make([]encodedChild, len(slots))
	for i, s := range slots {
		ec, err := w.encodeSlotValue(tid, path.Child(s.Key), s)
		if err != nil {
			return nil, false, err
		}
		encoded[i] = ec
	}

	if len(slots) > PromotionThreshold {
		entries := make([]bptree.LeafKV, len(slots))
		keys := make([][]byte, len(slots))
		for i, s := range slots {
			key := treeKeyFor(isArray, s.Key)
			val, err := encoded[i].valueEntryBytes()
			if err != nil {
				return nil, false, err
			}
			entries[i] = bptree.LeafKV{Key: key, Value: val}
			keys[i] = []byte(s.Key)
		}
		return bptree.Build(entries, bptree.FillFactor(keys)), true, nil
	}

	parts := make([][]byte, 0, len(slots))
	for i, s := range slots {
		var keyBytes []byte
		if !isArray {
			keyBytes, err = w.encodeKey(s.Key)
			if err != nil {
				return nil, false, err
			}
		}
		e, err := record.EncodeEntry(keyBytes, encoded[i].Type, encoded[i].Loc, encoded[i].Tiny, encoded[i].Payload)
		if err != nil {
			return nil, false, err
		}
		parts = append(parts, e)
	}
	return record.EncodeLinear(parts), false, nil
}

// encodeKey renders an object key's key-info bytes, interning through the
// KIT first and falling back to inline key bytes when the KIT declines.
func (w *Writer) encodeKey(key string) ([]byte, error) {
	return record.EncodeKeyInfo(key, w.kit.GetOrAdd(key))
}

// treeKeyFor renders a child key as an embedded-tree search key: array
// indices zero-padded so lexicographic order matches numeric order.
func treeKeyFor(isArray bool, key string) []byte {
	if isArray {
		if n, err := strconv.Atoi(key); err == nil {
			return record.ArrayIndexKey(n)
		}
	}
	return []byte(key)
}
