package writer

import (
	"fmt"
	"sort"
	"strconv"

	"hieradb/dberrors"
	"hieradb/internal/bptree"
	"hieradb/internal/lockmanager"
	"hieradb/internal/model"
	"hieradb/internal/reader"
	"hieradb/internal/record"
)

// mergePath applies a composite patch to an existing record:
// affected children are read (key-filtered), their old
// external allocations scheduled for deallocation, and the record either
// mutated in place (embedded tree, same-size updates) or rewritten with
// unaffected external children preserved as InternalNodeReference
// placeholders.
func (w *Writer) mergePath(tid string, path model.Path, info reader.RecordInfo, patch *model.Value) (writeResult, error) {
	return w.mergeSlots(tid, path, info, slotsFromPatch(patch))
}

// mergeSlots is mergePath's core, also entered directly by the parent-patch
// recursion (propagateReference) whose changes are address swaps rather than
// value patches.
func (w *Writer) mergeSlots(tid string, path model.Path, info reader.RecordInfo, slots []childSlot) (writeResult, error) {
	isArray := info.ValueType == model.ValueArray

	keys := make([]string, len(slots))
	for i, s := range slots {
		keys[i] = s.Key
	}

	existing := make(map[string]model.NodeInfo, len(slots))
	err := w.rdr.GetChildStream(path, isArray, info, keys, func(ni model.NodeInfo) bool {
		existing[ni.Key] = ni
		return true
	})
	if err != nil {
		return writeResult{}, err
	}

	var freed []model.StorageRange
	for _, s := range slots {
		ni, found := existing[s.Key]
		if !found {
			continue
		}
		if s.Ref != nil {
			// Address swap: the child's underlying data already moved; its
			// storage must not be deallocated.
			if s.Ref.Address.Equal(info.Address) {
				return writeResult{}, dberrors.NewCorrupt(string(path), fmt.Errorf("writer: child record address equals parent record address"))
			}
			continue
		}
		if ni.Address != nil {
			childFreed, err := w.reclaimChild(tid, ni)
			if err != nil {
				return writeResult{}, err
			}
			freed = append(freed, childFreed...)
		}
		w.cache.Invalidate(ni.Path, s.Remove)
	}

	var result writeResult
	if info.HasKeyIndex {
		result, err = w.mergeTree(tid, path, info, isArray, slots, existing)
	} else {
		result, err = w.mergeLinear(tid, path, info, isArray, slots, existing)
	}
	if err != nil {
		return writeResult{}, err
	}
	result.freed = append(result.freed, freed...)
	return result, nil
}

// reclaimChild computes an affected external child's full recursive
// allocation under a read lock so it can be scheduled for deallocation once
// the parent rewrite commits.
func (w *Writer) reclaimChild(tid string, ni model.NodeInfo) ([]model.StorageRange, error) {
	lock, err := w.locks.Lock(ni.Path, tid, false, "writer.reclaimChild", lockmanager.Options{})
	if err != nil {
		return nil, err
	}
	defer lock.Release()
	childInfo, err := w.rdr.ReadHeader(*ni.Address)
	if err != nil {
		return nil, err
	}
	freed := rangesOf(childInfo.Allocation)
	sub, err := w.collectChildAllocations(tid, ni.Path, childInfo)
	if err != nil {
		return nil, err
	}
	return append(freed, sub...), nil
}

// collectChildAllocations walks info's subtree depth-first, gathering the
// storage ranges of every external descendant record. Each hop holds a read lock on
// the child being descended into.
func (w *Writer) collectChildAllocations(tid string, path model.Path, info reader.RecordInfo) ([]model.StorageRange, error) {
	if !info.ValueType.IsComposite() {
		return nil, nil
	}
	isArray := info.ValueType == model.ValueArray
	var out []model.StorageRange
	var innerErr error
	err := w.rdr.GetChildStream(path, isArray, info, nil, func(ni model.NodeInfo) bool {
		if ni.Address == nil {
			return true
		}
		lock, lerr := w.locks.Lock(ni.Path, tid, false, "writer.collectChildAllocations", lockmanager.Options{})
		if lerr != nil {
			innerErr = lerr
			return false
		}
		childInfo, herr := w.rdr.ReadHeader(*ni.Address)
		if herr != nil {
			lock.Release()
			innerErr = herr
			return false
		}
		out = append(out, rangesOf(childInfo.Allocation)...)
		sub, serr := w.collectChildAllocations(tid, ni.Path, childInfo)
		lock.Release()
		if serr != nil {
			innerErr = serr
			return false
		}
		out = append(out, sub...)
		return true
	})
	if err != nil {
		return nil, err
	}
	if innerErr != nil {
		return nil, innerErr
	}
	return out, nil
}

// mergeTree applies slots to an embedded-tree record: first as an in-place
// tree transaction, falling back to a full rebuild through the builder when
// the transaction cannot be satisfied.
func (w *Writer) mergeTree(tid string, path model.Path, info reader.RecordInfo, isArray bool, slots []childSlot, existing map[string]model.NodeInfo) (writeResult, error) {
	body, err := w.rdr.ReadBody(info)
	if err != nil {
		return writeResult{}, err
	}

	ops := make([]bptree.Op, 0, len(slots))
	encodedBySlot := make(map[string][]byte, len(slots))
	for _, s := range slots {
		key := treeKeyFor(isArray, s.Key)
		if s.Remove {
			if _, found := existing[s.Key]; !found {
				continue
			}
			ops = append(ops, bptree.Op{Kind: bptree.OpRemove, Key: key})
			continue
		}
		ec, err := w.encodeSlotValue(tid, path.Child(s.Key), s)
		if err != nil {
			return writeResult{}, err
		}
		val, err := ec.valueEntryBytes()
		if err != nil {
			return writeResult{}, err
		}
		encodedBySlot[s.Key] = val
		kind := bptree.OpAdd
		if _, found := existing[s.Key]; found {
			kind = bptree.OpUpdate
		}
		ops = append(ops, bptree.Op{Kind: kind, Key: key, Value: val})
	}
	if len(ops) == 0 {
		return writeResult{address: info.Address, valueType: info.ValueType}, nil
	}

	if bptree.Transaction(body, ops) {
		// In-place success: the record stays at the same allocation.
		if err := w.rewriteInPlace(info, body); err != nil {
			return writeResult{}, err
		}
		return writeResult{address: info.Address, valueType: info.ValueType}, nil
	}

	// Rebuild path: enumerate every live entry, apply the change set, and
	// regenerate the tree through the builder.
	entries, err := enumerateTree(body)
	if err != nil {
		return writeResult{}, err
	}
	merged := make([]bptree.LeafKV, 0, len(entries)+len(slots))
	changed := make(map[string]bool, len(slots))
	for _, s := range slots {
		changed[string(treeKeyFor(isArray, s.Key))] = true
	}
	for _, e := range entries {
		if changed[string(e.Key)] {
			continue
		}
		merged = append(merged, e)
	}
	logicalKeys := make([][]byte, 0, len(merged)+len(slots))
	for _, e := range merged {
		logicalKeys = append(logicalKeys, e.Key)
	}
	for _, s := range slots {
		if s.Remove {
			continue
		}
		merged = append(merged, bptree.LeafKV{Key: treeKeyFor(isArray, s.Key), Value: encodedBySlot[s.Key]})
		logicalKeys = append(logicalKeys, []byte(s.Key))
	}

	newBody := bptree.Build(merged, bptree.FillFactor(logicalKeys))
	addr, freed, err := w._write(path, info.ValueType, newBody, true, &info)
	if err != nil {
		return writeResult{}, err
	}
	return writeResult{address: addr, valueType: info.ValueType, freed: freed}, nil
}

// enumerateTree walks every leaf entry of a tree body in key order.
func enumerateTree(body []byte) ([]bptree.LeafKV, error) {
	var out []bptree.LeafKV
	leaf, ok, err := bptree.GetFirstLeaf(body)
	if err != nil {
		return nil, err
	}
	for ok {
		k, err := leaf.Key()
		if err != nil {
			return nil, err
		}
		v, err := leaf.Value()
		if err != nil {
			return nil, err
		}
		out = append(out, bptree.LeafKV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
		leaf, ok, err = leaf.GetNext()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// mergeLinear rebuilds a linear record's full child set, preserving
// unaffected external children as InternalNodeReference placeholders so
// their storage survives the rewrite.
func (w *Writer) mergeLinear(tid string, path model.Path, info reader.RecordInfo, isArray bool, slots []childSlot, existing map[string]model.NodeInfo) (writeResult, error) {
	patchByKey := make(map[string]childSlot, len(slots))
	for _, s := range slots {
		patchByKey[s.Key] = s
	}

	var all []childSlot
	err := w.rdr.GetChildStream(path, isArray, info, nil, func(ni model.NodeInfo) bool {
		if _, patched := patchByKey[ni.Key]; patched {
			return true
		}
		if ni.Address != nil {
			ref := model.InternalNodeReference{Type: ni.Type, Address: *ni.Address}
			all = append(all, childSlot{Key: ni.Key, Ref: &ref})
			return true
		}
		v := *ni.Value
		all = append(all, childSlot{Key: ni.Key, Value: &v})
		return true
	})
	if err != nil {
		return writeResult{}, err
	}

	for _, s := range slots {
		if s.Remove {
			continue
		}
		all = append(all, s)
	}
	if isArray {
		sort.Slice(all, func(i, j int) bool {
			a, _ := strconv.Atoi(all[i].Key)
			b, _ := strconv.Atoi(all[j].Key)
			return a < b
		})
	}

	body, hasKeyTree, err := w.buildBody(tid, path, isArray, all)
	if err != nil {
		return writeResult{}, err
	}
	addr, freed, err := w._write(path, info.ValueType, body, hasKeyTree, &info)
	if err != nil {
		return writeResult{}, err
	}
	return writeResult{address: addr, valueType: info.ValueType, freed: freed}, nil
}

// overwritePath replaces path's value wholesale: the node's prior recursive allocation is scheduled for
// deallocation, then the fresh value is written.
func (w *Writer) overwritePath(tid string, path model.Path, target selfLocation, value *model.Value) (writeResult, error) {
	var current *reader.RecordInfo
	var oldChildRanges []model.StorageRange
	if target.exists && target.hasOwnRecord {
		info := target.info
		current = &info
		sub, err := w.collectChildAllocations(tid, path, info)
		if err != nil {
			return writeResult{}, err
		}
		oldChildRanges = sub
		w.cache.Invalidate(path, false)
	}
	res, err := w.writeValue(tid, path, value, current)
	if err != nil {
		return writeResult{}, err
	}
	res.freed = append(res.freed, oldChildRanges...)
	return res, nil
}

// propagateReference patches parentPath's child entry for key with the
// address of a child record that has moved, creating missing ancestors as
// objects on the way up.
func (w *Writer) propagateReference(tid string, parentPath model.Path, key string, ref model.InternalNodeReference, internal bool) error {
	slot := childSlot{Key: key, Ref: &ref}

	lock, err := w.locks.Lock(parentPath, tid, true, "writer.propagateReference", lockmanager.Options{})
	if err != nil {
		return err
	}

	target, err := w.locateSelf(tid, parentPath)
	if err != nil {
		lock.Release()
		return err
	}

	var result writeResult
	if target.exists && target.hasOwnRecord && target.info.ValueType.IsComposite() {
		result, err = w.mergeSlots(tid, parentPath, target.info, []childSlot{slot})
	} else {
		body, hasKeyTree, berr := w.buildBody(tid, parentPath, false, []childSlot{slot})
		if berr != nil {
			lock.Release()
			return berr
		}
		var addr model.RecordAddress
		var freed []model.StorageRange
		addr, freed, err = w._write(parentPath, model.ValueObject, body, hasKeyTree, nil)
		result = writeResult{address: addr, valueType: model.ValueObject, freed: freed}
	}
	if err != nil {
		lock.Release()
		return err
	}

	moved := !target.exists || !target.hasOwnRecord || !target.info.Address.Equal(result.address)
	if moved && !parentPath.IsRoot() {
		if err := lock.MoveToParent(); err != nil {
			return err
		}
		nextRef := model.InternalNodeReference{Type: result.valueType, Address: result.address}
		patchErr := w.propagateReference(tid, parentPath.Parent(), parentPath.Key(), nextRef, internal)
		lock.Release()
		if patchErr != nil {
			return patchErr
		}
	} else {
		if parentPath.IsRoot() && moved {
			w.root.SetRootAddress(result.address)
		}
		lock.Release()
	}

	if len(result.freed) > 0 {
		w.fst.Release(result.freed)
	}
	return nil
}

// rewriteInPlace writes a mutated body back over the record's existing
// allocation, reusing the header the record already carries (the body's
// length is unchanged, so every header field still holds).
func (w *Writer) rewriteInPlace(info reader.RecordInfo, body []byte) error {
	extra := make([]record.ChunkEntry, 0, len(info.Allocation.Ranges)-1)
	for _, r := range info.Allocation.Ranges[1:] {
		extra = append(extra, record.ChunkEntry{Page: r.Page, Record: r.Start, Length: r.Length})
	}
	header := record.EncodeHeader(info.HasKeyIndex, info.ValueType, int(info.Allocation.Ranges[0].Length), extra, info.LastChunkSize)
	full := make([]byte, len(header)+len(body))
	copy(full, header)
	copy(full[len(header):], body)
	return w.writeRangesParallel(info.Allocation.Ranges, full)
}
