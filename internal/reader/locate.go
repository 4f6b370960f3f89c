package reader

import (
	"fmt"

	"hieradb/dberrors"
	"hieradb/internal/lockmanager"
	"hieradb/internal/model"
)

// Locate walks from a known starting node down to target, one path segment
// per hop, acquiring a read lock per hop. startInfo must
// describe an existing node at startPath with a resolved record address
// (the nearest cached ancestor, or the root). The returned NodeInfo carries
// Exists=false when any segment along the way is missing.
func (r *Reader) Locate(tid string, target model.Path, startPath model.Path, startInfo model.NodeInfo) (model.NodeInfo, error) {
	if startPath == target {
		return startInfo, nil
	}
	if !target.IsDescendantOf(startPath) {
		return model.NodeInfo{}, dberrors.NewCorrupt(string(target), fmt.Errorf("reader: locate start %q is not an ancestor", startPath))
	}

	segs := target.Segments()
	depth := len(startPath.Segments())
	current := startInfo

	for _, seg := range segs[depth:] {
		if current.Address == nil {
			// The remaining path descends through a value with no record of
			// its own (an inline primitive or empty composite): nothing
			// deeper can exist.
			return model.NodeInfo{Path: target, Exists: false, Key: target.Key()}, nil
		}
		if !current.Type.IsComposite() {
			return model.NodeInfo{Path: target, Exists: false, Key: target.Key()}, nil
		}

		lock, err := r.locks.Lock(current.Path, tid, false, "reader.Locate", lockmanager.Options{})
		if err != nil {
			return model.NodeInfo{}, err
		}
		info, err := r.ReadHeader(*current.Address)
		if err != nil {
			lock.Release()
			return model.NodeInfo{}, err
		}
		isArray := info.ValueType == model.ValueArray

		var child model.NodeInfo
		found := false
		err = r.GetChildStream(current.Path, isArray, info, []string{seg}, func(ni model.NodeInfo) bool {
			child = ni
			found = true
			return false
		})
		lock.Release()
		if err != nil {
			return model.NodeInfo{}, err
		}
		if !found {
			return model.NodeInfo{Path: target, Exists: false, Key: target.Key()}, nil
		}
		if child.Address != nil && child.Address.Equal(*current.Address) {
			return model.NodeInfo{}, dberrors.NewCorrupt(string(child.Path), fmt.Errorf("reader: record references itself"))
		}
		current = child
	}
	return current, nil
}
