// Package writer implements the Node Writer / Merge Engine:
// the value-fits-inline test, the update entry point with its
// merge-vs-overwrite dispatch and recursive parent-patch, and `_write`'s
// allocation sizing and parallel range writes. Every update follows the
// same read-modify-write shape: read current state, compute next state,
// write back, notify.
package writer

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hieradb/dberrors"
	"hieradb/internal/freespace"
	"hieradb/internal/keyindex"
	"hieradb/internal/lockmanager"
	"hieradb/internal/model"
	"hieradb/internal/nodecache"
	"hieradb/internal/notify"
	"hieradb/internal/pagefile"
	"hieradb/internal/reader"
	"hieradb/internal/record"
)

// PromotionThreshold is the child count above which a composite's body is
// serialized as an embedded B+tree instead of the linear layout.
const PromotionThreshold = 100

// DefaultMaxInlineValueSize bounds inline payload length when a caller
// hasn't configured one explicitly.
const DefaultMaxInlineValueSize = 64

// RootAccessor lets the Writer read and update the file's root record
// pointer, kept outside this
// package since the pointer lives in the file header the storage engine
// owns, not in any node's own record.
type RootAccessor interface {
	RootAddress() (model.RecordAddress, bool)
	SetRootAddress(model.RecordAddress)
}

// Writer is the node writer / merge engine. One instance per open database.
type Writer struct {
	file               *pagefile.File
	fst                *freespace.Table
	kit                *keyindex.Table
	cache              *nodecache.Cache
	locks              *lockmanager.Manager
	rdr                *reader.Reader
	notifier           notify.Notifier
	root               RootAccessor
	log                *zap.SugaredLogger
	maxInlineValueSize int
}

// New creates a Writer. maxInlineValueSize <= 0 uses DefaultMaxInlineValueSize;
// a nil logger disables logging.
func New(file *pagefile.File, fst *freespace.Table, kit *keyindex.Table, cache *nodecache.Cache, locks *lockmanager.Manager, rdr *reader.Reader, root RootAccessor, notifier notify.Notifier, logger *zap.Logger, maxInlineValueSize int) *Writer {
	if maxInlineValueSize <= 0 {
		maxInlineValueSize = DefaultMaxInlineValueSize
	}
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{file: file, fst: fst, kit: kit, cache: cache, locks: locks, rdr: rdr, notifier: notifier, root: root, log: logger.Sugar(), maxInlineValueSize: maxInlineValueSize}
}

// valueFitsInline reports whether v can be embedded directly in its
// parent's record rather than requiring its own record.
func valueFitsInline(v model.Value, maxInlineValueSize int) bool {
	switch v.Type {
	case model.ValueBoolean, model.ValueNumber, model.ValueDateTime:
		return true
	case model.ValueString, model.ValueReference:
		return len(v.Str) < maxInlineValueSize
	case model.ValueBinary:
		return len(v.Bytes) < maxInlineValueSize
	case model.ValueObject, model.ValueArray:
		return len(v.Children) == 0
	default:
		return false
	}
}

// Update implements the update entry point. value nil
// deletes path. merge true preserves untouched siblings of path's existing
// value instead of replacing it wholesale.
func (w *Writer) Update(tid string, path model.Path, value *model.Value, merge bool) error {
	return w.update(tid, path, value, merge, false)
}

// update is Update's recursive core. internal marks a parent-patch call so
// the notifier is not refired for it.
func (w *Writer) update(tid string, path model.Path, value *model.Value, merge bool, internal bool) error {
	// Step 1: null deletes via the parent.
	if value == nil {
		if path.IsRoot() {
			empty := model.Value{Type: model.ValueObject}
			return w.update(tid, path, &empty, false, internal)
		}
		tomb := model.Value{Type: model.ValueTombstone}
		patch := model.Value{Type: model.ValueObject, Children: []model.Child{{Key: path.Key(), Value: tomb}}}
		return w.update(tid, path.Parent(), &patch, true, internal)
	}

	// Step 2: inline-fitting values are stored directly in the parent.
	if !path.IsRoot() && valueFitsInline(*value, w.maxInlineValueSize) {
		patch := model.Value{Type: model.ValueObject, Children: []model.Child{{Key: path.Key(), Value: *value}}}
		return w.update(tid, path.Parent(), &patch, true, internal)
	}

	// Step 3: topEventPath negotiation is an external subscriber concern
	//; the storage core always treats path itself as
	// topEventPath, so oldTopValue is simply path's current value.
	readLock, err := w.locks.Lock(path, tid, false, "writer.Update(read-before-write)", lockmanager.Options{})
	if err != nil {
		return err
	}
	target, err := w.locateSelf(tid, path)
	if err != nil {
		readLock.Release()
		return err
	}
	var oldValue *model.Value
	if target.exists {
		v, err := w.rdr.GetValue(tid, path, target.info, reader.GetValueOptions{})
		if err != nil {
			readLock.Release()
			return err
		}
		oldValue = v
	}

	// Step 4: migrate the held lock to path for writing.
	if err := readLock.MoveTo(path, true); err != nil {
		return err
	}
	writeLock := readLock

	// A merge that only removes keys from a node that doesn't exist is a
	// no-op; materializing an empty ancestor chain for it would leak
	// records a later delete could never reach.
	if !target.exists && merge && onlyRemovals(value) {
		writeLock.Release()
		return nil
	}

	var result writeResult
	if target.exists && target.hasOwnRecord && merge &&
		target.info.ValueType.IsComposite() && value.Type.IsComposite() {
		w.log.Debugw("merging node", "path", path, "tid", tid)
		result, err = w.mergePath(tid, path, target.info, value)
	} else {
		w.log.Debugw("overwriting node", "path", path, "tid", tid, "existed", target.exists)
		result, err = w.overwritePath(tid, path, target, value)
	}
	if err != nil {
		writeLock.Release()
		return err
	}

	movedAllocation := !target.exists || !target.hasOwnRecord || !target.info.Address.Equal(result.address)

	// Step 6: if the allocation moved, patch the parent's child entry to a
	// new Internal Node Reference, marked _internal.
	if movedAllocation && !path.IsRoot() {
		if err := writeLock.MoveToParent(); err != nil {
			return err
		}
		ref := model.InternalNodeReference{Type: result.valueType, Address: result.address}
		patchErr := w.propagateReference(tid, path.Parent(), path.Key(), ref, internal)
		writeLock.Release()
		if patchErr != nil {
			return patchErr
		}
	} else {
		if path.IsRoot() && movedAllocation {
			w.root.SetRootAddress(result.address)
		}
		writeLock.Release()
	}

	// Step 7: release freed allocations to the FST after the parent patch.
	if len(result.freed) > 0 {
		w.fst.Release(result.freed)
	}

	// Step 8: hand off to the notifier, unless this was an _internal call.
	if !internal {
		w.notifier.Notify(notify.Change{Path: path, OldValue: oldValue, NewValue: value})
	}
	return nil
}

// onlyRemovals reports whether a merge patch consists purely of tombstoned
// keys.
func onlyRemovals(v *model.Value) bool {
	if !v.Type.IsComposite() || len(v.Children) == 0 {
		return false
	}
	for i := range v.Children {
		if v.Children[i].Value.Type != model.ValueTombstone {
			return false
		}
	}
	return true
}

// writeResult describes the outcome of materializing path's new record.
type writeResult struct {
	address   model.RecordAddress
	valueType model.ValueType
	freed     []model.StorageRange // allocations to release to the FST after the parent patch
}

// selfLocation is what locateSelf resolves about path itself.
type selfLocation struct {
	exists       bool
	hasOwnRecord bool
	info         reader.RecordInfo
}

// locateSelf resolves path's own current record, if any, via the node
// address cache or by walking down from the nearest cached ancestor.
func (w *Writer) locateSelf(tid string, path model.Path) (selfLocation, error) {
	if addr, ok := w.cache.Find(path); ok {
		info, err := w.rdr.ReadHeader(addr)
		if err != nil {
			return selfLocation{}, err
		}
		return selfLocation{exists: true, hasOwnRecord: true, info: info}, nil
	}
	if path.IsRoot() {
		addr, ok := w.root.RootAddress()
		if !ok {
			return selfLocation{}, nil
		}
		info, err := w.rdr.ReadHeader(addr)
		if err != nil {
			return selfLocation{}, err
		}
		return selfLocation{exists: true, hasOwnRecord: true, info: info}, nil
	}

	ancestorPath, ancestorAddr, ok := w.cache.FindAncestor(path)
	var startPath model.Path
	var startInfo model.NodeInfo
	if ok {
		info, err := w.rdr.ReadHeader(ancestorAddr)
		if err != nil {
			return selfLocation{}, err
		}
		startPath = ancestorPath
		startInfo = model.NodeInfo{Path: ancestorPath, Exists: true, Type: info.ValueType, Address: &ancestorAddr}
	} else {
		rootAddr, rootOK := w.root.RootAddress()
		if !rootOK {
			return selfLocation{}, nil
		}
		startPath = ""
		startInfo = model.NodeInfo{Path: "", Exists: true, Type: model.ValueObject, Address: &rootAddr}
	}

	ni, err := w.rdr.Locate(tid, path, startPath, startInfo)
	if err != nil {
		return selfLocation{}, err
	}
	if !ni.Exists {
		return selfLocation{}, nil
	}
	if ni.Address == nil {
		// Resolved to an inline/tiny value with no record of its own: it
		// exists, but there is nothing to read a header from, and a merge
		// is impossible.
		return selfLocation{exists: true, hasOwnRecord: false}, nil
	}
	w.cache.Update(path, *ni.Address)
	info, err := w.rdr.ReadHeader(*ni.Address)
	if err != nil {
		return selfLocation{}, err
	}
	return selfLocation{exists: true, hasOwnRecord: true, info: info}, nil
}

// _write computes the header, (re)allocates if needed, writes the record in
// parallel range chunks, and registers the new address in the node address
// cache.
func (w *Writer) _write(path model.Path, vt model.ValueType, body []byte, hasKeyTree bool, current *reader.RecordInfo) (model.RecordAddress, []model.StorageRange, error) {
	recordSize := w.file.RecordSize()

	requiredFor := func(headerLen int) int {
		total := headerLen + len(body)
		n := (total + recordSize - 1) / recordSize
		if n < 1 {
			n = 1
		}
		return n
	}

	// First pass assumes a single-range header; if that needs more than one
	// record, headers may grow to describe extra ranges.
	n := requiredFor(record.MaxHeaderLength(0))
	if n > 1 {
		n = requiredFor(record.MaxHeaderLength(n - 1))
	}

	var alloc model.NodeAllocation
	var freed []model.StorageRange
	if current != nil && current.Allocation.TotalRecords() == n {
		alloc = current.Allocation
	} else {
		a, err := w.fst.Allocate(n)
		if err != nil {
			return model.RecordAddress{}, nil, err
		}
		if a.TotalRecords() > n {
			a = w.fst.ReleaseTail(a, n)
		}
		alloc = a
		if current != nil {
			freed = append(freed, rangesOf(current.Allocation)...)
		}
	}

	// The worst-case estimate may exceed what the actual header needs once
	// the allocation's real fragmentation is known; trim the surplus so
	// lastChunkSize stays positive.
	header := encodeHeaderFor(alloc, hasKeyTree, vt, 0)
	for {
		actual := requiredFor(len(header))
		if actual >= alloc.TotalRecords() {
			break
		}
		alloc = w.fst.ReleaseTail(alloc, actual)
		header = encodeHeaderFor(alloc, hasKeyTree, vt, 0)
	}
	lastChunkSize := lastChunkSizeFor(alloc, recordSize, len(header)+len(body))
	header = encodeHeaderFor(alloc, hasKeyTree, vt, lastChunkSize)

	full := make([]byte, len(header)+len(body))
	copy(full, header)
	copy(full[len(header):], body)

	if err := w.writeRangesParallel(alloc.Ranges, full); err != nil {
		// A write failure aborts the update; the prior allocation is
		// not deallocated.
		return model.RecordAddress{}, nil, err
	}

	addr := alloc.Address()
	w.cache.Update(path, addr)
	return addr, freed, nil
}

// encodeHeaderFor renders the header an allocation's range layout requires.
func encodeHeaderFor(alloc model.NodeAllocation, hasKeyTree bool, vt model.ValueType, lastChunkSize int) []byte {
	extra := make([]record.ChunkEntry, 0, len(alloc.Ranges)-1)
	for _, r := range alloc.Ranges[1:] {
		extra = append(extra, record.ChunkEntry{Page: r.Page, Record: r.Start, Length: r.Length})
	}
	return record.EncodeHeader(hasKeyTree, vt, int(alloc.Ranges[0].Length), extra, lastChunkSize)
}

// lastChunkSizeFor computes the live byte count of the allocation's final
// record given the total header+body length.
func lastChunkSizeFor(alloc model.NodeAllocation, recordSize, totalBytes int) int {
	total := alloc.TotalRecords()
	if total <= 1 {
		return totalBytes
	}
	return totalBytes - (total-1)*recordSize
}

func rangesOf(a model.NodeAllocation) []model.StorageRange {
	out := make([]model.StorageRange, len(a.Ranges))
	copy(out, a.Ranges)
	return out
}

// writeRangesParallel issues one write per storage range concurrently,
// mirroring one goroutine per range.
func (w *Writer) writeRangesParallel(ranges []model.StorageRange, full []byte) error {
	var g errgroup.Group
	pos := 0
	for _, r := range ranges {
		r := r
		n := int(r.Length) * w.file.RecordSize()
		if pos+n > len(full) {
			n = len(full) - pos
		}
		chunk := full[pos : pos+n]
		pos += n
		g.Go(func() error {
			w.file.WriteData(r.Page, r.Start, 0, chunk, len(chunk))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return dberrors.NewIO("", fmt.Errorf("writer: parallel range write: %w", err))
	}
	return nil
}
