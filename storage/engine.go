// Package storage wires the storage core together and exposes the external
// interface collaborators consume: locate, exists, getValue,
// getChildren, getChildInfo, update, set, remove, push, transaction and
// matches on a path. All collaborators are constructor-injected, every
// Engine owns an explicit Open/Close lifecycle, and there are no
// package-level singletons.
package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hieradb/dberrors"
	"hieradb/internal/freespace"
	"hieradb/internal/keyindex"
	"hieradb/internal/lockmanager"
	"hieradb/internal/model"
	"hieradb/internal/nodecache"
	"hieradb/internal/notify"
	"hieradb/internal/pagefile"
	"hieradb/internal/reader"
	"hieradb/internal/writer"
)

// Options configures an Engine.
type Options struct {
	PageSize           int // records per page
	RecordSize         int // bytes per record
	MaxInlineValueSize int
	LockTimeout        time.Duration
	CacheCapacity      int
	CacheIdleTimeout   time.Duration
	Notifier           notify.Notifier
	Logger             *zap.Logger
}

// DefaultOptions returns the geometry a fresh database uses unless
// overridden.
func DefaultOptions() Options {
	return Options{
		PageSize:           1024,
		RecordSize:         128,
		MaxInlineValueSize: 64,
		LockTimeout:        lockmanager.DefaultTimeout,
		CacheCapacity:      nodecache.DefaultCapacity,
		CacheIdleTimeout:   nodecache.DefaultIdleTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.RecordSize <= 0 {
		o.RecordSize = d.RecordSize
	}
	if o.MaxInlineValueSize <= 0 {
		o.MaxInlineValueSize = d.MaxInlineValueSize
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = d.LockTimeout
	}
	if o.Notifier == nil {
		o.Notifier = notify.NopNotifier{}
	}
	return o
}

// Engine is one open hierarchical database. All reads and writes of every
// collaborator funnel through it.
type Engine struct {
	opts  Options
	log   *zap.SugaredLogger
	file  *pagefile.File
	fst   *freespace.Table
	kit   *keyindex.Table
	cache *nodecache.Cache
	locks *lockmanager.Manager
	rdr   *reader.Reader
	wtr   *writer.Writer

	mu       sync.Mutex
	rootAddr model.RecordAddress
	rootSet  bool
	nextPage uint32

	tidSeq atomic.Uint64
}

// Open opens (creating if necessary) the database file at path.
func Open(path string, opts Options) (*Engine, error) {
	opts = opts.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	f, err := pagefile.Open(path, pagefile.HeaderLength, opts.PageSize, opts.RecordSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{opts: opts, log: logger.Sugar()}

	var seedKeys []string
	if f.Size() >= pagefile.HeaderLength {
		h, herr := f.ReadHeader()
		if herr != nil {
			f.Close()
			return nil, herr
		}
		if int(h.PageSize) != opts.PageSize || int(h.RecordSize) != opts.RecordSize {
			// Existing file wins over caller-supplied geometry.
			if cerr := f.Close(); cerr != nil {
				return nil, cerr
			}
			f, err = pagefile.Open(path, pagefile.HeaderLength, int(h.PageSize), int(h.RecordSize))
			if err != nil {
				return nil, err
			}
			opts.PageSize = int(h.PageSize)
			opts.RecordSize = int(h.RecordSize)
			e.opts = opts
		}
		e.rootAddr = h.Root
		e.rootSet = h.RootSet
		seedKeys = h.Keys
	} else {
		if werr := f.WriteHeader(pagefile.Header{
			Version:    pagefile.CurrentVersion,
			PageSize:   uint32(opts.PageSize),
			RecordSize: uint32(opts.RecordSize),
		}); werr != nil {
			f.Close()
			return nil, werr
		}
		e.log.Infow("initialized new database file", "path", path,
			"pageSize", opts.PageSize, "recordSize", opts.RecordSize)
	}

	e.file = f
	e.nextPage = f.PageCount()
	e.kit = keyindex.New(seedKeys...)
	e.kit.OnAdd(func(string) { e.persistHeader() })
	e.cache = nodecache.New(opts.CacheCapacity, opts.CacheIdleTimeout)
	e.locks = lockmanager.New(opts.LockTimeout)
	e.fst = freespace.New(opts.PageSize, e)
	e.rdr = reader.New(f, e.kit, e.locks)
	e.wtr = writer.New(f, e.fst, e.kit, e.cache, e.locks, e.rdr, e, opts.Notifier, logger, opts.MaxInlineValueSize)
	return e, nil
}

// Close flushes and closes the backing file.
func (e *Engine) Close() error {
	if err := e.file.Sync(); err != nil {
		return err
	}
	return e.file.Close()
}

// FST exposes the free-space table so callers can observe allocation
// behavior without reaching into internals.
func (e *Engine) FST() *freespace.Table { return e.fst }

// NextPage implements freespace.PageSource: it hands out the next
// never-before-used page number and grows the backing file to cover it.
func (e *Engine) NextPage() (uint32, error) {
	e.mu.Lock()
	page := e.nextPage
	e.nextPage++
	e.mu.Unlock()
	if err := e.file.EnsureCapacity(page); err != nil {
		return 0, dberrors.NewIO("", err)
	}
	return page, nil
}

// RootAddress implements writer.RootAccessor.
func (e *Engine) RootAddress() (model.RecordAddress, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rootAddr, e.rootSet
}

// SetRootAddress persists the new root record pointer into the file header.
func (e *Engine) SetRootAddress(addr model.RecordAddress) {
	e.mu.Lock()
	e.rootAddr = addr
	e.rootSet = true
	e.mu.Unlock()
	e.persistHeader()
}

// persistHeader rewrites the file header with the current root pointer and
// interned key vocabulary. Serialized under e.mu so concurrent root updates
// and key interning don't interleave header writes.
func (e *Engine) persistHeader() {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.file.WriteHeader(pagefile.Header{
		Version:    pagefile.CurrentVersion,
		PageSize:   uint32(e.opts.PageSize),
		RecordSize: uint32(e.opts.RecordSize),
		Root:       e.rootAddr,
		RootSet:    e.rootSet,
		Keys:       e.kit.Keys(),
	})
	if err != nil {
		e.log.Errorw("failed to persist file header", "error", err)
	}
}

func (e *Engine) newTid() string {
	return fmt.Sprintf("tid-%d", e.tidSeq.Add(1))
}

func orNewTid(e *Engine, tid string) string {
	if tid == "" {
		return e.newTid()
	}
	return tid
}

// rootInfo describes the root node, always resolved through the dedicated
// root pointer and never the cache.
func (e *Engine) rootInfo() (model.NodeInfo, error) {
	addr, ok := e.RootAddress()
	if !ok {
		return model.NodeInfo{Path: "", Exists: false}, nil
	}
	info, err := e.rdr.ReadHeader(addr)
	if err != nil {
		return model.NodeInfo{}, err
	}
	a := addr
	return model.NodeInfo{Path: "", Exists: true, Type: info.ValueType, Address: &a}, nil
}

// locate resolves path to its NodeInfo, walking down from the nearest
// cached ancestor (or the root) under per-hop read locks.
func (e *Engine) locate(tid string, path model.Path) (model.NodeInfo, error) {
	if path.IsRoot() {
		return e.rootInfo()
	}
	if addr, ok := e.cache.Find(path); ok {
		info, err := e.rdr.ReadHeader(addr)
		if err != nil {
			// Suspected stale entry: invalidate and retry via ancestor walk.
			e.cache.Invalidate(path, false)
		} else {
			a := addr
			return model.NodeInfo{Path: path, Exists: true, Key: path.Key(), Type: info.ValueType, Address: &a}, nil
		}
	}

	var startPath model.Path
	var startInfo model.NodeInfo
	if ancestorPath, ancestorAddr, ok := e.cache.FindAncestor(path); ok {
		info, err := e.rdr.ReadHeader(ancestorAddr)
		if err != nil {
			return model.NodeInfo{}, err
		}
		a := ancestorAddr
		startPath = ancestorPath
		startInfo = model.NodeInfo{Path: ancestorPath, Exists: true, Type: info.ValueType, Address: &a}
	} else {
		ri, err := e.rootInfo()
		if err != nil {
			return model.NodeInfo{}, err
		}
		if !ri.Exists {
			return model.NodeInfo{Path: path, Exists: false, Key: path.Key()}, nil
		}
		startPath = ""
		startInfo = ri
	}

	ni, err := e.rdr.Locate(tid, path, startPath, startInfo)
	if err != nil {
		return model.NodeInfo{}, err
	}
	if ni.Exists && ni.Address != nil {
		e.cache.Update(path, *ni.Address)
	}
	return ni, nil
}

// Locate resolves path's NodeInfo. tid may be empty for
// a standalone lookup.
func (e *Engine) Locate(path string, tid string) (model.NodeInfo, error) {
	return e.locate(orNewTid(e, tid), model.Path(path))
}

// Exists reports whether path resolves to a stored node or inline child.
func (e *Engine) Exists(path string) (bool, error) {
	ni, err := e.locate(e.newTid(), model.Path(path))
	if err != nil {
		return false, err
	}
	return ni.Exists, nil
}

// ReadOptions mirrors getValue's { include, exclude, child_objects, tid }.
type ReadOptions struct {
	Include      []string
	Exclude      []string
	ChildObjects bool
	Tid          string
}

// GetValue resolves path's full (optionally filtered) value, nil when the
// path doesn't exist.
func (e *Engine) GetValue(path string, opts ReadOptions) (*model.Value, error) {
	tid := orNewTid(e, opts.Tid)
	p := model.Path(path)
	ni, err := e.locate(tid, p)
	if err != nil {
		return nil, err
	}
	if !ni.Exists {
		return nil, nil
	}
	if ni.Value != nil {
		v := *ni.Value
		return &v, nil
	}
	if ni.Address == nil {
		v := model.Value{Type: ni.Type}
		return &v, nil
	}

	lock, err := e.locks.Lock(p, tid, false, "storage.GetValue", lockmanager.Options{})
	if err != nil {
		return nil, err
	}
	defer lock.Release()
	info, err := e.rdr.ReadHeader(*ni.Address)
	if err != nil {
		return nil, err
	}
	return e.rdr.GetValue(tid, p, info, reader.GetValueOptions{
		Include:      opts.Include,
		Exclude:      opts.Exclude,
		ChildObjects: opts.ChildObjects,
		Tid:          tid,
	})
}

// GetChildren streams path's children to cb; the consumer returns false to
// cancel. A non-existent path yields a NotFound error.
func (e *Engine) GetChildren(path string, keyFilter []string, cb func(model.NodeInfo) bool) error {
	tid := e.newTid()
	p := model.Path(path)
	ni, err := e.locate(tid, p)
	if err != nil {
		return err
	}
	if !ni.Exists {
		return dberrors.NewNotFound(path)
	}
	if ni.Address == nil || !ni.Type.IsComposite() {
		return nil
	}

	lock, err := e.locks.Lock(p, tid, false, "storage.GetChildren", lockmanager.Options{})
	if err != nil {
		return err
	}
	defer lock.Release()
	info, err := e.rdr.ReadHeader(*ni.Address)
	if err != nil {
		return err
	}
	return e.rdr.GetChildStream(p, info.ValueType == model.ValueArray, info, keyFilter, cb)
}

// GetChildInfo resolves one child of path by key or array index; the result
// may carry Exists=false.
func (e *Engine) GetChildInfo(path string, keyOrIndex string) (model.NodeInfo, error) {
	child := model.Path(path).Child(keyOrIndex)
	return e.locate(e.newTid(), child)
}

// UpdateOptions mirrors update's { merge?, tid? }.
type UpdateOptions struct {
	Merge bool
	Tid   string
}

// Update writes value at path; nil deletes.
func (e *Engine) Update(path string, value *model.Value, opts UpdateOptions) error {
	tid := orNewTid(e, opts.Tid)
	err := e.wtr.Update(tid, model.Path(path), value, opts.Merge)
	if err != nil {
		e.log.Errorw("update failed", "path", path, "merge", opts.Merge, "error", err)
	}
	return err
}

// Set replaces path's value wholesale: update(path, value, merge:false).
func (e *Engine) Set(path string, value *model.Value) error {
	return e.Update(path, value, UpdateOptions{Merge: false})
}

// Remove deletes path: update(path, null).
func (e *Engine) Remove(path string) error {
	return e.Update(path, nil, UpdateOptions{})
}

// Transaction acquires a write lock on path, reads the current value, and
// invokes fn with it. fn returning commit=false cancels without writing;
// otherwise the returned value replaces path's value (nil deletes).
func (e *Engine) Transaction(path string, fn func(current *model.Value) (next *model.Value, commit bool)) error {
	tid := e.newTid()
	p := model.Path(path)
	lock, err := e.locks.Lock(p, tid, true, "storage.Transaction", lockmanager.Options{})
	if err != nil {
		return err
	}
	defer lock.Release()

	current, err := e.GetValue(path, ReadOptions{Tid: tid})
	if err != nil {
		return err
	}
	next, commit := fn(current)
	if !commit {
		return nil
	}
	return e.wtr.Update(tid, p, next, false)
}
