// Package lockmanager implements the hierarchical read/write lock manager:
// path+tid keyed locks with queueing, priority re-locking for
// path migration, and timeout-based poisoning. Grants follow an
// ancestor-aware conflict rule (a write on a path excludes locks on the
// path, its ancestors and its descendants held by other transactions)
// rather than flat per-key exclusion.
package lockmanager

import (
	"fmt"
	"sync"
	"time"

	"hieradb/dberrors"
	"hieradb/internal/model"
)

// State is the lifecycle of one lock request.
type State int

const (
	Pending State = iota
	Locked
	Expired
	Done
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Locked:
		return "locked"
	case Expired:
		return "expired"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// DefaultTimeout bounds how long a granted lock may be held.
const DefaultTimeout = 15 * time.Second

// Options mirrors the {withPriority, noTimeout} request options.
type Options struct {
	WithPriority bool // ignored by Lock; only the manager's own migration re-acquire queues with priority
	NoTimeout    bool
}

type request struct {
	path       model.Path
	tid        string
	forWriting bool
	comment    string
	priority   bool
	noTimeout  bool
	state      State
	waitingFor *request
	done       chan error // buffered 1; signaled once when granted or denied
	timer      *time.Timer
}

// Manager owns all outstanding locks for one storage engine instance. Never
// a package-level singleton.
type Manager struct {
	mu       sync.Mutex
	timeout  time.Duration
	active   []*request
	queue    []*request
	poisoned map[string]error
}

// New creates a lock manager with the given grant timeout.
func New(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{timeout: timeout, poisoned: make(map[string]error)}
}

// Lock is a caller-held handle to a granted (or migrating) lock request.
type Lock struct {
	m  *Manager
	mu sync.Mutex
	r  *request
}

// Lock acquires a read or write lock on path for tid, blocking until
// granted or permanently denied (lock-expired poisoning of tid).
func (m *Manager) Lock(path model.Path, tid string, forWriting bool, comment string, opts Options) (*Lock, error) {
	m.mu.Lock()
	if err, ok := m.poisoned[tid]; ok {
		m.mu.Unlock()
		return nil, asStorageError(err)
	}
	r := &request{
		path: path, tid: tid, forWriting: forWriting, comment: comment,
		noTimeout: opts.NoTimeout,
		done: make(chan error, 1),
	}
	if conflict := m.findConflict(path, tid, forWriting, nil); conflict == nil {
		m.grant(r)
		m.mu.Unlock()
	} else {
		r.state = Pending
		r.waitingFor = conflict
		m.insertQueue(r)
		m.mu.Unlock()
		if err := <-r.done; err != nil {
			return nil, asStorageError(err)
		}
	}
	return &Lock{m: m, r: r}, nil
}

// findConflict returns the first active request that conflicts with a
// (path, tid, forWriting) request, per the symmetric
// ancestor rule: a write
// lock on P conflicts with any lock on P or a descendant of P, and vice
// versa, held by a different transaction. exclude, if non-nil, is skipped
// (used during migration to ignore the request's own prior grant).
func (m *Manager) findConflict(path model.Path, tid string, forWriting bool, exclude *request) *request {
	for _, a := range m.active {
		if a == exclude {
			continue
		}
		if a.state != Locked {
			continue
		}
		if a.tid == tid {
			continue // same transaction never conflicts with itself
		}
		if !a.forWriting && !forWriting {
			continue // two reads never conflict
		}
		if a.path == path || a.path.IsDescendantOf(path) || path.IsDescendantOf(a.path) {
			return a
		}
	}
	return nil
}

// insertQueue places r after the last priority request and before the
// first non-priority one, preserving FIFO among same-priority requests.
func (m *Manager) insertQueue(r *request) {
	if !r.priority {
		m.queue = append(m.queue, r)
		return
	}
	i := 0
	for i < len(m.queue) && m.queue[i].priority {
		i++
	}
	m.queue = append(m.queue, nil)
	copy(m.queue[i+1:], m.queue[i:])
	m.queue[i] = r
}

// grant transitions r to LOCKED, adds it to the active set, and starts its
// expiry timer unless noTimeout. Caller must hold m.mu.
func (m *Manager) grant(r *request) {
	r.state = Locked
	r.waitingFor = nil
	m.active = append(m.active, r)
	if !r.noTimeout {
		r.timer = time.AfterFunc(m.timeout, func() { m.expire(r) })
	}
}

// drainQueue scans the pending queue once, granting every request whose
// conflict has cleared, in order. Caller must hold m.mu.
func (m *Manager) drainQueue() {
	remaining := m.queue[:0:0]
	for _, q := range m.queue {
		if conflict := m.findConflict(q.path, q.tid, q.forWriting, nil); conflict == nil {
			m.grant(q)
			q.done <- nil
		} else {
			q.waitingFor = conflict
			remaining = append(remaining, q)
		}
	}
	m.queue = remaining
}

func (m *Manager) removeActive(r *request) {
	for i, a := range m.active {
		if a == r {
			m.active = append(m.active[:i], m.active[i+1:]...)
			return
		}
	}
}

// expire fires when a granted lock's timer elapses: it moves to EXPIRED
// (no longer conflict-relevant per the grant policy's "state LOCKED" test),
// poisons the owning tid, and drains the queue since this lock's removal
// from the active set may unblock others.
// A fresh tid is unaffected, poisoning is per-tid only.
func (m *Manager) expire(r *request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.state != Locked {
		return // already released or migrated away
	}
	r.state = Expired
	m.removeActive(r)
	poison := &wrappedExpired{path: r.path, tid: r.tid}
	m.poisoned[r.tid] = poison
	// Any other request from the same (now poisoned) tid already waiting
	// in the queue is denied rather than eventually granted.
	remaining := m.queue[:0:0]
	for _, q := range m.queue {
		if q.tid == r.tid {
			q.state = Done
			q.done <- poison
			continue
		}
		remaining = append(remaining, q)
	}
	m.queue = remaining
	m.drainQueue()
}

type wrappedExpired struct {
	path model.Path
	tid  string
}

func (e *wrappedExpired) Error() string {
	return fmt.Sprintf("lock expired for tid %q (last held %s)", e.tid, e.path)
}

// asStorageError wraps an internal poison marker into a dberrors error on
// the way out, so callers only ever see the public error taxonomy.
func asStorageError(err error) error {
	if we, ok := err.(*wrappedExpired); ok {
		return dberrors.NewLockExpired(string(we.path), we)
	}
	return err
}

// currentReq reads the handle's live request under its own mutex (migrated
// during MoveToParent/MoveTo).
func (l *Lock) currentReq() *request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r
}

// Path returns the path currently held by this lock.
func (l *Lock) Path() model.Path { return l.currentReq().path }

// ForWriting reports whether this is a write lock.
func (l *Lock) ForWriting() bool { return l.currentReq().forWriting }

// State returns the lock's current state.
func (l *Lock) State() State { return l.currentReq().state }

// Release releases the lock, draining the manager's pending queue once.
func (l *Lock) Release() {
	r := l.currentReq()
	m := l.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.state != Locked {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.state = Done
	m.removeActive(r)
	m.drainQueue()
}

// releaseNoGrant removes r from the active set without scanning the
// pending queue, used by path migration so the immediately following
// priority re-acquire is not interleaved with an unrelated fairness pass.
func (m *Manager) releaseNoGrant(r *request) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.state = Done
	m.removeActive(r)
}

// MoveToParent migrates the lock to its current path's parent: if
// immediately grantable for the same tid, the lock mutates in place;
// otherwise it releases (without draining) and re-acquires the parent with
// priority.
func (l *Lock) MoveToParent() error {
	r := l.currentReq()
	return l.moveTo(r.path.Parent(), r.forWriting)
}

// MoveTo migrates the lock to otherPath, optionally changing forWriting.
func (l *Lock) MoveTo(otherPath model.Path, forWriting bool) error {
	return l.moveTo(otherPath, forWriting)
}

func (l *Lock) moveTo(target model.Path, forWriting bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.r
	m := l.m

	m.mu.Lock()
	if err, ok := m.poisoned[r.tid]; ok {
		m.mu.Unlock()
		return asStorageError(err)
	}
	if r.state != Locked {
		m.mu.Unlock()
		return dberrors.NewLockExpired(string(r.path), fmt.Errorf("cannot migrate a %s lock", r.state))
	}
	if conflict := m.findConflict(target, r.tid, forWriting, r); conflict == nil {
		// Grantable in place: mutate the existing request.
		r.path = target
		r.forWriting = forWriting
		m.mu.Unlock()
		return nil
	}
	m.releaseNoGrant(r)
	nr := &request{
		path: target, tid: r.tid, forWriting: forWriting, comment: r.comment,
		priority: true, noTimeout: r.noTimeout, done: make(chan error, 1),
	}
	if conflict := m.findConflict(target, r.tid, forWriting, nil); conflict == nil {
		m.grant(nr)
		m.mu.Unlock()
	} else {
		nr.state = Pending
		nr.waitingFor = conflict
		m.insertQueue(nr)
		m.mu.Unlock()
		if err := <-nr.done; err != nil {
			return asStorageError(err)
		}
	}
	l.r = nr
	return nil
}
