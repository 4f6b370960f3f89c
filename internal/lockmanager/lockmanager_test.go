package lockmanager

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hieradb/dberrors"
)

func TestReadLocksShare(t *testing.T) {
	m := New(time.Second)

	l1, err := m.Lock("a/b", "tid1", false, "test", Options{})
	require.NoError(t, err)
	l2, err := m.Lock("a/b", "tid2", false, "test", Options{})
	require.NoError(t, err)

	l1.Release()
	l2.Release()
}

func TestWriteLockBlocksOtherTid(t *testing.T) {
	m := New(time.Second)

	l1, err := m.Lock("a/b", "tid1", true, "test", Options{})
	require.NoError(t, err)

	granted := make(chan *Lock, 1)
	go func() {
		l2, err := m.Lock("a/b", "tid2", true, "test", Options{})
		if err == nil {
			granted <- l2
		}
	}()

	select {
	case <-granted:
		t.Fatal("conflicting write lock granted while held")
	case <-time.After(50 * time.Millisecond):
	}

	l1.Release()
	select {
	case l2 := <-granted:
		l2.Release()
	case <-time.After(time.Second):
		t.Fatal("queued lock was never granted after release")
	}
}

func TestAncestorWriteConflictsWithDescendantRead(t *testing.T) {
	m := New(time.Second)

	l1, err := m.Lock("a/b/c", "tid1", false, "test", Options{})
	require.NoError(t, err)

	granted := make(chan struct{}, 1)
	go func() {
		l2, err := m.Lock("a", "tid2", true, "test", Options{})
		if err == nil {
			l2.Release()
			granted <- struct{}{}
		}
	}()

	select {
	case <-granted:
		t.Fatal("ancestor write lock granted over a held descendant read")
	case <-time.After(50 * time.Millisecond):
	}

	l1.Release()
	select {
	case <-granted:
	case <-time.After(time.Second):
		t.Fatal("ancestor write lock never granted")
	}
}

func TestUnrelatedPathsDoNotConflict(t *testing.T) {
	m := New(time.Second)

	l1, err := m.Lock("a/b", "tid1", true, "test", Options{})
	require.NoError(t, err)
	l2, err := m.Lock("a/c", "tid2", true, "test", Options{})
	require.NoError(t, err)

	l1.Release()
	l2.Release()
}

func TestSameTidNeverSelfConflicts(t *testing.T) {
	m := New(time.Second)

	l1, err := m.Lock("a", "tid1", true, "test", Options{})
	require.NoError(t, err)
	l2, err := m.Lock("a/b", "tid1", true, "test", Options{})
	require.NoError(t, err)

	l1.Release()
	l2.Release()
}

func TestMoveToParentMigratesInPlace(t *testing.T) {
	m := New(time.Second)

	l, err := m.Lock("a/b", "tid1", false, "test", Options{})
	require.NoError(t, err)
	require.NoError(t, l.MoveToParent())
	require.Equal(t, "a", string(l.Path()))

	require.NoError(t, l.MoveTo("a", true))
	require.True(t, l.ForWriting())
	l.Release()
}

func TestExpiryPoisonsTid(t *testing.T) {
	m := New(30 * time.Millisecond)

	l, err := m.Lock("a", "tid1", true, "test", Options{})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, Expired, l.State())

	// The poisoned tid is denied immediately; a fresh tid is unaffected.
	_, err = m.Lock("b", "tid1", false, "test", Options{})
	require.Error(t, err)
	require.True(t, errors.Is(err, dberrors.ErrLockExpired))

	l2, err := m.Lock("b", "tid2", false, "test", Options{})
	require.NoError(t, err)
	l2.Release()
}

func TestExpiryUnblocksWaiters(t *testing.T) {
	m := New(30 * time.Millisecond)

	_, err := m.Lock("a", "tid1", true, "test", Options{})
	require.NoError(t, err)

	// tid2 queues behind tid1's write lock; when tid1 expires, tid2 is
	// granted rather than stuck behind a dead transaction.
	l2, err := m.Lock("a", "tid2", true, "test", Options{NoTimeout: true})
	require.NoError(t, err)
	l2.Release()
}

func TestNoTimeoutLockNeverExpires(t *testing.T) {
	m := New(20 * time.Millisecond)

	l, err := m.Lock("a", "tid1", true, "test", Options{NoTimeout: true})
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, Locked, l.State())
	l.Release()
}
