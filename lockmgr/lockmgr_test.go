package lockmgr

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coredb/storage/page"
	"coredb/storage/schema"
)

// fakeTxn is the minimal lockmgr.Txn a test needs, without pulling in
// package txn (which would be an import cycle were lockmgr to depend on it).
type fakeTxn struct {
	id        uint64
	state     State
	isolation IsolationLevel
	shared    mapset.Set[RowID]
	exclusive mapset.Set[RowID]
}

func newFakeTxn(id uint64) *fakeTxn {
	return &fakeTxn{
		id:        id,
		state:     Growing,
		isolation: RepeatableRead,
		shared:    mapset.NewSet[RowID](),
		exclusive: mapset.NewSet[RowID](),
	}
}

func (t *fakeTxn) ID() uint64                             { return t.id }
func (t *fakeTxn) State() State                           { return t.state }
func (t *fakeTxn) SetState(s State)                       { t.state = s }
func (t *fakeTxn) IsolationLevel() IsolationLevel         { return t.isolation }
func (t *fakeTxn) SharedLockSet() mapset.Set[RowID]       { return t.shared }
func (t *fakeTxn) ExclusiveLockSet() mapset.Set[RowID]    { return t.exclusive }

var _ Txn = &fakeTxn{}

func rid(slot int32) RowID {
	return schema.RowID{PageID: page.ID(1), SlotNum: slot}
}

func TestLockManager_SharedLocksAreConcurrent(t *testing.T) {
	lm := NewLockManager(50 * time.Millisecond)
	defer lm.Stop()

	row := rid(1)
	t1, t2 := newFakeTxn(1), newFakeTxn(2)

	require.NoError(t, lm.LockShared(t1, row))
	require.NoError(t, lm.LockShared(t2, row))

	assert.True(t, t1.shared.Contains(row))
	assert.True(t, t2.shared.Contains(row))

	require.NoError(t, lm.Unlock(t1, row))
	require.NoError(t, lm.Unlock(t2, row))
}

func TestLockManager_ExclusiveExcludesShared(t *testing.T) {
	lm := NewLockManager(50 * time.Millisecond)
	defer lm.Stop()

	row := rid(1)
	writer := newFakeTxn(1)
	require.NoError(t, lm.LockExclusive(writer, row))

	readerGranted := make(chan struct{})
	reader := newFakeTxn(2)
	go func() {
		_ = lm.LockShared(reader, row)
		close(readerGranted)
	}()

	select {
	case <-readerGranted:
		t.Fatal("shared lock granted while exclusive lock held")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, lm.Unlock(writer, row))
	<-readerGranted
	require.NoError(t, lm.Unlock(reader, row))
}

func TestLockManager_LockUpgrade(t *testing.T) {
	lm := NewLockManager(50 * time.Millisecond)
	defer lm.Stop()

	row := rid(1)
	t1 := newFakeTxn(1)
	require.NoError(t, lm.LockShared(t1, row))

	ok, err := lm.LockUpgrade(t1, row)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, t1.shared.Contains(row))
	assert.True(t, t1.exclusive.Contains(row))

	require.NoError(t, lm.Unlock(t1, row))
}

func TestLockManager_ConcurrentUpgradeConflict(t *testing.T) {
	lm := NewLockManager(50 * time.Millisecond)
	defer lm.Stop()

	row := rid(1)
	t1, t2 := newFakeTxn(1), newFakeTxn(2)
	require.NoError(t, lm.LockShared(t1, row))
	require.NoError(t, lm.LockShared(t2, row))

	var wg sync.WaitGroup
	var err1, err2 error
	wg.Add(2)
	// an aborted upgrader still holds its shared lock; release it the way the
	// transaction manager does on abort so the surviving upgrade can finish.
	go func() {
		defer wg.Done()
		if _, err1 = lm.LockUpgrade(t1, row); err1 != nil {
			lm.ReleaseAll(t1)
		}
	}()
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		if _, err2 = lm.LockUpgrade(t2, row); err2 != nil {
			lm.ReleaseAll(t2)
		}
	}()
	wg.Wait()

	// the second upgrade attempt must fail with UpgradeConflict since an
	// upgrade is already in flight on the row.
	var abortErr *TxnAbortError
	if err1 != nil {
		assert.ErrorAs(t, err1, &abortErr)
		assert.Equal(t, UpgradeConflict, abortErr.Reason)
	} else {
		require.Error(t, err2)
		assert.ErrorAs(t, err2, &abortErr)
		assert.Equal(t, UpgradeConflict, abortErr.Reason)
	}
}

func TestLockManager_ReadUncommittedRejectsSharedLock(t *testing.T) {
	lm := NewLockManager(50 * time.Millisecond)
	defer lm.Stop()

	t1 := newFakeTxn(1)
	t1.isolation = ReadUncommitted

	err := lm.LockShared(t1, rid(1))
	var abortErr *TxnAbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, LockSharedOnReadUncommitted, abortErr.Reason)
	assert.Equal(t, Aborted, t1.State())
}

func TestLockManager_NoLockAfterShrinking(t *testing.T) {
	lm := NewLockManager(50 * time.Millisecond)
	defer lm.Stop()

	row1, row2 := rid(1), rid(2)
	t1 := newFakeTxn(1)
	require.NoError(t, lm.LockExclusive(t1, row1))
	require.NoError(t, lm.Unlock(t1, row1))
	assert.Equal(t, Shrinking, t1.State())

	err := lm.LockExclusive(t1, row2)
	var abortErr *TxnAbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, LockOnShrinking, abortErr.Reason)
}

func TestLockManager_ReleaseAll(t *testing.T) {
	lm := NewLockManager(50 * time.Millisecond)
	defer lm.Stop()

	t1 := newFakeTxn(1)
	rowA, rowB := rid(1), rid(2)
	require.NoError(t, lm.LockShared(t1, rowA))
	require.NoError(t, lm.LockExclusive(t1, rowB))

	lm.ReleaseAll(t1)
	assert.Equal(t, 0, t1.shared.Cardinality())
	assert.Equal(t, 0, t1.exclusive.Cardinality())

	t2 := newFakeTxn(2)
	require.NoError(t, lm.LockExclusive(t2, rowA))
	require.NoError(t, lm.LockExclusive(t2, rowB))
	lm.ReleaseAll(t2)
}

// recordingAborter lets the deadlock detector's abort target be observed
// without wiring a full txn.TxnManager.
type recordingAborter struct {
	mu      sync.Mutex
	aborted []uint64
	lm      *LockManager
}

func (r *recordingAborter) AbortByID(id uint64) error {
	r.mu.Lock()
	r.aborted = append(r.aborted, id)
	r.mu.Unlock()

	r.lm.mu.Lock()
	t, ok := r.lm.txns[id]
	r.lm.mu.Unlock()
	if ok {
		t.SetState(Aborted)
	}
	return nil
}

func (r *recordingAborter) wasAborted(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.aborted {
		if a == id {
			return true
		}
	}
	return false
}

func TestLockManager_DeadlockDetectionBreaksCycle(t *testing.T) {
	lm := NewLockManager(20 * time.Millisecond)
	defer lm.Stop()

	aborter := &recordingAborter{lm: lm}
	lm.SetTxnAborter(aborter)

	rowA, rowB := rid(1), rid(2)
	t1, t2 := newFakeTxn(1), newFakeTxn(2)

	require.NoError(t, lm.LockExclusive(t1, rowA))
	require.NoError(t, lm.LockExclusive(t2, rowB))

	done := make(chan struct{}, 2)
	go func() {
		_ = lm.LockExclusive(t1, rowB)
		done <- struct{}{}
	}()
	go func() {
		_ = lm.LockExclusive(t2, rowA)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock was never broken")
	}

	assert.True(t, aborter.wasAborted(1) || aborter.wasAborted(2))
}

// TestLockManager_BulkUpgradeContention mirrors the spec's bulk upgrade
// scenario: many transactions all hold a shared lock on the same row and
// race to upgrade it; exactly one upgrade may succeed, every other attempt
// must fail with UpgradeConflict rather than silently granting two writers.
func TestLockManager_BulkUpgradeContention(t *testing.T) {
	lm := NewLockManager(50 * time.Millisecond)
	defer lm.Stop()

	row := rid(1)
	const n = 1000
	txns := make([]*fakeTxn, n)
	for i := 0; i < n; i++ {
		txns[i] = newFakeTxn(uint64(i + 1))
		require.NoError(t, lm.LockShared(txns[i], row))
	}

	var wg sync.WaitGroup
	var succeeded int32
	wg.Add(n)
	for _, tx := range txns {
		tx := tx
		go func() {
			defer wg.Done()
			ok, err := lm.LockUpgrade(tx, row)
			if err != nil {
				lm.ReleaseAll(tx)
			}
			if err == nil && ok {
				atomic.AddInt32(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded)
}

// TestLockManager_BulkTwoPhaseLocking mirrors the spec's bulk 2PL scenario:
// many transactions alternately take shared and exclusive locks on disjoint
// rows, sleep briefly, then release everything and commit — none of them
// should deadlock or abort since none of them actually wait on each other.
func TestLockManager_BulkTwoPhaseLocking(t *testing.T) {
	lm := NewLockManager(50 * time.Millisecond)
	defer lm.Stop()

	const n = 100
	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			tx := newFakeTxn(uint64(i + 1))
			row := rid(int32(i))
			var err error
			if i%2 == 0 {
				err = lm.LockShared(tx, row)
			} else {
				err = lm.LockExclusive(tx, row)
			}
			if err != nil {
				errs[i] = err
				return
			}
			time.Sleep(time.Millisecond)
			lm.ReleaseAll(tx)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "txn %d", i)
	}
}
