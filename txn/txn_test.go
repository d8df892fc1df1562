package txn

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coredb/lockmgr"
	"coredb/recovery"
	"coredb/storage/schema"
)

// discardWriter drops everything written to it, so tests don't need a real
// log file to exercise TxnManager's logging side effects.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestManager(t *testing.T) *TxnManager {
	t.Helper()
	lm := recovery.NewLogManager(discardWriter{})
	// Commit waits for its commit record to be flushed, as in the engine.
	lm.RunFlusher()
	t.Cleanup(lm.StopFlusher)
	rm := recovery.NewRecoveryManager(lm)
	rm.Init(nil)
	lockMgr := lockmgr.NewLockManager(20 * time.Millisecond)
	t.Cleanup(lockMgr.Stop)
	return NewTxnManager(lm, rm, lockMgr)
}

func TestTxnManager_BeginAssignsIncreasingIDs(t *testing.T) {
	tm := newTestManager(t)

	t1 := tm.Begin(RepeatableRead)
	t2 := tm.Begin(RepeatableRead)

	assert.NotEqual(t, t1.ID(), t2.ID())
	assert.Equal(t, Growing, t1.State())
	assert.ElementsMatch(t, []uint64{t1.ID(), t2.ID()}, tm.ActiveTransactions())
}

func TestTxnManager_CommitReleasesLocksAndRetires(t *testing.T) {
	tm := newTestManager(t)
	t1 := tm.Begin(RepeatableRead)

	row := schema.RowID{SlotNum: 1}
	require.NoError(t, tm.lockMgr.LockExclusive(t1, row))

	tm.Commit(t1)

	assert.Equal(t, Committed, t1.State())
	assert.Empty(t, tm.ActiveTransactions())
	assert.Equal(t, 0, t1.ExclusiveLockSet().Cardinality())
}

func TestTxnManager_AbortRollsBackAndReleasesLocks(t *testing.T) {
	tm := newTestManager(t)
	t1 := tm.Begin(RepeatableRead)

	key := []byte("row-" + uuid.New().String())
	rec := recovery.NewInsertLogRec(t1.ID(), t1.PrevLSN(), key, []byte("v1"))
	lsn := tm.lm.AppendLog(rec)
	t1.SetPrevLSN(lsn)
	tm.rm.RedoPhase()

	_, ok := tm.rm.Get(string(key))
	require.True(t, ok)

	row := schema.RowID{SlotNum: 2}
	require.NoError(t, tm.lockMgr.LockExclusive(t1, row))

	require.NoError(t, tm.Abort(t1))

	assert.Equal(t, Aborted, t1.State())
	_, ok = tm.rm.Get(string(key))
	assert.False(t, ok, "insert should have been undone by abort")
	assert.Equal(t, 0, t1.ExclusiveLockSet().Cardinality())
	assert.Empty(t, tm.ActiveTransactions())
}

func TestTxnManager_CommitByID_UnknownTxn(t *testing.T) {
	tm := newTestManager(t)
	assert.Error(t, tm.CommitByID(999))
}

func TestTxnManager_AbortByID_IsLockMgrAborterCallback(t *testing.T) {
	tm := newTestManager(t)
	t1 := tm.Begin(RepeatableRead)

	row := schema.RowID{SlotNum: 3}
	require.NoError(t, tm.lockMgr.LockExclusive(t1, row))

	require.NoError(t, tm.AbortByID(t1.ID()))
	assert.Equal(t, Aborted, t1.State())
}

func TestTxnManager_BlockNewTransactions(t *testing.T) {
	tm := newTestManager(t)

	tm.BlockNewTransactions()
	began := make(chan struct{})
	go func() {
		tm.Begin(RepeatableRead)
		close(began)
	}()

	select {
	case <-began:
		t.Fatal("Begin proceeded while new transactions were blocked")
	default:
	}
	tm.ResumeNewTransactions()
	<-began
}
