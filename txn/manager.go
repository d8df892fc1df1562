package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"coredb/lockmgr"
	"coredb/recovery"
)

// TxnManager owns every transaction's lifecycle: Begin assigns an id and
// logs a Begin record, Commit/Abort log a terminal record, release the
// transaction's locks, and retire it from the active set. It implements
// lockmgr.TxnAborter so the background deadlock detector can abort a
// transaction by id without importing this package. Grounded on helindb's
// concurrency/txn_manager.go (actives map, BlockAllTransactions via a plain
// mutex held across the block, BlockNewTransactions via a separate RWMutex
// so checkpointing can freeze the active set without stalling unrelated
// reads of it).
type TxnManager struct {
	mu      sync.Mutex
	newTxn  sync.RWMutex
	actives map[uint64]*Txn
	counter atomic.Uint64

	lm  *recovery.LogManager
	rm  *recovery.RecoveryManager
	lockMgr *lockmgr.LockManager
}

var _ lockmgr.TxnAborter = &TxnManager{}

func NewTxnManager(lm *recovery.LogManager, rm *recovery.RecoveryManager, lockMgr *lockmgr.LockManager) *TxnManager {
	tm := &TxnManager{
		actives: make(map[uint64]*Txn),
		lm:      lm,
		rm:      rm,
		lockMgr: lockMgr,
	}
	lockMgr.SetTxnAborter(tm)
	return tm
}

// Begin starts a new transaction under isolation and logs its Begin record.
func (tm *TxnManager) Begin(isolation IsolationLevel) *Txn {
	tm.newTxn.RLock()
	defer tm.newTxn.RUnlock()

	tm.mu.Lock()
	defer tm.mu.Unlock()

	id := tm.counter.Add(1)
	t := newTxn(id, isolation)
	tm.actives[id] = t

	lsn := tm.lm.AppendLog(recovery.NewBeginLogRec(id))
	t.SetPrevLSN(lsn)
	return t
}

// Commit waits until the commit record is durable before releasing locks
// and retiring the transaction, guaranteeing the commit survives a crash
// once this call returns.
func (tm *TxnManager) Commit(t *Txn) {
	tm.commit(t, true)
}

// AsyncCommit is Commit without waiting for the commit record to flush.
func (tm *TxnManager) AsyncCommit(t *Txn) {
	tm.commit(t, false)
}

func (tm *TxnManager) commit(t *Txn, wait bool) {
	rec := recovery.NewCommitLogRec(t.ID(), t.PrevLSN())
	if wait {
		lsn := tm.lm.WaitAppendLog(rec)
		t.SetPrevLSN(lsn)
	} else {
		lsn := tm.lm.AppendLog(rec)
		t.SetPrevLSN(lsn)
	}

	t.SetState(Committed)
	tm.lockMgr.ReleaseAll(t)

	tm.mu.Lock()
	delete(tm.actives, t.ID())
	tm.mu.Unlock()
}

// CommitByID commits the active transaction identified by id.
func (tm *TxnManager) CommitByID(id uint64) error {
	tm.mu.Lock()
	t, ok := tm.actives[id]
	tm.mu.Unlock()
	if !ok {
		return fmt.Errorf("txn: no active transaction %d", id)
	}
	tm.Commit(t)
	return nil
}

// Abort rolls t's logged operations back, releases its locks, and retires
// it.
func (tm *TxnManager) Abort(t *Txn) error {
	return tm.AbortByID(t.ID())
}

// AbortByID implements lockmgr.TxnAborter: it is also the path the
// background deadlock detector uses to abort the newest transaction in a
// cycle. Setting the Aborted state before releasing locks is what lets a
// transaction still parked in lockmgr.LockShared/LockExclusive's cond.Wait
// notice the abort once the lock manager broadcasts.
func (tm *TxnManager) AbortByID(id uint64) error {
	tm.mu.Lock()
	t, ok := tm.actives[id]
	tm.mu.Unlock()
	if !ok {
		return fmt.Errorf("txn: no active transaction %d", id)
	}

	t.SetState(Aborted)
	if err := tm.rm.Rollback(id); err != nil {
		return err
	}
	tm.lockMgr.ReleaseAll(t)
	tm.lm.AppendLog(recovery.NewAbortLogRec(id, t.PrevLSN()))

	tm.mu.Lock()
	delete(tm.actives, id)
	tm.mu.Unlock()
	return nil
}

// BlockAllTransactions holds the manager's mutex until ResumeTransactions,
// which stalls Begin, AbortByID, ActiveTransactions and the final retire
// step of Commit. Lock acquisition and the log append and lock release
// inside Commit do not take this mutex and are not blocked.
// Used by CheckpointManager around its snapshot.
func (tm *TxnManager) BlockAllTransactions() {
	tm.mu.Lock()
}

func (tm *TxnManager) ResumeTransactions() {
	tm.mu.Unlock()
}

// BlockNewTransactions prevents Begin from admitting new transactions,
// independent of BlockAllTransactions, so a checkpoint can freeze the
// active-transaction set without stalling transactions already running.
func (tm *TxnManager) BlockNewTransactions() {
	tm.newTxn.Lock()
}

func (tm *TxnManager) ResumeNewTransactions() {
	tm.newTxn.Unlock()
}

// ActiveTransactions reports the ids of every currently running transaction.
func (tm *TxnManager) ActiveTransactions() []uint64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	out := make([]uint64, 0, len(tm.actives))
	for id := range tm.actives {
		out = append(out, id)
	}
	return out
}
