// Package lockmgr implements row-level two-phase locking: shared/exclusive
// locks with upgrade, FIFO request queues per row, and a background
// wait-for-graph cycle detector that aborts the newest transaction in any
// deadlock it finds.
package lockmgr

import (
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	deadlock "github.com/sasha-s/go-deadlock"

	"coredb/storage/schema"
)

type RowID = schema.RowID

// State is a transaction's two-phase-locking phase.
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "Growing"
	case Shrinking:
		return "Shrinking"
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// IsolationLevel is the transaction's isolation policy, which gates whether
// LockShared is even meaningful (ReadUncommitted never takes shared locks).
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
)

// AbortReason classifies why the lock manager aborted a transaction.
type AbortReason int

const (
	LockSharedOnReadUncommitted AbortReason = iota
	LockOnShrinking
	UpgradeConflict
	Deadlock
)

func (r AbortReason) String() string {
	switch r {
	case LockSharedOnReadUncommitted:
		return "LockSharedOnReadUncommitted"
	case LockOnShrinking:
		return "LockOnShrinking"
	case UpgradeConflict:
		return "UpgradeConflict"
	case Deadlock:
		return "Deadlock"
	default:
		return "Unknown"
	}
}

// TxnAbortError is returned by a lock acquisition that cannot proceed
// because of the transaction's own state (2PL violation, upgrade conflict)
// rather than an I/O failure.
type TxnAbortError struct {
	TxnID  uint64
	Reason AbortReason
}

func (e *TxnAbortError) Error() string {
	return fmt.Sprintf("lockmgr: txn %d aborted: %s", e.TxnID, e.Reason)
}

// Txn is the minimal view of a transaction the lock manager needs: enough
// to enforce 2PL preconditions and flip Growing->Shrinking on first unlock.
// txn.Txn implements this; lockmgr never imports package txn, so txn is free
// to depend on lockmgr instead (no import cycle).
type Txn interface {
	ID() uint64
	State() State
	SetState(State)
	IsolationLevel() IsolationLevel
	SharedLockSet() mapset.Set[RowID]
	ExclusiveLockSet() mapset.Set[RowID]
}

// TxnAborter is the callback surface the background deadlock detector uses
// to abort a transaction by id; txn.TxnManager implements it.
type TxnAborter interface {
	AbortByID(txnID uint64) error
}

type lockMode int

const (
	modeNone lockMode = iota
	modeShared
	modeExclusive
)

type lockRequest struct {
	txnID   uint64
	wanted  lockMode
	granted lockMode
}

// requestQueue is one row's FIFO lock request list plus the condition
// variable every waiter blocks on.
type requestQueue struct {
	mu          deadlock.Mutex
	cond        *sync.Cond
	requests    []*lockRequest
	sharingCnt  int
	isWriting   bool
	isUpgrading bool
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *requestQueue) find(txnID uint64) *lockRequest {
	for _, r := range q.requests {
		if r.txnID == txnID {
			return r
		}
	}
	return nil
}

func (q *requestQueue) remove(txnID uint64) bool {
	for i, r := range q.requests {
		if r.txnID == txnID {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return true
		}
	}
	return false
}

// LockManager grants row-level shared/exclusive locks under strict 2PL and
// detects deadlocks among blocked transactions.
type LockManager struct {
	mu    deadlock.Mutex
	table map[RowID]*requestQueue

	waitsFor map[uint64]mapset.Set[uint64]

	// txns indexes every transaction the manager has seen a lock request
	// from, so the deadlock detector and ReleaseAll can reach a txn's lock
	// sets by id alone.
	txns map[uint64]Txn

	aborter  TxnAborter
	interval time.Duration
	stopCh   chan struct{}
	stopped  bool
}

// NewLockManager starts the lock manager's background cycle detector,
// running every interval.
func NewLockManager(interval time.Duration) *LockManager {
	lm := &LockManager{
		table:    make(map[RowID]*requestQueue),
		waitsFor: make(map[uint64]mapset.Set[uint64]),
		txns:     make(map[uint64]Txn),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	go lm.runCycleDetection()
	return lm
}

// SetTxnAborter wires the callback the deadlock detector uses to abort the
// newest transaction in a cycle it finds.
func (lm *LockManager) SetTxnAborter(a TxnAborter) {
	lm.mu.Lock()
	lm.aborter = a
	lm.mu.Unlock()
}

// Stop halts the background cycle detector. Safe to call once.
func (lm *LockManager) Stop() {
	lm.mu.Lock()
	if lm.stopped {
		lm.mu.Unlock()
		return
	}
	lm.stopped = true
	lm.mu.Unlock()
	close(lm.stopCh)
}

func (lm *LockManager) queueFor(rid RowID) *requestQueue {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	q, ok := lm.table[rid]
	if !ok {
		q = newRequestQueue()
		lm.table[rid] = q
	}
	return q
}

// remember indexes txn by id so the deadlock detector and ReleaseAll can
// look it up later without the caller threading it through every call.
func (lm *LockManager) remember(txn Txn) {
	lm.mu.Lock()
	lm.txns[txn.ID()] = txn
	lm.mu.Unlock()
}

// LockShared acquires a shared lock on rid on txn's behalf, blocking while
// the row is exclusively locked or an upgrade on it is pending.
func (lm *LockManager) LockShared(txn Txn, rid RowID) error {
	if txn.IsolationLevel() == ReadUncommitted {
		txn.SetState(Aborted)
		return &TxnAbortError{TxnID: txn.ID(), Reason: LockSharedOnReadUncommitted}
	}
	if txn.State() != Growing {
		txn.SetState(Aborted)
		return &TxnAbortError{TxnID: txn.ID(), Reason: LockOnShrinking}
	}

	lm.remember(txn)

	q := lm.queueFor(rid)
	q.mu.Lock()
	req := &lockRequest{txnID: txn.ID(), wanted: modeShared}
	q.requests = append(q.requests, req)
	for (q.isWriting || q.isUpgrading) && txn.State() != Aborted {
		q.cond.Wait()
	}
	if txn.State() == Aborted {
		q.remove(txn.ID())
		q.cond.Broadcast()
		q.mu.Unlock()
		return &TxnAbortError{TxnID: txn.ID(), Reason: Deadlock}
	}
	req.granted = modeShared
	q.sharingCnt++
	q.cond.Broadcast()
	q.mu.Unlock()

	txn.SharedLockSet().Add(rid)
	return nil
}

// LockExclusive acquires an exclusive lock on rid, blocking while any
// shared or exclusive lock, or a queued upgrade, is outstanding.
func (lm *LockManager) LockExclusive(txn Txn, rid RowID) error {
	if txn.State() != Growing {
		txn.SetState(Aborted)
		return &TxnAbortError{TxnID: txn.ID(), Reason: LockOnShrinking}
	}

	lm.remember(txn)

	q := lm.queueFor(rid)
	q.mu.Lock()
	req := &lockRequest{txnID: txn.ID(), wanted: modeExclusive}
	q.requests = append(q.requests, req)
	for (q.isWriting || q.isUpgrading || q.sharingCnt > 0) && txn.State() != Aborted {
		q.cond.Wait()
	}
	if txn.State() == Aborted {
		q.remove(txn.ID())
		q.cond.Broadcast()
		q.mu.Unlock()
		return &TxnAbortError{TxnID: txn.ID(), Reason: Deadlock}
	}
	req.granted = modeExclusive
	q.isWriting = true
	q.cond.Broadcast()
	q.mu.Unlock()

	txn.ExclusiveLockSet().Add(rid)
	return nil
}

// LockUpgrade promotes txn's existing shared lock on rid to exclusive.
// Returns a TxnAbortError{UpgradeConflict} if another upgrade on rid is
// already in flight, and false (no error) if txn's request vanished from
// the queue while waiting (it was aborted by the deadlock detector).
func (lm *LockManager) LockUpgrade(txn Txn, rid RowID) (bool, error) {
	if txn.State() != Growing {
		txn.SetState(Aborted)
		return false, &TxnAbortError{TxnID: txn.ID(), Reason: LockOnShrinking}
	}

	q := lm.queueFor(rid)
	q.mu.Lock()
	if q.isUpgrading {
		q.mu.Unlock()
		txn.SetState(Aborted)
		return false, &TxnAbortError{TxnID: txn.ID(), Reason: UpgradeConflict}
	}
	existing := q.find(txn.ID())
	if existing == nil {
		q.mu.Unlock()
		return false, fmt.Errorf("lockmgr: txn %d has no lock on %s to upgrade", txn.ID(), rid)
	}

	q.isUpgrading = true
	for (q.isWriting || q.sharingCnt > 1) && txn.State() != Aborted {
		q.cond.Wait()
	}
	if txn.State() == Aborted || q.find(txn.ID()) == nil {
		// txn was aborted by the deadlock detector while waiting.
		q.remove(txn.ID())
		q.isUpgrading = false
		q.cond.Broadcast()
		q.mu.Unlock()
		return false, nil
	}

	existing.granted = modeExclusive
	q.sharingCnt--
	q.isWriting = true
	q.isUpgrading = false
	q.cond.Broadcast()
	q.mu.Unlock()

	txn.SharedLockSet().Remove(rid)
	txn.ExclusiveLockSet().Add(rid)
	return true, nil
}

// Unlock releases txn's lock on rid, transitioning txn out of Growing on its
// first call.
func (lm *LockManager) Unlock(txn Txn, rid RowID) error {
	q := lm.queueFor(rid)
	q.mu.Lock()
	req := q.find(txn.ID())
	if req == nil {
		q.mu.Unlock()
		return fmt.Errorf("lockmgr: txn %d has no lock on %s", txn.ID(), rid)
	}
	switch req.granted {
	case modeShared:
		q.sharingCnt--
	case modeExclusive:
		q.isWriting = false
	}
	q.remove(txn.ID())
	q.cond.Broadcast()
	q.mu.Unlock()

	txn.SharedLockSet().Remove(rid)
	txn.ExclusiveLockSet().Remove(rid)

	if txn.State() == Growing {
		txn.SetState(Shrinking)
	}
	return nil
}

// ReleaseAll unlocks every row txn currently holds, used by TxnManager on
// commit and abort.
func (lm *LockManager) ReleaseAll(txn Txn) {
	rows := append(txn.SharedLockSet().ToSlice(), txn.ExclusiveLockSet().ToSlice()...)
	for _, rid := range rows {
		_ = lm.Unlock(txn, rid)
	}
}
