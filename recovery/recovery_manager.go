package recovery

import (
	"fmt"
	"sync"
)

// RecoveryManager replays a LogManager's chain onto an in-memory key/value
// image: Init loads a checkpoint, RedoPhase reapplies every logged
// operation from persist_lsn forward, and UndoPhase rolls back every
// transaction still active at the end of redo (the "losers"). The same
// Rollback primitive backs a live transaction's runtime abort.
type RecoveryManager struct {
	mu sync.Mutex

	persistLSN uint64
	att        map[uint64]uint64 // txnID -> last lsn seen
	data       map[string][]byte

	lm *LogManager
}

func NewRecoveryManager(lm *LogManager) *RecoveryManager {
	return &RecoveryManager{
		att:  make(map[uint64]uint64),
		data: make(map[string][]byte),
		lm:   lm,
	}
}

// Init loads persistLSN, the active-transaction table, and the data image
// from cp. Passing nil starts from an empty database.
func (r *RecoveryManager) Init(cp *Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cp == nil {
		r.persistLSN = InvalidLSN
		r.att = make(map[uint64]uint64)
		r.data = make(map[string][]byte)
		return
	}
	r.persistLSN = cp.PersistLSN
	r.att = make(map[uint64]uint64, len(cp.ATT))
	for k, v := range cp.ATT {
		r.att[k] = v
	}
	r.data = make(map[string][]byte, len(cp.Data))
	for k, v := range cp.Data {
		r.data[k] = v
	}
}

// RedoPhase reapplies every logged record with lsn >= persistLSN, in
// ascending lsn order, updating the ATT as it goes.
func (r *RecoveryManager) RedoPhase() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.lm.AllInOrder() {
		if rec.LSN < r.persistLSN {
			continue
		}
		r.applyLocked(rec)
	}
}

// applyLocked mutates the data image and ATT per rec.Type. Caller must hold
// r.mu.
func (r *RecoveryManager) applyLocked(rec *LogRec) {
	switch rec.Type {
	case TypeBegin:
		r.att[rec.TxnID] = rec.LSN
	case TypeInsert:
		r.data[string(rec.Key)] = rec.Val
		r.att[rec.TxnID] = rec.LSN
	case TypeDelete:
		delete(r.data, string(rec.Key))
		r.att[rec.TxnID] = rec.LSN
	case TypeUpdate:
		delete(r.data, string(rec.Key))
		r.data[string(rec.Key)] = rec.Val
		r.att[rec.TxnID] = rec.LSN
	case TypeCommit:
		delete(r.att, rec.TxnID)
	case TypeAbort:
		r.rollbackLocked(rec.TxnID)
		delete(r.att, rec.TxnID)
	}
}

// Rollback walks txnID's log chain backward from its last known lsn,
// inverting each operation, and stops at InvalidLSN or a missing record.
// Safe to call on a still-running transaction (runtime abort) as well as
// during UndoPhase.
func (r *RecoveryManager) Rollback(txnID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rollbackLocked(txnID)
}

func (r *RecoveryManager) rollbackLocked(txnID uint64) error {
	lsn, ok := r.att[txnID]
	if !ok {
		return nil
	}
	for lsn != InvalidLSN {
		rec, ok := r.lm.Get(lsn)
		if !ok {
			return fmt.Errorf("recovery: missing log record at lsn %d for txn %d", lsn, txnID)
		}
		if inv := rec.Negate(); inv != nil {
			r.applyUndoLocked(inv)
		}
		lsn = rec.PrevLSN
	}
	return nil
}

// applyUndoLocked applies a CLR (the logical negation of a forward record)
// to the data image only; it never touches the ATT, which rollbackLocked's
// caller (RedoPhase's Abort case, UndoPhase, or a runtime AbortByID) manages.
func (r *RecoveryManager) applyUndoLocked(rec *LogRec) {
	switch rec.Type {
	case TypeInsert:
		r.data[string(rec.Key)] = rec.Val
	case TypeDelete:
		delete(r.data, string(rec.Key))
	case TypeUpdate:
		r.data[string(rec.Key)] = rec.Val
	}
}

// UndoPhase rolls back every transaction still in the ATT after redo (the
// losers that never committed or aborted) and clears the ATT.
func (r *RecoveryManager) UndoPhase() {
	r.mu.Lock()
	losers := make([]uint64, 0, len(r.att))
	for txnID := range r.att {
		losers = append(losers, txnID)
	}
	r.mu.Unlock()

	for _, txnID := range losers {
		_ = r.Rollback(txnID)
	}

	r.mu.Lock()
	r.att = make(map[uint64]uint64)
	r.mu.Unlock()
}

// Get reads key from the current data image.
func (r *RecoveryManager) Get(key string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.data[key]
	return v, ok
}

// ActiveTransactions reports the ATT's current keys.
func (r *RecoveryManager) ActiveTransactions() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, 0, len(r.att))
	for txnID := range r.att {
		out = append(out, txnID)
	}
	return out
}

// Snapshot returns a deep-enough copy of the current image and ATT for use
// as a future Init checkpoint.
func (r *RecoveryManager) Snapshot() *Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	att := make(map[uint64]uint64, len(r.att))
	for k, v := range r.att {
		att[k] = v
	}
	data := make(map[string][]byte, len(r.data))
	for k, v := range r.data {
		data[k] = v
	}
	return &Checkpoint{PersistLSN: r.lm.GetFlushedLSN(), ATT: att, Data: data}
}
