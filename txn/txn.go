// Package txn implements the transaction object and manager: transaction
// lifecycle (Begin/Commit/Abort), isolation level, and the lock sets a
// transaction accumulates as it runs.
package txn

import (
	mapset "github.com/deckarep/golang-set/v2"

	"coredb/lockmgr"
	"coredb/storage/schema"
)

// State and IsolationLevel are lockmgr's: the lock manager owns the 2PL
// state machine's vocabulary since it is the component enforcing it.
type State = lockmgr.State
type IsolationLevel = lockmgr.IsolationLevel

const (
	Growing   = lockmgr.Growing
	Shrinking = lockmgr.Shrinking
	Committed = lockmgr.Committed
	Aborted   = lockmgr.Aborted

	ReadUncommitted = lockmgr.ReadUncommitted
	ReadCommitted   = lockmgr.ReadCommitted
	RepeatableRead  = lockmgr.RepeatableRead
)

// Txn tracks one transaction's locking state. It implements lockmgr.Txn.
type Txn struct {
	id        uint64
	state     State
	isolation IsolationLevel

	sharedSet    mapset.Set[schema.RowID]
	exclusiveSet mapset.Set[schema.RowID]

	prevLSN uint64
}

var _ lockmgr.Txn = &Txn{}

func newTxn(id uint64, isolation IsolationLevel) *Txn {
	return &Txn{
		id:           id,
		state:        Growing,
		isolation:    isolation,
		sharedSet:    mapset.NewSet[schema.RowID](),
		exclusiveSet: mapset.NewSet[schema.RowID](),
		prevLSN:      0, // treated as recovery's INVALID_LSN sentinel
	}
}

func (t *Txn) ID() uint64                       { return t.id }
func (t *Txn) State() State                     { return t.state }
func (t *Txn) SetState(s State)                 { t.state = s }
func (t *Txn) IsolationLevel() IsolationLevel    { return t.isolation }
func (t *Txn) SharedLockSet() mapset.Set[schema.RowID]    { return t.sharedSet }
func (t *Txn) ExclusiveLockSet() mapset.Set[schema.RowID] { return t.exclusiveSet }

func (t *Txn) PrevLSN() uint64     { return t.prevLSN }
func (t *Txn) SetPrevLSN(lsn uint64) { t.prevLSN = lsn }
