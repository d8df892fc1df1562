package recovery

import (
	"encoding/binary"
	"io"
	"sync"
)

// Checkpoint is a point-in-time snapshot a RecoveryManager can Init from:
// the last LSN known durable, the active-transaction table at that point,
// and the logical data image.
type Checkpoint struct {
	PersistLSN uint64
	ATT        map[uint64]uint64 // txnID -> last LSN
	Data       map[string][]byte
}

// CheckpointManager takes fuzzy checkpoints: it blocks new transactions
// only for the instant it reads RecoveryManager's in-memory state, mirroring
// helindb's concurrency/checkpoint_manager.go TakeCheckpoint shape (block,
// snapshot, resume) without that implementation's page-flush step, since
// this module's image lives in RecoveryManager rather than the buffer pool.
type CheckpointManager struct {
	mu sync.Mutex
	tm blocker
	rm *RecoveryManager
}

// blocker is the slice of TxnManager a CheckpointManager needs; txn.TxnManager
// implements it. Declared here (rather than importing package txn) to avoid
// a recovery->txn->recovery import cycle.
type blocker interface {
	BlockAllTransactions()
	ResumeTransactions()
}

func NewCheckpointManager(tm blocker, rm *RecoveryManager) *CheckpointManager {
	return &CheckpointManager{tm: tm, rm: rm}
}

// TakeCheckpoint snapshots the current database image and ATT under a
// transaction-manager-wide block, for use as a later restart's Init input.
func (c *CheckpointManager) TakeCheckpoint() *Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tm.BlockAllTransactions()
	cp := c.rm.Snapshot()
	c.tm.ResumeTransactions()
	return cp
}

// SerializeCheckpoint writes cp in a fixed-then-variable layout mirroring
// serializer.go's log record encoding: persistLsn(8) | attLen(4) |
// [txnID(8) lastLsn(8)]... | dataLen(4) | [keyLen(4) key valLen(4) val]...
func SerializeCheckpoint(cp *Checkpoint) []byte {
	buf := make([]byte, 0, 16+16*len(cp.ATT))
	buf = binary.BigEndian.AppendUint64(buf, cp.PersistLSN)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(cp.ATT)))
	for txnID, lsn := range cp.ATT {
		buf = binary.BigEndian.AppendUint64(buf, txnID)
		buf = binary.BigEndian.AppendUint64(buf, lsn)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(cp.Data)))
	for k, v := range cp.Data {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(k)))
		buf = append(buf, k...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}
	return buf
}

// DeserializeCheckpoint reads a checkpoint written by SerializeCheckpoint.
func DeserializeCheckpoint(r io.Reader) (*Checkpoint, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	cp := &Checkpoint{PersistLSN: binary.BigEndian.Uint64(hdr[0:8])}

	attLen := binary.BigEndian.Uint32(hdr[8:12])
	cp.ATT = make(map[uint64]uint64, attLen)
	var kv [16]byte
	for i := uint32(0); i < attLen; i++ {
		if _, err := io.ReadFull(r, kv[:]); err != nil {
			return nil, err
		}
		cp.ATT[binary.BigEndian.Uint64(kv[0:8])] = binary.BigEndian.Uint64(kv[8:16])
	}

	var dataLenBuf [4]byte
	if _, err := io.ReadFull(r, dataLenBuf[:]); err != nil {
		return nil, err
	}
	dataLen := binary.BigEndian.Uint32(dataLenBuf[:])
	cp.Data = make(map[string][]byte, dataLen)
	var lenBuf [4]byte
	for i := uint32(0); i < dataLen; i++ {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		key := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		val := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(r, val); err != nil {
			return nil, err
		}
		cp.Data[string(key)] = val
	}
	return cp, nil
}
