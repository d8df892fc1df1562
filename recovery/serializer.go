package recovery

import (
	"encoding/binary"
	"fmt"
	"io"
)

// serialize writes r in a fixed-then-variable layout: type(1) | txnID(8) |
// lsn(8) | prevLsn(8) | len(key)(4) | len(val)(4) | len(oldVal)(4) | key |
// val | oldVal. Mirrors helindb's log_record_serializer.go field ordering
// (fixed header first, then variable-length payloads).
func serialize(r *LogRec) []byte {
	buf := make([]byte, 0, 33+len(r.Key)+len(r.Val)+len(r.OldVal))
	buf = append(buf, byte(r.Type))
	buf = binary.BigEndian.AppendUint64(buf, r.TxnID)
	buf = binary.BigEndian.AppendUint64(buf, r.LSN)
	buf = binary.BigEndian.AppendUint64(buf, r.PrevLSN)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Key)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Val)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.OldVal)))
	buf = append(buf, r.Key...)
	buf = append(buf, r.Val...)
	buf = append(buf, r.OldVal...)
	return buf
}

// deserialize reads one record from src, mirroring serialize's layout.
func deserialize(src io.Reader) (*LogRec, error) {
	var hdr [33]byte
	if _, err := io.ReadFull(src, hdr[:]); err != nil {
		return nil, err
	}
	r := &LogRec{
		Type:    LogRecType(hdr[0]),
		TxnID:   binary.BigEndian.Uint64(hdr[1:9]),
		LSN:     binary.BigEndian.Uint64(hdr[9:17]),
		PrevLSN: binary.BigEndian.Uint64(hdr[17:25]),
	}
	keyLen := binary.BigEndian.Uint32(hdr[25:29])
	valLen := binary.BigEndian.Uint32(hdr[29:33])
	var oldLenBuf [4]byte
	if _, err := io.ReadFull(src, oldLenBuf[:]); err != nil {
		return nil, err
	}
	oldLen := binary.BigEndian.Uint32(oldLenBuf[:])

	if keyLen > 0 {
		r.Key = make([]byte, keyLen)
		if _, err := io.ReadFull(src, r.Key); err != nil {
			return nil, err
		}
	}
	if valLen > 0 {
		r.Val = make([]byte, valLen)
		if _, err := io.ReadFull(src, r.Val); err != nil {
			return nil, err
		}
	}
	if oldLen > 0 {
		r.OldVal = make([]byte, oldLen)
		if _, err := io.ReadFull(src, r.OldVal); err != nil {
			return nil, err
		}
	}
	return r, nil
}

var errShortWrite = fmt.Errorf("recovery: short write")
