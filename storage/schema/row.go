package schema

import (
	"encoding/binary"
	"fmt"

	"coredb/storage/page"
)

// RowID locates a row within a table: the heap page holding it and its slot
// number inside that page's slot array. It doubles as the value type stored
// in a B+tree index.
type RowID struct {
	PageID  page.ID
	SlotNum int32
}

var InvalidRowID = RowID{PageID: page.InvalidID, SlotNum: -1}

func (r RowID) IsValid() bool { return r.PageID != page.InvalidID }

// Pack encodes RowID into a uint64 for use as a B+tree leaf value or a map
// key: the high 32 bits are the page id, the low 32 bits the slot number.
func (r RowID) Pack() uint64 {
	return uint64(uint32(r.PageID))<<32 | uint64(uint32(r.SlotNum))
}

func UnpackRowID(v uint64) RowID {
	return RowID{PageID: page.ID(int32(v >> 32)), SlotNum: int32(uint32(v))}
}

func (r RowID) String() string {
	return fmt.Sprintf("RowID{%d,%d}", r.PageID, r.SlotNum)
}

// Row is one tuple's in-memory representation: its location (once inserted)
// and one Value per column of the schema it was built against.
type Row struct {
	RID    RowID
	Fields []Value
}

func NewRow(fields []Value) *Row {
	return &Row{RID: InvalidRowID, Fields: fields}
}

// GetSerializedSize returns the wire size of the row under schema: its
// RowID, a null bitmap (one bit per field), and every field's fixed-width
// payload.
func (r *Row) GetSerializedSize(s *Schema) int {
	if len(r.Fields) != s.ColumnCount() {
		panic("schema: row field count does not match schema column count")
	}
	size := 8 // RowID
	size += nullBitmapSize(len(r.Fields))
	for i, f := range r.Fields {
		size += f.SerializedSize(s.GetColumn(i).Length)
	}
	return size
}

func (r *Row) SerializeTo(buf []byte, s *Schema) int {
	if len(r.Fields) != s.ColumnCount() {
		panic("schema: row field count does not match schema column count")
	}

	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(int32(r.RID.PageID)))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(r.RID.SlotNum))
	off += 4

	nb := nullBitmapSize(len(r.Fields))
	bitmap := buf[off : off+nb]
	for i := range bitmap {
		bitmap[i] = 0
	}
	for i, f := range r.Fields {
		if f.Null {
			bitmap[i/8] |= 1 << (i % 8)
		}
	}
	off += nb

	for i, f := range r.Fields {
		col := s.GetColumn(i)
		f.Serialize(buf[off:], col.Length)
		off += f.SerializedSize(col.Length)
	}
	return off
}

// DeserializeRow reads a Row out of buf for the given schema.
func DeserializeRow(buf []byte, s *Schema) (*Row, int) {
	off := 0
	pid := page.ID(int32(binary.BigEndian.Uint32(buf[off:])))
	off += 4
	slot := int32(binary.BigEndian.Uint32(buf[off:]))
	off += 4

	nb := nullBitmapSize(s.ColumnCount())
	bitmap := buf[off : off+nb]
	off += nb

	fields := make([]Value, s.ColumnCount())
	for i := 0; i < s.ColumnCount(); i++ {
		col := s.GetColumn(i)
		isNull := bitmap[i/8]&(1<<(i%8)) != 0
		v := Deserialize(col.Kind, col.Length, buf[off:])
		v.Null = isNull
		fields[i] = v
		off += v.SerializedSize(col.Length)
	}

	return &Row{RID: RowID{PageID: pid, SlotNum: slot}, Fields: fields}, off
}

// KeyFromRow projects row (shaped per full) down to keySchema's columns, in
// keySchema's order — used to derive an index key from a table row.
func KeyFromRow(full, keySchema *Schema, row *Row) (*Row, error) {
	fields := make([]Value, keySchema.ColumnCount())
	for i, kc := range keySchema.Columns {
		idx, err := full.GetColumnIndex(kc.Name)
		if err != nil {
			return nil, err
		}
		fields[i] = row.Fields[idx]
	}
	return NewRow(fields), nil
}

func nullBitmapSize(numFields int) int {
	return (numFields + 7) / 8
}
