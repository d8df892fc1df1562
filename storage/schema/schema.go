package schema

import (
	"encoding/binary"
	"fmt"

	"coredb/common"
)

// schemaMagicNum prefixes every serialized schema so DeserializeSchema can
// sanity-check it is reading schema bytes and not something else entirely.
const schemaMagicNum uint32 = 0xABCDDCBA

// Schema is an ordered list of Columns plus a name-to-index lookup. A
// Schema may be "owning" (built fresh, e.g. by CREATE TABLE) or "borrowing"
// a subset of another schema's columns (an index key schema): IsManage
// tracks which, so only an owning schema's columns are freed when the
// schema itself is dropped from the catalog.
type Schema struct {
	Columns   []*Column
	IsManage  bool
	nameIndex map[string]int
}

func NewSchema(columns []*Column, isManage bool) *Schema {
	s := &Schema{Columns: columns, IsManage: isManage}
	s.buildIndex()
	return s
}

func (s *Schema) buildIndex() {
	s.nameIndex = make(map[string]int, len(s.Columns))
	for i, c := range s.Columns {
		s.nameIndex[c.Name] = i
	}
}

func (s *Schema) ColumnCount() int { return len(s.Columns) }

func (s *Schema) GetColumn(i int) *Column { return s.Columns[i] }

// GetColumnIndex returns the ordinal of the column named name.
func (s *Schema) GetColumnIndex(name string) (int, error) {
	if s.nameIndex == nil {
		s.buildIndex()
	}
	idx, ok := s.nameIndex[name]
	if !ok {
		return 0, fmt.Errorf("schema: %w: column %q", common.ErrNotFound, name)
	}
	return idx, nil
}

// KeySchema builds a schema containing only the named columns, in the given
// order, borrowing from schema — used to build an index's key schema out of
// a table's schema.
func KeySchema(full *Schema, columnNames []string) (*Schema, error) {
	cols := make([]*Column, 0, len(columnNames))
	for _, name := range columnNames {
		idx, err := full.GetColumnIndex(name)
		if err != nil {
			return nil, err
		}
		cols = append(cols, full.Columns[idx])
	}
	return NewSchema(cols, false), nil
}

func (s *Schema) SerializedSize() int {
	size := 4 + 4 + 1 // magic + column count + is_manage
	for _, c := range s.Columns {
		size += c.SerializedSize()
	}
	return size
}

func (s *Schema) SerializeTo(buf []byte) int {
	off := 0
	binary.BigEndian.PutUint32(buf[off:], schemaMagicNum)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(s.Columns)))
	off += 4
	for _, c := range s.Columns {
		off += c.SerializeTo(buf[off:])
	}
	buf[off] = boolByte(s.IsManage)
	off++
	return off
}

func DeserializeSchema(buf []byte) (*Schema, int) {
	off := 0
	magic := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if magic != schemaMagicNum {
		panic("schema: invalid schema magic number")
	}
	count := binary.BigEndian.Uint32(buf[off:])
	off += 4
	cols := make([]*Column, count)
	for i := range cols {
		c, n := DeserializeColumn(buf[off:])
		cols[i] = c
		off += n
	}
	isManage := buf[off] != 0
	off++
	return NewSchema(cols, isManage), off
}
