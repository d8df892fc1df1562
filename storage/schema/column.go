package schema

import (
	"encoding/binary"
	"fmt"
)

// columnMagicNum prefixes every serialized column so DeserializeFrom can
// sanity-check it is reading column bytes and not something else entirely.
const columnMagicNum uint32 = 0xDABBAD00

// Column describes one field of a Schema: its name, storage kind, width
// (meaningful only for Char), its ordinal position, and whether it may hold
// a null value or must be unique across a table.
type Column struct {
	Name       string
	Kind       Kind
	Length     uint32 // fixed width in bytes, only meaningful for KindChar
	TableIndex uint32
	Nullable   bool
	Unique     bool
}

// NewColumn builds a fixed-width column for Integer/Float64/Boolean kinds.
func NewColumn(name string, kind Kind, index uint32, nullable, unique bool) *Column {
	if kind == KindChar {
		panic("schema: NewColumn called with KindChar, use NewCharColumn")
	}
	return &Column{Name: name, Kind: kind, Length: uint32(fixedKindWidth(kind)), TableIndex: index, Nullable: nullable, Unique: unique}
}

// NewCharColumn builds a fixed-width CHAR(length) column.
func NewCharColumn(name string, length, index uint32, nullable, unique bool) *Column {
	return &Column{Name: name, Kind: KindChar, Length: length, TableIndex: index, Nullable: nullable, Unique: unique}
}

func fixedKindWidth(k Kind) int {
	switch k {
	case KindInteger:
		return 4
	case KindFloat64:
		return 8
	case KindBoolean:
		return 1
	default:
		panic(fmt.Sprintf("schema: %v has no fixed width", k))
	}
}

func (c *Column) SerializedSize() int {
	// magic(4) + nameLen(4) + name + kind(1) + length(4) + tableIndex(4) + nullable(1) + unique(1)
	return 4 + 4 + len(c.Name) + 1 + 4 + 4 + 1 + 1
}

func (c *Column) SerializeTo(buf []byte) int {
	off := 0
	binary.BigEndian.PutUint32(buf[off:], columnMagicNum)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(c.Name)))
	off += 4
	off += copy(buf[off:], c.Name)
	buf[off] = byte(c.Kind)
	off++
	binary.BigEndian.PutUint32(buf[off:], c.Length)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], c.TableIndex)
	off += 4
	buf[off] = boolByte(c.Nullable)
	off++
	buf[off] = boolByte(c.Unique)
	off++
	return off
}

// DeserializeColumn reads a Column from buf and returns it along with the
// number of bytes consumed.
func DeserializeColumn(buf []byte) (*Column, int) {
	off := 0
	magic := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if magic != columnMagicNum {
		panic("schema: invalid column magic number")
	}
	nameLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	name := string(buf[off : off+int(nameLen)])
	off += int(nameLen)
	kind := Kind(buf[off])
	off++
	length := binary.BigEndian.Uint32(buf[off:])
	off += 4
	tableIndex := binary.BigEndian.Uint32(buf[off:])
	off += 4
	nullable := buf[off] != 0
	off++
	unique := buf[off] != 0
	off++
	return &Column{Name: name, Kind: kind, Length: length, TableIndex: tableIndex, Nullable: nullable, Unique: unique}, off
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
