package catalog

import "coredb/storage/schema"

// encodedKeySize returns the fixed width encodeKey produces for s: a null
// bitmap followed by each column's fixed-width serialization. B+tree keys
// must be fixed width, so every row indexed under s must serialize to
// exactly this many bytes.
func encodedKeySize(s *schema.Schema) int {
	size := bitmapBytes(s.ColumnCount())
	for i := 0; i < s.ColumnCount(); i++ {
		size += int(s.GetColumn(i).Length)
	}
	return size
}

// encodeKey serializes row (already projected down to s's columns via
// schema.KeyFromRow) into the fixed-width byte string the B+tree compares
// lexicographically.
func encodeKey(s *schema.Schema, row *schema.Row) []byte {
	nb := bitmapBytes(s.ColumnCount())
	buf := make([]byte, encodedKeySize(s))
	off := nb
	for i, f := range row.Fields {
		col := s.GetColumn(i)
		if f.Null {
			buf[i/8] |= 1 << (i % 8)
		}
		f.Serialize(buf[off:], col.Length)
		off += f.SerializedSize(col.Length)
	}
	return buf
}

func bitmapBytes(numFields int) int {
	return (numFields + 7) / 8
}
