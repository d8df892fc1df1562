package catalog

import (
	"encoding/binary"
	"fmt"

	"coredb/storage/buffer"
	"coredb/storage/page"
	"coredb/storage/schema"
	"coredb/storage/table"
)

// catalogMetaPageID is the logical page conventionally allocated first (see
// storage/disk: the first call to AllocatePage returns logical id 0),
// holding the serialized table directory.
const catalogMetaPageID page.ID = 0

// serializeDirectory writes every table's name, schema, and heap head/tail
// page ids, followed by every index's id, owning table, indexed columns,
// into raw:
//
//	tableCount(4)  | per table { nameLen(4) | name | firstPage(4) | lastPage(4) | schema }
//	indexCount(4) | per index { indexID(4) | tableNameLen(4) | tableName | indexNameLen(4) | indexName | columnCount(4) | per column { nameLen(4) | name } }
//
// An index's key schema and B+tree are not persisted directly: on reload
// the key schema is re-derived from the owning table's schema plus the
// persisted column names, and the B+tree reattaches to its existing root
// through the shared index-roots page using the persisted indexID.
func serializeDirectory(raw *page.RawPage, tables map[string]*TableInfo, indexes map[indexKey]*IndexInfo) {
	buf := raw.Data
	off := 4
	count := 0
	for name, info := range tables {
		entry := 4 + len(name) + 4 + 4 + info.Schema.SerializedSize()
		if off+entry > len(buf) {
			break
		}
		binary.BigEndian.PutUint32(buf[off:], uint32(len(name)))
		off += 4
		off += copy(buf[off:], name)
		binary.BigEndian.PutUint32(buf[off:], uint32(info.Heap.FirstPageID()))
		off += 4
		binary.BigEndian.PutUint32(buf[off:], uint32(info.Heap.LastPageID()))
		off += 4
		off += info.Schema.SerializeTo(buf[off:])
		count++
	}
	binary.BigEndian.PutUint32(buf[0:4], uint32(count))

	idxCountOff := off
	off += 4
	idxCount := 0
	for _, info := range indexes {
		entry := 4 + 4 + len(info.TableName) + 4 + len(info.Name) + 4
		for _, c := range info.ColumnNames {
			entry += 4 + len(c)
		}
		if off+entry > len(buf) {
			break
		}
		binary.BigEndian.PutUint32(buf[off:], uint32(info.id))
		off += 4
		binary.BigEndian.PutUint32(buf[off:], uint32(len(info.TableName)))
		off += 4
		off += copy(buf[off:], info.TableName)
		binary.BigEndian.PutUint32(buf[off:], uint32(len(info.Name)))
		off += 4
		off += copy(buf[off:], info.Name)
		binary.BigEndian.PutUint32(buf[off:], uint32(len(info.ColumnNames)))
		off += 4
		for _, c := range info.ColumnNames {
			binary.BigEndian.PutUint32(buf[off:], uint32(len(c)))
			off += 4
			off += copy(buf[off:], c)
		}
		idxCount++
	}
	binary.BigEndian.PutUint32(buf[idxCountOff:], uint32(idxCount))

	for i := off; i < len(buf); i++ {
		buf[i] = 0
	}
}

// loadedIndex is the on-disk shape of an IndexInfo before its key schema
// and B+tree handle are reattached by the caller (which has the buffer
// pool and roots page id needed to do so).
type loadedIndex struct {
	id          int32
	tableName   string
	indexName   string
	columnNames []string
}

// LoadDirectory reads back what FlushCatalogMetaPage wrote, reopening each
// table's heap over bp without rebuilding its rows, and returning the raw
// index directory entries for the caller to reattach.
func LoadDirectory(raw *page.RawPage, bp buffer.Pool) (map[string]*TableInfo, []loadedIndex, error) {
	buf := raw.Data
	off := 0
	count := binary.BigEndian.Uint32(buf[off:])
	off += 4
	tables := make(map[string]*TableInfo, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(buf) {
			return nil, nil, fmt.Errorf("catalog: truncated directory at entry %d", i)
		}
		nameLen := binary.BigEndian.Uint32(buf[off:])
		off += 4
		name := string(buf[off : off+int(nameLen)])
		off += int(nameLen)
		firstPage := page.ID(int32(binary.BigEndian.Uint32(buf[off:])))
		off += 4
		lastPage := page.ID(int32(binary.BigEndian.Uint32(buf[off:])))
		off += 4
		s, n := schema.DeserializeSchema(buf[off:])
		off += n

		tables[name] = &TableInfo{
			Name:   name,
			Schema: s,
			Heap:   table.OpenHeap(bp, s, firstPage, lastPage),
		}
	}

	if off+4 > len(buf) {
		return tables, nil, nil
	}
	idxCount := binary.BigEndian.Uint32(buf[off:])
	off += 4
	indexes := make([]loadedIndex, 0, idxCount)
	for i := uint32(0); i < idxCount; i++ {
		id := int32(binary.BigEndian.Uint32(buf[off:]))
		off += 4
		tnLen := binary.BigEndian.Uint32(buf[off:])
		off += 4
		tableName := string(buf[off : off+int(tnLen)])
		off += int(tnLen)
		inLen := binary.BigEndian.Uint32(buf[off:])
		off += 4
		indexName := string(buf[off : off+int(inLen)])
		off += int(inLen)
		colCount := binary.BigEndian.Uint32(buf[off:])
		off += 4
		cols := make([]string, colCount)
		for j := uint32(0); j < colCount; j++ {
			cLen := binary.BigEndian.Uint32(buf[off:])
			off += 4
			cols[j] = string(buf[off : off+int(cLen)])
			off += int(cLen)
		}
		indexes = append(indexes, loadedIndex{id: id, tableName: tableName, indexName: indexName, columnNames: cols})
	}
	return tables, indexes, nil
}
